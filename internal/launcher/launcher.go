// Copyright 2025 Alibaba Group Holding Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package launcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/alibaba/OpenSandbox/task-launcher/internal/dataspace"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/runtime"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/stopwatch"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/tasklog"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/types"
)

// State is the lifecycle stage of a task attempt.
type State string

const (
	StateCreated    State = "CREATED"
	StateStagingIn  State = "STAGING_IN"
	StateRunning    State = "RUNNING"
	StateStagingOut State = "STAGING_OUT"
	StateTerminated State = "TERMINATED"
)

// TerminateNotification receives the final result of a task attempt.
type TerminateNotification interface {
	Terminated(id types.TaskID, result *types.TaskResult)
}

// NotificationFunc adapts a function to TerminateNotification.
type NotificationFunc func(id types.TaskID, result *types.TaskResult)

func (f NotificationFunc) Terminated(id types.TaskID, result *types.TaskResult) {
	f(id, result)
}

var ErrAlreadyStarted = errors.New("task already started")

// TaskLauncher runs one task attempt: input staging, execution, output staging, then
// notification. It is used once.
type TaskLauncher struct {
	initializer types.Initializer
	executor    runtime.TaskExecutor
	dataspaces  dataspace.Dataspaces
	credentials *types.Credentials
	clock       clock.WithDelayedExecution
	killGrace   time.Duration
	storeLogs   bool
	logger      *tasklog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	started       atomic.Bool
	terminateOnce sync.Once
	walltimeFired atomic.Bool
	done          chan struct{}

	mu     sync.RWMutex
	state  State
	result *types.TaskResult
}

type Option func(*TaskLauncher)

// WithClock sets the clock driving the walltime timer and the kill grace period.
func WithClock(c clock.WithDelayedExecution) Option {
	return func(l *TaskLauncher) { l.clock = c }
}

// WithCredentials gives the task access to a sealed credential bundle.
func WithCredentials(c *types.Credentials) Option {
	return func(l *TaskLauncher) { l.credentials = c }
}

// WithKillGracePeriod bounds how long a terminated task's executor is waited for before
// it is abandoned.
func WithKillGracePeriod(d time.Duration) Option {
	return func(l *TaskLauncher) { l.killGrace = d }
}

// WithStoreLogs persists the task logs into the scratch directory even when the task
// does not ask for it.
func WithStoreLogs(store bool) Option {
	return func(l *TaskLauncher) { l.storeLogs = store }
}

func New(in types.Initializer, executor runtime.TaskExecutor, ds dataspace.Dataspaces, opts ...Option) (*TaskLauncher, error) {
	if executor == nil {
		return nil, fmt.Errorf("executor cannot be nil")
	}
	if ds == nil {
		return nil, fmt.Errorf("dataspaces cannot be nil")
	}

	l := &TaskLauncher{
		initializer: in,
		executor:    executor,
		dataspaces:  ds,
		clock:       clock.RealClock{},
		killGrace:   5 * time.Second,
		done:        make(chan struct{}),
		state:       StateCreated,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = tasklog.NewLogger(in.TaskID, tasklog.WithClock(l.clock), tasklog.WithLiveTimeout(l.killGrace))
	l.ctx, l.cancel = context.WithCancelCause(context.Background())
	return l, nil
}

func (l *TaskLauncher) TaskID() types.TaskID {
	return l.initializer.TaskID
}

func (l *TaskLauncher) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Done is closed once the notification has been delivered.
func (l *TaskLauncher) Done() <-chan struct{} {
	return l.done
}

// Result returns the final result, or nil while the task is still running.
func (l *TaskLauncher) Result() *types.TaskResult {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.result
}

// Logger gives access to the output captured so far.
func (l *TaskLauncher) Logger() *tasklog.Logger {
	return l.logger
}

// ActivateLogs streams the task output to an appender from provider, starting with
// everything captured so far.
func (l *TaskLauncher) ActivateLogs(provider tasklog.AppenderProvider) error {
	return l.logger.ActivateLogs(provider)
}

// DoTask starts the task in the background. notify, when not nil, is called exactly
// once with the final result.
func (l *TaskLauncher) DoTask(executable types.ExecutableContainer, previous []*types.TaskResult, notify TerminateNotification) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	klog.InfoS("launching task", "task", l.TaskID().String(), "kind", executable.Kind())
	go l.run(executable, previous, notify)
	return nil
}

// Terminate aborts the task in whatever stage it is. kill skips the graceful stop of
// spawned processes. Only the first call has an effect.
func (l *TaskLauncher) Terminate(kill bool) {
	l.terminateOnce.Do(func() {
		klog.InfoS("terminating task", "task", l.TaskID().String(), "kill", kill, "state", l.State())
		l.cancel(types.Aborted(kill))
	})
}

func (l *TaskLauncher) run(executable types.ExecutableContainer, previous []*types.TaskResult, notify TerminateNotification) {
	defer close(l.done)

	result := l.execute(executable, previous)
	l.finish(result, notify)
}

func (l *TaskLauncher) execute(executable types.ExecutableContainer, previous []*types.TaskResult) (result *types.TaskResult) {
	id := l.TaskID()
	watch := stopwatch.NewWithClock(l.clock)
	watch.Start()

	defer func() {
		if r := recover(); r != nil {
			utilruntime.HandleError(fmt.Errorf("task %s panicked: %v", id, r))
			result = types.NewExceptionResult(id, types.NewError(types.ErrFailedExecution, nil, "task launcher panicked: %v", r))
		}
		if result.Duration == 0 {
			result.Duration = watch.Stop()
		}
	}()

	if walltime := l.initializer.Walltime; walltime > 0 {
		timer := l.clock.AfterFunc(walltime, func() {
			l.walltimeFired.Store(true)
			klog.InfoS("task walltime exceeded", "task", id.String(), "walltime", walltime)
			l.cancel(types.WalltimeExceeded(walltime))
		})
		defer timer.Stop()
	}

	l.setState(StateStagingIn)
	if err := l.dataspaces.CopyInputDataToScratch(l.ctx, l.initializer.InputFiles); err != nil {
		return types.NewExceptionResult(id, l.stagingError("input", err))
	}

	l.setState(StateRunning)
	result = l.runExecutor(&types.TaskContext{
		Executable:      executable,
		Initializer:     l.initializer,
		PreviousResults: previous,
		Credentials:     l.credentials,
		ScratchDir:      l.dataspaces.ScratchDir(),
	})

	l.setState(StateStagingOut)
	if l.ctx.Err() == nil {
		if err := l.dataspaces.CopyScratchDataToOutput(l.ctx, l.initializer.OutputFiles); err != nil {
			err = l.stagingError("output", err)
			if result.HadException() {
				klog.ErrorS(err, "output staging failed after task failure", "task", id.String())
			} else {
				result.Exception = err
			}
		}
	}

	if l.ctx.Err() != nil {
		aborted := types.NewExceptionResult(id, l.cause())
		aborted.Duration = result.Duration
		return aborted
	}
	return result
}

// runExecutor waits for the executor, or after cancellation at most the kill grace
// period. An executor that does not return in time is abandoned.
func (l *TaskLauncher) runExecutor(tc *types.TaskContext) *types.TaskResult {
	id := tc.Initializer.TaskID
	results := make(chan *types.TaskResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				utilruntime.HandleError(fmt.Errorf("executor of task %s panicked: %v", id, r))
				results <- types.NewExceptionResult(id, types.NewError(types.ErrFailedExecution, nil, "executor panicked: %v", r))
			}
		}()
		result := l.executor.Execute(l.ctx, tc, l.logger.OutputSink(), l.logger.ErrorSink())
		if result == nil {
			result = types.NewExceptionResult(id, types.NewError(types.ErrFailedExecution, nil, "executor returned no result"))
		}
		results <- result
	}()

	select {
	case result := <-results:
		return result
	case <-l.ctx.Done():
	}
	select {
	case result := <-results:
		return result
	case <-l.clock.After(l.killGrace):
		klog.InfoS("abandoning task executor that did not stop", "task", id.String(), "gracePeriod", l.killGrace)
		return types.NewExceptionResult(id, l.cause())
	}
}

func (l *TaskLauncher) stagingError(direction string, err error) error {
	if l.ctx.Err() != nil {
		return l.cause()
	}
	return types.NewError(types.ErrFailedExecution, err, "failed to copy %s data", direction)
}

// cause classifies an interrupted attempt. A fired walltime timer takes precedence over
// an abort request.
func (l *TaskLauncher) cause() error {
	if l.walltimeFired.Load() {
		return types.WalltimeExceeded(l.initializer.Walltime)
	}
	return context.Cause(l.ctx)
}

func (l *TaskLauncher) finish(result *types.TaskResult, notify TerminateNotification) {
	id := l.TaskID()
	l.cancel(nil)

	if err := l.logger.Close(); err != nil {
		klog.ErrorS(err, "failed to close task logs", "task", id.String())
	}
	if l.storeLogs || l.initializer.PreciousLogs {
		if scratch := l.dataspaces.ScratchDir(); scratch != "" {
			if err := l.logger.StoredLogs(tasklog.FileProvider{Dir: scratch}); err != nil {
				klog.ErrorS(err, "failed to persist task logs", "task", id.String())
			}
		}
	}
	result.TaskID = id
	result.Logs = l.logger.Logs()

	l.mu.Lock()
	l.state = StateTerminated
	l.result = result
	l.mu.Unlock()

	recordResult(result)
	klog.InfoS("task terminated", "task", id.String(), "outcome", outcome(result), "duration", result.Duration, "err", result.Exception)
	if notify != nil {
		notify.Terminated(id, result)
	}
}

func (l *TaskLauncher) setState(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	klog.V(2).InfoS("task state changed", "task", l.TaskID().String(), "from", l.state, "to", s)
	l.state = s
}

// Wait blocks until the task terminated and returns its result, or returns early with
// ctx's error.
func (l *TaskLauncher) Wait(ctx context.Context) (*types.TaskResult, error) {
	select {
	case <-l.done:
		return l.Result(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
