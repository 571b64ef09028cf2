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

package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"k8s.io/klog/v2"

	"github.com/alibaba/OpenSandbox/task-launcher/internal/config"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/dataspace"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/launcher"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/runtime"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/storage"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/types"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/utils"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskExists   = errors.New("task already exists")
	ErrTooManyTasks = errors.New("maximum concurrent tasks reached")
	ErrTaskRunning  = errors.New("task is still running")
)

const scratchDirName = "scratch"

var validate = validator.New()

// managedTask is either a task launched by this manager or the stored result of a task
// that finished before a restart, in which case launcher is nil.
type managedTask struct {
	launcher *launcher.TaskLauncher
	scratch  string
	result   *types.TaskResult
}

func (t *managedTask) status(id string) *TaskStatus {
	if t.launcher == nil {
		return &TaskStatus{ID: id, State: launcher.StateTerminated, Result: t.result}
	}
	return &TaskStatus{ID: id, State: t.launcher.State(), Result: t.launcher.Result()}
}

func (t *managedTask) running() bool {
	return t.launcher != nil && t.result == nil
}

type taskManager struct {
	mu          sync.RWMutex
	tasks       map[string]*managedTask // task id -> task
	activeTasks int
	store       storage.ResultStore
	executor    runtime.TaskExecutor
	config      *config.Config
	running     sync.WaitGroup
}

// NewTaskManager creates a new task manager instance.
func NewTaskManager(cfg *config.Config, resultStore storage.ResultStore, exec runtime.TaskExecutor) (TaskManager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if resultStore == nil {
		return nil, fmt.Errorf("result store cannot be nil")
	}
	if exec == nil {
		return nil, fmt.Errorf("executor cannot be nil")
	}

	return &taskManager{
		tasks:    make(map[string]*managedTask),
		store:    resultStore,
		executor: exec,
		config:   cfg,
	}, nil
}

// ValidateTask checks a task request before it is launched.
func ValidateTask(task *Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}
	if err := validate.Struct(&task.Initializer); err != nil {
		return fmt.Errorf("invalid task initializer: %w", err)
	}
	if err := task.Executable.Validate(); err != nil {
		return fmt.Errorf("invalid task executable: %w", err)
	}
	if err := validate.Struct(&task.Executable); err != nil {
		return fmt.Errorf("invalid task executable: %w", err)
	}
	return nil
}

// ReadTaskFile reads a JSON task request.
func ReadTaskFile(path string) (*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to parse task file %s: %w", path, err)
	}
	return &task, nil
}

// Create creates a new task and starts execution.
func (m *taskManager) Create(ctx context.Context, task *Task) (string, error) {
	if err := ValidateTask(task); err != nil {
		return "", err
	}
	id := task.Initializer.TaskID.String()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[id]; exists {
		return "", fmt.Errorf("task %s: %w", id, ErrTaskExists)
	}
	if m.activeTasks >= m.config.MaxConcurrentTasks {
		return "", fmt.Errorf("%w (%d), cannot create task %s", ErrTooManyTasks, m.config.MaxConcurrentTasks, id)
	}

	scratch, err := utils.SafeJoin(filepath.Join(m.config.WorkDir, scratchDirName), id)
	if err != nil {
		return "", fmt.Errorf("invalid task id %s: %w", id, err)
	}
	ds, err := dataspace.NewLocal(m.config.Spaces, scratch, dataspace.TagsFor(task.Initializer))
	if err != nil {
		return "", fmt.Errorf("failed to prepare dataspaces: %w", err)
	}
	l, err := launcher.New(task.Initializer, m.executor, ds,
		launcher.WithCredentials(task.Credentials),
		launcher.WithKillGracePeriod(m.config.KillGracePeriod),
		launcher.WithStoreLogs(m.config.StoreLogs),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create launcher: %w", err)
	}

	managed := &managedTask{launcher: l, scratch: scratch}
	m.running.Add(1)
	notify := launcher.NotificationFunc(func(_ types.TaskID, result *types.TaskResult) {
		m.onTerminated(id, managed, result)
	})
	if err := l.DoTask(task.Executable, task.PreviousResults, notify); err != nil {
		m.running.Done()
		return "", fmt.Errorf("failed to start task: %w", err)
	}

	m.tasks[id] = managed
	m.activeTasks++

	klog.InfoS("task created successfully", "task", id)
	return id, nil
}

// onTerminated persists the final result. It runs before the launcher reports done, so
// a finished Wait always finds the result stored.
func (m *taskManager) onTerminated(id string, managed *managedTask, result *types.TaskResult) {
	defer m.running.Done()

	if err := m.store.Save(context.Background(), result); err != nil {
		klog.ErrorS(err, "failed to persist task result", "task", id)
	}

	m.mu.Lock()
	managed.result = result
	m.activeTasks--
	m.mu.Unlock()
}

func (m *taskManager) lookup(id string) (*managedTask, error) {
	if id == "" {
		return nil, fmt.Errorf("task id cannot be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	managed, exists := m.tasks[id]
	if !exists {
		return nil, fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	return managed, nil
}

func (m *taskManager) Get(ctx context.Context, id string) (*TaskStatus, error) {
	managed, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return managed.status(id), nil
}

// List returns all tasks ordered by id.
func (m *taskManager) List(ctx context.Context) ([]*TaskStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]*TaskStatus, 0, len(m.tasks))
	for id, managed := range m.tasks {
		statuses = append(statuses, managed.status(id))
	}
	slices.SortFunc(statuses, func(a, b *TaskStatus) int {
		return strings.Compare(a.ID, b.ID)
	})
	return statuses, nil
}

func (m *taskManager) Terminate(ctx context.Context, id string, kill bool) error {
	managed, err := m.lookup(id)
	if err != nil {
		return err
	}
	if managed.launcher != nil {
		managed.launcher.Terminate(kill)
	}
	return nil
}

func (m *taskManager) Wait(ctx context.Context, id string) (*types.TaskResult, error) {
	managed, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if managed.launcher == nil {
		return managed.result, nil
	}
	return managed.launcher.Wait(ctx)
}

func (m *taskManager) Launcher(id string) (*launcher.TaskLauncher, error) {
	managed, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if managed.launcher == nil {
		return nil, fmt.Errorf("task %s finished before the last restart", id)
	}
	return managed.launcher, nil
}

// Delete removes a finished task. Deleting an unknown task is not an error.
func (m *taskManager) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("task id cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	managed, exists := m.tasks[id]
	if !exists {
		return nil
	}
	if managed.running() {
		return fmt.Errorf("task %s: %w", id, ErrTaskRunning)
	}

	if err := m.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete task result: %w", err)
	}
	if managed.scratch != "" {
		if err := os.RemoveAll(managed.scratch); err != nil {
			klog.ErrorS(err, "failed to remove scratch directory", "task", id, "dir", managed.scratch)
		}
	}
	delete(m.tasks, id)

	klog.InfoS("task deleted successfully", "task", id)
	return nil
}

// Start recovers the results of tasks that finished before the last restart.
func (m *taskManager) Start(ctx context.Context) {
	klog.InfoS("starting task manager")

	if err := m.recoverTasks(ctx); err != nil {
		klog.ErrorS(err, "failed to recover tasks from store")
	}

	klog.InfoS("task manager started")
}

func (m *taskManager) recoverTasks(ctx context.Context) error {
	results, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list task results from store: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	recovered := 0
	for _, result := range results {
		id := result.TaskID.String()
		if _, exists := m.tasks[id]; exists {
			continue
		}
		m.tasks[id] = &managedTask{result: result}
		recovered++
		klog.V(2).InfoS("recovered task", "task", id, "failed", result.HadException())
	}

	klog.InfoS("task recovery completed", "count", recovered)
	return nil
}

// Stop terminates running tasks gracefully and waits until their results are stored.
func (m *taskManager) Stop() {
	klog.InfoS("stopping task manager")

	m.mu.RLock()
	for id, managed := range m.tasks {
		if managed.running() {
			klog.InfoS("terminating running task", "task", id)
			managed.launcher.Terminate(false)
		}
	}
	m.mu.RUnlock()

	m.running.Wait()
	klog.InfoS("task manager stopped")
}
