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

package command

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/alibaba/OpenSandbox/task-launcher/internal/types"
)

const (
	// CookieEnv is set in the environment of every spawned process so that
	// processes escaping the process group can still be found and killed.
	CookieEnv = "TASK_LAUNCHER_COOKIE"

	pipeDrainTimeout = 2 * time.Second
)

// CommandExecutor runs an external command to completion and returns its exit code.
// Cancelling ctx terminates the command; the cancellation cause is returned.
type CommandExecutor interface {
	ExecuteCommand(ctx context.Context, stdout, stderr io.Writer, command ...string) (int, error)
}

// ProcessExecutor runs commands as child processes in their own process group.
type ProcessExecutor struct {
	env         []string
	dir         string
	gracePeriod time.Duration
	cookie      string
}

type Option func(*ProcessExecutor)

// WithEnv replaces the inherited environment of spawned processes.
func WithEnv(env []string) Option {
	return func(e *ProcessExecutor) { e.env = env }
}

// WithDir sets the working directory of spawned processes.
func WithDir(dir string) Option {
	return func(e *ProcessExecutor) { e.dir = dir }
}

// WithGracePeriod sets how long a gracefully terminated process group may run after SIGTERM.
func WithGracePeriod(d time.Duration) Option {
	return func(e *ProcessExecutor) { e.gracePeriod = d }
}

// WithCookie marks spawned processes with cookie, see CookieEnv.
func WithCookie(cookie string) Option {
	return func(e *ProcessExecutor) { e.cookie = cookie }
}

func NewProcessExecutor(opts ...Option) *ProcessExecutor {
	e := &ProcessExecutor{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *ProcessExecutor) environ() []string {
	env := e.env
	if env == nil {
		env = os.Environ()
	}
	if e.cookie != "" {
		env = append(env[:len(env):len(env)], CookieEnv+"="+e.cookie)
	}
	return env
}

// ExecuteCommand starts command and copies its stdout and stderr into the given writers
// until it exits. A non-zero exit is not an error. A command that cannot be started fails
// with ErrProcessSpawn. When ctx is cancelled the whole process tree is stopped, gracefully
// if the cancellation cause asks for it, and the cause is returned.
func (e *ProcessExecutor) ExecuteCommand(ctx context.Context, stdout, stderr io.Writer, command ...string) (int, error) {
	if len(command) == 0 {
		return -1, types.NewError(types.ErrProcessSpawn, nil, "empty command")
	}
	if err := ctx.Err(); err != nil {
		return -1, context.Cause(ctx)
	}
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Env = e.environ()
	cmd.Dir = e.dir
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return -1, types.NewError(types.ErrProcessSpawn, err, "failed to open stdout of %s", command[0])
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return -1, types.NewError(types.ErrProcessSpawn, err, "failed to open stderr of %s", command[0])
	}

	if err := cmd.Start(); err != nil {
		klog.ErrorS(err, "failed to start command", "command", command[0])
		return -1, types.NewError(types.ErrProcessSpawn, err, "failed to start %s", command[0])
	}
	pid := cmd.Process.Pid
	klog.V(2).InfoS("process started", "pid", pid, "command", command[0])

	var pumps sync.WaitGroup
	pumps.Add(2)
	go pump(&pumps, stdout, stdoutPipe)
	go pump(&pumps, stderr, stderrPipe)
	drained := make(chan struct{})
	go func() {
		pumps.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		e.stop(pid, types.IsGracefulAbort(context.Cause(ctx)), drained)
		select {
		case <-drained:
		case <-time.After(pipeDrainTimeout):
			// a process outside our reach still holds the pipes
			stdoutPipe.Close()
			stderrPipe.Close()
			<-drained
		}
	}

	waitErr := cmd.Wait()
	code := exitCode(cmd.ProcessState)
	if ctx.Err() != nil {
		klog.InfoS("process terminated on cancellation", "pid", pid, "exitCode", code)
		return code, context.Cause(ctx)
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && cmd.ProcessState == nil {
		return code, types.NewError(types.ErrFailedExecution, waitErr, "failed to wait for %s", command[0])
	}
	klog.V(2).InfoS("process exited", "pid", pid, "exitCode", code)
	return code, nil
}

// stop terminates the process group led by pid. A graceful stop sends SIGTERM and waits
// for the streams to close or the grace period to expire before killing what is left.
func (e *ProcessExecutor) stop(pid int, graceful bool, drained <-chan struct{}) {
	if graceful && e.gracePeriod > 0 {
		klog.InfoS("sending SIGTERM to process group", "pgid", pid, "gracePeriod", e.gracePeriod)
		if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
			klog.ErrorS(err, "failed to send SIGTERM", "pgid", pid)
		}
		timer := time.NewTimer(e.gracePeriod)
		select {
		case <-drained:
		case <-timer.C:
			klog.InfoS("process group did not exit after grace period, killing", "pgid", pid)
		}
		timer.Stop()
	}
	if err := KillProcessTree(pid, e.cookie); err != nil {
		klog.ErrorS(err, "failed to kill process tree", "pid", pid)
	}
}

func pump(wg *sync.WaitGroup, dst io.Writer, src io.Reader) {
	defer wg.Done()
	if _, err := io.Copy(dst, src); err != nil && !errors.Is(err, os.ErrClosed) {
		klog.V(2).InfoS("output pump stopped", "err", err)
	}
}

// exitCode follows the shell convention of 128+signal for signalled processes.
func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

// ExitError describes a command that ran but exited with a non-zero code.
func ExitError(code int, command string) error {
	return types.NewError(types.ErrFailedExecution, nil, "%s exited with code %d", command, code)
}
