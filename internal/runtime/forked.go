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

package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/alibaba/OpenSandbox/task-launcher/internal/command"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/config"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/stopwatch"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/storage"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/types"
)

// ForkCommand is the subcommand of the runtime binary that runs a forked task.
const ForkCommand = "fork"

// forkedExecutor runs each task in a new process of the runtime binary. The task context
// and the result travel through files in a per-attempt work directory.
type forkedExecutor struct {
	config *config.Config
}

func NewForkedExecutor(cfg *config.Config) (TaskExecutor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	return &forkedExecutor{config: cfg}, nil
}

func (e *forkedExecutor) Execute(ctx context.Context, tc *types.TaskContext, stdout, stderr io.Writer) *types.TaskResult {
	watch := stopwatch.New()
	watch.Start()

	result := e.execute(ctx, tc, stdout, stderr)
	result.Duration = watch.Stop()
	return result
}

func (e *forkedExecutor) execute(ctx context.Context, tc *types.TaskContext, stdout, stderr io.Writer) *types.TaskResult {
	id := tc.Initializer.TaskID

	wd, err := prepareWorkDir(e.config.WorkDir, tc)
	if err != nil {
		return types.NewExceptionResult(id, err)
	}
	defer removeWorkDir(wd)

	runtimeCmd, err := resolveRuntime(e.config.RuntimePath)
	if err != nil {
		return types.NewExceptionResult(id, err)
	}
	cmd := append(append(runtimeCmd, e.config.RuntimeArgs...), ForkCommand, wd.ContextPath(), wd.ResultPath())

	cookie := uuid.NewString()
	executor := command.NewProcessExecutor(
		command.WithEnv(append(os.Environ(), e.config.ForkEnv...)),
		command.WithGracePeriod(e.config.KillGracePeriod),
		command.WithCookie(cookie),
	)
	klog.InfoS("forking task", "task", id.String(), "runtime", cmd[0], "cookie", cookie)
	code, err := executor.ExecuteCommand(ctx, stdout, stderr, cmd...)
	if cause := context.Cause(ctx); cause != nil {
		return types.NewExceptionResult(id, cause)
	}
	if err != nil {
		return types.NewExceptionResult(id, err)
	}
	return readForkResult(wd, id, code)
}

// prepareWorkDir creates the work directory of an attempt and writes the context into it.
func prepareWorkDir(baseDir string, tc *types.TaskContext) (*storage.WorkDir, error) {
	wd, err := storage.NewWorkDir(baseDir, tc.Initializer.TaskID)
	if err != nil {
		return nil, types.NewError(types.ErrFailedExecution, err, "unusable work directory")
	}
	if err := storage.WriteContext(wd.ContextPath(), tc); err != nil {
		removeWorkDir(wd)
		return nil, err
	}
	return wd, nil
}

func removeWorkDir(wd *storage.WorkDir) {
	if err := wd.Remove(); err != nil {
		klog.ErrorS(err, "failed to remove work directory", "path", wd.Path)
	}
}

// resolveRuntime returns the binary running forked tasks: path when set, this executable otherwise.
func resolveRuntime(path string) ([]string, error) {
	if path == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, types.NewError(types.ErrRuntimeNotFound, err, "cannot locate the current executable")
		}
		path = self
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, types.NewError(types.ErrRuntimeNotFound, err, "%s", path)
	}
	return []string{resolved}, nil
}

// readForkResult loads the result the child left in wd. A child that exited without one
// failed before it could run the task.
func readForkResult(wd *storage.WorkDir, id types.TaskID, exitCode int) *types.TaskResult {
	result, err := storage.ReadResult(wd.ResultPath())
	switch {
	case err == nil:
		if result.TaskID != id {
			klog.InfoS("forked result carries another task id", "task", id.String(), "got", result.TaskID.String())
			result.TaskID = id
		}
		return result
	case errors.Is(err, os.ErrNotExist):
		return types.NewExceptionResult(id, types.NewError(types.ErrFailedExecution, nil,
			"forked runtime exited with code %d without a result", exitCode))
	default:
		return types.NewExceptionResult(id, err)
	}
}
