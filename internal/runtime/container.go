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
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/alibaba/OpenSandbox/task-launcher/internal/command"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/config"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/container"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/stopwatch"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/storage"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/types"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/utils"
)

// Exit codes reported by container engines for their own failures.
const (
	engineStartFailed = 125
	entryNotRunnable  = 126
	entryNotFound     = 127
)

// containerExecutor runs each task in a new process of the runtime binary started inside
// a container. The container's maximum run time is enforced on top of any walltime.
type containerExecutor struct {
	config     *config.Config
	containers config.ContainerConfig
	entryPoint string
}

// NewContainerExecutor returns an executor starting tasks in containers. Without a
// configured home directory the directory of the current executable is mounted.
func NewContainerExecutor(cfg *config.Config) (TaskExecutor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	containers := cfg.Container
	entryPoint := containers.EntryPoint
	if containers.HomeDir == "" || entryPoint == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate the current executable: %w", err)
		}
		if containers.HomeDir == "" {
			containers = containers.WithHome(filepath.Dir(self))
		}
		if entryPoint == "" {
			entryPoint = path.Join(container.NewBuilder(containers, "").HomeMount(), filepath.Base(self))
		}
	}

	return &containerExecutor{
		config:     cfg,
		containers: containers,
		entryPoint: entryPoint,
	}, nil
}

func (e *containerExecutor) Execute(ctx context.Context, tc *types.TaskContext, stdout, stderr io.Writer) *types.TaskResult {
	watch := stopwatch.New()
	watch.Start()

	result := e.execute(ctx, tc, stdout, stderr)
	result.Duration = watch.Stop()
	return result
}

func (e *containerExecutor) execute(ctx context.Context, tc *types.TaskContext, stdout, stderr io.Writer) *types.TaskResult {
	id := tc.Initializer.TaskID

	wd, err := prepareWorkDir(e.config.WorkDir, tc)
	if err != nil {
		return types.NewExceptionResult(id, err)
	}
	defer removeWorkDir(wd)

	builder := container.NewBuilder(e.containers, containerName(id))
	workMount := e.containers.WorkMount
	builder.AddVolumeDirectory(wd.Path, workMount)
	if tc.ScratchDir != "" {
		builder.AddVolumeDirectory(tc.ScratchDir, "")
	}
	inContainer := utils.ContainerPath(wd.Path)
	if workMount != "" {
		inContainer = utils.ContainerPath(workMount)
	}

	args := append(append([]string{}, e.config.RuntimeArgs...), ForkCommand,
		path.Join(inContainer, storage.ContextFile), path.Join(inContainer, storage.ResultFile))
	start := builder.Start(e.entryPoint, args...)

	processes := command.NewProcessExecutor(
		command.WithEnv(append(os.Environ(), e.config.ForkEnv...)),
		command.WithGracePeriod(e.config.KillGracePeriod),
		command.WithCookie(uuid.NewString()),
	)
	timed := command.NewTimedExecutor(processes, e.containers.MaxTime)

	klog.InfoS("starting task container", "task", id.String(), "container", builder.Name(), "image", e.containers.Image)
	code, err := timed.ExecuteTimedCommand(ctx, stdout, stderr, start...)
	if err != nil {
		e.cleanup(ctx, builder)
		if cause := context.Cause(ctx); cause != nil {
			return types.NewExceptionResult(id, cause)
		}
		return types.NewExceptionResult(id, err)
	}

	switch code {
	case engineStartFailed:
		return types.NewExceptionResult(id, types.NewError(types.ErrProcessSpawn, nil,
			"container %s could not be started", builder.Name()))
	case entryNotRunnable, entryNotFound:
		return types.NewExceptionResult(id, types.NewError(types.ErrRuntimeNotFound, nil,
			"%s in image %s", e.entryPoint, e.containers.Image))
	}
	return readForkResult(wd, id, code)
}

// cleanup kills and removes the container after the engine client was stopped. It runs
// even though ctx is already cancelled, bounded by the cleanup timeout.
func (e *containerExecutor) cleanup(ctx context.Context, builder *container.Builder) {
	timed := command.NewTimedExecutor(command.NewProcessExecutor(), e.containers.CleanupTimeout)
	for _, cmd := range [][]string{builder.Stop(), builder.Remove()} {
		var errOut strings.Builder
		code, err := timed.ExecuteTimedWhileInterrupted(ctx, io.Discard, &errOut, cmd...)
		if err != nil || code != 0 {
			// the container may already be gone
			klog.V(2).InfoS("container cleanup command failed", "command", cmd, "exitCode", code, "err", err, "stderr", errOut.String())
			continue
		}
		klog.InfoS("container cleanup command done", "command", cmd[len(cmd)-2], "container", builder.Name())
	}
}

// containerName derives a unique container name from the task id.
func containerName(id types.TaskID) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			return r
		default:
			return '-'
		}
	}, id.String())
	return fmt.Sprintf("task-%s-%s", name, uuid.NewString()[:8])
}
