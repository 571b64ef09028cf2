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

	"github.com/alibaba/OpenSandbox/task-launcher/internal/launcher"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/types"
)

// Task is a request to run one task attempt, as read from a task file.
type Task struct {
	Initializer     types.Initializer         `json:"initializer"`
	Executable      types.ExecutableContainer `json:"executable"`
	PreviousResults []*types.TaskResult       `json:"previousResults,omitempty"`
	Credentials     *types.Credentials        `json:"credentials,omitempty"`
}

// TaskStatus is a point-in-time view of a managed task.
type TaskStatus struct {
	ID    string
	State launcher.State
	// Result is nil until the task terminated.
	Result *types.TaskResult
}

// TaskManager runs tasks and keeps their final results.
type TaskManager interface {
	// Create starts a task and returns its id.
	Create(ctx context.Context, task *Task) (string, error)

	Get(ctx context.Context, id string) (*TaskStatus, error)

	List(ctx context.Context) ([]*TaskStatus, error)

	// Terminate aborts a running task. Terminating a finished task has no effect.
	Terminate(ctx context.Context, id string, kill bool) error

	// Wait blocks until the task terminated and returns its result.
	Wait(ctx context.Context, id string) (*types.TaskResult, error)

	// Launcher gives access to the launcher of a task created by this manager.
	Launcher(id string) (*launcher.TaskLauncher, error)

	// Delete forgets a finished task and removes its stored result and scratch directory.
	Delete(ctx context.Context, id string) error

	// Start loads the results of tasks that finished before a restart.
	Start(ctx context.Context)

	// Stop terminates every running task and waits for them.
	Stop()
}
