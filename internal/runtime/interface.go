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

	"github.com/alibaba/OpenSandbox/task-launcher/internal/config"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/types"
)

// TaskExecutor runs one task attempt and writes the task's output to stdout and stderr.
// It never fails: every error ends up as the exception of the returned result, and the
// result duration is always set. Cancelling ctx stops the attempt and the cancellation
// cause becomes the exception.
type TaskExecutor interface {
	Execute(ctx context.Context, tc *types.TaskContext, stdout, stderr io.Writer) *types.TaskResult
}

// NewExecutor returns the executor selected by cfg.ExecutorMode.
func NewExecutor(cfg *config.Config) (TaskExecutor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	switch cfg.ExecutorMode {
	case config.ModeNonForked:
		return NewNonForkedExecutor(cfg.KillGracePeriod), nil
	case config.ModeForked:
		return NewForkedExecutor(cfg)
	case config.ModeContainer:
		return NewContainerExecutor(cfg)
	default:
		return nil, fmt.Errorf("unknown executor mode %q", cfg.ExecutorMode)
	}
}
