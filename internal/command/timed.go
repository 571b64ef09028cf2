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
	"time"

	"k8s.io/klog/v2"

	"github.com/alibaba/OpenSandbox/task-launcher/internal/types"
)

var errCeilingReached = errors.New("command exceeded its time ceiling")

// TimedExecutor runs commands through a delegate under a wall-clock ceiling.
type TimedExecutor struct {
	delegate CommandExecutor
	maxTime  time.Duration
}

// NewTimedExecutor returns a TimedExecutor. A maxTime of zero disables the ceiling.
func NewTimedExecutor(delegate CommandExecutor, maxTime time.Duration) *TimedExecutor {
	return &TimedExecutor{delegate: delegate, maxTime: maxTime}
}

// ExecuteTimedCommand runs command and returns its exit code. It fails with ErrInterrupted
// without starting anything when ctx is already done, and with ErrInterrupted when the
// ceiling is reached or ctx is cancelled while the command runs.
func (t *TimedExecutor) ExecuteTimedCommand(ctx context.Context, stdout, stderr io.Writer, command ...string) (int, error) {
	if ctx.Err() != nil {
		return -1, types.Interrupted(context.Cause(ctx), "not started")
	}
	return t.execute(ctx, stdout, stderr, command)
}

// ExecuteTimedWhileInterrupted runs command even when ctx is already cancelled, still under
// the ceiling. It is meant for cleanup commands issued after cancellation; ctx is left as it
// was, and its values remain visible to the delegate.
func (t *TimedExecutor) ExecuteTimedWhileInterrupted(ctx context.Context, stdout, stderr io.Writer, command ...string) (int, error) {
	return t.execute(context.WithoutCancel(ctx), stdout, stderr, command)
}

func (t *TimedExecutor) execute(ctx context.Context, stdout, stderr io.Writer, command []string) (int, error) {
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if t.maxTime > 0 {
		runCtx, cancel = context.WithTimeoutCause(ctx, t.maxTime, errCeilingReached)
	}
	defer cancel()

	code, err := t.delegate.ExecuteCommand(runCtx, stdout, stderr, command...)
	if runCtx.Err() == nil {
		return code, err
	}
	name := ""
	if len(command) > 0 {
		name = command[0]
	}
	cause := context.Cause(runCtx)
	if errors.Is(cause, errCeilingReached) {
		klog.InfoS("command reached its time ceiling", "command", name, "maxTime", t.maxTime)
		return code, types.Interrupted(cause, "%s did not finish within %s", name, t.maxTime)
	}
	return code, types.Interrupted(cause, "%s interrupted", name)
}
