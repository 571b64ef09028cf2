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
	"time"

	"k8s.io/klog/v2"

	"github.com/alibaba/OpenSandbox/task-launcher/internal/command"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/credentials"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/script"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/stopwatch"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/types"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/variables"
)

// nonForkedExecutor runs every stage of a task in the calling process. Scripts stop at
// their next instruction once ctx is cancelled; registered executables stop only when
// they observe ctx.
type nonForkedExecutor struct {
	gracePeriod time.Duration
}

// NewNonForkedExecutor returns an executor running tasks in the current process.
// gracePeriod applies to native commands stopped by a graceful abort.
func NewNonForkedExecutor(gracePeriod time.Duration) TaskExecutor {
	return &nonForkedExecutor{gracePeriod: gracePeriod}
}

func (e *nonForkedExecutor) Execute(ctx context.Context, tc *types.TaskContext, stdout, stderr io.Writer) (result *types.TaskResult) {
	watch := stopwatch.New()
	watch.Start()
	id := tc.Initializer.TaskID

	defer func() {
		if r := recover(); r != nil {
			klog.ErrorS(nil, "task panicked", "task", id.String(), "panic", r)
			result = types.NewExceptionResult(id, types.NewError(types.ErrFailedExecution, nil, "task panicked: %v", r))
		}
		result.Duration = watch.Stop()
	}()

	return e.run(ctx, tc, stdout, stderr)
}

func (e *nonForkedExecutor) run(ctx context.Context, tc *types.TaskContext, stdout, stderr io.Writer) *types.TaskResult {
	in := tc.Initializer
	id := in.TaskID

	if err := tc.Executable.Validate(); err != nil {
		return types.NewExceptionResult(id, types.NewError(types.ErrFailedExecution, err, "invalid task"))
	}
	vars, err := variables.Build(tc)
	if err != nil {
		return types.NewExceptionResult(id, err)
	}
	var thirdParty map[string]string
	if tc.Credentials != nil {
		data, err := credentials.Decrypt(tc.Credentials)
		if err != nil {
			return types.NewExceptionResult(id, types.NewError(types.ErrFailedExecution, err, "failed to decrypt credentials"))
		}
		thirdParty = data.ThirdParty
	}

	st := &stages{
		vars:        vars,
		results:     previousValues(tc.PreviousResults),
		credentials: thirdParty,
		metadata:    make(map[string]string),
		scratchDir:  tc.ScratchDir,
		stdout:      stdout,
		stderr:      stderr,
		gracePeriod: e.gracePeriod,
	}

	if in.PreScript != nil {
		klog.V(2).InfoS("running pre script", "task", id.String())
		if _, err := st.runScript(ctx, in.PreScript, nil); err != nil {
			return st.failed(ctx, id, err)
		}
	}

	klog.V(2).InfoS("running executable", "task", id.String(), "kind", tc.Executable.Kind())
	value, err := st.runMain(ctx, &tc.Executable)
	if err != nil {
		return st.failed(ctx, id, err)
	}

	var postErr error
	if in.PostScript != nil {
		klog.V(2).InfoS("running post script", "task", id.String())
		_, postErr = st.runScript(ctx, in.PostScript, nil)
		if cause := context.Cause(ctx); cause != nil {
			return st.failed(ctx, id, cause)
		}
	}

	var action *types.FlowAction
	var flowErr error
	if in.FlowScript != nil {
		klog.V(2).InfoS("running flow script", "task", id.String(), "action", in.FlowScript.ActionType)
		action, flowErr = st.runFlow(ctx, in.FlowScript)
		if cause := context.Cause(ctx); cause != nil {
			return st.failed(ctx, id, cause)
		}
	}

	result := types.NewValueResult(id, types.NormalizeValue(value))
	result.Action = action
	result.Exception = errors.Join(postErr, flowErr)
	st.finish(result)
	return result
}

// stages holds the state threaded through the stages of one task attempt.
type stages struct {
	vars        *variables.Map
	results     []any
	credentials map[string]string
	metadata    map[string]string
	scratchDir  string
	stdout      io.Writer
	stderr      io.Writer
	gracePeriod time.Duration
}

// failed returns the result of an attempt stopped by err. Cancellation wins over the
// stage error it caused.
func (st *stages) failed(ctx context.Context, id types.TaskID, err error) *types.TaskResult {
	if cause := context.Cause(ctx); cause != nil {
		err = cause
	}
	result := types.NewExceptionResult(id, err)
	st.finish(result)
	return result
}

// finish attaches the variables and metadata of the attempt to result.
func (st *stages) finish(result *types.TaskResult) {
	if len(st.metadata) > 0 {
		result.Metadata = st.metadata
	}
	propagated, err := st.vars.Serialize()
	if err != nil {
		if result.Exception == nil {
			result.Exception = err
		}
		return
	}
	result.PropagatedVariables = propagated
}

func (st *stages) runScript(ctx context.Context, s *types.Script, capture []string) (*script.Outcome, error) {
	args, err := credentials.Substitute(s.Args, st.credentials)
	if err != nil {
		fmt.Fprintln(st.stderr, err.Error())
		return nil, types.NewError(types.ErrScriptExecution, err, "script arguments")
	}
	return script.Run(ctx, s, &script.Bindings{
		Variables:   st.vars,
		Args:        args,
		Results:     st.results,
		Credentials: st.credentials,
		Metadata:    st.metadata,
		Stdout:      st.stdout,
		Stderr:      st.stderr,
		Capture:     capture,
	})
}

func (st *stages) runMain(ctx context.Context, exe *types.ExecutableContainer) (any, error) {
	switch {
	case exe.Script != nil:
		out, err := st.runScript(ctx, exe.Script, nil)
		if err != nil {
			return nil, err
		}
		return out.Result, nil
	case exe.Native != nil:
		return st.runNative(ctx, exe.Native)
	default:
		return st.runGo(ctx, exe.Go)
	}
}

// runNative runs the command with the task variables in its environment. The exit code is
// the value of a successful run.
func (st *stages) runNative(ctx context.Context, native *types.NativeCommand) (any, error) {
	cmd, err := credentials.Substitute(native.Command, st.credentials)
	if err != nil {
		fmt.Fprintln(st.stderr, err.Error())
		return nil, types.NewError(types.ErrFailedExecution, err, "command arguments")
	}
	dir := native.WorkingDir
	if dir == "" {
		dir = st.scratchDir
	}
	executor := command.NewProcessExecutor(
		command.WithEnv(append(os.Environ(), st.vars.Environ()...)),
		command.WithDir(dir),
		command.WithGracePeriod(st.gracePeriod),
	)
	code, err := executor.ExecuteCommand(ctx, st.stdout, st.stderr, cmd...)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, command.ExitError(code, cmd[0])
	}
	return code, nil
}

func (st *stages) runGo(ctx context.Context, exe *types.GoExecutable) (any, error) {
	fn, ok := lookupExecutable(exe.Name)
	if !ok {
		return nil, types.NewError(types.ErrFailedExecution, nil, "no executable registered as %q", exe.Name)
	}
	args := make(map[string]string, len(exe.Args))
	for k, v := range exe.Args {
		substituted, err := credentials.Substitute([]string{v}, st.credentials)
		if err != nil {
			return nil, types.NewError(types.ErrFailedExecution, err, "argument %q", k)
		}
		args[k] = substituted[0]
	}

	value, err := fn(ctx, &ExecutableEnv{
		Args:        args,
		Variables:   st.vars,
		Results:     st.results,
		Credentials: st.credentials,
		Metadata:    st.metadata,
		ScratchDir:  st.scratchDir,
		Stdout:      st.stdout,
		Stderr:      st.stderr,
	})
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return nil, cause
		}
		fmt.Fprintln(st.stderr, err.Error())
		return nil, types.NewError(types.ErrFailedExecution, err, "executable %s", exe.Name)
	}
	return value, nil
}

func previousValues(results []*types.TaskResult) []any {
	values := make([]any, 0, len(results))
	for _, r := range results {
		if r == nil {
			values = append(values, nil)
			continue
		}
		values = append(values, r.Value)
	}
	return values
}
