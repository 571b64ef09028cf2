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
	"math"
	"strconv"
	"strings"

	"github.com/alibaba/OpenSandbox/task-launcher/internal/types"
)

// Globals read by flow scripts.
const (
	LoopVariable   = "loop"
	BranchVariable = "branch"
	RunsVariable   = "runs"

	branchIf   = "if"
	branchElse = "else"
)

// runFlow runs the flow script and turns its globals into an action. A failing flow script
// yields the continue action together with the error.
func (st *stages) runFlow(ctx context.Context, fs *types.FlowScript) (*types.FlowAction, error) {
	continueAction := &types.FlowAction{Type: types.FlowContinue}

	out, err := st.runScript(ctx, &fs.Script, []string{LoopVariable, BranchVariable, RunsVariable})
	if err != nil {
		return continueAction, err
	}
	action, err := flowAction(fs, out.Globals)
	if err != nil {
		fmt.Fprintln(st.stderr, err.Error())
		return continueAction, types.NewError(types.ErrScriptExecution, err, "flow script")
	}
	return action, nil
}

func flowAction(fs *types.FlowScript, globals map[string]any) (*types.FlowAction, error) {
	switch fs.ActionType {
	case "", types.FlowContinue:
		return &types.FlowAction{Type: types.FlowContinue}, nil

	case types.FlowLoop:
		if fs.Target == "" {
			return nil, fmt.Errorf("loop action requires a target")
		}
		v, ok := globals[LoopVariable]
		if !ok || v == nil {
			return nil, fmt.Errorf("loop action requires the %q variable", LoopVariable)
		}
		if !truthy(v) {
			return &types.FlowAction{Type: types.FlowContinue}, nil
		}
		return &types.FlowAction{Type: types.FlowLoop, Target: fs.Target}, nil

	case types.FlowReplicate:
		v, ok := globals[RunsVariable]
		if !ok || v == nil {
			return nil, fmt.Errorf("replicate action requires the %q variable", RunsVariable)
		}
		runs, err := toRuns(v)
		if err != nil {
			return nil, err
		}
		return &types.FlowAction{Type: types.FlowReplicate, DupNumber: runs}, nil

	case types.FlowIf:
		if fs.Target == "" || fs.TargetElse == "" {
			return nil, fmt.Errorf("if action requires a target and an else target")
		}
		v, ok := globals[BranchVariable].(string)
		if !ok {
			return nil, fmt.Errorf("if action requires the %q variable", BranchVariable)
		}
		action := &types.FlowAction{Type: types.FlowIf, TargetContinuation: fs.TargetContinuation}
		switch strings.ToLower(v) {
		case branchIf:
			action.Target, action.TargetElse = fs.Target, fs.TargetElse
		case branchElse:
			action.Target, action.TargetElse = fs.TargetElse, fs.Target
		default:
			return nil, fmt.Errorf("%q must be %q or %q, got %q", BranchVariable, branchIf, branchElse, v)
		}
		return action, nil

	default:
		return nil, fmt.Errorf("unknown flow action %q", fs.ActionType)
	}
}

// truthy accepts booleans and the strings true and false. Other values disable the loop.
func truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return strings.EqualFold(val, "true")
	default:
		return false
	}
}

func toRuns(v any) (int, error) {
	var runs int
	switch val := v.(type) {
	case int64:
		runs = int(val)
	case float64:
		runs = int(math.Floor(val))
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot parse %q value %q: %w", RunsVariable, val, err)
		}
		runs = int(math.Floor(f))
	default:
		return 0, fmt.Errorf("cannot parse %q value %v", RunsVariable, v)
	}
	if runs < 0 {
		return 0, fmt.Errorf("%q cannot be negative", RunsVariable)
	}
	return runs, nil
}
