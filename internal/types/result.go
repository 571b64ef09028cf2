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

package types

import (
	"bytes"
	"encoding/json"
	"math"
	"time"
)

// TaskLogs gives access to the captured output of a task.
type TaskLogs interface {
	// AllLogs returns both streams interleaved in arrival order.
	AllLogs(withPattern bool) string
	StdoutLogs(withPattern bool) string
	StderrLogs(withPattern bool) string
}

// TaskResult is the outcome of one task attempt. Either Value or Exception is meaningful,
// except after a failing post script where both are set.
type TaskResult struct {
	TaskID              TaskID
	Value               any
	Exception           error
	Logs                TaskLogs
	Duration            time.Duration
	PropagatedVariables map[string][]byte
	Action              *FlowAction
	Metadata            map[string]string
}

// HadException reports whether the attempt failed.
func (r *TaskResult) HadException() bool {
	return r != nil && r.Exception != nil
}

// NewValueResult returns a successful result.
func NewValueResult(id TaskID, value any) *TaskResult {
	return &TaskResult{TaskID: id, Value: value}
}

// NewExceptionResult returns a failed result.
func NewExceptionResult(id TaskID, err error) *TaskResult {
	return &TaskResult{TaskID: id, Exception: err}
}

type taskResultJSON struct {
	TaskID              TaskID            `json:"taskId"`
	Value               any               `json:"value,omitempty"`
	Exception           *ErrorInfo        `json:"exception,omitempty"`
	Duration            time.Duration     `json:"duration"`
	PropagatedVariables map[string][]byte `json:"propagatedVariables,omitempty"`
	Action              *FlowAction       `json:"action,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// MarshalJSON encodes the result without its logs, keeping the exception kind.
func (r *TaskResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(taskResultJSON{
		TaskID:              r.TaskID,
		Value:               r.Value,
		Exception:           NewErrorInfo(r.Exception),
		Duration:            r.Duration,
		PropagatedVariables: r.PropagatedVariables,
		Action:              r.Action,
		Metadata:            r.Metadata,
	})
}

func (r *TaskResult) UnmarshalJSON(data []byte) error {
	var raw taskResultJSON
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*r = TaskResult{
		TaskID:              raw.TaskID,
		Value:               NormalizeValue(raw.Value),
		Exception:           raw.Exception.Err(),
		Duration:            raw.Duration,
		PropagatedVariables: raw.PropagatedVariables,
		Action:              raw.Action,
		Metadata:            raw.Metadata,
	}
	return nil
}

// maxExactInt is the largest magnitude below which every integer is exact as a float64.
const maxExactInt = 1 << 53

// NormalizeValue gives numbers the form they keep on every execution path: integral
// numbers become int64 and other numbers float64, inside slices and maps too. Decoded
// json.Number values are converted the same way.
func NormalizeValue(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, err := val.Float64()
		if err != nil {
			return val.String()
		}
		return NormalizeValue(f)
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case uint:
		return normalizeUint(uint64(val))
	case uint64:
		return normalizeUint(val)
	case float32:
		return NormalizeValue(float64(val))
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < maxExactInt {
			return int64(val)
		}
		return val
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = NormalizeValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = NormalizeValue(item)
		}
		return out
	default:
		return v
	}
}

func normalizeUint(u uint64) any {
	if u <= math.MaxInt64 {
		return int64(u)
	}
	return float64(u)
}
