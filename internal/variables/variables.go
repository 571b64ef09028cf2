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

// Package variables holds the variable map shared by the stages of a task.
package variables

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/alibaba/OpenSandbox/task-launcher/internal/types"
)

// System variables, set for every task and overriding inherited values.
const (
	JobID           = "JOB_ID"
	JobName         = "JOB_NAME"
	JobOwner        = "JOB_OWNER"
	TaskID          = "TASK_ID"
	TaskName        = "TASK_NAME"
	TaskIteration   = "TASK_ITERATION"
	TaskReplication = "TASK_REPLICATION"
	ScratchDir      = "SCRATCH_DIR"
)

// Map is a string-keyed map remembering insertion order.
type Map struct {
	keys   []string
	values map[string]any
}

func New() *Map {
	return &Map{values: make(map[string]any)}
}

// Set stores value under key. Overwriting keeps the key's original position.
func (m *Map) Set(key string, value any) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

func (m *Map) Get(key string) (any, bool) {
	v, ok := m.values[key]
	return v, ok
}

func (m *Map) Delete(key string) {
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	m.keys = slices.DeleteFunc(m.keys, func(k string) bool { return k == key })
}

// Keys returns the keys in insertion order.
func (m *Map) Keys() []string {
	return slices.Clone(m.keys)
}

func (m *Map) Len() int {
	return len(m.keys)
}

// ToMap returns a copy as a plain map.
func (m *Map) ToMap() map[string]any {
	out := make(map[string]any, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

// Serialize encodes every value on its own so that one bad value does not hide the others.
func (m *Map) Serialize() (map[string][]byte, error) {
	out := make(map[string][]byte, len(m.keys))
	for _, k := range m.keys {
		data, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, types.NewError(types.ErrSerialization, err, "variable %q", k)
		}
		out[k] = data
	}
	return out, nil
}

// Deserialize decodes variables produced by Serialize.
func Deserialize(serialized map[string][]byte) (map[string]any, error) {
	out := make(map[string]any, len(serialized))
	for k, data := range serialized {
		var v any
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return nil, types.NewError(types.ErrSerialization, err, "variable %q", k)
		}
		out[k] = types.NormalizeValue(v)
	}
	return out, nil
}

// Build assembles the variables of a task: static variables first, then the variables
// propagated by previous results in order, then the system variables.
func Build(tc *types.TaskContext) (*Map, error) {
	m := New()
	for _, k := range sortedKeys(tc.Initializer.Variables) {
		m.Set(k, tc.Initializer.Variables[k])
	}
	for _, prev := range tc.PreviousResults {
		if prev == nil || len(prev.PropagatedVariables) == 0 {
			continue
		}
		inherited, err := Deserialize(prev.PropagatedVariables)
		if err != nil {
			return nil, fmt.Errorf("variables of task %s: %w", prev.TaskID, err)
		}
		for _, k := range sortedKeys(inherited) {
			m.Set(k, inherited[k])
		}
	}

	in := tc.Initializer
	m.Set(JobID, in.TaskID.JobID)
	m.Set(JobName, in.TaskID.JobName)
	m.Set(JobOwner, in.JobOwner)
	m.Set(TaskID, in.TaskID.TaskID)
	m.Set(TaskName, in.TaskID.TaskName)
	m.Set(TaskIteration, strconv.Itoa(in.IterationIndex))
	m.Set(TaskReplication, strconv.Itoa(in.ReplicationIndex))
	m.Set(ScratchDir, tc.ScratchDir)
	return m, nil
}

// Environ renders the variables as KEY=VALUE pairs. Keys that cannot be environment
// variable names are skipped.
func (m *Map) Environ() []string {
	env := make([]string, 0, len(m.keys))
	for _, k := range m.keys {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			continue
		}
		env = append(env, k+"="+Format(m.values[k]))
	}
	return env
}

// Format renders a variable value as text.
func Format(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
