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

package variables

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alibaba/OpenSandbox/task-launcher/internal/types"
)

func TestMap_Order(t *testing.T) {
	m := New()
	m.Set("b", 1)
	m.Set("a", 2)
	m.Set("b", 3)

	assert.Equal(t, []string{"b", "a"}, m.Keys())
	v, ok := m.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 3, v)

	m.Delete("b")
	m.Delete("missing")
	assert.Equal(t, []string{"a"}, m.Keys())
	assert.Equal(t, 1, m.Len())
}

func TestMap_SerializeRoundTrip(t *testing.T) {
	m := New()
	m.Set("s", "text")
	m.Set("n", 42)
	m.Set("list", []any{"x", true})

	serialized, err := m.Serialize()
	require.NoError(t, err)
	decoded, err := Deserialize(serialized)
	require.NoError(t, err)

	assert.Equal(t, "text", decoded["s"])
	assert.EqualValues(t, 42, decoded["n"])
	assert.Equal(t, []any{"x", true}, decoded["list"])

	m.Set("bad", make(chan int))
	_, err = m.Serialize()
	assert.ErrorIs(t, err, types.ErrSerialization)

	_, err = Deserialize(map[string][]byte{"x": []byte("{")})
	assert.ErrorIs(t, err, types.ErrSerialization)
}

func TestBuild_MergeOrder(t *testing.T) {
	previous := func(id, value string) *types.TaskResult {
		m := New()
		m.Set("shared", value)
		m.Set("from_"+id, id)
		m.Set(TaskID, "spoofed")
		serialized, err := m.Serialize()
		require.NoError(t, err)
		return &types.TaskResult{TaskID: types.TaskID{JobID: "1", TaskID: id}, PropagatedVariables: serialized}
	}

	tc := &types.TaskContext{
		Initializer: types.Initializer{
			TaskID:           types.TaskID{JobID: "1", JobName: "job", TaskID: "3", TaskName: "third"},
			JobOwner:         "alice",
			Variables:        map[string]string{"shared": "static", "static_only": "s"},
			IterationIndex:   2,
			ReplicationIndex: 21,
		},
		PreviousResults: []*types.TaskResult{previous("1", "first"), nil, previous("2", "second")},
		ScratchDir:      "/scratch",
	}

	m, err := Build(tc)
	require.NoError(t, err)

	get := func(k string) any {
		v, _ := m.Get(k)
		return v
	}
	assert.Equal(t, "second", get("shared"), "later results override earlier ones and static values")
	assert.Equal(t, "s", get("static_only"))
	assert.Equal(t, "1", get("from_1"))
	assert.Equal(t, "3", get(TaskID), "system variables override inherited ones")
	assert.Equal(t, "1", get(JobID))
	assert.Equal(t, "job", get(JobName))
	assert.Equal(t, "alice", get(JobOwner))
	assert.Equal(t, "third", get(TaskName))
	assert.Equal(t, "2", get(TaskIteration))
	assert.Equal(t, "21", get(TaskReplication))
	assert.Equal(t, "/scratch", get(ScratchDir))
}

func TestBuild_BadPropagatedVariables(t *testing.T) {
	tc := &types.TaskContext{PreviousResults: []*types.TaskResult{
		{PropagatedVariables: map[string][]byte{"x": []byte("not json")}},
	}}
	_, err := Build(tc)
	assert.ErrorIs(t, err, types.ErrSerialization)
}

func TestEnviron(t *testing.T) {
	m := New()
	m.Set("NAME", "v")
	m.Set("NUM", float64(42))
	m.Set("bad=key", "x")
	m.Set("NIL", nil)

	assert.Equal(t, []string{"NAME=v", "NUM=42", "NIL="}, m.Environ())
}
