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

package script

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/alibaba/OpenSandbox/task-launcher/internal/types"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/variables"
)

type luaEngine struct{}

func (luaEngine) Run(ctx context.Context, source string, b *Bindings) (*Outcome, error) {
	if b == nil {
		b = &Bindings{}
	}
	stdout, stderr := b.Stdout, b.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	L := lua.NewState()
	defer L.Close()
	L.SetContext(ctx)
	if osLib, ok := L.GetGlobal("os").(*lua.LTable); ok {
		// scripts share the launcher process
		osLib.RawSetString("exit", lua.LNil)
	}

	L.SetGlobal("print", L.NewFunction(printTo(stdout)))
	L.SetGlobal("printerr", L.NewFunction(printTo(stderr)))
	L.SetGlobal("sleep", L.NewFunction(sleepFunc(ctx)))

	vars := L.NewTable()
	if b.Variables != nil {
		for _, k := range b.Variables.Keys() {
			v, _ := b.Variables.Get(k)
			vars.RawSetString(k, toLua(L, v))
		}
	}
	L.SetGlobal("variables", vars)
	L.SetGlobal("args", toLua(L, b.Args))
	L.SetGlobal("results", toLua(L, b.Results))
	L.SetGlobal("credentials", toLua(L, b.Credentials))
	metadata := L.NewTable()
	L.SetGlobal("resultMetadata", metadata)

	if err := L.DoString(source); err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		fmt.Fprintln(stderr, err.Error())
		return nil, types.NewError(types.ErrScriptExecution, err, "lua script failed")
	}

	out, err := collect(L, vars, metadata, b)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return nil, types.NewError(types.ErrScriptExecution, err, "lua script left an unsupported value")
	}
	return out, nil
}

func collect(L *lua.LState, vars, metadata *lua.LTable, b *Bindings) (*Outcome, error) {
	if b.Variables != nil {
		if err := readVariables(vars, b.Variables); err != nil {
			return nil, fmt.Errorf("variables: %w", err)
		}
	}
	if b.Metadata != nil {
		var err error
		metadata.ForEach(func(k, v lua.LValue) {
			if err != nil {
				return
			}
			var value any
			if value, err = fromLua(v); err != nil {
				err = fmt.Errorf("resultMetadata[%s]: %w", k.String(), err)
				return
			}
			b.Metadata[k.String()] = variables.Format(value)
		})
		if err != nil {
			return nil, err
		}
	}
	result, err := fromLua(L.GetGlobal("result"))
	if err != nil {
		return nil, fmt.Errorf("result: %w", err)
	}
	out := &Outcome{
		Result:  result,
		Globals: make(map[string]any, len(b.Capture)),
	}
	for _, name := range b.Capture {
		if out.Globals[name], err = fromLua(L.GetGlobal(name)); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	return out, nil
}

// readVariables makes m mirror the string-keyed entries of the variables table.
func readVariables(table *lua.LTable, m *variables.Map) error {
	var keys []string
	values := make(map[string]any)
	var err error
	table.ForEach(func(k, v lua.LValue) {
		key, ok := k.(lua.LString)
		if !ok || err != nil {
			return
		}
		var value any
		if value, err = fromLua(v); err != nil {
			err = fmt.Errorf("%s: %w", string(key), err)
			return
		}
		keys = append(keys, string(key))
		values[string(key)] = value
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		m.Set(k, values[k])
	}
	for _, k := range m.Keys() {
		if _, ok := values[k]; !ok {
			m.Delete(k)
		}
	}
	return nil
}

func printTo(w io.Writer) lua.LGFunction {
	return func(L *lua.LState) int {
		top := L.GetTop()
		parts := make([]string, top)
		for i := 1; i <= top; i++ {
			parts[i-1] = L.ToStringMeta(L.Get(i)).String()
		}
		fmt.Fprintln(w, strings.Join(parts, "\t"))
		return 0
	}
}

func sleepFunc(ctx context.Context) lua.LGFunction {
	return func(L *lua.LState) int {
		ms := L.CheckInt64(1)
		timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			L.RaiseError("sleep interrupted: %v", context.Cause(ctx))
		}
		return 0
	}
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return val
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case []string:
		t := L.NewTable()
		for _, item := range val {
			t.Append(lua.LString(item))
		}
		return t
	case []any:
		t := L.NewTable()
		for _, item := range val {
			t.Append(toLua(L, item))
		}
		return t
	case map[string]string:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, lua.LString(item))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, toLua(L, item))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(val))
	}
}

// maxTableDepth bounds the nesting of tables converted back to Go values.
const maxTableDepth = 100

var (
	errCyclicTable = errors.New("table references itself")
	errTooDeep     = fmt.Errorf("tables nested deeper than %d levels", maxTableDepth)
)

func fromLua(v lua.LValue) (any, error) {
	c := &converter{active: make(map[*lua.LTable]bool)}
	return c.value(v)
}

// converter tracks the tables on the current conversion path. A table shared by
// siblings is fine; one reachable from itself is not.
type converter struct {
	active map[*lua.LTable]bool
}

func (c *converter) value(v lua.LValue) (any, error) {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(val), nil
	case lua.LString:
		return string(val), nil
	case lua.LNumber:
		f := float64(val)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f), nil
		}
		return f, nil
	case *lua.LTable:
		return c.table(val)
	default:
		return v.String(), nil
	}
}

// table converts sequences to slices and everything else to string-keyed maps.
func (c *converter) table(t *lua.LTable) (any, error) {
	if c.active[t] {
		return nil, errCyclicTable
	}
	if len(c.active) >= maxTableDepth {
		return nil, errTooDeep
	}
	c.active[t] = true
	defer delete(c.active, t)

	n := t.MaxN()
	count := 0
	t.ForEach(func(lua.LValue, lua.LValue) { count++ })
	if n > 0 && n == count {
		list := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			item, err := c.value(t.RawGetInt(i))
			if err != nil {
				return nil, err
			}
			list = append(list, item)
		}
		return list, nil
	}
	m := make(map[string]any, count)
	var err error
	t.ForEach(func(k, v lua.LValue) {
		if err != nil {
			return
		}
		m[k.String()], err = c.value(v)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
