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

// Package script runs task scripts in an embedded interpreter.
package script

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/alibaba/OpenSandbox/task-launcher/internal/types"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/variables"
)

// Bindings are the values a script sees and may modify.
type Bindings struct {
	// Variables is read by the script and updated with its changes when it succeeds.
	Variables   *variables.Map
	Args        []string
	Results     []any
	Credentials map[string]string
	// Metadata receives the entries of the resultMetadata table when set.
	Metadata map[string]string
	Stdout   io.Writer
	Stderr   io.Writer
	// Capture names globals read back into Outcome.Globals.
	Capture []string
}

// Outcome is what a successful script leaves behind.
type Outcome struct {
	Result  any
	Globals map[string]any
}

// Engine evaluates script source with bindings. Cancelling ctx stops the script and
// returns the cancellation cause. Script failures are of kind ErrScriptExecution.
type Engine interface {
	Run(ctx context.Context, source string, b *Bindings) (*Outcome, error)
}

var (
	enginesMu sync.RWMutex
	engines   = map[string]Engine{types.DefaultScriptEngine: luaEngine{}}
)

// Register makes an engine available under name.
func Register(name string, engine Engine) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	engines[name] = engine
}

// Lookup returns the engine registered under name.
func Lookup(name string) (Engine, error) {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	engine, ok := engines[name]
	if !ok {
		return nil, types.NewError(types.ErrScriptExecution, nil, "unknown script engine %q", name)
	}
	return engine, nil
}

// Run evaluates s with the engine it names.
func Run(ctx context.Context, s *types.Script, b *Bindings) (*Outcome, error) {
	if s == nil {
		return nil, fmt.Errorf("script cannot be nil")
	}
	engine, err := Lookup(s.EngineName())
	if err != nil {
		return nil, err
	}
	return engine.Run(ctx, s.Source, b)
}
