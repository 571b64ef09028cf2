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
	"io"
	"sync"

	"github.com/alibaba/OpenSandbox/task-launcher/internal/variables"
)

// ExecutableEnv is what a registered executable sees of its task.
type ExecutableEnv struct {
	Args        map[string]string
	Variables   *variables.Map
	Results     []any
	Credentials map[string]string
	Metadata    map[string]string
	ScratchDir  string
	Stdout      io.Writer
	Stderr      io.Writer
}

// Executable is a Go function run as the main executable of a task. It should return
// promptly once ctx is cancelled.
type Executable func(ctx context.Context, env *ExecutableEnv) (any, error)

var (
	executablesMu sync.RWMutex
	executables   = map[string]Executable{}
)

// RegisterExecutable makes fn runnable under name. Forked tasks run in a new process
// of the same binary, so registration belongs in package init or at the start of main.
func RegisterExecutable(name string, fn Executable) {
	executablesMu.Lock()
	defer executablesMu.Unlock()
	executables[name] = fn
}

func lookupExecutable(name string) (Executable, bool) {
	executablesMu.RLock()
	defer executablesMu.RUnlock()
	fn, ok := executables[name]
	return fn, ok
}
