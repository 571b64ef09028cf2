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
	"fmt"
	"time"
)

// TaskID identifies one task of one job.
type TaskID struct {
	JobID    string `json:"jobId" validate:"required"`
	JobName  string `json:"jobName,omitempty"`
	TaskID   string `json:"taskId" validate:"required"`
	TaskName string `json:"taskName,omitempty"`
}

func (id TaskID) String() string {
	return fmt.Sprintf("%s_%s", id.JobID, id.TaskID)
}

// DefaultScriptEngine is used when a script names no engine.
const DefaultScriptEngine = "lua"

// Script is a piece of source code run by a named engine.
type Script struct {
	Engine string   `json:"engine,omitempty"`
	Source string   `json:"source" validate:"required"`
	Args   []string `json:"args,omitempty"`
}

// EngineName returns the engine, falling back to the default engine.
func (s *Script) EngineName() string {
	if s.Engine == "" {
		return DefaultScriptEngine
	}
	return s.Engine
}

// FlowActionType is the control-flow decision made after a task.
type FlowActionType string

const (
	FlowContinue  FlowActionType = "continue"
	FlowLoop      FlowActionType = "loop"
	FlowIf        FlowActionType = "if"
	FlowReplicate FlowActionType = "replicate"
)

// FlowScript is a script whose globals decide the next control-flow action.
type FlowScript struct {
	Script
	ActionType         FlowActionType `json:"actionType" validate:"oneof=continue loop if replicate"`
	Target             string         `json:"target,omitempty"`
	TargetElse         string         `json:"targetElse,omitempty"`
	TargetContinuation string         `json:"targetContinuation,omitempty"`
}

// FlowAction is the outcome of a flow script.
type FlowAction struct {
	Type               FlowActionType `json:"type"`
	Target             string         `json:"target,omitempty"`
	TargetElse         string         `json:"targetElse,omitempty"`
	TargetContinuation string         `json:"targetContinuation,omitempty"`
	DupNumber          int            `json:"dupNumber,omitempty"`
}

// NativeCommand is an external program run as the task's main executable.
type NativeCommand struct {
	Command    []string `json:"command" validate:"min=1"`
	WorkingDir string   `json:"workingDir,omitempty"`
}

// GoExecutable names an executable registered in the running binary.
type GoExecutable struct {
	Name string            `json:"name" validate:"required"`
	Args map[string]string `json:"args,omitempty"`
}

// ExecutableContainer holds exactly one kind of executable.
type ExecutableContainer struct {
	Script *Script        `json:"script,omitempty"`
	Native *NativeCommand `json:"native,omitempty"`
	Go     *GoExecutable  `json:"go,omitempty"`
}

// Validate checks that exactly one executable is set.
func (c *ExecutableContainer) Validate() error {
	n := 0
	if c.Script != nil {
		n++
	}
	if c.Native != nil {
		n++
	}
	if c.Go != nil {
		n++
	}
	if n != 1 {
		return fmt.Errorf("executable container must hold exactly one executable, got %d", n)
	}
	return nil
}

// Kind names the executable held by the container.
func (c *ExecutableContainer) Kind() string {
	switch {
	case c.Script != nil:
		return "script"
	case c.Native != nil:
		return "native"
	case c.Go != nil:
		return "go"
	default:
		return "none"
	}
}

// InputMode selects the dataspace files are copied from.
type InputMode string

const (
	FromInputSpace  InputMode = "input"
	FromOutputSpace InputMode = "output"
	FromGlobalSpace InputMode = "global"
	FromUserSpace   InputMode = "user"
	NoInput         InputMode = "none"
)

// OutputMode selects the dataspace files are copied to.
type OutputMode string

const (
	ToOutputSpace OutputMode = "output"
	ToGlobalSpace OutputMode = "global"
	ToUserSpace   OutputMode = "user"
	NoOutput      OutputMode = "none"
)

// InputSelector selects files copied into the scratch directory before the task runs.
type InputSelector struct {
	Includes []string  `json:"includes" validate:"min=1"`
	Excludes []string  `json:"excludes,omitempty"`
	Mode     InputMode `json:"mode" validate:"oneof=input output global user none"`
}

// OutputSelector selects scratch files copied out after the task runs.
type OutputSelector struct {
	Includes []string   `json:"includes" validate:"min=1"`
	Excludes []string   `json:"excludes,omitempty"`
	Mode     OutputMode `json:"mode" validate:"oneof=output global user none"`
}

// Initializer carries the static description of a task attempt.
type Initializer struct {
	TaskID           TaskID            `json:"taskId"`
	JobOwner         string            `json:"jobOwner,omitempty"`
	PreScript        *Script           `json:"preScript,omitempty"`
	PostScript       *Script           `json:"postScript,omitempty"`
	FlowScript       *FlowScript       `json:"flowScript,omitempty"`
	Variables        map[string]string `json:"variables,omitempty"`
	Walltime         time.Duration     `json:"walltime,omitempty" validate:"gte=0"`
	IterationIndex   int               `json:"iterationIndex,omitempty" validate:"gte=0"`
	ReplicationIndex int               `json:"replicationIndex,omitempty" validate:"gte=0"`
	InputFiles       []InputSelector   `json:"inputFiles,omitempty" validate:"dive"`
	OutputFiles      []OutputSelector  `json:"outputFiles,omitempty" validate:"dive"`
	PreciousLogs     bool              `json:"preciousLogs,omitempty"`
}

// Credentials is a sealed credential bundle and the key able to open it.
type Credentials struct {
	PublicKey  []byte `json:"publicKey"`
	PrivateKey []byte `json:"privateKey"`
	Sealed     []byte `json:"sealed"`
}

// TaskContext is everything an executor needs to run one task attempt.
type TaskContext struct {
	Executable      ExecutableContainer `json:"executable"`
	Initializer     Initializer         `json:"initializer"`
	PreviousResults []*TaskResult       `json:"previousResults,omitempty"`
	Credentials     *Credentials        `json:"credentials,omitempty"`
	ScratchDir      string              `json:"scratchDir,omitempty"`
}
