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
	"errors"
	"fmt"
	"time"
)

// Error kinds carried by task results. Match them with errors.Is.
var (
	ErrScriptExecution  = errors.New("script execution failed")
	ErrSerialization    = errors.New("serialization failed")
	ErrRuntimeNotFound  = errors.New("runtime not found")
	ErrFailedExecution  = errors.New("execution failed")
	ErrProcessSpawn     = fmt.Errorf("process spawn failed: %w", ErrFailedExecution)
	ErrInterrupted      = errors.New("interrupted")
	ErrTaskAborted      = errors.New("task aborted")
	ErrWalltimeExceeded = errors.New("walltime exceeded")
)

// TaskError is an error of a known kind with an optional cause.
type TaskError struct {
	Kind error
	Msg  string
	Err  error

	// graceful marks an abort that allows processes a grace period.
	graceful bool
}

func (e *TaskError) Error() string {
	msg := e.Kind.Error()
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TaskError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError returns a TaskError of the given kind.
func NewError(kind error, cause error, format string, args ...any) *TaskError {
	return &TaskError{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// Aborted returns the cancellation cause used when a task is terminated on request.
func Aborted(forced bool) error {
	msg := "terminated gracefully"
	if forced {
		msg = "killed"
	}
	return &TaskError{Kind: ErrTaskAborted, Msg: msg, graceful: !forced}
}

// WalltimeExceeded returns the cancellation cause used when a task outlives its walltime.
func WalltimeExceeded(walltime time.Duration) error {
	return &TaskError{Kind: ErrWalltimeExceeded, Msg: fmt.Sprintf("task exceeded its walltime of %s", walltime)}
}

// Interrupted returns an error of kind ErrInterrupted.
func Interrupted(cause error, format string, args ...any) error {
	return NewError(ErrInterrupted, cause, format, args...)
}

// IsGracefulAbort reports whether err asks for a graceful stop rather than an immediate kill.
func IsGracefulAbort(err error) bool {
	var te *TaskError
	return errors.As(err, &te) && te.graceful
}

// errorKinds lists kinds from most to least specific.
var errorKinds = []struct {
	name string
	kind error
}{
	{"ProcessSpawn", ErrProcessSpawn},
	{"ScriptExecution", ErrScriptExecution},
	{"Serialization", ErrSerialization},
	{"RuntimeNotFound", ErrRuntimeNotFound},
	{"FailedExecution", ErrFailedExecution},
	{"Interrupted", ErrInterrupted},
	{"TaskAborted", ErrTaskAborted},
	{"WalltimeExceeded", ErrWalltimeExceeded},
}

// ErrorInfo is the portable form of an error, used across process boundaries.
type ErrorInfo struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// NewErrorInfo captures the kind and message of err.
func NewErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{Message: err.Error()}
	for _, k := range errorKinds {
		if errors.Is(err, k.kind) {
			info.Kind = k.name
			break
		}
	}
	return info
}

// Err rebuilds an error that still matches its original kind.
func (i *ErrorInfo) Err() error {
	if i == nil {
		return nil
	}
	for _, k := range errorKinds {
		if k.name == i.Kind {
			return &remoteError{kind: k.kind, msg: i.Message}
		}
	}
	return errors.New(i.Message)
}

type remoteError struct {
	kind error
	msg  string
}

func (e *remoteError) Error() string { return e.msg }

func (e *remoteError) Unwrap() error { return e.kind }
