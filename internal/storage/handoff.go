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

package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/alibaba/OpenSandbox/task-launcher/internal/types"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/utils"
)

const (
	ContextFile = "context.json"
	ResultFile  = "result.json"
)

// WorkDir is the directory through which a forked task receives its context and
// hands back its result.
type WorkDir struct {
	Path string
}

// NewWorkDir creates a fresh work directory for taskID under baseDir.
func NewWorkDir(baseDir string, taskID types.TaskID) (*WorkDir, error) {
	name := fmt.Sprintf("fork-%s-%s", taskID, uuid.NewString()[:8])
	dir, err := utils.SafeJoin(baseDir, name)
	if err != nil {
		return nil, fmt.Errorf("invalid work directory name: %w", err)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	return &WorkDir{Path: dir}, nil
}

func (w *WorkDir) ContextPath() string {
	return filepath.Join(w.Path, ContextFile)
}

func (w *WorkDir) ResultPath() string {
	return filepath.Join(w.Path, ResultFile)
}

func (w *WorkDir) Remove() error {
	return os.RemoveAll(w.Path)
}

// WriteContext stores tc at path.
func WriteContext(path string, tc *types.TaskContext) error {
	data, err := json.Marshal(tc)
	if err != nil {
		return types.NewError(types.ErrSerialization, err, "task context")
	}
	return writeFileAtomic(path, data)
}

// ReadContext loads a task context written by WriteContext.
func ReadContext(path string) (*types.TaskContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task context: %w", err)
	}
	var tc types.TaskContext
	if err := json.Unmarshal(data, &tc); err != nil {
		return nil, types.NewError(types.ErrSerialization, err, "task context %s", path)
	}
	return &tc, nil
}

// WriteResult stores result at path. A result whose value cannot be encoded is
// replaced by a serialization failure of the same task.
func WriteResult(path string, result *types.TaskResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		klog.ErrorS(err, "task result cannot be encoded", "task", result.TaskID.String())
		failed := types.NewExceptionResult(result.TaskID, types.NewError(types.ErrSerialization, err, "task result"))
		failed.Duration = result.Duration
		if data, err = json.Marshal(failed); err != nil {
			return types.NewError(types.ErrSerialization, err, "task result")
		}
	}
	return writeFileAtomic(path, data)
}

// ReadResult loads a result written by WriteResult. A missing file matches os.ErrNotExist.
func ReadResult(path string) (*types.TaskResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task result: %w", err)
	}
	var result types.TaskResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, types.NewError(types.ErrSerialization, err, "task result %s", path)
	}
	return &result, nil
}
