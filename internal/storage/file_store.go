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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"k8s.io/klog/v2"

	"github.com/alibaba/OpenSandbox/task-launcher/internal/types"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/utils"
)

// ErrNotFound is returned when no result is stored for a task.
var ErrNotFound = errors.New("task result not found")

// ResultStore persists final task results.
type ResultStore interface {
	// Save creates or replaces the result of its task.
	Save(ctx context.Context, result *types.TaskResult) error
	Get(ctx context.Context, id string) (*types.TaskResult, error)
	List(ctx context.Context) ([]*types.TaskResult, error)
	Delete(ctx context.Context, id string) error
}

type fileStore struct {
	dataDir string
	locks   sync.Map // key: task id, value: *sync.RWMutex
}

// NewFileStore creates a result store keeping <dataDir>/<taskId>/result.json.
func NewFileStore(dataDir string) (ResultStore, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("dataDir cannot be empty")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}

	testFile := filepath.Join(dataDir, ".test")
	if err := os.WriteFile(testFile, []byte("test"), 0644); err != nil {
		return nil, fmt.Errorf("data directory %s is not writable: %w", dataDir, err)
	}
	os.Remove(testFile)

	klog.InfoS("initialized result store", "dataDir", dataDir)

	return &fileStore{
		dataDir: dataDir,
	}, nil
}

// getTaskLock retrieves or creates a lock for a specific task.
func (s *fileStore) getTaskLock(id string) *sync.RWMutex {
	val, _ := s.locks.LoadOrStore(id, &sync.RWMutex{})
	return val.(*sync.RWMutex)
}

func (s *fileStore) Save(ctx context.Context, result *types.TaskResult) error {
	if result == nil {
		return fmt.Errorf("result cannot be nil")
	}
	id := result.TaskID.String()
	if result.TaskID.JobID == "" || result.TaskID.TaskID == "" {
		return fmt.Errorf("result has no task id")
	}

	mu := s.getTaskLock(id)
	mu.Lock()
	defer mu.Unlock()

	taskDir, err := utils.SafeJoin(s.dataDir, id)
	if err != nil {
		return fmt.Errorf("invalid task id: %w", err)
	}
	if err := os.MkdirAll(taskDir, 0755); err != nil {
		return fmt.Errorf("failed to create task directory: %w", err)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return types.NewError(types.ErrSerialization, err, "result of task %s", id)
	}
	if err := writeFileAtomic(filepath.Join(taskDir, ResultFile), data); err != nil {
		return err
	}

	klog.InfoS("saved task result", "task", id, "failed", result.HadException())
	return nil
}

func (s *fileStore) Get(ctx context.Context, id string) (*types.TaskResult, error) {
	if id == "" {
		return nil, fmt.Errorf("task id cannot be empty")
	}

	mu := s.getTaskLock(id)
	mu.RLock()
	defer mu.RUnlock()

	taskDir, err := utils.SafeJoin(s.dataDir, id)
	if err != nil {
		return nil, fmt.Errorf("invalid task id: %w", err)
	}
	result, err := ReadResult(filepath.Join(taskDir, ResultFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return result, err
}

// List returns all stored results.
func (s *fileStore) List(ctx context.Context) ([]*types.TaskResult, error) {
	// No global lock: the set of tasks may change during iteration.
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	results := make([]*types.TaskResult, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		id := entry.Name()
		mu := s.getTaskLock(id)
		mu.RLock()
		result, err := ReadResult(filepath.Join(s.dataDir, id, ResultFile))
		mu.RUnlock()

		if err != nil {
			klog.ErrorS(err, "failed to read task result, skipping", "task", id)
			continue
		}
		results = append(results, result)
	}

	return results, nil
}

func (s *fileStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("task id cannot be empty")
	}

	mu := s.getTaskLock(id)
	mu.Lock()
	defer mu.Unlock()

	taskDir, err := utils.SafeJoin(s.dataDir, id)
	if err != nil {
		return fmt.Errorf("invalid task id: %w", err)
	}

	if _, err := os.Stat(taskDir); os.IsNotExist(err) {
		klog.InfoS("task result already deleted", "task", id)
		return nil
	}

	if err := os.RemoveAll(taskDir); err != nil {
		return fmt.Errorf("failed to delete task result %s: %w", id, err)
	}

	klog.InfoS("deleted task result", "task", id)
	return nil
}

// writeFileAtomic writes data to path using temp file + fsync + rename.
func writeFileAtomic(path string, data []byte) error {
	tmpFile := path + ".tmp"

	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	// Sync to ensure data is written to disk
	f, err := os.Open(tmpFile)
	if err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to open temp file for sync: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpFile)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	f.Close()

	if err := os.Rename(tmpFile, path); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
