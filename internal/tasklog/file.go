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

package tasklog

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/alibaba/OpenSandbox/task-launcher/internal/types"
)

const defaultMaxFileSizeMB = 100

// LogFileName is the name of the persisted log file of a task.
func LogFileName(taskID types.TaskID) string {
	return fmt.Sprintf("TaskLogs-%s-%s.log", taskID.JobID, taskID.TaskID)
}

// FileProvider persists task logs as JSON lines under Dir, rotating large files.
type FileProvider struct {
	Dir       string
	MaxSizeMB int
}

func (p FileProvider) Appender(taskID types.TaskID) (Appender, error) {
	return NewFileAppender(filepath.Join(p.Dir, LogFileName(taskID)), p.MaxSizeMB)
}

type fileAppender struct {
	core   zapcore.Core
	writer *lumberjack.Logger
}

// NewFileAppender returns an appender writing one JSON object per record to path.
func NewFileAppender(path string, maxSizeMB int) (Appender, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = defaultMaxFileSizeMB
	}
	writer := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: 3,
	}
	encoder := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "time",
		MessageKey:     "line",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	})
	return &fileAppender{
		core:   zapcore.NewCore(encoder, zapcore.AddSync(writer), zapcore.DebugLevel),
		writer: writer,
	}, nil
}

func (a *fileAppender) Append(rec Record) error {
	entry := zapcore.Entry{Level: zapcore.InfoLevel, Time: rec.Time, Message: rec.Line}
	return a.core.Write(entry, []zapcore.Field{zap.String("stream", rec.Stream.String())})
}

func (a *fileAppender) Close() error {
	if err := a.core.Sync(); err != nil {
		return err
	}
	return a.writer.Close()
}
