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
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alibaba/OpenSandbox/task-launcher/internal/types"
)

const DefaultStreamPrefix = "tasklogs:"

// RedisProvider appends task logs to one Redis stream per task. The client is owned
// by the caller and is not closed by the appenders.
type RedisProvider struct {
	Client    redis.UniversalClient
	KeyPrefix string
	// MaxLen approximately caps each stream, 0 for no cap.
	MaxLen  int64
	Timeout time.Duration
}

// StreamKey returns the stream holding the logs of taskID.
func (p RedisProvider) StreamKey(taskID types.TaskID) string {
	prefix := p.KeyPrefix
	if prefix == "" {
		prefix = DefaultStreamPrefix
	}
	return prefix + taskID.String()
}

func (p RedisProvider) Appender(taskID types.TaskID) (Appender, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	return &redisAppender{provider: p, key: p.StreamKey(taskID), timeout: timeout}, nil
}

type redisAppender struct {
	provider RedisProvider
	key      string
	timeout  time.Duration
}

func (a *redisAppender) Append(rec Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	return a.provider.Client.XAdd(ctx, &redis.XAddArgs{
		Stream: a.key,
		MaxLen: a.provider.MaxLen,
		Approx: a.provider.MaxLen > 0,
		Values: map[string]any{
			"stream": rec.Stream.String(),
			"time":   rec.Time.Format(time.RFC3339Nano),
			"line":   rec.Line,
		},
	}).Err()
}

func (a *redisAppender) Close() error { return nil }
