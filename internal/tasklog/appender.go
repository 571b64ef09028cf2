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
	"io"
	"os"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/alibaba/OpenSandbox/task-launcher/internal/types"
)

const (
	// livePendingLimit caps the records waiting for a live appender.
	livePendingLimit = 64 * 1024
	// DefaultLiveTimeout bounds how long Flush and Close wait for a live appender.
	DefaultLiveTimeout = 10 * time.Second
)

// Appender receives task log records.
type Appender interface {
	Append(rec Record) error
	Close() error
}

// AppenderProvider creates the appender of a task.
type AppenderProvider interface {
	Appender(taskID types.TaskID) (Appender, error)
}

// ProviderFunc adapts a function to AppenderProvider.
type ProviderFunc func(taskID types.TaskID) (Appender, error)

func (f ProviderFunc) Appender(taskID types.TaskID) (Appender, error) {
	return f(taskID)
}

// Message is the structured form of a record sent to remote sinks.
type Message struct {
	TaskID string    `json:"taskId"`
	Stream string    `json:"stream"`
	Time   time.Time `json:"time"`
	Line   string    `json:"line"`
}

func newMessage(taskID types.TaskID, rec Record) Message {
	return Message{TaskID: taskID.String(), Stream: rec.Stream.String(), Time: rec.Time, Line: rec.Line}
}

// WriterProvider writes formatted records to W. W is not closed.
type WriterProvider struct {
	W       io.Writer
	Host    string
	Pattern bool
}

func (p WriterProvider) Appender(taskID types.TaskID) (Appender, error) {
	host := p.Host
	if host == "" {
		host, _ = os.Hostname()
	}
	return &writerAppender{w: p.W, taskID: taskID.String(), host: host, pattern: p.Pattern}, nil
}

type writerAppender struct {
	mu      sync.Mutex
	w       io.Writer
	taskID  string
	host    string
	pattern bool
}

func (a *writerAppender) Append(rec Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := io.WriteString(a.w, FormatRecord(rec, a.taskID, a.host, a.pattern))
	return err
}

func (a *writerAppender) Close() error { return nil }

// MemoryAppender keeps every record it receives.
type MemoryAppender struct {
	mu      sync.Mutex
	records []Record
	closed  bool
}

func (a *MemoryAppender) Append(rec Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

func (a *MemoryAppender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

// Lines returns the lines received so far.
func (a *MemoryAppender) Lines() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	lines := make([]string, len(a.records))
	for i, rec := range a.records {
		lines[i] = rec.Line
	}
	return lines
}

// Closed reports whether Close was called.
func (a *MemoryAppender) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Provider returns a provider handing out this appender.
func (a *MemoryAppender) Provider() AppenderProvider {
	return ProviderFunc(func(types.TaskID) (Appender, error) { return a, nil })
}

type logItem struct {
	rec Record
	ack chan struct{}
}

// asyncAppender delivers records to an appender from its own goroutine. Writers never
// wait for the appender: records beyond livePendingLimit are dropped from live delivery
// and stay available in the logger's store.
type asyncAppender struct {
	appender Appender
	timeout  time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	items   []logItem
	queued  int
	dropped int
	closed  bool
	done    chan struct{}
}

func newAsyncAppender(a Appender, timeout time.Duration) *asyncAppender {
	x := &asyncAppender{
		appender: a,
		timeout:  timeout,
		done:     make(chan struct{}),
	}
	x.cond = sync.NewCond(&x.mu)
	go x.run()
	return x
}

func (x *asyncAppender) run() {
	defer close(x.done)
	failed := false
	for {
		x.mu.Lock()
		for len(x.items) == 0 && !x.closed {
			x.cond.Wait()
		}
		items, closed := x.items, x.closed
		x.items = nil
		x.mu.Unlock()

		if len(items) == 0 && closed {
			break
		}
		for _, item := range items {
			if item.ack != nil {
				close(item.ack)
				continue
			}
			err := x.appender.Append(item.rec)
			x.mu.Lock()
			x.queued--
			x.mu.Unlock()
			if err != nil && !failed {
				failed = true
				klog.ErrorS(err, "live log appender failed, later failures are not reported")
			}
		}
	}
	if err := x.appender.Close(); err != nil {
		klog.ErrorS(err, "failed to close live log appender")
	}
}

func (x *asyncAppender) enqueue(rec Record) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return
	}
	if x.queued >= livePendingLimit {
		if x.dropped == 0 {
			klog.InfoS("live log appender is falling behind, dropping records", "pending", x.queued)
		}
		x.dropped++
		return
	}
	x.queued++
	x.items = append(x.items, logItem{rec: rec})
	x.cond.Signal()
}

// droppedRecords returns the number of records not forwarded because the appender fell behind.
func (x *asyncAppender) droppedRecords() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.dropped
}

// flush waits until the records queued so far were delivered, or until the timeout.
func (x *asyncAppender) flush() {
	ack := make(chan struct{})
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return
	}
	x.items = append(x.items, logItem{ack: ack})
	x.cond.Signal()
	x.mu.Unlock()

	select {
	case <-ack:
	case <-x.done:
	case <-time.After(x.timeout):
		klog.InfoS("live log appender did not catch up in time", "timeout", x.timeout)
	}
}

// close delivers what is queued and closes the appender. It waits at most the timeout;
// a stalled appender is left to finish in the background.
func (x *asyncAppender) close() {
	x.mu.Lock()
	if !x.closed {
		x.closed = true
		x.cond.Signal()
	}
	dropped := x.dropped
	x.mu.Unlock()
	if dropped > 0 {
		klog.InfoS("live log appender dropped records", "count", dropped)
	}

	select {
	case <-x.done:
	case <-time.After(x.timeout):
		klog.InfoS("abandoning stalled live log appender", "timeout", x.timeout)
	}
}
