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

// Package tasklog captures the output of a running task and forwards it to log sinks.
package tasklog

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/alibaba/OpenSandbox/task-launcher/internal/types"
)

// Stream tells which output a record was written to.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Record is one line of task output.
type Record struct {
	Stream Stream
	Time   time.Time
	Line   string

	seq uint64
}

type partial struct {
	seq  uint64
	time time.Time
	buf  []byte
}

// Logger stores the output of one task and forwards it to attached appenders.
// Its sinks are safe for concurrent writers.
type Logger struct {
	taskID types.TaskID
	host   string
	clock  clock.PassiveClock

	mu      sync.Mutex
	seq     uint64
	records []Record
	pending [2]*partial
	closed  bool
	sinks   []Appender
	live    *asyncAppender

	liveTimeout time.Duration
}

type Option func(*Logger)

// WithClock sets the clock stamping records.
func WithClock(c clock.PassiveClock) Option {
	return func(l *Logger) { l.clock = c }
}

// WithHost sets the host name shown in pattern mode.
func WithHost(host string) Option {
	return func(l *Logger) { l.host = host }
}

// WithLiveTimeout bounds how long Flush and Close wait for a live appender. Values that
// are not positive keep DefaultLiveTimeout.
func WithLiveTimeout(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.liveTimeout = d
		}
	}
}

// WithAppender adds an appender receiving every record synchronously, such as a
// persistent log file. It is closed with the logger.
func WithAppender(a Appender) Option {
	return func(l *Logger) { l.sinks = append(l.sinks, a) }
}

func NewLogger(taskID types.TaskID, opts ...Option) *Logger {
	l := &Logger{taskID: taskID, clock: clock.RealClock{}, liveTimeout: DefaultLiveTimeout}
	for _, opt := range opts {
		opt(l)
	}
	if l.host == "" {
		l.host, _ = os.Hostname()
	}
	return l
}

// OutputSink returns the writer for the task's standard output.
func (l *Logger) OutputSink() io.Writer {
	return streamWriter{logger: l, stream: Stdout}
}

// ErrorSink returns the writer for the task's standard error.
func (l *Logger) ErrorSink() io.Writer {
	return streamWriter{logger: l, stream: Stderr}
}

type streamWriter struct {
	logger *Logger
	stream Stream
}

func (w streamWriter) Write(p []byte) (int, error) {
	w.logger.write(w.stream, p)
	return len(p), nil
}

func (l *Logger) write(s Stream, p []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	for len(p) > 0 {
		pend := l.pending[s]
		if pend == nil {
			l.seq++
			pend = &partial{seq: l.seq, time: l.clock.Now()}
			l.pending[s] = pend
		}
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			pend.buf = append(pend.buf, p...)
			return
		}
		pend.buf = append(pend.buf, p[:i]...)
		l.pending[s] = nil
		l.emitLocked(s, pend)
		p = p[i+1:]
	}
}

func (l *Logger) emitLocked(s Stream, pend *partial) {
	rec := Record{
		Stream: s,
		Time:   pend.time,
		Line:   strings.TrimSuffix(string(pend.buf), "\r"),
		seq:    pend.seq,
	}
	l.records = append(l.records, rec)
	for _, sink := range l.sinks {
		if err := sink.Append(rec); err != nil {
			klog.V(2).InfoS("log appender failed", "task", l.taskID.String(), "err", err)
		}
	}
	if l.live != nil {
		l.live.enqueue(rec)
	}
}

func (l *Logger) flushPendingLocked() {
	for s, pend := range l.pending {
		if pend != nil {
			l.pending[s] = nil
			l.emitLocked(Stream(s), pend)
		}
	}
}

// Logs returns a snapshot of everything written so far, including unterminated lines.
func (l *Logger) Logs() *Logs {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked(true)
}

func (l *Logger) snapshotLocked(withPending bool) *Logs {
	records := make([]Record, len(l.records), len(l.records)+len(l.pending))
	copy(records, l.records)
	if withPending {
		for s, pend := range l.pending {
			if pend != nil && len(pend.buf) > 0 {
				records = append(records, Record{Stream: Stream(s), Time: pend.time, Line: string(pend.buf), seq: pend.seq})
			}
		}
	}
	slices.SortStableFunc(records, func(a, b Record) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return &Logs{taskID: l.taskID.String(), host: l.host, records: records}
}

// ActivateLogs attaches a live appender obtained from provider. Everything captured so far
// is sent first, then new records as they arrive. Delivery is asynchronous and never blocks
// writers; Flush waits for it up to the live timeout.
// A previously activated appender is detached and closed.
func (l *Logger) ActivateLogs(provider AppenderProvider) error {
	appender, err := provider.Appender(l.taskID)
	if err != nil {
		return fmt.Errorf("failed to create log appender: %w", err)
	}

	l.mu.Lock()
	if l.closed {
		stored := l.snapshotLocked(false)
		l.mu.Unlock()
		return replay(stored, appender)
	}
	live := newAsyncAppender(appender, l.liveTimeout)
	for _, rec := range l.snapshotLocked(false).records {
		live.enqueue(rec)
	}
	previous := l.live
	l.live = live
	l.mu.Unlock()

	if previous != nil {
		previous.close()
	}
	klog.V(2).InfoS("activated live task logs", "task", l.taskID.String())
	return nil
}

// StoredLogs synchronously sends everything captured so far to an appender obtained
// from provider, then closes it.
func (l *Logger) StoredLogs(provider AppenderProvider) error {
	appender, err := provider.Appender(l.taskID)
	if err != nil {
		return fmt.Errorf("failed to create log appender: %w", err)
	}
	return replay(l.Logs(), appender)
}

func replay(logs *Logs, appender Appender) error {
	var firstErr error
	for _, rec := range logs.records {
		if err := appender.Append(rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := appender.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Flush turns unterminated lines into records and waits until the live appender has
// received everything.
func (l *Logger) Flush() {
	l.mu.Lock()
	l.flushPendingLocked()
	live := l.live
	l.mu.Unlock()
	if live != nil {
		live.flush()
	}
}

// Close flushes pending output and closes all appenders. Writes after Close are dropped.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.flushPendingLocked()
	l.closed = true
	live, sinks := l.live, l.sinks
	l.live, l.sinks = nil, nil
	l.mu.Unlock()

	if live != nil {
		live.close()
	}
	var firstErr error
	for _, sink := range sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Logs is an immutable view of captured task output.
type Logs struct {
	taskID  string
	host    string
	records []Record
}

var _ types.TaskLogs = (*Logs)(nil)

// Records returns the captured records in write order.
func (s *Logs) Records() []Record {
	return slices.Clone(s.records)
}

func (s *Logs) AllLogs(withPattern bool) string {
	return s.render(withPattern, func(Stream) bool { return true })
}

func (s *Logs) StdoutLogs(withPattern bool) string {
	return s.render(withPattern, func(st Stream) bool { return st == Stdout })
}

func (s *Logs) StderrLogs(withPattern bool) string {
	return s.render(withPattern, func(st Stream) bool { return st == Stderr })
}

func (s *Logs) render(withPattern bool, keep func(Stream) bool) string {
	var b strings.Builder
	for _, rec := range s.records {
		if keep(rec.Stream) {
			b.WriteString(FormatRecord(rec, s.taskID, s.host, withPattern))
		}
	}
	return b.String()
}

// FormatRecord renders one record as a line, optionally prefixed with
// [<taskId>@<host>;HH:mm:ss].
func FormatRecord(rec Record, taskID, host string, withPattern bool) string {
	if !withPattern {
		return rec.Line + "\n"
	}
	return fmt.Sprintf("[%s@%s;%s] %s \n", taskID, host, rec.Time.Format("15:04:05"), rec.Line)
}
