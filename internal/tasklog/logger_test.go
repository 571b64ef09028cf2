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
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/alibaba/OpenSandbox/task-launcher/internal/types"
)

var testTaskID = types.TaskID{JobID: "1000", TaskID: "42"}

func TestLogger_PatternRoundTrip(t *testing.T) {
	logger := NewLogger(testTaskID, WithHost("node1"))

	fmt.Fprintln(logger.OutputSink(), "hello")
	fmt.Fprintln(logger.ErrorSink(), "error")

	logs := logger.Logs()
	assert.Equal(t, "hello\nerror\n", logs.AllLogs(false))
	assert.Equal(t, "hello\n", logs.StdoutLogs(false))
	assert.Equal(t, "error\n", logs.StderrLogs(false))
	assert.Regexp(t, regexp.MustCompile(`^\[1000_42@node1;\d\d:\d\d:\d\d\] hello \n$`), logs.StdoutLogs(true))
	assert.Regexp(t, regexp.MustCompile(`^\[1000_42@node1;\d\d:\d\d:\d\d\] error \n$`), logs.StderrLogs(true))
}

func TestLogger_UnterminatedLinesAreVisible(t *testing.T) {
	logger := NewLogger(testTaskID, WithHost("node1"))

	io.WriteString(logger.OutputSink(), "hello")
	io.WriteString(logger.ErrorSink(), "error")

	logs := logger.Logs()
	assert.Equal(t, "hello\nerror\n", logs.AllLogs(false))
	assert.Equal(t, "hello\n", logs.StdoutLogs(false))
	assert.Equal(t, "error\n", logs.StderrLogs(false))

	io.WriteString(logger.OutputSink(), " world\n")
	assert.Equal(t, "hello world\n", logger.Logs().StdoutLogs(false), "a partial line is completed by later writes")
}

func TestLogger_TimestampAndOrder(t *testing.T) {
	fake := clocktesting.NewFakePassiveClock(time.Date(2024, 3, 1, 13, 4, 5, 0, time.Local))
	logger := NewLogger(testTaskID, WithHost("h"), WithClock(fake))

	io.WriteString(logger.ErrorSink(), "first part")
	io.WriteString(logger.OutputSink(), "second\n")
	io.WriteString(logger.ErrorSink(), " done\r\n")

	assert.Equal(t, "first part done\nsecond\n", logger.Logs().AllLogs(false),
		"records are ordered by the time their line started")
	assert.Equal(t, "[1000_42@h;13:04:05] second \n", logger.Logs().StdoutLogs(true))
}

func TestLogger_ConcurrentWriters(t *testing.T) {
	logger := NewLogger(testTaskID)
	const writers, lines = 8, 200

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			sink := logger.OutputSink()
			if w%2 == 1 {
				sink = logger.ErrorSink()
			}
			for i := 0; i < lines; i++ {
				fmt.Fprintf(sink, "w%d-%d\n", w, i)
			}
		}(w)
	}
	wg.Wait()

	all := strings.Split(strings.TrimSuffix(logger.Logs().AllLogs(false), "\n"), "\n")
	assert.Len(t, all, writers*lines)
	for _, line := range all {
		assert.Regexp(t, `^w\d-\d+$`, line, "lines are never interleaved")
	}
}

func TestLogger_CloseDropsLaterWrites(t *testing.T) {
	sink := &MemoryAppender{}
	logger := NewLogger(testTaskID, WithAppender(sink))

	io.WriteString(logger.OutputSink(), "kept")
	require.NoError(t, logger.Close())
	io.WriteString(logger.OutputSink(), "dropped\n")

	assert.Equal(t, "kept\n", logger.Logs().AllLogs(false))
	assert.Equal(t, []string{"kept"}, sink.Lines())
	assert.True(t, sink.Closed())
	assert.NoError(t, logger.Close(), "close is idempotent")
}

func TestLogger_ActivateLogsForwardsStoredThenLive(t *testing.T) {
	logger := NewLogger(testTaskID)
	fmt.Fprintln(logger.OutputSink(), "before")

	live := &MemoryAppender{}
	require.NoError(t, logger.ActivateLogs(live.Provider()))
	fmt.Fprintln(logger.ErrorSink(), "after")

	logger.Flush()
	assert.Equal(t, []string{"before", "after"}, live.Lines())

	require.NoError(t, logger.Close())
	assert.True(t, live.Closed())
}

func TestLogger_ActivateLogsReplacesPreviousAppender(t *testing.T) {
	logger := NewLogger(testTaskID)
	first, second := &MemoryAppender{}, &MemoryAppender{}

	require.NoError(t, logger.ActivateLogs(first.Provider()))
	fmt.Fprintln(logger.OutputSink(), "one")
	require.NoError(t, logger.ActivateLogs(second.Provider()))
	fmt.Fprintln(logger.OutputSink(), "two")
	logger.Flush()

	assert.True(t, first.Closed())
	assert.Equal(t, []string{"one"}, first.Lines())
	assert.Equal(t, []string{"one", "two"}, second.Lines())
}

func TestLogger_StoredLogs(t *testing.T) {
	logger := NewLogger(testTaskID, WithHost("h"))
	fmt.Fprintln(logger.OutputSink(), "a")
	fmt.Fprintln(logger.ErrorSink(), "b")

	var out bytes.Buffer
	require.NoError(t, logger.StoredLogs(WriterProvider{W: &out, Host: "h"}))
	assert.Equal(t, "a\nb\n", out.String())

	failing := ProviderFunc(func(types.TaskID) (Appender, error) { return nil, errors.New("unreachable") })
	assert.Error(t, logger.StoredLogs(failing))
	assert.Error(t, logger.ActivateLogs(failing))
}

func TestLogger_ActivateAfterCloseReplaysSynchronously(t *testing.T) {
	logger := NewLogger(testTaskID)
	fmt.Fprintln(logger.OutputSink(), "done")
	require.NoError(t, logger.Close())

	late := &MemoryAppender{}
	require.NoError(t, logger.ActivateLogs(late.Provider()))
	assert.Equal(t, []string{"done"}, late.Lines())
	assert.True(t, late.Closed())
}

func TestLogs_ImplementsTaskLogs(t *testing.T) {
	var logs types.TaskLogs = NewLogger(testTaskID).Logs()
	assert.Empty(t, logs.AllLogs(true))
}

// stallingAppender blocks every Append until release is closed.
type stallingAppender struct {
	MemoryAppender
	release chan struct{}
}

func (a *stallingAppender) Append(rec Record) error {
	<-a.release
	return a.MemoryAppender.Append(rec)
}

func within(t *testing.T, d time.Duration, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("%s did not return within %s", what, d)
	}
}

func TestLogger_StalledLiveAppenderDoesNotBlockTask(t *testing.T) {
	logger := NewLogger(testTaskID, WithLiveTimeout(100*time.Millisecond))
	stalled := &stallingAppender{release: make(chan struct{})}
	require.NoError(t, logger.ActivateLogs(ProviderFunc(func(types.TaskID) (Appender, error) {
		return stalled, nil
	})))

	within(t, 5*time.Second, "writes", func() {
		for i := 0; i < 2000; i++ {
			fmt.Fprintf(logger.OutputSink(), "line %d\n", i)
		}
	})
	within(t, 5*time.Second, "Flush", logger.Flush)
	within(t, 5*time.Second, "Close", func() { assert.NoError(t, logger.Close()) })
	assert.Len(t, logger.Logs().Records(), 2000)

	close(stalled.release)
	assert.Eventually(t, stalled.Closed, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, stalled.Lines(), 2000)
}

func TestLogger_LiveAppenderDropsOverflow(t *testing.T) {
	logger := NewLogger(testTaskID, WithLiveTimeout(100*time.Millisecond))
	stalled := &stallingAppender{release: make(chan struct{})}
	require.NoError(t, logger.ActivateLogs(ProviderFunc(func(types.TaskID) (Appender, error) {
		return stalled, nil
	})))
	live := logger.live

	within(t, 30*time.Second, "writes", func() {
		for i := 0; i < livePendingLimit+10; i++ {
			io.WriteString(logger.OutputSink(), "x\n")
		}
	})
	assert.Equal(t, 10, live.droppedRecords())
	assert.Len(t, logger.Logs().Records(), livePendingLimit+10)

	close(stalled.release)
	require.NoError(t, logger.Close())
}
