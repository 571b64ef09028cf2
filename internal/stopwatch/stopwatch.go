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

// Package stopwatch measures elapsed wall-clock time of task stages.
package stopwatch

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// StopWatch measures the time between Start and Stop. The zero value is not usable; use New.
type StopWatch struct {
	clock clock.PassiveClock

	mu      sync.Mutex
	start   time.Time
	running bool
	stopped bool
	elapsed time.Duration
}

// New returns a stopwatch backed by the monotonic system clock.
func New() *StopWatch {
	return NewWithClock(clock.RealClock{})
}

// NewWithClock returns a stopwatch reading time from c.
func NewWithClock(c clock.PassiveClock) *StopWatch {
	return &StopWatch{clock: c}
}

// Start begins measuring. Starting again restarts the measurement.
func (s *StopWatch) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.start = s.clock.Now()
	s.running = true
	s.stopped = false
	s.elapsed = 0
}

// Stop ends the measurement and returns the elapsed time. Stopping an already stopped
// watch returns the same value; stopping a watch never started returns 0.
func (s *StopWatch) Stop() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.elapsed = s.clock.Since(s.start)
		if s.elapsed < 0 {
			s.elapsed = 0
		}
		s.running = false
		s.stopped = true
	}
	return s.elapsed
}

// Elapsed returns the time measured so far without stopping the watch.
func (s *StopWatch) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return s.clock.Since(s.start)
	}
	return s.elapsed
}
