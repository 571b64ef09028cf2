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

package command

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/shirou/gopsutil/process"
	"golang.org/x/sys/unix"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
)

const killSettleTimeout = 2 * time.Second

// KillProcessTree sends SIGKILL to the process group led by pid, to every descendant of
// pid and, when cookie is set, to every process whose environment carries the cookie.
// It returns once the signalled processes are gone or the settle timeout expires.
func KillProcessTree(pid int, cookie string) error {
	targets := sets.New[int]()
	if descendants, err := Descendants(pid); err == nil {
		targets.Insert(descendants...)
	} else {
		klog.V(2).InfoS("failed to list descendants", "pid", pid, "err", err)
	}
	if cookie != "" {
		marked, err := FindByCookie(cookie)
		if err != nil {
			klog.V(2).InfoS("failed to scan processes for cookie", "err", err)
		}
		targets.Insert(marked...)
	}
	targets.Delete(os.Getpid(), os.Getppid(), pid)

	var errs []error
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		errs = append(errs, fmt.Errorf("kill process group %d: %w", pid, err))
	}
	for _, p := range sets.List(targets) {
		if err := unix.Kill(p, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("kill process %d: %w", p, err))
		}
	}
	if targets.Len() > 0 {
		klog.InfoS("killed processes outside the process group", "pid", pid, "count", targets.Len())
		err := wait.PollUntilContextTimeout(context.Background(), 20*time.Millisecond, killSettleTimeout, true,
			func(context.Context) (bool, error) {
				for p := range targets {
					if !isGone(p) {
						return false, nil
					}
				}
				return true, nil
			})
		if err != nil {
			errs = append(errs, fmt.Errorf("processes still alive after kill: %w", err))
		}
	}
	return utilerrors.NewAggregate(errs)
}

// Descendants returns the pids of all processes below pid in the process tree.
func Descendants(pid int) ([]int, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	children := make(map[int32][]int32, len(procs))
	for _, p := range procs {
		ppid, err := p.Ppid()
		if err != nil {
			continue
		}
		children[ppid] = append(children[ppid], p.Pid)
	}

	var result []int
	queue := []int32{int32(pid)}
	seen := map[int32]bool{int32(pid): true}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, child := range children[current] {
			if seen[child] {
				continue
			}
			seen[child] = true
			result = append(result, int(child))
			queue = append(queue, child)
		}
	}
	return result, nil
}

// FindByCookie returns the pids of processes whose environment carries cookie.
func FindByCookie(cookie string) ([]int, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	marker := CookieEnv + "=" + cookie
	var result []int
	for _, p := range procs {
		environ, err := p.Environ()
		if err != nil {
			continue
		}
		if slices.Contains(environ, marker) {
			result = append(result, int(p.Pid))
		}
	}
	return result, nil
}

// isGone reports whether pid no longer runs. Zombies count as gone.
func isGone(pid int) bool {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return true
	}
	status, err := p.Status()
	if err != nil {
		return unix.Kill(pid, 0) != nil
	}
	return isDeadState(fmt.Sprint(status))
}

// isDeadState matches zombie and dead process states, given either as the kernel's
// state letter or as gopsutil's state names.
func isDeadState(status string) bool {
	status = strings.ToLower(strings.Trim(status, "[]"))
	switch status {
	case "z", "x", "zombie", "dead":
		return true
	}
	return false
}
