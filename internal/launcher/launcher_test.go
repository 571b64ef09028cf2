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

package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/mock/gomock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/alibaba/OpenSandbox/task-launcher/internal/dataspace"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/runtime"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/tasklog"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/types"
)

var _ = Describe("TaskLauncher", func() {
	var (
		ctrl      *gomock.Controller
		ds        *MockDataspaces
		executor  *MockTaskExecutor
		notifier  *MockTerminateNotification
		fakeClock *clocktesting.FakeClock
		notified  chan *types.TaskResult
		scratch   string

		id     = types.TaskID{JobID: "1000", JobName: "job", TaskID: "42", TaskName: "task"}
		script = types.ExecutableContainer{Script: &types.Script{Source: `result = 1`}}
	)

	BeforeEach(func() {
		ctrl = gomock.NewController(GinkgoT())
		ds = NewMockDataspaces(ctrl)
		executor = NewMockTaskExecutor(ctrl)
		notifier = NewMockTerminateNotification(ctrl)
		fakeClock = clocktesting.NewFakeClock(time.Now())
		scratch = GinkgoT().TempDir()
		notified = make(chan *types.TaskResult, 1)

		ds.EXPECT().ScratchDir().Return(scratch).AnyTimes()
		notifier.EXPECT().Terminated(id, gomock.Any()).Do(func(_ types.TaskID, r *types.TaskResult) {
			notified <- r
		}).Times(1)
	})

	newLauncher := func(in types.Initializer, opts ...Option) *TaskLauncher {
		in.TaskID = id
		opts = append([]Option{WithClock(fakeClock), WithKillGracePeriod(time.Hour)}, opts...)
		l, err := New(in, executor, ds, opts...)
		Expect(err).NotTo(HaveOccurred())
		return l
	}

	awaitResult := func() *types.TaskResult {
		var r *types.TaskResult
		Eventually(notified, 10*time.Second).Should(Receive(&r))
		return r
	}

	blockUntilCancelled := func(ctx context.Context, tc *types.TaskContext, stdout, _ io.Writer) *types.TaskResult {
		fmt.Fprintln(stdout, "started")
		<-ctx.Done()
		return types.NewExceptionResult(tc.Initializer.TaskID, context.Cause(ctx))
	}

	stagingBlocksUntilCancelled := func(ctx context.Context, _ any) error {
		<-ctx.Done()
		return context.Cause(ctx)
	}

	Context("when the task completes", func() {
		It("stages data around the execution and notifies once", func() {
			previous := []*types.TaskResult{types.NewValueResult(types.TaskID{JobID: "1000", TaskID: "41"}, "parent")}
			credentials := &types.Credentials{Sealed: []byte("sealed")}
			gomock.InOrder(
				ds.EXPECT().CopyInputDataToScratch(gomock.Any(), gomock.Any()).Return(nil),
				executor.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
					func(_ context.Context, tc *types.TaskContext, stdout, stderr io.Writer) *types.TaskResult {
						Expect(tc.ScratchDir).To(Equal(scratch))
						Expect(tc.PreviousResults).To(Equal(previous))
						Expect(tc.Credentials).To(Equal(credentials))
						Expect(tc.Executable).To(Equal(script))
						fmt.Fprintln(stdout, "hello")
						fmt.Fprintln(stderr, "oops")
						r := types.NewValueResult(tc.Initializer.TaskID, "done")
						r.Duration = 3 * time.Second
						return r
					}),
				ds.EXPECT().CopyScratchDataToOutput(gomock.Any(), gomock.Any()).Return(nil),
			)

			l := newLauncher(types.Initializer{}, WithCredentials(credentials))
			Expect(l.State()).To(Equal(StateCreated))
			Expect(l.Result()).To(BeNil())
			Expect(l.DoTask(script, previous, notifier)).To(Succeed())

			r := awaitResult()
			Expect(r.HadException()).To(BeFalse())
			Expect(r.Value).To(Equal("done"))
			Expect(r.TaskID).To(Equal(id))
			Expect(r.Duration).To(Equal(3 * time.Second))
			Expect(r.Logs.AllLogs(false)).To(Equal("hello\noops\n"))
			Expect(r.Logs.StdoutLogs(false)).To(Equal("hello\n"))

			Eventually(l.Done()).Should(BeClosed())
			Expect(l.State()).To(Equal(StateTerminated))
			Expect(l.Result()).To(BeIdenticalTo(r))
			Expect(l.DoTask(script, nil, notifier)).To(MatchError(ErrAlreadyStarted))
		})

		It("streams logs to an activated appender and closes it", func() {
			appender := &tasklog.MemoryAppender{}
			ds.EXPECT().CopyInputDataToScratch(gomock.Any(), gomock.Any()).Return(nil)
			executor.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
				func(_ context.Context, tc *types.TaskContext, stdout, _ io.Writer) *types.TaskResult {
					fmt.Fprintln(stdout, "live")
					return types.NewValueResult(tc.Initializer.TaskID, nil)
				})
			ds.EXPECT().CopyScratchDataToOutput(gomock.Any(), gomock.Any()).Return(nil)

			l := newLauncher(types.Initializer{})
			Expect(l.ActivateLogs(appender.Provider())).To(Succeed())
			Expect(l.DoTask(script, nil, notifier)).To(Succeed())
			awaitResult()

			Expect(appender.Lines()).To(Equal([]string{"live"}))
			Expect(appender.Closed()).To(BeTrue())
		})

		It("persists precious logs into the scratch directory", func() {
			ds.EXPECT().CopyInputDataToScratch(gomock.Any(), gomock.Any()).Return(nil)
			executor.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
				func(_ context.Context, tc *types.TaskContext, stdout, _ io.Writer) *types.TaskResult {
					fmt.Fprintln(stdout, "keep me")
					return types.NewValueResult(tc.Initializer.TaskID, nil)
				})
			ds.EXPECT().CopyScratchDataToOutput(gomock.Any(), gomock.Any()).Return(nil)

			l := newLauncher(types.Initializer{PreciousLogs: true})
			Expect(l.DoTask(script, nil, notifier)).To(Succeed())
			awaitResult()

			data, err := os.ReadFile(filepath.Join(scratch, tasklog.LogFileName(id)))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(ContainSubstring("keep me"))
		})
	})

	Context("when a stage fails", func() {
		It("turns an input staging error into the result", func() {
			ds.EXPECT().CopyInputDataToScratch(gomock.Any(), gomock.Any()).Return(errors.New("no such space"))

			l := newLauncher(types.Initializer{})
			Expect(l.DoTask(script, nil, notifier)).To(Succeed())

			r := awaitResult()
			Expect(r.Exception).To(MatchError(types.ErrFailedExecution))
			Expect(r.Exception.Error()).To(ContainSubstring("no such space"))
			Expect(r.Logs).NotTo(BeNil())
		})

		It("keeps the value when output staging fails", func() {
			ds.EXPECT().CopyInputDataToScratch(gomock.Any(), gomock.Any()).Return(nil)
			executor.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
				Return(types.NewValueResult(id, int64(7)))
			ds.EXPECT().CopyScratchDataToOutput(gomock.Any(), gomock.Any()).Return(errors.New("disk full"))

			l := newLauncher(types.Initializer{})
			Expect(l.DoTask(script, nil, notifier)).To(Succeed())

			r := awaitResult()
			Expect(r.Value).To(Equal(int64(7)))
			Expect(r.Exception).To(MatchError(types.ErrFailedExecution))
			Expect(r.Exception.Error()).To(ContainSubstring("disk full"))
		})

		It("recovers from a panicking executor", func() {
			ds.EXPECT().CopyInputDataToScratch(gomock.Any(), gomock.Any()).Return(nil)
			executor.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
				func(context.Context, *types.TaskContext, io.Writer, io.Writer) *types.TaskResult {
					panic("boom")
				})
			ds.EXPECT().CopyScratchDataToOutput(gomock.Any(), gomock.Any()).Return(nil)

			l := newLauncher(types.Initializer{})
			Expect(l.DoTask(script, nil, notifier)).To(Succeed())

			r := awaitResult()
			Expect(r.Exception).To(MatchError(types.ErrFailedExecution))
			Expect(r.Exception.Error()).To(ContainSubstring("boom"))
		})
	})

	Context("when terminated", func() {
		It("aborts input staging", func() {
			ds.EXPECT().CopyInputDataToScratch(gomock.Any(), gomock.Any()).DoAndReturn(stagingBlocksUntilCancelled)

			l := newLauncher(types.Initializer{})
			Expect(l.DoTask(script, nil, notifier)).To(Succeed())
			Eventually(l.State).Should(Equal(StateStagingIn))
			l.Terminate(true)

			r := awaitResult()
			Expect(r.Exception).To(MatchError(types.ErrTaskAborted))
			Expect(l.State()).To(Equal(StateTerminated))
		})

		It("aborts a running task and ignores later requests", func() {
			ds.EXPECT().CopyInputDataToScratch(gomock.Any(), gomock.Any()).Return(nil)
			executor.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(blockUntilCancelled)

			l := newLauncher(types.Initializer{})
			Expect(l.DoTask(script, nil, notifier)).To(Succeed())
			Eventually(func() string { return l.Logger().Logs().AllLogs(false) }).Should(Equal("started\n"))
			l.Terminate(false)
			l.Terminate(true)

			r := awaitResult()
			Expect(r.Exception).To(MatchError(types.ErrTaskAborted))
			Expect(types.IsGracefulAbort(r.Exception)).To(BeTrue())
			Expect(r.Logs.AllLogs(false)).To(Equal("started\n"))
		})

		It("aborts output staging", func() {
			ds.EXPECT().CopyInputDataToScratch(gomock.Any(), gomock.Any()).Return(nil)
			executor.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
				Return(types.NewValueResult(id, "done"))
			ds.EXPECT().CopyScratchDataToOutput(gomock.Any(), gomock.Any()).DoAndReturn(stagingBlocksUntilCancelled)

			l := newLauncher(types.Initializer{})
			Expect(l.DoTask(script, nil, notifier)).To(Succeed())
			Eventually(l.State).Should(Equal(StateStagingOut))
			l.Terminate(true)

			r := awaitResult()
			Expect(r.Exception).To(MatchError(types.ErrTaskAborted))
			Expect(r.Value).To(BeNil())
		})

		It("delivers an aborted result when terminated before start", func() {
			ds.EXPECT().CopyInputDataToScratch(gomock.Any(), gomock.Any()).DoAndReturn(stagingBlocksUntilCancelled)

			l := newLauncher(types.Initializer{})
			l.Terminate(false)
			Expect(l.DoTask(script, nil, notifier)).To(Succeed())

			r := awaitResult()
			Expect(r.Exception).To(MatchError(types.ErrTaskAborted))
		})

		It("abandons an executor that does not stop and drops its late output", func() {
			release := make(chan struct{})
			lateWritten := make(chan struct{})
			ds.EXPECT().CopyInputDataToScratch(gomock.Any(), gomock.Any()).Return(nil)
			executor.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
				func(_ context.Context, tc *types.TaskContext, stdout, _ io.Writer) *types.TaskResult {
					fmt.Fprintln(stdout, "started")
					<-release
					fmt.Fprintln(stdout, "late")
					close(lateWritten)
					return types.NewValueResult(tc.Initializer.TaskID, nil)
				})

			l := newLauncher(types.Initializer{})
			Expect(l.DoTask(script, nil, notifier)).To(Succeed())
			Eventually(func() string { return l.Logger().Logs().AllLogs(false) }).Should(Equal("started\n"))
			l.Terminate(true)
			Eventually(fakeClock.HasWaiters).Should(BeTrue())
			fakeClock.Step(time.Hour)

			r := awaitResult()
			Expect(r.Exception).To(MatchError(types.ErrTaskAborted))

			close(release)
			Eventually(lateWritten).Should(BeClosed())
			Expect(l.Logger().Logs().AllLogs(false)).To(Equal("started\n"))
		})
	})

	Context("when the walltime expires", func() {
		It("interrupts the running task", func() {
			ds.EXPECT().CopyInputDataToScratch(gomock.Any(), gomock.Any()).Return(nil)
			executor.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(blockUntilCancelled)

			l := newLauncher(types.Initializer{Walltime: 2 * time.Second})
			Expect(l.DoTask(script, nil, notifier)).To(Succeed())
			Eventually(l.State).Should(Equal(StateRunning))
			fakeClock.Step(2 * time.Second)

			r := awaitResult()
			Expect(r.Exception).To(MatchError(types.ErrWalltimeExceeded))
		})

		It("takes precedence over a concurrent abort", func() {
			release := make(chan struct{})
			ds.EXPECT().CopyInputDataToScratch(gomock.Any(), gomock.Any()).Return(nil)
			executor.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
				func(ctx context.Context, tc *types.TaskContext, _, _ io.Writer) *types.TaskResult {
					<-ctx.Done()
					<-release
					return types.NewExceptionResult(tc.Initializer.TaskID, context.Cause(ctx))
				})

			l := newLauncher(types.Initializer{Walltime: time.Second})
			Expect(l.DoTask(script, nil, notifier)).To(Succeed())
			Eventually(l.State).Should(Equal(StateRunning))
			l.Terminate(true)
			fakeClock.Step(time.Second)
			Eventually(l.walltimeFired.Load).Should(BeTrue())
			close(release)

			r := awaitResult()
			Expect(r.Exception).To(MatchError(types.ErrWalltimeExceeded))
		})
	})

	Context("with the in-process executor", func() {
		newRealLauncher := func(in types.Initializer) *TaskLauncher {
			in.TaskID = id
			l, err := New(in, runtime.NewNonForkedExecutor(time.Second), dataspace.None(scratch), WithKillGracePeriod(5*time.Second))
			Expect(err).NotTo(HaveOccurred())
			return l
		}
		busy := types.ExecutableContainer{Script: &types.Script{Source: `print("started") while true do end`}}

		It("kills a script that never yields", func() {
			l := newRealLauncher(types.Initializer{})
			Expect(l.DoTask(busy, nil, notifier)).To(Succeed())
			Eventually(func() string { return l.Logger().Logs().AllLogs(false) }, 5*time.Second).Should(Equal("started\n"))

			start := time.Now()
			l.Terminate(true)
			r := awaitResult()
			Expect(r.Exception).To(MatchError(types.ErrTaskAborted))
			Expect(time.Since(start)).To(BeNumerically("<", 5*time.Second))
		})

		It("enforces the walltime", func() {
			l := newRealLauncher(types.Initializer{Walltime: 500 * time.Millisecond})
			Expect(l.DoTask(busy, nil, notifier)).To(Succeed())

			r := awaitResult()
			Expect(r.Exception).To(MatchError(types.ErrWalltimeExceeded))
			Expect(r.Duration).To(BeNumerically(">=", 500*time.Millisecond))
		})
	})
})

var _ = Describe("New", func() {
	It("requires its collaborators", func() {
		_, err := New(types.Initializer{}, nil, dataspace.None(""))
		Expect(err).To(HaveOccurred())
		_, err = New(types.Initializer{}, runtime.NewNonForkedExecutor(0), nil)
		Expect(err).To(HaveOccurred())
	})
})
