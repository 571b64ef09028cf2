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

package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/alibaba/OpenSandbox/task-launcher/internal/storage"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/types"
)

// RunChild runs the task stored at contextPath in the current process and writes its
// result to resultPath. A context that cannot be read still produces a result file
// carrying the error, so the parent always learns why the task failed.
func RunChild(ctx context.Context, contextPath, resultPath string, stdout, stderr io.Writer) error {
	tc, err := storage.ReadContext(contextPath)
	if err != nil {
		if werr := storage.WriteResult(resultPath, types.NewExceptionResult(types.TaskID{}, err)); werr != nil {
			return fmt.Errorf("failed to report unreadable context: %w", werr)
		}
		return err
	}

	result := NewNonForkedExecutor(0).Execute(ctx, tc, stdout, stderr)
	return storage.WriteResult(resultPath, result)
}

// ChildMain is the entry point of a forked task process. args are the context and result
// paths. SIGTERM and SIGINT abort the task gracefully. The returned code is the process
// exit code; a failed task still exits with 0 since its failure is in the result.
func ChildMain(args []string) int {
	if len(args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <context.json> <result.json>\n", ForkCommand)
		return 2
	}
	// the streams of this process are the task's output
	klog.LogToStderr(false)
	klog.SetOutput(io.Discard)

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, os.Interrupt)
	defer signal.Stop(signals)
	go func() {
		select {
		case <-signals:
			cancel(types.Aborted(false))
		case <-ctx.Done():
		}
	}()

	if err := RunChild(ctx, args[0], args[1], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	return 0
}
