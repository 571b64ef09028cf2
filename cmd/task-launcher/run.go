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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/alibaba/OpenSandbox/task-launcher/internal/config"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/manager"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/runtime"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/storage"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/tasklog"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/types"
)

// errTaskFailed wraps the exception of a task that ran but failed.
var errTaskFailed = errors.New("task failed")

type runOptions struct {
	taskFile        string
	logs            string
	pattern         bool
	metricsEndpoint string
}

func newRunCommand(cfg *config.Config) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run --task <file.json>",
		Short: "Run one task, stream its logs and print its result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			setMaxProcs()
			return runTask(cmd.Context(), cfg, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.taskFile, "task", "", "JSON file describing the task")
	cmd.Flags().StringVar(&opts.logs, "logs", "stdout", "where task logs are streamed: stdout, a ws:// URL or a redis:// URL")
	cmd.Flags().BoolVar(&opts.pattern, "pattern", false, "prefix streamed log lines with task id, host and time")
	cmd.Flags().StringVar(&opts.metricsEndpoint, "otlp-metrics-endpoint", "", "OTLP/HTTP URL receiving task metrics, empty to disable")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func runTask(ctx context.Context, cfg *config.Config, opts *runOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	task, err := manager.ReadTaskFile(opts.taskFile)
	if err != nil {
		return err
	}

	stopMetrics, err := setupMetrics(ctx, opts.metricsEndpoint)
	if err != nil {
		return err
	}
	defer stopMetrics()

	klog.InfoS("task-launcher starting", "dataDir", cfg.DataDir, "mode", cfg.ExecutorMode, "task", task.Initializer.TaskID.String())

	resultStore, err := storage.NewFileStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to create result store: %w", err)
	}
	exec, err := runtime.NewExecutor(cfg)
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}
	taskManager, err := manager.NewTaskManager(cfg, resultStore, exec)
	if err != nil {
		return fmt.Errorf("failed to create task manager: %w", err)
	}
	taskManager.Start(ctx)
	defer taskManager.Stop()

	provider, closeProvider, err := logProvider(opts, out)
	if err != nil {
		return err
	}
	defer closeProvider()

	id, err := taskManager.Create(ctx, task)
	if err != nil {
		return err
	}
	l, err := taskManager.Launcher(id)
	if err != nil {
		return err
	}
	if err := l.ActivateLogs(provider); err != nil {
		klog.ErrorS(err, "failed to stream task logs", "task", id)
	}

	stop := handleSignals(ctx, taskManager, id)
	defer stop()

	result, err := taskManager.Wait(ctx, id)
	if err != nil {
		return err
	}
	return printResult(out, result)
}

// handleSignals terminates the task gracefully on the first SIGINT or SIGTERM. A second
// signal exits without waiting for the task.
func handleSignals(ctx context.Context, m manager.TaskManager, id string) func() {
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		received := 0
		for {
			select {
			case sig := <-signals:
				received++
				if received > 1 {
					klog.InfoS("second signal received, exiting without waiting for the task", "signal", sig.String(), "task", id)
					klog.Flush()
					os.Exit(130)
				}
				klog.InfoS("signal received, terminating task", "signal", sig.String(), "task", id)
				if err := m.Terminate(ctx, id, false); err != nil {
					klog.ErrorS(err, "failed to terminate task", "task", id)
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(signals)
		close(done)
	}
}

func logProvider(opts *runOptions, out io.Writer) (tasklog.AppenderProvider, func(), error) {
	noop := func() {}
	switch {
	case opts.logs == "" || opts.logs == "stdout":
		return tasklog.WriterProvider{W: out, Pattern: opts.pattern}, noop, nil
	case strings.HasPrefix(opts.logs, "ws://") || strings.HasPrefix(opts.logs, "wss://"):
		return tasklog.WebSocketProvider{URL: opts.logs}, noop, nil
	case strings.HasPrefix(opts.logs, "redis://") || strings.HasPrefix(opts.logs, "rediss://"):
		redisOpts, err := redis.ParseURL(opts.logs)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid redis log endpoint: %w", err)
		}
		client := redis.NewClient(redisOpts)
		closeClient := func() {
			if err := client.Close(); err != nil {
				klog.ErrorS(err, "failed to close redis client")
			}
		}
		return tasklog.RedisProvider{Client: client}, closeClient, nil
	default:
		return nil, nil, fmt.Errorf("unsupported log destination %q", opts.logs)
	}
}

func printResult(out io.Writer, result *types.TaskResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode task result: %w", err)
	}
	fmt.Fprintln(out, string(data))
	if result.HadException() {
		return fmt.Errorf("%w: %v", errTaskFailed, result.Exception)
	}
	return nil
}
