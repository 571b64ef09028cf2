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
	goflag "flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"k8s.io/klog/v2"

	"github.com/alibaba/OpenSandbox/task-launcher/internal/config"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/runtime"
)

func main() {
	code := 0
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		code = 1
	}
	klog.Flush()
	os.Exit(code)
}

func newRootCommand() *cobra.Command {
	// defaults, then .env, then the environment, then flags
	config.LoadDotEnv(".env")
	cfg := config.NewConfig()
	cfg.LoadFromEnv()

	root := &cobra.Command{
		Use:           "task-launcher",
		Short:         "Run scheduler tasks under walltime and kill control",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	klogFlags := goflag.NewFlagSet("klog", goflag.ContinueOnError)
	klog.InitFlags(klogFlags)
	root.PersistentFlags().AddGoFlagSet(klogFlags)
	cfg.AddFlags(root.PersistentFlags())

	root.AddCommand(newRunCommand(cfg), newForkCommand())
	return root
}

func newForkCommand() *cobra.Command {
	return &cobra.Command{
		Use:    runtime.ForkCommand + " <context.json> <result.json>",
		Short:  "Run a forked task from its serialized context",
		Hidden: true,
		Args:   cobra.ExactArgs(2),
		Run: func(_ *cobra.Command, args []string) {
			if code := runtime.ChildMain(args); code != 0 {
				os.Exit(code)
			}
		},
	}
}

func setMaxProcs() {
	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		klog.V(2).Infof(format, args...)
	}))
	if err != nil {
		klog.ErrorS(err, "failed to set GOMAXPROCS")
		undo()
	}
}
