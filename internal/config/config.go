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

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

// Executor modes.
const (
	ModeNonForked = "nonforked"
	ModeForked    = "forked"
	ModeContainer = "container"
)

type Config struct {
	DataDir            string `validate:"required"`
	WorkDir            string `validate:"required"`
	ExecutorMode       string `validate:"oneof=nonforked forked container"`
	RuntimePath        string
	RuntimeArgs        []string
	ForkEnv            []string
	KillGracePeriod    time.Duration `validate:"gte=0"`
	StoreLogs          bool
	MaxConcurrentTasks int `validate:"gte=1"`
	Spaces             SpacesConfig
	Container          ContainerConfig
}

// SpacesConfig holds the local roots of the dataspaces. Empty roots are unavailable.
type SpacesConfig struct {
	Input  string
	Output string
	Global string
	User   string
}

// ContainerConfig describes how task containers are started. It is a value type:
// modifiers return a copy and never change the receiver.
type ContainerConfig struct {
	EngineBinary string `validate:"required"`
	SudoBinary   string
	UseSudo      bool
	Image        string `validate:"required"`
	HomeDir      string
	HomeMount    string
	WorkMount    string
	// EntryPoint is the runtime run inside the container. Empty means the launcher
	// binary as seen through the home mount.
	EntryPoint     string
	MaxTime        time.Duration `validate:"gte=0"`
	CleanupTimeout time.Duration `validate:"gt=0"`
}

// WithSudo returns a copy of the configuration with sudo enabled or disabled.
func (c ContainerConfig) WithSudo(useSudo bool) ContainerConfig {
	c.UseSudo = useSudo
	return c
}

// WithHome returns a copy of the configuration mounting homeDir into the container.
func (c ContainerConfig) WithHome(homeDir string) ContainerConfig {
	c.HomeDir = homeDir
	return c
}

func NewConfig() *Config {
	return &Config{
		DataDir:            "/var/lib/task-launcher/tasks",
		WorkDir:            os.TempDir(),
		ExecutorMode:       ModeForked,
		KillGracePeriod:    5 * time.Second,
		MaxConcurrentTasks: 4,
		Container: ContainerConfig{
			EngineBinary:   "docker",
			SudoBinary:     "sudo",
			Image:          "task-launcher:latest",
			HomeMount:      "/opt/task-launcher",
			CleanupTimeout: 30 * time.Second,
		},
	}
}

// LoadDotEnv loads variables from the given .env files into the process environment.
// Missing files are ignored.
func LoadDotEnv(files ...string) {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			klog.ErrorS(err, "failed to load env file", "file", f)
		}
	}
}

func (c *Config) LoadFromEnv() {
	if v := os.Getenv("TASK_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("TASK_WORK_DIR"); v != "" {
		c.WorkDir = v
	}
	if v := os.Getenv("TASK_EXECUTOR_MODE"); v != "" {
		c.ExecutorMode = v
	}
	if v := os.Getenv("TASK_RUNTIME_PATH"); v != "" {
		c.RuntimePath = v
	}
	if v := os.Getenv("TASK_KILL_GRACE_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.KillGracePeriod = d
		} else {
			klog.ErrorS(err, "ignoring invalid duration", "env", "TASK_KILL_GRACE_PERIOD")
		}
	}
	if v := os.Getenv("TASK_STORE_LOGS"); v == "true" {
		c.StoreLogs = true
	}
	if v := os.Getenv("TASK_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrentTasks = n
		} else {
			klog.ErrorS(err, "ignoring invalid number", "env", "TASK_MAX_CONCURRENT")
		}
	}
	if v := os.Getenv("TASK_INPUT_SPACE"); v != "" {
		c.Spaces.Input = v
	}
	if v := os.Getenv("TASK_OUTPUT_SPACE"); v != "" {
		c.Spaces.Output = v
	}
	if v := os.Getenv("TASK_GLOBAL_SPACE"); v != "" {
		c.Spaces.Global = v
	}
	if v := os.Getenv("TASK_USER_SPACE"); v != "" {
		c.Spaces.User = v
	}
	if v := os.Getenv("CONTAINER_ENGINE"); v != "" {
		c.Container.EngineBinary = v
	}
	if v := os.Getenv("CONTAINER_SUDO"); v != "" {
		c.Container.SudoBinary = v
	}
	if v := os.Getenv("CONTAINER_USE_SUDO"); v == "true" {
		c.Container.UseSudo = true
	}
	if v := os.Getenv("CONTAINER_IMAGE"); v != "" {
		c.Container.Image = v
	}
	if v := os.Getenv("CONTAINER_HOME_MOUNT"); v != "" {
		c.Container.HomeMount = v
	}
	if v := os.Getenv("CONTAINER_ENTRYPOINT"); v != "" {
		c.Container.EntryPoint = v
	}
	if v := os.Getenv("CONTAINER_MAX_TIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Container.MaxTime = d
		} else {
			klog.ErrorS(err, "ignoring invalid duration", "env", "CONTAINER_MAX_TIME")
		}
	}
}

// AddFlags registers the configuration flags on fs, using the current values as defaults.
func (c *Config) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "task result storage directory")
	fs.StringVar(&c.WorkDir, "work-dir", c.WorkDir, "directory holding scratch and fork work directories")
	fs.StringVar(&c.ExecutorMode, "executor-mode", c.ExecutorMode, "task executor: nonforked, forked or container")
	fs.StringVar(&c.RuntimePath, "runtime-path", c.RuntimePath, "binary used to run forked tasks, defaults to this executable")
	fs.StringSliceVar(&c.RuntimeArgs, "runtime-arg", c.RuntimeArgs, "extra argument passed to the forked runtime")
	fs.StringSliceVar(&c.ForkEnv, "fork-env", c.ForkEnv, "extra KEY=VALUE environment for forked tasks")
	fs.DurationVar(&c.KillGracePeriod, "kill-grace-period", c.KillGracePeriod, "time given to a task between SIGTERM and SIGKILL")
	fs.BoolVar(&c.StoreLogs, "store-logs", c.StoreLogs, "persist task logs into the scratch directory")
	fs.IntVar(&c.MaxConcurrentTasks, "max-concurrent-tasks", c.MaxConcurrentTasks, "maximum number of tasks running at once")
	fs.StringVar(&c.Spaces.Input, "input-space", c.Spaces.Input, "input dataspace root")
	fs.StringVar(&c.Spaces.Output, "output-space", c.Spaces.Output, "output dataspace root")
	fs.StringVar(&c.Spaces.Global, "global-space", c.Spaces.Global, "global dataspace root")
	fs.StringVar(&c.Spaces.User, "user-space", c.Spaces.User, "user dataspace root")
	fs.StringVar(&c.Container.EngineBinary, "container-engine", c.Container.EngineBinary, "container engine binary")
	fs.StringVar(&c.Container.SudoBinary, "container-sudo", c.Container.SudoBinary, "sudo binary used with the container engine")
	fs.BoolVar(&c.Container.UseSudo, "container-use-sudo", c.Container.UseSudo, "run the container engine through sudo")
	fs.StringVar(&c.Container.Image, "container-image", c.Container.Image, "image used for containerized tasks")
	fs.StringVar(&c.Container.HomeMount, "container-home-mount", c.Container.HomeMount, "mount point of the runtime home inside the container")
	fs.StringVar(&c.Container.EntryPoint, "container-entrypoint", c.Container.EntryPoint, "runtime binary inside the container")
	fs.DurationVar(&c.Container.MaxTime, "container-max-time", c.Container.MaxTime, "ceiling on container run time, 0 for none")
}

var validate = validator.New()

// Validate checks the configuration after all sources have been applied.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
