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

// Package container builds the container engine command lines used to run forked
// tasks inside a container.
package container

import (
	"github.com/alibaba/OpenSandbox/task-launcher/internal/config"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/utils"
)

type volume struct {
	local     string
	container string
}

// Builder produces the start, stop and remove commands of one named container.
type Builder struct {
	cfg     config.ContainerConfig
	name    string
	volumes []volume
}

// NewBuilder returns a builder for the container called name.
func NewBuilder(cfg config.ContainerConfig, name string) *Builder {
	return &Builder{cfg: cfg, name: name}
}

// Name returns the container name.
func (b *Builder) Name() string {
	return b.name
}

// AddVolumeDirectory mounts the local directory at containerPath. Mounts appear in the
// start command in the order they were added. An empty containerPath mounts the directory
// at the same path.
func (b *Builder) AddVolumeDirectory(localPath, containerPath string) {
	if containerPath == "" {
		containerPath = localPath
	}
	b.volumes = append(b.volumes, volume{
		local:     utils.ContainerPath(localPath),
		container: utils.ContainerPath(containerPath),
	})
}

// HomeMount returns where the home directory appears inside the container.
func (b *Builder) HomeMount() string {
	if b.cfg.HomeMount == "" {
		return utils.ContainerPath(b.cfg.HomeDir)
	}
	return utils.ContainerPath(b.cfg.HomeMount)
}

// Start returns the command starting the container and running entryPoint with args in it.
// The home directory is mounted read-only and the container is removed when it exits.
func (b *Builder) Start(entryPoint string, args ...string) []string {
	cmd := b.prefix()
	cmd = append(cmd, "run", "--rm")
	if b.cfg.HomeDir != "" {
		cmd = append(cmd, "-v", utils.ContainerPath(b.cfg.HomeDir)+":"+b.HomeMount()+":ro")
	}
	for _, v := range b.volumes {
		cmd = append(cmd, "-v", v.local+":"+v.container)
	}
	cmd = append(cmd, "--name", b.name, b.cfg.Image, entryPoint)
	return append(cmd, args...)
}

// Stop returns the command killing the container.
func (b *Builder) Stop() []string {
	return append(b.prefix(), "kill", b.name)
}

// Remove returns the command removing the container.
func (b *Builder) Remove() []string {
	return append(b.prefix(), "rm", b.name)
}

func (b *Builder) prefix() []string {
	if b.cfg.UseSudo {
		return []string{b.cfg.SudoBinary, b.cfg.EngineBinary}
	}
	return []string{b.cfg.EngineBinary}
}
