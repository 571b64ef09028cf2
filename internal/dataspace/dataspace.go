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

// Package dataspace stages task files between the shared dataspaces and the task's
// scratch directory.
package dataspace

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/alibaba/OpenSandbox/task-launcher/internal/config"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/types"
	"github.com/alibaba/OpenSandbox/task-launcher/internal/utils"
)

// Pattern tags replaced in selector patterns.
const (
	IterationTag   = "$IT"
	ReplicationTag = "$REP"
	JobIDTag       = "$JID"
)

const transferWorkers = 5

// Dataspaces copies selected files into and out of a scratch directory. Copies stop
// when ctx is cancelled and return the cancellation cause.
type Dataspaces interface {
	ScratchDir() string
	CopyInputDataToScratch(ctx context.Context, selectors []types.InputSelector) error
	CopyScratchDataToOutput(ctx context.Context, selectors []types.OutputSelector) error
}

// Tags are the values substituted for the pattern tags.
type Tags struct {
	JobID       string
	Iteration   int
	Replication int
}

// TagsFor returns the tags of a task attempt.
func TagsFor(in types.Initializer) Tags {
	return Tags{JobID: in.TaskID.JobID, Iteration: in.IterationIndex, Replication: in.ReplicationIndex}
}

func (t Tags) apply(pattern string) string {
	return strings.NewReplacer(
		IterationTag, strconv.Itoa(t.Iteration),
		ReplicationTag, strconv.Itoa(t.Replication),
		JobIDTag, t.JobID,
	).Replace(pattern)
}

type local struct {
	spaces  config.SpacesConfig
	scratch string
	tags    Tags
}

// NewLocal returns dataspaces backed by local directories. The scratch directory is created.
func NewLocal(spaces config.SpacesConfig, scratch string, tags Tags) (Dataspaces, error) {
	if scratch == "" {
		return nil, fmt.Errorf("scratch directory cannot be empty")
	}
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	return &local{spaces: spaces, scratch: scratch, tags: tags}, nil
}

func (l *local) ScratchDir() string {
	return l.scratch
}

func (l *local) CopyInputDataToScratch(ctx context.Context, selectors []types.InputSelector) error {
	var transfers []transfer
	for _, sel := range selectors {
		root, err := l.inputRoot(sel.Mode)
		if err != nil {
			return err
		}
		if root == "" {
			continue
		}
		found, err := l.match(ctx, root, l.scratch, sel.Includes, sel.Excludes)
		if err != nil {
			return fmt.Errorf("failed to select input files from %s space: %w", sel.Mode, err)
		}
		transfers = append(transfers, found...)
	}
	return l.run(ctx, "input", transfers)
}

func (l *local) CopyScratchDataToOutput(ctx context.Context, selectors []types.OutputSelector) error {
	var transfers []transfer
	for _, sel := range selectors {
		root, err := l.outputRoot(sel.Mode)
		if err != nil {
			return err
		}
		if root == "" {
			continue
		}
		found, err := l.match(ctx, l.scratch, root, sel.Includes, sel.Excludes)
		if err != nil {
			return fmt.Errorf("failed to select output files for %s space: %w", sel.Mode, err)
		}
		transfers = append(transfers, found...)
	}
	return l.run(ctx, "output", transfers)
}

func (l *local) inputRoot(mode types.InputMode) (string, error) {
	var root string
	switch mode {
	case types.NoInput:
		return "", nil
	case types.FromInputSpace:
		root = l.spaces.Input
	case types.FromOutputSpace:
		root = l.spaces.Output
	case types.FromGlobalSpace:
		root = l.spaces.Global
	case types.FromUserSpace:
		root = l.spaces.User
	default:
		return "", fmt.Errorf("unknown input mode %q", mode)
	}
	if root == "" {
		return "", fmt.Errorf("%s space is not configured", mode)
	}
	return root, nil
}

func (l *local) outputRoot(mode types.OutputMode) (string, error) {
	var root string
	switch mode {
	case types.NoOutput:
		return "", nil
	case types.ToOutputSpace:
		root = l.spaces.Output
	case types.ToGlobalSpace:
		root = l.spaces.Global
	case types.ToUserSpace:
		root = l.spaces.User
	default:
		return "", fmt.Errorf("unknown output mode %q", mode)
	}
	if root == "" {
		return "", fmt.Errorf("%s space is not configured", mode)
	}
	return root, nil
}

type transfer struct {
	src string
	dst string
}

// match lists the regular files under srcRoot selected by includes and not by excludes,
// paired with their destination under dstRoot.
func (l *local) match(ctx context.Context, srcRoot, dstRoot string, includes, excludes []string) ([]transfer, error) {
	tagged := make([]string, len(excludes))
	for i, pattern := range excludes {
		tagged[i] = l.tags.apply(pattern)
	}
	selected := make(map[string]struct{})
	fsys := os.DirFS(srcRoot)
	for _, include := range includes {
		pattern := l.tags.apply(include)
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid pattern %q", include)
		}
		err := doublestar.GlobWalk(fsys, pattern, func(p string, d fs.DirEntry) error {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			if d.IsDir() || excluded(p, tagged) {
				return nil
			}
			selected[p] = struct{}{}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	transfers := make([]transfer, 0, len(selected))
	for p := range selected {
		dst, err := utils.SafeJoin(dstRoot, filepath.FromSlash(p))
		if err != nil {
			return nil, fmt.Errorf("invalid destination for %s: %w", p, err)
		}
		transfers = append(transfers, transfer{src: filepath.Join(srcRoot, filepath.FromSlash(p)), dst: dst})
	}
	sort.Slice(transfers, func(i, j int) bool { return transfers[i].src < transfers[j].src })
	return transfers, nil
}

func excluded(p string, excludes []string) bool {
	for _, pattern := range excludes {
		if ok, _ := doublestar.Match(pattern, p); ok {
			return true
		}
	}
	return false
}

// run copies the files with a bounded number of workers. The first failure cancels the rest.
func (l *local) run(ctx context.Context, direction string, transfers []transfer) error {
	if len(transfers) == 0 {
		return nil
	}
	klog.V(2).InfoS("staging files", "direction", direction, "files", len(transfers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(transferWorkers)
	for _, t := range transfers {
		if gctx.Err() != nil {
			break
		}
		t := t
		g.Go(func() error {
			return copyFile(gctx, t.src, t.dst)
		})
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to stage %s files: %w", direction, err)
	}
	klog.InfoS("staged files", "direction", direction, "files", len(transfers))
	return nil
}

func copyFile(ctx context.Context, src, dst string) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, &ctxReader{ctx: ctx, r: in}); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}

// ctxReader stops reading once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if c.ctx.Err() != nil {
		return 0, context.Cause(c.ctx)
	}
	return c.r.Read(p)
}

type none struct {
	scratch string
}

// None returns dataspaces that only provide a scratch directory and copy nothing.
func None(scratch string) Dataspaces {
	return none{scratch: scratch}
}

func (n none) ScratchDir() string {
	return n.scratch
}

func (n none) CopyInputDataToScratch(ctx context.Context, _ []types.InputSelector) error {
	return context.Cause(ctx)
}

func (n none) CopyScratchDataToOutput(ctx context.Context, _ []types.OutputSelector) error {
	return context.Cause(ctx)
}
