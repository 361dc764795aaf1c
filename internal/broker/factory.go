// Copyright 2025 Arion Yau
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

package broker

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"remus/internal/protocol"
)

// WorkerFactory is the broker's pluggable policy for producing new worker
// processes on demand. The broker never knows what a "worker" is beyond this
// capability set; it treats the factory as an asynchronous hint that more
// peers may appear.
type WorkerFactory interface {
	SupportedRequirements() []protocol.JobRequirements
	CanLaunch(reqs protocol.JobRequirements) bool
	Launch(reqs protocol.JobRequirements) bool
	UpdateCounts()
	MaxWorkers() int
	CurrentWorkers() int
}

// QueueEverythingFactory is a test double: it reports CanLaunch = true for
// any requirements but never actually starts a process, so the broker queues
// indefinitely. It advertises no SupportedRequirements, so CAN_MESH against
// it answers from the worker pool alone.
type QueueEverythingFactory struct{}

func (QueueEverythingFactory) SupportedRequirements() []protocol.JobRequirements { return nil }
func (QueueEverythingFactory) CanLaunch(protocol.JobRequirements) bool           { return true }
func (QueueEverythingFactory) Launch(protocol.JobRequirements) bool              { return false }
func (QueueEverythingFactory) UpdateCounts()                                     {}
func (QueueEverythingFactory) MaxWorkers() int                                  { return 0 }
func (QueueEverythingFactory) CurrentWorkers() int                              { return 0 }

// descriptor is a single worker-spawning rule read from a descriptor file:
// input type, output type, worker name, and the executable (plus arguments)
// to launch. The exact on-disk format is factory-implementation-defined; the
// broker never parses it (§6 Environment).
type descriptor struct {
	InputType  string
	OutputType string
	Worker     string
	Executable string
	Args       []string
}

func (d descriptor) requirements() protocol.JobRequirements {
	return protocol.JobRequirements{
		MeshType:   protocol.MeshIOType{InputType: d.InputType, OutputType: d.OutputType},
		WorkerName: d.Worker,
	}
}

// DirectoryFactory is the default WorkerFactory: it scans a directory for
// descriptor files and spawns a subprocess per launch, live-reloading the
// directory via fsnotify so new descriptors become launchable without a
// broker restart.
type DirectoryFactory struct {
	dir    string
	max    int
	logger zerolog.Logger

	mu          sync.Mutex
	descriptors map[string]descriptor // requirements key -> descriptor
	running     map[string]*exec.Cmd  // requirements key + "#" + pid -> running process; deleted once reaped

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewDirectoryFactory creates a DirectoryFactory rooted at dir with at most
// max simultaneous children. It performs an initial scan synchronously; call
// Watch to start live-reloading.
func NewDirectoryFactory(dir string, max int, logger zerolog.Logger) (*DirectoryFactory, error) {
	f := &DirectoryFactory{
		dir:         dir,
		max:         max,
		logger:      logger,
		descriptors: make(map[string]descriptor),
		running:     make(map[string]*exec.Cmd),
	}
	if err := f.rescan(); err != nil {
		return nil, fmt.Errorf("failed to scan descriptor directory: %w", err)
	}
	return f, nil
}

// Watch starts an fsnotify watch on the descriptor directory, rescanning on
// any create/write/remove. It returns immediately; the watch runs in its own
// goroutine until Close is called.
func (f *DirectoryFactory) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create descriptor watcher: %w", err)
	}
	if err := w.Add(f.dir); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch descriptor directory %s: %w", f.dir, err)
	}
	f.watcher = w
	f.done = make(chan struct{})
	go f.watchLoop()
	return nil
}

func (f *DirectoryFactory) watchLoop() {
	for {
		select {
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := f.rescan(); err != nil {
				f.logger.Warn().Err(err).Msg("failed to rescan descriptor directory")
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn().Err(err).Msg("descriptor watcher error")
		case <-f.done:
			return
		}
	}
}

// Close stops the fsnotify watch, if running.
func (f *DirectoryFactory) Close() error {
	if f.done != nil {
		close(f.done)
	}
	if f.watcher != nil {
		return f.watcher.Close()
	}
	return nil
}

func (f *DirectoryFactory) rescan() error {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return err
	}

	descriptors := make(map[string]descriptor)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		d, err := parseDescriptorFile(filepath.Join(f.dir, entry.Name()))
		if err != nil {
			f.logger.Warn().Err(err).Str("file", entry.Name()).Msg("skipping unparseable descriptor")
			continue
		}
		descriptors[d.requirements().Key()] = d
	}

	f.mu.Lock()
	f.descriptors = descriptors
	f.mu.Unlock()
	return nil
}

// parseDescriptorFile reads a simple key=value descriptor: lines of
// input_type/output_type/worker_name/executable/args, blank lines and lines
// starting with '#' ignored.
func parseDescriptorFile(path string) (descriptor, error) {
	file, err := os.Open(path)
	if err != nil {
		return descriptor{}, err
	}
	defer file.Close()

	var d descriptor
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "input_type":
			d.InputType = value
		case "output_type":
			d.OutputType = value
		case "worker_name":
			d.Worker = value
		case "executable":
			d.Executable = value
		case "args":
			if value != "" {
				d.Args = strings.Fields(value)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return descriptor{}, err
	}
	if d.Executable == "" {
		return descriptor{}, fmt.Errorf("descriptor %s missing executable", path)
	}
	return d, nil
}

// SupportedRequirements returns the requirement classes this factory knows
// how to launch, per the currently-scanned descriptors.
func (f *DirectoryFactory) SupportedRequirements() []protocol.JobRequirements {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.JobRequirements, 0, len(f.descriptors))
	for _, d := range f.descriptors {
		out = append(out, d.requirements())
	}
	return out
}

// CanLaunch reports whether a descriptor exists for reqs and the cap hasn't
// been reached.
func (f *DirectoryFactory) CanLaunch(reqs protocol.JobRequirements) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.descriptors[reqs.Key()]
	return ok && len(f.running) < f.max
}

// Launch spawns a subprocess for reqs, returning whether a process was
// started (not whether it has connected to the broker yet).
func (f *DirectoryFactory) Launch(reqs protocol.JobRequirements) bool {
	f.mu.Lock()
	d, ok := f.descriptors[reqs.Key()]
	if !ok || len(f.running) >= f.max {
		f.mu.Unlock()
		return false
	}
	f.mu.Unlock()

	cmd := exec.Command(d.Executable, d.Args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		f.logger.Warn().Err(err).Str("executable", d.Executable).Msg("failed to launch worker process")
		return false
	}

	key := reqs.Key() + "#" + fmt.Sprint(cmd.Process.Pid)
	f.mu.Lock()
	f.running[key] = cmd
	f.mu.Unlock()

	// A dedicated goroutine owns reaping this child so UpdateCounts never
	// blocks the router core; it only removes the bookkeeping entry once
	// the process has actually exited.
	go func() {
		_ = cmd.Wait()
		f.mu.Lock()
		delete(f.running, key)
		f.mu.Unlock()
	}()

	f.logger.Info().Str("executable", d.Executable).Int("pid", cmd.Process.Pid).Msg("launched worker process")
	return true
}

// UpdateCounts is a no-op: child processes are reaped as soon as they exit
// by the goroutine spawned in Launch. It exists to satisfy WorkerFactory for
// factory implementations that do need a polled reap.
func (f *DirectoryFactory) UpdateCounts() {}

// MaxWorkers returns the cap on simultaneous children.
func (f *DirectoryFactory) MaxWorkers() int {
	return f.max
}

// CurrentWorkers returns the observable count of running children.
func (f *DirectoryFactory) CurrentWorkers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.running)
}
