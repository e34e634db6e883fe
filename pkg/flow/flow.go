/*
This file is part of btrsync.

Btrsync is free software: you can redistribute it and/or modify it under the terms of the
GNU Lesser General Public License as published by the Free Software Foundation, either
version 3 of the License, or (at your option) any later version.

Btrsync is distributed in the hope that it will be useful, but WITHOUT ANY WARRANTY;
without even the implied warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
See the GNU Lesser General Public License for more details.

You should have received a copy of the GNU Lesser General Public License along with btrsync.
If not, see <https://www.gnu.org/licenses/>.
*/

// Package flow materializes a cowcmd.Pipeline into running OS processes,
// wires stdin/stdout between adjacent stages with direct pipe fd-sharing,
// and pumps bytes across any non-pipeable boundary (an external reader or
// writer bridging into the first or last stage).
package flow

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/btrplex/btrsync/pkg/cowcmd"
	"github.com/btrplex/btrsync/pkg/cowerrs"
)

// defaultShutdownGrace is how long a Flow waits after SIGTERM before
// escalating to SIGKILL, both on a losing stage after another stage fails
// and on cancellation.
const defaultShutdownGrace = 5 * time.Second

// Option configures a Flow.
type Option func(*config)

type config struct {
	externalIn    io.Reader
	externalOut   io.Writer
	shutdownGrace time.Duration
	progress      func(int64)
}

// WithExternalInput feeds r into stage 0's stdin instead of inheriting it,
// via a pump (splice when possible) rather than a direct pipe share --
// used when the byte source is not itself a process (e.g. a dump file).
func WithExternalInput(r io.Reader) Option {
	return func(c *config) { c.externalIn = r }
}

// WithExternalOutput drains the last stage's stdout into w instead of
// inheriting it.
func WithExternalOutput(w io.Writer) Option {
	return func(c *config) { c.externalOut = w }
}

// WithShutdownGrace overrides how long a Flow waits between SIGTERM and
// SIGKILL when winding down after a failure or cancellation.
func WithShutdownGrace(d time.Duration) Option {
	return func(c *config) { c.shutdownGrace = d }
}

// WithProgress registers a callback invoked with the cumulative byte count
// pumped across an external boundary (stage-to-stage pipes are not
// instrumented: the kernel moves those bytes without our involvement).
func WithProgress(f func(int64)) Option {
	return func(c *config) { c.progress = f }
}

// Flow runs one cowcmd.Pipeline to completion.
type Flow struct {
	pipeline cowcmd.Pipeline
	cfg      config
}

// New returns a Flow ready to run p.
func New(p cowcmd.Pipeline, opts ...Option) *Flow {
	f := &Flow{
		pipeline: p,
		cfg:      config{shutdownGrace: defaultShutdownGrace},
	}
	for _, opt := range opts {
		opt(&f.cfg)
	}
	return f
}

// StageResult captures one stage's outcome.
type StageResult struct {
	Index     int
	Argv      []string
	ExitCode  int
	Stderr    string
	Truncated bool
}

// Success reports whether this stage exited zero.
func (r StageResult) Success() bool {
	return r.ExitCode == 0
}

// Result is the structured outcome of a completed or aborted Flow.
type Result struct {
	Stages    []StageResult
	Cancelled bool
	// firstFailed is the index of the earliest-stage-index nonzero exit,
	// or -1 if every stage succeeded.
	firstFailed int
}

// Success reports whether every stage exited zero.
func (r *Result) Success() bool {
	return r.firstFailed < 0
}

// FirstFailure returns the earliest-stage-index failure, or nil if the
// Flow succeeded. Per the spec's first-failure-reporting rule, this is
// always reported as the primary cause even when a later stage also
// failed (e.g. with a more visible SIGPIPE exit) -- the full list of
// stages, including every later failure, remains in Stages.
func (r *Result) FirstFailure() *StageResult {
	if r.firstFailed < 0 {
		return nil
	}
	return &r.Stages[r.firstFailed]
}

type pipeEnds struct {
	r, w *os.File
}

// Run spawns every stage, wires them together, and blocks until all exit
// or ctx is cancelled. Internal stage-to-stage stdio is always wired as a
// direct OS pipe regardless of what a stage's Cmd declares; a boundary
// byte source or sink (a dump file, an in-process transform) is supplied
// through WithExternalInput/WithExternalOutput, not through a stage's own
// StreamSpec -- the pipeline's first and last stages otherwise inherit
// this process's stdin/stdout.
func (f *Flow) Run(ctx context.Context) (*Result, error) {
	n := len(f.pipeline)
	if n == 0 {
		return nil, cowerrs.NewConfigurationError("flow.Run", "empty pipeline")
	}

	internal := make([]pipeEnds, n-1)
	for i := range internal {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("flow: creating internal pipe %d: %w", i, err)
		}
		internal[i] = pipeEnds{r: r, w: w}
	}

	var extInR, extInW *os.File
	if f.cfg.externalIn != nil {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("flow: creating external-input pipe: %w", err)
		}
		extInR, extInW = r, w
	}

	var extOutR, extOutW *os.File
	if f.cfg.externalOut != nil {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("flow: creating external-output pipe: %w", err)
		}
		extOutR, extOutW = r, w
	}

	stages := make([]*runningStage, 0, n)
	var parentOwned []*os.File // fds the parent must close once every child has started

	allPipeFiles := func() []*os.File {
		var out []*os.File
		for _, pe := range internal {
			out = append(out, pe.r, pe.w)
		}
		for _, f := range []*os.File{extInR, extInW, extOutR, extOutW} {
			if f != nil {
				out = append(out, f)
			}
		}
		return out
	}

	// cleanupOnSpawnFailure runs when some stage fails to start: it
	// terminates every already-started stage and releases every pipe fd
	// this process holds, matching spec's "any spawn failure kills
	// already-started stages" rule.
	cleanupOnSpawnFailure := func() {
		for _, rs := range stages {
			_ = rs.cmd.Process.Signal(syscall.SIGTERM)
			go func(rs *runningStage) { _, _ = rs.cmd.Process.Wait() }(rs)
			rs.closeParentStderrWrite()
		}
		for _, pf := range allPipeFiles() {
			_ = pf.Close()
		}
	}

	for i, c := range f.pipeline {
		var stdin, stdout *os.File
		switch {
		case i == 0 && extInR != nil:
			stdin = extInR
		case i == 0:
			stdin = os.Stdin
		default:
			stdin = internal[i-1].r
		}
		switch {
		case i == n-1 && extOutW != nil:
			stdout = extOutW
		case i == n-1:
			stdout = os.Stdout
		default:
			stdout = internal[i].w
		}

		rs, err := buildStage(i, c, stdin, stdout)
		if err != nil {
			cleanupOnSpawnFailure()
			return nil, err
		}
		if err := rs.cmd.Start(); err != nil {
			rs.closeParentStderrWrite()
			cleanupOnSpawnFailure()
			return nil, &cowerrs.SpawnError{Stage: i, Argv: rs.argv, Err: err}
		}
		stages = append(stages, rs)
	}

	// Every internal/external pipe end has now been dup'd into whichever
	// child needed it. The parent must drop its own references so that
	// EOF propagates once the writing stage exits.
	for _, pe := range internal {
		parentOwned = append(parentOwned, pe.r, pe.w)
	}
	if extInR != nil {
		parentOwned = append(parentOwned, extInR)
	}
	if extOutW != nil {
		parentOwned = append(parentOwned, extOutW)
	}
	for _, rs := range stages {
		rs.closeParentStderrWrite()
	}

	var pumpWG sync.WaitGroup
	if extInW != nil {
		pumpWG.Add(1)
		go func() {
			defer pumpWG.Done()
			defer extInW.Close()
			_ = pump(extInW, f.cfg.externalIn, f.cfg.progress)
		}()
	}
	if extOutR != nil {
		pumpWG.Add(1)
		go func() {
			defer pumpWG.Done()
			defer extOutR.Close()
			_ = pump(f.cfg.externalOut, extOutR, f.cfg.progress)
		}()
	}

	for _, fd := range parentOwned {
		_ = fd.Close()
	}

	result := &Result{firstFailed: -1}
	waitErrs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)

	// failed closes the first time any stage's Wait returns a nonzero exit,
	// independent of ctx: a sibling stage that ignores a broken pipe and
	// blocks forever must not prevent the shutdown escalation spec's stage
	// lifecycle requires after any failure.
	failed := make(chan struct{})
	var failedOnce sync.Once
	for i, rs := range stages {
		go func(i int, rs *runningStage) {
			defer wg.Done()
			waitErrs[i] = rs.cmd.Wait()
			rs.waitStderrCaptured()
			if exitErr, ok := waitErrs[i].(*exec.ExitError); ok && exitErr.ExitCode() != 0 {
				failedOnce.Do(func() { close(failed) })
			}
		}(i, rs)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var escalateOnce sync.Once
	escalate := func() { escalateOnce.Do(func() { f.escalate(stages) }) }

	select {
	case <-done:
	case <-ctx.Done():
		result.Cancelled = true
		escalate()
		<-done
	case <-failed:
		escalate()
		<-done
	}

	pumpWG.Wait()

	for i, rs := range stages {
		sr := StageResult{
			Index:     i,
			Argv:      rs.argv,
			Stderr:    rs.stderr.String(),
			Truncated: rs.stderr.Truncated(),
		}
		if exitErr, ok := waitErrs[i].(*exec.ExitError); ok {
			sr.ExitCode = exitErr.ExitCode()
		} else if waitErrs[i] != nil {
			sr.ExitCode = -1
		}
		result.Stages = append(result.Stages, sr)
		if !sr.Success() && result.firstFailed < 0 {
			result.firstFailed = i
		}
	}

	if result.Cancelled {
		return result, cowerrs.ErrCancelled
	}
	return result, nil
}

// escalate sends SIGTERM to every still-running stage, waits the
// configured grace period, then sends SIGKILL to any survivor.
func (f *Flow) escalate(stages []*runningStage) {
	for _, rs := range stages {
		_ = rs.cmd.Process.Signal(syscall.SIGTERM)
	}
	timer := time.NewTimer(f.cfg.shutdownGrace)
	defer timer.Stop()
	<-timer.C
	for _, rs := range stages {
		if rs.cmd.ProcessState == nil {
			_ = rs.cmd.Process.Kill()
		}
	}
}
