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

package flow

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/btrplex/btrsync/pkg/cowcmd"
	"github.com/btrplex/btrsync/pkg/cowerrs"
)

func sh(script string) cowcmd.Cmd {
	return cowcmd.New("sh", "-c", script)
}

func TestFlowTwoStageSuccess(t *testing.T) {
	p, err := cowcmd.NewPipeline(sh("printf hello"), sh("cat"))
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	var out bytes.Buffer
	f := New(p, WithExternalOutput(&out))
	result, err := f.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success() {
		t.Fatalf("expected success, got %+v", result.Stages)
	}
	if out.String() != "hello" {
		t.Fatalf("expected %q, got %q", "hello", out.String())
	}
}

func TestFlowExternalInput(t *testing.T) {
	p, err := cowcmd.NewPipeline(sh("cat"))
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	var out bytes.Buffer
	f := New(p, WithExternalInput(strings.NewReader("abc123")), WithExternalOutput(&out))
	result, err := f.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success() {
		t.Fatalf("expected success, got %+v", result.Stages)
	}
	if out.String() != "abc123" {
		t.Fatalf("expected %q, got %q", "abc123", out.String())
	}
}

// S6: when stage 0 fails, its stderr is reported as the primary cause even
// though stage 1 also exits nonzero, and every stage's info survives in
// the structured result.
func TestFlowFirstFailureReporting(t *testing.T) {
	p, err := cowcmd.NewPipeline(sh("echo oops 1>&2; exit 3"), sh("exit 141"))
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	f := New(p)
	result, err := f.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Success() {
		t.Fatal("expected failure")
	}
	first := result.FirstFailure()
	if first == nil {
		t.Fatal("expected a first failure")
	}
	if first.Index != 0 {
		t.Fatalf("expected first failure at stage 0, got %d", first.Index)
	}
	if !strings.Contains(first.Stderr, "oops") {
		t.Fatalf("expected stage 0 stderr to contain %q, got %q", "oops", first.Stderr)
	}
	if len(result.Stages) != 2 {
		t.Fatalf("expected 2 stage results, got %d", len(result.Stages))
	}
	if result.Stages[1].ExitCode != 141 {
		t.Fatalf("expected stage 1 exit code 141, got %d", result.Stages[1].ExitCode)
	}
}

func TestFlowSpawnFailureTerminatesStartedStages(t *testing.T) {
	p, err := cowcmd.NewPipeline(sh("sleep 5"), cowcmd.New("definitely-not-a-real-executable-xyz"))
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	f := New(p)
	_, err = f.Run(context.Background())
	if err == nil {
		t.Fatal("expected a spawn error")
	}
	var spawnErr *cowerrs.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected a SpawnError, got %T: %v", err, err)
	}
	if spawnErr.Stage != 1 {
		t.Fatalf("expected failure at stage 1, got %d", spawnErr.Stage)
	}
}

// A stage exiting nonzero must escalate a hung sibling even when ctx is
// never cancelled: stage 1 ignores the broken pipe left by stage 0's exit
// and just sleeps, so only the failure-triggered escalation in Run can ever
// unblock it.
func TestFlowEscalatesOnStageFailureWithoutCancellation(t *testing.T) {
	p, err := cowcmd.NewPipeline(sh("exit 3"), sh("sleep 5"))
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	f := New(p, WithShutdownGrace(50*time.Millisecond))

	start := time.Now()
	result, err := f.Run(context.Background())
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Success() {
		t.Fatalf("expected failure, got %+v", result.Stages)
	}
	if result.Cancelled {
		t.Fatalf("expected Cancelled to stay false for a failure-driven escalation")
	}
	if elapsed > 3*time.Second {
		t.Fatalf("escalation took too long: %s", elapsed)
	}
}

func TestFlowCancellation(t *testing.T) {
	p, err := cowcmd.NewPipeline(sh("sleep 5"), sh("cat"))
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	f := New(p, WithShutdownGrace(50*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	result, err := f.Run(ctx)
	elapsed := time.Since(start)

	if !errors.Is(err, cowerrs.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if result == nil || !result.Cancelled {
		t.Fatalf("expected Cancelled result, got %+v", result)
	}
	if elapsed > 3*time.Second {
		t.Fatalf("cancellation took too long: %s", elapsed)
	}
}
