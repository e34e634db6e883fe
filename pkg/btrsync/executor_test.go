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

package btrsync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/btrplex/btrsync/pkg/cowcmd"
	"github.com/btrplex/btrsync/pkg/cowerrs"
	"github.com/btrplex/btrsync/pkg/cowroot"
	"github.com/btrplex/btrsync/pkg/cowtree"
	"github.com/btrplex/btrsync/pkg/transfer"
)

type fakeRoot struct {
	name   string
	caps   cowroot.Capabilities
	listFn func(context.Context) ([]*cowtree.Vol, error)
	sendFn func(vol, parent *cowtree.Vol, clones []*cowtree.Vol) (cowcmd.Cmd, error)
	recvFn func(dstPath string) (cowcmd.Cmd, error)
}

func (f *fakeRoot) Name() string                            { return f.name }
func (f *fakeRoot) Capabilities() cowroot.Capabilities       { return f.caps }
func (f *fakeRoot) List(ctx context.Context) ([]*cowtree.Vol, error) { return f.listFn(ctx) }
func (f *fakeRoot) SendCmd(vol, parent *cowtree.Vol, clones []*cowtree.Vol) (cowcmd.Cmd, error) {
	return f.sendFn(vol, parent, clones)
}
func (f *fakeRoot) ReceiveCmd(dstPath string) (cowcmd.Cmd, error) { return f.recvFn(dstPath) }

func sh(script string) cowcmd.Cmd { return cowcmd.New("sh", "-c", script) }

func TestRunCompletesFullTransfer(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	src := &fakeRoot{
		name: "src",
		sendFn: func(vol, parent *cowtree.Vol, clones []*cowtree.Vol) (cowcmd.Cmd, error) {
			return sh("printf hello"), nil
		},
	}
	dst := &fakeRoot{
		name: "dst",
		recvFn: func(dstPath string) (cowcmd.Cmd, error) {
			return sh("cat > " + dstPath), nil
		},
	}
	plan := &transfer.Plan{Src: &cowtree.Vol{Path: "vol/a", RO: true}, DstPath: out}

	result := New(src, dst).Run(context.Background(), []*transfer.Plan{plan}, nil)

	if len(result.Completed) != 1 {
		t.Fatalf("expected one completed plan, got %+v", result)
	}
	if result.Aborted != nil || result.Cancelled {
		t.Fatalf("unexpected abort/cancel: %+v", result)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("unexpected output contents: %q", data)
	}
}

func TestRunRecordsFailureAndContinues(t *testing.T) {
	src := &fakeRoot{
		name: "src",
		sendFn: func(vol, parent *cowtree.Vol, clones []*cowtree.Vol) (cowcmd.Cmd, error) {
			if vol.Path == "vol/bad" {
				return sh("echo oops 1>&2; exit 3"), nil
			}
			return sh("printf ok"), nil
		},
	}
	dst := &fakeRoot{
		name: "dst",
		recvFn: func(dstPath string) (cowcmd.Cmd, error) {
			return sh("cat > " + dstPath), nil
		},
	}
	bad := &transfer.Plan{Src: &cowtree.Vol{Path: "vol/bad", RO: true}, DstPath: filepath.Join(t.TempDir(), "bad-out")}
	good := &transfer.Plan{Src: &cowtree.Vol{Path: "vol/good", RO: true}, DstPath: filepath.Join(t.TempDir(), "good-out")}

	result := New(src, dst).Run(context.Background(), []*transfer.Plan{bad, good}, nil)

	if len(result.Failed) != 1 {
		t.Fatalf("expected one failed plan, got %+v", result.Failed)
	}
	if result.Failed[0].FirstFailedStage != 0 {
		t.Fatalf("expected failure at stage 0, got %d", result.Failed[0].FirstFailedStage)
	}
	if !strings.Contains(result.Failed[0].FirstFailedStderr, "oops") {
		t.Fatalf("expected stderr to contain oops, got %q", result.Failed[0].FirstFailedStderr)
	}
	if len(result.Completed) != 1 {
		t.Fatalf("expected execution to continue to the next plan, got %+v", result.Completed)
	}
	if result.ExitCode() != 1 {
		t.Fatalf("expected exit code 1, got %d", result.ExitCode())
	}
}

func TestRunAbortsOnFatalConfigurationError(t *testing.T) {
	src := &fakeRoot{
		name: "src",
		sendFn: func(vol, parent *cowtree.Vol, clones []*cowtree.Vol) (cowcmd.Cmd, error) {
			return cowcmd.Cmd{}, cowerrs.NewConfigurationError("test", "source not read-only")
		},
	}
	dst := &fakeRoot{
		name:   "dst",
		recvFn: func(dstPath string) (cowcmd.Cmd, error) { return sh("cat"), nil },
	}
	plan := &transfer.Plan{Src: &cowtree.Vol{Path: "vol/a"}, DstPath: "unused"}

	result := New(src, dst).Run(context.Background(), []*transfer.Plan{plan}, nil)

	var cfgErr *cowerrs.ConfigurationError
	if !errors.As(result.Aborted, &cfgErr) {
		t.Fatalf("expected Aborted to be a ConfigurationError, got %v", result.Aborted)
	}
	if result.ExitCode() != 2 {
		t.Fatalf("expected exit code 2, got %d", result.ExitCode())
	}
	if len(result.Completed) != 0 || len(result.Failed) != 0 {
		t.Fatalf("expected no plans attempted after abort, got %+v", result)
	}
}

func TestRunPreservesSkips(t *testing.T) {
	src := &fakeRoot{name: "src"}
	dst := &fakeRoot{name: "dst"}
	skips := []transfer.Skip{{Src: &cowtree.Vol{Path: "vol/skip"}, Reason: transfer.ReasonNoParent}}

	result := New(src, dst).Run(context.Background(), nil, skips)

	if len(result.Skipped) != 1 || result.Skipped[0].Reason != transfer.ReasonNoParent {
		t.Fatalf("expected skips to be preserved verbatim, got %+v", result.Skipped)
	}
}

func mustVol(t *testing.T, path string, genUUID, parent, received string) *cowtree.Vol {
	t.Helper()
	v := &cowtree.Vol{Path: path, RO: true}
	if genUUID != "" {
		v.UUID = uuid.MustParse(genUUID)
	}
	if parent != "" {
		v.ParentUUID = uuid.MustParse(parent)
	}
	if received != "" {
		v.ReceivedUUID = uuid.MustParse(received)
	}
	return v
}

func TestPruneDetectsStaleDestination(t *testing.T) {
	const (
		srcA = "11111111-1111-1111-1111-111111111111"
		srcB = "22222222-2222-2222-2222-222222222222"
		gone = "33333333-3333-3333-3333-333333333333"
	)
	srcTree := cowtree.New()
	if err := srcTree.Insert(mustVol(t, "vol/a", srcA, "", "")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := srcTree.Build(); err != nil {
		t.Fatalf("build: %v", err)
	}

	dstTree := cowtree.New()
	if err := dstTree.Insert(mustVol(t, "dst/a", srcB, "", srcA)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := dstTree.Insert(mustVol(t, "dst/stale", "44444444-4444-4444-4444-444444444444", "", gone)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := dstTree.Build(); err != nil {
		t.Fatalf("build: %v", err)
	}

	prunable := Prune(srcTree, dstTree)
	if len(prunable) != 1 || prunable[0].Path != "dst/stale" {
		t.Fatalf("unexpected prunable set: %+v", prunable)
	}
}

func TestListRootsAggregatesInOrder(t *testing.T) {
	rootA := &fakeRoot{listFn: func(context.Context) ([]*cowtree.Vol, error) {
		return []*cowtree.Vol{{Path: "a"}}, nil
	}}
	rootB := &fakeRoot{listFn: func(context.Context) ([]*cowtree.Vol, error) {
		return []*cowtree.Vol{{Path: "b"}}, nil
	}}

	results, err := ListRoots(context.Background(), []cowroot.Root{rootA, rootB}, 2, nil, 0)
	if err != nil {
		t.Fatalf("ListRoots: %v", err)
	}
	if len(results) != 2 || results[0][0].Path != "a" || results[1][0].Path != "b" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestListRootsPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	rootA := &fakeRoot{listFn: func(context.Context) ([]*cowtree.Vol, error) { return nil, boom }}

	_, err := ListRoots(context.Background(), []cowroot.Root{rootA}, 1, nil, 0)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom to propagate, got %v", err)
	}
}
