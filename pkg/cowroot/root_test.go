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

package cowroot

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/blang/vfs/memfs"

	"github.com/btrplex/btrsync/pkg/cowcmd"
	"github.com/btrplex/btrsync/pkg/cowerrs"
	"github.com/btrplex/btrsync/pkg/cowtree"
)

const sampleListing = "ID\tgen\tparent\ttop level\tparent_uuid\treceived_uuid\tuuid\tpath\n" +
	"257\t12\t5\t5\t-\t-\t11111111-1111-1111-1111-111111111111\tvol/data\n"

func fakeRun(out []byte, err error) func(context.Context, cowcmd.Cmd) ([]byte, error) {
	return func(context.Context, cowcmd.Cmd) ([]byte, error) { return out, err }
}

// fakeListAndRO answers a `btrfs subvolume list` invocation with listing and
// every subsequent `btrfs property get ... ro` invocation with ro, the same
// two-call sequence LocalRoot.List and SSHRoot.List now issue.
func fakeListAndRO(listing []byte, ro bool) func(context.Context, cowcmd.Cmd) ([]byte, error) {
	roOut := []byte("ro=false\n")
	if ro {
		roOut = []byte("ro=true\n")
	}
	return func(_ context.Context, c cowcmd.Cmd) ([]byte, error) {
		for _, a := range c.Argv {
			if a == "property" {
				return roOut, nil
			}
		}
		return listing, nil
	}
}

func TestLocalRootListParsesOutput(t *testing.T) {
	r := NewLocalRoot("/mnt/data", false)
	r.runCmd = fakeListAndRO([]byte(sampleListing), true)
	vols, err := r.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(vols) != 1 || vols[0].Path != "vol/data" {
		t.Fatalf("unexpected vols: %+v", vols)
	}
	if !vols[0].RO {
		t.Fatalf("expected ro property to be cross-referenced as true")
	}
}

func TestLocalRootListCrossReferencesWritableSubvolume(t *testing.T) {
	r := NewLocalRoot("/mnt/data", false)
	r.runCmd = fakeListAndRO([]byte(sampleListing), false)
	vols, err := r.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(vols) != 1 || vols[0].RO {
		t.Fatalf("expected listing RO to be overridden to false, got %+v", vols)
	}
}

func TestLocalRootListWrapsFailureAsProtocolError(t *testing.T) {
	r := NewLocalRoot("/mnt/data", false)
	r.runCmd = fakeRun(nil, errors.New("exit status 1"))
	_, err := r.List(context.Background())
	var protoErr *cowerrs.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected ProtocolError, got %v (%T)", err, err)
	}
}

func TestLocalRootSendCmdRejectsNonReadOnly(t *testing.T) {
	r := NewLocalRoot("/mnt/data", false)
	vol := &cowtree.Vol{Path: "vol/data", RO: false}
	_, err := r.SendCmd(vol, nil, nil)
	var cfgErr *cowerrs.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError for non-RO vol, got %v", err)
	}
}

func TestLocalRootSendCmdWithParentAndClones(t *testing.T) {
	r := NewLocalRoot("/mnt/data", true)
	vol := &cowtree.Vol{Path: "vol/data/snap3", RO: true}
	parent := &cowtree.Vol{Path: "vol/data/snap2"}
	clone := &cowtree.Vol{Path: "vol/data/snap1"}
	c, err := r.SendCmd(vol, parent, []*cowtree.Vol{clone})
	if err != nil {
		t.Fatalf("SendCmd: %v", err)
	}
	joined := strings.Join(c.Argv, " ")
	if c.Argv[0] != "sudo" {
		t.Fatalf("expected sudo wrapping, got %v", c.Argv)
	}
	for _, want := range []string{"btrfs send", "-p vol/data/snap2", "-c vol/data/snap1", "vol/data/snap3"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing %q in %v", want, c.Argv)
		}
	}
}

func TestLocalRootReceiveCmd(t *testing.T) {
	r := NewLocalRoot("/mnt/data", false)
	c, err := r.ReceiveCmd("/mnt/data/incoming")
	if err != nil {
		t.Fatalf("ReceiveCmd: %v", err)
	}
	if strings.Join(c.Argv, " ") != "btrfs receive /mnt/data/incoming" {
		t.Fatalf("unexpected argv: %v", c.Argv)
	}
}

func TestSSHRootWrapsCommandsOverSSH(t *testing.T) {
	inner := NewLocalRoot("/mnt/data", false)
	r := NewSSHRoot(inner, cowcmd.SSHOptions{User: "root", Host: "backup.example.com", Port: 2222})
	r.runCmd = fakeListAndRO([]byte(sampleListing), true)

	vols, err := r.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(vols) != 1 {
		t.Fatalf("unexpected vols: %+v", vols)
	}

	vol := &cowtree.Vol{Path: "vol/data", RO: true}
	sendCmd, err := r.SendCmd(vol, nil, nil)
	if err != nil {
		t.Fatalf("SendCmd: %v", err)
	}
	if sendCmd.Argv[0] != "ssh" {
		t.Fatalf("expected ssh as argv[0], got %v", sendCmd.Argv)
	}
	if !strings.Contains(strings.Join(sendCmd.Argv, " "), "root@backup.example.com") {
		t.Fatalf("missing destination: %v", sendCmd.Argv)
	}

	recvCmd, err := r.ReceiveCmd("/mnt/data/incoming")
	if err != nil {
		t.Fatalf("ReceiveCmd: %v", err)
	}
	if recvCmd.Argv[0] != "ssh" {
		t.Fatalf("expected ssh as argv[0], got %v", recvCmd.Argv)
	}

	if r.Name() != "ssh:backup.example.com:/mnt/data" {
		t.Fatalf("unexpected Name: %s", r.Name())
	}
}

func writeFile(t *testing.T, fs *memfs.MemFS, path string, data []byte) {
	t.Helper()
	f, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("OpenFile %s: %v", path, err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatalf("Write %s: %v", path, err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close %s: %v", path, err)
	}
}

func TestDumpReaderListAndOpenSendStream(t *testing.T) {
	fs := memfs.Create()
	if err := fs.Mkdir("/dumps", 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	writeFile(t, fs, "/dumps/vol-a.stream", []byte("plain payload"))

	r := NewDumpReader(fs, "/dumps")
	vols, err := r.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(vols) != 1 || vols[0].Path != "vol-a" {
		t.Fatalf("unexpected vols: %+v", vols)
	}
	if !vols[0].RO {
		t.Fatalf("expected dumped vol to be marked read-only")
	}

	rc, err := r.OpenSendStream(context.Background(), vols[0])
	if err != nil {
		t.Fatalf("OpenSendStream: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "plain payload" {
		t.Fatalf("unexpected payload: %q", data)
	}
}

func TestDumpReaderSendCmdAlwaysRejected(t *testing.T) {
	r := NewDumpReader(memfs.Create(), "/dumps")
	if _, err := r.SendCmd(&cowtree.Vol{Path: "x"}, nil, nil); err == nil {
		t.Fatal("expected SendCmd to be rejected for a process-less root")
	}
}

func TestDumpWriterRoundTripUncompressed(t *testing.T) {
	fs := memfs.Create()
	if err := fs.Mkdir("/dumps", 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	w := NewDumpWriter(fs, "/dumps", false)
	vol := &cowtree.Vol{Path: "vol-b", RO: true}

	wc, err := w.OpenReceiveStream(context.Background(), vol, "/dumps")
	if err != nil {
		t.Fatalf("OpenReceiveStream: %v", err)
	}
	if _, err := wc.Write([]byte("hello stream")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := wc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r := NewDumpReader(fs, "/dumps")
	vols, err := r.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(vols) != 1 || vols[0].Path != "vol-b" {
		t.Fatalf("unexpected vols after write: %+v", vols)
	}
	rc, err := r.OpenSendStream(context.Background(), vols[0])
	if err != nil {
		t.Fatalf("OpenSendStream: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "hello stream" {
		t.Fatalf("unexpected roundtrip payload: %q", data)
	}
}

func TestDumpWriterRoundTripCompressed(t *testing.T) {
	fs := memfs.Create()
	if err := fs.Mkdir("/dumps", 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	w := NewDumpWriter(fs, "/dumps", true)
	vol := &cowtree.Vol{Path: "vol-c", RO: true}

	wc, err := w.OpenReceiveStream(context.Background(), vol, "/dumps")
	if err != nil {
		t.Fatalf("OpenReceiveStream: %v", err)
	}
	payload := bytes.Repeat([]byte("compress-me"), 256)
	if _, err := wc.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := wc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := fs.Stat("/dumps/vol-c.stream.zst"); err != nil {
		t.Fatalf("expected compressed file to exist: %v", err)
	}

	r := NewDumpReader(fs, "/dumps")
	rc, err := r.OpenSendStream(context.Background(), &cowtree.Vol{Path: "vol-c"})
	if err != nil {
		t.Fatalf("OpenSendStream: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("compressed roundtrip mismatch: got %d bytes, want %d", len(data), len(payload))
	}
}

func TestDumpWriterRefusesOverwriteByDefault(t *testing.T) {
	fs := memfs.Create()
	if err := fs.Mkdir("/dumps", 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	w := NewDumpWriter(fs, "/dumps", false)
	vol := &cowtree.Vol{Path: "vol-d"}

	wc, err := w.OpenReceiveStream(context.Background(), vol, "/dumps")
	if err != nil {
		t.Fatalf("first OpenReceiveStream: %v", err)
	}
	_ = wc.Close()

	_, err = w.OpenReceiveStream(context.Background(), vol, "/dumps")
	var fsErr *cowerrs.FilesystemError
	if !errors.As(err, &fsErr) || fsErr.Kind != cowerrs.FileExists {
		t.Fatalf("expected FileExists FilesystemError, got %v", err)
	}

	w.AllowOverwrite = true
	if _, err := w.OpenReceiveStream(context.Background(), vol, "/dumps"); err != nil {
		t.Fatalf("expected overwrite to succeed once AllowOverwrite is set: %v", err)
	}
}

func TestPipeSinkWritesToConfiguredWriter(t *testing.T) {
	var buf bytes.Buffer
	sink := NewPipeSink(&buf)
	if sink.Capabilities().CanSend {
		t.Fatal("pipe sink must not claim send capability")
	}
	wc, err := sink.OpenReceiveStream(context.Background(), &cowtree.Vol{Path: "vol"}, "")
	if err != nil {
		t.Fatalf("OpenReceiveStream: %v", err)
	}
	if _, err := wc.Write([]byte("streamed bytes")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := wc.Close(); err != nil {
		t.Fatalf("Close should be a no-op, got: %v", err)
	}
	if buf.String() != "streamed bytes" {
		t.Fatalf("unexpected buffer contents: %q", buf.String())
	}
}

func TestPipeSinkReceiveCmdRejected(t *testing.T) {
	sink := NewPipeSink(io.Discard)
	if _, err := sink.ReceiveCmd("/anywhere"); err == nil {
		t.Fatal("expected ReceiveCmd to be rejected for a process-less sink")
	}
}
