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
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/blang/vfs"
	"github.com/blang/vfs/vfsutil"
	"github.com/klauspost/compress/zstd"

	"github.com/btrplex/btrsync/pkg/cowcmd"
	"github.com/btrplex/btrsync/pkg/cowerrs"
	"github.com/btrplex/btrsync/pkg/cowtree"
)

const (
	streamExt           = ".stream"
	streamCompressedExt = ".stream.zst"
)

// DumpReader is a Root variant that reads send streams from files in a
// directory instead of invoking `btrfs send`. Each file's name (minus its
// extension) is the subvolume's path as reported by List. A dump carries
// no COW metadata -- generation, parent_uuid and received_uuid are all
// zero -- so this Root can only ever be the source of a full send; any
// request for a parent or clone sources is rejected.
type DumpReader struct {
	FS  vfs.Filesystem
	Dir string
}

// NewDumpReader returns a DumpReader rooted at dir on fs.
func NewDumpReader(fs vfs.Filesystem, dir string) *DumpReader {
	return &DumpReader{FS: fs, Dir: dir}
}

func (r *DumpReader) Name() string { return "dumpdir:" + r.Dir }

func (r *DumpReader) Capabilities() Capabilities {
	return Capabilities{CanSend: true, NeedsListForPlanning: false}
}

func (r *DumpReader) List(ctx context.Context) ([]*cowtree.Vol, error) {
	entries, err := vfsutil.ReadDir(r.FS, r.Dir)
	if err != nil {
		return nil, cowerrs.NewFilesystemError(cowerrs.NotReadable, r.Dir)
	}
	seen := make(map[string]bool, len(entries))
	var vols []*cowtree.Vol
	for _, e := range entries {
		name, ok := volNameFromFilename(e.Name())
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		vols = append(vols, &cowtree.Vol{Path: name, RO: true})
	}
	cowtree.SortByPathUUID(vols)
	return vols, nil
}

func (r *DumpReader) SendCmd(vol, parent *cowtree.Vol, clones []*cowtree.Vol) (cowcmd.Cmd, error) {
	if parent != nil || len(clones) > 0 {
		return cowcmd.Cmd{}, cowerrs.NewConfigurationError("dumpdir.send_cmd",
			"a dump directory carries no parent/clone metadata; only a full send is possible")
	}
	return cowcmd.Cmd{}, cowerrs.NewConfigurationError("dumpdir.send_cmd",
		"a dump reader's send side is process-less; use OpenSendStream")
}

func (r *DumpReader) ReceiveCmd(string) (cowcmd.Cmd, error) {
	return cowcmd.Cmd{}, cowerrs.NewConfigurationError("dumpdir.receive_cmd", "a dump reader cannot receive")
}

// OpenSendStream opens vol's dump file, transparently decompressing it if
// it was written with DumpCompression enabled.
func (r *DumpReader) OpenSendStream(ctx context.Context, vol *cowtree.Vol) (io.ReadCloser, error) {
	path, compressed, err := r.resolve(vol.Path)
	if err != nil {
		return nil, err
	}
	f, err := r.FS.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, cowerrs.NewFilesystemError(cowerrs.NotReadable, path)
	}
	if !compressed {
		return f, nil
	}
	zr, err := zstd.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &multiReadCloser{
		Reader:  zr,
		closers: []func() error{func() error { zr.Close(); return nil }, f.Close},
	}, nil
}

func (r *DumpReader) resolve(name string) (path string, compressed bool, err error) {
	comp := filepath.Join(r.Dir, name+streamCompressedExt)
	if _, statErr := r.FS.Stat(comp); statErr == nil {
		return comp, true, nil
	}
	plain := filepath.Join(r.Dir, name+streamExt)
	if _, statErr := r.FS.Stat(plain); statErr == nil {
		return plain, false, nil
	}
	return "", false, cowerrs.NewFilesystemError(cowerrs.NotReadable, filepath.Join(r.Dir, name))
}

func volNameFromFilename(filename string) (string, bool) {
	if strings.HasSuffix(filename, streamCompressedExt) {
		return strings.TrimSuffix(filename, streamCompressedExt), true
	}
	if strings.HasSuffix(filename, streamExt) {
		return strings.TrimSuffix(filename, streamExt), true
	}
	return "", false
}

// DumpWriter is the receive-side analogue of DumpReader: it materializes
// an incoming send stream as a file under Dir rather than invoking
// `btrfs receive`.
type DumpWriter struct {
	FS             vfs.Filesystem
	Dir            string
	Compress       bool
	AllowOverwrite bool
}

// NewDumpWriter returns a DumpWriter rooted at dir on fs.
func NewDumpWriter(fs vfs.Filesystem, dir string, compress bool) *DumpWriter {
	return &DumpWriter{FS: fs, Dir: dir, Compress: compress}
}

func (w *DumpWriter) Name() string { return "dumpdir:" + w.Dir }

func (w *DumpWriter) Capabilities() Capabilities {
	return Capabilities{CanReceive: true, NeedsListForPlanning: false}
}

func (w *DumpWriter) List(ctx context.Context) ([]*cowtree.Vol, error) {
	return (&DumpReader{FS: w.FS, Dir: w.Dir}).List(ctx)
}

func (w *DumpWriter) SendCmd(*cowtree.Vol, *cowtree.Vol, []*cowtree.Vol) (cowcmd.Cmd, error) {
	return cowcmd.Cmd{}, cowerrs.NewConfigurationError("dumpdir.send_cmd", "a dump writer cannot send")
}

func (w *DumpWriter) ReceiveCmd(string) (cowcmd.Cmd, error) {
	return cowcmd.Cmd{}, cowerrs.NewConfigurationError("dumpdir.receive_cmd", "a dump writer's receive side is process-less; use OpenReceiveStream")
}

// OpenReceiveStream creates vol's dump file under dstPath, refusing to
// clobber an existing one unless AllowOverwrite is set.
func (w *DumpWriter) OpenReceiveStream(ctx context.Context, vol *cowtree.Vol, dstPath string) (io.WriteCloser, error) {
	ext := streamExt
	if w.Compress {
		ext = streamCompressedExt
	}
	path := filepath.Join(dstPath, vol.Path+ext)

	flags := os.O_WRONLY | os.O_CREATE
	if w.AllowOverwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	f, err := w.FS.OpenFile(path, flags, 0o644)
	if err != nil {
		if !w.AllowOverwrite {
			return nil, cowerrs.NewFilesystemError(cowerrs.FileExists, path)
		}
		return nil, cowerrs.NewFilesystemError(cowerrs.NotWriteable, path)
	}
	if !w.Compress {
		return f, nil
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &multiWriteCloser{
		Writer:  zw,
		closers: []func() error{zw.Close, f.Close},
	}, nil
}
