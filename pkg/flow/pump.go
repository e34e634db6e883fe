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
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// spliceChunk is the maximum number of bytes moved per splice(2) call.
const spliceChunk = 1 << 20 // 1MiB

// copyBufSize is the buffered-copy fallback's chunk size.
const copyBufSize = 256 * 1024

// pump moves bytes from src to dst until EOF, using splice(2) when both
// ends are *os.File and at least one is a pipe (true zero-copy), and a
// buffered read/write loop otherwise. progress, if non-nil, is called
// with the cumulative byte count after every chunk. Broken-pipe errors are
// suppressed: the downstream process's exit code is the signal of record,
// not a pump-level write error.
func pump(dst io.Writer, src io.Reader, progress func(int64)) error {
	dstFile, dstOK := dst.(*os.File)
	srcFile, srcOK := src.(*os.File)
	if dstOK && srcOK && (isPipe(dstFile) || isPipe(srcFile)) {
		return spliceLoop(dstFile, srcFile, progress)
	}
	return copyLoop(dst, src, progress)
}

func isPipe(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeNamedPipe != 0
}

func spliceLoop(dst, src *os.File, progress func(int64)) error {
	dstFD := int(dst.Fd())
	srcFD := int(src.Fd())
	var total int64
	for {
		n, err := unix.Splice(srcFD, nil, dstFD, nil, spliceChunk, unix.SPLICE_F_MOVE)
		if n > 0 {
			total += n
			if progress != nil {
				progress(total)
			}
		}
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EPIPE) {
				return nil
			}
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func copyLoop(dst io.Writer, src io.Reader, progress func(int64)) error {
	buf := make([]byte, copyBufSize)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				if errors.Is(werr, os.ErrClosed) || isBrokenPipe(werr) {
					return nil
				}
				return werr
			}
			total += int64(n)
			if progress != nil {
				progress(total)
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, unix.EPIPE)
}
