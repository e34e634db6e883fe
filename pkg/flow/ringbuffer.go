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
	"io"
	"sync"
)

// ringBuffer is a bounded byte sink: once it holds cap bytes, further
// writes drop the oldest bytes and set truncated. It exists so a runaway
// or noisy stage's stderr cannot exhaust memory over a long-running Flow.
type ringBuffer struct {
	mu        sync.Mutex
	cap       int
	buf       []byte
	truncated bool
}

func newRingBuffer(cap int) *ringBuffer {
	return &ringBuffer{cap: cap}
}

func (b *ringBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.cap {
		drop := len(b.buf) - b.cap
		b.buf = b.buf[drop:]
		b.truncated = true
	}
	return len(p), nil
}

// ReadFrom drains r into the ring buffer until EOF. It satisfies
// io.ReaderFrom so callers can pump a pipe's read end directly into it.
func (b *ringBuffer) ReadFrom(r io.Reader) (int64, error) {
	chunk := make([]byte, 32*1024)
	var total int64
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			total += int64(n)
			_, _ = b.Write(chunk[:n])
		}
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
	}
}

func (b *ringBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *ringBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
