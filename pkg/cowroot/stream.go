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

import "io"

// multiReadCloser pairs a Reader (typically a zstd decoder) with the
// underlying file it was opened from, closing both in order on Close.
type multiReadCloser struct {
	io.Reader
	closers []func() error
}

func (m *multiReadCloser) Close() error {
	var first error
	for _, c := range m.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// multiWriteCloser is the write-side analogue of multiReadCloser.
type multiWriteCloser struct {
	io.Writer
	closers []func() error
}

func (m *multiWriteCloser) Close() error {
	var first error
	for _, c := range m.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
