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

	"github.com/btrplex/btrsync/pkg/cowcmd"
	"github.com/btrplex/btrsync/pkg/cowerrs"
	"github.com/btrplex/btrsync/pkg/cowtree"
)

// nopCloser adapts an io.Writer the caller does not own (the process's own
// stdout) into an io.WriteCloser whose Close is a no-op.
type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// PipeSink is a Root variant whose receive side pumps straight to the
// enclosing process's own stdout -- dumping the stream to the user's
// terminal or onward into a shell pipeline the user composed themselves.
// It cannot be listed and cannot send.
type PipeSink struct {
	Out io.Writer
}

// NewPipeSink returns a PipeSink writing to out (typically os.Stdout).
func NewPipeSink(out io.Writer) *PipeSink {
	return &PipeSink{Out: out}
}

func (s *PipeSink) Name() string { return "pipe:stdout" }

func (s *PipeSink) Capabilities() Capabilities {
	return Capabilities{CanReceive: true, NeedsListForPlanning: false}
}

func (s *PipeSink) List(context.Context) ([]*cowtree.Vol, error) {
	return nil, cowerrs.NewConfigurationError("pipe.list", "a pipe sink holds nothing to list")
}

func (s *PipeSink) SendCmd(*cowtree.Vol, *cowtree.Vol, []*cowtree.Vol) (cowcmd.Cmd, error) {
	return cowcmd.Cmd{}, cowerrs.NewConfigurationError("pipe.send_cmd", "a pipe sink cannot send")
}

func (s *PipeSink) ReceiveCmd(string) (cowcmd.Cmd, error) {
	return cowcmd.Cmd{}, cowerrs.NewConfigurationError("pipe.receive_cmd", "a pipe sink's receive side is process-less; use OpenReceiveStream")
}

// OpenReceiveStream returns s.Out wrapped so closing it is a no-op: the
// enclosing process, not this Root, owns the underlying stdout descriptor.
func (s *PipeSink) OpenReceiveStream(context.Context, *cowtree.Vol, string) (io.WriteCloser, error) {
	return nopCloser{s.Out}, nil
}
