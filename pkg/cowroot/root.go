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

// Package cowroot implements the endpoint driver abstraction: a place that
// holds or receives subvolumes. Variants (local btrfs mount, SSH-remote
// btrfs mount, a directory of raw send-stream dumps, and a pipe sink) share
// the Root capability surface rather than a common base type, following
// the tagged-variant shape the design calls for.
package cowroot

import (
	"context"
	"io"

	"github.com/btrplex/btrsync/pkg/cowcmd"
	"github.com/btrplex/btrsync/pkg/cowtree"
)

// Capabilities describes what a Root variant supports. Operations outside
// a Root's capabilities fail loudly as ConfigurationErrors from the Root
// itself rather than behaving as silent no-ops.
type Capabilities struct {
	CanSend              bool
	CanReceive           bool
	NeedsListForPlanning bool
}

// Root is the uniform surface every endpoint variant implements.
type Root interface {
	// Name is a human-readable identifier used in messages and errors.
	Name() string
	// List enumerates the subvolumes this root currently knows about.
	List(ctx context.Context) ([]*cowtree.Vol, error)
	// SendCmd builds a command that emits a send stream for vol on
	// stdout, optionally diffed against parent and enriched with clones.
	SendCmd(vol, parent *cowtree.Vol, clones []*cowtree.Vol) (cowcmd.Cmd, error)
	// ReceiveCmd builds a command that consumes a send stream on stdin
	// and materializes it under dstPath.
	ReceiveCmd(dstPath string) (cowcmd.Cmd, error)
	Capabilities() Capabilities
}

// StreamSource is implemented by Root variants whose send side is not a
// spawned process -- a directory of dump files, say. BtrSync type-asserts
// for this before falling back to SendCmd, and when present wires the
// Flow with flow.WithExternalInput instead of an exec stage.
type StreamSource interface {
	OpenSendStream(ctx context.Context, vol *cowtree.Vol) (io.ReadCloser, error)
}

// StreamSink is the receive-side analogue of StreamSource: a Root whose
// receive side writes directly to an io.Writer (a dump file, the
// process's own stdout) rather than through a spawned `btrfs receive`.
type StreamSink interface {
	OpenReceiveStream(ctx context.Context, vol *cowtree.Vol, dstPath string) (io.WriteCloser, error)
}
