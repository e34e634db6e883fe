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

// Package transfer selects, for each candidate source subvolume, an optimal
// parent and set of clone sources against a destination's existing
// subvolumes, turning a COWTree pair into an ordered list of send/receive
// plans.
package transfer

import (
	"github.com/btrplex/btrsync/pkg/cowtree"
)

// SkipReason explains why a candidate source subvolume produced no Plan.
type SkipReason string

const (
	// ReasonAlreadyPresent means the destination already has a subvolume
	// whose received_uuid matches the candidate's own uuid.
	ReasonAlreadyPresent SkipReason = "already_present"
	// ReasonNoParent means incremental_only was set and no eligible parent
	// was found at the destination.
	ReasonNoParent SkipReason = "no_parent"
)

// Skip records a source subvolume that produced no Plan, and why.
type Skip struct {
	Src    *cowtree.Vol
	Reason SkipReason
}

// Plan is a transfer plan for a single source subvolume: the parent to
// diff against (nil for a full send), the clone sources to offer via
// `btrfs send -c`, and the destination path to receive into.
type Plan struct {
	Src     *cowtree.Vol
	Parent  *cowtree.Vol
	Clones  []*cowtree.Vol
	DstPath string
}

// Incremental reports whether this plan has a parent, i.e. will be sent as
// `btrfs send -p <parent>` rather than a full send.
func (p *Plan) Incremental() bool {
	return p.Parent != nil
}

// LayoutFunc maps a source subvolume's path onto a path relative to the
// destination root. The zero value (nil) is not valid; callers pass
// FlattenLayout or PreserveLayout (or their own).
type LayoutFunc func(srcPath string) string

// Options configures a single Plan call.
type Options struct {
	// IncrementalOnly, when true, skips any candidate for which no parent
	// can be found rather than emitting a full plan.
	IncrementalOnly bool
	// Layout maps a source path onto the destination-relative path. If
	// nil, PreserveLayout is used.
	Layout LayoutFunc
}
