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

// Package cowtree models the forest of btrfs subvolumes linked by parent
// (snapshot) relationships, indexes their received-UUID relationships, and
// answers the queries the transfer planner needs over it.
package cowtree

import "github.com/google/uuid"

// Vol is a single btrfs subvolume as reported by one root (a single mount
// point, local or remote). ID is only meaningful for equality within the
// root that produced it.
type Vol struct {
	ID           uint64
	UUID         uuid.UUID
	ReceivedUUID uuid.UUID
	ParentUUID   uuid.UUID
	Path         string
	Generation   uint64
	RO           bool
}

// HasReceivedUUID reports whether v was produced by `btrfs receive`, i.e.
// carries a nonzero ReceivedUUID identifying its sending subvolume.
func (v *Vol) HasReceivedUUID() bool {
	return v.ReceivedUUID != uuid.Nil
}

// HasParent reports whether v declares a parent_uuid, regardless of whether
// that parent still exists in the same root.
func (v *Vol) HasParent() bool {
	return v.ParentUUID != uuid.Nil
}
