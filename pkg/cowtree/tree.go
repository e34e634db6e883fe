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

package cowtree

import (
	"sort"

	"github.com/google/uuid"

	"github.com/btrplex/btrsync/pkg/cowerrs"
)

// COWTree is a forest of Vols from a single root, linked by snapshot edges
// (child -> parent via parent_uuid). Received-from edges cross roots and are
// not modeled here; callers compare one tree's ReceivedIndex against
// another's UUIDs (see pkg/transfer).
type COWTree struct {
	byUUID   map[uuid.UUID]*Vol
	order    []*Vol
	parentOf map[uuid.UUID]*Vol
	rootOf   map[uuid.UUID]*Vol
	built    bool
}

// New returns an empty COWTree ready for Insert calls.
func New() *COWTree {
	return &COWTree{byUUID: make(map[uuid.UUID]*Vol)}
}

// Insert adds v to the tree. It must be called before Build. Insert fails
// with ConsistencyError if v's UUID is already present, preserving the
// invariant that a UUID appears at most once in a root's index.
func (t *COWTree) Insert(v *Vol) error {
	if t.built {
		return cowerrs.NewConsistencyError("cannot insert into a COWTree after Build")
	}
	if v.UUID == uuid.Nil {
		return cowerrs.NewConsistencyError("subvolume %q has a nil uuid", v.Path)
	}
	if _, exists := t.byUUID[v.UUID]; exists {
		return cowerrs.NewConsistencyError("duplicate uuid %s (path %q)", v.UUID, v.Path)
	}
	t.byUUID[v.UUID] = v
	t.order = append(t.order, v)
	return nil
}

// Build resolves snapshot edges: for every inserted Vol whose parent_uuid
// names another Vol in this tree, that Vol becomes its in-tree parent. A
// parent_uuid that names nothing in this tree (deleted parent) is not an
// error -- the child is simply a root of the forest, matching real btrfs
// behavior after a parent snapshot has been removed. Build fails with
// ConsistencyError if the resulting parent chain for any node cycles.
func (t *COWTree) Build() error {
	t.parentOf = make(map[uuid.UUID]*Vol, len(t.order))
	for _, v := range t.order {
		if !v.HasParent() {
			continue
		}
		if p, ok := t.byUUID[v.ParentUUID]; ok {
			t.parentOf[v.UUID] = p
		}
	}
	t.rootOf = make(map[uuid.UUID]*Vol, len(t.order))
	for _, v := range t.order {
		visited := make(map[uuid.UUID]bool, 4)
		cur := v
		for {
			if visited[cur.UUID] {
				return cowerrs.NewConsistencyError("cycle detected in snapshot chain involving uuid %s", cur.UUID)
			}
			visited[cur.UUID] = true
			p, ok := t.parentOf[cur.UUID]
			if !ok {
				break
			}
			cur = p
		}
		t.rootOf[v.UUID] = cur
	}
	t.built = true
	return nil
}

// Lookup returns the Vol with the given UUID, if present.
func (t *COWTree) Lookup(u uuid.UUID) (*Vol, bool) {
	v, ok := t.byUUID[u]
	return v, ok
}

// ParentOf returns v's in-tree snapshot parent, if any.
func (t *COWTree) ParentOf(v *Vol) (*Vol, bool) {
	p, ok := t.parentOf[v.UUID]
	return p, ok
}

// RootsOf returns the set of ultimate ancestors reachable from v by
// following snapshot edges upward. For a well-formed chain (each subvolume
// names at most one parent) this is always a single-element set; v is its
// own root when it has no in-tree parent. Must be called after Build.
func (t *COWTree) RootsOf(v *Vol) []*Vol {
	if r, ok := t.rootOf[v.UUID]; ok {
		return []*Vol{r}
	}
	return []*Vol{v}
}

// AncestorChain returns v's in-tree ancestors, nearest first, excluding v
// itself. Must be called after Build.
func (t *COWTree) AncestorChain(v *Vol) []*Vol {
	var chain []*Vol
	cur := v
	for {
		p, ok := t.parentOf[cur.UUID]
		if !ok {
			return chain
		}
		chain = append(chain, p)
		cur = p
	}
}

// ReceivedIndex maps every nonzero received_uuid declared by a Vol in this
// tree to the set of Vols declaring it. This answers "which local
// subvolumes are copies of which sender", the substrate of incremental
// planning.
func (t *COWTree) ReceivedIndex() map[uuid.UUID][]*Vol {
	idx := make(map[uuid.UUID][]*Vol)
	for _, v := range t.order {
		if v.HasReceivedUUID() {
			idx[v.ReceivedUUID] = append(idx[v.ReceivedUUID], v)
		}
	}
	return idx
}

// IterEligible returns every read-only Vol in the tree (the only ones
// eligible to be sent), sorted by (path, uuid) for deterministic iteration.
func (t *COWTree) IterEligible() []*Vol {
	var out []*Vol
	for _, v := range t.order {
		if v.RO {
			out = append(out, v)
		}
	}
	SortByPathUUID(out)
	return out
}

// All returns every Vol in the tree, sorted by (path, uuid).
func (t *COWTree) All() []*Vol {
	out := append([]*Vol(nil), t.order...)
	SortByPathUUID(out)
	return out
}

// Len returns the number of subvolumes in the tree.
func (t *COWTree) Len() int { return len(t.order) }

// SortByPathUUID sorts vols in place by (Path, UUID), the canonical
// ordering the planner uses to make tie-breaks deterministic.
func SortByPathUUID(vols []*Vol) {
	sort.Slice(vols, func(i, j int) bool {
		if vols[i].Path != vols[j].Path {
			return vols[i].Path < vols[j].Path
		}
		return vols[i].UUID.String() < vols[j].UUID.String()
	})
}
