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

package transfer

import (
	"github.com/google/uuid"

	"github.com/btrplex/btrsync/pkg/cowtree"
)

// Plan computes an ordered list of transfer Plans for candidates against
// srcTree (the source COWTree, which must contain every candidate) and
// dstTree (the destination COWTree). It is pure: no I/O, no randomness, and
// its output is a deterministic function of its inputs regardless of the
// order candidates are passed in.
func Plan(srcTree, dstTree *cowtree.COWTree, candidates []*cowtree.Vol, opts Options) ([]*Plan, []Skip) {
	layout := opts.Layout
	if layout == nil {
		layout = PreserveLayout
	}

	sorted := append([]*cowtree.Vol(nil), candidates...)
	cowtree.SortByPathUUID(sorted)

	dstReceivedBy := dstTree.ReceivedIndex()
	hasDstCounterpart := func(u uuid.UUID) bool {
		return len(dstReceivedBy[u]) > 0
	}

	// Parents and clone sources may be any send-eligible source subvolume,
	// not only the candidates selected for this transfer.
	pool := srcTree.IterEligible()

	var plans []*Plan
	var skips []Skip

	for _, s := range sorted {
		if hasDstCounterpart(s.UUID) {
			skips = append(skips, Skip{Src: s, Reason: ReasonAlreadyPresent})
			continue
		}

		siblings := sameRootCandidatesWithCounterpart(srcTree, pool, s, hasDstCounterpart)

		parent := selectParent(srcTree, s, siblings)
		if parent == nil && opts.IncrementalOnly {
			skips = append(skips, Skip{Src: s, Reason: ReasonNoParent})
			continue
		}

		clones := make([]*cowtree.Vol, 0, len(siblings))
		for _, c := range siblings {
			if parent != nil && c.UUID == parent.UUID {
				continue
			}
			clones = append(clones, c)
		}
		cowtree.SortByPathUUID(clones)

		plans = append(plans, &Plan{
			Src:     s,
			Parent:  parent,
			Clones:  clones,
			DstPath: layout(s.Path),
		})
	}

	return plans, skips
}

// sameRootCandidatesWithCounterpart returns every vol in candidates (other
// than s) that shares s's snapshot-tree root and has a destination
// counterpart, sorted by (path, uuid).
func sameRootCandidatesWithCounterpart(
	tree *cowtree.COWTree,
	candidates []*cowtree.Vol,
	s *cowtree.Vol,
	hasDstCounterpart func(uuid.UUID) bool,
) []*cowtree.Vol {
	sRoots := tree.RootsOf(s)
	sRoot := sRoots[0]

	var out []*cowtree.Vol
	for _, c := range candidates {
		if c.UUID == s.UUID {
			continue
		}
		if !hasDstCounterpart(c.UUID) {
			continue
		}
		cRoots := tree.RootsOf(c)
		if cRoots[0].UUID != sRoot.UUID {
			continue
		}
		out = append(out, c)
	}
	cowtree.SortByPathUUID(out)
	return out
}

// selectParent implements the heuristic: prefer the in-tree ancestor of s
// with the greatest generation not exceeding s's, tie-broken by shortest
// snapshot-edge distance (AncestorChain is nearest-first, so the first
// candidate reached at the winning generation is, by construction, the
// nearest). If no ancestor qualifies, fall back to any sibling in
// candidates (which is already sorted by (path, uuid), making the fallback
// choice deterministic).
func selectParent(tree *cowtree.COWTree, s *cowtree.Vol, candidates []*cowtree.Vol) *cowtree.Vol {
	eligible := make(map[uuid.UUID]*cowtree.Vol, len(candidates))
	for _, c := range candidates {
		eligible[c.UUID] = c
	}

	var best *cowtree.Vol
	for _, anc := range tree.AncestorChain(s) {
		cand, ok := eligible[anc.UUID]
		if !ok {
			continue
		}
		if cand.Generation > s.Generation {
			continue
		}
		if best == nil || cand.Generation > best.Generation {
			best = cand
		}
	}
	if best != nil {
		return best
	}

	if len(candidates) > 0 {
		return candidates[0]
	}
	return nil
}
