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
	"strings"
	"testing"

	"github.com/google/uuid"
)

func mustUUID(t *testing.T, s string) uuid.UUID {
	t.Helper()
	u, err := uuid.Parse(s)
	if err != nil {
		t.Fatalf("uuid.Parse(%q): %v", s, err)
	}
	return u
}

func TestBuildResolvesSnapshotEdgesAndRoots(t *testing.T) {
	a := &Vol{UUID: mustUUID(t, "11111111-1111-1111-1111-111111111111"), Path: "a", RO: true}
	b := &Vol{
		UUID:       mustUUID(t, "22222222-2222-2222-2222-222222222222"),
		ParentUUID: a.UUID,
		Path:       "b",
		RO:         true,
	}
	tree := New()
	for _, v := range []*Vol{a, b} {
		if err := tree.Insert(v); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := tree.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}
	roots := tree.RootsOf(b)
	if len(roots) != 1 || roots[0] != a {
		t.Fatalf("expected root {a}, got %v", roots)
	}
	if len(tree.RootsOf(a)) != 1 || tree.RootsOf(a)[0] != a {
		t.Fatalf("a should be its own root")
	}
}

func TestDeletedParentBecomesRoot(t *testing.T) {
	b := &Vol{
		UUID:       mustUUID(t, "22222222-2222-2222-2222-222222222222"),
		ParentUUID: mustUUID(t, "99999999-9999-9999-9999-999999999999"), // never inserted
		Path:       "b",
		RO:         true,
	}
	tree := New()
	if err := tree.Insert(b); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tree.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}
	roots := tree.RootsOf(b)
	if len(roots) != 1 || roots[0] != b {
		t.Fatalf("b with a deleted parent should be its own root, got %v", roots)
	}
}

func TestCycleDetection(t *testing.T) {
	a := &Vol{UUID: mustUUID(t, "11111111-1111-1111-1111-111111111111"), Path: "a", RO: true}
	b := &Vol{UUID: mustUUID(t, "22222222-2222-2222-2222-222222222222"), Path: "b", RO: true}
	a.ParentUUID = b.UUID
	b.ParentUUID = a.UUID
	tree := New()
	for _, v := range []*Vol{a, b} {
		if err := tree.Insert(v); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := tree.Build(); err == nil {
		t.Fatal("expected ConsistencyError for a cycle, got nil")
	}
}

func TestDuplicateUUIDRejected(t *testing.T) {
	u := mustUUID(t, "11111111-1111-1111-1111-111111111111")
	tree := New()
	if err := tree.Insert(&Vol{UUID: u, Path: "a"}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := tree.Insert(&Vol{UUID: u, Path: "b"}); err == nil {
		t.Fatal("expected error inserting duplicate uuid")
	}
}

func TestReceivedIndex(t *testing.T) {
	sender := mustUUID(t, "11111111-1111-1111-1111-111111111111")
	a := &Vol{UUID: mustUUID(t, "22222222-2222-2222-2222-222222222222"), ReceivedUUID: sender, Path: "a", RO: true}
	tree := New()
	if err := tree.Insert(a); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tree.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}
	idx := tree.ReceivedIndex()
	if len(idx[sender]) != 1 || idx[sender][0] != a {
		t.Fatalf("expected a in received index for %s, got %v", sender, idx[sender])
	}
}

const sampleListing = `ID	gen	parent	top level	parent_uuid	received_uuid	uuid	path
256	10	5	5	-	-	11111111-1111-1111-1111-111111111111	vol/a
257	12	5	5	11111111-1111-1111-1111-111111111111	-	22222222-2222-2222-2222-222222222222	vol/a/snap 2024-01-01
`

func TestParseSubvolumeListRoundTrip(t *testing.T) {
	vols, err := ParseSubvolumeList(strings.NewReader(sampleListing))
	if err != nil {
		t.Fatalf("ParseSubvolumeList: %v", err)
	}
	if len(vols) != 2 {
		t.Fatalf("expected 2 vols, got %d", len(vols))
	}
	if vols[0].ParentUUID != uuid.Nil {
		t.Fatalf("expected zero uuid for '-', got %s", vols[0].ParentUUID)
	}
	if vols[1].ParentUUID != vols[0].UUID {
		t.Fatalf("expected vols[1] parent to equal vols[0] uuid")
	}
	if vols[1].Path != "vol/a/snap 2024-01-01" {
		t.Fatalf("expected path with embedded space preserved, got %q", vols[1].Path)
	}
}

func TestParseSubvolumeListMissingColumns(t *testing.T) {
	_, err := ParseSubvolumeList(strings.NewReader("256 10 5\n"))
	if err == nil {
		t.Fatal("expected ProtocolError for too few columns")
	}
}
