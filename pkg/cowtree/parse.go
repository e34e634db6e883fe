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
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/btrplex/btrsync/pkg/cowerrs"
)

// minListColumns is the number of whitespace-delimited fields a data line of
// `btrfs subvolume list -a -u -q -R -t <mount>` must carry: id, gen, parent,
// top level, parent_uuid, received_uuid, uuid, and at least one word of
// path. Extra trailing fields are tolerated and folded into path.
const minListColumns = 8

// ParseSubvolumeList parses the output of
// `btrfs subvolume list -a -u -q -R -t <mount>` into Vols. Every subvolume
// is marked read-only unless the caller later narrows it down (the listing
// itself carries no RO flag in this tabular form; callers wanting accurate
// RO status should cross-reference `btrfs property get -t s <path> ro`, left
// to the Root driver that invoked this parser). Empty UUID fields ("-") map
// to uuid.Nil.
func ParseSubvolumeList(r io.Reader) ([]*Vol, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var vols []*Vol
	lineNo := 0
	sawHeader := false
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		line := strings.TrimRight(raw, "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !sawHeader && looksLikeHeader(line) {
			sawHeader = true
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < minListColumns {
			return nil, cowerrs.NewProtocolError("btrfs subvolume list",
				"line %d: expected at least %d columns, got %d: %q", lineNo, minListColumns, len(fields), raw)
		}
		v, err := parseListLine(fields)
		if err != nil {
			return nil, cowerrs.NewProtocolError("btrfs subvolume list", "line %d: %v", lineNo, err)
		}
		vols = append(vols, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, cowerrs.NewProtocolError("btrfs subvolume list", "reading output: %v", err)
	}
	return vols, nil
}

func looksLikeHeader(line string) bool {
	fields := strings.Fields(line)
	return len(fields) > 0 && (strings.EqualFold(fields[0], "ID") || strings.EqualFold(fields[0], "id"))
}

// column order per spec: id, gen, parent, top level, parent_uuid,
// received_uuid, uuid, path (path takes every remaining field).
func parseListLine(fields []string) (*Vol, error) {
	id, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return nil, err
	}
	gen, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return nil, err
	}
	parentUUID, err := parseUUIDField(fields[4])
	if err != nil {
		return nil, err
	}
	receivedUUID, err := parseUUIDField(fields[5])
	if err != nil {
		return nil, err
	}
	subvolUUID, err := parseUUIDField(fields[6])
	if err != nil {
		return nil, err
	}
	path := strings.Join(fields[7:], " ")
	return &Vol{
		ID:           id,
		UUID:         subvolUUID,
		ReceivedUUID: receivedUUID,
		ParentUUID:   parentUUID,
		Path:         path,
		Generation:   gen,
		RO:           true,
	}, nil
}

func parseUUIDField(s string) (uuid.UUID, error) {
	if s == "-" {
		return uuid.Nil, nil
	}
	return uuid.Parse(s)
}
