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

package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/blang/vfs"

	"github.com/btrplex/btrsync/internal/config"
	"github.com/btrplex/btrsync/pkg/cowcmd"
	"github.com/btrplex/btrsync/pkg/cowroot"
)

// location is a parsed command-line endpoint: a Root ready to List/Send/
// Receive, plus the path within it that Plan.DstPath or a listing command
// should operate against.
type location struct {
	Root cowroot.Root
	Path string
}

// parseSourceLocation parses a source argument into a Root. The only form
// rejected here is "-": there is nothing to read a send stream from on the
// invoking process's own stdin without a destination-shaped wiring, so that
// form is reserved for destinations. A "dump://" source is parsed the same
// way as a destination, into a receive-only DumpWriter, which cannot send.
func parseSourceLocation(raw string, cfg config.Config) (location, error) {
	if raw == "-" {
		return location{}, fmt.Errorf("%q is not a valid source: a bare stdin source is not supported", raw)
	}
	return parseLocation(raw, cfg)
}

// parseDestLocation parses a destination argument into a Root. "-" writes
// the received stream straight to the invoking process's stdout.
func parseDestLocation(raw string, cfg config.Config) (location, error) {
	if raw == "-" {
		return location{Root: cowroot.NewPipeSink(os.Stdout), Path: "-"}, nil
	}
	return parseLocation(raw, cfg)
}

func parseLocation(raw string, cfg config.Config) (location, error) {
	switch {
	case strings.HasPrefix(raw, "dump://"):
		dir := strings.TrimPrefix(raw, "dump://")
		return location{
			Root: cowroot.NewDumpWriter(vfs.OS(), dir, cfg.DumpCompression),
			Path: dir,
		}, nil
	case strings.HasPrefix(raw, "ssh://"):
		return parseSSHLocation(strings.TrimPrefix(raw, "ssh://"), cfg)
	case looksLikeSCPStyle(raw):
		return parseSSHLocation(raw, cfg)
	default:
		return location{Root: cowroot.NewLocalRoot(raw, cfg.Sudo), Path: raw}, nil
	}
}

// looksLikeSCPStyle reports whether raw has the classic scp "user@host:path"
// shape, as opposed to a bare local path that happens to contain a colon.
func looksLikeSCPStyle(raw string) bool {
	at := strings.Index(raw, "@")
	colon := strings.Index(raw, ":")
	return at >= 0 && colon > at
}

func parseSSHLocation(raw string, cfg config.Config) (location, error) {
	var user, hostport, path string

	if at := strings.Index(raw, "@"); at >= 0 {
		user = raw[:at]
		raw = raw[at+1:]
	}
	colon := strings.Index(raw, ":")
	if colon < 0 {
		return location{}, fmt.Errorf("ssh location %q is missing a :path component", raw)
	}
	hostport, path = raw[:colon], raw[colon+1:]
	if path == "" {
		return location{}, fmt.Errorf("ssh location %q has an empty path", raw)
	}

	host := hostport
	port := cfg.SSHPort
	if h, p, ok := strings.Cut(hostport, ":"); ok {
		host = h
		if parsed, err := strconv.Atoi(p); err == nil {
			port = parsed
		}
	}
	if user == "" {
		user = cfg.SSHUser
	}

	opts := cowcmd.SSHOptions{User: user, Host: host, Port: port}
	if cfg.SSHKeyIdentityFile != "" {
		opts.ExtraArgs = []string{"-i", cfg.SSHKeyIdentityFile}
	}

	inner := cowroot.NewLocalRoot(path, cfg.Sudo)
	return location{Root: cowroot.NewSSHRoot(inner, opts), Path: path}, nil
}
