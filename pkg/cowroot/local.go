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
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/btrplex/btrsync/pkg/cowcmd"
	"github.com/btrplex/btrsync/pkg/cowerrs"
	"github.com/btrplex/btrsync/pkg/cowtree"
)

// LocalRoot drives a btrfs mount on this machine by shelling out to the
// btrfs(8) CLI.
type LocalRoot struct {
	Mount   string
	UseSudo bool

	// runCmd executes c and returns its captured stdout. Overridden in
	// tests; defaults to execCapture.
	runCmd func(ctx context.Context, c cowcmd.Cmd) ([]byte, error)
}

// NewLocalRoot returns a LocalRoot rooted at mount.
func NewLocalRoot(mount string, useSudo bool) *LocalRoot {
	return &LocalRoot{Mount: mount, UseSudo: useSudo, runCmd: execCapture}
}

func (r *LocalRoot) Name() string { return fmt.Sprintf("local:%s", r.Mount) }

func (r *LocalRoot) Capabilities() Capabilities {
	return Capabilities{CanSend: true, CanReceive: true, NeedsListForPlanning: true}
}

// listCmd builds the `btrfs subvolume list` invocation, shared with
// SSHRoot, which wraps it for remote execution instead of running it
// directly.
func (r *LocalRoot) listCmd() cowcmd.Cmd {
	c := cowcmd.New("btrfs", "subvolume", "list", "-a", "-u", "-q", "-R", "-t", r.Mount)
	if r.UseSudo {
		c = cowcmd.WrapSudo(c)
	}
	return c
}

// List runs `btrfs subvolume list` and then cross-references every result
// against its actual `ro` property: the tabular listing carries no RO flag
// of its own, and ParseSubvolumeList marks everything read-only as a
// placeholder pending exactly this check.
func (r *LocalRoot) List(ctx context.Context) ([]*cowtree.Vol, error) {
	out, err := r.run(ctx, r.listCmd())
	if err != nil {
		return nil, cowerrs.NewProtocolError("btrfs subvolume list", "running against %s: %v", r.Mount, err)
	}
	vols, err := cowtree.ParseSubvolumeList(bytes.NewReader(out))
	if err != nil {
		return nil, err
	}
	if err := r.fillReadOnly(ctx, vols); err != nil {
		return nil, err
	}
	return vols, nil
}

// fillReadOnly sets each vol's RO field from `btrfs property get -t s <path>
// ro`, run once per subvolume against the mount the vols were listed from.
func (r *LocalRoot) fillReadOnly(ctx context.Context, vols []*cowtree.Vol) error {
	for _, v := range vols {
		out, err := r.run(ctx, subvolPropertyGetCmd(r.Mount, r.UseSudo, v.Path))
		if err != nil {
			return cowerrs.NewProtocolError("btrfs property get", "checking ro status of %s: %v", v.Path, err)
		}
		ro, err := parseROProperty(out)
		if err != nil {
			return cowerrs.NewProtocolError("btrfs property get", "parsing ro status of %s: %v", v.Path, err)
		}
		v.RO = ro
	}
	return nil
}

// subvolPropertyGetCmd builds the `btrfs property get -t s <mount>/<relPath>
// ro` invocation shared by LocalRoot and SSHRoot.
func subvolPropertyGetCmd(mount string, useSudo bool, relPath string) cowcmd.Cmd {
	c := cowcmd.New("btrfs", "property", "get", "-t", "s", filepath.Join(mount, relPath), "ro")
	if useSudo {
		c = cowcmd.WrapSudo(c)
	}
	return c
}

// parseROProperty parses the single "ro=true"/"ro=false" line that
// `btrfs property get ... ro` prints.
func parseROProperty(out []byte) (bool, error) {
	line := strings.TrimSpace(string(out))
	_, value, ok := strings.Cut(line, "=")
	if !ok {
		return false, fmt.Errorf("unexpected property output: %q", line)
	}
	switch strings.TrimSpace(value) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("unexpected ro value: %q", value)
	}
}

func (r *LocalRoot) SendCmd(vol, parent *cowtree.Vol, clones []*cowtree.Vol) (cowcmd.Cmd, error) {
	if vol == nil {
		return cowcmd.Cmd{}, cowerrs.NewConfigurationError("local.send_cmd", "vol is required")
	}
	if !vol.RO {
		return cowcmd.Cmd{}, cowerrs.NewConfigurationError("local.send_cmd", "%s is not read-only and cannot be sent", vol.Path)
	}
	argv := []string{"btrfs", "send"}
	if parent != nil {
		argv = append(argv, "-p", parent.Path)
	}
	for _, cl := range clones {
		argv = append(argv, "-c", cl.Path)
	}
	argv = append(argv, vol.Path)
	c := cowcmd.New(argv...)
	if r.UseSudo {
		c = cowcmd.WrapSudo(c)
	}
	return c, nil
}

func (r *LocalRoot) ReceiveCmd(dstPath string) (cowcmd.Cmd, error) {
	c := cowcmd.New("btrfs", "receive", dstPath)
	if r.UseSudo {
		c = cowcmd.WrapSudo(c)
	}
	return c, nil
}

func (r *LocalRoot) run(ctx context.Context, c cowcmd.Cmd) ([]byte, error) {
	if r.runCmd != nil {
		return r.runCmd(ctx, c)
	}
	return execCapture(ctx, c)
}

// execCapture runs c's argv and returns its stdout. Used by every Root
// variant that needs to capture the output of a listing command (as
// opposed to the send/receive commands, which pkg/flow spawns directly).
func execCapture(ctx context.Context, c cowcmd.Cmd) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("%s: %w (stderr: %s)", c.Argv, err, exitErr.Stderr)
		}
		return nil, fmt.Errorf("%v: %w", c.Argv, err)
	}
	return out, nil
}
