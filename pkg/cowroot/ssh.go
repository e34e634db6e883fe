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

	"github.com/btrplex/btrsync/pkg/cowcmd"
	"github.com/btrplex/btrsync/pkg/cowerrs"
	"github.com/btrplex/btrsync/pkg/cowtree"
)

// SSHRoot wraps a LocalRoot's commands with wrap_ssh so they run against a
// btrfs mount on a remote host.
type SSHRoot struct {
	Inner *LocalRoot
	Opts  cowcmd.SSHOptions

	runCmd func(ctx context.Context, c cowcmd.Cmd) ([]byte, error)
}

// NewSSHRoot returns an SSHRoot that drives inner's mount over SSH.
func NewSSHRoot(inner *LocalRoot, opts cowcmd.SSHOptions) *SSHRoot {
	return &SSHRoot{Inner: inner, Opts: opts, runCmd: execCapture}
}

func (r *SSHRoot) Name() string {
	return fmt.Sprintf("ssh:%s:%s", r.Opts.Host, r.Inner.Mount)
}

func (r *SSHRoot) Capabilities() Capabilities {
	return r.Inner.Capabilities()
}

func (r *SSHRoot) List(ctx context.Context) ([]*cowtree.Vol, error) {
	wrapped, err := cowcmd.WrapSSH(r.Inner.listCmd(), r.Opts)
	if err != nil {
		return nil, err
	}
	run := r.runCmd
	if run == nil {
		run = execCapture
	}
	out, err := run(ctx, wrapped)
	if err != nil {
		return nil, cowerrs.NewProtocolError("btrfs subvolume list", "running over ssh against %s: %v", r.Opts.Host, err)
	}
	vols, err := cowtree.ParseSubvolumeList(bytes.NewReader(out))
	if err != nil {
		return nil, err
	}
	if err := r.fillReadOnly(ctx, run, vols); err != nil {
		return nil, err
	}
	return vols, nil
}

// fillReadOnly cross-references each vol's actual ro property over ssh, the
// same check LocalRoot.List performs locally.
func (r *SSHRoot) fillReadOnly(ctx context.Context, run func(context.Context, cowcmd.Cmd) ([]byte, error), vols []*cowtree.Vol) error {
	for _, v := range vols {
		wrapped, err := cowcmd.WrapSSH(subvolPropertyGetCmd(r.Inner.Mount, r.Inner.UseSudo, v.Path), r.Opts)
		if err != nil {
			return err
		}
		out, err := run(ctx, wrapped)
		if err != nil {
			return cowerrs.NewProtocolError("btrfs property get", "checking ro status of %s over ssh: %v", v.Path, err)
		}
		ro, err := parseROProperty(out)
		if err != nil {
			return cowerrs.NewProtocolError("btrfs property get", "parsing ro status of %s: %v", v.Path, err)
		}
		v.RO = ro
	}
	return nil
}

func (r *SSHRoot) SendCmd(vol, parent *cowtree.Vol, clones []*cowtree.Vol) (cowcmd.Cmd, error) {
	c, err := r.Inner.SendCmd(vol, parent, clones)
	if err != nil {
		return cowcmd.Cmd{}, err
	}
	return cowcmd.WrapSSH(c, r.Opts)
}

func (r *SSHRoot) ReceiveCmd(dstPath string) (cowcmd.Cmd, error) {
	c, err := r.Inner.ReceiveCmd(dstPath)
	if err != nil {
		return cowcmd.Cmd{}, err
	}
	return cowcmd.WrapSSH(c, r.Opts)
}
