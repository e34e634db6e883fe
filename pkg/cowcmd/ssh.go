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

package cowcmd

import (
	"strconv"
	"strings"

	"github.com/btrplex/btrsync/pkg/cowerrs"
)

// SSHOptions configures how a Cmd or Pipeline is wrapped to run over SSH.
type SSHOptions struct {
	User string
	Host string
	// Port is the SSH port. Zero means the ssh binary's own default (22).
	Port int
	// ExtraArgs are inserted after "ssh" and before the destination, e.g.
	// []string{"-o", "BatchMode=yes"}.
	ExtraArgs []string
}

func (o SSHOptions) destination() string {
	if o.User != "" {
		return o.User + "@" + o.Host
	}
	return o.Host
}

func (o SSHOptions) argvPrefix() []string {
	argv := []string{"ssh"}
	if o.Port != 0 {
		argv = append(argv, "-p", strconv.Itoa(o.Port))
	}
	argv = append(argv, o.ExtraArgs...)
	return append(argv, o.destination())
}

// composable is satisfied by both Cmd and Pipeline.
type composable interface {
	isComposable()
}

// WrapSSH rewrites c to run over SSH: the local argv becomes the remote
// shell command, single-quoted into one argument of `ssh user@host <cmd>`.
//
// WrapSSH only accepts a single Cmd. Passing it a Pipeline returns a
// ConfigurationError: turning an already-composed local pipeline (N
// processes joined by OS pipes) into a single remote shell command is a
// distinct construction, not a wrapping of the existing one -- use
// WrapSSHPipeline to build a remote pipe directly, or wrap each stage with
// WrapSSH individually and compose the results with NewPipeline to pipe
// between two independent SSH sessions locally.
func WrapSSH(c composable, opts SSHOptions) (Cmd, error) {
	switch v := c.(type) {
	case Cmd:
		return wrapSSHCmd(v, opts), nil
	case Pipeline:
		return Cmd{}, cowerrs.NewConfigurationError("wrap_ssh",
			"cannot wrap an already-composed local pipeline of %d stages as a single remote command; "+
				"use WrapSSHPipeline, or wrap each stage individually and pipe the results locally", len(v))
	default:
		return Cmd{}, cowerrs.NewConfigurationError("wrap_ssh", "unsupported composable type %T", c)
	}
}

func wrapSSHCmd(c Cmd, opts SSHOptions) Cmd {
	remote := shellJoin(c.Argv)
	n := New(append(opts.argvPrefix(), remote)...)
	// The remote shell inherits the local command's stderr/stdout/stdin
	// dispositions; ssh itself just relays bytes.
	n.Stdin, n.Stdout, n.Stderr = c.Stdin, c.Stdout, c.Stderr
	return n
}

// WrapSSHPipeline builds a single remote command that pipes every stage of
// p together inside one shell on the remote host, e.g.
// `ssh user@host 'btrfs send /vol | zstd -c'`. This is the distinct "remote
// pipeline construction" operation referenced by WrapSSH's doc comment: the
// resulting Cmd is a single local process (ssh) whose remote side does its
// own piping, as opposed to NewPipeline's N local processes joined by OS
// pipes.
func WrapSSHPipeline(p Pipeline, opts SSHOptions) (Cmd, error) {
	if len(p) == 0 {
		return Cmd{}, cowerrs.NewConfigurationError("wrap_ssh_pipeline", "at least one command is required")
	}
	parts := make([]string, len(p))
	for i, c := range p {
		parts[i] = shellJoin(c.Argv)
	}
	remote := strings.Join(parts, " | ")
	n := New(append(opts.argvPrefix(), remote)...)
	first, last := p[0], p[len(p)-1]
	n.Stdin = first.Stdin
	n.Stderr = InheritSpec()
	n.Stdout = last.Stdout
	return n, nil
}

func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

// shellQuote escapes s for safe inclusion as one argument of a POSIX shell
// command line, using single-quote escaping: wrap in single quotes and
// replace every embedded single quote with '\'' (close quote, escaped quote,
// reopen quote).
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, "\t\n '\"$`\\!*?[]{}()<>|;&~#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
