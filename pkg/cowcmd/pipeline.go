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

import "github.com/btrplex/btrsync/pkg/cowerrs"

// Pipeline is an ordered sequence of Cmds whose adjacent stdout/stdin are
// connected. Pipeline itself does no I/O; pkg/flow materializes it into
// spawned processes joined by OS pipes.
type Pipeline []Cmd

func (p Pipeline) isComposable() {}

// NewPipeline composes cmds into a Pipeline, validating that none of the
// non-terminal stages already claims an explicit (non-inherited) stdout and
// that none of the non-first stages already claims an explicit stdin --
// those slots belong to the pipeline's internal wiring.
func NewPipeline(cmds ...Cmd) (Pipeline, error) {
	if len(cmds) == 0 {
		return nil, cowerrs.NewConfigurationError("pipeline", "at least one command is required")
	}
	p := make(Pipeline, len(cmds))
	for i, c := range cmds {
		if i > 0 && c.Stdin.Kind != Inherit {
			return nil, cowerrs.NewConfigurationError("pipeline",
				"stage %d: stdin is wired internally and cannot be set explicitly", i)
		}
		if i < len(cmds)-1 && c.Stdout.Kind != Inherit {
			return nil, cowerrs.NewConfigurationError("pipeline",
				"stage %d: stdout is wired internally and cannot be set explicitly", i)
		}
		cl := c.clone()
		if i > 0 {
			cl.Stdin = StreamSpec{Kind: Pipe}
		}
		if i < len(cmds)-1 {
			cl.Stdout = StreamSpec{Kind: Pipe}
		}
		p[i] = cl
	}
	return p, nil
}

// Single reports whether the pipeline holds exactly one stage, in which
// case it can be unwrapped back to a bare Cmd.
func (p Pipeline) Single() (Cmd, bool) {
	if len(p) == 1 {
		return p[0], true
	}
	return Cmd{}, false
}

// WrapSudo prepends "sudo -n" to the argv of every stage in the pipeline.
// This is the pipeline form of the Cmd-level sudo wrap: each stage runs as
// its own sudo invocation, since sudo only elevates the process it directly
// execs.
func (p Pipeline) WrapSudo() Pipeline {
	out := make(Pipeline, len(p))
	for i, c := range p {
		out[i] = WrapSudo(c)
	}
	return out
}

// WrapSudo prepends "sudo -n" to argv. The -n flag ensures sudo never blocks
// on a password prompt: if credentials are required the command fails
// immediately rather than hanging the Flow.
func WrapSudo(c Cmd) Cmd {
	n := c.clone()
	n.Argv = append([]string{"sudo", "-n"}, n.Argv...)
	return n
}
