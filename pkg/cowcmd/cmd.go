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

// Package cowcmd models external command invocations as values, so that
// pipeline composition (local piping, sudo wrapping, SSH wrapping) can be
// built up and inspected before anything is ever spawned.
package cowcmd

import "os"

// StreamKind tags the disposition of a Cmd's stdin/stdout/stderr.
type StreamKind int

const (
	// Inherit connects the stream to the corresponding stream of the
	// enclosing process.
	Inherit StreamKind = iota
	// Null connects the stream to /dev/null.
	Null
	// Pipe marks the stream as connected to an adjacent pipeline stage.
	// It is set implicitly by Pipeline and should not normally be set by
	// callers directly.
	Pipe
	// FD connects the stream to an already-open file descriptor.
	FD
	// File connects the stream to a named file, opened with Mode.
	File
)

// StreamSpec describes one of a Cmd's three standard streams.
type StreamSpec struct {
	Kind StreamKind
	Fd   int
	Path string
	Mode os.FileMode
}

// InheritSpec is the default StreamSpec for all three streams.
func InheritSpec() StreamSpec { return StreamSpec{Kind: Inherit} }

// NullSpec discards (or never produces) the given stream.
func NullSpec() StreamSpec { return StreamSpec{Kind: Null} }

// FDSpec connects a stream directly to an open file descriptor.
func FDSpec(fd int) StreamSpec { return StreamSpec{Kind: FD, Fd: fd} }

// FileSpec connects a stream to a named file, created with the given mode
// when used as an output.
func FileSpec(path string, mode os.FileMode) StreamSpec {
	return StreamSpec{Kind: File, Path: path, Mode: mode}
}

// Cmd is an immutable description of a single external command invocation.
// Values are built up with the With* methods, each of which returns a copy,
// so a Cmd can be constructed once and reused across pipelines.
type Cmd struct {
	Argv   []string
	Env    map[string]string
	Stdin  StreamSpec
	Stdout StreamSpec
	Stderr StreamSpec
}

// New builds a Cmd with inherited streams and no environment overrides.
func New(argv ...string) Cmd {
	return Cmd{
		Argv:   append([]string(nil), argv...),
		Stdin:  InheritSpec(),
		Stdout: InheritSpec(),
		Stderr: InheritSpec(),
	}
}

func (c Cmd) clone() Cmd {
	c.Argv = append([]string(nil), c.Argv...)
	if c.Env != nil {
		env := make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			env[k] = v
		}
		c.Env = env
	}
	return c
}

// WithStdin returns a copy of c with its stdin spec replaced.
func (c Cmd) WithStdin(s StreamSpec) Cmd { n := c.clone(); n.Stdin = s; return n }

// WithStdout returns a copy of c with its stdout spec replaced.
func (c Cmd) WithStdout(s StreamSpec) Cmd { n := c.clone(); n.Stdout = s; return n }

// WithStderr returns a copy of c with its stderr spec replaced.
func (c Cmd) WithStderr(s StreamSpec) Cmd { n := c.clone(); n.Stderr = s; return n }

// WithEnv returns a copy of c with the given environment variable set,
// overriding the enclosing process's value for that key.
func (c Cmd) WithEnv(key, value string) Cmd {
	n := c.clone()
	if n.Env == nil {
		n.Env = map[string]string{}
	}
	n.Env[key] = value
	return n
}

// isComposable marks Cmd and Pipeline as the two forms WrapSSH can be asked
// to act on, so that WrapSSH(pipeline) is a compile-time-legal call that
// fails at run time with ConfigurationError (see ssh.go), matching the
// contract that local and remote pipeline construction are separate
// operations.
func (c Cmd) isComposable() {}
