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

// Package cowerrs defines the error taxonomy shared by every layer of the
// transfer engine: fatal, pre-flight errors that abort before any Flow runs,
// and per-plan errors that are recorded and allow the executor to continue.
package cowerrs

import (
	"errors"
	"fmt"
)

// ErrCancelled is returned when the executor was interrupted mid-run.
var ErrCancelled = errors.New("cowerrs: transfer cancelled")

// ConfigurationError signals an invalid endpoint or an unsupported
// combination of root capabilities (e.g. requesting an incremental send
// from a root that cannot supply parents).
type ConfigurationError struct {
	Op  string
	Msg string
}

func (e *ConfigurationError) Error() string {
	if e.Op == "" {
		return "configuration error: " + e.Msg
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Op, e.Msg)
}

// NewConfigurationError builds a ConfigurationError for the named operation.
func NewConfigurationError(op, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// ProtocolError signals that output from an external command (typically
// `btrfs subvolume list`) could not be parsed.
type ProtocolError struct {
	Source string
	Msg    string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error from %s: %s", e.Source, e.Msg)
}

func NewProtocolError(source, format string, args ...any) *ProtocolError {
	return &ProtocolError{Source: source, Msg: fmt.Sprintf(format, args...)}
}

// ConsistencyError signals a contradiction discovered while building a
// COWTree, such as a cycle in the parent_uuid chain.
type ConsistencyError struct {
	Msg string
}

func (e *ConsistencyError) Error() string {
	return "consistency error: " + e.Msg
}

func NewConsistencyError(format string, args ...any) *ConsistencyError {
	return &ConsistencyError{Msg: fmt.Sprintf(format, args...)}
}

// SpawnError signals that the OS failed to start one of a Flow's stages.
type SpawnError struct {
	Stage int
	Argv  []string
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn stage %d (%v): %v", e.Stage, e.Argv, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// StageFailure records a single pipeline stage that exited with a nonzero
// status. StageIndex is the position of the stage within its Flow, counting
// from the send side (stage 0).
type StageFailure struct {
	StageIndex int
	Argv       []string
	ExitCode   int
	StderrTail string
}

func (e *StageFailure) Error() string {
	return fmt.Sprintf("stage %d (%v) exited %d: %s", e.StageIndex, e.Argv, e.ExitCode, e.StderrTail)
}

// FilesystemErrorKind enumerates the pre-flight filesystem checks that can
// fail before a Flow is even constructed.
type FilesystemErrorKind string

const (
	FileExists   FilesystemErrorKind = "file_exists"
	NotBtrfs     FilesystemErrorKind = "not_btrfs"
	NotReadable  FilesystemErrorKind = "not_readable"
	NotWriteable FilesystemErrorKind = "not_writeable"
)

// FilesystemError signals a pre-flight filesystem check failure, e.g. a dump
// writer refusing to overwrite an existing stream file.
type FilesystemError struct {
	Kind FilesystemErrorKind
	Path string
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("filesystem error (%s): %s", e.Kind, e.Path)
}

// NewFilesystemError builds a FilesystemError of the given kind for path.
func NewFilesystemError(kind FilesystemErrorKind, path string) *FilesystemError {
	return &FilesystemError{Kind: kind, Path: path}
}

// IsFatal reports whether err should abort the executor before any further
// Flow is run, as opposed to being recorded per-plan and allowing the
// executor to continue with the remaining plans.
func IsFatal(err error) bool {
	var cfg *ConfigurationError
	var proto *ProtocolError
	var consistency *ConsistencyError
	var spawn *SpawnError
	var fsErr *FilesystemError
	switch {
	case errors.As(err, &cfg),
		errors.As(err, &proto),
		errors.As(err, &consistency),
		errors.As(err, &spawn),
		errors.As(err, &fsErr):
		return true
	default:
		return false
	}
}
