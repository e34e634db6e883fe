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

// Package config holds the CLI's persisted configuration: the fields a user
// can set in a TOML file, BTRSYNC_-prefixed environment variables, or flags,
// layered by viper in internal/cmd.
package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Config is the root configuration object for the btrsync CLI.
type Config struct {
	// Verbosity is the verbosity level.
	Verbosity int `mapstructure:"verbosity" toml:"verbosity,omitempty"`
	// Concurrency bounds how many source/destination roots are listed in
	// parallel while planning. It has no effect on Flow execution, which
	// always runs one plan at a time.
	Concurrency int `mapstructure:"concurrency" toml:"concurrency,omitempty"`
	// IncrementalOnly restricts the planner to parent-relative sends and
	// skips any subvolume that would otherwise require a full send.
	IncrementalOnly bool `mapstructure:"incremental_only" toml:"incremental_only,omitempty"`
	// Sudo wraps local send/receive commands with sudo -n.
	Sudo bool `mapstructure:"sudo" toml:"sudo,omitempty"`
	// SSHUser is the user to connect as when a root's path is an SSH
	// location. If left unset, defaults to the current user.
	SSHUser string `mapstructure:"ssh_user" toml:"ssh_user,omitempty"`
	// SSHKeyIdentityFile is the path to the SSH identity file to use for
	// SSH-backed roots.
	SSHKeyIdentityFile string `mapstructure:"ssh_key_identity_file" toml:"ssh_key_identity_file,omitempty"`
	// SSHPort is the port to connect to for SSH-backed roots. Defaults to 22.
	SSHPort int `mapstructure:"ssh_port" toml:"ssh_port,omitempty"`
	// ShutdownGrace is how long a Flow waits after SIGTERM before escalating
	// to SIGKILL when winding down a stage.
	ShutdownGrace Duration `mapstructure:"shutdown_grace" toml:"shutdown_grace,omitempty"`
	// DumpCompression selects zstd compression for dump-directory roots.
	DumpCompression bool `mapstructure:"dump_compression" toml:"dump_compression,omitempty"`
}

// Duration wraps time.Duration so it can be set from a human-readable
// string ("5m", "1h30m") on the command line, in a TOML file, or via an
// environment variable, while still behaving like a time.Duration in code.
type Duration time.Duration

func (d *Duration) Type() string { return "duration" }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) Set(s string) error {
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", time.Duration(d).String())), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	dur, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// DurationHookFunc lets viper.Unmarshal decode a plain string into a
// Duration field via mapstructure's decode-hook mechanism.
func DurationHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t != reflect.TypeOf(Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

const (
	DefaultConcurrency   = 1
	DefaultSSHPort       = 22
	DefaultShutdownGrace = Duration(5 * time.Second)
)

// NewDefaultConfig returns a Config with the documented defaults applied,
// suitable as viper's base before a config file or flags are layered in.
func NewDefaultConfig() Config {
	return Config{
		Verbosity:     0,
		Concurrency:   DefaultConcurrency,
		SSHPort:       DefaultSSHPort,
		ShutdownGrace: DefaultShutdownGrace,
	}
}

// Validate checks field-level invariants that don't depend on command-line
// arguments (source/destination paths are validated by internal/cmd, which
// parses them).
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	if c.SSHPort < 1 || c.SSHPort > 65535 {
		return fmt.Errorf("ssh_port must be between 1 and 65535")
	}
	if time.Duration(c.ShutdownGrace) < 0 {
		return fmt.Errorf("shutdown_grace must not be negative")
	}
	return nil
}
