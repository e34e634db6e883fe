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

// Package cmd is the cobra CLI surface for btrsync. It parses arguments and
// configuration, builds pkg/cowroot.Root values for the endpoints named on
// the command line, and drives pkg/btrsync accordingly; it is a collaborator
// of the core, not part of it.
package cmd

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/btrplex/btrsync/internal/config"
)

var (
	v         = viper.New()
	envPrefix = "BTRSYNC"
	cfgFile   string
	conf      = config.NewDefaultConfig()
	logger    = log.New(os.Stderr, "", log.LstdFlags)
)

func logLevel(level int, format string, args ...interface{}) {
	if conf.Verbosity >= level {
		logger.Printf(format, args...)
	}
}

// Execute runs the root command and translates a returned error, or an
// *exitCodeError carrying one of spec's executor exit codes, into the
// process's exit status.
func Execute(version string) {
	if err := NewRootCommand(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		var ec *exitCodeError
		if code, ok := asExitCodeError(err, &ec); ok {
			os.Exit(code)
		}
		os.Exit(1)
	}
}

// exitCodeError lets a RunE return both a message and the precise exit code
// spec §6 assigns a btrsync.Result, instead of collapsing every failure to 1.
type exitCodeError struct {
	err  error
	code int
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func asExitCodeError(err error, target **exitCodeError) (int, bool) {
	for {
		if ec, ok := err.(*exitCodeError); ok {
			*target = ec
			return ec.code, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0, false
		}
		err = u.Unwrap()
		if err == nil {
			return 0, false
		}
	}
}

// NewRootCommand builds the btrsync command tree.
func NewRootCommand(version string) *cobra.Command {
	rootCommand := &cobra.Command{
		Use:               "btrsync [flags] <source> <destination>",
		Short:             "Replicate btrfs subvolumes and snapshots, reusing shared history",
		SilenceErrors:     true,
		SilenceUsage:      true,
		Version:           version,
		PersistentPreRunE: initConfig,
	}

	rootCommand.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file")
	rootCommand.PersistentFlags().CountVarP(&conf.Verbosity, "verbose", "v", "verbosity level (can be used multiple times)")

	rootCommand.AddCommand(NewRunCommand())
	rootCommand.AddCommand(NewTreeCommand())
	rootCommand.AddCommand(NewConfigCommand())

	return rootCommand
}

func initConfig(cmd *cobra.Command, args []string) error {
	v.BindPFlag("verbosity", cmd.PersistentFlags().Lookup("verbose"))

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		cfgdir, err := os.UserConfigDir()
		cobra.CheckErr(err)
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(cfgdir, "btrsync"))
		v.AddConfigPath("/etc/btrsync")
		v.SetConfigType("toml")
		v.SetConfigName("btrsync.toml")
	}

	if err := v.ReadInConfig(); err == nil {
		if err := v.Unmarshal(&conf, viper.DecodeHook(config.DurationHookFunc())); err != nil {
			return err
		}
		logLevel(1, "Using config file: %s", v.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
		return err
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd.PersistentFlags().VisitAll(func(f *pflag.Flag) {
		if !f.Changed && v.IsSet(f.Name) {
			cmd.PersistentFlags().Set(f.Name, v.GetString(f.Name))
		}
	})
	for _, c := range cmd.Commands() {
		c.Flags().VisitAll(func(f *pflag.Flag) {
			if !f.Changed && v.IsSet(f.Name) {
				c.Flags().Set(f.Name, v.GetString(f.Name))
			}
		})
	}

	if err := conf.Validate(); err != nil {
		return err
	}

	logLevel(3, "Rendered config: %+v", conf)
	return nil
}
