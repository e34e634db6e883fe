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

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// NewConfigCommand builds the "config" subcommand: inspect the effective,
// fully-layered configuration (defaults, config file, environment, flags).
func NewConfigCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "config",
		Short: "Work with btrsync configuration",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as TOML",
		RunE:  showConfig,
	}

	test := &cobra.Command{
		Use:   "test",
		Short: "Validate the configuration file in use",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := conf.Validate(); err != nil {
				return &exitCodeError{err: err, code: 2}
			}
			used := v.ConfigFileUsed()
			if used == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid (no config file in use)")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "configuration is valid: %q\n", used)
			}
			return nil
		},
	}

	root.AddCommand(show)
	root.AddCommand(test)
	return root
}

func showConfig(cmd *cobra.Command, args []string) error {
	out, err := toml.Marshal(conf)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), string(out))
	return nil
}
