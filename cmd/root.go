/*
 * Copyright (C) 2024 Nuts community
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 *
 */

// Package cmd contains the command line interface of the server.
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/nuts-foundation/openid4vc/log"
)

// Execute runs the command line interface.
func Execute() {
	if err := newRootCommand().Execute(); err != nil {
		log.Logger().Error(err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "openid4vc",
		Short: "Credential exchange server implementing OpenID4VCI and OpenID4VP",
	}
	command.AddCommand(newServerCommand())
	return command
}

func newServerCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "server",
		Short: "Runs the issuer and verifier as an HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := LoadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), config)
		},
	}
	defaults := DefaultConfig()
	flags := command.Flags()
	flags.String(configFileFlag, "", "Path to the config file (yaml)")
	flags.String("address", defaults.Address, "Interface and port to listen on")
	flags.String("url", defaults.URL, "Public base URL wallets reach the server on")
	flags.String("verbosity", defaults.Verbosity, "Log level (trace, debug, info, warn, error)")
	flags.String("redis.address", "", "Redis address for session storage, empty uses in-memory storage")
	flags.String("redis.username", "", "Redis username")
	flags.String("redis.password", "", "Redis password")
	flags.String("issuer.credentialsfile", "", "JSON file listing the issuable credentials")
	flags.String("verifier.clientid", defaults.Verifier.ClientID, "Client ID (DID) the verifier uses towards wallets")
	return command
}
