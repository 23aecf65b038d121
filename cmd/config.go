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

package cmd

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/nuts-foundation/openid4vc/storage"
)

const envPrefix = "OPENID4VC_"
const configFileFlag = "config"

// Config holds the server configuration.
// Sources in ascending precedence: defaults, config file, environment, flags.
type Config struct {
	// Address is the interface and port the server listens on.
	Address string `koanf:"address"`
	// URL is the public base URL wallets reach the server on.
	URL       string              `koanf:"url"`
	Verbosity string              `koanf:"verbosity"`
	Redis     storage.RedisConfig `koanf:"redis"`
	Issuer    IssuerConfig        `koanf:"issuer"`
	Verifier  VerifierConfig      `koanf:"verifier"`
}

// IssuerConfig configures the issuer engine.
type IssuerConfig struct {
	// CredentialsFile points to a JSON file listing the issuable credentials
	// (credentials_supported entries). Empty uses a built-in demo credential.
	CredentialsFile string `koanf:"credentialsfile"`
}

// VerifierConfig configures the verifier engine.
type VerifierConfig struct {
	// ClientID identifies the verifier towards wallets, typically a DID.
	ClientID string `koanf:"clientid"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Address:   ":1323",
		URL:       "http://localhost:1323",
		Verbosity: "info",
		Verifier:  VerifierConfig{ClientID: "did:web:localhost"},
	}
}

// LoadConfig loads the configuration from the config file (if given), environment
// variables (OPENID4VC_ prefix, underscores as separators) and flags.
func LoadConfig(flags *pflag.FlagSet) (Config, error) {
	config := DefaultConfig()
	k := koanf.New(".")

	if configFile, _ := flags.GetString(configFileFlag); configFile != "" {
		if err := k.Load(file.Provider(configFile), yaml.Parser()); err != nil {
			return config, fmt.Errorf("unable to load config file %s: %w", configFile, err)
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", func(key string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, envPrefix)), "_", ".")
	}), nil); err != nil {
		return config, err
	}
	if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
		return config, err
	}
	if err := k.Unmarshal("", &config); err != nil {
		return config, fmt.Errorf("unable to parse configuration: %w", err)
	}
	return config, nil
}
