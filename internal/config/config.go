// Package config loads the CLI's chain settings from a .env file and the
// process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// Environment variable names.
const (
	EnvRPCURL   = "RPC_URL"
	EnvChainID  = "CHAIN_ID"
	EnvPrefix   = "PREFIX"
	EnvDenom    = "DENOM"
	EnvMnemonic = "MNEMONIC"
	EnvContract = "CONTRACT"
)

// Config is the deployment a CLI invocation targets.
type Config struct {
	RPCURL   string
	ChainID  string
	Prefix   string
	Denom    string
	Contract string
	Mnemonic string // handed to a signer only, never printed
}

// Load reads files (".env" when none are given) into the environment without
// overriding variables already set, then builds a Config. Missing files are
// not an error.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return &Config{
		RPCURL:   os.Getenv(EnvRPCURL),
		ChainID:  os.Getenv(EnvChainID),
		Prefix:   os.Getenv(EnvPrefix),
		Denom:    os.Getenv(EnvDenom),
		Contract: os.Getenv(EnvContract),
		Mnemonic: os.Getenv(EnvMnemonic),
	}, nil
}

// Require fails when any of the named settings is empty.
func (c *Config) Require(names ...string) error {
	vals := map[string]string{
		EnvRPCURL:   c.RPCURL,
		EnvChainID:  c.ChainID,
		EnvPrefix:   c.Prefix,
		EnvDenom:    c.Denom,
		EnvContract: c.Contract,
		EnvMnemonic: c.Mnemonic,
	}
	var missing []string
	for _, n := range names {
		if vals[n] == "" {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing configuration: %v (set them in the environment or .env)", missing)
	}
	return nil
}

// String omits the mnemonic.
func (c Config) String() string {
	m := "unset"
	if c.Mnemonic != "" {
		m = "set"
	}
	return fmt.Sprintf("rpc=%s chain=%s prefix=%s denom=%s contract=%s mnemonic=%s",
		c.RPCURL, c.ChainID, c.Prefix, c.Denom, c.Contract, m)
}
