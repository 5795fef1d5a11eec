// config.go - TOML configuration loader.
// Copyright (C) 2024  the relayproxy authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config loads the TOML configuration for one proxy instance,
// following the Load/LoadFile/Validate shape used throughout the proxy
// server and client configs this proxy is descended from.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// DedupBackend selects the storage backend for the wrap/request dedup
// sets.
type DedupBackend string

const (
	DedupBackendMemory DedupBackend = "memory"
	DedupBackendRedis  DedupBackend = "redis"
)

// DefaultTimeoutSeconds is applied when TimeoutSeconds is left at its zero
// value, matching the origin-request timeout documented as this proxy's
// default.
const DefaultTimeoutSeconds = 300

// Config is the full set of values an operator supplies to run one proxy
// instance.
type Config struct {
	// Destination is the origin base URL every reassembled request is
	// forwarded to.
	Destination string
	// SecretKeyHex is the proxy's Nostr private key, hex encoded.
	SecretKeyHex string
	// Relays is the set of relay URLs subscribed to and published on.
	Relays []string
	// AllowedRoutes gates which request paths are forwarded to Destination,
	// glob patterns with optional "!" negation.
	AllowedRoutes []string
	// TimeoutSeconds bounds each origin request.
	TimeoutSeconds int
	// NProfileMaxRelays caps how many relay hints are embedded in the
	// proxy's own advertised nprofile.
	NProfileMaxRelays int

	// Dedup configures the wrap/request replay-guard storage.
	Dedup DedupConfig
	// IdentityStorePath, if non-empty, enables bbolt-backed persistence of
	// the computed nprofile across restarts.
	IdentityStorePath string
	// WasmTransformerPath, if non-empty, loads a WASI response transformer
	// module instead of the compiled-in Func default.
	WasmTransformerPath string
	// MetricsListenAddr, if non-empty, serves Prometheus metrics at
	// /metrics on this address.
	MetricsListenAddr string
	// LogFile is the destination for structured logs; empty means stdout.
	LogFile string
	// LogLevel is one of the op/go-logging level names (DEBUG, INFO,
	// NOTICE, WARNING, ERROR, CRITICAL).
	LogLevel string
}

// DedupConfig configures the dedup.Store backend.
type DedupConfig struct {
	Backend  DedupBackend
	RedisURL string
	RedisKey string
}

// Timeout returns TimeoutSeconds as a time.Duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Validate checks that every field required to run the proxy is present
// and well formed.
func (c *Config) Validate() error {
	if c.Destination == "" {
		return errors.New("config: destination must be set")
	}
	if c.SecretKeyHex == "" {
		return errors.New("config: secretKey must be set")
	}
	if len(c.Relays) == 0 {
		return errors.New("config: at least one relay must be configured")
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if c.TimeoutSeconds < 0 {
		return errors.New("config: timeoutSeconds must be positive")
	}
	if c.NProfileMaxRelays < 0 {
		return errors.New("config: nprofileMaxRelays must not be negative")
	}
	if c.LogLevel == "" {
		c.LogLevel = "NOTICE"
	}

	switch c.Dedup.Backend {
	case "":
		c.Dedup.Backend = DedupBackendMemory
	case DedupBackendMemory:
	case DedupBackendRedis:
		if c.Dedup.RedisURL == "" {
			return errors.New("config: dedup.redisURL must be set when backend is redis")
		}
		if c.Dedup.RedisKey == "" {
			c.Dedup.RedisKey = "relayproxy:dedup"
		}
	default:
		return fmt.Errorf("config: unknown dedup backend %q", c.Dedup.Backend)
	}

	return nil
}

// Load parses and validates b as a config file body.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("config: no nil buffer as config file")
	}

	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the config file at path.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Load(b)
}
