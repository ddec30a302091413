// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config reads and validates the daemon's configuration file.
package config

import (
	"os"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

const (
	// ListenAddress is the address the HTTP server listens on.
	ListenAddress = "listen-address"

	// StoreType selects the backing store: "redis" or "pebble".
	StoreType = "store-type"

	// RedisAddress is the host:port of the Redis server.
	RedisAddress = "redis-address"

	// RedisPassword authenticates with the Redis server.
	RedisPassword = "redis-password"

	// RedisDB is the Redis database number.
	RedisDB = "redis-db"

	// PebbleDir is the Pebble database directory.
	PebbleDir = "pebble-dir"

	// PebbleFsync is the Pebble WAL sync mode: always, interval or never.
	PebbleFsync = "pebble-fsync"

	// Mode forces change detection to "push" or "poll", or lets the
	// daemon probe the store when "auto".
	Mode = "mode"

	// PollInterval is the time between poll ticks.
	PollInterval = "poll-interval"

	// ScanPageSize is the page size hint for key scans.
	ScanPageSize = "scan-page-size"

	// SnapshotConcurrency bounds the pattern scans run for one snapshot.
	SnapshotConcurrency = "snapshot-concurrency"

	// OutboundBuffer is the number of events buffered per connection.
	OutboundBuffer = "outbound-buffer"

	// SubscribeRate is the number of subscribe messages a connection may
	// send per second.
	SubscribeRate = "subscribe-rate"

	// TokenSecret is the HS256 secret bearer tokens are signed with.
	TokenSecret = "token-secret"

	// ScopesFile is the YAML file mapping identities to patterns.
	ScopesFile = "scopes-file"

	// PingPeriod is the interval between websocket pings.
	PingPeriod = "ping-period"

	// WriteWait is the deadline for a single websocket write.
	WriteWait = "write-wait"
)

const (
	DefaultListenAddress       = ":3000"
	DefaultStoreType           = StoreRedis
	DefaultRedisAddress        = "localhost:6379"
	DefaultPebbleFsync         = "interval"
	DefaultMode                = "auto"
	DefaultPollInterval        = "2s"
	DefaultScanPageSize        = 100
	DefaultSnapshotConcurrency = 4
	DefaultOutboundBuffer      = 64
	DefaultSubscribeRate       = 5
	DefaultPingPeriod          = "30s"
	DefaultWriteWait           = "10s"
)

const (
	StoreRedis  = "redis"
	StorePebble = "pebble"
)

// EnvConfigFile names the config file when none is given on the
// command line.
const EnvConfigFile = "KEYFEED_CONFIG"

// Config is the validated daemon configuration.
type Config struct {
	ListenAddress string

	StoreType     string
	RedisAddress  string
	RedisPassword string
	RedisDB       int
	PebbleDir     string
	PebbleFsync   string

	Mode                string
	PollInterval        time.Duration
	ScanPageSize        int
	SnapshotConcurrency int

	OutboundBuffer int
	SubscribeRate  int
	PingPeriod     time.Duration
	WriteWait      time.Duration

	TokenSecret string
	ScopesFile  string
}

// New coerces the attributes, filling in defaults, and validates the
// result.
func New(attrs map[string]interface{}) (Config, error) {
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	coerced, err := configChecker.Coerce(attrs, nil)
	if err != nil {
		return Config{}, errors.Trace(err)
	}
	m := coerced.(map[string]interface{})

	cfg := Config{
		ListenAddress:       m[ListenAddress].(string),
		StoreType:           m[StoreType].(string),
		RedisAddress:        m[RedisAddress].(string),
		RedisPassword:       stringOrEmpty(m, RedisPassword),
		RedisDB:             m[RedisDB].(int),
		PebbleDir:           stringOrEmpty(m, PebbleDir),
		PebbleFsync:         m[PebbleFsync].(string),
		Mode:                m[Mode].(string),
		PollInterval:        m[PollInterval].(time.Duration),
		ScanPageSize:        m[ScanPageSize].(int),
		SnapshotConcurrency: m[SnapshotConcurrency].(int),
		OutboundBuffer:      m[OutboundBuffer].(int),
		SubscribeRate:       m[SubscribeRate].(int),
		PingPeriod:          m[PingPeriod].(time.Duration),
		WriteWait:           m[WriteWait].(time.Duration),
		TokenSecret:         stringOrEmpty(m, TokenSecret),
		ScopesFile:          stringOrEmpty(m, ScopesFile),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

// Parse reads a YAML attribute map and returns the config it describes.
func Parse(data []byte) (Config, error) {
	var attrs map[string]interface{}
	if err := yaml.Unmarshal(data, &attrs); err != nil {
		return Config{}, errors.Annotate(err, "parsing config")
	}
	return New(attrs)
}

// ReadFile reads the config from the YAML file at path.
func ReadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Annotate(err, "reading config")
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, errors.Annotatef(err, "in %q", path)
	}
	return cfg, nil
}

// Validate returns a NotValid error describing the first problem found.
func (c Config) Validate() error {
	if c.ListenAddress == "" {
		return errors.NotValidf("empty %s", ListenAddress)
	}
	switch c.StoreType {
	case StoreRedis:
		if c.RedisAddress == "" {
			return errors.NotValidf("empty %s", RedisAddress)
		}
		if c.RedisDB < 0 {
			return errors.NotValidf("negative %s %d", RedisDB, c.RedisDB)
		}
	case StorePebble:
		if c.PebbleDir == "" {
			return errors.NotValidf("empty %s with pebble store", PebbleDir)
		}
		switch c.PebbleFsync {
		case "always", "interval", "never":
		default:
			return errors.NotValidf("%s %q", PebbleFsync, c.PebbleFsync)
		}
	default:
		return errors.NotValidf("%s %q", StoreType, c.StoreType)
	}

	switch c.Mode {
	case "auto", "push", "poll":
	default:
		return errors.NotValidf("%s %q", Mode, c.Mode)
	}
	if c.Mode == "push" && c.StoreType == StorePebble {
		return errors.NotValidf("%s push with pebble store", Mode)
	}

	if c.PollInterval <= 0 {
		return errors.NotValidf("%s %v", PollInterval, c.PollInterval)
	}
	for key, value := range map[string]int{
		ScanPageSize:        c.ScanPageSize,
		SnapshotConcurrency: c.SnapshotConcurrency,
		OutboundBuffer:      c.OutboundBuffer,
		SubscribeRate:       c.SubscribeRate,
	} {
		if value <= 0 {
			return errors.NotValidf("%s %d", key, value)
		}
	}
	if c.PingPeriod <= 0 {
		return errors.NotValidf("%s %v", PingPeriod, c.PingPeriod)
	}
	if c.WriteWait <= 0 {
		return errors.NotValidf("%s %v", WriteWait, c.WriteWait)
	}

	if c.TokenSecret == "" {
		return errors.NotValidf("empty %s", TokenSecret)
	}
	if c.ScopesFile == "" {
		return errors.NotValidf("empty %s", ScopesFile)
	}
	return nil
}

func stringOrEmpty(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
