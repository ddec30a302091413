// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package config

import (
	"github.com/juju/schema"
)

var configChecker = schema.StrictFieldMap(schema.Fields{
	ListenAddress:       schema.String(),
	StoreType:           schema.String(),
	RedisAddress:        schema.String(),
	RedisPassword:       schema.String(),
	RedisDB:             schema.ForceInt(),
	PebbleDir:           schema.String(),
	PebbleFsync:         schema.String(),
	Mode:                schema.String(),
	PollInterval:        schema.TimeDurationString(),
	ScanPageSize:        schema.ForceInt(),
	SnapshotConcurrency: schema.ForceInt(),
	OutboundBuffer:      schema.ForceInt(),
	SubscribeRate:       schema.ForceInt(),
	TokenSecret:         schema.String(),
	ScopesFile:          schema.String(),
	PingPeriod:          schema.TimeDurationString(),
	WriteWait:           schema.TimeDurationString(),
}, schema.Defaults{
	ListenAddress:       DefaultListenAddress,
	StoreType:           DefaultStoreType,
	RedisAddress:        DefaultRedisAddress,
	RedisPassword:       schema.Omit,
	RedisDB:             0,
	PebbleDir:           schema.Omit,
	PebbleFsync:         DefaultPebbleFsync,
	Mode:                DefaultMode,
	PollInterval:        DefaultPollInterval,
	ScanPageSize:        DefaultScanPageSize,
	SnapshotConcurrency: DefaultSnapshotConcurrency,
	OutboundBuffer:      DefaultOutboundBuffer,
	SubscribeRate:       DefaultSubscribeRate,
	TokenSecret:         schema.Omit,
	ScopesFile:          schema.Omit,
	PingPeriod:          DefaultPingPeriod,
	WriteWait:           DefaultWriteWait,
})
