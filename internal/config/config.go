// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config defines the relay process's configuration surface: a
// JSON-tagged struct with defaults, overridable by a -config flag, with
// secrets loaded from a .env file before the JSON config file is applied.
package config

import (
	"encoding/json"
	"os"

	"github.com/evoluhq/evolu-sub002/pkg/nats"
	"github.com/joho/godotenv"
)

// ProgramConfig is the relay's top-level configuration.
type ProgramConfig struct {
	// Addr is where the relay's websocket/HTTP endpoint listens (e.g. ":8088").
	Addr string `json:"addr"`

	// Drop root permissions once the listener is bound.
	User  string `json:"user"`
	Group string `json:"group"`

	// DB is the sqlite3 file backing pkg/skiplist.
	DB string `json:"db"`

	// RangesMaxSize caps the byte size of a reconciliation round's Ranges,
	// passed straight through to reconcile.NewDriver.
	RangesMaxSize int `json:"ranges-max-size"`

	// MaxStoredBytesPerOwner is the storage quota internal/relay enforces
	// before accepting a write. Zero means unlimited.
	MaxStoredBytesPerOwner int64 `json:"max-stored-bytes-per-owner"`

	// OwnerMutexCacheSize bounds the per-owner quota rate.Limiter LRU.
	// The per-owner mutex table itself is never evicted; this only caps
	// how many owners' recent-burst history is remembered at once.
	OwnerMutexCacheSize int `json:"owner-mutex-cache-size"`

	// MaintenanceInterval controls how often IngestService.LogStats
	// reports the quota-limiter cache size, as a time.ParseDuration string.
	MaintenanceInterval string `json:"maintenance-interval"`

	Nats nats.NatsConfig `json:"nats"`
}

// Keys holds the process-wide configuration, initialized to defaults and
// then overridden by Init.
var Keys = ProgramConfig{
	Addr:                   ":8088",
	DB:                     "./var/evolu-relay.db",
	RangesMaxSize:          8192,
	MaxStoredBytesPerOwner: 0,
	OwnerMutexCacheSize:    4096,
	MaintenanceInterval:    "5m",
}

// Init loads .env (if present), then overlays configPath's JSON onto
// Keys. A missing configPath is not an error; a malformed one is.
func Init(configPath string) error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return err
	}

	f, err := os.Open(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	return dec.Decode(&Keys)
}
