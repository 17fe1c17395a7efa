// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package skiplist

import "time"

// Config holds configuration for a Store. All fields have sensible
// defaults, so this configuration is optional.
type Config struct {
	// MaxOpenConnections is the maximum number of open database connections.
	// sqlite3 gains nothing from more than one writer, so values above 1
	// only help read concurrency.
	// Default: 1
	MaxOpenConnections int

	// ConnectionMaxLifetime is the maximum amount of time a connection may
	// be reused.
	// Default: 1 hour
	ConnectionMaxLifetime time.Duration

	// MaxLevel bounds how deep a timestamp's skiplist tower can grow.
	// Default: 10
	MaxLevel int

	// LevelProbability is the chance a node promotes to the next level up.
	// Default: 0.25
	LevelProbability float64
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxOpenConnections:    1,
		ConnectionMaxLifetime: time.Hour,
		MaxLevel:              10,
		LevelProbability:      0.25,
	}
}
