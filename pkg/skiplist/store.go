// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package skiplist

import (
	"fmt"
	"math/rand/v2"

	"github.com/evoluhq/evolu-sub002/pkg/log"
	"github.com/jmoiron/sqlx"
)

// Store persists, per owner, the set of timestamps a relay or client holds,
// indexed by a probabilistic skiplist so that the fingerprint of any
// contiguous range can be computed without a full scan.
type Store struct {
	db     *sqlx.DB
	cfg    *Config
	random func() float64
}

// Open opens (creating if necessary) the sqlite3 database at path and
// migrates it to the schema this package expects. cfg may be nil, in which
// case DefaultConfig is used. random, if non-nil, overrides the source of
// randomness used to sample a new timestamp's skiplist level -- tests pass
// a deterministic sequence here to pin down tower shapes.
func Open(path string, cfg *Config, random func() float64) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if random == nil {
		random = rand.Float64
	}

	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxOpenConnections)
	db.SetConnMaxLifetime(cfg.ConnectionMaxLifetime)

	return &Store{db: db, cfg: cfg, random: random}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// sampleLevel draws a new node's tower height: level 1 always, each level
// above gained independently with probability cfg.LevelProbability, capped
// at cfg.MaxLevel.
func (s *Store) sampleLevel() int {
	level := 1
	for level < s.cfg.MaxLevel && s.random() < s.cfg.LevelProbability {
		level++
	}
	return level
}

func driverNameFor(path string) string {
	return fmt.Sprintf("sqlite3_skiplist_%s", path)
}

func logOpen(path string) {
	log.Debugf("skiplist: opening store at %s", path)
}
