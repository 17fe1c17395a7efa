// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package skiplist

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/evoluhq/evolu-sub002/pkg/log"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"
)

type hookTimingKey struct{}

// registeredDrivers tracks driver names already passed to sql.Register,
// which panics on a duplicate name: a process that opens the same path
// more than once (tests reopening a store, a relay reloading an owner)
// must not re-register.
var (
	registeredDriversMu sync.Mutex
	registeredDrivers   = map[string]bool{}
)

// Hooks instruments every query with debug-level duration logging via
// sqlhooks, wrapping the sqlite3 driver this package registers.
type Hooks struct{}

func (h *Hooks) Before(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	return context.WithValue(ctx, hookTimingKey{}, time.Now()), nil
}

func (h *Hooks) After(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	begin, _ := ctx.Value(hookTimingKey{}).(time.Time)
	log.Debugf("skiplist: query %q took %s", query, time.Since(begin))
	return ctx, nil
}

// openDB connects to a sqlite3 database at path and ensures the schema is
// at the version this package expects, migrating forward if necessary.
func openDB(path string) (*sqlx.DB, error) {
	logOpen(path)
	driverName := driverNameFor(path)

	registeredDriversMu.Lock()
	if !registeredDrivers[driverName] {
		sql.Register(driverName, sqlhooks.Wrap(&sqlite3.SQLiteDriver{}, &Hooks{}))
		registeredDrivers[driverName] = true
	}
	registeredDriversMu.Unlock()

	db, err := sqlx.Open(driverName, fmt.Sprintf("%s?_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("skiplist: open %s: %w", path, err)
	}

	// sqlite3 does not benefit from more than one writer; serialize through
	// a single connection until Store.Open applies the caller's own config.
	db.SetMaxOpenConns(1)

	if err := Migrate(db.DB); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}
