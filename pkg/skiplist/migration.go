// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package skiplist

import (
	"database/sql"
	"embed"
	"errors"

	"github.com/evoluhq/evolu-sub002/pkg/log"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// schemaVersion is the migration version this package's storage code was
// written against. A mismatch is never left for an operator to resolve
// by hand: Open always migrates forward to schemaVersion automatically,
// since the owner databases this package manages have no other caller
// touching them.
const schemaVersion uint = 1

//go:embed migrations/*
var migrationFiles embed.FS

// Migrate brings db's schema up to schemaVersion, running the embedded
// sqlite3 migrations in order. It is idempotent: calling it against an
// already-current database is a no-op.
func Migrate(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return err
	}

	src, err := iofs.New(migrationFiles, "migrations/sqlite3")
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	v, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return err
	}
	if dirty {
		log.Warnf("skiplist: migration version %d is dirty, manual repair required", v)
	}

	return nil
}
