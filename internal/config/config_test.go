// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetKeys() {
	Keys = ProgramConfig{
		Addr:                   ":8088",
		DB:                     "./var/evolu-relay.db",
		RangesMaxSize:          8192,
		MaxStoredBytesPerOwner: 0,
		OwnerMutexCacheSize:    4096,
		MaintenanceInterval:    "5m",
	}
}

func TestInitWithMissingConfigFileKeepsDefaults(t *testing.T) {
	resetKeys()
	err := Init(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	assert.Equal(t, ":8088", Keys.Addr)
}

func TestInitOverlaysJSONOntoDefaults(t *testing.T) {
	resetKeys()
	path := filepath.Join(t.TempDir(), "config.json")
	body, err := json.Marshal(map[string]any{
		"addr":             ":9999",
		"ranges-max-size":  4096,
		"maintenance-interval": "1m",
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	require.NoError(t, Init(path))
	assert.Equal(t, ":9999", Keys.Addr)
	assert.Equal(t, 4096, Keys.RangesMaxSize)
	assert.Equal(t, "1m", Keys.MaintenanceInterval)
	assert.Equal(t, 4096, Keys.OwnerMutexCacheSize, "fields absent from the JSON overlay keep their default")
}

func TestInitRejectsUnknownFields(t *testing.T) {
	resetKeys()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"not-a-real-field": true}`), 0o600))

	err := Init(path)
	assert.Error(t, err)
}
