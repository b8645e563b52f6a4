// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadMasterDefaults(t *testing.T) {
	path := writeConfigFile(t, "role: master\nserial_device: /dev/ttyUSB0\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "master", cfg.Role)
	assert.Equal(t, DefaultBaudRate, cfg.Baud)
	assert.Equal(t, DefaultTurnaroundTimeout, cfg.TurnaroundTimeout())
	assert.Equal(t, DefaultResponseTimeout, cfg.ResponseTimeout())
}

func TestLoadSlaveWithOverrides(t *testing.T) {
	path := writeConfigFile(t, `
role: slave
serial_device: /dev/ttyUSB1
address: 17
baud_rate: 19200
turnaround_timeout_ms: 50
response_timeout_ms: 500
monitor: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.EqualValues(t, 17, cfg.Address)
	assert.Equal(t, 19200, cfg.Baud)
	assert.True(t, cfg.Monitor)
	assert.Equal(t, 50*time.Millisecond, cfg.TurnaroundTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.ResponseTimeout())
}

func TestValidateRejectsBadRole(t *testing.T) {
	cfg := ConnectionConfig{Role: "bogus", Device: "/dev/ttyUSB0"}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsMissingDevice(t *testing.T) {
	cfg := ConnectionConfig{Role: "master"}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsOutOfRangeSlaveAddress(t *testing.T) {
	for _, addr := range []uint16{0, 248} {
		cfg := ConnectionConfig{Role: "slave", Device: "/dev/ttyUSB0", Address: addr}
		assert.Errorf(t, cfg.Validate(), "slave address %d", addr)
	}
}

func TestValidateRejectsMasterMonitor(t *testing.T) {
	cfg := ConnectionConfig{Role: "master", Device: "/dev/ttyUSB0", Monitor: true}
	assert.Error(t, cfg.Validate())
}
