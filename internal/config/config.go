// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package config loads the configuration of a single RTU connection
// (master or slave) from file, environment, or defaults.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Default timeout values, matching spec.md §6.
const (
	DefaultTurnaroundTimeout = 100 * time.Millisecond
	DefaultResponseTimeout   = 200 * time.Millisecond
	DefaultBaudRate          = 9600
)

// LogConfig controls where and how verbosely the stack logs.
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // empty means stderr
}

// ConnectionConfig is everything needed to configure and connect one
// RTU connection, master or slave.
type ConnectionConfig struct {
	Role   string `mapstructure:"role"` // "master" or "slave"
	Device string `mapstructure:"serial_device"`
	Baud   int    `mapstructure:"baud_rate"`
	// Address is 0 for master, 1..247 for slave.
	Address uint16 `mapstructure:"address"`

	TurnaroundTimeoutMS uint `mapstructure:"turnaround_timeout_ms"`
	ResponseTimeoutMS   uint `mapstructure:"response_timeout_ms"`

	// Monitor only applies to slave connections.
	Monitor bool `mapstructure:"monitor"`

	Log LogConfig `mapstructure:"log"`
}

// TurnaroundTimeout returns the configured turnaround delay, falling
// back to DefaultTurnaroundTimeout when unset.
func (c ConnectionConfig) TurnaroundTimeout() time.Duration {
	if c.TurnaroundTimeoutMS == 0 {
		return DefaultTurnaroundTimeout
	}
	return time.Duration(c.TurnaroundTimeoutMS) * time.Millisecond
}

// ResponseTimeout returns the configured no-response timeout, falling
// back to DefaultResponseTimeout when unset.
func (c ConnectionConfig) ResponseTimeout() time.Duration {
	if c.ResponseTimeoutMS == 0 {
		return DefaultResponseTimeout
	}
	return time.Duration(c.ResponseTimeoutMS) * time.Millisecond
}

// Load reads a ConnectionConfig from configFile (YAML/TOML/JSON, by
// extension). When configFile is empty it looks for config.yaml in
// /etc/modbus-rtu/, then $HOME/.modbus-rtu, then the working
// directory, and uses the first one found, the way the teacher's
// gateway config loader does.
func Load(configFile string) (*ConnectionConfig, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbus-rtu/")
		v.AddConfigPath("$HOME/.modbus-rtu")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("MODBUS_RTU")
	v.AutomaticEnv()

	v.SetDefault("baud_rate", DefaultBaudRate)
	v.SetDefault("turnaround_timeout_ms", uint(DefaultTurnaroundTimeout/time.Millisecond))
	v.SetDefault("response_timeout_ms", uint(DefaultResponseTimeout/time.Millisecond))
	v.SetDefault("log.level", "info")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: failed to read config file: %w", err)
		}
	}

	var cfg ConnectionConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration error taxonomy's "Configuration
// error" case: bad role, unset device, unsupported address range.
func (c ConnectionConfig) Validate() error {
	switch c.Role {
	case "master", "slave":
	default:
		return fmt.Errorf("config: role must be \"master\" or \"slave\", got %q", c.Role)
	}
	if c.Device == "" {
		return fmt.Errorf("config: serial_device must be set")
	}
	if c.Role == "slave" && (c.Address < 1 || c.Address > 247) {
		return fmt.Errorf("config: slave address must be in 1..247, got %d", c.Address)
	}
	if c.Role == "master" && c.Monitor {
		return fmt.Errorf("config: monitor mode is slave-only")
	}
	return nil
}
