// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Command rtu-master is a sample Modbus RTU master: it periodically
// reads one holding register from a fixed slave address and logs the
// reply, the Go rendering of utils/modbus_rtu_master.c from the
// original osmo-modbus tree. Not part of the connection library
// itself.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ljl-dev/modbus-rtu-stack/connection"
	"github.com/ljl-dev/modbus-rtu-stack/internal/config"
	"github.com/ljl-dev/modbus-rtu-stack/modbus"
)

func main() {
	configFile := flag.String("config", "", "path to config file")
	device := flag.String("serial-device", "", "serial device, overrides config")
	address := flag.Uint("slave-address", 1, "slave address to poll")
	period := flag.Duration("poll-period", time.Second, "interval between polls")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	cfg.Role = "master"
	if *device != "" {
		cfg.Device = *device
	}

	setupLogger(cfg.Log)

	conn, err := connection.New(cfg, onPrim)
	if err != nil {
		slog.Error("failed to build connection", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := conn.Connect(ctx); err != nil {
		slog.Error("connect failed", "device", cfg.Device, "err", err)
		os.Exit(1)
	}
	defer conn.Free()

	slog.Info("master connected", "device", cfg.Device, "slave", *address)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*period)
	defer ticker.Stop()

	req := modbus.NewReadHoldingRegistersRequest(uint16(*address), 0x0C, 1)
	for {
		select {
		case <-ticker.C:
			if err := conn.SubmitPrim(req); err != nil {
				slog.Error("submit failed", "err", err)
			}
		case <-sig:
			slog.Info("shutting down")
			return
		}
	}
}

func onPrim(c *connection.Connection, p modbus.Primitive) {
	switch p.Type {
	case modbus.TypeResponseTimeout:
		slog.Info("no response", "addr", p.Address)
	case modbus.TypeReadHoldingRegisters:
		slog.Info("received registers", "addr", p.Address, "registers", p.Registers)
	default:
		slog.Warn("unhandled primitive", "type", p.Type, "op", p.Op)
	}
}

func setupLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	out := os.Stderr
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			slog.Error("failed to open log file, falling back to stderr", "err", err)
		} else {
			out = f
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, opts)))
}
