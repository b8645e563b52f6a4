// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Command rtu-slave is a sample Modbus RTU slave: it answers every
// Read Multiple Holding Registers request addressed to it with a
// fixed register pattern, the Go rendering of
// utils/modbus_rtu_slave.c from the original osmo-modbus tree. Not
// part of the connection library itself.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ljl-dev/modbus-rtu-stack/connection"
	"github.com/ljl-dev/modbus-rtu-stack/internal/config"
	"github.com/ljl-dev/modbus-rtu-stack/modbus"
)

// fillValue is the byte every returned register is filled with,
// matching the original's memset(buf, 0x2b, ...) placeholder reply.
const fillValue = 0x2b2b

func main() {
	configFile := flag.String("config", "", "path to config file")
	device := flag.String("serial-device", "", "serial device, overrides config")
	address := flag.Uint("slave-address", 1, "address this slave answers to")
	monitor := flag.Bool("monitor", false, "also deliver requests addressed to other slaves, without replying")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	cfg.Role = "slave"
	cfg.Address = uint16(*address)
	cfg.Monitor = *monitor
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

	slog.Info("slave connected", "device", cfg.Device, "address", cfg.Address, "monitor", cfg.Monitor)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	slog.Info("shutting down")
}

func onPrim(c *connection.Connection, p modbus.Primitive) {
	if p.Type != modbus.TypeReadHoldingRegisters || p.Op != modbus.OpRequest {
		slog.Warn("unhandled primitive", "type", p.Type, "op", p.Op)
		return
	}

	slog.Info("received request", "addr", p.Address, "firstReg", p.FirstReg, "numReg", p.NumReg)

	if c.Role() == connection.RoleSlave && c.GetAddress() != p.Address {
		// addressed to another slave: only reachable here in monitor
		// mode, which never expects a reply.
		return
	}

	registers := make([]uint16, p.NumReg)
	for i := range registers {
		registers[i] = fillValue
	}
	resp := modbus.NewReadHoldingRegistersResponse(p.Address, registers)
	if err := c.SubmitPrim(resp); err != nil {
		slog.Error("submit failed", "err", err)
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
