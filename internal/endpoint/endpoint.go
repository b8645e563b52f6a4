// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package endpoint wraps a real serial line so the RTU transmission
// FSM can drive it through events instead of blocking reads.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/grid-x/serial"
)

// recvBufSize bounds a single read, matching the original's fixed
// reception buffer (conn_rtu.c reads into a bounded msgb).
const recvBufSize = 256

// Event is posted onto a connection's event channel whenever the
// reader goroutine completes a read. Exactly one of Bytes or Err is
// meaningful: Bytes for a successful read (possibly of length 1, one
// byte at a time is the common case on a real tty), Err when the
// underlying port failed or was closed out from under the reader.
type Event struct {
	Bytes []byte
	Err   error
}

// Endpoint is a single opened serial line. It is not safe for
// concurrent Write calls from more than one goroutine; the connection
// event loop is the only writer.
type Endpoint struct {
	mu   sync.Mutex
	cfg  serial.Config
	port io.ReadWriteCloser

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an unopened Endpoint for the given device at the given
// baud rate, framed 8N1 (8 data bits, no parity, 1 stop bit: 10 bits
// per character; the T1.5/T3.5 timings in modbus/rtu assume 11).
func New(device string, baud int) *Endpoint {
	return &Endpoint{
		cfg: serial.Config{
			Address:  device,
			BaudRate: baud,
			DataBits: 8,
			Parity:   "N",
			StopBits: 1,
		},
	}
}

// Attach adopts an already-open transport in place of a real serial
// port, for a test double or any io.ReadWriteCloser that isn't opened
// through github.com/grid-x/serial. Open becomes a no-op afterwards,
// exactly as it already is for a second Open call.
func (e *Endpoint) Attach(port io.ReadWriteCloser) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.port = port
}

// Open opens the underlying serial port. It must be called before
// Start or Write.
func (e *Endpoint) Open() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.port != nil {
		return nil
	}
	port, err := serial.Open(&e.cfg)
	if err != nil {
		return fmt.Errorf("endpoint: could not open %s: %w", e.cfg.Address, err)
	}
	e.port = port
	return nil
}

// Start launches the reader goroutine, which performs blocking reads
// against the port and posts one Event per completed read onto out.
// It keeps reading across a SetBaudRate reopen and runs until Close is
// called; Close cancels it before closing the port, so the
// close-induced read error is not posted. A read error not caused by
// Close or a reopen is posted as a final Event.
func (e *Endpoint) Start(out chan<- Event) {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})

	go e.readLoop(ctx, out)
}

func (e *Endpoint) readLoop(ctx context.Context, out chan<- Event) {
	defer close(e.done)

	buf := make([]byte, recvBufSize)
	for {
		e.mu.Lock()
		port := e.port
		e.mu.Unlock()
		if port == nil {
			out <- Event{Err: errors.New("endpoint: port not open")}
			return
		}

		n, err := port.Read(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			e.mu.Lock()
			reopened := e.port != nil && e.port != port
			e.mu.Unlock()
			if reopened {
				continue // SetBaudRate closed this port and opened a new one
			}
			out <- Event{Err: fmt.Errorf("endpoint: read: %w", err)}
			return
		}
		if n == 0 {
			continue
		}

		bytes := make([]byte, n)
		copy(bytes, buf[:n])

		select {
		case out <- Event{Bytes: bytes}:
		case <-ctx.Done():
			return
		}
	}
}

// Write sends a complete frame. The RTU transmission FSM calls this
// once per EMISSION state entry; it does not interleave with Start's
// reads, since Modbus RTU is half-duplex by protocol (not by the
// underlying UART, which is full-duplex).
func (e *Endpoint) Write(frame []byte) error {
	e.mu.Lock()
	port := e.port
	e.mu.Unlock()
	if port == nil {
		return errors.New("endpoint: port not open")
	}
	if _, err := port.Write(frame); err != nil {
		return fmt.Errorf("endpoint: write: %w", err)
	}
	return nil
}

// SetBaudRate reprograms the live serial driver, used when a
// connection's baud rate is changed while already connected.
func (e *Endpoint) SetBaudRate(baud int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cfg.BaudRate = baud
	if e.port == nil {
		return nil
	}
	if err := e.close(); err != nil {
		return err
	}
	port, err := serial.Open(&e.cfg)
	if err != nil {
		return fmt.Errorf("endpoint: could not reopen %s at %d baud: %w", e.cfg.Address, baud, err)
	}
	e.port = port
	return nil
}

// Close stops the reader goroutine and closes the port. It blocks
// until the reader goroutine has observed the close and exited.
func (e *Endpoint) Close() error {
	if e.cancel != nil {
		e.cancel()
	}

	e.mu.Lock()
	err := e.close()
	e.mu.Unlock()

	if e.done != nil {
		<-e.done
	}
	return err
}

// close closes the port. Caller must hold e.mu.
func (e *Endpoint) close() error {
	if e.port == nil {
		return nil
	}
	err := e.port.Close()
	e.port = nil
	if err != nil {
		return fmt.Errorf("endpoint: close: %w", err)
	}
	return nil
}
