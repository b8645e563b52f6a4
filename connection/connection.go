// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package connection ties the RTU transmission FSM, the master/slave
// connection FSM, the frame codec, and the message queue together
// into a single usable Modbus RTU connection: a master, a slave, or a
// passive monitor.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ljl-dev/modbus-rtu-stack/internal/config"
	"github.com/ljl-dev/modbus-rtu-stack/internal/endpoint"
	"github.com/ljl-dev/modbus-rtu-stack/internal/queue"
	"github.com/ljl-dev/modbus-rtu-stack/internal/rtufsm"
	"github.com/ljl-dev/modbus-rtu-stack/modbus"
	"github.com/ljl-dev/modbus-rtu-stack/modbus/rtu"
)

// Role is whether a Connection behaves as a master or a slave.
type Role int

const (
	RoleMaster Role = iota
	RoleSlave
)

func (r Role) String() string {
	if r == RoleMaster {
		return "master"
	}
	return "slave"
}

// ErrClosed is returned by SubmitPrim and Connect once Free has been
// called.
var ErrClosed = errors.New("connection: closed")

// ErrInvalidArgument is returned by SubmitPrim when the primitive's
// Op does not match what this connection's role may submit: a master
// may only submit OpRequest, a slave only OpResponse.
var ErrInvalidArgument = errors.New("connection: invalid argument")

// Callback receives every primitive the connection delivers upward:
// a genuine response or request, a timeout indication, or (for a
// slave in monitor mode) a request addressed to another slave. The
// application may call SubmitPrim and the Get/Set accessors
// reentrantly from within Callback — submitting is the common pattern
// for a slave answering the request it was just handed.
type Callback func(c *Connection, p modbus.Primitive)

type timerKind int

const (
	timerRTU timerKind = iota
	timerNoResponse
)

type timerFired struct {
	kind timerKind
	gen  int
}

// Connection is one RTU master, slave, or monitor connection. All
// state is owned by a single goroutine (run); every exported method
// either reaches it through a channel or only touches fields guarded
// by mu.
type Connection struct {
	role Role
	log  *slog.Logger

	ep     *endpoint.Endpoint
	rtuFSM *rtufsm.FSM
	master *MasterFSM // nil unless role == RoleMaster
	slave  *SlaveFSM  // nil unless role == RoleSlave

	queue *queue.Queue[modbus.Primitive]

	callback Callback

	mu                sync.Mutex
	baud              int
	turnaroundTimeout time.Duration
	connected         bool

	cbMu       sync.Mutex
	inCallback bool

	epEvents chan endpoint.Event
	submitCh chan struct{}
	timerCh  chan timerFired
	execCh   chan func()
	stopCh   chan struct{}
	done     chan struct{}

	rtuTimer    *time.Timer
	rtuTimerGen int
	rtuArmedAt  rtufsm.TimerKind

	noRespTimer    *time.Timer
	noRespTimerGen int
}

// New builds an unconnected Connection for cfg. callback may be nil,
// in which case delivered primitives are simply dropped (matching
// the original's msgb_free(prim->oph.msg) fallback when no prim_cb is
// registered).
func New(cfg *config.ConnectionConfig, callback Callback) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Connection{
		log:               slog.Default().With("device", cfg.Device, "role", cfg.Role),
		ep:                endpoint.New(cfg.Device, cfg.Baud),
		rtuFSM:            rtufsm.New(cfg.Baud),
		queue:             queue.New[modbus.Primitive](),
		callback:          callback,
		baud:              cfg.Baud,
		turnaroundTimeout: cfg.TurnaroundTimeout(),
		epEvents:          make(chan endpoint.Event, 16),
		submitCh:          make(chan struct{}, 1),
		timerCh:           make(chan timerFired, 4),
		execCh:            make(chan func()),
		stopCh:            make(chan struct{}),
		done:              make(chan struct{}),
	}

	switch cfg.Role {
	case "master":
		c.role = RoleMaster
		c.master = NewMaster(cfg.ResponseTimeout())
	case "slave":
		c.role = RoleSlave
		c.slave = NewSlave(cfg.Address, callback != nil)
		c.slave.SetMonitor(cfg.Monitor)
	default:
		return nil, fmt.Errorf("connection: unknown role %q", cfg.Role)
	}

	return c, nil
}

// Role reports whether this is a master or slave connection.
func (c *Connection) Role() Role { return c.role }

// String identifies the connection for logging, matching the
// teacher's general preference for descriptive %v/Stringer output.
func (c *Connection) String() string {
	if c.role == RoleSlave {
		return fmt.Sprintf("modbus-rtu(slave, addr=%d)", c.slave.Address())
	}
	return "modbus-rtu(master)"
}

// Connect opens the serial endpoint and starts the connection's event
// loop. It mirrors osmo_modbus_conn_connect: DISCONNECTED -> IDLE on
// success, left DISCONNECTED on failure.
func (c *Connection) Connect(ctx context.Context) error {
	if err := c.ep.Open(); err != nil {
		return err
	}

	go c.run()
	c.ep.Start(c.epEvents)

	done := make(chan struct{})
	task := func() {
		defer close(done)
		dequeue := c.dequeueFunc()
		if c.role == RoleMaster {
			c.applyMasterOutput(c.master.Dispatch(MasterEventConnect, nil, dequeue))
		} else {
			c.applySlaveOutput(c.slave.Dispatch(SlaveEventConnect, nil, dequeue))
		}
		c.applyRTUOutput(c.rtuFSM.Dispatch(rtufsm.EventStart, nil))
	}

	select {
	case c.execCh <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
	<-done

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

// IsConnected reports whether Connect has succeeded and Free has not
// yet been called.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SubmitPrim enqueues a primitive (a master's request, or a slave's
// response to the request it was just handed) and wakes the event
// loop. It may be called reentrantly from within Callback.
//
// A protocol violation by the caller — a master submitting anything
// but a request, or a slave submitting anything but a response — is
// rejected synchronously with ErrInvalidArgument and never enqueued,
// matching osmo_modbus_conn_submit_prim's role/operation check.
func (c *Connection) SubmitPrim(p modbus.Primitive) error {
	if (c.role == RoleMaster && p.Op != modbus.OpRequest) ||
		(c.role == RoleSlave && p.Op != modbus.OpResponse) {
		return ErrInvalidArgument
	}

	c.cbMu.Lock()
	reentrant := c.inCallback
	c.cbMu.Unlock()

	c.queue.Enqueue(p)

	if reentrant {
		c.processSubmit()
		return nil
	}

	select {
	case c.submitCh <- struct{}{}:
	case <-c.done:
		return ErrClosed
	}
	return nil
}

// SetAddress changes the slave address this connection answers to.
// It is a no-op for a master connection, matching the original's
// fixed conn->address = 0x00 for masters.
func (c *Connection) SetAddress(address uint16) {
	if c.role != RoleSlave {
		return
	}
	c.withFSM(func() { c.slave.SetAddress(address) })
}

// GetAddress returns the address configured via SetAddress, or 0 for
// a master.
func (c *Connection) GetAddress() uint16 {
	if c.role != RoleSlave {
		return 0
	}
	var addr uint16
	c.withFSM(func() { addr = c.slave.Address() })
	return addr
}

// SetTimeout sets the master's no-response timeout. It has no effect
// on a slave connection.
func (c *Connection) SetTimeout(d time.Duration) {
	if c.role != RoleMaster {
		return
	}
	c.withFSM(func() { c.master.SetResponseTimeout(d) })
}

// GetTimeout returns the master's no-response timeout, or 0 for a
// slave.
func (c *Connection) GetTimeout() time.Duration {
	if c.role != RoleMaster {
		return 0
	}
	var d time.Duration
	c.withFSM(func() { d = c.master.responseTimeout })
	return d
}

// SetMonitor enables or disables monitor mode on a slave connection.
// It has no effect on a master connection.
func (c *Connection) SetMonitor(enable bool) {
	if c.role != RoleSlave {
		return
	}
	c.withFSM(func() { c.slave.SetMonitor(enable) })
}

// SetBaudRate reprograms the live serial driver and the RTU
// transmission FSM's T1.5/T3.5 timings.
func (c *Connection) SetBaudRate(baud int) error {
	c.mu.Lock()
	c.baud = baud
	c.mu.Unlock()

	c.withFSM(func() { c.rtuFSM.SetBaudRate(baud) })
	return c.ep.SetBaudRate(baud)
}

// withFSM runs fn on the event-loop goroutine if it is running,
// otherwise runs it directly (pre-Connect configuration, when no
// other goroutine can be touching FSM state yet, or a call from inside
// Callback, which already runs on the event-loop goroutine).
func (c *Connection) withFSM(fn func()) {
	c.mu.Lock()
	running := c.connected
	c.mu.Unlock()
	c.cbMu.Lock()
	reentrant := c.inCallback
	c.cbMu.Unlock()
	if !running || reentrant {
		fn()
		return
	}
	done := make(chan struct{})
	select {
	case c.execCh <- func() { fn(); close(done) }:
		<-done
	case <-c.done:
	}
}

// GetBaudRate reports the currently configured baud rate.
func (c *Connection) GetBaudRate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baud
}

// Free tears the connection down: stops the event loop, drains the
// message queue, and closes the serial endpoint, matching the order
// of osmo_modbus_conn_free (free proto, free FSM, drain queue, free
// conn).
func (c *Connection) Free() error {
	close(c.stopCh)
	<-c.done

	c.queue.Drain()
	c.stopTimer(&c.rtuTimer)
	c.stopTimer(&c.noRespTimer)

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	return c.ep.Close()
}

func (c *Connection) dequeueFunc() func() (modbus.Primitive, bool) {
	return c.queue.Dequeue
}

// run is the connection's single event-loop goroutine: the Go
// rendering of the original's single-threaded osmo_select_main poll
// loop. No other goroutine ever touches rtuFSM, master, or slave.
func (c *Connection) run() {
	defer close(c.done)

	for {
		select {
		case <-c.stopCh:
			return
		case ev := <-c.epEvents:
			c.handleEndpointEvent(ev)
		case <-c.submitCh:
			c.processSubmit()
		case t := <-c.timerCh:
			c.handleTimerFired(t)
		case fn := <-c.execCh:
			fn()
		}
	}
}

func (c *Connection) handleEndpointEvent(ev endpoint.Event) {
	if ev.Err != nil {
		c.log.Error("serial endpoint failed", "err", ev.Err)
		return
	}
	for _, b := range ev.Bytes {
		out := c.rtuFSM.Dispatch(rtufsm.EventCharReceived, b)
		c.applyRTUOutput(out)
	}
}

func (c *Connection) processSubmit() {
	dequeue := c.dequeueFunc()
	if c.role == RoleMaster {
		out := c.master.Dispatch(MasterEventSubmitPrim, nil, dequeue)
		c.applyMasterOutput(out)
	} else {
		out := c.slave.Dispatch(SlaveEventSubmitPrim, nil, dequeue)
		c.applySlaveOutput(out)
	}
}

func (c *Connection) handleTimerFired(t timerFired) {
	switch t.kind {
	case timerRTU:
		if t.gen != c.rtuTimerGen {
			return // stale: superseded by a rearm or a state change
		}
		var ev rtufsm.Event
		switch c.rtuArmedAt {
		case rtufsm.TimerT15:
			ev = rtufsm.EventT15Timeout
		case rtufsm.TimerT35:
			ev = rtufsm.EventT35Timeout
		}
		out := c.rtuFSM.Dispatch(ev, nil)
		c.applyRTUOutput(out)
	case timerNoResponse:
		if t.gen != c.noRespTimerGen || c.role != RoleMaster {
			return
		}
		dequeue := c.dequeueFunc()
		out := c.master.Dispatch(MasterEventNoResponseTimeout, nil, dequeue)
		c.applyMasterOutput(out)
	}
}

func (c *Connection) applyRTUOutput(out rtufsm.Output) {
	if out.Arm != nil {
		c.armRTUTimer(out.Arm.Kind, out.Arm.Duration)
	}
	if out.Write != nil {
		if err := c.ep.Write(out.Write); err != nil {
			c.log.Error("write failed", "err", err)
		}
	}
	if out.Frame != nil {
		p, _, err := rtu.Decode(out.Frame)
		if err != nil {
			c.log.Debug("dropping undecodable frame", "err", err)
			return
		}
		dequeue := c.dequeueFunc()
		if c.role == RoleMaster {
			c.applyMasterOutput(c.master.Dispatch(MasterEventRecvPrim, p, dequeue))
		} else {
			c.applySlaveOutput(c.slave.Dispatch(SlaveEventRecvPrim, p, dequeue))
		}
	}
}

func (c *Connection) applyMasterOutput(out MasterOutput) {
	if out.Disarm {
		c.disarmNoResponseTimer()
	}
	if out.Transmit != nil {
		c.transmit(*out.Transmit)
	}
	if out.Arm != nil {
		c.armNoResponseTimer(*out.Arm)
	}
	if out.Deliver != nil {
		c.deliver(*out.Deliver)
	}
}

func (c *Connection) applySlaveOutput(out SlaveOutput) {
	if out.Deliver != nil {
		c.deliver(*out.Deliver)
	}
	if out.Transmit != nil {
		c.transmit(*out.Transmit)
	}
}

func (c *Connection) transmit(p modbus.Primitive) {
	frame, err := rtu.Encode(p)
	if err != nil {
		c.log.Error("encode failed", "err", err)
		return
	}
	c.applyRTUOutput(c.rtuFSM.Dispatch(rtufsm.EventDemandOfEmission, frame))
}

func (c *Connection) deliver(p modbus.Primitive) {
	if c.callback == nil {
		return
	}
	c.cbMu.Lock()
	c.inCallback = true
	c.cbMu.Unlock()

	c.callback(c, p)

	c.cbMu.Lock()
	c.inCallback = false
	c.cbMu.Unlock()
}

func (c *Connection) armRTUTimer(kind rtufsm.TimerKind, d time.Duration) {
	c.stopTimer(&c.rtuTimer)
	c.rtuTimerGen++
	c.rtuArmedAt = kind
	gen := c.rtuTimerGen
	c.rtuTimer = time.AfterFunc(d, func() {
		select {
		case c.timerCh <- timerFired{kind: timerRTU, gen: gen}:
		case <-c.done:
		}
	})
}

func (c *Connection) armNoResponseTimer(d time.Duration) {
	c.stopTimer(&c.noRespTimer)
	c.noRespTimerGen++
	gen := c.noRespTimerGen
	c.noRespTimer = time.AfterFunc(d, func() {
		select {
		case c.timerCh <- timerFired{kind: timerNoResponse, gen: gen}:
		case <-c.done:
		}
	})
}

// disarmNoResponseTimer stops the no-response timer and bumps its
// generation, so a fire already queued on timerCh before Stop was
// called is still recognized as stale by handleTimerFired.
func (c *Connection) disarmNoResponseTimer() {
	c.stopTimer(&c.noRespTimer)
	c.noRespTimerGen++
}

func (c *Connection) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
