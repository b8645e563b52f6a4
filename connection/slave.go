// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package connection

import (
	"fmt"

	"github.com/ljl-dev/modbus-rtu-stack/modbus"
)

// SlaveState is one of the slave connection FSM's states.
type SlaveState int

const (
	SlaveDisconnected SlaveState = iota
	SlaveIdle
	SlaveCheckRequest
)

func (s SlaveState) String() string {
	switch s {
	case SlaveDisconnected:
		return "DISCONNECTED"
	case SlaveIdle:
		return "IDLE"
	case SlaveCheckRequest:
		return "CHECK_REQUEST"
	default:
		return fmt.Sprintf("SlaveState(%d)", int(s))
	}
}

// SlaveEvent is one of the slave connection FSM's events.
type SlaveEvent int

const (
	SlaveEventConnect SlaveEvent = iota
	SlaveEventRecvPrim
	SlaveEventSubmitPrim
)

// SlaveDequeueFunc pulls the next queued response, exactly as the
// original's st_check_request dequeues from conn->msg_queue.
type SlaveDequeueFunc func() (modbus.Primitive, bool)

// SlaveOutput is everything a single Dispatch call produces.
type SlaveOutput struct {
	State   SlaveState
	Changed bool

	// Deliver is set whenever a received primitive should reach the
	// application callback: when a callback is registered and it is
	// addressed to us, or addressed elsewhere with monitor mode on.
	Deliver *modbus.Primitive

	// Transmit is set when a queued response was just dequeued and
	// must be encoded and handed to the RTU transmission FSM.
	Transmit *modbus.Primitive
}

// SlaveFSM is the slave connection FSM: DISCONNECTED / IDLE /
// CHECK_REQUEST, bit-exact to conn_slave_fsm.c, including monitor
// mode.
type SlaveFSM struct {
	state       SlaveState
	address     uint16
	monitor     bool
	hasCallback bool
}

// NewSlave creates a slave FSM in DISCONNECTED state for the given
// address. hasCallback mirrors conn->prim_cb being set: without a
// callback registered, an addressed request is dropped rather than
// entering CHECK_REQUEST, since nothing could ever submit the reply.
func NewSlave(address uint16, hasCallback bool) *SlaveFSM {
	return &SlaveFSM{state: SlaveDisconnected, address: address, hasCallback: hasCallback}
}

func (f *SlaveFSM) State() SlaveState { return f.state }

// SetAddress changes the address this slave answers to.
func (f *SlaveFSM) SetAddress(address uint16) { f.address = address }

// Address reports the address this slave answers to.
func (f *SlaveFSM) Address() uint16 { return f.address }

// SetMonitor enables or disables monitor mode: delivering primitives
// addressed to other slaves without entering CHECK_REQUEST (so no
// reply is ever expected or awaited for them).
func (f *SlaveFSM) SetMonitor(enable bool) { f.monitor = enable }

func (f *SlaveFSM) Monitor() bool { return f.monitor }

// Dispatch feeds one event to the FSM. dequeue is consulted only by
// the SubmitPrim transition out of CHECK_REQUEST.
//
// Dispatch panics if the event is not valid in the current state,
// mirroring the OSMO_ASSERT(0) default cases of the original FSM.
func (f *SlaveFSM) Dispatch(ev SlaveEvent, arg any, dequeue SlaveDequeueFunc) SlaveOutput {
	switch f.state {
	case SlaveDisconnected:
		return f.dispatchDisconnected(ev)
	case SlaveIdle:
		return f.dispatchIdle(ev, arg)
	case SlaveCheckRequest:
		return f.dispatchCheckRequest(ev, dequeue)
	default:
		panic(fmt.Sprintf("connection: event %v invalid in slave state %v", ev, f.state))
	}
}

func (f *SlaveFSM) dispatchDisconnected(ev SlaveEvent) SlaveOutput {
	switch ev {
	case SlaveEventConnect:
		f.state = SlaveIdle
		return SlaveOutput{State: SlaveIdle, Changed: true}
	default:
		panic(fmt.Sprintf("connection: event %v invalid in slave state %v", ev, f.state))
	}
}

func (f *SlaveFSM) dispatchIdle(ev SlaveEvent, arg any) SlaveOutput {
	switch ev {
	case SlaveEventRecvPrim:
		prim, _ := arg.(modbus.Primitive)
		// Not for us: either no callback is registered at all, or the
		// request is addressed to another slave.
		if !f.hasCallback || prim.Address != f.address {
			out := SlaveOutput{State: f.state}
			if f.hasCallback && f.monitor {
				out.Deliver = &prim
			}
			return out
		}
		f.state = SlaveCheckRequest
		return SlaveOutput{State: SlaveCheckRequest, Changed: true, Deliver: &prim}
	default:
		panic(fmt.Sprintf("connection: event %v invalid in slave state %v", ev, f.state))
	}
}

func (f *SlaveFSM) dispatchCheckRequest(ev SlaveEvent, dequeue SlaveDequeueFunc) SlaveOutput {
	switch ev {
	case SlaveEventSubmitPrim:
		prim, ok := dequeue()
		if !ok {
			panic("connection: slave SubmitPrim transition with empty queue")
		}
		f.state = SlaveIdle
		return SlaveOutput{State: SlaveIdle, Changed: true, Transmit: &prim}
	default:
		panic(fmt.Sprintf("connection: event %v invalid in slave state %v", ev, f.state))
	}
}
