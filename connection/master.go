// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package connection

import (
	"fmt"
	"time"

	"github.com/ljl-dev/modbus-rtu-stack/modbus"
)

// MasterState is one of the master connection FSM's states.
type MasterState int

const (
	MasterDisconnected MasterState = iota
	MasterIdle
	// MasterWaitTurnaroundDelay is declared but has no transition into
	// or out of it, matching the original FSM's undriven
	// conn_master_fsm_timeouts[CONN_MASTER_ST_WAIT_TURNAROUND_DELAY].
	// Do not wire it up.
	MasterWaitTurnaroundDelay
	MasterWaitReply
)

func (s MasterState) String() string {
	switch s {
	case MasterDisconnected:
		return "DISCONNECTED"
	case MasterIdle:
		return "IDLE"
	case MasterWaitTurnaroundDelay:
		return "WAIT_TURNAROUND_DELAY"
	case MasterWaitReply:
		return "WAIT_REPLY"
	default:
		return fmt.Sprintf("MasterState(%d)", int(s))
	}
}

// MasterEvent is one of the master connection FSM's events.
type MasterEvent int

const (
	MasterEventConnect MasterEvent = iota
	MasterEventSubmitPrim
	MasterEventRecvPrim
	MasterEventNoResponseTimeout
)

// MasterDequeueFunc pulls the next queued request, if any, exactly as
// the original's st_wait_reply_onenter dequeues from conn->msg_queue.
type MasterDequeueFunc func() (modbus.Primitive, bool)

// MasterOutput is everything a single Dispatch call produces.
type MasterOutput struct {
	State   MasterState
	Changed bool

	// Transmit is set when a request was just dequeued and must be
	// encoded and handed to the RTU transmission FSM.
	Transmit *modbus.Primitive

	// Arm, when non-nil, tells the caller to (re)arm the no-response
	// timeout for this long. A zero value of the pointed-to duration
	// never occurs; nil itself means "leave the timer alone".
	Arm *time.Duration

	// Deliver is set when a primitive (a genuine reply, or a
	// synthesized timeout indication) is ready for the application
	// callback.
	Deliver *modbus.Primitive

	// Disarm tells the caller to stop the no-response timer: the FSM
	// left WAIT_REPLY and did not immediately chain into a new one.
	// A state change always cancels the prior timer.
	Disarm bool
}

// MasterFSM is the master connection FSM: DISCONNECTED / IDLE /
// WAIT_TURNAROUND_DELAY (unused) / WAIT_REPLY, bit-exact to
// conn_master_fsm.c.
type MasterFSM struct {
	state           MasterState
	reqForAddr      uint16
	responseTimeout time.Duration
}

// NewMaster creates a master FSM in DISCONNECTED state.
func NewMaster(responseTimeout time.Duration) *MasterFSM {
	return &MasterFSM{state: MasterDisconnected, responseTimeout: responseTimeout}
}

func (f *MasterFSM) State() MasterState { return f.state }

// SetResponseTimeout changes the no-response timeout used the next
// time WAIT_REPLY is entered.
func (f *MasterFSM) SetResponseTimeout(d time.Duration) { f.responseTimeout = d }

// RequestAddress reports the slave address the in-flight request (if
// any) was sent to, matching conn->master.req_for_addr.
func (f *MasterFSM) RequestAddress() uint16 { return f.reqForAddr }

// Dispatch feeds one event to the FSM. dequeue is consulted whenever
// the FSM enters IDLE or WAIT_REPLY and needs to know (or take) the
// next queued request; callers with an empty queue should pass a func
// that always returns (zero, false).
//
// Dispatch panics if the event is not valid in the current state,
// mirroring the OSMO_ASSERT(0) default cases of the original FSM.
func (f *MasterFSM) Dispatch(ev MasterEvent, arg any, dequeue MasterDequeueFunc) MasterOutput {
	switch f.state {
	case MasterDisconnected:
		return f.dispatchDisconnected(ev, dequeue)
	case MasterIdle:
		return f.dispatchIdle(ev, dequeue)
	case MasterWaitReply:
		return f.dispatchWaitReply(ev, arg, dequeue)
	default:
		panic(fmt.Sprintf("connection: event %v invalid in master state %v", ev, f.state))
	}
}

func (f *MasterFSM) dispatchDisconnected(ev MasterEvent, dequeue MasterDequeueFunc) MasterOutput {
	switch ev {
	case MasterEventConnect:
		f.state = MasterIdle
		out := f.enterIdle(dequeue)
		out.Changed = true
		return out
	case MasterEventSubmitPrim:
		return MasterOutput{State: f.state}
	default:
		panic(fmt.Sprintf("connection: event %v invalid in master state %v", ev, f.state))
	}
}

func (f *MasterFSM) dispatchIdle(ev MasterEvent, dequeue MasterDequeueFunc) MasterOutput {
	switch ev {
	case MasterEventSubmitPrim:
		out := f.enterWaitReply(dequeue)
		out.Changed = true
		return out
	default:
		panic(fmt.Sprintf("connection: event %v invalid in master state %v", ev, f.state))
	}
}

func (f *MasterFSM) dispatchWaitReply(ev MasterEvent, arg any, dequeue MasterDequeueFunc) MasterOutput {
	switch ev {
	case MasterEventSubmitPrim:
		return MasterOutput{State: f.state}
	case MasterEventRecvPrim:
		prim, _ := arg.(modbus.Primitive)
		out := f.enterIdle(dequeue)
		out.Changed = true
		out.Deliver = &prim
		return out
	case MasterEventNoResponseTimeout:
		timeout := modbus.NewResponseTimeoutIndication(f.reqForAddr)
		out := f.enterIdle(dequeue)
		out.Changed = true
		out.Deliver = &timeout
		return out
	default:
		panic(fmt.Sprintf("connection: event %v invalid in master state %v", ev, f.state))
	}
}

// enterIdle mirrors conn_master_fsm_st_idle_onenter: immediately
// chains into WAIT_REPLY if a request is already queued.
func (f *MasterFSM) enterIdle(dequeue MasterDequeueFunc) MasterOutput {
	f.state = MasterIdle
	if prim, ok := dequeue(); ok {
		return f.chainToWaitReply(prim)
	}
	return MasterOutput{State: MasterIdle, Disarm: true}
}

// enterWaitReply mirrors conn_master_fsm_st_wait_reply_onenter: the
// queue must be non-empty, since this is only reached in direct
// response to a just-enqueued SubmitPrim.
func (f *MasterFSM) enterWaitReply(dequeue MasterDequeueFunc) MasterOutput {
	prim, ok := dequeue()
	if !ok {
		panic("connection: master SubmitPrim transition with empty queue")
	}
	return f.chainToWaitReply(prim)
}

func (f *MasterFSM) chainToWaitReply(prim modbus.Primitive) MasterOutput {
	f.state = MasterWaitReply
	f.reqForAddr = prim.Address
	d := f.responseTimeout
	return MasterOutput{State: MasterWaitReply, Transmit: &prim, Arm: &d}
}
