// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package rtufsm implements "Figure 14: RTU transmission mode state
// diagram" from the Modbus serial line specification: the
// inter-character silence timers (T1.5/T3.5) that delimit a frame on
// the wire, independent of what the frame means.
//
// The FSM is pure: it holds no timer, no goroutine, and performs no
// I/O. Dispatch returns an Output describing what its caller (the
// connection event loop, which does own the timer and the wire)
// should do next. This mirrors the original C implementation's
// synchronous osmo_fsm_inst_dispatch call chain rather than
// introducing a goroutine per FSM.
package rtufsm

import (
	"fmt"
	"time"

	"github.com/ljl-dev/modbus-rtu-stack/modbus/crc"
	"github.com/ljl-dev/modbus-rtu-stack/modbus/rtu"
)

// State is one of the five states of Figure 14.
type State int

const (
	StateInitial State = iota
	StateIdle
	StateEmission
	StateReception
	StateCtrlWait
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateIdle:
		return "IDLE"
	case StateEmission:
		return "EMISSION"
	case StateReception:
		return "RECEPTION"
	case StateCtrlWait:
		return "CTRL_WAIT"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Event is one of the five events the FSM reacts to.
type Event int

const (
	EventStart Event = iota
	EventCharReceived
	EventDemandOfEmission
	EventT15Timeout
	EventT35Timeout
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "Start"
	case EventCharReceived:
		return "CharReceived"
	case EventDemandOfEmission:
		return "DemandOfEmission"
	case EventT15Timeout:
		return "T1.5 Timeout"
	case EventT35Timeout:
		return "T3.5 Timeout"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// TimerKind distinguishes which of the two silence timers an Output
// asks the caller to (re)arm.
type TimerKind int

const (
	TimerT15 TimerKind = 15
	TimerT35 TimerKind = 35
)

// ArmTimer describes a timer the caller must (re)arm, replacing
// whatever instance of that timer is currently running. The caller is
// expected to tag each armed timer with a generation counter so a
// timer that fires after being superseded by a rearm or a state
// change can be recognized as stale and ignored.
type ArmTimer struct {
	Kind     TimerKind
	Duration time.Duration
}

// Output is everything a single Dispatch call produces.
type Output struct {
	State   State
	Changed bool
	Arm     *ArmTimer

	// Write is set once, when entering EMISSION: the caller must write
	// this frame to the wire.
	Write []byte

	// Frame is set once CTRL_WAIT's T3.5 timer fires over a
	// CRC-valid receive buffer: the caller should hand these bytes to
	// the frame codec. Nil on every other transition, including a
	// CRC-invalid buffer (silently dropped, matching the original).
	Frame []byte
}

// FSM is one instance of the RTU transmission state machine. It
// accumulates received bytes into an internal buffer across
// RECEPTION and CTRL_WAIT, the way the original's rx_msg does.
type FSM struct {
	state   State
	timings rtu.Timings
	baud    int

	rxBuf []byte
	rxOK  bool

	txLen int
}

// New creates an FSM in its zero INITIAL state for the given baud
// rate. Changing the baud rate later (SetBaudRate) recomputes the
// silence timings used by subsequent Dispatch calls.
func New(baud int) *FSM {
	return &FSM{
		state:   StateInitial,
		timings: rtu.TimingsForBaud(baud),
		baud:    baud,
	}
}

// State reports the FSM's current state.
func (f *FSM) State() State { return f.state }

// SetBaudRate recomputes T1.5/T3.5 for a new baud rate. It takes
// effect on the next timer Dispatch returns; it does not itself arm
// or disarm anything.
func (f *FSM) SetBaudRate(baud int) {
	f.baud = baud
	f.timings = rtu.TimingsForBaud(baud)
}

func (f *FSM) changeState(s State) Output {
	f.state = s
	return Output{State: s, Changed: true}
}

// Dispatch feeds one event to the FSM and returns the resulting
// Output. arg is the received byte for EventCharReceived, the frame
// to transmit for EventDemandOfEmission, and is ignored otherwise.
//
// Dispatch panics if the event is not valid in the current state,
// mirroring the OSMO_ASSERT(0) default cases of the original FSM:
// an unreachable event in a given state is a caller programming
// error, not a recoverable runtime condition.
func (f *FSM) Dispatch(ev Event, arg any) Output {
	switch f.state {
	case StateInitial:
		return f.dispatchInitial(ev)
	case StateIdle:
		return f.dispatchIdle(ev, arg)
	case StateEmission:
		return f.dispatchEmission(ev)
	case StateReception:
		return f.dispatchReception(ev, arg)
	case StateCtrlWait:
		return f.dispatchCtrlWait(ev, arg)
	default:
		panic(fmt.Sprintf("rtufsm: unknown state %v", f.state))
	}
}

func (f *FSM) dispatchInitial(ev Event) Output {
	switch ev {
	case EventStart, EventCharReceived:
		return Output{State: f.state, Arm: &ArmTimer{Kind: TimerT35, Duration: f.timings.T35}}
	case EventT35Timeout:
		return f.changeState(StateIdle)
	default:
		panic(fmt.Sprintf("rtufsm: event %v invalid in state %v", ev, f.state))
	}
}

func (f *FSM) dispatchIdle(ev Event, arg any) Output {
	switch ev {
	case EventDemandOfEmission:
		frame, _ := arg.([]byte)
		f.txLen = len(frame)
		out := f.changeState(StateEmission)
		out.Write = frame
		out.Arm = &ArmTimer{
			Kind:     TimerT35,
			Duration: f.timings.T35 + rtu.TransmissionDelay(f.txLen, f.baud),
		}
		return out
	case EventCharReceived:
		f.rxBuf = f.rxBuf[:0]
		f.appendByte(arg)
		out := f.changeState(StateReception)
		out.Arm = &ArmTimer{Kind: TimerT15, Duration: f.timings.T15}
		return out
	default:
		panic(fmt.Sprintf("rtufsm: event %v invalid in state %v", ev, f.state))
	}
}

func (f *FSM) dispatchEmission(ev Event) Output {
	switch ev {
	case EventT35Timeout:
		return f.changeState(StateIdle)
	default:
		panic(fmt.Sprintf("rtufsm: event %v invalid in state %v", ev, f.state))
	}
}

func (f *FSM) dispatchReception(ev Event, arg any) Output {
	switch ev {
	case EventCharReceived:
		f.appendByte(arg)
		return Output{State: f.state, Arm: &ArmTimer{Kind: TimerT15, Duration: f.timings.T15}}
	case EventT15Timeout:
		out := f.changeState(StateCtrlWait)
		f.rxOK = f.checkCRC()
		// T1.5 has already elapsed since the last character; the
		// remaining wait to reach T3.5 of silence is T3.5 - T1.5.
		out.Arm = &ArmTimer{Kind: TimerT35, Duration: f.timings.T35 - f.timings.T15}
		return out
	default:
		panic(fmt.Sprintf("rtufsm: event %v invalid in state %v", ev, f.state))
	}
}

func (f *FSM) dispatchCtrlWait(ev Event, arg any) Output {
	switch ev {
	case EventCharReceived:
		f.rxOK = false
		return Output{State: f.state}
	case EventT35Timeout:
		out := f.changeState(StateIdle)
		if f.rxOK {
			frame := make([]byte, len(f.rxBuf))
			copy(frame, f.rxBuf)
			out.Frame = frame
		}
		f.rxBuf = f.rxBuf[:0]
		f.rxOK = false
		return out
	default:
		panic(fmt.Sprintf("rtufsm: event %v invalid in state %v", ev, f.state))
	}
}

func (f *FSM) appendByte(arg any) {
	b, ok := arg.(byte)
	if !ok {
		panic("rtufsm: EventCharReceived requires a byte argument")
	}
	f.rxBuf = append(f.rxBuf, b)
}

// checkCRC mirrors the original's CTRL_WAIT onenter: a buffer shorter
// than a CRC is simply not-OK, not an error.
func (f *FSM) checkCRC() bool {
	if len(f.rxBuf) < 2 {
		return false
	}
	body := f.rxBuf[:len(f.rxBuf)-2]
	want := crc.Checksum(body)
	got := uint16(f.rxBuf[len(f.rxBuf)-2]) | uint16(f.rxBuf[len(f.rxBuf)-1])<<8
	return want == got
}
