// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package modbus holds the service primitives exchanged between an
// application and a Connection, independent of the wire transmission
// mode. A Primitive is the unit an application submits and receives
// through the primitive callback; it is distinct from the on-wire
// frame the codec produces.
package modbus

import "fmt"

// SAP is the service access point all Modbus primitives carry. A
// single value because this stack only ever speaks Modbus.
const SAP = 0

// Operation tags a Primitive with its direction through the stack.
type Operation int

const (
	// OpRequest marks a primitive submitted by a master application.
	OpRequest Operation = iota
	// OpResponse marks a primitive submitted by a slave application,
	// or received by a master as the reply to its request.
	OpResponse
	// OpIndication marks a primitive synthesized by the stack itself
	// (currently only Response_Timeout). A frame delivered in monitor
	// mode keeps the Op it was decoded with.
	OpIndication
)

func (op Operation) String() string {
	switch op {
	case OpRequest:
		return "REQUEST"
	case OpResponse:
		return "RESPONSE"
	case OpIndication:
		return "INDICATION"
	default:
		return fmt.Sprintf("Operation(%d)", int(op))
	}
}

// Type identifies which service primitive a Primitive carries.
type Type int

const (
	// TypeReadHoldingRegisters carries a Read Multiple Holding
	// Registers request or response (function code 0x03).
	TypeReadHoldingRegisters Type = iota
	// TypeResponseTimeout carries a Response_Timeout.indication,
	// synthesized locally by a master connection.
	TypeResponseTimeout
)

func (t Type) String() string {
	switch t {
	case TypeReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case TypeResponseTimeout:
		return "ResponseTimeout"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// MaxRegisters bounds the number of holding registers a single Read
// Multiple Holding Registers response may carry (250 data bytes / 2).
const MaxRegisters = 125

// Primitive is a tagged union carrying exactly one of the service
// primitives this stack supports. Fields not relevant to Type/Op are
// left at their zero value.
type Primitive struct {
	SAP     int
	Type    Type
	Op      Operation
	Address uint16

	// Read Multiple Holding Registers request fields.
	FirstReg uint16
	NumReg   uint16

	// Read Multiple Holding Registers response fields. NumReg above
	// doubles as the register count for the response too.
	Registers []uint16
}

// NewReadHoldingRegistersRequest builds a master-originated request
// to read NumReg holding registers starting at FirstReg from the
// slave at address.
func NewReadHoldingRegistersRequest(address, firstReg, numReg uint16) Primitive {
	return Primitive{
		SAP:      SAP,
		Type:     TypeReadHoldingRegisters,
		Op:       OpRequest,
		Address:  address,
		FirstReg: firstReg,
		NumReg:   numReg,
	}
}

// NewReadHoldingRegistersResponse builds a slave-originated response
// carrying the requested register values.
func NewReadHoldingRegistersResponse(address uint16, registers []uint16) Primitive {
	return Primitive{
		SAP:       SAP,
		Type:      TypeReadHoldingRegisters,
		Op:        OpResponse,
		Address:   address,
		NumReg:    uint16(len(registers)),
		Registers: registers,
	}
}

// NewResponseTimeoutIndication builds the indication a master
// connection synthesizes when no reply arrives within the configured
// response timeout.
func NewResponseTimeoutIndication(address uint16) Primitive {
	return Primitive{
		SAP:     SAP,
		Type:    TypeResponseTimeout,
		Op:      OpIndication,
		Address: address,
	}
}
