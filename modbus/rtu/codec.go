// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package rtu implements the RTU wire codec: CRC-checked encoding of a
// service primitive into an on-wire frame, and decoding a
// byte-accumulated receive buffer back into one.
package rtu

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ljl-dev/modbus-rtu-stack/modbus"
	"github.com/ljl-dev/modbus-rtu-stack/modbus/crc"
)

// ErrNeedMoreData means the buffer is too short to be any recognized
// frame shape yet; the caller should keep accumulating bytes.
var ErrNeedMoreData = errors.New("modbus/rtu: need more data")

// ErrInvalidFrame means the buffer is long enough to be a frame but
// its CRC does not match, or its function code is not supported.
var ErrInvalidFrame = errors.New("modbus/rtu: invalid frame")

const (
	rtuHeaderLen = 2 // address + function code
	rtuCRCLen    = 2
)

// encoder turns a Primitive into the bytes that follow the CRC-less
// address+function-code header. decoder attempts to parse the bytes
// following that header (header included, for CRC purposes) into a
// Primitive, given the full candidate buffer.
type encoder func(p modbus.Primitive) ([]byte, error)
type decoder func(buf []byte) (modbus.Primitive, int, error)

// funcCodes is the function-code registry the codec dispatches
// through. Extending to a new function code means adding an entry
// here; no call site outside this file changes.
var funcCodes = map[byte]struct {
	encode encoder
	decode decoder
}{
	FuncCodeReadHoldingRegisters: {
		encode: encodeReadHoldingRegisters,
		decode: decodeReadHoldingRegisters,
	},
}

// Encode serializes a primitive into a complete RTU frame, CRC
// included, low byte first on the wire.
func Encode(p modbus.Primitive) ([]byte, error) {
	code, ok := functionCodeFor(p)
	if !ok {
		return nil, fmt.Errorf("modbus/rtu: unsupported primitive type %v", p.Type)
	}
	fc, ok := funcCodes[code]
	if !ok {
		return nil, fmt.Errorf("modbus/rtu: unregistered function code 0x%02X", code)
	}
	body, err := fc.encode(p)
	if err != nil {
		return nil, err
	}

	frame := make([]byte, 0, rtuHeaderLen+len(body)+rtuCRCLen)
	frame = append(frame, byte(p.Address), code)
	frame = append(frame, body...)

	sum := crc.Checksum(frame)
	frame = append(frame, byte(sum), byte(sum>>8))
	return frame, nil
}

// Decode attempts to parse buf, a candidate frame accumulated by the
// RTU transmission FSM, into a Primitive. It returns the number of
// bytes consumed from buf on success.
func Decode(buf []byte) (modbus.Primitive, int, error) {
	if len(buf) < rtuHeaderLen {
		return modbus.Primitive{}, 0, ErrNeedMoreData
	}
	code := buf[1]
	fc, ok := funcCodes[code]
	if !ok {
		return modbus.Primitive{}, 0, ErrInvalidFrame
	}
	return fc.decode(buf)
}

func functionCodeFor(p modbus.Primitive) (byte, bool) {
	switch p.Type {
	case modbus.TypeReadHoldingRegisters:
		return FuncCodeReadHoldingRegisters, true
	default:
		return 0, false
	}
}

// encodeReadHoldingRegisters builds the body (everything between the
// function code and the CRC) for a request or response.
func encodeReadHoldingRegisters(p modbus.Primitive) ([]byte, error) {
	switch p.Op {
	case modbus.OpRequest:
		body := make([]byte, 4)
		binary.BigEndian.PutUint16(body[0:2], p.FirstReg)
		binary.BigEndian.PutUint16(body[2:4], p.NumReg)
		return body, nil
	case modbus.OpResponse:
		if len(p.Registers) > modbus.MaxRegisters {
			return nil, fmt.Errorf("modbus/rtu: %d registers exceeds max %d", len(p.Registers), modbus.MaxRegisters)
		}
		body := make([]byte, 1+2*len(p.Registers))
		body[0] = byte(2 * len(p.Registers))
		for i, reg := range p.Registers {
			binary.BigEndian.PutUint16(body[1+2*i:3+2*i], reg)
		}
		return body, nil
	default:
		return nil, fmt.Errorf("modbus/rtu: read-holding-registers has no %v encoding", p.Op)
	}
}

// decodeReadHoldingRegisters mirrors the original implementation's
// rtu2prim: it first tries the (variable-length) response shape, then
// the fixed 8-byte request shape, accepting whichever one's CRC
// matches. Trying the response shape first matters when a short
// request and a longer response could otherwise both fit the same
// prefix length.
func decodeReadHoldingRegisters(buf []byte) (modbus.Primitive, int, error) {
	if len(buf) < rtuHeaderLen+4 {
		return modbus.Primitive{}, 0, ErrNeedMoreData
	}
	address := uint16(buf[0])

	byteCount := int(buf[rtuHeaderLen])
	respLenNoCRC := rtuHeaderLen + 1 + byteCount
	if len(buf) >= respLenNoCRC+rtuCRCLen {
		// An odd byte count is never a response; such a buffer may still
		// be a request whose first-register high byte happens to be odd.
		if byteCount%2 == 0 && crcMatches(buf, respLenNoCRC) {
			registers := make([]uint16, byteCount/2)
			for i := range registers {
				off := rtuHeaderLen + 1 + 2*i
				registers[i] = binary.BigEndian.Uint16(buf[off : off+2])
			}
			return modbus.NewReadHoldingRegistersResponse(address, registers), respLenNoCRC + rtuCRCLen, nil
		}
	}

	const reqLenNoCRC = rtuHeaderLen + 4
	if len(buf) >= reqLenNoCRC+rtuCRCLen {
		if crcMatches(buf, reqLenNoCRC) {
			firstReg := binary.BigEndian.Uint16(buf[rtuHeaderLen : rtuHeaderLen+2])
			numReg := binary.BigEndian.Uint16(buf[rtuHeaderLen+2 : rtuHeaderLen+4])
			return modbus.NewReadHoldingRegistersRequest(address, firstReg, numReg), reqLenNoCRC + rtuCRCLen, nil
		}
	}

	if len(buf) < reqLenNoCRC+rtuCRCLen && len(buf) < respLenNoCRC+rtuCRCLen {
		return modbus.Primitive{}, 0, ErrNeedMoreData
	}
	return modbus.Primitive{}, 0, ErrInvalidFrame
}

func crcMatches(buf []byte, lenNoCRC int) bool {
	want := crc.Checksum(buf[:lenNoCRC])
	got := uint16(buf[lenNoCRC]) | uint16(buf[lenNoCRC+1])<<8
	return want == got
}
