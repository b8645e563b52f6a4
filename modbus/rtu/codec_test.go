// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"pgregory.net/rapid"

	"github.com/ljl-dev/modbus-rtu-stack/modbus"
)

// TestEncodeReadHoldingRegistersRequestVector is scenario 2 from the
// testable-properties section: master at baud 9600 submits a request
// for 1 register at 0x000C from slave 1.
func TestEncodeReadHoldingRegistersRequestVector(t *testing.T) {
	p := modbus.NewReadHoldingRegistersRequest(1, 0x000C, 1)

	got, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{0x01, 0x03, 0x00, 0x0C, 0x00, 0x01, 0x44, 0x09}
	if !cmp.Equal(got, want) {
		t.Errorf("Encode() mismatch: %s", cmp.Diff(want, got))
	}
}

// TestEncodeReadHoldingRegistersResponseVector is the reply half of
// scenario 2: one register with value 0x007B.
func TestEncodeReadHoldingRegistersResponseVector(t *testing.T) {
	p := modbus.NewReadHoldingRegistersResponse(1, []uint16{0x007B})

	got, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{0x01, 0x03, 0x02, 0x00, 0x7B, 0xF8, 0x67}
	if !cmp.Equal(got, want) {
		t.Errorf("Encode() mismatch: %s", cmp.Diff(want, got))
	}
}

func TestDecodeRequest(t *testing.T) {
	frame := []byte{0x01, 0x03, 0x00, 0x0C, 0x00, 0x01, 0x44, 0x09}

	p, n, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n != len(frame) {
		t.Fatalf("consumed %d bytes, want %d", n, len(frame))
	}
	want := modbus.NewReadHoldingRegistersRequest(1, 0x000C, 1)
	if !cmp.Equal(p, want) {
		t.Errorf("Decode() mismatch: %s", cmp.Diff(want, p))
	}
}

func TestDecodeResponse(t *testing.T) {
	frame := []byte{0x01, 0x03, 0x02, 0x00, 0x7B, 0xF8, 0x67}

	p, n, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n != len(frame) {
		t.Fatalf("consumed %d bytes, want %d", n, len(frame))
	}
	want := modbus.NewReadHoldingRegistersResponse(1, []uint16{0x007B})
	if !cmp.Equal(p, want) {
		t.Errorf("Decode() mismatch: %s", cmp.Diff(want, p))
	}
}

func TestDecodeNeedMoreData(t *testing.T) {
	frame := []byte{0x01, 0x03, 0x00, 0x0C, 0x00} // one byte short of the request

	_, _, err := Decode(frame)
	if err != ErrNeedMoreData {
		t.Fatalf("Decode() error = %v, want ErrNeedMoreData", err)
	}
}

func TestDecodeBadCRC(t *testing.T) {
	frame := []byte{0x01, 0x03, 0x00, 0x0C, 0x00, 0x01, 0xFF, 0xFF}

	_, _, err := Decode(frame)
	if err != ErrInvalidFrame {
		t.Fatalf("Decode() error = %v, want ErrInvalidFrame", err)
	}
}

func TestDecodeUnknownFunctionCode(t *testing.T) {
	frame := []byte{0x01, 0x99, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

	_, _, err := Decode(frame)
	if err != ErrInvalidFrame {
		t.Fatalf("Decode() error = %v, want ErrInvalidFrame", err)
	}
}

// TestRoundTripRequest is a property test: every well-formed
// read-holding-registers request survives an encode/decode round trip.
// Addresses stay within 0..247, the range a one-byte wire address
// carries for master and slaves.
func TestRoundTripRequest(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := modbus.NewReadHoldingRegistersRequest(
			rapid.Uint16Range(0, 247).Draw(t, "address"),
			rapid.Uint16().Draw(t, "firstReg"),
			rapid.Uint16().Draw(t, "numReg"),
		)

		frame, err := Encode(p)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		got, n, err := Decode(frame)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if n != len(frame) {
			t.Fatalf("consumed %d of %d bytes", n, len(frame))
		}
		if !cmp.Equal(p, got) {
			t.Fatalf("round trip mismatch: %s", cmp.Diff(p, got))
		}
	})
}

// TestRoundTripResponse is the response-side equivalent, for 1 to 125
// registers (a read of zero registers is not a well-formed response;
// Decode treats its 5-byte frame as too short).
func TestRoundTripResponse(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, modbus.MaxRegisters).Draw(t, "numRegisters")
		registers := make([]uint16, n)
		for i := range registers {
			registers[i] = rapid.Uint16().Draw(t, "register")
		}
		address := rapid.Uint16Range(0, 247).Draw(t, "address")

		p := modbus.NewReadHoldingRegistersResponse(address, registers)

		frame, err := Encode(p)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		got, consumed, err := Decode(frame)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if consumed != len(frame) {
			t.Fatalf("consumed %d of %d bytes", consumed, len(frame))
		}
		if !cmp.Equal(p, got) {
			t.Fatalf("round trip mismatch: %s", cmp.Diff(p, got))
		}
	})
}

func TestTimingsForBaud(t *testing.T) {
	tests := []struct {
		baud          int
		wantT15Micros int64
		wantT35Micros int64
	}{
		{9600, 1718, 4010},
		{19200, 859, 2005},
		{38400, 750, 1750},
		{115200, 750, 1750},
	}

	for _, tt := range tests {
		got := TimingsForBaud(tt.baud)
		if got.T15.Microseconds() != tt.wantT15Micros {
			t.Errorf("baud %d: T1.5 = %v, want %dus", tt.baud, got.T15, tt.wantT15Micros)
		}
		if got.T35.Microseconds() != tt.wantT35Micros {
			t.Errorf("baud %d: T3.5 = %v, want %dus", tt.baud, got.T35, tt.wantT35Micros)
		}
	}
}
