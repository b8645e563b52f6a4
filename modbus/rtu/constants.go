// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

const (
	// MinSize is the smallest a valid RTU frame can be: address,
	// function code, and a 2-byte CRC.
	MinSize = 4
	// MaxSize is the largest an RTU frame may ever be on the wire.
	MaxSize = 256
)

// Function codes this codec knows how to encode/decode. Only
// FuncCodeReadHoldingRegisters is defined; a further code gets its
// constant here and its entry in the function-code registry in
// codec.go.
const (
	FuncCodeReadHoldingRegisters = 0x03
)
