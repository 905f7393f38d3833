// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package thermolink

import (
	"encoding/binary"
	"math"
)

// DecodeFloat32 reinterprets 4 little-endian bytes as an IEEE-754 single.
// Every bit pattern is accepted, NaN payloads and signed zero included.
func DecodeFloat32(b []byte) (float32, error) {
	if len(b) != FloatSize {
		return 0, lengthError("float", len(b), FloatSize)
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
}

// EncodeFloat32 is the exact inverse of DecodeFloat32
func EncodeFloat32(v float32) []byte {
	b := make([]byte, FloatSize)
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	return b
}

// appendFloat32 appends the little-endian encoding of v to dst
func appendFloat32(dst []byte, v float32) []byte {
	return binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
}
