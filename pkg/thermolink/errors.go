// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package thermolink

import (
	"errors"
	"fmt"
)

// Decode failures. All of them reject one frame, record or buffer and are
// never fatal to the caller's receive loop.
var (
	ErrLengthMismatch    = errors.New("length mismatch")
	ErrMalformedPacket   = errors.New("malformed packet")
	ErrUnknownSensorType = errors.New("unknown sensor type")
	ErrInvalidDayType    = errors.New("invalid day type")
	ErrTruncatedResponse = errors.New("truncated response")
	ErrChecksum          = errors.New("checksum mismatch")
	ErrUnknownOpcode     = errors.New("unknown opcode")
)

// lengthError reports a buffer of the wrong size
func lengthError(what string, got, want int) error {
	return fmt.Errorf("%w: %s is %d bytes, want %d", ErrLengthMismatch, what, got, want)
}
