// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package thermolink

import (
	"encoding/binary"
	"fmt"
	"time"
)

// LinkFrame is one frame received from the radio bridge
type LinkFrame struct {
	address   uint64
	payload   []byte
	checksum  byte
	timestamp time.Time
}

// NewLinkFrame creates a frame with the given address and payload
func NewLinkFrame(address uint64, payload []byte) *LinkFrame {
	return &LinkFrame{
		address:   address,
		payload:   payload,
		timestamp: time.Now(),
	}
}

// Address returns the 64-bit radio address of the peer
func (f *LinkFrame) Address() uint64 {
	return f.address
}

// SourceID returns the low-order four bytes of the peer address, the part
// that identifies a node to the upload target
func (f *LinkFrame) SourceID() []byte {
	b := make([]byte, AddressSize)
	binary.BigEndian.PutUint64(b, f.address)
	return b[4:]
}

// Payload returns the raw payload, before marker removal
func (f *LinkFrame) Payload() []byte {
	return f.payload
}

// Checksum returns the received checksum byte
func (f *LinkFrame) Checksum() byte {
	return f.checksum
}

// Timestamp returns when the frame was decoded
func (f *LinkFrame) Timestamp() time.Time {
	return f.timestamp
}

// EncodeLinkFrame builds the wire form of a frame addressed to address:
// start byte, 16-bit big-endian body length, body, checksum. The body is the
// 8-byte address followed by the payload.
func EncodeLinkFrame(address uint64, payload []byte) ([]byte, error) {
	if len(payload) > MaxLinkPayloadSize {
		return nil, fmt.Errorf("payload too large: %d bytes (max %d)", len(payload), MaxLinkPayloadSize)
	}

	bodyLen := AddressSize + len(payload)
	frame := make([]byte, 0, 3+bodyLen+1)
	frame = append(frame, LinkStartByte)
	frame = binary.BigEndian.AppendUint16(frame, uint16(bodyLen))
	frame = binary.BigEndian.AppendUint64(frame, address)
	frame = append(frame, payload...)
	frame = append(frame, CalculateChecksum(frame[3:]))
	return frame, nil
}

// LinkDecoder implements the radio bridge framing state machine
type LinkDecoder struct {
	state     int
	length    int
	body      []byte
	rawBuffer []byte // Raw bytes since the last start byte
}

// NewLinkDecoder creates a new link decoder
func NewLinkDecoder() *LinkDecoder {
	return &LinkDecoder{
		state:     linkStateIdle,
		body:      make([]byte, 0, MaxLinkBodySize),
		rawBuffer: make([]byte, 0, MaxLinkBodySize+4),
	}
}

// Reset returns the decoder to idle
func (d *LinkDecoder) Reset() {
	d.state = linkStateIdle
	d.length = 0
	d.body = d.body[:0]
	d.rawBuffer = d.rawBuffer[:0]
}

// GetRawBytes returns the bytes accumulated since the last start byte
func (d *LinkDecoder) GetRawBytes() []byte {
	return d.rawBuffer
}

// DecodeByte feeds one byte through the state machine.
// Returns a frame when one completes, nil while incomplete, or an error when
// the frame is rejected. The decoder resynchronizes on the next start byte.
func (d *LinkDecoder) DecodeByte(b byte) (*LinkFrame, error) {
	switch d.state {
	case linkStateIdle:
		// Waiting for START byte
		if b == LinkStartByte {
			d.Reset()
			d.rawBuffer = append(d.rawBuffer, b)
			d.state = linkStateLengthHi
		}
		return nil, nil

	case linkStateLengthHi:
		d.rawBuffer = append(d.rawBuffer, b)
		d.length = int(b) << 8
		d.state = linkStateLengthLo
		return nil, nil

	case linkStateLengthLo:
		d.rawBuffer = append(d.rawBuffer, b)
		d.length |= int(b)
		if d.length < AddressSize || d.length > MaxLinkBodySize {
			length := d.length
			d.Reset()
			return nil, fmt.Errorf("invalid length: %d (want %d-%d)", length, AddressSize, MaxLinkBodySize)
		}
		d.state = linkStateBody
		return nil, nil

	case linkStateBody:
		d.rawBuffer = append(d.rawBuffer, b)
		d.body = append(d.body, b)
		if len(d.body) >= d.length {
			d.state = linkStateChecksum
		}
		return nil, nil

	case linkStateChecksum:
		d.rawBuffer = append(d.rawBuffer, b)
		calculated := CalculateChecksum(d.body)
		if b != calculated {
			d.Reset()
			return nil, fmt.Errorf("%w: expected 0x%02X, got 0x%02X", ErrChecksum, calculated, b)
		}

		payload := make([]byte, len(d.body)-AddressSize)
		copy(payload, d.body[AddressSize:])
		frame := &LinkFrame{
			address:   binary.BigEndian.Uint64(d.body[:AddressSize]),
			payload:   payload,
			checksum:  b,
			timestamp: time.Now(),
		}

		d.Reset()
		return frame, nil

	default:
		d.Reset()
		return nil, fmt.Errorf("invalid state: %d", d.state)
	}
}
