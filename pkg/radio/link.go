// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package radio drives the point-to-point radio link to a thermostat node:
// framing on the byte stream, dispatch of received frames by opcode, and the
// command transmitter with its acknowledgement and retry cycle.
package radio

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/Thermoquad/thermobase/pkg/thermolink"
)

// ErrTransport wraps read and write failures of the underlying connection.
// Anything else returned by ReadFrame is a rejected frame and reading may
// continue.
var ErrTransport = errors.New("radio transport error")

// Link carries link frames over a byte stream from a serial modem or a
// WebSocket radio bridge
type Link struct {
	rw      io.ReadWriter
	decoder *thermolink.LinkDecoder

	buf  []byte
	head int
	tail int

	wmu sync.Mutex
}

// NewLink wraps rw. Reads are not safe for concurrent use; writes are.
func NewLink(rw io.ReadWriter) *Link {
	return &Link{
		rw:      rw,
		decoder: thermolink.NewLinkDecoder(),
		buf:     make([]byte, 256),
	}
}

// ReadFrame blocks until a frame completes, a frame is rejected, or the
// connection fails.
func (l *Link) ReadFrame() (*thermolink.LinkFrame, error) {
	for {
		for l.head < l.tail {
			b := l.buf[l.head]
			l.head++

			frame, err := l.decoder.DecodeByte(b)
			if err != nil {
				return nil, err
			}
			if frame != nil {
				return frame, nil
			}
		}

		n, err := l.rw.Read(l.buf)
		if n > 0 {
			l.head, l.tail = 0, n
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTransport, err)
		}
	}
}

// RawBytes returns the bytes of the frame currently being decoded
func (l *Link) RawBytes() []byte {
	return l.decoder.GetRawBytes()
}

// WriteFrame frames payload for dest and writes it in one call
func (l *Link) WriteFrame(dest uint64, payload []byte) error {
	frame, err := thermolink.EncodeLinkFrame(dest, payload)
	if err != nil {
		return err
	}

	l.wmu.Lock()
	defer l.wmu.Unlock()

	if _, err := l.rw.Write(frame); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}
