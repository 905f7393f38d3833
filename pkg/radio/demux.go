// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package radio

import (
	"context"
	"errors"
	"sync"

	"github.com/Thermoquad/thermobase/pkg/metrics"
	"github.com/Thermoquad/thermobase/pkg/thermolink"
)

// Frame is a received radio frame after marker removal
type Frame struct {
	Opcode  byte
	Payload []byte // de-stuffed, starting with the opcode byte
	Link    *thermolink.LinkFrame
}

// Handler consumes frames. It runs on the reader goroutine.
type Handler func(Frame)

type waiter struct {
	ops []byte
	ch  chan Frame
}

func (w *waiter) wants(op byte) bool {
	for _, o := range w.ops {
		if o == op {
			return true
		}
	}
	return false
}

// Demux routes received frames to consumers by opcode. One-shot waiters
// registered with Expect take priority over standing handlers.
type Demux struct {
	mu       sync.Mutex
	handlers map[byte]Handler
	waiters  []*waiter
	fallback Handler
	dropped  uint64
	metrics  *metrics.Metrics
}

// NewDemux creates an empty dispatch table
func NewDemux(m *metrics.Metrics) *Demux {
	return &Demux{
		handlers: make(map[byte]Handler),
		metrics:  m,
	}
}

// Handle registers the standing consumer for op, replacing any previous one
func (d *Demux) Handle(op byte, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[op] = h
}

// SetFallback registers the consumer for frames that match nothing else and
// do not start with an opcode. Preamble-layout telemetry has no opcode byte
// and arrives here. An unclaimed opcode frame, such as an ACK that came back
// after its waiter gave up, is dropped.
func (d *Demux) SetFallback(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = h
}

// Expect registers a one-shot waiter for the next frame carrying any of ops.
// The returned cancel removes the waiter if it has not fired.
func (d *Demux) Expect(ops ...byte) (<-chan Frame, func()) {
	w := &waiter{ops: ops, ch: make(chan Frame, 1)}

	d.mu.Lock()
	d.waiters = append(d.waiters, w)
	d.mu.Unlock()

	cancel := func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.removeWaiter(w)
	}
	return w.ch, cancel
}

func (d *Demux) removeWaiter(w *waiter) bool {
	for i, cur := range d.waiters {
		if cur == w {
			d.waiters = append(d.waiters[:i], d.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Dropped returns how many frames had no consumer
func (d *Demux) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Dispatch removes marker bytes from the frame payload and hands the frame
// to its consumer
func (d *Demux) Dispatch(lf *thermolink.LinkFrame) {
	payload := thermolink.Destuff(lf.Payload())
	op, ok := thermolink.Opcode(payload)
	if !ok {
		d.drop()
		return
	}
	frame := Frame{Opcode: op, Payload: payload, Link: lf}

	d.mu.Lock()
	for _, w := range d.waiters {
		if w.wants(op) {
			d.removeWaiter(w)
			d.mu.Unlock()
			d.metrics.FrameReceived(thermolink.FormatOpcode(op))
			w.ch <- frame
			return
		}
	}
	h := d.handlers[op]
	if h == nil && !thermolink.IsOpcode(op) {
		h = d.fallback
	}
	d.mu.Unlock()

	if h == nil {
		d.drop()
		return
	}
	d.metrics.FrameReceived(thermolink.FormatOpcode(op))
	h(frame)
}

func (d *Demux) drop() {
	d.mu.Lock()
	d.dropped++
	d.mu.Unlock()
	d.metrics.FrameDropped()
}

// Run reads frames from link and dispatches them until the connection fails
// or ctx is done. Rejected frames are passed to onError and reading
// continues. Closing the connection unblocks a pending read.
func (d *Demux) Run(ctx context.Context, link *Link, onError func(error)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		frame, err := link.ReadFrame()
		if err != nil {
			if errors.Is(err, ErrTransport) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
			d.metrics.DecodeError("link")
			if onError != nil {
				onError(err)
			}
			continue
		}

		d.Dispatch(frame)
	}
}
