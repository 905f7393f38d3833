// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package radio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/Thermoquad/thermobase/pkg/thermolink"
)

func linkFrame(payload ...byte) *thermolink.LinkFrame {
	return thermolink.NewLinkFrame(testNode, payload)
}

func TestDemux_HandlerByOpcode(t *testing.T) {
	d := NewDemux(nil)
	var got []byte
	d.Handle(thermolink.OpSensorData, func(f Frame) { got = f.Payload })

	d.Dispatch(linkFrame(thermolink.OpSensorData, 0x01, 0x00, 0x00, 0xA8, 0x41))

	want := []byte{thermolink.OpSensorData, 0x01, 0x00, 0x00, 0xA8, 0x41}
	if !bytes.Equal(got, want) {
		t.Errorf("payload = % X, want % X", got, want)
	}
}

func TestDemux_DestuffsBeforeDispatch(t *testing.T) {
	d := NewDemux(nil)
	var got Frame
	d.Handle(thermolink.OpSensorData, func(f Frame) { got = f })

	d.Dispatch(linkFrame(thermolink.MarkerByte, thermolink.OpSensorData, 0x01, thermolink.MarkerByte, 0x00, 0x00, 0xA8, 0x41))

	if got.Opcode != thermolink.OpSensorData {
		t.Fatalf("opcode = 0x%02X, want SENSOR_DATA", got.Opcode)
	}
	if len(got.Payload) != 6 {
		t.Errorf("payload = % X, want 6 bytes", got.Payload)
	}
}

func TestDemux_WaiterTakesPriority(t *testing.T) {
	d := NewDemux(nil)
	var standing int
	d.Handle(thermolink.OpAck, func(Frame) { standing++ })

	answer, cancel := d.Expect(thermolink.OpAck, thermolink.OpNack)
	defer cancel()

	d.Dispatch(linkFrame(thermolink.OpAck))
	select {
	case f := <-answer:
		if f.Opcode != thermolink.OpAck {
			t.Errorf("opcode = 0x%02X", f.Opcode)
		}
	default:
		t.Fatal("waiter did not receive the frame")
	}
	if standing != 0 {
		t.Error("standing handler saw a frame claimed by a waiter")
	}

	// One-shot: the next ACK goes to the standing handler
	d.Dispatch(linkFrame(thermolink.OpAck))
	if standing != 1 {
		t.Errorf("standing handler calls = %d, want 1", standing)
	}
}

func TestDemux_WaiterIgnoresOtherOpcodes(t *testing.T) {
	d := NewDemux(nil)
	answer, cancel := d.Expect(thermolink.OpRuleChange)
	defer cancel()

	d.Dispatch(linkFrame(thermolink.OpAck))
	select {
	case <-answer:
		t.Fatal("waiter received a frame it did not ask for")
	default:
	}
	if d.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", d.Dropped())
	}
}

func TestDemux_CancelRemovesWaiter(t *testing.T) {
	d := NewDemux(nil)
	answer, cancel := d.Expect(thermolink.OpAck)
	cancel()
	cancel()

	d.Dispatch(linkFrame(thermolink.OpAck))
	select {
	case <-answer:
		t.Fatal("cancelled waiter received a frame")
	default:
	}
	if d.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", d.Dropped())
	}
}

func TestDemux_FallbackAndDrops(t *testing.T) {
	d := NewDemux(nil)

	d.Dispatch(linkFrame())
	d.Dispatch(linkFrame(thermolink.PreambleFrameType, 0x00))
	if d.Dropped() != 2 {
		t.Fatalf("dropped = %d, want 2", d.Dropped())
	}

	var fallback int
	d.SetFallback(func(f Frame) {
		if f.Opcode == thermolink.PreambleFrameType {
			fallback++
		}
	})
	d.Dispatch(linkFrame(thermolink.PreambleFrameType, 0x00))
	if fallback != 1 {
		t.Errorf("fallback calls = %d, want 1", fallback)
	}
}

func TestDemux_FallbackSkipsOpcodes(t *testing.T) {
	d := NewDemux(nil)

	var fallback []byte
	d.SetFallback(func(f Frame) { fallback = append(fallback, f.Opcode) })

	// Late answers whose waiters were cancelled
	d.Dispatch(linkFrame(thermolink.AckFrame(true, "")...))
	d.Dispatch(linkFrame(thermolink.AckFrame(false, "busy")...))
	d.Dispatch(linkFrame(thermolink.OpRuleChange, 0))
	d.Dispatch(linkFrame(0x7A, 0x01))

	if len(fallback) != 1 || fallback[0] != 0x7A {
		t.Errorf("fallback got opcodes % X, want 7A", fallback)
	}
	if d.Dropped() != 3 {
		t.Errorf("dropped = %d, want 3", d.Dropped())
	}
}

func TestIsOpcode(t *testing.T) {
	for b := 0; b < 256; b++ {
		want := b <= thermolink.OpSensorData
		if got := thermolink.IsOpcode(byte(b)); got != want {
			t.Errorf("IsOpcode(0x%02X) = %v, want %v", b, got, want)
		}
	}
}

// ============================================================================
// Reader loop
// ============================================================================

type readWriter struct {
	io.Reader
	io.Writer
}

func TestDemux_Run(t *testing.T) {
	var wire bytes.Buffer
	first, _ := thermolink.EncodeLinkFrame(testNode, []byte{thermolink.OpSensorData})
	bad, _ := thermolink.EncodeLinkFrame(testNode, []byte{thermolink.OpAck})
	bad[len(bad)-1] ^= 0xFF
	second, _ := thermolink.EncodeLinkFrame(testNode, []byte{thermolink.OpSensorData, 0x7D})
	wire.Write(first)
	wire.Write(bad)
	wire.Write(second)

	d := NewDemux(nil)
	var frames int
	d.Handle(thermolink.OpSensorData, func(Frame) { frames++ })

	var rejected []error
	err := d.Run(context.Background(), NewLink(readWriter{Reader: &wire, Writer: io.Discard}), func(err error) {
		rejected = append(rejected, err)
	})

	if !errors.Is(err, ErrTransport) || !errors.Is(err, io.EOF) {
		t.Errorf("Run error = %v, want transport EOF", err)
	}
	if frames != 2 {
		t.Errorf("frames = %d, want 2", frames)
	}
	if len(rejected) != 1 || !errors.Is(rejected[0], thermolink.ErrChecksum) {
		t.Errorf("rejected = %v, want one checksum error", rejected)
	}
}

func TestDemux_RunStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDemux(nil)
	err := d.Run(ctx, NewLink(readWriter{Reader: &bytes.Buffer{}, Writer: io.Discard}), nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run error = %v, want context.Canceled", err)
	}
}
