// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package station

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Thermoquad/thermobase/pkg/control"
	"github.com/Thermoquad/thermobase/pkg/radio"
	"github.com/Thermoquad/thermobase/pkg/thermolink"
	"github.com/Thermoquad/thermobase/pkg/upload"
)

type fakeCommander struct {
	mu       sync.Mutex
	commands []control.Command
	result   thermolink.CommandResult
	err      error
	rules    []thermolink.PositionedRule
	received chan control.Command
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{
		result:   thermolink.CommandResult{Success: true, Detail: "acknowledged"},
		received: make(chan control.Command, 4),
	}
}

func (f *fakeCommander) Transmit(_ context.Context, cmd control.Command) (thermolink.CommandResult, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()
	f.received <- cmd
	return f.result, f.err
}

func (f *fakeCommander) QueryRules(context.Context) ([]thermolink.PositionedRule, thermolink.CommandResult, error) {
	f.received <- control.RuleChange{Op: control.RuleGet}
	return f.rules, f.result, f.err
}

type pushed struct {
	kind    string
	id      string
	command string
	result  thermolink.CommandResult
	rules   []thermolink.PositionedRule
	packet  *thermolink.SensorPacket
}

type fakeResponder struct {
	mu  sync.Mutex
	got []pushed
}

func (f *fakeResponder) add(p pushed) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, p)
	return nil
}

func (f *fakeResponder) PushResult(_ context.Context, id, command string, result thermolink.CommandResult) error {
	return f.add(pushed{kind: "result", id: id, command: command, result: result})
}

func (f *fakeResponder) PushRules(_ context.Context, id string, rules []thermolink.PositionedRule) error {
	return f.add(pushed{kind: "rules", id: id, rules: rules})
}

func (f *fakeResponder) PushSensorData(_ context.Context, id string, packet *thermolink.SensorPacket) error {
	return f.add(pushed{kind: "sensor", id: id, packet: packet})
}

func (f *fakeResponder) last(t *testing.T) pushed {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.got) == 0 {
		t.Fatal("nothing pushed")
	}
	return f.got[len(f.got)-1]
}

func newTestStation() (*Station, *fakeCommander, *fakeResponder) {
	cmdr := newFakeCommander()
	resp := &fakeResponder{}
	s := New(Config{
		Commander: cmdr,
		Responder: resp,
		Decoder:   thermolink.NewSensorDecoder(thermolink.LayoutCompact),
	})
	return s, cmdr, resp
}

func telemetryFrame(readings ...thermolink.SensorReading) radio.Frame {
	payload := thermolink.EncodeSensorPayload(thermolink.LayoutCompact, readings)
	lf := thermolink.NewLinkFrame(0x0013A20040AEBA93, payload)
	return radio.Frame{Opcode: payload[0], Payload: payload, Link: lf}
}

// ============================================================================
// Control requests
// ============================================================================

func TestHandleLine_Transmits(t *testing.T) {
	s, cmdr, resp := newTestStation()

	ctx := radio.WithCorrelationID(context.Background(), "req-7")
	if err := s.HandleLine(ctx, "TS:ON\r\n"); err != nil {
		t.Fatalf("HandleLine: %v", err)
	}

	if len(cmdr.commands) != 1 || cmdr.commands[0] != (control.ThermostatPower{TurnOn: true}) {
		t.Errorf("commands = %#v", cmdr.commands)
	}
	p := resp.last(t)
	if p.kind != "result" || p.id != "req-7" || p.command != "TS" || !p.result.Success {
		t.Errorf("pushed %+v", p)
	}
}

func TestHandleLine_ParseErrorNotTransmitted(t *testing.T) {
	s, cmdr, resp := newTestStation()

	err := s.HandleLine(context.Background(), "TS:ON:EXTRA")
	if !errors.Is(err, control.ErrBadArity) {
		t.Errorf("error = %v, want ErrBadArity", err)
	}
	if len(cmdr.commands) != 0 || len(resp.got) != 0 {
		t.Error("malformed request reached the radio or the responder")
	}
}

func TestHandleLine_TransmitErrorPushed(t *testing.T) {
	s, cmdr, resp := newTestStation()
	cmdr.err = radio.ErrBusy

	err := s.HandleLine(context.Background(), "PO:OFF")
	if !errors.Is(err, radio.ErrBusy) {
		t.Errorf("error = %v, want ErrBusy", err)
	}
	p := resp.last(t)
	if p.result.Success || !strings.Contains(p.result.Detail, "busy") {
		t.Errorf("pushed %+v", p)
	}
}

func TestHandleLine_RuleQuery(t *testing.T) {
	s, cmdr, resp := newTestStation()
	cmdr.rules = []thermolink.PositionedRule{
		{Position: 0, Rule: thermolink.Rule{Day: thermolink.Everyday, Time: 6.5, Temperature: 21}},
	}

	if err := s.HandleLine(context.Background(), "TR:GET"); err != nil {
		t.Fatalf("HandleLine: %v", err)
	}
	p := resp.last(t)
	if p.kind != "rules" || len(p.rules) != 1 {
		t.Errorf("pushed %+v", p)
	}
	if len(cmdr.commands) != 0 {
		t.Error("rule query went through Transmit")
	}
}

func TestHandleLine_DataRequest(t *testing.T) {
	s, cmdr, resp := newTestStation()

	if err := s.HandleLine(context.Background(), "DR"); err != nil {
		t.Fatalf("HandleLine: %v", err)
	}
	if p := resp.last(t); p.kind != "result" || p.result.Success {
		t.Errorf("before telemetry pushed %+v", p)
	}

	s.HandleTelemetry(telemetryFrame(thermolink.SensorReading{Kind: thermolink.SensorTemperature, Value: 21}))

	if err := s.HandleLine(context.Background(), "dr\r\n"); err != nil {
		t.Fatalf("HandleLine: %v", err)
	}
	p := resp.last(t)
	if p.kind != "sensor" || p.packet == nil || p.packet.Readings[0].Value != 21 {
		t.Errorf("pushed %+v", p)
	}
	if len(cmdr.commands) != 0 {
		t.Error("data request went to the radio")
	}
}

// ============================================================================
// Telemetry
// ============================================================================

func TestHandleTelemetry(t *testing.T) {
	s, _, _ := newTestStation()

	s.HandleTelemetry(telemetryFrame(
		thermolink.SensorReading{Kind: thermolink.SensorTemperature, Value: 21},
		thermolink.SensorReading{Kind: thermolink.SensorHumidity, Value: 40},
	))

	latest := s.Snapshot().Latest()
	if latest == nil || len(latest.Readings) != 2 {
		t.Fatalf("snapshot = %+v", latest)
	}
	if got := s.Snapshot().Node("40aeba93"); got != latest {
		t.Error("snapshot not keyed by node id")
	}
	if !strings.Contains(s.Stats(), "Valid Frames:           1") {
		t.Errorf("stats:\n%s", s.Stats())
	}

	select {
	case p := <-s.uploads:
		if p != latest {
			t.Error("queued packet differs from snapshot")
		}
	default:
		t.Error("packet not queued for upload")
	}
}

func TestHandleTelemetry_AnomalyStillUploaded(t *testing.T) {
	s, _, _ := newTestStation()

	s.HandleTelemetry(telemetryFrame(
		thermolink.SensorReading{Kind: thermolink.SensorHumidity, Value: 140},
	))

	if s.Snapshot().Latest() == nil {
		t.Fatal("implausible packet not recorded")
	}
	if !strings.Contains(s.Stats(), "Anomalous Pkts:") {
		t.Errorf("stats:\n%s", s.Stats())
	}
	select {
	case <-s.uploads:
	default:
		t.Error("implausible packet not queued for upload")
	}
}

func TestHandleTelemetry_IOSample(t *testing.T) {
	s, _, _ := newTestStation()

	sample := &thermolink.IOSample{
		Source:     0x0013A20040AEBA93,
		AnalogMask: thermolink.AnalogA0 | thermolink.AnalogA1,
		Analog:     []uint16{512, 1023},
	}
	payload := sample.Encode()
	s.HandleTelemetry(radio.Frame{
		Opcode:  payload[0],
		Payload: payload,
		Link:    thermolink.NewLinkFrame(0x0013A200FFFFFFFF, payload),
	})

	latest := s.Snapshot().Node("40aeba93")
	if latest == nil {
		t.Fatal("IO sample not recorded under its source serial")
	}

	want := "GET /db_test_upload.php?radio_id=40aeba93&temperature=10.06&luminosity=1.20&power=3.30\r\n"
	if got := upload.FormatLine("/db_test_upload.php", latest); got != want {
		t.Errorf("upload line = %q, want %q", got, want)
	}

	select {
	case <-s.uploads:
	default:
		t.Error("IO sample not queued for upload")
	}
}

func TestHandleTelemetry_BadPacketDropped(t *testing.T) {
	s, _, _ := newTestStation()

	frame := telemetryFrame(thermolink.SensorReading{Kind: thermolink.SensorTemperature, Value: 21})
	frame.Payload[1] = 0x03
	s.HandleTelemetry(frame)

	if s.Snapshot().Latest() != nil {
		t.Error("bad packet reached the snapshot")
	}
	if !strings.Contains(s.Stats(), "Unknown Sensors") {
		t.Errorf("stats:\n%s", s.Stats())
	}
}

// ============================================================================
// Listener
// ============================================================================

func TestServe(t *testing.T) {
	s, cmdr, _ := newTestStation()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	send := func(req string) {
		conn, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		_, _ = conn.Write([]byte(req))
		conn.Close()
	}

	send("TS")
	send("PO:ON:21.5\r\n")

	select {
	case cmd := <-cmdr.received:
		po, ok := cmd.(control.ProgramOverride)
		if !ok || !po.TurnOn || po.Setpoint != 21.5 {
			t.Errorf("command = %#v", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command not received")
	}

	select {
	case cmd := <-cmdr.received:
		t.Errorf("short request was handled: %#v", cmd)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve returned %v", err)
	}
}

// slowCommander records how many Transmit calls overlap
type slowCommander struct {
	delay time.Duration

	mu       sync.Mutex
	inFlight int
	peak     int
	order    []string
	done     chan struct{}
}

func (c *slowCommander) Transmit(_ context.Context, cmd control.Command) (thermolink.CommandResult, error) {
	c.mu.Lock()
	c.inFlight++
	if c.inFlight > c.peak {
		c.peak = c.inFlight
	}
	c.mu.Unlock()

	time.Sleep(c.delay)

	c.mu.Lock()
	c.inFlight--
	c.order = append(c.order, describe(cmd))
	c.mu.Unlock()
	c.done <- struct{}{}
	return thermolink.CommandResult{Success: true, Detail: "acknowledged"}, nil
}

func (c *slowCommander) QueryRules(context.Context) ([]thermolink.PositionedRule, thermolink.CommandResult, error) {
	return nil, thermolink.CommandResult{Success: true}, nil
}

func describe(cmd control.Command) string {
	switch c := cmd.(type) {
	case control.ThermostatPower:
		if c.TurnOn {
			return "TS:ON"
		}
		return "TS:OFF"
	case control.ProgramOverride:
		if c.TurnOn {
			return "PO:ON"
		}
		return "PO:OFF"
	}
	return cmd.Code()
}

func TestServe_OneRequestAtATime(t *testing.T) {
	cmdr := &slowCommander{delay: 100 * time.Millisecond, done: make(chan struct{}, 3)}
	s := New(Config{
		Commander: cmdr,
		Decoder:   thermolink.NewSensorDecoder(thermolink.LayoutCompact),
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	requests := []string{"TS:ON\n", "TS:OFF\n", "PO:OFF\n"}
	for _, req := range requests {
		conn, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		_, _ = conn.Write([]byte(req))
		conn.Close()
	}

	for range requests {
		select {
		case <-cmdr.done:
		case <-time.After(5 * time.Second):
			t.Fatal("request not handled")
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve returned %v", err)
	}

	cmdr.mu.Lock()
	defer cmdr.mu.Unlock()
	if cmdr.peak != 1 {
		t.Errorf("peak concurrent Transmit calls = %d, want 1", cmdr.peak)
	}
	want := []string{"TS:ON", "TS:OFF", "PO:OFF"}
	if strings.Join(cmdr.order, ",") != strings.Join(want, ",") {
		t.Errorf("completion order = %v, want %v", cmdr.order, want)
	}
}

func TestReadRequest_Cap(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	go func() {
		_, _ = client.Write([]byte(strings.Repeat("A", MaxRequestSize+100)))
		client.Close()
	}()

	line, err := readRequest(server, time.Second)
	if err != nil {
		t.Fatalf("readRequest: %v", err)
	}
	if len(line) != MaxRequestSize {
		t.Errorf("read %d bytes, want %d", len(line), MaxRequestSize)
	}
}
