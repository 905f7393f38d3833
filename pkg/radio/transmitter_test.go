// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package radio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Thermoquad/thermobase/pkg/control"
	"github.com/Thermoquad/thermobase/pkg/metrics"
	"github.com/Thermoquad/thermobase/pkg/thermolink"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const testNode uint64 = 0x0013A20040A1B2C3

// stubNode records every frame written and answers through the demux.
// reply returns the answer payload for the nth write (1-based), or nil to
// let the attempt time out.
// writeErr, when set, fails the nth write before anything is sent.
type stubNode struct {
	mu       sync.Mutex
	demux    *Demux
	frames   [][]byte
	calls    int
	reply    func(n int, payload []byte) []byte
	writeErr func(n int) error
	sent     chan struct{}
}

func newStubNode(demux *Demux, reply func(n int, payload []byte) []byte) *stubNode {
	return &stubNode{demux: demux, reply: reply, sent: make(chan struct{}, 16)}
}

func (s *stubNode) WriteFrame(dest uint64, payload []byte) error {
	s.mu.Lock()
	s.calls++
	n := s.calls
	if s.writeErr != nil {
		if err := s.writeErr(n); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.frames = append(s.frames, append([]byte(nil), payload...))
	s.mu.Unlock()

	select {
	case s.sent <- struct{}{}:
	default:
	}

	if answer := s.reply(n, payload); answer != nil {
		s.demux.Dispatch(thermolink.NewLinkFrame(dest, answer))
	}
	return nil
}

func (s *stubNode) written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func timeoutThen(n int, answer []byte) func(int, []byte) []byte {
	return func(i int, _ []byte) []byte {
		if i <= n {
			return nil
		}
		return answer
	}
}

func newTestTransmitter(node *stubNode, opts ...Option) *Transmitter {
	base := []Option{
		WithAckTimeout(20 * time.Millisecond),
		WithRetryPolicy(ConstantRetry(time.Millisecond)),
	}
	return NewTransmitter(node, node.demux, testNode, append(base, opts...)...)
}

// ============================================================================
// Retry cycle
// ============================================================================

func TestTransmit_RetriesIdenticalFrameUntilAck(t *testing.T) {
	demux := NewDemux(nil)
	node := newStubNode(demux, timeoutThen(2, thermolink.AckFrame(true, "")))

	var states []State
	tx := newTestTransmitter(node, WithStateHook(func(_ string, s State) {
		states = append(states, s)
	}))

	result, err := tx.Transmit(context.Background(), control.ThermostatPower{TurnOn: true})
	if err != nil {
		t.Fatalf("Transmit error: %v", err)
	}
	if !result.Success {
		t.Errorf("result = %v, want success", result)
	}

	frames := node.written()
	if len(frames) != 3 {
		t.Fatalf("sent %d frames, want 3", len(frames))
	}
	want := []byte{thermolink.OpThermoPower, thermolink.SubOn}
	for i, f := range frames {
		if !bytes.Equal(f, want) {
			t.Errorf("frame %d = % X, want % X", i, f, want)
		}
	}

	wantStates := []State{
		StateBuilding,
		StateSent, StateAwaitingAck, StateRetrying,
		StateSent, StateAwaitingAck, StateRetrying,
		StateSent, StateAwaitingAck,
		StateSucceeded,
	}
	if len(states) != len(wantStates) {
		t.Fatalf("states = %v, want %v", states, wantStates)
	}
	for i := range states {
		if states[i] != wantStates[i] {
			t.Errorf("state %d = %v, want %v", i, states[i], wantStates[i])
		}
	}
}

func TestTransmit_NackIsReportedNotResent(t *testing.T) {
	demux := NewDemux(nil)
	node := newStubNode(demux, timeoutThen(0, thermolink.AckFrame(false, "setpoint out of range")))

	var last State
	tx := newTestTransmitter(node, WithStateHook(func(_ string, s State) { last = s }))

	result, err := tx.Transmit(context.Background(), control.ProgramOverride{TurnOn: true, Setpoint: 45})
	if err != nil {
		t.Fatalf("Transmit error: %v", err)
	}
	if result.Success || result.Detail != "setpoint out of range" {
		t.Errorf("result = %+v", result)
	}
	if n := len(node.written()); n != 1 {
		t.Errorf("sent %d frames, want 1", n)
	}
	if last != StateFailed {
		t.Errorf("final state = %v, want Failed", last)
	}
}

func TestTransmit_PolicyExhaustion(t *testing.T) {
	demux := NewDemux(nil)
	node := newStubNode(demux, timeoutThen(100, nil))
	tx := newTestTransmitter(node, WithRetryPolicy(LimitedRetry(time.Millisecond, 3)))

	_, err := tx.Transmit(context.Background(), control.ThermostatPower{TurnOn: false})
	if !errors.Is(err, ErrStatusUnknown) {
		t.Fatalf("error = %v, want ErrStatusUnknown", err)
	}
	if !errors.Is(err, ErrTransmitTimeout) {
		t.Errorf("error should wrap ErrTransmitTimeout: %v", err)
	}
	if n := len(node.written()); n != 4 {
		t.Errorf("sent %d frames, want 4", n)
	}
}

func failWrites(n int, err error) func(int) error {
	return func(i int) error {
		if i <= n {
			return err
		}
		return nil
	}
}

func TestTransmit_RetriesThroughTransportOutage(t *testing.T) {
	demux := NewDemux(nil)
	node := newStubNode(demux, timeoutThen(0, thermolink.AckFrame(true, "")))
	node.writeErr = failWrites(2, fmt.Errorf("%w: radio not connected", ErrTransport))

	var states []State
	tx := newTestTransmitter(node, WithStateHook(func(_ string, s State) {
		states = append(states, s)
	}))

	result, err := tx.Transmit(context.Background(), control.ThermostatPower{TurnOn: true})
	if err != nil {
		t.Fatalf("Transmit error: %v", err)
	}
	if !result.Success {
		t.Errorf("result = %v, want success", result)
	}
	if n := len(node.written()); n != 1 {
		t.Errorf("delivered %d frames, want 1", n)
	}

	wantStates := []State{
		StateBuilding,
		StateRetrying,
		StateRetrying,
		StateSent, StateAwaitingAck,
		StateSucceeded,
	}
	if len(states) != len(wantStates) {
		t.Fatalf("states = %v, want %v", states, wantStates)
	}
	for i := range states {
		if states[i] != wantStates[i] {
			t.Errorf("state %d = %v, want %v", i, states[i], wantStates[i])
		}
	}
}

func TestTransmit_TransportOutageExhaustsPolicy(t *testing.T) {
	demux := NewDemux(nil)
	node := newStubNode(demux, timeoutThen(0, thermolink.AckFrame(true, "")))
	node.writeErr = failWrites(100, fmt.Errorf("%w: port closed", ErrTransport))
	tx := newTestTransmitter(node, WithRetryPolicy(LimitedRetry(time.Millisecond, 2)))

	_, err := tx.Transmit(context.Background(), control.ThermostatPower{TurnOn: true})
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("error = %v, want ErrTransport", err)
	}
	if errors.Is(err, ErrStatusUnknown) {
		t.Errorf("nothing reached the radio, status is known: %v", err)
	}
	node.mu.Lock()
	calls := node.calls
	node.mu.Unlock()
	if calls != 3 {
		t.Errorf("write attempts = %d, want 3", calls)
	}
}

func TestTransmit_UnknownAfterOutageFollowingSend(t *testing.T) {
	demux := NewDemux(nil)
	node := newStubNode(demux, timeoutThen(100, nil))
	node.writeErr = func(i int) error {
		if i > 1 {
			return fmt.Errorf("%w: port closed", ErrTransport)
		}
		return nil
	}
	tx := newTestTransmitter(node, WithRetryPolicy(LimitedRetry(time.Millisecond, 2)))

	_, err := tx.Transmit(context.Background(), control.ThermostatPower{TurnOn: false})
	if !errors.Is(err, ErrStatusUnknown) {
		t.Errorf("error = %v, want ErrStatusUnknown", err)
	}
}

func TestTransmit_WriteErrorNotRetried(t *testing.T) {
	demux := NewDemux(nil)
	node := newStubNode(demux, timeoutThen(0, thermolink.AckFrame(true, "")))
	frameErr := errors.New("payload too large")
	node.writeErr = failWrites(100, frameErr)
	tx := newTestTransmitter(node)

	_, err := tx.Transmit(context.Background(), control.ThermostatPower{TurnOn: true})
	if !errors.Is(err, frameErr) {
		t.Fatalf("error = %v, want %v", err, frameErr)
	}
	node.mu.Lock()
	calls := node.calls
	node.mu.Unlock()
	if calls != 1 {
		t.Errorf("write attempts = %d, want 1", calls)
	}
}

func TestTransmit_ContextCancel(t *testing.T) {
	demux := NewDemux(nil)
	node := newStubNode(demux, timeoutThen(100, nil))
	tx := newTestTransmitter(node)

	ctx, cancel := context.WithTimeout(context.Background(), 70*time.Millisecond)
	defer cancel()

	_, err := tx.Transmit(ctx, control.ThermostatPower{TurnOn: true})
	if !errors.Is(err, ErrStatusUnknown) {
		t.Fatalf("error = %v, want ErrStatusUnknown", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error should wrap the context error: %v", err)
	}
	if n := len(node.written()); n < 2 {
		t.Errorf("sent %d frames, want at least 2", n)
	}
}

func TestTransmit_Busy(t *testing.T) {
	demux := NewDemux(nil)
	node := newStubNode(demux, timeoutThen(100, nil))
	tx := newTestTransmitter(node)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := tx.Transmit(ctx, control.ThermostatPower{TurnOn: true})
		done <- err
	}()

	<-node.sent

	_, err := tx.Transmit(context.Background(), control.ThermostatPower{TurnOn: false})
	if !errors.Is(err, ErrBusy) {
		t.Errorf("second Transmit error = %v, want ErrBusy", err)
	}

	cancel()
	if err := <-done; !errors.Is(err, ErrStatusUnknown) {
		t.Errorf("first Transmit error = %v, want ErrStatusUnknown", err)
	}

	for _, f := range node.written() {
		if f[1] != thermolink.SubOn {
			t.Errorf("busy command reached the radio: % X", f)
		}
	}
}

func TestTransmit_DataRequestIsLocal(t *testing.T) {
	demux := NewDemux(nil)
	node := newStubNode(demux, timeoutThen(0, thermolink.AckFrame(true, "")))
	tx := newTestTransmitter(node)

	_, err := tx.Transmit(context.Background(), control.DataRequest{})
	if !errors.Is(err, ErrNotRadioCommand) {
		t.Errorf("error = %v, want ErrNotRadioCommand", err)
	}
	if n := len(node.written()); n != 0 {
		t.Errorf("sent %d frames, want 0", n)
	}
}

func TestTransmit_TelemetryDuringCycleGoesToHandler(t *testing.T) {
	demux := NewDemux(nil)
	var telemetry int
	demux.Handle(thermolink.OpSensorData, func(Frame) { telemetry++ })

	sensor := thermolink.EncodeSensorPayload(thermolink.LayoutCompact, []thermolink.SensorReading{
		{Kind: thermolink.SensorTemperature, Value: 21},
	})
	node := newStubNode(demux, nil)
	node.reply = func(n int, _ []byte) []byte {
		if n == 1 {
			node.demux.Dispatch(thermolink.NewLinkFrame(testNode, sensor))
			return nil
		}
		return thermolink.AckFrame(true, "")
	}
	tx := newTestTransmitter(node)

	result, err := tx.Transmit(context.Background(), control.ThermostatPower{TurnOn: true})
	if err != nil || !result.Success {
		t.Fatalf("Transmit = %v, %v", result, err)
	}
	if telemetry != 1 {
		t.Errorf("telemetry handler called %d times, want 1", telemetry)
	}
	if n := len(node.written()); n != 2 {
		t.Errorf("sent %d frames, want 2", n)
	}
}

func TestTransmit_CorrelationID(t *testing.T) {
	demux := NewDemux(nil)
	node := newStubNode(demux, timeoutThen(0, thermolink.AckFrame(true, "")))

	ids := map[string]bool{}
	tx := newTestTransmitter(node, WithStateHook(func(id string, _ State) { ids[id] = true }))

	ctx := WithCorrelationID(context.Background(), "req-42")
	if _, err := tx.Transmit(ctx, control.ThermostatPower{TurnOn: true}); err != nil {
		t.Fatalf("Transmit error: %v", err)
	}
	if len(ids) != 1 || !ids["req-42"] {
		t.Errorf("state hook ids = %v, want only req-42", ids)
	}
}

func TestTransmit_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	demux := NewDemux(m)
	node := newStubNode(demux, timeoutThen(1, thermolink.AckFrame(true, "")))
	tx := newTestTransmitter(node, WithMetrics(m))

	if _, err := tx.Transmit(context.Background(), control.ThermostatPower{TurnOn: true}); err != nil {
		t.Fatalf("Transmit error: %v", err)
	}

	expected := `
# HELP thermobase_transmit_attempts_total Command frames written to the radio, including resends.
# TYPE thermobase_transmit_attempts_total counter
thermobase_transmit_attempts_total 2
`
	if err := testutil.GatherAndCompare(reg, bytes.NewBufferString(expected), "thermobase_transmit_attempts_total"); err != nil {
		t.Error(err)
	}
}

// ============================================================================
// Rule query
// ============================================================================

func TestQueryRules(t *testing.T) {
	rules := []thermolink.Rule{
		{Day: thermolink.Everyday, Time: 6.5, Temperature: 21},
		{Day: thermolink.Weekends, Time: 22, Temperature: 17.5},
	}
	set, err := thermolink.EncodeRuleSet(rules)
	if err != nil {
		t.Fatalf("EncodeRuleSet: %v", err)
	}

	demux := NewDemux(nil)
	node := newStubNode(demux, timeoutThen(1, thermolink.RuleResponseFrame(set)))
	tx := newTestTransmitter(node)

	got, result, err := tx.QueryRules(context.Background())
	if err != nil {
		t.Fatalf("QueryRules error: %v", err)
	}
	if !result.Success {
		t.Errorf("result = %v", result)
	}
	if len(got) != 2 {
		t.Fatalf("got %d rules, want 2", len(got))
	}
	for i, pr := range got {
		if int(pr.Position) != i || pr.Rule != rules[i] {
			t.Errorf("rule %d = %+v, want position %d %+v", i, pr, i, rules[i])
		}
	}

	for _, f := range node.written() {
		if !bytes.Equal(f, thermolink.RuleQueryFrame()) {
			t.Errorf("frame = % X, want rule query", f)
		}
	}
}

func TestQueryRules_Nack(t *testing.T) {
	demux := NewDemux(nil)
	node := newStubNode(demux, timeoutThen(0, thermolink.AckFrame(false, "")))
	tx := newTestTransmitter(node)

	rules, result, err := tx.QueryRules(context.Background())
	if err != nil {
		t.Fatalf("QueryRules error: %v", err)
	}
	if rules != nil || result.Success {
		t.Errorf("got %v, %v; want rejection", rules, result)
	}
}

func TestQueryRules_Truncated(t *testing.T) {
	demux := NewDemux(nil)
	node := newStubNode(demux, timeoutThen(0, thermolink.RuleResponseFrame([]byte{2, 9, 0})))
	tx := newTestTransmitter(node)

	_, _, err := tx.QueryRules(context.Background())
	if !errors.Is(err, thermolink.ErrTruncatedResponse) {
		t.Errorf("error = %v, want ErrTruncatedResponse", err)
	}
}

func TestAcknowledgement_Malformed(t *testing.T) {
	demux := NewDemux(nil)
	node := newStubNode(demux, timeoutThen(0, nil))

	var last State
	tx := newTestTransmitter(node, WithStateHook(func(_ string, s State) { last = s }))

	result, err := tx.acknowledgement("req-1", Frame{Opcode: thermolink.OpNack})
	if !errors.Is(err, thermolink.ErrMalformedPacket) {
		t.Errorf("error = %v, want ErrMalformedPacket", err)
	}
	if result != (thermolink.CommandResult{}) {
		t.Errorf("result = %+v, want zero value", result)
	}
	if last != StateFailed {
		t.Errorf("final state = %v, want Failed", last)
	}
}

func TestQueryRules_NackDetail(t *testing.T) {
	demux := NewDemux(nil)
	node := newStubNode(demux, timeoutThen(0, thermolink.AckFrame(false, "table locked")))
	tx := newTestTransmitter(node)

	_, result, err := tx.QueryRules(context.Background())
	if err != nil {
		t.Fatalf("QueryRules error: %v", err)
	}
	if result.Success || result.Detail != "table locked" {
		t.Errorf("result = %+v", result)
	}
}

func TestTransmit_RuleGetReportsCount(t *testing.T) {
	set, _ := thermolink.EncodeRuleSet([]thermolink.Rule{{Day: thermolink.Monday, Time: 7, Temperature: 20}})
	demux := NewDemux(nil)
	node := newStubNode(demux, timeoutThen(0, thermolink.RuleResponseFrame(set)))
	tx := newTestTransmitter(node)

	result, err := tx.Transmit(context.Background(), control.RuleChange{Op: control.RuleGet})
	if err != nil {
		t.Fatalf("Transmit error: %v", err)
	}
	if !result.Success || result.Detail != "1 rules" {
		t.Errorf("result = %+v", result)
	}
}

// ============================================================================
// Frame building
// ============================================================================

func TestCommandFrame(t *testing.T) {
	ninety := 90.0
	tests := []struct {
		name string
		cmd  control.Command
		want []byte
		err  error
	}{
		{"power on", control.ThermostatPower{TurnOn: true}, []byte{0x02, 0x01}, nil},
		{"power off", control.ThermostatPower{}, []byte{0x02, 0x00}, nil},
		{"override off", control.ProgramOverride{}, []byte{0x03, 0x00}, nil},
		{"override on", control.ProgramOverride{TurnOn: true, Setpoint: 21.5},
			[]byte{0x03, 0x01, 0x00, 0x00, 0xAC, 0x41}, nil},
		{"override with duration", control.ProgramOverride{TurnOn: true, Setpoint: 21.5, Duration: &ninety},
			[]byte{0x03, 0x01, 0x00, 0x00, 0xAC, 0x41, 0x00, 0x00, 0xB4, 0x42}, nil},
		{"rule get", control.RuleChange{Op: control.RuleGet}, []byte{0x04, 0x02}, nil},
		{"rule add", control.RuleChange{Op: control.RuleAdd}, nil, control.ErrNotYetSpecified},
		{"data request", control.DataRequest{}, nil, ErrNotRadioCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CommandFrame(tt.cmd)
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Errorf("error = %v, want %v", err, tt.err)
				}
				return
			}
			if err != nil {
				t.Fatalf("error: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("frame = % X, want % X", got, tt.want)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	if StateAwaitingAck.String() != "AwaitingAck" || State(99).String() != "State(99)" {
		t.Error("unexpected state names")
	}
}
