// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package radio

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Thermoquad/thermobase/pkg/control"
	"github.com/Thermoquad/thermobase/pkg/metrics"
	"github.com/Thermoquad/thermobase/pkg/thermolink"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Transmitter timing defaults
const (
	DefaultAckTimeout = 2 * time.Second
	DefaultRetryPause = 100 * time.Millisecond
)

var (
	// ErrBusy is returned when another command is still in flight
	ErrBusy = errors.New("transmitter busy")

	// ErrTransmitTimeout marks one attempt that got no acknowledgement
	ErrTransmitTimeout = errors.New("no acknowledgement within timeout")

	// ErrStatusUnknown is returned when the retry policy gives up or the
	// caller cancels while the command may or may not have been applied
	ErrStatusUnknown = errors.New("command status unknown")

	// ErrNotRadioCommand is returned for commands answered locally
	ErrNotRadioCommand = errors.New("not a radio command")
)

// State is a step of the transmit cycle
type State int

const (
	StateIdle State = iota
	StateBuilding
	StateSent
	StateAwaitingAck
	StateRetrying
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateBuilding:
		return "Building"
	case StateSent:
		return "Sent"
	case StateAwaitingAck:
		return "AwaitingAck"
	case StateRetrying:
		return "Retrying"
	case StateSucceeded:
		return "Succeeded"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// FrameWriter sends one payload to a radio address. *Link implements it.
type FrameWriter interface {
	WriteFrame(dest uint64, payload []byte) error
}

// RetryPolicy creates the pause schedule for one transmit cycle. A policy
// returning backoff.Stop ends the cycle with ErrStatusUnknown.
type RetryPolicy func() backoff.BackOff

// ConstantRetry resends after a fixed pause forever
func ConstantRetry(pause time.Duration) RetryPolicy {
	return func() backoff.BackOff {
		return backoff.NewConstantBackOff(pause)
	}
}

// LimitedRetry resends after a fixed pause at most retries times
func LimitedRetry(pause time.Duration, retries uint64) RetryPolicy {
	return func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(pause), retries)
	}
}

type correlationKey struct{}

// WithCorrelationID attaches the id the transmitter logs and reports for
// the command sent with ctx
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id attached to ctx, or a new one
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

// Option configures a Transmitter
type Option func(*Transmitter)

// WithAckTimeout sets how long one attempt waits for an acknowledgement
func WithAckTimeout(d time.Duration) Option {
	return func(t *Transmitter) { t.ackTimeout = d }
}

// WithRetryPolicy replaces the default unbounded constant-pause policy
func WithRetryPolicy(p RetryPolicy) Option {
	return func(t *Transmitter) { t.policy = p }
}

// WithStateHook observes every state transition
func WithStateHook(fn func(id string, s State)) Option {
	return func(t *Transmitter) { t.onState = fn }
}

// WithMetrics counts attempts and results
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transmitter) { t.metrics = m }
}

// Transmitter sends commands to one node and waits for the node's answer.
// It holds the radio for a whole cycle; there is no queue.
type Transmitter struct {
	writer     FrameWriter
	demux      *Demux
	dest       uint64
	ackTimeout time.Duration
	policy     RetryPolicy
	onState    func(id string, s State)
	metrics    *metrics.Metrics

	mu sync.Mutex
}

// NewTransmitter sends through w to the node at dest. Answers are taken
// from demux, whose reader must be running.
func NewTransmitter(w FrameWriter, demux *Demux, dest uint64, opts ...Option) *Transmitter {
	t := &Transmitter{
		writer:     w,
		demux:      demux,
		dest:       dest,
		ackTimeout: DefaultAckTimeout,
		policy:     ConstantRetry(DefaultRetryPause),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// CommandFrame builds the radio payload for cmd
func CommandFrame(cmd control.Command) ([]byte, error) {
	switch c := cmd.(type) {
	case control.ThermostatPower:
		return thermolink.ThermoPowerFrame(c.TurnOn), nil
	case control.ProgramOverride:
		var duration *float32
		if c.Duration != nil {
			d := float32(*c.Duration)
			duration = &d
		}
		return thermolink.OverrideFrame(c.TurnOn, float32(c.Setpoint), duration), nil
	case control.RuleChange:
		if c.Op != control.RuleGet {
			return nil, fmt.Errorf("%w: TR %s", control.ErrNotYetSpecified, c.Op)
		}
		return thermolink.RuleQueryFrame(), nil
	case control.DataRequest:
		return nil, fmt.Errorf("%w: %s", ErrNotRadioCommand, c.Code())
	default:
		return nil, fmt.Errorf("%w: %T", ErrNotRadioCommand, cmd)
	}
}

// Transmit sends cmd and blocks until the node acknowledges or rejects it.
// A rejection is a result, not an error. TR:GET is run as QueryRules and
// reports the number of rules received.
func (t *Transmitter) Transmit(ctx context.Context, cmd control.Command) (thermolink.CommandResult, error) {
	if rc, ok := cmd.(control.RuleChange); ok && rc.Op == control.RuleGet {
		rules, result, err := t.QueryRules(ctx)
		if err != nil || !result.Success {
			return result, err
		}
		result.Detail = fmt.Sprintf("%d rules", len(rules))
		return result, nil
	}

	payload, err := CommandFrame(cmd)
	if err != nil {
		return thermolink.CommandResult{}, err
	}

	id := CorrelationID(ctx)
	frame, err := t.cycle(ctx, id, cmd.Code(), payload, thermolink.OpAck, thermolink.OpNack)
	if err != nil {
		return thermolink.CommandResult{}, err
	}

	return t.acknowledgement(id, frame)
}

// QueryRules asks the node for its rule table. The cycle completes on a
// rule response or a rejection.
func (t *Transmitter) QueryRules(ctx context.Context) ([]thermolink.PositionedRule, thermolink.CommandResult, error) {
	id := CorrelationID(ctx)
	frame, err := t.cycle(ctx, id, control.CodeRule, thermolink.RuleQueryFrame(), thermolink.OpRuleChange, thermolink.OpNack)
	if err != nil {
		return nil, thermolink.CommandResult{}, err
	}

	if frame.Opcode == thermolink.OpNack {
		result, err := t.acknowledgement(id, frame)
		return nil, result, err
	}

	rules, err := thermolink.DecodeRuleSet(frame.Payload[1:])
	if err != nil {
		t.metrics.DecodeError("rules")
		t.finish(id, StateFailed, metrics.ResultFailed)
		return nil, thermolink.CommandResult{}, err
	}

	result := thermolink.CommandResult{Success: true, Detail: "acknowledged"}
	t.report(id, result)
	return rules, result, nil
}

// cycle sends payload until a frame with one of the expected opcodes
// arrives or the retry policy gives up. Every resend is byte-identical. A
// transport write failure, such as a radio that is reconnecting, counts as a
// failed attempt; any other write error ends the cycle.
func (t *Transmitter) cycle(ctx context.Context, id, name string, payload []byte, expect ...byte) (Frame, error) {
	if !t.mu.TryLock() {
		t.metrics.TransmitResult(metrics.ResultBusy)
		return Frame{}, ErrBusy
	}
	defer t.mu.Unlock()

	t.setState(id, StateBuilding)
	policy := t.policy()
	policy.Reset()

	sent := false
	for attempt := 1; ; attempt++ {
		answer, cancel := t.demux.Expect(expect...)

		err := t.writer.WriteFrame(t.dest, payload)
		if err != nil {
			cancel()
			err = fmt.Errorf("send %s: %w", name, err)
			if !errors.Is(err, ErrTransport) {
				t.finish(id, StateFailed, metrics.ResultFailed)
				return Frame{}, err
			}
		} else {
			sent = true
			t.metrics.TransmitAttempt()
			t.setState(id, StateSent)
			t.setState(id, StateAwaitingAck)

			var frame Frame
			frame, err = t.await(ctx, answer, cancel)
			if err == nil {
				return frame, nil
			}
			if !errors.Is(err, ErrTransmitTimeout) {
				t.finish(id, StateFailed, metrics.ResultUnknown)
				return Frame{}, fmt.Errorf("%w: %s after %d attempts: %w", ErrStatusUnknown, name, attempt, err)
			}
		}

		pause := policy.NextBackOff()
		if pause == backoff.Stop {
			return Frame{}, t.giveUp(id, name, attempt, sent, err)
		}

		t.setState(id, StateRetrying)
		log.Printf("[%s] %s: attempt %d failed (%v), resending in %v", shortID(id), name, attempt, err, pause)

		select {
		case <-time.After(pause):
		case <-ctx.Done():
			return Frame{}, t.giveUp(id, name, attempt, sent, ctx.Err())
		}
	}
}

// giveUp ends a cycle. The outcome is unknown once any attempt reached the
// radio; otherwise the command was never sent.
func (t *Transmitter) giveUp(id, name string, attempt int, sent bool, err error) error {
	if !sent {
		t.finish(id, StateFailed, metrics.ResultFailed)
		return fmt.Errorf("%s not sent after %d attempts: %w", name, attempt, err)
	}
	t.finish(id, StateFailed, metrics.ResultUnknown)
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrStatusUnknown, name, attempt, err)
}

// acknowledgement completes a cycle answered by an ACK or NACK frame
func (t *Transmitter) acknowledgement(id string, frame Frame) (thermolink.CommandResult, error) {
	result, err := thermolink.ParseAck(frame.Payload)
	if err != nil {
		t.metrics.DecodeError("ack")
		t.finish(id, StateFailed, metrics.ResultFailed)
		return thermolink.CommandResult{}, err
	}
	t.report(id, result)
	return result, nil
}

func (t *Transmitter) await(ctx context.Context, answer <-chan Frame, cancel func()) (Frame, error) {
	timer := time.NewTimer(t.ackTimeout)
	defer timer.Stop()

	select {
	case frame := <-answer:
		return frame, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	cancel()
	// The answer may have been delivered between the timeout and cancel
	select {
	case frame := <-answer:
		return frame, nil
	default:
	}

	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{}, ErrTransmitTimeout
}

func (t *Transmitter) report(id string, result thermolink.CommandResult) {
	if result.Success {
		t.finish(id, StateSucceeded, metrics.ResultSucceeded)
	} else {
		t.finish(id, StateFailed, metrics.ResultFailed)
	}
}

func (t *Transmitter) finish(id string, s State, result string) {
	t.metrics.TransmitResult(result)
	t.setState(id, s)
}

func (t *Transmitter) setState(id string, s State) {
	if t.onState != nil {
		t.onState(id, s)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
