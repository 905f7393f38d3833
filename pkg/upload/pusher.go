// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package upload

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/Thermoquad/thermobase/pkg/thermolink"
	"github.com/cenkalti/backoff/v4"
)

// Pusher delivers CBOR responses to the fixed response listener. Results
// are never written back on the control connection.
type Pusher struct {
	addr    string
	timeout time.Duration
	retries uint64
	dialer  net.Dialer
}

// NewPusher sends to addr (host:port)
func NewPusher(addr string, timeout time.Duration) *Pusher {
	return &Pusher{
		addr:    addr,
		timeout: timeout,
		retries: 2,
		dialer:  net.Dialer{Timeout: timeout},
	}
}

// Addr returns the response listener address
func (p *Pusher) Addr() string {
	return p.addr
}

// Push encodes one response and writes it over a new connection
func (p *Pusher) Push(ctx context.Context, respType uint8, payload map[int]interface{}) error {
	data, err := thermolink.EncodeResponse(respType, payload)
	if err != nil {
		return err
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.retries), ctx)
	return backoff.Retry(func() error {
		return p.send(ctx, data)
	}, bo)
}

func (p *Pusher) send(ctx context.Context, data []byte) error {
	conn, err := p.dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", p.addr, err)
	}
	defer conn.Close()

	if p.timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(p.timeout))
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("write to %s: %w", p.addr, err)
	}
	return nil
}

// PushResult sends a command result
func (p *Pusher) PushResult(ctx context.Context, id, command string, result thermolink.CommandResult) error {
	return p.Push(ctx, thermolink.RespCommandResult, thermolink.NewResultResponse(id, command, result))
}

// PushRules sends a rule table
func (p *Pusher) PushRules(ctx context.Context, id string, rules []thermolink.PositionedRule) error {
	return p.Push(ctx, thermolink.RespRuleSet, thermolink.NewRuleSetResponse(id, rules))
}

// PushSensorData sends a telemetry snapshot
func (p *Pusher) PushSensorData(ctx context.Context, id string, packet *thermolink.SensorPacket) error {
	return p.Push(ctx, thermolink.RespSensorData, thermolink.NewSensorDataResponse(id, packet))
}
