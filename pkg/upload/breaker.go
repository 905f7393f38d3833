// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package upload

import (
	"context"
	"log"
	"time"

	"github.com/Thermoquad/thermobase/pkg/metrics"
	"github.com/Thermoquad/thermobase/pkg/thermolink"
	"github.com/sony/gobreaker"
)

// BreakerConfig sets when a sink is taken out of service
type BreakerConfig struct {
	Failures uint32        // consecutive failures that open the breaker
	Open     time.Duration // how long it stays open before a trial upload
	Interval time.Duration // closed-state counter reset period
}

// DefaultBreakerConfig opens after 5 failures for 30 seconds
var DefaultBreakerConfig = BreakerConfig{
	Failures: 5,
	Open:     30 * time.Second,
	Interval: time.Minute,
}

// Breaker stops calling a sink that keeps failing, so a dead broker does
// not stall every packet for its connect timeout
type Breaker struct {
	sink Sink
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps sink
func NewBreaker(sink Sink, cfg BreakerConfig, m *metrics.Metrics) *Breaker {
	name := sink.Name()
	m.SetBreakerState(name, breakerGauge(gobreaker.StateClosed))

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: cfg.Interval,
		Timeout:  cfg.Open,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.Failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("upload %s: breaker %s -> %s", name, from, to)
			m.SetBreakerState(name, breakerGauge(to))
		},
	})
	return &Breaker{sink: sink, cb: cb}
}

func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Name implements Sink
func (b *Breaker) Name() string {
	return b.sink.Name()
}

// State returns the breaker state
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Upload implements Sink. An open breaker returns gobreaker.ErrOpenState
// without calling the sink.
func (b *Breaker) Upload(ctx context.Context, p *thermolink.SensorPacket) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.sink.Upload(ctx, p)
	})
	return err
}

// Close implements Sink
func (b *Breaker) Close() error {
	return b.sink.Close()
}
