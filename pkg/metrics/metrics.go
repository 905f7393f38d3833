// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package metrics holds the Prometheus collectors of the base station and
// the HTTP router that exposes them.
//
// Every method is safe to call on a nil *Metrics, so components can be built
// without metrics in tests and one-shot commands.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Transmit result labels
const (
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
	ResultUnknown   = "unknown"
	ResultBusy      = "busy"
)

// Metrics groups the collectors of one base station process
type Metrics struct {
	transmitAttempts prometheus.Counter
	transmitResults  *prometheus.CounterVec
	framesReceived   *prometheus.CounterVec
	framesDropped    prometheus.Counter
	decodeErrors     *prometheus.CounterVec
	uploads          *prometheus.CounterVec
	controlRequests  *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	lastReading      *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transmitAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "thermobase_transmit_attempts_total",
			Help: "Command frames written to the radio, including resends.",
		}),
		transmitResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thermobase_transmit_results_total",
			Help: "Completed transmit cycles by outcome.",
		}, []string{"result"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thermobase_frames_received_total",
			Help: "Radio frames received by opcode.",
		}, []string{"opcode"}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "thermobase_frames_dropped_total",
			Help: "Radio frames with no consumer.",
		}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thermobase_decode_errors_total",
			Help: "Rejected frames and packets by stage.",
		}, []string{"stage"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thermobase_uploads_total",
			Help: "Telemetry uploads by sink and outcome.",
		}, []string{"sink", "result"}),
		controlRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thermobase_control_requests_total",
			Help: "Control lines received by command code and outcome.",
		}, []string{"code", "result"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "thermobase_breaker_state",
			Help: "Upload circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"sink"}),
		lastReading: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "thermobase_last_reading",
			Help: "Most recent telemetry value by node and sensor.",
		}, []string{"node", "sensor"}),
	}

	reg.MustRegister(
		m.transmitAttempts,
		m.transmitResults,
		m.framesReceived,
		m.framesDropped,
		m.decodeErrors,
		m.uploads,
		m.controlRequests,
		m.breakerState,
		m.lastReading,
	)

	return m
}

// TransmitAttempt counts one frame written to the radio
func (m *Metrics) TransmitAttempt() {
	if m == nil {
		return
	}
	m.transmitAttempts.Inc()
}

// TransmitResult counts one finished transmit cycle
func (m *Metrics) TransmitResult(result string) {
	if m == nil {
		return
	}
	m.transmitResults.WithLabelValues(result).Inc()
}

// FrameReceived counts one dispatched radio frame
func (m *Metrics) FrameReceived(opcode string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(opcode).Inc()
}

// FrameDropped counts a frame nobody consumed
func (m *Metrics) FrameDropped() {
	if m == nil {
		return
	}
	m.framesDropped.Inc()
}

// DecodeError counts a rejected frame or packet. stage is "link",
// "telemetry", "io_sample", "ack" or "rules".
func (m *Metrics) DecodeError(stage string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(stage).Inc()
}

// Upload counts one sink delivery attempt
func (m *Metrics) Upload(sink string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.uploads.WithLabelValues(sink, result).Inc()
}

// ControlRequest counts one control line
func (m *Metrics) ControlRequest(code, result string) {
	if m == nil {
		return
	}
	m.controlRequests.WithLabelValues(code, result).Inc()
}

// SetBreakerState records the state of a sink's circuit breaker
func (m *Metrics) SetBreakerState(sink string, state float64) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(sink).Set(state)
}

// SetReading records the latest value of one sensor
func (m *Metrics) SetReading(node, sensor string, value float64) {
	if m == nil {
		return
	}
	m.lastReading.WithLabelValues(node, sensor).Set(value)
}
