// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package upload delivers decoded telemetry to the places that store it: the
// database upload endpoint, an MQTT broker, InfluxDB and Kafka. It also
// pushes command results to the out-of-band response listener.
package upload

import (
	"context"
	"encoding/hex"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/Thermoquad/thermobase/pkg/metrics"
	"github.com/Thermoquad/thermobase/pkg/thermolink"
)

// Sink receives every decoded telemetry packet
type Sink interface {
	Name() string
	Upload(ctx context.Context, p *thermolink.SensorPacket) error
	Close() error
}

// RadioID formats a source id as the lowercase hex node identifier used by
// every sink. Every byte is two digits.
func RadioID(sourceID []byte) string {
	return hex.EncodeToString(sourceID)
}

// Record is the JSON form of a telemetry packet
type Record struct {
	RadioID  string             `json:"radio_id"`
	Received time.Time          `json:"received"`
	Readings map[string]float64 `json:"readings"`
}

// NewRecord converts a packet. A repeated sensor kind keeps its last value.
func NewRecord(p *thermolink.SensorPacket) Record {
	readings := make(map[string]float64, len(p.Readings))
	for _, r := range p.Readings {
		readings[r.Kind.String()] = r.Value
	}
	return Record{
		RadioID:  RadioID(p.SourceID),
		Received: p.Received,
		Readings: readings,
	}
}

// Fanout uploads each packet to several sinks. One failing sink does not
// stop the others.
type Fanout struct {
	sinks   []Sink
	metrics *metrics.Metrics
}

// NewFanout creates a fanout over sinks
func NewFanout(m *metrics.Metrics, sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, metrics: m}
}

// Name implements Sink
func (f *Fanout) Name() string {
	return "fanout"
}

// Upload sends p to every sink and joins their errors
func (f *Fanout) Upload(ctx context.Context, p *thermolink.SensorPacket) error {
	var errs []error
	for _, s := range f.sinks {
		err := s.Upload(ctx, p)
		f.metrics.Upload(s.Name(), err)
		if err != nil {
			log.Printf("upload %s: %v", s.Name(), err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Snapshot keeps the most recent packet of each node. It answers data
// requests without going to the radio.
type Snapshot struct {
	mu     sync.RWMutex
	latest *thermolink.SensorPacket
	byNode map[string]*thermolink.SensorPacket
}

// NewSnapshot creates an empty snapshot
func NewSnapshot() *Snapshot {
	return &Snapshot{byNode: make(map[string]*thermolink.SensorPacket)}
}

// Name implements Sink
func (s *Snapshot) Name() string {
	return "snapshot"
}

// Upload records p as the latest packet
func (s *Snapshot) Upload(_ context.Context, p *thermolink.SensorPacket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = p
	s.byNode[RadioID(p.SourceID)] = p
	return nil
}

// Close implements Sink
func (s *Snapshot) Close() error {
	return nil
}

// Latest returns the most recent packet from any node, or nil
func (s *Snapshot) Latest() *thermolink.SensorPacket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// Node returns the most recent packet from one node, or nil
func (s *Snapshot) Node(radioID string) *thermolink.SensorPacket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byNode[radioID]
}
