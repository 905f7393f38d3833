// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package upload

import (
	"context"
	"fmt"

	"github.com/Thermoquad/thermobase/pkg/thermolink"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// InfluxConfig selects the InfluxDB bucket
type InfluxConfig struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
}

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxSink writes one point per packet, tagged with the node id, with one
// field per reading
type InfluxSink struct {
	writer      pointWriter
	measurement string
	close       func()
}

// NewInfluxSink creates a blocking writer for cfg
func NewInfluxSink(cfg InfluxConfig) (*InfluxSink, error) {
	if cfg.URL == "" || cfg.Token == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influx config incomplete")
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	sink := newInfluxSink(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), cfg.Measurement)
	sink.close = client.Close
	return sink, nil
}

func newInfluxSink(w pointWriter, measurement string) *InfluxSink {
	if measurement == "" {
		measurement = "thermostat"
	}
	return &InfluxSink{writer: w, measurement: measurement}
}

// Name implements Sink
func (s *InfluxSink) Name() string {
	return "influx"
}

// Point converts p
func (s *InfluxSink) Point(p *thermolink.SensorPacket) *write.Point {
	record := NewRecord(p)
	fields := make(map[string]interface{}, len(record.Readings))
	for name, v := range record.Readings {
		fields[name] = v
	}
	tags := map[string]string{"radio_id": record.RadioID}
	return influxdb2.NewPoint(s.measurement, tags, fields, p.Received)
}

// Upload implements Sink. Packets without readings are skipped.
func (s *InfluxSink) Upload(ctx context.Context, p *thermolink.SensorPacket) error {
	if len(p.Readings) == 0 {
		return nil
	}
	if err := s.writer.WritePoint(ctx, s.Point(p)); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

// Close releases the client
func (s *InfluxSink) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
