// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package upload

import (
	"context"
	"log"
	"time"

	"github.com/Thermoquad/thermobase/pkg/thermolink"
)

// VoltageReader returns one analog sample in volts
type VoltageReader func() (float64, error)

// TMP36Celsius converts a TMP36 output voltage to degrees Celsius
func TMP36Celsius(volts float64) float64 {
	return 100.0*volts - 50.0
}

// LocalSampler uploads the base station's own air temperature. Each round
// averages Samples readings taken SampleGap apart.
type LocalSampler struct {
	SourceID  []byte
	Read      VoltageReader
	Sink      Sink
	Interval  time.Duration
	Samples   int
	SampleGap time.Duration
	Supply    float64 // reported as the power reading
}

// Sample takes one averaged reading and builds the packet for it
func (s *LocalSampler) Sample(ctx context.Context) (*thermolink.SensorPacket, error) {
	n := s.Samples
	if n < 1 {
		n = 1
	}

	sum := 0.0
	for i := 0; i < n; i++ {
		v, err := s.Read()
		if err != nil {
			return nil, err
		}
		sum += TMP36Celsius(v)

		if i < n-1 && s.SampleGap > 0 {
			select {
			case <-time.After(s.SampleGap):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return &thermolink.SensorPacket{
		SourceID: s.SourceID,
		Readings: []thermolink.SensorReading{
			{Kind: thermolink.SensorTemperature, Value: sum / float64(n)},
			{Kind: thermolink.SensorPower, Value: s.Supply},
		},
		Received: time.Now(),
	}, nil
}

// Run samples and uploads every Interval until ctx is done
func (s *LocalSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		packet, err := s.Sample(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("local sample: %v", err)
		} else if err := s.Sink.Upload(ctx, packet); err != nil {
			log.Printf("local sample upload: %v", err)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
