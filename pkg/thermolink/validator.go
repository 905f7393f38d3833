// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package thermolink

import (
	"fmt"
	"math"
)

// AnomalyType represents different kinds of implausible telemetry
type AnomalyType int

const (
	AnomalyNonFinite AnomalyType = iota
	AnomalyOutOfRange
	AnomalyDuplicateSensor
	AnomalyInvalidFlag
	AnomalyEmptyPacket
)

// ValidationError describes one implausible reading in a packet that
// otherwise decoded cleanly
type ValidationError struct {
	Type    AnomalyType
	Kind    SensorKind
	Message string
	Value   float64
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// plausible value range per sensor kind, after pressure correction
var sensorRanges = map[SensorKind][2]float64{
	SensorTemperature:   {-40, 85},
	SensorPressure:      {800, 1100},
	SensorHumidity:      {0, 100},
	SensorPower:         {0, 6},
	SensorLuminosity:    {0, math.MaxFloat32},
	SensorLuminosityLux: {0, 200000},
}

// ValidateSensorPacket checks decoded readings for values the node's sensors
// cannot produce. Returns an empty slice if the packet is plausible.
func ValidateSensorPacket(p *SensorPacket) []ValidationError {
	errors := []ValidationError{}

	if len(p.Readings) == 0 {
		return append(errors, ValidationError{
			Type:    AnomalyEmptyPacket,
			Message: "packet carries no readings",
		})
	}

	seen := make(map[SensorKind]bool, len(p.Readings))
	for _, r := range p.Readings {
		if seen[r.Kind] {
			errors = append(errors, ValidationError{
				Type:    AnomalyDuplicateSensor,
				Kind:    r.Kind,
				Message: fmt.Sprintf("%s reported more than once", r.Kind),
				Value:   r.Value,
			})
		}
		seen[r.Kind] = true

		if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
			errors = append(errors, ValidationError{
				Type:    AnomalyNonFinite,
				Kind:    r.Kind,
				Message: fmt.Sprintf("%s is not a finite number", r.Kind),
				Value:   r.Value,
			})
			continue
		}

		switch r.Kind {
		case SensorHeatingOn, SensorThermoOn:
			if r.Value != 0 && r.Value != 1 {
				errors = append(errors, ValidationError{
					Type:    AnomalyInvalidFlag,
					Kind:    r.Kind,
					Message: fmt.Sprintf("%s=%g (expected 0 or 1)", r.Kind, r.Value),
					Value:   r.Value,
				})
			}
		default:
			bounds, ok := sensorRanges[r.Kind]
			if ok && (r.Value < bounds[0] || r.Value > bounds[1]) {
				errors = append(errors, ValidationError{
					Type:    AnomalyOutOfRange,
					Kind:    r.Kind,
					Message: fmt.Sprintf("%s=%s outside %g..%g", r.Kind, FormatReading(r), bounds[0], bounds[1]),
					Value:   r.Value,
				})
			}
		}
	}

	return errors
}
