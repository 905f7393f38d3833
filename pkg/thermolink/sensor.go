// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package thermolink

import (
	"fmt"
	"math"
	"time"
)

// SensorKind identifies the physical quantity of a reading
type SensorKind uint8

// Sensor kinds, valued by their single-bit wire selector
const (
	SensorTemperature   SensorKind = 0x01
	SensorLuminosity    SensorKind = 0x02
	SensorPressure      SensorKind = 0x04
	SensorHumidity      SensorKind = 0x08
	SensorPower         SensorKind = 0x10
	SensorLuminosityLux SensorKind = 0x20
	SensorHeatingOn     SensorKind = 0x40
	SensorThermoOn      SensorKind = 0x80
)

// String returns the upload field name for the kind
func (k SensorKind) String() string {
	switch k {
	case SensorTemperature:
		return "temperature"
	case SensorLuminosity:
		return "luminosity"
	case SensorPressure:
		return "pressure"
	case SensorHumidity:
		return "humidity"
	case SensorPower:
		return "power"
	case SensorLuminosityLux:
		return "luminosity_lux"
	case SensorHeatingOn:
		return "heating_on"
	case SensorThermoOn:
		return "thermo_on"
	default:
		return fmt.Sprintf("unknown(0x%02X)", uint8(k))
	}
}

// Valid reports whether k is one of the eight known selectors
func (k SensorKind) Valid() bool {
	switch k {
	case SensorTemperature, SensorLuminosity, SensorPressure, SensorHumidity,
		SensorPower, SensorLuminosityLux, SensorHeatingOn, SensorThermoOn:
		return true
	}
	return false
}

// SensorReading is one decoded telemetry value. Pressure readings hold the
// altimeter-corrected value in millibars.
type SensorReading struct {
	Kind  SensorKind
	Value float64
}

// SensorPacket is the decoded content of one telemetry frame
type SensorPacket struct {
	SourceID []byte
	Readings []SensorReading
	Received time.Time
}

// Layout selects the telemetry wire variant. Both variants are in use on
// deployed nodes; the layout is configured, never sniffed.
type Layout int

const (
	// LayoutPreamble frames carry a 17-byte header forwarded by a router in
	// transparent mode.
	LayoutPreamble Layout = iota
	// LayoutCompact frames carry only the SENSOR_DATA opcode byte.
	LayoutCompact
)

// String returns the flag name of the layout
func (l Layout) String() string {
	switch l {
	case LayoutPreamble:
		return "preamble"
	case LayoutCompact:
		return "compact"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// ParseLayout converts a flag value into a Layout
func ParseLayout(s string) (Layout, error) {
	switch s {
	case "preamble":
		return LayoutPreamble, nil
	case "compact":
		return LayoutCompact, nil
	}
	return 0, fmt.Errorf("unknown layout %q (use preamble or compact)", s)
}

// recordOffset is where the first sensor record starts
func (l Layout) recordOffset() int {
	if l == LayoutCompact {
		return compactHeaderSize
	}
	return preambleHeaderSize
}

// dataLength returns the number of record bytes in a payload of total bytes.
// The preamble layout reserves one trailing byte past the header.
func (l Layout) dataLength(total int) int {
	if l == LayoutCompact {
		return total - compactHeaderSize
	}
	return total - preambleHeaderSize - 1
}

// SensorDecoder turns de-stuffed telemetry payloads into SensorPackets
type SensorDecoder struct {
	layout    Layout
	elevation float64
}

// NewSensorDecoder creates a decoder for the given layout using DefaultElevation
func NewSensorDecoder(layout Layout) *SensorDecoder {
	return &SensorDecoder{layout: layout, elevation: DefaultElevation}
}

// WithElevation returns a copy of the decoder using the given station elevation
func (d *SensorDecoder) WithElevation(meters float64) *SensorDecoder {
	c := *d
	c.elevation = meters
	return &c
}

// Layout returns the configured wire layout
func (d *SensorDecoder) Layout() Layout {
	return d.layout
}

// Decode parses payload into a SensorPacket. A payload whose record area is
// not a whole number of 5-byte records, or that contains an unknown type
// selector, is rejected as a whole.
func (d *SensorDecoder) Decode(sourceID []byte, payload []byte) (*SensorPacket, error) {
	dataLength := d.layout.dataLength(len(payload))
	if dataLength < 0 || dataLength%SensorRecordSize != 0 {
		return nil, fmt.Errorf("%w: %d record bytes in %s layout (payload %d bytes)",
			ErrMalformedPacket, dataLength, d.layout, len(payload))
	}

	count := dataLength / SensorRecordSize
	readings := make([]SensorReading, 0, count)
	offset := d.layout.recordOffset()

	for i := 0; i < count; i++ {
		kind := SensorKind(payload[offset])
		if !kind.Valid() {
			return nil, fmt.Errorf("%w: 0x%02X in record %d", ErrUnknownSensorType, payload[offset], i)
		}

		raw, err := DecodeFloat32(payload[offset+1 : offset+SensorRecordSize])
		if err != nil {
			return nil, err
		}

		value := float64(raw)
		if kind == SensorPressure {
			value = AltimeterPressure(value, d.elevation)
		}

		readings = append(readings, SensorReading{Kind: kind, Value: value})
		offset += SensorRecordSize
	}

	id := make([]byte, len(sourceID))
	copy(id, sourceID)

	return &SensorPacket{
		SourceID: id,
		Readings: readings,
		Received: time.Now(),
	}, nil
}

// AltimeterPressure converts a station pressure in pascals to the altimeter
// setting in millibars for a station at elevation meters.
func AltimeterPressure(pascals, elevation float64) float64 {
	const (
		n = 0.190284
		k = 8.422881e-5
	)
	p := 0.01*pascals - 0.3
	return math.Pow(1+k*(elevation/math.Pow(p, n)), 1/n) * p
}

// EncodeSensorPayload builds a telemetry payload in the given layout. The
// preamble header carries only the frame type, the rest of it and the
// trailer are zero. Values are written raw, so pressure readings must be
// given in pascals.
func EncodeSensorPayload(layout Layout, readings []SensorReading) []byte {
	var payload []byte
	if layout == LayoutCompact {
		payload = []byte{OpSensorData}
	} else {
		payload = make([]byte, preambleHeaderSize)
		payload[0] = PreambleFrameType
	}

	for _, r := range readings {
		payload = append(payload, byte(r.Kind))
		payload = appendFloat32(payload, float32(r.Value))
	}

	if layout == LayoutPreamble {
		payload = append(payload, 0x00)
	}
	return payload
}
