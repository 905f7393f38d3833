// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package thermolink

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"time"
)

// IOSampleFrameType is the first byte of an IO sample frame, sent by a
// remote radio that samples its own analog pins. Like PreambleFrameType it
// is outside the opcode range.
const IOSampleFrameType = 0x92

// IO sample header: frame type, 64-bit source, 16-bit network address,
// receive options, sample count, digital mask, analog mask
const ioSampleHeaderSize = 1 + 8 + 2 + 1 + 1 + 2 + 1

// Analog channel mask bits
const (
	AnalogA0            = 0x01
	AnalogA1            = 0x02
	AnalogA2            = 0x04
	AnalogA3            = 0x08
	AnalogSupplyVoltage = 0x80

	analogChannels = AnalogA0 | AnalogA1 | AnalogA2 | AnalogA3 | AnalogSupplyVoltage
)

// ADC conversion of the radio's analog inputs
const (
	ADCReference = 1.2    // volts at full scale
	ADCFullScale = 1023.0 // 10-bit

	// DefaultSupplyVoltage is reported as power when the sample carries no
	// supply voltage reading
	DefaultSupplyVoltage = 3.3
)

// IOSample is the raw content of one IO sample frame
type IOSample struct {
	Source      uint64
	Network     uint16
	Options     byte
	DigitalMask uint16
	Digital     uint16 // present on the wire only when DigitalMask is set
	AnalogMask  byte

	// Analog holds one 10-bit reading per set bit of AnalogMask, lowest
	// bit first
	Analog []uint16
}

// ParseIOSample parses a de-stuffed IO sample frame
func ParseIOSample(payload []byte) (*IOSample, error) {
	if len(payload) < ioSampleHeaderSize {
		return nil, fmt.Errorf("%w: IO sample is %d bytes, header needs %d",
			ErrMalformedPacket, len(payload), ioSampleHeaderSize)
	}
	if payload[0] != IOSampleFrameType {
		return nil, fmt.Errorf("%w: 0x%02X is not an IO sample", ErrUnknownOpcode, payload[0])
	}
	if count := payload[12]; count != 1 {
		return nil, fmt.Errorf("%w: IO sample count %d", ErrMalformedPacket, count)
	}

	s := &IOSample{
		Source:      binary.BigEndian.Uint64(payload[1:9]),
		Network:     binary.BigEndian.Uint16(payload[9:11]),
		Options:     payload[11],
		DigitalMask: binary.BigEndian.Uint16(payload[13:15]),
		AnalogMask:  payload[15],
	}
	if s.AnalogMask&^analogChannels != 0 {
		return nil, fmt.Errorf("%w: analog mask 0x%02X", ErrMalformedPacket, s.AnalogMask)
	}

	want := ioSampleHeaderSize + 2*bits.OnesCount8(s.AnalogMask)
	if s.DigitalMask != 0 {
		want += 2
	}
	if len(payload) != want {
		return nil, fmt.Errorf("%w: IO sample is %d bytes, masks need %d",
			ErrMalformedPacket, len(payload), want)
	}

	offset := ioSampleHeaderSize
	if s.DigitalMask != 0 {
		s.Digital = binary.BigEndian.Uint16(payload[offset:])
		offset += 2
	}
	for ; offset < len(payload); offset += 2 {
		s.Analog = append(s.Analog, binary.BigEndian.Uint16(payload[offset:]))
	}
	return s, nil
}

// Encode builds the wire form of the sample
func (s *IOSample) Encode() []byte {
	payload := make([]byte, ioSampleHeaderSize, ioSampleHeaderSize+2+2*len(s.Analog))
	payload[0] = IOSampleFrameType
	binary.BigEndian.PutUint64(payload[1:9], s.Source)
	binary.BigEndian.PutUint16(payload[9:11], s.Network)
	payload[11] = s.Options
	payload[12] = 1
	binary.BigEndian.PutUint16(payload[13:15], s.DigitalMask)
	payload[15] = s.AnalogMask

	if s.DigitalMask != 0 {
		payload = binary.BigEndian.AppendUint16(payload, s.Digital)
	}
	for _, v := range s.Analog {
		payload = binary.BigEndian.AppendUint16(payload, v)
	}
	return payload
}

// AnalogValue returns the reading of one channel bit
func (s *IOSample) AnalogValue(channel byte) (uint16, bool) {
	if s.AnalogMask&channel == 0 {
		return 0, false
	}
	below := s.AnalogMask & (channel - 1)
	i := bits.OnesCount8(below)
	if i >= len(s.Analog) {
		return 0, false
	}
	return s.Analog[i], true
}

// ADCVolts converts a 10-bit ADC reading to volts
func ADCVolts(raw uint16) float64 {
	return ADCReference * float64(raw) / ADCFullScale
}

// Packet converts the sample into telemetry. A0 is a TMP36 temperature
// sensor, A1 a light sensor reported in volts. Power falls back to
// DefaultSupplyVoltage when the supply channel is disabled. SourceID is the
// low half of the source address.
func (s *IOSample) Packet() *SensorPacket {
	var readings []SensorReading

	if raw, ok := s.AnalogValue(AnalogA0); ok {
		readings = append(readings, SensorReading{Kind: SensorTemperature, Value: 100 * (ADCVolts(raw) - 0.5)})
	}
	if raw, ok := s.AnalogValue(AnalogA1); ok {
		readings = append(readings, SensorReading{Kind: SensorLuminosity, Value: ADCVolts(raw)})
	}

	power := DefaultSupplyVoltage
	if raw, ok := s.AnalogValue(AnalogSupplyVoltage); ok {
		power = ADCVolts(raw)
	}
	readings = append(readings, SensorReading{Kind: SensorPower, Value: power})

	id := make([]byte, 4)
	binary.BigEndian.PutUint32(id, uint32(s.Source))

	return &SensorPacket{
		SourceID: id,
		Readings: readings,
		Received: time.Now(),
	}
}

// DecodeIOSample parses an IO sample frame straight into telemetry
func DecodeIOSample(payload []byte) (*SensorPacket, error) {
	s, err := ParseIOSample(payload)
	if err != nil {
		return nil, err
	}
	return s.Packet(), nil
}

// DecodeFrame decodes any telemetry frame: IO samples by their frame type,
// everything else in the configured layout
func (d *SensorDecoder) DecodeFrame(sourceID []byte, payload []byte) (*SensorPacket, error) {
	if len(payload) > 0 && payload[0] == IOSampleFrameType {
		return DecodeIOSample(payload)
	}
	return d.Decode(sourceID, payload)
}
