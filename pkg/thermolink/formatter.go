// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package thermolink

import (
	"fmt"
	"strings"
)

// FormatOpcode returns the human-readable name for an opcode
func FormatOpcode(op byte) string {
	switch op {
	case OpAck:
		return "ACK"
	case OpNack:
		return "NACK"
	case OpThermoPower:
		return "THERMO_POWER"
	case OpOverride:
		return "OVERRIDE"
	case OpRuleChange:
		return "RULE_CHANGE"
	case OpSensorData:
		return "SENSOR_DATA"
	case PreambleFrameType:
		return "PREAMBLE"
	case IOSampleFrameType:
		return "IO_SAMPLE"
	default:
		return "UNKNOWN"
	}
}

// FormatSubAction returns the human-readable name for a command sub-action
func FormatSubAction(op, sub byte) string {
	switch op {
	case OpThermoPower, OpOverride:
		switch sub {
		case SubOff:
			return "OFF"
		case SubOn:
			return "ON"
		}
	case OpRuleChange:
		switch sub {
		case SubGet:
			return "GET"
		case SubAdd:
			return "ADD"
		case SubDelete:
			return "DELETE"
		case SubMove:
			return "MOVE"
		case SubUpdate:
			return "UPDATE"
		}
	}
	return fmt.Sprintf("0x%02X", sub)
}

// FormatLinkFrame formats a link frame header and its de-stuffed payload
func FormatLinkFrame(f *LinkFrame) string {
	timestamp := f.timestamp.Format("15:04:05.000")
	payload := Destuff(f.payload)

	name := "EMPTY"
	op, ok := Opcode(payload)
	if ok {
		name = FormatOpcode(op)
	}

	result := fmt.Sprintf("[%s] %s (0x%02X) addr=%016X len=%d\n", timestamp, name, op, f.address, len(f.payload))
	if stripped := len(f.payload) - len(payload); stripped > 0 {
		result += fmt.Sprintf("  Markers removed: %d\n", stripped)
	}
	return result + FormatHex(payload)
}

// FormatSensorPacket formats a decoded telemetry packet
func FormatSensorPacket(p *SensorPacket) string {
	var s strings.Builder
	s.WriteString(fmt.Sprintf("  Source: %x, Readings: %d\n", p.SourceID, len(p.Readings)))
	for _, r := range p.Readings {
		s.WriteString(fmt.Sprintf("    %-15s %s\n", r.Kind.String()+":", FormatReading(r)))
	}
	return s.String()
}

// FormatReading formats a reading value with its unit
func FormatReading(r SensorReading) string {
	switch r.Kind {
	case SensorTemperature:
		return fmt.Sprintf("%.2f°C", r.Value)
	case SensorPressure:
		return fmt.Sprintf("%.2f mb", r.Value)
	case SensorHumidity:
		return fmt.Sprintf("%.2f%%", r.Value)
	case SensorPower, SensorLuminosity:
		return fmt.Sprintf("%.2f V", r.Value)
	case SensorLuminosityLux:
		return fmt.Sprintf("%.2f lx", r.Value)
	case SensorHeatingOn, SensorThermoOn:
		if r.Value != 0 {
			return "on"
		}
		return "off"
	default:
		return fmt.Sprintf("%.2f", r.Value)
	}
}

// FormatRuleSet formats a decoded rule table
func FormatRuleSet(rules []PositionedRule) string {
	if len(rules) == 0 {
		return "  (no rules)\n"
	}
	var s strings.Builder
	for _, pr := range rules {
		s.WriteString(fmt.Sprintf("  #%-3d %-9s at %s -> %.1f°C\n",
			pr.Position, pr.Rule.Day, FormatTimeOfDay(pr.Rule.Time), pr.Rule.Temperature))
	}
	return s.String()
}

// FormatTimeOfDay formats fractional hours as HH:MM
func FormatTimeOfDay(hours float32) string {
	if hours < 0 || hours >= 24 || hours != hours {
		return fmt.Sprintf("%.2fh", hours)
	}
	total := int(hours*60 + 0.5)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

// FormatHex returns an indented hex dump of data, 16 bytes per line
func FormatHex(data []byte) string {
	if len(data) == 0 {
		return "  (no payload)\n"
	}
	result := "  Payload: "
	for i, b := range data {
		if i > 0 && i%16 == 0 {
			result += "\n           "
		}
		result += fmt.Sprintf("%02X ", b)
	}
	return result + "\n"
}
