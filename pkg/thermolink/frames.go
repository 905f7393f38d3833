// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package thermolink

import "fmt"

// Command frame builders. A command frame is [opcode][sub-action][args...].

// ThermoPowerFrame builds a THERMO_POWER frame turning the thermostat on or off
func ThermoPowerFrame(on bool) []byte {
	return []byte{OpThermoPower, onOff(on)}
}

// OverrideFrame builds an OVERRIDE frame. Turning the override on carries the
// setpoint, followed by the duration in minutes when duration is not nil.
// Turning it off carries no arguments.
func OverrideFrame(on bool, setpoint float32, duration *float32) []byte {
	if !on {
		return []byte{OpOverride, SubOff}
	}
	frame := []byte{OpOverride, SubOn}
	frame = appendFloat32(frame, setpoint)
	if duration != nil {
		frame = appendFloat32(frame, *duration)
	}
	return frame
}

// RuleQueryFrame builds the RULE_CHANGE GET frame
func RuleQueryFrame() []byte {
	return []byte{OpRuleChange, SubGet}
}

// RuleResponseFrame wraps an encoded rule set in a RULE_CHANGE response frame
func RuleResponseFrame(ruleSet []byte) []byte {
	frame := make([]byte, 0, 1+len(ruleSet))
	frame = append(frame, OpRuleChange)
	return append(frame, ruleSet...)
}

// AckFrame builds an acknowledgement frame. A NACK may carry an ASCII reason.
func AckFrame(success bool, detail string) []byte {
	if success {
		return []byte{OpAck}
	}
	return append([]byte{OpNack}, detail...)
}

func onOff(on bool) byte {
	if on {
		return SubOn
	}
	return SubOff
}

// CommandResult is the reported outcome of one transmitted command
type CommandResult struct {
	Success bool
	Detail  string
}

// String formats the result for logs and the console
func (r CommandResult) String() string {
	status := "OK"
	if !r.Success {
		status = "FAILED"
	}
	if r.Detail == "" {
		return status
	}
	return fmt.Sprintf("%s: %s", status, r.Detail)
}

// ParseAck interprets an ACK or NACK frame
func ParseAck(frame []byte) (CommandResult, error) {
	if len(frame) == 0 {
		return CommandResult{}, fmt.Errorf("%w: empty acknowledgement", ErrMalformedPacket)
	}

	switch frame[0] {
	case OpAck:
		return CommandResult{Success: true, Detail: "acknowledged"}, nil
	case OpNack:
		detail := string(frame[1:])
		if detail == "" {
			detail = "rejected by node"
		}
		return CommandResult{Success: false, Detail: detail}, nil
	default:
		return CommandResult{}, fmt.Errorf("%w: 0x%02X is not an acknowledgement", ErrUnknownOpcode, frame[0])
	}
}

// Opcode returns the first byte of a de-stuffed payload
func Opcode(payload []byte) (byte, bool) {
	if len(payload) == 0 {
		return 0, false
	}
	return payload[0], true
}

// IsOpcode reports whether b is a command, acknowledgement or response opcode
func IsOpcode(b byte) bool {
	return b <= OpSensorData
}
