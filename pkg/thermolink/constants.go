// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package thermolink implements the thermostat radio protocol spoken between
// the base station and the remote sensor/actuator node.
//
// The package covers the radio bridge framing on the serial byte stream, the
// marker filter applied to inbound payloads, the sensor telemetry and rule
// record encodings, and the command/acknowledgement frames. Every function
// here is pure and safe for concurrent use.
package thermolink

// Radio bridge framing bytes
const (
	LinkStartByte = 0x7E

	// MarkerByte is inserted by the radio layer below the bridge and must be
	// stripped from inbound payloads before parsing. See Destuff.
	MarkerByte = 0x7D
)

// Link size limits
const (
	AddressSize        = 8
	MaxLinkPayloadSize = 255
	MaxLinkBodySize    = AddressSize + MaxLinkPayloadSize
)

// Opcodes - first byte of every command, acknowledgement and response frame
const (
	OpAck         = 0x00
	OpNack        = 0x01
	OpThermoPower = 0x02
	OpOverride    = 0x03
	OpRuleChange  = 0x04
	OpSensorData  = 0x05
)

// Sub-actions - second byte of a command frame
const (
	SubOff    = 0x00
	SubOn     = 0x01
	SubGet    = 0x02
	SubAdd    = 0x03
	SubDelete = 0x04
	SubMove   = 0x05
	SubUpdate = 0x06
)

// Record sizes
const (
	FloatSize        = 4
	SensorRecordSize = 1 + FloatSize
	RuleRecordSize   = 1 + 2*FloatSize
)

// Telemetry header lengths for the two wire layouts
const (
	preambleHeaderSize = 17
	compactHeaderSize  = 1
)

// PreambleFrameType is the first header byte of preamble-layout telemetry,
// the receive-packet frame type of the forwarding router. It is outside the
// opcode range, so such frames never match a command answer.
const PreambleFrameType = 0x90

// DefaultElevation is the station elevation in meters used for the
// altimeter pressure correction.
const DefaultElevation = 167.64

// Link decoder states (internal)
const (
	linkStateIdle = iota
	linkStateLengthHi
	linkStateLengthLo
	linkStateBody
	linkStateChecksum
)
