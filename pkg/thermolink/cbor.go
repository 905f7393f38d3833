// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package thermolink

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Out-of-band responses are pushed to the response listener as CBOR
// messages of the form [response_type, payload_map].
const (
	RespCommandResult = 0x10
	RespRuleSet       = 0x11
	RespSensorData    = 0x12
)

// Payload keys shared by all response types
const (
	KeyCorrelationID = 0
	KeyCommand       = 1
)

// Payload keys of RespCommandResult
const (
	KeySuccess = 2
	KeyDetail  = 3
)

// Payload keys of RespRuleSet; each rule is [position, day, time, temperature]
const (
	KeyRules = 2
)

// Payload keys of RespSensorData; each reading is [kind, value]
const (
	KeySourceID = 2
	KeyReadings = 3
	KeyReceived = 4
)

// EncodeResponse creates the CBOR encoding of a response message
func EncodeResponse(respType uint8, payload map[int]interface{}) ([]byte, error) {
	var msg interface{}
	if len(payload) == 0 {
		msg = []interface{}{uint64(respType), nil}
	} else {
		msg = []interface{}{uint64(respType), payload}
	}

	data, err := cbor.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return data, nil
}

// NewResultResponse builds the payload for a CommandResult
func NewResultResponse(correlationID, command string, result CommandResult) map[int]interface{} {
	return map[int]interface{}{
		KeyCorrelationID: correlationID,
		KeyCommand:       command,
		KeySuccess:       result.Success,
		KeyDetail:        result.Detail,
	}
}

// NewRuleSetResponse builds the payload for a rule-query result
func NewRuleSetResponse(correlationID string, rules []PositionedRule) map[int]interface{} {
	list := make([]interface{}, 0, len(rules))
	for _, pr := range rules {
		list = append(list, []interface{}{
			uint64(pr.Position),
			uint64(pr.Rule.Day),
			float64(pr.Rule.Time),
			float64(pr.Rule.Temperature),
		})
	}
	return map[int]interface{}{
		KeyCorrelationID: correlationID,
		KeyCommand:       "TR",
		KeyRules:         list,
	}
}

// NewSensorDataResponse builds the payload for a telemetry snapshot
func NewSensorDataResponse(correlationID string, p *SensorPacket) map[int]interface{} {
	readings := make([]interface{}, 0, len(p.Readings))
	for _, r := range p.Readings {
		readings = append(readings, []interface{}{uint64(r.Kind), r.Value})
	}
	return map[int]interface{}{
		KeyCorrelationID: correlationID,
		KeyCommand:       "DR",
		KeySourceID:      p.SourceID,
		KeyReadings:      readings,
		KeyReceived:      p.Received.UnixMilli(),
	}
}

// ParseResponse parses a response message: [response_type, payload_map]
// Returns the response type and decoded payload map (nil for empty payloads)
func ParseResponse(data []byte) (respType uint8, payload map[int]interface{}, err error) {
	if len(data) == 0 {
		return 0, nil, fmt.Errorf("empty CBOR payload")
	}

	var msg []interface{}
	if err := cbor.Unmarshal(data, &msg); err != nil {
		return 0, nil, fmt.Errorf("failed to decode CBOR: %w", err)
	}

	if len(msg) != 2 {
		return 0, nil, fmt.Errorf("expected 2-element array, got %d elements", len(msg))
	}

	switch v := msg[0].(type) {
	case uint64:
		if v > 255 {
			return 0, nil, fmt.Errorf("response type out of range: %d", v)
		}
		respType = uint8(v)
	default:
		return 0, nil, fmt.Errorf("expected uint for response type, got %T", msg[0])
	}

	if msg[1] == nil {
		return respType, nil, nil
	}

	switch v := msg[1].(type) {
	case map[interface{}]interface{}:
		payload = make(map[int]interface{})
		for key, val := range v {
			switch k := key.(type) {
			case uint64:
				payload[int(k)] = val
			case int64:
				payload[int(k)] = val
			default:
				return 0, nil, fmt.Errorf("expected integer map key, got %T", key)
			}
		}
	default:
		return 0, nil, fmt.Errorf("expected map or nil for payload, got %T", msg[1])
	}

	return respType, payload, nil
}

// ResponseRules extracts the rule list of a RespRuleSet payload
func ResponseRules(payload map[int]interface{}) ([]PositionedRule, error) {
	raw, ok := payload[KeyRules].([]interface{})
	if !ok {
		return nil, fmt.Errorf("rule list missing")
	}

	rules := make([]PositionedRule, 0, len(raw))
	for i, item := range raw {
		fields, ok := item.([]interface{})
		if !ok || len(fields) != 4 {
			return nil, fmt.Errorf("rule %d: expected 4-element array", i)
		}
		pos, ok1 := asUint(fields[0])
		day, ok2 := asUint(fields[1])
		t, ok3 := asFloat(fields[2])
		temp, ok4 := asFloat(fields[3])
		if !ok1 || !ok2 || !ok3 || !ok4 || pos > 255 || !DayType(day).Valid() {
			return nil, fmt.Errorf("rule %d: bad field", i)
		}
		rules = append(rules, PositionedRule{
			Position: uint8(pos),
			Rule:     Rule{Day: DayType(day), Time: float32(t), Temperature: float32(temp)},
		})
	}
	return rules, nil
}

// ResponseReceived extracts the receive time of a RespSensorData payload
func ResponseReceived(payload map[int]interface{}) (time.Time, bool) {
	ms, ok := GetMapInt(payload, KeyReceived)
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// Map value extraction helpers

// GetMapUint extracts a uint64 from a CBOR map by key
func GetMapUint(m map[int]interface{}, key int) (uint64, bool) {
	if m == nil {
		return 0, false
	}
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	return asUint(v)
}

// GetMapInt extracts an int64 from a CBOR map by key
func GetMapInt(m map[int]interface{}, key int) (int64, bool) {
	if m == nil {
		return 0, false
	}
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch val := v.(type) {
	case int64:
		return val, true
	case uint64:
		return int64(val), true
	}
	return 0, false
}

// GetMapBool extracts a bool from a CBOR map by key
func GetMapBool(m map[int]interface{}, key int) (bool, bool) {
	if m == nil {
		return false, false
	}
	val, ok := m[key].(bool)
	return val, ok
}

// GetMapString extracts a string from a CBOR map by key
func GetMapString(m map[int]interface{}, key int) (string, bool) {
	if m == nil {
		return "", false
	}
	val, ok := m[key].(string)
	return val, ok
}

// GetMapBytes extracts a []byte from a CBOR map by key
func GetMapBytes(m map[int]interface{}, key int) ([]byte, bool) {
	if m == nil {
		return nil, false
	}
	val, ok := m[key].([]byte)
	return val, ok
}

func asUint(v interface{}) (uint64, bool) {
	switch val := v.(type) {
	case uint64:
		return val, true
	case int64:
		if val >= 0 {
			return uint64(val), true
		}
	}
	return 0, false
}

func asFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case int64:
		return float64(val), true
	}
	return 0, false
}
