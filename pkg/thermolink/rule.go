// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package thermolink

import "fmt"

// DayType selects the days a schedule rule applies to
type DayType uint8

// Day type values, in wire order
const (
	Sunday DayType = iota
	Monday
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Weekdays
	Weekends
	Everyday
)

var dayNames = [...]string{
	"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday",
	"Weekdays", "Weekends", "Everyday",
}

// String returns the day type name
func (d DayType) String() string {
	if d.Valid() {
		return dayNames[d]
	}
	return fmt.Sprintf("DayType(%d)", uint8(d))
}

// Valid reports whether d is one of the ten defined day types
func (d DayType) Valid() bool {
	return d <= Everyday
}

// Rule is one entry of the node's heating schedule. Time is in hours of the
// day; Temperature is the setpoint in degrees Celsius.
type Rule struct {
	Day         DayType
	Time        float32
	Temperature float32
}

// PositionedRule pairs a rule with its index in the node's schedule table
type PositionedRule struct {
	Position uint8
	Rule     Rule
}

// Encode returns the 9-byte wire record for the rule
func (r Rule) Encode() []byte {
	b := make([]byte, 0, RuleRecordSize)
	b = append(b, byte(r.Day))
	b = appendFloat32(b, r.Time)
	b = appendFloat32(b, r.Temperature)
	return b
}

// DecodeRule parses a 9-byte rule record
func DecodeRule(record []byte) (Rule, error) {
	if len(record) != RuleRecordSize {
		return Rule{}, lengthError("rule record", len(record), RuleRecordSize)
	}

	day := DayType(record[0])
	if !day.Valid() {
		return Rule{}, fmt.Errorf("%w: %d", ErrInvalidDayType, record[0])
	}

	t, err := DecodeFloat32(record[1:5])
	if err != nil {
		return Rule{}, err
	}
	temp, err := DecodeFloat32(record[5:9])
	if err != nil {
		return Rule{}, err
	}

	return Rule{Day: day, Time: t, Temperature: temp}, nil
}

// DecodeRuleSet parses a rule-query response: a count byte followed by that
// many rule records. Positions are the records' indices.
func DecodeRuleSet(data []byte) ([]PositionedRule, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty response", ErrTruncatedResponse)
	}

	count := int(data[0])
	need := count*RuleRecordSize + 1
	if len(data) < need {
		return nil, fmt.Errorf("%w: %d rules need %d bytes, got %d", ErrTruncatedResponse, count, need, len(data))
	}

	rules := make([]PositionedRule, 0, count)
	for i := 0; i < count; i++ {
		start := 1 + i*RuleRecordSize
		rule, err := DecodeRule(data[start : start+RuleRecordSize])
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, PositionedRule{Position: uint8(i), Rule: rule})
	}

	return rules, nil
}

// EncodeRuleSet builds a rule-query response body from rules in table order
func EncodeRuleSet(rules []Rule) ([]byte, error) {
	if len(rules) > 255 {
		return nil, fmt.Errorf("too many rules: %d (max 255)", len(rules))
	}

	data := make([]byte, 0, 1+len(rules)*RuleRecordSize)
	data = append(data, uint8(len(rules)))
	for _, r := range rules {
		data = append(data, r.Encode()...)
	}
	return data, nil
}
