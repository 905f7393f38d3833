// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package control parses the colon-separated text commands that local
// clients send to the base station's control socket.
//
//	TS:ON | TS:OFF                 thermostat power
//	PO:OFF | PO:ON:<sp>[:<min>]    program override
//	TR:GET                         rule table query
//	DR                             latest telemetry
//
// Parsing is a pure function of the input line.
package control

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Thermoquad/thermobase/pkg/thermolink"
)

// Command codes
const (
	CodeThermostat  = "TS"
	CodeOverride    = "PO"
	CodeRule        = "TR"
	CodeDataRequest = "DR"
)

// Parse failures
var (
	ErrBadArity        = errors.New("wrong number of fields")
	ErrBadArgument     = errors.New("bad argument")
	ErrUnknownCommand  = errors.New("unknown command")
	ErrNotYetSpecified = errors.New("operation not yet specified")
)

// ParseError describes why a control line was rejected. It matches one of
// the sentinel errors above with errors.Is.
type ParseError struct {
	Code string
	Kind error
	Msg  string
}

// Error implements the error interface
func (e *ParseError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%v: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s: %v: %s", e.Code, e.Kind, e.Msg)
}

// Unwrap returns the error kind
func (e *ParseError) Unwrap() error {
	return e.Kind
}

func parseErr(code string, kind error, format string, args ...interface{}) error {
	return &ParseError{Code: code, Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Command is one parsed control request
type Command interface {
	// Code returns the two-letter command code
	Code() string
}

// ThermostatPower turns the thermostat on or off
type ThermostatPower struct {
	TurnOn bool
}

// Code implements Command
func (ThermostatPower) Code() string { return CodeThermostat }

// ProgramOverride overrides the schedule with a fixed setpoint, or ends the
// override. Duration is in minutes; nil means until cancelled.
type ProgramOverride struct {
	TurnOn   bool
	Setpoint float64
	Duration *float64
}

// Code implements Command
func (ProgramOverride) Code() string { return CodeOverride }

// RuleOp is a schedule rule operation
type RuleOp int

// Rule operations
const (
	RuleGet RuleOp = iota
	RuleAdd
	RuleDelete
	RuleMove
	RuleUpdate
)

// String returns the keyword of the operation
func (op RuleOp) String() string {
	switch op {
	case RuleGet:
		return "GET"
	case RuleAdd:
		return "ADD"
	case RuleDelete:
		return "DELETE"
	case RuleMove:
		return "MOVE"
	case RuleUpdate:
		return "UPDATE"
	default:
		return fmt.Sprintf("RuleOp(%d)", int(op))
	}
}

// RuleChange operates on the node's schedule table. Positions and Rule are
// unused by GET, the only operation with a defined grammar.
type RuleChange struct {
	Op        RuleOp
	Positions []uint8
	Rule      *thermolink.Rule
}

// Code implements Command
func (RuleChange) Code() string { return CodeRule }

// DataRequest asks for the latest telemetry
type DataRequest struct{}

// Code implements Command
func (DataRequest) Code() string { return CodeDataRequest }

// Parse parses one control line. Surrounding whitespace, including the line
// terminator, is ignored. Keywords are case-insensitive.
func Parse(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, parseErr("", ErrUnknownCommand, "empty line")
	}

	fields := strings.Split(line, ":")
	code := strings.ToUpper(fields[0])

	switch code {
	case CodeThermostat:
		return parseThermostat(fields)
	case CodeOverride:
		return parseOverride(fields)
	case CodeRule:
		return parseRule(fields)
	case CodeDataRequest:
		if len(fields) != 1 {
			return nil, parseErr(code, ErrBadArity, "takes no arguments, got %d", len(fields)-1)
		}
		return DataRequest{}, nil
	default:
		return nil, parseErr("", ErrUnknownCommand, "%q", fields[0])
	}
}

func parseThermostat(fields []string) (Command, error) {
	if len(fields) != 2 {
		return nil, parseErr(CodeThermostat, ErrBadArity, "requires 2 fields, got %d", len(fields))
	}

	switch strings.ToUpper(fields[1]) {
	case "ON":
		return ThermostatPower{TurnOn: true}, nil
	case "OFF":
		return ThermostatPower{TurnOn: false}, nil
	default:
		return nil, parseErr(CodeThermostat, ErrBadArgument, "%q is not ON or OFF", fields[1])
	}
}

func parseOverride(fields []string) (Command, error) {
	if len(fields) < 2 || len(fields) > 4 {
		return nil, parseErr(CodeOverride, ErrBadArity, "requires 2 to 4 fields, got %d", len(fields))
	}

	switch strings.ToUpper(fields[1]) {
	case "OFF":
		// Older clients send a placeholder setpoint with OFF
		if len(fields) > 3 {
			return nil, parseErr(CodeOverride, ErrBadArity, "OFF takes at most 3 fields, got %d", len(fields))
		}
		return ProgramOverride{TurnOn: false}, nil

	case "ON":
		if len(fields) < 3 {
			return nil, parseErr(CodeOverride, ErrBadArity, "ON requires a setpoint")
		}
		setpoint, err := parseNumber(fields[2])
		if err != nil {
			return nil, parseErr(CodeOverride, ErrBadArgument, "setpoint %q: %v", fields[2], err)
		}

		cmd := ProgramOverride{TurnOn: true, Setpoint: setpoint}
		if len(fields) == 4 {
			minutes, err := parseNumber(fields[3])
			if err != nil {
				return nil, parseErr(CodeOverride, ErrBadArgument, "duration %q: %v", fields[3], err)
			}
			if minutes < 0 {
				return nil, parseErr(CodeOverride, ErrBadArgument, "duration %q is negative", fields[3])
			}
			cmd.Duration = &minutes
		}
		return cmd, nil

	default:
		return nil, parseErr(CodeOverride, ErrBadArgument, "%q is not ON or OFF", fields[1])
	}
}

func parseRule(fields []string) (Command, error) {
	if len(fields) < 2 {
		return nil, parseErr(CodeRule, ErrBadArity, "requires an operation")
	}

	keyword := strings.ToUpper(fields[1])
	switch keyword {
	case "GET":
		if len(fields) != 2 {
			return nil, parseErr(CodeRule, ErrBadArity, "GET takes no arguments, got %d", len(fields)-2)
		}
		return RuleChange{Op: RuleGet}, nil
	case "ADD", "DELETE", "MOVE", "UPDATE":
		return nil, parseErr(CodeRule, ErrNotYetSpecified, "%s has no defined argument format", keyword)
	default:
		return nil, parseErr(CodeRule, ErrBadArgument, "unknown operation %q", fields[1])
	}
}

// parseNumber accepts finite decimal numbers only
func parseNumber(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, errors.New("not a number")
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.New("not a finite number")
	}
	return v, nil
}
