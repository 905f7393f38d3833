// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package thermolink

import (
	"errors"
	"fmt"
	"time"
)

// Statistics tracks frame counts and decode failures on the radio link
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalFrames        uint64
	ValidFrames        uint64
	ChecksumErrors     uint64
	LinkErrors         uint64
	MalformedPackets   uint64
	UnknownSensorTypes uint64
	RuleErrors         uint64
	OtherErrors        uint64
	AnomalousPackets   uint64 // decoded, but failed ValidateSensorPacket

	// Rates (calculated)
	FrameRate float64 // frames/sec
	ErrorRate float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Update records the outcome of one link decode. linkErr is the error from
// LinkDecoder.DecodeByte; decodeErr is the error from parsing the payload of
// a frame that passed the checksum.
func (s *Statistics) Update(linkErr error, decodeErr error) {
	s.LastUpdateTime = time.Now()

	if linkErr != nil {
		if errors.Is(linkErr, ErrChecksum) {
			s.ChecksumErrors++
		} else {
			s.LinkErrors++
		}
		return
	}

	s.TotalFrames++

	switch {
	case decodeErr == nil:
		s.ValidFrames++
	case errors.Is(decodeErr, ErrMalformedPacket):
		s.MalformedPackets++
	case errors.Is(decodeErr, ErrUnknownSensorType):
		s.UnknownSensorTypes++
	case errors.Is(decodeErr, ErrInvalidDayType), errors.Is(decodeErr, ErrTruncatedResponse):
		s.RuleErrors++
	default:
		s.OtherErrors++
	}
}

// RecordAnomalies counts a decoded packet with implausible readings. The
// frame stays counted as valid.
func (s *Statistics) RecordAnomalies(errs []ValidationError) {
	if len(errs) > 0 {
		s.AnomalousPackets++
	}
}

// ErrorCount returns the total number of rejected frames and decode errors
func (s *Statistics) ErrorCount() uint64 {
	return s.ChecksumErrors + s.LinkErrors + s.MalformedPackets + s.UnknownSensorTypes + s.RuleErrors + s.OtherErrors
}

// CalculateRates calculates frame and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.TotalFrames) / elapsed
		s.ErrorRate = float64(s.ErrorCount()) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	percent := func(n uint64) float64 {
		if s.TotalFrames == 0 {
			return 0
		}
		return float64(n) * 100.0 / float64(s.TotalFrames)
	}

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Total Frames:    %8d\n", s.TotalFrames)
	result += fmt.Sprintf("Valid Frames:    %8d (%.1f%%)\n", s.ValidFrames, percent(s.ValidFrames))

	if s.ChecksumErrors > 0 {
		result += fmt.Sprintf("Checksum Errors: %8d\n", s.ChecksumErrors)
	}
	if s.LinkErrors > 0 {
		result += fmt.Sprintf("Link Errors:     %8d\n", s.LinkErrors)
	}
	if s.MalformedPackets > 0 {
		result += fmt.Sprintf("Malformed Pkts:  %8d (%.1f%%)\n", s.MalformedPackets, percent(s.MalformedPackets))
	}
	if s.UnknownSensorTypes > 0 {
		result += fmt.Sprintf("Unknown Sensors: %8d (%.1f%%)\n", s.UnknownSensorTypes, percent(s.UnknownSensorTypes))
	}
	if s.RuleErrors > 0 {
		result += fmt.Sprintf("Rule Errors:     %8d (%.1f%%)\n", s.RuleErrors, percent(s.RuleErrors))
	}
	if s.OtherErrors > 0 {
		result += fmt.Sprintf("Other Errors:    %8d (%.1f%%)\n", s.OtherErrors, percent(s.OtherErrors))
	}
	if s.AnomalousPackets > 0 {
		result += fmt.Sprintf("Anomalous Pkts:  %8d (%.1f%%)\n", s.AnomalousPackets, percent(s.AnomalousPackets))
	}

	result += fmt.Sprintf("Frame Rate:      %8.1f frames/sec\n", s.FrameRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
