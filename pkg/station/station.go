// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package station is the base station proper. It decodes telemetry from the
// radio and hands it to the upload sinks, and it serves the text control
// protocol: one request line per TCP connection, answered out of band.
package station

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/Thermoquad/thermobase/pkg/control"
	"github.com/Thermoquad/thermobase/pkg/metrics"
	"github.com/Thermoquad/thermobase/pkg/radio"
	"github.com/Thermoquad/thermobase/pkg/thermolink"
	"github.com/Thermoquad/thermobase/pkg/upload"
)

// Control request limits
const (
	MaxRequestSize = 1024
	MinRequestSize = 3
)

const uploadQueueSize = 100

// Commander sends commands to the node. *radio.Transmitter implements it.
type Commander interface {
	Transmit(ctx context.Context, cmd control.Command) (thermolink.CommandResult, error)
	QueryRules(ctx context.Context) ([]thermolink.PositionedRule, thermolink.CommandResult, error)
}

// Responder delivers answers to the response listener. *upload.Pusher
// implements it.
type Responder interface {
	PushResult(ctx context.Context, id, command string, result thermolink.CommandResult) error
	PushRules(ctx context.Context, id string, rules []thermolink.PositionedRule) error
	PushSensorData(ctx context.Context, id string, packet *thermolink.SensorPacket) error
}

// Config wires a Station
type Config struct {
	Commander Commander
	Responder Responder // nil discards answers
	Decoder   *thermolink.SensorDecoder
	Sink      upload.Sink // nil keeps only the snapshot
	Metrics   *metrics.Metrics

	// CommandTimeout bounds one control request. Zero waits as long as the
	// transmitter's retry policy does.
	CommandTimeout time.Duration

	// ReadTimeout bounds the wait for a request line after accept
	ReadTimeout time.Duration
}

// Station handles telemetry and control requests
type Station struct {
	cfg      Config
	snapshot *upload.Snapshot
	uploads  chan *thermolink.SensorPacket

	mu    sync.Mutex
	stats *thermolink.Statistics
}

// New creates a station
func New(cfg Config) *Station {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	return &Station{
		cfg:      cfg,
		snapshot: upload.NewSnapshot(),
		uploads:  make(chan *thermolink.SensorPacket, uploadQueueSize),
		stats:    thermolink.NewStatistics(),
	}
}

// Snapshot returns the latest-telemetry store
func (s *Station) Snapshot() *upload.Snapshot {
	return s.snapshot
}

// Stats returns a summary of link and telemetry decode outcomes
func (s *Station) Stats() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.String()
}

// LinkError records a frame rejected by the link decoder
func (s *Station) LinkError(err error) {
	s.mu.Lock()
	s.stats.Update(err, nil)
	s.mu.Unlock()
	log.Printf("link: %v", err)
}

// HandleTelemetry decodes one telemetry or IO sample frame. A bad packet is
// counted and dropped; a good one is recorded and queued for upload without
// blocking the radio reader.
func (s *Station) HandleTelemetry(frame radio.Frame) {
	packet, err := s.cfg.Decoder.DecodeFrame(frame.Link.SourceID(), frame.Payload)

	var anomalies []thermolink.ValidationError
	if err == nil {
		anomalies = thermolink.ValidateSensorPacket(packet)
	}

	s.mu.Lock()
	s.stats.Update(nil, err)
	s.stats.RecordAnomalies(anomalies)
	s.mu.Unlock()

	if err != nil {
		stage := "telemetry"
		if frame.Opcode == thermolink.IOSampleFrameType {
			stage = "io_sample"
		}
		s.cfg.Metrics.DecodeError(stage)
		log.Printf("telemetry from %x: %v", frame.Link.SourceID(), err)
		return
	}
	// Implausible readings are still uploaded
	for _, a := range anomalies {
		log.Printf("telemetry from %x: %s", packet.SourceID, a.Message)
	}

	_ = s.snapshot.Upload(context.Background(), packet)
	node := upload.RadioID(packet.SourceID)
	for _, r := range packet.Readings {
		s.cfg.Metrics.SetReading(node, r.Kind.String(), r.Value)
	}

	select {
	case s.uploads <- packet:
	default:
		log.Printf("upload queue full, dropping packet from %s", node)
	}
}

// RunUploads delivers queued packets to the sink until ctx is done
func (s *Station) RunUploads(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case packet := <-s.uploads:
			if s.cfg.Sink == nil {
				continue
			}
			if err := s.cfg.Sink.Upload(ctx, packet); err != nil {
				log.Printf("upload from %s: %v", upload.RadioID(packet.SourceID), err)
			}
		}
	}
}

// Serve accepts control connections until ctx is done or ln fails. Each
// request is handled to completion before the next connection is accepted.
func (s *Station) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.handleConn(ctx, conn)
	}
}

func (s *Station) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	line, err := readRequest(conn, s.cfg.ReadTimeout)
	if err != nil {
		log.Printf("control %s: %v", conn.RemoteAddr(), err)
		return
	}
	if len(line) < MinRequestSize {
		log.Printf("control %s: ignoring %d-byte request", conn.RemoteAddr(), len(line))
		return
	}

	log.Printf("control %s: %q", conn.RemoteAddr(), strings.TrimSpace(line))
	if err := s.HandleLine(ctx, line); err != nil {
		log.Printf("control %s: %v", conn.RemoteAddr(), err)
	}
}

// readRequest reads one request of at most MaxRequestSize bytes. The
// request ends at the first newline or when the client stops sending.
func readRequest(conn net.Conn, timeout time.Duration) (string, error) {
	buf := make([]byte, MaxRequestSize)
	n := 0
	for n < len(buf) {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		m, err := conn.Read(buf[n:])
		n += m
		if bytes.IndexByte(buf[:n], '\n') >= 0 {
			break
		}
		if err != nil {
			var ne net.Error
			if errors.Is(err, io.EOF) || (errors.As(err, &ne) && ne.Timeout() && n > 0) {
				break
			}
			return "", err
		}
	}

	line := string(buf[:n])
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i+1]
	}
	return line, nil
}

// HandleLine parses one request and carries it out. Every outcome that
// reaches the node, including a busy transmitter, is pushed to the
// responder. The returned error is for logging only.
func (s *Station) HandleLine(ctx context.Context, line string) error {
	cmd, err := control.Parse(line)
	if err != nil {
		code := "??"
		var pe *control.ParseError
		if errors.As(err, &pe) && pe.Code != "" {
			code = pe.Code
		}
		s.cfg.Metrics.ControlRequest(code, "rejected")
		return err
	}

	id := radio.CorrelationID(ctx)
	ctx = radio.WithCorrelationID(ctx, id)
	if s.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CommandTimeout)
		defer cancel()
	}

	switch c := cmd.(type) {
	case control.DataRequest:
		return s.answerDataRequest(ctx, id)

	case control.RuleChange:
		if c.Op == control.RuleGet {
			return s.queryRules(ctx, id)
		}
	}

	result, err := s.cfg.Commander.Transmit(ctx, cmd)
	if err != nil {
		s.cfg.Metrics.ControlRequest(cmd.Code(), "error")
		result = thermolink.CommandResult{Success: false, Detail: err.Error()}
		s.push(func(r Responder) error { return r.PushResult(context.Background(), id, cmd.Code(), result) })
		return err
	}

	s.cfg.Metrics.ControlRequest(cmd.Code(), resultLabel(result))
	log.Printf("[%s] %s: %s", shortID(id), cmd.Code(), result)
	s.push(func(r Responder) error { return r.PushResult(context.Background(), id, cmd.Code(), result) })
	return nil
}

func (s *Station) queryRules(ctx context.Context, id string) error {
	rules, result, err := s.cfg.Commander.QueryRules(ctx)
	if err != nil {
		s.cfg.Metrics.ControlRequest(control.CodeRule, "error")
		failed := thermolink.CommandResult{Success: false, Detail: err.Error()}
		s.push(func(r Responder) error { return r.PushResult(context.Background(), id, control.CodeRule, failed) })
		return err
	}

	s.cfg.Metrics.ControlRequest(control.CodeRule, resultLabel(result))
	if !result.Success {
		s.push(func(r Responder) error { return r.PushResult(context.Background(), id, control.CodeRule, result) })
		return nil
	}

	log.Printf("[%s] TR GET: %d rules", shortID(id), len(rules))
	s.push(func(r Responder) error { return r.PushRules(context.Background(), id, rules) })
	return nil
}

func (s *Station) answerDataRequest(ctx context.Context, id string) error {
	packet := s.snapshot.Latest()
	if packet == nil {
		s.cfg.Metrics.ControlRequest(control.CodeDataRequest, "failed")
		none := thermolink.CommandResult{Success: false, Detail: "no telemetry received yet"}
		s.push(func(r Responder) error { return r.PushResult(context.Background(), id, control.CodeDataRequest, none) })
		return nil
	}

	s.cfg.Metrics.ControlRequest(control.CodeDataRequest, "ok")
	s.push(func(r Responder) error { return r.PushSensorData(context.Background(), id, packet) })
	return nil
}

func (s *Station) push(fn func(Responder) error) {
	if s.cfg.Responder == nil {
		return
	}
	if err := fn(s.cfg.Responder); err != nil {
		log.Printf("push response: %v", err)
	}
}

func resultLabel(r thermolink.CommandResult) string {
	if r.Success {
		return "ok"
	}
	return "failed"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
