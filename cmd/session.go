// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Thermoquad/thermobase/pkg/metrics"
	"github.com/Thermoquad/thermobase/pkg/radio"
	"github.com/Thermoquad/thermobase/pkg/thermolink"
	"github.com/cenkalti/backoff/v4"
)

// errNotConnected is returned by WriteFrame while the radio is reconnecting.
// It is a transport error, so the transmitter retries through the outage.
var errNotConnected = fmt.Errorf("%w: radio not connected", radio.ErrTransport)

// radioSession owns the radio connection, the frame demux on top of it, and
// the reconnect cycle. It implements radio.FrameWriter so a transmitter
// survives reconnects.
type radioSession struct {
	mu       sync.RWMutex
	conn     Connection
	link     *radio.Link
	connInfo string

	demux   *radio.Demux
	node    uint64
	decoder *thermolink.SensorDecoder

	// Optional hooks, called from the reader goroutine
	onLinkError func(error)
	onLost      func(error)
	onReconnect func(connInfo string)
}

// openRadioSession opens the connection given by the global flags
func openRadioSession(m *metrics.Metrics) (*radioSession, error) {
	node, err := parseNodeAddress(nodeAddress)
	if err != nil {
		return nil, err
	}
	decoder, err := sensorDecoder()
	if err != nil {
		return nil, err
	}

	conn, connInfo, err := OpenConnection()
	if err != nil {
		return nil, err
	}

	s := &radioSession{
		demux:   radio.NewDemux(m),
		node:    node,
		decoder: decoder,
	}
	s.setConn(conn, connInfo)
	return s, nil
}

// parseNodeAddress parses a 64-bit radio address given in hex
func parseNodeAddress(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	addr, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid node address %q: %v", s, err)
	}
	return addr, nil
}

// sensorDecoder builds the telemetry decoder from the layout and elevation flags
func sensorDecoder() (*thermolink.SensorDecoder, error) {
	layout, err := thermolink.ParseLayout(layoutName)
	if err != nil {
		return nil, err
	}
	return thermolink.NewSensorDecoder(layout).WithElevation(elevation), nil
}

func (s *radioSession) getLink() *radio.Link {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.link
}

func (s *radioSession) getConn() Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

func (s *radioSession) info() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connInfo
}

func (s *radioSession) setConn(conn Connection, connInfo string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.connInfo = connInfo
	if conn != nil {
		s.link = radio.NewLink(conn)
	} else {
		s.link = nil
	}
}

// WriteFrame implements radio.FrameWriter on the current connection
func (s *radioSession) WriteFrame(dest uint64, payload []byte) error {
	link := s.getLink()
	if link == nil {
		return errNotConnected
	}
	return link.WriteFrame(dest, payload)
}

// routeTelemetry registers handle as the telemetry consumer for the
// configured layout and for IO sample frames. Handlers decode with
// SensorDecoder.DecodeFrame.
func (s *radioSession) routeTelemetry(handle radio.Handler) {
	s.demux.Handle(thermolink.IOSampleFrameType, handle)
	if s.decoder.Layout() == thermolink.LayoutCompact {
		s.demux.Handle(thermolink.OpSensorData, handle)
		return
	}
	s.demux.Handle(thermolink.PreambleFrameType, handle)
	s.demux.SetFallback(handle)
}

// newTransmitter creates a transmitter addressed to the configured node
func (s *radioSession) newTransmitter(opts ...radio.Option) *radio.Transmitter {
	return radio.NewTransmitter(s, s.demux, s.node, opts...)
}

// run reads and dispatches frames until ctx is done. When reconnect is set,
// a lost connection is reopened with exponential backoff; otherwise the
// read error is returned.
func (s *radioSession) run(ctx context.Context, reconnect bool) error {
	go func() {
		<-ctx.Done()
		if conn := s.getConn(); conn != nil {
			conn.Close()
		}
	}()

	for {
		link := s.getLink()
		if link == nil {
			return errNotConnected
		}

		err := s.demux.Run(ctx, link, s.onLinkError)
		if ctx.Err() != nil {
			return nil
		}

		log.Printf("Radio connection lost: %v", err)
		if s.onLost != nil {
			s.onLost(err)
		}
		if !reconnect {
			return err
		}
		if err := s.reconnect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// reconnect closes the old connection and reopens it, backing off up to
// 30 seconds between attempts
func (s *radioSession) reconnect(ctx context.Context) error {
	if conn := s.getConn(); conn != nil {
		conn.Close()
	}
	s.setConn(nil, "")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		conn, connInfo, err := OpenConnection()
		if err != nil {
			log.Printf("Reconnect failed: %v", err)
			return err
		}
		s.setConn(conn, connInfo)
		log.Printf("Reconnected: %s", connInfo)
		if s.onReconnect != nil {
			s.onReconnect(connInfo)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

// close closes the current connection
func (s *radioSession) close() {
	if conn := s.getConn(); conn != nil {
		conn.Close()
	}
}
