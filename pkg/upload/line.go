// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package upload

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/Thermoquad/thermobase/pkg/thermolink"
)

// DefaultUploadPath is the request path of the database upload endpoint
const DefaultUploadPath = "/db_test_upload.php"

// FormatLine builds the upload request line for p:
//
//	GET /db_test_upload.php?radio_id=40aeba93&temperature=21.00&power=3.30\r\n
//
// Values are written with two decimals in packet order. radio_id is the
// zero-padded hex of the source id (see RadioID), so a byte below 0x10
// yields two digits where older uploaders wrote one.
func FormatLine(path string, p *thermolink.SensorPacket) string {
	var b strings.Builder
	b.WriteString("GET ")
	b.WriteString(path)
	b.WriteString("?radio_id=")
	b.WriteString(RadioID(p.SourceID))
	for _, r := range p.Readings {
		b.WriteByte('&')
		b.WriteString(r.Kind.String())
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(r.Value, 'f', 2, 64))
	}
	b.WriteString("\r\n")
	return b.String()
}

// LineSink writes one request line per packet over a fresh TCP connection
// and does not wait for a reply
type LineSink struct {
	addr    string
	path    string
	timeout time.Duration
	dialer  net.Dialer
}

// NewLineSink uploads to host, which gets port 80 when none is given
func NewLineSink(host string, timeout time.Duration) *LineSink {
	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, "80")
	}
	return &LineSink{
		addr:    addr,
		path:    DefaultUploadPath,
		timeout: timeout,
		dialer:  net.Dialer{Timeout: timeout},
	}
}

// Name implements Sink
func (s *LineSink) Name() string {
	return "db"
}

// Addr returns the upload endpoint address
func (s *LineSink) Addr() string {
	return s.addr
}

// Upload implements Sink
func (s *LineSink) Upload(ctx context.Context, p *thermolink.SensorPacket) error {
	return s.Send(ctx, FormatLine(s.path, p))
}

// Send writes one raw line
func (s *LineSink) Send(ctx context.Context, line string) error {
	conn, err := s.dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", s.addr, err)
	}
	defer conn.Close()

	if s.timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.timeout))
	}
	if _, err := conn.Write([]byte(line)); err != nil {
		return fmt.Errorf("write to %s: %w", s.addr, err)
	}
	return nil
}

// Close implements Sink
func (s *LineSink) Close() error {
	return nil
}
