// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"golang.org/x/term"
)

// Connection carries the radio byte stream from a serial modem or a WebSocket radio bridge
type Connection interface {
	io.Reader
	io.Writer
	io.Closer
}

// Baud rates the radio modem's serial interface can be configured for
var modemBaudRates = []int{1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200}

// Bridge keepalive. A bridge that stops answering pings is treated as a
// lost radio link so serve can reconnect.
const (
	bridgePingInterval = 20 * time.Second
	bridgePongWait     = 2 * bridgePingInterval
	bridgeWriteWait    = 5 * time.Second
)

// ErrConnectionClosed is returned when reading from a closed radio bridge
var ErrConnectionClosed = errors.New("radio bridge connection closed")

// ============================================================================
// Serial modem
// ============================================================================

// SerialConnection is the radio modem on a local serial port. Writes are
// drained so a frame is on the air before the caller starts its ack timer.
type SerialConnection struct {
	port serial.Port
}

func (s *SerialConnection) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *SerialConnection) Write(p []byte) (int, error) {
	n, err := s.port.Write(p)
	if err != nil {
		return n, err
	}
	return n, s.port.Drain()
}

func (s *SerialConnection) Close() error {
	return s.port.Close()
}

// modemMode returns the modem's 8N1 line settings at baud
func modemMode(baud int) (*serial.Mode, error) {
	for _, rate := range modemBaudRates {
		if rate == baud {
			return &serial.Mode{
				BaudRate: baud,
				DataBits: 8,
				Parity:   serial.NoParity,
				StopBits: serial.OneStopBit,
			}, nil
		}
	}
	return nil, fmt.Errorf("baud rate %d not supported by the radio modem (use one of %v)", baud, modemBaudRates)
}

// OpenSerialConnection opens the radio modem and drops anything it buffered
// before we attached
func OpenSerialConnection(portName string, baud int) (Connection, error) {
	mode, err := modemMode(baud)
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open radio modem on %s: %w", portName, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to flush radio modem on %s: %w", portName, err)
	}

	return &SerialConnection{port: port}, nil
}

// ============================================================================
// WebSocket radio bridge
// ============================================================================

// WebSocketConnection is a remote radio bridge. Each binary message holds a
// chunk of the radio byte stream; other message types are ignored.
type WebSocketConnection struct {
	conn    *websocket.Conn
	pending []byte
	failed  bool

	stop     chan struct{}
	stopOnce sync.Once
}

func newWebSocketConnection(conn *websocket.Conn) *WebSocketConnection {
	w := &WebSocketConnection{conn: conn, stop: make(chan struct{})}

	_ = conn.SetReadDeadline(time.Now().Add(bridgePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(bridgePongWait))
	})
	go w.keepalive()
	return w
}

func (w *WebSocketConnection) keepalive() {
	ticker := time.NewTicker(bridgePingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(bridgeWriteWait)); err != nil {
				return
			}
		}
	}
}

func (w *WebSocketConnection) Read(p []byte) (int, error) {
	if w.failed {
		return 0, ErrConnectionClosed
	}

	for len(w.pending) == 0 {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			// gorilla/websocket fails every read after the first error
			w.failed = true
			return 0, err
		}
		if messageType == websocket.BinaryMessage {
			w.pending = data
		}
	}

	n := copy(p, w.pending)
	w.pending = w.pending[n:]
	return n, nil
}

// Write sends p as one binary message, so a link frame is never split
// across messages
func (w *WebSocketConnection) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *WebSocketConnection) Close() error {
	w.stopOnce.Do(func() { close(w.stop) })
	return w.conn.Close()
}

// basicAuthHeader returns the bridge request headers for the given credentials
func basicAuthHeader(username, password string) http.Header {
	headers := http.Header{}
	if username != "" && password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+credentials)
	}
	return headers
}

// OpenWebSocketConnection dials a radio bridge with HTTP Basic auth
func OpenWebSocketConnection(wsURL, username, password string, skipSSLVerify bool) (Connection, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	switch u.Scheme {
	case "ws":
	case "wss":
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: skipSSLVerify}
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, basicAuthHeader(username, password))
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("radio bridge refused connection (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("radio bridge connection failed: %w", err)
	}

	return newWebSocketConnection(conn), nil
}

// GetPassword returns the bridge password from THERMOBASE_PASSWORD, or
// prompts for it on the terminal
func GetPassword() (string, error) {
	if pw := os.Getenv("THERMOBASE_PASSWORD"); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	defer fmt.Fprintln(os.Stderr)

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err == nil {
		return string(passwordBytes), nil
	}

	// Not a terminal, read a plain line
	password, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimSpace(password), nil
}

// OpenConnection opens the radio connection given by --port or --url
func OpenConnection() (Connection, string, error) {
	switch {
	case wsURL != "" && portName != "":
		return nil, "", fmt.Errorf("--port and --url are mutually exclusive")

	case wsURL != "":
		password := ""
		if wsUsername != "" {
			var err error
			if password, err = GetPassword(); err != nil {
				return nil, "", err
			}
		}
		conn, err := OpenWebSocketConnection(wsURL, wsUsername, password, wsNoSSLVerify)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("WebSocket: %s", wsURL), nil

	case portName != "":
		conn, err := OpenSerialConnection(portName, baudRate)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("Serial: %s @ %d baud 8N1", portName, baudRate), nil
	}

	return nil, "", fmt.Errorf("either --port or --url must be specified")
}
