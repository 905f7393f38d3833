// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Thermoquad/thermobase/pkg/radio"
	"github.com/Thermoquad/thermobase/pkg/thermolink"
	"github.com/gorilla/websocket"
	"go.bug.st/serial"
)

// ============================================================================
// Serial modem
// ============================================================================

func TestModemMode(t *testing.T) {
	mode, err := modemMode(9600)
	if err != nil {
		t.Fatalf("modemMode(9600): %v", err)
	}
	if mode.BaudRate != 9600 || mode.DataBits != 8 || mode.Parity != serial.NoParity || mode.StopBits != serial.OneStopBit {
		t.Errorf("mode = %+v, want 9600 8N1", mode)
	}

	for _, baud := range []int{0, 300, 14400, 230400} {
		if _, err := modemMode(baud); err == nil {
			t.Errorf("modemMode(%d) accepted an unsupported rate", baud)
		}
	}
}

// ============================================================================
// WebSocket radio bridge
// ============================================================================

// bridgeServer upgrades one connection, sends msgs, then echoes one binary
// message back to the client
func bridgeServer(t *testing.T, auth chan<- string, msgs func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth != nil {
			auth <- r.Header.Get("Authorization")
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		msgs(conn)

		mt, data, err := conn.ReadMessage()
		if err == nil {
			_ = conn.WriteMessage(mt, data)
		}
		_, _, _ = conn.ReadMessage()
	}))
}

func wsURLFor(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketConnection_ReadsBinaryChunks(t *testing.T) {
	frame, err := thermolink.EncodeLinkFrame(testNodeAddr, thermolink.AckFrame(true, ""))
	if err != nil {
		t.Fatalf("EncodeLinkFrame: %v", err)
	}

	auth := make(chan string, 1)
	srv := bridgeServer(t, auth, func(c *websocket.Conn) {
		_ = c.WriteMessage(websocket.TextMessage, []byte("bridge v1 ready"))
		_ = c.WriteMessage(websocket.BinaryMessage, frame[:3])
		_ = c.WriteMessage(websocket.BinaryMessage, frame[3:])
	})
	defer srv.Close()

	conn, err := OpenWebSocketConnection(wsURLFor(srv), "station", "secret", false)
	if err != nil {
		t.Fatalf("OpenWebSocketConnection: %v", err)
	}
	defer conn.Close()

	link := radio.NewLink(conn)
	lf, err := link.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if lf.Address() != testNodeAddr || !bytes.Equal(lf.Payload(), []byte{thermolink.OpAck}) {
		t.Errorf("frame = %016X % X", lf.Address(), lf.Payload())
	}
	if got := <-auth; got != "Basic c3RhdGlvbjpzZWNyZXQ=" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestWebSocketConnection_WriteIsOneMessage(t *testing.T) {
	srv := bridgeServer(t, nil, func(*websocket.Conn) {})
	defer srv.Close()

	conn, err := OpenWebSocketConnection(wsURLFor(srv), "", "", false)
	if err != nil {
		t.Fatalf("OpenWebSocketConnection: %v", err)
	}
	defer conn.Close()

	out := []byte{0x7E, 0x00, 0x0A, 0x01, 0x02}
	if n, err := conn.Write(out); err != nil || n != len(out) {
		t.Fatalf("Write = %d, %v", n, err)
	}

	buf := make([]byte, 16)
	n, err := io.ReadAtLeast(conn, buf, len(out))
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(buf[:n], out) {
		t.Errorf("echo = % X, want % X", buf[:n], out)
	}
}

func TestWebSocketConnection_ClosedAfterFailure(t *testing.T) {
	srv := bridgeServer(t, nil, func(c *websocket.Conn) {
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})
	defer srv.Close()

	conn, err := OpenWebSocketConnection(wsURLFor(srv), "", "", false)
	if err != nil {
		t.Fatalf("OpenWebSocketConnection: %v", err)
	}
	defer conn.Close()

	buf := make([]byte, 8)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("read after close frame succeeded")
	}
	if _, err := conn.Read(buf); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("second read err = %v, want ErrConnectionClosed", err)
	}
}

func TestOpenWebSocketConnection_RejectsScheme(t *testing.T) {
	_, err := OpenWebSocketConnection("http://bridge.local/radio", "", "", false)
	if err == nil || !strings.Contains(err.Error(), "unsupported URL scheme") {
		t.Errorf("err = %v", err)
	}
}

func TestBasicAuthHeader(t *testing.T) {
	if h := basicAuthHeader("", "pw"); h.Get("Authorization") != "" {
		t.Errorf("header set without username: %v", h)
	}
	if h := basicAuthHeader("station", "secret"); h.Get("Authorization") != "Basic c3RhdGlvbjpzZWNyZXQ=" {
		t.Errorf("Authorization = %q", h.Get("Authorization"))
	}
}
