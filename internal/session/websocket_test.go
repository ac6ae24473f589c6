package session_test

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"livesight/internal/session"
)

func readData(t *testing.T, conn *session.Conn) session.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if frame.Opcode == session.OpText || frame.Opcode == session.OpBinary {
			return frame
		}
	}
}

func TestDialWS(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := session.Accept(w, r)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		defer conn.Close()

		if err := conn.WriteText([]byte("hello")); err != nil {
			t.Errorf("WriteText: %v", err)
		}
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, err := session.Dial(context.Background(), wsURL, http.Header{}, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})

	frame := readData(t, conn)
	if frame.Opcode != session.OpText || string(frame.Payload) != "hello" {
		t.Fatalf("unexpected frame %v %q", frame.Opcode, frame.Payload)
	}
}

func TestDialWSS(t *testing.T) {
	t.Parallel()

	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := session.Accept(w, r)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		defer conn.Close()

		if err := conn.WriteText([]byte("secure")); err != nil {
			t.Errorf("WriteText: %v", err)
		}
	}))
	t.Cleanup(server.Close)

	pool := x509.NewCertPool()
	pool.AddCert(server.Certificate())

	tlsConfig := &tls.Config{RootCAs: pool}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	wssURL := "wss" + strings.TrimPrefix(server.URL, "https")
	conn, err := session.Dial(ctx, wssURL, http.Header{}, tlsConfig)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})

	frame := readData(t, conn)
	if string(frame.Payload) != "secure" {
		t.Fatalf("unexpected payload %q", frame.Payload)
	}
}

func TestPingPongRoundTrip(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := session.Accept(w, r)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		defer conn.Close()

		frame, err := conn.ReadFrame(context.Background())
		if err != nil {
			t.Errorf("ReadFrame: %v", err)
			return
		}
		if frame.Opcode != session.OpPing {
			t.Errorf("expected ping, got %v", frame.Opcode)
			return
		}
		if err := conn.Pong(frame.Payload); err != nil {
			t.Errorf("Pong: %v", err)
		}
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, err := session.Dial(context.Background(), wsURL, http.Header{}, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})

	if err := conn.Ping([]byte("beat")); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	frame, err := conn.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Opcode != session.OpPong || string(frame.Payload) != "beat" {
		t.Fatalf("unexpected frame %v %q", frame.Opcode, frame.Payload)
	}
}

func TestBinaryFrames(t *testing.T) {
	t.Parallel()

	payload := []byte{0x00, 0x01, 0xFE, 0xFF}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := session.Accept(w, r)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		defer conn.Close()

		frame, err := conn.ReadFrame(context.Background())
		if err != nil {
			t.Errorf("ReadFrame: %v", err)
			return
		}
		if err := conn.WriteBinary(frame.Payload); err != nil {
			t.Errorf("WriteBinary: %v", err)
		}
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, err := session.Dial(context.Background(), wsURL, http.Header{}, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})

	if err := conn.WriteBinary(payload); err != nil {
		t.Fatalf("WriteBinary: %v", err)
	}
	frame := readData(t, conn)
	if frame.Opcode != session.OpBinary || !bytes.Equal(frame.Payload, payload) {
		t.Fatalf("unexpected frame %v %v", frame.Opcode, frame.Payload)
	}
}
