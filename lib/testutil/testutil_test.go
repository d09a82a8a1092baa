package testutil

import (
	"net"
	"strings"
	"testing"
	"time"
)

func TestStore(t *testing.T) {
	s := NewStore(t)

	if !strings.HasPrefix(s.URL(), "redis://127.0.0.1:") {
		t.Errorf("URL = %q, want redis://127.0.0.1:<port>", s.URL())
	}

	s.Seed(2, "user", 5)
	if got := s.Count(2); got != 5 {
		t.Errorf("Count(2) = %d, want 5", got)
	}
	if got := s.Count(0); got != 0 {
		t.Errorf("Count(0) = %d, want 0", got)
	}
}

func TestSilentServer(t *testing.T) {
	srv, err := NewSilentServer()
	if err != nil {
		t.Fatalf("failed to start silent server: %v", err)
	}
	defer srv.Close()

	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("*1\r\n$4\r\nPING\r\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 16)
	_, err = conn.Read(buf)
	if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		t.Errorf("expected read timeout, got %v", err)
	}
}

func TestSilentServer_CloseDropsConnections(t *testing.T) {
	srv, err := NewSilentServer()
	if err != nil {
		t.Fatalf("failed to start silent server: %v", err)
	}

	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	// give the accept loop a moment to register the connection
	time.Sleep(50 * time.Millisecond)
	srv.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Error("expected read error after Close")
	}
}
