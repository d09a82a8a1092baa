package testutil

import (
	"io"
	"net"
	"sync"
)

// SilentServer accepts TCP connections and never answers. Commands sent to it
// block until the caller's deadline.
type SilentServer struct {
	mu       sync.Mutex
	listener net.Listener
	conns    []net.Conn
	closed   bool
	addr     string
}

// NewSilentServer starts a SilentServer on a random local port.
func NewSilentServer() (*SilentServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &SilentServer{
		listener: ln,
		addr:     ln.Addr().String(),
	}
	go s.acceptLoop()
	return s, nil
}

// Addr returns the listen address.
func (s *SilentServer) Addr() string {
	return s.addr
}

// URL returns a store URL pointing at the server.
func (s *SilentServer) URL() string {
	return "redis://" + s.addr
}

// Close stops accepting and drops every open connection.
func (s *SilentServer) Close() error {
	err := s.listener.Close()

	s.mu.Lock()
	s.closed = true
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
	s.mu.Unlock()
	return err
}

func (s *SilentServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		go func() {
			// read and discard until the peer or Close hangs up
			_, _ = io.Copy(io.Discard, conn)
		}()
	}
}
