// Package server implements the NBD listener: accept loop, per-connection
// keepalive tuning, and lifetime management, per spec.md §4.6.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nbdstore/nbdstore/internal/logger"
	"github.com/nbdstore/nbdstore/internal/session"
)

// Keepalive parameters mandated by spec.md §4.6.
const (
	keepaliveIdle     = 60 * time.Second
	keepaliveInterval = 10 * time.Second
	keepaliveProbes   = 6
)

// drainTimeout bounds how long Serve waits for in-flight sessions to
// finish once ctx is cancelled, per spec.md §5.
const drainTimeout = 5 * time.Second

// Server accepts NBD connections and hands each to a fresh session.
type Server struct {
	addr       string
	sessionCfg session.Config
	listener   net.Listener

	wg sync.WaitGroup
}

// New constructs a Server bound to addr (host:port), sharing sessionCfg
// across every accepted connection.
func New(addr string, sessionCfg session.Config) *Server {
	return &Server{addr: addr, sessionCfg: sessionCfg}
}

// Serve binds the listener and runs the accept loop until ctx is
// cancelled. It blocks until all in-flight sessions have drained or
// drainTimeout elapses.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	logger.Info("server: listening on %s", s.addr)

	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return s.drain()
			}
			select {
			case <-ctx.Done():
				return s.drain()
			default:
				logger.Debug("server: accept error: %v", err)
				continue
			}
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			configureKeepalive(tcpConn)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			session.New(s.sessionCfg, conn).Run(ctx)
		}()
	}
}

func (s *Server) drain() error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		logger.Warn("server: drain timeout exceeded, forcing shutdown")
	}
	return nil
}

// Stop closes the listener immediately, interrupting Accept.
func (s *Server) Stop() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func configureKeepalive(conn *net.TCPConn) {
	cfg := net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepaliveIdle,
		Interval: keepaliveInterval,
		Count:    keepaliveProbes,
	}
	if err := conn.SetKeepAliveConfig(cfg); err != nil {
		logger.Debug("server: set keepalive config: %v", err)
	}
}
