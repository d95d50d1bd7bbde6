// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtuovertcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ffutop/modbus-sysmon/transport"
)

// Server implements a Modbus RTU over TCP Server.
// It listens on a TCP port and treats each connection as a raw RTU byte stream.
// Connections are served one at a time; the next one is accepted after the
// current peer disconnects.
type Server struct {
	Address     string
	IdleTimeout time.Duration // 0 disables

	handler transport.Handler

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a new RTU over TCP Server.
func NewServer(address string, idleTimeout time.Duration, handler transport.Handler) *Server {
	return &Server{
		Address:     address,
		IdleTimeout: idleTimeout,
		handler:     handler,
	}
}

// Listen binds the listening socket and returns its address.
func (s *Server) Listen() (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr(), nil
	}
	listener, err := net.Listen("tcp", s.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.Address, err)
	}
	s.listener = listener
	slog.Info("RTU over TCP server listening", "addr", listener.Addr())
	return listener.Addr(), nil
}

// Start listens if needed and serves connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if _, err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	var backoff transport.AcceptBackoff
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Error("Failed to accept connection", "err", err)
			if !backoff.Wait(ctx) {
				return nil
			}
			continue
		}
		backoff.Reset()
		s.handleConnection(ctx, conn)
	}
}

// Close closes the server listener.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		err := s.listener.Close()
		s.listener = nil
		return err
	}
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	addr := conn.RemoteAddr()
	slog.Info("New RTU over TCP client connected", "addr", addr)

	// Unblock the session read on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	session := s.handler.NewSession(&transport.IdleConn{Conn: conn, Timeout: s.IdleTimeout})
	err := session.Run(ctx)
	switch {
	case err == nil:
		slog.Info("RTU over TCP client disconnected", "addr", addr, "discarded", session.Discarded())
	case ctx.Err() != nil:
		slog.Debug("Connection closed on shutdown", "addr", addr)
	case errors.Is(err, os.ErrDeadlineExceeded):
		slog.Info("Closing idle connection", "addr", addr, "timeout", s.IdleTimeout)
	default:
		slog.Error("Connection error", "addr", addr, "err", err)
	}
}
