// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ffutop/modbus-sysmon/transport"
)

// Server implements a Modbus TCP Server.
// Like the RTU over TCP server it serves one connection at a time.
type Server struct {
	Address     string
	IdleTimeout time.Duration

	handler transport.PDUHandler

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a new TCP Server.
func NewServer(address string, idleTimeout time.Duration, handler transport.PDUHandler) *Server {
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
	slog.Info("Modbus TCP server listening", "addr", listener.Addr())
	return listener.Addr(), nil
}

// Start starts the TCP server.
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
			// Check if closed
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
	slog.Info("New TCP client connected", "addr", addr)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	rc := &transport.IdleConn{Conn: conn, Timeout: s.IdleTimeout}
	for {
		err := s.serveFrame(ctx, rc)
		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF):
			slog.Info("TCP client disconnected gracefully", "addr", addr)
		case ctx.Err() != nil:
			slog.Debug("Connection closed on shutdown", "addr", addr)
		case errors.Is(err, os.ErrDeadlineExceeded):
			slog.Info("Closing idle connection", "addr", addr, "timeout", s.IdleTimeout)
		default:
			slog.Error("Connection error", "addr", addr, "err", err)
		}
		return
	}
}

// serveFrame reads one request and writes its response, if any.
func (s *Server) serveFrame(ctx context.Context, conn io.ReadWriter) error {
	raw, err := ReadFrame(conn)
	if err != nil {
		return err
	}
	slog.Debug("Received", "data", hex.EncodeToString(raw))

	adu, err := Decode(raw)
	if err != nil {
		return err
	}
	if adu.ProtocolID != 0 {
		slog.Warn("Ignored frame with foreign protocol id", "protocolID", adu.ProtocolID)
		return nil
	}

	respPdu, ok := s.handler.HandlePDU(ctx, adu.SlaveID, adu.Pdu)
	if !ok {
		return nil
	}

	respAdu := &ApplicationDataUnit{
		TransactionID: adu.TransactionID,
		ProtocolID:    adu.ProtocolID,
		SlaveID:       adu.SlaveID,
		Pdu:           respPdu,
	}
	respRaw, err := respAdu.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode TCP response: %w", err)
	}
	if _, err := conn.Write(respRaw); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}
