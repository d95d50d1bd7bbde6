// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/grid-x/serial"

	"github.com/ffutop/modbus-sysmon/internal/config"
	"github.com/ffutop/modbus-sysmon/internal/slave"
	"github.com/ffutop/modbus-sysmon/transport"
)

// Server implements a Modbus RTU Server (Upstream).
// It acts as a Slave on the serial bus, waiting for requests from an external Master.
type Server struct {
	Config config.SerialConfig

	handler transport.Handler
	open    portOpener

	mu   sync.Mutex
	port io.ReadWriteCloser
}

// NewServer creates a new RTU Server.
func NewServer(cfg config.SerialConfig, handler transport.Handler) *Server {
	return &Server{
		Config:  cfg,
		handler: handler,
		open:    openSerial,
	}
}

// Start opens the serial port and serves it until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	port, err := s.open(serialConfig(s.Config))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.port = port
	s.mu.Unlock()
	defer s.Close()
	slog.Info("RTU Server listening", "device", s.Config.Device, "baud", s.Config.BaudRate, "parity", s.Config.Parity)

	// handle close
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	return s.scanLoop(ctx, port)
}

// Close closes the serial port.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port != nil {
		err := s.port.Close()
		s.port = nil
		return err
	}
	return nil
}

func (s *Server) scanLoop(ctx context.Context, port io.ReadWriter) error {
	session := s.handler.NewSession(port)

	for {
		err := session.Step(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			continue
		}

		var opErr *slave.OpError
		switch {
		case errors.As(err, &opErr) && opErr.Op == "write":
			return fmt.Errorf("serial %s: %w", s.Config.Device, err)
		case errors.Is(err, io.EOF):
			return fmt.Errorf("serial %s: port closed", s.Config.Device)
		case !isReadTimeout(err):
			return fmt.Errorf("serial %s: %w", s.Config.Device, err)
		}

		// Read timeouts mark the silence between frames.
		slog.Debug("Serial line idle", "device", s.Config.Device)
		session.Reset()
	}
}

func isReadTimeout(err error) bool {
	if errors.Is(err, serial.ErrTimeout) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
