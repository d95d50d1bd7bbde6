// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package rtu

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/grid-x/serial"

	"github.com/ffutop/modbus-sysmon/internal/config"
	"github.com/ffutop/modbus-sysmon/internal/slave"
)

type registerMap map[uint16]uint16

func (m registerMap) ReadRegister(ctx context.Context, address uint16) uint16 {
	if v, ok := m[address]; ok {
		return v
	}
	return 0xFFFF
}

// mockPort plays back reads; a nil entry simulates a read timeout.
// Once the script is exhausted it cancels the server.
type mockPort struct {
	mu     sync.Mutex
	reads  [][]byte
	cancel context.CancelFunc
	out    bytes.Buffer
	closed bool

	writeErr error
	readErr  error // returned once the script is exhausted, instead of cancelling
}

func (m *mockPort) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.reads) == 0 {
		if m.readErr != nil {
			return 0, m.readErr
		}
		m.cancel()
		return 0, serial.ErrTimeout
	}
	next := m.reads[0]
	m.reads = m.reads[1:]
	if next == nil {
		return 0, serial.ErrTimeout
	}
	return copy(p, next), nil
}

func (m *mockPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	return m.out.Write(p)
}

func (m *mockPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func newTestServer(port *mockPort) *Server {
	s := NewServer(config.SerialConfig{Device: "/dev/ttyTEST", BaudRate: 19200}, slave.New(1, registerMap{0x04: 4550}))
	s.open = func(c *serial.Config) (io.ReadWriteCloser, error) { return port, nil }
	return s
}

func TestServer_ScanLoop(t *testing.T) {
	request := []byte{0x01, 0x03, 0x00, 0x04, 0x00, 0x01, 0xC5, 0xCB}
	response := []byte{0x01, 0x03, 0x02, 0x11, 0xC6, 0x34, 0x46}

	tests := []struct {
		name  string
		reads [][]byte
		want  []byte
	}{
		{"SingleRead", [][]byte{request}, response},
		{"SplitAcrossReads", [][]byte{request[:3], request[3:]}, response},
		{"LeadingNoise", [][]byte{append([]byte{0x00}, request...)}, response},
		// A gap drops the partial frame, the next request is still answered.
		{"TruncatedThenRequest", [][]byte{request[:5], nil, request}, response},
		{"ForeignSlave", [][]byte{{0x02, 0x03, 0x00, 0x04, 0x00, 0x01, 0xC5, 0xF8}}, nil},
		{"TwoRequests", [][]byte{request, nil, request}, append(append([]byte(nil), response...), response...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			port := &mockPort{reads: tt.reads, cancel: cancel}

			if err := newTestServer(port).Start(ctx); err != nil {
				t.Fatalf("Start returned %v", err)
			}
			if !bytes.Equal(port.out.Bytes(), tt.want) {
				t.Errorf("wrote % X, want % X", port.out.Bytes(), tt.want)
			}
			if !port.closed {
				t.Error("port not closed after shutdown")
			}
		})
	}
}

func TestServer_WriteErrorIsFatal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	writeErr := errors.New("i/o error")
	port := &mockPort{
		reads:    [][]byte{{0x01, 0x03, 0x00, 0x04, 0x00, 0x01, 0xC5, 0xCB}},
		cancel:   func() {},
		writeErr: writeErr,
	}

	if err := newTestServer(port).Start(ctx); !errors.Is(err, writeErr) {
		t.Errorf("Start returned %v, want %v", err, writeErr)
	}
}

func TestServer_ReadErrorIsFatal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	port := &mockPort{
		reads:   [][]byte{{0x01, 0x03}, nil},
		cancel:  func() {},
		readErr: syscall.EIO,
	}

	err := newTestServer(port).Start(ctx)
	if !errors.Is(err, syscall.EIO) {
		t.Errorf("Start returned %v, want %v", err, syscall.EIO)
	}
	if ctx.Err() != nil {
		t.Error("server kept reading until the test deadline")
	}
}

func TestIsReadTimeout(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"SerialTimeout", serial.ErrTimeout, true},
		{"WrappedSerialTimeout", &slave.OpError{Op: "read", Err: serial.ErrTimeout}, true},
		{"Deadline", os.ErrDeadlineExceeded, true},
		{"EIO", syscall.EIO, false},
		{"Other", errors.New("device unplugged"), false},
	}
	for _, tt := range tests {
		if got := isReadTimeout(tt.err); got != tt.want {
			t.Errorf("%s: isReadTimeout(%v) = %v, want %v", tt.name, tt.err, got, tt.want)
		}
	}
}

func TestServer_OpenError(t *testing.T) {
	s := NewServer(config.SerialConfig{Device: "/dev/ttyTEST"}, slave.New(1, registerMap{}))
	openErr := errors.New("no such device")
	s.open = func(c *serial.Config) (io.ReadWriteCloser, error) { return nil, openErr }

	if err := s.Start(context.Background()); !errors.Is(err, openErr) {
		t.Errorf("Start returned %v, want %v", err, openErr)
	}
}

func TestSerialConfig(t *testing.T) {
	cfg := config.SerialConfig{
		Device:            "/dev/ttyUSB0",
		BaudRate:          9600,
		DataBits:          8,
		Parity:            "E",
		StopBits:          1,
		Timeout:           100 * time.Millisecond,
		RS485:             true,
		DelayRtsAfterSend: 2 * time.Millisecond,
		RtsHighDuringSend: true,
	}
	c := serialConfig(cfg)
	if c.Address != "/dev/ttyUSB0" || c.BaudRate != 9600 || c.Parity != "E" || c.Timeout != 100*time.Millisecond {
		t.Errorf("unexpected line settings: %+v", c)
	}
	if !c.RS485.Enabled || c.RS485.DelayRtsAfterSend != 2*time.Millisecond || !c.RS485.RtsHighDuringSend {
		t.Errorf("unexpected RS485 settings: %+v", c.RS485)
	}

	cfg.RS485 = false
	if serialConfig(cfg).RS485.Enabled {
		t.Error("RS485 enabled without being configured")
	}
}
