// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package tcp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	goburrow "github.com/goburrow/modbus"

	"github.com/ffutop/modbus-sysmon/internal/slave"
)

type registerMap map[uint16]uint16

func (m registerMap) ReadRegister(ctx context.Context, address uint16) uint16 {
	if v, ok := m[address]; ok {
		return v
	}
	return 0xFFFF
}

func startServer(t *testing.T, idleTimeout time.Duration) (string, context.CancelFunc, <-chan error) {
	t.Helper()
	s := NewServer("127.0.0.1:0", idleTimeout, slave.New(1, registerMap{0x04: 4550, 0x06: 1234, 0x08: 8000}))
	addr, err := s.Listen()
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- s.Start(ctx)
	}()
	t.Cleanup(cancel)
	return addr.String(), cancel, errc
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServer_GoburrowMaster(t *testing.T) {
	addr, _, _ := startServer(t, 0)

	handler := goburrow.NewTCPClientHandler(addr)
	handler.SlaveId = 1
	handler.Timeout = time.Second
	if err := handler.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer handler.Close()
	client := goburrow.NewClient(handler)

	results, err := client.ReadHoldingRegisters(0x04, 5)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters failed: %v", err)
	}
	want := []byte{0x11, 0xC6, 0xFF, 0xFF, 0x04, 0xD2, 0xFF, 0xFF, 0x1F, 0x40}
	if !bytes.Equal(results, want) {
		t.Errorf("ReadHoldingRegisters = % X, want % X", results, want)
	}

	// Write functions are answered with an illegal function exception.
	_, err = client.WriteSingleRegister(0x04, 1)
	var mbErr *goburrow.ModbusError
	if !errors.As(err, &mbErr) || mbErr.ExceptionCode != goburrow.ExceptionCodeIllegalFunction {
		t.Errorf("WriteSingleRegister error = %v, want illegal function", err)
	}

	handler.SlaveId = 0xFF
	results, err = client.ReadInputRegisters(0x08, 1)
	if err != nil {
		t.Fatalf("ReadInputRegisters via unit 0xFF failed: %v", err)
	}
	if !bytes.Equal(results, []byte{0x1F, 0x40}) {
		t.Errorf("ReadInputRegisters = % X, want 1F 40", results)
	}
}

func TestServer_RawFrames(t *testing.T) {
	addr, _, _ := startServer(t, 0)
	conn := dial(t, addr)

	tests := []struct {
		name    string
		request []byte
		want    []byte
	}{
		{
			"ReadHolding",
			[]byte{0x00, 0x7B, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x04, 0x00, 0x01},
			[]byte{0x00, 0x7B, 0x00, 0x00, 0x00, 0x05, 0x01, 0x03, 0x02, 0x11, 0xC6},
		},
		{
			"CountZero",
			[]byte{0x00, 0x7C, 0x00, 0x00, 0x00, 0x06, 0x01, 0x04, 0x00, 0x04, 0x00, 0x00},
			[]byte{0x00, 0x7C, 0x00, 0x00, 0x00, 0x03, 0x01, 0x84, 0x03},
		},
		{
			// Unknown functions may carry any body.
			"WriteMultiple",
			[]byte{0x00, 0x7D, 0x00, 0x00, 0x00, 0x09, 0x01, 0x10, 0x00, 0x01, 0x00, 0x01, 0x02, 0x12, 0x34},
			[]byte{0x00, 0x7D, 0x00, 0x00, 0x00, 0x03, 0x01, 0x90, 0x01},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := conn.Write(tt.request); err != nil {
				t.Fatal(err)
			}
			conn.SetReadDeadline(time.Now().Add(time.Second))
			got := make([]byte, len(tt.want))
			if _, err := io.ReadFull(conn, got); err != nil {
				t.Fatalf("Failed to read response: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("response = % X, want % X", got, tt.want)
			}
		})
	}
}

func TestServer_ForeignUnitIsSilent(t *testing.T) {
	addr, _, _ := startServer(t, 0)
	conn := dial(t, addr)

	if _, err := conn.Write([]byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x02, 0x03, 0x00, 0x04, 0x00, 0x01}); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if n, err := conn.Read(make([]byte, 1)); n != 0 || !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("expected no response, got %d bytes, err %v", n, err)
	}
}

func TestServer_BadLengthClosesConnection(t *testing.T) {
	addr, _, _ := startServer(t, 0)
	conn := dial(t, addr)

	// Length 0x0200 exceeds the largest frame.
	if _, err := conn.Write([]byte{0x00, 0x01, 0x00, 0x00, 0x02, 0x00, 0x01}); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("expected connection closed, got %v", err)
	}
}

func TestServer_IdleTimeout(t *testing.T) {
	addr, _, _ := startServer(t, 100*time.Millisecond)
	conn := dial(t, addr)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("expected the server to close the idle connection, got %v", err)
	}
}

func TestServer_Shutdown(t *testing.T) {
	_, cancel, errc := startServer(t, 0)

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Start returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

type failingListener struct {
	net.Listener
	failures int
	calls    []time.Time
}

func (l *failingListener) Accept() (net.Conn, error) {
	l.calls = append(l.calls, time.Now())
	if len(l.calls) <= l.failures {
		return nil, errors.New("accept: too many open files")
	}
	return nil, net.ErrClosed
}

func (l *failingListener) Close() error { return nil }

func (l *failingListener) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func TestServer_AcceptErrorBacksOff(t *testing.T) {
	l := &failingListener{failures: 2}
	s := NewServer("127.0.0.1:0", 0, slave.New(1, registerMap{}))
	s.listener = l
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start returned %v", err)
	}
	if len(l.calls) != 3 {
		t.Fatalf("Accept called %d times, want 3", len(l.calls))
	}
	if elapsed := l.calls[2].Sub(l.calls[0]); elapsed < 15*time.Millisecond {
		t.Errorf("retries took %v, want at least 15ms", elapsed)
	}
}
