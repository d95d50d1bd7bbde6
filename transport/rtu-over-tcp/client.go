// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtuovertcp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ffutop/modbus-sysmon/modbus"
	rtupacket "github.com/ffutop/modbus-sysmon/modbus/rtu"
)

const (
	tcpTimeout = 10 * time.Second
)

// Client is a Modbus RTU over TCP master reading registers from a remote slave.
type Client struct {
	Address string
	Timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// NewClient allocates and initializes a TCP Client.
func NewClient(address string) *Client {
	return &Client{
		Address: address,
		Timeout: tcpTimeout,
	}
}

// ReadRegisters reads quantity registers starting at address with a 0x03 or 0x04 request.
// An exception answer is returned as *modbus.Exception and keeps the connection open.
func (mb *Client) ReadRegisters(ctx context.Context, slaveID, functionCode byte, address, quantity uint16) ([]uint16, error) {
	if err := modbus.CheckReadRequest(functionCode, quantity); err != nil {
		return nil, err
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err := mb.connect(ctx); err != nil {
		return nil, fmt.Errorf("modbus: failed to connect to %s: %w", mb.Address, err)
	}

	raw, err := rtupacket.EncodeRequest(modbus.Request{
		SlaveID:      slaveID,
		FunctionCode: functionCode,
		Address:      address,
		Quantity:     quantity,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	deadline := time.Now().Add(mb.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err = mb.conn.SetDeadline(deadline); err != nil {
		mb.close()
		return nil, err
	}

	if _, err := mb.conn.Write(raw); err != nil {
		mb.close()
		return nil, fmt.Errorf("failed to write to connection: %w", err)
	}

	respBytes, err := rtupacket.ReadResponse(slaveID, functionCode, quantity, mb.conn, deadline)
	if err != nil {
		// The stream position is unknown now.
		mb.close()
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	respAdu, err := rtupacket.Decode(respBytes)
	if err != nil {
		mb.close()
		return nil, fmt.Errorf("failed to decode response ADU: %w", err)
	}
	req := &rtupacket.ApplicationDataUnit{SlaveID: slaveID}
	if err := req.Verify(respAdu); err != nil {
		return nil, fmt.Errorf("verification failed: %w", err)
	}

	return modbus.DecodeReadResponse(respAdu.Pdu, functionCode, quantity)
}

// Connect dials the slave if not connected yet.
func (mb *Client) Connect(ctx context.Context) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.connect(ctx)
}

// Close closes the connection.
func (mb *Client) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.close()
	return nil
}

// connect ensures there is an active connection. Caller must hold the mutex.
func (mb *Client) connect(ctx context.Context) error {
	if mb.conn != nil {
		return nil
	}
	dialer := net.Dialer{Timeout: mb.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", mb.Address)
	if err != nil {
		return err
	}
	mb.conn = conn
	return nil
}

// close closes the connection and resets the state. Caller must hold the mutex.
func (mb *Client) close() {
	if mb.conn != nil {
		mb.conn.Close()
		mb.conn = nil
	}
}
