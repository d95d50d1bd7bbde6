// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ffutop/modbus-sysmon/modbus"
)

const (
	tcpTimeout = 10 * time.Second
)

// Client is a Modbus TCP master reading registers from a remote slave.
type Client struct {
	Address string
	Timeout time.Duration

	mu            sync.Mutex
	conn          net.Conn
	transactionID uint16
}

// NewClient allocates and initializes a TCP Client.
func NewClient(address string) *Client {
	return &Client{
		Address: address,
		Timeout: tcpTimeout,
	}
}

// ReadRegisters reads quantity registers starting at address from unit slaveID.
// An exception answer is returned as *modbus.Exception.
func (mb *Client) ReadRegisters(ctx context.Context, slaveID, functionCode byte, address, quantity uint16) ([]uint16, error) {
	if err := modbus.CheckReadRequest(functionCode, quantity); err != nil {
		return nil, err
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()

	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], address)
	binary.BigEndian.PutUint16(data[2:4], quantity)
	mb.transactionID++
	adu := &ApplicationDataUnit{
		TransactionID: mb.transactionID,
		SlaveID:       slaveID, // Unit Identifier
		Pdu:           modbus.ProtocolDataUnit{FunctionCode: functionCode, Data: data},
	}
	aduBytes, err := adu.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode ADU: %w", err)
	}

	if err := mb.connect(ctx); err != nil {
		return nil, fmt.Errorf("modbus: failed to connect to %s: %w", mb.Address, err)
	}

	deadline := time.Now().Add(mb.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err = mb.conn.SetDeadline(deadline); err != nil {
		mb.close()
		return nil, err
	}

	respBytes, err := mb.sendAndRead(aduBytes)
	if err != nil {
		mb.close()
		return nil, err
	}

	respAdu, err := Decode(respBytes)
	if err != nil {
		mb.close()
		return nil, fmt.Errorf("failed to decode response ADU: %w", err)
	}
	if err := adu.Verify(respAdu); err != nil {
		// A stale answer to an earlier, timed out request.
		mb.close()
		return nil, fmt.Errorf("verification failed: %w", err)
	}

	return modbus.DecodeReadResponse(respAdu.Pdu, functionCode, quantity)
}

func (mb *Client) sendAndRead(aduRequest []byte) ([]byte, error) {
	if _, err := mb.conn.Write(aduRequest); err != nil {
		return nil, fmt.Errorf("failed to write to connection: %w", err)
	}

	response, err := ReadFrame(mb.conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	slog.Debug("recv from modbus tcp slave", "response", hex.EncodeToString(response))
	return response, nil
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

// close closes the connection. Caller must hold the mutex.
func (mb *Client) close() {
	if mb.conn != nil {
		mb.conn.Close()
		mb.conn = nil
	}
}
