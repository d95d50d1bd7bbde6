// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package slave

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/ffutop/modbus-sysmon/modbus"
	"github.com/ffutop/modbus-sysmon/modbus/rtu"
)

// RegisterReader resolves a single register address to its current value.
type RegisterReader interface {
	ReadRegister(ctx context.Context, address uint16) uint16
}

// Outcome is the result of validating a request against this slave.
type Outcome int

const (
	Accepted Outcome = iota
	WrongSlave
	UnsupportedFunction
	InvalidCount
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case WrongSlave:
		return "wrong slave"
	case UnsupportedFunction:
		return "unsupported function"
	case InvalidCount:
		return "invalid count"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Validate checks slave id, then function code, then register count.
func Validate(req modbus.Request, slaveID byte) Outcome {
	switch {
	case req.SlaveID != slaveID:
		return WrongSlave
	case !modbus.IsReadFunction(req.FunctionCode):
		return UnsupportedFunction
	case req.Quantity < 1 || req.Quantity > modbus.MaxReadQuantity:
		return InvalidCount
	}
	return Accepted
}

// Slave answers read register requests addressed to ID from Registers.
type Slave struct {
	ID        byte
	Registers RegisterReader
}

// New creates a new Slave.
func New(id byte, registers RegisterReader) *Slave {
	return &Slave{ID: id, Registers: registers}
}

// Handle processes one request frame and returns the response ADU.
// A nil response means nothing must be sent.
func (s *Slave) Handle(ctx context.Context, frame rtu.Frame) ([]byte, error) {
	pdu, ok := s.Serve(ctx, rtu.DecodeRequest(frame))
	if !ok {
		return nil, nil
	}

	adu := &rtu.ApplicationDataUnit{SlaveID: s.ID, Pdu: pdu}
	resp, err := adu.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	slog.Debug("Response encoded", "response", hex.EncodeToString(resp))
	return resp, nil
}

// HandlePDU answers a request that arrived without RTU framing, as on Modbus TCP.
// Unit id 0xFF addresses this device whatever its slave id.
func (s *Slave) HandlePDU(ctx context.Context, unitID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, bool) {
	if unitID == 0xFF {
		unitID = s.ID
	}
	req := modbus.Request{SlaveID: unitID, FunctionCode: pdu.FunctionCode}
	// A short body leaves the quantity at 0, which is rejected as invalid.
	if len(pdu.Data) == 4 {
		req.Address = binary.BigEndian.Uint16(pdu.Data[0:2])
		req.Quantity = binary.BigEndian.Uint16(pdu.Data[2:4])
	}
	return s.Serve(ctx, req)
}

// Serve validates req and returns the response PDU.
// ok is false when the request is not addressed to this slave.
func (s *Slave) Serve(ctx context.Context, req modbus.Request) (pdu modbus.ProtocolDataUnit, ok bool) {
	switch outcome := Validate(req, s.ID); outcome {
	case WrongSlave:
		slog.Debug("Ignored request for another slave", "slaveID", req.SlaveID, "expected", s.ID)
		return modbus.ProtocolDataUnit{}, false
	case UnsupportedFunction:
		slog.Info("Unsupported function code", "func", req.FunctionCode)
		return modbus.NewException(req.FunctionCode, modbus.ExceptionCodeIllegalFunction), true
	case InvalidCount:
		slog.Info("Invalid register count", "func", req.FunctionCode, "count", req.Quantity)
		return modbus.NewException(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), true
	}

	slog.Debug("Request", "func", req.FunctionCode, "addr", fmt.Sprintf("0x%04X", req.Address), "count", req.Quantity)
	return s.readRegisters(ctx, req), true
}

func (s *Slave) readRegisters(ctx context.Context, req modbus.Request) modbus.ProtocolDataUnit {
	values := make([]uint16, req.Quantity)
	for i := range values {
		// Addresses wrap past 0xFFFF.
		values[i] = s.Registers.ReadRegister(ctx, req.Address+uint16(i))
	}

	pdu, err := modbus.NewReadResponse(req.FunctionCode, values)
	if err != nil {
		// Unreachable once the count is validated.
		slog.Error("Failed to build response", "err", err)
		return modbus.NewException(req.FunctionCode, modbus.ExceptionCodeServerDeviceFailure)
	}
	return pdu
}
