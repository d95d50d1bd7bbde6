// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
	"fmt"
)

// Function Codes
const (
	FuncCodeReadHoldingRegisters = 0x03
	FuncCodeReadInputRegisters   = 0x04

	// FuncCodeException is OR-ed into the function code of an exception response.
	FuncCodeException = 0x80
)

// Exception Codes
const (
	ExceptionCodeIllegalFunction     = 0x01
	ExceptionCodeIllegalDataAddress  = 0x02
	ExceptionCodeIllegalDataValue    = 0x03
	ExceptionCodeServerDeviceFailure = 0x04
)

// MaxReadQuantity is the largest number of registers a single read may ask for.
const MaxReadQuantity = 125

// ProtocolDataUnit (PDU) is independent of underlying communication layers.
type ProtocolDataUnit struct {
	FunctionCode byte
	Data         []byte
}

// Request is a decoded read-registers request.
type Request struct {
	SlaveID      byte
	FunctionCode byte
	Address      uint16
	Quantity     uint16
}

// IsReadFunction reports whether code is one of the register read functions served here.
func IsReadFunction(code byte) bool {
	return code == FuncCodeReadHoldingRegisters || code == FuncCodeReadInputRegisters
}

// NewReadResponse builds the PDU answering a register read:
// [Func][ByteCount][Value0Hi][Value0Lo]...
func NewReadResponse(functionCode byte, values []uint16) (ProtocolDataUnit, error) {
	if len(values) > MaxReadQuantity {
		return ProtocolDataUnit{}, fmt.Errorf("modbus: register count '%v' must not be bigger than '%v'", len(values), MaxReadQuantity)
	}
	data := make([]byte, 1+2*len(values))
	data[0] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(data[1+2*i:], v)
	}
	return ProtocolDataUnit{FunctionCode: functionCode, Data: data}, nil
}

// NewException builds an exception PDU: [Func|0x80][Code]
func NewException(functionCode, exceptionCode byte) ProtocolDataUnit {
	return ProtocolDataUnit{
		FunctionCode: functionCode | FuncCodeException,
		Data:         []byte{exceptionCode},
	}
}

// DecodeReadResponse extracts quantity register values from the answer to a
// functionCode read. An exception answer is returned as *Exception.
func DecodeReadResponse(pdu ProtocolDataUnit, functionCode byte, quantity uint16) ([]uint16, error) {
	switch pdu.FunctionCode {
	case functionCode | FuncCodeException:
		if len(pdu.Data) != 1 {
			return nil, fmt.Errorf("modbus: exception response data size '%v' does not match expected '%v'", len(pdu.Data), 1)
		}
		return nil, &Exception{FunctionCode: pdu.FunctionCode, ExceptionCode: pdu.Data[0]}
	case functionCode:
	default:
		return nil, fmt.Errorf("modbus: response function code '%v' does not match request '%v'", pdu.FunctionCode, functionCode)
	}

	if len(pdu.Data) == 0 || int(pdu.Data[0]) != 2*int(quantity) || len(pdu.Data) != 1+2*int(quantity) {
		return nil, fmt.Errorf("modbus: response data size '%v' does not match quantity '%v'", len(pdu.Data), quantity)
	}
	values := make([]uint16, quantity)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(pdu.Data[1+2*i:])
	}
	return values, nil
}

// CheckReadRequest rejects reads this package cannot express.
func CheckReadRequest(functionCode byte, quantity uint16) error {
	if !IsReadFunction(functionCode) {
		return fmt.Errorf("modbus: function code '%v' is not a register read", functionCode)
	}
	if quantity < 1 || quantity > MaxReadQuantity {
		return fmt.Errorf("modbus: quantity '%v' must be between '%v' and '%v'", quantity, 1, MaxReadQuantity)
	}
	return nil
}

// Exception is returned by clients when a slave answers with an exception frame.
type Exception struct {
	FunctionCode  byte
	ExceptionCode byte
}

func (e *Exception) Error() string {
	var name string
	switch e.ExceptionCode {
	case ExceptionCodeIllegalFunction:
		name = "illegal function"
	case ExceptionCodeIllegalDataAddress:
		name = "illegal data address"
	case ExceptionCodeIllegalDataValue:
		name = "illegal data value"
	case ExceptionCodeServerDeviceFailure:
		name = "server device failure"
	default:
		name = "unknown"
	}
	return fmt.Sprintf("modbus: exception '%v' (%s), function '%v'", e.ExceptionCode, name, e.FunctionCode&^FuncCodeException)
}
