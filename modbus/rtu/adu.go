// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"encoding/binary"
	"fmt"

	"github.com/ffutop/modbus-sysmon/modbus"
	"github.com/ffutop/modbus-sysmon/modbus/crc"
)

type ApplicationDataUnit struct {
	SlaveID byte
	Pdu     modbus.ProtocolDataUnit
}

// Decode checks the trailing CRC of raw and splits it into slave id and PDU.
func Decode(raw []byte) (adu *ApplicationDataUnit, err error) {
	length := len(raw)
	// Minimum size (including address, function and CRC)
	if length < MinSize {
		err = fmt.Errorf("modbus: request length '%v' does not meet minimum '%v'", length, MinSize)
		return
	}

	checksum := uint16(raw[length-1])<<8 | uint16(raw[length-2])
	if expected := crc.Checksum(raw[0 : length-2]); checksum != expected {
		err = fmt.Errorf("modbus: response crc '%v' does not match expected '%v'", checksum, expected)
		return
	}
	adu = &ApplicationDataUnit{}
	adu.SlaveID = raw[0]
	adu.Pdu.FunctionCode = raw[1]
	adu.Pdu.Data = raw[2 : length-2]
	return
}

// Encode encodes PDU in an RTU frame:
//
//	Slave Address   : 1 byte
//	Function        : 1 byte
//	Data            : 0 up to 252 bytes
//	CRC             : 2 bytes
func (adu *ApplicationDataUnit) Encode() (raw []byte, err error) {
	length := len(adu.Pdu.Data) + 4
	if length > MaxSize {
		err = fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", length, MaxSize)
		return
	}
	raw = make([]byte, length)

	raw[0] = adu.SlaveID
	raw[1] = adu.Pdu.FunctionCode
	copy(raw[2:], adu.Pdu.Data)

	// Append crc, low byte first
	checksum := crc.Checksum(raw[0 : length-2])
	raw[length-1] = byte(checksum >> 8)
	raw[length-2] = byte(checksum)
	return
}

// Verify verifies response length and slave id.
func (req *ApplicationDataUnit) Verify(resp *ApplicationDataUnit) (err error) {
	length := len(resp.Pdu.Data) + 4
	// Minimum size (including address, function and CRC)
	if length < MinSize {
		err = fmt.Errorf("modbus: response length '%v' does not meet minimum '%v'", length, MinSize)
		return
	}
	// Slave address must match
	if req.SlaveID != resp.SlaveID {
		err = fmt.Errorf("modbus: response slave id '%v' does not match request '%v'", resp.SlaveID, req.SlaveID)
		return
	}
	return
}

// DecodeRequest parses the header of a CRC-checked request frame.
// Address and quantity are big-endian.
func DecodeRequest(f Frame) modbus.Request {
	return modbus.Request{
		SlaveID:      f[0],
		FunctionCode: f[1],
		Address:      binary.BigEndian.Uint16(f[2:4]),
		Quantity:     binary.BigEndian.Uint16(f[4:6]),
	}
}

// EncodeRequest builds a read registers request frame.
func EncodeRequest(req modbus.Request) ([]byte, error) {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], req.Address)
	binary.BigEndian.PutUint16(data[2:4], req.Quantity)

	adu := &ApplicationDataUnit{
		SlaveID: req.SlaveID,
		Pdu:     modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: data},
	}
	return adu.Encode()
}

// EncodeReadResponse builds a register read response:
// [SlaveID][Func][ByteCount][Value0Hi][Value0Lo]...[CRCLo][CRCHi]
// Register values are big-endian, the CRC is not.
func EncodeReadResponse(slaveID, functionCode byte, values []uint16) ([]byte, error) {
	pdu, err := modbus.NewReadResponse(functionCode, values)
	if err != nil {
		return nil, err
	}
	adu := &ApplicationDataUnit{SlaveID: slaveID, Pdu: pdu}
	return adu.Encode()
}

// EncodeException builds an exception response: [SlaveID][Func|0x80][Code][CRCLo][CRCHi]
func EncodeException(slaveID, functionCode, exceptionCode byte) ([]byte, error) {
	adu := &ApplicationDataUnit{SlaveID: slaveID, Pdu: modbus.NewException(functionCode, exceptionCode)}
	return adu.Encode()
}
