// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ffutop/modbus-sysmon/modbus"
)

const (
	headerSize = 7 // MBAP header including the unit id
	tcpMinSize = 8
	tcpMaxSize = 260
)

// ApplicationDataUnit is a Modbus TCP frame:
//
//	Transaction ID : 2 bytes
//	Protocol ID    : 2 bytes, always 0
//	Length         : 2 bytes, unit id + PDU
//	Unit ID        : 1 byte
//	PDU            : function + data
type ApplicationDataUnit struct {
	TransactionID uint16
	ProtocolID    uint16
	SlaveID       byte
	Pdu           modbus.ProtocolDataUnit
}

// Decode splits a complete frame. The length field must match the frame size.
func Decode(raw []byte) (adu *ApplicationDataUnit, err error) {
	if len(raw) < tcpMinSize {
		err = fmt.Errorf("modbus: request length '%v' does not meet minimum '%v'", len(raw), tcpMinSize)
		return
	}
	if length := int(binary.BigEndian.Uint16(raw[4:6])); length != len(raw)-6 {
		err = fmt.Errorf("modbus: length in header '%v' does not match pdu data length '%v'", length, len(raw)-6)
		return
	}
	adu = &ApplicationDataUnit{}
	adu.TransactionID = binary.BigEndian.Uint16(raw[0:2])
	adu.ProtocolID = binary.BigEndian.Uint16(raw[2:4])
	adu.SlaveID = raw[6]
	adu.Pdu.FunctionCode = raw[7]
	adu.Pdu.Data = raw[8:]
	return
}

// Encode encodes the frame; the length field is derived from the PDU.
func (adu *ApplicationDataUnit) Encode() (raw []byte, err error) {
	length := len(adu.Pdu.Data) + tcpMinSize
	if length > tcpMaxSize {
		err = fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", length, tcpMaxSize)
		return
	}
	raw = make([]byte, length)

	binary.BigEndian.PutUint16(raw[0:2], adu.TransactionID)
	binary.BigEndian.PutUint16(raw[2:4], adu.ProtocolID)
	binary.BigEndian.PutUint16(raw[4:6], uint16(length-6))
	raw[6] = adu.SlaveID
	raw[7] = adu.Pdu.FunctionCode
	copy(raw[8:], adu.Pdu.Data)
	return
}

// Verify checks that resp answers req.
func (req *ApplicationDataUnit) Verify(resp *ApplicationDataUnit) (err error) {
	// Transaction ID must match
	if resp.TransactionID != req.TransactionID {
		err = fmt.Errorf("modbus: response transaction id '%v' does not match request '%v'", resp.TransactionID, req.TransactionID)
		return
	}
	if resp.ProtocolID != req.ProtocolID {
		err = fmt.Errorf("modbus: response protocol id '%v' does not match request '%v'", resp.ProtocolID, req.ProtocolID)
		return
	}
	if resp.SlaveID != req.SlaveID {
		err = fmt.Errorf("modbus: response unit id '%v' does not match request '%v'", resp.SlaveID, req.SlaveID)
		return
	}
	return
}

// ReadFrame reads one complete frame: the fixed header first, then as many bytes
// as its length field announces.
func ReadFrame(r io.Reader) ([]byte, error) {
	buf := make([]byte, tcpMaxSize)
	if _, err := io.ReadFull(r, buf[:headerSize]); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(buf[4:6]))
	// At least unit id and function code.
	if length < 2 || length > tcpMaxSize-6 {
		return nil, fmt.Errorf("modbus: length in header '%v' out of range", length)
	}
	if _, err := io.ReadFull(r, buf[headerSize:6+length]); err != nil {
		return nil, err
	}
	return buf[:6+length], nil
}
