// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package crc

const polynomial = 0xA001

// CRC is a Modbus CRC-16 accumulator (reflected polynomial 0xA001, init 0xFFFF).
type CRC struct {
	value uint16
}

func (crc *CRC) Reset() *CRC {
	crc.value = 0xFFFF
	return crc
}

func (crc *CRC) PushByte(b byte) *CRC {
	crc.value ^= uint16(b)
	for i := 0; i < 8; i++ {
		if crc.value&0x0001 != 0 {
			crc.value = crc.value>>1 ^ polynomial
		} else {
			crc.value >>= 1
		}
	}
	return crc
}

func (crc *CRC) PushBytes(bs []byte) *CRC {
	for _, b := range bs {
		crc.PushByte(b)
	}
	return crc
}

// Value returns the checksum. On the wire the low byte is sent first.
func (crc *CRC) Value() uint16 {
	return crc.value
}

// Checksum computes the Modbus CRC-16 of data.
func Checksum(data []byte) uint16 {
	var crc CRC
	return crc.Reset().PushBytes(data).Value()
}
