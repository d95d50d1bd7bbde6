// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ffutop/modbus-sysmon/modbus"
)

var ErrRequestTimedOut = errors.New("modbus: request timed out")

const (
	stateSlaveID = 1 << iota
	stateFunctionCode
	stateReadLength
	stateReadPayload
)

type InvalidLengthError struct {
	Length byte
}

func (e *InvalidLengthError) Error() string {
	return fmt.Sprintf("invalid length received: %d", e.Length)
}

// ResponseLength returns the size of a successful response to a read of quantity registers.
func ResponseLength(quantity uint16) int {
	return MinSize + 1 + 2*int(quantity)
}

// ReadResponse reads the answer to a read of quantity registers incrementally from the reader.
// It uses a state machine to detect the frame based on the expected SlaveID and FunctionCode;
// bytes that cannot start that frame are skipped. The frame is returned once
// ResponseLength(quantity) bytes, or ExceptionSize bytes for an exception, are in.
func ReadResponse(slaveID, functionCode byte, quantity uint16, r io.Reader, deadline time.Time) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("reader is nil")
	}
	if err := modbus.CheckReadRequest(functionCode, quantity); err != nil {
		return nil, err
	}

	buf := make([]byte, 1)
	data := make([]byte, ResponseLength(quantity))

	state := stateSlaveID
	var n, size int

	for {
		if time.Now().After(deadline) {
			return nil, ErrRequestTimedOut
		}

		if _, err := io.ReadAtLeast(r, buf, 1); err != nil {
			return nil, err
		}

		switch state {
		case stateSlaveID:
			if buf[0] != slaveID {
				continue
			}
			state = stateFunctionCode
		case stateFunctionCode:
			switch buf[0] {
			case functionCode:
				state, size = stateReadLength, len(data)
			case functionCode | modbus.FuncCodeException:
				state, size = stateReadPayload, ExceptionSize
			default:
				// not our frame after all, the byte may still be a slave id
				if buf[0] != slaveID {
					state, n = stateSlaveID, 0
				}
				continue
			}
		case stateReadLength:
			if int(buf[0]) != 2*int(quantity) {
				return nil, &InvalidLengthError{Length: buf[0]}
			}
			state = stateReadPayload
		}

		data[n] = buf[0]
		n++
		if n == size {
			return data[:n], nil
		}
	}
}
