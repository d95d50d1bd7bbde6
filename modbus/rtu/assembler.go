// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"errors"
	"iter"

	"github.com/ffutop/modbus-sysmon/modbus"
	"github.com/ffutop/modbus-sysmon/modbus/crc"
)

// ErrBufferOverflow is returned by Feed when the pending bytes would exceed MaxSize.
// The stream can no longer be trusted and the connection should be dropped.
var ErrBufferOverflow = errors.New("modbus: rtu frame buffer overflow")

// Frame is a CRC-checked read registers request.
type Frame [RequestSize]byte

// Assembler recovers request frames from a byte stream that carries no frame
// delimiters, as is the case for RTU over TCP.
//
// Pending bytes live in a fixed window buf[start:end]. Bytes that cannot begin a
// valid frame are dropped one at a time by advancing start, so a single stray byte
// never costs the frame that follows it.
//
// An Assembler is not safe for concurrent use.
type Assembler struct {
	buf        [MaxSize]byte
	start, end int

	discarded uint64
}

// Len returns the number of pending bytes.
func (a *Assembler) Len() int {
	return a.end - a.start
}

// Free returns how many bytes Feed can accept without overflowing.
func (a *Assembler) Free() int {
	return MaxSize - a.Len()
}

// Discarded returns the number of bytes dropped while resynchronizing.
func (a *Assembler) Discarded() uint64 {
	return a.discarded
}

// Reset drops all pending bytes.
func (a *Assembler) Reset() {
	a.start, a.end = 0, 0
}

// Feed appends p to the pending bytes. Nothing is appended on overflow.
func (a *Assembler) Feed(p []byte) error {
	if len(p) > a.Free() {
		return ErrBufferOverflow
	}
	if a.end+len(p) > MaxSize {
		a.end = copy(a.buf[:], a.buf[a.start:a.end])
		a.start = 0
	}
	a.end += copy(a.buf[a.end:], p)
	return nil
}

// Next extracts the next valid frame. It returns false once fewer than
// RequestSize bytes are pending; more input is needed to continue.
func (a *Assembler) Next() (Frame, bool) {
	for a.Len() >= RequestSize {
		window := a.buf[a.start : a.start+RequestSize]

		if !modbus.IsReadFunction(window[1]) {
			a.discard()
			continue
		}

		received := uint16(window[7])<<8 | uint16(window[6])
		if crc.Checksum(window[:6]) != received {
			a.discard()
			continue
		}

		var f Frame
		copy(f[:], window)
		a.start += RequestSize
		if a.start == a.end {
			a.start, a.end = 0, 0
		}
		return f, true
	}
	return Frame{}, false
}

// Frames returns a sequence over the frames currently extractable.
func (a *Assembler) Frames() iter.Seq[Frame] {
	return func(yield func(Frame) bool) {
		for {
			f, ok := a.Next()
			if !ok || !yield(f) {
				return
			}
		}
	}
}

func (a *Assembler) discard() {
	a.start++
	a.discarded++
}
