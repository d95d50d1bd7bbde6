// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package slave

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ffutop/modbus-sysmon/modbus/rtu"
)

// OpError wraps a transport failure during a session.
type OpError struct {
	Op  string // "read" or "write"
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("session %s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Session serves one byte stream. It owns its frame buffer and must not be
// used from more than one goroutine.
type Session struct {
	slave *Slave
	rw    io.ReadWriter
	asm   rtu.Assembler
	buf   []byte
}

// NewSession creates a session answering requests read from rw.
func (s *Slave) NewSession(rw io.ReadWriter) *Session {
	return &Session{
		slave: s,
		rw:    rw,
		buf:   make([]byte, rtu.MaxSize),
	}
}

// Step reads once from the stream and answers every request that became complete.
// It returns io.EOF when the peer closed the stream.
func (ss *Session) Step(ctx context.Context) error {
	// Never read more than the assembler can hold.
	n, err := ss.rw.Read(ss.buf[:ss.asm.Free()])
	if n > 0 {
		slog.Debug("Received", "bytes", n, "data", hex.EncodeToString(ss.buf[:n]))
		if ferr := ss.asm.Feed(ss.buf[:n]); ferr != nil {
			return ferr
		}
		if werr := ss.dispatch(ctx); werr != nil {
			return werr
		}
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return &OpError{Op: "read", Err: err}
	}
	return nil
}

// Run serves the stream until the peer closes it or an error occurs.
// A clean end of stream returns nil.
func (ss *Session) Run(ctx context.Context) error {
	for {
		if err := ss.Step(ctx); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Reset drops a partially received request. Serial links call it when the line
// goes silent, since a gap ends any frame in progress.
func (ss *Session) Reset() {
	ss.asm.Reset()
}

// Discarded returns the number of noise bytes dropped so far.
func (ss *Session) Discarded() uint64 {
	return ss.asm.Discarded()
}

func (ss *Session) dispatch(ctx context.Context) error {
	before := ss.asm.Discarded()
	defer func() {
		if dropped := ss.asm.Discarded() - before; dropped > 0 {
			slog.Debug("Discarded bytes while resynchronizing", "bytes", dropped)
		}
	}()

	for frame := range ss.asm.Frames() {
		resp, err := ss.slave.Handle(ctx, frame)
		if err != nil {
			slog.Error("Failed to handle request", "err", err)
			continue
		}
		if resp == nil {
			continue
		}
		if _, err := ss.rw.Write(resp); err != nil {
			return &OpError{Op: "write", Err: err}
		}
	}
	return nil
}
