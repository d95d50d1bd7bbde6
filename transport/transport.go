// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
	"io"

	"github.com/ffutop/modbus-sysmon/internal/slave"
	"github.com/ffutop/modbus-sysmon/modbus"
)

// Handler serves one master byte stream. *slave.Slave implements it.
type Handler interface {
	NewSession(rw io.ReadWriter) *slave.Session
}

// PDUHandler answers requests whose framing the transport has already removed.
// *slave.Slave implements it. ok is false when nothing must be sent.
type PDUHandler interface {
	HandlePDU(ctx context.Context, unitID byte, pdu modbus.ProtocolDataUnit) (resp modbus.ProtocolDataUnit, ok bool)
}

// Upstream represents a link to a Modbus Master.
// It acts as a Server and answers every request arriving on the link.
type Upstream interface {
	// Start serves the link until ctx is cancelled or a fatal error occurs.
	Start(ctx context.Context) error
	Close() error
}
