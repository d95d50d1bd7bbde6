// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"fmt"
	"io"

	"github.com/grid-x/serial"

	"github.com/ffutop/modbus-sysmon/internal/config"
)

// portOpener opens the serial device. Tests replace it with an in-memory port.
type portOpener func(c *serial.Config) (io.ReadWriteCloser, error)

func openSerial(c *serial.Config) (io.ReadWriteCloser, error) {
	port, err := serial.Open(c)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", c.Address, err)
	}
	return port, nil
}

// serialConfig maps the line settings, RS485 included, onto the driver config.
func serialConfig(cfg config.SerialConfig) *serial.Config {
	c := &serial.Config{
		Address:  cfg.Device,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		// The read timeout doubles as the inter-frame gap detector.
		Timeout: cfg.Timeout,
	}
	if cfg.RS485 {
		c.RS485 = serial.RS485Config{
			Enabled:            true,
			DelayRtsBeforeSend: cfg.DelayRtsBeforeSend,
			DelayRtsAfterSend:  cfg.DelayRtsAfterSend,
			RtsHighDuringSend:  cfg.RtsHighDuringSend,
			RtsHighAfterSend:   cfg.RtsHighAfterSend,
			RxDuringTx:         cfg.RxDuringTx,
		}
	}
	return c
}
