// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package device

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/ffutop/modbus-sysmon/internal/config"
	"github.com/ffutop/modbus-sysmon/internal/metrics"
	"github.com/ffutop/modbus-sysmon/internal/slave"
	"github.com/ffutop/modbus-sysmon/transport"
	"github.com/ffutop/modbus-sysmon/transport/rtu"
	rtuovertcp "github.com/ffutop/modbus-sysmon/transport/rtu-over-tcp"
	"github.com/ffutop/modbus-sysmon/transport/tcp"
)

// Device is the monitoring slave together with every link it is reachable on.
type Device struct {
	Slave     *slave.Slave
	Upstreams []transport.Upstream
}

// New builds the register map, the slave and its upstreams from cfg.
func New(cfg *config.Config) (*Device, error) {
	registers := metrics.NewRegisterMap(cfg.Metrics)
	s := slave.New(byte(cfg.Slave.ID), registers)

	upstreams, err := NewUpstreams(cfg.Upstreams, s)
	if err != nil {
		return nil, err
	}
	return &Device{Slave: s, Upstreams: upstreams}, nil
}

// NewUpstreams creates one upstream per configuration entry.
func NewUpstreams(cfgs []config.UpstreamConfig, handler *slave.Slave) ([]transport.Upstream, error) {
	var upstreams []transport.Upstream
	for i, usCfg := range cfgs {
		var us transport.Upstream
		switch usCfg.Type {
		case config.TypeRTUOverTCP:
			us = rtuovertcp.NewServer(usCfg.Tcp.Address, usCfg.Tcp.IdleTimeout, handler)
		case config.TypeModbusTCP:
			us = tcp.NewServer(usCfg.Tcp.Address, usCfg.Tcp.IdleTimeout, handler)
		case config.TypeRTU:
			us = rtu.NewServer(usCfg.Serial, handler)
		default:
			return nil, fmt.Errorf("upstream %d: unknown type %q", i, usCfg.Type)
		}
		upstreams = append(upstreams, us)
	}
	if len(upstreams) == 0 {
		return nil, fmt.Errorf("no upstreams configured")
	}
	return upstreams, nil
}

// Start serves all upstreams until ctx is cancelled.
// The first upstream failing stops the others and its error is returned.
func (d *Device) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, us := range d.Upstreams {
		g.Go(func() error {
			slog.Info("Starting upstream", "index", i, "slaveID", d.Slave.ID)
			if err := us.Start(ctx); err != nil {
				return fmt.Errorf("upstream %d: %w", i, err)
			}
			return nil
		})
	}

	<-ctx.Done()

	// Graceful shutdown
	for _, us := range d.Upstreams {
		us.Close()
	}
	return g.Wait()
}
