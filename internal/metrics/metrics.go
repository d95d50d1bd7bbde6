// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package metrics exposes host usage figures as Modbus registers.
package metrics

import (
	"context"
	"log/slog"
	"math"

	"github.com/shirou/gopsutil/v4/common"

	"github.com/ffutop/modbus-sysmon/internal/config"
)

// Register addresses
const (
	RegisterCPU  = 0x04
	RegisterRAM  = 0x06
	RegisterDisk = 0x08
)

// Sentinel is returned for addresses that map to no metric.
const Sentinel = 0xFFFF

// Sampler reports a usage percentage in the range [0, 100].
type Sampler interface {
	Sample(ctx context.Context) (float64, error)
}

// RegisterMap resolves register addresses to scaled metric values.
// It holds no mutable state and may be shared between sessions.
type RegisterMap struct {
	Samplers map[uint16]Sampler
	Sentinel uint16
}

// NewRegisterMap creates the register map for the local host.
func NewRegisterMap(cfg config.MetricsConfig) *RegisterMap {
	return &RegisterMap{
		Samplers: map[uint16]Sampler{
			RegisterCPU:  &CPUSampler{ProcRoot: cfg.ProcRoot, Window: cfg.CPUWindow},
			RegisterRAM:  &MemorySampler{ProcRoot: cfg.ProcRoot},
			RegisterDisk: &DiskSampler{Path: cfg.DiskPath},
		},
		Sentinel: cfg.Sentinel,
	}
}

// ReadRegister returns the metric at address scaled by 100 (45.5% reads as 4550).
// A failing sampler reads as 0.
func (m *RegisterMap) ReadRegister(ctx context.Context, address uint16) uint16 {
	sampler, ok := m.Samplers[address]
	if !ok {
		return m.Sentinel
	}
	percent, err := sampler.Sample(ctx)
	if err != nil {
		slog.Warn("Failed to sample metric", "register", address, "err", err)
		return 0
	}
	return Scale(percent)
}

// Scale converts a percentage to a register value, truncating below 0.01%.
func Scale(percent float64) uint16 {
	switch {
	case percent <= 0 || math.IsNaN(percent):
		return 0
	case percent >= 100:
		return 10000
	}
	return uint16(percent * 100)
}

// withProcRoot points gopsutil's procfs lookups at root.
func withProcRoot(ctx context.Context, root string) context.Context {
	if root == "" {
		return ctx
	}
	return context.WithValue(ctx, common.EnvKey, common.EnvMap{common.HostProcEnvKey: root})
}
