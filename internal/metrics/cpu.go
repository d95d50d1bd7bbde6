// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
)

const defaultCPUWindow = 200 * time.Millisecond

// CPUSampler measures aggregate CPU usage over a short window.
type CPUSampler struct {
	ProcRoot string // empty means the host's /proc
	Window   time.Duration
}

// Sample blocks for the sampling window. Cancelling ctx aborts the measurement.
func (s *CPUSampler) Sample(ctx context.Context) (float64, error) {
	window := s.Window
	if window <= 0 {
		window = defaultCPUWindow
	}
	percents, err := cpu.PercentWithContext(withProcRoot(ctx, s.ProcRoot), window, false)
	if err != nil {
		return 0, fmt.Errorf("cpu percent: %w", err)
	}
	if len(percents) == 0 {
		return 0, errors.New("cpu percent: no aggregate figure")
	}
	return percents[0], nil
}
