// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package metrics

import (
	"context"
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v4/mem"
)

// MemorySampler reports RAM usage as 1 - MemAvailable/MemTotal.
type MemorySampler struct {
	ProcRoot string
}

func (s *MemorySampler) Sample(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(withProcRoot(ctx, s.ProcRoot))
	if err != nil {
		return 0, fmt.Errorf("virtual memory: %w", err)
	}
	if vm.Total == 0 {
		return 0, errors.New("virtual memory: total is zero")
	}
	return 100 * (1 - float64(vm.Available)/float64(vm.Total)), nil
}
