// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package metrics

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/disk"
)

// DiskSampler reports usage of the filesystem holding Path, counting
// blocks reserved for root as used.
type DiskSampler struct {
	Path string
}

func (s *DiskSampler) Sample(ctx context.Context) (float64, error) {
	st, err := disk.UsageWithContext(ctx, s.Path)
	if err != nil {
		return 0, fmt.Errorf("disk usage %s: %w", s.Path, err)
	}
	if st.Total == 0 {
		return 0, fmt.Errorf("disk usage %s: filesystem reports no blocks", s.Path)
	}
	// Used counts all non-free blocks, Free only those available to users.
	return 100 * float64(st.Used) / float64(st.Total), nil
}
