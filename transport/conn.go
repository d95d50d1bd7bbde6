// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
	"net"
	"time"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// IdleConn refreshes the read deadline before every read, so a peer that stays
// silent for Timeout gets its read failing with os.ErrDeadlineExceeded.
type IdleConn struct {
	net.Conn
	Timeout time.Duration // 0 disables
}

func (c *IdleConn) Read(p []byte) (int, error) {
	if c.Timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.Timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}

// AcceptBackoff spaces out retries after Accept failures such as EMFILE.
// The zero value is ready to use.
type AcceptBackoff struct {
	delay time.Duration
}

// Next returns the delay before the next Accept, doubling from 5ms up to 1s.
func (b *AcceptBackoff) Next() time.Duration {
	if b.delay == 0 {
		b.delay = minAcceptDelay
	} else {
		b.delay = min(2*b.delay, maxAcceptDelay)
	}
	return b.delay
}

// Wait sleeps for Next. It returns false if ctx is done first.
func (b *AcceptBackoff) Wait(ctx context.Context) bool {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Reset is called after a successful Accept.
func (b *AcceptBackoff) Reset() {
	b.delay = 0
}
