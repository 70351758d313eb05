// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; version 2.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package port

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
)

// DefaultMaxAttempts number of ports requested from
// the source before allocation is considered failed.
const DefaultMaxAttempts = 64

// ErrPortExhaustion no even port found within the attempt bound.
var ErrPortExhaustion = errors.New("port exhaustion")

// Source yields an available UDP port. The port may be odd or even.
type Source interface {
	NextPort() (int, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func() (int, error)

// NextPort calls f.
func (f SourceFunc) NextPort() (int, error) {
	return f()
}

// UDPSource asks the operating system for an ephemeral port
// by binding to port zero and closing the socket again.
type UDPSource struct {
	Host string
}

// NextPort implements Source.
func (s UDPSource) NextPort() (int, error) {
	conn, err := net.ListenPacket("udp", net.JoinHostPort(s.Host, "0"))
	if err != nil {
		return 0, fmt.Errorf("listen: %w", err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return 0, fmt.Errorf("unexpected address type: %T", conn.LocalAddr()) //nolint:goerr113
	}
	return addr.Port, nil
}

// Allocator hands out even RTP ports. The companion RTCP
// port is port+1 and is never reserved separately.
type Allocator struct {
	source      Source
	MaxAttempts int

	mu sync.Mutex
}

// NewAllocator returns allocator using source.
func NewAllocator(source Source) *Allocator {
	return &Allocator{
		source:      source,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// AllocateEvenPort requests ports from the source until an even one is returned.
func (a *Allocator) AllocateEvenPort(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	attempts := a.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		port, err := a.source.NextPort()
		if err != nil {
			lastErr = err
			continue
		}
		if port > 0 && port%2 == 0 {
			return port, nil
		}
	}

	if lastErr != nil {
		return 0, fmt.Errorf("%w: %d attempts: %v", ErrPortExhaustion, attempts, lastErr)
	}
	return 0, fmt.Errorf("%w: no even port in %d attempts", ErrPortExhaustion, attempts)
}

// RTCPPort returns the RTCP companion of an RTP port.
func RTCPPort(rtp int) int {
	return rtp + 1
}
