package net

import (
	"context"
	"net"
	"strconv"
	"time"
)

// Discoverer produces candidate peer addresses. Run sends host:port addresses
// on out until ctx is done. self is the advertised address of the local node;
// a Discoverer may publish it, and need not filter it out.
type Discoverer interface {
	Run(ctx context.Context, self string, out chan<- string) error
}

// announce sends addr on out unless ctx is done first.
func announce(ctx context.Context, out chan<- string, addr string) bool {
	select {
	case out <- addr:
		return true
	case <-ctx.Done():
		return false
	}
}

// every calls f immediately, then on every tick of interval, until ctx is done
// or f returns false. A non-positive interval runs f once.
func every(ctx context.Context, interval time.Duration, f func() bool) {
	if !f() {
		return
	}

	if interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !f() {
				return
			}
		}
	}
}

// StaticDiscoverer announces a fixed list of seed addresses, and announces
// them again every Interval so lost peers are reconnected.
type StaticDiscoverer struct {
	Addrs    []string
	Interval time.Duration
}

// Run implements the Discoverer interface.
func (s *StaticDiscoverer) Run(ctx context.Context, self string, out chan<- string) error {
	every(ctx, s.Interval, func() bool {
		for _, addr := range s.Addrs {
			if !announce(ctx, out, addr) {
				return false
			}
		}
		return true
	})
	return nil
}

// ScanDiscoverer announces every port of Ports on every host of Hosts, every
// Interval.
type ScanDiscoverer struct {
	Hosts    []string
	Ports    PortRange
	Interval time.Duration
}

// Run implements the Discoverer interface.
func (s *ScanDiscoverer) Run(ctx context.Context, self string, out chan<- string) error {
	if !s.Ports.Valid() {
		return errBadPortRange
	}

	every(ctx, s.Interval, func() bool {
		for _, host := range s.Hosts {
			for port := s.Ports.Min; port <= s.Ports.Max; port++ {
				addr := net.JoinHostPort(host, strconv.Itoa(port))
				if addr == self {
					continue
				}
				if !announce(ctx, out, addr) {
					return false
				}
			}
		}
		return true
	})
	return nil
}
