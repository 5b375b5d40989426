// Package proxy leases egress endpoints to accounts under per-endpoint caps.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/dongshu2013/the-sniper/internal/metrics"
	"github.com/dongshu2013/the-sniper/internal/sniper"
)

// ErrExhausted is returned when no endpoint has spare capacity.
var ErrExhausted = errors.New("no proxy endpoint with spare capacity")

// Assignments exposes the live view of endpoint usage. The authoritative
// lease count is always "how many running accounts reference this endpoint",
// so a crashed process can never leak a lease permanently.
type Assignments interface {
	CountByEndpoint(ctx context.Context) (map[string]int, error)
}

// Config controls Allocator behavior.
type Config struct {
	MaxClientsPerEndpoint int
	// ExpiryGrace is how close to expiry an endpoint may be and still be
	// newly assigned.
	ExpiryGrace time.Duration
}

// Allocator hands out proxy endpoints, spreading load by ascending lease
// count (first-fit, not random).
type Allocator struct {
	endpoints   []sniper.Endpoint
	assignments Assignments
	clock       sniper.Clock
	cfg         Config
	logger      *zap.Logger
}

// New constructs an Allocator over a static endpoint set.
func New(endpoints []sniper.Endpoint, assignments Assignments, clock sniper.Clock, cfg Config, logger *zap.Logger) *Allocator {
	if cfg.MaxClientsPerEndpoint <= 0 {
		cfg.MaxClientsPerEndpoint = 10
	}
	return &Allocator{
		endpoints:   endpoints,
		assignments: assignments,
		clock:       clock,
		cfg:         cfg,
		logger:      logger,
	}
}

// Lease returns up to count endpoints of the requested type with spare
// capacity, least-loaded first. Region narrows the candidate set when
// non-empty. Returns ErrExhausted if fewer than count candidates exist.
func (a *Allocator) Lease(ctx context.Context, typ sniper.EndpointType, region string, count int) ([]sniper.Endpoint, error) {
	if count <= 0 {
		return nil, fmt.Errorf("count must be > 0")
	}
	usage, err := a.assignments.CountByEndpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("load endpoint usage: %w", err)
	}

	cutoff := a.clock.Now().Add(a.cfg.ExpiryGrace)
	type candidate struct {
		ep    sniper.Endpoint
		inUse int
	}
	var candidates []candidate
	for _, ep := range a.endpoints {
		if ep.Type != typ {
			continue
		}
		if region != "" && ep.Region != region {
			continue
		}
		if !ep.Expiry.After(cutoff) {
			continue
		}
		inUse := usage[ep.Addr()]
		metrics.SetProxyLease(ep.Addr(), inUse)
		if inUse >= a.cfg.MaxClientsPerEndpoint {
			continue
		}
		candidates = append(candidates, candidate{ep: ep, inUse: inUse})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].inUse < candidates[j].inUse
	})

	if len(candidates) < count {
		a.logger.Warn("proxy capacity exhausted",
			zap.String("type", string(typ)),
			zap.Int("requested", count),
			zap.Int("available", len(candidates)),
		)
		return nil, ErrExhausted
	}

	out := make([]sniper.Endpoint, 0, count)
	for _, c := range candidates[:count] {
		out = append(out, c.ep)
	}
	return out, nil
}
