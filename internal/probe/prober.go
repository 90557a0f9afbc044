package probe

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/zrolabs/zrocontrol/internal/ecp"
	"github.com/zrolabs/zrocontrol/internal/metrics"
)

// Classification is the outcome of a liveness probe.
type Classification int

const (
	// Reachable means the device answered its info query.
	Reachable Classification = iota
	// Unreachable means the device answered but with an unusable reply.
	Unreachable
	// CheckFailed means the probe itself failed (timeout, connection
	// refused). Treated like Unreachable for gating, but distinguished
	// in logs.
	CheckFailed
)

func (c Classification) String() string {
	switch c {
	case Reachable:
		return "reachable"
	case Unreachable:
		return "unreachable"
	case CheckFailed:
		return "check_failed"
	default:
		return "unknown"
	}
}

// Result carries the classification plus device info when the probe
// succeeded, so callers can refresh cached display fields for free.
type Result struct {
	Classification Classification
	Info           *ecp.DeviceInfo
	Err            error
}

// OK reports whether the device should be treated as live for gating.
func (r Result) OK() bool { return r.Classification == Reachable }

// Prober performs synchronous, short-timeout liveness checks against a
// device's info endpoint.
type Prober struct {
	pool   *ecp.Pool
	logger zerolog.Logger
}

// New creates a prober backed by the fast tier of the client pool.
func New(pool *ecp.Pool, logger zerolog.Logger) *Prober {
	return &Prober{
		pool:   pool,
		logger: logger.With().Str("component", "prober").Logger(),
	}
}

// Check probes the device at the given address. It never blocks longer
// than the pool's fast-tier timeout.
func (p *Prober) Check(ctx context.Context, address string) Result {
	client, err := p.pool.GetFast(address)
	if err != nil {
		metrics.ProbesTotal.WithLabelValues(CheckFailed.String()).Inc()
		return Result{Classification: CheckFailed, Err: err}
	}

	info, err := client.DeviceInfo(ctx)
	switch {
	case err == nil:
		metrics.ProbesTotal.WithLabelValues(Reachable.String()).Inc()
		return Result{Classification: Reachable, Info: info}
	case isMalformed(err):
		// The device is up but speaking something we don't understand.
		metrics.ProbesTotal.WithLabelValues(Unreachable.String()).Inc()
		p.logger.Debug().Str("device", address).Err(err).Msg("Probe got malformed reply")
		return Result{Classification: Unreachable, Err: err}
	default:
		metrics.ProbesTotal.WithLabelValues(CheckFailed.String()).Inc()
		p.logger.Debug().Str("device", address).Err(err).Msg("Probe failed")
		return Result{Classification: CheckFailed, Err: err}
	}
}

func isMalformed(err error) bool {
	return errors.Is(err, ecp.ErrMalformedResponse)
}
