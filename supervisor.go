package upnp

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// committer is what the supervisor drives.
type committer interface {
	commit(ctx context.Context) Status
	Invalidate()
}

// supervisor rate-limits commits and escalates sustained failure.
type supervisor struct {
	target    committer
	clk       clock.Clock
	threshold int
	log       zerolog.Logger
	metrics   *Metrics

	lastRun time.Time
	fails   int
}

func newSupervisor(target committer, clk clock.Clock, threshold int, log zerolog.Logger, m *Metrics) *supervisor {
	return &supervisor{
		target:    target,
		clk:       clk,
		threshold: threshold,
		log:       log,
		metrics:   m,
		lastRun:   clk.Now(),
	}
}

// tick commits when interval has passed since the last run. After threshold
// consecutive failures it forgets the gateway and calls fallback instead.
func (s *supervisor) tick(ctx context.Context, interval time.Duration, fallback func()) Status {
	if s.clk.Since(s.lastRun) < interval {
		return StatusNoOp
	}

	if s.fails >= s.threshold {
		s.log.Warn().Int("failures", s.fails).Msg("upnp: too many failed updates, forcing rediscovery")
		s.fails = 0
		s.metrics.setFailures(0)
		s.metrics.fallback()
		s.target.Invalidate()
		if fallback != nil {
			fallback()
		}
		return StatusTimeout
	}

	status := s.target.commit(ctx)
	if status.OK() {
		s.lastRun = s.clk.Now()
		s.fails = 0
	} else {
		// retry at half the usual cadence
		s.lastRun = s.lastRun.Add(interval / 2)
		s.fails++
		s.log.Debug().Int("failures", s.fails).Stringer("status", status).Msg("upnp: update failed")
	}
	s.metrics.setFailures(s.fails)
	return status
}
