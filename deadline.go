package upnp

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// deadline is the time budget of one top-level call. It is computed once and
// shared by every sub-operation, so a slow step leaves less time for the
// steps after it.
type deadline struct {
	clk clock.Clock
	at  time.Time
}

// newDeadline starts a budget on clk. An earlier context deadline wins.
func newDeadline(ctx context.Context, clk clock.Clock, budget time.Duration) deadline {
	now := clk.Now()
	at := now.Add(budget)
	if ctxAt, ok := ctx.Deadline(); ok {
		if left := time.Until(ctxAt); now.Add(left).Before(at) {
			at = now.Add(left)
		}
	}
	return deadline{clk: clk, at: at}
}

func (d deadline) remaining() time.Duration {
	return d.at.Sub(d.clk.Now())
}

func (d deadline) expired() bool {
	return d.remaining() <= 0
}

// capped returns a deadline at most limit from now and never later than d.
func (d deadline) capped(limit time.Duration) deadline {
	if limit <= 0 {
		return d
	}
	if at := d.clk.Now().Add(limit); at.Before(d.at) {
		return deadline{clk: d.clk, at: at}
	}
	return d
}

// wall converts the deadline to wall-clock time for socket deadlines.
func (d deadline) wall() time.Time {
	return time.Now().Add(d.remaining())
}

// retry calls attempt until it reports success, sleeping interval between
// attempts. It gives up when the deadline passes or ctx is done.
func (d deadline) retry(ctx context.Context, interval time.Duration, attempt func() bool) bool {
	for {
		if ctx.Err() != nil || d.expired() {
			return false
		}
		if attempt() {
			return true
		}
		wait := d.remaining()
		if wait <= 0 {
			return false
		}
		if interval < wait {
			wait = interval
		}
		d.clk.Sleep(wait)
	}
}
