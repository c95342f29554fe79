// File: relay/limit.go
// Author: momentics <momentics@gmail.com>
//
// Fair-share send queue limit. Every session may hold its share of the
// pool times a burst factor; the factor shrinks as the pool fills, and a
// client whose queue stays high is clamped below its fair share.

package relay

import (
	"math"
	"time"

	"github.com/momentics/hioload-relay/pool"
)

const (
	burstFactor          = 3.0
	burstFactorCongested = 1.5
	burstFactorDrain     = 1.0
	slowClampFactor      = 0.8

	highUtilization  = 0.85
	drainUtilization = 0.95

	ewmaAlpha          = 0.2
	slowFactor         = 1.5
	slowExitFactor     = 1.1
	slowLimitRatio     = 0.9
	slowExitLimitRatio = 0.75
	slowDebounce       = 3 * time.Second
)

type limitParams struct {
	bufferSize   int
	minBuffers   int
	lowWatermark int
}

// limiter tracks one session's queue depth and slow-client state.
type limiter struct {
	avg       float64
	slowSince time.Time
	slow      bool
	last      int
}

func capLimit(st pool.Stats, p limitParams, fair int, burst float64) int {
	limit := int(float64(fair) * burst)
	if st.MaxBuffers > 0 {
		global := st.MaxBuffers * p.bufferSize
		reserve := p.minBuffers * p.bufferSize
		if global > reserve {
			limit = min(limit, global-reserve)
		} else {
			limit = min(limit, global)
		}
	}
	return max(limit, 4*p.bufferSize)
}

// update folds the current queue depth into the average and returns the
// byte limit for the next enqueue.
func (l *limiter) update(st pool.Stats, p limitParams, active, queuedBuffers int, now time.Time) int {
	active = max(active, 1)
	total := st.TotalBuffers
	share := max(total/active, p.minBuffers)

	util := 0.0
	if st.MaxBuffers > 0 {
		util = float64(total-st.FreeBuffers) / float64(st.MaxBuffers)
	}
	burst := burstFactor
	if total >= st.MaxBuffers || util >= highUtilization {
		burst = burstFactorCongested
	}
	if st.FreeBuffers < p.lowWatermark/2 || util >= drainUtilization {
		burst = burstFactorDrain
	}

	fair := share * p.bufferSize
	queued := float64(queuedBuffers * p.bufferSize)
	if l.avg <= 0 {
		l.avg = queued
	} else {
		l.avg = (1-ewmaAlpha)*l.avg + ewmaAlpha*queued
	}

	bursted := float64(capLimit(st, p, fair, burst))
	enter := math.Min(float64(fair)*slowFactor, bursted*slowLimitRatio)
	exit := math.Min(float64(fair)*slowExitFactor, bursted*slowExitLimitRatio)
	if exit >= enter {
		exit = enter * slowExitLimitRatio
	}

	if l.avg > enter {
		if l.slowSince.IsZero() {
			l.slowSince = now
		} else if !l.slow && now.Sub(l.slowSince) >= slowDebounce {
			l.slow = true
		}
	} else {
		l.slowSince = time.Time{}
	}
	if l.slow && l.avg < exit {
		l.slow = false
		l.slowSince = time.Time{}
	}
	if l.slow && burst > slowClampFactor {
		burst = slowClampFactor
	}
	l.last = capLimit(st, p, fair, burst)
	return l.last
}
