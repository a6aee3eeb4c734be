package syncbridge

import (
	"time"

	"github.com/g960059/tabtime/internal/config"
)

// Health is the sync consumer as seen from the bridge.
type Health string

const (
	HealthOK       Health = "ok"
	HealthDegraded Health = "degraded"
	HealthDown     Health = "down"
)

// Outcome is what one delivery told us about the consumer.
type Outcome int

const (
	Delivered Outcome = iota
	// Rejected means the consumer answered and refused the batch. It is
	// reachable, so rejections never take it down.
	Rejected
	// Unreachable covers transport errors, timeouts, 429 and 5xx.
	Unreachable
)

type HealthState struct {
	Current Health
	// Failures counts Unreachable outcomes since WindowStart.
	Failures    int
	WindowStart time.Time
	// Deliveries counts deliveries since the last failure or rejection.
	Deliveries int
	// NextAttempt is when a down consumer may be tried again.
	NextAttempt time.Time
}

// Allows reports whether a batch may go out at now. A down consumer gets one
// batch per SyncDownWindow.
func (s HealthState) Allows(now time.Time) bool {
	return s.Current != HealthDown || !now.Before(s.NextAttempt)
}

// Recovering reports whether the next send only checks that a down consumer is
// back.
func (s HealthState) Recovering() bool {
	return s.Current == HealthDown
}

// Observe folds one outcome into s. SyncDownFailures unreachable outcomes
// inside SyncDownWindow take the consumer down. A successful trial send brings
// it back to degraded, and SyncRecoverSuccesses deliveries in a row to ok.
func (s HealthState) Observe(cfg config.Config, outcome Outcome, now time.Time) HealthState {
	if s.Current == "" {
		s.Current = HealthOK
	}
	switch outcome {
	case Delivered:
		s.Failures = 0
		s.Deliveries++
		switch s.Current {
		case HealthDown:
			s.Current = HealthDegraded
			s.NextAttempt = time.Time{}
		case HealthDegraded:
			if s.Deliveries >= cfg.SyncRecoverSuccesses {
				s.Current = HealthOK
			}
		}
	case Rejected:
		s.Failures = 0
		s.Deliveries = 0
		if s.Current == HealthOK {
			s.Current = HealthDegraded
		}
	case Unreachable:
		s.Deliveries = 0
		if s.Current == HealthDown {
			s.NextAttempt = now.Add(cfg.SyncDownWindow)
			return s
		}
		if s.Failures == 0 || now.Sub(s.WindowStart) > cfg.SyncDownWindow {
			s.Failures = 0
			s.WindowStart = now
		}
		s.Failures++
		s.Current = HealthDegraded
		if s.Failures >= cfg.SyncDownFailures {
			s.Current = HealthDown
			s.NextAttempt = now.Add(cfg.SyncDownWindow)
		}
	}
	return s
}
