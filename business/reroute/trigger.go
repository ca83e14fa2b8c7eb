// Package reroute implements the live re-routing path: the rule-based
// trigger evaluated on every GPS fix, the worker that re-runs the
// optimization pipeline, and the queue that serializes work per driver.
package reroute

import (
	"time"

	"github.com/caretransit/routeopt/business/data/driverstate"
)

// Reasons carried on route_updated events. They match the session contract.
const (
	ReasonTrafficDelay = "traffic_delay"
	ReasonStopModified = "stop_modified"
)

// TriggerConfig holds the re-routing thresholds.
type TriggerConfig struct {
	// DelayThresholdMinutes triggers when the schedule delay is strictly
	// greater.
	DelayThresholdMinutes float64
	// TrafficIncreaseRatio triggers when the remaining duration is
	// strictly greater than baseline times this ratio.
	TrafficIncreaseRatio float64
	// MinRerouteInterval is the cooldown between successful re-routes.
	MinRerouteInterval time.Duration
}

// DefaultTriggerConfig returns the production thresholds.
func DefaultTriggerConfig() TriggerConfig {
	return TriggerConfig{
		DelayThresholdMinutes: 5,
		TrafficIncreaseRatio:  1.20,
		MinRerouteInterval:    300 * time.Second,
	}
}

// ShouldReroute decides whether the driver's route should be re-optimized.
// It is a pure function of the state snapshot and now.
//
// The cooldown is evaluated first and suppresses every other rule; it is
// the anti-thrash policy that keeps a driver from being re-routed in rapid
// succession. The delay and traffic rules use strict comparisons, and the
// traffic rule is skipped entirely when the baseline is zero.
func ShouldReroute(state *driverstate.DriverState, now time.Time, cfg TriggerConfig) (bool, string) {
	if state.LastRerouteUnix != nil {
		sinceSeconds := float64(now.UnixNano())/1e9 - *state.LastRerouteUnix
		if sinceSeconds < cfg.MinRerouteInterval.Seconds() {
			return false, ""
		}
	}

	if state.ScheduleDelayMinutes > cfg.DelayThresholdMinutes {
		return true, ReasonTrafficDelay
	}

	if state.OriginalRemainingDuration > 0 &&
		state.RemainingDuration > state.OriginalRemainingDuration*cfg.TrafficIncreaseRatio {
		return true, ReasonTrafficDelay
	}

	if state.StopsChanged {
		return true, ReasonStopModified
	}

	return false, ""
}
