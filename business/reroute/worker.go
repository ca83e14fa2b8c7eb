package reroute

import (
	"context"
	"encoding/json"
	logger "log"
	"time"

	"github.com/caretransit/routeopt/business/data/driverstate"
	"github.com/caretransit/routeopt/business/optimize"
)

// Defaults applied when rebuilding solver input from route entries, which
// carry no window or service fields of their own.
const (
	defaultEarliestPickup = "00:00"
	defaultLatestPickup   = "23:59"
	defaultServiceMinutes = 10
)

// GPSUpdate is the JSON task frame carried on the work queue.
type GPSUpdate struct {
	DriverID        string  `json:"driver_id"`
	Lat             float64 `json:"lat"`
	Lng             float64 `json:"lng"`
	Timestamp       string  `json:"timestamp"`
	CompletedStopID string  `json:"completed_stop_id,omitempty"`
}

// Result is what a worker invocation reports back to the queue runner. The
// worker never raises; failures come back as a reason string.
type Result struct {
	Rerouted bool   `json:"rerouted"`
	Reason   string `json:"reason"`
}

// RouteUpdate is the payload published on the driver's reroute channel and
// pushed over the session.
type RouteUpdate struct {
	Type                 string                   `json:"type"`
	Reason               string                   `json:"reason"`
	OptimizedStops       []optimize.OptimizedStop `json:"optimized_stops"`
	TotalDurationMinutes float64                  `json:"total_duration_minutes"`
	GoogleMapsURL        string                   `json:"google_maps_url"`
}

// RerouteChannel returns the driver's personal pub/sub channel name.
func RerouteChannel(driverID string) string {
	return "reroute:" + driverID
}

// Optimizer runs the optimization pipeline. *optimize.Pipeline satisfies it.
type Optimizer interface {
	Run(ctx context.Context, driverID string, driverLocation optimize.Location, stops []optimize.Stop, departure time.Time) (*optimize.OptimizeResponse, error)
}

// Publisher pushes a payload to a pub/sub channel. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Worker processes GPS task frames: it updates state, evaluates the
// trigger, re-runs the pipeline over the remaining stops and publishes the
// new route to the driver's channel.
type Worker struct {
	log       *logger.Logger
	store     *driverstate.Store
	optimizer Optimizer
	publisher Publisher
	trigger   TriggerConfig
}

// NewWorker creates a Worker.
func NewWorker(log *logger.Logger, store *driverstate.Store, optimizer Optimizer, publisher Publisher, trigger TriggerConfig) *Worker {
	return &Worker{
		log:       log,
		store:     store,
		optimizer: optimizer,
		publisher: publisher,
		trigger:   trigger,
	}
}

// ProcessGPSUpdate handles one GPS fix end to end. Invocations for the same
// driver must not interleave; the queue serializes them.
func (w *Worker) ProcessGPSUpdate(ctx context.Context, update GPSUpdate) Result {
	w.log.Printf("gps update: driver=%s lat=%.4f lng=%.4f", update.DriverID, update.Lat, update.Lng)

	w.store.UpdateGPS(ctx, update.DriverID, update.Lat, update.Lng, update.Timestamp)

	state := w.store.Get(ctx, update.DriverID)
	if state == nil {
		w.log.Printf("no active state for driver=%s", update.DriverID)
		return Result{Rerouted: false, Reason: "no_state"}
	}

	if update.CompletedStopID != "" {
		w.store.MarkCompleted(ctx, update.DriverID, update.CompletedStopID)
		if reloaded := w.store.Get(ctx, update.DriverID); reloaded != nil {
			state = reloaded
		}
		state.StopsChanged = true
	}

	triggered, reason := ShouldReroute(state, time.Now(), w.trigger)
	if !triggered {
		w.store.Save(ctx, state)
		return Result{Rerouted: false, Reason: reason}
	}

	remaining := remainingStops(state)
	if len(remaining) == 0 {
		w.log.Printf("no remaining stops for driver=%s, skipping reroute", update.DriverID)
		w.store.Save(ctx, state)
		return Result{Rerouted: false, Reason: "no_remaining_stops"}
	}

	driverLocation := optimize.Location{Lat: update.Lat, Lng: update.Lng}
	newRoute, err := w.optimizer.Run(ctx, update.DriverID, driverLocation, remaining, time.Now().UTC())
	if err != nil {
		w.log.Printf("re-optimization failed for driver=%s: %v", update.DriverID, err)
		w.store.Save(ctx, state)
		return Result{Rerouted: false, Reason: "optimization_failed"}
	}

	nowUnix := float64(time.Now().UnixNano()) / 1e9
	state.CurrentRoute = newRoute.OptimizedStops
	state.RemainingDuration = newRoute.TotalDurationMinutes
	state.LastRerouteUnix = &nowUnix
	state.StopsChanged = false
	w.store.Save(ctx, state)

	w.publishRouteUpdate(update.DriverID, reason, newRoute)
	return Result{Rerouted: true, Reason: reason}
}

// publishRouteUpdate sends the route_updated event to the driver's channel.
// Publish failure is logged and does not affect the worker result.
func (w *Worker) publishRouteUpdate(driverID, reason string, route *optimize.OptimizeResponse) {
	payload, err := json.Marshal(RouteUpdate{
		Type:                 "route_updated",
		Reason:               reason,
		OptimizedStops:       route.OptimizedStops,
		TotalDurationMinutes: route.TotalDurationMinutes,
		GoogleMapsURL:        route.GoogleMapsURL,
	})
	if err != nil {
		w.log.Printf("failed to marshal route update: driver=%s error=%v", driverID, err)
		return
	}
	channel := RerouteChannel(driverID)
	if err := w.publisher.Publish(channel, payload); err != nil {
		w.log.Printf("failed to publish route update: driver=%s channel=%s error=%v", driverID, channel, err)
		return
	}
	w.log.Printf("reroute published: driver=%s reason=%s stops=%d channel=%s",
		driverID, reason, len(route.OptimizedStops), channel)
}

// remainingStops rebuilds solver input from the route entries not yet
// completed. Route entries carry no window fields, so remaining stops
// re-enter the solve with wide-open windows and the default service time.
func remainingStops(state *driverstate.DriverState) []optimize.Stop {
	completed := make(map[string]bool, len(state.CompletedStopIDs))
	for _, id := range state.CompletedStopIDs {
		completed[id] = true
	}
	var stops []optimize.Stop
	for _, entry := range state.CurrentRoute {
		if completed[entry.StopID] {
			continue
		}
		stops = append(stops, optimize.Stop{
			StopID:             entry.StopID,
			Location:           entry.Location,
			EarliestPickup:     defaultEarliestPickup,
			LatestPickup:       defaultLatestPickup,
			ServiceTimeMinutes: defaultServiceMinutes,
		})
	}
	return stops
}
