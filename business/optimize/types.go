// Package optimize implements the route optimization pipeline: the
// traffic-aware distance matrix source, the time-window routing solver and
// the route assembler that produces per-stop ETAs.
package optimize

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Location is a WGS84 coordinate pair.
type Location struct {
	Lat float64 `json:"lat" validate:"min=-90,max=90"`
	Lng float64 `json:"lng" validate:"min=-180,max=180"`
}

// Stop is a pickup request. StopID is an opaque caller-supplied identifier;
// the back office owns any mapping to a person, nothing here does.
type Stop struct {
	StopID             string   `json:"stop_id" validate:"required"`
	Location           Location `json:"location"`
	EarliestPickup     string   `json:"earliest_pickup" validate:"required"`
	LatestPickup       string   `json:"latest_pickup" validate:"required"`
	ServiceTimeMinutes int      `json:"service_time_minutes" validate:"min=1,max=60"`
}

// OptimizeRequest asks for a visit order over a set of pickup stops given a
// driver origin and departure instant.
type OptimizeRequest struct {
	DriverID       string    `json:"driver_id" validate:"required"`
	DriverLocation Location  `json:"driver_location"`
	DepartureTime  time.Time `json:"departure_time"`
	Stops          []Stop    `json:"stops" validate:"dive"`
}

// Validate checks the request against all structural and range rules.
// maxStops is the configured route size cap. Failures come back as
// *ValidationError so the web boundary can map them to 422.
func (r *OptimizeRequest) Validate(now time.Time, maxStops int) error {
	if err := validate.Struct(r); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	if len(r.Stops) < 2 || len(r.Stops) > maxStops {
		return &ValidationError{
			Reason: fmt.Sprintf("stops must contain between 2 and %d items, got %d", maxStops, len(r.Stops)),
		}
	}
	for _, stop := range r.Stops {
		earliest, err := TimeStrToMinutes(stop.EarliestPickup)
		if err != nil {
			return &ValidationError{Reason: fmt.Sprintf("stop %s earliest_pickup: %v", stop.StopID, err)}
		}
		latest, err := TimeStrToMinutes(stop.LatestPickup)
		if err != nil {
			return &ValidationError{Reason: fmt.Sprintf("stop %s latest_pickup: %v", stop.StopID, err)}
		}
		if earliest >= latest {
			return &ValidationError{
				Reason: fmt.Sprintf("stop %s: earliest_pickup (%s) must be before latest_pickup (%s)",
					stop.StopID, stop.EarliestPickup, stop.LatestPickup),
			}
		}
	}
	if r.DepartureTime.IsZero() {
		return &ValidationError{Reason: "departure_time is required"}
	}
	if r.DepartureTime.Before(now) {
		return &ValidationError{Reason: "departure_time must not be in the past"}
	}
	return nil
}

// OptimizedStop is one entry in the optimized visit order. Sequence is
// 1-based; arrival and departure are "HH:MM" clock strings.
type OptimizedStop struct {
	StopID        string   `json:"stop_id"`
	Sequence      int      `json:"sequence"`
	Location      Location `json:"location"`
	ArrivalTime   string   `json:"arrival_time"`
	DepartureTime string   `json:"departure_time"`
}

// OptimizeResponse is the full optimization result. GoogleMapsURL carries
// coordinates only, never a stop identifier.
type OptimizeResponse struct {
	DriverID             string          `json:"driver_id"`
	OptimizedStops       []OptimizedStop `json:"optimized_stops"`
	TotalDistanceKm      float64         `json:"total_distance_km"`
	TotalDurationMinutes float64         `json:"total_duration_minutes"`
	GoogleMapsURL        string          `json:"google_maps_url"`
	OptimizationScore    float64         `json:"optimization_score"`
}
