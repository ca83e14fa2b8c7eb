package optimize

import (
	logger "log"
	"math"
	"strings"
	"time"
)

const mapsURLBase = "https://www.google.com/maps/dir/"

// BuildFinalRoute assembles the optimized route with per-stop ETAs and
// summary totals. The caller pre-orders orderedStops and supplies matrices
// indexed to that order: row 0 is the driver, row k is orderedStops[k-1].
//
// Travel seconds are truncated to whole minutes, so ETAs can run up to 59
// seconds early per leg. Clock strings wrap at 24 hours. OptimizationScore
// is left at zero; the pipeline fills it.
func BuildFinalRoute(log *logger.Logger, driverID string, driverLocation Location, orderedStops []Stop,
	timeMatrix, distanceMatrix [][]int, departure time.Time) *OptimizeResponse {

	departureMinutes := departure.Hour()*60 + departure.Minute()
	current := departureMinutes
	prev := 0
	totalDistanceM := 0

	optimizedStops := make([]OptimizedStop, 0, len(orderedStops))
	for i, stop := range orderedStops {
		node := i + 1
		travelMins := timeMatrix[prev][node] / 60

		arrival := current + travelMins
		stopDeparture := arrival + stop.ServiceTimeMinutes
		totalDistanceM += distanceMatrix[prev][node]

		optimizedStops = append(optimizedStops, OptimizedStop{
			StopID:        stop.StopID,
			Sequence:      node,
			Location:      stop.Location,
			ArrivalTime:   MinutesToTimeStr(arrival),
			DepartureTime: MinutesToTimeStr(stopDeparture),
		})

		current = stopDeparture
		prev = node
	}

	response := &OptimizeResponse{
		DriverID:             driverID,
		OptimizedStops:       optimizedStops,
		TotalDistanceKm:      round2(float64(totalDistanceM) / 1000),
		TotalDurationMinutes: round2(float64(current - departureMinutes)),
		GoogleMapsURL:        buildMapsURL(driverLocation, orderedStops),
	}
	log.Printf("route built: %d stops, %.1f km, %.0f min",
		len(orderedStops), response.TotalDistanceKm, response.TotalDurationMinutes)
	return response
}

// buildMapsURL renders the directions URL from coordinates only: the driver
// coordinate followed by each stop coordinate in visit order. Stop
// identifiers never appear here.
func buildMapsURL(driverLocation Location, orderedStops []Stop) string {
	parts := make([]string, 0, len(orderedStops)+1)
	parts = append(parts, coordString(driverLocation))
	for _, stop := range orderedStops {
		parts = append(parts, coordString(stop.Location))
	}
	return mapsURLBase + strings.Join(parts, "/")
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
