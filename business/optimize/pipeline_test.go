package optimize

import (
	"context"
	"testing"
	"time"

	"github.com/matryer/is"
	"googlemaps.github.io/maps"
)

// responseFromMatrices wraps raw second/meter matrices in a provider
// response shape.
func responseFromMatrices(timeMatrix, distanceMatrix [][]int) *maps.DistanceMatrixResponse {
	rows := make([]maps.DistanceMatrixElementsRow, len(timeMatrix))
	for i := range timeMatrix {
		elements := make([]*maps.DistanceMatrixElement, len(timeMatrix[i]))
		for j := range timeMatrix[i] {
			elements[j] = &maps.DistanceMatrixElement{
				Status:   "OK",
				Duration: time.Duration(timeMatrix[i][j]) * time.Second,
				Distance: maps.Distance{Meters: distanceMatrix[i][j]},
			}
		}
		rows[i] = maps.DistanceMatrixElementsRow{Elements: elements}
	}
	return &maps.DistanceMatrixResponse{Rows: rows}
}

// distancesFromPositions pairs matrixFromPositions with meters at one km
// per minute of travel.
func distancesFromPositions(positions []int) [][]int {
	seconds := matrixFromPositions(positions)
	meters := make([][]int, len(seconds))
	for i := range seconds {
		meters[i] = make([]int, len(seconds[i]))
		for j := range seconds[i] {
			meters[i][j] = seconds[i][j] / 60 * 1000
		}
	}
	return meters
}

func TestPipelineRunReordersAndRebuildsETAs(t *testing.T) {
	is := is.New(t)

	// Depot at 0, stops submitted farthest first. The solver reverses
	// them, so every ETA must come from the re-indexed matrix, not the
	// submission order.
	positions := []int{0, 30, 20, 10}
	provider := &fakeMatrixProvider{
		response: responseFromMatrices(matrixFromPositions(positions), distancesFromPositions(positions)),
	}
	source := NewMatrixSource(testLog, provider, nil, time.Minute)
	pipeline := NewPipeline(testLog, source, DefaultSolverConfig())

	stops := []Stop{
		{StopID: "far", Location: Location{Lat: 37.79, Lng: -122.42}, EarliestPickup: "00:00", LatestPickup: "23:59", ServiceTimeMinutes: 10},
		{StopID: "mid", Location: Location{Lat: 37.78, Lng: -122.41}, EarliestPickup: "00:00", LatestPickup: "23:59", ServiceTimeMinutes: 10},
		{StopID: "near", Location: Location{Lat: 37.77, Lng: -122.40}, EarliestPickup: "00:00", LatestPickup: "23:59", ServiceTimeMinutes: 10},
	}
	departure := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)

	resp, err := pipeline.Run(context.Background(), "driver-001", Location{Lat: 37.7749, Lng: -122.4194}, stops, departure)
	is.NoErr(err)

	is.Equal(len(resp.OptimizedStops), 3)
	is.Equal(resp.OptimizedStops[0].StopID, "near")
	is.Equal(resp.OptimizedStops[1].StopID, "mid")
	is.Equal(resp.OptimizedStops[2].StopID, "far")
	for i, stop := range resp.OptimizedStops {
		is.Equal(stop.Sequence, i+1)
	}

	// 10 minutes of travel per leg plus 10 minutes of service per stop.
	is.Equal(resp.OptimizedStops[0].ArrivalTime, "09:10")
	is.Equal(resp.OptimizedStops[0].DepartureTime, "09:20")
	is.Equal(resp.OptimizedStops[1].ArrivalTime, "09:30")
	is.Equal(resp.OptimizedStops[2].ArrivalTime, "09:50")

	is.Equal(resp.TotalDurationMinutes, 60.0)
	is.Equal(resp.TotalDistanceKm, 30.0)

	// Submission order would have cost 80 minutes, so the score beats 1.
	is.Equal(resp.OptimizationScore, 1.33)

	is.Equal(resp.GoogleMapsURL,
		"https://www.google.com/maps/dir/37.7749,-122.4194/37.77,-122.4/37.78,-122.41/37.79,-122.42")
}

func TestPipelineRunInfeasibleSurfaces(t *testing.T) {
	positions := []int{0, 10, 20}
	provider := &fakeMatrixProvider{
		response: responseFromMatrices(matrixFromPositions(positions), distancesFromPositions(positions)),
	}
	source := NewMatrixSource(testLog, provider, nil, time.Minute)
	pipeline := NewPipeline(testLog, source, DefaultSolverConfig())

	stops := []Stop{
		{StopID: "closed", Location: Location{Lat: 37.78, Lng: -122.41}, EarliestPickup: "06:00", LatestPickup: "07:00", ServiceTimeMinutes: 10},
		{StopID: "open", Location: Location{Lat: 37.79, Lng: -122.42}, EarliestPickup: "00:00", LatestPickup: "23:59", ServiceTimeMinutes: 10},
	}
	departure := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	_, err := pipeline.Run(context.Background(), "driver-001", Location{}, stops, departure)
	if err == nil {
		t.Fatal("expected infeasible error")
	}
	if _, ok := err.(*InfeasibleError); !ok {
		t.Fatalf("expected *InfeasibleError, got %T: %v", err, err)
	}
}

func TestNaiveDuration(t *testing.T) {
	is := is.New(t)

	timeMatrix := matrixFromPositions([]int{0, 30, 20, 10})
	stops := []Stop{
		{StopID: "a", ServiceTimeMinutes: 10},
		{StopID: "b", ServiceTimeMinutes: 10},
		{StopID: "c", ServiceTimeMinutes: 10},
	}
	is.Equal(naiveDuration(timeMatrix, stops), 80.0)
}
