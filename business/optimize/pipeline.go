package optimize

import (
	"context"
	logger "log"
	"time"
)

// Pipeline sequences the optimization stages: matrix fetch, solve, matrix
// re-indexing, route assembly and scoring. The HTTP handler and the
// re-routing worker call it identically.
type Pipeline struct {
	log      *logger.Logger
	matrices *MatrixSource
	solver   SolverConfig
}

// NewPipeline creates a Pipeline.
func NewPipeline(log *logger.Logger, matrices *MatrixSource, solver SolverConfig) *Pipeline {
	return &Pipeline{
		log:      log,
		matrices: matrices,
		solver:   solver,
	}
}

// Run executes the full pipeline and returns a response with the
// optimization score set. Provider failure surfaces as *ProviderError,
// an unsolvable window set as *InfeasibleError.
func (p *Pipeline) Run(ctx context.Context, driverID string, driverLocation Location, stops []Stop, departure time.Time) (*OptimizeResponse, error) {
	locations := make([]Location, 0, len(stops)+1)
	locations = append(locations, driverLocation)
	for _, stop := range stops {
		locations = append(locations, stop.Location)
	}

	bundle, err := p.matrices.BuildMatrices(ctx, locations, departure)
	if err != nil {
		return nil, err
	}

	serviceTimes := make([]int, len(stops))
	for i, stop := range stops {
		serviceTimes[i] = stop.ServiceTimeMinutes
	}
	departureMinutes := departure.Hour()*60 + departure.Minute()

	stopIndices, err := SolveVRP(p.log, bundle.TimeMatrix, stops, serviceTimes, departureMinutes, p.solver)
	if err != nil {
		return nil, err
	}

	orderedStops, timeMatrix, distanceMatrix := reindexToOrder(stops, stopIndices, bundle)

	response := BuildFinalRoute(p.log, driverID, driverLocation, orderedStops, timeMatrix, distanceMatrix, departure)

	naive := naiveDuration(bundle.TimeMatrix, stops)
	if response.TotalDurationMinutes > 0 {
		response.OptimizationScore = round2(naive / response.TotalDurationMinutes)
	}

	p.log.Printf("optimization done: driver=%s stops=%d %.1f km %.0f min score=%.2f",
		driverID, len(stops), response.TotalDistanceKm, response.TotalDurationMinutes, response.OptimizationScore)
	return response, nil
}

// reindexToOrder aligns both matrices to the solver's visit order so that
// row and column k correspond to orderedStops[k-1] with the driver at 0.
// The assembler depends on this alignment; breaking it skews every ETA
// silently.
func reindexToOrder(stops []Stop, stopIndices []int, bundle *MatrixBundle) ([]Stop, [][]int, [][]int) {
	n := len(stops)
	orderedStops := make([]Stop, n)
	nodeOrder := make([]int, n+1)
	nodeOrder[0] = 0
	for i, stopIndex := range stopIndices {
		orderedStops[i] = stops[stopIndex]
		nodeOrder[i+1] = stopIndex + 1
	}

	timeMatrix := make([][]int, n+1)
	distanceMatrix := make([][]int, n+1)
	for r := 0; r <= n; r++ {
		timeMatrix[r] = make([]int, n+1)
		distanceMatrix[r] = make([]int, n+1)
		for c := 0; c <= n; c++ {
			timeMatrix[r][c] = bundle.TimeMatrix[nodeOrder[r]][nodeOrder[c]]
			distanceMatrix[r][c] = bundle.DistanceMatrix[nodeOrder[r]][nodeOrder[c]]
		}
	}
	return orderedStops, timeMatrix, distanceMatrix
}

// naiveDuration is the total route time in minutes visiting stops in the
// caller's input order, with the same floor division the assembler uses.
func naiveDuration(timeMatrix [][]int, stops []Stop) float64 {
	total := 0
	prev := 0
	for i, stop := range stops {
		node := i + 1
		total += timeMatrix[prev][node] / 60
		total += stop.ServiceTimeMinutes
		prev = node
	}
	return float64(total)
}
