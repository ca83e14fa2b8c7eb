package optimize

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/matryer/is"
	"googlemaps.github.io/maps"
)

// fakeMatrixProvider returns a canned response and counts calls.
type fakeMatrixProvider struct {
	calls    int
	response *maps.DistanceMatrixResponse
	err      error
}

func (f *fakeMatrixProvider) DistanceMatrix(_ context.Context, _ *maps.DistanceMatrixRequest) (*maps.DistanceMatrixResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func matrixResponse(n int, durationSeconds, meters int) *maps.DistanceMatrixResponse {
	rows := make([]maps.DistanceMatrixElementsRow, n)
	for i := 0; i < n; i++ {
		elements := make([]*maps.DistanceMatrixElement, n)
		for j := 0; j < n; j++ {
			seconds := durationSeconds
			dist := meters
			if i == j {
				seconds, dist = 0, 0
			}
			elements[j] = &maps.DistanceMatrixElement{
				Status:   "OK",
				Duration: time.Duration(seconds) * time.Second,
				Distance: maps.Distance{Meters: dist},
			}
		}
		rows[i] = maps.DistanceMatrixElementsRow{Elements: elements}
	}
	return &maps.DistanceMatrixResponse{Rows: rows}
}

func testLocations() []Location {
	return []Location{
		{Lat: 37.7749, Lng: -122.4194},
		{Lat: 37.78, Lng: -122.41},
		{Lat: 37.79, Lng: -122.42},
	}
}

func TestBuildMatricesCacheRoundTrip(t *testing.T) {
	is := is.New(t)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	provider := &fakeMatrixProvider{response: matrixResponse(3, 600, 5000)}
	source := NewMatrixSource(testLog, provider, client, 30*time.Minute)

	departure := time.Date(2026, 8, 26, 9, 15, 0, 0, time.UTC)
	locs := testLocations()

	first, err := source.BuildMatrices(context.Background(), locs, departure)
	is.NoErr(err)
	is.Equal(provider.calls, 1)
	is.Equal(first.TimeMatrix[0][1], 600)
	is.Equal(first.DistanceMatrix[0][1], 5000)
	is.Equal(first.TimeMatrix[1][1], 0)

	// Second call within the same hour is served from the cache.
	second, err := source.BuildMatrices(context.Background(), locs, departure.Add(20*time.Minute))
	is.NoErr(err)
	is.Equal(provider.calls, 1)
	is.Equal(second.TimeMatrix, first.TimeMatrix)
	is.Equal(second.DistanceMatrix, first.DistanceMatrix)
}

func TestBuildMatricesCacheKeyIgnoresOrder(t *testing.T) {
	departure := time.Date(2026, 8, 26, 9, 15, 0, 0, time.UTC)
	locs := testLocations()
	permuted := []Location{locs[2], locs[0], locs[1]}

	if matrixCacheKey(locs, departure) != matrixCacheKey(permuted, departure) {
		t.Error("permuted coordinate sets should share a cache key")
	}
	if matrixCacheKey(locs, departure) != matrixCacheKey(locs, departure.Add(44*time.Minute)) {
		t.Error("departures within the same hour should share a cache key")
	}
	if matrixCacheKey(locs, departure) == matrixCacheKey(locs, departure.Add(time.Hour)) {
		t.Error("departures an hour apart should not share a cache key")
	}
}

func TestBuildMatricesProviderError(t *testing.T) {
	provider := &fakeMatrixProvider{err: errors.New("quota exceeded")}
	source := NewMatrixSource(testLog, provider, nil, time.Minute)

	_, err := source.BuildMatrices(context.Background(), testLocations(), time.Now())
	if err == nil {
		t.Fatal("expected provider error")
	}
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
}

func TestBuildMatricesSentinelOnBadElement(t *testing.T) {
	is := is.New(t)

	resp := matrixResponse(2, 600, 5000)
	resp.Rows[0].Elements[1].Status = "ZERO_RESULTS"
	provider := &fakeMatrixProvider{response: resp}
	source := NewMatrixSource(testLog, provider, nil, time.Minute)

	bundle, err := source.BuildMatrices(context.Background(), testLocations()[:2], time.Now())
	is.NoErr(err)
	is.Equal(bundle.TimeMatrix[0][1], sentinelCost)
	is.Equal(bundle.DistanceMatrix[0][1], sentinelCost)
	is.Equal(bundle.TimeMatrix[1][0], 600)
}

func TestBuildMatricesPrefersTrafficDuration(t *testing.T) {
	is := is.New(t)

	resp := matrixResponse(2, 600, 5000)
	resp.Rows[0].Elements[1].DurationInTraffic = 750 * time.Second
	provider := &fakeMatrixProvider{response: resp}
	source := NewMatrixSource(testLog, provider, nil, time.Minute)

	bundle, err := source.BuildMatrices(context.Background(), testLocations()[:2], time.Now())
	is.NoErr(err)
	is.Equal(bundle.TimeMatrix[0][1], 750)
	is.Equal(bundle.TimeMatrix[1][0], 600)
}

func TestBuildMatricesCacheDownDegradesToProvider(t *testing.T) {
	is := is.New(t)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mr.Close()

	provider := &fakeMatrixProvider{response: matrixResponse(3, 600, 5000)}
	source := NewMatrixSource(testLog, provider, client, time.Minute)

	bundle, err := source.BuildMatrices(context.Background(), testLocations(), time.Now())
	is.NoErr(err)
	is.Equal(provider.calls, 1)
	is.Equal(bundle.TimeMatrix[0][1], 600)
}
