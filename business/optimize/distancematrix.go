package optimize

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	logger "log"

	"googlemaps.github.io/maps"
)

const (
	matrixCachePrefix = "dm:"

	// sentinelCost marks an unreachable origin-destination pair so the
	// solver avoids it without special-casing.
	sentinelCost = 999999
)

// MatrixBundle holds travel times in seconds and distances in meters for a
// coordinate set. Row and column 0 are the driver origin; rows 1..n are the
// stops in the order the coordinates were given.
type MatrixBundle struct {
	TimeMatrix     [][]int `json:"time_matrix"`
	DistanceMatrix [][]int `json:"distance_matrix"`
}

// MatrixProvider is the external travel-time service. *maps.Client
// satisfies it.
type MatrixProvider interface {
	DistanceMatrix(ctx context.Context, r *maps.DistanceMatrixRequest) (*maps.DistanceMatrixResponse, error)
}

// MatrixSource serves traffic-aware matrix bundles from a content-addressed
// cache, calling the provider on a miss. Cache trouble of any kind degrades
// to a direct provider call; provider trouble fails the request.
type MatrixSource struct {
	log      *logger.Logger
	provider MatrixProvider
	cache    *redis.Client
	cacheTTL time.Duration
}

// NewMatrixSource creates a MatrixSource. cache may be nil to run uncached.
func NewMatrixSource(log *logger.Logger, provider MatrixProvider, cache *redis.Client, cacheTTL time.Duration) *MatrixSource {
	return &MatrixSource{
		log:      log,
		provider: provider,
		cache:    cache,
		cacheTTL: cacheTTL,
	}
}

// BuildMatrices returns the matrix bundle for the given coordinate list and
// departure instant. Index 0 of locations is the driver origin.
func (m *MatrixSource) BuildMatrices(ctx context.Context, locations []Location, departure time.Time) (*MatrixBundle, error) {
	key := matrixCacheKey(locations, departure)

	if cached := m.readCache(ctx, key); cached != nil {
		return cached, nil
	}

	m.log.Printf("distance matrix cache miss, calling provider (n=%d)", len(locations))
	coords := make([]string, len(locations))
	for i, loc := range locations {
		coords[i] = coordString(loc)
	}
	resp, err := m.provider.DistanceMatrix(ctx, &maps.DistanceMatrixRequest{
		Origins:       coords,
		Destinations:  coords,
		Mode:          maps.TravelModeDriving,
		DepartureTime: strconv.FormatInt(departure.Unix(), 10),
		TrafficModel:  maps.TrafficModelBestGuess,
		Units:         maps.UnitsMetric,
	})
	if err != nil {
		return nil, &ProviderError{Err: err}
	}

	bundle := bundleFromResponse(len(locations), resp)
	m.writeCache(ctx, key, bundle)
	return bundle, nil
}

// readCache returns a decoded bundle on a hit, nil on a miss or any cache
// failure. Read and decode errors only log; the caller falls through to the
// provider.
func (m *MatrixSource) readCache(ctx context.Context, key string) *MatrixBundle {
	if m.cache == nil {
		return nil
	}
	raw, err := m.cache.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		m.log.Printf("cache read error, falling through to provider: %v", err)
		return nil
	}
	var bundle MatrixBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		m.log.Printf("discarding undecodable cache entry key=%s: %v", key, err)
		return nil
	}
	m.log.Printf("distance matrix cache hit key=%s", key)
	return &bundle
}

// writeCache stores the bundle under key with the configured TTL. Failure is
// non-fatal.
func (m *MatrixSource) writeCache(ctx context.Context, key string, bundle *MatrixBundle) {
	if m.cache == nil {
		return
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		m.log.Printf("failed to marshal matrix bundle for cache: %v", err)
		return
	}
	if err := m.cache.Set(ctx, key, data, m.cacheTTL).Err(); err != nil {
		m.log.Printf("cache write error, result not cached: %v", err)
		return
	}
	m.log.Printf("distance matrix cached key=%s ttl=%s", key, m.cacheTTL)
}

// bundleFromResponse converts the provider response cell by cell. Cells
// without OK status carry the sentinel; traffic-aware durations win over
// plain ones when present.
func bundleFromResponse(n int, resp *maps.DistanceMatrixResponse) *MatrixBundle {
	timeMatrix := make([][]int, n)
	distanceMatrix := make([][]int, n)
	for i := 0; i < n; i++ {
		timeMatrix[i] = make([]int, n)
		distanceMatrix[i] = make([]int, n)
		for j := 0; j < n; j++ {
			timeMatrix[i][j] = sentinelCost
			distanceMatrix[i][j] = sentinelCost
		}
	}
	for i, row := range resp.Rows {
		if i >= n {
			break
		}
		for j, element := range row.Elements {
			if j >= n || element.Status != "OK" {
				continue
			}
			duration := element.Duration
			if element.DurationInTraffic > 0 {
				duration = element.DurationInTraffic
			}
			timeMatrix[i][j] = int(duration / time.Second)
			distanceMatrix[i][j] = element.Distance.Meters
		}
	}
	return &MatrixBundle{TimeMatrix: timeMatrix, DistanceMatrix: distanceMatrix}
}

// matrixCacheKey builds the content-addressed key. Coordinates are sorted so
// permutations of the same geography share an entry; departure is truncated
// to the hour because finer granularity shatters cache locality for
// near-identical traffic predictions.
func matrixCacheKey(locations []Location, departure time.Time) string {
	locs := make([][2]float64, len(locations))
	for i, loc := range locations {
		locs[i] = [2]float64{loc.Lat, loc.Lng}
	}
	sort.Slice(locs, func(i, j int) bool {
		if locs[i][0] != locs[j][0] {
			return locs[i][0] < locs[j][0]
		}
		return locs[i][1] < locs[j][1]
	})
	payload := struct {
		Hour string       `json:"hour"`
		Locs [][2]float64 `json:"locs"`
	}{
		Hour: departure.Format("2006010215"),
		Locs: locs,
	}
	data, _ := json.Marshal(payload)
	return matrixCachePrefix + fmt.Sprintf("%x", md5.Sum(data))
}

// coordString renders a "lat,lng" pair with shortest round-trip formatting.
func coordString(loc Location) string {
	return strconv.FormatFloat(loc.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(loc.Lng, 'f', -1, 64)
}
