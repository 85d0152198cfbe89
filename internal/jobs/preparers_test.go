package jobs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sisrua/geoprep/internal/cache"
	"github.com/sisrua/geoprep/internal/domain"
	"github.com/sisrua/geoprep/internal/resilience"
	"github.com/sisrua/geoprep/shared/logger"
)

type nopStep struct {
	checkpoints int
	err         error
}

func (s *nopStep) Checkpoint() error {
	s.checkpoints++
	return s.err
}

func (s *nopStep) Progress(float64, string) {}

func newTestCache(t *testing.T) *cache.TieredCache {
	t.Helper()
	durable, err := cache.NewFileTier(t.TempDir())
	require.NoError(t, err)
	c := cache.New(nil, durable, time.Hour, logger.Nop())
	t.Cleanup(c.Wait)
	return c
}

func TestGeoJSONPreparer(t *testing.T) {
	doc := `{
		"type": "FeatureCollection",
		"features": [
			{"type": "Feature", "properties": {"name": "Rua A", "highway": "residential"},
			 "geometry": {"type": "LineString", "coordinates": [[-41.3235, -21.7634], [-41.3225, -21.7630]]}},
			{"type": "Feature", "properties": {"layer": "CUSTOM"},
			 "geometry": {"type": "MultiLineString", "coordinates": [[[-41.32, -21.76], [-41.31, -21.75]], [[-41.30, -21.74], [-41.29, -21.73]]]}},
			{"type": "Feature", "properties": {"name": "Poste"},
			 "geometry": {"type": "Point", "coordinates": [-41.3230, -21.7632]}},
			{"type": "Feature", "properties": {}, "geometry": null}
		]
	}`
	c := newTestCache(t)
	prep := NewGeoJSONPreparer(c, time.Hour, logger.Nop())
	req := domain.GeoJSONRequest{GeoJSON: []byte(doc)}
	step := &nopStep{}

	res, err := prep.Prepare(context.Background(), req, step)
	require.NoError(t, err)

	assert.Equal(t, "EPSG:31984", res.CRSOut)
	require.Len(t, res.Features, 4)
	assert.Equal(t, LayerGeoJSONLines, res.Features[0].Layer)
	assert.Equal(t, "Rua A", res.Features[0].Name)
	assert.Equal(t, "CUSTOM", res.Features[1].Layer)
	assert.Equal(t, "CUSTOM", res.Features[2].Layer)
	assert.Equal(t, domain.FeatureTypePoint, res.Features[3].FeatureType)
	assert.Equal(t, LayerGeoJSONPoints, res.Features[3].Layer)
	assert.Greater(t, res.Features[0].CoordsXY[0][1], 7_000_000.0, "southern false northing applied")
	assert.False(t, res.CacheHit)
	assert.Positive(t, step.checkpoints)

	again, err := prep.Prepare(context.Background(), req, step)
	require.NoError(t, err)
	assert.True(t, again.CacheHit)
	assert.Len(t, again.Features, 4)
}

func TestGeoJSONPreparer_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{name: "no coordinates", doc: `{"type":"FeatureCollection","features":[]}`, want: "could not extract coordinates"},
		{name: "unsupported type", doc: `{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}`, want: "could not extract coordinates"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prep := NewGeoJSONPreparer(nil, 0, logger.Nop())
			_, err := prep.Prepare(context.Background(), domain.GeoJSONRequest{GeoJSON: []byte(tt.doc)}, &nopStep{})
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrValidation)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestGeoJSONPreparer_StopsAtCheckpoint(t *testing.T) {
	prep := NewGeoJSONPreparer(nil, 0, logger.Nop())
	req := domain.GeoJSONRequest{GeoJSON: []byte(`{"type":"LineString","coordinates":[[-46.6,-23.5],[-46.5,-23.4]]}`)}

	_, err := prep.Prepare(context.Background(), req, &nopStep{err: domain.ErrCancelled})
	assert.ErrorIs(t, err, domain.ErrCancelled)
}

const overpassBody = `{"elements": [
	{"type": "way", "id": 1, "tags": {"highway": "primary", "name": "Av. Principal"},
	 "geometry": [{"lat": -21.7634, "lon": -41.3235}, {"lat": -21.7630, "lon": -41.3225}]},
	{"type": "way", "id": 2, "tags": {"building": "yes"},
	 "geometry": [{"lat": -21.7634, "lon": -41.3235}, {"lat": -21.7630, "lon": -41.3225}]},
	{"type": "node", "id": 3, "lat": -21.7632, "lon": -41.3230, "tags": {"highway": "street_light"}},
	{"type": "node", "id": 4, "lat": -21.7631, "lon": -41.3229, "tags": {"shop": "bakery"}}
]}`

func overpassServer(t *testing.T, handler http.HandlerFunc) *OverpassClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewOverpassClient(srv.URL, 5*time.Second, logger.Nop())
	require.NoError(t, err)
	return client
}

func fastRetry(maxRetries int) resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxRetries:    maxRetries,
		InitialDelay:  time.Millisecond,
		BackoffFactor: 2,
		Sleep:         func(context.Context, time.Duration) error { return nil },
		Logger:        logger.Nop(),
	}
}

func TestOSMPreparer_FetchesAndCaches(t *testing.T) {
	var calls atomic.Int32
	client := overpassServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		assert.Contains(t, r.PostForm.Get("data"), `way["highway"](around:500,-21.763400,-41.323500)`)
		_, _ = w.Write([]byte(overpassBody))
	})
	prep := NewOSMPreparer(OSMPreparerConfig{
		Fetcher:  client,
		Cache:    newTestCache(t),
		CacheTTL: time.Hour,
		Retry:    fastRetry(0),
		Logger:   logger.Nop(),
	})

	res, err := prep.Prepare(context.Background(), osmReq, &nopStep{})
	require.NoError(t, err)
	assert.Equal(t, "EPSG:31984", res.CRSOut)
	require.Len(t, res.Features, 2)

	street := res.Features[0]
	assert.Equal(t, LayerOSMStreets, street.Layer)
	assert.Equal(t, "primary", street.Highway)
	require.NotNil(t, street.WidthM)
	assert.Len(t, street.CoordsXY, 2)

	light := res.Features[1]
	assert.Equal(t, LayerOSMPoints, light.Layer)
	assert.Equal(t, "POSTE_LUZ", light.BlockName)

	cached, err := prep.Prepare(context.Background(), osmReq, &nopStep{})
	require.NoError(t, err)
	assert.True(t, cached.CacheHit)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOSMPreparer_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	client := overpassServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(overpassBody))
	})
	prep := NewOSMPreparer(OSMPreparerConfig{Fetcher: client, Retry: fastRetry(3), Logger: logger.Nop()})

	res, err := prep.Prepare(context.Background(), osmReq, &nopStep{})
	require.NoError(t, err)
	assert.Len(t, res.Features, 2)
	assert.Equal(t, int32(3), calls.Load())
}

func TestOSMPreparer_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := overpassServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad query", http.StatusBadRequest)
	})
	prep := NewOSMPreparer(OSMPreparerConfig{Fetcher: client, Retry: fastRetry(3), Logger: logger.Nop()})

	_, err := prep.Prepare(context.Background(), osmReq, &nopStep{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no local cache available")
	assert.Equal(t, int32(1), calls.Load())
}

func TestOSMPreparer_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	client := overpassServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})
	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{
		Name:             "overpass",
		FailureThreshold: 2,
		RecoveryTimeout:  time.Hour,
		Logger:           logger.Nop(),
	})
	prep := NewOSMPreparer(OSMPreparerConfig{Fetcher: client, Breaker: breaker, Retry: fastRetry(5), Logger: logger.Nop()})

	_, err := prep.Prepare(context.Background(), osmReq, &nopStep{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load(), "open circuit stops the retry loop")
	assert.Equal(t, resilience.StateOpen, breaker.State())
}

func TestOSMPreparer_RateLimited(t *testing.T) {
	client := overpassServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(overpassBody))
	})
	limiter := resilience.NewRateLimiter(resilience.RateLimiterConfig{Capacity: 1, Period: time.Hour})
	prep := NewOSMPreparer(OSMPreparerConfig{Fetcher: client, Limiter: limiter, Retry: fastRetry(0), Logger: logger.Nop()})

	_, err := prep.Prepare(context.Background(), osmReq, &nopStep{})
	require.NoError(t, err)

	_, err = prep.Prepare(context.Background(), domain.OSMRequest{Latitude: -22, Longitude: -43, Radius: 100}, &nopStep{})
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

// racingFetcher fills the cache the way a concurrent job would, then fails
type racingFetcher struct {
	cache *cache.TieredCache
}

func (f *racingFetcher) Host() string { return "overpass.test" }

func (f *racingFetcher) Fetch(ctx context.Context, lat, lon, radius float64) ([]OverpassElement, error) {
	r := domain.OSMRequest{Latitude: lat, Longitude: lon, Radius: radius}
	_ = f.cache.Set(ctx, OSMCacheKey(r), &domain.PrepareResult{CRSOut: "EPSG:31984"}, time.Hour)
	return nil, errors.New("connection reset")
}

func TestOSMPreparer_FallsBackToCacheOnFetchError(t *testing.T) {
	c := newTestCache(t)
	prep := NewOSMPreparer(OSMPreparerConfig{
		Fetcher: &racingFetcher{cache: c},
		Cache:   c,
		Retry:   fastRetry(0),
		Logger:  logger.Nop(),
	})

	res, err := prep.Prepare(context.Background(), osmReq, &nopStep{})
	require.NoError(t, err)
	assert.True(t, res.CacheHit)
	assert.Equal(t, "EPSG:31984", res.CRSOut)
}

func TestOSMCacheKey(t *testing.T) {
	a := OSMCacheKey(domain.OSMRequest{Latitude: -21.7634001, Longitude: -41.3235, Radius: 500.4})
	b := OSMCacheKey(domain.OSMRequest{Latitude: -21.7634004, Longitude: -41.3235, Radius: 500.9})
	assert.Equal(t, a, b, "coordinates are rounded to 6 places and radius truncated")
	assert.Equal(t, cache.Key("prepare_osm", "-21.763400", "-41.323500", "500"), a)
}
