package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/sisrua/geoprep/internal/cache"
	"github.com/sisrua/geoprep/internal/domain"
	"github.com/sisrua/geoprep/internal/geo"
	"github.com/sisrua/geoprep/internal/resilience"
)

// Layers for features built from OSM data
const (
	LayerOSMStreets = "SISRUA_OSM_VIAS"
	LayerOSMPoints  = "SISRUA_OSM_PONTOS"
)

var pointBlocks = map[string]string{
	"street_light": "POSTE_LUZ",
	"pole":         "POSTE",
	"bench":        "BANCO",
}

// ElementFetcher downloads raw OSM elements around a point
type ElementFetcher interface {
	Host() string
	Fetch(ctx context.Context, lat, lon, radius float64) ([]OverpassElement, error)
}

// OSMPreparerConfig wires the resilience stack around the fetcher
type OSMPreparerConfig struct {
	Fetcher  ElementFetcher
	Cache    ResultCache
	CacheTTL time.Duration
	Limiter  *resilience.RateLimiter
	Breaker  *resilience.CircuitBreaker
	Retry    resilience.RetryPolicy
	Logger   *slog.Logger
}

// OSMPreparer downloads streets around a point and projects them to UTM
type OSMPreparer struct {
	cfg OSMPreparerConfig
}

// NewOSMPreparer creates the osm job body
func NewOSMPreparer(cfg OSMPreparerConfig) *OSMPreparer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OSMPreparer{cfg: cfg}
}

// OSMCacheKey is the result cache key of an osm request
func OSMCacheKey(r domain.OSMRequest) string {
	return cache.Key("prepare_osm",
		fmt.Sprintf("%.6f", r.Latitude),
		fmt.Sprintf("%.6f", r.Longitude),
		strconv.Itoa(int(r.Radius)),
	)
}

func (o *OSMPreparer) Prepare(ctx context.Context, req domain.PrepareRequest, step Step) (*domain.PrepareResult, error) {
	r, ok := req.(domain.OSMRequest)
	if !ok {
		return nil, fmt.Errorf("osm preparer got %T", req)
	}
	key := OSMCacheKey(r)

	if cached, ok := o.cached(ctx, key); ok {
		return cached, nil
	}

	elements, err := o.fetch(ctx, r)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		// the upstream may have been filled by a concurrent job
		if cached, ok := o.cached(ctx, key); ok {
			o.cfg.Logger.Warn("OSM fetch failed, serving cached result",
				slog.String("key", key), slog.Any("error", err))
			return cached, nil
		}
		return nil, fmt.Errorf("failed to fetch OSM data (no local cache available): %w", err)
	}

	if err := step.Checkpoint(); err != nil {
		return nil, err
	}
	step.Progress(0.6, "Building features")

	proj := geo.NewProjector(r.Longitude)
	result := &domain.PrepareResult{CRSOut: proj.CRSName, Features: buildOSMFeatures(proj, elements)}

	if o.cfg.Cache != nil {
		if err := o.cfg.Cache.Set(ctx, key, result, o.cfg.CacheTTL); err != nil {
			o.cfg.Logger.Warn("Failed to cache osm result", slog.Any("error", err))
		}
	}
	return result, nil
}

func (o *OSMPreparer) cached(ctx context.Context, key string) (*domain.PrepareResult, bool) {
	if o.cfg.Cache == nil {
		return nil, false
	}
	var res domain.PrepareResult
	hit, err := o.cfg.Cache.GetInto(ctx, key, &res)
	if err != nil || !hit {
		return nil, false
	}
	res.CacheHit = true
	return &res, true
}

// fetch runs each attempt through the rate limiter and the breaker, with
// the retry policy outermost
func (o *OSMPreparer) fetch(ctx context.Context, r domain.OSMRequest) ([]OverpassElement, error) {
	attempt := func(ctx context.Context) ([]OverpassElement, error) {
		if o.cfg.Limiter != nil && !o.cfg.Limiter.Allow(o.cfg.Fetcher.Host()) {
			return nil, domain.NewRetryableError(fmt.Errorf("overpass: %w", domain.ErrRateLimited))
		}
		if o.cfg.Breaker == nil {
			return o.cfg.Fetcher.Fetch(ctx, r.Latitude, r.Longitude, r.Radius)
		}
		return resilience.Call(ctx, o.cfg.Breaker, func(ctx context.Context) ([]OverpassElement, error) {
			return o.cfg.Fetcher.Fetch(ctx, r.Latitude, r.Longitude, r.Radius)
		})
	}

	elements, err := resilience.Retry(ctx, o.cfg.Retry, attempt)
	if errors.Is(err, domain.ErrCircuitOpen) {
		return nil, fmt.Errorf("overpass unavailable: %w", err)
	}
	return elements, err
}

func buildOSMFeatures(proj *geo.Projector, elements []OverpassElement) []domain.CadFeature {
	features := make([]domain.CadFeature, 0, len(elements))
	for _, el := range elements {
		switch el.Type {
		case "way":
			highway := el.Tags["highway"]
			if highway == "" {
				continue
			}
			line := make([][]float64, 0, len(el.Geometry))
			for _, g := range el.Geometry {
				line = append(line, []float64{g.Lon, g.Lat})
			}
			xy := proj.ProjectLine(line)
			if len(xy) < 2 {
				continue
			}
			features = append(features, domain.CadFeature{
				FeatureType: domain.FeatureTypePolyline,
				Layer:       LayerOSMStreets,
				Name:        el.Tags["name"],
				Highway:     highway,
				WidthM:      geo.EstimateWidthM(highway),
				CoordsXY:    xy,
			})
		case "node":
			block := nodeBlock(el.Tags)
			if block == "" {
				continue
			}
			xy := proj.ProjectLine([][]float64{{el.Lon, el.Lat}})
			if len(xy) == 0 {
				continue
			}
			features = append(features, domain.CadFeature{
				FeatureType: domain.FeatureTypePoint,
				Layer:       LayerOSMPoints,
				Name:        el.Tags["name"],
				BlockName:   block,
				CoordsXY:    xy,
			})
		}
	}
	return features
}

func nodeBlock(tags map[string]string) string {
	for _, k := range []string{"highway", "power", "amenity"} {
		if b, ok := pointBlocks[tags[k]]; ok {
			return b
		}
	}
	return ""
}
