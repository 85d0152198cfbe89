package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sisrua/geoprep/internal/cache"
	"github.com/sisrua/geoprep/internal/domain"
	"github.com/sisrua/geoprep/internal/geo"
)

// Default layers for imported features
const (
	LayerGeoJSONLines  = "SISRUA_GEOJSON"
	LayerGeoJSONPoints = "SISRUA_GEOJSON_POINT"
)

// ResultCache memoizes prepare results
type ResultCache interface {
	GetInto(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

type geoJSONObject struct {
	Type        string          `json:"type"`
	Features    []geoJSONObject `json:"features"`
	Geometry    *geoJSONObject  `json:"geometry"`
	Properties  map[string]any  `json:"properties"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// GeoJSONPreparer converts a caller-supplied Feature, FeatureCollection or
// bare geometry into projected CAD features
type GeoJSONPreparer struct {
	cache    ResultCache
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewGeoJSONPreparer creates the geojson job body. cache may be nil.
func NewGeoJSONPreparer(c ResultCache, cacheTTL time.Duration, logger *slog.Logger) *GeoJSONPreparer {
	return &GeoJSONPreparer{cache: c, cacheTTL: cacheTTL, logger: logger}
}

func (g *GeoJSONPreparer) Prepare(ctx context.Context, req domain.PrepareRequest, step Step) (*domain.PrepareResult, error) {
	gj, ok := req.(domain.GeoJSONRequest)
	if !ok {
		return nil, fmt.Errorf("geojson preparer got %T", req)
	}

	canonical, err := gj.Canonical()
	if err != nil {
		return nil, domain.NewValidationError("geojson", "invalid document")
	}
	key := cache.Key("prepare_geojson", string(canonical))

	if g.cache != nil {
		var cached domain.PrepareResult
		if hit, err := g.cache.GetInto(ctx, key, &cached); err == nil && hit {
			cached.CacheHit = true
			return &cached, nil
		}
	}

	var doc geoJSONObject
	if err := json.Unmarshal(gj.GeoJSON, &doc); err != nil {
		return nil, domain.NewValidationError("geojson", fmt.Sprintf("invalid document: %v", err))
	}

	lon0, ok := firstLonLat(&doc)
	if !ok {
		return nil, domain.NewValidationError("geojson", "could not extract coordinates")
	}
	proj := geo.NewProjector(lon0)

	b := &featureBuilder{proj: proj, step: step}
	switch doc.Type {
	case "FeatureCollection":
		for i := range doc.Features {
			if err := b.feature(&doc.Features[i]); err != nil {
				return nil, err
			}
		}
	case "Feature":
		if err := b.feature(&doc); err != nil {
			return nil, err
		}
	case "LineString", "MultiLineString", "Point":
		if err := b.geometry(nil, &doc); err != nil {
			return nil, err
		}
	default:
		return nil, domain.NewValidationError("geojson", "unsupported type, use Feature or FeatureCollection with LineString, MultiLineString or Point")
	}

	result := &domain.PrepareResult{CRSOut: proj.CRSName, Features: b.features}

	if g.cache != nil {
		if err := g.cache.Set(ctx, key, result, g.cacheTTL); err != nil {
			g.logger.Warn("Failed to cache geojson result", slog.Any("error", err))
		}
	}
	return result, nil
}

type featureBuilder struct {
	proj     *geo.Projector
	step     Step
	features []domain.CadFeature
}

func (b *featureBuilder) feature(f *geoJSONObject) error {
	if f.Geometry == nil {
		return nil
	}
	return b.geometry(f.Properties, f.Geometry)
}

func (b *featureBuilder) geometry(props map[string]any, g *geoJSONObject) error {
	if len(b.features)%50 == 0 {
		if err := b.step.Checkpoint(); err != nil {
			return err
		}
	}

	layer := stringProp(props, "layer", "Layer")
	name := stringProp(props, "name")
	highway := stringProp(props, "highway")

	switch g.Type {
	case "LineString":
		var line [][]float64
		if err := json.Unmarshal(g.Coordinates, &line); err != nil {
			return domain.NewValidationError("geojson", "invalid LineString coordinates")
		}
		b.line(layer, name, highway, line)
	case "MultiLineString":
		var parts [][][]float64
		if err := json.Unmarshal(g.Coordinates, &parts); err != nil {
			return domain.NewValidationError("geojson", "invalid MultiLineString coordinates")
		}
		for _, part := range parts {
			b.line(layer, name, highway, part)
		}
	case "Point":
		var pt []float64
		if err := json.Unmarshal(g.Coordinates, &pt); err != nil || len(pt) < 2 {
			return nil
		}
		xy := b.proj.ProjectLine([][]float64{pt})
		if len(xy) == 0 {
			return nil
		}
		if layer == "" {
			layer = LayerGeoJSONPoints
		}
		b.features = append(b.features, domain.CadFeature{
			FeatureType: domain.FeatureTypePoint,
			Layer:       layer,
			Name:        name,
			BlockName:   stringProp(props, "block_name", "BlockName"),
			CoordsXY:    xy,
		})
	}
	return nil
}

func (b *featureBuilder) line(layer, name, highway string, coords [][]float64) {
	xy := b.proj.ProjectLine(coords)
	if len(xy) < 2 {
		return
	}
	if layer == "" {
		layer = LayerGeoJSONLines
	}
	b.features = append(b.features, domain.CadFeature{
		FeatureType: domain.FeatureTypePolyline,
		Layer:       layer,
		Name:        name,
		Highway:     highway,
		CoordsXY:    xy,
	})
}

// stringProp returns the first non-empty string property among keys
func stringProp(props map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := props[k].(string); ok {
			s = strings.TrimSpace(s)
			if s != "" && !strings.EqualFold(s, "nan") {
				return s
			}
		}
	}
	return ""
}

// firstLonLat finds the first coordinate of the document, used to pick
// the UTM zone
func firstLonLat(doc *geoJSONObject) (float64, bool) {
	switch doc.Type {
	case "FeatureCollection":
		for i := range doc.Features {
			if lon, ok := firstLonLat(&doc.Features[i]); ok {
				return lon, true
			}
		}
		return 0, false
	case "Feature":
		if doc.Geometry == nil {
			return 0, false
		}
		return firstLonLat(doc.Geometry)
	case "Point":
		var pt []float64
		if json.Unmarshal(doc.Coordinates, &pt) == nil && len(pt) >= 2 {
			return pt[0], true
		}
	case "LineString":
		var line [][]float64
		if json.Unmarshal(doc.Coordinates, &line) == nil && len(line) > 0 && len(line[0]) >= 2 {
			return line[0][0], true
		}
	case "MultiLineString":
		var parts [][][]float64
		if json.Unmarshal(doc.Coordinates, &parts) == nil && len(parts) > 0 && len(parts[0]) > 0 && len(parts[0][0]) >= 2 {
			return parts[0][0][0], true
		}
	}
	return 0, false
}
