package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
)

// MaxRadiusMeters bounds the area an osm job may request
const MaxRadiusMeters = 5000

// PrepareRequest is the decoded, kind-specific body of a prepare job
type PrepareRequest interface {
	Kind() JobKind
	Validate() error
	// Canonical returns a deterministic JSON encoding used for deduplication
	Canonical() ([]byte, error)
}

// OSMRequest prepares street data around a point
type OSMRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Radius    float64 `json:"radius"`
}

func (r OSMRequest) Kind() JobKind { return JobKindOSM }

func (r OSMRequest) Validate() error {
	if math.IsNaN(r.Latitude) || r.Latitude < -90 || r.Latitude > 90 {
		return NewValidationError("latitude", "must be between -90 and 90")
	}
	if math.IsNaN(r.Longitude) || r.Longitude < -180 || r.Longitude > 180 {
		return NewValidationError("longitude", "must be between -180 and 180")
	}
	if math.IsNaN(r.Radius) || r.Radius <= 0 || r.Radius > MaxRadiusMeters {
		return NewValidationError("radius", fmt.Sprintf("must be in (0, %d]", MaxRadiusMeters))
	}
	return nil
}

func (r OSMRequest) Canonical() ([]byte, error) {
	return json.Marshal(map[string]any{
		"kind":      string(JobKindOSM),
		"latitude":  r.Latitude,
		"longitude": r.Longitude,
		"radius":    r.Radius,
	})
}

// GeoJSONRequest prepares features from a caller-supplied GeoJSON document
type GeoJSONRequest struct {
	GeoJSON json.RawMessage `json:"geojson"`
}

func (r GeoJSONRequest) Kind() JobKind { return JobKindGeoJSON }

func (r GeoJSONRequest) Validate() error {
	if len(bytes.TrimSpace(r.GeoJSON)) == 0 || bytes.Equal(bytes.TrimSpace(r.GeoJSON), []byte("null")) {
		return NewValidationError("geojson", "is required for kind=geojson")
	}
	var probe map[string]any
	if err := json.Unmarshal(r.GeoJSON, &probe); err != nil {
		return NewValidationError("geojson", "must be a JSON object")
	}
	if _, ok := probe["type"].(string); !ok {
		return NewValidationError("geojson", "missing type member")
	}
	return nil
}

func (r GeoJSONRequest) Canonical() ([]byte, error) {
	var doc any
	if err := json.Unmarshal(r.GeoJSON, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"kind":    string(JobKindGeoJSON),
		"geojson": doc,
	})
}

// wirePrepareRequest is the loose shape accepted over the wire
type wirePrepareRequest struct {
	Kind      string          `json:"kind"`
	Latitude  *float64        `json:"latitude"`
	Longitude *float64        `json:"longitude"`
	Radius    *float64        `json:"radius"`
	GeoJSON   json.RawMessage `json:"geojson"`
}

// DecodePrepareRequest decodes and validates a prepare job body.
// A GeoJSON document may be sent either as an object or as a JSON string.
func DecodePrepareRequest(data []byte) (PrepareRequest, error) {
	var wire wirePrepareRequest
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, NewValidationError("", fmt.Sprintf("invalid request body: %v", err))
	}

	var req PrepareRequest
	switch JobKind(wire.Kind) {
	case JobKindOSM:
		if wire.Latitude == nil || wire.Longitude == nil || wire.Radius == nil {
			return nil, NewValidationError("kind", "latitude, longitude and radius are required for kind=osm")
		}
		req = OSMRequest{Latitude: *wire.Latitude, Longitude: *wire.Longitude, Radius: *wire.Radius}
	case JobKindGeoJSON:
		raw := wire.GeoJSON
		var asString string
		if err := json.Unmarshal(raw, &asString); err == nil {
			raw = json.RawMessage(asString)
		}
		req = GeoJSONRequest{GeoJSON: raw}
	default:
		return nil, NewValidationError("kind", "must be one of osm, geojson")
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// RequestHash derives the idempotency key of a request from its canonical form
func RequestHash(req PrepareRequest) (string, error) {
	canonical, err := req.Canonical()
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize request: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
