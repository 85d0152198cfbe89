package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sisrua/geoprep/internal/domain"
)

// DefaultOverpassEndpoint is the public Overpass interpreter
const DefaultOverpassEndpoint = "https://overpass-api.de/api/interpreter"

// OverpassElement is one node or way of an Overpass "out geom" response
type OverpassElement struct {
	Type     string            `json:"type"`
	ID       int64             `json:"id"`
	Lat      float64           `json:"lat"`
	Lon      float64           `json:"lon"`
	Tags     map[string]string `json:"tags"`
	Geometry []struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"geometry"`
}

type overpassResponse struct {
	Elements []OverpassElement `json:"elements"`
}

// OverpassClient fetches street data from an Overpass endpoint
type OverpassClient struct {
	endpoint string
	host     string
	http     *http.Client
	logger   *slog.Logger
}

// NewOverpassClient creates a client with the given request timeout
func NewOverpassClient(endpoint string, timeout time.Duration, logger *slog.Logger) (*OverpassClient, error) {
	if endpoint == "" {
		endpoint = DefaultOverpassEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid overpass endpoint %q", endpoint)
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OverpassClient{
		endpoint: endpoint,
		host:     u.Host,
		http:     &http.Client{Timeout: timeout},
		logger:   logger,
	}, nil
}

// Host is the upstream host, used as the rate limiting key
func (c *OverpassClient) Host() string {
	return c.host
}

// overpassQuery selects highways plus street furniture nodes around a point
func overpassQuery(lat, lon, radius float64) string {
	around := fmt.Sprintf("(around:%d,%.6f,%.6f)", int(radius), lat, lon)
	return fmt.Sprintf(`[out:json][timeout:25];(way["highway"]%[1]s;node["highway"="street_light"]%[1]s;node["power"="pole"]%[1]s;node["amenity"="bench"]%[1]s;);out geom;`, around)
}

// Fetch runs one query. Network errors, 429 and 5xx responses are
// returned as retryable.
func (c *OverpassClient) Fetch(ctx context.Context, lat, lon, radius float64) ([]OverpassElement, error) {
	form := url.Values{"data": {overpassQuery(lat, lon, radius)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build overpass request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, domain.NewRetryableError(fmt.Errorf("overpass request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("overpass returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, domain.NewRetryableError(err)
		}
		return nil, err
	}

	var out overpassResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to decode overpass response: %w", err))
	}

	c.logger.Debug("Overpass query finished",
		slog.Int("elements", len(out.Elements)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return out.Elements, nil
}
