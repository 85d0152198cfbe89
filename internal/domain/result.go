package domain

// Feature types emitted by preparers
const (
	FeatureTypePolyline = "Polyline"
	FeatureTypePoint    = "Point"
)

// CadFeature is one drawable feature produced by a prepare job
type CadFeature struct {
	FeatureType string      `json:"feature_type"`
	Layer       string      `json:"layer,omitempty"`
	Name        string      `json:"name,omitempty"`
	Highway     string      `json:"highway,omitempty"`
	BlockName   string      `json:"block_name,omitempty"`
	WidthM      *float64    `json:"width_m,omitempty"`
	CoordsXY    [][]float64 `json:"coords_xy,omitempty"`
}

// PrepareResult is the payload of a completed job
type PrepareResult struct {
	CRSOut   string       `json:"crs_out,omitempty"`
	Features []CadFeature `json:"features"`
	CacheHit bool         `json:"cache_hit"`
}

// Clone deep-copies the result so snapshots never alias worker state
func (r PrepareResult) Clone() PrepareResult {
	out := PrepareResult{CRSOut: r.CRSOut, CacheHit: r.CacheHit}
	out.Features = make([]CadFeature, len(r.Features))
	for i, f := range r.Features {
		c := f
		if f.WidthM != nil {
			w := *f.WidthM
			c.WidthM = &w
		}
		if f.CoordsXY != nil {
			c.CoordsXY = make([][]float64, len(f.CoordsXY))
			for k, pt := range f.CoordsXY {
				c.CoordsXY[k] = append([]float64(nil), pt...)
			}
		}
		out.Features[i] = c
	}
	return out
}
