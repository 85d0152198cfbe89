// Package geo projects WGS84 coordinates to SIRGAS 2000 / UTM.
package geo

import (
	"fmt"
	"math"
)

// GRS80 ellipsoid, used by SIRGAS 2000
const (
	semiMajorAxis = 6378137.0
	flattening    = 1 / 298.257222101
	scaleFactor   = 0.9996
	falseEasting  = 500000.0
	falseNorthing = 10000000.0 // southern hemisphere zones
)

var (
	e2  = flattening * (2 - flattening)
	ep2 = e2 / (1 - e2)
)

// UTMZone returns the 6-degree zone for longitude, clamped to 1..60
func UTMZone(longitude float64) int {
	zone := int(math.Floor((longitude+180)/6)) + 1
	return max(1, min(60, zone))
}

// SIRGAS2000UTMEPSG returns the EPSG code of the southern SIRGAS 2000 /
// UTM zone containing the point
func SIRGAS2000UTMEPSG(longitude float64) int {
	return 31960 + UTMZone(longitude)
}

// CRSName formats an EPSG code as "EPSG:<code>"
func CRSName(epsg int) string {
	return fmt.Sprintf("EPSG:%d", epsg)
}

// Projector converts lon/lat pairs into one fixed UTM zone
type Projector struct {
	lon0    float64
	EPSG    int
	CRSName string
}

// NewProjector fixes the zone from a reference longitude so every
// feature of a job lands in the same grid
func NewProjector(refLongitude float64) *Projector {
	zone := UTMZone(refLongitude)
	epsg := 31960 + zone
	return &Projector{
		lon0:    float64(zone*6-183) * math.Pi / 180,
		EPSG:    epsg,
		CRSName: CRSName(epsg),
	}
}

// Project returns easting and northing in metres
func (p *Projector) Project(lon, lat float64) (x, y float64) {
	phi := lat * math.Pi / 180
	lam := lon * math.Pi / 180

	sinPhi, cosPhi := math.Sin(phi), math.Cos(phi)
	tanPhi := math.Tan(phi)

	n := semiMajorAxis / math.Sqrt(1-e2*sinPhi*sinPhi)
	t := tanPhi * tanPhi
	c := ep2 * cosPhi * cosPhi
	a := (lam - p.lon0) * cosPhi

	e4 := e2 * e2
	e6 := e4 * e2
	m := semiMajorAxis * ((1-e2/4-3*e4/64-5*e6/256)*phi -
		(3*e2/8+3*e4/32+45*e6/1024)*math.Sin(2*phi) +
		(15*e4/256+45*e6/1024)*math.Sin(4*phi) -
		(35*e6/3072)*math.Sin(6*phi))

	a2 := a * a
	a3 := a2 * a
	a4 := a3 * a
	a5 := a4 * a
	a6 := a5 * a

	x = scaleFactor*n*(a+(1-t+c)*a3/6+(5-18*t+t*t+72*c-58*ep2)*a5/120) + falseEasting
	y = scaleFactor*(m+n*tanPhi*(a2/2+(5-t+9*c+4*c*c)*a4/24+(61-58*t+t*t+600*c-330*ep2)*a6/720)) + falseNorthing
	return x, y
}

// ProjectLine projects a lon/lat polyline, skipping non-finite results
func (p *Projector) ProjectLine(coords [][]float64) [][]float64 {
	out := make([][]float64, 0, len(coords))
	for _, pt := range coords {
		if len(pt) < 2 {
			continue
		}
		x, y := p.Project(pt[0], pt[1])
		if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
			continue
		}
		out = append(out, []float64{x, y})
	}
	return out
}

// EstimateWidthM guesses a carriageway width from the OSM highway tag
func EstimateWidthM(highway string) *float64 {
	if highway == "" {
		return nil
	}
	w, ok := map[string]float64{
		"residential": 5.0,
		"tertiary":    8.0,
		"secondary":   10.0,
		"primary":     12.0,
		"motorway":    20.0,
		"footway":     2.0,
		"cycleway":    3.0,
		"service":     4.0,
	}[highway]
	if !ok {
		w = 6.0
	}
	return &w
}
