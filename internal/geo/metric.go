package geo

import (
	"fmt"
	"math"
	"strings"
)

// MetersPerDegree is the length of one degree of latitude, used everywhere.
// One degree of longitude is MetersPerDegree * cos(latitude).
const MetersPerDegree = 111320.0

// ToMetric converts angular offsets (degrees) into local planar offsets (meters)
// using the equirectangular approximation around refLat.
// Only valid over extents of a few tens of kilometers.
func ToMetric(dLon, dLat, refLat float64) (dx, dy float64) {
	dx = dLon * MetersPerDegree * math.Cos(refLat*math.Pi/180)
	dy = dLat * MetersPerDegree
	return dx, dy
}

type System string

const (
	// Metric sources are already projected (e.g. UTM); offsets pass through unchanged.
	Metric System = "metric"
	// Geographic sources are in degrees of longitude/latitude.
	Geographic System = "geographic"
)

func ParseSystem(s string) (System, error) {
	switch System(strings.ToLower(strings.TrimSpace(s))) {
	case Metric, "utm", "projected":
		return Metric, nil
	case Geographic, "geo", "latlon", "wgs84":
		return Geographic, nil
	}
	return "", fmt.Errorf("unknown coordinate system %q", s)
}

// Projection maps source coordinate offsets to meters for one run.
type Projection struct {
	System System
	RefLat float64
}

// NewProjection fixes the reference latitude for a run. A zero refLat selects
// the midpoint of the global latitude bounds.
func NewProjection(sys System, refLat float64, global Bounds) Projection {
	if sys == Geographic && refLat == 0 {
		refLat = global.MidY()
	}
	if sys != Geographic {
		refLat = 0
	}
	return Projection{System: sys, RefLat: refLat}
}

func (p Projection) ToMetric(dx, dy float64) (float64, float64) {
	if p.System != Geographic {
		return dx, dy
	}
	return ToMetric(dx, dy, p.RefLat)
}
