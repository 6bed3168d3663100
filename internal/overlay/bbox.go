package overlay

import (
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

const (
	// shrinkRatio is applied to each side of the bounds per iteration.
	shrinkRatio         = -0.1
	maxShrinkIterations = 256
)

// ApproxArea returns the width times height of b in square meters, measured
// along the northern and western edges.
func ApproxArea(b orb.Bound) float64 {
	nw := orb.Point{b.Min.Lon(), b.Max.Lat()}
	ne := orb.Point{b.Max.Lon(), b.Max.Lat()}
	sw := orb.Point{b.Min.Lon(), b.Min.Lat()}
	return geo.DistanceHaversine(nw, ne) * geo.DistanceHaversine(nw, sw)
}

// PadBound grows (ratio > 0) or shrinks (ratio < 0) each side of b by ratio
// times the corresponding dimension.
func PadBound(b orb.Bound, ratio float64) orb.Bound {
	dLon := (b.Max.Lon() - b.Min.Lon()) * ratio
	dLat := (b.Max.Lat() - b.Min.Lat()) * ratio
	return orb.Bound{
		Min: orb.Point{b.Min.Lon() - dLon, b.Min.Lat() - dLat},
		Max: orb.Point{b.Max.Lon() + dLon, b.Max.Lat() + dLat},
	}
}

// ClampBounds shrinks b around its center until its approximate area does not
// exceed maxArea.
func ClampBounds(b orb.Bound, maxArea float64) orb.Bound {
	for i := 0; i < maxShrinkIterations && ApproxArea(b) > maxArea; i++ {
		b = PadBound(b, shrinkRatio)
	}
	return b
}

// FormatBBox renders b as the geosearch "north|west|south|east" parameter.
func FormatBBox(b orb.Bound) string {
	parts := []float64{b.Max.Lat(), b.Min.Lon(), b.Min.Lat(), b.Max.Lon()}
	out := make([]string, len(parts))
	for i, v := range parts {
		out[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(out, "|")
}
