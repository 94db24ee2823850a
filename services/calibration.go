package services

import (
	"sort"

	"krausen/models"
)

// Calibrate maps a raw sensor value to a corrected value using a
// device's calibration points for one quantity. Points are used as
// piecewise-linear interpolation anchors; values beyond the first or
// last point are extrapolated with the slope of the nearest segment.
// Zero or one point means identity mapping; interpolation needs at
// least two anchors. Calibrate is pure and always succeeds.
func Calibrate(raw float64, points []models.CalibrationPoint) float64 {
	if len(points) < 2 {
		return raw
	}

	// The store returns points sorted by raw value; sort defensively
	// for callers constructing profiles by hand.
	if !sort.SliceIsSorted(points, func(i, j int) bool { return points[i].Raw < points[j].Raw }) {
		sorted := make([]models.CalibrationPoint, len(points))
		copy(sorted, points)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Raw < sorted[j].Raw })
		points = sorted
	}

	// Find the segment whose raw range brackets the input. Below the
	// first point or above the last, the nearest segment's slope is
	// carried outward.
	idx := sort.Search(len(points), func(i int) bool { return points[i].Raw >= raw })

	var lo, hi models.CalibrationPoint
	switch {
	case idx == 0:
		lo, hi = points[0], points[1]
	case idx == len(points):
		lo, hi = points[len(points)-2], points[len(points)-1]
	default:
		lo, hi = points[idx-1], points[idx]
	}

	if hi.Raw == lo.Raw {
		// Degenerate duplicate anchors; fall back to the offset of the
		// lower point.
		return raw + (lo.Actual - lo.Raw)
	}

	slope := (hi.Actual - lo.Actual) / (hi.Raw - lo.Raw)
	return lo.Actual + (raw-lo.Raw)*slope
}
