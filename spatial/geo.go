// Package spatial holds the client-side geometry and tracking logic: great-circle
// distances and the start/pause/resume/stop state machine that turns a stream of
// geolocation fixes into cumulative distance, speed and elapsed time.
package spatial

import "math"

// EarthRadius is the mean Earth radius in meters.
const EarthRadius = 6371000.0

// Point is a latitude/longitude pair in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Haversine returns the great-circle distance between a and b in meters.
func Haversine(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	// rounding can push h just outside [0, 1] for near antipodal points
	h = math.Min(1, math.Max(0, h))
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadius * c
}

// SpeedKMH converts a device reported speed in m/s to km/h.
// A nil speed means the platform did not report one and counts as 0. So do
// negative values, which some platforms use to flag an invalid reading.
func SpeedKMH(mps *float64) float64 {
	if mps == nil || math.IsNaN(*mps) || math.IsInf(*mps, 0) || *mps < 0 {
		return 0
	}
	return *mps * 3.6
}
