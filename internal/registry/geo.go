package registry

import (
	"math"

	"github.com/munbon/sensorhub/internal/types"
)

const earthRadiusM = 6_371_000.0

// distanceMeters is the Haversine great-circle distance between two
// coordinates.
func distanceMeters(a, b types.LatLng) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(h))
}
