package threat

import "math"

const earthRadiusKM = 6371.0

// distanceKM computes the great-circle distance between two coordinates
// using the haversine formula
func distanceKM(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := radians(lat2 - lat1)
	dLon := radians(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(lat1))*math.Cos(radians(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	return 2 * earthRadiusKM * math.Asin(math.Sqrt(a))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
