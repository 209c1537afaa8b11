// Package geo provides the distance, travel-time and route primitives
// the dispatcher and batch optimizers score with.
package geo

import (
	"fmt"
	"math"
	"time"
)

const earthRadiusKm = 6371.0

// Haversine returns the great-circle distance between two points in km.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	rLat1 := lat1 * math.Pi / 180
	rLat2 := lat2 * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

// districtDistances is the static fallback used when GPS coordinates are
// unavailable. Distances are symmetric, in km, between district centers.
var districtDistances = map[string]float64{
	pairKey("yunusabad", "chilanzar"):     14.0,
	pairKey("yunusabad", "mirzo_ulugbek"): 7.5,
	pairKey("yunusabad", "yakkasaray"):    9.0,
	pairKey("yunusabad", "shaykhantahur"): 6.0,
	pairKey("yunusabad", "sergeli"):       20.0,
	pairKey("chilanzar", "mirzo_ulugbek"): 13.0,
	pairKey("chilanzar", "yakkasaray"):    6.5,
	pairKey("chilanzar", "shaykhantahur"): 8.0,
	pairKey("chilanzar", "sergeli"):       9.0,
	pairKey("mirzo_ulugbek", "yakkasaray"): 8.0,
	pairKey("mirzo_ulugbek", "shaykhantahur"): 9.5,
	pairKey("mirzo_ulugbek", "sergeli"):   18.0,
	pairKey("yakkasaray", "shaykhantahur"): 4.5,
	pairKey("yakkasaray", "sergeli"):      11.0,
	pairKey("shaykhantahur", "sergeli"):   15.0,
}

const (
	sameDistrictKm    = 3.0
	unknownDistrictKm = 12.0
)

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// DistrictDistance returns the static distance between two districts in km.
func DistrictDistance(a, b string) float64 {
	if a == b && a != "" {
		return sameDistrictKm
	}
	if d, ok := districtDistances[pairKey(a, b)]; ok {
		return d
	}
	return unknownDistrictKm
}

// Point is an optional GPS coordinate.
type Point struct {
	Lat float64
	Lon float64
}

// Distance prefers GPS and falls back to the static district map.
func Distance(a, b *Point, districtA, districtB string) float64 {
	if a != nil && b != nil {
		return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
	}
	return DistrictDistance(districtA, districtB)
}

// TrafficBand classifies the time of day.
type TrafficBand string

const (
	BandRush    TrafficBand = "rush"    // 07-09, 17-19
	BandEvening TrafficBand = "evening" // >= 20
	BandNormal  TrafficBand = "normal"
)

// BandAt returns the traffic band for t.
func BandAt(t time.Time) TrafficBand {
	h := t.Hour()
	switch {
	case (h >= 7 && h < 9) || (h >= 17 && h < 19):
		return BandRush
	case h >= 20:
		return BandEvening
	default:
		return BandNormal
	}
}

// Config holds travel speeds per mode and band, in km/h.
type Config struct {
	Speeds map[string]map[TrafficBand]float64
}

// DefaultConfig returns speeds for the supported travel modes.
func DefaultConfig() Config {
	return Config{
		Speeds: map[string]map[TrafficBand]float64{
			"driving": {BandRush: 18, BandEvening: 35, BandNormal: 28},
			"transit": {BandRush: 14, BandEvening: 20, BandNormal: 17},
			"walking": {BandRush: 5, BandEvening: 5, BandNormal: 5},
		},
	}
}

// TravelTime estimates door-to-door time: distance over the band speed
// plus a constant buffer of 5 + 2*distance_km minutes.
func (c Config) TravelTime(distKm float64, mode string, band TrafficBand) (time.Duration, error) {
	speeds, ok := c.Speeds[mode]
	if !ok {
		return 0, fmt.Errorf("unknown travel mode %q", mode)
	}
	speed, ok := speeds[band]
	if !ok || speed <= 0 {
		return 0, fmt.Errorf("no speed configured for mode %q band %q", mode, band)
	}
	driveMinutes := distKm / speed * 60
	bufferMinutes := 5 + 2*distKm
	return time.Duration((driveMinutes + bufferMinutes) * float64(time.Minute)), nil
}
