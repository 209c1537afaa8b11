package geo

import (
	"fmt"
	"time"
)

// Stop is one visit on an executor's route.
type Stop struct {
	RequestNumber string
	Point         *Point
	District      string
}

// Route is an ordered schedule with its reported metrics.
type Route struct {
	Stops          []Stop        `json:"stops"`
	TotalKm        float64       `json:"total_km"`
	TotalTime      time.Duration `json:"total_time"`
	ImprovementPct float64       `json:"improvement_pct"` // vs. the unordered schedule
}

// OptimizeRoute orders stops for one executor using nearest-neighbor TSP
// from the origin. For one stop or fewer the input order is the result.
func (c Config) OptimizeRoute(origin Stop, stops []Stop, mode string, at time.Time) (Route, error) {
	band := BandAt(at)

	if len(stops) <= 1 {
		total := routeDistance(origin, stops)
		t, err := c.TravelTime(total, mode, band)
		if err != nil {
			return Route{}, err
		}
		return Route{Stops: stops, TotalKm: total, TotalTime: t}, nil
	}

	baseline := routeDistance(origin, stops)

	remaining := make([]Stop, len(stops))
	copy(remaining, stops)
	ordered := make([]Stop, 0, len(stops))
	cur := origin

	for len(remaining) > 0 {
		best := 0
		bestDist := stopDistance(cur, remaining[0])
		for i := 1; i < len(remaining); i++ {
			if d := stopDistance(cur, remaining[i]); d < bestDist {
				best = i
				bestDist = d
			}
		}
		cur = remaining[best]
		ordered = append(ordered, cur)
		remaining = append(remaining[:best], remaining[best+1:]...)
	}

	total := routeDistance(origin, ordered)
	t, err := c.TravelTime(total, mode, band)
	if err != nil {
		return Route{}, err
	}

	improvement := 0.0
	if baseline > 0 {
		improvement = (baseline - total) / baseline * 100
		if improvement < 0 {
			improvement = 0
		}
	}
	return Route{Stops: ordered, TotalKm: total, TotalTime: t, ImprovementPct: improvement}, nil
}

func stopDistance(a, b Stop) float64 {
	return Distance(a.Point, b.Point, a.District, b.District)
}

func routeDistance(origin Stop, stops []Stop) float64 {
	total := 0.0
	cur := origin
	for _, s := range stops {
		total += stopDistance(cur, s)
		cur = s
	}
	return total
}

// ClusterByDistrict groups stops by district; the batch optimizers use
// clusters to keep exchanges intra-district.
func ClusterByDistrict(stops []Stop) map[string][]Stop {
	out := make(map[string][]Stop)
	for _, s := range stops {
		d := s.District
		if d == "" {
			d = "unknown"
		}
		out[d] = append(out[d], s)
	}
	return out
}

// ClusterByGrid groups GPS-known stops into cells of cellDeg degrees;
// stops without coordinates fall back to their district.
func ClusterByGrid(stops []Stop, cellDeg float64) map[string][]Stop {
	if cellDeg <= 0 {
		cellDeg = 0.02
	}
	out := make(map[string][]Stop)
	for _, s := range stops {
		var key string
		if s.Point != nil {
			key = fmt.Sprintf("cell:%d:%d",
				int(s.Point.Lat/cellDeg), int(s.Point.Lon/cellDeg))
		} else if s.District != "" {
			key = "district:" + s.District
		} else {
			key = "unknown"
		}
		out[key] = append(out[key], s)
	}
	return out
}
