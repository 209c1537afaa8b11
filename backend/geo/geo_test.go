package geo

import (
	"math"
	"testing"
	"time"
)

func TestHaversineKnownDistance(t *testing.T) {
	// Tashkent center to Chirchiq is roughly 30 km
	d := Haversine(41.3111, 69.2797, 41.4689, 69.5822)
	if d < 28 || d > 33 {
		t.Fatalf("unexpected distance %f km", d)
	}

	if z := Haversine(41.3111, 69.2797, 41.3111, 69.2797); z != 0 {
		t.Fatalf("zero-distance points give %f", z)
	}
}

func TestDistancePrefersGPS(t *testing.T) {
	a := &Point{Lat: 41.3111, Lon: 69.2797}
	b := &Point{Lat: 41.3211, Lon: 69.2897}

	gps := Distance(a, b, "yunusabad", "sergeli")
	static := DistrictDistance("yunusabad", "sergeli")
	if gps == static {
		t.Fatal("GPS distance not used when both points known")
	}
	if gps > 3 {
		t.Fatalf("nearby points give %f km", gps)
	}

	// missing either point falls back to the district map
	if d := Distance(a, nil, "yunusabad", "sergeli"); d != static {
		t.Fatalf("want district fallback %f, got %f", static, d)
	}
}

func TestDistrictDistanceSymmetric(t *testing.T) {
	if DistrictDistance("yunusabad", "chilanzar") != DistrictDistance("chilanzar", "yunusabad") {
		t.Fatal("district distance is not symmetric")
	}
	if d := DistrictDistance("chilanzar", "chilanzar"); d != sameDistrictKm {
		t.Fatalf("same-district distance %f", d)
	}
	if d := DistrictDistance("atlantis", "chilanzar"); d != unknownDistrictKm {
		t.Fatalf("unknown district distance %f", d)
	}
}

func TestBandAt(t *testing.T) {
	cases := []struct {
		hour int
		want TrafficBand
	}{
		{7, BandRush}, {8, BandRush}, {9, BandNormal},
		{17, BandRush}, {18, BandRush}, {19, BandNormal},
		{20, BandEvening}, {23, BandEvening},
		{12, BandNormal}, {3, BandNormal},
	}
	for _, c := range cases {
		at := time.Date(2025, 9, 27, c.hour, 30, 0, 0, time.UTC)
		if got := BandAt(at); got != c.want {
			t.Errorf("hour %d: want %s, got %s", c.hour, c.want, got)
		}
	}
}

func TestTravelTimeIncludesBuffer(t *testing.T) {
	cfg := DefaultConfig()

	// 28 km/h over 14 km = 30 min drive, buffer 5 + 28 = 33 min
	d, err := cfg.TravelTime(14, "driving", BandNormal)
	if err != nil {
		t.Fatalf("travel time: %v", err)
	}
	want := 63 * time.Minute
	if diff := d - want; diff < -time.Minute || diff > time.Minute {
		t.Fatalf("want ~%s, got %s", want, d)
	}

	if _, err := cfg.TravelTime(10, "teleport", BandNormal); err == nil {
		t.Fatal("unknown mode accepted")
	}
}

func TestRushHourIsSlower(t *testing.T) {
	cfg := DefaultConfig()
	rush, _ := cfg.TravelTime(10, "driving", BandRush)
	normal, _ := cfg.TravelTime(10, "driving", BandNormal)
	if rush <= normal {
		t.Fatalf("rush %s not slower than normal %s", rush, normal)
	}
}

func TestOptimizeRouteIdentityForSingleStop(t *testing.T) {
	cfg := DefaultConfig()
	origin := Stop{District: "yunusabad"}
	stops := []Stop{{RequestNumber: "250927-001", District: "chilanzar"}}

	route, err := cfg.OptimizeRoute(origin, stops, "driving", time.Date(2025, 9, 27, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if len(route.Stops) != 1 || route.Stops[0].RequestNumber != "250927-001" {
		t.Fatalf("single stop reordered: %+v", route.Stops)
	}
	if route.ImprovementPct != 0 {
		t.Fatalf("identity route claims improvement %f", route.ImprovementPct)
	}
}

func TestOptimizeRouteNeverWorseThanInputOrder(t *testing.T) {
	cfg := DefaultConfig()
	origin := Stop{Point: &Point{Lat: 41.30, Lon: 69.25}}
	// deliberately bad input order: far, near, far, near
	stops := []Stop{
		{RequestNumber: "a", Point: &Point{Lat: 41.40, Lon: 69.40}},
		{RequestNumber: "b", Point: &Point{Lat: 41.31, Lon: 69.26}},
		{RequestNumber: "c", Point: &Point{Lat: 41.41, Lon: 69.41}},
		{RequestNumber: "d", Point: &Point{Lat: 41.32, Lon: 69.27}},
	}

	route, err := cfg.OptimizeRoute(origin, stops, "driving", time.Date(2025, 9, 27, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if len(route.Stops) != 4 {
		t.Fatalf("lost stops: %d", len(route.Stops))
	}

	baseline := routeDistance(origin, stops)
	if route.TotalKm > baseline+1e-9 {
		t.Fatalf("optimized %f km worse than input order %f km", route.TotalKm, baseline)
	}
	if route.ImprovementPct < 0 || math.IsNaN(route.ImprovementPct) {
		t.Fatalf("bad improvement %f", route.ImprovementPct)
	}
	// nearest neighbor from origin must start at the closest stop
	if route.Stops[0].RequestNumber != "b" {
		t.Fatalf("route starts at %s, want b", route.Stops[0].RequestNumber)
	}
}

func TestClusterByDistrict(t *testing.T) {
	stops := []Stop{
		{RequestNumber: "a", District: "chilanzar"},
		{RequestNumber: "b", District: "chilanzar"},
		{RequestNumber: "c", District: "yunusabad"},
		{RequestNumber: "d"},
	}
	clusters := ClusterByDistrict(stops)
	if len(clusters["chilanzar"]) != 2 {
		t.Fatalf("chilanzar cluster: %d", len(clusters["chilanzar"]))
	}
	if len(clusters["unknown"]) != 1 {
		t.Fatalf("unknown cluster: %d", len(clusters["unknown"]))
	}
}

func TestClusterByGrid(t *testing.T) {
	stops := []Stop{
		{RequestNumber: "a", Point: &Point{Lat: 41.300, Lon: 69.250}},
		{RequestNumber: "b", Point: &Point{Lat: 41.301, Lon: 69.251}}, // same cell
		{RequestNumber: "c", Point: &Point{Lat: 41.400, Lon: 69.400}},
		{RequestNumber: "d", District: "sergeli"},
	}
	clusters := ClusterByGrid(stops, 0.02)
	if len(clusters) != 3 {
		t.Fatalf("want 3 clusters, got %d: %v", len(clusters), clusters)
	}
	if len(clusters["district:sergeli"]) != 1 {
		t.Fatal("district fallback cluster missing")
	}
}
