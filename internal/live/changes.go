package live

import (
	"math"
	"reflect"
)

// Fields that change on every flush without the vehicle changing.
var volatileFields = []string{"last_message_ts"}

// Fields dropped from the comparison when the position moved less than the
// jitter thresholds.
var positionFields = []string{"lat", "lon", "altitude", "bearing", "speed"}

const (
	distThreshold    = 10.0 // metres
	bearingThreshold = 5.0  // degrees
)

// Changed reports whether cur differs from prev beyond GPS jitter. A nil prev
// always counts as changed.
func Changed(prev, cur map[string]any) bool {
	if prev == nil && cur == nil {
		return false
	}
	if prev == nil || cur == nil {
		return true
	}

	p, c := without(prev, volatileFields), without(cur, volatileFields)

	if jitterOnly(p, c) {
		p = without(p, positionFields)
		c = without(c, positionFields)
	}
	return !reflect.DeepEqual(p, c)
}

func jitterOnly(p, c map[string]any) bool {
	plat, ok1 := p["lat"].(float64)
	plon, ok2 := p["lon"].(float64)
	clat, ok3 := c["lat"].(float64)
	clon, ok4 := c["lon"].(float64)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return false
	}
	if haversineMeters(plat, plon, clat, clon) >= distThreshold {
		return false
	}

	pb, _ := p["bearing"].(float64)
	cb, _ := c["bearing"].(float64)
	diff := math.Abs(pb - cb)
	if diff > 180 {
		diff = 360 - diff
	}
	return diff < bearingThreshold
}

func without(m map[string]any, keys []string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const r = 6371000.0 // Earth radius in metres
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	return r * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
