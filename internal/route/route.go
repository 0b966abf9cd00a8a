package route

import (
	"math"
	"math/rand"
	"time"
)

// Waypoint is a named point on the simulated walking route.
type Waypoint struct {
	Name string
	Lat  float64
	Lon  float64
}

// Position is a single interpolated GNSS fix. AccuracyM reflects the jitter
// actually applied to this sample, never a fixed constant.
type Position struct {
	Lat       float64
	Lon       float64
	AccuracyM float64
}

// TokyoLoop is a closed walking route around central Tokyo. The first and
// last waypoints are the same place, so the route repeats seamlessly.
var TokyoLoop = []Waypoint{
	{"Tokyo Station", 35.6812, 139.7671},
	{"Imperial Palace", 35.6852, 139.7528},
	{"Kudanshita", 35.6938, 139.7510},
	{"Iidabashi", 35.7020, 139.7450},
	{"Korakuen", 35.7078, 139.7509},
	{"Ochanomizu", 35.6994, 139.7633},
	{"Akihabara", 35.6984, 139.7731},
	{"Ueno Park", 35.7146, 139.7734},
	{"Asakusa", 35.7148, 139.7967},
	{"Skytree", 35.7101, 139.8107},
	{"Ryogoku", 35.6962, 139.7939},
	{"Kiyosumi Garden", 35.6812, 139.7975},
	{"Tsukiji", 35.6654, 139.7707},
	{"Ginza", 35.6717, 139.7645},
	{"Hibiya Park", 35.6735, 139.7568},
	{"Tokyo Tower", 35.6586, 139.7454},
	{"Roppongi", 35.6627, 139.7312},
	{"Akasaka", 35.6765, 139.7376},
	{"Yotsuya", 35.6860, 139.7301},
	{"Tokyo Station", 35.6812, 139.7671},
}

// metersPerDegreeLat is close enough at Tokyo's latitude for jitter math.
const metersPerDegreeLat = 111_320.0

// Interpolator turns elapsed simulation time into a continuous position
// trace along a fixed waypoint loop. The base position for a given elapsed
// time is deterministic; only the per-sample jitter differs between calls.
type Interpolator struct {
	waypoints  []Waypoint
	segment    time.Duration
	maxJitterM float64
	rng        *rand.Rand
}

// New creates an Interpolator over waypoints. The tracker spends segment
// walking each leg, and every sample gets up to maxJitterM meters of
// independent positional noise.
func New(waypoints []Waypoint, segment time.Duration, maxJitterM float64) *Interpolator {
	if len(waypoints) < 2 {
		panic("route: need at least two waypoints")
	}
	if segment <= 0 {
		segment = 5 * time.Minute
	}
	if maxJitterM <= 0 {
		maxJitterM = 15.0
	}
	return &Interpolator{
		waypoints:  waypoints,
		segment:    segment,
		maxJitterM: maxJitterM,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// LoopDuration is the time it takes to walk the whole loop once.
func (ip *Interpolator) LoopDuration() time.Duration {
	return time.Duration(len(ip.waypoints)-1) * ip.segment
}

// Sample returns the position after elapsed time on the loop. The base point
// is a linear interpolation between the two bounding waypoints; jitter is
// applied fresh on every call and never accumulates.
func (ip *Interpolator) Sample(elapsed time.Duration) Position {
	lat, lon := ip.base(elapsed)

	// Uniform radius and bearing keep the displacement inside maxJitterM.
	radius := ip.rng.Float64() * ip.maxJitterM
	if radius < 0.5 {
		radius = 0.5
	}
	bearing := ip.rng.Float64() * 2 * math.Pi

	dLat := radius * math.Cos(bearing) / metersPerDegreeLat
	dLon := radius * math.Sin(bearing) / (metersPerDegreeLat * math.Cos(lat*math.Pi/180))

	return Position{
		Lat:       lat + dLat,
		Lon:       lon + dLon,
		AccuracyM: radius,
	}
}

// Base returns the deterministic on-route point for elapsed time, with no
// jitter applied.
func (ip *Interpolator) Base(elapsed time.Duration) (lat, lon float64) {
	return ip.base(elapsed)
}

func (ip *Interpolator) base(elapsed time.Duration) (lat, lon float64) {
	loop := ip.LoopDuration()
	elapsed = elapsed % loop
	if elapsed < 0 {
		elapsed += loop
	}

	idx := float64(elapsed) / float64(ip.segment)
	i := int(idx)
	frac := idx - float64(i)

	a, b := ip.waypoints[i], ip.waypoints[i+1]
	lat = a.Lat + (b.Lat-a.Lat)*frac
	lon = a.Lon + (b.Lon-a.Lon)*frac
	return lat, lon
}

// Nearest returns the waypoint the tracker is closest to at elapsed time,
// and the index of the segment being walked. Used for operator display only.
func (ip *Interpolator) Nearest(elapsed time.Duration) (Waypoint, int) {
	loop := ip.LoopDuration()
	elapsed = elapsed % loop
	if elapsed < 0 {
		elapsed += loop
	}
	idx := float64(elapsed) / float64(ip.segment)
	i := int(idx)
	if idx-float64(i) >= 0.5 {
		return ip.waypoints[i+1], i
	}
	return ip.waypoints[i], i
}

// MaxJitter reports the configured jitter bound in meters.
func (ip *Interpolator) MaxJitter() float64 {
	return ip.maxJitterM
}
