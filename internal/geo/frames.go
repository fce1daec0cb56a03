package geo

import (
	"fmt"
	"math"
	"sync"
)

// FrameWGS84 is the name of the built-in geodetic frame. Its "projected"
// coordinates are plain degrees (x=lon, y=lat).
const FrameWGS84 = "WGS84"

// Bounds is a frame's area of use as a lat/lon bounding box.
type Bounds struct {
	MinLatDeg float64
	MaxLatDeg float64
	MinLonDeg float64
	MaxLonDeg float64
}

// Contains reports whether the position lies within the bounds. A zero Bounds
// contains everything.
func (b Bounds) Contains(g Geodetic) bool {
	if b == (Bounds{}) {
		return true
	}
	return g.LatDeg >= b.MinLatDeg && g.LatDeg <= b.MaxLatDeg &&
		g.LonDeg >= b.MinLonDeg && g.LonDeg <= b.MaxLonDeg
}

// Frame is a registered reference system for planar coordinates.
type Frame struct {
	Name   string
	Bounds Bounds

	// Geodetic frames carry degrees directly; projected frames use a
	// transverse-Mercator projection with the parameters below.
	Geodetic bool

	CentralMeridianDeg float64
	ScaleFactor        float64
	FalseEastingM      float64
	FalseNorthingM     float64
}

// UTMFrame builds a transverse-Mercator frame for a UTM zone.
func UTMFrame(zone int, southern bool) Frame {
	name := fmt.Sprintf("UTM%dN", zone)
	falseNorthing := 0.0
	if southern {
		name = fmt.Sprintf("UTM%dS", zone)
		falseNorthing = 10000000.0
	}
	return Frame{
		Name:               name,
		CentralMeridianDeg: UTMCentralMeridianDeg(zone),
		ScaleFactor:        0.9996,
		FalseEastingM:      500000.0,
		FalseNorthingM:     falseNorthing,
	}
}

// UnknownFrameError is returned when a conversion names an unregistered frame.
type UnknownFrameError struct {
	Name string
}

func (e *UnknownFrameError) Error() string {
	return fmt.Sprintf("geo: unknown reference frame %q", e.Name)
}

// Registry holds named reference frames. WGS84 is always registered.
type Registry struct {
	mu     sync.RWMutex
	frames map[string]Frame
}

// NewRegistry returns a registry pre-populated with WGS84.
func NewRegistry() *Registry {
	r := &Registry{frames: make(map[string]Frame)}
	r.frames[FrameWGS84] = Frame{Name: FrameWGS84, Geodetic: true}
	return r
}

// Register adds or replaces a frame.
func (r *Registry) Register(f Frame) error {
	if f.Name == "" {
		return fmt.Errorf("geo: frame name is required")
	}
	if !f.Geodetic && f.ScaleFactor <= 0 {
		return fmt.Errorf("geo: frame %q: scale factor must be > 0", f.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames[f.Name] = f
	return nil
}

// Frames returns a snapshot of the registered frame names.
func (r *Registry) Frames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.frames))
	for name := range r.frames {
		names = append(names, name)
	}
	return names
}

func (r *Registry) lookup(name string) (Frame, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.frames[name]
	if !ok {
		return Frame{}, &UnknownFrameError{Name: name}
	}
	return f, nil
}

// ToGeodetic converts planar coordinates in the named frame to geodetic.
func (r *Registry) ToGeodetic(frame string, x, y float64) (Geodetic, error) {
	f, err := r.lookup(frame)
	if err != nil {
		return Geodetic{}, err
	}
	if f.Geodetic {
		return Geodetic{LatDeg: y, LonDeg: x}, nil
	}
	return tmInverse(f, x, y), nil
}

// FromGeodetic converts a geodetic position to planar coordinates in the
// named frame.
func (r *Registry) FromGeodetic(frame string, g Geodetic) (x, y float64, err error) {
	f, err := r.lookup(frame)
	if err != nil {
		return 0, 0, err
	}
	if f.Geodetic {
		return g.LonDeg, g.LatDeg, nil
	}
	x, y = tmForward(f, g)
	return x, y, nil
}

// Convert transforms planar coordinates between two registered frames by
// passing through geodetic.
func (r *Registry) Convert(from, to string, x, y float64) (float64, float64, error) {
	g, err := r.ToGeodetic(from, x, y)
	if err != nil {
		return 0, 0, err
	}
	return r.FromGeodetic(to, g)
}

// tmForward projects geodetic to transverse-Mercator easting/northing using
// the standard series expansion (mm-level within a zone).
func tmForward(f Frame, g Geodetic) (x, y float64) {
	lat := g.LatDeg * math.Pi / 180
	lon := g.LonDeg * math.Pi / 180
	lon0 := f.CentralMeridianDeg * math.Pi / 180

	sinLat := math.Sin(lat)
	cosLat := math.Cos(lat)
	tanLat := math.Tan(lat)

	n := SemiMajorAxisM / math.Sqrt(1-eccSq*sinLat*sinLat)
	t := tanLat * tanLat
	c := eccPrimeSq * cosLat * cosLat
	a := cosLat * (lon - lon0)

	m := meridionalArc(lat)

	a2 := a * a
	a3 := a2 * a
	a4 := a3 * a
	a5 := a4 * a
	a6 := a5 * a

	x = f.ScaleFactor*n*(a+(1-t+c)*a3/6+(5-18*t+t*t+72*c-58*eccPrimeSq)*a5/120) + f.FalseEastingM
	y = f.ScaleFactor*(m+n*tanLat*(a2/2+(5-t+9*c+4*c*c)*a4/24+
		(61-58*t+t*t+600*c-330*eccPrimeSq)*a6/720)) + f.FalseNorthingM
	return x, y
}

// tmInverse unprojects transverse-Mercator easting/northing to geodetic.
func tmInverse(f Frame, x, y float64) Geodetic {
	e1 := (1 - math.Sqrt(1-eccSq)) / (1 + math.Sqrt(1-eccSq))
	m := (y - f.FalseNorthingM) / f.ScaleFactor
	mu := m / (SemiMajorAxisM * (1 - eccSq/4 - 3*eccSq*eccSq/64 - 5*eccSq*eccSq*eccSq/256))

	// Footpoint latitude.
	phi := mu +
		(3*e1/2-27*e1*e1*e1/32)*math.Sin(2*mu) +
		(21*e1*e1/16-55*e1*e1*e1*e1/32)*math.Sin(4*mu) +
		(151*e1*e1*e1/96)*math.Sin(6*mu) +
		(1097*e1*e1*e1*e1/512)*math.Sin(8*mu)

	sinPhi := math.Sin(phi)
	cosPhi := math.Cos(phi)
	tanPhi := math.Tan(phi)

	c1 := eccPrimeSq * cosPhi * cosPhi
	t1 := tanPhi * tanPhi
	n1 := SemiMajorAxisM / math.Sqrt(1-eccSq*sinPhi*sinPhi)
	r1 := SemiMajorAxisM * (1 - eccSq) / math.Pow(1-eccSq*sinPhi*sinPhi, 1.5)
	d := (x - f.FalseEastingM) / (n1 * f.ScaleFactor)

	d2 := d * d
	d3 := d2 * d
	d4 := d3 * d
	d5 := d4 * d
	d6 := d5 * d

	lat := phi - (n1*tanPhi/r1)*(d2/2-
		(5+3*t1+10*c1-4*c1*c1-9*eccPrimeSq)*d4/24+
		(61+90*t1+298*c1+45*t1*t1-252*eccPrimeSq-3*c1*c1)*d6/720)
	lon := f.CentralMeridianDeg*math.Pi/180 +
		(d-(1+2*t1+c1)*d3/6+
			(5-2*c1+28*t1-3*c1*c1+8*eccPrimeSq+24*t1*t1)*d5/120)/cosPhi

	return Geodetic{
		LatDeg: lat * 180 / math.Pi,
		LonDeg: lon * 180 / math.Pi,
	}
}

// meridionalArc returns the meridional arc length from the equator to lat.
func meridionalArc(lat float64) float64 {
	e2 := eccSq
	e4 := e2 * e2
	e6 := e4 * e2
	return SemiMajorAxisM * ((1-e2/4-3*e4/64-5*e6/256)*lat -
		(3*e2/8+3*e4/32+45*e6/1024)*math.Sin(2*lat) +
		(15*e4/256+45*e6/1024)*math.Sin(4*lat) -
		(35*e6/3072)*math.Sin(6*lat))
}
