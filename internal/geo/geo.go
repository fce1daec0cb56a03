// Package geo provides the coordinate frame registry and the geodetic
// primitives shared by the solver and the fusion loop: ECEF conversions,
// transverse-Mercator projections, UTM zone inference and great-circle
// distance/bearing.
package geo

import "math"

// WGS84 ellipsoid.
const (
	SemiMajorAxisM = 6378137.0
	Flattening     = 1.0 / 298.257223563

	// MeanEarthRadiusM is used for the spherical distance/bearing helpers.
	MeanEarthRadiusM = 6371008.8
)

var (
	eccSq      = Flattening * (2 - Flattening)
	eccPrimeSq = eccSq / (1 - eccSq)
)

// Geodetic is a WGS84 latitude/longitude/altitude triple. Altitude is meters
// above the ellipsoid.
type Geodetic struct {
	LatDeg float64
	LonDeg float64
	AltM   float64
}

// ECEF is an Earth-centered Earth-fixed Cartesian position in meters.
type ECEF struct {
	X, Y, Z float64
}

// Sub returns e - other.
func (e ECEF) Sub(other ECEF) ECEF {
	return ECEF{X: e.X - other.X, Y: e.Y - other.Y, Z: e.Z - other.Z}
}

// Norm returns the Euclidean norm of the vector.
func (e ECEF) Norm() float64 {
	return math.Sqrt(e.X*e.X + e.Y*e.Y + e.Z*e.Z)
}

// DistanceTo returns the straight-line distance to other in meters.
func (e ECEF) DistanceTo(other ECEF) float64 {
	return e.Sub(other).Norm()
}

// ToECEF converts a geodetic position to ECEF.
func (g Geodetic) ToECEF() ECEF {
	lat := g.LatDeg * math.Pi / 180
	lon := g.LonDeg * math.Pi / 180
	sinLat := math.Sin(lat)
	cosLat := math.Cos(lat)
	n := SemiMajorAxisM / math.Sqrt(1-eccSq*sinLat*sinLat)
	return ECEF{
		X: (n + g.AltM) * cosLat * math.Cos(lon),
		Y: (n + g.AltM) * cosLat * math.Sin(lon),
		Z: (n*(1-eccSq) + g.AltM) * sinLat,
	}
}

// ToGeodetic converts an ECEF position to geodetic using Bowring's method.
func (e ECEF) ToGeodetic() Geodetic {
	p := math.Hypot(e.X, e.Y)
	if p == 0 {
		// On the polar axis.
		alt := math.Abs(e.Z) - SemiMajorAxisM*(1-Flattening)
		lat := 90.0
		if e.Z < 0 {
			lat = -90.0
		}
		return Geodetic{LatDeg: lat, AltM: alt}
	}

	b := SemiMajorAxisM * (1 - Flattening)
	theta := math.Atan2(e.Z*SemiMajorAxisM, p*b)
	sinT := math.Sin(theta)
	cosT := math.Cos(theta)
	lat := math.Atan2(e.Z+eccPrimeSq*b*sinT*sinT*sinT, p-eccSq*SemiMajorAxisM*cosT*cosT*cosT)
	lon := math.Atan2(e.Y, e.X)
	sinLat := math.Sin(lat)
	n := SemiMajorAxisM / math.Sqrt(1-eccSq*sinLat*sinLat)
	alt := p/math.Cos(lat) - n

	return Geodetic{
		LatDeg: lat * 180 / math.Pi,
		LonDeg: lon * 180 / math.Pi,
		AltM:   alt,
	}
}

// ElevationAngleDeg returns the elevation angle of target above the local
// horizon at receiver, in degrees.
func ElevationAngleDeg(receiver, target ECEF) float64 {
	los := target.Sub(receiver)
	r := los.Norm()
	if r == 0 {
		return 90
	}
	g := receiver.ToGeodetic()
	lat := g.LatDeg * math.Pi / 180
	lon := g.LonDeg * math.Pi / 180
	// Local up unit vector at the receiver.
	up := ECEF{
		X: math.Cos(lat) * math.Cos(lon),
		Y: math.Cos(lat) * math.Sin(lon),
		Z: math.Sin(lat),
	}
	cosZ := (los.X*up.X + los.Y*up.Y + los.Z*up.Z) / r
	if cosZ > 1 {
		cosZ = 1
	} else if cosZ < -1 {
		cosZ = -1
	}
	return math.Asin(cosZ) * 180 / math.Pi
}

// DistanceM returns the Haversine great-circle distance between two points in
// meters, ignoring altitude.
func DistanceM(a, b Geodetic) float64 {
	lat1 := a.LatDeg * math.Pi / 180
	lat2 := b.LatDeg * math.Pi / 180
	dLat := (b.LatDeg - a.LatDeg) * math.Pi / 180
	dLon := (b.LonDeg - a.LonDeg) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	return 2 * MeanEarthRadiusM * math.Asin(math.Sqrt(h))
}

// Distance3DM returns the Haversine distance combined with the altitude
// difference for a 3D slant distance in meters.
func Distance3DM(a, b Geodetic) float64 {
	ground := DistanceM(a, b)
	dAlt := b.AltM - a.AltM
	return math.Hypot(ground, dAlt)
}

// BearingDeg returns the initial great-circle bearing from a to b in degrees
// clockwise from true north, normalized to [0, 360).
func BearingDeg(a, b Geodetic) float64 {
	lat1 := a.LatDeg * math.Pi / 180
	lat2 := b.LatDeg * math.Pi / 180
	dLon := (b.LonDeg - a.LonDeg) * math.Pi / 180

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	brg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(brg+360, 360)
}

// UTMZone infers the UTM zone for a position. Besides the regular 6-degree
// bands it applies the widened zone 32 over southern Norway and the
// zone 31/33/35/37 layout over Svalbard.
func UTMZone(latDeg, lonDeg float64) int {
	// Normalize longitude to [-180, 180).
	lon := math.Mod(lonDeg+180, 360)
	if lon < 0 {
		lon += 360
	}
	lon -= 180

	if latDeg >= 56 && latDeg < 64 && lon >= 3 && lon < 12 {
		return 32
	}
	if latDeg >= 72 && latDeg < 84 {
		switch {
		case lon >= 0 && lon < 9:
			return 31
		case lon >= 9 && lon < 21:
			return 33
		case lon >= 21 && lon < 33:
			return 35
		case lon >= 33 && lon < 42:
			return 37
		}
	}

	zone := int(math.Floor((lon+180)/6)) + 1
	if zone > 60 {
		zone = 60
	}
	return zone
}

// UTMCentralMeridianDeg returns the central meridian of a UTM zone.
func UTMCentralMeridianDeg(zone int) float64 {
	return float64(zone)*6 - 183
}
