package geo

import (
	"math"
	"testing"
)

func TestECEFRoundTrip(t *testing.T) {
	cases := []Geodetic{
		{LatDeg: 0, LonDeg: 0, AltM: 0},
		{LatDeg: 48.1173, LonDeg: 11.5167, AltM: 545},
		{LatDeg: -33.8688, LonDeg: 151.2093, AltM: 58},
		{LatDeg: 71.0, LonDeg: -8.0, AltM: 1200},
		{LatDeg: -89.9, LonDeg: 100, AltM: 2800},
	}
	for _, g := range cases {
		back := g.ToECEF().ToGeodetic()
		if math.Abs(back.LatDeg-g.LatDeg) > 1e-9 {
			t.Fatalf("lat %v: got %v", g.LatDeg, back.LatDeg)
		}
		if math.Abs(back.LonDeg-g.LonDeg) > 1e-9 {
			t.Fatalf("lon %v: got %v", g.LonDeg, back.LonDeg)
		}
		if math.Abs(back.AltM-g.AltM) > 1e-3 {
			t.Fatalf("alt %v: got %v", g.AltM, back.AltM)
		}
	}
}

func TestToECEF_Equator(t *testing.T) {
	e := Geodetic{LatDeg: 0, LonDeg: 0, AltM: 0}.ToECEF()
	if math.Abs(e.X-6378137) > 1e-6 {
		t.Fatalf("expected semi-major axis on X, got %v", e.X)
	}
	if math.Abs(e.Y) > 1e-6 || math.Abs(e.Z) > 1e-6 {
		t.Fatalf("expected zero Y/Z, got %v %v", e.Y, e.Z)
	}
}

func TestDistanceM_KnownPair(t *testing.T) {
	// Munich to Berlin, roughly 504 km great-circle.
	munich := Geodetic{LatDeg: 48.1351, LonDeg: 11.5820}
	berlin := Geodetic{LatDeg: 52.5200, LonDeg: 13.4050}
	d := DistanceM(munich, berlin)
	if d < 500e3 || d > 510e3 {
		t.Fatalf("expected ~504 km, got %v m", d)
	}
	if DistanceM(munich, munich) != 0 {
		t.Fatalf("expected zero self distance")
	}
}

func TestDistance3DM_AltitudeDominates(t *testing.T) {
	a := Geodetic{LatDeg: 10, LonDeg: 10, AltM: 0}
	b := Geodetic{LatDeg: 10, LonDeg: 10, AltM: 1000}
	if d := Distance3DM(a, b); math.Abs(d-1000) > 1e-6 {
		t.Fatalf("expected 1000 m vertical, got %v", d)
	}
}

func TestBearingDeg_Cardinal(t *testing.T) {
	origin := Geodetic{LatDeg: 0, LonDeg: 0}
	north := Geodetic{LatDeg: 1, LonDeg: 0}
	east := Geodetic{LatDeg: 0, LonDeg: 1}
	if b := BearingDeg(origin, north); math.Abs(b) > 0.01 {
		t.Fatalf("expected 0 for due north, got %v", b)
	}
	if b := BearingDeg(origin, east); math.Abs(b-90) > 0.01 {
		t.Fatalf("expected 90 for due east, got %v", b)
	}
}

func TestElevationAngleDeg_Overhead(t *testing.T) {
	rcv := Geodetic{LatDeg: 0, LonDeg: 0, AltM: 0}.ToECEF()
	sat := Geodetic{LatDeg: 0, LonDeg: 0, AltM: 20200e3}.ToECEF()
	if el := ElevationAngleDeg(rcv, sat); math.Abs(el-90) > 0.1 {
		t.Fatalf("expected ~90 deg for zenith, got %v", el)
	}
}

func TestElevationAngleDeg_Horizon(t *testing.T) {
	rcv := Geodetic{LatDeg: 0, LonDeg: 0, AltM: 0}.ToECEF()
	// A satellite far along the local horizontal plane.
	sat := Geodetic{LatDeg: 0, LonDeg: 15, AltM: 0}.ToECEF()
	el := ElevationAngleDeg(rcv, sat)
	if el > 0 {
		t.Fatalf("expected at or below horizon, got %v", el)
	}
}

func TestUTMZone_Standard(t *testing.T) {
	cases := []struct {
		lat, lon float64
		zone     int
	}{
		{48.1351, 11.5820, 32}, // Munich
		{40.7128, -74.0060, 18},
		{0, -180, 1},
		{0, 179.9, 60},
	}
	for _, c := range cases {
		if z := UTMZone(c.lat, c.lon); z != c.zone {
			t.Fatalf("lat=%v lon=%v: expected zone %d, got %d", c.lat, c.lon, c.zone, z)
		}
	}
}

func TestUTMZone_NorwayException(t *testing.T) {
	// Western Norway between 56N and 64N uses zone 32 even below 6E.
	if z := UTMZone(60.39, 5.32); z != 32 {
		t.Fatalf("Bergen: expected zone 32, got %d", z)
	}
	// Just south of the band the normal rule applies.
	if z := UTMZone(55.9, 5.32); z != 31 {
		t.Fatalf("expected zone 31 below the band, got %d", z)
	}
}

func TestUTMZone_SvalbardException(t *testing.T) {
	cases := []struct {
		lon  float64
		zone int
	}{
		{5, 31},
		{10, 33},
		{20, 33},
		{22, 35},
		{34, 37},
	}
	for _, c := range cases {
		if z := UTMZone(75, c.lon); z != c.zone {
			t.Fatalf("lon=%v: expected zone %d, got %d", c.lon, c.zone, z)
		}
	}
}

func TestUTMCentralMeridianDeg(t *testing.T) {
	if m := UTMCentralMeridianDeg(32); m != 9 {
		t.Fatalf("zone 32: expected 9, got %v", m)
	}
	if m := UTMCentralMeridianDeg(1); m != -177 {
		t.Fatalf("zone 1: expected -177, got %v", m)
	}
}
