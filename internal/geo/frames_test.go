package geo

import (
	"errors"
	"math"
	"testing"
)

func TestRegistry_WGS84Builtin(t *testing.T) {
	r := NewRegistry()
	g, err := r.ToGeodetic(FrameWGS84, 11.5, 48.1)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if g.LatDeg != 48.1 || g.LonDeg != 11.5 {
		t.Fatalf("expected lat=48.1 lon=11.5, got %+v", g)
	}
	x, y, err := r.FromGeodetic(FrameWGS84, g)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if x != 11.5 || y != 48.1 {
		t.Fatalf("expected x=lon y=lat, got %v %v", x, y)
	}
}

func TestRegistry_UnknownFrame(t *testing.T) {
	r := NewRegistry()
	_, err := r.ToGeodetic("EPSG:9999", 0, 0)
	if err == nil {
		t.Fatalf("expected error")
	}
	var unknown *UnknownFrameError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownFrameError, got %T", err)
	}
	if unknown.Name != "EPSG:9999" {
		t.Fatalf("expected frame name in error, got %q", unknown.Name)
	}
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Frame{}); err == nil {
		t.Fatalf("expected error for empty name")
	}
	if err := r.Register(Frame{Name: "bad", ScaleFactor: 0}); err == nil {
		t.Fatalf("expected error for zero scale factor")
	}
	if err := r.Register(UTMFrame(32, false)); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
}

func TestUTMRoundTrip_Munich(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(UTMFrame(32, false)); err != nil {
		t.Fatalf("register: %v", err)
	}
	g := Geodetic{LatDeg: 48.1372, LonDeg: 11.5755}
	x, y, err := r.FromGeodetic("UTM32N", g)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	// Published UTM coordinates for Marienplatz: 691609 E, 5334757 N.
	if math.Abs(x-691609) > 50 {
		t.Fatalf("easting off: got %v", x)
	}
	if math.Abs(y-5334757) > 100 {
		t.Fatalf("northing off: got %v", y)
	}

	back, err := r.ToGeodetic("UTM32N", x, y)
	if err != nil {
		t.Fatalf("inverse: %v", err)
	}
	if math.Abs(back.LatDeg-g.LatDeg) > 1e-7 || math.Abs(back.LonDeg-g.LonDeg) > 1e-7 {
		t.Fatalf("round trip drifted: %+v vs %+v", back, g)
	}
}

func TestUTMFrame_SouthernNorthing(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(UTMFrame(56, true)); err != nil {
		t.Fatalf("register: %v", err)
	}
	// Sydney sits in UTM 56S with a northing below the 10000 km offset.
	_, y, err := r.FromGeodetic("UTM56S", Geodetic{LatDeg: -33.8688, LonDeg: 151.2093})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if y < 6000000 || y > 6500000 {
		t.Fatalf("expected southern-hemisphere northing near 6.25e6, got %v", y)
	}
}

func TestRegistry_Convert(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(UTMFrame(32, false)); err != nil {
		t.Fatalf("register: %v", err)
	}
	lon, lat, err := r.Convert("UTM32N", FrameWGS84, 691609, 5334757)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if math.Abs(lat-48.1372) > 0.001 || math.Abs(lon-11.5755) > 0.001 {
		t.Fatalf("expected Munich, got lat=%v lon=%v", lat, lon)
	}
}

func TestBounds_Contains(t *testing.T) {
	b := Bounds{MinLatDeg: 40, MaxLatDeg: 50, MinLonDeg: 5, MaxLonDeg: 15}
	if !b.Contains(Geodetic{LatDeg: 48, LonDeg: 11}) {
		t.Fatalf("expected inside")
	}
	if b.Contains(Geodetic{LatDeg: 51, LonDeg: 11}) {
		t.Fatalf("expected outside")
	}
	var zero Bounds
	if !zero.Contains(Geodetic{LatDeg: -89, LonDeg: 179}) {
		t.Fatalf("zero bounds must contain everything")
	}
}
