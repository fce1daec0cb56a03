package fusion

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"
)

func testService(cfg Config) *Service {
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestFuse_NoFreshInputs(t *testing.T) {
	s := testService(Config{})
	var st loopState
	if got := s.fuse(&st, t0); got != nil {
		t.Fatalf("expected nil with no inputs, got %+v", got)
	}

	// A stale GNSS reading alone must not produce a position.
	st.gnss = GNSSReading{Time: t0.Add(-10 * time.Second), LatDeg: 48, LonDeg: 11}
	st.haveGNSS = true
	if got := s.fuse(&st, t0); got != nil {
		t.Fatalf("expected nil for stale GNSS, got %+v", got)
	}
}

func TestFuse_FirstGNSSFix(t *testing.T) {
	s := testService(Config{})
	st := loopState{
		gnss:     GNSSReading{Time: t0, LatDeg: 48.1, LonDeg: 11.6, AltM: 520, AccuracyM: 3, Source: "gnss"},
		haveGNSS: true,
	}
	fused := s.fuse(&st, t0)
	if fused == nil {
		t.Fatalf("expected a position")
	}
	if fused.LatDeg != 48.1 || fused.LonDeg != 11.6 || fused.AltM != 520 {
		t.Fatalf("first fix must pass through: %+v", fused)
	}
	if fused.AccuracyM != 3 {
		t.Fatalf("accuracy: got %v", fused.AccuracyM)
	}
	if len(fused.Sources) != 1 || fused.Sources[0] != "gnss" {
		t.Fatalf("sources: got %v", fused.Sources)
	}
}

func TestFuse_BlendStaysBetweenPriorAndFix(t *testing.T) {
	s := testService(Config{GNSSBlendWeight: 0.75})
	prior := &FusedPosition{Time: t0.Add(-time.Second), LatDeg: 48.0, LonDeg: 11.0, AltM: 500, AccuracyM: 3}
	st := loopState{
		gnss:     GNSSReading{Time: t0, LatDeg: 48.2, LonDeg: 11.4, AltM: 540, AccuracyM: 3, Source: "gnss"},
		haveGNSS: true,
		prior:    prior,
	}
	fused := s.fuse(&st, t0)
	if fused == nil {
		t.Fatalf("expected a position")
	}
	if fused.LatDeg <= prior.LatDeg || fused.LatDeg >= st.gnss.LatDeg {
		t.Fatalf("blend left the prior/fix interval: %v", fused.LatDeg)
	}
	want := 0.75*48.2 + 0.25*48.0
	if math.Abs(fused.LatDeg-want) > 1e-12 {
		t.Fatalf("expected %v, got %v", want, fused.LatDeg)
	}
	wantAlt := 0.75*540 + 0.25*500.0
	if math.Abs(fused.AltM-wantAlt) > 1e-9 {
		t.Fatalf("alt blend: expected %v, got %v", wantAlt, fused.AltM)
	}
}

func TestFuse_AccuracyNeverBetterThanFix(t *testing.T) {
	s := testService(Config{})
	st := loopState{
		gnss:     GNSSReading{Time: t0, LatDeg: 48, LonDeg: 11, AccuracyM: 7, Source: "gnss"},
		haveGNSS: true,
		prior:    &FusedPosition{Time: t0.Add(-time.Second), LatDeg: 48, LonDeg: 11, AccuracyM: 2},
	}
	fused := s.fuse(&st, t0)
	if fused.AccuracyM < 7 {
		t.Fatalf("fused accuracy %v better than raw fix accuracy", fused.AccuracyM)
	}
}

func TestFuse_IMUAttachesOrientation(t *testing.T) {
	s := testService(Config{})
	st := loopState{
		gnss:     GNSSReading{Time: t0, LatDeg: 48, LonDeg: 11, AccuracyM: 3, Source: "gnss"},
		haveGNSS: true,
		imu:      IMUReading{Time: t0, PitchDeg: 1.5, RollDeg: -0.5, YawDeg: 90, Source: "imu"},
		haveIMU:  true,
	}
	fused := s.fuse(&st, t0)
	if fused.Orientation == nil {
		t.Fatalf("expected orientation")
	}
	if fused.Orientation.YawDeg != 90 || fused.Orientation.PitchDeg != 1.5 {
		t.Fatalf("orientation: %+v", fused.Orientation)
	}
	if len(fused.Sources) != 2 {
		t.Fatalf("expected gnss+imu sources, got %v", fused.Sources)
	}
}

func TestFuse_DeadReckoningNorthbound(t *testing.T) {
	s := testService(Config{DeadReckonGrowthPerSec: 0.5})
	prior := &FusedPosition{Time: t0.Add(-2 * time.Second), LatDeg: 48.0, LonDeg: 11.0, AltM: 500, AccuracyM: 4}
	st := loopState{
		gnss:     GNSSReading{Time: t0.Add(-time.Hour)}, // long stale
		haveGNSS: true,
		imu:      IMUReading{Time: t0, YawDeg: 0, SpeedMps: 10, Source: "imu"},
		haveIMU:  true,
		prior:    prior,
	}
	fused := s.fuse(&st, t0)
	if fused == nil {
		t.Fatalf("expected dead-reckoned position")
	}
	if fused.Meta["mode"] != "dead-reckoning" {
		t.Fatalf("expected dead-reckoning mode, got %v", fused.Meta)
	}
	// 20 m northbound is ~1.8e-4 degrees of latitude.
	wantDLat := 20.0 / 111320.0
	if math.Abs((fused.LatDeg-prior.LatDeg)-wantDLat) > 1e-7 {
		t.Fatalf("expected dLat %v, got %v", wantDLat, fused.LatDeg-prior.LatDeg)
	}
	if math.Abs(fused.LonDeg-prior.LonDeg) > 1e-12 {
		t.Fatalf("northbound motion moved longitude: %v", fused.LonDeg)
	}
	// Accuracy grows multiplicatively: 4 * (1 + 0.5*2) = 8.
	if math.Abs(fused.AccuracyM-8) > 1e-9 {
		t.Fatalf("accuracy: expected 8, got %v", fused.AccuracyM)
	}
}

func TestFuse_DeadReckoningAccuracyCeiling(t *testing.T) {
	s := testService(Config{DeadReckonGrowthPerSec: 0.5, AccuracyCeilingM: 100})
	prior := &FusedPosition{Time: t0.Add(-60 * time.Second), LatDeg: 48, LonDeg: 11, AccuracyM: 10}
	st := loopState{
		imu:     IMUReading{Time: t0, SpeedMps: 0, Source: "imu"},
		haveIMU: true,
		prior:   prior,
	}
	fused := s.fuse(&st, t0)
	if fused.AccuracyM != 100 {
		t.Fatalf("expected ceiling 100, got %v", fused.AccuracyM)
	}
}

func TestFuse_AnchorOverride(t *testing.T) {
	s := testService(Config{AnchorOverrideConfidence: 0.8})
	st := loopState{
		gnss:     GNSSReading{Time: t0, LatDeg: 48.0, LonDeg: 11.0, AccuracyM: 5, Source: "gnss"},
		haveGNSS: true,
		anchors: []Anchor{{
			Time: t0, LatDeg: 48.0005, LonDeg: 11.0005, AltM: 502,
			Confidence: 0.95, Label: "gate-7", Source: "camera",
		}},
	}
	fused := s.fuse(&st, t0)
	if fused.LatDeg != 48.0005 || fused.LonDeg != 11.0005 {
		t.Fatalf("high-confidence anchor must override: %+v", fused)
	}
	if fused.AccuracyM != 0.5 {
		t.Fatalf("expected override accuracy 0.5, got %v", fused.AccuracyM)
	}
	if len(fused.Anchors) != 1 {
		t.Fatalf("anchors not recorded")
	}
}

func TestFuse_AnchorAveragedBelowThreshold(t *testing.T) {
	s := testService(Config{AnchorOverrideConfidence: 0.8, AccuracyFloorM: 1})
	st := loopState{
		gnss:     GNSSReading{Time: t0, LatDeg: 48.0, LonDeg: 11.0, AccuracyM: 0.3, Source: "gnss"},
		haveGNSS: true,
		anchors: []Anchor{{
			Time: t0, LatDeg: 48.001, LonDeg: 11.001, Confidence: 0.5, Source: "camera",
		}},
	}
	fused := s.fuse(&st, t0)
	if math.Abs(fused.LatDeg-48.0005) > 1e-9 {
		t.Fatalf("expected averaged latitude, got %v", fused.LatDeg)
	}
	if fused.AccuracyM < 1 {
		t.Fatalf("averaged correction must respect the accuracy floor, got %v", fused.AccuracyM)
	}
}

func TestFuse_AnchorSeedsWithoutOtherSources(t *testing.T) {
	s := testService(Config{AnchorSeedAccuracyM: 5})
	st := loopState{
		anchors: []Anchor{
			{Time: t0, LatDeg: 48.2, LonDeg: 11.2, Confidence: 0.4, Source: "camera"},
			{Time: t0, LatDeg: 48.3, LonDeg: 11.3, Confidence: 0.7, Source: "camera"},
		},
	}
	fused := s.fuse(&st, t0)
	if fused == nil {
		t.Fatalf("expected anchor-seeded position")
	}
	if fused.Meta["mode"] != "anchor-seed" {
		t.Fatalf("expected anchor-seed mode, got %v", fused.Meta)
	}
	if fused.LatDeg != 48.3 {
		t.Fatalf("expected the highest-confidence anchor, got %v", fused.LatDeg)
	}
	if fused.AccuracyM != 5 {
		t.Fatalf("expected seed accuracy 5, got %v", fused.AccuracyM)
	}
}

func TestFuse_StaleAnchorsIgnored(t *testing.T) {
	s := testService(Config{AnchorMaxAge: 5 * time.Second})
	st := loopState{
		anchors: []Anchor{{Time: t0.Add(-time.Minute), LatDeg: 48, LonDeg: 11, Confidence: 0.99}},
	}
	if got := s.fuse(&st, t0); got != nil {
		t.Fatalf("stale anchor produced a position: %+v", got)
	}
}

func TestService_PublishesToSubscribers(t *testing.T) {
	s := testService(Config{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	s.SubmitGNSS(GNSSReading{Time: time.Now().UTC(), LatDeg: 48.1, LonDeg: 11.6, AccuracyM: 3, Source: "gnss"})

	select {
	case p := <-events:
		if p.LatDeg != 48.1 {
			t.Fatalf("unexpected position: %+v", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no fused position published")
	}

	last, ok := s.Last()
	if !ok || last.LatDeg != 48.1 {
		t.Fatalf("last snapshot missing: %+v ok=%v", last, ok)
	}
}

func TestService_DuplicateReadingIgnored(t *testing.T) {
	s := testService(Config{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	r := GNSSReading{Time: time.Now().UTC(), LatDeg: 48.1, LonDeg: 11.6, AccuracyM: 3, Source: "gnss"}
	s.SubmitGNSS(r)
	select {
	case <-events:
	case <-time.After(5 * time.Second):
		t.Fatalf("first reading not published")
	}

	s.SubmitGNSS(r)
	select {
	case p := <-events:
		t.Fatalf("duplicate reading re-published: %+v", p)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestService_CloseIsIdempotent(t *testing.T) {
	s := testService(Config{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Close()
	s.Close()
}
