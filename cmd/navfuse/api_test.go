package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"navfuse/internal/config"
	"navfuse/internal/geo"
	"navfuse/internal/observability"
)

func testRuntime(t *testing.T) *runtime {
	t.Helper()
	metrics, err := observability.NewCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("collector: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt, err := newRuntime(config.Config{}, logger, metrics)
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	return rt
}

// solveBody builds self-consistent pseudoranges from a truth position and six
// well-spread satellites at GPS orbit altitude.
func solveBody(t *testing.T, truth geo.Geodetic, clockBiasM float64, count int) []byte {
	t.Helper()
	sats := [][2]float64{{47, 9}, {77, 9}, {17, 9}, {47, -31}, {47, 49}, {70, 40}}
	rcv := truth.ToECEF()
	var req solveRequest
	for i, ll := range sats[:count] {
		pos := geo.Geodetic{LatDeg: ll[0], LonDeg: ll[1], AltM: 20200e3}.ToECEF()
		req.Observations = append(req.Observations, solveObservation{
			SatID:        fmt.Sprintf("G%02d", i+1),
			XM:           pos.X,
			YM:           pos.Y,
			ZM:           pos.Z,
			PseudorangeM: pos.DistanceTo(rcv) + clockBiasM,
		})
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return body
}

func TestSolveHandler_ValidConstellation(t *testing.T) {
	rt := testRuntime(t)
	truth := geo.Geodetic{LatDeg: 48.1372, LonDeg: 11.5755, AltM: 520}

	req := httptest.NewRequest(http.MethodPost, "/solve",
		bytes.NewReader(solveBody(t, truth, 120, 6)))
	rec := httptest.NewRecorder()
	rt.solveHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	var resp solveResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Verdict != "valid" {
		t.Fatalf("verdict %q, want valid", resp.Verdict)
	}
	if math.Abs(resp.LatDeg-truth.LatDeg) > 1e-3 || math.Abs(resp.LonDeg-truth.LonDeg) > 1e-3 {
		t.Fatalf("position off truth: got %.6f,%.6f", resp.LatDeg, resp.LonDeg)
	}
	if math.Abs(resp.ClockBiasM-120) > 1 {
		t.Fatalf("clock bias %.3f, want ~120", resp.ClockBiasM)
	}
	if resp.Satellites != 6 || len(resp.Residuals) != 6 {
		t.Fatalf("expected 6 satellites with residuals: %+v", resp)
	}
	if got := testutil.ToFloat64(rt.metrics.SolvesTotal.WithLabelValues("valid")); got != 1 {
		t.Fatalf("solves valid=%v, want 1", got)
	}
}

func TestSolveHandler_RejectsNonPost(t *testing.T) {
	rt := testRuntime(t)
	rec := httptest.NewRecorder()
	rt.solveHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/solve", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status %d, want 405", rec.Code)
	}
}

func TestSolveHandler_MalformedBody(t *testing.T) {
	rt := testRuntime(t)
	rec := httptest.NewRecorder()
	rt.solveHandler().ServeHTTP(rec,
		httptest.NewRequest(http.MethodPost, "/solve", bytes.NewReader([]byte("{"))))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestSolveHandler_InsufficientObservations(t *testing.T) {
	rt := testRuntime(t)
	truth := geo.Geodetic{LatDeg: 48.1372, LonDeg: 11.5755, AltM: 520}

	req := httptest.NewRequest(http.MethodPost, "/solve",
		bytes.NewReader(solveBody(t, truth, 0, 3)))
	rec := httptest.NewRecorder()
	rt.solveHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d, want 422", rec.Code)
	}
	if got := testutil.ToFloat64(rt.metrics.SolvesTotal.WithLabelValues("error")); got != 1 {
		t.Fatalf("solves error=%v, want 1", got)
	}
}
