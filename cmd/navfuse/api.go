package main

import (
	"encoding/json"
	"net/http"
	"time"

	"navfuse/internal/geo"
	"navfuse/internal/solver"
)

// solveRequest carries raw pseudorange observations for receivers that
// deliver measurements out of band instead of computed NMEA fixes.
type solveRequest struct {
	Observations []solveObservation `json:"observations"`
}

type solveObservation struct {
	SatID          string   `json:"sat_id"`
	Constellation  string   `json:"constellation,omitempty"`
	XM             float64  `json:"x_m"`
	YM             float64  `json:"y_m"`
	ZM             float64  `json:"z_m"`
	PseudorangeM   float64  `json:"pseudorange_m"`
	SNRDbHz        *float64 `json:"snr_db_hz,omitempty"`
	CorrectionAgeS float64  `json:"correction_age_s,omitempty"`
}

type solveResponse struct {
	LatDeg     float64   `json:"lat_deg"`
	LonDeg     float64   `json:"lon_deg"`
	AltM       float64   `json:"alt_m"`
	ClockBiasM float64   `json:"clock_bias_m"`
	AccuracyM  float64   `json:"accuracy_m"`
	PDOP       float64   `json:"pdop"`
	HDOP       float64   `json:"hdop"`
	VDOP       float64   `json:"vdop"`
	GDOP       float64   `json:"gdop"`
	Iterations int       `json:"iterations"`
	Satellites int       `json:"satellites"`
	Verdict    string    `json:"verdict"`
	Residuals  []float64 `json:"residuals"`
}

// solveHandler runs the weighted least squares solver with the configured
// tuning over observations posted as JSON.
func (rt *runtime) solveHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var req solveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
			return
		}
		obs := make([]solver.Observation, len(req.Observations))
		for i, o := range req.Observations {
			obs[i] = solver.Observation{
				SatID:         o.SatID,
				Constellation: o.Constellation,
				SatPos:        geo.ECEF{X: o.XM, Y: o.YM, Z: o.ZM},
				PseudorangeM:  o.PseudorangeM,
				SNRDbHz:       o.SNRDbHz,
				CorrectionAge: time.Duration(o.CorrectionAgeS * float64(time.Second)),
			}
		}

		est, err := solver.Solve(obs, rt.cfg.Solver.Options())
		if err != nil {
			rt.metrics.SolvesTotal.WithLabelValues("error").Inc()
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		rt.metrics.SolvesTotal.WithLabelValues(est.Verdict.String()).Inc()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(solveResponse{
			LatDeg:     est.Geodetic.LatDeg,
			LonDeg:     est.Geodetic.LonDeg,
			AltM:       est.Geodetic.AltM,
			ClockBiasM: est.ClockBiasM,
			AccuracyM:  est.AccuracyM,
			PDOP:       est.PDOP,
			HDOP:       est.HDOP,
			VDOP:       est.VDOP,
			GDOP:       est.GDOP,
			Iterations: est.Iterations,
			Satellites: est.Satellites,
			Verdict:    est.Verdict.String(),
			Residuals:  est.Residuals,
		})
	})
}
