// Package solver estimates receiver position and clock bias from pseudorange
// observations by iterative weighted least squares (Gauss-Newton on the
// state vector [x y z cb]).
package solver

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"navfuse/internal/geo"
)

// SpeedOfLightMps is the propagation speed constant for clock terms.
const SpeedOfLightMps = 299792458.0

// MinObservations is the smallest observation set a solve accepts.
const MinObservations = 4

// Observation is one satellite pseudorange measurement. It is immutable once
// ingested.
type Observation struct {
	SatID         string
	SatPos        geo.ECEF
	PseudorangeM  float64
	CarrierPhase  *float64
	SNRDbHz       *float64
	Constellation string
	Time          time.Time
	Source        string

	// CorrectionAge is how stale the differential correction applied to this
	// range was at measurement time. Zero means uncorrected or fresh.
	CorrectionAge time.Duration
}

// Verdict classifies a solution.
type Verdict int

const (
	VerdictInvalid Verdict = iota
	VerdictValid
	VerdictDegraded
)

func (v Verdict) String() string {
	switch v {
	case VerdictValid:
		return "valid"
	case VerdictDegraded:
		return "degraded"
	default:
		return "invalid"
	}
}

// InsufficientObservationsError means fewer than MinObservations usable
// ranges were supplied. The caller decides whether to wait for more.
type InsufficientObservationsError struct {
	Have int
}

func (e *InsufficientObservationsError) Error() string {
	return fmt.Sprintf("solver: need at least %d observations, have %d", MinObservations, e.Have)
}

// SingularSystemError means the normal equations were not invertible, which
// happens for degenerate satellite geometry.
type SingularSystemError struct {
	Iteration int
}

func (e *SingularSystemError) Error() string {
	return fmt.Sprintf("solver: singular normal equations at iteration %d", e.Iteration)
}

// Options tune the solve. The zero value selects the defaults below.
type Options struct {
	// MaxIterations caps the Gauss-Newton loop. Default 10.
	MaxIterations int
	// ConvergenceM stops iterating once the position correction norm drops
	// below it. Default 1e-4 m.
	ConvergenceM float64
	// GDOPCeiling marks solutions above it as degraded. Default 20.
	GDOPCeiling float64
	// Initial seeds the state. Default is the Earth's center, which
	// converges for any terrestrial receiver.
	Initial geo.ECEF

	// elevationSkipIters delays elevation weighting until the position
	// estimate is meaningful, as the first iterations start far from Earth.
	elevationSkipIters int
}

func (o Options) withDefaults() Options {
	if o.MaxIterations <= 0 {
		o.MaxIterations = 10
	}
	if o.ConvergenceM <= 0 {
		o.ConvergenceM = 1e-4
	}
	if o.GDOPCeiling <= 0 {
		o.GDOPCeiling = 20
	}
	o.elevationSkipIters = 2
	return o
}

// Estimate is the product of one solve call. It is never mutated after
// being returned.
type Estimate struct {
	ECEF       geo.ECEF
	Geodetic   geo.Geodetic
	ClockBiasM float64

	PDOP float64
	HDOP float64
	VDOP float64
	GDOP float64

	// Covariance of [x y z cb], scaled by the unit-weight variance.
	Covariance [4][4]float64
	// Residuals in observation order at the converged state.
	Residuals []float64

	Iterations int
	Satellites int
	Verdict    Verdict

	// AccuracyM is the a-posteriori position error estimate (sigma0 * PDOP).
	AccuracyM float64
}

// Solve runs weighted least squares over the observation set.
func Solve(obs []Observation, opts Options) (*Estimate, error) {
	opts = opts.withDefaults()
	n := len(obs)
	if n < MinObservations {
		return nil, &InsufficientObservationsError{Have: n}
	}

	pos := opts.Initial
	clockBias := 0.0

	h := mat.NewDense(n, 4, nil)
	resid := mat.NewVecDense(n, nil)
	weights := make([]float64, n)

	iterations := 0
	converged := false

	var nrm mat.Dense    // HᵀWH
	var nrmInv mat.Dense // (HᵀWH)⁻¹

	for iter := 0; iter < opts.MaxIterations; iter++ {
		iterations = iter + 1

		for i, o := range obs {
			los := o.SatPos.Sub(pos)
			rng := los.Norm()
			if rng == 0 {
				return nil, &SingularSystemError{Iteration: iter}
			}
			h.Set(i, 0, -los.X/rng)
			h.Set(i, 1, -los.Y/rng)
			h.Set(i, 2, -los.Z/rng)
			h.Set(i, 3, 1)
			resid.SetVec(i, o.PseudorangeM-(rng+clockBias))

			weights[i] = observationWeight(pos, o, iter >= opts.elevationSkipIters)
		}
		normalizeWeights(weights)

		w := mat.NewDiagDense(n, weights)
		var htw mat.Dense
		htw.Mul(h.T(), w)
		nrm.Mul(&htw, h)

		if err := nrmInv.Inverse(&nrm); err != nil {
			cond, ok := err.(mat.Condition)
			if !ok || math.IsInf(float64(cond), 1) {
				return nil, &SingularSystemError{Iteration: iter}
			}
			// Ill-conditioned but solvable; the DOP ceiling degrades the
			// verdict instead of aborting.
		}

		var rhs mat.VecDense
		rhs.MulVec(&htw, resid)
		var dx mat.VecDense
		dx.MulVec(&nrmInv, &rhs)

		pos.X += dx.AtVec(0)
		pos.Y += dx.AtVec(1)
		pos.Z += dx.AtVec(2)
		clockBias += dx.AtVec(3)

		step := math.Sqrt(dx.AtVec(0)*dx.AtVec(0) + dx.AtVec(1)*dx.AtVec(1) + dx.AtVec(2)*dx.AtVec(2))
		if step < opts.ConvergenceM {
			converged = true
			break
		}
	}

	// Residuals at the final state.
	residuals := make([]float64, n)
	for i, o := range obs {
		rng := o.SatPos.DistanceTo(pos)
		residuals[i] = o.PseudorangeM - (rng + clockBias)
	}

	est := &Estimate{
		ECEF:       pos,
		Geodetic:   pos.ToGeodetic(),
		ClockBiasM: clockBias,
		Residuals:  residuals,
		Iterations: iterations,
		Satellites: n,
	}

	est.GDOP = dop(&nrmInv, 0, 1, 2, 3)
	est.PDOP = dop(&nrmInv, 0, 1, 2)
	est.HDOP = dop(&nrmInv, 0, 1)
	est.VDOP = dop(&nrmInv, 2)

	// Unit-weight variance from the weighted residual sum of squares.
	sigma0Sq := 0.0
	for i, r := range residuals {
		sigma0Sq += weights[i] * r * r
	}
	if dof := n - 4; dof > 0 {
		sigma0Sq /= float64(dof)
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			est.Covariance[i][j] = sigma0Sq * nrmInv.At(i, j)
		}
	}
	est.AccuracyM = math.Sqrt(sigma0Sq) * est.PDOP

	switch {
	case !converged, est.GDOP > opts.GDOPCeiling:
		est.Verdict = VerdictDegraded
	default:
		est.Verdict = VerdictValid
	}
	return est, nil
}

// observationWeight combines an elevation term (sine-squared of the angle
// above the receiver's horizon) with a normalized signal-strength term
// defaulting to 0.5 when no SNR was observed. A stale differential
// correction deflates the weight by 1/(1+age/30s).
func observationWeight(receiver geo.ECEF, o Observation, useElevation bool) float64 {
	snr := 0.5
	if o.SNRDbHz != nil {
		snr = *o.SNRDbHz / 50.0
		if snr > 1 {
			snr = 1
		}
		if snr < 0.01 {
			snr = 0.01
		}
	}
	if o.CorrectionAge > 0 {
		snr /= 1 + o.CorrectionAge.Seconds()/30
	}
	if !useElevation {
		return snr
	}
	elevDeg := geo.ElevationAngleDeg(receiver, o.SatPos)
	if elevDeg <= 0 {
		// Below the horizon; keep a floor so the row still participates.
		return 0.01 * snr
	}
	sinEl := math.Sin(elevDeg * math.Pi / 180)
	return sinEl * sinEl * snr
}

// normalizeWeights rescales so the weights sum to 1 within the solve.
func normalizeWeights(w []float64) {
	sum := 0.0
	for _, v := range w {
		sum += v
	}
	if sum <= 0 {
		for i := range w {
			w[i] = 1.0 / float64(len(w))
		}
		return
	}
	for i := range w {
		w[i] /= sum
	}
}

// dop is the root sum of the named diagonal entries of the inverted normal
// matrix; +Inf when the geometry left them non-finite or negative.
func dop(inv *mat.Dense, idx ...int) float64 {
	sum := 0.0
	for _, i := range idx {
		v := inv.At(i, i)
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return math.Inf(1)
		}
		sum += v
	}
	return math.Sqrt(sum)
}
