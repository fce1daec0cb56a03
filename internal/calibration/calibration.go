// Package calibration stores calibration profiles and runs the manual and
// automatic calibration procedures.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"navfuse/internal/geo"
)

// Origin records how a profile came to exist.
type Origin string

const (
	OriginManual    Origin = "manual"
	OriginAutomatic Origin = "automatic"
	OriginAgent     Origin = "agent"
	OriginImported  Origin = "imported"
)

// OrientationOffset is a signed pitch/roll/yaw correction in degrees.
type OrientationOffset struct {
	PitchDeg float64
	RollDeg  float64
	YawDeg   float64
}

// Profile is one stored calibration. Profiles are immutable once stored;
// Store.Update replaces the whole record.
type Profile struct {
	ID        string
	Name      string
	Origin    Origin
	CreatedAt time.Time

	// Bias is the signed reference-minus-measured position difference.
	BiasLatDeg float64
	BiasLonDeg float64
	BiasAltM   float64

	Orientation *OrientationOffset
	// IMUBias is an accelerometer bias vector, when available.
	IMUBias *[3]float64

	// Confidence in [0,1].
	Confidence float64

	// Reference is the surveyed position the profile was captured at, used
	// for spatial best-profile matching. Nil for imported profiles without
	// one.
	Reference *geo.Geodetic
}

// ErrNoProfile is returned when the store holds nothing selectable.
var ErrNoProfile = errors.New("calibration: no profile available")

// Store holds profiles in memory. Updates replace records wholesale so
// readers never observe partial mutation.
type Store struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{profiles: make(map[string]Profile)}
}

// Add stores a profile, assigning an ID when missing.
func (s *Store) Add(p Profile) Profile {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.profiles[p.ID] = p
	s.mu.Unlock()
	return p
}

// Get returns a profile by id.
func (s *Store) Get(id string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return Profile{}, fmt.Errorf("calibration: unknown profile %s", id)
	}
	return p, nil
}

// Update replaces an existing profile with a new value.
func (s *Store) Update(p Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[p.ID]; !ok {
		return fmt.Errorf("calibration: unknown profile %s", p.ID)
	}
	s.profiles[p.ID] = p
	return nil
}

// Delete removes a profile.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[id]; !ok {
		return fmt.Errorf("calibration: unknown profile %s", id)
	}
	delete(s.profiles, id)
	return nil
}

// List returns all profiles, newest first.
func (s *Store) List() []Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Best selects the profile to apply at a position. Profiles with a
// reference position are ranked by distance; only when none carries one
// does selection fall back to confidence and recency.
func (s *Store) Best(at geo.Geodetic) (Profile, error) {
	all := s.List()
	if len(all) == 0 {
		return Profile{}, ErrNoProfile
	}

	var withRef []Profile
	for _, p := range all {
		if p.Reference != nil {
			withRef = append(withRef, p)
		}
	}
	if len(withRef) > 0 {
		sort.Slice(withRef, func(i, j int) bool {
			di := geo.DistanceM(at, *withRef[i].Reference)
			dj := geo.DistanceM(at, *withRef[j].Reference)
			if di != dj {
				return di < dj
			}
			return withRef[i].Confidence > withRef[j].Confidence
		})
		return withRef[0], nil
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Confidence != all[j].Confidence {
			return all[i].Confidence > all[j].Confidence
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return all[0], nil
}

// Apply adds the stored bias to a position. Pure: the input is not mutated.
func Apply(p Profile, g geo.Geodetic) geo.Geodetic {
	return geo.Geodetic{
		LatDeg: g.LatDeg + p.BiasLatDeg,
		LonDeg: g.LonDeg + p.BiasLonDeg,
		AltM:   g.AltM + p.BiasAltM,
	}
}

// ApplyOrientation adds the stored orientation offset, when present.
func ApplyOrientation(p Profile, pitch, roll, yaw float64) (float64, float64, float64) {
	if p.Orientation == nil {
		return pitch, roll, yaw
	}
	return pitch + p.Orientation.PitchDeg, roll + p.Orientation.RollDeg, yaw + p.Orientation.YawDeg
}

// Invert returns a profile with negated biases, so applying a profile and
// its inverse is the identity.
func Invert(p Profile) Profile {
	inv := p
	inv.BiasLatDeg = -p.BiasLatDeg
	inv.BiasLonDeg = -p.BiasLonDeg
	inv.BiasAltM = -p.BiasAltM
	if p.Orientation != nil {
		inv.Orientation = &OrientationOffset{
			PitchDeg: -p.Orientation.PitchDeg,
			RollDeg:  -p.Orientation.RollDeg,
			YawDeg:   -p.Orientation.YawDeg,
		}
	}
	if p.IMUBias != nil {
		b := [3]float64{-p.IMUBias[0], -p.IMUBias[1], -p.IMUBias[2]}
		inv.IMUBias = &b
	}
	return inv
}

// CalibrateManual captures the signed difference between a known reference
// and the measured position and stores a high-confidence profile.
func (s *Store) CalibrateManual(name string, reference, measured geo.Geodetic) Profile {
	ref := reference
	return s.Add(Profile{
		Name:       name,
		Origin:     OriginManual,
		BiasLatDeg: reference.LatDeg - measured.LatDeg,
		BiasLonDeg: reference.LonDeg - measured.LonDeg,
		BiasAltM:   reference.AltM - measured.AltM,
		Confidence: 0.9,
		Reference:  &ref,
	})
}

// Sampler supplies measured positions during automatic calibration. A nil
// error with ok=false means no sample was available this tick.
type Sampler func(ctx context.Context) (geo.Geodetic, bool)

// CalibrateAuto collects samples for the given duration and stores a
// profile with the averaged bias against the reference. Fewer samples mean
// lower confidence.
func (s *Store) CalibrateAuto(ctx context.Context, name string, reference geo.Geodetic, d time.Duration, interval time.Duration, sample Sampler) (Profile, error) {
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	var sumLat, sumLon, sumAlt float64
	n := 0

collect:
	for {
		select {
		case <-ctx.Done():
			return Profile{}, ctx.Err()
		case <-deadline.C:
			break collect
		case <-tick.C:
			g, ok := sample(ctx)
			if !ok {
				continue
			}
			sumLat += reference.LatDeg - g.LatDeg
			sumLon += reference.LonDeg - g.LonDeg
			sumAlt += reference.AltM - g.AltM
			n++
		}
	}

	if n == 0 {
		return Profile{}, fmt.Errorf("calibration: no samples collected in %s", d)
	}

	// Confidence scales with sample count but stays below manual.
	confidence := 0.3 + 0.2*float64(n)/(float64(n)+5)
	ref := reference
	return s.Add(Profile{
		Name:       name,
		Origin:     OriginAutomatic,
		BiasLatDeg: sumLat / float64(n),
		BiasLonDeg: sumLon / float64(n),
		BiasAltM:   sumAlt / float64(n),
		Confidence: confidence,
		Reference:  &ref,
	}), nil
}
