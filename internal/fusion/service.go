package fusion

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Config tunes the fusion loop. Zero values select the defaults below.
type Config struct {
	// Freshness windows per source type; stale data is excluded from a
	// fusion pass without raising an error.
	GNSSMaxAge   time.Duration // default 2s
	IMUMaxAge    time.Duration // default 1s
	AnchorMaxAge time.Duration // default 5s

	// GNSSBlendWeight is the new-fix weight of the complementary filter
	// applied against the prior fused position. Must stay in (0,1) so the
	// blend lies strictly between the two. Default 0.75.
	GNSSBlendWeight float64

	// DeadReckonGrowthPerSec multiplies accuracy growth while extrapolating
	// without a fix. Default 0.5 (accuracy * (1 + 0.5*dt)).
	DeadReckonGrowthPerSec float64
	// AccuracyCeilingM caps dead-reckoned accuracy. Default 100.
	AccuracyCeilingM float64

	// AnchorOverrideConfidence is the threshold above which an anchor fully
	// overrides the position. Default 0.8.
	AnchorOverrideConfidence float64
	// AnchorOverrideAccuracyM is the tight accuracy set on override.
	// Default 0.5.
	AnchorOverrideAccuracyM float64
	// AnchorSeedAccuracyM is reported when an anchor alone seeds the
	// position. Default 5.
	AnchorSeedAccuracyM float64
	// AccuracyFloorM prevents averaged anchor corrections from improving
	// accuracy unrealistically. Default 1.
	AccuracyFloorM float64
}

func (c Config) withDefaults() Config {
	if c.GNSSMaxAge <= 0 {
		c.GNSSMaxAge = 2 * time.Second
	}
	if c.IMUMaxAge <= 0 {
		c.IMUMaxAge = time.Second
	}
	if c.AnchorMaxAge <= 0 {
		c.AnchorMaxAge = 5 * time.Second
	}
	if c.GNSSBlendWeight <= 0 || c.GNSSBlendWeight >= 1 {
		c.GNSSBlendWeight = 0.75
	}
	if c.DeadReckonGrowthPerSec <= 0 {
		c.DeadReckonGrowthPerSec = 0.5
	}
	if c.AccuracyCeilingM <= 0 {
		c.AccuracyCeilingM = 100
	}
	if c.AnchorOverrideConfidence <= 0 {
		c.AnchorOverrideConfidence = 0.8
	}
	if c.AnchorOverrideAccuracyM <= 0 {
		c.AnchorOverrideAccuracyM = 0.5
	}
	if c.AnchorSeedAccuracyM <= 0 {
		c.AnchorSeedAccuracyM = 5
	}
	if c.AccuracyFloorM <= 0 {
		c.AccuracyFloorM = 1
	}
	return c
}

// Service is the sensor fusion loop. All fusion state is owned by the loop
// goroutine; external callers submit readings and read snapshots.
type Service struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	gnssCh   chan GNSSReading
	imuCh    chan IMUReading
	anchorCh chan []Anchor

	mu       sync.RWMutex
	last     *FusedPosition
	subs     map[int]chan FusedPosition
	nextSub  int
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a fusion service. logger may not be nil.
func New(cfg Config, logger *slog.Logger) *Service {
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      logger,
		now:      func() time.Time { return time.Now().UTC() },
		gnssCh:   make(chan GNSSReading, 16),
		imuCh:    make(chan IMUReading, 64),
		anchorCh: make(chan []Anchor, 16),
		subs:     make(map[int]chan FusedPosition),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the loop. It returns immediately.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true
	s.wg.Add(1)
	go s.run(childCtx)
	return nil
}

// Close stops the loop and with it consumption from every reader channel.
func (s *Service) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
	s.wg.Wait()
}

// SubmitGNSS queues a GNSS fix. It never blocks; when the loop is saturated
// the oldest queued reading is less useful than the newest, so the new one
// is dropped and the caller's flow is preserved.
func (s *Service) SubmitGNSS(r GNSSReading) {
	select {
	case s.gnssCh <- r:
	default:
	}
}

// SubmitIMU queues an inertial reading.
func (s *Service) SubmitIMU(r IMUReading) {
	select {
	case s.imuCh <- r:
	default:
	}
}

// SubmitAnchors queues a set of anchor detections.
func (s *Service) SubmitAnchors(a []Anchor) {
	select {
	case s.anchorCh <- a:
	default:
	}
}

// Subscribe registers a fused-position listener. The returned cancel func
// must be called to release the channel.
func (s *Service) Subscribe() (<-chan FusedPosition, func()) {
	ch := make(chan FusedPosition, 16)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Last returns the most recent fused position, if any.
func (s *Service) Last() (FusedPosition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return FusedPosition{}, false
	}
	return *s.last, true
}

type loopState struct {
	gnss     GNSSReading
	haveGNSS bool
	imu      IMUReading
	haveIMU  bool
	anchors  []Anchor

	prior *FusedPosition
}

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()

	var st loopState
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case r := <-s.gnssCh:
			if st.haveGNSS && st.gnss.Time.Equal(r.Time) && st.gnss.Source == r.Source {
				continue // idempotent re-application
			}
			st.gnss = r
			st.haveGNSS = true
			s.fuseAndPublish(&st)
		case r := <-s.imuCh:
			if st.haveIMU && st.imu.Time.Equal(r.Time) && st.imu.Source == r.Source {
				continue
			}
			st.imu = r
			st.haveIMU = true
			s.fuseAndPublish(&st)
		case anchors := <-s.anchorCh:
			if len(anchors) == 0 {
				continue
			}
			st.anchors = anchors
			s.fuseAndPublish(&st)
		}
	}
}

func (s *Service) fuseAndPublish(st *loopState) {
	fused := s.fuse(st, s.now())
	if fused == nil {
		return
	}
	st.prior = fused

	s.mu.Lock()
	s.last = fused
	subs := make([]chan FusedPosition, 0, len(s.subs))
	for _, ch := range s.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- *fused:
		default:
			// Slow subscriber; it will catch the next update.
		}
	}
}

// fuse re-evaluates freshness and produces the next fused position, or nil
// when no fresh source remains.
func (s *Service) fuse(st *loopState, now time.Time) *FusedPosition {
	gnssFresh := st.haveGNSS && now.Sub(st.gnss.Time) <= s.cfg.GNSSMaxAge
	imuFresh := st.haveIMU && now.Sub(st.imu.Time) <= s.cfg.IMUMaxAge

	var freshAnchors []Anchor
	for _, a := range st.anchors {
		if now.Sub(a.Time) <= s.cfg.AnchorMaxAge {
			freshAnchors = append(freshAnchors, a)
		}
	}

	var fused *FusedPosition
	switch {
	case gnssFresh:
		fused = s.fuseFromGNSS(st, imuFresh, now)
	case imuFresh && st.prior != nil:
		fused = s.deadReckon(st, now)
	case len(freshAnchors) > 0:
		fused = s.seedFromAnchor(freshAnchors, now)
		fused.Anchors = freshAnchors
		return fused
	default:
		return nil
	}

	if len(freshAnchors) > 0 {
		s.applyAnchors(fused, freshAnchors)
	}
	return fused
}

func (s *Service) fuseFromGNSS(st *loopState, imuFresh bool, now time.Time) *FusedPosition {
	g := st.gnss
	fused := &FusedPosition{
		Time:      now,
		LatDeg:    g.LatDeg,
		LonDeg:    g.LonDeg,
		AltM:      g.AltM,
		AccuracyM: g.AccuracyM,
		Sources:   []string{g.Source},
	}
	if st.prior != nil {
		// Complementary blend against the prior fused position.
		w := s.cfg.GNSSBlendWeight
		fused.LatDeg = w*g.LatDeg + (1-w)*st.prior.LatDeg
		fused.LonDeg = w*g.LonDeg + (1-w)*st.prior.LonDeg
		fused.AltM = w*g.AltM + (1-w)*st.prior.AltM
	}
	if imuFresh {
		fused.Orientation = &Orientation{
			PitchDeg: st.imu.PitchDeg,
			RollDeg:  st.imu.RollDeg,
			YawDeg:   st.imu.YawDeg,
		}
		fused.Sources = append(fused.Sources, st.imu.Source)
	}
	// Accuracy is never better than the best contributing raw accuracy.
	if fused.AccuracyM < g.AccuracyM {
		fused.AccuracyM = g.AccuracyM
	}
	return fused
}

// deadReckon extrapolates the prior position with inertial speed/heading,
// growing the reported accuracy with elapsed time.
func (s *Service) deadReckon(st *loopState, now time.Time) *FusedPosition {
	prior := st.prior
	imu := st.imu
	dt := now.Sub(prior.Time).Seconds()
	if dt < 0 {
		dt = 0
	}

	distM := imu.SpeedMps * dt
	heading := imu.YawDeg * math.Pi / 180
	latRad := prior.LatDeg * math.Pi / 180
	dLat := distM * math.Cos(heading) / 111320.0
	dLon := 0.0
	if math.Cos(latRad) != 0 {
		dLon = distM * math.Sin(heading) / (111320.0 * math.Cos(latRad))
	}

	acc := prior.AccuracyM * (1 + s.cfg.DeadReckonGrowthPerSec*dt)
	if acc > s.cfg.AccuracyCeilingM {
		acc = s.cfg.AccuracyCeilingM
	}

	return &FusedPosition{
		Time:      now,
		LatDeg:    prior.LatDeg + dLat,
		LonDeg:    prior.LonDeg + dLon,
		AltM:      prior.AltM,
		AccuracyM: acc,
		Orientation: &Orientation{
			PitchDeg: imu.PitchDeg,
			RollDeg:  imu.RollDeg,
			YawDeg:   imu.YawDeg,
		},
		Sources: []string{imu.Source},
		Meta:    map[string]string{"mode": "dead-reckoning"},
	}
}

func (s *Service) seedFromAnchor(anchors []Anchor, now time.Time) *FusedPosition {
	best := anchors[0]
	for _, a := range anchors[1:] {
		if a.Confidence > best.Confidence {
			best = a
		}
	}
	return &FusedPosition{
		Time:      now,
		LatDeg:    best.LatDeg,
		LonDeg:    best.LonDeg,
		AltM:      best.AltM,
		AccuracyM: s.cfg.AnchorSeedAccuracyM,
		Sources:   []string{best.Source},
		Meta:      map[string]string{"mode": "anchor-seed"},
	}
}

// applyAnchors runs the anchor correction pass over a base fusion result.
func (s *Service) applyAnchors(fused *FusedPosition, anchors []Anchor) {
	best := anchors[0]
	for _, a := range anchors[1:] {
		if a.Confidence > best.Confidence {
			best = a
		}
	}
	fused.Anchors = anchors

	if best.Confidence > s.cfg.AnchorOverrideConfidence {
		fused.LatDeg = best.LatDeg
		fused.LonDeg = best.LonDeg
		fused.AltM = best.AltM
		fused.AccuracyM = s.cfg.AnchorOverrideAccuracyM
		fused.Sources = append(fused.Sources, best.Source)
		return
	}

	fused.LatDeg = (fused.LatDeg + best.LatDeg) / 2
	fused.LonDeg = (fused.LonDeg + best.LonDeg) / 2
	fused.Sources = append(fused.Sources, best.Source)
	if fused.AccuracyM < s.cfg.AccuracyFloorM {
		fused.AccuracyM = s.cfg.AccuracyFloorM
	}
}
