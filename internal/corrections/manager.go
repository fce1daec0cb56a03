package corrections

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"navfuse/internal/geo"
)

var (
	// ErrUnknownSource is returned for operations naming an unregistered id.
	ErrUnknownSource = errors.New("corrections: unknown source")

	// ErrNoUsableSource means no active source passed the distance gate.
	ErrNoUsableSource = errors.New("corrections: no usable source")

	// ErrSourceTooFar means the rover is beyond the source's declared
	// maximum usable distance.
	ErrSourceTooFar = errors.New("corrections: source beyond max distance")
)

// Selection scoring weights: inverse distance dominates, priority breaks
// near-ties.
const (
	distanceWeight = 0.7
	priorityWeight = 0.3
)

// Config tunes the manager.
type Config struct {
	// MaxReconnectAttempts bounds consecutive failed connects before the
	// source is marked terminally failed. Default 5.
	MaxReconnectAttempts int
	// InitialBackoff seeds the exponential reconnect schedule. Default 1s.
	InitialBackoff time.Duration
	// MaxBackoff caps the schedule. Default 30s.
	MaxBackoff time.Duration
	// DialTimeout bounds one connection attempt. Default 10s.
	DialTimeout time.Duration
	// DefaultSource, when set, is auto-connected by Start.
	DefaultSource string
}

func (c Config) withDefaults() Config {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	return c
}

type sourceState struct {
	src    Source
	status Status
	cancel context.CancelFunc

	mu          sync.Mutex
	bytes       uint64
	messages    uint64
	types       map[uint16]uint64
	lastMessage time.Time
	connectedAt time.Time
	errorCount  uint64
	lastError   string
}

// Manager owns the correction-source registry and their stream lifecycles.
// External callers only read snapshots of its state.
type Manager struct {
	cfg  Config
	log  *slog.Logger
	dial dialFunc

	mu        sync.Mutex
	sources   map[string]*sourceState
	defaultID string
	rover     geo.Geodetic
	haveRover bool

	dataCh  chan Data
	eventCh chan Event
	wg      sync.WaitGroup
}

// NewManager builds a manager. logger may not be nil.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		log:     logger,
		dial:    dialSource,
		sources: make(map[string]*sourceState),
		dataCh:  make(chan Data, 256),
		eventCh: make(chan Event, 64),
	}
}

// Data delivers decoded correction payloads in per-source arrival order.
func (m *Manager) Data() <-chan Data { return m.dataCh }

// Events delivers source lifecycle notifications.
func (m *Manager) Events() <-chan Event { return m.eventCh }

// Register adds a source. Re-registering an existing id is rejected so a
// connected stream cannot be silently reconfigured.
func (m *Manager) Register(src Source) error {
	if err := src.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[src.ID]; ok {
		return fmt.Errorf("corrections: source %s already registered", src.ID)
	}
	m.sources[src.ID] = &sourceState{
		src:    src,
		status: StatusDisconnected,
		types:  make(map[uint16]uint64),
	}
	return nil
}

// Remove disconnects and deletes a source. Pending reconnect timers are
// cancelled so no stale retry fires after removal.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	st, ok := m.sources[id]
	if ok {
		delete(m.sources, id)
		if m.defaultID == id {
			m.defaultID = ""
		}
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	if st.cancel != nil {
		st.cancel()
	}
	return nil
}

// SetDefault designates the source Start auto-connects.
func (m *Manager) SetDefault(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	m.defaultID = id
	return nil
}

// UpdateRoverPosition feeds the manager the position used for distance
// gating and source selection.
func (m *Manager) UpdateRoverPosition(g geo.Geodetic) {
	m.mu.Lock()
	m.rover = g
	m.haveRover = true
	m.mu.Unlock()
}

// Start auto-connects the configured default source, if any.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	id := m.defaultID
	if id == "" {
		id = m.cfg.DefaultSource
		if _, ok := m.sources[id]; id != "" && !ok {
			m.mu.Unlock()
			return fmt.Errorf("%w: default %s", ErrUnknownSource, id)
		}
		m.defaultID = id
	}
	m.mu.Unlock()
	if id == "" {
		return nil
	}
	return m.Connect(ctx, id)
}

// Connect starts the managed stream for a source. The connection itself is
// asynchronous; failures are retried with exponential backoff up to the
// attempt ceiling, then reported as a terminal event.
func (m *Manager) Connect(ctx context.Context, id string) error {
	return m.connect(ctx, id, nil)
}

func (m *Manager) connect(ctx context.Context, id string, initial io.ReadCloser) error {
	m.mu.Lock()
	st, ok := m.sources[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	if st.cancel != nil {
		// Already running.
		m.mu.Unlock()
		if initial != nil {
			_ = initial.Close()
		}
		return nil
	}
	if err := m.distanceGateLocked(st.src); err != nil {
		m.mu.Unlock()
		if initial != nil {
			_ = initial.Close()
		}
		return err
	}
	childCtx, cancel := context.WithCancel(ctx)
	st.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(childCtx, st, initial)
	return nil
}

// Disconnect stops a source's stream and pending retries without removing it.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	st, ok := m.sources[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	if st.cancel != nil {
		st.cancel()
	}
	return nil
}

// Close stops every stream and waits for their goroutines.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, st := range m.sources {
		if st.cancel != nil {
			st.cancel()
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// distanceGateLocked re-evaluates usability against the rover position.
// Called before every connection attempt.
func (m *Manager) distanceGateLocked(src Source) error {
	if src.MaxDistanceKm <= 0 || !m.haveRover {
		return nil
	}
	distKm := geo.DistanceM(m.rover, src.Anchor) / 1000
	if distKm > src.MaxDistanceKm {
		return fmt.Errorf("%w: %s is %.0f km away (max %.0f)", ErrSourceTooFar, src.ID, distKm, src.MaxDistanceKm)
	}
	return nil
}

// SourceStats snapshots one source's live statistics.
func (m *Manager) SourceStats(id string) (Stats, error) {
	m.mu.Lock()
	st, ok := m.sources[id]
	m.mu.Unlock()
	if !ok {
		return Stats{}, fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	return st.snapshot(), nil
}

// Sources returns a snapshot of the registered sources.
func (m *Manager) Sources() []Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Source, 0, len(m.sources))
	for _, st := range m.sources {
		out = append(out, st.src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (st *sourceState) snapshot() Stats {
	st.mu.Lock()
	defer st.mu.Unlock()
	types := make(map[uint16]uint64, len(st.types))
	for k, v := range st.types {
		types[k] = v
	}
	s := Stats{
		Status:        st.status,
		BytesReceived: st.bytes,
		Messages:      st.messages,
		MessageTypes:  types,
		LastMessage:   st.lastMessage,
		ConnectedAt:   st.connectedAt,
		ErrorCount:    st.errorCount,
		LastError:     st.lastError,
	}
	if !st.connectedAt.IsZero() && st.status == StatusConnected {
		s.Uptime = time.Since(st.connectedAt)
	}
	return s
}

// FindBestSource scores active, distance-eligible sources by a weighted
// blend of inverse distance (70%) and normalized priority (30%).
func (m *Manager) FindBestSource(rover geo.Geodetic) (Source, error) {
	ranked := m.rankSources(rover)
	if len(ranked) == 0 {
		return Source{}, ErrNoUsableSource
	}
	return ranked[0], nil
}

func (m *Manager) rankSources(rover geo.Geodetic) []Source {
	m.mu.Lock()
	candidates := make([]Source, 0, len(m.sources))
	for _, st := range m.sources {
		candidates = append(candidates, st.src)
	}
	m.mu.Unlock()

	maxPriority := 0
	eligible := candidates[:0]
	for _, src := range candidates {
		if !src.Active {
			continue
		}
		if src.MaxDistanceKm > 0 {
			if geo.DistanceM(rover, src.Anchor)/1000 > src.MaxDistanceKm {
				continue
			}
		}
		if src.Priority > maxPriority {
			maxPriority = src.Priority
		}
		eligible = append(eligible, src)
	}

	score := func(src Source) float64 {
		distKm := geo.DistanceM(rover, src.Anchor) / 1000
		prio := 0.0
		if maxPriority > 0 {
			prio = float64(src.Priority) / float64(maxPriority)
		}
		return distanceWeight/(1+distKm) + priorityWeight*prio
	}
	sort.Slice(eligible, func(i, j int) bool {
		si, sj := score(eligible[i]), score(eligible[j])
		if si != sj {
			return si > sj
		}
		return eligible[i].ID < eligible[j].ID
	})
	return eligible
}

// ConnectBest dials the best-ranked source; a failed connection falls
// through to the next-best remaining candidate.
func (m *Manager) ConnectBest(ctx context.Context, rover geo.Geodetic) (Source, error) {
	m.UpdateRoverPosition(rover)
	ranked := m.rankSources(rover)
	if len(ranked) == 0 {
		return Source{}, ErrNoUsableSource
	}
	var lastErr error
	for _, src := range ranked {
		dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
		conn, err := m.dial(dialCtx, src)
		cancel()
		if err != nil {
			m.log.Warn("best-source dial failed, falling through",
				"source", src.ID, "err", err)
			lastErr = err
			continue
		}
		if err := m.connect(ctx, src.ID, conn); err != nil {
			_ = conn.Close()
			lastErr = err
			continue
		}
		return src, nil
	}
	return Source{}, fmt.Errorf("corrections: all candidates failed: %w", lastErr)
}

// run is the managed per-source loop: dial (unless seeded), read until
// failure, reconnect with exponential backoff, give up after the attempt
// ceiling.
func (m *Manager) run(ctx context.Context, st *sourceState, initial io.ReadCloser) {
	defer m.wg.Done()
	terminal := false
	defer func() {
		m.mu.Lock()
		st.cancel = nil
		m.mu.Unlock()
		// A terminally failed source keeps StatusError so stats readers can
		// tell it apart from a clean disconnect.
		if !terminal {
			st.setStatus(StatusDisconnected)
		}
	}()

	sched := backoff.NewExponentialBackOff()
	sched.InitialInterval = m.cfg.InitialBackoff
	sched.MaxInterval = m.cfg.MaxBackoff
	sched.MaxElapsedTime = 0
	sched.Reset()

	attempts := 0
	conn := initial

	for {
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}

		if conn == nil {
			m.mu.Lock()
			gateErr := m.distanceGateLocked(st.src)
			m.mu.Unlock()

			var err error
			if gateErr != nil {
				err = gateErr
			} else {
				dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
				conn, err = m.dial(dialCtx, st.src)
				cancel()
			}
			if err != nil {
				attempts++
				st.recordError(err)
				if attempts >= m.cfg.MaxReconnectAttempts {
					m.log.Error("correction source failed terminally",
						"source", st.src.ID, "attempts", attempts, "err", err)
					terminal = true
					st.setStatus(StatusError)
					m.emitEvent(Event{SourceID: st.src.ID, Kind: EventTerminalFailure, Err: err, At: time.Now().UTC()})
					return
				}
				wait := sched.NextBackOff()
				m.log.Warn("correction source connect failed",
					"source", st.src.ID, "attempt", attempts, "retry_in", wait, "err", err)
				m.emitEvent(Event{SourceID: st.src.ID, Kind: EventReconnecting, Err: err, At: time.Now().UTC()})
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
				continue
			}
		}

		attempts = 0
		sched.Reset()
		st.markConnected()
		m.emitEvent(Event{SourceID: st.src.ID, Kind: EventConnected, At: time.Now().UTC()})
		m.log.Info("correction source connected", "source", st.src.ID, "kind", string(st.src.Kind))

		err := m.readStream(ctx, st, conn)
		_ = conn.Close()
		conn = nil
		st.setStatus(StatusDisconnected)
		m.emitEvent(Event{SourceID: st.src.ID, Kind: EventDisconnected, Err: err, At: time.Now().UTC()})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			st.recordError(err)
			m.log.Warn("correction stream ended", "source", st.src.ID, "err", err)
		}
	}
}

func (m *Manager) emitEvent(ev Event) {
	select {
	case m.eventCh <- ev:
	default:
		// Listener is not keeping up; lifecycle events are advisory.
	}
}

func (m *Manager) emitData(d Data) {
	select {
	case m.dataCh <- d:
	default:
	}
}

func (st *sourceState) setStatus(s Status) {
	st.mu.Lock()
	st.status = s
	st.mu.Unlock()
}

func (st *sourceState) markConnected() {
	st.mu.Lock()
	st.status = StatusConnected
	st.connectedAt = time.Now().UTC()
	st.mu.Unlock()
}

func (st *sourceState) recordError(err error) {
	st.mu.Lock()
	st.status = StatusError
	st.errorCount++
	st.lastError = err.Error()
	st.mu.Unlock()
}

func (st *sourceState) recordMessage(n int, types []uint16) {
	st.mu.Lock()
	st.bytes += uint64(n)
	st.messages++
	st.lastMessage = time.Now().UTC()
	for _, t := range types {
		st.types[t]++
	}
	st.mu.Unlock()
}
