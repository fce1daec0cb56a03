// Package audit writes fusion log entries to the external audit sink. Sink
// failures are logged and retried asynchronously; they never block or fail
// the fusion loop.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"navfuse/internal/fusion"
)

// Entry is one append-only fusion snapshot with its calibration and
// correction provenance.
type Entry struct {
	ID   string    `json:"id"`
	Time time.Time `json:"time"`

	Position fusion.FusedPosition `json:"position"`

	ProfileID        string `json:"profile_id,omitempty"`
	CorrectionSource string `json:"correction_source,omitempty"`
	SolverVerdict    string `json:"solver_verdict,omitempty"`
}

// Sink accepts entries and returns an opaque identifier.
type Sink interface {
	Record(ctx context.Context, e Entry) (string, error)
}

// Recorder queues entries for a sink, retrying failures in the background.
type Recorder struct {
	sink       Sink
	log        *slog.Logger
	retryDelay time.Duration
	maxRetries int

	queue    chan Entry
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	mu      sync.Mutex
	dropped uint64
}

// NewRecorder starts the background writer.
func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	r := &Recorder{
		sink:       sink,
		log:        logger,
		retryDelay: 2 * time.Second,
		maxRetries: 3,
		queue:      make(chan Entry, 256),
		stopCh:     make(chan struct{}),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Record queues an entry and returns its identifier immediately. A full
// queue drops the entry rather than blocking fusion.
func (r *Recorder) Record(e Entry) string {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	select {
	case r.queue <- e:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		r.log.Warn("audit queue full, entry dropped", "id", e.ID)
	}
	return e.ID
}

// Dropped returns the count of entries lost to a full queue.
func (r *Recorder) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close drains what it can and stops the writer.
func (r *Recorder) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			// Drain without retries on shutdown.
			for {
				select {
				case e := <-r.queue:
					ctx, cancel := context.WithTimeout(context.Background(), time.Second)
					_, err := r.sink.Record(ctx, e)
					cancel()
					if err != nil {
						r.log.Warn("audit entry lost on shutdown", "id", e.ID, "err", err)
					}
				default:
					return
				}
			}
		case e := <-r.queue:
			r.write(e)
		}
	}
}

func (r *Recorder) write(e Entry) {
	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := r.sink.Record(ctx, e)
		cancel()
		if err == nil {
			return
		}
		if attempt >= r.maxRetries {
			r.log.Error("audit entry dropped after retries", "id", e.ID, "attempts", attempt+1, "err", err)
			return
		}
		r.log.Warn("audit record failed, retrying", "id", e.ID, "attempt", attempt+1, "err", err)
		select {
		case <-r.stopCh:
			return
		case <-time.After(r.retryDelay):
		}
	}
}
