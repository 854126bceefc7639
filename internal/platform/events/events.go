// Package events runs side effects after a business transaction committed.
// Publishing never blocks the caller and delivery failures are logged, never
// returned.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/audit"
	"github.com/clinic/clinic/internal/platform/metrics"
	"github.com/clinic/clinic/internal/platform/notification"
)

type Event struct {
	TenantID uuid.UUID
	ActorID  uuid.UUID
	Action   string
	Entity   string
	EntityID string
	Metadata map[string]any
	Notify   *notification.Notification
	At       time.Time
}

type Publisher interface {
	Publish(ctx context.Context, evts ...Event)
}

// Dispatcher is a bounded queue drained by a fixed set of workers.
type Dispatcher struct {
	queue    chan Event
	sink     audit.Sink
	notifier notification.Dispatcher
	metrics  *metrics.Metrics
	log      zerolog.Logger
	timeout  time.Duration
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
}

type Config struct {
	QueueSize int
	Workers   int
	// Timeout bounds each delivery.
	Timeout time.Duration
}

// NewDispatcher starts the workers. notifier and m may be nil.
func NewDispatcher(cfg Config, sink audit.Sink, notifier notification.Dispatcher, m *metrics.Metrics, log zerolog.Logger) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	d := &Dispatcher{
		queue:    make(chan Event, cfg.QueueSize),
		sink:     sink,
		notifier: notifier,
		metrics:  m,
		log:      log,
		timeout:  cfg.Timeout,
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	return d
}

// Publish enqueues events. A full queue drops the event.
func (d *Dispatcher) Publish(_ context.Context, evts ...Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, e := range evts {
		if e.At.IsZero() {
			e.At = time.Now().UTC()
		}
		if d.closed {
			d.drop(e, "dispatcher closed")
			continue
		}
		select {
		case d.queue <- e:
		default:
			d.drop(e, "queue full")
		}
	}
}

func (d *Dispatcher) drop(e Event, reason string) {
	if d.metrics != nil {
		d.metrics.EventsDropped.Inc()
	}
	d.log.Warn().
		Str("action", e.Action).
		Str("entity", e.Entity).
		Str("entity_id", e.EntityID).
		Str("reason", reason).
		Msg("event dropped")
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for e := range d.queue {
		d.deliver(e)
	}
}

func (d *Dispatcher) deliver(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if d.sink != nil {
		err := d.sink.Record(ctx, audit.Entry{
			TenantID:   e.TenantID,
			ActorID:    e.ActorID,
			Action:     e.Action,
			Entity:     e.Entity,
			EntityID:   e.EntityID,
			Metadata:   e.Metadata,
			RecordedAt: e.At,
		})
		d.observe("audit", e, err)
	}
	if e.Notify != nil && d.notifier != nil {
		d.observe("notification", e, d.notifier.Dispatch(ctx, *e.Notify))
	}
}

func (d *Dispatcher) observe(sink string, e Event, err error) {
	if d.metrics != nil {
		d.metrics.Delivery(sink, err)
	}
	if err != nil {
		d.log.Error().Err(err).
			Str("sink", sink).
			Str("action", e.Action).
			Str("entity_id", e.EntityID).
			Msg("event delivery failed")
	}
}

// Close stops accepting events and waits for queued ones to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

// Recorder is an in-memory Publisher for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, evts ...Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evts...)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Actions lists the recorded actions in publish order.
func (r *Recorder) Actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Action
	}
	return out
}
