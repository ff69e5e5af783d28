package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wardpager/wardpager/internal/metrics"
)

var (
	// ErrQueueFull is returned when an event could not be enqueued in time.
	ErrQueueFull = errors.New("audit queue full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("audit queue closed")
)

const appendTimeout = 5 * time.Second

// Async queues events for a single drain goroutine so that callers never
// wait on slow sinks. Events leave the queue in the order they entered it.
type Async struct {
	log     zerolog.Logger
	next    Appender
	queue   chan Event
	timeout time.Duration
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsync starts the drain goroutine.
func NewAsync(log zerolog.Logger, next Appender, buffer int, enqueueTimeout time.Duration, m *metrics.Metrics) *Async {
	if buffer < 1 {
		buffer = 1
	}
	a := &Async{
		log:     log.With().Str("component", "audit").Logger(),
		next:    next,
		queue:   make(chan Event, buffer),
		timeout: enqueueTimeout,
		metrics: m,
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Append enqueues the event. It drops the event if the queue stays full
// for the enqueue timeout.
func (a *Async) Append(ctx context.Context, e Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}

	select {
	case a.queue <- e:
		return nil
	default:
	}

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()
	select {
	case a.queue <- e:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	a.metrics.AuditDrop()
	a.log.Error().
		Str("alert_id", e.AlertID).
		Str("kind", string(e.Kind)).
		Uint64("generation", e.Generation).
		Msg("audit event dropped")
	return ErrQueueFull
}

func (a *Async) run() {
	defer close(a.done)
	for e := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		if err := a.next.Append(ctx, e); err != nil {
			a.metrics.AuditDrop()
			a.log.Error().
				Err(err).
				Str("alert_id", e.AlertID).
				Str("kind", string(e.Kind)).
				Msg("audit append failed")
		}
		cancel()
	}
}

// Close stops accepting events and waits for the queue to drain.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	<-a.done
}
