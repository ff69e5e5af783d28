package alerter

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wardpager/wardpager/internal/clock"
	"github.com/wardpager/wardpager/internal/metrics"
)

// FireFunc is called when an escalation timer fires.
type FireFunc func(alertID string, generation uint64)

// Scheduler keeps at most one live escalation timer per alert.
type Scheduler struct {
	log     zerolog.Logger
	clock   clock.Clock
	onFire  FireFunc
	metrics *metrics.Metrics

	mu      sync.Mutex
	seq     uint64
	timers  map[string]armedTimer
	stopped bool
}

type armedTimer struct {
	timer      clock.Timer
	generation uint64
	seq        uint64
}

// NewScheduler creates a scheduler firing onFire on clk.
func NewScheduler(log zerolog.Logger, clk clock.Clock, onFire FireFunc, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		log:     log.With().Str("component", "scheduler").Logger(),
		clock:   clk,
		onFire:  onFire,
		metrics: m,
		timers:  make(map[string]armedTimer),
	}
}

// Arm schedules onFire(alertID, generation) after d, replacing any timer
// already armed for the alert.
func (s *Scheduler) Arm(alertID string, generation uint64, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	if prev, ok := s.timers[alertID]; ok {
		prev.timer.Stop()
	}

	s.seq++
	seq := s.seq
	t := s.clock.AfterFunc(d, func() {
		if !s.release(alertID, seq) {
			return
		}
		s.onFire(alertID, generation)
	})
	s.timers[alertID] = armedTimer{timer: t, generation: generation, seq: seq}
	s.metrics.SetArmed(len(s.timers))

	s.log.Debug().
		Str("alert_id", alertID).
		Uint64("generation", generation).
		Dur("delay", d).
		Msg("escalation timer armed")
}

// release drops the bookkeeping for a fired timer. It returns false if the
// timer was replaced or the scheduler stopped in the meantime.
func (s *Scheduler) release(alertID string, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.timers[alertID]
	if !ok || cur.seq != seq {
		return false
	}
	delete(s.timers, alertID)
	s.metrics.SetArmed(len(s.timers))
	return !s.stopped
}

// Cancel stops the alert's timer. A timer that already started firing is
// not interrupted; the generation check makes that fire a no-op.
func (s *Scheduler) Cancel(alertID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.timers[alertID]; ok {
		cur.timer.Stop()
		delete(s.timers, alertID)
		s.metrics.SetArmed(len(s.timers))
		s.log.Debug().Str("alert_id", alertID).Msg("escalation timer cancelled")
	}
}

// Armed returns the number of live timers.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// ArmedGeneration returns the generation the alert's timer was armed for.
func (s *Scheduler) ArmedGeneration(alertID string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.timers[alertID]
	return cur.generation, ok
}

// Stop cancels all pending timers. Arm is a no-op afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, cur := range s.timers {
		cur.timer.Stop()
		delete(s.timers, id)
	}
	s.metrics.SetArmed(0)
}
