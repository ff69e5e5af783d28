package alerter

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DegradationTracker marks a channel degraded when it fails deliveries in
// threshold reports within the window.
type DegradationTracker struct {
	log       zerolog.Logger
	threshold int
	window    time.Duration
	now       func() time.Time
	mu        sync.Mutex
	history   map[string][]time.Time // channel -> degraded report timestamps
	degraded  map[string]bool
}

// NewDegradationTracker creates a tracker reading time from now.
func NewDegradationTracker(log zerolog.Logger, threshold int, window time.Duration, now func() time.Time) *DegradationTracker {
	if threshold < 1 {
		threshold = 1
	}
	return &DegradationTracker{
		log:       log.With().Str("component", "degradation").Logger(),
		threshold: threshold,
		window:    window,
		now:       now,
		history:   make(map[string][]time.Time),
		degraded:  make(map[string]bool),
	}
}

// RecordFailure records a degraded report for the channel. justStarted is
// true on the report that tipped the channel over the threshold.
func (d *DegradationTracker) RecordFailure(channel string) (degraded bool, justStarted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	pruned := d.pruneLocked(channel, now)
	pruned = append(pruned, now)
	d.history[channel] = pruned

	if len(pruned) < d.threshold {
		return false, false
	}
	if d.degraded[channel] {
		return true, false
	}
	d.degraded[channel] = true
	d.log.Warn().Str("channel", channel).Int("failures", len(pruned)).Dur("window", d.window).Msg("channel degraded")
	return true, true
}

// RecordSuccess clears the degraded mark once the channel has stayed under
// the threshold for the window. It returns true when the mark was cleared.
func (d *DegradationTracker) RecordSuccess(channel string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.degraded[channel] {
		return false
	}
	if len(d.pruneLocked(channel, d.now())) >= d.threshold {
		return false
	}
	delete(d.degraded, channel)
	d.log.Info().Str("channel", channel).Msg("channel recovered")
	return true
}

// IsDegraded reports whether the channel is currently marked degraded.
func (d *DegradationTracker) IsDegraded(channel string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.degraded[channel]
}

// Degraded lists the channels currently marked degraded.
func (d *DegradationTracker) Degraded() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.degraded))
	for ch := range d.degraded {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

func (d *DegradationTracker) pruneLocked(channel string, now time.Time) []time.Time {
	cutoff := now.Add(-d.window)
	timestamps := d.history[channel]
	pruned := make([]time.Time, 0, len(timestamps)+1)
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	if len(pruned) == 0 {
		delete(d.history, channel)
	} else {
		d.history[channel] = pruned
	}
	return pruned
}
