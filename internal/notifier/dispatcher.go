package notifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/wardpager/wardpager/internal/config"
	"github.com/wardpager/wardpager/internal/metrics"
	"github.com/wardpager/wardpager/internal/types"
)

// Request describes one dispatch batch.
type Request struct {
	ReportID        string
	Alert           types.Alert
	Tier            int
	Selector        string
	Recipients      []string
	Broadcast       bool
	ResolutionError string
}

// Dispatcher fans a payload out to every recipient/channel pair with
// bounded retries. It never returns an error: failures are recorded in the
// DeliveryReport.
type Dispatcher struct {
	log     zerolog.Logger
	cfg     config.DispatchConfig
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewDispatcher creates a dispatcher. now defaults to time.Now.
func NewDispatcher(log zerolog.Logger, cfg config.DispatchConfig, m *metrics.Metrics, now func() time.Time) *Dispatcher {
	if now == nil {
		now = time.Now
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxInFlight < 1 {
		cfg.MaxInFlight = 1
	}
	if cfg.OverallTimeout <= 0 {
		cfg.OverallTimeout = 10 * time.Second
	}
	if cfg.PairBudget <= 0 || cfg.PairBudget > cfg.OverallTimeout {
		cfg.PairBudget = min(5*time.Second, cfg.OverallTimeout)
	}
	return &Dispatcher{
		log:      log.With().Str("component", "dispatcher").Logger(),
		cfg:      cfg,
		metrics:  m,
		now:      now,
		limiters: make(map[string]*rate.Limiter),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Dispatch delivers the request on every channel and returns a report that
// no in-flight attempt can modify afterwards. Pairs still in flight when the
// overall timeout expires are marked exhausted.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, channels []Channel) types.DeliveryReport {
	started := d.now()
	begin := time.Now()

	payload := Render(req.Alert, req.Tier, req.Broadcast)
	payload.SentAt = started

	var mu sync.Mutex
	results := make(map[string]map[string]types.Outcome, len(channels))
	for _, ch := range channels {
		byRecipient := make(map[string]types.Outcome, len(req.Recipients))
		for _, r := range req.Recipients {
			byRecipient[r] = types.Pending
		}
		results[ch.Name()] = byRecipient
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.OverallTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var g errgroup.Group
		g.SetLimit(d.cfg.MaxInFlight)
		for _, ch := range channels {
			for _, recipient := range req.Recipients {
				ch, recipient := ch, recipient
				g.Go(func() error {
					outcome := d.deliver(ctx, ch, recipient, payload)
					mu.Lock()
					results[ch.Name()][recipient] = outcome
					mu.Unlock()
					return nil
				})
			}
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.log.Warn().
			Str("alert_id", req.Alert.ID).
			Int("tier", req.Tier).
			Dur("timeout", d.cfg.OverallTimeout).
			Msg("dispatch timed out, pending deliveries marked exhausted")
	}

	report := types.DeliveryReport{
		ID:              req.ReportID,
		AlertID:         req.Alert.ID,
		Tier:            req.Tier,
		Broadcast:       req.Broadcast,
		Selector:        req.Selector,
		Results:         make(map[string]map[string]types.Outcome, len(results)),
		ResolutionError: req.ResolutionError,
		StartedAt:       started,
	}

	mu.Lock()
	for channel, byRecipient := range results {
		frozen := make(map[string]types.Outcome, len(byRecipient))
		for recipient, outcome := range byRecipient {
			if outcome == types.Pending {
				outcome = types.Exhausted
			}
			frozen[recipient] = outcome
			d.metrics.Delivery(channel, string(outcome))
		}
		report.Results[channel] = frozen
	}
	mu.Unlock()

	report.FinishedAt = d.now()
	d.metrics.ObserveDispatch(req.Broadcast, time.Since(begin))
	return report
}

// deliver runs the retry loop for one pair
func (d *Dispatcher) deliver(ctx context.Context, ch Channel, recipient string, payload types.Payload) types.Outcome {
	pairCtx, cancel := context.WithTimeout(ctx, d.cfg.PairBudget)
	defer cancel()

	backoff := d.cfg.InitialBackoff
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		err := d.attempt(pairCtx, ch, recipient, payload)
		d.metrics.Attempt(ch.Name(), err)
		if err == nil {
			return types.Delivered
		}

		d.log.Debug().
			Err(err).
			Str("alert_id", payload.AlertID).
			Str("channel", ch.Name()).
			Str("recipient", recipient).
			Int("attempt", attempt).
			Msg("delivery attempt failed")

		if attempt == d.cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-pairCtx.Done():
			timer.Stop()
			return d.abandoned(ctx)
		case <-timer.C:
		}
		backoff *= 2
	}

	if ctx.Err() != nil {
		return types.Exhausted
	}
	return types.Failed
}

func (d *Dispatcher) abandoned(overall context.Context) types.Outcome {
	if overall.Err() != nil {
		return types.Exhausted
	}
	return types.Failed
}

func (d *Dispatcher) attempt(ctx context.Context, ch Channel, recipient string, payload types.Payload) error {
	limiter, breaker := d.guards(ch.Name())
	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, ch.Send(ctx, recipient, payload)
	})
	return err
}

// guards returns the rate limiter and circuit breaker for a channel,
// creating them on first use.
func (d *Dispatcher) guards(channel string) (*rate.Limiter, *gobreaker.CircuitBreaker) {
	d.mu.Lock()
	defer d.mu.Unlock()

	limiter, ok := d.limiters[channel]
	if !ok {
		limit := rate.Inf
		if d.cfg.RatePerSecond > 0 {
			limit = rate.Limit(d.cfg.RatePerSecond)
		}
		burst := d.cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(limit, burst)
		d.limiters[channel] = limiter
	}

	breaker, ok := d.breakers[channel]
	if !ok {
		threshold := d.cfg.Breaker.ConsecutiveFailures
		breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        channel,
			MaxRequests: d.cfg.Breaker.HalfOpenRequests,
			Timeout:     d.cfg.Breaker.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return threshold > 0 && counts.ConsecutiveFailures >= threshold
			},
			IsSuccessful: channelHealthy,
			OnStateChange: func(name string, from, to gobreaker.State) {
				d.log.Warn().
					Str("channel", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("channel circuit breaker state changed")
			},
		})
		d.breakers[channel] = breaker
	}

	return limiter, breaker
}

// channelHealthy reports whether err leaves the channel itself healthy.
// Recipient-scoped failures and cancellation by the caller do not trip the
// breaker.
func channelHealthy(err error) bool {
	return err == nil ||
		errors.Is(err, ErrRecipientUnreachable) ||
		errors.Is(err, context.Canceled)
}

// BreakerStates returns the current breaker state per channel.
func (d *Dispatcher) BreakerStates() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.breakers))
	for name, b := range d.breakers {
		out[name] = b.State().String()
	}
	return out
}
