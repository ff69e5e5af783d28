package alerter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wardpager/wardpager/internal/audit"
	"github.com/wardpager/wardpager/internal/clock"
	"github.com/wardpager/wardpager/internal/directory"
	"github.com/wardpager/wardpager/internal/metrics"
	"github.com/wardpager/wardpager/internal/notifier"
	"github.com/wardpager/wardpager/internal/policy"
	"github.com/wardpager/wardpager/internal/store"
	"github.com/wardpager/wardpager/internal/types"
)

// Dispatcher delivers one batch and reports per-pair outcomes.
type Dispatcher interface {
	Dispatch(ctx context.Context, req notifier.Request, channels []notifier.Channel) types.DeliveryReport
}

// Options tunes the engine.
type Options struct {
	PersistRetries    int
	PersistRetryDelay time.Duration
	RetryInterval     time.Duration
	DegradedThreshold int
	DegradedWindow    time.Duration
}

// Deps are the engine's collaborators. Registry, Clock, Metrics and Logger
// may be left zero.
type Deps struct {
	Registry   *Registry
	Policy     *policy.Policy
	Dispatcher Dispatcher
	Channels   []notifier.Channel
	Resolver   directory.Resolver
	Store      store.Store
	Audit      audit.Appender
	Clock      clock.Clock
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
	Options    Options
}

// Engine owns the lifecycle of every alert: distribution, escalation on
// timeout, acknowledgment and resolution.
type Engine struct {
	log        zerolog.Logger
	registry   *Registry
	dispatcher Dispatcher
	channels   []notifier.Channel
	resolver   directory.Resolver
	store      store.Store
	audit      audit.Appender
	clock      clock.Clock
	metrics    *metrics.Metrics
	opts       Options
	scheduler  *Scheduler
	degraded   *DegradationTracker
	newID      func() string

	mu     sync.RWMutex
	policy *policy.Policy
}

// Stats summarizes the engine for status endpoints.
type Stats struct {
	Active           int      `json:"active"`
	ArmedTimers      int      `json:"armed_timers"`
	DegradedChannels []string `json:"degraded_channels"`
}

// dispatchJob is a delivery decided inside a transition and run after it.
type dispatchJob struct {
	alert     types.Alert
	tier      int
	selector  string
	reportID  string
	broadcast bool
}

// NewEngine wires an engine from its collaborators.
func NewEngine(d Deps) *Engine {
	if d.Registry == nil {
		d.Registry = NewRegistry()
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Options.PersistRetries < 1 {
		d.Options.PersistRetries = 1
	}
	if d.Options.RetryInterval <= 0 {
		d.Options.RetryInterval = 5 * time.Second
	}

	e := &Engine{
		log:        d.Logger.With().Str("component", "engine").Logger(),
		registry:   d.Registry,
		dispatcher: d.Dispatcher,
		channels:   d.Channels,
		resolver:   d.Resolver,
		store:      d.Store,
		audit:      d.Audit,
		clock:      d.Clock,
		metrics:    d.Metrics,
		opts:       d.Options,
		policy:     d.Policy,
		newID:      uuid.NewString,
	}
	e.scheduler = NewScheduler(d.Logger, d.Clock, e.onTimerFire, d.Metrics)
	e.degraded = NewDegradationTracker(d.Logger, d.Options.DegradedThreshold, d.Options.DegradedWindow, d.Clock.Now)
	return e
}

// CreateAlert registers a new alert and distributes it to tier 0. The tier-0
// dispatch completes before CreateAlert returns.
func (e *Engine) CreateAlert(ctx context.Context, urgency types.Urgency, alertContext map[string]string) (types.Alert, error) {
	if !urgency.Valid() || !e.currentPolicy().Has(urgency) {
		return types.Alert{}, fmt.Errorf("%w: %s", ErrInvalidUrgency, urgency)
	}

	now := e.clock.Now()
	created := types.Alert{
		ID:        e.newID(),
		Urgency:   urgency,
		State:     types.StateCreated,
		Context:   make(map[string]string, len(alertContext)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for k, v := range alertContext {
		created.Context[k] = v
	}

	if err := e.persist(ctx, created); err != nil {
		return types.Alert{}, err
	}

	en := &entry{alert: created}
	en.mu.Lock()
	e.registry.add(en)
	e.metrics.SetActive(e.registry.Len())

	job, err := e.distributeLocked(ctx, en)
	current := en.alert.Clone()
	if err != nil {
		// the created snapshot is durable; keep trying in the background
		e.scheduler.Arm(created.ID, created.Generation, e.opts.RetryInterval)
		en.mu.Unlock()
		return current, err
	}
	en.mu.Unlock()

	if job != nil {
		e.deliver(context.WithoutCancel(ctx), job)
	}
	return current, nil
}

// Acknowledge stops escalation of the alert. If an escalation commits
// first, the acknowledgment is applied at the escalated tier.
func (e *Engine) Acknowledge(ctx context.Context, id, by string) (types.Alert, error) {
	for {
		en, ok := e.registry.get(id)
		if !ok {
			return e.lookupDropped(ctx, id)
		}

		snap, removed := en.snapshot()
		if removed {
			continue
		}
		if snap.IsTerminal() {
			return snap, ErrAlreadyTerminal
		}
		if snap.State == types.StateCreated {
			return snap, fmt.Errorf("%w: cannot acknowledge an undistributed alert", ErrInvalidTransition)
		}

		now := e.clock.Now()
		next := snap.Clone()
		next.State = types.StateAcknowledged
		next.AcknowledgedBy = by
		next.AcknowledgedAt = &now
		next.Generation = snap.Generation + 1
		next.UpdatedAt = now

		en.mu.Lock()
		if en.removed || en.alert.Generation != snap.Generation {
			en.mu.Unlock()
			e.log.Debug().
				Str("alert_id", id).
				Uint64("generation", snap.Generation).
				Msg("acknowledgment lost race, retrying")
			continue
		}
		err := e.commitLocked(ctx, en, next, audit.Acknowledged, by, "", "", -1)
		current := en.alert.Clone()
		en.mu.Unlock()
		return current, err
	}
}

// Resolve closes an acknowledged alert.
func (e *Engine) Resolve(ctx context.Context, id, by string) (types.Alert, error) {
	en, ok := e.registry.get(id)
	if !ok {
		return e.lookupDropped(ctx, id)
	}

	en.mu.Lock()
	defer en.mu.Unlock()

	cur := en.alert
	if en.removed || cur.IsFinal() {
		return cur.Clone(), ErrAlreadyTerminal
	}
	if cur.State != types.StateAcknowledged {
		return cur.Clone(), fmt.Errorf("%w: cannot resolve a %s alert", ErrInvalidTransition, cur.State)
	}

	now := e.clock.Now()
	next := cur.Clone()
	next.State = types.StateResolved
	next.ResolvedBy = by
	next.ResolvedAt = &now
	next.Generation++
	next.UpdatedAt = now

	if err := e.commitLocked(ctx, en, next, audit.Resolved, by, "", "", -1); err != nil {
		return cur.Clone(), err
	}
	e.dropLocked(en)
	return next.Clone(), nil
}

// lookupDropped answers for an alert that is no longer in memory.
func (e *Engine) lookupDropped(ctx context.Context, id string) (types.Alert, error) {
	a, err := e.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return types.Alert{}, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if err != nil {
		return types.Alert{}, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	if a.IsFinal() {
		return a, ErrAlreadyTerminal
	}
	return types.Alert{}, fmt.Errorf("%w: %s is not loaded", ErrAlertNotFound, id)
}

// onTimerFire advances the alert if the timer's generation is still current.
// Stale fires are no-ops.
func (e *Engine) onTimerFire(id string, generation uint64) {
	ctx := context.Background()

	en, ok := e.registry.get(id)
	if !ok {
		return
	}

	en.mu.Lock()
	cur := en.alert
	if en.removed || cur.Generation != generation || cur.IsTerminal() {
		en.mu.Unlock()
		e.log.Debug().
			Str("alert_id", id).
			Uint64("timer_generation", generation).
			Uint64("generation", cur.Generation).
			Msg("stale escalation timer ignored")
		return
	}

	var (
		job *dispatchJob
		err error
	)
	if cur.State == types.StateCreated {
		job, err = e.distributeLocked(ctx, en)
	} else {
		job, err = e.escalateLocked(ctx, en)
	}
	if err != nil {
		e.log.Error().
			Err(err).
			Str("alert_id", id).
			Dur("retry_in", e.opts.RetryInterval).
			Msg("transition not persisted, will retry")
		e.scheduler.Arm(id, generation, e.opts.RetryInterval)
	}
	en.mu.Unlock()

	if job != nil {
		e.deliver(ctx, job)
	}
}

// distributeLocked moves a created alert to tier 0. Caller holds en.mu.
func (e *Engine) distributeLocked(ctx context.Context, en *entry) (*dispatchJob, error) {
	cur := en.alert
	tier, ok := e.currentPolicy().NextTier(cur.Urgency, 0)
	if !ok {
		e.haltLocked(ctx, en)
		return nil, nil
	}

	now := e.clock.Now()
	reportID := e.newID()
	next := cur.Clone()
	next.State = types.StateDistributed
	next.Tier = 0
	next.TierHistory = append(next.TierHistory, types.TierEntry{
		Tier:      0,
		EnteredAt: now,
		Selector:  tier.Selector,
		ReportID:  reportID,
	})
	next.Generation++
	next.UpdatedAt = now

	if err := e.commitLocked(ctx, en, next, audit.Distributed, "", reportID, tier.Selector, tier.Timeout); err != nil {
		return nil, err
	}
	return &dispatchJob{alert: next.Clone(), tier: 0, selector: tier.Selector, reportID: reportID}, nil
}

// escalateLocked moves the alert to its next tier, or to unresolved once the
// tiers are exhausted. Caller holds en.mu.
func (e *Engine) escalateLocked(ctx context.Context, en *entry) (*dispatchJob, error) {
	cur := en.alert
	p := e.currentPolicy()
	if !p.Has(cur.Urgency) {
		e.haltLocked(ctx, en)
		return nil, nil
	}

	now := e.clock.Now()
	reportID := e.newID()
	next := cur.Clone()
	next.Generation++
	next.UpdatedAt = now

	tier, ok := p.NextTier(cur.Urgency, cur.Tier+1)
	if !ok {
		selector := p.BroadcastSelector()
		next.State = types.StateUnresolved
		next.FinalReportID = reportID
		if err := e.commitLocked(ctx, en, next, audit.Unresolved, "", reportID, selector, -1); err != nil {
			return nil, err
		}
		e.dropLocked(en)
		return &dispatchJob{alert: next.Clone(), tier: next.Tier, selector: selector, reportID: reportID, broadcast: true}, nil
	}

	next.State = types.StateEscalating
	next.Tier = cur.Tier + 1
	next.TierHistory = append(next.TierHistory, types.TierEntry{
		Tier:      next.Tier,
		EnteredAt: now,
		Selector:  tier.Selector,
		ReportID:  reportID,
	})
	if err := e.commitLocked(ctx, en, next, audit.Escalated, "", reportID, tier.Selector, tier.Timeout); err != nil {
		return nil, err
	}
	return &dispatchJob{alert: next.Clone(), tier: next.Tier, selector: tier.Selector, reportID: reportID}, nil
}

// haltLocked stops escalating an alert whose urgency the current policy no
// longer covers. The alert stays acknowledgeable.
func (e *Engine) haltLocked(ctx context.Context, en *entry) {
	cur := en.alert
	e.scheduler.Cancel(cur.ID)
	e.emit(ctx, cur, audit.Halted, "", "", fmt.Sprintf("policy has no tiers for urgency %s", cur.Urgency))
	e.log.Error().
		Str("alert_id", cur.ID).
		Str("urgency", cur.Urgency.String()).
		Int("tier", cur.Tier).
		Msg("escalation halted: urgency missing from policy")
}

// commitLocked persists next and installs it as the alert's state. Timers,
// audit and metrics follow in that order. A negative armFor cancels the
// alert's timer. On error nothing changes. Caller holds en.mu.
func (e *Engine) commitLocked(ctx context.Context, en *entry, next types.Alert, kind audit.Kind, actor, reportID, detail string, armFor time.Duration) error {
	if err := e.persist(ctx, next); err != nil {
		return err
	}
	en.alert = next

	if armFor >= 0 {
		e.scheduler.Arm(next.ID, next.Generation, armFor)
	} else {
		e.scheduler.Cancel(next.ID)
	}

	e.emit(ctx, next, kind, actor, reportID, detail)
	e.metrics.Transition(next.Urgency.String(), string(next.State))

	e.log.Info().
		Str("alert_id", next.ID).
		Str("urgency", next.Urgency.String()).
		Str("state", string(next.State)).
		Int("tier", next.Tier).
		Uint64("generation", next.Generation).
		Str("actor", actor).
		Msg("alert transition")
	return nil
}

// persist upserts the snapshot with bounded retries.
func (e *Engine) persist(ctx context.Context, a types.Alert) error {
	var err error
	for attempt := 1; attempt <= e.opts.PersistRetries; attempt++ {
		if err = e.store.Upsert(ctx, a); err == nil {
			return nil
		}
		if errors.Is(err, store.ErrStaleGeneration) {
			// an earlier attempt may have landed before its error came back
			if e.alreadyStored(ctx, a) {
				return nil
			}
			e.log.Error().
				Err(err).
				Str("alert_id", a.ID).
				Uint64("generation", a.Generation).
				Msg("store holds a newer snapshot, transition rejected")
			e.metrics.PersistFailure()
			return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
		}
		e.log.Warn().
			Err(err).
			Str("alert_id", a.ID).
			Uint64("generation", a.Generation).
			Int("attempt", attempt).
			Msg("alert upsert failed")

		if attempt == e.opts.PersistRetries || e.opts.PersistRetryDelay <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			e.metrics.PersistFailure()
			return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, ctx.Err())
		case <-time.After(e.opts.PersistRetryDelay):
		}
	}
	e.metrics.PersistFailure()
	return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
}

// alreadyStored reports whether the store holds exactly this transition.
func (e *Engine) alreadyStored(ctx context.Context, a types.Alert) bool {
	stored, err := e.store.Get(ctx, a.ID)
	if err != nil {
		return false
	}
	return stored.Generation == a.Generation && stored.State == a.State && stored.Tier == a.Tier
}

func (e *Engine) dropLocked(en *entry) {
	en.removed = true
	e.registry.remove(en.alert.ID)
	e.metrics.SetActive(e.registry.Len())
}

func (e *Engine) emit(ctx context.Context, a types.Alert, kind audit.Kind, actor, reportID, detail string) {
	if e.audit == nil {
		return
	}
	ev := audit.Event{
		ID:         e.newID(),
		AlertID:    a.ID,
		Kind:       kind,
		Tier:       a.Tier,
		Generation: a.Generation,
		Actor:      actor,
		ReportID:   reportID,
		Detail:     detail,
		At:         e.clock.Now(),
	}
	if err := e.audit.Append(ctx, ev); err != nil {
		e.log.Error().Err(err).Str("alert_id", a.ID).Str("kind", string(kind)).Msg("audit append failed")
	}
}

// deliver resolves recipients and dispatches. Failures are recorded in the
// report and never affect the alert's state.
func (e *Engine) deliver(ctx context.Context, job *dispatchJob) types.DeliveryReport {
	req := notifier.Request{
		ReportID:  job.reportID,
		Alert:     job.alert,
		Tier:      job.tier,
		Selector:  job.selector,
		Broadcast: job.broadcast,
	}

	recipients, err := e.resolver.ResolveRecipients(ctx, job.selector)
	if err != nil {
		req.ResolutionError = err.Error()
		e.log.Warn().
			Err(err).
			Str("alert_id", job.alert.ID).
			Str("selector", job.selector).
			Msg("recipient resolution failed")
	}
	req.Recipients = recipients

	report := e.dispatcher.Dispatch(ctx, req, e.channels)
	if err := e.store.SaveReport(ctx, report); err != nil {
		e.log.Error().Err(err).Str("alert_id", job.alert.ID).Str("report_id", report.ID).Msg("failed to save delivery report")
	}
	e.observe(job.alert, report)
	return report
}

func (e *Engine) observe(a types.Alert, report types.DeliveryReport) {
	for _, ch := range e.channels {
		name := ch.Name()
		if report.ChannelDegraded(name) {
			e.degraded.RecordFailure(name)
		} else if report.Pairs() > 0 {
			e.degraded.RecordSuccess(name)
		}
	}

	if !report.Degraded() {
		e.log.Info().
			Str("alert_id", a.ID).
			Str("report_id", report.ID).
			Int("tier", report.Tier).
			Int("delivered", report.Count(types.Delivered)).
			Msg("notifications delivered")
		return
	}

	e.metrics.Degraded(a.Urgency.String())
	e.log.Warn().
		Str("alert_id", a.ID).
		Str("report_id", report.ID).
		Int("tier", report.Tier).
		Bool("broadcast", report.Broadcast).
		Int("delivered", report.Count(types.Delivered)).
		Int("failed", report.Count(types.Failed)).
		Int("exhausted", report.Count(types.Exhausted)).
		Str("resolution_error", report.ResolutionError).
		Msg("DeliveryDegraded")
}

// Recover reloads every unfinished alert from the store and re-arms its
// timer with the time left in its current tier. It returns the number of
// alerts recovered.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	alerts, err := e.store.LoadActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}

	p := e.currentPolicy()
	now := e.clock.Now()
	var jobs []*dispatchJob
	recovered := 0

	for _, a := range alerts {
		en := &entry{alert: a}
		en.mu.Lock()
		if !e.registry.add(en) {
			en.mu.Unlock()
			continue
		}
		recovered++

		switch a.State {
		case types.StateCreated:
			job, err := e.distributeLocked(ctx, en)
			if err != nil {
				e.scheduler.Arm(a.ID, a.Generation, e.opts.RetryInterval)
			}
			if job != nil {
				jobs = append(jobs, job)
			}

		case types.StateDistributed, types.StateEscalating:
			tier, ok := p.NextTier(a.Urgency, a.Tier)
			if !ok {
				e.haltLocked(ctx, en)
				break
			}
			remaining := tier.Timeout
			if last, ok := a.LastTier(); ok {
				remaining -= now.Sub(last.EnteredAt)
			}
			if remaining < 0 {
				remaining = 0
			}
			e.scheduler.Arm(a.ID, a.Generation, remaining)
			e.emit(ctx, a, audit.Recovered, "", "", fmt.Sprintf("timer re-armed for %s", remaining))
			e.log.Info().
				Str("alert_id", a.ID).
				Int("tier", a.Tier).
				Dur("remaining", remaining).
				Msg("alert recovered")

		default:
			e.emit(ctx, a, audit.Recovered, "", "", "")
		}
		en.mu.Unlock()
	}
	e.metrics.SetActive(e.registry.Len())

	for _, job := range jobs {
		e.deliver(ctx, job)
	}
	return recovered, nil
}

// Get returns the alert from memory, or from the store once it has left
// memory.
func (e *Engine) Get(ctx context.Context, id string) (types.Alert, error) {
	if en, ok := e.registry.get(id); ok {
		if a, removed := en.snapshot(); !removed {
			return a, nil
		}
	}
	a, err := e.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return types.Alert{}, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if err != nil {
		return types.Alert{}, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	return a, nil
}

// Active returns copies of the alerts held in memory.
func (e *Engine) Active() []types.Alert {
	return e.registry.Snapshot()
}

// Report returns a stored delivery report.
func (e *Engine) Report(ctx context.Context, id string) (types.DeliveryReport, error) {
	r, err := e.store.GetReport(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return types.DeliveryReport{}, fmt.Errorf("%w: %s", ErrReportNotFound, id)
	}
	if err != nil {
		return types.DeliveryReport{}, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	return r, nil
}

// SetPolicy swaps the escalation policy. Armed timers keep their deadlines;
// the next transition of each alert reads the new table.
func (e *Engine) SetPolicy(p *policy.Policy) {
	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()
	e.log.Info().Msg("escalation policy replaced")
}

func (e *Engine) currentPolicy() *policy.Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// Stats returns counters for status reporting.
func (e *Engine) Stats() Stats {
	return Stats{
		Active:           e.registry.Len(),
		ArmedTimers:      e.scheduler.Armed(),
		DegradedChannels: e.degraded.Degraded(),
	}
}

// Stop cancels every escalation timer.
func (e *Engine) Stop() {
	e.scheduler.Stop()
	e.log.Info().Msg("engine stopped")
}
