package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/wardpager/wardpager/internal/types"
)

// Memory is a map-backed Store.
type Memory struct {
	mu      sync.RWMutex
	alerts  map[string]types.Alert
	reports map[string]types.DeliveryReport
}

func NewMemory() *Memory {
	return &Memory{
		alerts:  make(map[string]types.Alert),
		reports: make(map[string]types.DeliveryReport),
	}
}

func (m *Memory) Upsert(_ context.Context, alert types.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.alerts[alert.ID]; ok && cur.Generation >= alert.Generation {
		return fmt.Errorf("%w: alert %s stored at %d, got %d", ErrStaleGeneration, alert.ID, cur.Generation, alert.Generation)
	}
	m.alerts[alert.ID] = alert.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (types.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return types.Alert{}, ErrNotFound
	}
	return a.Clone(), nil
}

// LoadActive returns every alert that is not resolved or unresolved, oldest
// first.
func (m *Memory) LoadActive(_ context.Context) ([]types.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if !a.IsFinal() {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) SaveReport(_ context.Context, report types.DeliveryReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[report.ID] = cloneReport(report)
	return nil
}

func (m *Memory) GetReport(_ context.Context, id string) (types.DeliveryReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[id]
	if !ok {
		return types.DeliveryReport{}, ErrNotFound
	}
	return cloneReport(r), nil
}

func cloneReport(r types.DeliveryReport) types.DeliveryReport {
	results := make(map[string]map[string]types.Outcome, len(r.Results))
	for ch, byRecipient := range r.Results {
		inner := make(map[string]types.Outcome, len(byRecipient))
		for k, v := range byRecipient {
			inner[k] = v
		}
		results[ch] = inner
	}
	r.Results = results
	return r
}
