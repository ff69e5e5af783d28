// Package policy maps an alert's urgency and tier to the tier's timeout and
// recipient selector. A Policy is immutable once built and has no I/O.
package policy

import (
	"fmt"
	"time"

	"github.com/wardpager/wardpager/internal/types"
)

// DefaultBroadcastSelector is used for the final all-staff broadcast when no
// selector is configured.
const DefaultBroadcastSelector = "all_staff"

// Tier is one escalation step.
type Tier struct {
	Timeout  time.Duration
	Selector string
}

// Policy is the escalation table.
type Policy struct {
	tiers     map[types.Urgency][]Tier
	broadcast string
}

// New builds a policy. The input is copied.
func New(tiers map[types.Urgency][]Tier, broadcastSelector string) (*Policy, error) {
	if broadcastSelector == "" {
		broadcastSelector = DefaultBroadcastSelector
	}
	p := &Policy{
		tiers:     make(map[types.Urgency][]Tier, len(tiers)),
		broadcast: broadcastSelector,
	}
	for u, list := range tiers {
		p.tiers[u] = append([]Tier(nil), list...)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Default returns the product default policy: the ward's assigned nurses,
// then all staff on the ward, then the head doctors.
func Default() *Policy {
	p, err := New(map[types.Urgency][]Tier{
		types.Critical: {
			{Timeout: 2 * time.Minute, Selector: "assigned_nurses"},
			{Timeout: 3 * time.Minute, Selector: "ward_staff"},
			{Timeout: 5 * time.Minute, Selector: "head_doctors"},
		},
		types.Urgent: {
			{Timeout: 5 * time.Minute, Selector: "assigned_nurses"},
			{Timeout: 10 * time.Minute, Selector: "ward_staff"},
			{Timeout: 15 * time.Minute, Selector: "head_doctors"},
		},
		types.Normal: {
			{Timeout: 15 * time.Minute, Selector: "assigned_nurses"},
			{Timeout: 30 * time.Minute, Selector: "ward_staff"},
		},
	}, DefaultBroadcastSelector)
	if err != nil {
		panic(err)
	}
	return p
}

// Validate checks that every configured urgency has at least one usable
// tier. Urgencies left out of the table are rejected at alert creation.
func (p *Policy) Validate() error {
	if len(p.tiers) == 0 {
		return fmt.Errorf("policy: no urgency has tiers")
	}
	for u, list := range p.tiers {
		if !u.Valid() {
			return fmt.Errorf("policy: %w: %d", types.ErrInvalidUrgency, int(u))
		}
		if len(list) == 0 {
			return fmt.Errorf("policy: urgency %s has no tiers", u)
		}
		for i, t := range list {
			if t.Timeout <= 0 {
				return fmt.Errorf("policy: %s tier %d: timeout must be positive", u, i)
			}
			if t.Selector == "" {
				return fmt.Errorf("policy: %s tier %d: selector is required", u, i)
			}
		}
	}
	return nil
}

// NextTier returns the definition of tier number tier for the urgency. It
// returns false once the tiers are exhausted.
func (p *Policy) NextTier(u types.Urgency, tier int) (Tier, bool) {
	list := p.tiers[u]
	if tier < 0 || tier >= len(list) {
		return Tier{}, false
	}
	return list[tier], true
}

// MaxTier returns the highest tier number for the urgency, or -1 if the
// urgency has no table.
func (p *Policy) MaxTier(u types.Urgency) int {
	return len(p.tiers[u]) - 1
}

// Has reports whether the urgency has at least one tier.
func (p *Policy) Has(u types.Urgency) bool {
	return len(p.tiers[u]) > 0
}

// BroadcastSelector is the selector for the final all-staff broadcast.
func (p *Policy) BroadcastSelector() string {
	return p.broadcast
}
