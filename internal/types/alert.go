package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidUrgency is returned for urgency values outside the known set.
var ErrInvalidUrgency = errors.New("invalid urgency")

// Urgency is the ordered urgency level of an alert, fixed at creation.
type Urgency int

const (
	Normal Urgency = iota
	Urgent
	Critical
)

// Urgencies lists every known urgency in ascending order.
var Urgencies = []Urgency{Normal, Urgent, Critical}

func (u Urgency) String() string {
	switch u {
	case Normal:
		return "normal"
	case Urgent:
		return "urgent"
	case Critical:
		return "critical"
	default:
		return fmt.Sprintf("urgency(%d)", int(u))
	}
}

// Valid reports whether u is one of the known urgency levels.
func (u Urgency) Valid() bool {
	return u >= Normal && u <= Critical
}

// ParseUrgency parses a case-insensitive urgency name.
func ParseUrgency(s string) (Urgency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal":
		return Normal, nil
	case "urgent":
		return Urgent, nil
	case "critical":
		return Critical, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidUrgency, s)
}

func (u Urgency) MarshalText() ([]byte, error) {
	if !u.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidUrgency, int(u))
	}
	return []byte(u.String()), nil
}

func (u *Urgency) UnmarshalText(b []byte) error {
	parsed, err := ParseUrgency(string(b))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// State is the lifecycle state of an alert.
type State string

const (
	StateCreated      State = "created"
	StateDistributed  State = "distributed"
	StateEscalating   State = "escalating"
	StateAcknowledged State = "acknowledged"
	StateResolved     State = "resolved"
	StateUnresolved   State = "unresolved"
)

// TierEntry records one tier the alert entered. Entries are never rewritten.
type TierEntry struct {
	Tier      int       `json:"tier"`
	EnteredAt time.Time `json:"entered_at"`
	Selector  string    `json:"selector"`
	ReportID  string    `json:"report_id"`
}

// Alert is a snapshot of one emergency alert.
type Alert struct {
	ID             string            `json:"id"`
	Urgency        Urgency           `json:"urgency"`
	State          State             `json:"state"`
	Tier           int               `json:"tier"`
	Context        map[string]string `json:"context,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	AcknowledgedBy string            `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time        `json:"acknowledged_at,omitempty"`
	ResolvedBy     string            `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty"`
	TierHistory    []TierEntry       `json:"tier_history"`
	FinalReportID  string            `json:"final_report_id,omitempty"`
	Generation     uint64            `json:"generation"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// IsTerminal reports whether the alert no longer accepts acknowledgments.
func (a *Alert) IsTerminal() bool {
	switch a.State {
	case StateAcknowledged, StateResolved, StateUnresolved:
		return true
	}
	return false
}

// IsFinal reports whether the alert has left the engine for good.
func (a *Alert) IsFinal() bool {
	return a.State == StateResolved || a.State == StateUnresolved
}

// LastTier returns the most recent tier entry.
func (a *Alert) LastTier() (TierEntry, bool) {
	if len(a.TierHistory) == 0 {
		return TierEntry{}, false
	}
	return a.TierHistory[len(a.TierHistory)-1], true
}

// Clone returns a deep copy of the alert.
func (a Alert) Clone() Alert {
	out := a
	if a.Context != nil {
		out.Context = make(map[string]string, len(a.Context))
		for k, v := range a.Context {
			out.Context[k] = v
		}
	}
	if a.TierHistory != nil {
		out.TierHistory = make([]TierEntry, len(a.TierHistory))
		copy(out.TierHistory, a.TierHistory)
	}
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		out.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}
