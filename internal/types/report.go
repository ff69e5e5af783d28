package types

import "time"

// Outcome is the delivery result of one recipient/channel pair.
type Outcome string

const (
	Delivered Outcome = "delivered"
	Failed    Outcome = "failed"
	Pending   Outcome = "pending"
	Exhausted Outcome = "exhausted"
)

// DeliveryReport is the result of one dispatch batch. It is not modified
// after the dispatcher returns it.
type DeliveryReport struct {
	ID              string                        `json:"id"`
	AlertID         string                        `json:"alert_id"`
	Tier            int                           `json:"tier"`
	Broadcast       bool                          `json:"broadcast"`
	Selector        string                        `json:"selector"`
	Results         map[string]map[string]Outcome `json:"results"`
	ResolutionError string                        `json:"resolution_error,omitempty"`
	StartedAt       time.Time                     `json:"started_at"`
	FinishedAt      time.Time                     `json:"finished_at"`
}

// Count returns how many pairs ended with the given outcome.
func (r *DeliveryReport) Count(o Outcome) int {
	n := 0
	for _, byRecipient := range r.Results {
		for _, got := range byRecipient {
			if got == o {
				n++
			}
		}
	}
	return n
}

// Pairs returns the number of recipient/channel pairs in the report.
func (r *DeliveryReport) Pairs() int {
	n := 0
	for _, byRecipient := range r.Results {
		n += len(byRecipient)
	}
	return n
}

// Degraded reports whether any pair was not delivered, or recipients could
// not be resolved at all.
func (r *DeliveryReport) Degraded() bool {
	if r.ResolutionError != "" {
		return true
	}
	return r.Count(Delivered) != r.Pairs()
}

// ChannelDegraded reports whether the named channel failed any pair.
func (r *DeliveryReport) ChannelDegraded(channel string) bool {
	for _, got := range r.Results[channel] {
		if got != Delivered {
			return true
		}
	}
	return false
}

// Payload is the rendered alert handed to delivery channels.
type Payload struct {
	AlertID   string            `json:"alert_id"`
	Urgency   Urgency           `json:"urgency"`
	Tier      int               `json:"tier"`
	Broadcast bool              `json:"broadcast"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Context   map[string]string `json:"context,omitempty"`
	SentAt    time.Time         `json:"sent_at"`
}
