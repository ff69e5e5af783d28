// Package audit records every committed alert transition. Appenders are
// called in commit order for each alert.
package audit

import (
	"context"
	"errors"
	"time"
)

// Kind is the type of an audit event.
type Kind string

const (
	Distributed  Kind = "distributed"
	Escalated    Kind = "escalated"
	Acknowledged Kind = "acknowledged"
	Resolved     Kind = "resolved"
	Unresolved   Kind = "unresolved"
	Halted       Kind = "halted"
	Recovered    Kind = "recovered"
)

// Event is one audit log entry.
type Event struct {
	ID         string    `json:"id"`
	AlertID    string    `json:"alert_id"`
	Kind       Kind      `json:"kind"`
	Tier       int       `json:"tier"`
	Generation uint64    `json:"generation"`
	Actor      string    `json:"actor,omitempty"`
	ReportID   string    `json:"report_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// Appender writes audit events somewhere durable.
type Appender interface {
	Append(ctx context.Context, e Event) error
}

// Multi fans an event out to several appenders. Every appender is tried;
// the errors are joined.
type Multi []Appender

func (m Multi) Append(ctx context.Context, e Event) error {
	var errs []error
	for _, a := range m {
		if err := a.Append(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
