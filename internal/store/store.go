// Package store persists alert snapshots and delivery reports so that the
// engine can rebuild its state after a restart.
package store

import (
	"context"
	"errors"

	"github.com/wardpager/wardpager/internal/types"
)

var (
	// ErrNotFound is returned when no record exists for an ID.
	ErrNotFound = errors.New("not found")
	// ErrStaleGeneration is returned by Upsert when the stored snapshot
	// already has the same or a newer generation. Nothing is written.
	ErrStaleGeneration = errors.New("stale generation")
)

// Store is the durable side of the engine. Upsert must not let an older
// generation overwrite a newer one, and reports such a write with
// ErrStaleGeneration.
type Store interface {
	Upsert(ctx context.Context, alert types.Alert) error
	Get(ctx context.Context, id string) (types.Alert, error)
	LoadActive(ctx context.Context) ([]types.Alert, error)
	SaveReport(ctx context.Context, report types.DeliveryReport) error
	GetReport(ctx context.Context, id string) (types.DeliveryReport, error)
}
