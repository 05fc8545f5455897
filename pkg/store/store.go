// Package store persists readings and anomaly records in two append-only
// collections queryable by recency.
package store

import (
	"context"
	"errors"

	"github.com/hed1ad/vitalguard/pkg/vitals"
)

// ErrInvalidLimit is returned for non-positive Recent limits.
var ErrInvalidLimit = errors.New("store: limit must be positive")

// Readings is the reading collection.
type Readings interface {
	// AppendReading stores r and assigns r.ID.
	AppendReading(ctx context.Context, r *vitals.Reading) error
	// RecentReadings returns up to limit readings, newest first.
	RecentReadings(ctx context.Context, limit int) ([]vitals.Reading, error)
}

// Anomalies is the anomaly record collection.
type Anomalies interface {
	// AppendAnomaly stores rec and assigns rec.ID.
	AppendAnomaly(ctx context.Context, rec *vitals.AnomalyRecord) error
	// RecentAnomalies returns up to limit records, newest first.
	RecentAnomalies(ctx context.Context, limit int) ([]vitals.AnomalyRecord, error)
}

// Store is a full record store.
type Store interface {
	Readings
	Anomalies
	Close() error
}
