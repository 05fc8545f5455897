package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/hed1ad/vitalguard/pkg/vitals"
)

const schema = `
CREATE TABLE IF NOT EXISTS health_records (
	id              BIGSERIAL PRIMARY KEY,
	recorded_at     TEXT NOT NULL,
	heart_rate      DOUBLE PRECISION NOT NULL,
	spo2            DOUBLE PRECISION NOT NULL,
	temperature     DOUBLE PRECISION NOT NULL,
	activity_level  DOUBLE PRECISION NOT NULL,
	sleep_quality   DOUBLE PRECISION NOT NULL,
	anomaly_injected TEXT,
	risk_score      INTEGER NOT NULL,
	anomalies       TEXT[] NOT NULL DEFAULT '{}',
	is_anomaly      BOOLEAN NOT NULL
);

CREATE TABLE IF NOT EXISTS anomaly_logs (
	id            BIGSERIAL PRIMARY KEY,
	recorded_at   TEXT NOT NULL,
	risks         TEXT[] NOT NULL,
	risk_score    INTEGER NOT NULL,
	data_snapshot JSONB NOT NULL
);`

// Postgres is a Store backed by PostgreSQL.
type Postgres struct {
	db     *sqlx.DB
	logger zerolog.Logger
}

var _ Store = (*Postgres)(nil)

type readingRow struct {
	ID              int64          `db:"id"`
	RecordedAt      string         `db:"recorded_at"`
	HeartRate       float64        `db:"heart_rate"`
	SpO2            float64        `db:"spo2"`
	Temperature     float64        `db:"temperature"`
	ActivityLevel   float64        `db:"activity_level"`
	SleepQuality    float64        `db:"sleep_quality"`
	AnomalyInjected sql.NullString `db:"anomaly_injected"`
	RiskScore       int            `db:"risk_score"`
	Anomalies       pq.StringArray `db:"anomalies"`
	IsAnomaly       bool           `db:"is_anomaly"`
}

type anomalyRow struct {
	ID           int64          `db:"id"`
	RecordedAt   string         `db:"recorded_at"`
	Risks        pq.StringArray `db:"risks"`
	RiskScore    int            `db:"risk_score"`
	DataSnapshot []byte         `db:"data_snapshot"`
}

// OpenPostgres connects to dsn, retrying with exponential backoff for up to
// maxWait.
func OpenPostgres(ctx context.Context, dsn string, maxWait time.Duration, logger zerolog.Logger) (*Postgres, error) {
	logger = logger.With().Str("component", "postgres").Logger()

	var db *sqlx.DB
	operation := func() error {
		var err error
		db, err = sqlx.ConnectContext(ctx, "postgres", dsn)
		if err != nil {
			logger.Warn().Err(err).Msg("postgres not ready")
			return err
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxWait
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	return NewPostgres(db, logger), nil
}

// NewPostgres wraps an existing connection.
func NewPostgres(db *sqlx.DB, logger zerolog.Logger) *Postgres {
	return &Postgres{db: db, logger: logger}
}

// Migrate creates the tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *Postgres) AppendReading(ctx context.Context, r *vitals.Reading) error {
	const query = `
		INSERT INTO health_records (
			recorded_at, heart_rate, spo2, temperature, activity_level, sleep_quality,
			anomaly_injected, risk_score, anomalies, is_anomaly
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	var injected sql.NullString
	if r.AnomalyInjected != nil {
		injected = sql.NullString{String: *r.AnomalyInjected, Valid: true}
	}

	var id int64
	err := p.db.QueryRowxContext(ctx, query,
		r.Timestamp, r.HeartRate, r.SpO2, r.Temperature, r.ActivityLevel, r.SleepQuality,
		injected, r.RiskScore, pq.StringArray(nonNil(r.Anomalies)), r.IsAnomaly,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("insert health record: %w", err)
	}

	r.ID = strconv.FormatInt(id, 10)
	return nil
}

func (p *Postgres) RecentReadings(ctx context.Context, limit int) ([]vitals.Reading, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}

	const query = `
		SELECT id, recorded_at, heart_rate, spo2, temperature, activity_level, sleep_quality,
			anomaly_injected, risk_score, anomalies, is_anomaly
		FROM health_records
		ORDER BY id DESC
		LIMIT $1`

	var rows []readingRow
	if err := p.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("query health records: %w", err)
	}

	out := make([]vitals.Reading, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.reading())
	}
	return out, nil
}

func (p *Postgres) AppendAnomaly(ctx context.Context, rec *vitals.AnomalyRecord) error {
	const query = `
		INSERT INTO anomaly_logs (recorded_at, risks, risk_score, data_snapshot)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	snapshot, err := json.Marshal(rec.DataSnapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	var id int64
	err = p.db.QueryRowxContext(ctx, query,
		rec.Timestamp, pq.StringArray(nonNil(rec.Risks)), rec.RiskScore, snapshot,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("insert anomaly log: %w", err)
	}

	rec.ID = strconv.FormatInt(id, 10)
	return nil
}

func (p *Postgres) RecentAnomalies(ctx context.Context, limit int) ([]vitals.AnomalyRecord, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}

	const query = `
		SELECT id, recorded_at, risks, risk_score, data_snapshot
		FROM anomaly_logs
		ORDER BY id DESC
		LIMIT $1`

	var rows []anomalyRow
	if err := p.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("query anomaly logs: %w", err)
	}

	out := make([]vitals.AnomalyRecord, 0, len(rows))
	for _, row := range rows {
		rec := vitals.AnomalyRecord{
			ID:        strconv.FormatInt(row.ID, 10),
			Timestamp: row.RecordedAt,
			Risks:     nonNil(row.Risks),
			RiskScore: row.RiskScore,
		}
		if err := json.Unmarshal(row.DataSnapshot, &rec.DataSnapshot); err != nil {
			return nil, fmt.Errorf("decode snapshot %d: %w", row.ID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close closes the underlying connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

func (row readingRow) reading() vitals.Reading {
	r := vitals.Reading{
		ID:            strconv.FormatInt(row.ID, 10),
		Timestamp:     row.RecordedAt,
		HeartRate:     row.HeartRate,
		SpO2:          row.SpO2,
		Temperature:   row.Temperature,
		ActivityLevel: row.ActivityLevel,
		SleepQuality:  row.SleepQuality,
		Analysis: vitals.Analysis{
			RiskScore: row.RiskScore,
			Anomalies: nonNil(row.Anomalies),
			IsAnomaly: row.IsAnomaly,
		},
	}
	if row.AnomalyInjected.Valid {
		injected := row.AnomalyInjected.String
		r.AnomalyInjected = &injected
	}
	return r
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
