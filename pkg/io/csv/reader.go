// Package csv reads and writes reading batches as CSV, for seeding history
// and exporting simulation runs.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	vio "github.com/hed1ad/vitalguard/pkg/io"
	"github.com/hed1ad/vitalguard/pkg/vitals"
)

// Optional column names.
const (
	ColumnTimestamp       = "timestamp"
	ColumnAnomalyInjected = "anomaly_injected"
)

var ErrMissingHeader = errors.New("csv: missing header row")

// Reader reads readings from a CSV stream with a header row. Feature columns
// are located by name, so column order is free and extra columns are ignored.
type Reader struct {
	closer  io.Closer
	reader  *csv.Reader
	headers []string
	index   map[string]int
	line    int
	now     func() time.Time
}

var _ vio.Source = (*Reader)(nil)

// Option configures a CSV reader.
type Option func(*Reader)

// WithClock stamps rows that have no timestamp column.
func WithClock(now func() time.Time) Option {
	return func(r *Reader) {
		r.now = now
	}
}

// Open opens filename for reading.
func Open(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(file, opts...)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	r.closer = file
	return r, nil
}

// NewReader reads the header from src and checks every feature column is
// present.
func NewReader(src io.Reader, opts ...Option) (*Reader, error) {
	r := &Reader{
		reader: csv.NewReader(src),
		now:    time.Now,
	}
	r.reader.TrimLeadingSpace = true
	r.reader.FieldsPerRecord = -1

	for _, opt := range opts {
		opt(r)
	}

	headers, err := r.reader.Read()
	if err == io.EOF {
		return nil, ErrMissingHeader
	}
	if err != nil {
		return nil, err
	}
	r.line = 1
	r.headers = headers
	r.index = make(map[string]int, len(headers))
	for i, h := range headers {
		r.index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, name := range vitals.FeatureNames {
		if _, ok := r.index[name]; !ok {
			return nil, fmt.Errorf("header: %w: %s", vitals.ErrMissingFeature, name)
		}
	}
	return r, nil
}

// Headers returns the column headers.
func (r *Reader) Headers() []string {
	return r.headers
}

// Next returns the next reading, or io.EOF when the input is exhausted.
func (r *Reader) Next() (vitals.Reading, error) {
	record, err := r.reader.Read()
	if err != nil {
		return vitals.Reading{}, err
	}
	r.line++

	reading, err := r.parseRow(record)
	if err != nil {
		return vitals.Reading{}, fmt.Errorf("line %d: %w", r.line, err)
	}
	return reading, nil
}

// Read returns all remaining readings. A malformed row aborts the read.
func (r *Reader) Read() ([]vitals.Reading, error) {
	var data []vitals.Reading
	for {
		reading, err := r.Next()
		if err == io.EOF {
			return data, nil
		}
		if err != nil {
			return nil, err
		}
		data = append(data, reading)
	}
}

// Stream delivers readings on a channel until EOF, an error or ctx is done.
// The error channel receives at most one value.
func (r *Reader) Stream(ctx context.Context) (<-chan vitals.Reading, <-chan error) {
	out := make(chan vitals.Reading, 100)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)
		for {
			reading, err := r.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				errc <- err
				return
			}

			select {
			case out <- reading:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	return out, errc
}

// Close releases the underlying file, if any.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

func (r *Reader) parseRow(record []string) (vitals.Reading, error) {
	values := make(map[string]float64, len(vitals.FeatureNames))
	for _, name := range vitals.FeatureNames {
		i := r.index[name]
		if i >= len(record) {
			return vitals.Reading{}, fmt.Errorf("%w: %s", vitals.ErrMissingFeature, name)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(record[i]), 64)
		if err != nil {
			return vitals.Reading{}, fmt.Errorf("column %s: %w", name, err)
		}
		values[name] = f
	}

	features, err := vitals.FeaturesFromMap(values)
	if err != nil {
		return vitals.Reading{}, err
	}

	reading := vitals.NewReading(r.now(), features)
	if ts, ok := r.field(record, ColumnTimestamp); ok {
		reading.Timestamp = ts
	}
	if pattern, ok := r.field(record, ColumnAnomalyInjected); ok {
		reading.AnomalyInjected = &pattern
	}
	return reading, nil
}

// field returns a non-empty optional column value.
func (r *Reader) field(record []string, name string) (string, bool) {
	i, ok := r.index[name]
	if !ok || i >= len(record) {
		return "", false
	}
	v := strings.TrimSpace(record[i])
	return v, v != ""
}
