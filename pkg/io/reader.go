// Package io defines the batch input and output contracts for readings.
package io

import (
	"context"

	"github.com/hed1ad/vitalguard/pkg/vitals"
)

// Source yields readings from a file or other batch origin.
type Source interface {
	// Read returns every remaining reading.
	Read() ([]vitals.Reading, error)

	// Stream delivers readings on a channel; the error channel receives at
	// most one value before both close.
	Stream(ctx context.Context) (<-chan vitals.Reading, <-chan error)

	Close() error
}

// Sink writes enriched readings.
type Sink interface {
	Write(r vitals.Reading) error

	// Flush writes buffered output and reports any earlier write error.
	Flush() error
}
