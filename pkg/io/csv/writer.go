package csv

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	vio "github.com/hed1ad/vitalguard/pkg/io"
	"github.com/hed1ad/vitalguard/pkg/vitals"
)

// Header is the column layout Writer emits. Reader accepts it back.
var Header = append(append([]string{ColumnTimestamp}, vitals.FeatureNames...),
	ColumnAnomalyInjected, "is_anomaly", "risk_score", "anomalies")

// Writer writes enriched readings, one row each.
type Writer struct {
	w           *csv.Writer
	wroteHeader bool
}

var _ vio.Sink = (*Writer)(nil)

func NewWriter(dst io.Writer) *Writer {
	return &Writer{w: csv.NewWriter(dst)}
}

// Write appends a row, emitting the header first if needed.
func (w *Writer) Write(r vitals.Reading) error {
	if !w.wroteHeader {
		if err := w.w.Write(Header); err != nil {
			return err
		}
		w.wroteHeader = true
	}

	injected := ""
	if r.AnomalyInjected != nil {
		injected = *r.AnomalyInjected
	}
	row := []string{r.Timestamp}
	for _, v := range r.Features().Vector() {
		row = append(row, strconv.FormatFloat(v, 'f', -1, 64))
	}
	row = append(row,
		injected,
		strconv.FormatBool(r.IsAnomaly),
		strconv.Itoa(r.RiskScore),
		strings.Join(r.Anomalies, ";"),
	)
	return w.w.Write(row)
}

// Flush writes buffered rows and reports any write error.
func (w *Writer) Flush() error {
	w.w.Flush()
	return w.w.Error()
}
