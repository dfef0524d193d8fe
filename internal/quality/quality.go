// Package quality implements the null and duplicate sweeps applied to a
// processed batch before it is loaded.
package quality

import (
	"bytes"
	"context"
	"encoding/binary"
	"log/slog"
	"strconv"

	"github.com/spaolacci/murmur3"
)

// Row is a batch row exposing its cells in column order. A nil cell is null.
type Row interface {
	Cells() []*string
}

// Report summarises what the sweeps found and removed.
type Report struct {
	// NullsFound is the number of null cells across all columns
	NullsFound int `json:"nulls_found"`

	// NullsByColumn counts null cells per column; columns without nulls are omitted
	NullsByColumn map[string]int `json:"nulls_by_column,omitempty"`

	// NullRowsDropped is the number of rows removed by the null sweep
	NullRowsDropped int `json:"null_rows_dropped"`

	// DuplicatesFound is the number of rows removed by the duplicate sweep
	DuplicatesFound int `json:"duplicates_found"`

	RowsBefore int `json:"rows_before"`
	RowsAfter  int `json:"rows_after"`
}

// Clean reports whether both sweeps left the batch untouched.
func (r Report) Clean() bool {
	return r.NullRowsDropped == 0 && r.DuplicatesFound == 0
}

// Log writes the report. Anomalies are logged at WARN.
func (r Report) Log(ctx context.Context, logger *slog.Logger) {
	if logger == nil {
		return
	}
	if r.NullsFound > 0 {
		attrs := []any{"nulls_found", r.NullsFound, "rows_dropped", r.NullRowsDropped}
		for col, n := range r.NullsByColumn {
			attrs = append(attrs, slog.Int("nulls_"+col, n))
		}
		logger.WarnContext(ctx, "null values found, dropping rows", attrs...)
	}
	if r.DuplicatesFound > 0 {
		logger.WarnContext(ctx, "duplicate rows found, dropping", "duplicates_found", r.DuplicatesFound)
	}
	logger.InfoContext(ctx, "quality check complete",
		"rows_before", r.RowsBefore,
		"rows_after", r.RowsAfter,
	)
}

// Check drops every row containing a null cell, then drops rows whose cells
// all equal an earlier row's, keeping the first occurrence. Row order is
// preserved. columns names the cells positionally for the report; cells past
// the end of columns are still checked but reported under "column_<i>".
func Check[R Row](columns []string, rows []R) ([]R, Report) {
	report := Report{RowsBefore: len(rows)}
	if len(rows) == 0 {
		return []R{}, report
	}

	nonNull := make([]R, 0, len(rows))
	for _, row := range rows {
		hasNull := false
		for i, cell := range row.Cells() {
			if cell != nil {
				continue
			}
			hasNull = true
			report.NullsFound++
			if report.NullsByColumn == nil {
				report.NullsByColumn = make(map[string]int)
			}
			report.NullsByColumn[columnName(columns, i)]++
		}
		if hasNull {
			report.NullRowsDropped++
			continue
		}
		nonNull = append(nonNull, row)
	}

	out := make([]R, 0, len(nonNull))
	seen := make(map[uint64][][]*string, len(nonNull))
	for _, row := range nonNull {
		cells := row.Cells()
		h := hashCells(cells)

		duplicate := false
		for _, prev := range seen[h] {
			if equalCells(prev, cells) {
				duplicate = true
				break
			}
		}
		if duplicate {
			report.DuplicatesFound++
			continue
		}
		seen[h] = append(seen[h], cells)
		out = append(out, row)
	}

	report.RowsAfter = len(out)
	return out, report
}

func columnName(columns []string, i int) string {
	if i < len(columns) {
		return columns[i]
	}
	return "column_" + strconv.Itoa(i)
}

// hashCells hashes the cells with a length prefix per cell and a marker for
// null, so that ("ab","c") and ("a","bc") differ.
func hashCells(cells []*string) uint64 {
	h := murmur3.New64()
	var buf bytes.Buffer
	var lenBuf [binary.MaxVarintLen64]byte

	for _, c := range cells {
		if c == nil {
			buf.WriteByte(0)
			continue
		}
		buf.WriteByte(1)
		n := binary.PutUvarint(lenBuf[:], uint64(len(*c)))
		buf.Write(lenBuf[:n])
		buf.WriteString(*c)
	}
	h.Write(buf.Bytes())
	return h.Sum64()
}

func equalCells(a, b []*string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if (a[i] == nil) != (b[i] == nil) {
			return false
		}
		if a[i] != nil && *a[i] != *b[i] {
			return false
		}
	}
	return true
}
