package tsdb

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Record is one row of a Flux result, keyed by column name.
type Record map[string]string

// Time parses a column as RFC3339. Zero time on absence or parse
// failure.
func (r Record) Time(col string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, r[col])
	return t
}

// Float parses a column as float64.
func (r Record) Float(col string) (float64, bool) {
	v, err := strconv.ParseFloat(r[col], 64)
	return v, err == nil
}

// Int parses a column as int64.
func (r Record) Int(col string) (int64, bool) {
	v, err := strconv.ParseInt(r[col], 10, 64)
	return v, err == nil
}

// ParseAnnotatedCSV decodes the annotated CSV stream Flux returns. A
// response may carry several tables, each introduced by a fresh
// annotation block and header row; annotation lines themselves are
// skipped, everything else maps onto the current header.
func ParseAnnotatedCSV(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	var (
		header  []string
		records []Record
		fresh   bool
	)
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse query csv: %w", err)
		}
		if len(row) == 0 || (len(row) == 1 && row[0] == "") {
			// Table separator: the next block starts with annotations.
			fresh = true
			continue
		}
		if strings.HasPrefix(row[0], "#") {
			fresh = true
			continue
		}
		if fresh || header == nil {
			header = row
			fresh = false
			continue
		}

		rec := make(Record, len(header))
		for i, col := range header {
			if col == "" || i >= len(row) {
				continue
			}
			rec[col] = row[i]
		}
		records = append(records, rec)
	}
	return records, nil
}
