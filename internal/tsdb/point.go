// Package tsdb is the InfluxDB v2 client: line-protocol encoding,
// batched writes with idempotence ids, and Flux queries over the
// annotated-CSV response format.
package tsdb

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Point is one time-series sample: measurement, bounded-cardinality
// tags, typed fields, nanosecond timestamp.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]any
	Time        time.Time
}

// EncodeLine renders one point in line protocol. Tags are emitted in
// sorted key order so identical points encode identically.
func EncodeLine(b *strings.Builder, p Point) error {
	if p.Measurement == "" {
		return fmt.Errorf("point has no measurement")
	}
	if len(p.Fields) == 0 {
		return fmt.Errorf("point %s has no fields", p.Measurement)
	}

	b.WriteString(escapeMeasurement(p.Measurement))

	tagKeys := make([]string, 0, len(p.Tags))
	for k := range p.Tags {
		if p.Tags[k] != "" {
			tagKeys = append(tagKeys, k)
		}
	}
	sort.Strings(tagKeys)
	for _, k := range tagKeys {
		b.WriteByte(',')
		b.WriteString(escapeTag(k))
		b.WriteByte('=')
		b.WriteString(escapeTag(p.Tags[k]))
	}

	fieldKeys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		fieldKeys = append(fieldKeys, k)
	}
	sort.Strings(fieldKeys)

	sep := byte(' ')
	for _, k := range fieldKeys {
		b.WriteByte(sep)
		sep = ','
		b.WriteString(escapeTag(k))
		b.WriteByte('=')
		if err := writeFieldValue(b, p.Fields[k]); err != nil {
			return fmt.Errorf("field %s.%s: %w", p.Measurement, k, err)
		}
	}

	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(p.Time.UnixNano(), 10))
	return nil
}

// Encode renders a batch, one line per point.
func Encode(points []Point) ([]byte, error) {
	var b strings.Builder
	for _, p := range points {
		if err := EncodeLine(&b, p); err != nil {
			return nil, err
		}
		b.WriteByte('\n')
	}
	return []byte(b.String()), nil
}

func writeFieldValue(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case string:
		b.WriteByte('"')
		b.WriteString(strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(val))
		b.WriteByte('"')
	case float64:
		b.WriteString(strconv.FormatFloat(val, 'f', -1, 64))
	case float32:
		b.WriteString(strconv.FormatFloat(float64(val), 'f', -1, 32))
	case int:
		b.WriteString(strconv.FormatInt(int64(val), 10))
		b.WriteByte('i')
	case int64:
		b.WriteString(strconv.FormatInt(val, 10))
		b.WriteByte('i')
	case bool:
		b.WriteString(strconv.FormatBool(val))
	case nil:
		return fmt.Errorf("nil field value")
	default:
		return fmt.Errorf("unsupported field type %T", v)
	}
	return nil
}

func escapeMeasurement(s string) string {
	return strings.NewReplacer(",", `\,`, " ", `\ `).Replace(s)
}

func escapeTag(s string) string {
	return strings.NewReplacer(",", `\,`, "=", `\=`, " ", `\ `).Replace(s)
}

// BatchID derives the idempotence id for a batch: a hash over the
// first point's measurement and time, the count, and the xor of the
// per-point hashes. Replaying the same batch produces the same id so
// operators can dedupe downstream.
func BatchID(points []Point) string {
	if len(points) == 0 {
		return ""
	}

	var xor uint64
	for _, p := range points {
		var b strings.Builder
		_ = EncodeLine(&b, p)
		h := fnv.New64a()
		h.Write([]byte(b.String()))
		xor ^= h.Sum64()
	}

	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%d|%d",
		points[0].Measurement, points[0].Time.UnixNano(), len(points), xor)
	return strconv.FormatUint(h.Sum64(), 16)
}

// Size estimates the encoded byte footprint of a point for the
// writer's memory accounting.
func Size(p Point) int {
	n := len(p.Measurement) + 20
	for k, v := range p.Tags {
		n += len(k) + len(v) + 2
	}
	for k, v := range p.Fields {
		n += len(k) + 2
		if s, ok := v.(string); ok {
			n += len(s)
		} else {
			n += 16
		}
	}
	return n
}
