package aggregate

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/hearthflow/hearthflow/internal/tsdb"
)

// Daily aggregate measurements, one per detector.
const (
	MeasurementTimeBased    = "time_based_daily"
	MeasurementCoOccurrence = "co_occurrence_daily"
	MeasurementSequence     = "sequence_daily"
	MeasurementRoomBased    = "room_based_daily"
	MeasurementDuration     = "duration_daily"
	MeasurementAnomaly      = "anomaly_daily"
)

// rawEvent is one pivoted row of the raw bucket.
type rawEvent struct {
	Time     time.Time
	EntityID string
	Domain   string
	DeviceID string
	AreaID   string
	State    string
	Duration int64 // seconds in previous state, 0 when unknown
}

// Detector turns one day of raw events into aggregate points. Each
// detector writes independently; one failing never blocks another.
type Detector interface {
	Name() string
	Detect(date string, events []rawEvent) []tsdb.Point
}

// Detectors returns the full daily detector set.
func Detectors() []Detector {
	return []Detector{
		timeBasedDetector{},
		coOccurrenceDetector{window: 5 * time.Minute},
		sequenceDetector{window: 2 * time.Minute},
		roomBasedDetector{},
		durationDetector{},
		anomalyDetector{},
	}
}

// dateTime returns the aggregate point timestamp for a date tag:
// midnight UTC of that date.
func dateTime(date string) time.Time {
	t, _ := time.Parse("2006-01-02", date)
	return t
}

// timeBasedDetector profiles when each entity is active over the day.
type timeBasedDetector struct{}

func (timeBasedDetector) Name() string { return "time_based" }

func (timeBasedDetector) Detect(date string, events []rawEvent) []tsdb.Point {
	type profile struct {
		hours [24]int64
		total int64
	}
	byEntity := make(map[string]*profile)
	for _, e := range events {
		p, ok := byEntity[e.EntityID]
		if !ok {
			p = &profile{}
			byEntity[e.EntityID] = p
		}
		p.hours[e.Time.UTC().Hour()]++
		p.total++
	}

	points := make([]tsdb.Point, 0, len(byEntity))
	for entity, p := range byEntity {
		peak, peakCount := 0, int64(0)
		active := int64(0)
		for h, n := range p.hours {
			if n > peakCount {
				peak, peakCount = h, n
			}
			if n > 0 {
				active++
			}
		}
		points = append(points, tsdb.Point{
			Measurement: MeasurementTimeBased,
			Tags:        map[string]string{"date": date, "entity_id": entity},
			Fields: map[string]any{
				"events":       p.total,
				"active_hours": active,
				"peak_hour":    int64(peak),
				"peak_events":  peakCount,
			},
			Time: dateTime(date),
		})
	}
	return points
}

// coOccurrenceDetector counts entity pairs active within a short
// window of each other.
type coOccurrenceDetector struct {
	window time.Duration
}

func (coOccurrenceDetector) Name() string { return "co_occurrence" }

func (d coOccurrenceDetector) Detect(date string, events []rawEvent) []tsdb.Point {
	sorted := make([]rawEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	pairs := make(map[string]int64)
	for i := range sorted {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j].Time.Sub(sorted[i].Time) > d.window {
				break
			}
			a, b := sorted[i].EntityID, sorted[j].EntityID
			if a == b {
				continue
			}
			if a > b {
				a, b = b, a
			}
			pairs[a+"|"+b]++
		}
	}

	points := make([]tsdb.Point, 0, len(pairs))
	for pair, n := range pairs {
		points = append(points, tsdb.Point{
			Measurement: MeasurementCoOccurrence,
			Tags:        map[string]string{"date": date, "pair": pair},
			Fields:      map[string]any{"count": n},
			Time:        dateTime(date),
		})
	}
	return points
}

// sequenceDetector counts ordered entity transitions: A changing then
// B changing shortly after.
type sequenceDetector struct {
	window time.Duration
}

func (sequenceDetector) Name() string { return "sequence" }

func (d sequenceDetector) Detect(date string, events []rawEvent) []tsdb.Point {
	sorted := make([]rawEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	seqs := make(map[string]int64)
	for i := 0; i+1 < len(sorted); i++ {
		next := sorted[i+1]
		if next.EntityID == sorted[i].EntityID {
			continue
		}
		if next.Time.Sub(sorted[i].Time) > d.window {
			continue
		}
		seqs[sorted[i].EntityID+">"+next.EntityID]++
	}

	points := make([]tsdb.Point, 0, len(seqs))
	for seq, n := range seqs {
		points = append(points, tsdb.Point{
			Measurement: MeasurementSequence,
			Tags:        map[string]string{"date": date, "sequence": seq},
			Fields:      map[string]any{"count": n},
			Time:        dateTime(date),
		})
	}
	return points
}

// roomBasedDetector profiles activity per area.
type roomBasedDetector struct{}

func (roomBasedDetector) Name() string { return "room_based" }

func (roomBasedDetector) Detect(date string, events []rawEvent) []tsdb.Point {
	type room struct {
		events   int64
		entities map[string]struct{}
		hours    [24]int64
	}
	byArea := make(map[string]*room)
	for _, e := range events {
		if e.AreaID == "" {
			continue
		}
		r, ok := byArea[e.AreaID]
		if !ok {
			r = &room{entities: make(map[string]struct{})}
			byArea[e.AreaID] = r
		}
		r.events++
		r.entities[e.EntityID] = struct{}{}
		r.hours[e.Time.UTC().Hour()]++
	}

	points := make([]tsdb.Point, 0, len(byArea))
	for area, r := range byArea {
		busiest, busiestCount := 0, int64(0)
		for h, n := range r.hours {
			if n > busiestCount {
				busiest, busiestCount = h, n
			}
		}
		points = append(points, tsdb.Point{
			Measurement: MeasurementRoomBased,
			Tags:        map[string]string{"date": date, "area_id": area},
			Fields: map[string]any{
				"events":          r.events,
				"active_entities": int64(len(r.entities)),
				"busiest_hour":    int64(busiest),
			},
			Time: dateTime(date),
		})
	}
	return points
}

// durationDetector summarizes time-in-state per entity.
type durationDetector struct{}

func (durationDetector) Name() string { return "duration" }

func (durationDetector) Detect(date string, events []rawEvent) []tsdb.Point {
	type agg struct {
		total, max  int64
		transitions int64
	}
	byEntity := make(map[string]*agg)
	for _, e := range events {
		if e.Duration <= 0 {
			continue
		}
		a, ok := byEntity[e.EntityID]
		if !ok {
			a = &agg{}
			byEntity[e.EntityID] = a
		}
		a.total += e.Duration
		if e.Duration > a.max {
			a.max = e.Duration
		}
		a.transitions++
	}

	points := make([]tsdb.Point, 0, len(byEntity))
	for entity, a := range byEntity {
		points = append(points, tsdb.Point{
			Measurement: MeasurementDuration,
			Tags:        map[string]string{"date": date, "entity_id": entity},
			Fields: map[string]any{
				"total_seconds": a.total,
				"max_seconds":   a.max,
				"avg_seconds":   float64(a.total) / float64(a.transitions),
				"transitions":   a.transitions,
			},
			Time: dateTime(date),
		})
	}
	return points
}

// anomalyDetector scores how lopsided an entity's hourly activity was
// against its own daily distribution.
type anomalyDetector struct{}

func (anomalyDetector) Name() string { return "anomaly" }

func (anomalyDetector) Detect(date string, events []rawEvent) []tsdb.Point {
	byEntity := make(map[string]*[24]int64)
	for _, e := range events {
		h, ok := byEntity[e.EntityID]
		if !ok {
			h = &[24]int64{}
			byEntity[e.EntityID] = h
		}
		h[e.Time.UTC().Hour()]++
	}

	points := make([]tsdb.Point, 0, len(byEntity))
	for entity, hours := range byEntity {
		var total, max int64
		for _, n := range hours {
			total += n
			if n > max {
				max = n
			}
		}
		mean := float64(total) / 24
		var variance float64
		for _, n := range hours {
			d := float64(n) - mean
			variance += d * d
		}
		variance /= 24
		score := 0.0
		if variance > 0 {
			score = (float64(max) - mean) / math.Sqrt(variance)
		}
		points = append(points, tsdb.Point{
			Measurement: MeasurementAnomaly,
			Tags:        map[string]string{"date": date, "entity_id": entity},
			Fields: map[string]any{
				"events":        total,
				"anomaly_score": score,
			},
			Time: dateTime(date),
		})
	}
	return points
}

// String implements fmt.Stringer for log fields.
func (d coOccurrenceDetector) String() string {
	return fmt.Sprintf("co_occurrence(window=%s)", d.window)
}
