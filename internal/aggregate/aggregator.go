package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hearthflow/hearthflow/internal/catalog"
	"github.com/hearthflow/hearthflow/internal/config"
	"github.com/hearthflow/hearthflow/internal/metrics"
	"github.com/hearthflow/hearthflow/internal/tsdb"
)

// Weekly and monthly rollup measurements.
const (
	MeasurementSessionWeekly     = "session_weekly"
	MeasurementDayTypeWeekly     = "day_type_weekly"
	MeasurementContextualMonthly = "contextual_monthly"
	MeasurementSeasonalMonthly   = "seasonal_monthly"
)

// Storage is the slice of the time-series client the aggregator uses.
type Storage interface {
	Query(ctx context.Context, flux string) ([]tsdb.Record, error)
	Write(ctx context.Context, bucket string, points []tsdb.Point) error
}

// Aggregator schedules and executes the compaction jobs.
type Aggregator struct {
	schedule  config.ScheduleConfig
	retention config.RetentionConfig
	buckets   config.InfluxConfig
	storage   Storage
	jobs      *JobStore
	catalog   *catalog.Store
	replica   *catalog.Replica
	metrics   *metrics.Metrics
	logger    *slog.Logger

	holder  string
	workers chan struct{}
	now     func() time.Time
}

// New creates an Aggregator with a two-worker execution pool.
func New(schedule config.ScheduleConfig, retention config.RetentionConfig,
	buckets config.InfluxConfig, storage Storage, jobs *JobStore,
	cat *catalog.Store, replica *catalog.Replica,
	m *metrics.Metrics, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	holder, _ := uuid.NewV7()
	return &Aggregator{
		schedule:  schedule,
		retention: retention,
		buckets:   buckets,
		storage:   storage,
		jobs:      jobs,
		catalog:   cat,
		replica:   replica,
		metrics:   m,
		logger:    logger,
		holder:    holder.String(),
		workers:   make(chan struct{}, 2),
		now:       time.Now,
	}
}

// Run fires jobs at their scheduled instants until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	specs := map[string]string{
		KindDaily:   a.schedule.Daily,
		KindWeekly:  a.schedule.Weekly,
		KindMonthly: a.schedule.Monthly,
	}
	parsed := make(map[string]clockSpec, len(specs))
	for kind, s := range specs {
		cs, err := parseClockSpec(s)
		if err != nil {
			return fmt.Errorf("schedule.%s: %w", kind, err)
		}
		parsed[kind] = cs
	}

	for {
		now := a.now()
		nextKind, nextAt := "", time.Time{}
		for kind, cs := range parsed {
			at := nextRun(kind, cs, now)
			if nextAt.IsZero() || at.Before(nextAt) {
				nextKind, nextAt = kind, at
			}
		}

		timer := time.NewTimer(nextAt.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		kind, at := nextKind, nextAt
		select {
		case a.workers <- struct{}{}:
			go func() {
				defer func() { <-a.workers }()
				a.runJob(ctx, kind, at)
			}()
		default:
			a.logger.Warn("worker pool saturated, job skipped until next instant",
				"kind", kind, "scheduled_for", at)
		}
	}
}

// runJob drives one scheduled instant through the job state machine:
// at-most-once per instant via the unique job name, leader election
// via the advisory lock.
func (a *Aggregator) runJob(ctx context.Context, kind string, at time.Time) {
	date := at.AddDate(0, 0, -1).Format("2006-01-02") // the day being aggregated
	name := fmt.Sprintf("%s@%s", kind, at.Format("2006-01-02T15:04"))

	job := &Job{Name: name, Kind: kind, ScheduledFor: at}
	exists, err := a.jobs.Create(job)
	if err != nil {
		a.logger.Error("job row not created", "job", name, "error", err)
		return
	}
	if exists {
		a.logger.Debug("job already ran for this instant", "job", name)
		return
	}

	ok, err := a.jobs.AcquireLock(kind, a.holder, time.Hour, a.now())
	if err != nil || !ok {
		a.logger.Warn("advisory lock not acquired, skipping",
			"job", name, "error", err)
		return
	}
	defer func() {
		if err := a.jobs.ReleaseLock(kind, a.holder); err != nil {
			a.logger.Warn("lock release failed", "job", name, "error", err)
		}
	}()

	if err := a.jobs.MarkRunning(job.ID, a.now()); err != nil {
		a.logger.Error("job transition failed", "job", name, "error", err)
		return
	}

	var runErr error
	switch kind {
	case KindDaily:
		runErr = a.RunDaily(ctx, date)
	case KindWeekly:
		runErr = a.RunWeekly(ctx, date)
	case KindMonthly:
		runErr = a.RunMonthly(ctx, date)
	}

	outcome := "complete"
	if runErr != nil {
		outcome = "failed"
		if err := a.jobs.MarkFailed(job.ID, runErr.Error(), a.now()); err != nil {
			a.logger.Error("job transition failed", "job", name, "error", err)
		}
		a.logger.Error("aggregation job failed", "job", name, "error", runErr)
	} else {
		if err := a.jobs.MarkComplete(job.ID, a.now()); err != nil {
			a.logger.Error("job transition failed", "job", name, "error", err)
		}
		a.logger.Info("aggregation job complete", "job", name)
	}
	if a.metrics != nil {
		a.metrics.AggregateRuns.WithLabelValues(kind, outcome).Inc()
	}
}

// RunDaily scans one day of the raw bucket through every detector and
// writes the daily aggregates. Detector failures are isolated. The
// catalog tombstone purge rides on the daily pass.
func (a *Aggregator) RunDaily(ctx context.Context, date string) error {
	events, err := a.fetchRawDay(ctx, date)
	if err != nil {
		return fmt.Errorf("fetch raw day %s: %w", date, err)
	}
	a.backfill(events)

	var firstErr error
	for _, det := range Detectors() {
		points := det.Detect(date, events)
		if len(points) == 0 {
			continue
		}
		if err := a.storage.Write(ctx, a.buckets.DailyBucket, points); err != nil {
			a.logger.Error("detector write failed",
				"detector", det.Name(), "date", date, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("detector %s: %w", det.Name(), err)
			}
			continue
		}
		if a.metrics != nil {
			a.metrics.AggregateRows.WithLabelValues(det.Name()).Add(float64(len(points)))
		}
	}

	if a.catalog != nil {
		cutoff := a.now().Add(-a.retention.TombstoneGrace)
		if n, err := a.catalog.PurgeTombstones(cutoff); err != nil {
			a.logger.Warn("tombstone purge failed", "error", err)
		} else if n > 0 {
			a.logger.Info("tombstones purged", "rows", n)
		}
	}

	return firstErr
}

// RunWeekly rolls the last 7 daily aggregates into the weekly bucket.
func (a *Aggregator) RunWeekly(ctx context.Context, endDate string) error {
	records, err := a.storage.Query(ctx, a.fluxDailyRange(MeasurementTimeBased, endDate, 7))
	if err != nil {
		return fmt.Errorf("query daily aggregates: %w", err)
	}

	type weekly struct {
		events     int64
		activeDays map[string]struct{}
	}
	byEntity := make(map[string]*weekly)
	byDayType := map[string]int64{}
	for _, r := range records {
		entity := r["entity_id"]
		if entity == "" {
			continue
		}
		n, _ := r.Int("events")
		w, ok := byEntity[entity]
		if !ok {
			w = &weekly{activeDays: make(map[string]struct{})}
			byEntity[entity] = w
		}
		w.events += n
		w.activeDays[r["date"]] = struct{}{}

		if d, err := time.Parse("2006-01-02", r["date"]); err == nil {
			byDayType[dayType(d)] += n
		}
	}

	period := endDate
	at := dateTime(endDate)
	var points []tsdb.Point
	for entity, w := range byEntity {
		points = append(points, tsdb.Point{
			Measurement: MeasurementSessionWeekly,
			Tags:        map[string]string{"period": period, "entity_id": entity},
			Fields: map[string]any{
				"events":      w.events,
				"active_days": int64(len(w.activeDays)),
				"avg_daily":   float64(w.events) / 7,
			},
			Time: at,
		})
	}
	for dt, n := range byDayType {
		points = append(points, tsdb.Point{
			Measurement: MeasurementDayTypeWeekly,
			Tags:        map[string]string{"period": period, "day_type": dt},
			Fields:      map[string]any{"events": n},
			Time:        at,
		})
	}
	if len(points) == 0 {
		return nil
	}
	return a.storage.Write(ctx, a.buckets.WeeklyBucket, points)
}

// RunMonthly rolls weekly aggregates plus enrichment context into the
// monthly measurements.
func (a *Aggregator) RunMonthly(ctx context.Context, endDate string) error {
	records, err := a.storage.Query(ctx, a.fluxWeeklyRange(MeasurementSessionWeekly, endDate, 35))
	if err != nil {
		return fmt.Errorf("query weekly aggregates: %w", err)
	}

	month := endDate[:7] // YYYY-MM
	at := dateTime(endDate)

	type monthly struct {
		events      int64
		weeksActive map[string]struct{}
	}
	byEntity := make(map[string]*monthly)
	var total int64
	for _, r := range records {
		entity := r["entity_id"]
		if entity == "" {
			continue
		}
		n, _ := r.Int("events")
		m, ok := byEntity[entity]
		if !ok {
			m = &monthly{weeksActive: make(map[string]struct{})}
			byEntity[entity] = m
		}
		m.events += n
		m.weeksActive[r["period"]] = struct{}{}
		total += n
	}

	var points []tsdb.Point
	for entity, m := range byEntity {
		points = append(points, tsdb.Point{
			Measurement: MeasurementContextualMonthly,
			Tags:        map[string]string{"period": month, "category": entity},
			Fields: map[string]any{
				"events":       m.events,
				"weeks_active": int64(len(m.weeksActive)),
			},
			Time: at,
		})
	}
	points = append(points, tsdb.Point{
		Measurement: MeasurementSeasonalMonthly,
		Tags:        map[string]string{"period": month, "category": "household"},
		Fields:      map[string]any{"events": total},
		Time:        at,
	})
	return a.storage.Write(ctx, a.buckets.WeeklyBucket, points)
}

// backfill fills missing device/area joins from the current catalog.
// Events enqueued before the replica warmed carry empty join fields.
func (a *Aggregator) backfill(events []rawEvent) {
	if a.replica == nil {
		return
	}
	for i := range events {
		if events[i].DeviceID != "" && events[i].AreaID != "" {
			continue
		}
		if ref, ok := a.replica.Lookup(events[i].EntityID); ok {
			if events[i].DeviceID == "" {
				events[i].DeviceID = ref.DeviceID
			}
			if events[i].AreaID == "" {
				events[i].AreaID = ref.AreaID
			}
		}
	}
}

// fetchRawDay pulls one day of pivoted raw events.
func (a *Aggregator) fetchRawDay(ctx context.Context, date string) ([]rawEvent, error) {
	start := dateTime(date)
	stop := start.AddDate(0, 0, 1)
	flux := fmt.Sprintf(`from(bucket: %q)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == "home_assistant_events")
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")`,
		a.buckets.RawBucket,
		start.Format(time.RFC3339), stop.Format(time.RFC3339))

	records, err := a.storage.Query(ctx, flux)
	if err != nil {
		return nil, err
	}

	events := make([]rawEvent, 0, len(records))
	for _, r := range records {
		ev := rawEvent{
			Time:     r.Time("_time"),
			EntityID: r["entity_id"],
			Domain:   r["domain"],
			DeviceID: r["device_id"],
			AreaID:   r["area_id"],
			State:    r["state"],
		}
		if d, ok := r.Int("duration_in_state"); ok {
			ev.Duration = d
		}
		if ev.EntityID == "" {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (a *Aggregator) fluxDailyRange(measurement, endDate string, days int) string {
	stop := dateTime(endDate).AddDate(0, 0, 1)
	start := stop.AddDate(0, 0, -days)
	return fmt.Sprintf(`from(bucket: %q)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == %q)
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")`,
		a.buckets.DailyBucket, start.Format(time.RFC3339), stop.Format(time.RFC3339), measurement)
}

func (a *Aggregator) fluxWeeklyRange(measurement, endDate string, days int) string {
	stop := dateTime(endDate).AddDate(0, 0, 1)
	start := stop.AddDate(0, 0, -days)
	return fmt.Sprintf(`from(bucket: %q)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == %q)
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")`,
		a.buckets.WeeklyBucket, start.Format(time.RFC3339), stop.Format(time.RFC3339), measurement)
}

func dayType(d time.Time) string {
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return "weekend"
	default:
		return "weekday"
	}
}
