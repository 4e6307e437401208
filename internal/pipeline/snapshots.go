package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	s3blob "github.com/alanyoungcy/p2pescrow/internal/blob/s3"
)

// Snapshotter writes one snapshot of the read model.
type Snapshotter interface {
	Snapshot(ctx context.Context, at time.Time) (s3blob.Manifest, error)
}

// SnapshotScheduler takes read-model snapshots on a cron schedule.
type SnapshotScheduler struct {
	snapshotter Snapshotter
	cronExpr    string
	logger      *slog.Logger
	now         func() time.Time
}

// NewSnapshotScheduler creates a scheduler. The expression is validated
// here so a bad config fails at startup.
func NewSnapshotScheduler(s Snapshotter, cronExpr string, logger *slog.Logger) (*SnapshotScheduler, error) {
	if _, err := parseCron(cronExpr); err != nil {
		return nil, fmt.Errorf("pipeline: cron %q: %w", cronExpr, err)
	}
	return &SnapshotScheduler{
		snapshotter: s,
		cronExpr:    cronExpr,
		logger:      logger.With(slog.String("component", "snapshot_scheduler")),
		now:         time.Now,
	}, nil
}

// RunOnce takes a single snapshot.
func (s *SnapshotScheduler) RunOnce(ctx context.Context) (s3blob.Manifest, error) {
	m, err := s.snapshotter.Snapshot(ctx, s.now())
	if err != nil {
		return m, fmt.Errorf("pipeline: snapshot: %w", err)
	}
	s.logger.InfoContext(ctx, "snapshot written",
		slog.String("prefix", m.Prefix),
		slog.Int("listings", m.Counts["listing"]),
		slog.Int("orders", m.Counts["order"]),
		slog.Int("disputes", m.Counts["dispute"]),
	)
	return m, nil
}

// Run takes a snapshot at every cron match until ctx is cancelled. Failed
// snapshots are logged and the schedule continues.
func (s *SnapshotScheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "snapshot schedule started", slog.String("cron", s.cronExpr))
	for {
		next, err := nextCronTime(s.cronExpr, s.now().UTC())
		if err != nil {
			return fmt.Errorf("pipeline: cron %q: %w", s.cronExpr, err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.ErrorContext(ctx, "snapshot failed", slog.String("error", err.Error()))
			}
		}
	}
}

// cronField represents a parsed cron field that can match against a value.
type cronField struct {
	wildcard bool
	values   []int
}

func (f cronField) matches(val int) bool {
	return f.wildcard || slices.Contains(f.values, val)
}

// parseCronField parses one field: "*", "*/15", "1-5", "0,30" or a
// combination of comma-separated items. lo and hi bound the field.
func parseCronField(field string, lo, hi int) (cronField, error) {
	if field == "*" {
		return cronField{wildcard: true}, nil
	}

	var values []int
	for _, item := range strings.Split(field, ",") {
		item = strings.TrimSpace(item)
		rng, stepStr, hasStep := strings.Cut(item, "/")
		step := 1
		if hasStep {
			n, err := strconv.Atoi(stepStr)
			if err != nil || n <= 0 {
				return cronField{}, fmt.Errorf("invalid cron step %q", item)
			}
			step = n
		}

		start, end := lo, hi
		if rng != "*" {
			a, b, isRange := strings.Cut(rng, "-")
			var err error
			if start, err = strconv.Atoi(a); err != nil {
				return cronField{}, fmt.Errorf("invalid cron field value %q: %w", item, err)
			}
			end = start
			if isRange {
				if end, err = strconv.Atoi(b); err != nil {
					return cronField{}, fmt.Errorf("invalid cron field value %q: %w", item, err)
				}
			} else if hasStep {
				end = hi
			}
		}
		if start < lo || end > hi || start > end {
			return cronField{}, fmt.Errorf("cron field %q outside %d-%d", item, lo, hi)
		}
		for v := start; v <= end; v += step {
			values = append(values, v)
		}
	}
	return cronField{values: values}, nil
}

// parsedCron holds five parsed cron fields.
type parsedCron struct {
	minute     cronField
	hour       cronField
	dayOfMonth cronField
	month      cronField
	dayOfWeek  cronField
}

// matchesTime returns true if the given time matches all five cron fields.
func (c parsedCron) matchesTime(t time.Time) bool {
	return c.minute.matches(t.Minute()) &&
		c.hour.matches(t.Hour()) &&
		c.dayOfMonth.matches(t.Day()) &&
		c.month.matches(int(t.Month())) &&
		c.dayOfWeek.matches(int(t.Weekday()))
}

// parseCron parses a 5-field cron expression into a parsedCron struct.
func parseCron(expr string) (parsedCron, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return parsedCron{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	minute, err := parseCronField(fields[0], 0, 59)
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing minute field: %w", err)
	}
	hour, err := parseCronField(fields[1], 0, 23)
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing hour field: %w", err)
	}
	dayOfMonth, err := parseCronField(fields[2], 1, 31)
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing day-of-month field: %w", err)
	}
	month, err := parseCronField(fields[3], 1, 12)
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing month field: %w", err)
	}
	dayOfWeek, err := parseCronField(fields[4], 0, 6)
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing day-of-week field: %w", err)
	}

	return parsedCron{
		minute:     minute,
		hour:       hour,
		dayOfMonth: dayOfMonth,
		month:      month,
		dayOfWeek:  dayOfWeek,
	}, nil
}

// nextCronTime calculates the next time after 'after' that matches the given
// cron expression. It searches minute-by-minute up to one year ahead.
func nextCronTime(cronExpr string, after time.Time) (time.Time, error) {
	cron, err := parseCron(cronExpr)
	if err != nil {
		return time.Time{}, err
	}

	// Start from the next minute boundary.
	candidate := after.Truncate(time.Minute).Add(time.Minute)

	// Search up to one year ahead to avoid infinite loops.
	limit := after.Add(366 * 24 * time.Hour)

	for candidate.Before(limit) {
		if cron.matchesTime(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}

	return time.Time{}, fmt.Errorf("no matching cron time found within one year for %q", cronExpr)
}
