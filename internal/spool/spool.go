// Package spool persists batches that could not be written before
// shutdown. One append-only NDJSON file per bucket; entries carry the
// already-encoded line protocol so a replay writes byte-identical
// data under the original batch id.
package spool

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hearthflow/hearthflow/internal/metrics"
)

// Entry is one spooled batch.
type Entry struct {
	BatchID   string    `json:"batch_id"`
	Bucket    string    `json:"bucket"`
	Count     int       `json:"count"`
	Lines     string    `json:"lines"`
	SpooledAt time.Time `json:"spooled_at"`
}

// Writer is the replay target, satisfied by *tsdb.Client.
type Writer interface {
	WriteRaw(ctx context.Context, bucket, batchID string, lines []byte) error
}

// Spool owns the failed-batch files under one directory.
type Spool struct {
	dir     string
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates the spool directory if needed.
func New(dir string, m *metrics.Metrics, logger *slog.Logger) (*Spool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &Spool{dir: dir, metrics: m, logger: logger}, nil
}

func (s *Spool) path(bucket string) string {
	// Bucket names feed the filename; keep it path-safe.
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, bucket)
	return filepath.Join(s.dir, name+".ndjson")
}

// Append persists one batch. fsync before returning: the spool is the
// durability backstop for the at-least-once contract.
func (s *Spool) Append(bucket, batchID string, count int, lines []byte) error {
	e := Entry{
		BatchID:   batchID,
		Bucket:    bucket,
		Count:     count,
		Lines:     string(lines),
		SpooledAt: time.Now().UTC(),
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal spool entry: %w", err)
	}

	f, err := os.OpenFile(s.path(bucket), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open spool file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append spool entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync spool file: %w", err)
	}

	if s.metrics != nil {
		s.metrics.SpooledBatches.Inc()
	}
	s.logger.Warn("batch spooled", "bucket", bucket, "batch_id", batchID, "points", count)
	return nil
}

// Load reads every entry spooled for a bucket. A corrupt line is a
// fatal error: the spool is the last copy of unwritten data and must
// not be silently truncated.
func (s *Spool) Load(bucket string) ([]Entry, error) {
	f, err := os.Open(s.path(bucket))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open spool file: %w", err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("corrupt spool entry in %s: %w", s.path(bucket), err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read spool file: %w", err)
	}
	return entries, nil
}

// Replay writes every spooled batch for a bucket back to storage.
// Replayed entries are removed; entries that still fail stay spooled
// for the next start. Runs once at startup before live traffic.
func (s *Spool) Replay(ctx context.Context, bucket string, w Writer) (int, error) {
	entries, err := s.Load(bucket)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	var remaining []Entry
	replayed := 0
	for _, e := range entries {
		if err := w.WriteRaw(ctx, e.Bucket, e.BatchID, []byte(e.Lines)); err != nil {
			s.logger.Warn("spool replay failed, keeping entry",
				"bucket", bucket, "batch_id", e.BatchID, "error", err)
			remaining = append(remaining, e)
			continue
		}
		replayed++
		if s.metrics != nil {
			s.metrics.ReplayedBatches.Inc()
		}
	}

	if err := s.rewrite(bucket, remaining); err != nil {
		return replayed, err
	}
	if replayed > 0 {
		s.logger.Info("spool replayed", "bucket", bucket,
			"replayed", replayed, "remaining", len(remaining))
	}
	return replayed, nil
}

// rewrite atomically replaces a bucket's spool file with the surviving
// entries, or removes it when none remain.
func (s *Spool) rewrite(bucket string, entries []Entry) error {
	path := s.path(bucket)
	if len(entries) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove spool file: %w", err)
		}
		return nil
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open spool temp file: %w", err)
	}
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			f.Close()
			return fmt.Errorf("marshal spool entry: %w", err)
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("write spool temp file: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync spool temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close spool temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace spool file: %w", err)
	}
	return nil
}
