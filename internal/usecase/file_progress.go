package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"torrentvault/internal/domain"
	"torrentvault/internal/domain/ports"
	"torrentvault/internal/metrics"
)

const defaultFileTrackerInterval = 10 * time.Second

type fileKey struct {
	id    domain.TorrentID
	index int
}

// FileProgressTracker writes per-file progress keyed by ordinal. Values are
// only written when they change.
type FileProgressTracker struct {
	Registry *Registry
	Repo     ports.TorrentRepository
	Logger   *slog.Logger
	Interval time.Duration

	mu      sync.Mutex
	written map[fileKey]float64
}

func (t *FileProgressTracker) Run(ctx context.Context) {
	interval := t.Interval
	if interval <= 0 {
		interval = defaultFileTrackerInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Track(ctx)
		}
	}
}

func (t *FileProgressTracker) Track(ctx context.Context) {
	live := make(map[domain.TorrentID]struct{})
	for _, sess := range t.Registry.Sessions() {
		if ctx.Err() != nil {
			return
		}
		if destroyed(sess) || !metadataReady(sess) {
			continue
		}
		live[sess.ID()] = struct{}{}
		t.trackOne(ctx, sess)
	}
	t.forget(live)
}

// TrackOne writes the current file progress of a single session out of band.
func (t *FileProgressTracker) TrackOne(ctx context.Context, sess ports.Session) {
	if destroyed(sess) || !metadataReady(sess) {
		return
	}
	t.trackOne(ctx, sess)
}

func (t *FileProgressTracker) trackOne(ctx context.Context, sess ports.Session) {
	id := sess.ID()
	files := sess.Files()
	if len(files) == 0 {
		return
	}

	for _, f := range files {
		progress := clampFraction(f.Progress)
		key := fileKey{id: id, index: f.Index}

		t.mu.Lock()
		if t.written == nil {
			t.written = make(map[fileKey]float64)
		}
		last, seen := t.written[key]
		t.mu.Unlock()
		if seen && last == progress {
			continue
		}

		err := t.Repo.UpdateFileProgress(ctx, id, f.Index, progress)
		if errors.Is(err, domain.ErrNotFound) {
			// record or file set not persisted yet
			t.logger().Debug("file_tracker: record not ready, skipping",
				slog.String("id", string(id)),
			)
			return
		}
		if err != nil {
			t.logger().Warn("file_tracker: update file progress failed",
				slog.String("id", string(id)),
				slog.Int("index", f.Index),
				slog.String("error", err.Error()),
			)
			metrics.TaskErrorsTotal.WithLabelValues("file_tracker").Inc()
			continue
		}

		t.mu.Lock()
		t.written[key] = progress
		t.mu.Unlock()
	}
}

func (t *FileProgressTracker) forget(live map[domain.TorrentID]struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.written {
		if _, ok := live[key.id]; !ok {
			delete(t.written, key)
		}
	}
}

func (t *FileProgressTracker) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}
