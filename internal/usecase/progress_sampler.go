package usecase

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"torrentvault/internal/domain"
	"torrentvault/internal/domain/ports"
	"torrentvault/internal/metrics"
)

const defaultSamplerInterval = 5 * time.Second

// ProgressSampler periodically copies live swarm metrics into the record
// store. Written progress never decreases and the completion stamp is only
// sent on the transition to full progress.
type ProgressSampler struct {
	Registry *Registry
	Repo     ports.TorrentRepository
	Logger   *slog.Logger
	Interval time.Duration
	Now      func() time.Time

	mu    sync.Mutex
	state map[domain.TorrentID]*sampleState
}

// sampleState is what the sampler remembers about one session. It belongs to
// that session only; a new session under the same identifier starts clean.
type sampleState struct {
	session  ports.Session
	progress float64
	complete bool
	known    bool
}

func (s *ProgressSampler) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = defaultSamplerInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sample(ctx)
		}
	}
}

// Sample runs one pass over every live session and refreshes the aggregate
// gauges.
func (s *ProgressSampler) Sample(ctx context.Context) {
	sessions := s.Registry.Sessions()

	var down, up int64
	var peers int
	live := make(map[domain.TorrentID]struct{}, len(sessions))
	for _, sess := range sessions {
		if ctx.Err() != nil {
			return
		}
		if destroyed(sess) {
			continue
		}
		live[sess.ID()] = struct{}{}
		snap := s.sampleOne(ctx, sess)
		down += snap.DownloadSpeed
		up += snap.UploadSpeed
		peers += snap.Peers
	}
	s.forget(live)

	metrics.LiveSessions.Set(float64(len(live)))
	metrics.DownloadSpeedBytes.Set(float64(down))
	metrics.UploadSpeedBytes.Set(float64(up))
	metrics.PeersConnected.Set(float64(peers))
}

// SampleOne samples a single session out of band, e.g. right after the engine
// reports completion.
func (s *ProgressSampler) SampleOne(ctx context.Context, sess ports.Session) {
	if destroyed(sess) {
		return
	}
	s.sampleOne(ctx, sess)
}

func (s *ProgressSampler) sampleOne(ctx context.Context, sess ports.Session) domain.SessionSnapshot {
	id := sess.ID()
	snap := sess.Snapshot()

	if !s.ensureRecord(ctx, sess, snap) {
		return snap
	}

	now := s.now()
	update := progressUpdateFrom(snap, now)

	s.mu.Lock()
	st := s.entry(sess)
	if st.progress > update.Progress {
		update.Progress = st.progress
	}
	st.progress = update.Progress
	wasComplete := st.complete
	isComplete := snap.Ready && update.Progress >= 1
	st.complete = isComplete
	s.mu.Unlock()

	if isComplete && !wasComplete {
		update.CompletedAt = &now
	}

	if err := s.Repo.UpdateProgress(ctx, id, update); err != nil {
		s.logger().Warn("sampler: update progress failed",
			slog.String("id", string(id)),
			slog.String("error", err.Error()),
		)
		metrics.TaskErrorsTotal.WithLabelValues("sampler").Inc()
		if isComplete && !wasComplete {
			// retry the stamp on the next tick
			s.mu.Lock()
			if cur := s.state[id]; cur == st {
				st.complete = false
			}
			s.mu.Unlock()
		}
	}
	return snap
}

// ensureRecord makes sure a record exists before the first sample of a
// session is written. A missing record is created from the snapshot once
// metadata is known; before that the sample is skipped.
func (s *ProgressSampler) ensureRecord(ctx context.Context, sess ports.Session, snap domain.SessionSnapshot) bool {
	id := sess.ID()
	s.mu.Lock()
	known := s.entry(sess).known
	s.mu.Unlock()
	if known {
		return true
	}

	_, err := s.Repo.GetByIdentifier(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		if !snap.Ready {
			return false
		}
		if cur, ok := s.Registry.Get(id); !ok || cur != sess {
			return false
		}
		now := s.now()
		rec := domain.TorrentRecord{
			ID:        id,
			Name:      snap.Name,
			Magnet:    sess.Magnet(),
			Size:      nonNegative(snap.Length),
			AddedAt:   now,
			UpdatedAt: now,
		}
		if err := s.Repo.UpsertTorrent(ctx, rec); err != nil {
			s.logger().Warn("sampler: create missing record failed",
				slog.String("id", string(id)),
				slog.String("error", err.Error()),
			)
			metrics.TaskErrorsTotal.WithLabelValues("sampler").Inc()
			return false
		}
		s.logger().Info("sampler: created missing record", slog.String("id", string(id)))
	default:
		s.logger().Warn("sampler: lookup record failed",
			slog.String("id", string(id)),
			slog.String("error", err.Error()),
		)
		metrics.TaskErrorsTotal.WithLabelValues("sampler").Inc()
		return false
	}

	s.mu.Lock()
	s.entry(sess).known = true
	s.mu.Unlock()
	return true
}

// entry returns the state for sess, replacing whatever was kept for an
// earlier session with the same identifier. Callers hold s.mu.
func (s *ProgressSampler) entry(sess ports.Session) *sampleState {
	if s.state == nil {
		s.state = make(map[domain.TorrentID]*sampleState)
	}
	id := sess.ID()
	st, ok := s.state[id]
	if !ok || st.session != sess {
		st = &sampleState{session: sess}
		s.state[id] = st
	}
	return st
}

// Forget drops everything remembered about id. It is called when a session
// is torn down so that a later session for the same torrent starts from zero.
func (s *ProgressSampler) Forget(id domain.TorrentID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state, id)
}

// forget drops state for sessions that are no longer live.
func (s *ProgressSampler) forget(live map[domain.TorrentID]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.state {
		if _, ok := live[id]; !ok {
			delete(s.state, id)
		}
	}
}

func (s *ProgressSampler) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *ProgressSampler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func progressUpdateFrom(snap domain.SessionSnapshot, now time.Time) domain.ProgressUpdate {
	return domain.ProgressUpdate{
		Name:          snap.Name,
		Size:          nonNegative(snap.Length),
		Downloaded:    nonNegative(snap.Downloaded),
		Uploaded:      nonNegative(snap.Uploaded),
		Progress:      clampFraction(snap.Progress),
		DownloadSpeed: max(snap.DownloadSpeed, 0),
		UploadSpeed:   max(snap.UploadSpeed, 0),
		Peers:         max(snap.Peers, 0),
		Seeds:         max(snap.Seeds, 0),
		ETASeconds:    sanitizeETA(snap.ETASeconds),
		UpdatedAt:     now,
	}
}

// sanitizeETA maps NaN, infinities, negatives and out-of-range values to
// ETAUnknown.
func sanitizeETA(eta float64) int64 {
	if math.IsNaN(eta) || math.IsInf(eta, 0) || eta < 0 || eta >= math.MaxInt64 {
		return domain.ETAUnknown
	}
	return int64(math.Round(eta))
}

func clampFraction(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func nonNegative(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}
