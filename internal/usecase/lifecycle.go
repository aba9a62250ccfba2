package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"torrentvault/internal/domain"
	"torrentvault/internal/domain/ports"
	"torrentvault/internal/telemetry"
)

const (
	defaultAddTimeout = 60 * time.Second
	teardownWait      = 10 * time.Second
	reconcileTimeout  = 30 * time.Second
	metadataWaitLimit = 24 * time.Hour
)

// ActiveSet tracks identifiers that must never be evicted from disk.
type ActiveSet interface {
	RegisterActive(id domain.TorrentID)
	UnregisterActive(id domain.TorrentID)
}

// Lifecycle is the single entry point for creating, pausing, resuming,
// reselecting, removing and restoring torrents. It owns the registry of live
// sessions; the periodic samplers only read it.
type Lifecycle struct {
	Engine     ports.Engine
	Repo       ports.TorrentRepository
	Registry   *Registry
	Active     ActiveSet
	Sampler    *ProgressSampler
	Files      *FileProgressTracker
	Logger     *slog.Logger
	DataDir    string
	AddTimeout time.Duration
	Now        func() time.Time

	adds singleflight.Group
}

type AddResult struct {
	ID    domain.TorrentID `json:"id"`
	Name  string           `json:"name"`
	Files []domain.FileRef `json:"files"`
}

var tracer = telemetry.Tracer("usecase")

// Add joins the swarm for uri. An existing session for the same identifier
// is torn down and recreated; concurrent adds of one identifier share a
// single attempt. Add returns once the session exists, before metadata.
func (l *Lifecycle) Add(ctx context.Context, uri string) (AddResult, error) {
	spec, err := ParseSource(uri)
	if err != nil {
		return AddResult{}, err
	}

	ctx, span := tracer.Start(ctx, "lifecycle.add", trace.WithAttributes(attribute.String("torrent.id", string(spec.ID))))
	defer span.End()

	v, err, _ := l.adds.Do(string(spec.ID), func() (interface{}, error) {
		return l.add(ctx, spec)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return AddResult{}, err
	}
	return v.(AddResult), nil
}

func (l *Lifecycle) add(ctx context.Context, spec domain.TorrentSpec) (AddResult, error) {
	if existing, ok := l.Registry.Get(spec.ID); ok {
		l.logger().Info("lifecycle: replacing live session", slog.String("id", string(spec.ID)))
		if err := l.teardown(ctx, existing); err != nil {
			l.logger().Warn("lifecycle: destroy previous session failed",
				slog.String("id", string(spec.ID)),
				slog.String("error", err.Error()),
			)
		}
	}

	session, err := l.open(ctx, spec)
	if err != nil {
		return AddResult{}, err
	}

	now := l.now()
	name := session.Name()
	if name == "" {
		name = spec.DisplayName
	}
	record := domain.TorrentRecord{
		ID:        spec.ID,
		Name:      name,
		Magnet:    spec.Magnet,
		AddedAt:   now,
		UpdatedAt: now,
	}
	if snap := session.Snapshot(); snap.Length > 0 {
		record.Size = uint64(snap.Length)
	}
	if err := l.Repo.UpsertTorrent(ctx, record); err != nil {
		l.discard(session)
		return AddResult{}, wrapRepo(err)
	}

	go l.awaitMetadata(session, nil)

	l.logger().Info("lifecycle: torrent added",
		slog.String("id", string(spec.ID)),
		slog.String("name", name),
	)
	return AddResult{ID: spec.ID, Name: name, Files: session.Files()}, nil
}

// open creates a session under the add deadline and registers it.
func (l *Lifecycle) open(ctx context.Context, spec domain.TorrentSpec) (ports.Session, error) {
	timeout := l.AddTimeout
	if timeout <= 0 {
		timeout = defaultAddTimeout
	}
	openCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	session, err := l.Engine.Open(openCtx, spec)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(openCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		if errors.Is(err, ErrInvalidInput) {
			return nil, err
		}
		return nil, wrapEngine(err)
	}

	if prev := l.Registry.Put(session); prev != nil && prev != session {
		// A concurrent restore raced us; keep the newest.
		go l.discard(prev)
	}
	if l.Active != nil {
		l.Active.RegisterActive(spec.ID)
	}
	return session, nil
}

// teardown destroys s, waits for the engine to release it and drops it from
// the registry and the active set, along with its sampler state.
func (l *Lifecycle) teardown(ctx context.Context, s ports.Session) error {
	id := s.ID()
	err := s.Destroy()

	wait := time.NewTimer(teardownWait)
	defer wait.Stop()
	select {
	case <-s.Done():
	case <-ctx.Done():
	case <-wait.C:
		l.logger().Warn("lifecycle: session teardown not confirmed", slog.String("id", string(id)))
	}

	if l.Registry.Release(id, s) {
		if l.Active != nil {
			l.Active.UnregisterActive(id)
		}
		if l.Sampler != nil {
			l.Sampler.Forget(id)
		}
	}
	return err
}

func (l *Lifecycle) discard(s ports.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownWait)
	defer cancel()
	if err := l.teardown(ctx, s); err != nil {
		l.logger().Warn("lifecycle: discard session failed",
			slog.String("id", string(s.ID())),
			slog.String("error", err.Error()),
		)
	}
}

// awaitMetadata persists the file set once the engine knows it. stored, when
// set, carries the selection to reapply.
func (l *Lifecycle) awaitMetadata(s ports.Session, stored *domain.TorrentRecord) {
	limit := time.NewTimer(metadataWaitLimit)
	defer limit.Stop()

	select {
	case <-s.MetadataReady():
	case <-s.Done():
		return
	case <-limit.C:
		l.logger().Warn("lifecycle: metadata never arrived", slog.String("id", string(s.ID())))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()
	l.reconcileFiles(ctx, s, stored)
}

func (l *Lifecycle) reconcileFiles(ctx context.Context, s ports.Session, stored *domain.TorrentRecord) {
	id := s.ID()
	if cur, ok := l.Registry.Get(id); !ok || cur != s {
		// replaced or removed while metadata was pending
		return
	}
	files := s.Files()

	var selection []int
	if stored != nil && len(stored.Files) > 0 {
		if len(stored.Files) == len(files) {
			selection = stored.SelectedIndices()
			if len(selection) != len(files) {
				if err := s.SelectFiles(selection); err != nil {
					l.logger().Warn("lifecycle: reapply selection failed",
						slog.String("id", string(id)),
						slog.String("error", err.Error()),
					)
				}
			}
		} else {
			l.logger().Warn("restore: file count mismatch, keeping all files selected",
				slog.String("id", string(id)),
				slog.Int("storedFiles", len(stored.Files)),
				slog.Int("liveFiles", len(files)),
			)
		}
	}

	if err := l.Repo.ReplaceFileSet(ctx, id, fileRecords(id, files, selection)); err != nil {
		l.logger().Warn("lifecycle: persist file set failed",
			slog.String("id", string(id)),
			slog.String("error", err.Error()),
		)
	}

	update := progressUpdateFrom(s.Snapshot(), l.now())
	if err := l.Repo.UpdateProgress(ctx, id, update); err != nil {
		l.logger().Warn("lifecycle: persist metadata failed",
			slog.String("id", string(id)),
			slog.String("error", err.Error()),
		)
	}
}

// HandleEvent reacts to engine notifications. It never blocks the caller.
func (l *Lifecycle) HandleEvent(ev domain.EngineEvent) {
	attrs := []any{slog.String("id", string(ev.ID)), slog.String("event", string(ev.Kind))}
	if ev.Err != nil {
		attrs = append(attrs, slog.String("error", ev.Err.Error()))
	}

	switch ev.Kind {
	case domain.EventMetadataReady:
		l.logger().Debug("lifecycle: metadata ready", attrs...)
	case domain.EventDownloadComplete:
		l.logger().Info("lifecycle: download complete, closing session", attrs...)
		if s, ok := l.Registry.Get(ev.ID); ok {
			go l.closeCompleted(s)
		}
	case domain.EventNoPeers:
		l.logger().Info("lifecycle: no peers", attrs...)
	case domain.EventWarning:
		l.logger().Warn("lifecycle: engine warning", attrs...)
	case domain.EventError:
		l.logger().Error("lifecycle: engine error, closing session", attrs...)
		if s, ok := l.Registry.Get(ev.ID); ok {
			go l.discard(s)
		}
	default:
		l.logger().Debug("lifecycle: unhandled engine event", attrs...)
	}
}

// closeCompleted writes the final sample, which carries the completion
// stamp, and then closes the session. The data stays on disk and leaves the
// active set, so quota enforcement may evict it.
func (l *Lifecycle) closeCompleted(s ports.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()
	if l.Sampler != nil {
		l.Sampler.SampleOne(ctx, s)
	}
	if l.Files != nil {
		l.Files.TrackOne(ctx, s)
	}
	if err := l.teardown(ctx, s); err != nil {
		l.logger().Warn("lifecycle: close completed session failed",
			slog.String("id", string(s.ID())),
			slog.String("error", err.Error()),
		)
	}
}

func (l *Lifecycle) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

func (l *Lifecycle) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// fileRecords converts live file refs to persisted records. A nil selection
// selects every file.
func fileRecords(id domain.TorrentID, files []domain.FileRef, selection []int) []domain.FileRecord {
	selected := make(map[int]struct{}, len(selection))
	for _, idx := range selection {
		selected[idx] = struct{}{}
	}
	out := make([]domain.FileRecord, 0, len(files))
	for _, f := range files {
		_, on := selected[f.Index]
		out = append(out, domain.FileRecord{
			TorrentID: id,
			Index:     f.Index,
			Path:      f.Path,
			Name:      f.Name,
			Size:      nonNegative(f.Length),
			Progress:  clampFraction(f.Progress),
			Selected:  selection == nil || on,
		})
	}
	return out
}
