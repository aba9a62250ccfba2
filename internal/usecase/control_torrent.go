package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"torrentvault/internal/domain"
	"torrentvault/internal/domain/ports"
)

// Toggle pauses a running torrent or resumes a paused one and returns the
// resulting paused state. Resuming without a live session recreates it from
// the stored magnet.
func (l *Lifecycle) Toggle(ctx context.Context, id domain.TorrentID) (bool, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.toggle", trace.WithAttributes(attribute.String("torrent.id", string(id))))
	defer span.End()

	rec, err := l.Repo.GetByIdentifier(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, err
		}
		return false, wrapRepo(err)
	}
	if rec.Deleted {
		return false, domain.ErrNotFound
	}

	session, live := l.Registry.Get(id)
	if live && destroyed(session) {
		l.Registry.Release(id, session)
		live = false
	}

	from := domain.PhaseOf(&rec, live, live && metadataReady(session))
	to := domain.PhasePaused
	if rec.Paused {
		to = domain.PhaseDownloading
	}
	if err := checkTransition(from, to); err != nil {
		return rec.Paused, err
	}

	if !rec.Paused {
		if live {
			if err := session.Pause(); err != nil {
				return false, wrapEngine(err)
			}
		}
		if err := l.Repo.SetPaused(ctx, id, true); err != nil {
			return false, wrapRepo(err)
		}
		l.logger().Info("lifecycle: torrent paused", slog.String("id", string(id)))
		return true, nil
	}

	if live {
		if err := l.resumeLive(session, rec); err != nil {
			return true, err
		}
	} else {
		spec, err := specFromRecord(rec)
		if err != nil {
			return true, err
		}
		session, err := l.open(ctx, spec)
		if err != nil {
			return true, err
		}
		go l.awaitMetadata(session, &rec)
	}

	if err := l.Repo.SetPaused(ctx, id, false); err != nil {
		return false, wrapRepo(err)
	}
	l.logger().Info("lifecycle: torrent resumed",
		slog.String("id", string(id)),
		slog.Bool("recreated", !live),
	)
	return false, nil
}

// resumeLive reselects the persisted selection and re-announces to the
// magnet's trackers.
func (l *Lifecycle) resumeLive(s ports.Session, rec domain.TorrentRecord) error {
	if err := s.Resume(); err != nil {
		return wrapEngine(err)
	}
	if metadataReady(s) && len(rec.Files) > 0 && len(rec.Files) == len(s.Files()) {
		if sel := rec.SelectedIndices(); len(sel) != len(rec.Files) {
			if err := s.SelectFiles(sel); err != nil {
				return wrapEngine(err)
			}
		}
	}
	if spec, err := specFromRecord(rec); err == nil && len(spec.Trackers) > 0 {
		s.AddTrackers(spec.Trackers)
	}
	return nil
}

// SelectFiles selects exactly indices and deselects every other file. While
// paused the selection is only persisted and applied on resume.
func (l *Lifecycle) SelectFiles(ctx context.Context, id domain.TorrentID, indices []int) error {
	ctx, span := tracer.Start(ctx, "lifecycle.select_files", trace.WithAttributes(attribute.String("torrent.id", string(id))))
	defer span.End()

	session, live := l.Registry.Get(id)
	rec, err := l.Repo.GetByIdentifier(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return wrapRepo(err)
	}
	stored := err == nil && !rec.Deleted
	if !live && !stored {
		return domain.ErrNotFound
	}

	count := len(rec.Files)
	if live && metadataReady(session) {
		count = len(session.Files())
	}
	if count == 0 {
		return invalidInput("file list not known yet")
	}

	selection, err := normalizeSelection(indices, count)
	if err != nil {
		return err
	}

	if live && !(stored && rec.Paused) {
		if err := session.SelectFiles(selection); err != nil {
			return wrapEngine(err)
		}
	}
	if stored {
		if err := l.Repo.SetFileSelection(ctx, id, selection); err != nil {
			return wrapRepo(err)
		}
	}
	return nil
}

// normalizeSelection validates ordinals against count and returns them
// sorted without duplicates.
func normalizeSelection(indices []int, count int) ([]int, error) {
	seen := make(map[int]struct{}, len(indices))
	out := make([]int, 0, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= count {
			return nil, ErrInvalidFileIndex
		}
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		out = append(out, idx)
	}
	sort.Ints(out)
	return out, nil
}
