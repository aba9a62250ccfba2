package usecase

import (
	"context"
	"log/slog"

	"torrentvault/internal/domain"
)

// RestoreAll recreates a session for every stored torrent that is neither
// deleted, paused nor complete. It is the only crash-recovery path: live
// sessions are never persisted. Returns how many sessions were started.
func (l *Lifecycle) RestoreAll(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.restore_all")
	defer span.End()

	records, err := l.Repo.ListActiveIncomplete(ctx)
	if err != nil {
		return 0, wrapRepo(err)
	}

	restored := 0
	for i := range records {
		rec := records[i]
		if rec.Complete() || domain.PhaseOf(&rec, false, false).SurvivesRestart() {
			continue
		}
		if _, live := l.Registry.Get(rec.ID); live {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		if l.restoreOne(ctx, rec) {
			restored++
		}
	}

	l.logger().Info("restore: sessions recreated",
		slog.Int("restored", restored),
		slog.Int("candidates", len(records)),
	)
	return restored, nil
}

func (l *Lifecycle) restoreOne(ctx context.Context, rec domain.TorrentRecord) bool {
	spec, err := specFromRecord(rec)
	if err != nil {
		l.logger().Warn("restore: unusable stored magnet",
			slog.String("id", string(rec.ID)),
			slog.String("error", err.Error()),
		)
		return false
	}

	session, err := l.open(ctx, spec)
	if err != nil {
		l.logger().Warn("restore: open session failed",
			slog.String("id", string(rec.ID)),
			slog.String("error", err.Error()),
		)
		return false
	}

	go l.awaitMetadata(session, &rec)
	return true
}
