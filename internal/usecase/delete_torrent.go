package usecase

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"torrentvault/internal/domain"
)

var errUnsafePath = errors.New("path escapes data dir")

// Remove tears a torrent down. Every step runs even when an earlier one
// fails; the call succeeds when either the live session or the stored record
// was removed.
func (l *Lifecycle) Remove(ctx context.Context, id domain.TorrentID, deleteFiles bool) error {
	ctx, span := tracer.Start(ctx, "lifecycle.remove", trace.WithAttributes(
		attribute.String("torrent.id", string(id)),
		attribute.Bool("delete_files", deleteFiles),
	))
	defer span.End()

	var (
		errs           []error
		names          []string
		sessionRemoved bool
		recordRemoved  bool
	)

	if session, ok := l.Registry.Get(id); ok {
		names = append(names, session.Name())
		if err := l.teardown(ctx, session); err != nil {
			l.logger().Warn("lifecycle: destroy session failed",
				slog.String("id", string(id)),
				slog.String("error", err.Error()),
			)
			errs = append(errs, wrapEngine(err))
		} else {
			sessionRemoved = true
		}
	}

	rec, err := l.Repo.GetByIdentifier(ctx, id)
	if err == nil {
		names = append(names, rec.Name)
	} else if !errors.Is(err, domain.ErrNotFound) {
		l.logger().Warn("lifecycle: load record for removal failed",
			slog.String("id", string(id)),
			slog.String("error", err.Error()),
		)
	}

	if deleteFiles {
		for _, path := range l.candidatePaths(id, names) {
			if err := removeTree(l.DataDir, path); err != nil {
				l.logger().Warn("lifecycle: delete files failed",
					slog.String("id", string(id)),
					slog.String("path", path),
					slog.String("error", err.Error()),
				)
				errs = append(errs, wrapIO(err))
			}
		}
	}

	if err := l.Repo.HardDelete(ctx, id); err == nil {
		recordRemoved = true
	} else if !errors.Is(err, domain.ErrNotFound) {
		l.logger().Warn("lifecycle: delete record failed",
			slog.String("id", string(id)),
			slog.String("error", err.Error()),
		)
		errs = append(errs, wrapRepo(err))
	}

	if sessionRemoved || recordRemoved {
		l.logger().Info("lifecycle: torrent removed",
			slog.String("id", string(id)),
			slog.Bool("deleteFiles", deleteFiles),
		)
		return nil
	}
	if len(errs) == 0 {
		return domain.ErrNotFound
	}
	return errors.Join(errs...)
}

// candidatePaths lists the directory names a torrent may occupy under the
// data dir: its identifier and any display name it was saved under.
func (l *Lifecycle) candidatePaths(id domain.TorrentID, names []string) []string {
	out := []string{string(id)}
	seen := map[string]struct{}{string(id): {}}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// removeTree deletes name if it is a direct child of baseDir. Missing paths
// are not an error.
func removeTree(baseDir, name string) error {
	if strings.TrimSpace(baseDir) == "" {
		return errors.New("data dir not configured")
	}
	baseAbs, err := filepath.Abs(baseDir)
	if err != nil {
		return err
	}
	baseAbs = filepath.Clean(baseAbs)

	if name == "" || name == "." || name == ".." || filepath.IsAbs(name) || strings.ContainsAny(name, `/\`) {
		return errUnsafePath
	}
	fullPath := filepath.Clean(filepath.Join(baseAbs, name))
	if filepath.Dir(fullPath) != baseAbs {
		return errUnsafePath
	}

	if err := os.RemoveAll(fullPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Archive stops a torrent and soft-deletes its record, leaving the files on
// disk. Archived records are hidden from listings and restore, revived by a
// new add, and purged by the cleanup sweeper after the retention window.
func (l *Lifecycle) Archive(ctx context.Context, id domain.TorrentID) error {
	ctx, span := tracer.Start(ctx, "lifecycle.archive", trace.WithAttributes(attribute.String("torrent.id", string(id))))
	defer span.End()

	if err := l.Repo.SoftDelete(ctx, id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return wrapRepo(err)
	}
	if session, ok := l.Registry.Get(id); ok {
		if err := l.teardown(ctx, session); err != nil {
			l.logger().Warn("lifecycle: destroy archived session failed",
				slog.String("id", string(id)),
				slog.String("error", err.Error()),
			)
		}
	}
	l.logger().Info("lifecycle: torrent archived", slog.String("id", string(id)))
	return nil
}
