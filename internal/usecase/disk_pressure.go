package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"torrentvault/internal/domain"
	"torrentvault/internal/domain/ports"
)

// DiskPressure pauses live sessions when the filesystem holding the data dir
// runs low on free space, ahead of the slower quota pass. Sessions it paused
// are resumed once free space exceeds ResumeBytes, unless the user paused the
// torrent in the meantime.
type DiskPressure struct {
	Registry     *Registry
	Repo         ports.TorrentRepository
	Logger       *slog.Logger
	DataDir      string
	MinFreeBytes int64 // below this sessions are paused
	ResumeBytes  int64 // above this paused sessions may resume
	Interval     time.Duration

	freeBytes func(string) (int64, error)
}

// Run blocks until ctx is cancelled. A zero MinFreeBytes disables it.
func (dp DiskPressure) Run(ctx context.Context) {
	if dp.MinFreeBytes <= 0 {
		return
	}
	interval := dp.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	state := pressureState{stopped: make(map[domain.TorrentID]ports.Session)}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dp.check(ctx, &state)
		}
	}
}

type pressureState struct {
	paused  bool
	stopped map[domain.TorrentID]ports.Session
}

func (dp DiskPressure) check(ctx context.Context, state *pressureState) {
	resumeAt := dp.ResumeBytes
	if resumeAt <= dp.MinFreeBytes {
		resumeAt = dp.MinFreeBytes * 2
	}

	freeFn := dp.freeBytes
	if freeFn == nil {
		freeFn = diskFreeBytes
	}
	free, err := freeFn(dp.DataDir)
	if err != nil {
		dp.logger().Warn("disk_pressure: failed to check disk space",
			slog.String("path", dp.DataDir),
			slog.String("error", err.Error()),
		)
		return
	}

	if !state.paused && free < dp.MinFreeBytes {
		dp.logger().Warn("disk_pressure: low disk space, pausing live sessions",
			slog.Int64("freeBytes", free),
			slog.Int64("thresholdBytes", dp.MinFreeBytes),
		)
		dp.pauseAll(state.stopped)
		state.paused = true
	} else if state.paused && free >= resumeAt {
		dp.logger().Info("disk_pressure: disk space recovered, resuming sessions",
			slog.Int64("freeBytes", free),
			slog.Int64("resumeBytes", resumeAt),
		)
		dp.resumeAll(ctx, state.stopped)
		state.paused = false
	}
}

func (dp DiskPressure) pauseAll(stopped map[domain.TorrentID]ports.Session) {
	for _, s := range dp.Registry.Sessions() {
		if destroyed(s) {
			continue
		}
		if err := s.Pause(); err != nil {
			dp.logger().Warn("disk_pressure: pause session failed",
				slog.String("id", string(s.ID())),
				slog.String("error", err.Error()),
			)
			continue
		}
		stopped[s.ID()] = s
	}
}

func (dp DiskPressure) resumeAll(ctx context.Context, stopped map[domain.TorrentID]ports.Session) {
	for id, s := range stopped {
		delete(stopped, id)

		cur, ok := dp.Registry.Get(id)
		if !ok || cur != s || destroyed(s) {
			continue
		}

		var selection []int
		if dp.Repo != nil {
			rec, err := dp.Repo.GetByIdentifier(ctx, id)
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				dp.logger().Warn("disk_pressure: load record failed",
					slog.String("id", string(id)),
					slog.String("error", err.Error()),
				)
				continue
			}
			if err == nil {
				if rec.Paused {
					continue
				}
				if sel := rec.SelectedIndices(); len(rec.Files) == len(s.Files()) && len(sel) != len(rec.Files) {
					selection = sel
				}
			}
		}

		if err := s.Resume(); err != nil {
			dp.logger().Warn("disk_pressure: resume session failed",
				slog.String("id", string(id)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if selection != nil {
			if err := s.SelectFiles(selection); err != nil {
				dp.logger().Warn("disk_pressure: reapply selection failed",
					slog.String("id", string(id)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (dp DiskPressure) logger() *slog.Logger {
	if dp.Logger != nil {
		return dp.Logger
	}
	return slog.Default()
}
