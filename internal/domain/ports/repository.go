package ports

import (
	"context"

	"torrentvault/internal/domain"
)

type TorrentRepository interface {
	UpsertTorrent(ctx context.Context, t domain.TorrentRecord) error
	UpdateProgress(ctx context.Context, id domain.TorrentID, update domain.ProgressUpdate) error
	GetByIdentifier(ctx context.Context, id domain.TorrentID) (domain.TorrentRecord, error)
	ListAll(ctx context.Context) ([]domain.TorrentRecord, error)
	ListActiveIncomplete(ctx context.Context) ([]domain.TorrentRecord, error)
	HardDelete(ctx context.Context, id domain.TorrentID) error
	SoftDelete(ctx context.Context, id domain.TorrentID) error
	SetPaused(ctx context.Context, id domain.TorrentID, paused bool) error
	ReplaceFileSet(ctx context.Context, id domain.TorrentID, files []domain.FileRecord) error
	SetFileSelection(ctx context.Context, id domain.TorrentID, selected []int) error
	UpdateFileProgress(ctx context.Context, id domain.TorrentID, index int, progress float64) error
	PurgeSoftDeletedOlderThan(ctx context.Context, days int) (int64, error)
}
