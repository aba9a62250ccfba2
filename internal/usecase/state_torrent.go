package usecase

import (
	"context"
	"errors"

	"torrentvault/internal/domain"
	"torrentvault/internal/domain/ports"
)

// TorrentView is a stored record overlaid with live swarm metrics when a
// session is running.
type TorrentView struct {
	domain.TorrentRecord
	Live  bool         `json:"live"`
	Phase domain.Phase `json:"phase"`
}

// ListAll returns every stored torrent merged with its live snapshot.
func (l *Lifecycle) ListAll(ctx context.Context) ([]TorrentView, error) {
	records, err := l.Repo.ListAll(ctx)
	if err != nil {
		return nil, wrapRepo(err)
	}
	views := make([]TorrentView, 0, len(records))
	for _, rec := range records {
		if rec.Deleted {
			continue
		}
		views = append(views, l.view(rec, false))
	}
	return views, nil
}

// GetOne returns a single torrent with its files.
func (l *Lifecycle) GetOne(ctx context.Context, id domain.TorrentID) (TorrentView, error) {
	rec, err := l.Repo.GetByIdentifier(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return TorrentView{}, err
		}
		return TorrentView{}, wrapRepo(err)
	}
	if rec.Deleted {
		return TorrentView{}, domain.ErrNotFound
	}
	return l.view(rec, true), nil
}

func (l *Lifecycle) view(rec domain.TorrentRecord, withFiles bool) TorrentView {
	session, live := l.Registry.Get(rec.ID)
	if live && destroyed(session) {
		live = false
	}
	ready := live && metadataReady(session)
	if live {
		rec = overlaySnapshot(rec, session, withFiles && ready)
	}
	if !withFiles {
		rec.Files = nil
	}
	return TorrentView{
		TorrentRecord: rec,
		Live:          live,
		Phase:         domain.PhaseOf(&rec, live, ready),
	}
}

func overlaySnapshot(rec domain.TorrentRecord, s ports.Session, withFiles bool) domain.TorrentRecord {
	u := progressUpdateFrom(s.Snapshot(), rec.UpdatedAt)
	if rec.Name == "" {
		rec.Name = u.Name
	}
	if u.Size > 0 {
		rec.Size = u.Size
	}
	if u.Progress > rec.Progress {
		rec.Progress = u.Progress
	}
	if u.Downloaded > rec.Downloaded {
		rec.Downloaded = u.Downloaded
	}
	if u.Uploaded > rec.Uploaded {
		rec.Uploaded = u.Uploaded
	}
	rec.DownloadSpeed = u.DownloadSpeed
	rec.UploadSpeed = u.UploadSpeed
	rec.Peers = u.Peers
	rec.Seeds = u.Seeds
	rec.ETASeconds = u.ETASeconds

	if withFiles {
		liveFiles := s.Files()
		if len(liveFiles) == len(rec.Files) {
			for i := range rec.Files {
				rec.Files[i].Progress = clampFraction(liveFiles[i].Progress)
			}
		} else if len(rec.Files) == 0 {
			rec.Files = fileRecords(rec.ID, liveFiles, nil)
		}
	}
	return rec
}
