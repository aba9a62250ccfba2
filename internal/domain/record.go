package domain

import (
	"errors"
	"time"
)

// ETAUnknown marks an ETA the engine could not estimate (no peers, stalled or
// already complete).
const ETAUnknown int64 = -1

type TorrentRecord struct {
	ID            TorrentID    `json:"id"`
	Name          string       `json:"name"`
	Magnet        string       `json:"magnet"`
	Size          uint64       `json:"size"`
	Downloaded    uint64       `json:"downloaded"`
	Uploaded      uint64       `json:"uploaded"`
	Progress      float64      `json:"progress"`
	DownloadSpeed int64        `json:"downloadSpeed"`
	UploadSpeed   int64        `json:"uploadSpeed"`
	Peers         int          `json:"peers"`
	Seeds         int          `json:"seeds"`
	ETASeconds    int64        `json:"etaSeconds"`
	Paused        bool         `json:"paused"`
	Deleted       bool         `json:"deleted"`
	DeletedAt     *time.Time   `json:"deletedAt,omitempty"`
	AddedAt       time.Time    `json:"addedAt"`
	CompletedAt   *time.Time   `json:"completedAt,omitempty"`
	UpdatedAt     time.Time    `json:"updatedAt"`
	Files         []FileRecord `json:"files,omitempty"`
}

type FileRecord struct {
	TorrentID TorrentID `json:"torrentId"`
	Index     int       `json:"index"`
	Path      string    `json:"path"`
	Name      string    `json:"name"`
	Size      uint64    `json:"size"`
	Progress  float64   `json:"progress"`
	Selected  bool      `json:"selected"`
}

// ProgressUpdate is the delta a sampler tick writes for one torrent.
// CompletedAt is only honoured when the stored record has none yet.
type ProgressUpdate struct {
	Name          string
	Size          uint64
	Downloaded    uint64
	Uploaded      uint64
	Progress      float64
	DownloadSpeed int64
	UploadSpeed   int64
	Peers         int
	Seeds         int
	ETASeconds    int64
	CompletedAt   *time.Time
	UpdatedAt     time.Time
}

// Validate checks domain invariants for TorrentRecord.
func (r TorrentRecord) Validate() error {
	if !r.ID.Valid() {
		return errors.New("torrent id must be 40 lowercase hex characters")
	}
	if r.Progress < 0 || r.Progress > 1 {
		return errors.New("progress must be within [0,1]")
	}
	if r.Size > 0 && r.Downloaded > r.Size {
		return errors.New("downloaded must not exceed size")
	}
	seen := make(map[int]struct{}, len(r.Files))
	for _, f := range r.Files {
		if _, dup := seen[f.Index]; dup {
			return errors.New("duplicate file index")
		}
		seen[f.Index] = struct{}{}
	}
	return nil
}

// Complete reports whether the record has reached full progress.
func (r TorrentRecord) Complete() bool {
	return r.Progress >= 1
}

// SelectedIndices returns the ordinals of selected files in file order.
func (r TorrentRecord) SelectedIndices() []int {
	out := make([]int, 0, len(r.Files))
	for _, f := range r.Files {
		if f.Selected {
			out = append(out, f.Index)
		}
	}
	return out
}
