package domain

import "time"

// FileRef is a live view of one file inside a swarm session. Progress is
// already normalized to a plain fraction by the engine adapter.
type FileRef struct {
	Index    int     `json:"index"`
	Path     string  `json:"path"`
	Name     string  `json:"name"`
	Length   int64   `json:"length"`
	Progress float64 `json:"progress"`
	Selected bool    `json:"selected"`
}

// SessionSnapshot holds live swarm metrics for one session at a point in time.
// ETASeconds may be NaN or ±Inf straight from the engine; consumers sanitize.
type SessionSnapshot struct {
	ID            TorrentID `json:"id"`
	Name          string    `json:"name"`
	Ready         bool      `json:"ready"`
	Length        int64     `json:"length"`
	Progress      float64   `json:"progress"`
	Downloaded    int64     `json:"downloaded"`
	Uploaded      int64     `json:"uploaded"`
	DownloadSpeed int64     `json:"downloadSpeed"`
	UploadSpeed   int64     `json:"uploadSpeed"`
	Peers         int       `json:"peers"`
	Seeds         int       `json:"seeds"`
	ETASeconds    float64   `json:"-"`
	Files         []FileRef `json:"files,omitempty"`
	At            time.Time `json:"at"`
}

// TorrentSpec describes what the engine should join.
type TorrentSpec struct {
	ID          TorrentID
	Magnet      string
	DisplayName string
	Trackers    []string
}
