package apihttp

import (
	"encoding/json"
	"mime"
	"net/http"
	"strings"
	"time"

	"torrentvault/internal/domain"
	"torrentvault/internal/usecase"
)

const maxRequestBody = 1 << 20

func (s *Server) handleTorrents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateTorrent(w, r)
	case http.MethodGet:
		s.handleListTorrents(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type createTorrentJSON struct {
	URI    string `json:"uri"`
	Magnet string `json:"magnet,omitempty"`
}

func (s *Server) handleCreateTorrent(w http.ResponseWriter, r *http.Request) {
	if contentType := r.Header.Get("Content-Type"); contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err != nil || mediaType != "application/json" {
			writeError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "unsupported content type")
			return
		}
	}

	var body createTorrentJSON
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}

	uri := strings.TrimSpace(body.URI)
	if uri == "" {
		uri = strings.TrimSpace(body.Magnet)
	}
	if uri == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "uri is required")
		return
	}

	result, err := s.lifecycle.Add(r.Context(), uri)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type torrentSummary struct {
	ID            domain.TorrentID `json:"id"`
	Name          string           `json:"name"`
	Phase         domain.Phase     `json:"phase"`
	Live          bool             `json:"live"`
	Paused        bool             `json:"paused"`
	Progress      float64          `json:"progress"`
	Size          uint64           `json:"size"`
	Downloaded    uint64           `json:"downloaded"`
	DownloadSpeed int64            `json:"downloadSpeed"`
	UploadSpeed   int64            `json:"uploadSpeed"`
	Peers         int              `json:"peers"`
	Seeds         int              `json:"seeds"`
	ETASeconds    int64            `json:"etaSeconds"`
	AddedAt       time.Time        `json:"addedAt"`
	CompletedAt   *time.Time       `json:"completedAt,omitempty"`
}

type torrentListSummary struct {
	Items []torrentSummary `json:"items"`
	Count int              `json:"count"`
}

func summarize(views []usecase.TorrentView) []torrentSummary {
	out := make([]torrentSummary, 0, len(views))
	for _, v := range views {
		out = append(out, torrentSummary{
			ID:            v.ID,
			Name:          v.Name,
			Phase:         v.Phase,
			Live:          v.Live,
			Paused:        v.Paused,
			Progress:      v.Progress,
			Size:          v.Size,
			Downloaded:    v.Downloaded,
			DownloadSpeed: v.DownloadSpeed,
			UploadSpeed:   v.UploadSpeed,
			Peers:         v.Peers,
			Seeds:         v.Seeds,
			ETASeconds:    v.ETASeconds,
			AddedAt:       v.AddedAt,
			CompletedAt:   v.CompletedAt,
		})
	}
	return out
}

func (s *Server) handleListTorrents(w http.ResponseWriter, r *http.Request) {
	views, err := s.lifecycle.ListAll(r.Context())
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	items := summarize(views)
	writeJSON(w, http.StatusOK, torrentListSummary{Items: items, Count: len(items)})
}

func (s *Server) handleTorrentByID(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/torrents/"), "/")
	if path == "" {
		http.NotFound(w, r)
		return
	}

	parts := strings.Split(path, "/")
	if len(parts) > 2 {
		http.NotFound(w, r)
		return
	}
	id, ok := parseTorrentID(parts[0])
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid torrent id")
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleGetTorrent(w, r, id)
		case http.MethodDelete:
			s.handleDeleteTorrent(w, r, id)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	switch action := parts[1]; action {
	case "toggle":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleToggleTorrent(w, r, id)
	case "files":
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleSelectFiles(w, r, id)
	case "archive":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleArchiveTorrent(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleGetTorrent(w http.ResponseWriter, r *http.Request, id domain.TorrentID) {
	view, err := s.lifecycle.GetOne(r.Context(), id)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeleteTorrent(w http.ResponseWriter, r *http.Request, id domain.TorrentID) {
	deleteFiles, err := parseBoolQuery(r.URL.Query().Get("deleteFiles"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid deleteFiles")
		return
	}
	writeActionResult(w, s.lifecycle.Remove(r.Context(), id, deleteFiles), nil)
}

func (s *Server) handleToggleTorrent(w http.ResponseWriter, r *http.Request, id domain.TorrentID) {
	paused, err := s.lifecycle.Toggle(r.Context(), id)
	if err != nil {
		writeActionResult(w, err, nil)
		return
	}
	writeActionResult(w, nil, &paused)
}

type selectFilesJSON struct {
	Indices []int `json:"indices"`
}

func (s *Server) handleSelectFiles(w http.ResponseWriter, r *http.Request, id domain.TorrentID) {
	var body selectFilesJSON
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil || body.Indices == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "indices array is required")
		return
	}
	writeActionResult(w, s.lifecycle.SelectFiles(r.Context(), id, body.Indices), nil)
}

func (s *Server) handleArchiveTorrent(w http.ResponseWriter, r *http.Request, id domain.TorrentID) {
	writeActionResult(w, s.lifecycle.Archive(r.Context(), id), nil)
}

func (s *Server) handleDisk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.disk == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "disk quota not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.disk.DiskInfo(r.Context()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
