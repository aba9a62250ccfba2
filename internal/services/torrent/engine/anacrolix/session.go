package anacrolix

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"runtime/debug"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"

	"torrentvault/internal/domain"
)

var (
	ErrMetadataPending = errors.New("torrent metadata not available yet")
	ErrFileIndex       = errors.New("file index out of range")
	errTorrentClosed   = errors.New("torrent closed by client")
)

// Session is one torrent inside the shared client.
type Session struct {
	engine   *Engine
	torrent  *torrent.Torrent
	id       domain.TorrentID
	magnet   string
	fallback string

	mu       sync.Mutex
	selected []bool
	paused   bool

	ready       chan struct{}
	done        chan struct{}
	readyOnce   sync.Once
	destroyOnce sync.Once
	destroying  bool

	speed     speedMeter
	completed highWater
}

func newSession(e *Engine, t *torrent.Torrent, spec domain.TorrentSpec) *Session {
	return &Session{
		engine:   e,
		torrent:  t,
		id:       domain.TorrentID(t.InfoHash().HexString()),
		magnet:   spec.Magnet,
		fallback: spec.DisplayName,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *Session) ID() domain.TorrentID { return s.id }

func (s *Session) Name() string {
	if s.torrent != nil {
		if name := s.torrent.Name(); name != "" {
			return name
		}
	}
	if s.fallback != "" {
		return s.fallback
	}
	return string(s.id)
}

func (s *Session) Magnet() string {
	if s.magnet != "" {
		return s.magnet
	}
	m := metainfo.Magnet{DisplayName: s.Name()}
	if s.torrent != nil {
		m.InfoHash = s.torrent.InfoHash()
	}
	return m.String()
}

func (s *Session) MetadataReady() <-chan struct{} { return s.ready }

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) destroyed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) metadataKnown() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// Files lists the torrent's files in client order; nil until metadata is
// known.
func (s *Session) Files() []domain.FileRef {
	if !s.metadataKnown() {
		return nil
	}
	s.mu.Lock()
	selected := append([]bool(nil), s.selected...)
	paused := s.paused
	s.mu.Unlock()
	return mapFiles(s.torrent, selected, paused)
}

func mapFiles(t *torrent.Torrent, selected []bool, paused bool) (mapped []domain.FileRef) {
	if !torrentInfoReady(t) {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("mapFiles panic recovered",
				slog.Any("error", r),
				slog.String("stack", string(debug.Stack())),
			)
			mapped = nil
		}
	}()

	files := t.Files()
	mapped = make([]domain.FileRef, 0, len(files))
	for i, f := range files {
		on := i >= len(selected) || selected[i]
		mapped = append(mapped, domain.FileRef{
			Index:    i,
			Path:     f.Path(),
			Name:     path.Base(f.DisplayPath()),
			Length:   f.Length(),
			Progress: fileProgress(f.BytesCompleted(), f.Length()),
			Selected: on && !paused,
		})
	}
	return mapped
}

func (s *Session) Snapshot() domain.SessionSnapshot {
	now := time.Now().UTC()
	snap := domain.SessionSnapshot{
		ID:         s.id,
		Name:       s.Name(),
		ETASeconds: estimateETA(0, 0),
		At:         now,
	}
	if s.torrent == nil {
		return snap
	}

	stats := s.torrent.Stats()
	snap.Peers = stats.ActivePeers
	snap.Seeds = stats.ConnectedSeeders
	snap.Uploaded = stats.BytesWrittenData.Int64()
	snap.DownloadSpeed, snap.UploadSpeed = s.speed.sample(stats, now)

	if !s.metadataKnown() {
		return snap
	}
	snap.Ready = true
	snap.Length = s.torrent.Length()
	snap.Downloaded = s.completed.observe(s.torrent.BytesCompleted())
	snap.Progress = fileProgress(snap.Downloaded, snap.Length)
	snap.ETASeconds = estimateETA(snap.Length-snap.Downloaded, snap.DownloadSpeed)
	snap.Files = s.Files()
	return snap
}

// SelectFiles gives the listed files normal priority and every other file
// none. While paused the selection is only recorded.
func (s *Session) SelectFiles(indices []int) error {
	if !s.metadataKnown() {
		return ErrMetadataPending
	}
	files := s.torrent.Files()
	selected := make([]bool, len(files))
	for _, idx := range indices {
		if idx < 0 || idx >= len(files) {
			return fmt.Errorf("%w: %d", ErrFileIndex, idx)
		}
		selected[idx] = true
	}

	s.mu.Lock()
	s.selected = selected
	paused := s.paused
	s.mu.Unlock()

	for i, f := range files {
		f.SetPriority(priorityFor(selected[i], paused))
	}
	return nil
}

// Pause stops all transfer: every file drops to no priority and peers are
// disconnected.
func (s *Session) Pause() error {
	if s.destroyed() {
		return errTorrentClosed
	}
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()

	t := s.torrent
	t.DisallowDataDownload()
	t.DisallowDataUpload()
	t.SetMaxEstablishedConns(0)
	if s.metadataKnown() {
		for _, f := range t.Files() {
			f.SetPriority(torrent.PiecePriorityNone)
		}
	}
	return nil
}

// Resume re-enables transfer with every file at normal priority. Callers
// re-apply a narrower selection afterwards.
func (s *Session) Resume() error {
	if s.destroyed() {
		return errTorrentClosed
	}
	s.mu.Lock()
	s.paused = false
	s.selected = nil
	s.mu.Unlock()

	t := s.torrent
	t.SetMaxEstablishedConns(defaultMaxConns)
	t.AllowDataUpload()
	t.AllowDataDownload()
	if s.metadataKnown() {
		for _, f := range t.Files() {
			f.SetPriority(torrent.PiecePriorityNormal)
		}
	}
	return nil
}

func (s *Session) AddTrackers(trackers []string) {
	if len(trackers) == 0 || s.torrent == nil || s.destroyed() {
		return
	}
	s.torrent.AddTrackers([][]string{trackers})
}

// Destroy drops the torrent from the client. Data on disk is kept.
func (s *Session) Destroy() error {
	s.destroyOnce.Do(func() {
		s.mu.Lock()
		s.destroying = true
		s.mu.Unlock()
		if s.torrent != nil {
			s.torrent.Drop()
		}
		close(s.done)
		if s.engine != nil {
			s.engine.forget(s)
		}
	})
	return nil
}

func (s *Session) watch() {
	t := s.torrent
	select {
	case <-t.GotInfo():
		s.onInfo()
	case <-t.Closed():
		s.onClosed()
		return
	case <-s.done:
		return
	}

	peers := peerWatch{timeout: s.engine.noPeersTimeout}
	var complete completionEdge

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.Closed():
			s.onClosed()
			return
		case now := <-ticker.C:
			if complete.observe(s.completed.observe(t.BytesCompleted()), t.Length()) {
				s.engine.emit(s.id, domain.EventDownloadComplete, nil)
			}
			if peers.observe(t.Stats().ActivePeers, now) {
				s.engine.emit(s.id, domain.EventNoPeers, nil)
			}
		}
	}
}

func (s *Session) onInfo() {
	s.mu.Lock()
	paused := s.paused
	s.mu.Unlock()

	if !paused {
		s.torrent.AllowDataDownload()
		s.torrent.DownloadAll()
	}
	s.readyOnce.Do(func() { close(s.ready) })
	s.engine.emit(s.id, domain.EventMetadataReady, nil)
}

// onClosed handles a torrent dropped by the client rather than by Destroy.
func (s *Session) onClosed() {
	s.mu.Lock()
	ours := s.destroying
	s.mu.Unlock()
	if ours {
		return
	}
	s.engine.logger.Warn("engine: torrent closed unexpectedly",
		slog.String("id", string(s.id)),
	)
	s.engine.emit(s.id, domain.EventError, errTorrentClosed)
}
