package usecase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"torrentvault/internal/domain"
	"torrentvault/internal/domain/ports"
)

const (
	testHash  = "c12fe1c06bba254a9dc9f519b335aa7c1367a88a"
	testHash2 = "0123456789abcdef0123456789abcdef01234567"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// syncBuffer collects log output written from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

func magnetFor(hash string) string {
	return "magnet:?xt=urn:btih:" + hash + "&dn=Test&tr=udp%3A%2F%2Ftracker.example%3A1337"
}

// --- session ---

type fakeSession struct {
	mu       sync.Mutex
	id       domain.TorrentID
	name     string
	magnet   string
	files    []domain.FileRef
	snap     domain.SessionSnapshot
	selected map[int]bool
	paused   bool
	trackers []string

	ready     chan struct{}
	done      chan struct{}
	readyOnce sync.Once
	doneOnce  sync.Once

	destroyCalls int
	selectCalls  [][]int
	destroyErr   error
	selectErr    error
	pauseErr     error
	resumeErr    error
}

func newFakeSession(id domain.TorrentID, name string, fileCount int) *fakeSession {
	s := &fakeSession{
		id:       id,
		name:     name,
		magnet:   "magnet:?xt=urn:btih:" + string(id),
		selected: make(map[int]bool),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		snap:     domain.SessionSnapshot{ID: id, Name: name},
	}
	for i := 0; i < fileCount; i++ {
		s.files = append(s.files, domain.FileRef{
			Index:    i,
			Path:     fmt.Sprintf("%s/file%d.bin", name, i),
			Name:     fmt.Sprintf("file%d.bin", i),
			Length:   100,
			Selected: true,
		})
		s.selected[i] = true
	}
	s.snap.Length = int64(100 * fileCount)
	return s
}

func (s *fakeSession) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *fakeSession) setSnapshot(progress float64, eta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Progress = progress
	s.snap.Downloaded = int64(progress * float64(s.snap.Length))
	s.snap.ETASeconds = eta
}

func (s *fakeSession) setFileProgress(index int, progress float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[index].Progress = progress
}

func (s *fakeSession) ID() domain.TorrentID           { return s.id }
func (s *fakeSession) Name() string                   { return s.name }
func (s *fakeSession) Magnet() string                 { return s.magnet }
func (s *fakeSession) MetadataReady() <-chan struct{} { return s.ready }
func (s *fakeSession) Done() <-chan struct{}          { return s.done }

func (s *fakeSession) Files() []domain.FileRef {
	if !isClosed(s.ready) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.FileRef, len(s.files))
	copy(out, s.files)
	for i := range out {
		out[i].Selected = s.selected[out[i].Index] && !s.paused
	}
	return out
}

func (s *fakeSession) Snapshot() domain.SessionSnapshot {
	ready := isClosed(s.ready)
	s.mu.Lock()
	snap := s.snap
	s.mu.Unlock()
	snap.Ready = ready
	if ready {
		snap.Files = s.Files()
	}
	return snap
}

func (s *fakeSession) SelectFiles(indices []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectCalls = append(s.selectCalls, append([]int(nil), indices...))
	if s.selectErr != nil {
		return s.selectErr
	}
	s.selected = make(map[int]bool)
	for _, idx := range indices {
		s.selected[idx] = true
	}
	return nil
}

func (s *fakeSession) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pauseErr != nil {
		return s.pauseErr
	}
	s.paused = true
	return nil
}

// Resume mirrors the adapter: every file goes back to normal priority.
func (s *fakeSession) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resumeErr != nil {
		return s.resumeErr
	}
	s.paused = false
	for _, f := range s.files {
		s.selected[f.Index] = true
	}
	return nil
}

func (s *fakeSession) AddTrackers(trackers []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trackers = append(s.trackers, trackers...)
}

func (s *fakeSession) Destroy() error {
	s.mu.Lock()
	s.destroyCalls++
	err := s.destroyErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.doneOnce.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSession) selectedIndices() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for idx, on := range s.selected {
		if on {
			out = append(out, idx)
		}
	}
	sort.Ints(out)
	return out
}

func (s *fakeSession) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// --- engine ---

type fakeEngine struct {
	mu        sync.Mutex
	opened    []domain.TorrentSpec
	sessions  []*fakeSession
	openErr   error
	block     bool
	fileCount int
	ready     bool
}

func (e *fakeEngine) Open(ctx context.Context, spec domain.TorrentSpec) (ports.Session, error) {
	if e.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opened = append(e.opened, spec)
	if e.openErr != nil {
		return nil, e.openErr
	}
	name := spec.DisplayName
	if name == "" {
		name = "torrent-" + string(spec.ID[:8])
	}
	s := newFakeSession(spec.ID, name, e.fileCount)
	s.magnet = spec.Magnet
	if e.ready {
		s.markReady()
	}
	e.sessions = append(e.sessions, s)
	return s, nil
}

func (e *fakeEngine) Close() error { return nil }

func (e *fakeEngine) openCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.opened)
}

func (e *fakeEngine) session(i int) *fakeSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[i]
}

// --- repository ---

// fakeRepo is an in-memory store with the same monotonic progress and
// write-once completion semantics as the Mongo adapter.
type fakeRepo struct {
	mu      sync.Mutex
	records map[domain.TorrentID]domain.TorrentRecord
	updates map[domain.TorrentID][]domain.ProgressUpdate

	upsertErr   error
	getErr      error
	listErr     error
	deleteErr   error
	updateErr   error
	fileProgErr error
	purgeErr    error
	purged      int64
	purgeDays   []int
	upserts     int
	fileWrites  int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		records: make(map[domain.TorrentID]domain.TorrentRecord),
		updates: make(map[domain.TorrentID][]domain.ProgressUpdate),
	}
}

func (r *fakeRepo) put(rec domain.TorrentRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.ID] = rec
}

func (r *fakeRepo) get(id domain.TorrentID) (domain.TorrentRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	return rec, ok
}

func (r *fakeRepo) progressUpdates(id domain.TorrentID) []domain.ProgressUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ProgressUpdate(nil), r.updates[id]...)
}

func (r *fakeRepo) UpsertTorrent(ctx context.Context, t domain.TorrentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts++
	if r.upsertErr != nil {
		return r.upsertErr
	}
	existing, ok := r.records[t.ID]
	if !ok {
		t.ETASeconds = domain.ETAUnknown
		r.records[t.ID] = t
		return nil
	}
	if t.Name != "" {
		existing.Name = t.Name
	}
	if t.Size > 0 {
		existing.Size = t.Size
	}
	existing.Magnet = t.Magnet
	existing.Paused = t.Paused
	existing.Deleted = false
	existing.DeletedAt = nil
	r.records[t.ID] = existing
	return nil
}

func (r *fakeRepo) UpdateProgress(ctx context.Context, id domain.TorrentID, u domain.ProgressUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	rec, ok := r.records[id]
	if !ok {
		return nil
	}
	r.updates[id] = append(r.updates[id], u)
	if u.Name != "" {
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
	rec.Uploaded = u.Uploaded
	rec.DownloadSpeed = u.DownloadSpeed
	rec.UploadSpeed = u.UploadSpeed
	rec.Peers = u.Peers
	rec.Seeds = u.Seeds
	rec.ETASeconds = u.ETASeconds
	if u.CompletedAt != nil && rec.CompletedAt == nil {
		at := *u.CompletedAt
		rec.CompletedAt = &at
	}
	r.records[id] = rec
	return nil
}

func (r *fakeRepo) GetByIdentifier(ctx context.Context, id domain.TorrentID) (domain.TorrentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return domain.TorrentRecord{}, r.getErr
	}
	rec, ok := r.records[id]
	if !ok {
		return domain.TorrentRecord{}, domain.ErrNotFound
	}
	rec.Files = append([]domain.FileRecord(nil), rec.Files...)
	return rec, nil
}

func (r *fakeRepo) ListAll(ctx context.Context) ([]domain.TorrentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []domain.TorrentRecord
	for _, rec := range r.records {
		if !rec.Deleted {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeRepo) ListActiveIncomplete(ctx context.Context) ([]domain.TorrentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []domain.TorrentRecord
	for _, rec := range r.records {
		if !rec.Deleted && !rec.Paused && rec.Progress < 1 {
			rec.Files = append([]domain.FileRecord(nil), rec.Files...)
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeRepo) HardDelete(ctx context.Context, id domain.TorrentID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleteErr != nil {
		return r.deleteErr
	}
	if _, ok := r.records[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.records, id)
	return nil
}

func (r *fakeRepo) SoftDelete(ctx context.Context, id domain.TorrentID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	rec.Deleted = true
	rec.DeletedAt = &now
	r.records[id] = rec
	return nil
}

func (r *fakeRepo) SetPaused(ctx context.Context, id domain.TorrentID, paused bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	rec.Paused = paused
	r.records[id] = rec
	return nil
}

func (r *fakeRepo) ReplaceFileSet(ctx context.Context, id domain.TorrentID, files []domain.FileRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil
	}
	rec.Files = append([]domain.FileRecord(nil), files...)
	r.records[id] = rec
	return nil
}

func (r *fakeRepo) SetFileSelection(ctx context.Context, id domain.TorrentID, selected []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	on := make(map[int]bool, len(selected))
	for _, idx := range selected {
		on[idx] = true
	}
	for i := range rec.Files {
		rec.Files[i].Selected = on[rec.Files[i].Index]
	}
	r.records[id] = rec
	return nil
}

func (r *fakeRepo) UpdateFileProgress(ctx context.Context, id domain.TorrentID, index int, progress float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fileProgErr != nil {
		return r.fileProgErr
	}
	rec, ok := r.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	for i := range rec.Files {
		if rec.Files[i].Index == index {
			rec.Files[i].Progress = progress
			r.records[id] = rec
			r.fileWrites++
			return nil
		}
	}
	return domain.ErrNotFound
}

func (r *fakeRepo) PurgeSoftDeletedOlderThan(ctx context.Context, days int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purgeDays = append(r.purgeDays, days)
	if r.purgeErr != nil {
		return 0, r.purgeErr
	}
	return r.purged, nil
}

// --- active set ---

type fakeActiveSet struct {
	mu     sync.Mutex
	active map[domain.TorrentID]int
}

func (a *fakeActiveSet) RegisterActive(id domain.TorrentID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		a.active = make(map[domain.TorrentID]int)
	}
	a.active[id]++
}

func (a *fakeActiveSet) UnregisterActive(id domain.TorrentID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.active, id)
}

func (a *fakeActiveSet) has(id domain.TorrentID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.active[id]
	return ok
}

func newTestLifecycle(engine *fakeEngine, repo *fakeRepo) *Lifecycle {
	return &Lifecycle{
		Engine:   engine,
		Repo:     repo,
		Registry: NewRegistry(),
		Active:   &fakeActiveSet{},
		Logger:   discardLogger(),
		DataDir:  "",
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
