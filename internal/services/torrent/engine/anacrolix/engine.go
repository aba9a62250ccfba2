package anacrolix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/storage"

	"torrentvault/internal/domain"
	"torrentvault/internal/domain/ports"
)

// defaultMaxConns is restored when a hard-paused torrent resumes.
const defaultMaxConns = 35

const (
	defaultNoPeersTimeout = 2 * time.Minute
	watchInterval         = time.Second
)

var (
	ErrClientClosed     = errors.New("torrent client not configured")
	ErrInfoHashMismatch = errors.New("magnet info hash does not match identifier")
)

type Config struct {
	DataDir        string
	NoPeersTimeout time.Duration // 0 = default, <0 disables no-peers events
	OnEvent        ports.EventHandler
	Logger         *slog.Logger
}

// Engine wraps one anacrolix client. Every torrent is stored under
// <DataDir>/<infohash> regardless of its display name.
type Engine struct {
	client         *torrent.Client
	onEvent        ports.EventHandler
	logger         *slog.Logger
	noPeersTimeout time.Duration

	mu       sync.RWMutex
	sessions map[domain.TorrentID]*Session
}

func New(cfg Config) (*Engine, error) {
	clientConfig := torrent.NewDefaultClientConfig()
	if cfg.DataDir != "" {
		clientConfig.DataDir = cfg.DataDir
		clientConfig.DefaultStorage = storage.NewFileByInfoHash(cfg.DataDir)
	}

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, err
	}

	e := NewWithClient(client, cfg)
	return e, nil
}

func NewWithClient(client *torrent.Client, cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.NoPeersTimeout
	if timeout == 0 {
		timeout = defaultNoPeersTimeout
	}
	return &Engine{
		client:         client,
		onEvent:        cfg.OnEvent,
		logger:         logger,
		noPeersTimeout: timeout,
		sessions:       make(map[domain.TorrentID]*Session),
	}
}

// Open adds the magnet to the client and returns as soon as the torrent
// handle exists. Metadata arrives later on Session.MetadataReady.
func (e *Engine) Open(ctx context.Context, spec domain.TorrentSpec) (ports.Session, error) {
	if e.client == nil {
		return nil, ErrClientClosed
	}
	if spec.Magnet == "" {
		return nil, errors.New("magnet uri is required")
	}

	e.mu.RLock()
	existing, ok := e.sessions[spec.ID]
	e.mu.RUnlock()
	if ok && !existing.destroyed() {
		existing.AddTrackers(spec.Trackers)
		return existing, nil
	}

	t, err := awaitAdd(ctx, func() (*torrent.Torrent, error) {
		return e.client.AddMagnet(spec.Magnet)
	})
	if err != nil {
		return nil, err
	}

	id := domain.TorrentID(t.InfoHash().HexString())
	if spec.ID != "" && id != spec.ID {
		t.Drop()
		return nil, fmt.Errorf("%w: %s != %s", ErrInfoHashMismatch, id, spec.ID)
	}
	if len(spec.Trackers) > 0 {
		t.AddTrackers([][]string{spec.Trackers})
	}

	s := newSession(e, t, spec)

	e.mu.Lock()
	if prev, ok := e.sessions[id]; ok && !prev.destroyed() {
		e.mu.Unlock()
		// a concurrent Open won; the torrent handle is shared
		return prev, nil
	}
	e.sessions[id] = s
	e.mu.Unlock()

	go s.watch()
	return s, nil
}

// awaitAdd runs add in the background and waits for it or for ctx, whichever
// comes first. AddMagnet can block on the client mutex while another torrent
// resolves metadata; the caller's deadline is the only bound on that wait. A
// result that arrives after ctx is done is dropped.
func awaitAdd(ctx context.Context, add func() (*torrent.Torrent, error)) (*torrent.Torrent, error) {
	ch := make(chan addResult, 1)
	go func() {
		t, err := add()
		ch <- addResult{t, err}
	}()

	select {
	case res := <-ch:
		return res.t, res.err
	case <-ctx.Done():
		go dropLate(ch)
		return nil, ctx.Err()
	}
}

type addResult struct {
	t   *torrent.Torrent
	err error
}

func dropLate(ch <-chan addResult) {
	if res := <-ch; res.t != nil {
		res.t.Drop()
	}
}

func (e *Engine) Close() error {
	e.mu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		_ = s.Destroy()
	}

	if e.client == nil {
		return nil
	}
	errList := e.client.Close()
	if len(errList) > 0 {
		return errors.Join(errList...)
	}
	return nil
}

func (e *Engine) forget(s *Session) {
	e.mu.Lock()
	if cur, ok := e.sessions[s.id]; ok && cur == s {
		delete(e.sessions, s.id)
	}
	e.mu.Unlock()
	freeOSMemory()
}

func (e *Engine) emit(id domain.TorrentID, kind domain.EventKind, err error) {
	if e.onEvent == nil {
		return
	}
	e.onEvent(domain.EngineEvent{ID: id, Kind: kind, Err: err})
}

// freeOSMemory returns memory to the OS after a torrent is dropped; the GC
// otherwise holds freed piece buffers for a long time on small hosts.
func freeOSMemory() {
	runtime.GC()
	debug.FreeOSMemory()
}

func torrentInfoReady(t *torrent.Torrent) bool {
	if t == nil {
		return false
	}
	select {
	case <-t.GotInfo():
		return true
	default:
		return false
	}
}
