package usecase

import (
	"sort"
	"sync"

	"torrentvault/internal/domain"
	"torrentvault/internal/domain/ports"
)

// Registry maps identifiers to the live sessions this process runs. It holds
// lookups only; session lifetime belongs to the engine.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.TorrentID]ports.Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[domain.TorrentID]ports.Session)}
}

func (r *Registry) Get(id domain.TorrentID) (ports.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Put stores s under its identifier and returns the session it replaced.
func (r *Registry) Put(s ports.Session) ports.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.sessions[s.ID()]
	r.sessions[s.ID()] = s
	return prev
}

// Release removes id only while it still maps to s, so a late teardown of a
// replaced session cannot evict its successor.
func (r *Registry) Release(id domain.TorrentID, s ports.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[id]; ok && cur == s {
		delete(r.sessions, id)
		return true
	}
	return false
}

// Sessions returns the live sessions ordered by identifier.
func (r *Registry) Sessions() []ports.Session {
	r.mu.RLock()
	out := make([]ports.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func metadataReady(s ports.Session) bool {
	return isClosed(s.MetadataReady())
}

func destroyed(s ports.Session) bool {
	return isClosed(s.Done())
}
