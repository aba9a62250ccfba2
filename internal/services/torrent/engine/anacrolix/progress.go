package anacrolix

import (
	"math"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
)

// fileProgress is the single place raw byte counts become a completion
// fraction. Consumers always see a plain value in [0,1].
func fileProgress(completed, length int64) float64 {
	if length <= 0 {
		if completed > 0 {
			return 1
		}
		return 0
	}
	p := float64(completed) / float64(length)
	switch {
	case math.IsNaN(p) || p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}

// estimateETA returns seconds until completion. Unknown estimates are +Inf;
// callers sanitize before persisting.
func estimateETA(remaining, speed int64) float64 {
	if remaining <= 0 || speed <= 0 {
		return math.Inf(1)
	}
	return float64(remaining) / float64(speed)
}

func priorityFor(selected, paused bool) torrent.PiecePriority {
	if selected && !paused {
		return torrent.PiecePriorityNormal
	}
	return torrent.PiecePriorityNone
}

type speedSample struct {
	at           time.Time
	bytesRead    int64
	bytesWritten int64
}

// speedMeter turns cumulative byte counters into per-second rates between
// consecutive samples.
type speedMeter struct {
	mu   sync.Mutex
	prev speedSample
}

func (m *speedMeter) sample(stats torrent.TorrentStats, now time.Time) (int64, int64) {
	currentRead := stats.BytesReadUsefulData.Int64()
	currentWritten := stats.BytesWrittenData.Int64()

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.prev
	m.prev = speedSample{at: now, bytesRead: currentRead, bytesWritten: currentWritten}
	if prev.at.IsZero() {
		return 0, 0
	}

	dt := now.Sub(prev.at).Seconds()
	if dt <= 0 {
		return 0, 0
	}

	deltaRead := max(currentRead-prev.bytesRead, 0)
	deltaWritten := max(currentWritten-prev.bytesWritten, 0)
	return int64(float64(deltaRead) / dt), int64(float64(deltaWritten) / dt)
}

// highWater keeps the largest completed byte count seen. After a restart the
// client re-verifies pieces from disk and BytesCompleted briefly drops.
type highWater struct {
	mu   sync.Mutex
	peak int64
}

func (h *highWater) observe(v int64) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v > h.peak {
		h.peak = v
	}
	return h.peak
}

// peerWatch reports once when a torrent has had no active peers for longer
// than timeout. Seeing a peer re-arms it.
type peerWatch struct {
	timeout   time.Duration
	zeroSince time.Time
	reported  bool
}

func (w *peerWatch) observe(peers int, now time.Time) bool {
	if w.timeout <= 0 {
		return false
	}
	if peers > 0 {
		w.zeroSince = time.Time{}
		w.reported = false
		return false
	}
	if w.zeroSince.IsZero() {
		w.zeroSince = now
		return false
	}
	if !w.reported && now.Sub(w.zeroSince) >= w.timeout {
		w.reported = true
		return true
	}
	return false
}

// completionEdge fires once on the first observation with every byte present.
type completionEdge struct {
	fired bool
}

func (c *completionEdge) observe(completed, length int64) bool {
	if c.fired || length <= 0 || completed < length {
		return false
	}
	c.fired = true
	return true
}
