package usecase

import (
	"context"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"torrentvault/internal/domain"
	"torrentvault/internal/metrics"
)

const (
	defaultQuotaInterval     = 6 * time.Hour
	defaultQuotaInitialDelay = 30 * time.Minute
	quotaTargetRatio         = 0.9
	quotaMaxAttempts         = 10
)

// QuotaEnforcer keeps the download root under a byte ceiling by deleting the
// least recently modified top-level entries that do not belong to an active
// torrent. Eviction is best effort.
type QuotaEnforcer struct {
	DataDir      string
	Ceiling      int64 // 0 disables enforcement
	Interval     time.Duration
	InitialDelay time.Duration
	Logger       *slog.Logger

	mu     sync.RWMutex
	active map[domain.TorrentID]struct{}
}

// DiskInfo summarises quota usage for the API.
type DiskInfo struct {
	Ceiling        int64              `json:"ceiling"`
	Used           int64              `json:"used"`
	Free           int64              `json:"free"`
	UsagePercent   float64            `json:"usagePercent"`
	FilesystemFree int64              `json:"filesystemFree"`
	ActiveIDs      []domain.TorrentID `json:"activeIds"`
}

// EnforceReport describes one enforcement pass.
type EnforceReport struct {
	UsedBefore int64
	UsedAfter  int64
	Evicted    []string
	Attempts   int
}

func (q *QuotaEnforcer) RegisterActive(id domain.TorrentID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == nil {
		q.active = make(map[domain.TorrentID]struct{})
	}
	q.active[id] = struct{}{}
}

func (q *QuotaEnforcer) UnregisterActive(id domain.TorrentID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, id)
}

func (q *QuotaEnforcer) IsActive(id domain.TorrentID) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.active[id]
	return ok
}

// ActiveIDs returns the protected identifiers in sorted order.
func (q *QuotaEnforcer) ActiveIDs() []domain.TorrentID {
	q.mu.RLock()
	out := make([]domain.TorrentID, 0, len(q.active))
	for id := range q.active {
		out = append(out, id)
	}
	q.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SizeOf returns the total size of regular files under path. Entries that
// cannot be read count as zero.
func (q *QuotaEnforcer) SizeOf(path string) int64 {
	var total int64
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if !os.IsNotExist(err) {
				q.logger().Debug("quota: size read failed",
					slog.String("path", p),
					slog.String("error", err.Error()),
				)
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			q.logger().Debug("quota: stat failed",
				slog.String("path", p),
				slog.String("error", err.Error()),
			)
			return nil
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// EvictionCandidate returns the oldest top-level entry under the data dir
// whose name is not an active identifier.
func (q *QuotaEnforcer) EvictionCandidate() (string, bool) {
	return q.candidate(nil)
}

func (q *QuotaEnforcer) candidate(skip map[string]struct{}) (string, bool) {
	entries, err := os.ReadDir(q.DataDir)
	if err != nil {
		if !os.IsNotExist(err) {
			q.logger().Warn("quota: read data dir failed",
				slog.String("path", q.DataDir),
				slog.String("error", err.Error()),
			)
		}
		return "", false
	}

	var (
		best     string
		bestTime time.Time
		found    bool
	)
	for _, entry := range entries {
		name := entry.Name()
		// engine bookkeeping such as the piece completion db
		if strings.HasPrefix(name, ".") {
			continue
		}
		if q.IsActive(domain.NormalizeTorrentID(name)) {
			continue
		}
		path := filepath.Join(q.DataDir, name)
		if _, skipped := skip[path]; skipped {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		mod := info.ModTime()
		if !found || mod.Before(bestTime) || (mod.Equal(bestTime) && path < best) {
			best, bestTime, found = path, mod, true
		}
	}
	return best, found
}

// Enforce evicts inactive entries until usage is at most 90% of the ceiling,
// no candidate remains or the attempt budget is spent. It never fails; a
// deletion error is logged and that entry is skipped for the rest of the pass.
func (q *QuotaEnforcer) Enforce(ctx context.Context) EnforceReport {
	used := q.SizeOf(q.DataDir)
	report := EnforceReport{UsedBefore: used, UsedAfter: used}
	metrics.DiskUsedBytes.Set(float64(used))

	if q.Ceiling <= 0 || used < q.Ceiling {
		return report
	}

	target := int64(float64(q.Ceiling) * quotaTargetRatio)
	q.logger().Warn("quota: ceiling exceeded, evicting",
		slog.Int64("usedBytes", used),
		slog.Int64("ceilingBytes", q.Ceiling),
		slog.Int64("targetBytes", target),
	)

	skip := make(map[string]struct{})
	for report.Attempts < quotaMaxAttempts && used > target {
		if ctx.Err() != nil {
			break
		}
		path, ok := q.candidate(skip)
		if !ok {
			q.logger().Warn("quota: no eviction candidates left",
				slog.Int64("usedBytes", used),
			)
			break
		}
		report.Attempts++

		size := q.SizeOf(path)
		if err := os.RemoveAll(path); err != nil {
			q.logger().Warn("quota: evict failed",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			metrics.EvictionFailuresTotal.Inc()
			skip[path] = struct{}{}
			continue
		}
		used -= size
		if used < 0 {
			used = 0
		}
		report.Evicted = append(report.Evicted, path)
		metrics.EvictionsTotal.Inc()
		q.logger().Info("quota: evicted",
			slog.String("path", path),
			slog.Int64("freedBytes", size),
		)
	}

	report.UsedAfter = used
	metrics.DiskUsedBytes.Set(float64(used))
	return report
}

// Run enforces once after InitialDelay and then every Interval until ctx is
// cancelled.
func (q *QuotaEnforcer) Run(ctx context.Context) {
	delay := q.InitialDelay
	if delay <= 0 {
		delay = defaultQuotaInitialDelay
	}
	interval := q.Interval
	if interval <= 0 {
		interval = defaultQuotaInterval
	}

	first := time.NewTimer(delay)
	defer first.Stop()
	select {
	case <-ctx.Done():
		return
	case <-first.C:
		q.Enforce(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Enforce(ctx)
		}
	}
}

func (q *QuotaEnforcer) DiskInfo(ctx context.Context) DiskInfo {
	used := q.SizeOf(q.DataDir)
	info := DiskInfo{
		Ceiling:   q.Ceiling,
		Used:      used,
		ActiveIDs: q.ActiveIDs(),
	}

	fsFree, err := diskFreeBytes(q.DataDir)
	if err != nil {
		q.logger().Debug("quota: filesystem free space unavailable",
			slog.String("path", q.DataDir),
			slog.String("error", err.Error()),
		)
	} else {
		info.FilesystemFree = fsFree
	}

	if q.Ceiling > 0 {
		info.Free = q.Ceiling - used
		if info.Free < 0 {
			info.Free = 0
		}
		info.UsagePercent = math.Round(float64(used)/float64(q.Ceiling)*10000) / 100
	} else {
		info.Free = info.FilesystemFree
	}
	return info
}

func (q *QuotaEnforcer) logger() *slog.Logger {
	if q.Logger != nil {
		return q.Logger
	}
	return slog.Default()
}
