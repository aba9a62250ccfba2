package usecase

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"torrentvault/internal/domain"
)

func newTestSampler(reg *Registry, repo *fakeRepo) *ProgressSampler {
	return &ProgressSampler{
		Registry: reg,
		Repo:     repo,
		Logger:   discardLogger(),
		Now:      func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
}

func TestSamplerProgressNeverDecreases(t *testing.T) {
	reg := NewRegistry()
	repo := newFakeRepo()
	repo.put(domain.TorrentRecord{ID: testHash})
	s := newFakeSession(testHash, "t", 1)
	s.markReady()
	reg.Put(s)
	sampler := newTestSampler(reg, repo)

	for _, p := range []float64{0.3, 0.6, 0.4, 0.5, 0.7} {
		s.setSnapshot(p, 10)
		sampler.Sample(context.Background())
	}

	updates := repo.progressUpdates(testHash)
	require.Len(t, updates, 5)
	want := []float64{0.3, 0.6, 0.6, 0.6, 0.7}
	for i, u := range updates {
		require.InDelta(t, want[i], u.Progress, 1e-9, "sample %d", i)
	}
	rec, _ := repo.get(testHash)
	require.InDelta(t, 0.7, rec.Progress, 1e-9)
}

func TestSamplerStampsCompletionOnce(t *testing.T) {
	reg := NewRegistry()
	repo := newFakeRepo()
	repo.put(domain.TorrentRecord{ID: testHash})
	s := newFakeSession(testHash, "t", 1)
	s.markReady()
	reg.Put(s)
	sampler := newTestSampler(reg, repo)

	for _, p := range []float64{0.5, 1, 1, 1} {
		s.setSnapshot(p, 0)
		sampler.Sample(context.Background())
	}

	stamped := 0
	for _, u := range repo.progressUpdates(testHash) {
		if u.CompletedAt != nil {
			stamped++
		}
	}
	require.Equal(t, 1, stamped)
	rec, _ := repo.get(testHash)
	require.NotNil(t, rec.CompletedAt)
}

func TestSamplerRetriesStampAfterWriteFailure(t *testing.T) {
	reg := NewRegistry()
	repo := newFakeRepo()
	repo.put(domain.TorrentRecord{ID: testHash})
	s := newFakeSession(testHash, "t", 1)
	s.markReady()
	s.setSnapshot(1, 0)
	reg.Put(s)
	sampler := newTestSampler(reg, repo)

	repo.updateErr = errors.New("write conflict")
	sampler.Sample(context.Background())
	repo.mu.Lock()
	repo.updateErr = nil
	repo.mu.Unlock()
	sampler.Sample(context.Background())

	rec, _ := repo.get(testHash)
	require.NotNil(t, rec.CompletedAt)
}

func TestSamplerStartsOverForReplacedSession(t *testing.T) {
	reg := NewRegistry()
	repo := newFakeRepo()
	repo.put(domain.TorrentRecord{ID: testHash})
	first := newFakeSession(testHash, "t", 1)
	first.markReady()
	first.setSnapshot(1, 0)
	reg.Put(first)
	sampler := newTestSampler(reg, repo)
	sampler.Sample(context.Background())

	// Removed and added again before the next tick.
	require.True(t, reg.Release(testHash, first))
	require.NoError(t, repo.HardDelete(context.Background(), testHash))
	repo.put(domain.TorrentRecord{ID: testHash})
	second := newFakeSession(testHash, "t", 1)
	second.markReady()
	second.setSnapshot(0.1, 30)
	reg.Put(second)

	sampler.Sample(context.Background())
	rec, _ := repo.get(testHash)
	require.InDelta(t, 0.1, rec.Progress, 1e-9)
	require.Nil(t, rec.CompletedAt)

	second.setSnapshot(1, 0)
	sampler.Sample(context.Background())
	rec, _ = repo.get(testHash)
	require.InDelta(t, 1.0, rec.Progress, 1e-9)
	require.NotNil(t, rec.CompletedAt)
}

func TestSamplerForgetDropsState(t *testing.T) {
	reg := NewRegistry()
	repo := newFakeRepo()
	repo.put(domain.TorrentRecord{ID: testHash})
	s := newFakeSession(testHash, "t", 1)
	s.markReady()
	s.setSnapshot(0.8, 10)
	reg.Put(s)
	sampler := newTestSampler(reg, repo)
	sampler.Sample(context.Background())

	sampler.Forget(testHash)
	s.setSnapshot(0.2, 10)
	sampler.Sample(context.Background())

	updates := repo.progressUpdates(testHash)
	require.Len(t, updates, 2)
	require.InDelta(t, 0.2, updates[1].Progress, 1e-9, "forgotten floor must not carry over")
}

func TestSamplerSanitizesETA(t *testing.T) {
	tests := []struct {
		name string
		eta  float64
		want int64
	}{
		{"finite", 42.4, 42},
		{"nan", math.NaN(), domain.ETAUnknown},
		{"positive inf", math.Inf(1), domain.ETAUnknown},
		{"negative inf", math.Inf(-1), domain.ETAUnknown},
		{"negative", -3, domain.ETAUnknown},
		{"huge", 1e300, domain.ETAUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, sanitizeETA(tc.eta))
		})
	}
}

func TestSamplerCreatesMissingRecordAfterMetadata(t *testing.T) {
	reg := NewRegistry()
	repo := newFakeRepo()
	s := newFakeSession(testHash, "fresh", 2)
	reg.Put(s)
	sampler := newTestSampler(reg, repo)

	s.setSnapshot(0.1, 5)
	sampler.Sample(context.Background())
	_, ok := repo.get(testHash)
	require.False(t, ok, "no record before metadata is known")

	s.markReady()
	sampler.Sample(context.Background())
	rec, ok := repo.get(testHash)
	require.True(t, ok)
	require.Equal(t, "fresh", rec.Name)
	require.Equal(t, s.Magnet(), rec.Magnet)
	require.Equal(t, uint64(200), rec.Size)
	require.Len(t, repo.progressUpdates(testHash), 1, "the sample is not dropped")
}

func TestSamplerSkipsDestroyedSessions(t *testing.T) {
	reg := NewRegistry()
	repo := newFakeRepo()
	repo.put(domain.TorrentRecord{ID: testHash})
	s := newFakeSession(testHash, "t", 1)
	s.markReady()
	require.NoError(t, s.Destroy())
	reg.Put(s)

	newTestSampler(reg, repo).Sample(context.Background())
	require.Empty(t, repo.progressUpdates(testHash))
}

func TestSamplerLookupErrorSkipsSession(t *testing.T) {
	reg := NewRegistry()
	repo := newFakeRepo()
	repo.getErr = errors.New("socket closed")
	s := newFakeSession(testHash, "t", 1)
	s.markReady()
	reg.Put(s)

	newTestSampler(reg, repo).Sample(context.Background())
	require.Zero(t, repo.upserts)
}

func TestProgressUpdateFromClampsValues(t *testing.T) {
	now := time.Now()
	u := progressUpdateFrom(domain.SessionSnapshot{
		Name:          "x",
		Length:        -1,
		Downloaded:    -5,
		Uploaded:      7,
		Progress:      1.2,
		DownloadSpeed: -1,
		Peers:         -2,
		ETASeconds:    math.NaN(),
	}, now)

	require.Zero(t, u.Size)
	require.Zero(t, u.Downloaded)
	require.Equal(t, uint64(7), u.Uploaded)
	require.Equal(t, 1.0, u.Progress)
	require.Zero(t, u.DownloadSpeed)
	require.Zero(t, u.Peers)
	require.Equal(t, domain.ETAUnknown, u.ETASeconds)
	require.Equal(t, now, u.UpdatedAt)
}

// End to end: add, metadata arrives, progress advances to completion.
func TestAddThenSampleToCompletion(t *testing.T) {
	engine := &fakeEngine{fileCount: 2}
	repo := newFakeRepo()
	lc := newTestLifecycle(engine, repo)
	sampler := newTestSampler(lc.Registry, repo)
	tracker := &FileProgressTracker{Registry: lc.Registry, Repo: repo, Logger: discardLogger()}
	lc.Sampler = sampler
	ctx := context.Background()

	res, err := lc.Add(ctx, magnetFor(testHash))
	require.NoError(t, err)
	s := engine.session(0)

	s.markReady()
	require.True(t, waitFor(func() bool {
		rec, _ := repo.get(res.ID)
		return len(rec.Files) == 2 && len(repo.progressUpdates(res.ID)) > 0
	}))

	steps := []float64{0.2, 0.6, 1}
	for _, p := range steps {
		s.setSnapshot(p, (1-p)*100)
		s.setFileProgress(0, p)
		s.setFileProgress(1, p)
		sampler.Sample(ctx)
		tracker.Track(ctx)
	}

	view, err := lc.GetOne(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, 1.0, view.Progress)
	require.NotNil(t, view.CompletedAt)
	require.Equal(t, domain.PhaseCompleted, view.Phase)
	require.Len(t, view.Files, 2)
	for _, f := range view.Files {
		require.Equal(t, 1.0, f.Progress)
	}

	rec, _ := repo.get(res.ID)
	require.Equal(t, 1.0, rec.Files[0].Progress)
	require.Equal(t, int64(0), rec.ETASeconds)
}
