package guard

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/haukened/linkguard/internal/guard/common/clock"
	"github.com/haukened/linkguard/internal/guard/domain"
	"github.com/haukened/linkguard/internal/guard/repos/approvals"
	"github.com/haukened/linkguard/internal/guard/repos/approvals/bloom"
	"github.com/haukened/linkguard/internal/guard/repos/approvals/bolt"
	"github.com/haukened/linkguard/internal/guard/repos/approvals/lru"
	"github.com/haukened/linkguard/internal/guard/repos/history"
	"github.com/haukened/linkguard/internal/guard/repos/recent"
)

var testStart = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type mockClassifier struct {
	mock.Mock
}

func (m *mockClassifier) Classify(ctx context.Context, url string) (domain.Classification, error) {
	args := m.Called(ctx, url)
	return args.Get(0).(domain.Classification), args.Error(1)
}

type mockLauncher struct {
	mock.Mock
}

func (m *mockLauncher) OpenExternal(ctx context.Context, url string) error {
	return m.Called(ctx, url).Error(0)
}

func (m *mockLauncher) OpenFallback(ctx context.Context, url string) error {
	return m.Called(ctx, url).Error(0)
}

// fakeHistory keeps outcomes in memory.
type fakeHistory struct {
	mu       sync.Mutex
	outcomes []domain.ScanOutcome
	err      error
}

func (h *fakeHistory) Record(_ context.Context, o domain.ScanOutcome) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.outcomes = append(h.outcomes, o)
	return nil
}

func (h *fakeHistory) Stats(context.Context) (history.Stats, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return history.Stats{Total: len(h.outcomes)}, nil
}

func (h *fakeHistory) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.outcomes)
}

type fixture struct {
	engine     *Engine
	classifier *mockClassifier
	launcher   *mockLauncher
	history    *fakeHistory
	cache      approvals.Repository
	hot        approvals.HotCache
	clk        *clock.MockClock
}

type fixtureOpts struct {
	ceiling      int
	timeout      time.Duration
	singleFlight bool
	classifier   Classifier
}

func newFixture(t *testing.T, fo fixtureOpts) *fixture {
	t.Helper()
	clk := &clock.MockClock{CurrentTime: testStart}
	st, err := bolt.New(filepath.Join(t.TempDir(), "approvals.db"), bolt.Options{Clock: clk})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	hot, err := lru.New(lru.DefaultCapacity)
	require.NoError(t, err)
	cache := approvals.NewRepository(st, hot, bloom.NewFactory(), approvals.Options{Clock: clk, Preload: approvals.DefaultPreload})

	f := &fixture{
		classifier: &mockClassifier{},
		launcher:   &mockLauncher{},
		history:    &fakeHistory{},
		cache:      cache,
		hot:        hot,
		clk:        clk,
	}
	var cls Classifier = f.classifier
	if fo.classifier != nil {
		cls = fo.classifier
	}
	eng, err := NewEngine(Options{
		Cache:           cache,
		Classifier:      cls,
		Launcher:        f.launcher,
		History:         f.history,
		Recent:          recent.New(100, time.Minute),
		Loop:            NewLoopGuard(fo.ceiling),
		Clock:           clk,
		ClassifyTimeout: fo.timeout,
		SingleFlight:    fo.singleFlight,
	})
	require.NoError(t, err)
	f.engine = eng
	return f
}

func allOn() domain.ProtectionConfig {
	return domain.ProtectionConfig{LinkHook: true, ScreenScan: true}
}

func linkReq(url string) ResolveRequest {
	return ResolveRequest{URL: url, Layer: domain.LayerLinkHook, Protection: allOn()}
}
