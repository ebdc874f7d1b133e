package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/haukened/linkguard/internal/guard/domain"
)

func TestNewEngine_RequiresCollaborators(t *testing.T) {
	_, err := NewEngine(Options{})
	assert.Error(t, err)
}

func TestResolve_SafeThenCached(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	u := "https://good.example.com"
	f.classifier.On("Classify", mock.Anything, u).Return(domain.Classification{IsPhishing: false, Confidence: 0.02}, nil).Once()

	a, err := f.engine.Resolve(context.Background(), linkReq(u))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionClassified, a.Kind)
	assert.Equal(t, domain.VerdictSafe, a.Verdict)
	assert.InDelta(t, 0.02, a.Confidence, 1e-9)
	assert.True(t, f.engine.IsApproved(u))

	a, err = f.engine.Resolve(context.Background(), linkReq(u))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionOpenDirectly, a.Kind)
	assert.Equal(t, domain.ReasonApproved, a.Reason)

	f.classifier.AssertNumberOfCalls(t, "Classify", 1)
	require.Equal(t, 1, f.history.len(), "cache hits must not produce scan outcomes")
	o := f.history.outcomes[0]
	assert.Equal(t, u, o.URL)
	assert.Equal(t, "example.com", o.Domain)
	assert.Equal(t, domain.SeveritySafe, o.Severity)
	assert.Equal(t, domain.LayerLinkHook, o.Layer)
	assert.Equal(t, testStart, o.Timestamp)
}

func TestResolve_PhishingRequiresExplicitApproval(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	u := "https://bad.example.com"
	f.classifier.On("Classify", mock.Anything, u).Return(domain.Classification{IsPhishing: true, Confidence: 0.93}, nil).Once()

	a, err := f.engine.Resolve(context.Background(), linkReq(u))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionClassified, a.Kind)
	assert.Equal(t, domain.VerdictPhishing, a.Verdict)
	assert.InDelta(t, 0.93, a.Confidence, 1e-9)
	assert.False(t, f.engine.IsApproved(u))
	require.Equal(t, 1, f.history.len())
	assert.Equal(t, domain.SeverityCritical, f.history.outcomes[0].Severity)

	assert.ErrorIs(t, f.engine.Open(context.Background(), a), domain.ErrDecisionRequired)
	f.launcher.AssertNotCalled(t, "OpenExternal", mock.Anything, mock.Anything)

	f.launcher.On("OpenExternal", mock.Anything, u).Return(nil).Once()
	require.NoError(t, f.engine.OpenAnyway(context.Background(), a))
	assert.True(t, f.engine.IsApproved(u), "open anyway on a phishing verdict approves the URL")
	f.launcher.AssertExpectations(t)
}

func TestResolve_ClassifierTimeoutFailsClosed(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	u := "https://slow.example.com"
	f.classifier.On("Classify", mock.Anything, u).
		Return(domain.Classification{}, domain.NewClassificationError(domain.ErrorTimeout, "deadline", context.DeadlineExceeded))

	a, err := f.engine.Resolve(context.Background(), linkReq(u))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionClassified, a.Kind)
	assert.Equal(t, domain.VerdictError, a.Verdict)
	assert.Equal(t, domain.ErrorTimeout, a.ErrKind)
	assert.False(t, f.engine.IsApproved(u))
	assert.Equal(t, 0, f.history.len(), "errors must not produce scan outcomes")
	assert.ErrorIs(t, f.engine.Open(context.Background(), a), domain.ErrDecisionRequired)
}

func TestResolve_OpenAnywayAfterErrorDoesNotCache(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	u := "https://down.example.com"
	f.classifier.On("Classify", mock.Anything, u).
		Return(domain.Classification{}, domain.NewClassificationError(domain.ErrorNetwork, "refused", nil))
	f.launcher.On("OpenExternal", mock.Anything, u).Return(nil).Once()

	a, err := f.engine.Resolve(context.Background(), linkReq(u))
	require.NoError(t, err)
	require.Equal(t, domain.ErrorNetwork, a.ErrKind)

	require.NoError(t, f.engine.OpenAnyway(context.Background(), a))
	assert.False(t, f.engine.IsApproved(u), "an error must never be cached as an approval")
	f.launcher.AssertExpectations(t)
}

func TestResolve_CallSiteTimeout(t *testing.T) {
	slow := ClassifierFunc(func(ctx context.Context, _ string) (domain.Classification, error) {
		<-ctx.Done()
		return domain.Classification{}, ctx.Err()
	})
	f := newFixture(t, fixtureOpts{timeout: 20 * time.Millisecond, classifier: slow})

	a, err := f.engine.Resolve(context.Background(), linkReq("https://slow.example.com"))
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictError, a.Verdict)
	assert.Equal(t, domain.ErrorTimeout, a.ErrKind)
}

func TestResolve_CallerCancellation(t *testing.T) {
	for _, sf := range []bool{false, true} {
		t.Run(fmt.Sprintf("single_flight=%v", sf), func(t *testing.T) {
			release := make(chan struct{})
			defer close(release)
			started := make(chan struct{}, 1)
			stuck := ClassifierFunc(func(context.Context, string) (domain.Classification, error) {
				started <- struct{}{}
				<-release
				return domain.Classification{}, errors.New("released")
			})
			f := newFixture(t, fixtureOpts{singleFlight: sf, classifier: stuck})

			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				<-started
				cancel()
			}()
			a, err := f.engine.Resolve(ctx, linkReq("https://stuck.example.com"))
			require.NoError(t, err)
			assert.Equal(t, domain.VerdictError, a.Verdict)
			assert.Equal(t, domain.ErrorCancelled, a.ErrKind)
		})
	}
}

func TestResolve_LoopGuardCeiling(t *testing.T) {
	f := newFixture(t, fixtureOpts{ceiling: 3})
	u := "https://loop.example.com"
	f.classifier.On("Classify", mock.Anything, u).Return(domain.Classification{Confidence: 0.01}, nil).Once()

	for i := 1; i <= 3; i++ {
		a, err := f.engine.Resolve(context.Background(), linkReq(u))
		require.NoError(t, err)
		assert.NotEqual(t, domain.ActionForceOpen, a.Kind, "attempt %d", i)
		assert.Equal(t, i, a.Attempt)
	}
	a, err := f.engine.Resolve(context.Background(), linkReq(u))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionForceOpen, a.Kind)
	assert.Equal(t, domain.ReasonLoopDetected, a.Reason)
	assert.Equal(t, 4, a.Attempt)

	// Forced opens use the fallback viewer, never the normal handlers.
	f.launcher.On("OpenFallback", mock.Anything, u).Return(nil).Once()
	require.NoError(t, f.engine.Open(context.Background(), a))
	f.launcher.AssertNotCalled(t, "OpenExternal", mock.Anything, mock.Anything)
	f.launcher.AssertExpectations(t)
}

func TestResolve_LoopGuardBypassesProtectionAndClassifier(t *testing.T) {
	f := newFixture(t, fixtureOpts{ceiling: 1})
	u := "https://loop.example.com"
	off := ResolveRequest{URL: u, Layer: domain.LayerLinkHook}

	a, _ := f.engine.Resolve(context.Background(), off)
	assert.Equal(t, domain.ActionOpenDirectly, a.Kind)
	a, _ = f.engine.Resolve(context.Background(), linkReq(u))
	assert.Equal(t, domain.ActionForceOpen, a.Kind)
	f.classifier.AssertNotCalled(t, "Classify", mock.Anything, mock.Anything)
}

func TestResolve_LoopGuardCountsCanonicalURL(t *testing.T) {
	f := newFixture(t, fixtureOpts{ceiling: 1})
	_, _ = f.engine.Resolve(context.Background(), ResolveRequest{URL: "https://Loop.Example.com:443/#top"})
	a, err := f.engine.Resolve(context.Background(), ResolveRequest{URL: "https://loop.example.com/"})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionForceOpen, a.Kind)
}

func TestResolve_ProtectionDisabled(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	req := ResolveRequest{URL: "https://a.example.com", Layer: domain.LayerLinkHook, Protection: domain.ProtectionConfig{ScreenScan: true}}
	a, err := f.engine.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionOpenDirectly, a.Kind)
	assert.Equal(t, domain.ReasonProtectionDisabled, a.Reason)
	f.classifier.AssertNotCalled(t, "Classify", mock.Anything, mock.Anything)
	assert.False(t, f.engine.IsApproved("https://a.example.com"))
}

func TestResolve_ManualLayerIgnoresSwitches(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	u := "https://manual.example.com"
	f.classifier.On("Classify", mock.Anything, u).Return(domain.Classification{Confidence: 0.1}, nil).Once()
	a, err := f.engine.Resolve(context.Background(), ResolveRequest{URL: u, Layer: domain.LayerManual})
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictSafe, a.Verdict)
}

func TestResolve_ScreenScanSuppressesRepeats(t *testing.T) {
	f := newFixture(t, fixtureOpts{ceiling: 10})
	u := "https://seen.example.com"
	f.classifier.On("Classify", mock.Anything, u).Return(domain.Classification{IsPhishing: true, Confidence: 0.7}, nil).Once()
	req := ResolveRequest{URL: u, Layer: domain.LayerScreenScan, Protection: allOn()}

	a, err := f.engine.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictPhishing, a.Verdict)
	assert.Equal(t, domain.SeverityHigh, f.history.outcomes[0].Severity)
	assert.Equal(t, domain.LayerScreenScan, f.history.outcomes[0].Layer)

	a, err = f.engine.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionSuppressed, a.Kind)
	assert.ErrorIs(t, f.engine.Open(context.Background(), a), domain.ErrDecisionRequired)

	// The link path is not subject to the window.
	f.classifier.On("Classify", mock.Anything, u).Return(domain.Classification{IsPhishing: true, Confidence: 0.7}, nil).Once()
	a, err = f.engine.Resolve(context.Background(), linkReq(u))
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictPhishing, a.Verdict)
}

func TestResolve_InvalidURL(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	for _, u := range []string{"", "not a url", "ftp://example.com/x", "https://"} {
		_, err := f.engine.Resolve(context.Background(), linkReq(u))
		assert.ErrorIs(t, err, domain.ErrInvalidURL, u)
	}
	assert.Equal(t, 0, f.engine.loop.Len())
}

func TestResolve_SingleFlightCollapsesConcurrentClassifications(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	gate := ClassifierFunc(func(context.Context, string) (domain.Classification, error) {
		calls.Add(1)
		<-release
		return domain.Classification{Confidence: 0.05}, nil
	})
	f := newFixture(t, fixtureOpts{ceiling: 100, singleFlight: true, classifier: gate})
	u := "https://popular.example.com"

	const n = 8
	var wg sync.WaitGroup
	results := make([]domain.Action, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := f.engine.Resolve(context.Background(), linkReq(u))
			assert.NoError(t, err)
			results[i] = a
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, a := range results {
		assert.True(t, a.OpensWithoutPrompt(), "action %+v", a)
	}
	assert.Equal(t, 1, f.history.len())
}

func TestResolve_ConcurrentWithoutSingleFlightConverges(t *testing.T) {
	var calls atomic.Int32
	cls := ClassifierFunc(func(context.Context, string) (domain.Classification, error) {
		calls.Add(1)
		return domain.Classification{Confidence: 0.05}, nil
	})
	f := newFixture(t, fixtureOpts{ceiling: 100, classifier: cls})
	u := "https://race.example.com"

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.engine.Resolve(context.Background(), linkReq(u))
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
	assert.True(t, f.engine.IsApproved(u))
	assert.Equal(t, 1, f.engine.CacheSize())
}

func TestResolve_HistoryFailureDoesNotChangeAction(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.history.err = errors.New("disk full")
	u := "https://good.example.com"
	f.classifier.On("Classify", mock.Anything, u).Return(domain.Classification{Confidence: 0.02}, nil).Once()

	a, err := f.engine.Resolve(context.Background(), linkReq(u))
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictSafe, a.Verdict)
	assert.True(t, f.engine.IsApproved(u))
}

func TestOpen_Directly(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	u := "https://a.example.com/"
	require.NoError(t, f.engine.Approve(u, 0))
	f.launcher.On("OpenExternal", mock.Anything, u).Return(nil).Once()

	a, err := f.engine.Resolve(context.Background(), linkReq(u))
	require.NoError(t, err)
	require.Equal(t, domain.ActionOpenDirectly, a.Kind)
	require.NoError(t, f.engine.Open(context.Background(), a))
	f.launcher.AssertExpectations(t)
}

func TestOpenAnyway_InvalidURL(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	err := f.engine.OpenAnyway(context.Background(), domain.Action{Kind: domain.ActionClassified, Verdict: domain.VerdictPhishing, URL: "::"})
	assert.ErrorIs(t, err, domain.ErrInvalidURL)
}

func TestDiagnosticsSurface(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	require.NoError(t, f.engine.Approve("https://a.example.com", time.Hour))
	require.NoError(t, f.engine.Approve("https://b.example.com", 2*time.Hour))
	assert.Equal(t, 2, f.engine.CacheSize())
	assert.ErrorIs(t, f.engine.Approve("nope", time.Hour), domain.ErrInvalidURL)
	assert.False(t, f.engine.IsApproved("nope"))

	f.clk.Advance(time.Hour)
	n, err := f.engine.PurgeExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.engine.CacheSize())

	require.NoError(t, f.engine.Invalidate("https://b.example.com"))
	assert.False(t, f.engine.IsApproved("https://b.example.com"))
	assert.ErrorIs(t, f.engine.Invalidate(""), domain.ErrInvalidURL)

	require.NoError(t, f.engine.Approve("https://c.example.com", time.Hour))
	require.NoError(t, f.engine.ClearCache())
	assert.Equal(t, 0, f.engine.CacheSize())
	assert.False(t, f.engine.IsApproved("https://c.example.com"))
}

func TestApprove_ExpiryBoundary(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	u := "https://a.example.com"
	require.NoError(t, f.engine.Approve(u, time.Hour))
	f.clk.Advance(59 * time.Minute)
	assert.True(t, f.engine.IsApproved(u))
	f.clk.Advance(time.Minute + time.Second)
	assert.False(t, f.engine.IsApproved(u))
}

func TestStats(t *testing.T) {
	f := newFixture(t, fixtureOpts{ceiling: 1})
	u := "https://good.example.com"
	f.classifier.On("Classify", mock.Anything, u).Return(domain.Classification{Confidence: 0.02}, nil).Once()

	_, _ = f.engine.Resolve(context.Background(), linkReq(u))
	_, _ = f.engine.Resolve(context.Background(), linkReq(u))

	st := f.engine.Stats(context.Background())
	assert.Equal(t, uint64(2), st.Resolves)
	assert.Equal(t, uint64(1), st.Classifications)
	assert.Equal(t, uint64(1), st.Safe)
	assert.Equal(t, uint64(1), st.ForcedOpens)
	assert.Equal(t, 1, st.LoopTracked)
	assert.Equal(t, 1, st.LoopCeiling)
	assert.Equal(t, 1, st.CacheSize)
	require.NotNil(t, st.History)
	assert.Equal(t, 1, st.History.Total)
}

func TestInvalidate_ForgetsRecentScreenSighting(t *testing.T) {
	f := newFixture(t, fixtureOpts{ceiling: 10})
	u := "https://rescan.example.com"
	req := ResolveRequest{URL: u, Layer: domain.LayerScreenScan, Protection: allOn()}
	f.classifier.On("Classify", mock.Anything, u).Return(domain.Classification{IsPhishing: true, Confidence: 0.8}, nil).Once()

	_, err := f.engine.Resolve(context.Background(), req)
	require.NoError(t, err)
	a, err := f.engine.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionSuppressed, a.Kind)

	require.NoError(t, f.engine.Invalidate(u))

	f.classifier.On("Classify", mock.Anything, u).Return(domain.Classification{IsPhishing: true, Confidence: 0.8}, nil).Once()
	a, err = f.engine.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictPhishing, a.Verdict)
	f.classifier.AssertNumberOfCalls(t, "Classify", 2)
}
