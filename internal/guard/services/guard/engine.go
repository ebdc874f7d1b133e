package guard

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/haukened/linkguard/internal/guard/common/clock"
	"github.com/haukened/linkguard/internal/guard/common/log"
	"github.com/haukened/linkguard/internal/guard/common/utils"
	"github.com/haukened/linkguard/internal/guard/domain"
	"github.com/haukened/linkguard/internal/guard/repos/approvals"
	"github.com/haukened/linkguard/internal/guard/repos/history"
)

// DefaultClassifyTimeout bounds one classification at the call site.
const DefaultClassifyTimeout = 15 * time.Second

// historyTimeout bounds one ledger write.
const historyTimeout = 5 * time.Second

// Options wires an Engine. Cache, Classifier and Launcher are required.
type Options struct {
	Cache      ApprovalCache
	Classifier Classifier
	Launcher   Launcher
	History    HistoryRecorder
	Recent     RecentWindow
	Loop       *LoopGuard
	Clock      clock.Clock
	Logger     log.Logger

	ClassifyTimeout time.Duration
	ApprovalTTL     time.Duration
	SingleFlight    bool
}

// ResolveRequest is one candidate URL from an entry point.
// A zero Layer means LayerLinkHook.
type ResolveRequest struct {
	URL        string
	Layer      domain.Layer
	Protection domain.ProtectionConfig
}

// Engine decides, for each candidate URL, whether to open it, classify it or
// force it open through the fallback viewer. All state it owns is safe for
// concurrent use from every entry point.
type Engine struct {
	cache      ApprovalCache
	classifier Classifier
	launcher   Launcher
	history    HistoryRecorder
	recent     RecentWindow
	loop       *LoopGuard
	clock      clock.Clock
	logger     log.Logger

	timeout      time.Duration
	ttl          time.Duration
	singleFlight bool
	flights      singleflight.Group

	counters counters
}

type counters struct {
	resolves        atomic.Uint64
	forcedOpens     atomic.Uint64
	protectionOff   atomic.Uint64
	suppressed      atomic.Uint64
	approvedHits    atomic.Uint64
	classifications atomic.Uint64
	safe            atomic.Uint64
	phishing        atomic.Uint64
	classifyErrors  atomic.Uint64
}

// Stats is the diagnostics snapshot of the engine and its cache.
type Stats struct {
	Resolves        uint64
	ForcedOpens     uint64
	ProtectionOff   uint64
	Suppressed      uint64
	ApprovedHits    uint64
	Classifications uint64
	Safe            uint64
	Phishing        uint64
	ClassifyErrors  uint64
	LoopTracked     int
	LoopCeiling     int
	CacheSize       int
	Cache           approvals.RepoStats
	History         *history.Stats
}

type classifyResult struct {
	cls domain.Classification
	err error
}

// NewEngine builds an Engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Cache == nil || opts.Classifier == nil || opts.Launcher == nil {
		return nil, errors.New("cache, classifier and launcher are required")
	}
	if opts.History == nil {
		opts.History = history.NopRecorder{}
	}
	if opts.Recent == nil {
		opts.Recent = noRecent{}
	}
	if opts.Loop == nil {
		opts.Loop = NewLoopGuard(DefaultMaxAttempts)
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.ClassifyTimeout <= 0 {
		opts.ClassifyTimeout = DefaultClassifyTimeout
	}
	if opts.ApprovalTTL <= 0 {
		opts.ApprovalTTL = domain.DefaultApprovalTTL
	}
	return &Engine{
		cache:        opts.Cache,
		classifier:   opts.Classifier,
		launcher:     opts.Launcher,
		history:      opts.History,
		recent:       opts.Recent,
		loop:         opts.Loop,
		clock:        opts.Clock,
		logger:       opts.Logger,
		timeout:      opts.ClassifyTimeout,
		ttl:          opts.ApprovalTTL,
		singleFlight: opts.SingleFlight,
	}, nil
}

// Resolve runs one pass of the decision pipeline. It never recurses and never
// launches anything; see Open and OpenAnyway. The only error is ErrInvalidURL.
func (e *Engine) Resolve(ctx context.Context, req ResolveRequest) (domain.Action, error) {
	u, err := utils.CanonicalURL(req.URL)
	if err != nil {
		return domain.Action{}, fmt.Errorf("%w: %v", domain.ErrInvalidURL, err)
	}
	layer := req.Layer
	if layer == 0 {
		layer = domain.LayerLinkHook
	}
	e.counters.resolves.Add(1)

	attempt := e.loop.RecordAttempt(u)
	if e.loop.Exceeded(attempt) {
		e.counters.forcedOpens.Add(1)
		e.logger.Warn(map[string]any{"url": u, "attempt": attempt, "ceiling": e.loop.Ceiling()}, "redirect loop detected, forcing fallback open")
		return e.action(domain.ActionForceOpen, u, attempt, domain.ReasonLoopDetected), nil
	}

	if !req.Protection.Enabled(layer) {
		e.counters.protectionOff.Add(1)
		return e.action(domain.ActionOpenDirectly, u, attempt, domain.ReasonProtectionDisabled), nil
	}

	if layer == domain.LayerScreenScan && e.recent.CheckAndMark(u) {
		e.counters.suppressed.Add(1)
		return e.action(domain.ActionSuppressed, u, attempt, domain.ReasonRecentlyChecked), nil
	}

	if e.cache.IsApproved(u) {
		e.counters.approvedHits.Add(1)
		e.logger.Debug(map[string]any{"url": u, "attempt": attempt}, "url already approved")
		return e.action(domain.ActionOpenDirectly, u, attempt, domain.ReasonApproved), nil
	}

	res := e.classify(ctx, u, layer)
	return e.classifiedAction(u, attempt, res), nil
}

func (e *Engine) action(kind domain.ActionKind, u string, attempt int, reason string) domain.Action {
	return domain.Action{Kind: kind, URL: u, Attempt: attempt, Reason: reason}
}

func (e *Engine) classifiedAction(u string, attempt int, res classifyResult) domain.Action {
	a := e.action(domain.ActionClassified, u, attempt, domain.ReasonClassified)
	switch {
	case res.err != nil:
		a.Verdict = domain.VerdictError
		a.ErrKind = domain.KindOf(res.err)
		a.Err = res.err
	case res.cls.IsPhishing:
		a.Verdict = domain.VerdictPhishing
		a.Confidence = res.cls.Confidence
	default:
		a.Verdict = domain.VerdictSafe
		a.Confidence = res.cls.Confidence
	}
	return a
}

// classify runs the classifier off the caller's goroutine so a caller that
// gives up gets an error result at once. With single-flight enabled,
// concurrent callers for the same URL share one classification, which runs
// detached from any single caller's cancellation.
func (e *Engine) classify(ctx context.Context, u string, layer domain.Layer) classifyResult {
	var ch <-chan classifyResult
	if e.singleFlight {
		sf := e.flights.DoChan(u, func() (any, error) {
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
			defer cancel()
			return e.runClassification(fctx, u, layer), nil
		})
		out := make(chan classifyResult, 1)
		go func() {
			r := <-sf
			out <- r.Val.(classifyResult)
		}()
		ch = out
	} else {
		cctx, cancel := context.WithTimeout(ctx, e.timeout)
		out := make(chan classifyResult, 1)
		go func() {
			defer cancel()
			out <- e.runClassification(cctx, u, layer)
		}()
		ch = out
	}

	select {
	case res := <-ch:
		return res
	case <-ctx.Done():
		err := domain.NewClassificationError(domain.KindOf(ctx.Err()), "caller gave up", ctx.Err())
		e.logger.Debug(map[string]any{"url": u, "kind": err.Kind.String()}, "classification abandoned by caller")
		return classifyResult{err: err}
	}
}

// runClassification calls the classifier and applies the verdict: safe URLs
// are remembered, and every verdict is handed to the history ledger. Errors
// are neither cached nor recorded.
func (e *Engine) runClassification(ctx context.Context, u string, layer domain.Layer) classifyResult {
	e.counters.classifications.Add(1)
	cls, err := e.classifier.Classify(ctx, u)
	if err != nil {
		if domain.KindOf(err) == domain.ErrorUnknown && ctx.Err() != nil {
			err = domain.NewClassificationError(domain.KindOf(ctx.Err()), "classification aborted", err)
		}
		e.counters.classifyErrors.Add(1)
		e.logger.Warn(map[string]any{"url": u, "kind": domain.KindOf(err).String(), "error": err.Error()}, "classification failed")
		return classifyResult{err: err}
	}

	if cls.IsPhishing {
		e.counters.phishing.Add(1)
	} else {
		e.counters.safe.Add(1)
		if err := e.cache.Remember(u, domain.ClassifiedAs(false, cls.Confidence), e.ttl); err != nil {
			e.logger.Warn(map[string]any{"url": u, "error": err.Error()}, "failed to remember safe verdict")
		}
	}

	outcome := domain.ScanOutcome{
		URL:        u,
		Domain:     utils.ApexDomainOfURL(u),
		IsPhishing: cls.IsPhishing,
		Confidence: cls.Confidence,
		Severity:   domain.SeverityOf(cls.IsPhishing, cls.Confidence),
		Layer:      layer,
		Timestamp:  e.clock.Now(),
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
	defer cancel()
	if err := e.history.Record(hctx, outcome); err != nil {
		e.logger.Warn(map[string]any{"url": u, "error": err.Error()}, "failed to record scan outcome")
	}

	e.logger.Info(map[string]any{
		"url":        u,
		"phishing":   cls.IsPhishing,
		"confidence": cls.Confidence,
		"severity":   string(outcome.Severity),
		"layer":      layer.String(),
	}, "url classified")
	return classifyResult{cls: cls}
}

// Open performs the launch an action allows without asking the user.
// ForceOpen always goes to the fallback viewer, never the normal handlers.
func (e *Engine) Open(ctx context.Context, a domain.Action) error {
	switch {
	case a.Kind == domain.ActionForceOpen:
		return e.launcher.OpenFallback(ctx, a.URL)
	case a.OpensWithoutPrompt():
		return e.launcher.OpenExternal(ctx, a.URL)
	default:
		return domain.ErrDecisionRequired
	}
}

// OpenAnyway carries out an explicit user choice to open a URL the engine
// would not open on its own. A phishing verdict is approved first; a failed
// classification is opened without caching anything.
func (e *Engine) OpenAnyway(ctx context.Context, a domain.Action) error {
	u, err := utils.CanonicalURL(a.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidURL, err)
	}
	a.URL = u
	if !a.NeedsDecision() {
		return e.Open(ctx, a)
	}
	if a.Verdict == domain.VerdictPhishing {
		if err := e.cache.Approve(u, e.ttl); err != nil {
			e.logger.Warn(map[string]any{"url": u, "error": err.Error()}, "failed to store user approval")
		}
	}
	e.logger.Info(map[string]any{"url": u, "verdict": a.Verdict.String()}, "user chose to open url")
	return e.launcher.OpenExternal(ctx, u)
}

// Approve records an explicit approval. ttl <= 0 selects the engine default.
func (e *Engine) Approve(url string, ttl time.Duration) error {
	u, err := utils.CanonicalURL(url)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidURL, err)
	}
	if ttl <= 0 {
		ttl = e.ttl
	}
	return e.cache.Approve(u, ttl)
}

// IsApproved reports whether url has a live approval. Invalid URLs are never approved.
func (e *Engine) IsApproved(url string) bool {
	u, err := utils.CanonicalURL(url)
	if err != nil {
		return false
	}
	return e.cache.IsApproved(u)
}

// Invalidate drops any approval for url and forgets any recent screen sighting of it.
func (e *Engine) Invalidate(url string) error {
	u, err := utils.CanonicalURL(url)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidURL, err)
	}
	if err := e.cache.Invalidate(u); err != nil {
		return err
	}
	e.recent.Forget(u)
	return nil
}

// ClearCache removes every approval and forgets recently checked URLs.
func (e *Engine) ClearCache() error {
	if err := e.cache.ClearAll(); err != nil {
		return err
	}
	e.recent.Purge()
	e.logger.Info(nil, "approval cache cleared")
	return nil
}

// PurgeExpired removes expired approvals and returns how many were removed.
func (e *Engine) PurgeExpired() (int, error) { return e.cache.PurgeExpired() }

// CacheSize returns the number of stored approvals.
func (e *Engine) CacheSize() int { return e.cache.Size() }

// Stats returns a diagnostics snapshot. History is nil when the ledger cannot be read.
func (e *Engine) Stats(ctx context.Context) Stats {
	st := Stats{
		Resolves:        e.counters.resolves.Load(),
		ForcedOpens:     e.counters.forcedOpens.Load(),
		ProtectionOff:   e.counters.protectionOff.Load(),
		Suppressed:      e.counters.suppressed.Load(),
		ApprovedHits:    e.counters.approvedHits.Load(),
		Classifications: e.counters.classifications.Load(),
		Safe:            e.counters.safe.Load(),
		Phishing:        e.counters.phishing.Load(),
		ClassifyErrors:  e.counters.classifyErrors.Load(),
		LoopTracked:     e.loop.Len(),
		LoopCeiling:     e.loop.Ceiling(),
		CacheSize:       e.cache.Size(),
		Cache:           e.cache.Stats(),
	}
	if hs, err := e.history.Stats(ctx); err == nil {
		st.History = &hs
	} else {
		e.logger.Warn(map[string]any{"error": err.Error()}, "failed to read scan history stats")
	}
	return st
}

type noRecent struct{}

func (noRecent) CheckAndMark(string) bool { return false }
func (noRecent) Forget(string)            {}
func (noRecent) Purge()                   {}
