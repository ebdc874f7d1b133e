package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/haukened/linkguard/internal/guard/common/log"
	"github.com/haukened/linkguard/internal/guard/domain"
	"github.com/haukened/linkguard/internal/guard/services/guard"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 << 10

// defaultHistoryLimit is used when /v1/history has no limit parameter.
const defaultHistoryLimit = 20

// Service is the engine surface the API exposes.
type Service interface {
	Resolve(ctx context.Context, req guard.ResolveRequest) (domain.Action, error)
	Open(ctx context.Context, a domain.Action) error
	OpenAnyway(ctx context.Context, a domain.Action) error
	Approve(url string, ttl time.Duration) error
	IsApproved(url string) bool
	Invalidate(url string) error
	ClearCache() error
	PurgeExpired() (int, error)
	Stats(ctx context.Context) guard.Stats
}

// ProtectionSwitch holds the live per-layer switches.
type ProtectionSwitch interface {
	Get() domain.ProtectionConfig
	SetLayer(layer domain.Layer, enabled bool) (domain.ProtectionConfig, error)
}

// HistoryReader lists recent scan outcomes.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]domain.ScanOutcome, error)
}

var (
	_ Service          = (*guard.Engine)(nil)
	_ ProtectionSwitch = (*guard.Protection)(nil)
)

type api struct {
	svc        Service
	protection ProtectionSwitch
	history    HistoryReader
	logger     log.Logger
}

// NewAPI returns the handler for every /v1 route. history may be nil.
func NewAPI(svc Service, protection ProtectionSwitch, history HistoryReader, logger log.Logger) http.Handler {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	a := &api{svc: svc, protection: protection, history: history, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/resolve", a.resolve)
	mux.HandleFunc("POST /v1/open", a.open)
	mux.HandleFunc("POST /v1/open-anyway", a.openAnyway)
	mux.HandleFunc("GET /v1/approvals", a.approvalStatus)
	mux.HandleFunc("POST /v1/approvals", a.approve)
	mux.HandleFunc("DELETE /v1/approvals", a.forget)
	mux.HandleFunc("DELETE /v1/cache", a.clearCache)
	mux.HandleFunc("POST /v1/cache/purge", a.purge)
	mux.HandleFunc("GET /v1/stats", a.stats)
	mux.HandleFunc("GET /v1/protection", a.getProtection)
	mux.HandleFunc("PUT /v1/protection", a.putProtection)
	mux.HandleFunc("GET /v1/history", a.recentScans)
	return mux
}

// resolveRequest fills a guard request from the wire, using the live switches.
func (a *api) resolveRequest(in URLRequest) (guard.ResolveRequest, error) {
	req := guard.ResolveRequest{URL: in.URL, Layer: domain.LayerLinkHook, Protection: a.protection.Get()}
	if in.Layer != "" {
		layer, err := domain.ParseLayer(in.Layer)
		if err != nil {
			return req, err
		}
		req.Layer = layer
	}
	return req, nil
}

func (a *api) resolve(w http.ResponseWriter, r *http.Request) {
	var in URLRequest
	if !a.decode(w, r, &in) {
		return
	}
	req, err := a.resolveRequest(in)
	if err != nil {
		a.fail(w, http.StatusBadRequest, err)
		return
	}
	action, err := a.svc.Resolve(r.Context(), req)
	if err != nil {
		a.failFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actionDTO(action))
}

// open resolves and launches in one step. An action that needs a user
// decision is returned with opened=false for the caller to prompt on.
func (a *api) open(w http.ResponseWriter, r *http.Request) {
	var in URLRequest
	if !a.decode(w, r, &in) {
		return
	}
	req, err := a.resolveRequest(in)
	if err != nil {
		a.fail(w, http.StatusBadRequest, err)
		return
	}
	action, err := a.svc.Resolve(r.Context(), req)
	if err != nil {
		a.failFor(w, err)
		return
	}
	err = a.svc.Open(r.Context(), action)
	switch {
	case errors.Is(err, domain.ErrDecisionRequired):
		writeJSON(w, http.StatusOK, OpenResponse{Action: actionDTO(action)})
	case err != nil:
		a.logger.Error(map[string]any{"url": action.URL, "error": err.Error()}, "failed to launch url")
		a.fail(w, http.StatusBadGateway, err)
	default:
		writeJSON(w, http.StatusOK, OpenResponse{Action: actionDTO(action), Opened: true})
	}
}

func (a *api) openAnyway(w http.ResponseWriter, r *http.Request) {
	var in OpenAnywayRequest
	if !a.decode(w, r, &in) {
		return
	}
	verdict, err := domain.ParseVerdict(in.Verdict)
	if err != nil || verdict == domain.VerdictSafe {
		a.fail(w, http.StatusBadRequest, fmt.Errorf("verdict must be phishing or error, got %q", in.Verdict))
		return
	}
	action := domain.Action{Kind: domain.ActionClassified, URL: in.URL, Verdict: verdict, Reason: domain.ReasonUserOverride}
	if err := a.svc.OpenAnyway(r.Context(), action); err != nil {
		if errors.Is(err, domain.ErrInvalidURL) {
			a.failFor(w, err)
			return
		}
		a.logger.Error(map[string]any{"url": in.URL, "error": err.Error()}, "failed to launch url")
		a.fail(w, http.StatusBadGateway, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) approvalStatus(w http.ResponseWriter, r *http.Request) {
	u := r.URL.Query().Get("url")
	if u == "" {
		a.fail(w, http.StatusBadRequest, errors.New("missing url parameter"))
		return
	}
	writeJSON(w, http.StatusOK, ApprovalStatus{URL: u, Approved: a.svc.IsApproved(u)})
}

func (a *api) approve(w http.ResponseWriter, r *http.Request) {
	var in ApproveRequest
	if !a.decode(w, r, &in) {
		return
	}
	var ttl time.Duration
	if in.TTL != "" {
		d, err := time.ParseDuration(in.TTL)
		if err != nil || d <= 0 {
			a.fail(w, http.StatusBadRequest, fmt.Errorf("invalid ttl %q", in.TTL))
			return
		}
		ttl = d
	}
	if err := a.svc.Approve(in.URL, ttl); err != nil {
		a.failFor(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ApprovalStatus{URL: in.URL, Approved: true})
}

func (a *api) forget(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Invalidate(r.URL.Query().Get("url")); err != nil {
		a.failFor(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) clearCache(w http.ResponseWriter, _ *http.Request) {
	if err := a.svc.ClearCache(); err != nil {
		a.failFor(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) purge(w http.ResponseWriter, _ *http.Request) {
	n, err := a.svc.PurgeExpired()
	if err != nil {
		a.failFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PurgeResponse{Purged: n})
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsDTO(a.svc.Stats(r.Context())))
}

func (a *api) getProtection(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, protectionDTO(a.protection.Get()))
}

func (a *api) putProtection(w http.ResponseWriter, r *http.Request) {
	var in Protection
	if !a.decode(w, r, &in) {
		return
	}
	if in.LinkHook != nil {
		if _, err := a.protection.SetLayer(domain.LayerLinkHook, *in.LinkHook); err != nil {
			a.fail(w, http.StatusBadRequest, err)
			return
		}
	}
	if in.ScreenScan != nil {
		if _, err := a.protection.SetLayer(domain.LayerScreenScan, *in.ScreenScan); err != nil {
			a.fail(w, http.StatusBadRequest, err)
			return
		}
	}
	cfg := a.protection.Get()
	a.logger.Info(map[string]any{"link_hook": cfg.LinkHook, "screen_scan": cfg.ScreenScan}, "protection settings changed")
	writeJSON(w, http.StatusOK, protectionDTO(cfg))
}

func (a *api) recentScans(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			a.fail(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", s))
			return
		}
		limit = n
	}
	out := []Scan{}
	if a.history != nil {
		scans, err := a.history.Recent(r.Context(), limit)
		if err != nil {
			a.failFor(w, err)
			return
		}
		for _, o := range scans {
			out = append(out, scanDTO(o))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		a.fail(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

// failFor maps domain errors onto status codes.
func (a *api) failFor(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidURL):
		a.fail(w, http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrDecisionRequired):
		a.fail(w, http.StatusConflict, err)
	case errors.Is(err, domain.ErrStorage):
		a.fail(w, http.StatusServiceUnavailable, err)
	default:
		a.logger.Error(map[string]any{"error": err.Error()}, "request failed")
		a.fail(w, http.StatusInternalServerError, err)
	}
}

func (a *api) fail(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
