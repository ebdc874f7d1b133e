package transport

import (
	"time"

	"github.com/haukened/linkguard/internal/guard/domain"
	"github.com/haukened/linkguard/internal/guard/services/guard"
)

// URLRequest names a URL and, optionally, the entry point it came from.
type URLRequest struct {
	URL   string `json:"url"`
	Layer string `json:"layer,omitempty"`
}

// OpenAnywayRequest carries an explicit user choice for a classified URL.
type OpenAnywayRequest struct {
	URL     string `json:"url"`
	Verdict string `json:"verdict"`
}

// ApproveRequest records an approval. An empty TTL selects the daemon default.
type ApproveRequest struct {
	URL string `json:"url"`
	TTL string `json:"ttl,omitempty"`
}

// Action is the wire form of domain.Action.
type Action struct {
	Kind       string  `json:"kind"`
	URL        string  `json:"url"`
	Verdict    string  `json:"verdict,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	ErrorKind  string  `json:"error_kind,omitempty"`
	Error      string  `json:"error,omitempty"`
	Attempt    int     `json:"attempt"`
	Reason     string  `json:"reason"`
}

// OpenResponse reports what /v1/open did with a resolved action.
type OpenResponse struct {
	Action Action `json:"action"`
	Opened bool   `json:"opened"`
}

type ApprovalStatus struct {
	URL      string `json:"url"`
	Approved bool   `json:"approved"`
}

type PurgeResponse struct {
	Purged int `json:"purged"`
}

// Protection is the wire form of the per-layer switches. Nil fields are left
// unchanged by PUT.
type Protection struct {
	LinkHook   *bool `json:"link_hook,omitempty"`
	ScreenScan *bool `json:"screen_scan,omitempty"`
}

type HistoryStats struct {
	Total      int            `json:"total"`
	Phishing   int            `json:"phishing"`
	Safe       int            `json:"safe"`
	BySeverity map[string]int `json:"by_severity"`
	LastScan   *time.Time     `json:"last_scan,omitempty"`
}

type CacheStats struct {
	Size         int    `json:"size"`
	HotCapacity  int    `json:"hot_capacity"`
	HotSize      int    `json:"hot_size"`
	HotHits      uint64 `json:"hot_hits"`
	HotMisses    uint64 `json:"hot_misses"`
	HotEvictions uint64 `json:"hot_evictions"`
	StoreRecords uint64 `json:"store_records"`
	StoreBytes   int64  `json:"store_bytes"`
	BloomEnabled bool   `json:"bloom_enabled"`
	BloomSkips   uint64 `json:"bloom_skips"`
	StoreHits    uint64 `json:"store_hits"`
	StoreErrors  uint64 `json:"store_errors"`
}

type Stats struct {
	Resolves        uint64        `json:"resolves"`
	ForcedOpens     uint64        `json:"forced_opens"`
	ProtectionOff   uint64        `json:"protection_off"`
	Suppressed      uint64        `json:"suppressed"`
	ApprovedHits    uint64        `json:"approved_hits"`
	Classifications uint64        `json:"classifications"`
	Safe            uint64        `json:"safe"`
	Phishing        uint64        `json:"phishing"`
	ClassifyErrors  uint64        `json:"classify_errors"`
	LoopTracked     int           `json:"loop_tracked"`
	LoopCeiling     int           `json:"loop_ceiling"`
	Cache           CacheStats    `json:"cache"`
	History         *HistoryStats `json:"history,omitempty"`
}

type Scan struct {
	URL        string    `json:"url"`
	Domain     string    `json:"domain"`
	IsPhishing bool      `json:"is_phishing"`
	Confidence float64   `json:"confidence"`
	Severity   string    `json:"severity"`
	Layer      string    `json:"layer"`
	Timestamp  time.Time `json:"timestamp"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func actionDTO(a domain.Action) Action {
	out := Action{
		Kind:    a.Kind.String(),
		URL:     a.URL,
		Attempt: a.Attempt,
		Reason:  a.Reason,
	}
	if a.Kind == domain.ActionClassified {
		out.Verdict = a.Verdict.String()
		out.Confidence = a.Confidence
	}
	if a.Verdict == domain.VerdictError {
		out.ErrorKind = a.ErrKind.String()
		if a.Err != nil {
			out.Error = a.Err.Error()
		}
	}
	return out
}

func protectionDTO(p domain.ProtectionConfig) Protection {
	lh, ss := p.LinkHook, p.ScreenScan
	return Protection{LinkHook: &lh, ScreenScan: &ss}
}

func statsDTO(s guard.Stats) Stats {
	out := Stats{
		Resolves:        s.Resolves,
		ForcedOpens:     s.ForcedOpens,
		ProtectionOff:   s.ProtectionOff,
		Suppressed:      s.Suppressed,
		ApprovedHits:    s.ApprovedHits,
		Classifications: s.Classifications,
		Safe:            s.Safe,
		Phishing:        s.Phishing,
		ClassifyErrors:  s.ClassifyErrors,
		LoopTracked:     s.LoopTracked,
		LoopCeiling:     s.LoopCeiling,
		Cache: CacheStats{
			Size:         s.CacheSize,
			HotCapacity:  s.Cache.Hot.Capacity,
			HotSize:      s.Cache.Hot.Size,
			HotHits:      s.Cache.Hot.Hits,
			HotMisses:    s.Cache.Hot.Misses,
			HotEvictions: s.Cache.Hot.Evictions,
			StoreRecords: s.Cache.Store.Records,
			StoreBytes:   s.Cache.Store.SizeBytes,
			BloomEnabled: s.Cache.BloomEnabled,
			BloomSkips:   s.Cache.BloomSkips,
			StoreHits:    s.Cache.StoreHits,
			StoreErrors:  s.Cache.StoreErrors,
		},
	}
	if h := s.History; h != nil {
		hs := &HistoryStats{
			Total:      h.Total,
			Phishing:   h.Phishing,
			Safe:       h.Safe,
			BySeverity: make(map[string]int, len(h.BySeverity)),
		}
		for sev, n := range h.BySeverity {
			hs.BySeverity[string(sev)] = n
		}
		if !h.LastScan.IsZero() {
			last := h.LastScan
			hs.LastScan = &last
		}
		out.History = hs
	}
	return out
}

func scanDTO(o domain.ScanOutcome) Scan {
	return Scan{
		URL:        o.URL,
		Domain:     o.Domain,
		IsPhishing: o.IsPhishing,
		Confidence: o.Confidence,
		Severity:   string(o.Severity),
		Layer:      o.Layer.String(),
		Timestamp:  o.Timestamp,
	}
}
