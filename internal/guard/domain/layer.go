package domain

import (
	"fmt"
	"strings"
)

// Layer identifies the entry point a URL came from.
type Layer uint8

const (
	// LayerLinkHook is the default-link-handler interception path.
	LayerLinkHook Layer = iota + 1
	// LayerScreenScan is the passive screen-content scanning path.
	LayerScreenScan
	// LayerManual is an explicit user "check this URL" request. Always enabled.
	LayerManual
)

// String returns a stable string representation of the layer.
func (l Layer) String() string {
	switch l {
	case LayerLinkHook:
		return "link_hook"
	case LayerScreenScan:
		return "screen_scan"
	case LayerManual:
		return "manual"
	default:
		return fmt.Sprintf("Layer(%d)", l)
	}
}

// ParseLayer converts a string into a Layer.
// Accepts: "link_hook", "screen_scan", "manual" (case-insensitive).
func ParseLayer(s string) (Layer, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "link_hook":
		return LayerLinkHook, nil
	case "screen_scan":
		return LayerScreenScan, nil
	case "manual":
		return LayerManual, nil
	default:
		return 0, fmt.Errorf("unsupported layer: %q", s)
	}
}

// ProtectionConfig holds the user's per-layer protection switches.
type ProtectionConfig struct {
	LinkHook   bool
	ScreenScan bool
}

// Enabled reports whether scanning is on for the given layer.
func (p ProtectionConfig) Enabled(l Layer) bool {
	switch l {
	case LayerLinkHook:
		return p.LinkHook
	case LayerScreenScan:
		return p.ScreenScan
	case LayerManual:
		return true
	default:
		return false
	}
}
