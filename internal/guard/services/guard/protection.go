package guard

import (
	"fmt"
	"sync/atomic"

	"github.com/haukened/linkguard/internal/guard/domain"
)

// Protection holds the live per-layer protection switches.
type Protection struct {
	v atomic.Pointer[domain.ProtectionConfig]
}

func NewProtection(initial domain.ProtectionConfig) *Protection {
	p := &Protection{}
	p.v.Store(&initial)
	return p
}

func (p *Protection) Get() domain.ProtectionConfig { return *p.v.Load() }

func (p *Protection) Set(cfg domain.ProtectionConfig) { p.v.Store(&cfg) }

// SetLayer flips one layer and returns the resulting config.
func (p *Protection) SetLayer(layer domain.Layer, enabled bool) (domain.ProtectionConfig, error) {
	for {
		old := p.v.Load()
		next := *old
		switch layer {
		case domain.LayerLinkHook:
			next.LinkHook = enabled
		case domain.LayerScreenScan:
			next.ScreenScan = enabled
		default:
			return *old, fmt.Errorf("layer %s cannot be toggled", layer)
		}
		if p.v.CompareAndSwap(old, &next) {
			return next, nil
		}
	}
}
