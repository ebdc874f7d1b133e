package recent

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Window remembers URLs checked by the passive scanning path so the same URL
// on screen is not re-classified on every refresh.
type Window interface {
	// CheckAndMark reports whether url was marked within the window. When it
	// was not, it is marked now.
	CheckAndMark(url string) bool
	Forget(url string)
	Purge()
	Len() int
}

type window struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, struct{}]
}

type disabledWindow struct{}

// New returns a Window holding at most size URLs for ttl each.
// size <= 0 returns a window that never reports a URL as seen.
func New(size int, ttl time.Duration) Window {
	if size <= 0 {
		return disabledWindow{}
	}
	return &window{lru: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

func (w *window) CheckAndMark(url string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.lru.Get(url); ok {
		return true
	}
	w.lru.Add(url, struct{}{})
	return false
}

func (w *window) Forget(url string) { w.lru.Remove(url) }

func (w *window) Purge() { w.lru.Purge() }

func (w *window) Len() int { return w.lru.Len() }

func (disabledWindow) CheckAndMark(string) bool { return false }
func (disabledWindow) Forget(string)            {}
func (disabledWindow) Purge()                   {}
func (disabledWindow) Len() int                 { return 0 }

var _ Window = (*window)(nil)
var _ Window = disabledWindow{}
