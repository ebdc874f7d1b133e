package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedPurger struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (p *scriptedPurger) PurgeExpired() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if p.calls < len(p.errs) {
		err = p.errs[p.calls]
	}
	p.calls++
	if err != nil {
		return 0, err
	}
	return 2, nil
}

func TestMaintainer_Defaults(t *testing.T) {
	m := NewMaintainer(&scriptedPurger{}, 0, 0, nil)
	assert.Equal(t, DefaultMaintenanceInterval, m.interval)
	assert.Equal(t, DefaultRetryInterval, m.retry)
}

func TestMaintainer_RunOnce(t *testing.T) {
	p := &scriptedPurger{errs: []error{errors.New("locked")}}
	m := NewMaintainer(p, time.Hour, time.Minute, nil)

	_, err := m.RunOnce()
	assert.Error(t, err)
	n, err := m.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMaintainer_RunRetriesSoonerAfterFailure(t *testing.T) {
	p := &scriptedPurger{errs: []error{errors.New("locked")}}
	m := NewMaintainer(p, time.Hour, time.Minute, nil)

	waits := make(chan time.Duration, 4)
	ticks := make(chan time.Time)
	m.after = func(d time.Duration) <-chan time.Time {
		waits <- d
		return ticks
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	assert.Equal(t, time.Minute, <-waits)
	ticks <- time.Time{}
	assert.Equal(t, time.Hour, <-waits)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, 2, p.calls)
}
