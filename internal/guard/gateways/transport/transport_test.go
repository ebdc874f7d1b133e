package transport

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTransport_Lifecycle(t *testing.T) {
	tr := NewHTTPTransport("127.0.0.1:0", nil)
	assert.Equal(t, "127.0.0.1:0", tr.Address())

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})
	require.NoError(t, tr.Start(context.Background(), handler))
	assert.Error(t, tr.Start(context.Background(), handler), "second start must fail")

	addr := tr.Address()
	assert.NotEqual(t, "127.0.0.1:0", addr)

	resp, err := http.Get("http://" + addr + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	require.NoError(t, tr.Stop())
	require.NoError(t, tr.Stop())
	_, err = http.Get("http://" + addr + "/")
	assert.Error(t, err)
}

func TestHTTPTransport_StopsWithContext(t *testing.T) {
	tr := NewHTTPTransport("127.0.0.1:0", nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, tr.Start(ctx, http.NotFoundHandler()))
	addr := tr.Address()
	cancel()

	assert.Eventually(t, func() bool { return tr.Address() != addr }, time.Second, 10*time.Millisecond)
}

func TestHTTPTransport_BindFailure(t *testing.T) {
	tr := NewHTTPTransport("256.0.0.1:1", nil)
	assert.Error(t, tr.Start(context.Background(), http.NotFoundHandler()))
}
