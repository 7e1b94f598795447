package token

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(url string) *Provider {
	cfg := DefaultConfig()
	cfg.URL = url
	return NewProvider(cfg, zerolog.Nop())
}

func TestFetchToken_Success(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		assert.Empty(t, body)
		_, _ = w.Write([]byte("  tok-123\n"))
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	token, err := p.FetchToken(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "tok-123", token)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchToken_NeverCaches(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		_, _ = w.Write([]byte{'t', byte('0' + n)})
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	first, err := p.FetchToken(context.Background())
	require.NoError(t, err)
	second, err := p.FetchToken(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "t1", first)
	assert.Equal(t, "t2", second)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchToken_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no key configured", http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := newTestProvider(server.URL).FetchToken(context.Background())

	assert.ErrorIs(t, err, ErrTokenFetch)
	assert.Contains(t, err.Error(), "500")
}

func TestFetchToken_EmptyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(" \n"))
	}))
	defer server.Close()

	_, err := newTestProvider(server.URL).FetchToken(context.Background())

	assert.ErrorIs(t, err, ErrTokenFetch)
}

func TestFetchToken_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newTestProvider(url).FetchToken(context.Background())

	assert.ErrorIs(t, err, ErrTokenFetch)
}

func TestFetchToken_ContextCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestProvider(server.URL).FetchToken(ctx)

	assert.ErrorIs(t, err, ErrTokenFetch)
	assert.ErrorIs(t, err, context.Canceled)
}
