package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithBaseDelay(time.Millisecond)}, opts...)
	c := New(srv.URL+"/", opts...)
	t.Cleanup(c.Close)
	return c
}

func TestGetSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/simple/requests/", r.URL.Path)
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("ETag", `"abc"`)
		_, _ = w.Write([]byte("<html>requests</html>"))
	})

	resp, err := c.Get(context.Background(), SimplePath("requests"))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "<html>requests</html>", string(body))
	require.Equal(t, "text/html", resp.ContentType)
	require.Equal(t, `"abc"`, resp.ETag)
}

func TestGetNotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.Get(context.Background(), "simple/missing/")
	require.True(t, errors.Is(err, ErrNotFound))
	require.Equal(t, int32(1), calls.Load())
}

func TestGetRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})

	resp, err := c.Get(context.Background(), "simple/")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, int32(3), calls.Load())
}

func TestGetGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}, WithMaxRetries(1))

	_, err := c.Get(context.Background(), "simple/")
	require.True(t, errors.Is(err, ErrRateLimited))
	require.Equal(t, int32(2), calls.Load())
}

func TestGetSendsBasicAuth(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "gate" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}, WithBasicAuth("gate", "secret"))

	resp, err := c.Get(context.Background(), "simple/")
	require.NoError(t, err)
	resp.Body.Close()
}

func TestFetchProject(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/pypi/requests/json", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"info":{"name":"requests","version":"2.31.0","summary":"HTTP"},"releases":{"2.31.0":[],"2.30.0":[]}}`))
	})

	p, err := FetchProject(context.Background(), c, "requests")
	require.NoError(t, err)
	require.Equal(t, "2.31.0", p.Info.Version)
	require.ElementsMatch(t, []string{"2.31.0", "2.30.0"}, p.Versions())
}

type scriptedFetcher struct {
	err   error
	calls int
}

func (s *scriptedFetcher) Get(context.Context, string) (*Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &Response{Body: io.NopCloser(nil), Size: -1}, nil
}

func TestBreakerTripsOnFailures(t *testing.T) {
	f := &scriptedFetcher{err: ErrUpstreamDown}
	b := NewBreakerFetcher(f, 2)

	for i := 0; i < 2; i++ {
		_, err := b.Get(context.Background(), "simple/")
		require.Error(t, err)
	}
	require.Equal(t, "open", b.State())

	_, err := b.Get(context.Background(), "simple/")
	require.True(t, errors.Is(err, ErrUpstreamDown))
	require.Equal(t, 2, f.calls)
}

func TestBreakerIgnoresNotFound(t *testing.T) {
	f := &scriptedFetcher{err: ErrNotFound}
	b := NewBreakerFetcher(f, 2)

	for i := 0; i < 5; i++ {
		_, err := b.Get(context.Background(), "simple/missing/")
		require.True(t, errors.Is(err, ErrNotFound))
	}
	require.Equal(t, "closed", b.State())
	require.Equal(t, 5, f.calls)
}
