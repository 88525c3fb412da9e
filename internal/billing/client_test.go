package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeBillingService struct {
	checks  atomic.Int64
	tracks  atomic.Int64
	allowed bool
	status  int

	lastTrack trackRequest
}

func (f *fakeBillingService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/entitlements/", func(w http.ResponseWriter, r *http.Request) {
		f.checks.Add(1)
		if f.status != 0 {
			w.WriteHeader(f.status)
			return
		}
		json.NewEncoder(w).Encode(checkResponse{Allowed: f.allowed})
	})
	mux.HandleFunc("POST /v1/usage", func(w http.ResponseWriter, r *http.Request) {
		f.tracks.Add(1)
		json.NewDecoder(r.Body).Decode(&f.lastTrack)
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
}

func TestCheckAllowed(t *testing.T) {
	svc := &fakeBillingService{allowed: true}
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	c := New(srv.URL, "mailgate", 5*time.Second, time.Minute)

	allowed, err := c.Check(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestCheckDenied(t *testing.T) {
	svc := &fakeBillingService{allowed: false}
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	c := New(srv.URL, "mailgate", 5*time.Second, time.Minute)

	allowed, err := c.Check(context.Background(), "u1")
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestCheckCachesPerUser(t *testing.T) {
	svc := &fakeBillingService{allowed: true}
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	c := New(srv.URL, "mailgate", 5*time.Second, time.Minute)

	for i := 0; i < 5; i++ {
		allowed, err := c.Check(context.Background(), "u1")
		require.NoError(t, err)
		require.True(t, allowed)
	}
	require.EqualValues(t, 1, svc.checks.Load(), "repeat checks within the TTL must be served from cache")

	// A different user is a different cache entry.
	_, err := c.Check(context.Background(), "u2")
	require.NoError(t, err)
	require.EqualValues(t, 2, svc.checks.Load())
}

func TestCheckErrorNotCached(t *testing.T) {
	svc := &fakeBillingService{status: http.StatusInternalServerError}
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	c := New(srv.URL, "mailgate", 5*time.Second, time.Minute)

	_, err := c.Check(context.Background(), "u1")
	require.Error(t, err)

	_, err = c.Check(context.Background(), "u1")
	require.Error(t, err)
	require.EqualValues(t, 2, svc.checks.Load(), "failures must not poison the cache")
}

func TestTrack(t *testing.T) {
	svc := &fakeBillingService{allowed: true}
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	c := New(srv.URL, "mailgate", 5*time.Second, time.Minute)

	require.NoError(t, c.Track(context.Background(), "u1", 3))
	require.EqualValues(t, 1, svc.tracks.Load())
	require.Equal(t, trackRequest{UserID: "u1", Feature: "mailgate", Value: 3}, svc.lastTrack)
}

func TestDisabledMode(t *testing.T) {
	c := New("", "mailgate", 5*time.Second, time.Minute)
	require.True(t, c.Disabled())

	allowed, err := c.Check(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, allowed, "disabled billing allows everyone")

	require.NoError(t, c.Track(context.Background(), "u1", 1))
}
