package provision

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestClientFetchesAndCaches(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer header, got %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{"token":"tok-1","ttl_seconds":60}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", time.Minute)
	creds, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if creds.Token != "tok-1" {
		t.Fatalf("Token = %q", creds.Token)
	}

	if _, err := c.Fetch(context.Background()); err != nil {
		t.Fatalf("second Fetch() error = %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("endpoint calls = %d, want 1 (cached)", got)
	}
}

func TestClientInvalidateForcesRefetch(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"token":"tok","ttl_seconds":60}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Minute)
	if _, err := c.Fetch(context.Background()); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	c.Invalidate()
	if _, err := c.Fetch(context.Background()); err != nil {
		t.Fatalf("Fetch() after Invalidate error = %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("endpoint calls = %d, want 2", got)
	}
}

func TestClientRejectsEmptyToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"token":""}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Minute)
	if _, err := c.Fetch(context.Background()); err == nil {
		t.Fatalf("Fetch() accepted empty token")
	}
}

func TestClientSurfacesHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Minute)
	if _, err := c.Fetch(context.Background()); err == nil {
		t.Fatalf("Fetch() swallowed a 503")
	}
}

func TestStaticSource(t *testing.T) {
	s := NewStatic("api-key")
	creds, err := s.Fetch(context.Background())
	if err != nil || creds.Token != "api-key" {
		t.Fatalf("Fetch() = %+v, %v", creds, err)
	}
	if _, err := NewStatic("").Fetch(context.Background()); err == nil {
		t.Fatalf("empty static token should error")
	}
}
