package stage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestStreamingLLMConsumesSSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"delta\":\"I can \"}\n\n"))
		w.Write([]byte("data: {\"delta\":\"book that.\"}\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	var deltas []string
	llm := NewStreamingLLM(srv.URL, "")
	res, err := llm.StreamResponse(context.Background(), ChatRequest{Text: "book an appointment"}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if res.Text != "I can book that." {
		t.Fatalf("Text = %q", res.Text)
	}
	if len(deltas) != 2 {
		t.Fatalf("deltas = %v, want 2 fragments", deltas)
	}
}

func TestStreamingLLMConsumesNDJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Write([]byte("{\"text\":\"sure\"}\n{\"text\":\" thing\"}\n"))
	}))
	defer srv.Close()

	llm := NewStreamingLLM(srv.URL, "")
	res, err := llm.StreamResponse(context.Background(), ChatRequest{Text: "hi"}, nil)
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if res.Text != "sure thing" {
		t.Fatalf("Text = %q", res.Text)
	}
}

func TestStreamingLLMAcceptsPlainJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer k" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":"full reply"}`))
	}))
	defer srv.Close()

	llm := NewStreamingLLM(srv.URL, "k")
	res, err := llm.StreamResponse(context.Background(), ChatRequest{Text: "hi"}, nil)
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if res.Text != "full reply" {
		t.Fatalf("Text = %q", res.Text)
	}
}

func TestStreamingLLMSurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	llm := NewStreamingLLM(srv.URL, "")
	_, err := llm.StreamResponse(context.Background(), ChatRequest{Text: "hi"}, nil)
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("error = %v, want status 503 surfaced", err)
	}
}

func TestStreamingLLMAbortsOnDeltaError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"delta\":\"one\"}\n\ndata: {\"delta\":\"two\"}\n\n"))
	}))
	defer srv.Close()

	llm := NewStreamingLLM(srv.URL, "")
	_, err := llm.StreamResponse(context.Background(), ChatRequest{Text: "hi"}, func(string) error {
		return context.Canceled
	})
	if err == nil {
		t.Fatalf("StreamResponse() ignored delta handler error")
	}
}
