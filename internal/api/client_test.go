package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/protomem/shift-agent/internal/model"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(logger, srv.URL, func() string { return "test-token" })
}

func TestRequestHeaders(t *testing.T) {
	var gotAuth, gotTrace string

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotTrace = r.Header.Get("X-Trace-Id")
		json.NewEncoder(w).Encode([]model.Session{})
	})

	if _, err := client.ActiveSessions(context.Background()); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	if gotAuth != "Bearer test-token" {
		t.Fatalf("expected bearer token header, got %q", gotAuth)
	}
	if gotTrace == "" {
		t.Fatal("expected a generated trace id header")
	}
}

func TestStatusErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"not found", http.StatusNotFound, model.ErrNotFound},
		{"conflict", http.StatusConflict, model.ErrConflict},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})

			err := client.Stop(context.Background(), 1)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	t.Run("unexpected status", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})

		err := client.Stop(context.Background(), 1)
		if err == nil || errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrConflict) {
			t.Fatalf("expected a generic status error, got %v", err)
		}
	})
}

func TestSwitchTaskBody(t *testing.T) {
	var gotPath string
	var gotBody SwitchTaskDTO

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	})

	err := client.SwitchTask(context.Background(), 7, SwitchTaskDTO{Description: "inventory"})
	if err != nil {
		t.Fatalf("switch failed: %v", err)
	}

	if gotPath != "/assignments/7/switch-task" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotBody.Description != "inventory" {
		t.Fatalf("unexpected body %+v", gotBody)
	}
}

func TestAnonymousRequestOmitsAuth(t *testing.T) {
	var sawAuthHeader bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawAuthHeader = r.Header["Authorization"]
		json.NewEncoder(w).Encode([]model.Session{})
	}))
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := NewClient(logger, srv.URL, func() string { return "" })

	if _, err := client.ActiveSessions(context.Background()); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if sawAuthHeader {
		t.Fatal("expected no Authorization header without a token")
	}
}
