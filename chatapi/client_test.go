package chatapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &HTTPClient{
		BaseURL: srv.URL,
		Session: &Session{AccessToken: "tok", DeviceID: "dev"},
	}
}

func TestFetchMessages(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("before_ts"); got != "1700000000000" {
			t.Errorf("before_ts = %s", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %s", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"nodes": []map[string]any{
				{"id": "mid.2", "timestamp": 1699999999000, "sender": map[string]any{"id": 5, "name": "Ada"}},
				{"id": "mid.1", "timestamp": 1699999998000, "sender": map[string]any{"id": 6, "name": "Bob"}},
			},
		})
	})
	msgs, err := c.FetchMessages(context.Background(), 42, 1700000000000, 95)
	if err != nil {
		t.Fatalf("FetchMessages error: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "mid.2" || msgs[1].Sender.Name != "Bob" {
		t.Errorf("unexpected messages: %+v", msgs)
	}
}

func TestFetchMessagesRateLimited(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := c.FetchMessages(context.Background(), 42, 0, 10)
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
}

func TestFetchThreadInfoEmpty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	})
	info, err := c.FetchThreadInfo(context.Background(), 42)
	if err != nil {
		t.Fatalf("FetchThreadInfo error: %v", err)
	}
	if info != nil {
		t.Errorf("expected nil info for empty response, got %+v", info)
	}
}

func TestParticipantDisplayName(t *testing.T) {
	tests := []struct {
		name string
		p    Participant
		want string
	}{
		{"structured wins", Participant{StructuredName: "Ada Lovelace", Nickname: "ada", Username: "alove"}, "Ada Lovelace"},
		{"nickname fallback", Participant{Nickname: "ada", Username: "alove"}, "ada"},
		{"username fallback", Participant{Username: "alove"}, "alove"},
		{"default", Participant{}, "Unknown user"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.DisplayName(); got != tt.want {
				t.Errorf("DisplayName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoadSession(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".credentials")
	if err := os.WriteFile(path, []byte(`{"access_token":"abc","device_id":"d1"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := LoadSession(path)
	if err != nil {
		t.Fatalf("LoadSession error: %v", err)
	}
	if s.AccessToken != "abc" || s.DeviceID != "d1" {
		t.Errorf("unexpected session %+v", s)
	}

	if _, err := LoadSession(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing credentials file")
	}

	bad := filepath.Join(dir, "bad")
	if err := os.WriteFile(bad, []byte(`{}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSession(bad); err == nil {
		t.Error("expected error for credentials without access_token")
	}
}
