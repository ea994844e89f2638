package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
)

// MockChatServer creates a test server that mocks the chat history API
type MockChatServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockChatServer creates a new mock history API server
func NewMockChatServer(t *testing.T) *MockChatServer {
	t.Helper()
	m := &MockChatServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockThreadInfoResponse adds a handler for the /threads endpoint
func (m *MockChatServer) MockThreadInfoResponse(info map[string]interface{}) {
	m.Handlers["/threads"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data": []map[string]interface{}{info},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockMessagePages adds a handler for the /messages endpoint serving pages
// keyed by the before_ts query parameter; unlisted checkpoints get an empty page.
func (m *MockChatServer) MockMessagePages(pages map[string][]map[string]interface{}) {
	m.Handlers["/messages"] = func(w http.ResponseWriter, r *http.Request) {
		nodes := pages[r.URL.Query().Get("before_ts")]
		if nodes == nil {
			nodes = []map[string]interface{}{}
		}
		response := map[string]interface{}{"nodes": nodes}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockStickerResponse adds a handler for the /stickers endpoint
func (m *MockChatServer) MockStickerResponse(sticker map[string]interface{}) {
	m.Handlers["/stickers"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"nodes": []map[string]interface{}{sticker},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockRateLimitedOnce makes the /messages endpoint return 429 for the first
// n requests, then delegate to the already-registered handler.
func (m *MockChatServer) MockRateLimitedOnce(n int) {
	inner := m.Handlers["/messages"]
	var served int64
	m.Handlers["/messages"] = func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&served, 1) <= int64(n) {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		if inner != nil {
			inner(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}
}

// MockWebhookServer mocks the webhook-style hosting endpoint: every multipart
// upload is acknowledged with a hosted URL derived from the filename.
type MockWebhookServer struct {
	*httptest.Server
	Uploads int64
}

// NewMockWebhookServer creates a new mock hosting endpoint
func NewMockWebhookServer(t *testing.T) *MockWebhookServer {
	t.Helper()
	m := &MockWebhookServer{}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fh := r.MultipartForm.File["files[0]"]
		if len(fh) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		n := atomic.AddInt64(&m.Uploads, 1)
		response := map[string]interface{}{
			"attachments": []map[string]string{
				{
					"filename": fh[0].Filename,
					"url":      m.URL + "/cdn/" + strconv.FormatInt(n, 10) + "/" + fh[0].Filename,
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}))
	t.Cleanup(m.Close)
	return m
}
