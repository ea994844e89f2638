package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/onnwee/thread-tender/telemetry"
)

func init() { telemetry.Init() }

// fakeSleep records requested sleep durations without actually sleeping.
func fakeSleep(slept *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		*slept = append(*slept, d)
		return nil
	}
}

func TestReupload(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload-bytes"))
	}))
	defer source.Close()

	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		f, hdr, err := r.FormFile("files[0]")
		if err != nil {
			t.Fatalf("missing files[0]: %v", err)
		}
		defer f.Close()
		if hdr.Filename != "photo.jpg" {
			t.Errorf("filename = %q", hdr.Filename)
		}
		if pj := r.FormValue("payload_json"); !strings.Contains(pj, `"photo.jpg"`) {
			t.Errorf("payload_json = %q", pj)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"attachments": []map[string]any{{"filename": "hosted.jpg", "url": "https://cdn.example/hosted.jpg"}},
		})
	}))
	defer webhook.Close()

	r := &Relay{}
	hosted, err := r.Reupload(context.Background(), webhook.URL, source.URL, "photo.jpg")
	if err != nil {
		t.Fatalf("Reupload error: %v", err)
	}
	if hosted.URL != "https://cdn.example/hosted.jpg" || hosted.Name != "hosted.jpg" {
		t.Errorf("unexpected hosted record %+v", hosted)
	}
}

func TestReuploadOversized(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "26000000")
		w.WriteHeader(http.StatusOK)
	}))
	defer source.Close()

	r := &Relay{}
	_, err := r.Reupload(context.Background(), "http://unused.invalid", source.URL, "big.bin")
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge, got %v", err)
	}
}

func TestDownloadLinearBackoffGivesUp(t *testing.T) {
	var hits atomic.Int32
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer source.Close()

	var slept []time.Duration
	r := &Relay{sleep: fakeSleep(&slept)}
	_, err := r.download(context.Background(), source.URL)
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if got := hits.Load(); got != 10 {
		t.Errorf("download attempts = %d, want 10", got)
	}
	// Linear: 1s, 2s, ... 9s before attempts 2..10.
	if len(slept) != 9 || slept[0] != time.Second || slept[8] != 9*time.Second {
		t.Errorf("unexpected backoff schedule %v", slept)
	}
}

func TestUploadHonorsRetryHint(t *testing.T) {
	var hits atomic.Int32
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.Header().Set("X-Ratelimit-Reset-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{"retry_after": 2.0})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"attachments": []map[string]any{{"filename": "ok.png", "url": "https://cdn.example/ok.png"}},
		})
	}))
	defer webhook.Close()

	var slept []time.Duration
	r := &Relay{sleep: fakeSleep(&slept)}
	hosted, err := r.upload(context.Background(), webhook.URL, "ok.png", []byte("x"))
	if err != nil {
		t.Fatalf("upload error: %v", err)
	}
	if hosted == nil || hosted.URL != "https://cdn.example/ok.png" {
		t.Errorf("unexpected hosted %+v", hosted)
	}
	var total time.Duration
	for _, d := range slept {
		total += d
	}
	if total < 4*time.Second {
		t.Errorf("total backoff %v, want >= 4s", total)
	}
}

func TestUploadTerminalRejection(t *testing.T) {
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"message": "invalid form"})
	}))
	defer webhook.Close()

	r := &Relay{}
	_, err := r.upload(context.Background(), webhook.URL, "x.png", []byte("x"))
	if !errors.Is(err, ErrUploadRejected) {
		t.Errorf("expected ErrUploadRejected, got %v", err)
	}
}

func TestParseRateLimitHeader(t *testing.T) {
	tests := []struct {
		name string
		hdr  map[string]string
		want time.Duration
	}{
		{"reset-after", map[string]string{"X-Ratelimit-Reset-After": "2.5"}, 2500 * time.Millisecond},
		{"default", map[string]string{}, 60 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.hdr {
				h.Set(k, v)
			}
			if got := parseRateLimitHeader(h); got != tt.want {
				t.Errorf("parseRateLimitHeader = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDownloadFatalStatusNotRetried(t *testing.T) {
	var hits atomic.Int32
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer source.Close()

	var slept []time.Duration
	r := &Relay{sleep: fakeSleep(&slept)}
	_, err := r.download(context.Background(), source.URL)
	if err == nil {
		t.Fatal("expected error for missing asset")
	}
	// A 404 will not heal; burning the whole backoff schedule on it is waste.
	if got := hits.Load(); got != 1 {
		t.Errorf("download attempts = %d, want 1", got)
	}
	if len(slept) != 0 {
		t.Errorf("slept %v, want no backoff for a permanent failure", slept)
	}
}

func TestClassifyDownloadError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"not found", &statusError{code: http.StatusNotFound}, ErrorClassFatal},
		{"forbidden", &statusError{code: http.StatusForbidden}, ErrorClassFatal},
		{"throttled", &statusError{code: http.StatusTooManyRequests}, ErrorClassRetryable},
		{"request timeout", &statusError{code: http.StatusRequestTimeout}, ErrorClassRetryable},
		{"server error", &statusError{code: http.StatusBadGateway}, ErrorClassRetryable},
		{"transport", errors.New("connection reset by peer"), ErrorClassRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyDownloadError(tt.err); got != tt.want {
				t.Errorf("ClassifyDownloadError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestReuploadWithoutMetricsInit(t *testing.T) {
	// Metric updates must stay guarded so a relay used before telemetry.Init
	// does not panic on nil counters.
	savedUploads, savedFailures, savedOversized := telemetry.RelayUploads, telemetry.RelayFailures, telemetry.RelayOversized
	savedDuration := telemetry.RelayDuration
	telemetry.RelayUploads, telemetry.RelayFailures, telemetry.RelayOversized = nil, nil, nil
	telemetry.RelayDuration = nil
	defer func() {
		telemetry.RelayUploads, telemetry.RelayFailures, telemetry.RelayOversized = savedUploads, savedFailures, savedOversized
		telemetry.RelayDuration = savedDuration
	}()

	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("bytes"))
	}))
	defer source.Close()
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"attachments": []map[string]any{{"filename": "n.png", "url": "https://cdn.example/n.png"}},
		})
	}))
	defer webhook.Close()

	r := &Relay{}
	if _, err := r.Reupload(context.Background(), webhook.URL, source.URL, "n.png"); err != nil {
		t.Fatalf("Reupload error: %v", err)
	}

	oversized := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "26000000")
		w.WriteHeader(http.StatusOK)
	}))
	defer oversized.Close()
	if _, err := r.Reupload(context.Background(), webhook.URL, oversized.URL, "big.bin"); !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge, got %v", err)
	}
}

func TestReuploadEmitsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	old := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(old) })

	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("bytes"))
	}))
	defer source.Close()
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"attachments": []map[string]any{{"filename": "s.png", "url": "https://cdn.example/s.png"}},
		})
	}))
	defer webhook.Close()

	ctx := telemetry.WithCorrelation(context.Background(), "corr-123")
	r := &Relay{}
	if _, err := r.Reupload(ctx, webhook.URL, source.URL, "s.png"); err != nil {
		t.Fatalf("Reupload error: %v", err)
	}

	var found bool
	for _, span := range recorder.Ended() {
		if span.Name() != "relay.reupload" {
			continue
		}
		found = true
		if span.Status().Code != codes.Ok {
			t.Errorf("span status = %v, want Ok", span.Status().Code)
		}
		var gotFilename, gotCorr string
		for _, attr := range span.Attributes() {
			switch string(attr.Key) {
			case "filename":
				gotFilename = attr.Value.AsString()
			case "correlation_id":
				gotCorr = attr.Value.AsString()
			}
		}
		if gotFilename != "s.png" {
			t.Errorf("span filename = %q", gotFilename)
		}
		if gotCorr != "corr-123" {
			t.Errorf("span correlation_id = %q", gotCorr)
		}
	}
	if !found {
		t.Fatal("no relay.reupload span recorded")
	}
}

func TestDownloadStopsOnCancel(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer source.Close()

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{sleep: func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}}
	_, err := r.download(ctx, source.URL)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
