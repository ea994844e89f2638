// Package relay moves binary assets from the source platform to the archive's
// hosting endpoint: download, size check, multipart re-upload. The two sides
// retry differently: downloads use a bounded linear backoff, uploads honor the
// endpoint's rate-limit hints indefinitely.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/thread-tender/telemetry"
)

// MaxAttachmentBytes is the hosting endpoint's hard payload ceiling. Oversized
// assets are never partially uploaded.
const MaxAttachmentBytes = 25_000_000

// maxDownloadAttempts bounds the linear download backoff (attempt n waits n seconds).
const maxDownloadAttempts = 10

var (
	// ErrTooLarge means the source asset exceeds MaxAttachmentBytes.
	ErrTooLarge = errors.New("relay: attachment exceeds size ceiling")
	// ErrUploadRejected means the endpoint refused the upload without a retry hint.
	ErrUploadRejected = errors.New("relay: upload rejected")
)

// ErrorClass represents whether a download failure should be retried.
type ErrorClass int

const (
	// ErrorClassRetryable indicates the download should be retried (transient errors).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates the download should not be retried (permanent errors).
	ErrorClassFatal
)

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("download status %d", e.code)
}

// ClassifyDownloadError classifies download errors into retryable vs fatal.
// Client errors are permanent (the CDN will keep saying 404) except for
// throttling and timeouts; server errors and transport failures are transient.
func ClassifyDownloadError(err error) ErrorClass {
	var se *statusError
	if errors.As(err, &se) {
		switch {
		case se.code == http.StatusTooManyRequests || se.code == http.StatusRequestTimeout:
			return ErrorClassRetryable
		case se.code >= 400 && se.code < 500:
			return ErrorClassFatal
		}
	}
	return ErrorClassRetryable
}

// Hosted is the endpoint's record of a re-hosted asset.
type Hosted struct {
	URL  string
	Name string
}

// Relay downloads from the source service and re-uploads to a webhook-style
// hosting endpoint. The zero value is usable; fields tune behavior.
type Relay struct {
	HTTPClient *http.Client
	// Referer is sent on source downloads (some CDNs require it).
	Referer string

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func (r *Relay) http() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return http.DefaultClient
}

func (r *Relay) wait(ctx context.Context, d time.Duration) error {
	if r.sleep != nil {
		return r.sleep(ctx, d)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Reupload downloads sourceURL and re-uploads it to webhookURL under filename.
// Failures are per-attachment and non-fatal to the caller: the error reports
// why this one asset was dropped.
func (r *Relay) Reupload(ctx context.Context, webhookURL, sourceURL, filename string) (*Hosted, error) {
	ctx, span := telemetry.StartSpan(ctx, "relay", "relay.reupload",
		attribute.String("filename", filename))
	defer span.End()

	start := time.Now()
	data, err := r.download(ctx, sourceURL)
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			if telemetry.RelayOversized != nil {
				telemetry.RelayOversized.Inc()
			}
		} else if telemetry.RelayFailures != nil {
			telemetry.RelayFailures.Inc()
		}
		telemetry.RecordError(span, err)
		return nil, err
	}

	hosted, err := r.upload(ctx, webhookURL, filename, data)
	if err != nil {
		if telemetry.RelayFailures != nil {
			telemetry.RelayFailures.Inc()
		}
		telemetry.RecordError(span, err)
		return nil, err
	}
	if telemetry.RelayUploads != nil {
		telemetry.RelayUploads.Inc()
	}
	if telemetry.RelayDuration != nil {
		telemetry.RelayDuration.Observe(time.Since(start).Seconds())
	}
	telemetry.SetSpanSuccess(span)
	return hosted, nil
}

// download fetches the asset with a linear backoff on transient failures:
// attempt n sleeps n seconds first, giving up after maxDownloadAttempts.
func (r *Relay) download(ctx context.Context, sourceURL string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= maxDownloadAttempts; attempt++ {
		if attempt > 1 {
			slog.Warn("retrying attachment download",
				slog.String("url", sourceURL),
				slog.Int("attempt", attempt),
				slog.Any("err", lastErr),
				slog.String("component", "relay"))
			if err := r.wait(ctx, time.Duration(attempt-1)*time.Second); err != nil {
				return nil, err
			}
		}

		data, err := r.downloadOnce(ctx, sourceURL)
		if err == nil {
			return data, nil
		}
		if errors.Is(err, ErrTooLarge) || ctx.Err() != nil {
			return nil, err
		}
		if ClassifyDownloadError(err) == ErrorClassFatal {
			return nil, fmt.Errorf("download failed permanently: %w", err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("download failed after %d attempts: %w", maxDownloadAttempts, lastErr)
}

func (r *Relay) downloadOnce(ctx context.Context, sourceURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, err
	}
	if r.Referer != "" {
		req.Header.Set("Referer", r.Referer)
	}
	resp, err := r.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode}
	}
	if resp.ContentLength > MaxAttachmentBytes {
		return nil, ErrTooLarge
	}
	// The declared length can lie; cap the read as well.
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxAttachmentBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxAttachmentBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}

// upload posts the asset as a multipart form. A response without an
// attachments payload but with a retry hint is slept out and retried
// indefinitely; without a hint it is terminal for this asset.
func (r *Relay) upload(ctx context.Context, webhookURL, filename string, data []byte) (*Hosted, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		body, contentType, err := buildForm(filename, data)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		resp, err := r.http().Do(req)
		if err != nil {
			return nil, fmt.Errorf("upload: %w", err)
		}

		hosted, retryAfter, err := parseUploadResponse(resp)
		if err != nil {
			return nil, err
		}
		if hosted != nil {
			return hosted, nil
		}
		slog.Warn("upload rate limited",
			slog.Duration("retry_after", retryAfter),
			slog.String("filename", filename),
			slog.String("component", "relay"))
		if err := r.wait(ctx, retryAfter); err != nil {
			return nil, err
		}
	}
}

func buildForm(filename string, data []byte) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files[0]"; filename=%q`, filename))
	h.Set("Content-Type", "application/octet-stream")
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}

	payload, err := json.Marshal(map[string]any{
		"attachments": []map[string]any{{"id": 0, "filename": filename}},
		"content":     "",
	})
	if err != nil {
		return nil, "", err
	}
	if err := w.WriteField("payload_json", string(payload)); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// parseUploadResponse returns either the hosted record, or a retry-after
// duration when the endpoint asked us to back off, or a terminal error.
func parseUploadResponse(resp *http.Response) (*Hosted, time.Duration, error) {
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()

	headerHint := parseRateLimitHeader(resp.Header)

	var body struct {
		Attachments []struct {
			Filename string `json:"filename"`
			URL      string `json:"url"`
		} `json:"attachments"`
		RetryAfter *float64 `json:"retry_after"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		// Not JSON at all (e.g. an HTML error page): back off on the header hint.
		return nil, headerHint, nil
	}
	if len(body.Attachments) > 0 {
		return &Hosted{URL: body.Attachments[0].URL, Name: body.Attachments[0].Filename}, 0, nil
	}
	if body.RetryAfter != nil {
		hint := headerHint
		if secs := *body.RetryAfter; secs > 0 {
			hint = time.Duration(secs * float64(time.Second))
		}
		return nil, hint, nil
	}
	return nil, 0, fmt.Errorf("%w: status %d", ErrUploadRejected, resp.StatusCode)
}

// parseRateLimitHeader reads the endpoint's reset headers, defaulting to a
// minute when it gives none.
func parseRateLimitHeader(h http.Header) time.Duration {
	if after := h.Get("X-Ratelimit-Reset-After"); after != "" {
		if secs, err := strconv.ParseFloat(after, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	if reset := h.Get("X-Ratelimit-Reset"); reset != "" {
		if epoch, err := strconv.ParseFloat(reset, 64); err == nil {
			if d := time.Until(time.Unix(int64(epoch), 0)); d > 0 {
				return d
			}
		}
	}
	return 60 * time.Second
}
