// Package chatapi contains a minimal client for the remote chat service's
// history API: thread info, paged message fetch, and media URL lookups,
// authenticated with a saved session token.
package chatapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
)

// ErrRateLimited is returned when the service throttles a history fetch.
// Callers are expected to cool down and retry the same page.
var ErrRateLimited = errors.New("chatapi: rate limited")

// Client is the surface the ingestion pipeline consumes. The HTTP
// implementation below is the real one; tests substitute their own.
type Client interface {
	FetchThreadInfo(ctx context.Context, threadID int64) (*ThreadInfo, error)
	FetchMessages(ctx context.Context, threadID, beforeTsMs int64, count int) ([]Message, error)
	GetImageURL(ctx context.Context, messageID, mediaID string) (string, error)
	GetFileURL(ctx context.Context, threadID int64, messageID, mediaID string) (string, error)
	FetchSticker(ctx context.Context, stickerID int64) (*Sticker, error)
}

// HTTPClient talks to the history API over plain HTTP+JSON.
type HTTPClient struct {
	BaseURL    string
	Session    *Session
	HTTPClient *http.Client
}

var _ Client = (*HTTPClient)(nil)

func (c *HTTPClient) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *HTTPClient) get(ctx context.Context, path string, query map[string]string, out any) error {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	q := req.URL.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()
	if c.Session != nil {
		req.Header.Set("Authorization", "Bearer "+c.Session.AccessToken)
		req.Header.Set("X-Device-Id", c.Session.DeviceID)
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chatapi %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// FetchThreadInfo resolves a thread's metadata and full participant list.
func (c *HTTPClient) FetchThreadInfo(ctx context.Context, threadID int64) (*ThreadInfo, error) {
	var body struct {
		Data []ThreadInfo `json:"data"`
	}
	err := c.get(ctx, "/threads", map[string]string{"id": strconv.FormatInt(threadID, 10)}, &body)
	if err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, nil
	}
	return &body.Data[0], nil
}

// FetchMessages returns up to count messages older than beforeTsMs,
// newest-first within the page.
func (c *HTTPClient) FetchMessages(ctx context.Context, threadID, beforeTsMs int64, count int) ([]Message, error) {
	if count <= 0 {
		count = 95
	}
	var body struct {
		Nodes []Message `json:"nodes"`
	}
	err := c.get(ctx, "/messages", map[string]string{
		"thread_id": strconv.FormatInt(threadID, 10),
		"before_ts": strconv.FormatInt(beforeTsMs, 10),
		"count":     strconv.Itoa(count),
	}, &body)
	if err != nil {
		return nil, err
	}
	return body.Nodes, nil
}

// GetImageURL fetches the full-resolution URL override for an image whose
// full-screen rendition is smaller than the original.
func (c *HTTPClient) GetImageURL(ctx context.Context, messageID, mediaID string) (string, error) {
	var body struct {
		URL string `json:"url"`
	}
	err := c.get(ctx, "/media/image", map[string]string{
		"message_id": messageID,
		"media_id":   mediaID,
	}, &body)
	if err != nil {
		return "", err
	}
	return body.URL, nil
}

// GetFileURL fetches the download URL for a generic file attachment.
func (c *HTTPClient) GetFileURL(ctx context.Context, threadID int64, messageID, mediaID string) (string, error) {
	var body struct {
		URL string `json:"url"`
	}
	err := c.get(ctx, "/media/file", map[string]string{
		"thread_id":  strconv.FormatInt(threadID, 10),
		"message_id": messageID,
		"media_id":   mediaID,
	}, &body)
	if err != nil {
		return "", err
	}
	return body.URL, nil
}

// FetchSticker resolves a sticker reference to its image renditions.
func (c *HTTPClient) FetchSticker(ctx context.Context, stickerID int64) (*Sticker, error) {
	var body struct {
		Nodes []Sticker `json:"nodes"`
	}
	err := c.get(ctx, "/stickers", map[string]string{"id": strconv.FormatInt(stickerID, 10)}, &body)
	if err != nil {
		return nil, err
	}
	if len(body.Nodes) == 0 {
		return nil, fmt.Errorf("sticker %d not found", stickerID)
	}
	return &body.Nodes[0], nil
}
