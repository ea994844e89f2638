package ingest

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/onnwee/thread-tender/chatapi"
	"github.com/onnwee/thread-tender/relay"
	"github.com/onnwee/thread-tender/telemetry"
	"github.com/onnwee/thread-tender/testutil"
)

func init() { telemetry.Init() }

// fakeAPI is an in-process chatapi.Client for converter and pipeline tests.
// history holds the full message list; FetchMessages serves pages from it the
// way the real service does, newest first below the checkpoint.
type fakeAPI struct {
	info     *chatapi.ThreadInfo
	history  []chatapi.Message
	sticker  *chatapi.Sticker
	imageURL string
	fileURL  string

	rateLimitsLeft int
	fetchCalls     int
}

func (f *fakeAPI) FetchThreadInfo(ctx context.Context, threadID int64) (*chatapi.ThreadInfo, error) {
	return f.info, nil
}

func (f *fakeAPI) FetchMessages(ctx context.Context, threadID, beforeTsMs int64, count int) ([]chatapi.Message, error) {
	f.fetchCalls++
	if f.rateLimitsLeft > 0 {
		f.rateLimitsLeft--
		return nil, chatapi.ErrRateLimited
	}
	var page []chatapi.Message
	for _, m := range f.history {
		if m.Timestamp < beforeTsMs {
			page = append(page, m)
			if len(page) == count {
				break
			}
		}
	}
	return page, nil
}

func (f *fakeAPI) GetImageURL(ctx context.Context, messageID, mediaID string) (string, error) {
	if f.imageURL == "" {
		return "", fmt.Errorf("no image url")
	}
	return f.imageURL, nil
}

func (f *fakeAPI) GetFileURL(ctx context.Context, threadID int64, messageID, mediaID string) (string, error) {
	if f.fileURL == "" {
		return "", fmt.Errorf("no file url")
	}
	return f.fileURL, nil
}

func (f *fakeAPI) FetchSticker(ctx context.Context, stickerID int64) (*chatapi.Sticker, error) {
	if f.sticker == nil {
		return nil, fmt.Errorf("sticker %d not found", stickerID)
	}
	return f.sticker, nil
}

func TestSpliceMentions(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		ranges []chatapi.MentionRange
		want   string
	}{
		{
			name:   "single mention",
			text:   "hello X",
			ranges: []chatapi.MentionRange{{Offset: 6, Length: 1, EntityID: 42}},
			want:   "hello <@42>",
		},
		{
			name: "two mentions applied independently of input order",
			text: "A and B",
			ranges: []chatapi.MentionRange{
				{Offset: 0, Length: 1, EntityID: 1},
				{Offset: 6, Length: 1, EntityID: 2},
			},
			want: "<@1> and <@2>",
		},
		{
			name:   "offset counts utf16 units past a surrogate pair",
			text:   "\U0001F44D hi X",
			ranges: []chatapi.MentionRange{{Offset: 6, Length: 1, EntityID: 7}},
			want:   "\U0001F44D hi <@7>",
		},
		{
			name:   "zero entity id left as-is",
			text:   "hello X",
			ranges: []chatapi.MentionRange{{Offset: 6, Length: 1, EntityID: 0}},
			want:   "hello X",
		},
		{
			name:   "out of bounds range ignored",
			text:   "hi",
			ranges: []chatapi.MentionRange{{Offset: 1, Length: 5, EntityID: 3}},
			want:   "hi",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := spliceMentions(tt.text, tt.ranges); got != tt.want {
				t.Errorf("spliceMentions(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestGroupReactions(t *testing.T) {
	rows := groupReactions("m1", []chatapi.Reaction{
		{Emoji: "a"}, {Emoji: "b"}, {Emoji: "a"}, {Emoji: "c"}, {Emoji: "a"},
	})
	if len(rows) != 3 {
		t.Fatalf("expected 3 grouped rows, got %d", len(rows))
	}
	want := []ReactionRow{
		{MessageID: "m1", Emoji: "a", Count: 3},
		{MessageID: "m1", Emoji: "b", Count: 1},
		{MessageID: "m1", Emoji: "c", Count: 1},
	}
	for i, w := range want {
		if rows[i] != w {
			t.Errorf("row %d = %+v, want %+v", i, rows[i], w)
		}
	}
}

func TestConvertTextMessage(t *testing.T) {
	c := &Converter{API: &fakeAPI{}}
	unsent := int64(1700000001000)
	msg := &chatapi.Message{
		ID:              "mid.100",
		Timestamp:       1700000000000,
		UnsentTimestamp: &unsent,
		Sender:          chatapi.Sender{ID: 9, Name: "alice"},
		Body: &chatapi.MessageBody{
			Text:   "hi X *wave*",
			Ranges: []chatapi.MentionRange{{Offset: 3, Length: 1, EntityID: 42}},
		},
		RepliedToID: "mid.50",
		Reactions:   []chatapi.Reaction{{Emoji: "x"}, {Emoji: "x"}},
	}

	res, err := c.Convert(context.Background(), msg, 7)
	if err != nil {
		t.Fatalf("Convert() error: %v", err)
	}
	if res.Message.Text == nil || *res.Message.Text != `hi <@42> \*wave\*` {
		t.Errorf("text = %v, want escaped mention splice", res.Message.Text)
	}
	if res.Message.ChannelID != 7 || res.Message.SenderID != 9 {
		t.Errorf("row ids wrong: %+v", res.Message)
	}
	if res.Message.UnsentTimestamp == nil || *res.Message.UnsentTimestamp != unsent {
		t.Errorf("unsent timestamp not carried")
	}
	if res.Reply == nil || res.Reply.RepliedToID != "mid.50" {
		t.Errorf("reply edge = %+v", res.Reply)
	}
	if len(res.Reactions) != 1 || res.Reactions[0].Count != 2 {
		t.Errorf("reactions = %+v", res.Reactions)
	}
	if res.Sender.Name != "alice" {
		t.Errorf("sender stub = %+v", res.Sender)
	}
}

func TestConvertMediaOnlyMessage(t *testing.T) {
	c := &Converter{API: &fakeAPI{}}
	res, err := c.Convert(context.Background(), &chatapi.Message{
		ID:        "mid.1",
		Timestamp: 1,
		Sender:    chatapi.Sender{ID: 1},
	}, 7)
	if err != nil {
		t.Fatalf("Convert() error: %v", err)
	}
	if res.Message.Text != nil {
		t.Errorf("expected nil text for bodyless message, got %q", *res.Message.Text)
	}
	if res.Sender.Name != "Unknown user" {
		t.Errorf("sender name = %q", res.Sender.Name)
	}
}

func TestConvertRelaysAttachments(t *testing.T) {
	source := testutil.NewMockChatServer(t)
	source.Handlers["/cdn/pic"] = func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("imagebytes"))
	}
	source.Handlers["/cdn/huge"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "30000000")
	}
	webhook := testutil.NewMockWebhookServer(t)

	c := &Converter{
		API:         &fakeAPI{},
		Relay:       &relay.Relay{},
		WebhookURLs: []string{webhook.URL},
	}
	msg := &chatapi.Message{
		ID:        "mid.2",
		Timestamp: 2,
		Sender:    chatapi.Sender{ID: 1, Name: "bob"},
		Attachments: []chatapi.Attachment{
			{
				ID:         "a1",
				Filename:   "pic",
				MimeType:   "image/png",
				Kind:       chatapi.KindImage,
				FullScreen: &chatapi.ImageRendition{URI: source.URL + "/cdn/pic", Width: 100, Height: 100},
			},
			{
				ID:         "a2",
				Filename:   "huge.png",
				Kind:       chatapi.KindImage,
				FullScreen: &chatapi.ImageRendition{URI: source.URL + "/cdn/huge", Width: 1, Height: 1},
			},
		},
	}

	res, err := c.Convert(context.Background(), msg, 7)
	if err != nil {
		t.Fatalf("Convert() error: %v", err)
	}
	// The oversized one is dropped; the good one survives.
	if len(res.Attachments) != 1 {
		t.Fatalf("expected 1 surviving attachment, got %d: %+v", len(res.Attachments), res.Attachments)
	}
	a := res.Attachments[0]
	if a.ID != "a1" || a.Type != "image" || a.MessageID != "mid.2" {
		t.Errorf("attachment row = %+v", a)
	}
	if !strings.HasSuffix(a.Name, ".png") {
		t.Errorf("expected mime-derived extension, got %q", a.Name)
	}
	if !strings.HasPrefix(a.URL, webhook.URL+"/cdn/") {
		t.Errorf("expected hosted url, got %q", a.URL)
	}
}

func TestConvertSticker(t *testing.T) {
	source := testutil.NewMockChatServer(t)
	source.Handlers["/cdn/sticker"] = func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("gifbytes"))
	}
	webhook := testutil.NewMockWebhookServer(t)

	c := &Converter{
		API: &fakeAPI{
			sticker: &chatapi.Sticker{
				ID:            55,
				AnimatedImage: &chatapi.ImageRendition{URI: source.URL + "/cdn/sticker", Width: 64, Height: 64},
				ThreadImage:   &chatapi.ImageRendition{URI: source.URL + "/cdn/other", Width: 32, Height: 32},
			},
		},
		Relay:       &relay.Relay{},
		WebhookURLs: []string{webhook.URL},
	}
	msg := &chatapi.Message{
		ID:        "mid.3",
		Timestamp: 3,
		Sender:    chatapi.Sender{ID: 1, Name: "bob"},
		Sticker:   &chatapi.StickerRef{ID: 55},
	}

	res, err := c.Convert(context.Background(), msg, 7)
	if err != nil {
		t.Fatalf("Convert() error: %v", err)
	}
	if len(res.Attachments) != 1 {
		t.Fatalf("expected sticker row, got %+v", res.Attachments)
	}
	a := res.Attachments[0]
	if a.Type != "sticker" || a.ID != "55" {
		t.Errorf("sticker row = %+v", a)
	}
	// Animated rendition wins over the static one.
	if a.Name != "sticker-55.gif" {
		t.Errorf("sticker name = %q", a.Name)
	}
	if a.Width == nil || *a.Width != 64 {
		t.Errorf("sticker width = %v", a.Width)
	}
}

func TestDimsLess(t *testing.T) {
	if !dimsLess(100, 100, 200, 200) {
		t.Error("smaller rendition should report less")
	}
	if dimsLess(200, 200, 200, 200) {
		t.Error("equal dims should not report less")
	}
	if !dimsLess(200, 100, 200, 200) {
		t.Error("equal width, smaller height should report less")
	}
}
