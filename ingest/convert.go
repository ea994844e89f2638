// Package ingest implements the fetch/convert/persist pipeline that drains a
// channel's full message history into the store.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"mime"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	"github.com/onnwee/thread-tender/chatapi"
	"github.com/onnwee/thread-tender/markdown"
	"github.com/onnwee/thread-tender/relay"
	"github.com/onnwee/thread-tender/telemetry"
)

// Converter maps one raw message into a Result, re-hosting media through the
// relay. Safe for concurrent use.
type Converter struct {
	API         chatapi.Client
	Relay       *relay.Relay
	WebhookURLs []string
}

// Convert produces the row-set for one message. A relay failure for one
// attachment drops only that attachment; the rest of the message survives.
func (c *Converter) Convert(ctx context.Context, msg *chatapi.Message, threadID int64) (*Result, error) {
	start := time.Now()
	res := &Result{
		Sender: UserRow{ID: msg.Sender.ID, Name: senderName(msg.Sender)},
		Message: MessageRow{
			ID:              msg.ID,
			SenderID:        msg.Sender.ID,
			ChannelID:       threadID,
			Timestamp:       msg.Timestamp,
			UnsentTimestamp: msg.UnsentTimestamp,
		},
	}

	if msg.Body != nil {
		text := spliceMentions(msg.Body.Text, msg.Body.Ranges)
		text = markdown.Escape(text, markdown.Options{KeepURLs: true})
		res.Message.Text = &text
	}

	if msg.RepliedToID != "" {
		res.Reply = &ReplyEdge{MessageID: msg.ID, RepliedToID: msg.RepliedToID}
	}

	res.Reactions = groupReactions(msg.ID, msg.Reactions)

	if len(c.WebhookURLs) > 0 {
		res.Attachments = c.convertAttachments(ctx, msg, threadID)
	}

	if telemetry.ConvertDuration != nil {
		telemetry.ConvertDuration.Observe(time.Since(start).Seconds())
	}
	return res, nil
}

func senderName(s chatapi.Sender) string {
	if s.Name != "" {
		return s.Name
	}
	return "Unknown user"
}

// spliceMentions replaces each mention range with a <@id> marker. Offsets are
// UTF-16 code units, so the splice happens on the UTF-16 encoding, applied in
// descending offset order so earlier replacements don't shift pending ones.
func spliceMentions(text string, ranges []chatapi.MentionRange) string {
	if len(ranges) == 0 {
		return text
	}
	units := utf16.Encode([]rune(text))

	ordered := make([]chatapi.MentionRange, len(ranges))
	copy(ordered, ranges)
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if ordered[j].Offset > ordered[i].Offset {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}

	for _, r := range ordered {
		if r.EntityID == 0 || r.Offset < 0 || r.Offset+r.Length > len(units) {
			continue
		}
		marker := utf16.Encode([]rune("<@" + strconv.FormatInt(r.EntityID, 10) + ">"))
		spliced := make([]uint16, 0, len(units)-r.Length+len(marker))
		spliced = append(spliced, units[:r.Offset]...)
		spliced = append(spliced, marker...)
		spliced = append(spliced, units[r.Offset+r.Length:]...)
		units = spliced
	}
	return string(utf16.Decode(units))
}

// groupReactions counts reactions per emoji. The remote does not guarantee
// emoji-sorted input, so grouping uses a map; first-seen order is preserved
// for deterministic output.
func groupReactions(messageID string, reactions []chatapi.Reaction) []ReactionRow {
	if len(reactions) == 0 {
		return nil
	}
	counts := make(map[string]int, len(reactions))
	order := make([]string, 0, len(reactions))
	for _, r := range reactions {
		if _, seen := counts[r.Emoji]; !seen {
			order = append(order, r.Emoji)
		}
		counts[r.Emoji]++
	}
	rows := make([]ReactionRow, 0, len(order))
	for _, emoji := range order {
		rows = append(rows, ReactionRow{MessageID: messageID, Emoji: emoji, Count: counts[emoji]})
	}
	return rows
}

// convertAttachments fans out the sticker plus every blob attachment
// concurrently; ordering among them does not matter.
func (c *Converter) convertAttachments(ctx context.Context, msg *chatapi.Message, threadID int64) []AttachmentRow {
	n := len(msg.Attachments)
	if msg.Sticker != nil {
		n++
	}
	if n == 0 {
		return nil
	}

	slots := make([]*AttachmentRow, n)
	var wg sync.WaitGroup

	if msg.Sticker != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slots[n-1] = c.convertSticker(ctx, msg.ID, msg.Sticker.ID)
		}()
	}
	for i := range msg.Attachments {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			slots[i] = c.convertAttachment(ctx, &msg.Attachments[i], threadID, msg.ID)
		}(i)
	}
	wg.Wait()

	rows := make([]AttachmentRow, 0, n)
	for _, row := range slots {
		if row != nil {
			rows = append(rows, *row)
		}
	}
	return rows
}

// convertSticker resolves the sticker's renditions (animated wins) and relays it.
func (c *Converter) convertSticker(ctx context.Context, messageID string, stickerID int64) *AttachmentRow {
	sticker, err := c.API.FetchSticker(ctx, stickerID)
	if err != nil {
		slog.Warn("sticker fetch failed", slog.Int64("sticker_id", stickerID), slog.Any("err", err), slog.String("component", "convert"))
		return nil
	}
	image := sticker.ThreadImage
	ext := "png"
	if sticker.AnimatedImage != nil {
		image = sticker.AnimatedImage
		ext = "gif"
	}
	if image == nil || image.URI == "" {
		return nil
	}
	filename := fmt.Sprintf("sticker-%d.%s", stickerID, ext)
	hosted, err := c.Relay.Reupload(ctx, c.pickWebhook(), image.URI, filename)
	if err != nil {
		slog.Warn("sticker relay failed", slog.Int64("sticker_id", stickerID), slog.Any("err", err), slog.String("component", "convert"))
		return nil
	}
	w, h := image.Width, image.Height
	return &AttachmentRow{
		ID:        strconv.FormatInt(stickerID, 10),
		MessageID: messageID,
		Name:      hosted.Name,
		Type:      "sticker",
		URL:       hosted.URL,
		Width:     &w,
		Height:    &h,
	}
}

// convertAttachment picks the media URL for the attachment kind, relays the
// bytes, and emits the row. Unsupported kinds are skipped with a warning.
func (c *Converter) convertAttachment(ctx context.Context, att *chatapi.Attachment, threadID int64, messageID string) *AttachmentRow {
	filename := att.Filename
	if att.MimeType != "" && !strings.Contains(filename, ".") {
		if exts, _ := mime.ExtensionsByType(att.MimeType); len(exts) > 0 {
			filename += exts[0]
		}
	}

	var url, typeTag string
	switch att.Kind {
	case chatapi.KindImage, chatapi.KindAnimatedImage:
		typeTag = "image"
		if att.Kind == chatapi.KindAnimatedImage {
			typeTag = "gif"
		}
		if att.FullScreen == nil {
			return nil
		}
		url = att.FullScreen.URI
		// The full-screen rendition can be downscaled; ask for the original.
		if dimsLess(att.FullScreen.Width, att.FullScreen.Height, att.OriginalWidth, att.OriginalHeight) {
			if override, err := c.API.GetImageURL(ctx, messageID, att.MediaID); err == nil && override != "" {
				url = override
			}
		}
	case chatapi.KindAudio:
		url = att.PlayableURL
		typeTag = "audioclip"
	case chatapi.KindVideo:
		url = att.VideoURL
		typeTag = "video"
	case chatapi.KindFile:
		fileURL, err := c.API.GetFileURL(ctx, threadID, messageID, att.MediaID)
		if err != nil {
			slog.Warn("file url lookup failed", slog.String("attachment_id", att.ID), slog.Any("err", err), slog.String("component", "convert"))
			return nil
		}
		url = fileURL
		typeTag = "file"
	default:
		slog.Warn("unsupported attachment kind", slog.String("kind", string(att.Kind)), slog.String("attachment_id", att.ID), slog.String("component", "convert"))
		return nil
	}
	if url == "" {
		return nil
	}

	hosted, err := c.Relay.Reupload(ctx, c.pickWebhook(), url, filename)
	if err != nil {
		slog.Warn("attachment relay failed",
			slog.String("attachment_id", att.ID),
			slog.String("message_id", messageID),
			slog.Any("err", err),
			slog.String("component", "convert"))
		return nil
	}
	return &AttachmentRow{
		ID:        att.ID,
		MessageID: messageID,
		Name:      hosted.Name,
		Type:      typeTag,
		URL:       hosted.URL,
	}
}

// dimsLess reports whether the rendition (fw, fh) is smaller than the
// original (w, h), compared the way the source API compares them.
func dimsLess(fw, fh, w, h int) bool {
	if w != fw {
		return fw < w
	}
	return fh < h
}

func (c *Converter) pickWebhook() string {
	if len(c.WebhookURLs) == 1 {
		return c.WebhookURLs[0]
	}
	return c.WebhookURLs[rand.Intn(len(c.WebhookURLs))]
}
