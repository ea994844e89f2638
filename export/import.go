package export

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Import loads an archive file back into the store. Existing rows win: every
// insert is ignore-on-conflict, so importing over a live store never clobbers
// freshly ingested data.
func Import(ctx context.Context, db *sql.DB, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	var a Archive
	if err := json.Unmarshal(raw, &a); err != nil {
		return fmt.Errorf("%s is not a valid archive: %w", path, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for key, user := range a.Meta.Users {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return fmt.Errorf("archive user id %q: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, name, avatar_url)
			VALUES ($1, $2, NULLIF($3, ''))
			ON CONFLICT (id) DO NOTHING`,
			id, user.Name, user.Avatar); err != nil {
			return fmt.Errorf("user %d: %w", id, err)
		}
	}

	for key, channel := range a.Meta.Channels {
		channelID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return fmt.Errorf("archive channel id %q: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO channels (id, name)
			VALUES ($1, $2)
			ON CONFLICT (id) DO NOTHING`,
			channelID, channel.Name); err != nil {
			return fmt.Errorf("channel %d: %w", channelID, err)
		}
		if err := importChannelData(ctx, tx, &a, key, channelID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func importChannelData(ctx context.Context, tx *sql.Tx, a *Archive, key string, channelID int64) error {
	for rawID, entry := range a.Data[key] {
		messageID := ensureIDPrefix(rawID)
		if entry.User < 0 || entry.User >= len(a.Meta.UserIndex) {
			return fmt.Errorf("message %s: sender index %d out of range", messageID, entry.User)
		}
		senderID, err := strconv.ParseInt(a.Meta.UserIndex[entry.User], 10, 64)
		if err != nil {
			return fmt.Errorf("message %s: sender id: %w", messageID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, sender_id, channel_id, text, timestamp, unsent_timestamp)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULL)
			ON CONFLICT (id) DO NOTHING`,
			messageID, senderID, channelID, entry.Text, entry.Timestamp); err != nil {
			return fmt.Errorf("message %s: %w", messageID, err)
		}

		if entry.ReplyTo != "" {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO replied_to (message_id, replied_to_id)
				VALUES ($1, $2)
				ON CONFLICT (message_id) DO NOTHING`,
				messageID, ensureIDPrefix(entry.ReplyTo)); err != nil {
				return fmt.Errorf("reply edge %s: %w", messageID, err)
			}
		}

		for _, r := range entry.Reactions {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO reactions (message_id, emoji, count)
				VALUES ($1, $2, $3)
				ON CONFLICT (message_id, emoji) DO UPDATE SET count = EXCLUDED.count`,
				messageID, r.Emoji, r.Count); err != nil {
				return fmt.Errorf("reaction on %s: %w", messageID, err)
			}
		}

		for _, f := range entry.Files {
			attachmentType, attachmentID := parseAttachmentName(f.Name)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO attachments (id, message_id, name, type, url, width, height)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (id, message_id) DO NOTHING`,
				attachmentID, messageID, f.Name, attachmentType, f.URL, f.Width, f.Height); err != nil {
				return fmt.Errorf("attachment %s on %s: %w", f.Name, messageID, err)
			}
		}
	}
	return nil
}

// parseAttachmentName recovers the type tag and source id from a hosted
// filename of the form "type-id.ext". Names without a dash are stickers named
// by bare id.
func parseAttachmentName(name string) (attachmentType, attachmentID string) {
	if base, rest, ok := strings.Cut(name, "-"); ok {
		id, _, _ := strings.Cut(rest, ".")
		return base, id
	}
	id, _, _ := strings.Cut(name, ".")
	return "sticker", id
}
