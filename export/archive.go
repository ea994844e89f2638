// Package export flattens the store back into the portable viewer archive: a
// compact JSON document plus a self-contained HTML page with the archive
// inlined. It reads the same tables the ingestion sink writes and never
// touches the network.
package export

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// UserMeta is one entry in the archive's user table.
type UserMeta struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Tag    string `json:"tag,omitempty"`
}

// ChannelMeta describes one exported channel.
type ChannelMeta struct {
	Server int    `json:"server"`
	Name   string `json:"name"`
	NSFW   bool   `json:"nsfw"`
}

// ReactionEntry is one grouped reaction on a message.
type ReactionEntry struct {
	Emoji string `json:"n"`
	Count int    `json:"c"`
}

// AttachmentEntry is one re-hosted asset on a message.
type AttachmentEntry struct {
	URL    string `json:"url"`
	Name   string `json:"name"`
	Width  *int   `json:"width,omitempty"`
	Height *int   `json:"height,omitempty"`
}

// MessageEntry is the viewer's compact per-message record. Field names are
// part of the archive format and must not change.
type MessageEntry struct {
	User      int               `json:"u"`
	Timestamp int64             `json:"t"`
	Text      string            `json:"m,omitempty"`
	ReplyTo   string            `json:"r,omitempty"`
	Reactions []ReactionEntry   `json:"re,omitempty"`
	Files     []AttachmentEntry `json:"a,omitempty"`
}

// Meta is the archive header.
type Meta struct {
	Users     map[string]UserMeta    `json:"users"`
	UserIndex []string               `json:"userindex"`
	Channels  map[string]ChannelMeta `json:"channels"`
}

// Archive is the complete viewer payload.
type Archive struct {
	Meta Meta                               `json:"meta"`
	Data map[string]map[string]MessageEntry `json:"data"`
}

// Build assembles the archive for the requested channels. Messages within a
// channel are ordered by timestamp; the user index is first-seen order across
// that traversal, so the same store always produces the same archive.
func Build(ctx context.Context, db *sql.DB, channelIDs []int64) (*Archive, error) {
	a := &Archive{
		Meta: Meta{
			Users:     make(map[string]UserMeta),
			UserIndex: []string{},
			Channels:  make(map[string]ChannelMeta),
		},
		Data: make(map[string]map[string]MessageEntry),
	}
	userSlot := make(map[int64]int)

	for _, channelID := range channelIDs {
		var name string
		err := db.QueryRowContext(ctx, `SELECT name FROM channels WHERE id = $1`, channelID).Scan(&name)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("channel %d is not in the store", channelID)
		}
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", channelID, err)
		}
		key := strconv.FormatInt(channelID, 10)
		a.Meta.Channels[key] = ChannelMeta{Name: name}

		entries, err := buildChannel(ctx, db, a, userSlot, channelID)
		if err != nil {
			return nil, err
		}
		a.Data[key] = entries
	}
	return a, nil
}

func buildChannel(ctx context.Context, db *sql.DB, a *Archive, userSlot map[int64]int, channelID int64) (map[string]MessageEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT m.id, m.sender_id, u.name, COALESCE(u.avatar_url, ''), m.text, m.timestamp, r.replied_to_id
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		LEFT JOIN replied_to r ON r.message_id = m.id
		WHERE m.channel_id = $1
		ORDER BY m.timestamp ASC, m.id ASC`, channelID)
	if err != nil {
		return nil, fmt.Errorf("messages for %d: %w", channelID, err)
	}
	defer func() { _ = rows.Close() }()

	entries := make(map[string]MessageEntry)
	for rows.Next() {
		var (
			id, senderName, avatar string
			senderID, ts           int64
			text, replyTo          sql.NullString
		)
		if err := rows.Scan(&id, &senderID, &senderName, &avatar, &text, &ts, &replyTo); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}

		slot, seen := userSlot[senderID]
		if !seen {
			slot = len(a.Meta.UserIndex)
			userSlot[senderID] = slot
			key := strconv.FormatInt(senderID, 10)
			a.Meta.UserIndex = append(a.Meta.UserIndex, key)
			a.Meta.Users[key] = UserMeta{Name: senderName, Avatar: avatar}
		}

		entry := MessageEntry{User: slot, Timestamp: ts, Text: text.String}
		if replyTo.Valid {
			entry.ReplyTo = stripIDPrefix(replyTo.String)
		}
		entries[stripIDPrefix(id)] = entry
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := attachReactions(ctx, db, channelID, entries); err != nil {
		return nil, err
	}
	if err := attachFiles(ctx, db, channelID, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func attachReactions(ctx context.Context, db *sql.DB, channelID int64, entries map[string]MessageEntry) error {
	rows, err := db.QueryContext(ctx, `
		SELECT r.message_id, r.emoji, r.count
		FROM reactions r
		JOIN messages m ON m.id = r.message_id
		WHERE m.channel_id = $1
		ORDER BY r.message_id, r.emoji`, channelID)
	if err != nil {
		return fmt.Errorf("reactions for %d: %w", channelID, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			messageID, emoji string
			count            int
		)
		if err := rows.Scan(&messageID, &emoji, &count); err != nil {
			return fmt.Errorf("scanning reaction: %w", err)
		}
		key := stripIDPrefix(messageID)
		entry, ok := entries[key]
		if !ok {
			continue
		}
		entry.Reactions = append(entry.Reactions, ReactionEntry{Emoji: emoji, Count: count})
		entries[key] = entry
	}
	return rows.Err()
}

func attachFiles(ctx context.Context, db *sql.DB, channelID int64, entries map[string]MessageEntry) error {
	rows, err := db.QueryContext(ctx, `
		SELECT a.message_id, a.name, a.url, a.width, a.height
		FROM attachments a
		JOIN messages m ON m.id = a.message_id
		WHERE m.channel_id = $1
		ORDER BY a.message_id, a.id`, channelID)
	if err != nil {
		return fmt.Errorf("attachments for %d: %w", channelID, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			messageID, name, url string
			width, height        sql.NullInt64
		)
		if err := rows.Scan(&messageID, &name, &url, &width, &height); err != nil {
			return fmt.Errorf("scanning attachment: %w", err)
		}
		key := stripIDPrefix(messageID)
		entry, ok := entries[key]
		if !ok {
			continue
		}
		file := AttachmentEntry{URL: url, Name: name}
		if width.Valid {
			w := int(width.Int64)
			file.Width = &w
		}
		if height.Valid {
			h := int(height.Int64)
			file.Height = &h
		}
		entry.Files = append(entry.Files, file)
		entries[key] = entry
	}
	return rows.Err()
}

// Message ids are stored with the source's "mid." prefix; the archive keys
// drop it and the import path restores it.
const idPrefix = "mid."

func stripIDPrefix(id string) string {
	return strings.TrimPrefix(id, idPrefix)
}

func ensureIDPrefix(id string) string {
	if strings.HasPrefix(id, idPrefix) {
		return id
	}
	return idPrefix + id
}
