package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/thread-tender/telemetry"
)

// Sink is the single writer to the store. All conversion workers feed it
// through one channel; each Result commits in its own transaction so a crash
// loses at most the in-flight item.
type Sink struct {
	DB *sql.DB
}

// Run drains queue until it is closed, acking each item on wg. Writes use a
// context detached from cancellation: on shutdown the producers stop and close
// the queue, and the sink finishes draining it, letting any in-flight
// transaction complete rather than aborting it mid-write. A write is retried
// once; a second failure aborts the run so the operator notices instead of
// silently losing history.
func (s *Sink) Run(ctx context.Context, queue <-chan *Result, wg *sync.WaitGroup) error {
	writeCtx := context.WithoutCancel(ctx)
	for res := range queue {
		telemetry.SetSinkQueueDepth(len(queue))
		err := s.Apply(writeCtx, res)
		if err != nil {
			slog.Warn("sink write failed, retrying once",
				slog.String("message_id", res.Message.ID),
				slog.Any("err", err),
				slog.String("component", "sink"))
			err = s.Apply(writeCtx, res)
		}
		wg.Done()
		if err != nil {
			if telemetry.SinkWriteFailures != nil {
				telemetry.SinkWriteFailures.Inc()
			}
			// Keep acking queued items so producers can unwind.
			go func() {
				for range queue {
					wg.Done()
				}
			}()
			return fmt.Errorf("sink: persisting message %s: %w", res.Message.ID, err)
		}
	}
	return nil
}

// Apply commits one Result atomically. Every statement is an upsert, so
// replaying the same Result is a no-op apart from refreshed mutable fields.
func (s *Sink) Apply(ctx context.Context, res *Result) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "ingest", "sink.apply",
		attribute.String("message_id", res.Message.ID))
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.SetSpanSuccess(span)
		}
		span.End()
	}()

	start := time.Now()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertSenderStub(ctx, tx, res.Sender); err != nil {
		return err
	}
	if err := upsertMessage(ctx, tx, res.Message); err != nil {
		return err
	}
	if res.Reply != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO replied_to (message_id, replied_to_id)
			VALUES ($1, $2)
			ON CONFLICT (message_id) DO NOTHING`,
			res.Reply.MessageID, res.Reply.RepliedToID); err != nil {
			return fmt.Errorf("replied_to: %w", err)
		}
	}
	for _, r := range res.Reactions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reactions (message_id, emoji, count)
			VALUES ($1, $2, $3)
			ON CONFLICT (message_id, emoji) DO UPDATE SET count = EXCLUDED.count`,
			r.MessageID, r.Emoji, r.Count); err != nil {
			return fmt.Errorf("reaction %q: %w", r.Emoji, err)
		}
	}
	for _, a := range res.Attachments {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attachments (id, message_id, name, type, url, width, height)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id, message_id) DO NOTHING`,
			a.ID, a.MessageID, a.Name, a.Type, a.URL, a.Width, a.Height); err != nil {
			return fmt.Errorf("attachment %s: %w", a.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if telemetry.SinkWrites != nil {
		telemetry.SinkWrites.Inc()
	}
	if telemetry.SinkWriteDuration != nil {
		telemetry.SinkWriteDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

// upsertSenderStub writes the per-message sender stub. Stored values win over
// the stub so a prefetched authoritative profile is never clobbered by the
// weaker per-message name.
func upsertSenderStub(ctx context.Context, tx *sql.Tx, u UserRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, name, avatar_url)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			name       = COALESCE(users.name, EXCLUDED.name),
			avatar_url = COALESCE(users.avatar_url, EXCLUDED.avatar_url)`,
		u.ID, u.Name, u.AvatarURL)
	if err != nil {
		return fmt.Errorf("user %d: %w", u.ID, err)
	}
	return nil
}

// upsertMessage coalesces new values over stored ones: a replayed page can
// fill a column that was null before, but never regress a present value to null.
func upsertMessage(ctx context.Context, tx *sql.Tx, m MessageRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, sender_id, channel_id, text, timestamp, unsent_timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			sender_id        = COALESCE(EXCLUDED.sender_id, messages.sender_id),
			channel_id       = COALESCE(EXCLUDED.channel_id, messages.channel_id),
			text             = COALESCE(EXCLUDED.text, messages.text),
			timestamp        = COALESCE(EXCLUDED.timestamp, messages.timestamp),
			unsent_timestamp = COALESCE(EXCLUDED.unsent_timestamp, messages.unsent_timestamp)`,
		m.ID, m.SenderID, m.ChannelID, m.Text, m.Timestamp, m.UnsentTimestamp)
	if err != nil {
		return fmt.Errorf("message %s: %w", m.ID, err)
	}
	return nil
}

// UpsertChannel records a channel's id and current name.
func UpsertChannel(ctx context.Context, db *sql.DB, id int64, name string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO channels (id, name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`,
		id, name)
	if err != nil {
		return fmt.Errorf("channel %d: %w", id, err)
	}
	return nil
}

// UpsertParticipant writes an authoritative profile: the name always wins,
// the avatar only when the relay produced one.
func UpsertParticipant(ctx context.Context, db *sql.DB, id int64, name string, avatarURL *string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO users (id, name, avatar_url)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			name       = EXCLUDED.name,
			avatar_url = COALESCE(EXCLUDED.avatar_url, users.avatar_url)`,
		id, name, avatarURL)
	if err != nil {
		return fmt.Errorf("participant %d: %w", id, err)
	}
	return nil
}

// RecordRun notes the channel's last completed dump in the kv table, for
// operators checking how stale a backfill is.
func RecordRun(ctx context.Context, db *sql.DB, channelID int64, when time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		fmt.Sprintf("last_dump:%d", channelID), strconv.FormatInt(when.UnixMilli(), 10))
	if err != nil {
		return fmt.Errorf("recording run for %d: %w", channelID, err)
	}
	return nil
}

// OldestStoredTimestamp returns the earliest message timestamp stored for the
// channel, or ok=false when the channel has no rows yet.
func OldestStoredTimestamp(ctx context.Context, db *sql.DB, channelID int64) (int64, bool, error) {
	var ts sql.NullInt64
	err := db.QueryRowContext(ctx,
		`SELECT MIN(timestamp) FROM messages WHERE channel_id = $1`, channelID).Scan(&ts)
	if err != nil {
		return 0, false, fmt.Errorf("oldest timestamp for %d: %w", channelID, err)
	}
	return ts.Int64, ts.Valid, nil
}

// StoredMessageCount counts persisted messages for progress reporting.
func StoredMessageCount(ctx context.Context, db *sql.DB, channelID int64) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE channel_id = $1`, channelID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting messages for %d: %w", channelID, err)
	}
	return n, nil
}
