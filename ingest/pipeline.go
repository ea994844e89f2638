package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/thread-tender/chatapi"
	"github.com/onnwee/thread-tender/telemetry"
)

// Pipeline drains one channel's history: paged fetch walking backwards in
// time, a bounded pool of conversion workers, and a single sink writer.
type Pipeline struct {
	DB        *sql.DB
	API       chatapi.Client
	Converter *Converter

	PageSize      int
	Concurrency   int
	FetchCooldown time.Duration

	// Latest starts from now instead of resuming before the oldest stored
	// message, so a finished channel can pick up recent history.
	Latest bool

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func (p *Pipeline) wait(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// DumpChannel archives the full history of one thread. It is resumable: by
// default it continues before the oldest message already stored.
func (p *Pipeline) DumpChannel(ctx context.Context, threadID int64) error {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	ctx, span := telemetry.StartSpan(ctx, "ingest", "channel.dump",
		attribute.Int64("channel_id", threadID))
	defer span.End()

	if err := p.dumpChannel(ctx, threadID); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.SetSpanSuccess(span)
	return nil
}

func (p *Pipeline) dumpChannel(ctx context.Context, threadID int64) error {
	log := telemetry.LoggerWithCorr(ctx).With(slog.Int64("channel_id", threadID))

	info, err := p.API.FetchThreadInfo(ctx, threadID)
	if err != nil {
		return fmt.Errorf("thread info for %d: %w", threadID, err)
	}
	if info == nil {
		return fmt.Errorf("thread %d: no thread info returned", threadID)
	}
	if info.ThreadID == nil {
		log.Warn("thread info carries no id, skipping channel")
		return nil
	}
	if *info.ThreadID != threadID {
		// The service resolves aliases; trust the id it reports.
		log.Warn("requested thread id differs from resolved id, adopting resolved",
			slog.Int64("resolved_id", *info.ThreadID))
		threadID = *info.ThreadID
		log = log.With(slog.Int64("resolved_channel_id", threadID))
	}

	if err := UpsertChannel(ctx, p.DB, threadID, channelName(info)); err != nil {
		return err
	}
	p.prefetchParticipants(ctx, log, info.Participants)

	before, err := p.startCheckpoint(ctx, threadID)
	if err != nil {
		return err
	}
	log.Info("dumping channel",
		slog.String("name", info.Name),
		slog.Int("message_count", info.MessageCount),
		slog.Int64("before_ts", before))

	queue := make(chan *Result, p.Concurrency*2)
	var pending sync.WaitGroup
	sink := &Sink{DB: p.DB}
	sinkErr := make(chan error, 1)
	go func() { sinkErr <- sink.Run(ctx, queue, &pending) }()

	persisted, err := StoredMessageCount(ctx, p.DB, threadID)
	if err != nil {
		return err
	}

	for {
		page, err := p.fetchPage(ctx, log, threadID, before)
		if err != nil {
			close(queue)
			<-sinkErr
			return err
		}
		if len(page) == 0 {
			break
		}

		if err := p.convertPage(ctx, log, page, threadID, queue, &pending); err != nil {
			close(queue)
			<-sinkErr
			return err
		}

		// Drain the page before fetching the next one so the checkpoint
		// only ever moves past fully persisted history.
		pending.Wait()
		select {
		case err := <-sinkErr:
			close(queue)
			return err
		default:
		}

		persisted += len(page)
		telemetry.SetRemaining(info.MessageCount - persisted)
		log.Info("page persisted",
			slog.Int("page_size", len(page)),
			slog.Int("remaining", info.MessageCount-persisted))

		before = oldestInPage(page) - 1
	}

	close(queue)
	if err := <-sinkErr; err != nil {
		return err
	}
	telemetry.SetRemaining(0)
	if err := RecordRun(ctx, p.DB, threadID, time.Now()); err != nil {
		log.Warn("recording run completion failed", slog.Any("err", err))
	}
	log.Info("channel complete", slog.Int("persisted", persisted))
	return nil
}

// startCheckpoint picks where the backwards walk begins.
func (p *Pipeline) startCheckpoint(ctx context.Context, threadID int64) (int64, error) {
	if p.Latest {
		return time.Now().UnixMilli(), nil
	}
	oldest, ok, err := OldestStoredTimestamp(ctx, p.DB, threadID)
	if err != nil {
		return 0, err
	}
	if ok {
		return oldest, nil
	}
	return time.Now().UnixMilli(), nil
}

// fetchPage retries through rate-limit cool-downs until a page arrives or the
// context ends. Other fetch errors are fatal for the channel.
func (p *Pipeline) fetchPage(ctx context.Context, log *slog.Logger, threadID, before int64) ([]chatapi.Message, error) {
	ctx, span := telemetry.StartSpan(ctx, "ingest", "page.fetch",
		attribute.Int64("channel_id", threadID),
		attribute.Int64("before_ts", before))
	defer span.End()
	for {
		var page []chatapi.Message
		var err error
		telemetry.TimeFunc(telemetry.PageFetchDuration, func() {
			page, err = p.API.FetchMessages(ctx, threadID, before, p.PageSize)
		})
		if err == nil {
			if telemetry.PagesFetched != nil {
				telemetry.PagesFetched.Inc()
			}
			telemetry.SetSpanSuccess(span)
			return page, nil
		}
		if !errors.Is(err, chatapi.ErrRateLimited) {
			err = fmt.Errorf("fetching before %d: %w", before, err)
			telemetry.RecordError(span, err)
			return nil, err
		}
		if telemetry.FetchRateLimits != nil {
			telemetry.FetchRateLimits.Inc()
		}
		log.Warn("rate limited, cooling down", slog.Duration("cooldown", p.FetchCooldown))
		if werr := p.wait(ctx, p.FetchCooldown); werr != nil {
			telemetry.RecordError(span, werr)
			return nil, werr
		}
	}
}

// convertPage runs the page through the worker pool, enqueueing each Result
// for the sink. A single message failing to convert skips that message only.
func (p *Pipeline) convertPage(ctx context.Context, log *slog.Logger, page []chatapi.Message, threadID int64, queue chan<- *Result, pending *sync.WaitGroup) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Concurrency)
	for i := range page {
		msg := &page[i]
		g.Go(func() error {
			res, err := p.Converter.Convert(gctx, msg, threadID)
			if err != nil {
				if telemetry.ConversionFailures != nil {
					telemetry.ConversionFailures.Inc()
				}
				log.Warn("message conversion failed, skipping",
					slog.String("message_id", msg.ID),
					slog.Any("err", err))
				return nil
			}
			if telemetry.MessagesConverted != nil {
				telemetry.MessagesConverted.Inc()
			}
			pending.Add(1)
			select {
			case queue <- res:
				return nil
			case <-gctx.Done():
				pending.Done()
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}

// channelName applies the source's fallback for unnamed group threads.
func channelName(info *chatapi.ThreadInfo) string {
	if info.Name == "" {
		return "No name"
	}
	return info.Name
}

func oldestInPage(page []chatapi.Message) int64 {
	oldest := page[0].Timestamp
	for _, m := range page[1:] {
		if m.Timestamp < oldest {
			oldest = m.Timestamp
		}
	}
	return oldest
}

// prefetchParticipants upserts every participant's authoritative profile, re-
// hosting the avatar when a relay target is configured. Failures degrade to
// a profile without avatar.
func (p *Pipeline) prefetchParticipants(ctx context.Context, log *slog.Logger, participants []chatapi.Participant) {
	for _, part := range participants {
		var avatar *string
		if part.ProfilePicURL != "" && p.Converter != nil && len(p.Converter.WebhookURLs) > 0 {
			name := fmt.Sprintf("profile_picture-%d.jpg", part.ID)
			hosted, err := p.Converter.Relay.Reupload(ctx, p.Converter.pickWebhook(), part.ProfilePicURL, name)
			if err != nil {
				log.Warn("avatar relay failed", slog.Int64("user_id", part.ID), slog.Any("err", err))
			} else {
				avatar = &hosted.URL
			}
		}
		if err := UpsertParticipant(ctx, p.DB, part.ID, part.DisplayName(), avatar); err != nil {
			log.Warn("participant upsert failed", slog.Int64("user_id", part.ID), slog.Any("err", err))
		}
	}
}
