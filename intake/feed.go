// Package intake receives submission announcements from the contest
// layer over a Redis stream. Messages are consumed through a consumer
// group and acknowledged only after the coordinator accepted them, so
// an announcement survives a crash between delivery and admission.
package intake

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultStream = "arbiter:submissions"
	DefaultGroup  = "arbiter"
)

// Message announces that a submission is ready to grade against a
// dataset. The submission and dataset records themselves are read from
// the result database.
type Message struct {
	SubmissionID string `json:"submission_id"`
	DatasetID    string `json:"dataset_id"`
}

// Handler admits one announcement. A returned error leaves the message
// unacknowledged for redelivery.
type Handler func(ctx context.Context, msg Message) error

// Config holds the stream connection settings.
type Config struct {
	Addr     string
	Password string
	Stream   string
	Group    string
	// Consumer names this process within the group. Empty uses the
	// hostname.
	Consumer string
	// Block bounds each blocking read so shutdown is prompt.
	Block time.Duration
	// ClaimIdle is how long a message may sit pending on a dead
	// consumer before another consumer claims it.
	ClaimIdle time.Duration
}

// Feed consumes submission announcements.
type Feed struct {
	client    *redis.Client
	stream    string
	group     string
	consumer  string
	block     time.Duration
	claimIdle time.Duration
	logger    *zap.Logger
}

func New(conf Config, logger *zap.Logger) (*Feed, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     conf.Addr,
		Password: conf.Password,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	stream := conf.Stream
	if stream == "" {
		stream = DefaultStream
	}
	group := conf.Group
	if group == "" {
		group = DefaultGroup
	}
	consumer := conf.Consumer
	if consumer == "" {
		if host, err := os.Hostname(); err == nil {
			consumer = host
		} else {
			consumer = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
		}
	}
	block := conf.Block
	if block <= 0 {
		block = 2 * time.Second
	}
	claimIdle := conf.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = time.Minute
	}
	return &Feed{
		client:    client,
		stream:    stream,
		group:     group,
		consumer:  consumer,
		block:     block,
		claimIdle: claimIdle,
		logger:    logger,
	}, nil
}

func (f *Feed) Close() error { return f.client.Close() }

// Publish announces a submission. The contest layer may write to the
// stream directly with the same field names.
func (f *Feed) Publish(ctx context.Context, msg Message) error {
	err := f.client.XAdd(ctx, &redis.XAddArgs{
		Stream: f.stream,
		Values: map[string]any{
			"submission_id": msg.SubmissionID,
			"dataset_id":    msg.DatasetID,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish submission: %w", err)
	}
	return nil
}

// Run consumes announcements until ctx is canceled. Announcements whose
// handler fails stay pending and are redelivered, including ones left
// behind by a crashed consumer.
func (f *Feed) Run(ctx context.Context, handle Handler) error {
	// Start the group at the beginning of the stream so announcements
	// published before the grader came up are not lost.
	err := f.client.XGroupCreateMkStream(ctx, f.stream, f.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}

	lastClaim := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if time.Since(lastClaim) >= f.claimIdle {
			f.reclaim(ctx, handle)
			lastClaim = time.Now()
		}

		streams, err := f.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    f.group,
			Consumer: f.consumer,
			Streams:  []string{f.stream, ">"},
			Count:    16,
			Block:    f.block,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.logger.Warn("read submission stream failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				f.dispatch(ctx, handle, msg)
			}
		}
	}
}

// reclaim takes over pending messages whose consumer stopped
// acknowledging them.
func (f *Feed) reclaim(ctx context.Context, handle Handler) {
	start := "0"
	for {
		msgs, next, err := f.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   f.stream,
			Group:    f.group,
			Consumer: f.consumer,
			MinIdle:  f.claimIdle,
			Start:    start,
			Count:    16,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				f.logger.Warn("reclaim pending submissions failed", zap.Error(err))
			}
			return
		}
		for _, msg := range msgs {
			f.dispatch(ctx, handle, msg)
		}
		if next == "0-0" || len(msgs) == 0 {
			return
		}
		start = next
	}
}

func (f *Feed) dispatch(ctx context.Context, handle Handler, raw redis.XMessage) {
	msg, err := parseMessage(raw)
	if err != nil {
		// Malformed announcements can never succeed; drop them so they
		// do not clog the pending list forever.
		f.logger.Error("dropping malformed submission announcement",
			zap.String("id", raw.ID),
			zap.Error(err))
		f.ack(ctx, raw.ID)
		return
	}
	if err := handle(ctx, msg); err != nil {
		f.logger.Warn("submission admission failed, leaving pending",
			zap.String("id", raw.ID),
			zap.String("submission", msg.SubmissionID),
			zap.Error(err))
		return
	}
	f.ack(ctx, raw.ID)
}

func (f *Feed) ack(ctx context.Context, id string) {
	if err := f.client.XAck(ctx, f.stream, f.group, id).Err(); err != nil && ctx.Err() == nil {
		f.logger.Warn("ack failed", zap.String("id", id), zap.Error(err))
	}
}

func parseMessage(raw redis.XMessage) (Message, error) {
	sub, ok := raw.Values["submission_id"].(string)
	if !ok || sub == "" {
		return Message{}, fmt.Errorf("missing submission_id")
	}
	ds, ok := raw.Values["dataset_id"].(string)
	if !ok || ds == "" {
		return Message{}, fmt.Errorf("missing dataset_id")
	}
	return Message{SubmissionID: sub, DatasetID: ds}, nil
}
