package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"orderflow/internal/dispatch"
	"orderflow/internal/observability"
	"orderflow/internal/reliability"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// Message fields on the request and reply streams.
const (
	FieldEnvelope     = "envelope"
	FieldRequestID    = "request_id"
	FieldOperationKey = "operation_key"
	FieldResponse     = "response"
)

const (
	defaultStream      = "orderflow:requests"
	defaultGroup       = "orderflow"
	defaultConsumer    = "orderflow-1"
	defaultBlock       = 2 * time.Second
	defaultBatch       = 16
	defaultConcurrency = 8
)

// Handler turns one raw envelope into a response.
type Handler interface {
	Handle(ctx context.Context, raw []byte) dispatch.Response
}

// StreamConfig configures a StreamConsumer.
type StreamConfig struct {
	Stream      string
	ReplyStream string
	Group       string
	Consumer    string
	// Block bounds each XREADGROUP wait. Negative values do not block.
	Block       time.Duration
	Batch       int64
	Concurrency int
	// ReclaimIdle claims messages left pending by other consumers for at least this long. Zero disables it.
	ReclaimIdle time.Duration
	ReplyMaxLen int64
	Logger      logr.Logger
	Metrics     *observability.Metrics
}

// StreamConsumer reads envelopes from a Redis stream consumer group, dispatches them
// concurrently, publishes replies and acknowledges. Redelivered messages are simply
// dispatched again; the coordinator makes that safe.
type StreamConsumer struct {
	client  redis.UniversalClient
	handler Handler
	cfg     StreamConfig
	log     logr.Logger
	metrics *observability.Metrics
}

// NewStreamConsumer constructs a StreamConsumer with defaults applied.
func NewStreamConsumer(client redis.UniversalClient, handler Handler, cfg StreamConfig) *StreamConsumer {
	if cfg.Stream == "" {
		cfg.Stream = defaultStream
	}
	if cfg.Group == "" {
		cfg.Group = defaultGroup
	}
	if cfg.Consumer == "" {
		cfg.Consumer = defaultConsumer
	}
	if cfg.Block == 0 {
		cfg.Block = defaultBlock
	}
	if cfg.Batch <= 0 {
		cfg.Batch = defaultBatch
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	log := cfg.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &StreamConsumer{
		client:  client,
		handler: handler,
		cfg:     cfg,
		log:     log.WithName("stream").WithValues("stream", cfg.Stream, "group", cfg.Group, "consumer", cfg.Consumer),
		metrics: cfg.Metrics,
	}
}

// EnsureGroup creates the consumer group (and stream) if missing.
func (c *StreamConsumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Run consumes until ctx is cancelled.
func (c *StreamConsumer) Run(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	c.log.Info("stream consumer started")
	for {
		if ctx.Err() != nil {
			c.log.Info("stream consumer stopped")
			return nil
		}
		if c.cfg.ReclaimIdle > 0 {
			if _, err := c.Reclaim(ctx); err != nil && ctx.Err() == nil {
				c.log.Error(err, "reclaim pending messages")
			}
		}
		if _, err := c.ProcessOnce(ctx); err != nil {
			if ctx.Err() != nil {
				c.log.Info("stream consumer stopped")
				return nil
			}
			c.log.Error(err, "process stream batch")
			if err := reliability.SleepContext(ctx, time.Second); err != nil {
				return nil
			}
		}
	}
}

// ProcessOnce reads one batch of new messages and handles it. It returns the number of messages handled.
func (c *StreamConsumer) ProcessOnce(ctx context.Context) (int, error) {
	block := c.cfg.Block
	if block < 0 {
		block = -1
	}
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.Batch,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read group: %w", err)
	}

	var messages []redis.XMessage
	for _, stream := range streams {
		messages = append(messages, stream.Messages...)
	}
	return len(messages), c.handleBatch(ctx, messages)
}

// Reclaim takes over messages another consumer read but never acknowledged, then handles them.
func (c *StreamConsumer) Reclaim(ctx context.Context) (int, error) {
	messages, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		MinIdle:  c.cfg.ReclaimIdle,
		Start:    "0-0",
		Count:    c.cfg.Batch,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("autoclaim: %w", err)
	}
	if len(messages) > 0 {
		c.log.V(1).Info("reclaimed pending messages", "count", len(messages))
		c.metrics.Add("transport.reclaimed", int64(len(messages)))
	}
	return len(messages), c.handleBatch(ctx, messages)
}

func (c *StreamConsumer) handleBatch(ctx context.Context, messages []redis.XMessage) error {
	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for _, msg := range messages {
		g.Go(func() error {
			return c.handle(ctx, msg)
		})
	}
	return g.Wait()
}

func (c *StreamConsumer) handle(ctx context.Context, msg redis.XMessage) error {
	c.metrics.Incr("transport.received")

	var resp dispatch.Response
	raw, ok := msg.Values[FieldEnvelope].(string)
	if !ok {
		resp = dispatch.Response{
			Status:      dispatch.StatusInvalid,
			ErrorDetail: fmt.Sprintf("%v: message has no %s field", dispatch.ErrInvalidRequest, FieldEnvelope),
		}
	} else {
		resp = c.handler.Handle(ctx, []byte(raw))
	}

	// The outcome is already in the ledger; reply and ack even if the caller has gone away.
	ctx = context.WithoutCancel(ctx)
	if err := c.reply(ctx, msg.ID, resp); err != nil {
		c.metrics.Incr("transport.reply_failed")
		c.log.Error(err, "publish reply, leaving message pending", "id", msg.ID)
		return err
	}
	c.metrics.Incr("transport.acked")
	return nil
}

func (c *StreamConsumer) reply(ctx context.Context, id string, resp dispatch.Response) error {
	pipe := c.client.TxPipeline()
	if c.cfg.ReplyStream != "" {
		body, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		args := &redis.XAddArgs{
			Stream: c.cfg.ReplyStream,
			Values: map[string]any{
				FieldRequestID:    id,
				FieldOperationKey: resp.OperationKey,
				FieldResponse:     string(body),
			},
		}
		if c.cfg.ReplyMaxLen > 0 {
			args.MaxLen = c.cfg.ReplyMaxLen
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
	}
	pipe.XAck(ctx, c.cfg.Stream, c.cfg.Group, id)
	_, err := pipe.Exec(ctx)
	return err
}

// Publish appends a raw envelope to a request stream.
func Publish(ctx context.Context, client redis.UniversalClient, stream string, envelope []byte) (string, error) {
	if stream == "" {
		stream = defaultStream
	}
	return client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{FieldEnvelope: string(envelope)},
	}).Result()
}
