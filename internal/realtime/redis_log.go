package realtime

import (
	"context"
	"time"

	"orderflow/internal/observability"
	"orderflow/internal/orders/saga"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
)

const (
	defaultEventStream = "orderflow:saga-events"
	defaultStateTTL    = 24 * time.Hour
	defaultEventBuffer = 256
	publishTimeout     = time.Second
)

// RedisEventLog keeps the latest step of every saga in a hash and appends each event to a stream.
// Publish only queues; Run performs the writes so a slow Redis never holds up a saga.
type RedisEventLog struct {
	queue     chan saga.Event
	client    redis.UniversalClient
	stream    string
	keyPrefix string
	ttl       time.Duration
	maxLen    int64
	log       logr.Logger
	metrics   *observability.Metrics
}

// RedisEventLogConfig configures a RedisEventLog.
type RedisEventLogConfig struct {
	Stream string
	// StateTTL bounds how long the latest-step hash survives; zero uses 24h.
	StateTTL time.Duration
	MaxLen   int64
	// Buffer is the number of events queued before Publish starts dropping; zero uses 256.
	Buffer  int
	Logger   logr.Logger
	Metrics  *observability.Metrics
}

// NewRedisEventLog constructs a Redis-backed saga event log.
func NewRedisEventLog(client redis.UniversalClient, cfg RedisEventLogConfig) *RedisEventLog {
	if cfg.Stream == "" {
		cfg.Stream = defaultEventStream
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = defaultStateTTL
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultEventBuffer
	}
	log := cfg.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &RedisEventLog{
		queue:     make(chan saga.Event, cfg.Buffer),
		client:    client,
		stream:    cfg.Stream,
		keyPrefix: "saga:",
		ttl:       cfg.StateTTL,
		maxLen:    cfg.MaxLen,
		log:       log,
		metrics:   cfg.Metrics,
	}
}

// Publish queues the event for Run and never blocks. A full queue drops the event and counts it.
func (r *RedisEventLog) Publish(event saga.Event) {
	select {
	case r.queue <- event:
	default:
		r.metrics.Incr("realtime.redis_dropped")
		r.log.V(1).Info("saga event queue full, dropping", "saga", event.SagaKey, "step", event.Step)
	}
}

// Run writes queued events until ctx is done, then flushes what is still queued within one
// publish timeout. It must be called once.
func (r *RedisEventLog) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return
		case event := <-r.queue:
			writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
			r.write(writeCtx, event)
			cancel()
		}
	}
}

func (r *RedisEventLog) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	for {
		select {
		case event := <-r.queue:
			r.write(ctx, event)
		default:
			return
		}
	}
}

func (r *RedisEventLog) write(ctx context.Context, event saga.Event) {
	if err := r.Record(ctx, event); err != nil {
		r.metrics.Incr("realtime.redis_failed")
		r.log.Error(err, "record saga event", "saga", event.SagaKey, "step", event.Step)
	}
}

// Record writes the latest step hash and appends to the stream in one pipeline.
func (r *RedisEventLog) Record(ctx context.Context, event saga.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	at := event.At
	if at.IsZero() {
		at = time.Now()
	}
	values := map[string]any{
		"saga_key": event.SagaKey,
		"step":     event.Step,
		"status":   event.Status,
		"detail":   event.Detail,
		"at":       at.UTC().Format(time.RFC3339Nano),
	}
	// Step events carry no state; leave the last recorded state in the hash.
	if event.State != "" {
		values["state"] = string(event.State)
	}

	key := r.keyPrefix + event.SagaKey
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, values)
	pipe.Expire(ctx, key, r.ttl)

	args := &redis.XAddArgs{Stream: r.stream, Values: values}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	pipe.XAdd(ctx, args)

	_, err := pipe.Exec(ctx)
	return err
}

// Latest returns the most recent step recorded for a saga, or false if none is stored.
func (r *RedisEventLog) Latest(ctx context.Context, sagaKey string) (saga.Event, bool, error) {
	fields, err := r.client.HGetAll(ctx, r.keyPrefix+sagaKey).Result()
	if err != nil {
		return saga.Event{}, false, err
	}
	if len(fields) == 0 {
		return saga.Event{}, false, nil
	}
	event := saga.Event{
		SagaKey: fields["saga_key"],
		State:   saga.State(fields["state"]),
		Step:    fields["step"],
		Status:  fields["status"],
		Detail:  fields["detail"],
	}
	if at, err := time.Parse(time.RFC3339Nano, fields["at"]); err == nil {
		event.At = at
	}
	return event, true, nil
}
