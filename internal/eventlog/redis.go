package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/satlog/config"
	"github.com/mohammad-safakhou/satlog/internal/envelope"
)

const (
	fieldEnvelope  = "envelope"
	fieldWorkspace = "workspace_id"
)

// StreamProducer appends envelopes to a Redis stream.
type StreamProducer struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewStreamProducer(client *redis.Client, cfg config.RedisStreamConfig) *StreamProducer {
	return &StreamProducer{client: client, stream: cfg.Stream, maxLen: cfg.MaxLen}
}

// Publish appends env. A stream has a single partition; Position.ID is the entry id.
func (p *StreamProducer) Publish(ctx context.Context, env envelope.Envelope) (Position, error) {
	raw, err := env.Marshal()
	if err != nil {
		return Position{}, err
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{fieldEnvelope: raw, fieldWorkspace: env.WorkspaceID},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return Position{}, fmt.Errorf("xadd: %w", err)
	}
	return Position{Partition: 0, Offset: -1, ID: id}, nil
}

func (p *StreamProducer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close is a no-op; the Redis client is owned by the caller.
func (p *StreamProducer) Close() error { return nil }

// StreamConsumer reads a stream through a consumer group. On start it first drains
// its own pending entries so messages fetched but never acknowledged are redelivered.
type StreamConsumer struct {
	client  *redis.Client
	stream  string
	group   string
	name    string
	block   time.Duration
	pending bool
	buf     []Message
}

// NewStreamConsumer ensures the consumer group exists and returns a consumer.
func NewStreamConsumer(ctx context.Context, client *redis.Client, cfg config.RedisStreamConfig) (*StreamConsumer, error) {
	if err := EnsureGroup(ctx, client, cfg.Stream, cfg.Group); err != nil {
		return nil, err
	}
	if cfg.Consumer == "" {
		return nil, fmt.Errorf("consumer name must be configured")
	}
	return &StreamConsumer{
		client:  client,
		stream:  cfg.Stream,
		group:   cfg.Group,
		name:    cfg.Consumer,
		block:   cfg.Block,
		pending: true,
	}, nil
}

// EnsureGroup creates the consumer group at the start of the stream if it does not exist.
func EnsureGroup(ctx context.Context, client *redis.Client, stream, group string) error {
	if stream == "" || group == "" {
		return fmt.Errorf("stream and group must be provided")
	}
	if err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("xgroup create: %w", err)
	}
	return nil
}

func (c *StreamConsumer) Fetch(ctx context.Context) (Message, error) {
	for len(c.buf) == 0 {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}
		start := ">"
		if c.pending {
			start = "0"
		}
		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{c.stream, start},
			Count:    32,
			Block:    c.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, redis.ErrClosed) {
				return Message{}, ErrClosed
			}
			return Message{}, fmt.Errorf("xreadgroup: %w", err)
		}
		n := 0
		for _, st := range streams {
			for _, msg := range st.Messages {
				c.buf = append(c.buf, decodeStreamMessage(msg))
				n++
			}
		}
		if c.pending && n == 0 {
			c.pending = false
		}
	}
	msg := c.buf[0]
	c.buf = c.buf[1:]
	return msg, nil
}

// decodeStreamMessage keeps the raw envelope bytes; validation happens in ingest.
func decodeStreamMessage(msg redis.XMessage) Message {
	out := Message{ID: msg.ID, Offset: -1}
	if ws, ok := msg.Values[fieldWorkspace].(string); ok {
		out.Key = ws
	}
	switch v := msg.Values[fieldEnvelope].(type) {
	case string:
		out.Value = []byte(v)
	case []byte:
		out.Value = v
	case nil:
	default:
		if data, err := json.Marshal(v); err == nil {
			out.Value = data
		}
	}
	return out
}

func (c *StreamConsumer) Commit(ctx context.Context, msg Message) error {
	if msg.ID == "" {
		return fmt.Errorf("xack: message has no stream id")
	}
	if err := c.client.XAck(ctx, c.stream, c.group, msg.ID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

func (c *StreamConsumer) Close() error { return nil }

// LagMetrics captures pending state for the consumer group.
type LagMetrics struct {
	Pending    int64         `json:"pending"`
	Lag        int64         `json:"lag"`
	Consumers  int64         `json:"consumers"`
	OldestIdle time.Duration `json:"oldest_idle"`
}

// Lag returns lag details for the consumer's group.
func (c *StreamConsumer) Lag(ctx context.Context) (LagMetrics, error) {
	groups, err := c.client.XInfoGroups(ctx, c.stream).Result()
	if err != nil {
		return LagMetrics{}, fmt.Errorf("xinfo groups: %w", err)
	}
	m := LagMetrics{Lag: -1}
	for _, info := range groups {
		if info.Name != c.group {
			continue
		}
		m.Pending = info.Pending
		m.Lag = info.Lag
		m.Consumers = int64(info.Consumers)
		break
	}
	if m.Pending > 0 {
		entries, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: c.stream,
			Group:  c.group,
			Start:  "-",
			End:    "+",
			Count:  1,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return LagMetrics{}, fmt.Errorf("xpendingext: %w", err)
		}
		if len(entries) > 0 {
			m.OldestIdle = entries[0].Idle
		}
	}
	return m, nil
}
