// Package eventlog is the boundary to the ordered, partitioned event log.
// Messages are keyed by workspace id so one workspace stays within one partition.
package eventlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/satlog/config"
	"github.com/mohammad-safakhou/satlog/internal/envelope"
)

// ErrClosed is returned by operations on a closed log.
var ErrClosed = errors.New("event log closed")

// Position locates a published message. Offset is -1 when the driver cannot report it.
type Position struct {
	Partition int    `json:"partition"`
	Offset    int64  `json:"offset"`
	ID        string `json:"id,omitempty"`
}

// Message is one delivered log entry. handle carries driver state needed to commit it.
type Message struct {
	Key       string
	Value     []byte
	Partition int
	Offset    int64
	ID        string
	handle    interface{}
}

// Producer appends envelopes to the log.
type Producer interface {
	Publish(ctx context.Context, env envelope.Envelope) (Position, error)
	Close() error
}

// Consumer delivers messages at least once. A message is redelivered until it is committed.
type Consumer interface {
	Fetch(ctx context.Context) (Message, error)
	Commit(ctx context.Context, msg Message) error
	Close() error
}

// Pinger reports log connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Log bundles the producer and consumer sides of one driver.
type Log struct {
	Driver   string
	Producer Producer
	Consumer Consumer
	Pinger   Pinger
}

// Close closes both sides.
func (l *Log) Close() error {
	return errors.Join(l.Producer.Close(), l.Consumer.Close())
}

// Open builds the configured driver. rdb is required for the redis driver only.
func Open(ctx context.Context, cfg config.EventLogConfig, rdb *redis.Client) (*Log, error) {
	switch cfg.Driver {
	case "kafka":
		p := NewKafkaProducer(cfg.Kafka)
		return &Log{Driver: cfg.Driver, Producer: p, Consumer: NewKafkaConsumer(cfg.Kafka), Pinger: p}, nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis event log requires storage.redis")
		}
		c, err := NewStreamConsumer(ctx, rdb, cfg.Stream)
		if err != nil {
			return nil, err
		}
		p := NewStreamProducer(rdb, cfg.Stream)
		return &Log{Driver: cfg.Driver, Producer: p, Consumer: c, Pinger: p}, nil
	case "memory":
		m := NewMemory()
		return &Log{Driver: cfg.Driver, Producer: m, Consumer: m, Pinger: m}, nil
	default:
		return nil, fmt.Errorf("unknown event log driver %q", cfg.Driver)
	}
}
