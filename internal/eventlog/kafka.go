package eventlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mohammad-safakhou/satlog/config"
	"github.com/mohammad-safakhou/satlog/internal/envelope"
)

// KafkaProducer writes envelopes with the hash balancer so the workspace key picks the partition.
type KafkaProducer struct {
	w       *kafka.Writer
	brokers []string
	dialer  *kafka.Dialer
}

func NewKafkaProducer(cfg config.KafkaConfig) *KafkaProducer {
	return &KafkaProducer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
			Transport:    &kafka.Transport{ClientID: cfg.ClientID},
		},
		brokers: cfg.Brokers,
		dialer:  &kafka.Dialer{ClientID: cfg.ClientID, Timeout: 5 * time.Second},
	}
}

// Publish writes env synchronously. The writer does not report offsets, so Position.Offset is -1.
func (p *KafkaProducer) Publish(ctx context.Context, env envelope.Envelope) (Position, error) {
	raw, err := env.Marshal()
	if err != nil {
		return Position{}, err
	}
	err = p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(env.WorkspaceID),
		Value: raw,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(env.Type)},
			{Key: "event_id", Value: []byte(env.EventID)},
		},
	})
	if err != nil {
		return Position{}, fmt.Errorf("kafka write: %w", err)
	}
	return Position{Partition: -1, Offset: -1}, nil
}

// Ping dials the first reachable broker.
func (p *KafkaProducer) Ping(ctx context.Context) error {
	var errs []error
	for _, b := range p.brokers {
		conn, err := p.dialer.DialContext(ctx, "tcp", b)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return conn.Close()
	}
	if len(errs) == 0 {
		return errors.New("no kafka brokers configured")
	}
	return fmt.Errorf("kafka unreachable: %w", errors.Join(errs...))
}

func (p *KafkaProducer) Close() error { return p.w.Close() }

// KafkaConsumer reads through a consumer group. Offsets are committed explicitly;
// a new group starts from the first offset.
type KafkaConsumer struct {
	r *kafka.Reader
}

func NewKafkaConsumer(cfg config.KafkaConfig) *KafkaConsumer {
	return &KafkaConsumer{r: kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		MinBytes:    cfg.MinBytes,
		MaxBytes:    cfg.MaxBytes,
		MaxWait:     cfg.MaxWait,
		StartOffset: kafka.FirstOffset,
		Dialer:      &kafka.Dialer{ClientID: cfg.ClientID, Timeout: 10 * time.Second},
	})}
}

func (c *KafkaConsumer) Fetch(ctx context.Context) (Message, error) {
	m, err := c.r.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, ErrClosed
		}
		return Message{}, err
	}
	return Message{
		Key:       string(m.Key),
		Value:     m.Value,
		Partition: m.Partition,
		Offset:    m.Offset,
		handle:    m,
	}, nil
}

func (c *KafkaConsumer) Commit(ctx context.Context, msg Message) error {
	m, ok := msg.handle.(kafka.Message)
	if !ok {
		return fmt.Errorf("kafka commit: message was not fetched from kafka")
	}
	if err := c.r.CommitMessages(ctx, m); err != nil {
		return fmt.Errorf("kafka commit: %w", err)
	}
	return nil
}

func (c *KafkaConsumer) Close() error { return c.r.Close() }
