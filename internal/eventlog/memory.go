package eventlog

import (
	"context"
	"sync"

	"github.com/mohammad-safakhou/satlog/internal/envelope"
)

// Memory is a single-partition in-process log. It is both producer and consumer.
type Memory struct {
	mu        sync.Mutex
	msgs      []Message
	next      int64
	committed int64
	notify    chan struct{}
	closed    bool
}

func NewMemory() *Memory {
	return &Memory{notify: make(chan struct{})}
}

func (m *Memory) Publish(_ context.Context, env envelope.Envelope) (Position, error) {
	raw, err := env.Marshal()
	if err != nil {
		return Position{}, err
	}
	return m.Append(env.WorkspaceID, raw)
}

// Append adds a raw message, for producers that bypass envelope encoding.
func (m *Memory) Append(key string, value []byte) (Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Position{}, ErrClosed
	}
	off := int64(len(m.msgs))
	m.msgs = append(m.msgs, Message{Key: key, Value: value, Offset: off})
	close(m.notify)
	m.notify = make(chan struct{})
	return Position{Partition: 0, Offset: off}, nil
}

func (m *Memory) Fetch(ctx context.Context) (Message, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return Message{}, ErrClosed
		}
		if m.next < int64(len(m.msgs)) {
			msg := m.msgs[m.next]
			m.next++
			m.mu.Unlock()
			return msg, nil
		}
		wait := m.notify
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-wait:
		}
	}
}

// Commit marks everything up to and including msg as consumed.
func (m *Memory) Commit(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.Offset+1 > m.committed {
		m.committed = msg.Offset + 1
	}
	return nil
}

// Committed returns the next offset a restarted consumer would read.
func (m *Memory) Committed() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committed
}

// Rewind moves the read position back to the committed offset, as a consumer restart would.
func (m *Memory) Rewind() {
	m.mu.Lock()
	m.next = m.committed
	m.mu.Unlock()
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.notify)
	}
	return nil
}
