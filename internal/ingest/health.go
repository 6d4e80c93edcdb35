package ingest

import (
	"sync"
	"time"
)

// Health states reported by the consumer.
const (
	StateOK       = "ok"
	StateDegraded = "degraded"
	StateDown     = "down"
)

// HealthSnapshot is the consumer section of the health probe.
type HealthSnapshot struct {
	Status              string    `json:"status"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastSuccessAt       time.Time `json:"last_success_at,omitempty"`
	Processed           int64     `json:"processed"`
}

// Health tracks consecutive storage failures of the consumer loop.
type Health struct {
	mu             sync.Mutex
	unhealthyAfter int
	failures       int
	lastErr        string
	lastOK         time.Time
	processed      int64
	now            func() time.Time
}

func NewHealth(unhealthyAfter int) *Health {
	if unhealthyAfter <= 0 {
		unhealthyAfter = 5
	}
	return &Health{unhealthyAfter: unhealthyAfter, now: time.Now}
}

func (h *Health) failure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	if err != nil {
		h.lastErr = err.Error()
	}
}

func (h *Health) success() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = 0
	h.lastErr = ""
	h.lastOK = h.now().UTC()
	h.processed++
}

func (h *Health) Snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := HealthSnapshot{
		Status:              StateOK,
		ConsecutiveFailures: h.failures,
		LastError:           h.lastErr,
		LastSuccessAt:       h.lastOK,
		Processed:           h.processed,
	}
	switch {
	case h.failures >= h.unhealthyAfter:
		s.Status = StateDown
	case h.failures > 0:
		s.Status = StateDegraded
	}
	return s
}
