package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/satlog/internal/ingest"
)

// Pinger reports connectivity of one dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// RedisPinger returns nil for a nil client, which reports Redis as disabled.
func RedisPinger(rdb *redis.Client) Pinger {
	if rdb == nil {
		return nil
	}
	return PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
}

// ComponentStatus is one section of the health report.
type ComponentStatus struct {
	Status    string `json:"status"`
	Driver    string `json:"driver,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// HealthReport is the body of GET /health.
type HealthReport struct {
	Status   string                 `json:"status"`
	Postgres ComponentStatus        `json:"postgres"`
	EventLog ComponentStatus        `json:"event_log"`
	Redis    ComponentStatus        `json:"redis"`
	Consumer *ingest.HealthSnapshot `json:"consumer,omitempty"`
}

// HealthChecker probes store and log connectivity. A down store, log or consumer
// makes the service down; a down Redis or a retrying consumer only degrades it.
type HealthChecker struct {
	Store       Pinger
	StoreDriver string
	Log         Pinger
	LogDriver   string
	Redis       Pinger
	Consumer    *ingest.Health
	Timeout     time.Duration
}

func (h *HealthChecker) Check(ctx context.Context) HealthReport {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := HealthReport{
		Status:   ingest.StateOK,
		Postgres: probe(ctx, h.Store, h.StoreDriver),
		EventLog: probe(ctx, h.Log, h.LogDriver),
		Redis:    probe(ctx, h.Redis, ""),
	}
	if h.Consumer != nil {
		s := h.Consumer.Snapshot()
		r.Consumer = &s
	}
	switch {
	case r.Postgres.Status == ingest.StateDown, r.EventLog.Status == ingest.StateDown,
		r.Consumer != nil && r.Consumer.Status == ingest.StateDown:
		r.Status = ingest.StateDown
	case r.Redis.Status == ingest.StateDown,
		r.Consumer != nil && r.Consumer.Status == ingest.StateDegraded:
		r.Status = ingest.StateDegraded
	}
	return r
}

func probe(ctx context.Context, p Pinger, driver string) ComponentStatus {
	if p == nil {
		return ComponentStatus{Status: "disabled", Driver: driver}
	}
	start := time.Now()
	err := p.Ping(ctx)
	cs := ComponentStatus{Status: ingest.StateOK, Driver: driver, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		cs.Status = ingest.StateDown
		cs.Error = err.Error()
	}
	return cs
}

func (h *HealthChecker) handle(c echo.Context) error {
	if h == nil {
		return c.JSON(http.StatusOK, map[string]string{"status": ingest.StateOK})
	}
	r := h.Check(c.Request().Context())
	code := http.StatusOK
	if r.Status == ingest.StateDown {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, r)
}
