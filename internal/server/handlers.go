package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/satlog/internal/contextpack"
	"github.com/mohammad-safakhou/satlog/internal/envelope"
	"github.com/mohammad-safakhou/satlog/internal/projection"
	"github.com/mohammad-safakhou/satlog/internal/runtime"
	"github.com/mohammad-safakhou/satlog/internal/store"
)

// maxBodyBytes bounds a single envelope request.
const maxBodyBytes = 1 << 20

type handlers struct {
	deps      Deps
	assembler *contextpack.Assembler
}

// postEvent validates an envelope and publishes it to the log. It is stored and
// projected later by the consumer, so acceptance here means "queued".
func (h *handlers) postEvent(c echo.Context) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body: "+err.Error())
	}
	if len(raw) > maxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "envelope too large")
	}
	raw = withEventID(raw)

	env, err := h.deps.Validator.Accept(raw)
	if err != nil {
		runtime.EventsProduced.WithLabelValues("rejected").Inc()
		return err
	}
	pos, err := h.deps.Producer.Publish(c.Request().Context(), env)
	if err != nil {
		runtime.EventsProduced.WithLabelValues("publish_error").Inc()
		h.deps.Logger.Error("publish failed", "event_id", env.EventID, "workspace", env.WorkspaceID, "err", err)
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event log unavailable")
	}
	runtime.EventsProduced.WithLabelValues("accepted").Inc()
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"event_id":     env.EventID,
		"workspace_id": env.WorkspaceID,
		"position":     pos,
	})
}

// withEventID fills in a random event_id when the producer did not supply one.
// Anything that is not a JSON object is left for the validator to reject.
func withEventID(raw []byte) []byte {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return raw
	}
	if v, ok := fields["event_id"]; ok && string(v) != "null" && string(v) != `""` {
		return raw
	}
	id, _ := json.Marshal(uuid.NewString())
	fields["event_id"] = id
	out, err := json.Marshal(fields)
	if err != nil {
		return raw
	}
	return out
}

func (h *handlers) listEvents(c echo.Context) error {
	q := store.EventQuery{
		WorkspaceID: strings.TrimSpace(c.QueryParam("workspace_id")),
		Type:        strings.TrimSpace(c.QueryParam("type")),
	}
	if q.WorkspaceID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "workspace_id is required")
	}
	var err error
	if q.After, err = timeParam(c, "after"); err != nil {
		return err
	}
	if q.Before, err = timeParam(c, "before"); err != nil {
		return err
	}
	if q.Limit, err = intParam(c, "limit", store.DefaultQueryLimit, 1, h.deps.Config.MaxPageSize); err != nil {
		return err
	}
	if q.Offset, err = intParam(c, "offset", 0, 0, -1); err != nil {
		return err
	}
	events, err := h.deps.Events.QueryEvents(c.Request().Context(), q)
	if err != nil {
		return err
	}
	if events == nil {
		events = []envelope.Record{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"events": events,
		"limit":  q.Limit,
		"offset": q.Offset,
	})
}

func (h *handlers) memory(c echo.Context) error {
	q := projection.MemoryQuery{
		WorkspaceID: c.Param("workspace_id"),
		Bucket:      projection.Bucket(strings.ToLower(c.QueryParam("bucket"))),
		Status:      projection.StatusPromoted,
		Now:         h.deps.Now().UTC(),
	}
	if q.Bucket != "" && !q.Bucket.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown bucket "+string(q.Bucket))
	}
	switch s := strings.ToLower(c.QueryParam("status")); s {
	case "":
	case "all":
		q.Status = ""
	default:
		q.Status = projection.Status(s)
		if !q.Status.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown status "+s)
		}
	}
	if v := c.QueryParam("include_expired"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "include_expired must be a boolean")
		}
		q.IncludeExpired = b
	}
	var err error
	if q.Limit, err = intParam(c, "limit", 0, 1, h.deps.Config.MaxPageSize); err != nil {
		return err
	}
	entries, err := h.deps.Reader.Entries(c.Request().Context(), q)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []projection.MemoryEntry{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"workspace_id": q.WorkspaceID, "entries": entries})
}

func (h *handlers) contextPack(c echo.Context) error {
	req := contextpack.Request{
		WorkspaceID: c.Param("workspace_id"),
		Query:       c.QueryParam("q"),
		EventsSince: h.deps.Now().UTC().Add(-h.deps.Config.ContextSince),
	}
	var err error
	if req.Since, err = timeParam(c, "since"); err != nil {
		return err
	}
	if req.Limit, err = intParam(c, "limit", 0, 1, contextpack.MaxLimit); err != nil {
		return err
	}
	pack, err := h.assembler.Assemble(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pack)
}

func (h *handlers) replay(c echo.Context) error {
	ws := c.Param("workspace_id")
	res, err := h.deps.Replayer.Replay(c.Request().Context(), ws)
	if err != nil {
		return err
	}
	sub, _ := runtime.SubjectFromContext(c.Request().Context())
	h.deps.Logger.Info("workspace replayed", "workspace", ws, "by", sub, "events", res.EventsReplayed, "entries_deleted", res.EntriesDeleted)
	return c.JSON(http.StatusOK, res)
}

func timeParam(c echo.Context, name string) (time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := envelope.ParseTimestamp(v)
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s: %v", name, err))
	}
	return t, nil
}

// intParam parses an integer query parameter. max < 0 means unbounded.
func intParam(c echo.Context, name string, def, min, max int) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be an integer")
	}
	if n < min || (max >= 0 && n > max) {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" out of range")
	}
	return n, nil
}
