package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Rejection reason codes carried by ValidationError.
const (
	ReasonMalformedJSON            = "malformed_json"
	ReasonMissingField             = "missing_field"
	ReasonInvalidType              = "invalid_type"
	ReasonInvalidEventID           = "invalid_event_id"
	ReasonUnsupportedSchemaVersion = "unsupported_schema_version"
	ReasonInvalidTS                = "invalid_ts"
	ReasonInvalidWorkspaceID       = "invalid_workspace_id"
	ReasonInvalidSatelliteID       = "invalid_satellite_id"
	ReasonInvalidTraceID           = "invalid_trace_id"
	ReasonInvalidEventType         = "invalid_event_type"
	ReasonInvalidSeverity          = "invalid_severity"
	ReasonConfidenceOutOfRange     = "confidence_out_of_range"
	ReasonInvalidPayload           = "invalid_payload"
	ReasonPayloadTooLarge          = "payload_too_large"
	ReasonSecretDetected           = "secret_detected"
)

// ValidationError reports why an envelope was rejected. It is never retryable without a fix.
type ValidationError struct {
	Reason string `json:"reason"`
	Field  string `json:"field,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("envelope rejected: %s (%s): %s", e.Reason, e.Field, e.Detail)
	}
	return fmt.Sprintf("envelope rejected: %s: %s", e.Reason, e.Detail)
}

func reject(reason, field, detail string) *ValidationError {
	return &ValidationError{Reason: reason, Field: field, Detail: detail}
}

var (
	typePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*\.[a-z][a-z0-9_]*$`)
	idPattern   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:\-]{0,127}$`)
)

var requiredFields = []string{
	"event_id", "schema_version", "ts", "workspace_id", "satellite_id",
	"trace_id", "type", "severity", "confidence", "payload",
}

// Validator enforces envelope structure and applies secret redaction before acceptance.
type Validator struct {
	Redactor        *Redactor
	MaxPayloadBytes int
}

// NewValidator builds a validator with the given redaction mode and payload cap.
func NewValidator(redactionMode string, maxPayloadBytes int) *Validator {
	return &Validator{Redactor: NewRedactor(redactionMode), MaxPayloadBytes: maxPayloadBytes}
}

// Accept decodes raw wire bytes and validates them. The returned envelope has
// its payload redacted and its ts normalised to UTC.
func (v *Validator) Accept(raw []byte) (Envelope, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Envelope{}, reject(ReasonMalformedJSON, "", err.Error())
	}
	for _, name := range requiredFields {
		val, ok := fields[name]
		if !ok || len(val) == 0 || bytes.Equal(bytes.TrimSpace(val), []byte("null")) {
			return Envelope{}, reject(ReasonMissingField, name, "required field is missing")
		}
	}

	var env Envelope
	if err := decodeField(fields, "event_id", &env.EventID); err != nil {
		return Envelope{}, err
	}
	if err := decodeField(fields, "schema_version", &env.SchemaVersion); err != nil {
		return Envelope{}, err
	}
	var ts string
	if err := decodeField(fields, "ts", &ts); err != nil {
		return Envelope{}, err
	}
	parsed, err := ParseTimestamp(ts)
	if err != nil {
		return Envelope{}, reject(ReasonInvalidTS, "ts", err.Error())
	}
	env.TS = parsed
	if err := decodeField(fields, "workspace_id", &env.WorkspaceID); err != nil {
		return Envelope{}, err
	}
	if err := decodeField(fields, "satellite_id", &env.SatelliteID); err != nil {
		return Envelope{}, err
	}
	if err := decodeField(fields, "trace_id", &env.TraceID); err != nil {
		return Envelope{}, err
	}
	if err := decodeField(fields, "type", &env.Type); err != nil {
		return Envelope{}, err
	}
	var sev string
	if err := decodeField(fields, "severity", &sev); err != nil {
		return Envelope{}, err
	}
	env.Severity = Severity(sev)
	if err := decodeField(fields, "confidence", &env.Confidence); err != nil {
		return Envelope{}, err
	}
	env.Payload = append(json.RawMessage(nil), fields["payload"]...)
	return v.AcceptEnvelope(env)
}

// AcceptEnvelope validates an already-decoded envelope.
func (v *Validator) AcceptEnvelope(env Envelope) (Envelope, error) {
	eventID, err := uuid.Parse(strings.TrimSpace(env.EventID))
	if err != nil {
		return Envelope{}, reject(ReasonInvalidEventID, "event_id", "must be a UUID")
	}
	env.EventID = eventID.String()
	if env.SchemaVersion != SchemaVersion {
		return Envelope{}, reject(ReasonUnsupportedSchemaVersion, "schema_version", fmt.Sprintf("expected %d, got %d", SchemaVersion, env.SchemaVersion))
	}
	if env.TS.IsZero() {
		return Envelope{}, reject(ReasonInvalidTS, "ts", "timestamp is required")
	}
	// Stored timestamps carry microsecond precision.
	env.TS = env.TS.UTC().Truncate(time.Microsecond)
	if !idPattern.MatchString(env.WorkspaceID) {
		return Envelope{}, reject(ReasonInvalidWorkspaceID, "workspace_id", "must be 1-128 chars of [A-Za-z0-9._:-]")
	}
	if strings.TrimSpace(env.SatelliteID) == "" || len(env.SatelliteID) > 128 {
		return Envelope{}, reject(ReasonInvalidSatelliteID, "satellite_id", "must be 1-128 chars")
	}
	traceID, err := uuid.Parse(strings.TrimSpace(env.TraceID))
	if err != nil {
		return Envelope{}, reject(ReasonInvalidTraceID, "trace_id", "must be a UUID")
	}
	env.TraceID = traceID.String()
	if !typePattern.MatchString(env.Type) {
		return Envelope{}, reject(ReasonInvalidEventType, "type", "must match namespace.action")
	}
	if !env.Severity.Valid() {
		return Envelope{}, reject(ReasonInvalidSeverity, "severity", "must be low, medium or high")
	}
	if math.IsNaN(env.Confidence) || env.Confidence < 0 || env.Confidence > 1 {
		return Envelope{}, reject(ReasonConfidenceOutOfRange, "confidence", "must be within [0,1]")
	}
	if v.MaxPayloadBytes > 0 && len(env.Payload) > v.MaxPayloadBytes {
		return Envelope{}, reject(ReasonPayloadTooLarge, "payload", fmt.Sprintf("payload exceeds %d bytes", v.MaxPayloadBytes))
	}
	obj, err := DecodeObject(env.Payload)
	if err != nil {
		return Envelope{}, reject(ReasonInvalidPayload, "payload", "must be a JSON object")
	}
	if v.Redactor != nil {
		redacted, hits := v.Redactor.Redact(obj)
		if hits > 0 && v.Redactor.Mode == RedactionReject {
			return Envelope{}, reject(ReasonSecretDetected, "payload", fmt.Sprintf("%d secret value(s) found", hits))
		}
		obj = redacted.(map[string]interface{})
	}
	canonical, err := CanonicalValue(obj)
	if err != nil {
		return Envelope{}, reject(ReasonInvalidPayload, "payload", err.Error())
	}
	env.Payload = canonical
	return env, nil
}

func decodeField(fields map[string]json.RawMessage, name string, dst interface{}) error {
	if err := json.Unmarshal(fields[name], dst); err != nil {
		return reject(ReasonInvalidType, name, err.Error())
	}
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
}

// ParseTimestamp parses an ISO-8601 instant and returns it in UTC. Values without
// an offset are read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not an ISO-8601 timestamp", s)
}
