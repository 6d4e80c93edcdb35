package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is the only envelope schema version currently accepted.
const SchemaVersion = 1

// Severity is the closed set of event severities.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

// Rank orders severities from high (0) to low (2).
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 0
	case SeverityMedium:
		return 1
	default:
		return 2
	}
}

// Recognised event types.
const (
	TypeProposalCreated  = "proposal.created"
	TypeDecisionRecorded = "decision.recorded"
	TypeRiskDetected     = "risk.detected"
	TypeFindingLogged    = "finding.logged"
	TypeTaskCreated      = "task.created"
	TypeTaskUpdated      = "task.updated"
	TypeMemoryCandidate  = "memory.candidate"
	TypeMemoryPromoted   = "memory.promoted"
	TypeMemoryRetracted  = "memory.retracted"
)

// KnownTypes lists every event type the projection engine understands.
var KnownTypes = []string{
	TypeProposalCreated,
	TypeDecisionRecorded,
	TypeRiskDetected,
	TypeFindingLogged,
	TypeTaskCreated,
	TypeTaskUpdated,
	TypeMemoryCandidate,
	TypeMemoryPromoted,
	TypeMemoryRetracted,
}

// IsKnownType reports whether t is handled by the projection engine.
func IsKnownType(t string) bool {
	for _, k := range KnownTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Envelope is the immutable unit of history.
type Envelope struct {
	EventID       string          `json:"event_id"`
	SchemaVersion int             `json:"schema_version"`
	TS            time.Time       `json:"ts"`
	WorkspaceID   string          `json:"workspace_id"`
	SatelliteID   string          `json:"satellite_id"`
	TraceID       string          `json:"trace_id"`
	Type          string          `json:"type"`
	Severity      Severity        `json:"severity"`
	Confidence    float64         `json:"confidence"`
	Payload       json.RawMessage `json:"payload"`
}

// Marshal returns the wire encoding of the envelope with ts rendered in UTC.
func (e Envelope) Marshal() ([]byte, error) {
	e.TS = e.TS.UTC()
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage(`{}`)
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return b, nil
}

// PayloadMap decodes the payload into a generic object, preserving numbers.
func (e Envelope) PayloadMap() (map[string]interface{}, error) {
	return DecodeObject(e.Payload)
}

// Record is an accepted envelope together with its position in the store and log.
type Record struct {
	Envelope
	Seq        int64     `json:"seq"`
	Partition  int       `json:"partition"`
	Offset     int64     `json:"offset"`
	IngestedAt time.Time `json:"ingested_at"`
}
