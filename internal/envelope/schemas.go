package envelope

import "fmt"

// PayloadVersion is the payload schema version paired with envelope schema_version 1.
const PayloadVersion = "1"

// Definition describes a payload schema entry managed by the registry.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

const idProp = `{"type": "string", "minLength": 1, "maxLength": 256}`

var baseDefinitions = []Definition{
	{
		EventType: TypeMemoryCandidate,
		Version:   PayloadVersion,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "bucket": {"type": "string", "enum": ["global", "workspace", "ephemeral"]},
    "key": {"type": "string", "maxLength": 512},
    "value": true,
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "source_event_id": ` + idProp + `,
    "derived_from": ` + idProp + `,
    "ttl_hours": {"type": "number", "exclusiveMinimum": 0},
    "references": {"type": "array", "items": {"type": "string"}}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: TypeMemoryPromoted,
		Version:   PayloadVersion,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["entry_id"],
  "properties": {
    "entry_id": ` + idProp + `,
    "reason": {"type": "string"}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: TypeMemoryRetracted,
		Version:   PayloadVersion,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "anyOf": [{"required": ["entry_id"]}, {"required": ["key"]}],
  "properties": {
    "entry_id": ` + idProp + `,
    "key": {"type": "string", "minLength": 1},
    "reason": {"type": "string"}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: TypeDecisionRecorded,
		Version:   PayloadVersion,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "decision_id": ` + idProp + `,
    "title": {"type": "string"},
    "decision": {"type": "string"},
    "rationale": {"type": "string"},
    "key": {"type": "string"},
    "keys": {"type": "array", "items": {"type": "string"}},
    "references": {"type": "array", "items": {"type": "string"}}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: TypeTaskCreated,
		Version:   PayloadVersion,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "task_id": ` + idProp + `,
    "title": {"type": "string"},
    "status": {"type": "string", "minLength": 1},
    "assignee": {"type": "string"}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: TypeTaskUpdated,
		Version:   PayloadVersion,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["task_id"],
  "properties": {
    "task_id": ` + idProp + `,
    "title": {"type": "string"},
    "status": {"type": "string", "minLength": 1}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: TypeRiskDetected,
		Version:   PayloadVersion,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "risk_id": ` + idProp + `,
    "title": {"type": "string"},
    "description": {"type": "string"},
    "severity": {"type": "string", "enum": ["low", "medium", "high"]}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: TypeFindingLogged,
		Version:   PayloadVersion,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "finding_id": ` + idProp + `,
    "title": {"type": "string"},
    "description": {"type": "string"},
    "severity": {"type": "string", "enum": ["low", "medium", "high"]}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: TypeProposalCreated,
		Version:   PayloadVersion,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "proposal_id": ` + idProp + `,
    "title": {"type": "string"},
    "summary": {"type": "string"}
  },
  "additionalProperties": true
}`),
	},
}

// BaseDefinitions returns a copy of the built-in payload schemas.
func BaseDefinitions() []Definition {
	out := make([]Definition, len(baseDefinitions))
	copy(out, baseDefinitions)
	return out
}

// RegisterBaseSchemas loads the built-in payload schemas into the registry.
func RegisterBaseSchemas(reg *PayloadRegistry) error {
	if reg == nil {
		return fmt.Errorf("registry is nil")
	}
	for _, def := range baseDefinitions {
		if err := reg.Register(def.EventType, def.Version, def.Schema); err != nil {
			return fmt.Errorf("register %s %s: %w", def.EventType, def.Version, err)
		}
	}
	return nil
}

// DefaultRegistry returns a registry populated with the built-in schemas.
func DefaultRegistry() (*PayloadRegistry, error) {
	reg := NewPayloadRegistry()
	if err := RegisterBaseSchemas(reg); err != nil {
		return nil, err
	}
	return reg, nil
}
