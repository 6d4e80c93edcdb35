package envelope

import (
	"testing"
)

func TestBaseSchemasCoverKnownTypes(t *testing.T) {
	reg, err := DefaultRegistry()
	if err != nil {
		t.Fatalf("register base schemas: %v", err)
	}
	for _, typ := range KnownTypes {
		if !reg.Has(typ, PayloadVersion) {
			t.Fatalf("missing schema for %s", typ)
		}
	}
}

func TestPayloadSchemasValidate(t *testing.T) {
	reg, err := DefaultRegistry()
	if err != nil {
		t.Fatalf("register base schemas: %v", err)
	}
	valid := map[string]string{
		TypeMemoryCandidate:  `{"bucket":"ephemeral","key":"k","value":{"a":1},"ttl_hours":12}`,
		TypeMemoryPromoted:   `{"entry_id":"e-1"}`,
		TypeMemoryRetracted:  `{"key":"shipping.address_format"}`,
		TypeDecisionRecorded: `{"decision_id":"d-1","title":"ship it","keys":["k"]}`,
		TypeTaskCreated:      `{"task_id":"t-1","title":"write docs"}`,
		TypeTaskUpdated:      `{"task_id":"t-1","status":"done"}`,
		TypeRiskDetected:     `{"risk_id":"r-1","severity":"high"}`,
		TypeFindingLogged:    `{"finding_id":"f-1"}`,
		TypeProposalCreated:  `{"proposal_id":"p-1"}`,
	}
	for typ, payload := range valid {
		if err := reg.Validate(typ, PayloadVersion, []byte(payload)); err != nil {
			t.Fatalf("expected %s payload to validate: %v", typ, err)
		}
	}

	invalid := map[string]string{
		TypeMemoryCandidate: `{"bucket":"forever"}`,
		TypeMemoryPromoted:  `{}`,
		TypeMemoryRetracted: `{"reason":"stale"}`,
		TypeTaskUpdated:     `{"status":"done"}`,
		TypeRiskDetected:    `{"severity":"critical"}`,
	}
	for typ, payload := range invalid {
		if err := reg.Validate(typ, PayloadVersion, []byte(payload)); err == nil {
			t.Fatalf("expected %s payload %s to fail validation", typ, payload)
		}
	}
}

func TestValidateUnknownType(t *testing.T) {
	reg := NewPayloadRegistry()
	if err := reg.Validate("custom.thing", PayloadVersion, []byte(`{}`)); err == nil {
		t.Fatalf("expected error for unregistered type")
	}
}
