package schema

import (
	"encoding/json"
	"testing"
)

func TestCompile_AcceptsValidRequest(t *testing.T) {
	s := MustCompile()

	var doc any
	raw := []byte(`{
		"contract_version": "v0.1.0",
		"request_id": "req-123",
		"requester": {"requester_id": "user-1", "identity_assurance": "verified"},
		"graph": {"tenant_id": "tenant-1", "resource": "https://graph.microsoft.com", "scopes": ["User.Read"]},
		"operation": {"action": "downstream_call", "method": "GET", "path": "/v1.0/me"},
		"timeout_ms": 1000
	}`)
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}

	if err := s.Validate(doc); err != nil {
		t.Fatalf("expected valid request to pass schema validation: %v", err)
	}
}

func TestCompile_RejectsMissingRequiredField(t *testing.T) {
	s := MustCompile()

	var doc any
	raw := []byte(`{
		"contract_version": "v0.1.0",
		"requester": {"requester_id": "user-1"},
		"graph": {"tenant_id": "tenant-1", "resource": "https://graph.microsoft.com", "scopes": []},
		"operation": {"action": "downstream_call", "method": "GET", "path": "/v1.0/me"}
	}`)
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}

	if err := s.Validate(doc); err == nil {
		t.Fatal("expected schema validation to reject a request missing request_id")
	}
}

func TestCompile_RejectsUnknownTopLevelField(t *testing.T) {
	s := MustCompile()

	var doc any
	raw := []byte(`{
		"contract_version": "v0.1.0",
		"request_id": "req-123",
		"requester": {"requester_id": "user-1"},
		"graph": {"tenant_id": "tenant-1", "resource": "https://graph.microsoft.com", "scopes": []},
		"operation": {"action": "downstream_call", "method": "GET", "path": "/v1.0/me"},
		"unexpected_field": true
	}`)
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}

	if err := s.Validate(doc); err == nil {
		t.Fatal("expected schema validation to reject an unknown top-level field")
	}
}

func TestRawInputSchema_Decodes(t *testing.T) {
	v, err := RawInputSchema()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("expected a decoded object, got %T", v)
	}
	if m["type"] != "object" {
		t.Fatalf("type = %v", m["type"])
	}
}
