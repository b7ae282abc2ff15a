package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"vaultguard.org/internal/identity"
	"vaultguard.org/internal/obs"
)

func TestLogEvent(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = identity.ContextWithUser(ctx, "user-42", "user42@example.com")

	if err := LogEvent(ctx, EventVaultMemberAdd, map[string]any{"vault_id": "v-1"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	line := buf.String()
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "vault.member.add" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["domain"] != "vault" {
		t.Fatalf("unexpected domain: %v", entry["domain"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["user_id"] != "user-42" {
		t.Fatalf("unexpected user id: %v", entry["user_id"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["vault_id"] != "v-1" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), Event("  "), nil); err == nil {
		t.Fatal("expected error for empty event name")
	}
}

func TestEventDomain(t *testing.T) {
	if got := EventRoleAssign.Domain(); got != "rbac" {
		t.Fatalf("unexpected domain %q", got)
	}
	if got := Event("standalone").Domain(); got != "standalone" {
		t.Fatalf("dotless event must be its own domain, got %q", got)
	}
}
