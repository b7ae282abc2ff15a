package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"vaultguard.org/internal/identity"
	"vaultguard.org/internal/obs"
)

// Event names one auditable action as a dot path, domain first. Services
// and handlers share the catalog below so the trail stays greppable by a
// stable name.
type Event string

const (
	EventRoleCreate Event = "rbac.role.create"
	EventRoleUpdate Event = "rbac.role.update"
	EventRoleDelete Event = "rbac.role.delete"
	EventRoleAssign Event = "rbac.role.assign"
	EventRoleGrant  Event = "rbac.role.grant"
	EventRoleRevoke Event = "rbac.role.revoke"

	EventPolicyCreate           Event = "policy.create"
	EventPolicyUpdate           Event = "policy.update"
	EventPolicyDelete           Event = "policy.delete"
	EventPolicyViolation        Event = "policy.violation"
	EventPolicyViolationResolve Event = "policy.violation.resolve"
	EventPolicyWebhook          Event = "policy.webhook"
	EventPolicyAccountDisable   Event = "policy.account.disable"

	EventVaultCreate          Event = "vault.create"
	EventVaultUpdate          Event = "vault.update"
	EventVaultDelete          Event = "vault.delete"
	EventVaultAccountAdd      Event = "vault.account.add"
	EventVaultAccountRemove   Event = "vault.account.remove"
	EventVaultMemberAdd       Event = "vault.member.add"
	EventVaultMemberRemove    Event = "vault.member.remove"
	EventVaultApprovalResolve Event = "vault.approval.resolve"

	EventAPIKeyCreate Event = "scim.apikey.create"
	EventAPIKeyRevoke Event = "scim.apikey.revoke"
	EventSyncComplete Event = "scim.sync.complete"
)

// Domain is the segment before the first dot, or the whole name when
// there is none.
func (e Event) Domain() string {
	name := string(e)
	if i := strings.IndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return name
}

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// entry is the wire shape of one audit line.
type entry struct {
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	Domain    string         `json:"domain"`
	Event     Event          `json:"event"`
	RequestID string         `json:"request_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Fields    map[string]any `json:"fields"`
}

// LogEvent writes one audit line enriched with the request id and actor
// carried by the context.
func LogEvent(ctx context.Context, event Event, fields map[string]any) error {
	if strings.TrimSpace(string(event)) == "" {
		return errors.New("event name is required")
	}
	e := entry{
		TS:        time.Now().UTC().Format(time.RFC3339Nano),
		Type:      "audit",
		Domain:    event.Domain(),
		Event:     event,
		RequestID: requestIDFromContext(ctx),
		Fields:    map[string]any{},
	}
	if userID, ok := identity.UserIDFromContext(ctx); ok {
		e.UserID = userID
	}
	for k, v := range fields {
		e.Fields[k] = v
	}

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
