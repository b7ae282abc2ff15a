package scim

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"vaultguard.org/internal/audit"
	"vaultguard.org/internal/ids"
	"vaultguard.org/internal/obs"
	"vaultguard.org/internal/rbac"
)

// GenerateAPIKey mints a provisioning key for a team. The returned plain
// key is shown once; only its hash is persisted. Format: <key id>.<secret>.
func (s *Service) GenerateAPIKey(ctx context.Context, actorID, teamID, name string, scopes, allowedIPs []string, expiresAt *time.Time) (string, *APIKey, error) {
	teamID = strings.TrimSpace(teamID)
	name = strings.TrimSpace(name)
	if teamID == "" || name == "" {
		return "", nil, fmt.Errorf("%w: team_id and name are required", ErrInvalidInput)
	}
	if len(scopes) == 0 {
		scopes = []string{ScopeProvision}
	}
	if err := s.requireProvisionAdmin(ctx, actorID, teamID, rbac.ActionCreate); err != nil {
		return "", nil, err
	}

	secret, err := newSecret()
	if err != nil {
		return "", nil, fmt.Errorf("generate api key: %w", err)
	}
	key := &APIKey{
		ID:         ids.New(),
		TeamID:     teamID,
		Name:       name,
		KeyHash:    hashSecret(secret),
		Scopes:     scopes,
		AllowedIPs: allowedIPs,
		Active:     true,
		ExpiresAt:  expiresAt,
		CreatedBy:  actorID,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		obs.Error("create api key failed", err, map[string]any{"team_id": teamID})
		return "", nil, err
	}
	_ = audit.LogEvent(ctx, audit.EventAPIKeyCreate, map[string]any{
		"key_id": key.ID, "team_id": teamID, "scopes": scopes,
	})
	return key.ID + "." + secret, key, nil
}

// RevokeAPIKey deactivates a key. Subsequent calls using it fail
// authentication.
func (s *Service) RevokeAPIKey(ctx context.Context, actorID, keyID string) error {
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		return fmt.Errorf("%w: key_id is required", ErrInvalidInput)
	}
	key, err := s.store.GetAPIKey(ctx, keyID)
	if err != nil {
		return err
	}
	if err := s.requireProvisionAdmin(ctx, actorID, key.TeamID, rbac.ActionDelete); err != nil {
		return err
	}
	if err := s.store.RevokeAPIKey(ctx, keyID); err != nil {
		obs.Error("revoke api key failed", err, map[string]any{"key_id": keyID})
		return err
	}
	_ = audit.LogEvent(ctx, audit.EventAPIKeyRevoke, map[string]any{"key_id": keyID, "revoked_by": actorID})
	return nil
}

// ListAPIKeys lists a team's keys. Hashes are never exposed.
func (s *Service) ListAPIKeys(ctx context.Context, actorID, teamID string) ([]*APIKey, error) {
	if err := s.requireProvisionAdmin(ctx, actorID, teamID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListAPIKeys(ctx, teamID)
}

// Authenticate validates a presented key against its stored hash, active
// flag, expiry, IP restriction and required scope. Every failure mode
// returns the same ErrInvalidKey so callers cannot probe key state.
func (s *Service) Authenticate(ctx context.Context, presented, remoteIP, requiredScope string) (*APIKey, error) {
	keyID, secret, ok := strings.Cut(presented, ".")
	if !ok || keyID == "" || secret == "" {
		return nil, ErrInvalidKey
	}
	key, err := s.store.GetAPIKey(ctx, keyID)
	if err != nil {
		return nil, ErrInvalidKey
	}
	if !key.Active {
		return nil, ErrInvalidKey
	}
	if key.ExpiresAt != nil && s.now().After(*key.ExpiresAt) {
		return nil, ErrInvalidKey
	}
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hashSecret(secret))) != 1 {
		return nil, ErrInvalidKey
	}
	if len(key.AllowedIPs) > 0 && !ipAllowed(key.AllowedIPs, remoteIP) {
		return nil, ErrInvalidKey
	}
	if requiredScope != "" && !key.HasScope(requiredScope) {
		return nil, ErrInvalidKey
	}
	if err := s.store.TouchAPIKey(ctx, key.ID, s.now().UTC()); err != nil {
		obs.Error("touch api key failed", err, map[string]any{"key_id": key.ID})
	}
	return key, nil
}

func (s *Service) requireProvisionAdmin(ctx context.Context, actorID, teamID string, action rbac.Action) error {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return fmt.Errorf("%w: actor is required", ErrInvalidInput)
	}
	decision := s.authz.CheckPermission(ctx, actorID, rbac.ResourceProvisioning, action, &rbac.Context{TeamID: teamID})
	if !decision.Allowed {
		return fmt.Errorf("%w: %s", ErrUnauthorized, decision.Reason)
	}
	return nil
}

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func ipAllowed(allowed []string, ip string) bool {
	for _, entry := range allowed {
		if entry == ip {
			return true
		}
	}
	return false
}
