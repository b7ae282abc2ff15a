package policy

import (
	"context"
	"fmt"
	"strings"

	"vaultguard.org/internal/audit"
	"vaultguard.org/internal/identity"
	"vaultguard.org/internal/ids"
	"vaultguard.org/internal/obs"
)

// Evaluate runs every enabled policy of the team against the action and
// aggregates the verdict. It never returns an error: lookup or evaluator
// failures are logged and treated permissively.
func (s *Service) Evaluate(ctx context.Context, in Input) Outcome {
	outcome := Outcome{Allowed: true}
	if strings.TrimSpace(in.UserID) == "" || strings.TrimSpace(in.TeamID) == "" {
		return outcome
	}

	policies, err := s.teamPolicies(ctx, in.TeamID)
	if err != nil {
		obs.Error("policy evaluation failed", err, map[string]any{"team_id": in.TeamID})
		obs.RecordPolicyEvaluation("error")
		return outcome
	}
	if len(policies) == 0 {
		obs.RecordPolicyEvaluation("allow")
		return outcome
	}

	roleNames := s.actorRoleNames(ctx, in.UserID, in.TeamID)
	for _, p := range policies {
		if !p.Enabled || s.exempt(p, in.UserID, roleNames) {
			continue
		}
		outcome.AppliedPolicies = append(outcome.AppliedPolicies, p.Name)

		if p.Type == TypeApprovalWorkflow {
			if approvalRequired(p.Config, in.Action) {
				outcome.RequiresApproval = true
			}
			continue
		}

		violated, details := s.violates(ctx, p, in)
		if !violated {
			continue
		}
		v := s.recordViolation(ctx, p, in, details)
		outcome.Violated = true
		if v != nil {
			outcome.Violations = append(outcome.Violations, v)
		}
		s.enforce(ctx, p, in, &outcome)
	}

	if outcome.Allowed {
		obs.RecordPolicyEvaluation("allow")
	} else {
		obs.RecordPolicyEvaluation("deny")
	}
	return outcome
}

func (s *Service) actorRoleNames(ctx context.Context, userID, teamID string) []string {
	if s.roles == nil {
		return nil
	}
	names, err := s.roles.RoleNamesForUser(ctx, userID, teamID)
	if err != nil {
		// Exemptions degrade to none; the evaluation itself proceeds.
		obs.Error("role exemption lookup failed", err, map[string]any{"user_id": userID})
		return nil
	}
	return names
}

func (s *Service) exempt(p *TeamPolicy, userID string, roleNames []string) bool {
	for _, u := range p.Enforcement.ExemptUsers {
		if u == userID {
			return true
		}
	}
	for _, exemptRole := range p.Enforcement.ExemptRoles {
		for _, held := range roleNames {
			if held == exemptRole {
				return true
			}
		}
	}
	return false
}

// violates dispatches to the type-specific evaluator. Retention, encryption,
// backup, access review and training policies are compliance posture only
// and never flag an individual action.
func (s *Service) violates(ctx context.Context, p *TeamPolicy, in Input) (bool, map[string]any) {
	switch p.Type {
	case TypePasswordComplexity:
		pw, ok := in.Context["password"].(string)
		if !ok || pw == "" {
			return false, nil
		}
		if reason := passwordIssue(p.Config, pw); reason != "" {
			return true, map[string]any{"reason": reason}
		}
		return false, nil

	case TypePasswordExpiry:
		age, ok := contextNumber(in.Context, "password_age_days")
		if !ok || p.Config.MaxAgeDays <= 0 {
			return false, nil
		}
		if int(age) > p.Config.MaxAgeDays {
			return true, map[string]any{"password_age_days": int(age), "max_age_days": p.Config.MaxAgeDays}
		}
		return false, nil

	case TypeMFARequirement:
		return s.violatesMFA(ctx, p, in)

	case TypeSessionTimeout:
		idle, ok := contextNumber(in.Context, "session_idle_minutes")
		if !ok || p.Config.MaxIdleMinutes <= 0 {
			return false, nil
		}
		if int(idle) > p.Config.MaxIdleMinutes {
			return true, map[string]any{"idle_minutes": int(idle), "max_idle_minutes": p.Config.MaxIdleMinutes}
		}
		return false, nil

	case TypeIPRestriction:
		ip, ok := in.Context["ip"].(string)
		if !ok || ip == "" {
			return false, nil
		}
		if reason := ipIssue(p.Config, ip); reason != "" {
			return true, map[string]any{"ip": ip, "reason": reason}
		}
		return false, nil

	case TypeDeviceTrust:
		return s.violatesDeviceTrust(ctx, in)

	case TypeExportRestriction:
		if isExportAction(in.Action) && !p.Config.AllowExport {
			return true, map[string]any{"action": in.Action}
		}
		if isShareAction(in.Action) && !p.Config.AllowSharing {
			return true, map[string]any{"action": in.Action}
		}
		return false, nil

	default:
		return false, nil
	}
}

func (s *Service) violatesMFA(ctx context.Context, p *TeamPolicy, in Input) (bool, map[string]any) {
	enrolled, accountAgeDays, known := false, 0, false
	if v, ok := in.Context["mfa_enrolled"].(bool); ok {
		enrolled, known = v, true
		if age, ok := contextNumber(in.Context, "account_age_days"); ok {
			accountAgeDays = int(age)
		}
	} else if s.users != nil {
		user, err := s.users.Find(ctx, in.UserID)
		if err != nil {
			obs.Error("mfa policy user lookup failed", err, map[string]any{"user_id": in.UserID})
			return false, nil
		}
		enrolled = user.MFAEnrolled
		accountAgeDays = int(s.now().Sub(user.CreatedAt).Hours() / 24)
		known = true
	}
	if !known || enrolled {
		return false, nil
	}
	if accountAgeDays < p.Config.GracePeriodDays {
		return false, nil
	}
	return true, map[string]any{"account_age_days": accountAgeDays, "grace_period_days": p.Config.GracePeriodDays}
}

func (s *Service) violatesDeviceTrust(ctx context.Context, in Input) (bool, map[string]any) {
	if v, ok := in.Context["device_trusted"].(bool); ok {
		if v {
			return false, nil
		}
		return true, map[string]any{"device_trusted": false}
	}
	deviceID, ok := in.Context["device_id"].(string)
	if !ok || deviceID == "" || s.devices == nil {
		return false, nil
	}
	trusted, err := s.devices.IsTrusted(ctx, in.UserID, deviceID)
	if err != nil {
		obs.Error("device trust lookup failed", err, map[string]any{"user_id": in.UserID, "device_id": deviceID})
		return false, nil
	}
	if trusted {
		return false, nil
	}
	return true, map[string]any{"device_id": deviceID}
}

// recordViolation persists the violation and bumps the policy's counter.
// A persistence failure does not stop enforcement.
func (s *Service) recordViolation(ctx context.Context, p *TeamPolicy, in Input, details map[string]any) *Violation {
	v := &Violation{
		ID:         ids.New(),
		PolicyID:   p.ID,
		PolicyName: p.Name,
		PolicyType: p.Type,
		TeamID:     in.TeamID,
		UserID:     in.UserID,
		Action:     in.Action,
		Resource:   in.Resource,
		Severity:   SeverityFor(p.Type),
		Details:    details,
		OccurredAt: s.now().UTC(),
	}
	if email, ok := in.Context["email"].(string); ok {
		v.UserEmail = email
	}
	if err := s.store.CreateViolation(ctx, v); err != nil {
		obs.Error("record violation failed", err, map[string]any{"policy_id": p.ID, "user_id": in.UserID})
		v = nil
	}
	if err := s.store.MarkEnforced(ctx, p.ID, s.now().UTC()); err != nil {
		obs.Error("mark enforced failed", err, map[string]any{"policy_id": p.ID})
	}
	obs.RecordPolicyViolation(string(SeverityFor(p.Type)))
	return v
}

func (s *Service) enforce(ctx context.Context, p *TeamPolicy, in Input, outcome *Outcome) {
	switch p.Enforcement.Mode {
	case ModeWarn:
		outcome.Warnings = append(outcome.Warnings, fmt.Sprintf("Policy %q violated", p.Name))
	case ModeEnforce:
		if p.Enforcement.BlockOnViolation {
			outcome.Allowed = false
		}
	}
	_ = audit.LogEvent(ctx, audit.EventPolicyViolation, map[string]any{
		"policy_id": p.ID, "policy_type": string(p.Type),
		"user_id": in.UserID, "team_id": in.TeamID, "action": in.Action,
		"severity": string(SeverityFor(p.Type)), "mode": string(p.Enforcement.Mode),
	})

	for _, action := range p.Enforcement.Actions {
		switch action {
		case ActionBlock:
			outcome.Allowed = false
		case ActionRequireApprove:
			outcome.RequiresApproval = true
		case ActionNotifyUser:
			if s.notifier != nil && p.Enforcement.NotifyOnViolation {
				title := "Security policy violation"
				msg := fmt.Sprintf("Your action %q violated the %q policy.", in.Action, p.Name)
				if err := s.notifier.NotifyUser(ctx, in.UserID, title, msg); err != nil {
					obs.Error("notify user failed", err, map[string]any{"user_id": in.UserID})
				}
			}
		case ActionNotifyAdmin:
			if s.notifier != nil && p.Enforcement.NotifyOnViolation {
				title := "Security policy violation"
				msg := fmt.Sprintf("User %s violated the %q policy with action %q.", in.UserID, p.Name, in.Action)
				if err := s.notifier.NotifyAdmins(ctx, in.TeamID, title, msg); err != nil {
					obs.Error("notify admins failed", err, map[string]any{"team_id": in.TeamID})
				}
			}
		case ActionForceLogout:
			if s.sessions != nil {
				if err := s.sessions.InvalidateSessions(ctx, in.UserID); err != nil {
					obs.Error("force logout failed", err, map[string]any{"user_id": in.UserID})
				}
			}
		case ActionDisableAccount:
			s.disableAccount(ctx, in.UserID)
		case ActionCustomWebhook:
			// The surrounding system consumes these from the audit stream.
			_ = audit.LogEvent(ctx, audit.EventPolicyWebhook, map[string]any{
				"policy_id": p.ID, "user_id": in.UserID, "url": p.Enforcement.WebhookURL,
			})
		}
	}
}

func (s *Service) disableAccount(ctx context.Context, userID string) {
	if s.users == nil {
		return
	}
	status := identity.StatusDisabled
	if _, err := s.users.Update(ctx, userID, identity.UserUpdate{Status: &status}); err != nil {
		obs.Error("disable account failed", err, map[string]any{"user_id": userID})
		return
	}
	_ = audit.LogEvent(ctx, audit.EventPolicyAccountDisable, map[string]any{"user_id": userID})
}

func approvalRequired(cfg Config, action string) bool {
	for _, a := range cfg.ApprovalActions {
		if a == action {
			return true
		}
	}
	return false
}

func isExportAction(action string) bool {
	return action == "export" || strings.HasSuffix(action, ".export")
}

func isShareAction(action string) bool {
	return action == "share" || strings.HasSuffix(action, ".share")
}

func contextNumber(ctx map[string]any, key string) (float64, bool) {
	if ctx == nil {
		return 0, false
	}
	switch v := ctx[key].(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}
