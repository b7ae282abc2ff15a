package policy

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
	"unicode"

	passwordvalidator "github.com/wagslane/go-password-validator"

	"vaultguard.org/internal/obs"
)

const defaultMinEntropy = 50

// CheckPassword validates a candidate password against the team's enabled
// password complexity policy. Pre-flight only: no violation is recorded.
// Teams without such a policy accept any password that clears the default
// entropy floor.
func (s *Service) CheckPassword(ctx context.Context, teamID, password string) CheckResult {
	if password == "" {
		return CheckResult{Allowed: false, Reason: "Password is required"}
	}
	cfg := Config{}
	if p := s.findEnabled(ctx, teamID, TypePasswordComplexity); p != nil {
		cfg = p.Config
	}
	if reason := passwordIssue(cfg, password); reason != "" {
		return CheckResult{Allowed: false, Reason: reason}
	}
	return CheckResult{Allowed: true}
}

// CheckSession reports whether a session with the given last activity is
// still within the team's idle timeout. Teams without a session policy
// never time out here.
func (s *Service) CheckSession(ctx context.Context, teamID string, lastActivity time.Time) CheckResult {
	p := s.findEnabled(ctx, teamID, TypeSessionTimeout)
	if p == nil || p.Config.MaxIdleMinutes <= 0 {
		return CheckResult{Allowed: true}
	}
	idle := s.now().Sub(lastActivity)
	if idle > time.Duration(p.Config.MaxIdleMinutes)*time.Minute {
		return CheckResult{
			Allowed: false,
			Reason:  fmt.Sprintf("Session idle for %d minutes, limit is %d", int(idle.Minutes()), p.Config.MaxIdleMinutes),
		}
	}
	return CheckResult{Allowed: true}
}

// CheckIP reports whether requests from ip are permitted under the team's
// IP restriction policy. With no policy configured every IP is allowed.
func (s *Service) CheckIP(ctx context.Context, teamID, ip string) CheckResult {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return CheckResult{Allowed: false, Reason: "IP address is required"}
	}
	p := s.findEnabled(ctx, teamID, TypeIPRestriction)
	if p == nil {
		return CheckResult{Allowed: true}
	}
	if reason := ipIssue(p.Config, ip); reason != "" {
		return CheckResult{Allowed: false, Reason: reason}
	}
	return CheckResult{Allowed: true}
}

// findEnabled returns the first enabled policy of the given type for the
// team, or nil. Fast-path checks share the evaluator's policy cache and
// its fail-open stance.
func (s *Service) findEnabled(ctx context.Context, teamID string, t Type) *TeamPolicy {
	policies, err := s.teamPolicies(ctx, teamID)
	if err != nil {
		obs.Error("policy check lookup failed", err, map[string]any{"team_id": teamID, "type": string(t)})
		return nil
	}
	for _, p := range policies {
		if p.Enabled && p.Type == t {
			return p
		}
	}
	return nil
}

// passwordIssue returns an empty string when the password satisfies the
// config, otherwise a caller-presentable reason.
func passwordIssue(cfg Config, password string) string {
	if cfg.MinLength > 0 && len(password) < cfg.MinLength {
		return fmt.Sprintf("Password must be at least %d characters", cfg.MinLength)
	}
	minEntropy := cfg.MinEntropy
	if minEntropy <= 0 {
		minEntropy = defaultMinEntropy
	}
	if err := passwordvalidator.Validate(password, minEntropy); err != nil {
		return "Password is too weak: " + err.Error()
	}
	if cfg.RequireUppercase && !containsClass(password, unicode.IsUpper) {
		return "Password must contain an uppercase letter"
	}
	if cfg.RequireNumbers && !containsClass(password, unicode.IsDigit) {
		return "Password must contain a number"
	}
	if cfg.RequireSymbols && !containsClass(password, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	}) {
		return "Password must contain a symbol"
	}
	return ""
}

func containsClass(s string, match func(rune) bool) bool {
	for _, r := range s {
		if match(r) {
			return true
		}
	}
	return false
}

// ipIssue returns an empty string when ip passes the restriction config.
// Blocked entries win over allowed ones; entries may be literal addresses
// or CIDR ranges. An unparseable candidate IP is rejected outright.
func ipIssue(cfg Config, ip string) string {
	addr := net.ParseIP(ip)
	if addr == nil {
		return "Invalid IP address"
	}
	if matchesAny(cfg.BlockedIPs, ip, addr) {
		return "IP address is blocked"
	}
	if len(cfg.AllowedIPs) > 0 && !matchesAny(cfg.AllowedIPs, ip, addr) {
		return "IP address is not in the allowed list"
	}
	return ""
}

func matchesAny(entries []string, ip string, addr net.IP) bool {
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			if _, cidr, err := net.ParseCIDR(entry); err == nil && cidr.Contains(addr) {
				return true
			}
			continue
		}
		if entry == ip {
			return true
		}
	}
	return false
}
