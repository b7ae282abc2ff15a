package policy

import (
	"context"
	"time"
)

// ViolationFilter narrows violation listings. Zero values mean no filter.
type ViolationFilter struct {
	UserID     string
	PolicyType Type
	Unresolved bool
	Limit      int
}

// Store is the persistence surface the evaluator needs.
type Store interface {
	CreatePolicy(ctx context.Context, p *TeamPolicy) error
	GetPolicy(ctx context.Context, id string) (*TeamPolicy, error)
	ListPolicies(ctx context.Context, teamID string, enabledOnly bool) ([]*TeamPolicy, error)
	UpdatePolicy(ctx context.Context, id string, upd PolicyUpdate) (*TeamPolicy, error)
	DeletePolicy(ctx context.Context, id string) error
	MarkEnforced(ctx context.Context, policyID string, at time.Time) error

	CreateViolation(ctx context.Context, v *Violation) error
	ListViolations(ctx context.Context, teamID string, filter ViolationFilter) ([]*Violation, error)
	ResolveViolation(ctx context.Context, id, resolvedBy, resolution string, at time.Time) (*Violation, error)
}
