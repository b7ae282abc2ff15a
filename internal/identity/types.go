// Package identity holds the user directory and session surfaces consumed by
// the authorization core. The core never authenticates credentials itself;
// it reads identity facts (MFA enrollment, account age, status) and asks for
// session invalidation when policy enforcement demands it.
package identity

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("identity: not found")
	ErrConflict     = errors.New("identity: already exists")
	ErrInvalidInput = errors.New("identity: invalid input")
)

const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// User is a directory record. PasswordHash is set only for users provisioned
// with an initial password; externally federated users leave it empty.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name,omitempty"`
	Status       string    `json:"status"`
	MFAEnrolled  bool      `json:"mfa_enrolled"`
	PasswordHash string    `json:"-"`
	ExternalID   string    `json:"external_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UserUpdate carries partial directory updates; nil fields are untouched.
type UserUpdate struct {
	Email       *string
	DisplayName *string
	Status      *string
	MFAEnrolled *bool
	ExternalID  *string
}

// Directory is the read/write surface over the users collection.
type Directory interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByExternalID(ctx context.Context, externalID string) (*User, error)
	Update(ctx context.Context, id string, upd UserUpdate) (*User, error)
}

// SessionManager enumerates and invalidates user sessions. The session store
// itself lives outside this core; FORCE_LOGOUT enforcement calls through
// this interface.
type SessionManager interface {
	InvalidateSessions(ctx context.Context, userID string) error
}

// DeviceTrust answers whether a device is trusted for a user. Consumed by
// the device-trust policy evaluator.
type DeviceTrust interface {
	IsTrusted(ctx context.Context, userID, deviceID string) (bool, error)
}
