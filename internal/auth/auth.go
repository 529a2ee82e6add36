// Package auth defines the credential store consumed by the relay frontend.
//
// The store authenticates incoming clients (bearer token or username +
// password) and resolves their quota tier. Two implementations ship with the
// relay: [MemStore] for tests and single-tenant deployments, and [PGStore]
// backed by PostgreSQL for production.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrUnauthenticated is returned for any malformed, unknown, expired, or
// disabled credential. Callers must not be able to distinguish which.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// ErrUnavailable indicates the authentication backend could not be reached.
// It is retriable and distinct from a credential rejection; the frontend
// translates it to a 5xx-equivalent close.
var ErrUnavailable = errors.New("auth: backend unavailable")

// Credentials carries what the client presented: either a bearer token or a
// username/password pair.
type Credentials struct {
	BearerToken string
	Username    string
	Password    string
}

// Tier names a quota tier.
type Tier string

const (
	TierFree     Tier = "free"
	TierStandard Tier = "standard"
	TierPro      Tier = "pro"
)

// IsValid reports whether t is a recognised tier.
func (t Tier) IsValid() bool {
	switch t {
	case TierFree, TierStandard, TierPro:
		return true
	}
	return false
}

// Quotas holds the per-tier limits applied to a principal.
type Quotas struct {
	// DailyTokens caps total tokens per calendar day. 0 means unlimited.
	DailyTokens int64

	// MonthlyTokens caps total tokens per calendar month. 0 means unlimited.
	MonthlyTokens int64

	// ConcurrentSessions caps simultaneously open relay connections.
	ConcurrentSessions int

	// AudioMinutes caps monthly audio input+output minutes. 0 means unlimited.
	AudioMinutes float64

	// RateCapacity and RateRefillPerMin override the default token-bucket
	// parameters for this tier. Zero values keep the process-wide defaults.
	RateCapacity     float64
	RateRefillPerMin float64
}

// DefaultQuotas returns the built-in quota table entry for a tier.
func DefaultQuotas(t Tier) Quotas {
	switch t {
	case TierPro:
		return Quotas{
			DailyTokens:        5_000_000,
			MonthlyTokens:      100_000_000,
			ConcurrentSessions: 10,
			AudioMinutes:       3000,
			RateCapacity:       500,
			RateRefillPerMin:   500,
		}
	case TierStandard:
		return Quotas{
			DailyTokens:        1_000_000,
			MonthlyTokens:      20_000_000,
			ConcurrentSessions: 4,
			AudioMinutes:       600,
		}
	default:
		return Quotas{
			DailyTokens:        100_000,
			MonthlyTokens:      1_000_000,
			ConcurrentSessions: 1,
			AudioMinutes:       60,
		}
	}
}

// Principal is an authenticated client identity.
type Principal struct {
	// ID is the opaque principal identifier. Downstream components reference
	// principals by this id only.
	ID string

	// Name is a human-readable label used in logs.
	Name string

	// Tier selects the quota table entry.
	Tier Tier

	// CreatedAt is the registration instant.
	CreatedAt time.Time
}

// newPrincipalID mints an opaque principal identifier.
func newPrincipalID() string {
	return "usr_" + uuid.NewString()
}

// Store authenticates clients and resolves quotas.
type Store interface {
	// Authenticate verifies creds and returns the principal. Any credential
	// rejection is ErrUnauthenticated; backend failures are ErrUnavailable.
	Authenticate(ctx context.Context, creds Credentials) (*Principal, error)

	// QuotaFor is a pure lookup of the principal's tier quotas.
	QuotaFor(ctx context.Context, principalID string) (Quotas, error)
}
