package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// MemStore is an in-memory credential store. It is seeded at construction
// (typically from config) and safe for concurrent use. Intended for tests
// and single-tenant deployments; production uses [PGStore].
type MemStore struct {
	mu         sync.RWMutex
	byToken    map[[32]byte]*memUser
	byUsername map[string]*memUser
	quotas     map[Tier]Quotas
}

type memUser struct {
	principal    Principal
	passwordHash [32]byte
	disabled     bool
}

// Seed describes one principal to preload into a [MemStore].
type Seed struct {
	Name     string
	Tier     Tier
	Token    string
	Username string
	Password string
	Disabled bool
}

// NewMemStore creates a store holding the given seeds. Principal ids are
// generated; tiers default to free when unset or unrecognised.
func NewMemStore(seeds ...Seed) *MemStore {
	s := &MemStore{
		byToken:    make(map[[32]byte]*memUser, len(seeds)),
		byUsername: make(map[string]*memUser, len(seeds)),
		quotas: map[Tier]Quotas{
			TierFree:     DefaultQuotas(TierFree),
			TierStandard: DefaultQuotas(TierStandard),
			TierPro:      DefaultQuotas(TierPro),
		},
	}
	for _, seed := range seeds {
		tier := seed.Tier
		if !tier.IsValid() {
			tier = TierFree
		}
		u := &memUser{
			principal: Principal{
				ID:        uuid.NewString(),
				Name:      seed.Name,
				Tier:      tier,
				CreatedAt: time.Now(),
			},
			disabled: seed.Disabled,
		}
		if seed.Token != "" {
			s.byToken[sha256.Sum256([]byte(seed.Token))] = u
		}
		if seed.Username != "" {
			u.passwordHash = sha256.Sum256([]byte(seed.Password))
			s.byUsername[seed.Username] = u
		}
	}
	return s
}

// SetQuotas overrides the quota table entry for a tier.
func (s *MemStore) SetQuotas(t Tier, q Quotas) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotas[t] = q
}

// Authenticate implements [Store]. Disabled accounts and unknown credentials
// are indistinguishable.
func (s *MemStore) Authenticate(_ context.Context, creds Credentials) (*Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var u *memUser
	switch {
	case creds.BearerToken != "":
		u = s.byToken[sha256.Sum256([]byte(creds.BearerToken))]
	case creds.Username != "":
		candidate := s.byUsername[creds.Username]
		if candidate != nil {
			want := candidate.passwordHash
			got := sha256.Sum256([]byte(creds.Password))
			if subtle.ConstantTimeCompare(want[:], got[:]) == 1 {
				u = candidate
			}
		}
	}
	if u == nil || u.disabled {
		return nil, ErrUnauthenticated
	}
	p := u.principal
	return &p, nil
}

// QuotaFor implements [Store].
func (s *MemStore) QuotaFor(_ context.Context, principalID string) (Quotas, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.byToken {
		if u.principal.ID == principalID {
			return s.quotas[u.principal.Tier], nil
		}
	}
	for _, u := range s.byUsername {
		if u.principal.ID == principalID {
			return s.quotas[u.principal.Tier], nil
		}
	}
	return Quotas{}, ErrUnauthenticated
}
