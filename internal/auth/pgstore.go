package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// Compile-time interface check.
var _ Store = (*PGStore)(nil)

// PGStore is the PostgreSQL-backed credential store. API keys are stored as
// SHA-256 hex digests; passwords as bcrypt hashes. The store also owns the
// relay_usage journal table that the accountant snapshots into.
//
// All operations are safe for concurrent use.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects to the database at dsn and ensures the schema exists.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("auth: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("auth: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("auth: ping: %w", err)
	}
	s := &PGStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("auth: migrate: %w", err)
	}
	return s, nil
}

// migrate creates the relay_users and relay_usage tables when absent.
func (s *PGStore) migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS relay_users (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	username      TEXT UNIQUE,
	password_hash TEXT,
	api_key_hash  TEXT UNIQUE,
	tier          TEXT NOT NULL DEFAULT 'free',
	disabled      BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS relay_usage (
	principal_id        TEXT NOT NULL REFERENCES relay_users(id),
	recorded_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	input_tokens        BIGINT NOT NULL,
	output_tokens       BIGINT NOT NULL,
	audio_input_ticks   BIGINT NOT NULL,
	audio_output_ticks  BIGINT NOT NULL,
	cached_tokens       BIGINT NOT NULL,
	requests            BIGINT NOT NULL,
	errors              BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS relay_usage_principal_time
	ON relay_usage (principal_id, recorded_at);
`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return err
	}
	return nil
}

// Authenticate implements [Store]. Backend failures map to [ErrUnavailable];
// every credential rejection, including disabled accounts, maps to
// [ErrUnauthenticated].
func (s *PGStore) Authenticate(ctx context.Context, creds Credentials) (*Principal, error) {
	var (
		row pgx.Row
	)
	switch {
	case creds.BearerToken != "":
		digest := sha256.Sum256([]byte(creds.BearerToken))
		row = s.pool.QueryRow(ctx,
			`SELECT id, name, tier, disabled, created_at, '' FROM relay_users WHERE api_key_hash = $1`,
			hex.EncodeToString(digest[:]))
	case creds.Username != "":
		row = s.pool.QueryRow(ctx,
			`SELECT id, name, tier, disabled, created_at, COALESCE(password_hash, '') FROM relay_users WHERE username = $1`,
			creds.Username)
	default:
		return nil, ErrUnauthenticated
	}

	var (
		p            Principal
		tier         string
		disabled     bool
		passwordHash string
	)
	err := row.Scan(&p.ID, &p.Name, &tier, &disabled, &p.CreatedAt, &passwordHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	if creds.Username != "" {
		if bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(creds.Password)) != nil {
			return nil, ErrUnauthenticated
		}
	}
	if disabled {
		return nil, ErrUnauthenticated
	}
	p.Tier = Tier(tier)
	if !p.Tier.IsValid() {
		p.Tier = TierFree
	}
	return &p, nil
}

// QuotaFor implements [Store] using the built-in quota table keyed by the
// principal's stored tier.
func (s *PGStore) QuotaFor(ctx context.Context, principalID string) (Quotas, error) {
	var tier string
	err := s.pool.QueryRow(ctx,
		`SELECT tier FROM relay_users WHERE id = $1`, principalID).Scan(&tier)
	if errors.Is(err, pgx.ErrNoRows) {
		return Quotas{}, ErrUnauthenticated
	}
	if err != nil {
		return Quotas{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	t := Tier(tier)
	if !t.IsValid() {
		t = TierFree
	}
	return DefaultQuotas(t), nil
}

// UsageRow is one accountant snapshot journalled to relay_usage.
type UsageRow struct {
	PrincipalID      string
	InputTokens      int64
	OutputTokens     int64
	AudioInputTicks  int64
	AudioOutputTicks int64
	CachedTokens     int64
	Requests         int64
	Errors           int64
}

// RecordUsage appends snapshot rows to the relay_usage journal.
func (s *PGStore) RecordUsage(ctx context.Context, rows []UsageRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(
			`INSERT INTO relay_usage
			 (principal_id, input_tokens, output_tokens, audio_input_ticks,
			  audio_output_ticks, cached_tokens, requests, errors)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			r.PrincipalID, r.InputTokens, r.OutputTokens, r.AudioInputTicks,
			r.AudioOutputTicks, r.CachedTokens, r.Requests, r.Errors)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("auth: record usage: %w", err)
		}
	}
	return nil
}

// CreateUser inserts a principal with the given api key and returns it.
// Intended for provisioning tooling and tests against a real database.
func (s *PGStore) CreateUser(ctx context.Context, name, username, password, apiKey string, tier Tier) (*Principal, error) {
	p := Principal{
		ID:        newPrincipalID(),
		Name:      name,
		Tier:      tier,
		CreatedAt: time.Now().UTC(),
	}
	var (
		passwordHash *string
		apiKeyHash   *string
	)
	if password != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("auth: hash password: %w", err)
		}
		hs := string(h)
		passwordHash = &hs
	}
	if apiKey != "" {
		digest := sha256.Sum256([]byte(apiKey))
		hs := hex.EncodeToString(digest[:])
		apiKeyHash = &hs
	}
	var usernameVal *string
	if username != "" {
		usernameVal = &username
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO relay_users (id, name, username, password_hash, api_key_hash, tier, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.Name, usernameVal, passwordHash, apiKeyHash, string(tier), p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return &p, nil
}

// Ping reports backend reachability; used by the readiness probe.
func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PGStore) Close() {
	s.pool.Close()
}
