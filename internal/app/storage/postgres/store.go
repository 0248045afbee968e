// Package postgres implements the storage interfaces backed by PostgreSQL.
// Every state transition is a guarded single-row UPDATE so concurrent
// instances coordinate purely through the database.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/R3E-Network/poolflow/internal/app/domain/order"
	"github.com/R3E-Network/poolflow/internal/app/domain/pool"
	"github.com/R3E-Network/poolflow/internal/app/domain/token"
	"github.com/R3E-Network/poolflow/internal/app/domain/user"
	"github.com/R3E-Network/poolflow/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var (
	_ storage.OrderStore   = (*Store)(nil)
	_ storage.PoolStore    = (*Store)(nil)
	_ storage.ResultStore  = (*Store)(nil)
	_ storage.TokenStore   = (*Store)(nil)
	_ storage.UserStore    = (*Store)(nil)
	_ storage.RunLockStore = (*Store)(nil)
)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return New(db), nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS pipeline_users (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS pipeline_pools (
	id            TEXT PRIMARY KEY,
	batching_key  TEXT NOT NULL,
	state         TEXT NOT NULL,
	member_count  INTEGER NOT NULL DEFAULT 0,
	failure_note  TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	locked_at     TIMESTAMPTZ,
	processing_at TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	updated_at    TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS pipeline_pools_one_processing_per_key
	ON pipeline_pools (batching_key) WHERE state = 'PROCESSING';

CREATE TABLE IF NOT EXISTS pipeline_orders (
	id           TEXT PRIMARY KEY,
	account_id   TEXT NOT NULL,
	batching_key TEXT NOT NULL,
	payload      JSONB,
	state        TEXT NOT NULL,
	pool_id      TEXT REFERENCES pipeline_pools(id),
	sequence     BIGINT,
	failure_note TEXT NOT NULL DEFAULT '',
	submitted_at TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS pipeline_orders_pending
	ON pipeline_orders (submitted_at) WHERE state = 'PENDING';

CREATE INDEX IF NOT EXISTS pipeline_orders_pool
	ON pipeline_orders (pool_id, sequence);

CREATE TABLE IF NOT EXISTS pipeline_results (
	pool_id     TEXT PRIMARY KEY REFERENCES pipeline_pools(id),
	version     BIGINT NOT NULL,
	outcomes    JSONB NOT NULL,
	computed_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS pipeline_tokens (
	id          TEXT PRIMARY KEY,
	secret_hash TEXT NOT NULL UNIQUE,
	subject     TEXT NOT NULL,
	scope       TEXT NOT NULL,
	issued_at   TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL,
	revoked     BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS pipeline_run_locks (
	name       TEXT PRIMARY KEY,
	holder     TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// --- OrderStore -------------------------------------------------------------

func (s *Store) CreateOrder(ctx context.Context, o order.Order) (order.Order, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if o.SubmittedAt.IsZero() {
		o.SubmittedAt = now
	}
	o.UpdatedAt = now
	if o.State == "" {
		o.State = order.StatePending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_orders (id, account_id, batching_key, payload, state, pool_id, sequence, failure_note, submitted_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, 0), $8, $9, $10)
	`, o.ID, o.AccountID, o.BatchingKey, nullJSON(o.Payload), o.State, o.PoolID, o.Sequence, o.FailureNote, o.SubmittedAt, o.UpdatedAt)
	if err != nil {
		return order.Order{}, mapError(err)
	}
	return o, nil
}

const orderColumns = `id, account_id, batching_key, payload, state, pool_id, sequence, failure_note, submitted_at, updated_at`

func (s *Store) GetOrder(ctx context.Context, id string) (order.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM pipeline_orders
		WHERE id = $1
	`, id)
	return scanOrder(row)
}

func (s *Store) ListPendingOrders(ctx context.Context) ([]order.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM pipeline_orders
		WHERE state = 'PENDING'
		ORDER BY submitted_at, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *Store) ListPoolOrders(ctx context.Context, poolID string) ([]order.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM pipeline_orders
		WHERE pool_id = $1
		ORDER BY sequence
	`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *Store) ClaimOrder(ctx context.Context, orderID, poolID string) (order.Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return order.Order{}, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	// The incremented member count doubles as the order's sequence; the row
	// lock taken here serializes concurrent claims into the same pool.
	var sequence int64
	err = tx.QueryRowContext(ctx, `
		UPDATE pipeline_pools
		SET member_count = member_count + 1, updated_at = $2
		WHERE id = $1 AND state = 'OPEN'
		RETURNING member_count
	`, poolID, now).Scan(&sequence)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return order.Order{}, storage.ErrConflict
		}
		return order.Order{}, mapError(err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE pipeline_orders
		SET state = 'ASSIGNED', pool_id = $2, sequence = $3, updated_at = $4
		WHERE id = $1 AND state = 'PENDING'
	`, orderID, poolID, sequence, now)
	if err != nil {
		return order.Order{}, mapError(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return order.Order{}, storage.ErrConflict
	}

	if err := tx.Commit(); err != nil {
		return order.Order{}, mapError(err)
	}
	return s.GetOrder(ctx, orderID)
}

func (s *Store) TransitionOrder(ctx context.Context, id string, from, to order.State, note string) (order.Order, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_orders
		SET state = $3, failure_note = CASE WHEN $4 = '' THEN failure_note ELSE $4 END, updated_at = $5
		WHERE id = $1 AND state = $2
	`, id, from, to, note, time.Now().UTC())
	if err != nil {
		return order.Order{}, mapError(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		if _, getErr := s.GetOrder(ctx, id); getErr != nil {
			return order.Order{}, getErr
		}
		return order.Order{}, storage.ErrConflict
	}
	return s.GetOrder(ctx, id)
}

// --- PoolStore --------------------------------------------------------------

func (s *Store) CreatePool(ctx context.Context, p pool.Pool) (pool.Pool, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.State == "" {
		p.State = pool.StateOpen
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_pools (id, batching_key, state, member_count, failure_note, created_at, locked_at, processing_at, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, p.ID, p.BatchingKey, p.State, p.MemberCount, p.FailureNote, p.CreatedAt, toNullTime(p.LockedAt), toNullTime(p.ProcessingAt), toNullTime(p.CompletedAt), p.UpdatedAt)
	if err != nil {
		return pool.Pool{}, mapError(err)
	}
	return p, nil
}

const poolColumns = `id, batching_key, state, member_count, failure_note, created_at, locked_at, processing_at, completed_at, updated_at`

func (s *Store) GetPool(ctx context.Context, id string) (pool.Pool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+poolColumns+`
		FROM pipeline_pools
		WHERE id = $1
	`, id)
	return scanPool(row)
}

func (s *Store) FindOpenPool(ctx context.Context, batchingKey string) (pool.Pool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+poolColumns+`
		FROM pipeline_pools
		WHERE batching_key = $1 AND state = 'OPEN'
		ORDER BY created_at
		LIMIT 1
	`, batchingKey)
	return scanPool(row)
}

func (s *Store) ListPoolsByState(ctx context.Context, state pool.State) ([]pool.Pool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+poolColumns+`
		FROM pipeline_pools
		WHERE state = $1
		ORDER BY created_at, id
	`, state)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPools(rows)
}

func (s *Store) ListStaleProcessing(ctx context.Context, cutoff time.Time) ([]pool.Pool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+poolColumns+`
		FROM pipeline_pools
		WHERE state = 'PROCESSING' AND processing_at < $1
		ORDER BY processing_at
	`, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPools(rows)
}

func (s *Store) HasProcessingForKey(ctx context.Context, batchingKey string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pipeline_pools
			WHERE batching_key = $1 AND state = 'PROCESSING'
		)
	`, batchingKey).Scan(&exists)
	return exists, err
}

func (s *Store) TransitionPool(ctx context.Context, id string, from, to pool.State, note string) (pool.Pool, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_pools
		SET state = $3,
		    failure_note = CASE WHEN $4 = '' THEN failure_note ELSE $4 END,
		    locked_at = CASE WHEN $3 = 'LOCKED' THEN $5 ELSE locked_at END,
		    processing_at = CASE WHEN $3 = 'PROCESSING' THEN $5 ELSE processing_at END,
		    completed_at = CASE WHEN $3 IN ('COMPLETED', 'FAILED') THEN $5 ELSE completed_at END,
		    updated_at = $5
		WHERE id = $1 AND state = $2
	`, id, from, to, note, now)
	if err != nil {
		return pool.Pool{}, mapError(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		if _, getErr := s.GetPool(ctx, id); getErr != nil {
			return pool.Pool{}, getErr
		}
		return pool.Pool{}, storage.ErrConflict
	}
	return s.GetPool(ctx, id)
}

// --- ResultStore ------------------------------------------------------------

func (s *Store) PutResultSet(ctx context.Context, poolID string, outcomes []pool.Outcome) (pool.ResultSet, error) {
	outcomesJSON, err := json.Marshal(outcomes)
	if err != nil {
		return pool.ResultSet{}, err
	}
	now := time.Now().UTC()

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO pipeline_results (pool_id, version, outcomes, computed_at)
		VALUES ($1, 1, $2, $3)
		ON CONFLICT (pool_id) DO UPDATE
		SET version = pipeline_results.version + 1, outcomes = EXCLUDED.outcomes, computed_at = EXCLUDED.computed_at
		RETURNING version
	`, poolID, outcomesJSON, now)

	var version int64
	if err := row.Scan(&version); err != nil {
		return pool.ResultSet{}, mapError(err)
	}
	return pool.ResultSet{PoolID: poolID, Version: version, Outcomes: outcomes, ComputedAt: now}, nil
}

func (s *Store) GetResultSet(ctx context.Context, poolID string) (pool.ResultSet, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pool_id, version, outcomes, computed_at
		FROM pipeline_results
		WHERE pool_id = $1
	`, poolID)

	var (
		rs          pool.ResultSet
		outcomesRaw []byte
	)
	if err := row.Scan(&rs.PoolID, &rs.Version, &outcomesRaw, &rs.ComputedAt); err != nil {
		return pool.ResultSet{}, mapError(err)
	}
	if err := json.Unmarshal(outcomesRaw, &rs.Outcomes); err != nil {
		return pool.ResultSet{}, err
	}
	rs.ComputedAt = rs.ComputedAt.UTC()
	return rs, nil
}

// --- TokenStore -------------------------------------------------------------

func (s *Store) CreateToken(ctx context.Context, t token.Token) (token.Token, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.IssuedAt.IsZero() {
		t.IssuedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_tokens (id, secret_hash, subject, scope, issued_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.ID, t.SecretHash, t.Subject, t.Scope, t.IssuedAt, t.ExpiresAt, t.Revoked)
	if err != nil {
		return token.Token{}, mapError(err)
	}
	return t, nil
}

const tokenColumns = `id, secret_hash, subject, scope, issued_at, expires_at, revoked`

func (s *Store) GetToken(ctx context.Context, id string) (token.Token, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+tokenColumns+`
		FROM pipeline_tokens
		WHERE id = $1
	`, id)
	return scanToken(row)
}

func (s *Store) GetTokenBySecretHash(ctx context.Context, secretHash string) (token.Token, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+tokenColumns+`
		FROM pipeline_tokens
		WHERE secret_hash = $1
	`, secretHash)
	return scanToken(row)
}

func (s *Store) RevokeToken(ctx context.Context, id string) (token.Token, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_tokens
		SET revoked = TRUE
		WHERE id = $1
	`, id)
	if err != nil {
		return token.Token{}, mapError(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return token.Token{}, storage.ErrNotFound
	}
	return s.GetToken(ctx, id)
}

// --- UserStore --------------------------------------------------------------

func (s *Store) CreateUser(ctx context.Context, u user.User) (user.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_users (id, email, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, u.ID, u.Email, u.PasswordHash, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return user.User{}, mapError(err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (user.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at, updated_at
		FROM pipeline_users
		WHERE id = $1
	`, id)

	var u user.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return user.User{}, mapError(err)
	}
	return u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (user.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at, updated_at
		FROM pipeline_users
		WHERE email = $1
	`, email)

	var u user.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return user.User{}, mapError(err)
	}
	return u, nil
}

// --- RunLockStore -----------------------------------------------------------

func (s *Store) AcquireRunLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_run_locks (name, holder, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
		SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE pipeline_run_locks.holder = EXCLUDED.holder
		   OR pipeline_run_locks.expires_at < $4
	`, name, holder, now.Add(ttl), now)
	if err != nil {
		return false, mapError(err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (s *Store) ReleaseRunLock(ctx context.Context, name, holder string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM pipeline_run_locks
		WHERE name = $1 AND holder = $2
	`, name, holder)
	return err
}

// --- Helpers ----------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (order.Order, error) {
	var (
		o        order.Order
		payload  []byte
		poolID   sql.NullString
		sequence sql.NullInt64
	)
	if err := row.Scan(&o.ID, &o.AccountID, &o.BatchingKey, &payload, &o.State, &poolID, &sequence, &o.FailureNote, &o.SubmittedAt, &o.UpdatedAt); err != nil {
		return order.Order{}, mapError(err)
	}
	o.Payload = payload
	if poolID.Valid {
		o.PoolID = poolID.String
	}
	if sequence.Valid {
		o.Sequence = sequence.Int64
	}
	o.SubmittedAt = o.SubmittedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, nil
}

func scanOrders(rows *sql.Rows) ([]order.Order, error) {
	var result []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func scanPool(row rowScanner) (pool.Pool, error) {
	var (
		p            pool.Pool
		lockedAt     sql.NullTime
		processingAt sql.NullTime
		completedAt  sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.BatchingKey, &p.State, &p.MemberCount, &p.FailureNote, &p.CreatedAt, &lockedAt, &processingAt, &completedAt, &p.UpdatedAt); err != nil {
		return pool.Pool{}, mapError(err)
	}
	if lockedAt.Valid {
		p.LockedAt = lockedAt.Time.UTC()
	}
	if processingAt.Valid {
		p.ProcessingAt = processingAt.Time.UTC()
	}
	if completedAt.Valid {
		p.CompletedAt = completedAt.Time.UTC()
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func scanPools(rows *sql.Rows) ([]pool.Pool, error) {
	var result []pool.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func scanToken(row rowScanner) (token.Token, error) {
	var t token.Token
	if err := row.Scan(&t.ID, &t.SecretHash, &t.Subject, &t.Scope, &t.IssuedAt, &t.ExpiresAt, &t.Revoked); err != nil {
		return token.Token{}, mapError(err)
	}
	t.IssuedAt = t.IssuedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	return t, nil
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return storage.ErrDuplicate
	}
	return err
}
