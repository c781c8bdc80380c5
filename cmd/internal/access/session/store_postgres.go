package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSchema is the Postgres schema holding user_sessions.
const DefaultSchema = "voicegate"

// PostgresStore persists sessions in PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// StoreOption configures PostgresStore.
type StoreOption func(*PostgresStore) error

// WithSchema sets the DB schema used by the store (default: "voicegate").
func WithSchema(schema string) StoreOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return ErrInvalidInput
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore. The pool is owned by the caller.
func NewPostgresStore(pool *pgxpool.Pool, opts ...StoreOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, ErrInvalidInput
	}
	return st, nil
}

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.schema, "user_sessions"}.Sanitize()
}

func (s *PostgresStore) Create(ctx context.Context, sess Session) error {
	if strings.TrimSpace(sess.ID) == "" {
		return ErrInvalidInput
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table()+` (id, token_ref, created_at, expires_at, last_accessed_at, user_agent, ip_address)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''))`,
		sess.ID,
		sess.TokenRef,
		sess.CreatedAt,
		sess.ExpiresAt,
		sess.LastAccessedAt,
		sess.UserAgent,
		sess.IPAddress,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Session, error) {
	var out Session
	err := s.pool.QueryRow(ctx,
		`SELECT id, token_ref, created_at, expires_at, last_accessed_at,
		        COALESCE(user_agent, ''), COALESCE(ip_address, '')
		   FROM `+s.table()+`
		  WHERE id = $1`,
		id,
	).Scan(
		&out.ID,
		&out.TokenRef,
		&out.CreatedAt,
		&out.ExpiresAt,
		&out.LastAccessedAt,
		&out.UserAgent,
		&out.IPAddress,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	return out, nil
}

func (s *PostgresStore) Touch(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE `+s.table()+` SET last_accessed_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.table()+` WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.table()+` WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
