package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the DAO surface the server persists through: credentials, the
// long-term public key directory, and the offline message spool. Message
// ciphertexts are opaque here.
type Store interface {
	// AddUser inserts a new account. It returns false when the user id
	// or email is already taken.
	AddUser(ctx context.Context, userID, email, password string) (bool, error)
	// Authenticate matches an email and client-hashed password, returning
	// the user id on success.
	Authenticate(ctx context.Context, email, password string) (string, bool, error)
	UserExists(ctx context.Context, userID string) (bool, error)

	UpsertPublicKey(ctx context.Context, userID, publicKey string) error
	PublicKey(ctx context.Context, userID string) (string, bool, error)

	// SpoolMessage stores a ciphertext for an offline recipient.
	SpoolMessage(ctx context.Context, userID, targetUserID, message string) error
	// DrainSpool returns all spooled ciphertexts from userID to
	// targetUserID oldest first and deletes exactly that set, atomically.
	DrainSpool(ctx context.Context, userID, targetUserID string) ([]string, error)

	Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id SERIAL PRIMARY KEY,
	user_id TEXT UNIQUE NOT NULL,
	email TEXT UNIQUE NOT NULL,
	password TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS public_keys (
	user_id TEXT UNIQUE NOT NULL,
	public_key TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS messages (
	id SERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	target_user_id TEXT NOT NULL,
	message TEXT NOT NULL,
	inserted_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenStore connects to the database at url and ensures the schema.
func OpenStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) AddUser(ctx context.Context, userID, email, password string) (bool, error) {
	var id int
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM users WHERE user_id = $1 OR email = $2`,
		userID, email).Scan(&id)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("check existing user: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO users (user_id, email, password) VALUES ($1, $2, $3)`,
		userID, email, password)
	if err != nil {
		return false, fmt.Errorf("insert user: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) Authenticate(ctx context.Context, email, password string) (string, bool, error) {
	var userID, stored string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, password FROM users WHERE email = $1`,
		email).Scan(&userID, &stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("look up user: %w", err)
	}
	if stored != password {
		return "", false, nil
	}
	return userID, true, nil
}

func (s *PostgresStore) UserExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE user_id = $1)`,
		userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check user existence: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) UpsertPublicKey(ctx context.Context, userID, publicKey string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO public_keys (user_id, public_key)
		VALUES ($1, $2)
		ON CONFLICT (user_id)
		DO UPDATE SET public_key = EXCLUDED.public_key, timestamp = CURRENT_TIMESTAMP`,
		userID, publicKey)
	if err != nil {
		return fmt.Errorf("upsert public key: %w", err)
	}
	return nil
}

func (s *PostgresStore) PublicKey(ctx context.Context, userID string) (string, bool, error) {
	var key string
	err := s.pool.QueryRow(ctx,
		`SELECT public_key FROM public_keys WHERE user_id = $1`,
		userID).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("look up public key: %w", err)
	}
	return key, true, nil
}

func (s *PostgresStore) SpoolMessage(ctx context.Context, userID, targetUserID, message string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (user_id, target_user_id, message) VALUES ($1, $2, $3)`,
		userID, targetUserID, message)
	if err != nil {
		return fmt.Errorf("spool message: %w", err)
	}
	return nil
}

func (s *PostgresStore) DrainSpool(ctx context.Context, userID, targetUserID string) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin spool drain: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, message FROM messages
		WHERE user_id = $1 AND target_user_id = $2
		ORDER BY inserted_at, id`,
		userID, targetUserID)
	if err != nil {
		return nil, fmt.Errorf("read spool: %w", err)
	}
	var ids []int64
	var messages []string
	for rows.Next() {
		var id int64
		var message string
		if err := rows.Scan(&id, &message); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan spool row: %w", err)
		}
		ids = append(ids, id)
		messages = append(messages, message)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read spool: %w", err)
	}

	if len(ids) > 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE id = ANY($1)`, ids); err != nil {
			return nil, fmt.Errorf("delete spooled messages: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit spool drain: %w", err)
	}
	return messages, nil
}
