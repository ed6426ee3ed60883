package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"peerline.io/proto"
	"peerline.io/vault"
)

// StoredMessage is one row of local history, shaped for the control
// plane's JSON responses.
type StoredMessage struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"` // "me" or "them"
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// Store is the client's local persistence: the chat directory and the
// message history, with text columns encrypted at rest under the
// password-derived key.
type Store interface {
	AddChat(ctx context.Context, targetUserID string) error
	Chats(ctx context.Context) ([]string, error)
	RemoveChat(ctx context.Context, targetUserID string) error

	SaveMessage(ctx context.Context, m *proto.Message, outgoing bool) error
	Messages(ctx context.Context, userID, targetUserID string, limit int) ([]StoredMessage, error)
	MessagesSince(ctx context.Context, userID, targetUserID string, since time.Time) ([]StoredMessage, error)

	Close()
}

const clientSchema = `
CREATE TABLE IF NOT EXISTS chats (
	target_user_id TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS messages (
	id SERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	target_user_id TEXT NOT NULL,
	message TEXT NOT NULL,
	is_outgoing BOOLEAN NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// PostgresStore implements Store on a pgx pool. Chat ids and message
// text are sealed with the vault's secretbox before they hit a row.
type PostgresStore struct {
	pool   *pgxpool.Pool
	cipher *vault.SecretBox
}

// OpenStore connects to the client database and ensures the schema.
func OpenStore(ctx context.Context, url string, cipher *vault.SecretBox) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, clientSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &PostgresStore{pool: pool, cipher: cipher}, nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

// AddChat inserts the chat unless it is already present. Sealing is
// randomised, so the lookup has to decrypt rather than compare
// ciphertexts.
func (s *PostgresStore) AddChat(ctx context.Context, targetUserID string) error {
	existing, err := s.Chats(ctx)
	if err != nil {
		return err
	}
	for _, id := range existing {
		if id == targetUserID {
			return nil
		}
	}
	sealed, err := s.cipher.Encrypt(targetUserID)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO chats (target_user_id) VALUES ($1) ON CONFLICT (target_user_id) DO NOTHING`,
		sealed); err != nil {
		return fmt.Errorf("insert chat: %w", err)
	}
	return nil
}

// Chats lists the chat directory. Rows sealed under a different password
// are skipped rather than failing the whole listing.
func (s *PostgresStore) Chats(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT target_user_id FROM chats`)
	if err != nil {
		return nil, fmt.Errorf("read chats: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var sealed string
		if err := rows.Scan(&sealed); err != nil {
			return nil, err
		}
		id, err := s.cipher.Decrypt(sealed)
		if err != nil {
			log.Printf("store: skipping undecryptable chat row: %v", err)
			continue
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RemoveChat(ctx context.Context, targetUserID string) error {
	rows, err := s.pool.Query(ctx, `SELECT target_user_id FROM chats`)
	if err != nil {
		return fmt.Errorf("read chats: %w", err)
	}
	var sealedIDs []string
	for rows.Next() {
		var sealed string
		if err := rows.Scan(&sealed); err != nil {
			rows.Close()
			return err
		}
		if id, err := s.cipher.Decrypt(sealed); err == nil && id == targetUserID {
			sealedIDs = append(sealedIDs, sealed)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, sealed := range sealedIDs {
		if _, err := s.pool.Exec(ctx, `DELETE FROM chats WHERE target_user_id = $1`, sealed); err != nil {
			return fmt.Errorf("delete chat: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveMessage(ctx context.Context, m *proto.Message, outgoing bool) error {
	sealed, err := s.cipher.Encrypt(m.Content)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO messages (user_id, target_user_id, message, is_outgoing)
		VALUES ($1, $2, $3, $4)`,
		m.UserID, m.TargetUserID, sealed, outgoing); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) Messages(ctx context.Context, userID, targetUserID string, limit int) ([]StoredMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, message, timestamp FROM messages
		WHERE (user_id = $1 AND target_user_id = $2)
		   OR (user_id = $2 AND target_user_id = $1)
		ORDER BY timestamp ASC
		LIMIT $3`,
		userID, targetUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	defer rows.Close()
	return s.scanMessages(rows, userID)
}

func (s *PostgresStore) MessagesSince(ctx context.Context, userID, targetUserID string, since time.Time) ([]StoredMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, message, timestamp FROM messages
		WHERE ((user_id = $1 AND target_user_id = $2)
		   OR (user_id = $2 AND target_user_id = $1))
		  AND timestamp > $3
		ORDER BY timestamp ASC`,
		userID, targetUserID, since)
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	defer rows.Close()
	return s.scanMessages(rows, userID)
}

type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func (s *PostgresStore) scanMessages(rows pgxRows, userID string) ([]StoredMessage, error) {
	var out []StoredMessage
	for rows.Next() {
		var id int64
		var sender, sealed string
		var ts time.Time
		if err := rows.Scan(&id, &sender, &sealed, &ts); err != nil {
			return nil, err
		}
		text, err := s.cipher.Decrypt(sealed)
		if err != nil {
			log.Printf("store: skipping undecryptable message %d: %v", id, err)
			continue
		}
		who := "them"
		if sender == userID {
			who = "me"
		}
		out = append(out, StoredMessage{
			ID:        fmt.Sprint(id),
			Sender:    who,
			Text:      text,
			Timestamp: ts.UTC().Format(time.RFC3339Nano),
		})
	}
	return out, rows.Err()
}
