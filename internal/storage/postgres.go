package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/xaenox/copilot-chat/internal/errors"
	"github.com/xaenox/copilot-chat/internal/models"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	UseInMemory bool
}

type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(config DatabaseConfig) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening database")
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "error connecting to the database")
	}

	storage := &PostgresStorage{db: db}

	// Initialize database schema
	if err := storage.initializeSchema(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "error initializing database schema")
	}

	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return errors.Wrapf(err, "error reading migrations file")
	}

	if _, err := s.db.Exec(string(migrationSQL)); err != nil {
		return errors.Wrapf(err, "error executing migrations")
	}
	return nil
}

func (s *PostgresStorage) ListThreads(ctx context.Context, owner string) ([]models.Thread, error) {
	query := `
		SELECT id, name, usecase, created_at
		FROM threads
		WHERE owner = $1
		ORDER BY position, created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, errors.Wrapf(err, "error querying threads")
	}
	defer rows.Close()

	threads := []models.Thread{}
	for rows.Next() {
		var t models.Thread
		if err := rows.Scan(&t.ID, &t.Name, &t.Usecase, &t.CreatedAt); err != nil {
			return nil, errors.Wrapf(err, "error scanning thread")
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

func (s *PostgresStorage) GetThread(ctx context.Context, owner, threadID string) (*models.Thread, error) {
	query := `
		SELECT id, name, usecase, created_at
		FROM threads
		WHERE owner = $1 AND id = $2`

	var t models.Thread
	err := s.db.QueryRowContext(ctx, query, owner, threadID).Scan(&t.ID, &t.Name, &t.Usecase, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "thread %s", threadID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error querying thread")
	}
	return &t, nil
}

func (s *PostgresStorage) SaveThread(ctx context.Context, owner string, thread *models.Thread) error {
	query := `
		INSERT INTO threads (owner, id, name, usecase, created_at, position)
		VALUES ($1, $2, $3, $4, $5,
			COALESCE((SELECT MIN(position) FROM threads WHERE owner = $1), 0) - 1)
		ON CONFLICT (owner, id) DO UPDATE
		SET name = EXCLUDED.name,
			usecase = EXCLUDED.usecase,
			created_at = EXCLUDED.created_at,
			updated_at = NOW()`

	if _, err := s.db.ExecContext(ctx, query, owner, thread.ID, thread.Name, thread.Usecase, thread.CreatedAt); err != nil {
		return errors.Wrapf(err, "error saving thread")
	}
	return nil
}

// ReplaceAll rewrites the owner's rows in one transaction; messages are
// bulk loaded with COPY.
func (s *PostgresStorage) ReplaceAll(ctx context.Context, owner string, threads []models.Thread, messages map[string][]*models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "error starting transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE owner = $1`, owner); err != nil {
		return errors.Wrapf(err, "error clearing messages")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE owner = $1`, owner); err != nil {
		return errors.Wrapf(err, "error clearing threads")
	}

	for i, t := range threads {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO threads (owner, id, name, usecase, created_at, position)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			owner, t.ID, t.Name, t.Usecase, t.CreatedAt, i)
		if err != nil {
			return errors.Wrapf(err, "error inserting thread %s", t.ID)
		}
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("messages",
		"owner", "id", "thread_id", "kind", "sender", "output", "file", "state", "created_at"))
	if err != nil {
		return errors.Wrapf(err, "error preparing copy")
	}
	for threadID, msgs := range messages {
		for _, m := range sortedCopy(msgs) {
			file, err := encodeFile(m.File)
			if err != nil {
				stmt.Close()
				return err
			}
			if _, err := stmt.ExecContext(ctx, owner, m.ID, threadID, string(m.Kind), string(m.Sender),
				m.Output, file, string(m.State), m.CreatedAt); err != nil {
				stmt.Close()
				return errors.Wrapf(err, "error copying message %s", m.ID)
			}
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return errors.Wrapf(err, "error flushing copy")
	}
	if err := stmt.Close(); err != nil {
		return errors.Wrapf(err, "error closing copy")
	}

	return tx.Commit()
}

func (s *PostgresStorage) ListMessages(ctx context.Context, owner, threadID string) ([]*models.Message, error) {
	query := `
		SELECT id, thread_id, kind, sender, output, file, state, created_at
		FROM messages
		WHERE owner = $1 AND thread_id = $2
		ORDER BY created_at, seq`

	rows, err := s.db.QueryContext(ctx, query, owner, threadID)
	if err != nil {
		return nil, errors.Wrapf(err, "error querying messages")
	}
	defer rows.Close()

	messages := []*models.Message{}
	for rows.Next() {
		var (
			m    models.Message
			file []byte
		)
		err := rows.Scan(&m.ID, &m.ThreadID, &m.Kind, &m.Sender, &m.Output, &file, &m.State, &m.CreatedAt)
		if err != nil {
			return nil, errors.Wrapf(err, "error scanning message")
		}
		if len(file) > 0 {
			m.File = &models.FilePayload{}
			if err := json.Unmarshal(file, m.File); err != nil {
				return nil, errors.Wrapf(err, "error decoding file of message %s", m.ID)
			}
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

func (s *PostgresStorage) SaveMessage(ctx context.Context, owner string, msg *models.Message) error {
	file, err := encodeFile(msg.File)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO messages (owner, id, thread_id, kind, sender, output, file, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (owner, id) DO UPDATE
		SET thread_id = EXCLUDED.thread_id,
			kind = EXCLUDED.kind,
			sender = EXCLUDED.sender,
			output = EXCLUDED.output,
			file = EXCLUDED.file,
			state = EXCLUDED.state,
			created_at = EXCLUDED.created_at`

	_, err = s.db.ExecContext(ctx, query, owner, msg.ID, msg.ThreadID, string(msg.Kind), string(msg.Sender),
		msg.Output, file, string(msg.State), msg.CreatedAt)
	if err != nil {
		return errors.Wrapf(err, "error saving message")
	}
	return nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

// encodeFile renders the payload for the JSONB column; nil stays NULL.
func encodeFile(f *models.FilePayload) (any, error) {
	if f == nil {
		return nil, nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrapf(err, "error encoding file payload")
	}
	return string(data), nil
}

func sortedCopy(msgs []*models.Message) []*models.Message {
	out := append([]*models.Message{}, msgs...)
	sortMessages(out)
	return out
}
