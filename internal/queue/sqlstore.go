package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLConfig selects and locates the relational backend for the queue
type SQLConfig struct {
	Driver   string `toml:"driver"` // sqlite3, postgres or mysql
	Path     string `toml:"path"`   // sqlite3 only
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Database string `toml:"database"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// SQLStore persists queued messages and their audit trail in a relational
// database. Queries are written with ? placeholders and rebound for
// postgres.
type SQLStore struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// OpenSQLStore connects to the configured database. The sqlite3 driver
// also bootstraps the schema so local and test setups need no migration
// step; postgres and mysql schemas are owned by the deployment.
func OpenSQLStore(config SQLConfig) (*SQLStore, error) {
	dsn, err := config.dsn()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(config.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", config.Driver, err)
	}

	s := &SQLStore{
		db:     db,
		driver: config.Driver,
		logger: slog.Default().With("component", "queue-sqlstore"),
	}

	if config.Driver == "sqlite3" {
		// sqlite allows one writer, and :memory: databases are
		// per-connection
		db.SetMaxOpenConns(1)
		if err := s.ensureSchema(); err != nil {
			db.Close()
			return nil, err
		}
	}

	return s, nil
}

func (c SQLConfig) dsn() (string, error) {
	switch c.Driver {
	case "sqlite3":
		if c.Path == "" {
			return "", fmt.Errorf("sqlite3 store requires a path")
		}
		return c.Path, nil
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			c.Host, c.Port, c.Username, c.Password, c.Database), nil
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			c.Username, c.Password, c.Host, c.Port, c.Database), nil
	default:
		return "", fmt.Errorf("unsupported queue store driver: %s", c.Driver)
	}
}

// Close releases the database handle
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) ensureSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS message_queue (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			recipient_phone TEXT NOT NULL,
			message_type TEXT NOT NULL,
			content TEXT NOT NULL,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			template_sent_at TIMESTAMP,
			delivered_at TIMESTAMP,
			expires_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_message_queue_owner
			ON message_queue(owner_id, status, priority, created_at)`,
		`CREATE TABLE IF NOT EXISTS message_audit_log (
			id TEXT PRIMARY KEY,
			message_id TEXT,
			event TEXT NOT NULL,
			detail TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_message_audit_message
			ON message_audit_log(message_id, created_at)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create queue schema: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $1..$n for postgres
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Insert(ctx context.Context, msg *QueuedMessage) error {
	query := s.rebind(`INSERT INTO message_queue
		(id, owner_id, recipient_phone, message_type, content, status,
		 priority, retry_count, created_at, template_sent_at, delivered_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.OwnerID, msg.RecipientPhone, string(msg.Type), msg.Content,
		string(msg.Status), msg.Priority, msg.RetryCount, msg.CreatedAt,
		nullTime(msg.TemplateSentAt), nullTime(msg.DeliveredAt), nullTime(msg.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to insert queued message: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*QueuedMessage, error) {
	query := s.rebind(selectColumns + ` FROM message_queue WHERE id = ?`)
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return msg, err
}

func (s *SQLStore) NextPending(ctx context.Context, ownerID string, now time.Time) (*QueuedMessage, error) {
	query := s.rebind(selectColumns + ` FROM message_queue
		WHERE owner_id = ?
		  AND status IN ('queued', 'template_sent')
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY priority ASC, created_at ASC
		LIMIT 1`)
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, ownerID, now))
	if err == sql.ErrNoRows {
		return nil, ErrNoPending
	}
	return msg, err
}

func (s *SQLStore) NextCandidate(ctx context.Context, ownerID string) (*QueuedMessage, error) {
	query := s.rebind(selectColumns + ` FROM message_queue
		WHERE owner_id = ?
		  AND status IN ('queued', 'template_sent')
		ORDER BY priority ASC, created_at ASC
		LIMIT 1`)
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, ownerID))
	if err == sql.ErrNoRows {
		return nil, ErrNoPending
	}
	return msg, err
}

func (s *SQLStore) Transition(ctx context.Context, id string, to Status, at time.Time) error {
	var set string
	switch to {
	case StatusTemplateSent:
		set = "status = ?, template_sent_at = ?"
	case StatusDelivered:
		set = "status = ?, delivered_at = ?"
	default:
		// terminal stamps reuse delivered_at slot only for delivered;
		// the others carry no extra timestamp
		set = "status = ?"
	}

	var (
		result sql.Result
		err    error
	)
	guard := ` WHERE id = ? AND status IN ('queued', 'template_sent')`
	if to == StatusTemplateSent || to == StatusDelivered {
		query := s.rebind(`UPDATE message_queue SET ` + set + guard)
		result, err = s.db.ExecContext(ctx, query, string(to), at, id)
	} else {
		query := s.rebind(`UPDATE message_queue SET ` + set + guard)
		result, err = s.db.ExecContext(ctx, query, string(to), id)
	}
	if err != nil {
		return fmt.Errorf("failed to transition message %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// distinguish missing from terminal
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrTerminalStatus
	}
	return nil
}

func (s *SQLStore) IncrementRetry(ctx context.Context, id string) error {
	query := s.rebind(`UPDATE message_queue SET retry_count = retry_count + 1 WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

func (s *SQLStore) ListQueued(ctx context.Context, now time.Time) ([]*QueuedMessage, error) {
	query := s.rebind(selectColumns + ` FROM message_queue
		WHERE status = 'queued'
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at ASC`)
	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*QueuedMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *SQLStore) ExpireDue(ctx context.Context, now time.Time) ([]string, error) {
	query := s.rebind(`SELECT id FROM message_queue
		WHERE status IN ('queued', 'template_sent')
		  AND expires_at IS NOT NULL AND expires_at <= ?`)
	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if err := s.Transition(ctx, id, StatusExpired, now); err != nil {
			// a racing sweep beat us to this one
			if err == ErrTerminalStatus {
				continue
			}
			return nil, err
		}
	}
	return ids, nil
}

func (s *SQLStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	query := `SELECT status, COUNT(*) FROM message_queue GROUP BY status`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[Status(status)] = count
	}
	return counts, rows.Err()
}

func (s *SQLStore) AppendAudit(ctx context.Context, event AuditEvent) error {
	detail := ""
	if len(event.Detail) > 0 {
		raw, err := json.Marshal(event.Detail)
		if err != nil {
			return err
		}
		detail = string(raw)
	}

	query := s.rebind(`INSERT INTO message_audit_log
		(id, message_id, event, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		event.ID, nullString(event.MessageID), event.Event, nullString(detail), event.CreatedAt)
	return err
}

func (s *SQLStore) CountEventsSince(ctx context.Context, event string, since time.Time) (int, error) {
	query := s.rebind(`SELECT COUNT(*) FROM message_audit_log
		WHERE event = ? AND created_at >= ?`)
	var count int
	err := s.db.QueryRowContext(ctx, query, event, since).Scan(&count)
	return count, err
}

func (s *SQLStore) AuditTrail(ctx context.Context, messageID string) ([]AuditEvent, error) {
	query := s.rebind(`SELECT id, message_id, event, detail, created_at
		FROM message_audit_log WHERE message_id = ? ORDER BY created_at ASC`)
	rows, err := s.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var (
			event  AuditEvent
			msgID  sql.NullString
			detail sql.NullString
		)
		if err := rows.Scan(&event.ID, &msgID, &event.Event, &detail, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.MessageID = msgID.String
		if detail.Valid && detail.String != "" {
			if err := json.Unmarshal([]byte(detail.String), &event.Detail); err != nil {
				s.logger.Warn("Malformed audit detail", "audit_id", event.ID, "error", err)
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

const selectColumns = `SELECT id, owner_id, recipient_phone, message_type, content,
	status, priority, retry_count, created_at, template_sent_at, delivered_at, expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*QueuedMessage, error) {
	var (
		msg          QueuedMessage
		msgType      string
		status       string
		templateSent sql.NullTime
		delivered    sql.NullTime
		expires      sql.NullTime
	)
	err := row.Scan(&msg.ID, &msg.OwnerID, &msg.RecipientPhone, &msgType, &msg.Content,
		&status, &msg.Priority, &msg.RetryCount, &msg.CreatedAt,
		&templateSent, &delivered, &expires)
	if err != nil {
		return nil, err
	}
	msg.Type = MessageType(msgType)
	msg.Status = Status(status)
	msg.TemplateSentAt = templateSent.Time
	msg.DeliveredAt = delivered.Time
	msg.ExpiresAt = expires.Time
	return &msg, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
