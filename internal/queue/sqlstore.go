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

	// Drivers registered for the supported backends; selection happens by
	// driver name in the DSN configuration.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore implements Store over database/sql. The claim protocol maps onto
// conditional UPDATE statements keyed by previous status and lease token, so
// atomicity is delegated to the database regardless of how many processes
// share it.
type SQLStore struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

var _ Store = (*SQLStore)(nil)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS queue_messages (
	id          VARCHAR(64) PRIMARY KEY,
	sender      TEXT NOT NULL,
	content_key VARCHAR(128) NOT NULL,
	size        BIGINT NOT NULL,
	created_at  BIGINT NOT NULL,
	expires_at  BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS queue_units (
	message_id   VARCHAR(64) NOT NULL,
	domain       VARCHAR(255) NOT NULL,
	recipients   TEXT NOT NULL,
	status       VARCHAR(16) NOT NULL,
	retry_count  INTEGER NOT NULL DEFAULT 0,
	next_due     BIGINT NOT NULL,
	last_error   TEXT NOT NULL,
	lease_token  VARCHAR(64) NOT NULL,
	lease_expiry BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (message_id, domain)
);
CREATE INDEX IF NOT EXISTS queue_units_due ON queue_units (status, next_due);
`

// NewSQLStore opens the database and ensures the schema exists. Supported
// drivers: sqlite3, postgres, mysql.
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s := &SQLStore{
		db:     db,
		driver: driver,
		logger: slog.Default().With("component", "queue-store", "backend", driver),
	}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) ensureSchema() error {
	schema := sqlSchema
	if s.driver == "mysql" {
		// MySQL has no CREATE INDEX IF NOT EXISTS; the duplicate-index error
		// on restart is harmless and ignored below.
		schema = strings.ReplaceAll(schema, "CREATE INDEX IF NOT EXISTS", "CREATE INDEX")
	}
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			if s.driver == "mysql" && strings.Contains(err.Error(), "Duplicate key name") {
				continue
			}
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $N for postgres
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

// Enqueue inserts the message and all units in one transaction
func (s *SQLStore) Enqueue(ctx context.Context, msg *Message, units []*DeliveryUnit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO queue_messages (id, sender, content_key, size, created_at, expires_at) VALUES (?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.From, msg.ContentKey, msg.Size, msg.CreatedAt.UnixNano(), msg.ExpiresAt.UnixNano())
	if err != nil {
		return storeErr("insert message", err)
	}

	for _, u := range units {
		rcpts, err := json.Marshal(u.Recipients)
		if err != nil {
			return fmt.Errorf("failed to marshal recipients: %w", err)
		}
		_, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO queue_units (message_id, domain, recipients, status, retry_count, next_due, last_error, lease_token, lease_expiry)
			 VALUES (?, ?, ?, ?, ?, ?, '', '', 0)`),
			u.MessageID, u.Domain, string(rcpts), string(StatusScheduled), u.RetryCount, u.NextDue.UnixNano())
		if err != nil {
			return storeErr("insert unit", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

// Message returns the message record by ID
func (s *SQLStore) Message(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, sender, content_key, size, created_at, expires_at FROM queue_messages WHERE id = ?`), id)

	var msg Message
	var created, expires int64
	err := row.Scan(&msg.ID, &msg.From, &msg.ContentKey, &msg.Size, &created, &expires)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("select message", err)
	}
	msg.CreatedAt = time.Unix(0, created)
	msg.ExpiresAt = time.Unix(0, expires)
	return &msg, nil
}

func scanUnit(scan func(dest ...any) error) (*DeliveryUnit, error) {
	var u DeliveryUnit
	var rcpts string
	var nextDue, leaseExpiry int64
	var status string
	if err := scan(&u.MessageID, &u.Domain, &rcpts, &status, &u.RetryCount, &nextDue, &u.LastError, &u.LeaseToken, &leaseExpiry); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rcpts), &u.Recipients); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recipients: %w", err)
	}
	u.Status = Status(status)
	u.NextDue = time.Unix(0, nextDue)
	if leaseExpiry != 0 {
		u.LeaseExpiry = time.Unix(0, leaseExpiry)
	}
	return &u, nil
}

// Unit returns a snapshot of the unit
func (s *SQLStore) Unit(ctx context.Context, id UnitID) (*DeliveryUnit, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT message_id, domain, recipients, status, retry_count, next_due, last_error, lease_token, lease_expiry
		 FROM queue_units WHERE message_id = ? AND domain = ?`), id.MessageID, id.Domain)

	u, err := scanUnit(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("select unit", err)
	}
	return u, nil
}

// ListDue returns claimable units ordered earliest due first
func (s *SQLStore) ListDue(ctx context.Context, now time.Time) ([]UnitID, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT message_id, domain FROM queue_units
		 WHERE (status = 'scheduled' AND next_due <= ?)
		    OR (status = 'in_progress' AND lease_expiry <= ?)
		 ORDER BY next_due ASC`), now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, storeErr("list due", err)
	}
	defer rows.Close()

	var ids []UnitID
	for rows.Next() {
		var id UnitID
		if err := rows.Scan(&id.MessageID, &id.Domain); err != nil {
			return nil, storeErr("scan due", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TryClaim performs the compare-and-swap claim as a conditional UPDATE
func (s *SQLStore) TryClaim(ctx context.Context, id UnitID, workerToken string, leaseFor time.Duration) (*DeliveryUnit, bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE queue_units SET status = 'in_progress', lease_token = ?, lease_expiry = ?
		 WHERE message_id = ? AND domain = ?
		   AND ((status = 'scheduled' AND next_due <= ?)
		     OR (status = 'in_progress' AND lease_expiry <= ?))`),
		workerToken, now.Add(leaseFor).UnixNano(), id.MessageID, id.Domain, now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, false, storeErr("claim", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, storeErr("claim", err)
	}
	if n == 0 {
		return nil, false, nil
	}

	u, err := s.Unit(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return u, true, nil
}

// Release applies the update if the lease token still matches
func (s *SQLStore) Release(ctx context.Context, id UnitID, workerToken string, upd UnitUpdate) (ReleaseResult, error) {
	if upd.Retry != nil {
		rcpts, err := json.Marshal(upd.Retry.Recipients)
		if err != nil {
			return ReleaseResult{}, fmt.Errorf("failed to marshal recipients: %w", err)
		}
		res, err := s.db.ExecContext(ctx, s.rebind(
			`UPDATE queue_units SET status = 'scheduled', recipients = ?, retry_count = ?, next_due = ?, last_error = ?, lease_token = '', lease_expiry = 0
			 WHERE message_id = ? AND domain = ? AND status = 'in_progress' AND lease_token = ?`),
			string(rcpts), upd.Retry.RetryCount, upd.Retry.NextDue.UnixNano(), upd.Retry.LastError,
			id.MessageID, id.Domain, workerToken)
		if err != nil {
			return ReleaseResult{}, storeErr("release", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return ReleaseResult{}, storeErr("release", err)
		}
		return ReleaseResult{Applied: n == 1}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ReleaseResult{}, storeErr("begin", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(
		`DELETE FROM queue_units WHERE message_id = ? AND domain = ? AND status = 'in_progress' AND lease_token = ?`),
		id.MessageID, id.Domain, workerToken)
	if err != nil {
		return ReleaseResult{}, storeErr("release delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ReleaseResult{}, storeErr("release delete", err)
	}
	if n == 0 {
		return ReleaseResult{}, nil
	}

	var remaining int
	row := tx.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM queue_units WHERE message_id = ?`), id.MessageID)
	if err := row.Scan(&remaining); err != nil {
		return ReleaseResult{}, storeErr("count units", err)
	}

	msgDone := false
	if remaining == 0 {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`DELETE FROM queue_messages WHERE id = ?`), id.MessageID); err != nil {
			return ReleaseResult{}, storeErr("delete message", err)
		}
		msgDone = true
	}

	if err := tx.Commit(); err != nil {
		return ReleaseResult{}, storeErr("commit", err)
	}
	return ReleaseResult{Applied: true, MessageDone: msgDone}, nil
}

// ReapExpiredLeases reverts expired in-progress units to scheduled
func (s *SQLStore) ReapExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE queue_units SET status = 'scheduled', lease_token = '', lease_expiry = 0
		 WHERE status = 'in_progress' AND lease_expiry <= ?`), now.UnixNano())
	if err != nil {
		return 0, storeErr("reap", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("reap", err)
	}
	return int(n), nil
}

// NextDue returns the earliest due time of any scheduled unit
func (s *SQLStore) NextDue(ctx context.Context) (time.Time, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT MIN(next_due) FROM queue_units WHERE status = 'scheduled'`)

	var next sql.NullInt64
	if err := row.Scan(&next); err != nil {
		return time.Time{}, false, storeErr("next due", err)
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(0, next.Int64), true, nil
}

// Stats returns current queue depth counters
func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_messages`)
	if err := row.Scan(&stats.Messages); err != nil {
		return stats, storeErr("stats", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_units GROUP BY status`)
	if err != nil {
		return stats, storeErr("stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, storeErr("stats", err)
		}
		switch Status(status) {
		case StatusScheduled:
			stats.Scheduled = count
		case StatusInProgress:
			stats.InProgress = count
		}
	}
	return stats, rows.Err()
}

// Close closes the database handle
func (s *SQLStore) Close() error {
	return s.db.Close()
}
