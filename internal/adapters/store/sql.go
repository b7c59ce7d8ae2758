// Package store persists call records in a SQL database. SQLite (modernc,
// pure Go) is the default; postgres is supported through lib/pq.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dkeye/ClinicCall/internal/domain"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var ErrUnknownDriver = errors.New("unknown store driver")

const schema = `CREATE TABLE IF NOT EXISTS call_records (
	call_id      TEXT PRIMARY KEY,
	initiator    TEXT NOT NULL,
	target       TEXT NOT NULL,
	participants TEXT NOT NULL DEFAULT '[]',
	call_type    TEXT NOT NULL,
	started_at   BIGINT NOT NULL,
	answered_at  BIGINT,
	ended_at     BIGINT NOT NULL,
	duration_sec BIGINT NOT NULL DEFAULT 0,
	status       TEXT NOT NULL,
	ended_by     TEXT NOT NULL DEFAULT '',
	reason       TEXT NOT NULL DEFAULT ''
)`

var indexes = []string{
	`CREATE INDEX IF NOT EXISTS call_records_initiator ON call_records (initiator, ended_at)`,
	`CREATE INDEX IF NOT EXISTS call_records_target ON call_records (target, ended_at)`,
}

const insertRecord = `INSERT INTO call_records
	(call_id, initiator, target, participants, call_type, started_at, answered_at, ended_at, duration_sec, status, ended_by, reason)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (call_id) DO NOTHING`

const selectByUser = `SELECT call_id, initiator, target, participants, call_type, started_at, answered_at, ended_at, duration_sec, status, ended_by, reason
	FROM call_records
	WHERE initiator = ? OR target = ?
	ORDER BY ended_at DESC
	LIMIT ?`

// SQLStore is the append-only call record sink.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// Open connects with driver and dsn and creates the schema.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// One writer; a pool would also give every ":memory:" conn its own database.
		db.SetMaxOpenConns(1)
	}
	s := New(db, driver)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info().Str("module", "store").Str("driver", driver).Msg("call record store ready")
	return s, nil
}

// New wraps an open database. driver picks the placeholder style.
func New(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create call_records: %w", err)
	}
	for _, stmt := range indexes {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// rebind turns ? placeholders into $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
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

// Append writes rec once; a repeated call id is ignored.
func (s *SQLStore) Append(ctx context.Context, rec domain.CallRecord) error {
	participants, err := json.Marshal(rec.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	var answered sql.NullInt64
	if rec.AnsweredAt != nil {
		answered = sql.NullInt64{Int64: rec.AnsweredAt.UnixMilli(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, s.rebind(insertRecord),
		string(rec.CallID),
		string(rec.Initiator),
		string(rec.Target),
		string(participants),
		string(rec.Type),
		rec.StartedAt.UnixMilli(),
		answered,
		rec.EndedAt.UnixMilli(),
		rec.DurationSec,
		string(rec.Status),
		string(rec.EndedBy),
		rec.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert call record %s: %w", rec.CallID, err)
	}
	return nil
}

// ListByUser returns the newest records uid took part in.
func (s *SQLStore) ListByUser(ctx context.Context, uid domain.UserID, limit int) ([]domain.CallRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(selectByUser), string(uid), string(uid), limit)
	if err != nil {
		return nil, fmt.Errorf("query call records: %w", err)
	}
	defer rows.Close()

	var out []domain.CallRecord
	for rows.Next() {
		var (
			rec                       domain.CallRecord
			participants              string
			started, ended            int64
			answered                  sql.NullInt64
			id, initiator, target     string
			callType, status, endedBy string
		)
		if err := rows.Scan(&id, &initiator, &target, &participants, &callType, &started, &answered, &ended, &rec.DurationSec, &status, &endedBy, &rec.Reason); err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		rec.CallID = domain.CallID(id)
		rec.Initiator = domain.UserID(initiator)
		rec.Target = domain.UserID(target)
		rec.Type = domain.CallType(callType)
		rec.Status = domain.RecordStatus(status)
		rec.EndedBy = domain.UserID(endedBy)
		rec.StartedAt = time.UnixMilli(started).UTC()
		rec.EndedAt = time.UnixMilli(ended).UTC()
		if answered.Valid {
			at := time.UnixMilli(answered.Int64).UTC()
			rec.AnsweredAt = &at
		}
		if err := json.Unmarshal([]byte(participants), &rec.Participants); err != nil {
			return nil, fmt.Errorf("decode participants of %s: %w", id, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call records: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
