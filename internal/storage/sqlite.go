package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

//go:embed migrations.sql
var sqliteSchema string

const reminderColumns = `owner_id, label, recurrence, fire_at, timezone, local_time, created_at, last_fired_at`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (ReminderStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; SQLite locks the whole file anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) FetchAll(ctx context.Context) ([]reminder.Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reminderColumns+` FROM reminders ORDER BY owner_id, label`)
	if err != nil {
		return nil, err
	}
	return scanReminders(rows)
}

func (s *sqliteStore) List(ctx context.Context, ownerID string) ([]reminder.Reminder, error) {
	owner, _ := cleanKey(ownerID, "")
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE owner_id = ? ORDER BY label`, owner)
	if err != nil {
		return nil, err
	}
	return scanReminders(rows)
}

func (s *sqliteStore) Upsert(ctx context.Context, r reminder.Reminder) error {
	r, err := prepare(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reminders(`+reminderColumns+`) VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(owner_id, label) DO UPDATE SET
			recurrence=excluded.recurrence, fire_at=excluded.fire_at, timezone=excluded.timezone,
			local_time=excluded.local_time, created_at=excluded.created_at, last_fired_at=excluded.last_fired_at`,
		r.OwnerID, r.Label, string(r.Recurrence), formatTime(r.FireAt), r.Timezone,
		nullStr(r.LocalTime), nullStr(formatTime(r.CreatedAt)), nullStr(formatTime(r.LastFiredAt)),
	)
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, ownerID, label string) error {
	owner, label := cleanKey(ownerID, label)
	_, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE owner_id = ? AND label = ?`, owner, label)
	return err
}

func (s *sqliteStore) Reschedule(ctx context.Context, ownerID, label string, next, firedAt time.Time) (bool, error) {
	owner, label := cleanKey(ownerID, label)
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET fire_at = ?, last_fired_at = COALESCE(?, last_fired_at)
		 WHERE owner_id = ? AND label = ?`,
		formatTime(next), nullStr(formatTime(firedAt)), owner, label,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) GetTimezone(ctx context.Context, ownerID string) (string, error) {
	owner, _ := cleanKey(ownerID, "")
	var tz string
	err := s.db.QueryRowContext(ctx, `SELECT timezone FROM owners WHERE owner_id = ?`, owner).Scan(&tz)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return tz, err
}

func (s *sqliteStore) SetTimezone(ctx context.Context, ownerID, tz string) error {
	owner, _ := cleanKey(ownerID, "")
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO owners(owner_id, timezone) VALUES(?, ?)
		 ON CONFLICT(owner_id) DO UPDATE SET timezone = excluded.timezone`,
		owner, tz,
	)
	return err
}

func scanReminders(rows *sql.Rows) ([]reminder.Reminder, error) {
	defer rows.Close()
	var out []reminder.Reminder
	for rows.Next() {
		var (
			r                            reminder.Reminder
			rec, fireAt                  string
			localTime, created, lastFire sql.NullString
		)
		if err := rows.Scan(&r.OwnerID, &r.Label, &rec, &fireAt, &r.Timezone, &localTime, &created, &lastFire); err != nil {
			return nil, err
		}
		r.Recurrence = reminder.Recurrence(rec)
		r.LocalTime = localTime.String
		var err error
		if r.FireAt, err = parseTime(fireAt); err != nil {
			return nil, fmt.Errorf("reminder %s/%s fire_at: %w", r.OwnerID, r.Label, err)
		}
		if r.CreatedAt, err = parseTime(created.String); err != nil {
			return nil, fmt.Errorf("reminder %s/%s created_at: %w", r.OwnerID, r.Label, err)
		}
		if r.LastFiredAt, err = parseTime(lastFire.String); err != nil {
			return nil, fmt.Errorf("reminder %s/%s last_fired_at: %w", r.OwnerID, r.Label, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
