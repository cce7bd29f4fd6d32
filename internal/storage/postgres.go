package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS owners (
	owner_id TEXT PRIMARY KEY,
	timezone TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS reminders (
	owner_id      TEXT NOT NULL,
	label         TEXT NOT NULL,
	recurrence    TEXT NOT NULL,
	fire_at       TIMESTAMPTZ NOT NULL,
	timezone      TEXT NOT NULL,
	local_time    TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ,
	last_fired_at TIMESTAMPTZ,
	PRIMARY KEY (owner_id, label)
);
CREATE INDEX IF NOT EXISTS idx_reminders_fire_at ON reminders(fire_at);
`

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (ReminderStore, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pcfg.MaxConns = 8
	pcfg.MinConns = 1
	pcfg.MaxConnLifetime = time.Hour
	pcfg.MaxConnIdleTime = 30 * time.Minute
	pcfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) FetchAll(ctx context.Context) ([]reminder.Reminder, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+reminderColumns+` FROM reminders ORDER BY owner_id COLLATE "C", label COLLATE "C"`)
	if err != nil {
		return nil, err
	}
	return collectPgReminders(rows)
}

func (s *postgresStore) List(ctx context.Context, ownerID string) ([]reminder.Reminder, error) {
	owner, _ := cleanKey(ownerID, "")
	rows, err := s.pool.Query(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE owner_id = $1 ORDER BY label COLLATE "C"`, owner)
	if err != nil {
		return nil, err
	}
	return collectPgReminders(rows)
}

func (s *postgresStore) Upsert(ctx context.Context, r reminder.Reminder) error {
	r, err := prepare(r)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO reminders(`+reminderColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (owner_id, label) DO UPDATE SET
			recurrence = EXCLUDED.recurrence, fire_at = EXCLUDED.fire_at, timezone = EXCLUDED.timezone,
			local_time = EXCLUDED.local_time, created_at = EXCLUDED.created_at, last_fired_at = EXCLUDED.last_fired_at`,
		r.OwnerID, r.Label, string(r.Recurrence), r.FireAt, r.Timezone, r.LocalTime,
		nullTime(r.CreatedAt), nullTime(r.LastFiredAt),
	)
	return err
}

func (s *postgresStore) Delete(ctx context.Context, ownerID, label string) error {
	owner, label := cleanKey(ownerID, label)
	_, err := s.pool.Exec(ctx, `DELETE FROM reminders WHERE owner_id = $1 AND label = $2`, owner, label)
	return err
}

func (s *postgresStore) Reschedule(ctx context.Context, ownerID, label string, next, firedAt time.Time) (bool, error) {
	owner, label := cleanKey(ownerID, label)
	tag, err := s.pool.Exec(ctx,
		`UPDATE reminders SET fire_at = $1, last_fired_at = COALESCE($2, last_fired_at)
		 WHERE owner_id = $3 AND label = $4`,
		next.UTC(), nullTime(firedAt), owner, label,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *postgresStore) GetTimezone(ctx context.Context, ownerID string) (string, error) {
	owner, _ := cleanKey(ownerID, "")
	var tz string
	err := s.pool.QueryRow(ctx, `SELECT timezone FROM owners WHERE owner_id = $1`, owner).Scan(&tz)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return tz, err
}

func (s *postgresStore) SetTimezone(ctx context.Context, ownerID, tz string) error {
	owner, _ := cleanKey(ownerID, "")
	_, err := s.pool.Exec(ctx,
		`INSERT INTO owners(owner_id, timezone) VALUES($1, $2)
		 ON CONFLICT (owner_id) DO UPDATE SET timezone = EXCLUDED.timezone`,
		owner, tz,
	)
	return err
}

func collectPgReminders(rows pgx.Rows) ([]reminder.Reminder, error) {
	defer rows.Close()
	var out []reminder.Reminder
	for rows.Next() {
		var (
			r                 reminder.Reminder
			rec               string
			created, lastFire *time.Time
		)
		if err := rows.Scan(&r.OwnerID, &r.Label, &rec, &r.FireAt, &r.Timezone, &r.LocalTime, &created, &lastFire); err != nil {
			return nil, err
		}
		r.Recurrence = reminder.Recurrence(rec)
		r.FireAt = r.FireAt.UTC()
		if created != nil {
			r.CreatedAt = created.UTC()
		}
		if lastFire != nil {
			r.LastFiredAt = lastFire.UTC()
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
