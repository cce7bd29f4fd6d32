// Package storage persists reminders and per-owner timezones.
//
// Every driver implements ReminderStore with per-reminder targeted writes:
// adding, replacing, rescheduling or removing one reminder never rewrites
// the owner's other reminders, so the scheduler and the command layer can
// write concurrently.
//
// Drivers:
//   - memory:   process-local maps (tests, dry runs)
//   - file:     JSON snapshot + append-only journal
//   - sqlite:   modernc.org/sqlite, one row per reminder
//   - postgres: pgx connection pool, one row per reminder
//   - redis:    one hash per owner, one field per reminder
//   - mongo:    one document per owner with a reminders array
package storage
