package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

const compactEvery = 500

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (owners map, rewritten on compaction)
//   - <prefix>.journal.jsonl (append-only operations since the snapshot)
//
// Every mutation appends one journal record before it is applied in memory,
// so a crash loses at most a partially written last line.
type fileStore struct {
	log logx.Logger

	mu           sync.Mutex
	st           state
	snapshotPath string
	journal      *os.File
	writes       int
}

type journalOp string

const (
	opUpsert     journalOp = "upsert"
	opDelete     journalOp = "delete"
	opReschedule journalOp = "reschedule"
	opTimezone   journalOp = "timezone"
)

type journalRecord struct {
	Op       journalOp          `json:"op"`
	Owner    string             `json:"owner"`
	Label    string             `json:"label,omitempty"`
	Reminder *reminder.Reminder `json:"reminder,omitempty"`
	Next     time.Time          `json:"next,omitempty"`
	Fired    time.Time          `json:"fired,omitempty"`
	Timezone string             `json:"timezone,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (ReminderStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, st: newState(), snapshotPath: prefix + ".snapshot.json"}
	if err := loadSnapshot(s.snapshotPath, s.st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	journalPath := prefix + ".journal.jsonl"
	n, err := replayJournal(journalPath, s.st)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	if n > 0 {
		if err := s.compactLocked(); err != nil {
			log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	log.Debug("file store loaded", logx.Int("replayed", n), logx.String("prefix", prefix))
	return s, nil
}

func (s *fileStore) appendLocked(rec journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.journal).Encode(rec)
}

// appliedLocked counts a write that is both journaled and applied to s.st,
// and compacts every compactEvery writes.
func (s *fileStore) appliedLocked() {
	s.writes++
	if s.writes%compactEvery != 0 {
		return
	}
	if err := s.compactLocked(); err != nil {
		s.log.Warn("journal compaction failed", logx.Err(err))
	}
}

func (s *fileStore) FetchAll(ctx context.Context) ([]reminder.Reminder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return s.st.all(), nil
}

func (s *fileStore) List(ctx context.Context, ownerID string) ([]reminder.Reminder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	owner, _ := cleanKey(ownerID, "")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return s.st.list(owner), nil
}

func (s *fileStore) Upsert(ctx context.Context, r reminder.Reminder) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r, err := prepare(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opUpsert, Owner: r.OwnerID, Label: r.Label, Reminder: &r}); err != nil {
		return err
	}
	s.st.upsert(r)
	s.appliedLocked()
	return nil
}

func (s *fileStore) Delete(ctx context.Context, ownerID, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	owner, label := cleanKey(ownerID, label)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if d, ok := s.st.owners[owner]; !ok || !hasLabel(d, label) {
		return nil
	}
	if err := s.appendLocked(journalRecord{Op: opDelete, Owner: owner, Label: label}); err != nil {
		return err
	}
	s.st.remove(owner, label)
	s.appliedLocked()
	return nil
}

func hasLabel(d *ownerDoc, label string) bool {
	_, ok := d.Reminders[label]
	return ok
}

func (s *fileStore) Reschedule(ctx context.Context, ownerID, label string, next, firedAt time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	owner, label := cleanKey(ownerID, label)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, ErrClosed
	}
	if d, ok := s.st.owners[owner]; !ok || !hasLabel(d, label) {
		return false, nil
	}
	rec := journalRecord{Op: opReschedule, Owner: owner, Label: label, Next: next.UTC(), Fired: firedAt.UTC()}
	if err := s.appendLocked(rec); err != nil {
		return false, err
	}
	ok := s.st.reschedule(owner, label, next, firedAt)
	s.appliedLocked()
	return ok, nil
}

func (s *fileStore) GetTimezone(ctx context.Context, ownerID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	owner, _ := cleanKey(ownerID, "")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return "", ErrClosed
	}
	return s.st.timezone(owner), nil
}

func (s *fileStore) SetTimezone(ctx context.Context, ownerID, tz string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	owner, _ := cleanKey(ownerID, "")
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opTimezone, Owner: owner, Timezone: tz}); err != nil {
		return err
	}
	s.st.setTimezone(owner, tz)
	s.appliedLocked()
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	cerr := s.compactLocked()
	err := s.journal.Close()
	s.journal = nil
	if cerr != nil {
		return cerr
	}
	return err
}

// compactLocked writes the full state to the snapshot and truncates the journal.
func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.st.owners); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, st state) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]*ownerDoc
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for owner, d := range m {
		if d == nil {
			continue
		}
		st.owners[owner] = d
	}
	return nil
}

// replayJournal applies journal records over st. Torn or unknown lines are skipped.
func replayJournal(path string, st state) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	n := 0
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil || rec.Owner == "" {
			continue
		}
		switch rec.Op {
		case opUpsert:
			if rec.Reminder == nil {
				continue
			}
			st.upsert(*rec.Reminder)
		case opDelete:
			st.remove(rec.Owner, rec.Label)
		case opReschedule:
			st.reschedule(rec.Owner, rec.Label, rec.Next, rec.Fired)
		case opTimezone:
			st.setTimezone(rec.Owner, rec.Timezone)
		default:
			continue
		}
		n++
	}
	return n, sc.Err()
}
