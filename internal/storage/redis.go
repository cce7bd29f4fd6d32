package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

// redisStore keeps one hash per owner (field = label, value = JSON reminder),
// a set of owners, and a hash of owner timezones.
type redisStore struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
}

// rescheduleScript rewrites two fields of one reminder in place, atomically.
var rescheduleScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then return 0 end
local r = cjson.decode(raw)
r['fire_at'] = ARGV[2]
if ARGV[3] ~= '' then r['last_fired_at'] = ARGV[3] end
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(r))
return 1
`)

// deleteScript removes one reminder and drops the owner from the owners set
// once their hash is empty, so FetchAll stops visiting them.
var deleteScript = redis.NewScript(`
redis.call('HDEL', KEYS[1], ARGV[1])
if redis.call('HLEN', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[2], ARGV[2])
end
return 1
`)

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (ReminderStore, error) {
	opts, err := redis.ParseURL(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "remindbot:"
	}
	return &redisStore{rdb: rdb, prefix: prefix, log: log}, nil
}

func (s *redisStore) ownersKey() string           { return s.prefix + "owners" }
func (s *redisStore) timezonesKey() string        { return s.prefix + "timezones" }
func (s *redisStore) remindersKey(o string) string { return s.prefix + "reminders:" + o }

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) FetchAll(ctx context.Context) ([]reminder.Reminder, error) {
	owners, err := s.rdb.SMembers(ctx, s.ownersKey()).Result()
	if err != nil {
		return nil, err
	}
	cmds := make([]*redis.MapStringStringCmd, len(owners))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, o := range owners {
			cmds[i] = p.HGetAll(ctx, s.remindersKey(o))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var out []reminder.Reminder
	for _, c := range cmds {
		rs, err := decodeRedisHash(c.Val())
		if err != nil {
			return nil, err
		}
		out = append(out, rs...)
	}
	sortReminders(out)
	return out, nil
}

func (s *redisStore) List(ctx context.Context, ownerID string) ([]reminder.Reminder, error) {
	owner, _ := cleanKey(ownerID, "")
	m, err := s.rdb.HGetAll(ctx, s.remindersKey(owner)).Result()
	if err != nil {
		return nil, err
	}
	out, err := decodeRedisHash(m)
	if err != nil {
		return nil, err
	}
	sortReminders(out)
	return out, nil
}

func decodeRedisHash(m map[string]string) ([]reminder.Reminder, error) {
	out := make([]reminder.Reminder, 0, len(m))
	for label, raw := range m {
		var r reminder.Reminder
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("decode reminder %q: %w", label, err)
		}
		out = append(out, r.Normalize())
	}
	return out, nil
}

func (s *redisStore) Upsert(ctx context.Context, r reminder.Reminder) error {
	r, err := prepare(r)
	if err != nil {
		return err
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, s.ownersKey(), r.OwnerID)
		p.HSet(ctx, s.remindersKey(r.OwnerID), r.Label, b)
		return nil
	})
	return err
}

func (s *redisStore) Delete(ctx context.Context, ownerID, label string) error {
	owner, label := cleanKey(ownerID, label)
	return deleteScript.Run(ctx, s.rdb,
		[]string{s.remindersKey(owner), s.ownersKey()}, label, owner,
	).Err()
}

func (s *redisStore) Reschedule(ctx context.Context, ownerID, label string, next, firedAt time.Time) (bool, error) {
	owner, label := cleanKey(ownerID, label)
	n, err := rescheduleScript.Run(ctx, s.rdb,
		[]string{s.remindersKey(owner)}, label, formatTime(next), formatTime(firedAt),
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *redisStore) GetTimezone(ctx context.Context, ownerID string) (string, error) {
	owner, _ := cleanKey(ownerID, "")
	tz, err := s.rdb.HGet(ctx, s.timezonesKey(), owner).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return strings.TrimSpace(tz), err
}

func (s *redisStore) SetTimezone(ctx context.Context, ownerID, tz string) error {
	owner, _ := cleanKey(ownerID, "")
	return s.rdb.HSet(ctx, s.timezonesKey(), owner, tz).Err()
}
