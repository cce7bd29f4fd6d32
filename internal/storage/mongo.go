package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

// mongoStore keeps one "users" document per owner:
//
//	{_id: owner, timezone: "UTC", reminders: [{task, frequency, fire_at, ...}]}
//
// Reminders are changed with $push, $pull and positional $set so concurrent
// writers never replace the whole array.
type mongoStore struct {
	client *mongo.Client
	users  *mongo.Collection
	log    logx.Logger
}

type mongoReminder struct {
	Task        string     `bson:"task"`
	Frequency   string     `bson:"frequency"`
	FireAt      time.Time  `bson:"fire_at"`
	Timezone    string     `bson:"timezone"`
	LocalTime   string     `bson:"local_time,omitempty"`
	CreatedAt   *time.Time `bson:"created_at,omitempty"`
	LastFiredAt *time.Time `bson:"last_fired_at,omitempty"`
}

type mongoUser struct {
	ID        string          `bson:"_id"`
	Timezone  string          `bson:"timezone"`
	Reminders []mongoReminder `bson:"reminders"`
}

func openMongo(ctx context.Context, cfg Config, log logx.Logger) (ReminderStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping: %w", err)
	}
	db := cfg.Database
	if db == "" {
		db = "remindbot"
	}
	return &mongoStore{client: client, users: client.Database(db).Collection("users"), log: log}, nil
}

func (s *mongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func toMongo(r reminder.Reminder) mongoReminder {
	return mongoReminder{
		Task:        r.Label,
		Frequency:   string(r.Recurrence),
		FireAt:      r.FireAt,
		Timezone:    r.Timezone,
		LocalTime:   r.LocalTime,
		CreatedAt:   nullTime(r.CreatedAt),
		LastFiredAt: nullTime(r.LastFiredAt),
	}
}

func (m mongoReminder) toReminder(owner string) reminder.Reminder {
	r := reminder.Reminder{
		OwnerID:    owner,
		Label:      m.Task,
		Recurrence: reminder.Recurrence(m.Frequency),
		FireAt:     m.FireAt,
		Timezone:   m.Timezone,
		LocalTime:  m.LocalTime,
	}
	if m.CreatedAt != nil {
		r.CreatedAt = *m.CreatedAt
	}
	if m.LastFiredAt != nil {
		r.LastFiredAt = *m.LastFiredAt
	}
	return r.Normalize()
}

func (s *mongoStore) FetchAll(ctx context.Context) ([]reminder.Reminder, error) {
	cur, err := s.users.Find(ctx, bson.M{"reminders.0": bson.M{"$exists": true}})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []reminder.Reminder
	for cur.Next(ctx) {
		var u mongoUser
		if err := cur.Decode(&u); err != nil {
			return nil, err
		}
		for _, m := range u.Reminders {
			out = append(out, m.toReminder(u.ID))
		}
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	sortReminders(out)
	return out, nil
}

func (s *mongoStore) List(ctx context.Context, ownerID string) ([]reminder.Reminder, error) {
	owner, _ := cleanKey(ownerID, "")
	var u mongoUser
	err := s.users.FindOne(ctx, bson.M{"_id": owner}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]reminder.Reminder, 0, len(u.Reminders))
	for _, m := range u.Reminders {
		out = append(out, m.toReminder(owner))
	}
	sortReminders(out)
	return out, nil
}

// Upsert replaces the matching array element in place, or pushes a new one.
// A concurrent insert of the same owner document surfaces as a duplicate key
// error on the upserting push; the loop then retries the positional update.
func (s *mongoStore) Upsert(ctx context.Context, r reminder.Reminder) error {
	r, err := prepare(r)
	if err != nil {
		return err
	}
	doc := toMongo(r)
	for attempt := 0; attempt < 3; attempt++ {
		res, err := s.users.UpdateOne(ctx,
			bson.M{"_id": r.OwnerID, "reminders.task": r.Label},
			bson.M{"$set": bson.M{"reminders.$": doc}},
		)
		if err != nil {
			return err
		}
		if res.MatchedCount > 0 {
			return nil
		}
		_, err = s.users.UpdateOne(ctx,
			bson.M{"_id": r.OwnerID, "reminders.task": bson.M{"$ne": r.Label}},
			bson.M{"$push": bson.M{"reminders": doc}, "$setOnInsert": bson.M{"timezone": ""}},
			options.Update().SetUpsert(true),
		)
		if mongo.IsDuplicateKeyError(err) {
			continue
		}
		return err
	}
	return fmt.Errorf("upsert %s: too much contention", r.Key())
}

func (s *mongoStore) Delete(ctx context.Context, ownerID, label string) error {
	owner, label := cleanKey(ownerID, label)
	_, err := s.users.UpdateOne(ctx,
		bson.M{"_id": owner},
		bson.M{"$pull": bson.M{"reminders": bson.M{"task": label}}},
	)
	return err
}

func (s *mongoStore) Reschedule(ctx context.Context, ownerID, label string, next, firedAt time.Time) (bool, error) {
	owner, label := cleanKey(ownerID, label)
	set := bson.M{"reminders.$.fire_at": next.UTC()}
	if !firedAt.IsZero() {
		set["reminders.$.last_fired_at"] = firedAt.UTC()
	}
	res, err := s.users.UpdateOne(ctx,
		bson.M{"_id": owner, "reminders.task": label},
		bson.M{"$set": set},
	)
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

func (s *mongoStore) GetTimezone(ctx context.Context, ownerID string) (string, error) {
	owner, _ := cleanKey(ownerID, "")
	var u mongoUser
	err := s.users.FindOne(ctx, bson.M{"_id": owner},
		options.FindOne().SetProjection(bson.M{"timezone": 1})).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", nil
	}
	return u.Timezone, err
}

func (s *mongoStore) SetTimezone(ctx context.Context, ownerID, tz string) error {
	owner, _ := cleanKey(ownerID, "")
	_, err := s.users.UpdateOne(ctx,
		bson.M{"_id": owner},
		bson.M{"$set": bson.M{"timezone": tz}, "$setOnInsert": bson.M{"reminders": bson.A{}}},
		options.Update().SetUpsert(true),
	)
	return err
}
