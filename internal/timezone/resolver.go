// Package timezone resolves an owner's IANA timezone and validates names
// against the system timezone database.
package timezone

import (
	"context"
	"strings"
	"sync"
	"time"

	logx "remindbot/pkg/logx"
)

const DefaultName = "UTC"

// Resolver maps owners to timezone names. Resolve never fails: unknown or
// unset zones resolve to the default.
type Resolver interface {
	Resolve(ctx context.Context, ownerID string) string
	Validate(name string) bool
}

// Source is the store capability StoreResolver reads from.
type Source interface {
	GetTimezone(ctx context.Context, ownerID string) (string, error)
}

// StoreResolver resolves owners through a Source.
type StoreResolver struct {
	src Source
	def string
	log logx.Logger
}

func NewStoreResolver(src Source, defaultName string, log logx.Logger) *StoreResolver {
	if !Valid(defaultName) {
		defaultName = DefaultName
	}
	return &StoreResolver{src: src, def: defaultName, log: log}
}

func (r *StoreResolver) Default() string { return r.def }

func (r *StoreResolver) Resolve(ctx context.Context, ownerID string) string {
	if r.src == nil {
		return r.def
	}
	name, err := r.src.GetTimezone(ctx, ownerID)
	if err != nil {
		r.log.Warn("timezone lookup failed; using default",
			logx.String("owner", ownerID), logx.String("default", r.def), logx.Err(err))
		return r.def
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return r.def
	}
	if !Valid(name) {
		r.log.Warn("stored timezone is invalid; using default",
			logx.String("owner", ownerID), logx.String("timezone", name))
		return r.def
	}
	return name
}

func (r *StoreResolver) Validate(name string) bool { return Valid(name) }

// Static resolves every owner to one zone.
type Static string

func (s Static) Resolve(context.Context, string) string {
	if Valid(string(s)) {
		return string(s)
	}
	return DefaultName
}

func (Static) Validate(name string) bool { return Valid(name) }

var cache sync.Map // name -> *time.Location

// Valid reports whether name is a canonical IANA zone the runtime can load.
// "Local" and the empty string are rejected because their meaning depends on
// the host.
func Valid(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "local") {
		return false
	}
	_, err := lookup(name)
	return err == nil
}

// Load returns the named location, or UTC when it cannot be loaded.
func Load(name string) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "local") {
		return time.UTC
	}
	loc, err := lookup(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

func lookup(name string) (*time.Location, error) {
	if v, ok := cache.Load(name); ok {
		return v.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}
	cache.Store(name, loc)
	return loc, nil
}
