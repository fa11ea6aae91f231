// Package cache provides per-client cache scopes: one record of named
// buckets per scope id, kept in a key-value backend with a long TTL.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"paperhub/internal/errs"
)

// DefaultTTL is the lifetime of a scope record (90 days). Every store refreshes it.
const DefaultTTL = 7776000 * time.Second

// ErrRecordVanished is returned by a replacing write when the record expired
// or was removed after it was read.
var ErrRecordVanished = errors.New("scope record vanished before replace")

// Record maps bucket names to their JSON-encoded values.
type Record map[string]json.RawMessage

// Backend is the key-value service holding scope records.
type Backend interface {
	Get(ctx context.Context, id string) (Record, bool, error)
	// Set is the creating write.
	Set(ctx context.Context, id string, record Record, ttl time.Duration) error
	// Replace is the replacing write; it fails if no record exists.
	Replace(ctx context.Context, id string, record Record, ttl time.Duration) error
}

// Scope is the cache namespace of one client.
//
// Values go through JSON on every call, so a caller always works on its own
// snapshot and must Store an updated value explicitly. Store is a
// read-modify-write without compare-and-swap: two concurrent stores on the
// same scope can drop one writer's update.
type Scope struct {
	backend Backend
	id      string
	ttl     time.Duration
}

func NewScope(backend Backend, id string, ttl time.Duration) *Scope {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Scope{backend: backend, id: id, ttl: ttl}
}

func (s *Scope) ID() string {
	return s.id
}

// Retrieve decodes the bucket named key into dst and reports whether it was
// present. A missing record is created empty, and that case reports a plain
// miss.
func (s *Scope) Retrieve(ctx context.Context, key string, dst any) (bool, error) {
	record, ok, err := s.backend.Get(ctx, s.id)
	if err != nil {
		return false, errs.Wrap(errs.ErrCache, err, "get scope %s", s.id)
	}
	if !ok {
		if err := s.backend.Set(ctx, s.id, Record{}, s.ttl); err != nil {
			return false, errs.Wrap(errs.ErrCache, err, "create scope %s", s.id)
		}
		return false, nil
	}
	raw, ok := record[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, errs.Wrap(errs.ErrCache, err, "decode bucket %s", key)
	}
	return true, nil
}

// Store sets record[key] = value and persists the whole record.
func (s *Scope) Store(ctx context.Context, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return errs.Wrap(errs.ErrCache, err, "encode bucket %s", key)
	}

	record, exists, err := s.backend.Get(ctx, s.id)
	if err != nil {
		return errs.Wrap(errs.ErrCache, err, "get scope %s", s.id)
	}
	if record == nil {
		record = Record{}
	}
	record[key] = payload

	if exists {
		err = s.backend.Replace(ctx, s.id, record, s.ttl)
	} else {
		err = s.backend.Set(ctx, s.id, record, s.ttl)
	}
	if err != nil {
		return errs.Wrap(errs.ErrCache, err, "store bucket %s", key)
	}
	return nil
}
