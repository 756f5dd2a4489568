package guild

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/opencompute/Kaetram-Open/cache"
	"go.uber.org/zap"
)

const recordKeyPrefix = "guild:"

func recordKey(identifier string) string { return recordKeyPrefix + identifier }

// CachedStore puts a read-through, write-through record cache in front of a
// Store. Cache failures degrade to the inner store and are only logged.
type CachedStore struct {
	Store
	cache  cache.Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedStore wraps inner with c.
func NewCachedStore(inner Store, c cache.Cache, ttl time.Duration, logger *zap.Logger) *CachedStore {
	return &CachedStore{Store: inner, cache: c, ttl: ttl, logger: logger}
}

func (s *CachedStore) LoadGuild(ctx context.Context, identifier string) (*Record, error) {
	raw, err := s.cache.Get(ctx, recordKey(identifier))
	if err == nil {
		var r Record
		if jerr := json.Unmarshal([]byte(raw), &r); jerr == nil {
			return &r, nil
		}
		s.logger.Warn("guild cache entry corrupt", zap.String("guild", identifier))
	} else if !cache.IsNotFound(err) {
		s.logger.Warn("guild cache read failed", zap.String("guild", identifier), zap.Error(err))
	}

	r, err := s.Store.LoadGuild(ctx, identifier)
	if err != nil {
		return nil, err
	}
	s.put(ctx, r)
	return r, nil
}

func (s *CachedStore) Commit(ctx context.Context, m *Mutation) error {
	err := s.Store.Commit(ctx, m)
	if m.Record == nil {
		return err
	}
	switch {
	case errors.Is(err, ErrConflict):
		// next attempt must read the stored version
		s.Invalidate(ctx, m.Record.Identifier)
	case err != nil:
	case m.Kind == MutateDelete:
		s.Invalidate(ctx, m.Record.Identifier)
	case m.Kind == MutateCreate || m.Kind == MutateUpdate:
		s.put(ctx, m.Record)
	}
	return err
}

// Invalidate drops the cached copy of identifier.
func (s *CachedStore) Invalidate(ctx context.Context, identifier string) {
	if err := s.cache.Del(ctx, recordKey(identifier)); err != nil {
		s.logger.Warn("guild cache invalidate failed", zap.String("guild", identifier), zap.Error(err))
	}
}

func (s *CachedStore) put(ctx context.Context, r *Record) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, recordKey(r.Identifier), string(data), s.ttl); err != nil {
		s.logger.Warn("guild cache write failed", zap.String("guild", r.Identifier), zap.Error(err))
	}
}
