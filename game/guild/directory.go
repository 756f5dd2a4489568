package guild

import (
	"context"

	"go.uber.org/zap"
)

const (
	defaultPageSize = 10
	maxPageSize     = 50
)

// Directory serves the public guild listing. It reads straight from the store
// and never waits on the coordinator, so counts may briefly lag.
type Directory struct {
	store      Store
	maxMembers int
	logger     *zap.Logger
}

// NewDirectory creates a Directory.
func NewDirectory(store Store, maxMembers int, logger *zap.Logger) *Directory {
	return &Directory{store: store, maxMembers: maxMembers, logger: logger}
}

// List returns a page of joinable guilds (not full, not invite-only) ordered
// by experience, and the number of such guilds.
func (d *Directory) List(ctx context.Context, offset, limit int) ([]Summary, int64, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	records, total, err := d.store.LoadGuilds(ctx, Query{
		Offset:     offset,
		Limit:      limit,
		MaxMembers: d.maxMembers,
		PublicOnly: true,
	})
	if err != nil {
		d.logger.Error("guild directory load failed", zap.Error(err))
		return nil, 0, err
	}
	page := make([]Summary, 0, len(records))
	for _, r := range records {
		page = append(page, r.Summary())
	}
	return page, total, nil
}
