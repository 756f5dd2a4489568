package guild

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/opencompute/Kaetram-Open/model"
	"gorm.io/gorm"
)

// GormStore is the SQL-backed Store. Shards sharing one database serialize
// through the version column.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a GormStore.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) LoadGuild(ctx context.Context, identifier string) (*Record, error) {
	var row model.Guild
	err := s.db.WithContext(ctx).Where("identifier = ?", identifier).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrGuildNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("guild: load %q: %w", identifier, err)
	}
	var members []model.GuildMember
	if err := s.db.WithContext(ctx).Where("guild_id = ?", identifier).
		Order("position ASC").Find(&members).Error; err != nil {
		return nil, fmt.Errorf("guild: load members %q: %w", identifier, err)
	}
	return toRecord(&row, members), nil
}

func (s *GormStore) LoadGuilds(ctx context.Context, q Query) ([]*Record, int64, error) {
	base := s.db.WithContext(ctx).Model(&model.Guild{})
	if q.MaxMembers > 0 {
		base = base.Where("member_count < ?", q.MaxMembers)
	}
	if q.PublicOnly {
		base = base.Where("invite_only = ?", false)
	}

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("guild: count guilds: %w", err)
	}

	var rows []model.Guild
	if err := base.Session(&gorm.Session{}).
		Order("experience DESC").Order("name ASC").
		Offset(q.Offset).Limit(q.Limit).
		Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("guild: list guilds: %w", err)
	}
	if len(rows) == 0 {
		return nil, total, nil
	}

	ids := make([]string, len(rows))
	for i := range rows {
		ids[i] = rows[i].Identifier
	}
	var members []model.GuildMember
	if err := s.db.WithContext(ctx).Where("guild_id IN ?", ids).
		Order("guild_id ASC").Order("position ASC").Find(&members).Error; err != nil {
		return nil, 0, fmt.Errorf("guild: list members: %w", err)
	}
	byGuild := make(map[string][]model.GuildMember, len(rows))
	for _, m := range members {
		byGuild[m.GuildID] = append(byGuild[m.GuildID], m)
	}

	out := make([]*Record, len(rows))
	for i := range rows {
		out[i] = toRecord(&rows[i], byGuild[rows[i].Identifier])
	}
	return out, total, nil
}

func (s *GormStore) LoadPlayer(ctx context.Context, username string) (*PlayerState, error) {
	var p model.Player
	err := s.db.WithContext(ctx).Where("username = ?", strings.ToLower(username)).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPlayerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("guild: load player %q: %w", username, err)
	}
	return &PlayerState{
		Username:         p.Username,
		Guild:            p.Guild,
		Gold:             p.Gold,
		Guest:            p.Guest,
		TutorialFinished: p.TutorialFinished,
	}, nil
}

func (s *GormStore) Commit(ctx context.Context, m *Mutation) error {
	next := int64(0)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		switch m.Kind {
		case MutatePointers:
		case MutateCreate:
			next, err = createGuild(tx, m.Record)
		case MutateUpdate:
			next, err = updateGuild(tx, m.Record)
		case MutateDelete:
			err = deleteGuild(tx, m.Record)
		case MutateVerify:
			err = verifyGuild(tx, m.Record)
		default:
			err = fmt.Errorf("guild: unknown mutation kind %d", m.Kind)
		}
		if err != nil {
			return err
		}
		return applyPointers(tx, m.Pointers)
	})
	if err != nil {
		if m.Kind == MutateCreate && !errors.Is(err, ErrConflict) && isUniqueViolation(err) {
			return ErrNameTaken
		}
		return err
	}
	if next > 0 {
		m.Record.Version = next
	}
	return nil
}

func createGuild(tx *gorm.DB, r *Record) (int64, error) {
	var n int64
	if err := tx.Model(&model.Guild{}).Where("identifier = ?", r.Identifier).Count(&n).Error; err != nil {
		return 0, err
	}
	if n > 0 {
		return 0, ErrNameTaken
	}
	row := toRow(r)
	row.Version = 1
	if err := tx.Create(row).Error; err != nil {
		return 0, err
	}
	return 1, insertMembers(tx, r)
}

func updateGuild(tx *gorm.DB, r *Record) (int64, error) {
	next := r.Version + 1
	res := tx.Model(&model.Guild{}).
		Where("identifier = ? AND version = ?", r.Identifier, r.Version).
		Updates(map[string]interface{}{
			"owner":        r.Owner,
			"experience":   r.Experience,
			"invite_only":  r.InviteOnly,
			"member_count": len(r.Members),
			"version":      next,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, ErrConflict
	}
	if err := tx.Where("guild_id = ?", r.Identifier).Delete(&model.GuildMember{}).Error; err != nil {
		return 0, err
	}
	return next, insertMembers(tx, r)
}

func deleteGuild(tx *gorm.DB, r *Record) error {
	res := tx.Where("identifier = ? AND version = ?", r.Identifier, r.Version).Delete(&model.Guild{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return tx.Where("guild_id = ?", r.Identifier).Delete(&model.GuildMember{}).Error
}

func verifyGuild(tx *gorm.DB, r *Record) error {
	var n int64
	if err := tx.Model(&model.Guild{}).
		Where("identifier = ? AND version = ?", r.Identifier, r.Version).
		Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func insertMembers(tx *gorm.DB, r *Record) error {
	if len(r.Members) == 0 {
		return nil
	}
	rows := make([]model.GuildMember, len(r.Members))
	for i, m := range r.Members {
		rows[i] = model.GuildMember{
			GuildID:  r.Identifier,
			Username: m.Username,
			Rank:     int(m.Rank),
			Position: i,
			JoinedAt: m.JoinDate,
		}
	}
	return tx.Create(&rows).Error
}

func applyPointers(tx *gorm.DB, changes []PointerChange) error {
	for _, pc := range changes {
		q := tx.Model(&model.Player{}).
			Where("username = ? AND guild = ?", strings.ToLower(pc.Username), pc.Expect)
		updates := map[string]interface{}{"guild": pc.Set}
		if pc.Cost > 0 {
			q = q.Where("gold >= ?", pc.Cost)
			updates["gold"] = gorm.Expr("gold - ?", pc.Cost)
		}
		res := q.Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 && pc.Strict {
			return ErrConflict
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") ||
		strings.Contains(msg, "duplicate") ||
		strings.Contains(msg, "already exists")
}

func toRow(r *Record) *model.Guild {
	return &model.Guild{
		Identifier:   r.Identifier,
		Name:         r.Name,
		Owner:        r.Owner,
		Experience:   r.Experience,
		InviteOnly:   r.InviteOnly,
		MemberCount:  len(r.Members),
		Banner:       r.Decoration.Banner,
		Outline:      r.Decoration.Outline,
		OutlineColor: r.Decoration.OutlineColor,
		Crest:        r.Decoration.Crest,
		Version:      r.Version,
		CreatedAt:    r.CreatedAt,
	}
}

func toRecord(row *model.Guild, members []model.GuildMember) *Record {
	r := &Record{
		Identifier: row.Identifier,
		Name:       row.Name,
		Owner:      row.Owner,
		Experience: row.Experience,
		InviteOnly: row.InviteOnly,
		CreatedAt:  row.CreatedAt,
		Decoration: Decoration{
			Banner:       row.Banner,
			Outline:      row.Outline,
			OutlineColor: row.OutlineColor,
			Crest:        row.Crest,
		},
		Version: row.Version,
		Members: make([]Member, len(members)),
	}
	for i, m := range members {
		r.Members[i] = Member{Username: m.Username, Rank: Rank(m.Rank), JoinDate: m.JoinedAt}
	}
	return r
}
