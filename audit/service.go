package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/opencompute/Kaetram-Open/model"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	queueSize     = 1024
	batchSize     = 100
	flushInterval = 2 * time.Second
)

// Entry holds one guild or admin action to be logged.
type Entry struct {
	TraceID    string
	Username   string
	GuildID    string
	Action     string
	Request    interface{}
	Error      string
	ServerID   int
	DurationMs int
}

// Service logs audit entries asynchronously in batches.
type Service struct {
	db       *gorm.DB
	ch       chan *model.AuditLog
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// New creates a new audit Service and starts its background worker.
func New(db *gorm.DB, logger *zap.Logger) *Service {
	svc := &Service{
		db:     db,
		ch:     make(chan *model.AuditLog, queueSize),
		stopCh: make(chan struct{}),
		logger: logger,
	}
	svc.wg.Add(1)
	go svc.worker()
	return svc
}

// Log enqueues an audit entry for async DB write. Never blocks.
func (svc *Service) Log(entry Entry) {
	var req datatypes.JSON
	if entry.Request != nil {
		if b, err := json.Marshal(entry.Request); err == nil {
			req = datatypes.JSON(b)
		}
	}
	record := &model.AuditLog{
		TraceID:    entry.TraceID,
		Username:   entry.Username,
		GuildID:    entry.GuildID,
		Action:     entry.Action,
		Request:    req,
		Error:      entry.Error,
		ServerID:   entry.ServerID,
		DurationMs: entry.DurationMs,
	}
	select {
	case svc.ch <- record:
	default:
		svc.logger.Warn("audit channel full, dropping entry",
			zap.String("action", entry.Action),
			zap.String("guild", entry.GuildID))
	}
}

// Recent returns the newest audit rows for a guild, newest first.
func (svc *Service) Recent(ctx context.Context, guildID string, limit int) ([]model.AuditLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var logs []model.AuditLog
	err := svc.db.WithContext(ctx).
		Where("guild_id = ?", guildID).
		Order("id DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}

// Stop flushes remaining entries and shuts down the worker.
// It blocks until the worker goroutine has finished.
func (svc *Service) Stop(_ context.Context) {
	svc.stopOnce.Do(func() { close(svc.stopCh) })
	svc.wg.Wait()
}

func (svc *Service) worker() {
	defer svc.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*model.AuditLog, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := svc.db.Create(&batch).Error; err != nil {
			svc.logger.Error("audit batch write failed",
				zap.Int("count", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-svc.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-svc.stopCh:
			for {
				select {
				case entry := <-svc.ch:
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}
