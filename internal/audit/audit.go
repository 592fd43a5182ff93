package audit

import (
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/gluk-w/sshmux/internal/database"
	"github.com/gluk-w/sshmux/internal/logging"
)

// Event types.
const (
	EventConnectionEstablished = "connection_established"
	EventConnectionFailed      = "connection_failed"
	EventConnectionTerminated  = "connection_terminated"
	EventCommandExecution      = "command_execution"
	EventFileOperation         = "file_operation"
)

// DefaultRetentionDays is used when NewAuditor gets a non-positive value.
const DefaultRetentionDays = 90

// Entry holds the fields of one audit record.
type Entry struct {
	Session    string
	Alias      string
	EventType  string
	Username   string
	Address    string
	Details    string
	DurationMs int64
}

// Auditor writes and queries audit records.
type Auditor struct {
	mu            sync.RWMutex
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time
}

// NewAuditor returns an Auditor writing to db.
func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}
}

// Log records entry in the database and the standard logger.
func (a *Auditor) Log(entry Entry) error {
	record := database.AuditLog{
		CreatedAt:  a.now(),
		Session:    entry.Session,
		Alias:      entry.Alias,
		EventType:  entry.EventType,
		Username:   entry.Username,
		Address:    entry.Address,
		Details:    entry.Details,
		DurationMs: entry.DurationMs,
	}

	if err := a.db.Create(&record).Error; err != nil {
		log.Printf("[ssh-audit] failed to write audit log: %v", err)
		return err
	}

	log.Printf("[ssh-audit] %s session=%s alias=%s user=%s details=%s",
		entry.EventType,
		entry.Session,
		logging.Sanitize(entry.Alias),
		entry.Username,
		logging.Sanitize(entry.Details),
	)
	return nil
}

// QueryOptions filters Query. Zero values match everything.
type QueryOptions struct {
	Session   string
	Alias     string
	EventType string
	Username  string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// QueryResult is one page of audit records, newest first.
type QueryResult struct {
	Entries []database.AuditLog `json:"entries"`
	Total   int64               `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// Query returns the records matching opts. Limit defaults to 50 and is
// capped at 1000.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tx := a.db.Model(&database.AuditLog{})
	if opts.Session != "" {
		tx = tx.Where("session = ?", opts.Session)
	}
	if opts.Alias != "" {
		tx = tx.Where("alias = ?", opts.Alias)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Username != "" {
		tx = tx.Where("username = ?", opts.Username)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	var entries []database.AuditLog
	if err := tx.Order("created_at DESC").Order("id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan deletes records older than days (the configured retention
// when days <= 0) and returns how many were removed.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.now().AddDate(0, 0, -days)
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.AuditLog{})
	if result.Error != nil {
		log.Printf("[ssh-audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[ssh-audit] purged %d audit log entries older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc replaces the clock. For tests.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.mu.Lock()
	a.nowFn = fn
	a.mu.Unlock()
}

func (a *Auditor) now() time.Time {
	a.mu.RLock()
	fn := a.nowFn
	a.mu.RUnlock()
	return fn()
}
