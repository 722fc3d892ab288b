package store

import (
	"context"
	"database/sql"
	"slices"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"FlowChat/models"
	"FlowChat/pkg/apperr"
	"FlowChat/pkg/cache"
	"FlowChat/pkg/metrics"
)

// MessageStore persists conversation turns keyed by session id.
// Persisted messages are never updated, only appended or deleted.
type MessageStore interface {
	Ping(ctx context.Context) error
	AppendMessages(ctx context.Context, msgs ...*models.Message) error
	MessagesBySession(ctx context.Context, sessionID string) ([]models.Message, error)
	LatestMessage(ctx context.Context, sessionID string) (*models.Message, error)
	MessageByID(ctx context.Context, id string) (*models.Message, error)
	DeleteBySession(ctx context.Context, sessionID string) (int64, error)
	DeleteBySessionFrom(ctx context.Context, sessionID string, timestamp float64) (int64, error)
	ListSessions(ctx context.Context, page SessionPage) ([]SessionSummary, bool, error)
}

// Open connects to the database named by dsn. The scheme picks the driver:
// postgres:// and postgresql://, mysql://, sqlite:// (or a bare file path).
func Open(dsn string, logger zerolog.Logger) (*gorm.DB, error) {
	dialector, err := dialectorFor(dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.New(printfLogger{logger}, gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	return db, nil
}

func dialectorFor(dsn string) (gorm.Dialector, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return postgres.Open(dsn), nil
	case strings.HasPrefix(dsn, "mysql://"):
		// go-sql-driver DSN: user:pass@tcp(host:3306)/db?parseTime=true
		return mysql.Open(strings.TrimPrefix(dsn, "mysql://")), nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return sqlite.Open(strings.TrimPrefix(dsn, "sqlite://")), nil
	case dsn == "":
		return nil, errors.New("empty database url")
	case !strings.Contains(dsn, "://"):
		return sqlite.Open(dsn), nil
	default:
		return nil, errors.Errorf("unsupported database url scheme in %q", dsn)
	}
}

// Migrate creates or updates the message table.
func Migrate(db *gorm.DB) error {
	return errors.Wrap(db.AutoMigrate(&models.Message{}), "migrate message table")
}

type printfLogger struct {
	l zerolog.Logger
}

func (p printfLogger) Printf(format string, args ...interface{}) {
	p.l.Warn().Str("component", "gorm").Msgf(format, args...)
}

// GormStore implements MessageStore on gorm. Session listings are served
// from a short-lived cache that every write for the session invalidates.
type GormStore struct {
	db       *gorm.DB
	history  *cache.Cache[[]models.Message]
	cacheTTL time.Duration
}

type Option func(*GormStore)

// WithHistoryCache enables the session listing cache.
func WithHistoryCache(maxItems int, ttl time.Duration) Option {
	return func(s *GormStore) {
		if ttl <= 0 {
			return
		}
		s.history = cache.New[[]models.Message](maxItems, time.Minute)
		s.cacheTTL = ttl
	}
}

func New(db *gorm.DB, opts ...Option) *GormStore {
	s := &GormStore{db: db}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Close stops the cache janitor and closes the pool.
func (s *GormStore) Close() error {
	if s.history != nil {
		s.history.Close()
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// AppendMessages inserts all messages in one statement.
func (s *GormStore) AppendMessages(ctx context.Context, msgs ...*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	defer observe("append", time.Now())
	if err := s.db.WithContext(ctx).Create(msgs).Error; err != nil {
		return apperr.Persistence(err, "failed to save messages")
	}
	for _, m := range msgs {
		s.history.Delete(m.SessionID)
	}
	return nil
}

// MessagesBySession returns the session's messages in timestamp order.
func (s *GormStore) MessagesBySession(ctx context.Context, sessionID string) ([]models.Message, error) {
	if cached, ok := s.history.Get(sessionID); ok {
		return append([]models.Message(nil), cached...), nil
	}
	defer observe("list", time.Now())
	var msgs []models.Message
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("timestamp ASC").Order("created_at ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, apperr.Persistence(err, "failed to get messages by session id")
	}
	s.history.Set(sessionID, append([]models.Message(nil), msgs...), s.cacheTTL)
	return msgs, nil
}

// LatestMessage returns the newest message of a session, or nil when the
// session has none. It always reads through to the database.
func (s *GormStore) LatestMessage(ctx context.Context, sessionID string) (*models.Message, error) {
	defer observe("latest", time.Now())
	var msgs []models.Message
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("timestamp DESC").Order("created_at DESC").
		Limit(1).
		Find(&msgs).Error
	if err != nil {
		return nil, apperr.Persistence(err, "failed to get latest message")
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

func (s *GormStore) MessageByID(ctx context.Context, id string) (*models.Message, error) {
	defer observe("get", time.Now())
	var m models.Message
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("message not found")
	}
	if err != nil {
		return nil, apperr.Persistence(err, "failed to get message by id")
	}
	return &m, nil
}

func (s *GormStore) DeleteBySession(ctx context.Context, sessionID string) (int64, error) {
	defer observe("delete", time.Now())
	res := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&models.Message{})
	if res.Error != nil {
		return 0, apperr.Persistence(res.Error, "failed to delete messages by session id")
	}
	s.history.Delete(sessionID)
	return res.RowsAffected, nil
}

// DeleteBySessionFrom removes the session's messages at or after timestamp.
func (s *GormStore) DeleteBySessionFrom(ctx context.Context, sessionID string, timestamp float64) (int64, error) {
	defer observe("delete", time.Now())
	res := s.db.WithContext(ctx).
		Where("session_id = ? AND timestamp >= ?", sessionID, timestamp).
		Delete(&models.Message{})
	if res.Error != nil {
		return 0, apperr.Persistence(res.Error, "failed to delete trailing messages")
	}
	s.history.Delete(sessionID)
	return res.RowsAffected, nil
}

// SessionSummary is one row of the history sidebar.
type SessionSummary struct {
	SessionID     string  `json:"id"`
	LastTimestamp float64 `json:"lastTimestamp"`
	Messages      int64   `json:"messages"`
}

// SessionPage selects a page of sessions by recency. At most one cursor is set;
// each cursor is a session id.
type SessionPage struct {
	Limit         int
	StartingAfter string
	EndingBefore  string
}

// ListSessions returns sessions newest first and whether more exist past the page.
func (s *GormStore) ListSessions(ctx context.Context, page SessionPage) ([]SessionSummary, bool, error) {
	if page.StartingAfter != "" && page.EndingBefore != "" {
		return nil, false, apperr.BadRequest("Only one of starting_after or ending_before can be provided.")
	}
	if page.Limit <= 0 {
		page.Limit = 10
	}
	defer observe("sessions", time.Now())

	q := s.db.WithContext(ctx).Model(&models.Message{}).
		Select("session_id, MAX(timestamp) AS last_timestamp, COUNT(*) AS messages").
		Group("session_id")

	desc := true
	switch {
	case page.StartingAfter != "":
		ts, err := s.lastTimestamp(ctx, page.StartingAfter)
		if err != nil {
			return nil, false, err
		}
		q = q.Having("MAX(timestamp) < ?", ts)
	case page.EndingBefore != "":
		ts, err := s.lastTimestamp(ctx, page.EndingBefore)
		if err != nil {
			return nil, false, err
		}
		q = q.Having("MAX(timestamp) > ?", ts)
		desc = false
	}
	if desc {
		q = q.Order("last_timestamp DESC")
	} else {
		q = q.Order("last_timestamp ASC")
	}

	var rows []SessionSummary
	if err := q.Limit(page.Limit + 1).Scan(&rows).Error; err != nil {
		return nil, false, apperr.Persistence(err, "failed to list sessions")
	}
	hasMore := len(rows) > page.Limit
	if hasMore {
		rows = rows[:page.Limit]
	}
	if !desc {
		slices.Reverse(rows)
	}
	return rows, hasMore, nil
}

func (s *GormStore) lastTimestamp(ctx context.Context, sessionID string) (float64, error) {
	var ts []sql.NullFloat64
	err := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("session_id = ?", sessionID).
		Pluck("MAX(timestamp)", &ts).Error
	if err != nil {
		return 0, apperr.Persistence(err, "failed to look up session")
	}
	if len(ts) == 0 || !ts[0].Valid {
		return 0, apperr.NotFound("session " + sessionID + " not found")
	}
	return ts[0].Float64, nil
}
