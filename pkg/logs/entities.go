package logs

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/corefacility/corefacility/pkg/entity"
	"github.com/corefacility/corefacility/pkg/storage"
)

// Record levels
const (
	LevelDebug    = "DEBUG"
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

// LogSchema describes core_log rows, one per API request
var LogSchema = entity.NewSchema("log", "core_log",
	entity.Field{Name: "request_date", Kind: entity.KindTime, Required: true, ReadOnly: true},
	entity.Field{Name: "log_address", Kind: entity.KindString, Required: true, ReadOnly: true},
	entity.Field{Name: "request_method", Kind: entity.KindString, Required: true, ReadOnly: true},
	entity.Field{Name: "request_body", Kind: entity.KindString, ReadOnly: true},
	entity.Field{Name: "user", Kind: entity.KindRef, Column: "user_id", ReadOnly: true},
	entity.Field{Name: "ip_address", Kind: entity.KindString, ReadOnly: true},
	entity.Field{Name: "response_status", Kind: entity.KindInt, ReadOnly: true},
	entity.Field{Name: "response_body", Kind: entity.KindString, ReadOnly: true},
)

// RecordSchema describes core_log_record rows
var RecordSchema = entity.NewSchema("log record", "core_log_record",
	entity.Field{Name: "log", Kind: entity.KindRef, Column: "log_id", Required: true, ReadOnly: true},
	entity.Field{Name: "record_time", Kind: entity.KindTime, Required: true, ReadOnly: true},
	entity.Field{Name: "level", Kind: entity.KindString, Required: true, ReadOnly: true,
		Choices: []string{LevelDebug, LevelInfo, LevelWarning, LevelError, LevelCritical}},
	entity.Field{Name: "message", Kind: entity.KindString, Required: true, ReadOnly: true},
)

// Log is the trace of one request
type Log struct {
	*entity.Entity
}

func (l *Log) Address() string { return l.String("log_address") }
func (l *Log) Method() string  { return l.String("request_method") }
func (l *Log) UserID() int64   { return l.Int("user") }
func (l *Log) Status() int     { return int(l.Int("response_status")) }

func (l *Log) RequestDate() time.Time {
	t, _ := l.Time("request_date")
	return t
}

// SetUser records the user the request was authenticated as
func (l *Log) SetUser(userID int64) error {
	return l.SetInternal("user", userID)
}

// Record is a message logged while a request was handled
type Record struct {
	*entity.Entity
}

func (r *Record) LogID() int64    { return r.Int("log") }
func (r *Record) Level() string   { return r.String("level") }
func (r *Record) Message() string { return r.String("message") }

func (r *Record) RecordedAt() time.Time {
	t, _ := r.Time("record_time")
	return t
}

// Service reads and writes request logs
type Service struct {
	db  *sql.DB
	now func() time.Time
}

// NewService creates a log service
func NewService(db *sql.DB) *Service {
	return &Service{db: db, now: time.Now}
}

// Logs returns a reader over logs, newest first, with the filters user,
// method, address (prefix), from and to
func (s *Service) Logs() *entity.Collection[*Log] {
	set := entity.NewSet(entity.SetConfig{
		DB:        s.db,
		Schema:    LogSchema,
		Alias:     "l",
		Providers: []entity.Provider{entity.NewSQLProvider(s.db)},
		Filters: map[string]entity.Filter{
			"user":   entity.Equals("l.user_id"),
			"method": entity.Equals("l.request_method"),
			"address": func(q *entity.Query, v interface{}) {
				q.Where("l.log_address LIKE ?", strings.TrimSuffix(fmt.Sprint(v), "%")+"%")
			},
			"from": func(q *entity.Query, v interface{}) {
				q.Where("l.request_date >= ?", v)
			},
			"to": func(q *entity.Query, v interface{}) {
				q.Where("l.request_date < ?", v)
			},
		},
		OrderBy: []string{"l.request_date DESC", "l.id DESC"},
	})
	return entity.NewCollection(set, func(e *entity.Entity) *Log { return &Log{e} })
}

// Records returns the records of a log in the order they were written,
// filtered by level when asked to
func (s *Service) Records(logID int64) *entity.Collection[*Record] {
	set := entity.NewSet(entity.SetConfig{
		DB:        s.db,
		Schema:    RecordSchema,
		Alias:     "r",
		Providers: []entity.Provider{entity.NewSQLProvider(s.db)},
		Filters: map[string]entity.Filter{
			"level": entity.Equals("r.level"),
		},
		Base: func(q *entity.Query) {
			q.Where("r.log_id = ?", logID)
		},
		OrderBy: []string{"r.record_time", "r.id"},
	})
	return entity.NewCollection(set, func(e *entity.Entity) *Record { return &Record{e} })
}

// Open creates the log of a request
func (s *Service) Open(ctx context.Context, method, address, ip, body string) (*Log, error) {
	l := &Log{entity.New(LogSchema, entity.NewSQLProvider(s.db))}
	for name, v := range map[string]interface{}{
		"request_date":   s.now().UTC(),
		"log_address":    address,
		"request_method": method,
		"request_body":   nullable(body),
		"ip_address":     nullable(ip),
	} {
		if err := l.SetInternal(name, v); err != nil {
			return nil, err
		}
	}
	if err := l.Create(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// Close stores the response of a request
func (s *Service) Close(ctx context.Context, l *Log, status int, body string) error {
	if err := l.SetInternal("response_status", status); err != nil {
		return err
	}
	if err := l.SetInternal("response_body", nullable(body)); err != nil {
		return err
	}
	return l.Update(ctx)
}

// Append adds a record to a log
func (s *Service) Append(ctx context.Context, logID int64, level, message string) (*Record, error) {
	r := &Record{entity.New(RecordSchema, entity.NewSQLProvider(s.db))}
	for name, v := range map[string]interface{}{
		"log":         logID,
		"record_time": s.now().UTC(),
		"level":       level,
		"message":     message,
	} {
		if err := r.SetInternal(name, v); err != nil {
			return nil, err
		}
	}
	if err := r.Create(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Purge deletes logs older than before together with their records
func (s *Service) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := storage.Querier(ctx, s.db).ExecContext(ctx,
		`DELETE FROM core_log WHERE request_date < $1`, before.UTC())
	if err != nil {
		return 0, storage.MapError(err, "log")
	}
	return res.RowsAffected()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
