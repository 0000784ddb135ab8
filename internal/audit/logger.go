package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// zapGORMLogger routes GORM's internal SQL tracing through the application's
// zap logger instead of stdout. The audit store has exactly one call site
// (openDB) and never needs a temporarily more or less verbose logger, so
// unlike a general-purpose adapter this runs at one fixed verbosity rather
// than a swappable level: routine info chatter is dropped, warnings and
// errors always reach zap, and every query is traced at debug.
type zapGORMLogger struct {
	zlog               *zap.Logger
	slowQueryThreshold time.Duration
}

func newZapGORMLogger(zlog *zap.Logger) gormlogger.Interface {
	return &zapGORMLogger{
		zlog:               zlog.WithOptions(zap.AddCallerSkip(3)),
		slowQueryThreshold: 200 * time.Millisecond,
	}
}

// LogMode is a no-op: nothing in this codebase calls db.Debug() or otherwise
// needs a differently-leveled logger for a single query, so there is no
// level to swap.
func (l *zapGORMLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface {
	return l
}

// Info is intentionally silent — GORM's info-level chatter (e.g. "no
// transaction" notices) isn't actionable for an append-only audit table.
func (l *zapGORMLogger) Info(_ context.Context, _ string, _ ...interface{}) {}

func (l *zapGORMLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	l.zlog.Warn(fmt.Sprintf(msg, args...))
}

func (l *zapGORMLogger) Error(_ context.Context, msg string, args ...interface{}) {
	l.zlog.Error(fmt.Sprintf(msg, args...))
}

// Trace logs every audit-store query at debug, promoting it to warn on a
// slow query or error on a failure. gorm.ErrRecordNotFound is excluded from
// the error case since the audit store treats a missing row as a normal
// outcome, not a database failure.
func (l *zapGORMLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []zap.Field{
		zap.String("sql", sql),
		zap.Duration("elapsed", elapsed),
		zap.Int64("rows", rows),
		zap.String("caller", utils.FileWithLineNum()),
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		l.zlog.Error("gorm query error", append(fields, zap.Error(err))...)
	case l.slowQueryThreshold > 0 && elapsed > l.slowQueryThreshold:
		l.zlog.Warn("gorm slow query", fields...)
	default:
		l.zlog.Debug("gorm query", fields...)
	}
}
