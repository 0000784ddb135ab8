package audit

import (
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// gormSink is the durable audit sink (§4.8: "audit records must survive a
// control-plane restart"). It is additive to logSink, never a replacement —
// NewMultiSink wires both in cmd/fleetd.
type gormSink struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewGormSink opens (or creates) the durable audit store described by cfg and
// returns a Sink backed by it.
func NewGormSink(cfg DBConfig) (Sink, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	return &gormSink{db: db, log: cfg.Logger.Named("audit.store")}, nil
}

func (s *gormSink) Record(e Entry) {
	r, err := toRecord(e)
	if err != nil {
		s.log.Error("failed to encode audit entry", zap.Error(err), zap.String("action", e.Action))
		return
	}
	if err := s.db.Create(&r).Error; err != nil {
		s.log.Error("failed to persist audit entry", zap.Error(err), zap.String("action", e.Action))
	}
}
