// Package audit implements the append-only audit sink required by §4.8:
// every registry mutation, session lifecycle transition, and dispatch
// decision is recorded as one Entry. The Sink interface lets callers choose
// a zap-backed sink (default, always on) and/or a durable gorm-backed sink.
package audit

import (
	"time"

	"go.uber.org/zap"
)

// Outcome is the coarse result of the audited action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// Entry is one append-only audit record. Action names follow a dotted
// "subject.event" convention (e.g. "worker.connected", "rpc.failed",
// "placement.selected") so records are easy to filter by subject.
type Entry struct {
	Timestamp time.Time
	Action    string
	Resource  string // worker name, session id, or similar subject
	Outcome   Outcome
	Reason    string
	Details   map[string]any
}

// Sink records audit entries. Implementations must not block the caller for
// long: the registry, invoker, and session hot paths call Record inline.
type Sink interface {
	Record(Entry)
}

// logSink is the always-on sink grounded on the teacher's zap-everywhere
// logging convention: every audit entry is also a structured log line, so an
// operator can grep logs even without the durable store configured.
type logSink struct {
	log *zap.Logger
}

// NewLogSink returns a Sink that writes each Entry as a structured zap log
// line at info (success) or warn (error) level.
func NewLogSink(log *zap.Logger) Sink {
	return &logSink{log: log.Named("audit")}
}

func (s *logSink) Record(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	fields := []zap.Field{
		zap.Time("ts", e.Timestamp),
		zap.String("action", e.Action),
		zap.String("resource", e.Resource),
		zap.String("outcome", string(e.Outcome)),
	}
	if e.Reason != "" {
		fields = append(fields, zap.String("reason", e.Reason))
	}
	if len(e.Details) > 0 {
		fields = append(fields, zap.Any("details", e.Details))
	}

	if e.Outcome == OutcomeError {
		s.log.Warn("audit", fields...)
		return
	}
	s.log.Info("audit", fields...)
}

// multiSink fans a single Record call out to every configured sink, so the
// ambient log sink and a durable gorm sink can run side by side.
type multiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks into one Sink that records to all of them.
func NewMultiSink(sinks ...Sink) Sink {
	return &multiSink{sinks: sinks}
}

func (m *multiSink) Record(e Entry) {
	for _, s := range m.sinks {
		s.Record(e)
	}
}
