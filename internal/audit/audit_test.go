package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogSink() (Sink, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return NewLogSink(zap.New(core)), logs
}

func TestLogSinkRecordsSuccessAtInfo(t *testing.T) {
	sink, logs := newObservedLogSink()
	sink.Record(Entry{Action: "registry.attach", Resource: "gpu-1", Outcome: OutcomeSuccess})

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
}

func TestLogSinkRecordsErrorAtWarn(t *testing.T) {
	sink, logs := newObservedLogSink()
	sink.Record(Entry{Action: "registry.attach", Resource: "gpu-1", Outcome: OutcomeError, Reason: "duplicate name"})

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
}

func TestLogSinkStampsTimestampWhenZero(t *testing.T) {
	sink, logs := newObservedLogSink()
	sink.Record(Entry{Action: "session.closed", Resource: "sess-1", Outcome: OutcomeSuccess})

	entry := logs.All()[0]
	var sawTimestamp bool
	for _, f := range entry.Context {
		if f.Key == "ts" {
			sawTimestamp = true
		}
	}
	assert.True(t, sawTimestamp)
}

func TestMultiSinkFansOutToEverySink(t *testing.T) {
	sinkA, logsA := newObservedLogSink()
	sinkB, logsB := newObservedLogSink()
	multi := NewMultiSink(sinkA, sinkB)

	multi.Record(Entry{Action: "placement.selected", Resource: "gpu-1", Outcome: OutcomeSuccess})

	assert.Len(t, logsA.All(), 1)
	assert.Len(t, logsB.All(), 1)
}

func TestMultiSinkWithNoSinksDoesNotPanic(t *testing.T) {
	multi := NewMultiSink()
	assert.NotPanics(t, func() {
		multi.Record(Entry{Action: "noop", Outcome: OutcomeSuccess})
	})
}
