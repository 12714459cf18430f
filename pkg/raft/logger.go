package raft

import (
	"time"

	"github.com/rs/zerolog"
)

// Field is one structured logging attribute
type Field struct {
	Key   string
	Value interface{}
}

// F builds a field
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Logger is the fire-and-forget diagnostic sink consumed by the core.
// Implementations must be safe for concurrent use.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Metrics is the fire-and-forget measurement sink consumed by the core
type Metrics interface {
	Counter(name string, delta uint64)
	Gauge(name string, value float64)
	Observe(name string, d time.Duration)
}

// NopLogger discards everything
type NopLogger struct{}

func (NopLogger) Debug(string, ...Field) {}
func (NopLogger) Info(string, ...Field) {}
func (NopLogger) Warn(string, ...Field) {}
func (NopLogger) Error(string, ...Field) {}

// NopMetrics discards everything
type NopMetrics struct{}

func (NopMetrics) Counter(string, uint64) {}
func (NopMetrics) Gauge(string, float64) {}
func (NopMetrics) Observe(string, time.Duration) {}

// ZerologSink adapts a zerolog.Logger to the Logger interface
type ZerologSink struct {
	log zerolog.Logger
}

// NewZerologSink wraps a zerolog logger
func NewZerologSink(log zerolog.Logger) *ZerologSink {
	return &ZerologSink{log: log}
}

func (s *ZerologSink) Debug(msg string, fields ...Field) { s.emit(s.log.Debug(), msg, fields) }
func (s *ZerologSink) Info(msg string, fields ...Field)  { s.emit(s.log.Info(), msg, fields) }
func (s *ZerologSink) Warn(msg string, fields ...Field)  { s.emit(s.log.Warn(), msg, fields) }
func (s *ZerologSink) Error(msg string, fields ...Field) { s.emit(s.log.Error(), msg, fields) }

func (s *ZerologSink) emit(ev *zerolog.Event, msg string, fields []Field) {
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			ev = ev.Str(f.Key, v)
		case uint64:
			ev = ev.Uint64(f.Key, v)
		case int:
			ev = ev.Int(f.Key, v)
		case bool:
			ev = ev.Bool(f.Key, v)
		case error:
			ev = ev.AnErr(f.Key, v)
		case time.Duration:
			ev = ev.Dur(f.Key, v)
		default:
			ev = ev.Interface(f.Key, v)
		}
	}
	ev.Msg(msg)
}
