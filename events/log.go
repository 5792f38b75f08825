// Package events provides the append-only audit trail shared by the payout
// orchestrator, the compliance registry, and the wallet manager. Entries are
// JSON lines on a size-rotated file so operators can tail or ship them
// without touching the service.
package events

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Entry is one audit record as written to the log.
type Entry struct {
	ID        string         `json:"id"`
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Config parameterises the rotated log file.
type Config struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func (c Config) withDefaults() Config {
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 100
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = 10
	}
	if c.MaxAgeDays <= 0 {
		c.MaxAgeDays = 90
	}
	return c
}

// Log appends audit entries as JSON lines. Safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	out    io.WriteCloser
	logger *slog.Logger
	now    func() time.Time
}

// Option customises a Log.
type Option func(*Log)

// WithClock overrides the time source, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// WithWriter replaces the rotated file with an arbitrary writer.
func WithWriter(w io.WriteCloser) Option {
	return func(l *Log) {
		if w != nil {
			l.out = w
		}
	}
}

// Open creates an audit log backed by a size-rotated file at cfg.Path.
func Open(cfg Config, opts ...Option) (*Log, error) {
	cfg = cfg.withDefaults()
	l := &Log{
		logger: slog.Default().With("component", "event_log"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.out == nil {
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, fmt.Errorf("events: log path required")
		}
		l.out = &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
	}
	return l, nil
}

// Emit appends one entry. Failures are logged, never propagated: the audit
// trail must not block payout progress.
func (l *Log) Emit(event string, fields map[string]any) {
	if l == nil {
		return
	}
	entry := Entry{
		ID:        uuid.NewString(),
		Event:     event,
		Timestamp: l.now().UTC(),
		Fields:    fields,
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		l.logger.Error("encode audit entry", "event", event, "error", err)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.out.Write(append(encoded, '\n')); err != nil {
		l.logger.Error("append audit entry", "event", event, "error", err)
	}
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	if l == nil || l.out == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Close()
}
