package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	DefaultMaxSizeMB  = 100
	DefaultMaxBackups = 3
)

// FileSink appends spans as JSON lines to a size-rotated file. Rotated
// files sit next to it with a timestamp in the name.
type FileSink struct {
	mu sync.Mutex
	w  *lumberjack.Logger
}

// NewFileSink returns a FileSink writing to path. Non-positive limits fall
// back to DefaultMaxSizeMB and DefaultMaxBackups.
func NewFileSink(path string, maxSizeMB, maxBackups int) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create trace directory: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = DefaultMaxSizeMB
	}
	if maxBackups <= 0 {
		maxBackups = DefaultMaxBackups
	}
	return &FileSink{w: &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
	}}, nil
}

func (f *FileSink) Export(s *Span) error {
	line, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode span: %w", err)
	}
	line = append(line, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.w.Write(line); err != nil {
		return fmt.Errorf("failed to write span: %w", err)
	}
	return nil
}

// Rotate starts a new trace file now.
func (f *FileSink) Rotate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.w.Rotate()
}

func (f *FileSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.w.Close()
}

// LogSink writes finished spans to a logrus logger at debug level, or at
// warn level when the span failed.
type LogSink struct {
	Logger logrus.FieldLogger
}

func (l LogSink) Export(s *Span) error {
	fields := logrus.Fields{
		"span_id":     s.SpanID,
		"session_id":  s.SessionID,
		"duration_ms": s.Duration().Milliseconds(),
	}
	if s.ParentID != "" {
		fields["parent_id"] = s.ParentID
	}
	for k, v := range s.Attributes {
		fields["attr."+k] = v
	}
	entry := l.Logger.WithFields(fields)
	if s.Status == "error" {
		entry.WithField("error", s.Error).Warnf("span %s failed", s.Name)
		return nil
	}
	entry.Debugf("span %s", s.Name)
	return nil
}
