package util

import (
	"bytes"
	"context"
	"log"
	"log/slog"
	"strings"
	"sync"
)

// SetupGlobalLogger replaces the standard log package logger
func SetupGlobalLogger() {
	log.SetFlags(0)
	log.SetOutput(NewLogWriter(GetLogger(), slog.LevelInfo))
}

// NewLogWriter returns an io.Writer that emits one record per complete line
// written to it. Used for the standard logger and for encoder subprocess stderr.
func NewLogWriter(logger *slog.Logger, level slog.Level, attrs ...any) *LogWriter {
	return &LogWriter{logger: logger, level: level, attrs: attrs}
}

// LogWriter forwards line-oriented output to slog.
type LogWriter struct {
	logger *slog.Logger
	level  slog.Level
	attrs  []any

	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *LogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line, keep it for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.emit(line)
	}
	return len(p), nil
}

// Flush emits any buffered partial line.
func (w *LogWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}

func (w *LogWriter) emit(line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return
	}
	w.logger.Log(context.Background(), w.level, line, w.attrs...)
}
