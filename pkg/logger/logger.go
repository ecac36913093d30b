package logger

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

var Log *slog.Logger

type asyncWriter struct {
	ch chan []byte
}

func (a *asyncWriter) Write(p []byte) (n int, err error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	select {
	case a.ch <- cp:
		return len(p), nil
	default:
		// drop if queue full to avoid blocking appliers
		return len(p), nil
	}
}

var (
	mu        sync.Mutex
	logCh     chan []byte
	logStopCh chan struct{}
	logWG     sync.WaitGroup
)

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels.
// Anything else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init installs the global logger with a buffered text handler.
// sink is empty for stdout or "file:<path>". Empty level or sink fall back
// to GROUPSYNC_LOG_LEVEL and GROUPSYNC_LOG_SINK.
func Init(level, sink string) {
	mu.Lock()
	defer mu.Unlock()
	stopLocked()

	if strings.TrimSpace(level) == "" {
		level = os.Getenv("GROUPSYNC_LOG_LEVEL")
	}
	if strings.TrimSpace(sink) == "" {
		sink = os.Getenv("GROUPSYNC_LOG_SINK")
	}

	logCh = make(chan []byte, 10000)
	logStopCh = make(chan struct{})
	aw := &asyncWriter{ch: logCh}
	Log = slog.New(slog.NewTextHandler(aw, &slog.HandlerOptions{Level: ParseLevel(level)}))

	ch, stop := logCh, logStopCh
	logWG.Add(1)
	go func() {
		defer logWG.Done()
		var buf *bufio.Writer
		var f *os.File
		if strings.HasPrefix(sink, "file:") {
			path := strings.TrimPrefix(sink, "file:")
			var err error
			f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to open log file %s: %v\n", path, err)
				buf = bufio.NewWriterSize(os.Stdout, 8192)
			} else {
				buf = bufio.NewWriterSize(f, 8192)
			}
		} else {
			buf = bufio.NewWriterSize(os.Stdout, 8192)
		}
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case b := <-ch:
				buf.Write(b)
			case <-ticker.C:
				buf.Flush()
			case <-stop:
				// drain what is already queued
				for {
					select {
					case b := <-ch:
						buf.Write(b)
						continue
					default:
					}
					break
				}
				buf.Flush()
				if f != nil {
					f.Close()
				}
				return
			}
		}
	}()
}

// Sync flushes buffered logs and stops the writer. Logging after Sync is a no-op.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	stopLocked()
	Log = nil
}

func stopLocked() {
	if logStopCh != nil {
		close(logStopCh)
		logWG.Wait()
		logStopCh = nil
	}
}

// Debug logs with slog-style key/value pairs.
func Debug(msg string, args ...any) {
	if l := Log; l != nil {
		l.Debug(msg, args...)
	}
}

// Info logs with slog-style key/value pairs.
func Info(msg string, args ...any) {
	if l := Log; l != nil {
		l.Info(msg, args...)
	}
}

// Warn logs with slog-style key/value pairs.
func Warn(msg string, args ...any) {
	if l := Log; l != nil {
		l.Warn(msg, args...)
	}
}

// Error logs with slog-style key/value pairs.
func Error(msg string, args ...any) {
	if l := Log; l != nil {
		l.Error(msg, args...)
	}
}

// LogConfigSummary logs a hyphenated list of configuration lines under one event.
func LogConfigSummary(event string, items []string) {
	if Log == nil || len(items) == 0 {
		return
	}
	var b strings.Builder
	for _, it := range items {
		b.WriteString("\n - ")
		b.WriteString(it)
	}
	Info(event, "summary", b.String())
}
