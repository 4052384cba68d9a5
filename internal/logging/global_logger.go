// Package logging configures the process-wide logrus logger and provides
// gin middleware that logs requests through it.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/quantumspring/usagemon/internal/config"
)

var (
	setupOnce  sync.Once
	outputMu   sync.Mutex
	fileWriter *lumberjack.Logger
)

// LogFormatter renders entries as "[2006-01-02 15:04:05] [level] message key=value ...".
type LogFormatter struct{}

// Format implements logrus.Formatter.
func (f *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	timestamp := entry.Time.Format("2006-01-02 15:04:05")
	message := strings.TrimRight(entry.Message, "\r\n")
	fmt.Fprintf(b, "[%s] [%s] %s", timestamp, entry.Level, message)

	if len(entry.Data) > 0 {
		keys := make([]string, 0, len(entry.Data))
		for k := range entry.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(b, " %s=%v", k, entry.Data[k])
		}
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// SetupBaseLogger installs the formatter and stderr output. Safe to call more than once.
func SetupBaseLogger() {
	setupOnce.Do(func() {
		log.SetOutput(os.Stderr)
		log.SetReportCaller(false)
		log.SetFormatter(&LogFormatter{})
		log.SetLevel(log.InfoLevel)
	})
}

// ConfigureLogOutput applies the level and, when a log file is configured, redirects
// output to a size-rotated file.
func ConfigureLogOutput(cfg config.LoggingConfig) error {
	SetupBaseLogger()

	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		log.WithField("level", cfg.Level).Warn("unknown log level, using info")
		level = log.InfoLevel
	}
	log.SetLevel(level)

	outputMu.Lock()
	defer outputMu.Unlock()

	if cfg.File == "" {
		closeFileWriterLocked()
		log.SetOutput(os.Stderr)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	closeFileWriterLocked()
	fileWriter = &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	log.SetOutput(fileWriter)
	return nil
}

// Output returns the writer logrus currently writes to.
func Output() io.Writer {
	return log.StandardLogger().Out
}

// Close flushes and closes the rotating log file, if any.
func Close() {
	outputMu.Lock()
	defer outputMu.Unlock()
	if fileWriter != nil {
		log.SetOutput(os.Stderr)
	}
	closeFileWriterLocked()
}

func closeFileWriterLocked() {
	if fileWriter == nil {
		return
	}
	_ = fileWriter.Close()
	fileWriter = nil
}
