package usage

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

// maxLineSize bounds a single NDJSON line.
const maxLineSize = 1 << 20

// StreamStats summarises one ReadEvents run.
type StreamStats struct {
	Published int
	Skipped   int
}

// ReadEvents reads newline-delimited JSON events from r and publishes each one to m.
// Blank lines are ignored and malformed lines are logged and skipped. It returns when r is
// exhausted, the context is cancelled, or reading fails.
func ReadEvents(ctx context.Context, r io.Reader, m *Manager) (StreamStats, error) {
	var stats StreamStats
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		evt, err := DecodeEvent(raw)
		if err != nil {
			stats.Skipped++
			log.WithError(err).WithField("line", line).Warn("skipping diagnostic event")
			continue
		}
		m.Publish(ctx, evt)
		stats.Published++
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("failed to read events: %w", err)
	}
	return stats, nil
}
