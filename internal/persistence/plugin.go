package persistence

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/quantumspring/usagemon/internal/usage"
)

// Default buffer settings used when the caller passes non-positive values.
const (
	defaultBufferSize    = 50
	defaultFlushInterval = 10 * time.Second
	flushWriteTimeout    = 30 * time.Second
)

// PersistencePlugin implements usage.Plugin to persist model usage events to storage.
// It buffers events in memory and flushes them when the buffer is full, on a fixed
// interval, and on Stop. Storage failures are logged per event and never reach the
// publisher.
type PersistencePlugin struct {
	storage       Storage
	gatewayID     string
	bufferSize    int
	flushInterval time.Duration
	now           func() time.Time

	mu      sync.Mutex
	buffer  []UsageEvent
	stopped bool

	// inflight counts size-triggered batches being written outside the mutex.
	inflight sync.WaitGroup

	flushReq chan flushRequest
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	written atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// FlushStats reports the outcome of one flush.
type FlushStats struct {
	Written int
	Failed  int
}

// PluginStats are cumulative counters since the plugin was created.
type PluginStats struct {
	Buffered int
	Written  int64
	Failed   int64
	Dropped  int64
}

type flushRequest struct {
	ctx    context.Context
	result chan FlushStats
}

// NewPersistencePlugin creates a plugin and starts its flush loop.
//
// Parameters:
//   - storage: Storage backend to use
//   - gatewayID: Identifier stamped on every recorded event
//   - bufferSize: Number of buffered events that triggers an inline flush
//   - flushInterval: Period of the background flush
//
// Returns:
//   - *PersistencePlugin: Initialized plugin instance
func NewPersistencePlugin(storage Storage, gatewayID string, bufferSize int, flushInterval time.Duration) *PersistencePlugin {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	plugin := &PersistencePlugin{
		storage:       storage,
		gatewayID:     gatewayID,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		now:           time.Now,
		buffer:        make([]UsageEvent, 0, bufferSize),
		flushReq:      make(chan flushRequest),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}

	go plugin.run()

	log.WithFields(log.Fields{
		"gateway_id":     gatewayID,
		"buffer_size":    bufferSize,
		"flush_interval": flushInterval,
	}).Info("Persistence plugin initialized")

	return plugin
}

// HandleEvent implements usage.Plugin.
func (p *PersistencePlugin) HandleEvent(ctx context.Context, evt usage.Event) {
	p.Record(ctx, evt)
}

// Record buffers a model usage event and ignores every other kind. When the buffer
// reaches its capacity the flush happens before Record returns.
func (p *PersistencePlugin) Record(ctx context.Context, evt usage.Event) {
	if p == nil || p.storage == nil || !evt.IsModelUsage() {
		return
	}

	record := p.convertEvent(evt)

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.dropped.Add(1)
		log.WithField("model", record.Model).Debug("Dropping usage event recorded after stop")
		return
	}
	p.buffer = append(p.buffer, record)
	var batch []UsageEvent
	if len(p.buffer) >= p.bufferSize {
		batch = p.takeLocked()
		if batch != nil {
			p.inflight.Add(1)
		}
	}
	p.mu.Unlock()

	if batch != nil {
		defer p.inflight.Done()
		p.writeBatch(ctx, batch)
	}
}

// convertEvent maps a diagnostic event to a storage event stamped with this gateway
// and the current time.
func (p *PersistencePlugin) convertEvent(evt usage.Event) UsageEvent {
	return UsageEvent{
		Timestamp:  p.now().UTC(),
		GatewayID:  p.gatewayID,
		Channel:    evt.Channel,
		Provider:   evt.Provider,
		Model:      evt.Model,
		SessionKey: evt.SessionKey,
		SessionID:  evt.SessionID,

		InputTokens:      evt.Usage.Input,
		OutputTokens:     evt.Usage.Output,
		CacheReadTokens:  evt.Usage.CacheRead,
		CacheWriteTokens: evt.Usage.CacheWrite,
		PromptTokens:     evt.Usage.PromptTokens,
		TotalTokens:      evt.Usage.Total,

		CostUSD:    evt.CostUSD,
		DurationMs: evt.DurationMs,

		ContextLimit: evt.Context.Limit,
		ContextUsed:  evt.Context.Used,
	}
}

// run owns the periodic flush. Explicit Flush calls are funnelled through it as well.
func (p *PersistencePlugin) run() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.flush(context.Background())
		case req := <-p.flushReq:
			req.result <- p.flush(req.ctx)
		case <-p.stopCh:
			return
		}
	}
}

// takeLocked swaps the buffer out. Caller must hold the mutex.
func (p *PersistencePlugin) takeLocked() []UsageEvent {
	if len(p.buffer) == 0 {
		return nil
	}
	batch := p.buffer
	p.buffer = make([]UsageEvent, 0, p.bufferSize)
	return batch
}

// flush snapshots and clears the buffer, then writes the snapshot. Events recorded
// while the write is in progress land in the fresh buffer for the next flush.
func (p *PersistencePlugin) flush(ctx context.Context) FlushStats {
	p.mu.Lock()
	batch := p.takeLocked()
	p.mu.Unlock()
	return p.writeBatch(ctx, batch)
}

// writeBatch writes each event in its own transaction. A failing event is logged and
// skipped; the rest of the batch is still attempted.
func (p *PersistencePlugin) writeBatch(ctx context.Context, batch []UsageEvent) FlushStats {
	var stats FlushStats
	if len(batch) == 0 {
		return stats
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushWriteTimeout)
	defer cancel()

	for _, event := range batch {
		if err := p.writeOne(ctx, event); err != nil {
			stats.Failed++
			log.WithError(err).WithFields(log.Fields{
				"gateway_id": event.GatewayID,
				"model":      event.Model,
			}).Warn("Failed to persist usage event")
			continue
		}
		stats.Written++
	}

	p.written.Add(int64(stats.Written))
	p.failed.Add(int64(stats.Failed))
	log.WithFields(log.Fields{
		"written": stats.Written,
		"failed":  stats.Failed,
	}).Debug("Flushed usage events to storage")
	return stats
}

func (p *PersistencePlugin) writeOne(ctx context.Context, event UsageEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("storage panic: %v", r)
		}
	}()
	return p.storage.Write(ctx, event)
}

// Flush writes all buffered events. It never returns storage errors; failures are
// reflected in the returned stats.
func (p *PersistencePlugin) Flush(ctx context.Context) FlushStats {
	req := flushRequest{ctx: ctx, result: make(chan FlushStats, 1)}
	select {
	case p.flushReq <- req:
		select {
		case stats := <-req.result:
			return stats
		case <-ctx.Done():
			return FlushStats{}
		}
	case <-p.doneCh:
		return p.flush(ctx)
	case <-ctx.Done():
		return FlushStats{}
	}
}

// Stop cancels the periodic flush, waits for size-triggered flushes already in progress
// and drains the buffer. Events recorded afterwards are dropped. Calling Stop more than
// once is safe.
func (p *PersistencePlugin) Stop(ctx context.Context) FlushStats {
	var stats FlushStats
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()

		close(p.stopCh)
		<-p.doneCh
		p.inflight.Wait()

		stats = p.flush(ctx)
	})
	return stats
}

// Close stops the plugin and closes the underlying storage.
func (p *PersistencePlugin) Close(ctx context.Context) error {
	stats := p.Stop(ctx)
	if stats.Failed > 0 {
		log.WithField("failed", stats.Failed).Warn("Some usage events were lost during shutdown")
	}

	if p.storage != nil {
		return p.storage.Close()
	}
	return nil
}

// Stats returns the plugin counters.
func (p *PersistencePlugin) Stats() PluginStats {
	p.mu.Lock()
	buffered := len(p.buffer)
	p.mu.Unlock()
	return PluginStats{
		Buffered: buffered,
		Written:  p.written.Load(),
		Failed:   p.failed.Load(),
		Dropped:  p.dropped.Load(),
	}
}

// GetStorage returns the underlying storage (for metrics queries).
func (p *PersistencePlugin) GetStorage() Storage {
	return p.storage
}
