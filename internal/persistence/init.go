package persistence

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/quantumspring/usagemon/internal/config"
	"github.com/quantumspring/usagemon/internal/usage"
)

// cleanupTimeout bounds a single scheduled cleanup run.
const cleanupTimeout = 5 * time.Minute

// Service owns the storage backend, the ingestion buffer and the daily cleanup job.
type Service struct {
	storage Storage
	plugin  *PersistencePlugin

	unregister func()

	retention   atomic.Pointer[RetentionConfig]
	cleanupHour atomic.Int32
	reschedule  chan struct{}

	now      func() time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// Initialize opens storage as configured, registers the persistence plugin with manager
// and starts the cleanup scheduler.
//
// Parameters:
//   - cfg: Application configuration
//   - manager: Event source the plugin subscribes to; nil uses the default manager
//
// Returns:
//   - *Service: Running persistence service
//   - error: Any initialization error
func Initialize(ctx context.Context, cfg *config.Config, manager *usage.Manager) (*Service, error) {
	storage, err := OpenStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}

	svc := newService(storage, cfg)
	svc.plugin = NewPersistencePlugin(storage, cfg.GatewayID, cfg.Buffer.Size, cfg.Buffer.FlushInterval)

	if manager == nil {
		manager = usage.DefaultManager()
	}
	svc.unregister = manager.Register(svc.plugin)

	go svc.runCleanup()

	log.WithFields(log.Fields{
		"type":         cfg.DatabaseType,
		"gateway_id":   cfg.GatewayID,
		"raw_days":     cfg.Retention.RawDays,
		"hourly_days":  cfg.Retention.HourlyDays,
		"daily_days":   cfg.Retention.DailyDays,
		"cleanup_hour": cfg.CleanupHour,
	}).Info("Persistence initialized successfully")

	return svc, nil
}

// OpenStorage creates the storage backend selected by cfg.DatabaseType.
func OpenStorage(ctx context.Context, cfg *config.Config) (*SQLStorage, error) {
	switch cfg.DatabaseType {
	case "sqlite", "":
		storage, err := NewSQLiteStorage(cfg.ResolvedDatabasePath())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite storage: %w", err)
		}
		return storage, nil
	case "postgres":
		storage, err := NewPostgresStorage(ctx, cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Postgres storage: %w", err)
		}
		return storage, nil
	default:
		return nil, fmt.Errorf("unknown persistence type: %s", cfg.DatabaseType)
	}
}

func newService(storage Storage, cfg *config.Config) *Service {
	svc := &Service{
		storage:    storage,
		reschedule: make(chan struct{}, 1),
		now:        time.Now,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	svc.setRetention(cfg)
	return svc
}

func (s *Service) setRetention(cfg *config.Config) {
	s.retention.Store(&RetentionConfig{
		RawDays:    cfg.Retention.RawDays,
		HourlyDays: cfg.Retention.HourlyDays,
		DailyDays:  cfg.Retention.DailyDays,
	})
	s.cleanupHour.Store(int32(cfg.CleanupHour))
}

// UpdateConfig applies reloadable settings: retention horizons and the cleanup hour.
// Storage and buffer settings only take effect on restart.
func (s *Service) UpdateConfig(cfg *config.Config) {
	if s == nil || cfg == nil {
		return
	}
	s.setRetention(cfg)
	select {
	case s.reschedule <- struct{}{}:
	default:
	}
	log.WithFields(log.Fields{
		"raw_days":     cfg.Retention.RawDays,
		"hourly_days":  cfg.Retention.HourlyDays,
		"daily_days":   cfg.Retention.DailyDays,
		"cleanup_hour": cfg.CleanupHour,
	}).Info("Persistence retention updated")
}

// nextCleanup returns the first hour:00 UTC strictly after now.
func nextCleanup(now time.Time, hour int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// runCleanup fires RunCleanup once a day at the configured UTC hour.
func (s *Service) runCleanup() {
	defer close(s.doneCh)

	for {
		next := nextCleanup(s.now(), int(s.cleanupHour.Load()))
		timer := time.NewTimer(time.Until(next))
		log.WithField("next_run", next.Format(time.RFC3339)).Debug("Cleanup scheduled")

		select {
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			if _, err := s.RunCleanup(ctx); err != nil {
				log.WithError(err).Error("Failed to cleanup old records")
			}
			cancel()
		case <-s.reschedule:
			timer.Stop()
		case <-s.stopCh:
			timer.Stop()
			return
		}
	}
}

// RunCleanup applies the current retention horizons once.
func (s *Service) RunCleanup(ctx context.Context) (CleanupResult, error) {
	retention := *s.retention.Load()
	result, err := s.storage.CleanupOldData(ctx, retention)
	if err != nil {
		return result, err
	}
	log.WithFields(log.Fields{
		"raw_deleted":    result.RawDeleted,
		"hourly_deleted": result.HourlyDeleted,
		"daily_deleted":  result.DailyDeleted,
	}).Info("Cleanup job completed")
	return result, nil
}

// Storage returns the storage backend (for dashboard queries).
func (s *Service) Storage() Storage {
	return s.storage
}

// Plugin returns the ingestion buffer.
func (s *Service) Plugin() *PersistencePlugin {
	return s.plugin
}

// Shutdown unsubscribes from events, stops the scheduler, drains the buffer and closes storage.
func (s *Service) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		if s.unregister != nil {
			s.unregister()
		}
		close(s.stopCh)
		<-s.doneCh

		if s.plugin != nil {
			err = s.plugin.Close(ctx)
		} else {
			err = s.storage.Close()
		}
		if err != nil {
			err = fmt.Errorf("failed to close persistence plugin: %w", err)
			return
		}
		log.Info("Persistence shutdown completed")
	})
	return err
}
