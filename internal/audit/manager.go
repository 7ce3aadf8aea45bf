package audit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Manager handles access logging operations
type Manager struct {
	store  Store
	logger *logrus.Logger
}

// NewManager creates a new access log manager
func NewManager(store Store, logger *logrus.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger,
	}
}

// LogAccess records one access attempt. It must succeed independently
// of whether the underlying operation succeeded: a logging failure is
// reported to the process log but never blocks or rolls back the
// primary operation, so the returned error is advisory.
func (m *Manager) LogAccess(ctx context.Context, event *AccessEvent) error {
	if event == nil {
		m.logger.Warn("Attempted to log nil access event")
		return nil
	}

	if event.Operation == "" {
		m.logger.Warn("Access event missing required Operation field")
		return nil
	}

	err := m.store.LogAccess(ctx, event)
	if err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"operation": event.Operation,
			"user_id":   event.UserID,
			"success":   event.Success,
		}).Error("Failed to write access log entry")
		return err
	}

	m.logger.WithFields(logrus.Fields{
		"operation":     event.Operation,
		"user_id":       event.UserID,
		"resource_path": event.ResourcePath,
		"status_code":   event.StatusCode,
		"success":       event.Success,
	}).Debug("Access event logged")

	return nil
}

// GetLogs retrieves access log entries with filters
func (m *Manager) GetLogs(ctx context.Context, filters *LogFilters) ([]*AccessLogEntry, int, error) {
	if filters == nil {
		filters = &LogFilters{}
	}

	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 {
		filters.PageSize = 50
	}
	if filters.PageSize > 100 {
		filters.PageSize = 100
	}

	entries, total, err := m.store.GetLogs(ctx, filters)
	if err != nil {
		m.logger.WithError(err).Error("Failed to retrieve access logs")
		return nil, 0, err
	}

	return entries, total, nil
}

// GetUserLogs retrieves a specific user's access log entries
func (m *Manager) GetUserLogs(ctx context.Context, userID int64, filters *LogFilters) ([]*AccessLogEntry, int, error) {
	if filters == nil {
		filters = &LogFilters{}
	}
	// Pin the user filter so a caller cannot page through other users' logs
	filters.UserID = userID
	return m.GetLogs(ctx, filters)
}

// GetSummary aggregates a user's activity since a cutoff
func (m *Manager) GetSummary(ctx context.Context, userID int64, since int64) (*Summary, error) {
	summary, err := m.store.GetSummary(ctx, userID, since)
	if err != nil {
		m.logger.WithError(err).WithField("user_id", userID).Error("Failed to summarize access logs")
		return nil, err
	}
	return summary, nil
}

// PurgeLogs deletes entries older than the given number of days
func (m *Manager) PurgeLogs(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays <= 0 {
		m.logger.Warn("Invalid retention days for purge operation")
		return 0, nil
	}

	count, err := m.store.PurgeLogs(ctx, olderThanDays)
	if err != nil {
		m.logger.WithError(err).WithField("retention_days", olderThanDays).Error("Failed to purge old access logs")
		return 0, err
	}

	m.logger.WithFields(logrus.Fields{
		"deleted_count":  count,
		"retention_days": olderThanDays,
	}).Info("Purged old access logs")

	return count, nil
}

// StartRetentionJob starts a background job to purge old entries once
// per day. Call once on server startup; the job stops with ctx.
func (m *Manager) StartRetentionJob(ctx context.Context, retentionDays int) {
	if retentionDays <= 0 {
		m.logger.Info("Access log retention disabled (retention_days <= 0)")
		return
	}

	m.logger.WithField("retention_days", retentionDays).Info("Starting access log retention job")

	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		m.runRetentionCleanup(ctx, retentionDays)

		for {
			select {
			case <-ctx.Done():
				m.logger.Info("Stopping access log retention job")
				return
			case <-ticker.C:
				m.runRetentionCleanup(ctx, retentionDays)
			}
		}
	}()
}

func (m *Manager) runRetentionCleanup(ctx context.Context, retentionDays int) {
	count, err := m.PurgeLogs(ctx, retentionDays)
	if err != nil {
		m.logger.WithError(err).Error("Access log retention cleanup failed")
		return
	}

	if count > 0 {
		m.logger.WithFields(logrus.Fields{
			"deleted_count":  count,
			"retention_days": retentionDays,
		}).Info("Access log retention cleanup completed")
	}
}

// Close closes the manager and underlying store
func (m *Manager) Close() error {
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}
