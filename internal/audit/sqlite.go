package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewSQLiteStore creates a new SQLite-based access log store
func NewSQLiteStore(dataDir string, logger *logrus.Logger) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataDir, "db", "access_logs.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open access log database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &SQLiteStore{db: db, logger: logger}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize access log schema: %w", err)
	}

	logger.Info("Access log SQLite store initialized")
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS access_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		access_id TEXT,
		operation TEXT NOT NULL,
		resource_path TEXT,
		status_code INTEGER NOT NULL,
		bytes_transferred INTEGER NOT NULL DEFAULT 0,
		response_time_ms INTEGER NOT NULL DEFAULT 0,
		ip_address TEXT,
		user_agent TEXT,
		success INTEGER NOT NULL,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_access_logs_timestamp ON access_logs(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_access_logs_user_id ON access_logs(user_id);
	CREATE INDEX IF NOT EXISTS idx_access_logs_operation ON access_logs(operation);
	CREATE INDEX IF NOT EXISTS idx_access_logs_success ON access_logs(success);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create access log schema: %w", err)
	}
	return nil
}

// LogAccess appends one access log record
func (s *SQLiteStore) LogAccess(ctx context.Context, event *AccessEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO access_logs (
			timestamp, user_id, access_id, operation, resource_path,
			status_code, bytes_transferred, response_time_ms,
			ip_address, user_agent, success, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, time.Now().Unix(), event.UserID, event.AccessID, event.Operation, event.ResourcePath,
		event.StatusCode, event.BytesTransferred, event.ResponseTimeMs,
		event.IPAddress, event.UserAgent, boolToInt(event.Success), event.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to insert access log: %w", err)
	}
	return nil
}

// GetLogs retrieves access log entries with filters
func (s *SQLiteStore) GetLogs(ctx context.Context, filters *LogFilters) ([]*AccessLogEntry, int, error) {
	whereClause, args := buildWhereClause(filters)

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM access_logs %s", whereClause)
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count access logs: %w", err)
	}

	offset := (filters.Page - 1) * filters.PageSize
	query := fmt.Sprintf(`
		SELECT id, timestamp, user_id, access_id, operation, resource_path,
		       status_code, bytes_transferred, response_time_ms,
		       ip_address, user_agent, success, error_message
		FROM access_logs %s
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`, whereClause)

	args = append(args, filters.PageSize, offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query access logs: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// GetSummary aggregates a user's activity since a cutoff timestamp
func (s *SQLiteStore) GetSummary(ctx context.Context, userID int64, since int64) (*Summary, error) {
	summary := &Summary{UserID: userID}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(bytes_transferred), 0)
		FROM access_logs
		WHERE user_id = ? AND timestamp >= ?
	`, userID, since).Scan(&summary.TotalRequests, &summary.FailedRequests, &summary.BytesTransferred)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize access logs: %w", err)
	}
	return summary, nil
}

// PurgeLogs deletes entries older than the given number of days
func (s *SQLiteStore) PurgeLogs(ctx context.Context, olderThanDays int) (int, error) {
	cutoffTime := time.Now().AddDate(0, 0, -olderThanDays).Unix()

	result, err := s.db.ExecContext(ctx, "DELETE FROM access_logs WHERE timestamp < ?", cutoffTime)
	if err != nil {
		return 0, fmt.Errorf("failed to purge old access logs: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted rows count: %w", err)
	}
	return int(deleted), nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func buildWhereClause(filters *LogFilters) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if filters.UserID > 0 {
		conditions = append(conditions, "user_id = ?")
		args = append(args, filters.UserID)
	}
	if filters.Operation != "" {
		conditions = append(conditions, "operation = ?")
		args = append(args, filters.Operation)
	}
	if filters.Success != nil {
		conditions = append(conditions, "success = ?")
		args = append(args, boolToInt(*filters.Success))
	}
	if filters.StartDate > 0 {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, filters.StartDate)
	}
	if filters.EndDate > 0 {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, filters.EndDate)
	}

	if len(conditions) == 0 {
		return "", args
	}

	whereClause := "WHERE " + conditions[0]
	for i := 1; i < len(conditions); i++ {
		whereClause += " AND " + conditions[i]
	}
	return whereClause, args
}

func scanEntries(rows *sql.Rows) ([]*AccessLogEntry, error) {
	var entries []*AccessLogEntry

	for rows.Next() {
		entry := &AccessLogEntry{}
		var accessID, resourcePath, ipAddress, userAgent, errorMessage sql.NullString
		var success int

		err := rows.Scan(
			&entry.ID,
			&entry.Timestamp,
			&entry.UserID,
			&accessID,
			&entry.Operation,
			&resourcePath,
			&entry.StatusCode,
			&entry.BytesTransferred,
			&entry.ResponseTimeMs,
			&ipAddress,
			&userAgent,
			&success,
			&errorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan access log: %w", err)
		}

		entry.AccessID = accessID.String
		entry.ResourcePath = resourcePath.String
		entry.IPAddress = ipAddress.String
		entry.UserAgent = userAgent.String
		entry.Success = success != 0
		entry.ErrorMessage = errorMessage.String

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating access logs: %w", err)
	}
	return entries, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
