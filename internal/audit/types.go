package audit

import "context"

// Operations recorded in the access log
const (
	OperationPut      = "put"
	OperationGet      = "get"
	OperationHead     = "head"
	OperationDelete   = "delete"
	OperationList     = "list"
	OperationValidate = "validate"
	OperationCreate   = "grant_create"
	OperationUpdate   = "grant_update"
	OperationRotate   = "credential_rotate"
	OperationRevoke   = "grant_revoke"
	OperationTokenUse = "token_use"
)

// AccessEvent is a single access attempt to be recorded.
type AccessEvent struct {
	UserID           int64  // owning user
	AccessID         string // grant or token id involved, if any
	Operation        string // see Operation constants
	ResourcePath     string // normalized object path, if any
	StatusCode       int    // HTTP-equivalent status of the outcome
	BytesTransferred int64  // payload bytes moved, 0 for control operations
	ResponseTimeMs   int64  // end-to-end latency
	IPAddress        string
	UserAgent        string
	Success          bool
	ErrorMessage     string // internal failure reason, empty on success
}

// AccessLogEntry is a stored, immutable access log record. Entries are
// never updated or deleted by normal operation; retention runs as a
// separate maintenance job.
type AccessLogEntry struct {
	ID               int64  `json:"id"`
	Timestamp        int64  `json:"timestamp"` // unix seconds
	UserID           int64  `json:"user_id"`
	AccessID         string `json:"access_id,omitempty"`
	Operation        string `json:"operation"`
	ResourcePath     string `json:"resource_path,omitempty"`
	StatusCode       int    `json:"status_code"`
	BytesTransferred int64  `json:"bytes_transferred"`
	ResponseTimeMs   int64  `json:"response_time_ms"`
	IPAddress        string `json:"ip_address,omitempty"`
	UserAgent        string `json:"user_agent,omitempty"`
	Success          bool   `json:"success"`
	ErrorMessage     string `json:"error_message,omitempty"`
}

// LogFilters selects access log entries for retrieval.
type LogFilters struct {
	UserID    int64  // 0 = all users
	Operation string // empty = all operations
	Success   *bool  // nil = both outcomes
	StartDate int64  // unix seconds, 0 = open
	EndDate   int64  // unix seconds, 0 = open
	Page      int    // 1-based
	PageSize  int
}

// Summary aggregates access activity for a user.
type Summary struct {
	UserID           int64 `json:"user_id"`
	TotalRequests    int64 `json:"total_requests"`
	FailedRequests   int64 `json:"failed_requests"`
	BytesTransferred int64 `json:"bytes_transferred"`
}

// Store defines the interface for access log storage.
type Store interface {
	// LogAccess appends one immutable record
	LogAccess(ctx context.Context, event *AccessEvent) error

	// GetLogs retrieves entries with filters and pagination
	GetLogs(ctx context.Context, filters *LogFilters) ([]*AccessLogEntry, int, error)

	// GetSummary aggregates a user's activity since a cutoff
	GetSummary(ctx context.Context, userID int64, since int64) (*Summary, error)

	// PurgeLogs deletes entries older than the given number of days
	PurgeLogs(ctx context.Context, olderThanDays int) (int, error)

	Close() error
}
