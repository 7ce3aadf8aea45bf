package access

import "errors"

// Common access control errors
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotFound           = errors.New("access grant not found")
	ErrConflict           = errors.New("active access grant already exists")
	ErrAccessDenied       = errors.New("access denied")
	ErrGrantInactive      = errors.New("access grant is not active")
	ErrGrantExpired       = errors.New("access grant expired")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrQuotaBelowUsage    = errors.New("quota ceiling below current usage")
	ErrTokenNotFound      = errors.New("access token not found")
	ErrTokenRevoked       = errors.New("access token revoked")
	ErrTokenExpired       = errors.New("access token expired")
	ErrInvalidGrant       = errors.New("malformed access grant")
)

// Action represents an operation on a stored object
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
	ActionList   Action = "list"
	ActionHead   Action = "head"
)

// Valid reports whether the action is one of the known operations.
func (a Action) Valid() bool {
	switch a {
	case ActionRead, ActionWrite, ActionDelete, ActionList, ActionHead:
		return true
	}
	return false
}

// Condition constrains when a permission applies. Zero values mean the
// constraint is not set.
type Condition struct {
	MaxSizeBytes      int64    `json:"max_size_bytes,omitempty"`
	AllowedExtensions []string `json:"allowed_extensions,omitempty"`
	BlockedExtensions []string `json:"blocked_extensions,omitempty"`
}

// Permission grants a set of actions on paths matching a glob pattern.
// The pattern's only metacharacter is '*', which matches any suffix
// within the segment tree (it may cross '/').
type Permission struct {
	ResourcePattern string     `json:"resource_pattern"`
	Actions         []Action   `json:"actions"`
	Condition       *Condition `json:"condition,omitempty"`
}

// AccessGrant is the per-user access record. At most one grant per user
// is active at a time; deactivated grants are kept for the audit trail.
type AccessGrant struct {
	ID         string `json:"id"`
	UserID     int64  `json:"user_id"`
	BucketName string `json:"bucket_name"`
	Region     string `json:"region"`
	Endpoint   string `json:"endpoint"`

	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key,omitempty"` // populated only at creation/rotation
	SecretKeyHash   string `json:"-"`                           // bcrypt hash, never serialized

	PathPrefix  string       `json:"path_prefix"`
	Permissions []Permission `json:"permissions"`

	MaxStorageBytes     int64 `json:"max_storage_bytes"`
	MaxFileCount        int64 `json:"max_file_count"`
	CurrentStorageBytes int64 `json:"current_storage_bytes"`
	CurrentFileCount    int64 `json:"current_file_count"`

	IsReadonly bool  `json:"is_readonly"`
	IsActive   bool  `json:"is_active"`
	ExpiresAt  int64 `json:"expires_at,omitempty"` // unix seconds, 0 = no expiry
	LastUsedAt int64 `json:"last_used_at,omitempty"`
	CreatedAt  int64 `json:"created_at"`
	UpdatedAt  int64 `json:"updated_at"`
}

// Expired reports whether the grant is past its expiry at the given
// unix timestamp.
func (g *AccessGrant) Expired(now int64) bool {
	return g.ExpiresAt > 0 && now > g.ExpiresAt
}

// RedactedSecret is the placeholder returned on grant read-back.
const RedactedSecret = "********"

// Redact clears the secret material so the grant can be returned to
// callers. The secret is handed out exactly once at creation/rotation.
func (g *AccessGrant) Redact() {
	g.SecretAccessKey = RedactedSecret
	g.SecretKeyHash = ""
}

// AccessToken is a short-lived capability derived from a grant. Its
// revocation is independent of the parent grant's lifecycle.
type AccessToken struct {
	ID          string   `json:"id"`
	UserID      int64    `json:"user_id"`
	GrantID     string   `json:"grant_id"`
	Scope       string   `json:"scope"` // e.g. "r2:read"
	IPAllowlist []string `json:"ip_allowlist,omitempty"`
	ExpiresAt   int64    `json:"expires_at"`
	IsRevoked   bool     `json:"is_revoked"`
	UsageCount  int64    `json:"usage_count"`
	CreatedAt   int64    `json:"created_at"`
}

// Token scopes
const (
	ScopeRead  = "r2:read"
	ScopeWrite = "r2:write"
	ScopeAdmin = "r2:admin"
)

// Grant status values for the health/status surface
const (
	StatusNotConfigured    = "not_configured"
	StatusHealthy          = "healthy"
	StatusExpired          = "expired"
	StatusStorageFull      = "storage_full"
	StatusFileLimitReached = "file_limit_reached"
)

// Decision is the result of a permission check. Denied checks carry a
// reason for logging; they are not errors.
type Decision struct {
	HasPermission  bool   `json:"has_permission"`
	MatchedPattern string `json:"matched_pattern,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// ValidationResult is the outcome of a credential validation. A failed
// validation carries no detail about which check failed.
type ValidationResult struct {
	IsValid bool         `json:"is_valid"`
	Grant   *AccessGrant `json:"-"`
}

// UsageStats summarizes a user's consumption against quota ceilings.
type UsageStats struct {
	UserID              int64   `json:"user_id"`
	CurrentStorageBytes int64   `json:"current_storage_bytes"`
	MaxStorageBytes     int64   `json:"max_storage_bytes"`
	CurrentFileCount    int64   `json:"current_file_count"`
	MaxFileCount        int64   `json:"max_file_count"`
	StorageUsedPercent  float64 `json:"storage_used_percent"`
	FilesUsedPercent    float64 `json:"files_used_percent"`
}
