package access

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/fileharbor/fileharbor/internal/userpath"
)

// Manager defines the credential and access configuration service.
type Manager interface {
	// Grant lifecycle
	CreateUserAccess(ctx context.Context, userID int64, opts CreateOptions) (*AccessGrant, error)
	GetUserAccess(ctx context.Context, userID int64) (*AccessGrant, error)
	UpdateUserAccess(ctx context.Context, userID int64, changes UpdateOptions) (*AccessGrant, error)
	DeactivateUserAccess(ctx context.Context, userID int64) error
	RotateCredentials(ctx context.Context, userID int64) (*AccessGrant, error)

	// Credential validation
	ValidateAccess(ctx context.Context, accessKeyID, secretAccessKey, path string, action Action, cctx *Context) (*ValidationResult, error)
	AuthenticateKey(ctx context.Context, accessKeyID, secretAccessKey string) (*AccessGrant, error)

	// Token management
	CreateAccessToken(ctx context.Context, userID int64, opts TokenOptions) (*AccessToken, string, error)
	ListAccessTokens(ctx context.Context, userID int64) ([]*AccessToken, error)
	RevokeAccessToken(ctx context.Context, userID int64, tokenID string) error
	ValidateToken(ctx context.Context, tokenString, clientIP string) (*AccessToken, *AccessGrant, error)

	// Quota accounting (consulted by the object store gateway)
	ReserveQuota(ctx context.Context, userID int64, deltaBytes, deltaFiles int64) error
	ReleaseQuota(ctx context.Context, userID int64, deltaBytes, deltaFiles int64) error

	// Status surface
	GetAccessStatus(ctx context.Context, userID int64) (string, error)
	GetUsageStats(ctx context.Context, userID int64) (*UsageStats, error)

	Close() error
}

// Defaults supplies environment-driven settings the manager applies when
// a create request leaves them unset.
type Defaults struct {
	BucketName      string
	Region          string
	Endpoint        string
	MaxStorageBytes int64
	MaxFileCount    int64
	ExpiryDays      int
	TokenSecret     string
}

// CreateOptions configures a new grant. Zero values fall back to the
// manager's defaults.
type CreateOptions struct {
	MaxStorageBytes int64
	MaxFileCount    int64
	Permissions     []Permission
	ExpiresAt       int64
	IsReadonly      bool
}

// UpdateOptions carries partial grant changes. Nil fields are left
// untouched.
type UpdateOptions struct {
	MaxStorageBytes *int64
	MaxFileCount    *int64
	Permissions     []Permission
	ExpiresAt       *int64
	IsReadonly      *bool
}

// TokenOptions configures a derived access token.
type TokenOptions struct {
	Scope            string
	ExpiresInSeconds int64
	IPAllowlist      []string
}

type manager struct {
	store    *SQLiteStore
	defaults Defaults
	logger   *logrus.Logger
	now      func() time.Time
}

// NewManager creates the access manager over a SQLite store.
func NewManager(store *SQLiteStore, defaults Defaults, logger *logrus.Logger) Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &manager{
		store:    store,
		defaults: defaults,
		logger:   logger,
		now:      time.Now,
	}
}

// CreateUserAccess provisions the per-user access record. Creation is
// idempotent in the one-active-grant sense: a second call fails with
// ErrConflict and leaves the first grant unmodified. The secret is
// returned exactly once and stored only as a bcrypt hash.
func (m *manager) CreateUserAccess(ctx context.Context, userID int64, opts CreateOptions) (*AccessGrant, error) {
	if userID < 0 {
		return nil, fmt.Errorf("%w: negative user id", ErrInvalidGrant)
	}

	prefix := userpath.UserPrefix(userID)

	permissions := opts.Permissions
	if len(permissions) == 0 {
		permissions = []Permission{{
			ResourcePattern: prefix + "*",
			Actions:         []Action{ActionRead, ActionWrite, ActionDelete, ActionList, ActionHead},
		}}
	}
	if err := validatePermissions(permissions, prefix); err != nil {
		return nil, err
	}

	accessKeyID, err := generateAccessKeyID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate access key id: %w", err)
	}
	secretAccessKey, err := generateSecretAccessKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate secret access key: %w", err)
	}
	secretHash, err := bcrypt.GenerateFromPassword([]byte(secretAccessKey), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash secret access key: %w", err)
	}

	now := m.now().Unix()

	maxStorage := opts.MaxStorageBytes
	if maxStorage <= 0 {
		maxStorage = m.defaults.MaxStorageBytes
	}
	maxFiles := opts.MaxFileCount
	if maxFiles <= 0 {
		maxFiles = m.defaults.MaxFileCount
	}
	expiresAt := opts.ExpiresAt
	if expiresAt == 0 && m.defaults.ExpiryDays > 0 {
		expiresAt = m.now().AddDate(0, 0, m.defaults.ExpiryDays).Unix()
	}

	grant := &AccessGrant{
		ID:              "grant-" + uuid.New().String(),
		UserID:          userID,
		BucketName:      m.defaults.BucketName,
		Region:          m.defaults.Region,
		Endpoint:        m.defaults.Endpoint,
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
		SecretKeyHash:   string(secretHash),
		PathPrefix:      prefix,
		Permissions:     permissions,
		MaxStorageBytes: maxStorage,
		MaxFileCount:    maxFiles,
		IsReadonly:      opts.IsReadonly,
		IsActive:        true,
		ExpiresAt:       expiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := m.store.CreateGrant(ctx, grant); err != nil {
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"user_id":       userID,
		"grant_id":      grant.ID,
		"access_key_id": accessKeyID,
	}).Info("Created user access grant")

	return grant, nil
}

// GetUserAccess returns the user's active grant with the secret
// redacted, or ErrNotFound when none is active.
func (m *manager) GetUserAccess(ctx context.Context, userID int64) (*AccessGrant, error) {
	grant, err := m.store.GetActiveGrantByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	grant.Redact()
	return grant, nil
}

// UpdateUserAccess merges quota, permission and expiry changes into the
// active grant. Lowering a quota ceiling below current usage is rejected
// with ErrQuotaBelowUsage rather than clamped.
func (m *manager) UpdateUserAccess(ctx context.Context, userID int64, changes UpdateOptions) (*AccessGrant, error) {
	grant, err := m.store.GetActiveGrantByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if changes.MaxStorageBytes != nil {
		if *changes.MaxStorageBytes < grant.CurrentStorageBytes {
			return nil, fmt.Errorf("%w: max_storage_bytes %d below usage %d",
				ErrQuotaBelowUsage, *changes.MaxStorageBytes, grant.CurrentStorageBytes)
		}
		grant.MaxStorageBytes = *changes.MaxStorageBytes
	}
	if changes.MaxFileCount != nil {
		if *changes.MaxFileCount < grant.CurrentFileCount {
			return nil, fmt.Errorf("%w: max_file_count %d below usage %d",
				ErrQuotaBelowUsage, *changes.MaxFileCount, grant.CurrentFileCount)
		}
		grant.MaxFileCount = *changes.MaxFileCount
	}
	if changes.Permissions != nil {
		if err := validatePermissions(changes.Permissions, grant.PathPrefix); err != nil {
			return nil, err
		}
		grant.Permissions = changes.Permissions
	}
	if changes.ExpiresAt != nil {
		grant.ExpiresAt = *changes.ExpiresAt
	}
	if changes.IsReadonly != nil {
		grant.IsReadonly = *changes.IsReadonly
	}
	grant.UpdatedAt = m.now().Unix()

	if err := m.store.UpdateGrant(ctx, grant); err != nil {
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"user_id":  userID,
		"grant_id": grant.ID,
	}).Info("Updated user access grant")

	grant.Redact()
	return grant, nil
}

// DeactivateUserAccess soft-disables the grant and revokes its tokens.
// The record is never hard-deleted.
func (m *manager) DeactivateUserAccess(ctx context.Context, userID int64) error {
	if err := m.store.DeactivateGrant(ctx, userID, m.now().Unix()); err != nil {
		return err
	}
	m.logger.WithField("user_id", userID).Info("Deactivated user access grant")
	return nil
}

// RotateCredentials issues a fresh key pair for the active grant. The
// new secret is returned once; the old pair stops working immediately.
func (m *manager) RotateCredentials(ctx context.Context, userID int64) (*AccessGrant, error) {
	grant, err := m.store.GetActiveGrantByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	accessKeyID, err := generateAccessKeyID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate access key id: %w", err)
	}
	secretAccessKey, err := generateSecretAccessKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate secret access key: %w", err)
	}
	secretHash, err := bcrypt.GenerateFromPassword([]byte(secretAccessKey), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash secret access key: %w", err)
	}

	now := m.now().Unix()
	if err := m.store.UpdateCredentials(ctx, userID, accessKeyID, string(secretHash), now); err != nil {
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"user_id":       userID,
		"grant_id":      grant.ID,
		"access_key_id": accessKeyID,
	}).Info("Rotated user access credentials")

	grant.AccessKeyID = accessKeyID
	grant.SecretAccessKey = secretAccessKey
	grant.SecretKeyHash = ""
	grant.UpdatedAt = now
	return grant, nil
}

// ValidateAccess authenticates a key pair and authorizes the requested
// path and action. Any single failure yields {IsValid: false} with no
// detail about which check failed, so the endpoint cannot be used as a
// credential-probing oracle. The internal cause is logged at debug level
// for the audit trail only.
func (m *manager) ValidateAccess(ctx context.Context, accessKeyID, secretAccessKey, path string, action Action, cctx *Context) (*ValidationResult, error) {
	denied := func(cause string) *ValidationResult {
		m.logger.WithFields(logrus.Fields{
			"access_key_id": accessKeyID,
			"cause":         cause,
		}).Debug("Access validation failed")
		return &ValidationResult{IsValid: false}
	}

	grant, err := m.store.GetGrantByAccessKeyID(ctx, accessKeyID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return denied("unknown access key"), nil
		}
		return nil, err
	}

	// bcrypt comparison is constant-time on the hash; never compare the
	// plaintext secret directly.
	if bcrypt.CompareHashAndPassword([]byte(grant.SecretKeyHash), []byte(secretAccessKey)) != nil {
		return denied("secret mismatch"), nil
	}

	if !grant.IsActive {
		return denied("grant inactive"), nil
	}
	if grant.Expired(m.now().Unix()) {
		return denied("grant expired"), nil
	}
	if grant.IsReadonly && (action == ActionWrite || action == ActionDelete) {
		return denied("grant is readonly"), nil
	}

	decision, err := CheckAccess([]*AccessGrant{grant}, path, action, cctx)
	if err != nil {
		return nil, err
	}
	if !decision.HasPermission {
		return denied(decision.Reason), nil
	}

	if err := m.store.UpdateLastUsed(ctx, grant.ID, m.now().Unix()); err != nil {
		m.logger.WithError(err).Warn("Failed to update grant last_used_at")
	}

	return &ValidationResult{IsValid: true, Grant: grant}, nil
}

// AuthenticateKey resolves a key pair to its live grant without a path
// check; path authorization runs separately per operation. Every failure
// maps to ErrInvalidCredentials so the cause is not observable.
func (m *manager) AuthenticateKey(ctx context.Context, accessKeyID, secretAccessKey string) (*AccessGrant, error) {
	denied := func(cause string) error {
		m.logger.WithFields(logrus.Fields{
			"access_key_id": accessKeyID,
			"cause":         cause,
		}).Debug("Key authentication failed")
		return ErrInvalidCredentials
	}

	grant, err := m.store.GetGrantByAccessKeyID(ctx, accessKeyID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, denied("unknown access key")
		}
		return nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(grant.SecretKeyHash), []byte(secretAccessKey)) != nil {
		return nil, denied("secret mismatch")
	}
	if !grant.IsActive {
		return nil, denied("grant inactive")
	}
	if grant.Expired(m.now().Unix()) {
		return nil, denied("grant expired")
	}

	if err := m.store.UpdateLastUsed(ctx, grant.ID, m.now().Unix()); err != nil {
		m.logger.WithError(err).Warn("Failed to update grant last_used_at")
	}

	return grant, nil
}

// ReserveQuota delegates to the store's atomic conditional update.
func (m *manager) ReserveQuota(ctx context.Context, userID int64, deltaBytes, deltaFiles int64) error {
	return m.store.ReserveQuota(ctx, userID, deltaBytes, deltaFiles)
}

// ReleaseQuota delegates to the store.
func (m *manager) ReleaseQuota(ctx context.Context, userID int64, deltaBytes, deltaFiles int64) error {
	return m.store.ReleaseQuota(ctx, userID, deltaBytes, deltaFiles)
}

// GetAccessStatus reports the grant's health for the status endpoint.
func (m *manager) GetAccessStatus(ctx context.Context, userID int64) (string, error) {
	grant, err := m.store.GetActiveGrantByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return StatusNotConfigured, nil
		}
		return "", err
	}

	switch {
	case grant.Expired(m.now().Unix()):
		return StatusExpired, nil
	case grant.CurrentStorageBytes >= grant.MaxStorageBytes:
		return StatusStorageFull, nil
	case grant.CurrentFileCount >= grant.MaxFileCount:
		return StatusFileLimitReached, nil
	default:
		return StatusHealthy, nil
	}
}

// GetUsageStats returns the user's current consumption.
func (m *manager) GetUsageStats(ctx context.Context, userID int64) (*UsageStats, error) {
	grant, err := m.store.GetActiveGrantByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	stats := &UsageStats{
		UserID:              userID,
		CurrentStorageBytes: grant.CurrentStorageBytes,
		MaxStorageBytes:     grant.MaxStorageBytes,
		CurrentFileCount:    grant.CurrentFileCount,
		MaxFileCount:        grant.MaxFileCount,
	}
	if grant.MaxStorageBytes > 0 {
		stats.StorageUsedPercent = float64(grant.CurrentStorageBytes) / float64(grant.MaxStorageBytes) * 100
	}
	if grant.MaxFileCount > 0 {
		stats.FilesUsedPercent = float64(grant.CurrentFileCount) / float64(grant.MaxFileCount) * 100
	}
	return stats, nil
}

// Close closes the underlying store.
func (m *manager) Close() error {
	return m.store.Close()
}

// validatePermissions enforces the namespace invariant: every resource
// pattern in a grant must resolve only under the owner's prefix.
func validatePermissions(permissions []Permission, prefix string) error {
	for _, perm := range permissions {
		if strings.TrimSpace(perm.ResourcePattern) == "" {
			return fmt.Errorf("%w: empty resource pattern", ErrInvalidGrant)
		}
		if !strings.HasPrefix(perm.ResourcePattern, prefix) {
			return fmt.Errorf("%w: pattern %q escapes namespace %q",
				ErrInvalidGrant, perm.ResourcePattern, prefix)
		}
		if strings.Contains(perm.ResourcePattern, "..") {
			return fmt.Errorf("%w: pattern %q contains traversal", ErrInvalidGrant, perm.ResourcePattern)
		}
		for _, a := range perm.Actions {
			if !a.Valid() {
				return fmt.Errorf("%w: unknown action %q", ErrInvalidGrant, a)
			}
		}
	}
	return nil
}

// generateAccessKeyID generates a 20 character access key ID in the
// AWS-compatible AKIA format: prefix + 16 random uppercase alphanumerics.
func generateAccessKeyID() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	const randomLength = 16

	bytes := make([]byte, randomLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}

	result := make([]byte, randomLength)
	for i := 0; i < randomLength; i++ {
		result[i] = charset[int(bytes[i])%len(charset)]
	}

	return "AKIA" + string(result), nil
}

// generateSecretAccessKey generates a 40 character secret from 30 random
// bytes of CSPRNG output, base64 encoded.
func generateSecretAccessKey() (string, error) {
	bytes := make([]byte, 30)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(bytes), nil
}
