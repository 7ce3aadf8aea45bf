package access

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists access grants and tokens. The database is the
// sole source of truth for quota counters and grant state; every check
// re-reads current state rather than caching across requests.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the access control database under
// dataDir and initializes the schema.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataDir, "db", "fileharbor.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize access schema: %w", err)
	}

	logrus.WithField("db_path", dbPath).Info("SQLite access store initialized")
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS access_grants (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		bucket_name TEXT NOT NULL,
		region TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		access_key_id TEXT NOT NULL UNIQUE,
		secret_key_hash TEXT NOT NULL,
		path_prefix TEXT NOT NULL,
		permissions TEXT NOT NULL,
		max_storage_bytes INTEGER NOT NULL,
		max_file_count INTEGER NOT NULL,
		current_storage_bytes INTEGER NOT NULL DEFAULT 0,
		current_file_count INTEGER NOT NULL DEFAULT 0,
		is_readonly INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1,
		expires_at INTEGER,
		last_used_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_access_grants_active_user
		ON access_grants(user_id) WHERE is_active = 1;
	CREATE INDEX IF NOT EXISTS idx_access_grants_user_id ON access_grants(user_id);

	CREATE TABLE IF NOT EXISTS access_tokens (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		grant_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		ip_allowlist TEXT,
		expires_at INTEGER NOT NULL,
		is_revoked INTEGER NOT NULL DEFAULT 0,
		usage_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_access_tokens_user_id ON access_tokens(user_id);
	CREATE INDEX IF NOT EXISTS idx_access_tokens_grant_id ON access_tokens(grant_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create access schema: %w", err)
	}
	return nil
}

// CreateGrant inserts a new grant. A second active grant for the same
// user is rejected with ErrConflict and leaves the first untouched.
func (s *SQLiteStore) CreateGrant(ctx context.Context, grant *AccessGrant) error {
	permissionsJSON, err := json.Marshal(grant.Permissions)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existingID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM access_grants WHERE user_id = ? AND is_active = 1`,
		grant.UserID).Scan(&existingID)
	if err == nil {
		return ErrConflict
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("failed to check existing grant: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO access_grants (
			id, user_id, bucket_name, region, endpoint,
			access_key_id, secret_key_hash, path_prefix, permissions,
			max_storage_bytes, max_file_count, current_storage_bytes, current_file_count,
			is_readonly, is_active, expires_at, last_used_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, grant.ID, grant.UserID, grant.BucketName, grant.Region, grant.Endpoint,
		grant.AccessKeyID, grant.SecretKeyHash, grant.PathPrefix, string(permissionsJSON),
		grant.MaxStorageBytes, grant.MaxFileCount, grant.CurrentStorageBytes, grant.CurrentFileCount,
		boolToInt(grant.IsReadonly), boolToInt(grant.IsActive),
		nullInt64(grant.ExpiresAt), nullInt64(grant.LastUsedAt), grant.CreatedAt, grant.UpdatedAt)
	if err != nil {
		// Two concurrent creates can both pass the SELECT above; the
		// loser trips the partial unique index instead.
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create access grant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to commit access grant: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const grantColumns = `id, user_id, bucket_name, region, endpoint,
	access_key_id, secret_key_hash, path_prefix, permissions,
	max_storage_bytes, max_file_count, current_storage_bytes, current_file_count,
	is_readonly, is_active, expires_at, last_used_at, created_at, updated_at`

// GetActiveGrantByUser returns the user's active grant. Inactive grants
// are never returned from here.
func (s *SQLiteStore) GetActiveGrantByUser(ctx context.Context, userID int64) (*AccessGrant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM access_grants WHERE user_id = ? AND is_active = 1`,
		userID)
	return scanGrant(row)
}

// GetGrantByAccessKeyID returns the grant for an access key, active or
// not; callers decide how to treat inactive grants.
func (s *SQLiteStore) GetGrantByAccessKeyID(ctx context.Context, accessKeyID string) (*AccessGrant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM access_grants WHERE access_key_id = ?`,
		accessKeyID)
	return scanGrant(row)
}

// UpdateGrant persists mutable grant fields (permissions, quotas, flags,
// expiry) for the user's active grant.
func (s *SQLiteStore) UpdateGrant(ctx context.Context, grant *AccessGrant) error {
	permissionsJSON, err := json.Marshal(grant.Permissions)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE access_grants
		SET permissions = ?, max_storage_bytes = ?, max_file_count = ?,
		    is_readonly = ?, expires_at = ?, updated_at = ?
		WHERE id = ? AND is_active = 1
	`, string(permissionsJSON), grant.MaxStorageBytes, grant.MaxFileCount,
		boolToInt(grant.IsReadonly), nullInt64(grant.ExpiresAt), grant.UpdatedAt, grant.ID)
	if err != nil {
		return fmt.Errorf("failed to update access grant: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateCredentials replaces the key pair on the user's active grant.
func (s *SQLiteStore) UpdateCredentials(ctx context.Context, userID int64, accessKeyID, secretKeyHash string, now int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE access_grants
		SET access_key_id = ?, secret_key_hash = ?, updated_at = ?
		WHERE user_id = ? AND is_active = 1
	`, accessKeyID, secretKeyHash, now, userID)
	if err != nil {
		return fmt.Errorf("failed to rotate credentials: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateGrant soft-disables the user's active grant and revokes all
// of its tokens in the same transaction. The grant row is kept so the
// audit trail stays intact.
func (s *SQLiteStore) DeactivateGrant(ctx context.Context, userID int64, now int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var grantID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM access_grants WHERE user_id = ? AND is_active = 1`,
		userID).Scan(&grantID)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up active grant: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE access_grants SET is_active = 0, updated_at = ? WHERE id = ?`,
		now, grantID); err != nil {
		return fmt.Errorf("failed to deactivate grant: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE access_tokens SET is_revoked = 1 WHERE grant_id = ?`,
		grantID); err != nil {
		return fmt.Errorf("failed to revoke grant tokens: %w", err)
	}

	return tx.Commit()
}

// UpdateLastUsed records credential usage. Failures here are not fatal
// to the request; callers log and continue.
func (s *SQLiteStore) UpdateLastUsed(ctx context.Context, grantID string, ts int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE access_grants SET last_used_at = ? WHERE id = ?`, ts, grantID)
	return err
}

// ReserveQuota atomically adds deltaBytes/deltaFiles to the user's usage
// counters, but only when both stay at or under their ceilings. The
// conditional UPDATE makes the check-then-increment a single
// read-modify-write, so concurrent writes cannot both pass a stale check.
func (s *SQLiteStore) ReserveQuota(ctx context.Context, userID int64, deltaBytes, deltaFiles int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE access_grants
		SET current_storage_bytes = current_storage_bytes + ?,
		    current_file_count = current_file_count + ?
		WHERE user_id = ? AND is_active = 1
		  AND current_storage_bytes + ? <= max_storage_bytes
		  AND current_file_count + ? <= max_file_count
	`, deltaBytes, deltaFiles, userID, deltaBytes, deltaFiles)
	if err != nil {
		return fmt.Errorf("failed to reserve quota: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// Distinguish a missing grant from an exhausted quota.
	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM access_grants WHERE user_id = ? AND is_active = 1`,
		userID).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check grant existence: %w", err)
	}
	return ErrQuotaExceeded
}

// ReleaseQuota subtracts usage after a delete or a failed write whose
// reservation must be undone. Counters never go below zero.
func (s *SQLiteStore) ReleaseQuota(ctx context.Context, userID int64, deltaBytes, deltaFiles int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE access_grants
		SET current_storage_bytes = MAX(0, current_storage_bytes - ?),
		    current_file_count = MAX(0, current_file_count - ?)
		WHERE user_id = ? AND is_active = 1
	`, deltaBytes, deltaFiles, userID)
	if err != nil {
		return fmt.Errorf("failed to release quota: %w", err)
	}
	return nil
}

// CreateToken inserts a new access token record.
func (s *SQLiteStore) CreateToken(ctx context.Context, token *AccessToken) error {
	allowlistJSON, err := json.Marshal(token.IPAllowlist)
	if err != nil {
		return fmt.Errorf("failed to marshal ip allowlist: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO access_tokens (id, user_id, grant_id, scope, ip_allowlist, expires_at, is_revoked, usage_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, token.ID, token.UserID, token.GrantID, token.Scope, string(allowlistJSON),
		token.ExpiresAt, boolToInt(token.IsRevoked), token.UsageCount, token.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create access token: %w", err)
	}
	return nil
}

// GetToken returns a token by ID, revoked or not.
func (s *SQLiteStore) GetToken(ctx context.Context, tokenID string) (*AccessToken, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, grant_id, scope, ip_allowlist, expires_at, is_revoked, usage_count, created_at
		FROM access_tokens WHERE id = ?
	`, tokenID)

	token := &AccessToken{}
	var allowlistJSON sql.NullString
	var isRevoked int
	err := row.Scan(&token.ID, &token.UserID, &token.GrantID, &token.Scope,
		&allowlistJSON, &token.ExpiresAt, &isRevoked, &token.UsageCount, &token.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	token.IsRevoked = isRevoked != 0
	if allowlistJSON.Valid && allowlistJSON.String != "" {
		if err := json.Unmarshal([]byte(allowlistJSON.String), &token.IPAllowlist); err != nil {
			logrus.WithError(err).Warn("Failed to unmarshal token ip allowlist")
		}
	}
	return token, nil
}

// ListTokensByUser returns all of a user's tokens, newest first.
func (s *SQLiteStore) ListTokensByUser(ctx context.Context, userID int64) ([]*AccessToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, grant_id, scope, ip_allowlist, expires_at, is_revoked, usage_count, created_at
		FROM access_tokens WHERE user_id = ?
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list access tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*AccessToken
	for rows.Next() {
		token := &AccessToken{}
		var allowlistJSON sql.NullString
		var isRevoked int
		if err := rows.Scan(&token.ID, &token.UserID, &token.GrantID, &token.Scope,
			&allowlistJSON, &token.ExpiresAt, &isRevoked, &token.UsageCount, &token.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan access token: %w", err)
		}
		token.IsRevoked = isRevoked != 0
		if allowlistJSON.Valid && allowlistJSON.String != "" {
			if err := json.Unmarshal([]byte(allowlistJSON.String), &token.IPAllowlist); err != nil {
				logrus.WithError(err).Warn("Failed to unmarshal token ip allowlist")
			}
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating access tokens: %w", err)
	}
	return tokens, nil
}

// RevokeToken marks a token revoked. Revocation takes effect for the
// next validation; there is no cache to expire.
func (s *SQLiteStore) RevokeToken(ctx context.Context, tokenID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE access_tokens SET is_revoked = 1 WHERE id = ?`, tokenID)
	if err != nil {
		return fmt.Errorf("failed to revoke access token: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// IncrementTokenUsage bumps the token's usage counter.
func (s *SQLiteStore) IncrementTokenUsage(ctx context.Context, tokenID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE access_tokens SET usage_count = usage_count + 1 WHERE id = ?`, tokenID)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func scanGrant(row *sql.Row) (*AccessGrant, error) {
	grant := &AccessGrant{}
	var permissionsJSON string
	var isReadonly, isActive int
	var expiresAt, lastUsedAt sql.NullInt64

	err := row.Scan(&grant.ID, &grant.UserID, &grant.BucketName, &grant.Region, &grant.Endpoint,
		&grant.AccessKeyID, &grant.SecretKeyHash, &grant.PathPrefix, &permissionsJSON,
		&grant.MaxStorageBytes, &grant.MaxFileCount, &grant.CurrentStorageBytes, &grant.CurrentFileCount,
		&isReadonly, &isActive, &expiresAt, &lastUsedAt, &grant.CreatedAt, &grant.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan access grant: %w", err)
	}

	grant.IsReadonly = isReadonly != 0
	grant.IsActive = isActive != 0
	if expiresAt.Valid {
		grant.ExpiresAt = expiresAt.Int64
	}
	if lastUsedAt.Valid {
		grant.LastUsedAt = lastUsedAt.Int64
	}

	if err := json.Unmarshal([]byte(permissionsJSON), &grant.Permissions); err != nil {
		return nil, fmt.Errorf("%w: bad permissions payload: %v", ErrInvalidGrant, err)
	}
	return grant, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullInt64 maps 0 to NULL for optional timestamp columns.
func nullInt64(i int64) interface{} {
	if i == 0 {
		return nil
	}
	return i
}
