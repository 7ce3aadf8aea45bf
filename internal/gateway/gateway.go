package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fileharbor/fileharbor/internal/access"
	"github.com/fileharbor/fileharbor/internal/audit"
	"github.com/fileharbor/fileharbor/internal/userpath"
)

// ErrObjectNotFound is returned when the requested key does not exist in
// the backing bucket.
var ErrObjectNotFound = errors.New("object not found")

// storeCallTimeout bounds individual backing-store calls so a stalled
// endpoint cannot pin request handlers.
const storeCallTimeout = 30 * time.Second

// directoryMarker seeds a user's namespace so empty prefixes survive
// object-store semantics.
const directoryMarker = ".keep"

// Principal is an authenticated caller. The server layer resolves
// credentials or a bearer token to a grant before the gateway runs
// authorization against it.
type Principal struct {
	Grant      *access.AccessGrant
	TokenScope string // empty when key-pair authenticated
	AccessID   string // grant or token id, recorded in the audit trail
	IPAddress  string
	UserAgent  string
}

// StorageUsage is the backing-store view of a user's consumption,
// computed from the bucket rather than the quota counters.
type StorageUsage struct {
	UserID     int64 `json:"user_id"`
	TotalBytes int64 `json:"total_bytes"`
	FileCount  int64 `json:"file_count"`
}

// Gateway mediates every object operation: path validation, permission
// check, quota accounting and audit logging wrap each backing-store call.
type Gateway struct {
	store  ObjectStore
	access access.Manager
	audit  *audit.Manager
	logger *logrus.Logger
}

// NewGateway creates the object store gateway.
func NewGateway(store ObjectStore, accessMgr access.Manager, auditMgr *audit.Manager, logger *logrus.Logger) *Gateway {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Gateway{
		store:  store,
		access: accessMgr,
		audit:  auditMgr,
		logger: logger,
	}
}

// PutObject uploads an object into the caller's namespace. Quota is
// reserved atomically before the store call and released if the upload
// fails, so ceilings hold under concurrent writers.
func (g *Gateway) PutObject(ctx context.Context, p *Principal, path string, body io.Reader, size int64, contentType string) (*ObjectInfo, error) {
	start := time.Now()

	key, err := g.authorize(p, path, access.ActionWrite, &access.Context{FileSize: size})
	if err != nil {
		g.logEvent(ctx, p, audit.OperationPut, path, 403, 0, start, err)
		return nil, err
	}

	// An overwrite only consumes the size delta, and no file slot. The
	// probe runs outside the quota transaction, so concurrent overwrites
	// of the same key can drift the counters; GetUserStorageUsage
	// recomputes from the bucket when reconciliation is needed.
	var bytesDelta, filesDelta int64 = size, 1
	if existing, herr := g.headStore(ctx, key); herr == nil {
		bytesDelta = size - existing.Size
		filesDelta = 0
	}

	if err := g.access.ReserveQuota(ctx, p.Grant.UserID, bytesDelta, filesDelta); err != nil {
		status := 500
		if errors.Is(err, access.ErrQuotaExceeded) {
			status = 413
		}
		g.logEvent(ctx, p, audit.OperationPut, key, status, 0, start, err)
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, storeCallTimeout)
	defer cancel()

	if err := g.store.PutObject(callCtx, key, body, size, contentType); err != nil {
		// A canceled request context (client disconnect) is the common
		// failure here; release on a detached context or the reservation
		// leaks.
		if rerr := g.access.ReleaseQuota(context.WithoutCancel(ctx), p.Grant.UserID, bytesDelta, filesDelta); rerr != nil {
			g.logger.WithError(rerr).WithField("user_id", p.Grant.UserID).Error("Failed to release quota after upload failure")
		}
		g.logEvent(ctx, p, audit.OperationPut, key, 502, 0, start, err)
		return nil, fmt.Errorf("upload failed: %w", err)
	}

	g.logEvent(ctx, p, audit.OperationPut, key, 200, size, start, nil)
	return &ObjectInfo{Key: key, Size: size, ContentType: contentType}, nil
}

// GetObject streams an object from the caller's namespace. The returned
// body is not bounded by the store call timeout; the caller owns it.
func (g *Gateway) GetObject(ctx context.Context, p *Principal, path string) (io.ReadCloser, *ObjectInfo, error) {
	start := time.Now()

	key, err := g.authorize(p, path, access.ActionRead, nil)
	if err != nil {
		g.logEvent(ctx, p, audit.OperationGet, path, 403, 0, start, err)
		return nil, nil, err
	}

	body, info, err := g.store.GetObject(ctx, key)
	if err != nil {
		g.logEvent(ctx, p, audit.OperationGet, key, storeErrStatus(err), 0, start, err)
		return nil, nil, err
	}

	g.logEvent(ctx, p, audit.OperationGet, key, 200, info.Size, start, nil)
	return body, info, nil
}

// HeadObject returns object metadata without transferring the body.
func (g *Gateway) HeadObject(ctx context.Context, p *Principal, path string) (*ObjectInfo, error) {
	start := time.Now()

	key, err := g.authorize(p, path, access.ActionHead, nil)
	if err != nil {
		g.logEvent(ctx, p, audit.OperationHead, path, 403, 0, start, err)
		return nil, err
	}

	info, err := g.headStore(ctx, key)
	if err != nil {
		g.logEvent(ctx, p, audit.OperationHead, key, storeErrStatus(err), 0, start, err)
		return nil, err
	}

	g.logEvent(ctx, p, audit.OperationHead, key, 200, 0, start, nil)
	return info, nil
}

// DeleteObject removes an object and releases its quota.
func (g *Gateway) DeleteObject(ctx context.Context, p *Principal, path string) error {
	start := time.Now()

	key, err := g.authorize(p, path, access.ActionDelete, nil)
	if err != nil {
		g.logEvent(ctx, p, audit.OperationDelete, path, 403, 0, start, err)
		return err
	}

	// Head first so the released quota matches the stored size.
	info, err := g.headStore(ctx, key)
	if err != nil {
		g.logEvent(ctx, p, audit.OperationDelete, key, storeErrStatus(err), 0, start, err)
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, storeCallTimeout)
	defer cancel()

	if err := g.store.DeleteObject(callCtx, key); err != nil {
		g.logEvent(ctx, p, audit.OperationDelete, key, 502, 0, start, err)
		return fmt.Errorf("delete failed: %w", err)
	}

	if err := g.access.ReleaseQuota(context.WithoutCancel(ctx), p.Grant.UserID, info.Size, 1); err != nil {
		g.logger.WithError(err).WithField("user_id", p.Grant.UserID).Error("Failed to release quota after delete")
	}

	g.logEvent(ctx, p, audit.OperationDelete, key, 200, 0, start, nil)
	return nil
}

// ListUserFiles lists objects inside the caller's namespace. The prefix
// is always anchored to the caller's own namespace; a sub-prefix narrows
// it but can never leave it.
func (g *Gateway) ListUserFiles(ctx context.Context, p *Principal, subPrefix string, maxKeys int32) ([]*ObjectInfo, error) {
	start := time.Now()

	prefix := userpath.UserPrefix(p.Grant.UserID)
	if subPrefix != "" {
		full, err := userpath.ValidatePath(userpath.BuildUserPath(p.Grant.UserID, subPrefix))
		if err != nil {
			g.logEvent(ctx, p, audit.OperationList, subPrefix, 403, 0, start, err)
			return nil, fmt.Errorf("%w: %v", access.ErrAccessDenied, err)
		}
		prefix = full
	}

	if _, err := g.authorize(p, prefix, access.ActionList, nil); err != nil {
		g.logEvent(ctx, p, audit.OperationList, prefix, 403, 0, start, err)
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, storeCallTimeout)
	defer cancel()

	objects, err := g.store.ListObjects(callCtx, prefix, maxKeys)
	if err != nil {
		g.logEvent(ctx, p, audit.OperationList, prefix, 502, 0, start, err)
		return nil, err
	}

	// Defense in depth: drop anything the store returned outside the
	// namespace, and hide the directory marker.
	filtered := objects[:0]
	for _, obj := range objects {
		if !strings.HasPrefix(obj.Key, userpath.UserPrefix(p.Grant.UserID)) {
			continue
		}
		if strings.HasSuffix(obj.Key, "/"+directoryMarker) {
			continue
		}
		filtered = append(filtered, obj)
	}

	g.logEvent(ctx, p, audit.OperationList, prefix, 200, 0, start, nil)
	return filtered, nil
}

// GetUserStorageUsage walks the user's prefix in the backing store and
// sums actual object sizes, independent of the quota counters. Useful
// for reconciling drift.
func (g *Gateway) GetUserStorageUsage(ctx context.Context, userID int64) (*StorageUsage, error) {
	callCtx, cancel := context.WithTimeout(ctx, storeCallTimeout)
	defer cancel()

	objects, err := g.store.ListObjects(callCtx, userpath.UserPrefix(userID), 0)
	if err != nil {
		return nil, fmt.Errorf("failed to compute storage usage: %w", err)
	}

	usage := &StorageUsage{UserID: userID}
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, "/"+directoryMarker) {
			continue
		}
		usage.TotalBytes += obj.Size
		usage.FileCount++
	}
	return usage, nil
}

// CreateUserDirectory seeds the user's namespace with a zero-byte marker
// so the prefix is visible before the first real upload. The marker is
// not counted against quota.
func (g *Gateway) CreateUserDirectory(ctx context.Context, userID int64) error {
	key := userpath.UserPrefix(userID) + directoryMarker

	callCtx, cancel := context.WithTimeout(ctx, storeCallTimeout)
	defer cancel()

	if err := g.store.PutObject(callCtx, key, strings.NewReader(""), 0, "application/octet-stream"); err != nil {
		return fmt.Errorf("failed to seed user directory: %w", err)
	}

	g.logger.WithField("user_id", userID).Info("Seeded user namespace")
	return nil
}

// TestConnection verifies the backing store is reachable.
func (g *Gateway) TestConnection(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, storeCallTimeout)
	defer cancel()
	return g.store.TestConnection(callCtx)
}

// authorize runs the full permission check for one operation and returns
// the normalized object key.
func (g *Gateway) authorize(p *Principal, path string, action access.Action, cctx *access.Context) (string, error) {
	if p == nil || p.Grant == nil {
		return "", access.ErrInvalidCredentials
	}

	if p.TokenScope != "" && !access.ScopeAllows(p.TokenScope, action) {
		return "", fmt.Errorf("%w: token scope %q does not allow %s", access.ErrAccessDenied, p.TokenScope, action)
	}

	if p.Grant.IsReadonly && (action == access.ActionWrite || action == access.ActionDelete) {
		return "", fmt.Errorf("%w: grant is readonly", access.ErrAccessDenied)
	}

	key, err := userpath.ValidatePath(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", access.ErrAccessDenied, err)
	}

	decision, err := access.CheckAccess([]*access.AccessGrant{p.Grant}, key, action, cctx)
	if err != nil {
		return "", err
	}
	if !decision.HasPermission {
		return "", fmt.Errorf("%w: %s", access.ErrAccessDenied, decision.Reason)
	}
	return key, nil
}

func (g *Gateway) headStore(ctx context.Context, key string) (*ObjectInfo, error) {
	callCtx, cancel := context.WithTimeout(ctx, storeCallTimeout)
	defer cancel()
	return g.store.HeadObject(callCtx, key)
}

// logEvent records the outcome in the audit trail. The audit write uses
// a detached context so a canceled request still leaves a record, and a
// failure to log never fails the operation itself.
func (g *Gateway) logEvent(ctx context.Context, p *Principal, op, path string, status int, bytes int64, start time.Time, opErr error) {
	if g.audit == nil {
		return
	}

	event := &audit.AccessEvent{
		Operation:        op,
		ResourcePath:     path,
		StatusCode:       status,
		BytesTransferred: bytes,
		ResponseTimeMs:   time.Since(start).Milliseconds(),
		Success:          opErr == nil,
	}
	if p != nil {
		event.AccessID = p.AccessID
		event.IPAddress = p.IPAddress
		event.UserAgent = p.UserAgent
		if p.Grant != nil {
			event.UserID = p.Grant.UserID
		}
	}
	if opErr != nil {
		event.ErrorMessage = opErr.Error()
	}

	_ = g.audit.LogAccess(context.WithoutCancel(ctx), event)
}

func storeErrStatus(err error) int {
	if errors.Is(err, ErrObjectNotFound) {
		return 404
	}
	return 502
}
