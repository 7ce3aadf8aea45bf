package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fileharbor/fileharbor/internal/access"
	"github.com/fileharbor/fileharbor/internal/audit"
)

// fakeObjectStore is an in-memory ObjectStore for gateway tests.
type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut bool

	// cancelOnPut simulates a client disconnect mid-upload: the request
	// context is canceled and the put fails.
	cancelOnPut context.CancelFunc
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelOnPut != nil {
		f.cancelOnPut()
		return context.Canceled
	}
	if f.failPut {
		return errors.New("backing store unavailable")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.objects[key] = data
	return nil
}

func (f *fakeObjectStore) GetObject(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), &ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (f *fakeObjectStore) HeadObject(ctx context.Context, key string) (*ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return &ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (f *fakeObjectStore) DeleteObject(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeObjectStore) ListObjects(ctx context.Context, prefix string, maxKeys int32) ([]*ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*ObjectInfo
	for key, data := range f.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, &ObjectInfo{Key: key, Size: int64(len(data))})
		}
	}
	return out, nil
}

func (f *fakeObjectStore) TestConnection(ctx context.Context) error { return nil }

type testEnv struct {
	gateway   *Gateway
	store     *fakeObjectStore
	access    access.Manager
	audit     *audit.Manager
	principal *Principal
}

func setupTestGateway(t *testing.T) *testEnv {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	accessStore, err := access.NewSQLiteStore(t.TempDir())
	require.NoError(t, err)

	accessMgr := access.NewManager(accessStore, access.Defaults{
		BucketName:      "fileharbor-test",
		Region:          "auto",
		Endpoint:        "http://localhost:9000",
		MaxStorageBytes: 1000,
		MaxFileCount:    10,
		ExpiryDays:      365,
		TokenSecret:     "test-token-secret",
	}, logger)
	t.Cleanup(func() { accessMgr.Close() })

	auditStore, err := audit.NewSQLiteStore(t.TempDir(), logger)
	require.NoError(t, err)
	auditMgr := audit.NewManager(auditStore, logger)
	t.Cleanup(func() { auditMgr.Close() })

	grant, err := accessMgr.CreateUserAccess(context.Background(), 123, access.CreateOptions{})
	require.NoError(t, err)

	fake := newFakeObjectStore()
	gw := NewGateway(fake, accessMgr, auditMgr, logger)

	return &testEnv{
		gateway: gw,
		store:   fake,
		access:  accessMgr,
		audit:   auditMgr,
		principal: &Principal{
			Grant:     grant,
			AccessID:  grant.ID,
			IPAddress: "10.0.0.1",
		},
	}
}

func (e *testEnv) put(t *testing.T, path, content string) {
	t.Helper()
	_, err := e.gateway.PutObject(context.Background(), e.principal, path,
		strings.NewReader(content), int64(len(content)), "text/plain")
	require.NoError(t, err)
}

func TestPutAndGetObject(t *testing.T) {
	env := setupTestGateway(t)
	ctx := context.Background()

	env.put(t, "user-123/docs/note.md", "hello world")

	body, info, err := env.gateway.GetObject(ctx, env.principal, "user-123/docs/note.md")
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	assert.Equal(t, int64(11), info.Size)

	stats, err := env.access.GetUsageStats(ctx, 123)
	require.NoError(t, err)
	assert.Equal(t, int64(11), stats.CurrentStorageBytes)
	assert.Equal(t, int64(1), stats.CurrentFileCount)
}

func TestPutCrossUserDenied(t *testing.T) {
	env := setupTestGateway(t)

	_, err := env.gateway.PutObject(context.Background(), env.principal, "user-456/theirs.txt",
		strings.NewReader("x"), 1, "text/plain")
	assert.ErrorIs(t, err, access.ErrAccessDenied)
	assert.Empty(t, env.store.objects, "denied upload must not reach the store")

	entries, total, err := env.audit.GetUserLogs(context.Background(), 123, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.False(t, entries[0].Success)
	assert.Equal(t, audit.OperationPut, entries[0].Operation)
	assert.Equal(t, 403, entries[0].StatusCode)
}

func TestPutTraversalDenied(t *testing.T) {
	env := setupTestGateway(t)

	_, err := env.gateway.PutObject(context.Background(), env.principal, "user-123/../user-456/x.txt",
		strings.NewReader("x"), 1, "text/plain")
	assert.ErrorIs(t, err, access.ErrAccessDenied)
}

func TestPutQuotaExceeded(t *testing.T) {
	env := setupTestGateway(t)
	ctx := context.Background()

	big := strings.Repeat("a", 1001)
	_, err := env.gateway.PutObject(ctx, env.principal, "user-123/big.dat",
		strings.NewReader(big), int64(len(big)), "application/octet-stream")
	assert.ErrorIs(t, err, access.ErrQuotaExceeded)
	assert.Empty(t, env.store.objects)

	// The failed attempt must not leak reserved quota
	stats, err := env.access.GetUsageStats(ctx, 123)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.CurrentStorageBytes)
}

func TestPutStoreFailureReleasesQuota(t *testing.T) {
	env := setupTestGateway(t)
	ctx := context.Background()

	env.store.failPut = true
	_, err := env.gateway.PutObject(ctx, env.principal, "user-123/a.txt",
		strings.NewReader("data"), 4, "text/plain")
	require.Error(t, err)

	stats, err := env.access.GetUsageStats(ctx, 123)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.CurrentStorageBytes)
	assert.Equal(t, int64(0), stats.CurrentFileCount)
}

func TestPutClientDisconnectReleasesQuota(t *testing.T) {
	env := setupTestGateway(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.store.cancelOnPut = cancel

	_, err := env.gateway.PutObject(ctx, env.principal, "user-123/a.txt",
		strings.NewReader("data"), 4, "text/plain")
	require.Error(t, err)

	// The request context is dead; the reservation must still come back.
	stats, err := env.access.GetUsageStats(context.Background(), 123)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.CurrentStorageBytes)
	assert.Equal(t, int64(0), stats.CurrentFileCount)
}

func TestOverwriteConsumesDeltaOnly(t *testing.T) {
	env := setupTestGateway(t)
	ctx := context.Background()

	env.put(t, "user-123/a.txt", "1234567890") // 10 bytes
	env.put(t, "user-123/a.txt", "1234")       // overwrite with 4 bytes

	stats, err := env.access.GetUsageStats(ctx, 123)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.CurrentStorageBytes)
	assert.Equal(t, int64(1), stats.CurrentFileCount, "overwrite must not consume a file slot")
}

func TestDeleteObjectReleasesQuota(t *testing.T) {
	env := setupTestGateway(t)
	ctx := context.Background()

	env.put(t, "user-123/a.txt", "hello")
	require.NoError(t, env.gateway.DeleteObject(ctx, env.principal, "user-123/a.txt"))

	stats, err := env.access.GetUsageStats(ctx, 123)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.CurrentStorageBytes)
	assert.Equal(t, int64(0), stats.CurrentFileCount)

	_, _, err = env.gateway.GetObject(ctx, env.principal, "user-123/a.txt")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestDeleteMissingObject(t *testing.T) {
	env := setupTestGateway(t)

	err := env.gateway.DeleteObject(context.Background(), env.principal, "user-123/ghost.txt")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestHeadObject(t *testing.T) {
	env := setupTestGateway(t)

	env.put(t, "user-123/a.txt", "hello")

	info, err := env.gateway.HeadObject(context.Background(), env.principal, "user-123/a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)
}

func TestListUserFilesPrefixStrict(t *testing.T) {
	env := setupTestGateway(t)
	ctx := context.Background()

	env.put(t, "user-123/docs/a.md", "a")
	env.put(t, "user-123/docs/b.md", "bb")
	env.put(t, "user-123/images/c.png", "ccc")

	// Something from another tenant sitting in the shared bucket
	env.store.objects["user-456/theirs.txt"] = []byte("x")

	all, err := env.gateway.ListUserFiles(ctx, env.principal, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	for _, obj := range all {
		assert.True(t, strings.HasPrefix(obj.Key, "user-123/"), "listing leaked key %q", obj.Key)
	}

	docs, err := env.gateway.ListUserFiles(ctx, env.principal, "docs/", 0)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestListHidesDirectoryMarker(t *testing.T) {
	env := setupTestGateway(t)
	ctx := context.Background()

	require.NoError(t, env.gateway.CreateUserDirectory(ctx, 123))
	env.put(t, "user-123/a.txt", "hello")

	objects, err := env.gateway.ListUserFiles(ctx, env.principal, "", 0)
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "user-123/a.txt", objects[0].Key)
}

func TestGetUserStorageUsage(t *testing.T) {
	env := setupTestGateway(t)
	ctx := context.Background()

	require.NoError(t, env.gateway.CreateUserDirectory(ctx, 123))
	env.put(t, "user-123/a.txt", "hello")
	env.put(t, "user-123/b.txt", "world!!")

	usage, err := env.gateway.GetUserStorageUsage(ctx, 123)
	require.NoError(t, err)
	assert.Equal(t, int64(12), usage.TotalBytes)
	assert.Equal(t, int64(2), usage.FileCount, "marker must not count as a file")
}

func TestReadScopedTokenCannotWrite(t *testing.T) {
	env := setupTestGateway(t)
	ctx := context.Background()

	env.principal.TokenScope = access.ScopeRead

	_, err := env.gateway.PutObject(ctx, env.principal, "user-123/a.txt",
		strings.NewReader("x"), 1, "text/plain")
	assert.ErrorIs(t, err, access.ErrAccessDenied)

	err = env.gateway.DeleteObject(ctx, env.principal, "user-123/a.txt")
	assert.ErrorIs(t, err, access.ErrAccessDenied)

	env.principal.TokenScope = ""
	env.put(t, "user-123/a.txt", "x")

	env.principal.TokenScope = access.ScopeRead
	_, _, err = env.gateway.GetObject(ctx, env.principal, "user-123/a.txt")
	assert.NoError(t, err)
}

func TestDangerousExtensionDenied(t *testing.T) {
	env := setupTestGateway(t)

	_, err := env.gateway.PutObject(context.Background(), env.principal, "user-123/payload.exe",
		strings.NewReader("MZ"), 2, "application/octet-stream")
	assert.ErrorIs(t, err, access.ErrAccessDenied)
}

func TestOperationsAreAudited(t *testing.T) {
	env := setupTestGateway(t)
	ctx := context.Background()

	env.put(t, "user-123/a.txt", "hello")
	_, _, err := env.gateway.GetObject(ctx, env.principal, "user-123/a.txt")
	require.NoError(t, err)
	require.NoError(t, env.gateway.DeleteObject(ctx, env.principal, "user-123/a.txt"))

	entries, total, err := env.audit.GetUserLogs(ctx, 123, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	ops := make(map[string]bool)
	for _, e := range entries {
		ops[e.Operation] = true
		assert.True(t, e.Success)
		assert.Equal(t, env.principal.AccessID, e.AccessID)
		assert.Equal(t, "10.0.0.1", e.IPAddress)
	}
	assert.True(t, ops[audit.OperationPut])
	assert.True(t, ops[audit.OperationGet])
	assert.True(t, ops[audit.OperationDelete])
}

func TestReadonlyGrantCannotMutate(t *testing.T) {
	env := setupTestGateway(t)
	ctx := context.Background()

	grant, err := env.access.CreateUserAccess(ctx, 789, access.CreateOptions{IsReadonly: true})
	require.NoError(t, err)
	p := &Principal{Grant: grant, AccessID: grant.ID}

	_, err = env.gateway.PutObject(ctx, p, "user-789/a.txt", strings.NewReader("x"), 1, "text/plain")
	assert.ErrorIs(t, err, access.ErrAccessDenied)

	err = env.gateway.DeleteObject(ctx, p, "user-789/a.txt")
	assert.ErrorIs(t, err, access.ErrAccessDenied)
}

func TestSizeConditionedGrantAllowsReadback(t *testing.T) {
	env := setupTestGateway(t)
	ctx := context.Background()

	grant, err := env.access.CreateUserAccess(ctx, 789, access.CreateOptions{
		Permissions: []access.Permission{{
			ResourcePattern: "user-789/*",
			Actions: []access.Action{
				access.ActionRead, access.ActionWrite,
				access.ActionDelete, access.ActionList, access.ActionHead,
			},
			Condition: &access.Condition{MaxSizeBytes: 10},
		}},
	})
	require.NoError(t, err)
	p := &Principal{Grant: grant, AccessID: grant.ID}

	_, err = env.gateway.PutObject(ctx, p, "user-789/a.txt",
		strings.NewReader("12345678901"), 11, "text/plain")
	assert.ErrorIs(t, err, access.ErrAccessDenied, "oversized upload must be denied")

	_, err = env.gateway.PutObject(ctx, p, "user-789/a.txt",
		strings.NewReader("1234"), 4, "text/plain")
	require.NoError(t, err)

	// The ceiling gates writes only; stored objects stay reachable.
	body, _, err := env.gateway.GetObject(ctx, p, "user-789/a.txt")
	require.NoError(t, err)
	body.Close()

	_, err = env.gateway.HeadObject(ctx, p, "user-789/a.txt")
	require.NoError(t, err)

	require.NoError(t, env.gateway.DeleteObject(ctx, p, "user-789/a.txt"))
}
