package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fileharbor/fileharbor/internal/access"
	"github.com/fileharbor/fileharbor/internal/config"
	"github.com/fileharbor/fileharbor/internal/gateway"
)

// memObjectStore is an in-memory backing store for handler tests.
type memObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *memObjectStore) PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *memObjectStore) GetObject(ctx context.Context, key string) (io.ReadCloser, *gateway.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, nil, gateway.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), &gateway.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (f *memObjectStore) HeadObject(ctx context.Context, key string) (*gateway.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, gateway.ErrObjectNotFound
	}
	return &gateway.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (f *memObjectStore) DeleteObject(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *memObjectStore) ListObjects(ctx context.Context, prefix string, maxKeys int32) ([]*gateway.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*gateway.ObjectInfo
	for key, data := range f.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, &gateway.ObjectInfo{Key: key, Size: int64(len(data))})
		}
	}
	return out, nil
}

func (f *memObjectStore) TestConnection(ctx context.Context) error { return nil }

func setupTestServer(t *testing.T) *Server {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cfg := &config.Config{
		Listen:   ":0",
		DataDir:  t.TempDir(),
		LogLevel: "error",
		Storage: config.StorageConfig{
			Bucket:   "fileharbor-test",
			Region:   "auto",
			Endpoint: "http://localhost:9000",
		},
		Access: config.AccessConfig{
			DefaultMaxStorageBytes: 1 << 20,
			DefaultMaxFileCount:    100,
			DefaultExpiryDays:      365,
			TokenSecret:            "test-token-secret",
		},
		Audit:   config.AuditConfig{RetentionDays: 90},
		Metrics: config.MetricsConfig{Enable: true, Path: "/metrics"},
	}

	srv, err := NewWithObjectStore(cfg, logger, &memObjectStore{objects: make(map[string][]byte)})
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.accessManager.Close()
		srv.auditManager.Close()
	})
	return srv
}

func (s *Server) do(t *testing.T, method, target string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func createAccess(t *testing.T, s *Server, userID string) *access.AccessGrant {
	t.Helper()
	rec := s.do(t, "POST", "/api/v1/users/"+userID+"/access", nil, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var grant access.AccessGrant
	decodeJSON(t, rec, &grant)
	require.NotEmpty(t, grant.AccessKeyID)
	require.NotEmpty(t, grant.SecretAccessKey)
	return &grant
}

func keyHeaders(grant *access.AccessGrant) map[string]string {
	return map[string]string{
		"X-Access-Key": grant.AccessKeyID,
		"X-Secret-Key": grant.SecretAccessKey,
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(t, "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestCreateAccessLifecycle(t *testing.T) {
	s := setupTestServer(t)

	grant := createAccess(t, s, "123")
	assert.True(t, strings.HasPrefix(grant.AccessKeyID, "AKIA"))

	// Second create conflicts
	rec := s.do(t, "POST", "/api/v1/users/123/access", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// GET returns the grant with the secret redacted
	rec = s.do(t, "GET", "/api/v1/users/123/access", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got access.AccessGrant
	decodeJSON(t, rec, &got)
	assert.Equal(t, grant.AccessKeyID, got.AccessKeyID)
	assert.Equal(t, access.RedactedSecret, got.SecretAccessKey)

	// Deactivate, then GET is a 404
	rec = s.do(t, "DELETE", "/api/v1/users/123/access", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, "GET", "/api/v1/users/123/access", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetAccessNotConfigured(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(t, "GET", "/api/v1/users/999/access", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, "GET", "/api/v1/users/999/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), access.StatusNotConfigured)
}

func TestUpdateAccessQuotaValidation(t *testing.T) {
	s := setupTestServer(t)
	createAccess(t, s, "123")

	rec := s.do(t, "PUT", "/api/v1/users/123/access",
		strings.NewReader(`{"max_storage_bytes": 2097152}`), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got access.AccessGrant
	decodeJSON(t, rec, &got)
	assert.Equal(t, int64(2097152), got.MaxStorageBytes)
}

func TestObjectUploadDownloadDelete(t *testing.T) {
	s := setupTestServer(t)
	grant := createAccess(t, s, "123")
	h := keyHeaders(grant)

	rec := s.do(t, "PUT", "/api/v1/objects/user-123/docs/note.md",
		strings.NewReader("hello world"), h)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, "GET", "/api/v1/objects/user-123/docs/note.md", nil, h)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello world", rec.Body.String())

	rec = s.do(t, "HEAD", "/api/v1/objects/user-123/docs/note.md", nil, h)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "11", rec.Header().Get("Content-Length"))

	rec = s.do(t, "DELETE", "/api/v1/objects/user-123/docs/note.md", nil, h)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, "GET", "/api/v1/objects/user-123/docs/note.md", nil, h)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestObjectRequiresCredentials(t *testing.T) {
	s := setupTestServer(t)
	createAccess(t, s, "123")

	rec := s.do(t, "GET", "/api/v1/objects/user-123/a.txt", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, "GET", "/api/v1/objects/user-123/a.txt", nil, map[string]string{
		"X-Access-Key": "AKIABOGUSBOGUSBOGUS0",
		"X-Secret-Key": "nope",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestObjectCrossUserForbidden(t *testing.T) {
	s := setupTestServer(t)
	grant := createAccess(t, s, "123")

	rec := s.do(t, "PUT", "/api/v1/objects/user-456/theirs.txt",
		strings.NewReader("x"), keyHeaders(grant))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestObjectListScopedToCaller(t *testing.T) {
	s := setupTestServer(t)
	grantA := createAccess(t, s, "123")
	grantB := createAccess(t, s, "456")

	rec := s.do(t, "PUT", "/api/v1/objects/user-123/a.txt", strings.NewReader("aa"), keyHeaders(grantA))
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = s.do(t, "PUT", "/api/v1/objects/user-456/b.txt", strings.NewReader("bb"), keyHeaders(grantB))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, "GET", "/api/v1/objects", nil, keyHeaders(grantA))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Objects []*gateway.ObjectInfo `json:"objects"`
		Count   int                   `json:"count"`
	}
	decodeJSON(t, rec, &resp)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "user-123/a.txt", resp.Objects[0].Key)
}

func TestQuotaExceededOverHTTP(t *testing.T) {
	s := setupTestServer(t)
	createAccess(t, s, "123")

	rec := s.do(t, "PUT", "/api/v1/users/123/access",
		strings.NewReader(`{"max_storage_bytes": 10}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	grant := func() *access.AccessGrant {
		r := s.do(t, "POST", "/api/v1/users/123/access/rotate", nil, nil)
		require.Equal(t, http.StatusOK, r.Code)
		var g access.AccessGrant
		decodeJSON(t, r, &g)
		return &g
	}()

	rec = s.do(t, "PUT", "/api/v1/objects/user-123/big.dat",
		strings.NewReader("this is more than ten bytes"), keyHeaders(grant))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestTokenFlow(t *testing.T) {
	s := setupTestServer(t)
	grant := createAccess(t, s, "123")

	rec := s.do(t, "PUT", "/api/v1/objects/user-123/a.txt",
		strings.NewReader("data"), keyHeaders(grant))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, "POST", "/api/v1/users/123/tokens",
		strings.NewReader(`{"scope": "r2:read"}`), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		Token       string              `json:"token"`
		AccessToken *access.AccessToken `json:"access_token"`
	}
	decodeJSON(t, rec, &created)
	require.NotEmpty(t, created.Token)

	bearer := map[string]string{"Authorization": "Bearer " + created.Token}

	rec = s.do(t, "GET", "/api/v1/objects/user-123/a.txt", nil, bearer)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Read scope cannot write
	rec = s.do(t, "PUT", "/api/v1/objects/user-123/b.txt", strings.NewReader("x"), bearer)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Revocation is effective immediately
	rec = s.do(t, "DELETE", "/api/v1/users/123/tokens/"+created.AccessToken.ID, nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, "GET", "/api/v1/objects/user-123/a.txt", nil, bearer)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListTokensEmpty(t *testing.T) {
	s := setupTestServer(t)
	createAccess(t, s, "123")

	rec := s.do(t, "GET", "/api/v1/users/123/tokens", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tokens":[]`, "empty list must not serialize as null")
}

func TestRotationInvalidatesOldKeys(t *testing.T) {
	s := setupTestServer(t)
	oldGrant := createAccess(t, s, "123")

	rec := s.do(t, "POST", "/api/v1/users/123/access/rotate", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var rotated access.AccessGrant
	decodeJSON(t, rec, &rotated)
	require.NotEqual(t, oldGrant.AccessKeyID, rotated.AccessKeyID)

	rec = s.do(t, "GET", "/api/v1/objects/user-123/a.txt", nil, keyHeaders(oldGrant))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "old keys must stop working")

	rec = s.do(t, "PUT", "/api/v1/objects/user-123/a.txt",
		strings.NewReader("x"), keyHeaders(&rotated))
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestUsageAndStatusEndpoints(t *testing.T) {
	s := setupTestServer(t)
	grant := createAccess(t, s, "123")

	rec := s.do(t, "PUT", "/api/v1/objects/user-123/a.txt",
		strings.NewReader("hello"), keyHeaders(grant))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, "GET", "/api/v1/users/123/usage", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats access.UsageStats
	decodeJSON(t, rec, &stats)
	assert.Equal(t, int64(5), stats.CurrentStorageBytes)
	assert.Equal(t, int64(1), stats.CurrentFileCount)

	rec = s.do(t, "GET", "/api/v1/users/123/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), access.StatusHealthy)
}

func TestLogsEndpoint(t *testing.T) {
	s := setupTestServer(t)
	grant := createAccess(t, s, "123")

	rec := s.do(t, "PUT", "/api/v1/objects/user-123/a.txt",
		strings.NewReader("data"), keyHeaders(grant))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, "GET", "/api/v1/users/123/logs?operation=put", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Entries []map[string]interface{} `json:"entries"`
		Total   int                      `json:"total"`
	}
	decodeJSON(t, rec, &resp)
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "put", resp.Entries[0]["operation"])
	assert.Equal(t, true, resp.Entries[0]["success"])
}

func TestMetricsEndpointExposed(t *testing.T) {
	s := setupTestServer(t)
	grant := createAccess(t, s, "123")

	rec := s.do(t, "PUT", "/api/v1/objects/user-123/a.txt",
		strings.NewReader("data"), keyHeaders(grant))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, "GET", "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fileharbor_objects_operations_total")
}
