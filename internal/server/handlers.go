package server

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/fileharbor/fileharbor/internal/access"
	"github.com/fileharbor/fileharbor/internal/audit"
	"github.com/fileharbor/fileharbor/internal/gateway"
)

func (s *Server) registerRoutes(router *mux.Router) {
	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.config.Metrics.Enable {
		router.Handle(s.config.Metrics.Path, s.metricsManager.GetMetricsHandler()).Methods("GET")
	}

	api := router.PathPrefix("/api/v1").Subrouter()

	// Admin/config surface
	users := api.PathPrefix("/users/{userID:[0-9]+}").Subrouter()
	users.HandleFunc("/access", s.handleCreateAccess).Methods("POST")
	users.HandleFunc("/access", s.handleGetAccess).Methods("GET")
	users.HandleFunc("/access", s.handleUpdateAccess).Methods("PUT")
	users.HandleFunc("/access", s.handleDeactivateAccess).Methods("DELETE")
	users.HandleFunc("/access/rotate", s.handleRotateCredentials).Methods("POST")
	users.HandleFunc("/tokens", s.handleCreateToken).Methods("POST")
	users.HandleFunc("/tokens", s.handleListTokens).Methods("GET")
	users.HandleFunc("/tokens/{tokenID}", s.handleRevokeToken).Methods("DELETE")
	users.HandleFunc("/logs", s.handleGetLogs).Methods("GET")
	users.HandleFunc("/usage", s.handleGetUsage).Methods("GET")
	users.HandleFunc("/status", s.handleGetStatus).Methods("GET")

	// Credentialed data plane
	api.HandleFunc("/objects", s.handleListObjects).Methods("GET")
	api.HandleFunc("/objects/{path:.+}", s.handlePutObject).Methods("PUT")
	api.HandleFunc("/objects/{path:.+}", s.handleGetObject).Methods("GET")
	api.HandleFunc("/objects/{path:.+}", s.handleHeadObject).Methods("HEAD")
	api.HandleFunc("/objects/{path:.+}", s.handleDeleteObject).Methods("DELETE")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	})
}

// --- Admin handlers ---

type createAccessRequest struct {
	MaxStorageBytes int64               `json:"max_storage_bytes"`
	MaxFileCount    int64               `json:"max_file_count"`
	Permissions     []access.Permission `json:"permissions"`
	ExpiresAt       int64               `json:"expires_at"`
	IsReadonly      bool                `json:"is_readonly"`
}

func (s *Server) handleCreateAccess(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}

	var req createAccessRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	grant, err := s.accessManager.CreateUserAccess(r.Context(), userID, access.CreateOptions{
		MaxStorageBytes: req.MaxStorageBytes,
		MaxFileCount:    req.MaxFileCount,
		Permissions:     req.Permissions,
		ExpiresAt:       req.ExpiresAt,
		IsReadonly:      req.IsReadonly,
	})
	s.auditAdmin(r, userID, audit.OperationCreate, err)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	// Seed the namespace so listings work before the first upload.
	if err := s.gateway.CreateUserDirectory(r.Context(), userID); err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Warn("Failed to seed user namespace")
	}

	writeJSON(w, http.StatusCreated, grant)
}

func (s *Server) handleGetAccess(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}

	grant, err := s.accessManager.GetUserAccess(r.Context(), userID)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

type updateAccessRequest struct {
	MaxStorageBytes *int64              `json:"max_storage_bytes"`
	MaxFileCount    *int64              `json:"max_file_count"`
	Permissions     []access.Permission `json:"permissions"`
	ExpiresAt       *int64              `json:"expires_at"`
	IsReadonly      *bool               `json:"is_readonly"`
}

func (s *Server) handleUpdateAccess(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}

	var req updateAccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	grant, err := s.accessManager.UpdateUserAccess(r.Context(), userID, access.UpdateOptions{
		MaxStorageBytes: req.MaxStorageBytes,
		MaxFileCount:    req.MaxFileCount,
		Permissions:     req.Permissions,
		ExpiresAt:       req.ExpiresAt,
		IsReadonly:      req.IsReadonly,
	})
	s.auditAdmin(r, userID, audit.OperationUpdate, err)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (s *Server) handleDeactivateAccess(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}

	err := s.accessManager.DeactivateUserAccess(r.Context(), userID)
	s.auditAdmin(r, userID, audit.OperationRevoke, err)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRotateCredentials(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}

	grant, err := s.accessManager.RotateCredentials(r.Context(), userID)
	s.auditAdmin(r, userID, audit.OperationRotate, err)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

type createTokenRequest struct {
	Scope            string   `json:"scope"`
	ExpiresInSeconds int64    `json:"expires_in_seconds"`
	IPAllowlist      []string `json:"ip_allowlist"`
}

type createTokenResponse struct {
	Token       string              `json:"token"`
	AccessToken *access.AccessToken `json:"access_token"`
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}

	var req createTokenRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	token, signed, err := s.accessManager.CreateAccessToken(r.Context(), userID, access.TokenOptions{
		Scope:            req.Scope,
		ExpiresInSeconds: req.ExpiresInSeconds,
		IPAllowlist:      req.IPAllowlist,
	})
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, createTokenResponse{Token: signed, AccessToken: token})
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}

	tokens, err := s.accessManager.ListAccessTokens(r.Context(), userID)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	if tokens == nil {
		tokens = []*access.AccessToken{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": tokens})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}
	tokenID := mux.Vars(r)["tokenID"]

	if err := s.accessManager.RevokeAccessToken(r.Context(), userID, tokenID); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}

	filters := &audit.LogFilters{
		Operation: r.URL.Query().Get("operation"),
	}
	filters.Page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	filters.PageSize, _ = strconv.Atoi(r.URL.Query().Get("page_size"))
	filters.StartDate, _ = strconv.ParseInt(r.URL.Query().Get("start_date"), 10, 64)
	filters.EndDate, _ = strconv.ParseInt(r.URL.Query().Get("end_date"), 10, 64)
	if v := r.URL.Query().Get("success"); v != "" {
		success := v == "true"
		filters.Success = &success
	}

	entries, total, err := s.auditManager.GetUserLogs(r.Context(), userID, filters)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries":   entries,
		"total":     total,
		"page":      filters.Page,
		"page_size": filters.PageSize,
	})
}

func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}

	stats, err := s.accessManager.GetUsageStats(r.Context(), userID)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}

	status, err := s.accessManager.GetAccessStatus(r.Context(), userID)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// --- Data plane handlers ---

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request) {
	p, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if r.ContentLength < 0 {
		writeError(w, http.StatusLengthRequired, "Content-Length is required")
		return
	}

	start := time.Now()
	info, err := s.gateway.PutObject(r.Context(), p, mux.Vars(r)["path"], r.Body, r.ContentLength, r.Header.Get("Content-Type"))
	s.recordObjectMetrics("put", err, r.ContentLength, start)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	p, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	start := time.Now()
	body, info, err := s.gateway.GetObject(r.Context(), p, mux.Vars(r)["path"])
	s.recordObjectMetrics("get", err, 0, start)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	defer body.Close()

	setObjectHeaders(w, info)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.logger.WithError(err).Debug("Object download aborted")
	}
}

func (s *Server) handleHeadObject(w http.ResponseWriter, r *http.Request) {
	p, err := s.authenticate(r)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	start := time.Now()
	info, err := s.gateway.HeadObject(r.Context(), p, mux.Vars(r)["path"])
	s.recordObjectMetrics("head", err, 0, start)
	if err != nil {
		// HEAD responses carry no body
		w.WriteHeader(errorStatus(err))
		return
	}

	setObjectHeaders(w, info)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	p, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	start := time.Now()
	err = s.gateway.DeleteObject(r.Context(), p, mux.Vars(r)["path"])
	s.recordObjectMetrics("delete", err, 0, start)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request) {
	p, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	var maxKeys int32
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		maxKeys = int32(n)
	}

	start := time.Now()
	objects, err := s.gateway.ListUserFiles(r.Context(), p, r.URL.Query().Get("prefix"), maxKeys)
	s.recordObjectMetrics("list", err, 0, start)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"objects": objects,
		"count":   len(objects),
	})
}

// authenticate resolves data-plane credentials to a principal. Bearer
// tokens win over key headers. Failures are uniform on the wire.
func (s *Server) authenticate(r *http.Request) (*gateway.Principal, error) {
	ip := clientIP(r)

	if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		token, grant, err := s.accessManager.ValidateToken(r.Context(), strings.TrimPrefix(authz, "Bearer "), ip)
		if err != nil {
			s.metricsManager.RecordTokenValidation(false)
			return nil, access.ErrInvalidCredentials
		}
		s.metricsManager.RecordTokenValidation(true)
		return &gateway.Principal{
			Grant:      grant,
			TokenScope: token.Scope,
			AccessID:   token.ID,
			IPAddress:  ip,
			UserAgent:  r.UserAgent(),
		}, nil
	}

	key := r.Header.Get("X-Access-Key")
	secret := r.Header.Get("X-Secret-Key")
	if key == "" || secret == "" {
		return nil, access.ErrInvalidCredentials
	}

	grant, err := s.accessManager.AuthenticateKey(r.Context(), key, secret)
	if err != nil {
		s.metricsManager.RecordValidation(false)
		return nil, access.ErrInvalidCredentials
	}
	s.metricsManager.RecordValidation(true)

	return &gateway.Principal{
		Grant:     grant,
		AccessID:  grant.ID,
		IPAddress: ip,
		UserAgent: r.UserAgent(),
	}, nil
}

// auditAdmin records a control-plane operation in the access log.
func (s *Server) auditAdmin(r *http.Request, userID int64, operation string, opErr error) {
	event := &audit.AccessEvent{
		UserID:    userID,
		Operation: operation,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
		Success:   opErr == nil,
	}
	if opErr != nil {
		event.StatusCode = errorStatus(opErr)
		event.ErrorMessage = opErr.Error()
	} else {
		event.StatusCode = http.StatusOK
	}
	_ = s.auditManager.LogAccess(r.Context(), event)
}

func (s *Server) recordObjectMetrics(operation string, err error, size int64, start time.Time) {
	s.metricsManager.RecordObjectOperation(operation, err == nil, size, time.Since(start))
	if errors.Is(err, access.ErrAccessDenied) {
		s.metricsManager.RecordAccessDenied(operation)
	}
	if errors.Is(err, access.ErrQuotaExceeded) {
		s.metricsManager.RecordQuotaRejection(operation)
	}
}

// --- helpers ---

func pathUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, err := strconv.ParseInt(mux.Vars(r)["userID"], 10, 64)
	if err != nil || userID < 0 {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return 0, false
	}
	return userID, true
}

func setObjectHeaders(w http.ResponseWriter, info *gateway.ObjectInfo) {
	if info.ContentType != "" {
		w.Header().Set("Content-Type", info.ContentType)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	if info.ETag != "" {
		w.Header().Set("ETag", info.ETag)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, access.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, access.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, access.ErrNotFound),
		errors.Is(err, access.ErrTokenNotFound),
		errors.Is(err, gateway.ErrObjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, access.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, access.ErrQuotaExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, access.ErrQuotaBelowUsage),
		errors.Is(err, access.ErrInvalidGrant):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
