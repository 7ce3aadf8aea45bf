package metrics

import (
	"net/http"
	"time"
)

// noopManager discards all metrics when collection is disabled
type noopManager struct{}

func (n *noopManager) RecordHTTPRequest(method, path, status string, duration time.Duration) {}
func (n *noopManager) RecordObjectOperation(operation string, success bool, objectSize int64, duration time.Duration) {
}
func (n *noopManager) RecordValidation(success bool)      {}
func (n *noopManager) RecordAccessDenied(reason string)   {}
func (n *noopManager) RecordQuotaRejection(kind string)   {}
func (n *noopManager) RecordTokenValidation(success bool) {}

func (n *noopManager) GetMetricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "metrics collection disabled", http.StatusNotFound)
	})
}

func (n *noopManager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler { return next }
}
