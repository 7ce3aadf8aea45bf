package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/fileharbor/fileharbor/internal/access"
	"github.com/fileharbor/fileharbor/internal/audit"
	"github.com/fileharbor/fileharbor/internal/config"
	"github.com/fileharbor/fileharbor/internal/gateway"
	"github.com/fileharbor/fileharbor/internal/metrics"
	"github.com/fileharbor/fileharbor/internal/middleware"
)

// Server represents the FileHarbor server
type Server struct {
	config         *config.Config
	httpServer     *http.Server
	accessManager  access.Manager
	auditManager   *audit.Manager
	gateway        *gateway.Gateway
	metricsManager metrics.Manager
	logger         *logrus.Logger
	startTime      time.Time
}

// New creates a new FileHarbor server wired against the configured
// R2-compatible endpoint.
func New(cfg *config.Config, logger *logrus.Logger) (*Server, error) {
	objectStore := gateway.NewS3ObjectStore(
		cfg.Storage.Endpoint,
		cfg.Storage.Region,
		cfg.Storage.Bucket,
		cfg.Storage.AccessKey,
		cfg.Storage.SecretKey,
		logger,
	)
	return NewWithObjectStore(cfg, logger, objectStore)
}

// NewWithObjectStore creates a server over an explicit object store.
// Tests use this to swap in a fake backing store.
func NewWithObjectStore(cfg *config.Config, logger *logrus.Logger, objectStore gateway.ObjectStore) (*Server, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	accessStore, err := access.NewSQLiteStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create access store: %w", err)
	}

	accessManager := access.NewManager(accessStore, access.Defaults{
		BucketName:      cfg.Storage.Bucket,
		Region:          cfg.Storage.Region,
		Endpoint:        cfg.Storage.Endpoint,
		MaxStorageBytes: cfg.Access.DefaultMaxStorageBytes,
		MaxFileCount:    cfg.Access.DefaultMaxFileCount,
		ExpiryDays:      cfg.Access.DefaultExpiryDays,
		TokenSecret:     cfg.Access.TokenSecret,
	}, logger)

	auditStore, err := audit.NewSQLiteStore(cfg.DataDir, logger)
	if err != nil {
		accessManager.Close()
		return nil, fmt.Errorf("failed to create audit store: %w", err)
	}
	auditManager := audit.NewManager(auditStore, logger)

	metricsManager := metrics.NewManager(cfg.Metrics.Enable)

	gw := gateway.NewGateway(objectStore, accessManager, auditManager, logger)

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	server := &Server{
		config:         cfg,
		httpServer:     httpServer,
		accessManager:  accessManager,
		auditManager:   auditManager,
		gateway:        gw,
		metricsManager: metricsManager,
		logger:         logger,
		startTime:      time.Now(),
	}

	server.setupRoutes()

	return server, nil
}

// Start runs the server until ctx is canceled, then drains gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithFields(logrus.Fields{
		"address":  s.config.Listen,
		"data_dir": s.config.DataDir,
		"bucket":   s.config.Storage.Bucket,
	}).Info("Starting FileHarbor server")

	s.auditManager.StartRetentionJob(ctx, s.config.Audit.RetentionDays)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server error")
		}
	}()

	<-ctx.Done()

	return s.shutdown()
}

func (s *Server) shutdown() error {
	s.logger.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Failed to shutdown HTTP server")
	}

	if err := s.accessManager.Close(); err != nil {
		s.logger.WithError(err).Error("Failed to close access manager")
	}
	if err := s.auditManager.Close(); err != nil {
		s.logger.WithError(err).Error("Failed to close audit manager")
	}

	return nil
}

func (s *Server) setupRoutes() {
	router := mux.NewRouter()

	router.Use(middleware.CORS())
	router.Use(middleware.Logging(s.logger))
	if s.config.Metrics.Enable {
		router.Use(s.metricsManager.Middleware())
	}

	s.registerRoutes(router)

	s.httpServer.Handler = handlers.RecoveryHandler()(router)
}
