package handlers

import (
	"net/http"
	"time"

	"fieldsync/auth"
	"fieldsync/middleware"

	"go.uber.org/zap"
)

// RouterConfig wires the sidecar API.
type RouterConfig struct {
	Sessions       *SessionManager
	JWTManager     *auth.JWTManager
	Monitor        Reporter
	RateLimiter    *middleware.RateLimiter
	AllowedOrigins []string
	KeepAlive      time.Duration
	Version        string
	Logger         *zap.Logger
}

// NewRouter builds the loopback HTTP API used by the UI.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	authHandler := NewAuthHandler(cfg.Sessions, logger)
	catalogHandler := NewCatalogHandler(cfg.Sessions, logger)
	submissionHandler := NewSubmissionHandler(cfg.Sessions, logger)
	syncHandler := NewSyncHandler(cfg.Sessions, cfg.KeepAlive, logger)
	recordHandler := NewRecordHandler(cfg.Sessions, logger)
	connectivityHandler := NewConnectivityHandler(cfg.Monitor, logger)

	mux := http.NewServeMux()

	// Public routes
	mux.HandleFunc("/health", healthHandler(cfg.Version))
	mux.HandleFunc("/api/session", authHandler.Login)
	mux.HandleFunc("/api/connectivity", connectivityHandler.Handle)

	// Session routes
	authMiddleware := middleware.AuthMiddleware(cfg.JWTManager, cfg.Sessions)
	protected := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authMiddleware(h))
	}

	protected("/api/session/logout", authHandler.Logout)

	protected("/api/catalog", catalogHandler.List)
	protected("/api/catalog/details", catalogHandler.SearchDetails)
	protected("/api/catalog/refresh", catalogHandler.Refresh)

	protected("/api/submissions", submissionHandler.Submit)
	protected("/api/submissions/pending", submissionHandler.Pending)
	protected("/api/submissions/cancel", submissionHandler.Cancel)
	protected("/api/submissions/requeue", submissionHandler.Requeue)
	protected("/api/submissions/replace", submissionHandler.Replace)

	protected("/api/sync/drain", syncHandler.Drain)
	protected("/api/sync/status", syncHandler.Status)
	protected("/api/sync/events", syncHandler.Events)

	protected("/api/records", recordHandler.List)
	protected("/api/records/detail", recordHandler.DetailHistory)
	protected("/api/records/export", recordHandler.Export)
	protected("/api/records/update", recordHandler.Update)
	protected("/api/records/delete", recordHandler.Delete)

	var handler http.Handler = mux
	handler = middleware.CORSMiddleware(cfg.AllowedOrigins)(handler)
	if cfg.RateLimiter != nil {
		handler = cfg.RateLimiter.Middleware()(handler)
	}
	return handler
}

func healthHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().Unix(),
			"version":   version,
		})
	}
}
