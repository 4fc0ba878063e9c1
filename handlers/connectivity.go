package handlers

import (
	"encoding/json"
	"net/http"

	"fieldsync/connectivity"

	"go.uber.org/zap"
)

// Reporter receives platform connectivity signals.
type Reporter interface {
	Status() connectivity.Status
	Report(online bool)
}

type ConnectivityHandler struct {
	monitor Reporter
	logger  *zap.Logger
}

func NewConnectivityHandler(monitor Reporter, logger *zap.Logger) *ConnectivityHandler {
	return &ConnectivityHandler{
		monitor: monitor,
		logger:  logger.Named("connectivity"),
	}
}

type ConnectivityRequest struct {
	Online *bool `json:"online"`
}

// Handle reports the current status on GET and accepts a platform signal on POST
func (h *ConnectivityHandler) Handle(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req ConnectivityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
			writeError(w, "Body must be {\"online\": true|false}", http.StatusBadRequest)
			return
		}
		h.logger.Debug("platform signal", zap.Bool("online", *req.Online))
		h.monitor.Report(*req.Online)
	default:
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]connectivity.Status{"status": h.monitor.Status()})
}
