package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"fieldsync/models"

	"go.uber.org/zap"
)

type CatalogHandler struct {
	sessions *SessionManager
	logger   *zap.Logger
}

func NewCatalogHandler(sessions *SessionManager, logger *zap.Logger) *CatalogHandler {
	return &CatalogHandler{
		sessions: sessions,
		logger:   logger.Named("catalog"),
	}
}

// List returns one catalog level, optionally filtered by parent id
func (h *CatalogHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := h.sessions.FromRequest(r)
	if !ok {
		writeError(w, "Session closed", http.StatusUnauthorized)
		return
	}

	var parentID *int64
	if raw := r.URL.Query().Get("parent_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, "parent_id must be an integer", http.StatusBadRequest)
			return
		}
		parentID = &id
	}

	variant := models.Variant(strings.ToLower(r.URL.Query().Get("variant")))
	view, err := sess.Repository.LoadCatalog(r.Context(), variant, parentID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// SearchDetails filters the sector details of a locality by text
func (h *CatalogHandler) SearchDetails(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := h.sessions.FromRequest(r)
	if !ok {
		writeError(w, "Session closed", http.StatusUnauthorized)
		return
	}

	localityID, err := queryID(r, "locality_id")
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Repository.SearchDetails(r.Context(), localityID, r.URL.Query().Get("q")))
}

// Refresh pulls the catalog from the backend when online
func (h *CatalogHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := h.sessions.FromRequest(r)
	if !ok {
		writeError(w, "Session closed", http.StatusUnauthorized)
		return
	}

	res, err := sess.Repository.RefreshCatalog(r.Context())
	if err != nil {
		h.logger.Warn("catalog refresh failed", zap.Error(err))
		writeError(w, "Catalog refresh failed; the cached catalog is still in use", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
