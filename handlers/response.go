package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"fieldsync/auth"
	"fieldsync/db"
	"fieldsync/reconcile"
	"fieldsync/repository"
	"fieldsync/store"

	"go.uber.org/zap"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeServiceError maps core errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, repository.ErrValidation), errors.Is(err, db.ErrInvalid):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, auth.ErrInvalidIdentity):
		writeError(w, "Invalid identity token", http.StatusUnauthorized)
	case errors.Is(err, repository.ErrOffline):
		writeError(w, "This action needs a connection", http.StatusServiceUnavailable)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, db.ErrNotFound):
		writeError(w, "Not found", http.StatusNotFound)
	case errors.Is(err, reconcile.ErrInFlight), errors.Is(err, reconcile.ErrDrainInProgress),
		errors.Is(err, reconcile.ErrStopped):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		logger.Error("request failed", zap.Error(err))
		writeError(w, "Internal server error", http.StatusInternalServerError)
	}
}

func queryID(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", repository.ErrValidation, name)
	}
	return id, nil
}
