package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fieldsync/models"
	"fieldsync/repository"

	"go.uber.org/zap"
)

// MaxUploadBytes bounds a multipart upload, photo included.
const MaxUploadBytes = 25 << 20

type SubmissionHandler struct {
	sessions *SessionManager
	logger   *zap.Logger
}

func NewSubmissionHandler(sessions *SessionManager, logger *zap.Logger) *SubmissionHandler {
	return &SubmissionHandler{
		sessions: sessions,
		logger:   logger.Named("submissions"),
	}
}

// Submit stores a capture locally and requests synchronization
func (h *SubmissionHandler) Submit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := h.sessions.FromRequest(r)
	if !ok {
		writeError(w, "Session closed", http.StatusUnauthorized)
		return
	}

	in, err := parseSubmission(w, r)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	id, err := sess.Repository.SubmitEvidence(r.Context(), in)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int64{"local_id": id})
}

// Pending lists the user's unconfirmed submissions
func (h *SubmissionHandler) Pending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := h.sessions.FromRequest(r)
	if !ok {
		writeError(w, "Session closed", http.StatusUnauthorized)
		return
	}

	pending, err := sess.Repository.ListPending(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": pending,
		"count":   len(pending),
	})
}

// Cancel drops a pending submission
func (h *SubmissionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.byID(w, r, func(sess *Session, id int64) (any, error) {
		return map[string]int64{"cancelled": id}, sess.Repository.CancelPending(r.Context(), id)
	})
}

// Requeue returns a rejected submission to the queue
func (h *SubmissionHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	h.byID(w, r, func(sess *Session, id int64) (any, error) {
		return map[string]int64{"requeued": id}, sess.Repository.RequeuePending(r.Context(), id)
	})
}

// Replace swaps a pending submission for a new capture
func (h *SubmissionHandler) Replace(w http.ResponseWriter, r *http.Request) {
	h.byID(w, r, func(sess *Session, id int64) (any, error) {
		in, err := parseSubmission(w, r)
		if err != nil {
			return nil, err
		}
		newID, err := sess.Repository.ReplacePending(r.Context(), id, in)
		return map[string]int64{"replaced": id, "local_id": newID}, err
	})
}

func (h *SubmissionHandler) byID(w http.ResponseWriter, r *http.Request, fn func(*Session, int64) (any, error)) {
	if r.Method != http.MethodPost {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := h.sessions.FromRequest(r)
	if !ok {
		writeError(w, "Session closed", http.StatusUnauthorized)
		return
	}
	id, err := queryID(r, "id")
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	resp, err := fn(sess, id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", repository.ErrValidation, fmt.Sprintf(format, args...))
}

// parseSubmission reads the multipart form of a capture:
// photo, sector_detail_id, lat, lng, coordinate_source, comment,
// property_id, property_value, captured_at (RFC 3339 or unix millis).
func parseSubmission(w http.ResponseWriter, r *http.Request) (repository.SubmissionInput, error) {
	payload, err := readPhoto(w, r)
	if err != nil {
		return repository.SubmissionInput{}, err
	}
	if len(payload) == 0 {
		return repository.SubmissionInput{}, invalid("photo is required")
	}

	in := repository.SubmissionInput{
		Payload:          payload,
		Comment:          r.FormValue("comment"),
		CoordinateSource: models.CoordinateSource(r.FormValue("coordinate_source")),
	}
	if in.SectorDetailID, err = strconv.ParseInt(r.FormValue("sector_detail_id"), 10, 64); err != nil {
		return repository.SubmissionInput{}, invalid("sector_detail_id must be an integer")
	}

	lat, lng := r.FormValue("lat"), r.FormValue("lng")
	if lat != "" || lng != "" {
		c, err := parseCoordinates(lat, lng)
		if err != nil {
			return repository.SubmissionInput{}, err
		}
		in.Coordinates = &c
	}

	if raw := r.FormValue("property_id"); raw != "" {
		pid, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return repository.SubmissionInput{}, invalid("property_id must be an integer")
		}
		in.Attribute = &models.Attribute{PropertyID: pid, Value: r.FormValue("property_value")}
	}

	if raw := r.FormValue("captured_at"); raw != "" {
		at, err := parseTimestamp(raw)
		if err != nil {
			return repository.SubmissionInput{}, err
		}
		in.CapturedAt = at
	}
	return in, nil
}

// readPhoto parses the multipart form and returns the "photo" part, nil
// when absent.
func readPhoto(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, invalid("upload exceeds %d bytes", MaxUploadBytes)
		}
		return nil, invalid("expected a multipart form")
	}

	file, _, err := r.FormFile("photo")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, invalid("unreadable photo")
	}
	defer file.Close()

	payload, err := io.ReadAll(file)
	if err != nil {
		return nil, invalid("unreadable photo")
	}
	return payload, nil
}

func parseCoordinates(lat, lng string) (models.Coordinates, error) {
	la, err1 := strconv.ParseFloat(strings.TrimSpace(lat), 64)
	lo, err2 := strconv.ParseFloat(strings.TrimSpace(lng), 64)
	if err1 != nil || err2 != nil {
		return models.Coordinates{}, invalid("lat and lng must both be numbers")
	}
	if la < -90 || la > 90 || lo < -180 || lo > 180 {
		return models.Coordinates{}, invalid("coordinates out of range")
	}
	return models.Coordinates{Latitude: la, Longitude: lo}, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, invalid("captured_at must be RFC 3339 or unix milliseconds")
	}
	return at, nil
}
