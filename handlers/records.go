package handlers

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"fieldsync/repository"

	"go.uber.org/zap"
)

type RecordHandler struct {
	sessions *SessionManager
	logger   *zap.Logger
}

func NewRecordHandler(sessions *SessionManager, logger *zap.Logger) *RecordHandler {
	return &RecordHandler{
		sessions: sessions,
		logger:   logger.Named("records"),
	}
}

// List returns the user's confirmed records and pending submissions
func (h *RecordHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := h.sessions.FromRequest(r)
	if !ok {
		writeError(w, "Session closed", http.StatusUnauthorized)
		return
	}

	view, err := sess.Repository.ListUserRecords(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// DetailHistory returns the confirmed evidence of one sector detail
func (h *RecordHandler) DetailHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := h.sessions.FromRequest(r)
	if !ok {
		writeError(w, "Session closed", http.StatusUnauthorized)
		return
	}
	detailID, err := queryID(r, "detail_id")
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	view, err := sess.Repository.DetailHistory(r.Context(), detailID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Update changes the comment and optionally the photo of a record
func (h *RecordHandler) Update(w http.ResponseWriter, r *http.Request) {
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
	payload, err := readPhoto(w, r)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	rec, err := sess.Repository.UpdateRecord(r.Context(), id, repository.RecordEdit{
		Comment: r.FormValue("comment"),
		Payload: payload,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Delete removes a record and its stored photo
func (h *RecordHandler) Delete(w http.ResponseWriter, r *http.Request) {
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

	if err := sess.Repository.DeleteRecord(r.Context(), id); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": id})
}

// Export writes the user's confirmed records as CSV. Offline it exports
// the cached history.
func (h *RecordHandler) Export(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := h.sessions.FromRequest(r)
	if !ok {
		writeError(w, "Session closed", http.StatusUnauthorized)
		return
	}

	view, err := sess.Repository.ListUserRecords(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	filename := fmt.Sprintf("evidencias_%s.csv", time.Now().Format("2006-01-02_15-04-05"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	w.Header().Set("X-Records-Source", string(view.Source))

	writer := csv.NewWriter(w)
	defer writer.Flush()

	header := []string{
		"Record ID",
		"Uploaded At",
		"Project",
		"Front",
		"Locality",
		"Sector Detail",
		"Activity",
		"Latitude",
		"Longitude",
		"Comment",
		"URL",
	}
	if err := writer.Write(header); err != nil {
		h.logger.Warn("failed to write CSV header", zap.Error(err))
		return
	}

	for _, rec := range view.Confirmed {
		lat, lng := "", ""
		if rec.Coordinates != nil {
			lat = strconv.FormatFloat(rec.Coordinates.Latitude, 'f', -1, 64)
			lng = strconv.FormatFloat(rec.Coordinates.Longitude, 'f', -1, 64)
		}
		row := []string{
			strconv.FormatInt(rec.ID, 10),
			rec.UploadedAt.Format(time.RFC3339),
			rec.ProjectName,
			rec.FrontName,
			rec.LocalityName,
			rec.DetailName,
			rec.ActivityName,
			lat,
			lng,
			rec.Comment,
			rec.URL,
		}
		if err := writer.Write(row); err != nil {
			h.logger.Warn("failed to write CSV row", zap.Error(err))
			return
		}
	}
	h.logger.Info("records exported", zap.String("user_id", sess.User.UserID), zap.Int("records", len(view.Confirmed)))
}
