package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"fieldsync/models"

	"go.uber.org/zap"
)

type SyncHandler struct {
	sessions  *SessionManager
	keepAlive time.Duration
	logger    *zap.Logger
}

func NewSyncHandler(sessions *SessionManager, keepAlive time.Duration, logger *zap.Logger) *SyncHandler {
	if keepAlive <= 0 {
		keepAlive = 25 * time.Second
	}
	return &SyncHandler{
		sessions:  sessions,
		keepAlive: keepAlive,
		logger:    logger.Named("sync"),
	}
}

// Drain runs a synchronization pass and waits for it
func (h *SyncHandler) Drain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := h.sessions.FromRequest(r)
	if !ok {
		writeError(w, "Session closed", http.StatusUnauthorized)
		return
	}

	res, err := sess.Repository.Drain(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Status reports connectivity, queue size and the last drain
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := h.sessions.FromRequest(r)
	if !ok {
		writeError(w, "Session closed", http.StatusUnauthorized)
		return
	}

	status, err := sess.Repository.Status(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Events streams sync events as server-sent events until the client
// disconnects or the session ends. Events are dropped for a client that
// does not keep up; the next drain summary carries the current counts.
func (h *SyncHandler) Events(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := h.sessions.FromRequest(r)
	if !ok {
		writeError(w, "Session closed", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	events := make(chan models.SyncEvent, 64)
	unsubscribe := sess.Repository.Subscribe(func(ev models.SyncEvent) {
		select {
		case events <- ev:
		default:
		}
	})
	defer unsubscribe()

	// The stream outlives the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if status, err := sess.Repository.Status(r.Context()); err == nil {
		writeEvent(w, "status", status)
	}
	flusher.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-sess.Done():
			writeEvent(w, "session_closed", map[string]string{"session_id": sess.ID})
			flusher.Flush()
			return
		case ev := <-events:
			writeEvent(w, string(ev.Kind), ev)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}
