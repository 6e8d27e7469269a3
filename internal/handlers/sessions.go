package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/shellgate/shellgate/internal/database"
	"github.com/shellgate/shellgate/internal/logutil"
	"github.com/shellgate/shellgate/internal/session"
)

// ListSessions returns a snapshot of every live session.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	infos := Registry.List()
	if infos == nil {
		infos = []session.Info{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(infos),
		"sessions": infos,
	})
}

// TerminateSession ends a session on operator request.
func TerminateSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Session ID required")
		return
	}

	sess := Registry.Get(id)
	if sess == nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	Registry.Terminate(sess, session.ReasonOperator)
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

// SessionHistory returns recent rows from the audit trail, newest first.
func SessionHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "Invalid limit "+logutil.SanitizeForLog(v))
			return
		}
		limit = n
	}

	records, err := database.RecentSessions(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read session history")
		return
	}
	if records == nil {
		records = []database.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": records})
}
