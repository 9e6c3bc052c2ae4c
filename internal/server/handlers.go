package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"modelsentry/internal/auth"
	apperrors "modelsentry/internal/errors"
	"modelsentry/internal/metrics"
	"modelsentry/internal/store"
	"modelsentry/types"
)

// page wraps a list response with its pagination envelope.
type page struct {
	Items  interface{} `json:"items"`
	Total  int64       `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func sessionOr401(w http.ResponseWriter, r *http.Request) (*auth.Session, bool) {
	session, ok := auth.SessionFromContext(r.Context())
	if !ok {
		apperrors.SendError(w, apperrors.NewAuthenticationError("Authentication required"))
		return nil, false
	}
	return session, true
}

// ============================================================================
// THREATS
// ============================================================================

func (s *Server) handleListThreats(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOr401(w, r)
	if !ok {
		return
	}

	limit, offset := pagination(r)
	filter := store.ThreatFilter{
		OrganizationID: session.OrganizationID,
		ModelID:        r.URL.Query().Get("model_id"),
		Severity:       types.Severity(r.URL.Query().Get("severity")),
		Status:         types.ThreatStatus(r.URL.Query().Get("status")),
		Limit:          limit,
		Offset:         offset,
	}
	if filter.Severity != "" && !filter.Severity.Valid() {
		apperrors.SendError(w, apperrors.NewValidationError("unknown severity", nil))
		return
	}

	threats, total, err := s.threats.List(r.Context(), filter)
	if err != nil {
		apperrors.SendError(w, err)
		return
	}
	apperrors.SendSuccess(w, page{Items: threats, Total: total, Limit: limit, Offset: offset})
}

func (s *Server) handleGetThreat(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOr401(w, r)
	if !ok {
		return
	}

	threat, err := s.threats.Get(r.Context(), session.OrganizationID, mux.Vars(r)["id"])
	if err != nil {
		apperrors.SendError(w, err)
		return
	}
	apperrors.SendSuccess(w, threat)
}

func (s *Server) handleUpdateThreatStatus(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOr401(w, r)
	if !ok {
		return
	}

	var body struct {
		Status types.ThreatStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apperrors.SendError(w, apperrors.NewValidationError("invalid request body", nil))
		return
	}

	threat, err := s.threats.UpdateStatus(r.Context(), session, mux.Vars(r)["id"], body.Status)
	if err != nil {
		apperrors.SendError(w, err)
		return
	}
	apperrors.SendSuccess(w, threat)
}

// ============================================================================
// MODEL FILES
// ============================================================================

func (s *Server) handleUploadModel(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOr401(w, r)
	if !ok {
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		apperrors.SendError(w, apperrors.NewValidationError("multipart field 'file' is required", nil))
		return
	}
	defer file.Close()

	result, err := s.uploads.Receive(r.Context(), session, header.Filename, header.Size, file)
	if err != nil {
		apperrors.SendError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	apperrors.SendSuccessStatus(w, status, result)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOr401(w, r)
	if !ok {
		return
	}

	limit, offset := pagination(r)
	files, total, err := s.uploads.List(r.Context(), session.OrganizationID, limit, offset)
	if err != nil {
		apperrors.SendError(w, err)
		return
	}
	apperrors.SendSuccess(w, page{Items: files, Total: total, Limit: limit, Offset: offset})
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOr401(w, r)
	if !ok {
		return
	}

	file, err := s.uploads.Get(r.Context(), session.OrganizationID, mux.Vars(r)["id"])
	if err != nil {
		apperrors.SendError(w, err)
		return
	}
	apperrors.SendSuccess(w, file)
}

func (s *Server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOr401(w, r)
	if !ok {
		return
	}

	if err := s.uploads.Delete(r.Context(), session, mux.Vars(r)["id"]); err != nil {
		apperrors.SendError(w, err)
		return
	}
	apperrors.SendSuccess(w, map[string]string{"status": "deleted"})
}

func (s *Server) handleModelScore(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOr401(w, r)
	if !ok {
		return
	}

	score, err := s.analytics.ModelSecurityScore(r.Context(), session.OrganizationID, mux.Vars(r)["id"])
	if err != nil {
		apperrors.SendError(w, err)
		return
	}
	apperrors.SendSuccess(w, score)
}

// ============================================================================
// SCANS
// ============================================================================

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOr401(w, r)
	if !ok {
		return
	}

	limit, offset := pagination(r)
	scans, total, err := s.store.ListScans(r.Context(), session.OrganizationID, limit, offset)
	if err != nil {
		apperrors.SendError(w, apperrors.NewInternalError("Failed to list scans", err))
		return
	}
	apperrors.SendSuccess(w, page{Items: scans, Total: total, Limit: limit, Offset: offset})
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOr401(w, r)
	if !ok {
		return
	}

	scan, err := s.store.GetScan(r.Context(), session.OrganizationID, mux.Vars(r)["id"])
	if err != nil {
		apperrors.SendError(w, apperrors.NewInternalError("Failed to load scan", err))
		return
	}
	if scan == nil {
		apperrors.SendError(w, apperrors.NewNotFoundError("Scan"))
		return
	}
	apperrors.SendSuccess(w, scan)
}

// ============================================================================
// API KEYS
// ============================================================================

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOr401(w, r)
	if !ok {
		return
	}

	var body struct {
		Name      string     `json:"name"`
		Scopes    []string   `json:"scopes"`
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apperrors.SendError(w, apperrors.NewValidationError("invalid request body", nil))
		return
	}

	created, err := s.apikeys.Create(r.Context(), session, body.Name, body.Scopes, body.ExpiresAt)
	if err != nil {
		apperrors.SendError(w, err)
		return
	}
	apperrors.SendSuccessStatus(w, http.StatusCreated, created)
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOr401(w, r)
	if !ok {
		return
	}

	limit, offset := pagination(r)
	keys, total, err := s.apikeys.List(r.Context(), session.OrganizationID, limit, offset)
	if err != nil {
		apperrors.SendError(w, err)
		return
	}
	apperrors.SendSuccess(w, page{Items: keys, Total: total, Limit: limit, Offset: offset})
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOr401(w, r)
	if !ok {
		return
	}

	if err := s.apikeys.Revoke(r.Context(), session, mux.Vars(r)["id"]); err != nil {
		apperrors.SendError(w, err)
		return
	}
	apperrors.SendSuccess(w, map[string]string{"status": "revoked"})
}

// ============================================================================
// ANALYTICS
// ============================================================================

func windowParam(r *http.Request, fallback time.Duration) time.Duration {
	raw := r.URL.Query().Get("window")
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func (s *Server) handleThreatAnalytics(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOr401(w, r)
	if !ok {
		return
	}

	result, err := s.analytics.Threats(r.Context(), session.OrganizationID,
		windowParam(r, 24*time.Hour), types.Severity(r.URL.Query().Get("severity")))
	if err != nil {
		apperrors.SendError(w, err)
		return
	}
	apperrors.SendSuccess(w, result)
}

func (s *Server) handleSummaryReport(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOr401(w, r)
	if !ok {
		return
	}

	report, err := s.analytics.Summary(r.Context(), session.OrganizationID)
	if err != nil {
		apperrors.SendError(w, err)
		return
	}
	apperrors.SendSuccess(w, report)
}

func (s *Server) handleDetailedReport(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOr401(w, r)
	if !ok {
		return
	}

	report, err := s.analytics.Detailed(r.Context(), session.OrganizationID, windowParam(r, 30*24*time.Hour))
	if err != nil {
		apperrors.SendError(w, err)
		return
	}
	apperrors.SendSuccess(w, report)
}

func (s *Server) handleExecutiveReport(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOr401(w, r)
	if !ok {
		return
	}

	report, err := s.analytics.Executive(r.Context(), session.OrganizationID)
	if err != nil {
		apperrors.SendError(w, err)
		return
	}
	apperrors.SendSuccess(w, report)
}

func (s *Server) handleSecurityMetrics(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOr401(w, r)
	if !ok {
		return
	}

	result, err := s.analytics.Metrics(r.Context(), session.OrganizationID)
	if err != nil {
		apperrors.SendError(w, err)
		return
	}
	apperrors.SendSuccess(w, result)
}

// ============================================================================
// NOTIFICATIONS
// ============================================================================

// handleTestNotification pushes a test message to the caller's own sockets,
// so dashboard users can check their websocket wiring.
func (s *Server) handleTestNotification(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOr401(w, r)
	if !ok {
		return
	}

	s.hub.NotifyUser(r.Context(), session.UserID, &types.Notification{
		Type:     "test",
		Title:    "Test notification",
		Message:  "If you can read this, your notification channel works.",
		Severity: types.SeverityLow,
	})
	apperrors.SendSuccess(w, map[string]string{"status": "sent"})
}

// ============================================================================
// SYSTEM
// ============================================================================

func (s *Server) handleSystemMetrics(w http.ResponseWriter, r *http.Request) {
	if _, ok := sessionOr401(w, r); !ok {
		return
	}

	result, err := metrics.CollectSystem(r.Context())
	if err != nil {
		apperrors.SendError(w, apperrors.NewInternalError("Failed to collect system metrics", err))
		return
	}
	apperrors.SendSuccess(w, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}

	if err := s.store.Ping(r.Context()); err != nil {
		status["status"] = "degraded"
		status["database"] = err.Error()
	}
	if err := s.cache.Ping(r.Context()); err != nil {
		status["status"] = "degraded"
		status["redis"] = err.Error()
	}

	if status["status"] == "ok" {
		apperrors.SendSuccess(w, status)
		return
	}

	details := make(map[string]interface{}, len(status))
	for k, v := range status {
		details[k] = v
	}
	degraded := apperrors.NewAppError(apperrors.ErrorTypeExternal, "HEALTH_DEGRADED",
		"One or more dependencies are unavailable", nil).WithDetails(details)
	degraded.StatusCode = http.StatusServiceUnavailable
	apperrors.SendError(w, degraded)
}
