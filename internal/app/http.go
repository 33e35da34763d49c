package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	agentToken string
}

func NewHTTPServer(service *Service, corsOrigin, agentToken string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, agentToken: agentToken}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{"ok": true}})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		statusCode := http.StatusOK
		if err := s.service.Ping(ctx); err != nil {
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"success": statusCode == http.StatusOK,
			"data":    map[string]any{"checks": checks},
		})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" || parts[1] != "canvases" {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
		return
	}

	// POST /api/canvases
	if r.Method == http.MethodPost && len(parts) == 2 {
		userID, ok := s.requireUser(w, r)
		if !ok {
			return
		}
		s.handleCreateCanvas(w, r, userID)
		return
	}

	if len(parts) < 3 {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
		return
	}
	canvasID := parts[2]

	// POST /api/canvases/{id}/cards - agent batch proposal
	if r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "cards" {
		userID, ok := s.requireAgent(w, r)
		if !ok {
			return
		}
		s.handlePropose(w, r, userID, canvasID)
		return
	}

	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	switch {
	// GET /api/canvases/{id}
	case r.Method == http.MethodGet && len(parts) == 3:
		snapshot, err := s.service.CanvasSnapshot(r.Context(), userID, canvasID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": snapshot})

	// POST /api/canvases/{id}/actions
	case r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "actions":
		s.handleApplyAction(w, r, userID, canvasID)

	// GET /api/canvases/{id}/events
	case r.Method == http.MethodGet && len(parts) == 4 && parts[3] == "events":
		limit := queryInt(r, "limit", 50)
		data, err := s.service.Events(r.Context(), userID, canvasID, limit)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": data})

	// GET /api/canvases/{id}/search
	case r.Method == http.MethodGet && len(parts) == 4 && parts[3] == "search":
		data, err := s.service.SearchCards(
			r.Context(), userID, canvasID,
			r.URL.Query().Get("q"),
			r.URL.Query().Get("type"),
			r.URL.Query().Get("lane"),
			queryInt(r, "limit", 20),
			queryInt(r, "offset", 0),
		)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": data})

	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	}
}

func (s *HTTPServer) handleCreateCanvas(w http.ResponseWriter, r *http.Request, userID string) {
	var body struct {
		Purpose string `json:"purpose"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidArgument, err.Error(), nil)
		return
	}
	canvas, err := s.service.CreateCanvas(r.Context(), userID, body.Purpose)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"data":    map[string]any{"state": statePayload(canvas)},
	})
}

func (s *HTTPServer) handleApplyAction(w http.ResponseWriter, r *http.Request, userID, canvasID string) {
	var body struct {
		ActionRequest
		ExpectedVersion *int64 `json:"expected_version"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidArgument, err.Error(), nil)
		return
	}
	action, err := ParseAction(body.ActionRequest)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	result, err := s.service.ApplyAction(r.Context(), userID, canvasID, body.ExpectedVersion, action)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if result.Duplicate {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"data":    map[string]any{"duplicate": true},
		})
		return
	}

	data := map[string]any{
		"duplicate": false,
		"state": map[string]any{
			"canvas_id": canvasID,
			"phase":     result.Phase,
			"version":   result.Version,
			"purpose":   result.Purpose,
		},
		"changed_cards": result.ChangedCards,
		"up_next_delta": result.QueueDelta,
		"version":       result.Version,
	}
	if result.RoutineID != "" {
		data["routine_id"] = result.RoutineID
		data["template_ids"] = result.TemplateIDs
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": data})
}

func (s *HTTPServer) handlePropose(w http.ResponseWriter, r *http.Request, userID, canvasID string) {
	var body struct {
		Cards []ProposeCardInput `json:"cards"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidArgument, err.Error(), nil)
		return
	}
	result, err := s.service.ProposeCards(r.Context(), userID, canvasID, body.Cards)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"data": map[string]any{
			"created_card_ids": result.CreatedCardIDs,
			"coerced":          result.Coerced,
			"version":          result.Version,
			"phase":            result.Phase,
		},
	})
}

// requireUser resolves the acting user from a bearer token or the
// X-Myon-User header. Token verification lives at the gateway; this service
// trusts the forwarded identity.
func (s *HTTPServer) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := bearerToken(r)
	if userID == "" {
		userID = strings.TrimSpace(r.Header.Get("X-Myon-User"))
	}
	if userID == "" {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
		return "", false
	}
	return userID, true
}

// requireAgent gates the proposal endpoint on a shared agent token and still
// needs a user to act on behalf of.
func (s *HTTPServer) requireAgent(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := strings.TrimSpace(r.Header.Get("X-Myon-Agent-Token"))
	if s.agentToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.agentToken)) != 1 {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
		return "", false
	}
	userID := strings.TrimSpace(r.Header.Get("X-Myon-User"))
	if userID == "" {
		userID = bearerToken(r)
	}
	if userID == "" {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
		return "", false
	}
	return userID, true
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status == http.StatusInternalServerError {
		log.Printf("internal error: %v", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Myon-User, X-Myon-Agent-Token")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	errorBody := map[string]any{
		"code":    code,
		"message": message,
	}
	if details != nil {
		errorBody["details"] = details
	}
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   errorBody,
	})
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, CodeNotFound, "Not found", nil
	}
	return http.StatusInternalServerError, CodeInternal, "Server error", nil
}
