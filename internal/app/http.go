package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"docket/internal/auth"
	"docket/internal/authpw"
	"docket/internal/export"
	"docket/internal/workflow"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
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
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Token endpoint: the one route that takes form encoding, and the only
	// mutating route without a bearer token.
	if r.Method == http.MethodPost && r.URL.Path == "/token" {
		s.handleToken(w, r)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/events" {
		s.handleEvents(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/documents" {
		status := strings.TrimSpace(r.URL.Query().Get("status"))
		items, err := s.service.ListDocuments(r.Context(), status)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": items})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/documents" {
		var body struct {
			Filename      string     `json:"filename"`
			Filetype      string     `json:"filetype"`
			Title         string     `json:"title"`
			Priority      string     `json:"priority"`
			Content       []byte     `json:"content"`
			DateReviewDue *time.Time `json:"date_review_due"`
			Notes         string     `json:"notes"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateDocument(r.Context(), session, CreateDocumentInput{
			Filename:      body.Filename,
			Filetype:      body.Filetype,
			Title:         body.Title,
			Priority:      body.Priority,
			Content:       body.Content,
			DateReviewDue: body.DateReviewDue,
			Notes:         body.Notes,
		})
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"document": payload})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/clauses" {
		domain := strings.TrimSpace(r.URL.Query().Get("domain"))
		items, err := s.service.ListClauses(r.Context(), domain)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"clauses": items})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/chat" {
		s.handleChat(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/compliance" {
		var body struct {
			DocumentID string `json:"document_id"`
			Domain     string `json:"domain"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		report, err := s.service.CheckCompliance(r.Context(), body.DocumentID, body.Domain)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/compliance/export" {
		var body struct {
			DocumentID string `json:"document_id"`
			Domain     string `json:"domain"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.ExportCompliance(r.Context(), body.DocumentID, body.Domain)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		w.Header().Set("Content-Disposition", "attachment; filename=\""+result.Filename+"\"")
		w.Header().Set("Content-Type", result.MimeType)
		w.Write(result.Data)
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 2 && parts[0] == "users" && r.Method == http.MethodGet {
		payload, err := s.service.GetUser(r.Context(), parts[1])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) == 3 && parts[0] == "users" && parts[1] == "email" && r.Method == http.MethodGet {
		payload, err := s.service.GetUserByEmail(r.Context(), parts[2])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) >= 2 && parts[0] == "documents" {
		s.handleDocuments(w, r, session, parts[1], parts)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, session Session, documentID string, parts []string) {
	if len(parts) == 2 && r.Method == http.MethodGet {
		payload, err := s.service.GetDocument(r.Context(), documentID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"document": payload})
		return
	}

	if len(parts) == 2 && r.Method == http.MethodPut {
		var body struct {
			Status         *string `json:"status"`
			Content        []byte  `json:"content"`
			Notes          *string `json:"notes"`
			ChangesSummary *string `json:"changes_summary"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.SaveDocument(r.Context(), session, documentID, SaveDocumentInput{
			Status:         body.Status,
			Content:        body.Content,
			Notes:          body.Notes,
			ChangesSummary: body.ChangesSummary,
		})
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"document":         result.Document,
			"already_approved": result.AlreadyApproved,
		})
		return
	}

	if len(parts) == 3 && parts[2] == "approvers" && r.Method == http.MethodPost {
		var body struct {
			ApproverIDs []string `json:"approver_ids"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.AssignApprovers(r.Context(), documentID, body.ApproverIDs)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"document": payload})
		return
	}

	if len(parts) == 3 && parts[2] == "history" && r.Method == http.MethodGet {
		limit := 50
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				limit = parsed
			}
		}
		commits, err := s.service.DocumentHistory(r.Context(), documentID, limit)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"commits": commits})
		return
	}

	if len(parts) == 3 && parts[2] == "source" && r.Method == http.MethodGet {
		reader, filename, contentType, err := s.service.GetSourceFile(r.Context(), documentID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		defer reader.Close()
		w.Header().Set("Content-Disposition", "attachment; filename=\""+filename+"\"")
		w.Header().Set("Content-Type", contentType)
		_, _ = io.Copy(w, reader)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid form body", nil)
		return
	}
	username := strings.TrimSpace(r.PostFormValue("username"))
	password := r.PostFormValue("password")
	if username == "" || password == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "username and password are required", nil)
		return
	}

	token, expiresIn, err := s.service.IssueToken(r.Context(), username, password)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   expiresIn,
	})
}

// handleEvents serves the push channel: one SSE stream of document_updated
// events. Delivery is best effort; clients that fall behind miss events and
// reconcile via re-fetch.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Streaming unsupported", nil)
		return
	}

	events, cancel := s.service.Hub().Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// handleChat proxies the streaming generation as raw text chunks in arrival
// order.
func (s *HTTPServer) handleChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query      string `json:"query"`
		DocumentID string `json:"document_id"`
		Filetype   string `json:"filetype"`
		TopK       int    `json:"top_k"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	chunks, err := s.service.ChatStream(r.Context(), ChatInput{
		Query:      body.Query,
		DocumentID: body.DocumentID,
		Filetype:   body.Filetype,
		TopK:       body.TopK,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Streaming unsupported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	for chunk := range chunks {
		if chunk.Err != nil {
			log.Printf("chat stream aborted: %v", chunk.Err)
			return
		}
		if chunk.Text != "" {
			if _, err := io.WriteString(w, chunk.Text); err != nil {
				return
			}
			flusher.Flush()
		}
		if chunk.Done {
			return
		}
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" && r.URL.Path == "/events" {
		// EventSource cannot set headers; the push channel accepts the
		// token as a query parameter.
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	return session, true
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

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil
	}
	if errors.Is(err, workflow.ErrPolicyViolation) {
		return http.StatusForbidden, "POLICY_VIOLATION", err.Error(), nil
	}
	if errors.Is(err, workflow.ErrPreconditionFailed) {
		return http.StatusUnprocessableEntity, "PRECONDITION_FAILED", err.Error(), nil
	}
	if errors.Is(err, export.ErrPDFDependencyMissing) {
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export dependency missing", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
