package app

import (
	"context"
	"crypto/rand"
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

	"synapse/api/internal/search"
	"synapse/api/internal/store"
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
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/healthz" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/readyz" {
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

	if r.Method == http.MethodPost && r.URL.Path == "/publish" {
		s.handlePublish(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/review" {
		s.handleReview(w, r)
		return
	}

	if r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/integrate/") {
		paperID := strings.TrimPrefix(r.URL.Path, "/integrate/")
		if paperID == "" {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		s.handleIntegrate(w, r, paperID)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/broadcast" {
		s.handleBroadcast(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/sync" {
		s.handleSync(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/claims/search" {
		s.handleClaimSearch(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/graph/stats" {
		stats, err := s.service.GraphStats(r.Context())
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/graph/edges" {
		about := strings.TrimSpace(r.URL.Query().Get("about"))
		if about == "" {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "Query parameter about is required", nil)
			return
		}
		edges, err := s.service.ListEdgesAbout(r.Context(), about)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"edges": edges})
		return
	}

	if r.Method == http.MethodGet {
		segments := splitPath(r.URL.Path)
		switch {
		case len(segments) == 1 && segments[0] == "papers":
			papers, err := s.service.ListPapers(r.Context())
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"papers": papers})
			return
		case len(segments) == 2 && segments[0] == "papers":
			paper, err := s.service.GetPaper(r.Context(), segments[1])
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, paper)
			return
		case len(segments) == 3 && segments[0] == "papers" && segments[2] == "reviews":
			reviews, err := s.service.ListReviews(r.Context(), segments[1])
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"reviews": reviews})
			return
		case len(segments) == 3 && segments[0] == "papers" && segments[2] == "provenance":
			limit := queryInt(r, "limit", 0)
			history, err := s.service.PaperProvenance(r.Context(), segments[1], limit)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"commits": history})
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handlePublish(w http.ResponseWriter, r *http.Request) {
	var paper store.Paper
	if err := decodeBody(r, &paper); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	ack, err := s.service.PublishPaper(r.Context(), paper)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ack)
}

func (s *HTTPServer) handleReview(w http.ResponseWriter, r *http.Request) {
	var input ReviewInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	ack, err := s.service.SubmitReview(r.Context(), input)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (s *HTTPServer) handleIntegrate(w http.ResponseWriter, r *http.Request, paperID string) {
	result, err := s.service.Integrate(r.Context(), paperID, r.Header.Get("X-API-Key"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var input BroadcastInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	event, err := s.service.Broadcast(r.Context(), input)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queued": true, "id": event.ID})
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	events, err := s.service.SyncEvents(r.Context(), r.URL.Query().Get("since"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *HTTPServer) handleClaimSearch(w http.ResponseWriter, r *http.Request) {
	query := search.Query{
		Text:        strings.TrimSpace(r.URL.Query().Get("q")),
		FilterTopic: strings.TrimSpace(r.URL.Query().Get("topic")),
		Limit:       queryInt(r, "limit", 20),
		Offset:      queryInt(r, "offset", 0),
	}
	switch r.URL.Query().Get("type") {
	case "":
	case "claim":
		query.FilterType = search.ResultClaim
	case "paper":
		query.FilterType = search.ResultPaper
	default:
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "type must be claim or paper", nil)
		return
	}

	writeJSON(w, http.StatusOK, s.service.SearchClaims(query))
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
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
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

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, key string, fallback int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
