package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/amarelo/workspacebot/internal/anythingllm"
	"github.com/amarelo/workspacebot/internal/workspacebot"
)

type ServerConfig struct {
	APIToken        string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// ChartClient fetches repaired chart URLs so replies can carry the
	// rendered image alongside the link. Defaults to a 30s-timeout client.
	ChartClient *http.Client
}

// Server is the HTTP surface chat frontends talk to. Every route except
// /health requires the static bearer token.
type Server struct {
	engine      *workspacebot.Engine
	cfg         ServerConfig
	rateLimiter *rateLimiter
	chartClient *http.Client
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(engine *workspacebot.Engine, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 20 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	chartClient := cfg.ChartClient
	if chartClient == nil {
		chartClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Server{
		engine:      engine,
		cfg:         cfg,
		rateLimiter: limiter,
		chartClient: chartClient,
	}
}

type identityRequest struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

func (r identityRequest) identity() workspacebot.Identity {
	return workspacebot.Identity{UserKey: strings.TrimSpace(r.UserID), DisplayName: strings.TrimSpace(r.DisplayName)}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.APIToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}

	switch {
	case r.URL.Path == "/v1/events/message" && r.Method == http.MethodPost:
		s.handleMessage(w, r)
	case r.URL.Path == "/v1/events/file" && r.Method == http.MethodPost:
		s.handleFileUpload(w, r)
	case r.URL.Path == "/v1/commands/sync" && r.Method == http.MethodPost:
		s.handleSync(w, r)
	case r.URL.Path == "/v1/commands/new-thread" && r.Method == http.MethodPost:
		s.handleNewThread(w, r)
	case r.URL.Path == "/v1/commands/threads" && r.Method == http.MethodPost:
		s.handleThreads(w, r)
	case r.URL.Path == "/v1/commands/switch-thread" && r.Method == http.MethodPost:
		s.handleSwitchThread(w, r)
	case r.URL.Path == "/v1/commands/reset" && r.Method == http.MethodPost:
		s.handleReset(w, r)
	case r.URL.Path == "/v1/commands/remove" && r.Method == http.MethodPost:
		s.handleDetach(w, r, false)
	case r.URL.Path == "/v1/commands/delete" && r.Method == http.MethodPost:
		s.handleDetach(w, r, true)
	case r.URL.Path == "/v1/documents" && r.Method == http.MethodGet:
		s.handleDocuments(w, r)
	case r.URL.Path == "/v1/tasks/ws" && r.Method == http.MethodGet:
		s.handleTaskStream(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		identityRequest
		Text string `json:"text"`
	}
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	if req.identity().UserKey == "" || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "userId and text are required")
		return
	}
	if !s.allow(w, req.identity().UserKey) {
		return
	}
	reply, err := s.engine.HandleMessage(r.Context(), req.identity(), req.Text)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	resp := messageResponse{Reply: reply}
	if reply.ChartURL != "" {
		resp.ChartImage = s.fetchChartImage(r.Context(), reply.ChartURL)
	}
	writeJSON(w, http.StatusOK, resp)
}

type messageResponse struct {
	workspacebot.Reply
	ChartImage string `json:"chartImage,omitempty"`
}

// fetchChartImage renders the chart link into image bytes. Failures leave the
// reply with the URL only.
func (s *Server) fetchChartImage(ctx context.Context, chartURL string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, chartURL, nil)
	if err != nil {
		return ""
	}
	resp, err := s.chartClient.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

func (s *Server) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxBodyBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "file exceeds configured limit")
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", "invalid multipart body")
		return
	}
	id := identityRequest{
		UserID:      r.FormValue("userId"),
		DisplayName: r.FormValue("displayName"),
	}
	if id.identity().UserKey == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "userId is required")
		return
	}
	if !s.allow(w, id.identity().UserKey) {
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "file part is required")
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read file part")
		return
	}
	taskID, err := s.engine.SubmitAddFile(r.Context(), id.identity(), header.Filename, content)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": taskID})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	if req.identity().UserKey == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "userId is required")
		return
	}
	if !s.allow(w, req.identity().UserKey) {
		return
	}
	taskID, err := s.engine.SubmitFullResync(r.Context(), req.identity())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": taskID})
}

func (s *Server) handleNewThread(w http.ResponseWriter, r *http.Request) {
	var req struct {
		identityRequest
		Name string `json:"name"`
	}
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	if req.identity().UserKey == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "userId is required")
		return
	}
	thread, err := s.engine.NewThread(req.identity(), req.Name)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, thread)
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	session, err := s.engine.Threads(req.identity())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"activeThread": session.ActiveThread,
		"threads":      session.Threads,
	})
}

func (s *Server) handleSwitchThread(w http.ResponseWriter, r *http.Request) {
	var req struct {
		identityRequest
		Thread string `json:"thread"`
	}
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	if req.identity().UserKey == "" || strings.TrimSpace(req.Thread) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "userId and thread are required")
		return
	}
	thread, err := s.engine.SwitchThread(req.identity(), req.Thread)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	if err := s.engine.ResetConversation(r.Context(), req.identity()); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request, purge bool) {
	var req struct {
		identityRequest
		Name string `json:"name"`
	}
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	if req.identity().UserKey == "" || strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "userId and name are required")
		return
	}
	var taskID string
	var err error
	if purge {
		taskID, err = s.engine.SubmitDeleteFile(req.identity(), req.Name)
	} else {
		taskID, err = s.engine.SubmitRemoveFile(req.identity(), req.Name)
	}
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": taskID})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "userId query parameter is required")
		return
	}
	files, embedded, err := s.engine.ListDocuments(r.Context(), workspacebot.Identity{UserKey: userID})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"files":    files,
		"embedded": embedded,
	})
}

func (s *Server) allow(w http.ResponseWriter, userID string) bool {
	if s.rateLimiter == nil {
		return true
	}
	if s.rateLimiter.allow(userID, time.Now().UTC()) {
		return true
	}
	retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
	return false
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workspacebot.ErrMalformedInput):
		writeError(w, http.StatusBadRequest, "malformed_input", err.Error())
	case errors.Is(err, workspacebot.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, workspacebot.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, workspacebot.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, "queue_full", "task queue is full, retry later")
	case errors.Is(err, workspacebot.ErrQueueClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "service is shutting down")
	case errors.Is(err, anythingllm.ErrServiceUnavailable):
		writeError(w, http.StatusServiceUnavailable, "upstream_unavailable", err.Error())
	default:
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
	}
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
