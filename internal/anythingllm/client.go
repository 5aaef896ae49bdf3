package anythingllm

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

var (
	ErrServiceUnavailable    = errors.New("service unavailable")
	ErrCreationFailed        = errors.New("workspace creation failed")
	ErrUploadFailed          = errors.New("document upload failed")
	ErrEmbeddingUpdateFailed = errors.New("embedding update failed")
	ErrDeleteFailed          = errors.New("document delete failed")
	ErrChatFailed            = errors.New("chat failed")
	ErrResetFailed           = errors.New("chat reset failed")
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err carries a 404 from the remote service.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}

type WorkspaceSummary struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type WorkspaceDocument struct {
	DocPath string `json:"docpath"`
}

type ChatSource struct {
	Title string `json:"title"`
	Chunk string `json:"chunk,omitempty"`
}

type ChatResponse struct {
	TextResponse string       `json:"textResponse"`
	Sources      []ChatSource `json:"sources,omitempty"`
	ChartURL     string       `json:"-"`
}

// WorkspaceConfig is the full configuration applied atomically when a
// workspace is created. The remote service has no later configure step, so a
// partially configured workspace is never observable.
type WorkspaceConfig struct {
	SimilarityThreshold float64
	Temperature         float64
	ChatHistory         int
	SystemPrompt        string
	RefusalResponse     string
	ChatMode            string
	TopN                int
	MaxTokens           int
}

func DefaultWorkspaceConfig() WorkspaceConfig {
	return WorkspaceConfig{
		SimilarityThreshold: 0.50,
		Temperature:         0.7,
		ChatHistory:         20,
		SystemPrompt: "You are the executive assistant for this workspace. " +
			"Base every answer on the documents embedded here, cross-reference them when useful, " +
			"and state the origin of the figures you report. If the embedded data is insufficient, say so.",
		RefusalResponse: "I don't have enough data in this workspace to answer that. Can I help with something else?",
		ChatMode:        "chat",
		TopN:            5,
		MaxTokens:       4096,
	}
}

type ClientOptions struct {
	BaseURL         string
	Token           string
	WorkspacePrefix string
	Config          WorkspaceConfig
	HTTPClient      *http.Client
	ShortTimeout    time.Duration
	LongTimeout     time.Duration
}

// Client is a typed wrapper around the remote vector-document service. It is a
// pure I/O adapter: every method is a single bounded network call, and retry
// policy belongs to the caller.
type Client struct {
	baseURL         string
	token           string
	workspacePrefix string
	config          WorkspaceConfig
	httpClient      *http.Client
	shortTimeout    time.Duration
	longTimeout     time.Duration
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:3001/api"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// Certificate validation is disabled by deployment policy: the
		// service is reachable only inside the trust boundary.
		httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		}
	}
	shortTimeout := opts.ShortTimeout
	if shortTimeout <= 0 {
		shortTimeout = 10 * time.Second
	}
	longTimeout := opts.LongTimeout
	if longTimeout <= 0 {
		longTimeout = 10 * time.Minute
	}
	prefix := strings.TrimSpace(opts.WorkspacePrefix)
	if prefix == "" {
		prefix = "chat-user-"
	}
	config := opts.Config
	if config == (WorkspaceConfig{}) {
		config = DefaultWorkspaceConfig()
	}
	return &Client{
		baseURL:         baseURL,
		token:           strings.TrimSpace(opts.Token),
		workspacePrefix: prefix,
		config:          config,
		httpClient:      httpClient,
		shortTimeout:    shortTimeout,
		longTimeout:     longTimeout,
	}
}

// WorkspaceName derives the deterministic workspace name for an owner key.
func (c *Client) WorkspaceName(ownerKey string) string {
	return c.workspacePrefix + strings.TrimSpace(ownerKey)
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.doJSON(ctx, http.MethodGet, "/v1/system", nil, nil, c.shortTimeout); err != nil {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	return nil
}

func (c *Client) ListWorkspaces(ctx context.Context) ([]WorkspaceSummary, error) {
	var out struct {
		Workspaces []WorkspaceSummary `json:"workspaces"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/workspaces", nil, &out, c.shortTimeout); err != nil {
		return nil, fmt.Errorf("%w: list workspaces: %v", ErrServiceUnavailable, err)
	}
	return out.Workspaces, nil
}

func (c *Client) CreateWorkspace(ctx context.Context, ownerKey string) (string, error) {
	payload := map[string]any{
		"name":                 c.WorkspaceName(ownerKey),
		"similarityThreshold":  c.config.SimilarityThreshold,
		"openAiTemp":           c.config.Temperature,
		"openAiHistory":        c.config.ChatHistory,
		"openAiPrompt":         c.config.SystemPrompt,
		"queryRefusalResponse": c.config.RefusalResponse,
		"chatMode":             c.config.ChatMode,
		"topN":                 c.config.TopN,
		"temperature":          c.config.Temperature,
		"max_tokens":           c.config.MaxTokens,
	}
	var out struct {
		Slug string `json:"slug"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/workspace/new", payload, &out, c.shortTimeout); err != nil {
		return "", fmt.Errorf("%w: owner %s: %v", ErrCreationFailed, ownerKey, err)
	}
	if strings.TrimSpace(out.Slug) == "" {
		return "", fmt.Errorf("%w: owner %s: response missing slug", ErrCreationFailed, ownerKey)
	}
	return out.Slug, nil
}

// GetOrCreateWorkspace matches an existing workspace by the deterministic name
// derived from ownerKey, creating one when absent. Safe to call repeatedly for
// the same owner observed sequentially.
func (c *Client) GetOrCreateWorkspace(ctx context.Context, ownerKey string) (string, error) {
	workspaces, err := c.ListWorkspaces(ctx)
	if err != nil {
		return "", err
	}
	name := c.WorkspaceName(ownerKey)
	for _, ws := range workspaces {
		if ws.Name == name {
			return ws.Slug, nil
		}
	}
	return c.CreateWorkspace(ctx, ownerKey)
}

func (c *Client) ListWorkspaceDocuments(ctx context.Context, slug string) ([]WorkspaceDocument, error) {
	var out struct {
		Documents []WorkspaceDocument `json:"documents"`
	}
	path := fmt.Sprintf("/v1/workspace/%s/documents", url.PathEscape(slug))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out, c.shortTimeout); err != nil {
		return nil, fmt.Errorf("%w: workspace %s documents: %v", ErrServiceUnavailable, slug, err)
	}
	return out.Documents, nil
}

// ListAllDocuments returns the locations of every document in the service's
// global catalog, independent of workspace membership.
func (c *Client) ListAllDocuments(ctx context.Context) ([]string, error) {
	var out struct {
		Documents map[string]json.RawMessage `json:"documents"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/documents", nil, &out, c.shortTimeout); err != nil {
		return nil, fmt.Errorf("%w: global catalog: %v", ErrServiceUnavailable, err)
	}
	locations := make([]string, 0, len(out.Documents))
	for location := range out.Documents {
		locations = append(locations, location)
	}
	return locations, nil
}

func (c *Client) UploadDocument(ctx context.Context, content []byte, name string) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUploadFailed, name, err)
	}
	if _, err := part.Write(content); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUploadFailed, name, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUploadFailed, name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.longTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/document/upload", &buf)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUploadFailed, name, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUploadFailed, name, err)
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUploadFailed, name, readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: %s: %v", ErrUploadFailed, name, newHTTPError(resp.StatusCode, body))
	}
	var out struct {
		Documents []struct {
			Location string `json:"location"`
		} `json:"documents"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUploadFailed, name, err)
	}
	if len(out.Documents) == 0 || strings.TrimSpace(out.Documents[0].Location) == "" {
		return "", fmt.Errorf("%w: %s: response missing location", ErrUploadFailed, name)
	}
	return out.Documents[0].Location, nil
}

// UpdateEmbeddings adds and/or removes document locations from a workspace's
// embedded set. A call with both lists empty is a successful no-op.
func (c *Client) UpdateEmbeddings(ctx context.Context, slug string, adds, removes []string) error {
	if len(adds) == 0 && len(removes) == 0 {
		return nil
	}
	payload := map[string]any{}
	if len(adds) > 0 {
		payload["adds"] = adds
	}
	if len(removes) > 0 {
		payload["removes"] = removes
	}
	path := fmt.Sprintf("/v1/workspace/%s/update-embeddings", url.PathEscape(slug))
	if err := c.doJSON(ctx, http.MethodPost, path, payload, nil, c.longTimeout); err != nil {
		return fmt.Errorf("%w: workspace %s: %v", ErrEmbeddingUpdateFailed, slug, err)
	}
	return nil
}

// DeleteDocument removes a document from the global catalog entirely. It does
// not touch workspace embedding lists; callers unembed first.
func (c *Client) DeleteDocument(ctx context.Context, location string) error {
	payload := map[string]any{"location": location}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/document/delete", payload, nil, c.shortTimeout); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDeleteFailed, location, err)
	}
	return nil
}

var chartURLPattern = regexp.MustCompile(`https://quickchart\.io/chart\?c=[^\s)]+`)
var chartMarkdownPattern = regexp.MustCompile(`!\[[^\]]*\]\(https://quickchart\.io/chart\?c=[^\s)]+\)`)

func (c *Client) SendChat(ctx context.Context, slug, sessionID, text string) (ChatResponse, error) {
	payload := map[string]any{
		"message":     text,
		"mode":        c.config.ChatMode,
		"sessionId":   sessionID,
		"attachments": []any{},
	}
	var out struct {
		TextResponse string       `json:"textResponse"`
		Sources      []ChatSource `json:"sources"`
		Chart        struct {
			URL string `json:"url"`
		} `json:"chart"`
	}
	path := fmt.Sprintf("/v1/workspace/%s/chat", url.PathEscape(slug))
	if err := c.doJSON(ctx, http.MethodPost, path, payload, &out, c.longTimeout); err != nil {
		return ChatResponse{}, fmt.Errorf("%w: workspace %s session %s: %v", ErrChatFailed, slug, sessionID, err)
	}
	resp := ChatResponse{
		TextResponse: out.TextResponse,
		Sources:      out.Sources,
		ChartURL:     strings.TrimSpace(out.Chart.URL),
	}
	// Some model responses inline the chart URL instead of filling the
	// structured field; recover it and strip the markdown image.
	if resp.ChartURL == "" {
		if match := chartURLPattern.FindString(resp.TextResponse); match != "" {
			resp.ChartURL = match
			resp.TextResponse = strings.TrimSpace(chartMarkdownPattern.ReplaceAllString(resp.TextResponse, ""))
		}
	}
	return resp, nil
}

func (c *Client) ResetChat(ctx context.Context, slug, sessionID string) error {
	payload := map[string]any{"sessionId": sessionID}
	path := fmt.Sprintf("/v1/workspace/%s/chat/reset", url.PathEscape(slug))
	if err := c.doJSON(ctx, http.MethodPost, path, payload, nil, c.shortTimeout); err != nil {
		return fmt.Errorf("%w: session %s: %v", ErrResetFailed, sessionID, err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any, timeout time.Duration) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	payloadBytes, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payloadBytes) == 0 {
			return nil
		}
		return json.Unmarshal(payloadBytes, out)
	}
	return newHTTPError(resp.StatusCode, payloadBytes)
}

func newHTTPError(status int, body []byte) *HTTPError {
	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(body, &errPayload)
	message := errPayload.Message
	if message == "" {
		message = errPayload.Error
	}
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	return &HTTPError{
		StatusCode: status,
		Code:       errPayload.Code,
		Message:    message,
	}
}
