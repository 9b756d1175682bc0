package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"chat-client/internal/domain"
)

const (
	defaultThreadsPath = "/threads"
	defaultMessagePath = "/question"

	maxBodyBytes  = 1 << 20
	maxErrorBytes = 4096
)

var errBodyTooLarge = errors.New("assistant: response body too large")

// AuthScheme selects how the credential is attached to outgoing requests.
type AuthScheme string

const (
	AuthBearer AuthScheme = "bearer"
	AuthAPIKey AuthScheme = "api-key"
)

// TokenSource supplies the credential for a single request. It is consulted
// on every call so a refreshed token takes effect immediately.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type createThreadRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type threadResponse struct {
	ID        string         `json:"id"`
	CreatedAt string         `json:"createdAt"`
	Metadata  map[string]any `json:"metadata"`
	Data      *struct {
		ID        string         `json:"id"`
		CreatedAt string         `json:"createdAt"`
		Metadata  map[string]any `json:"metadata"`
	} `json:"data"`
}

type sendMessageRequest struct {
	ThreadID string `json:"threadId"`
	Question string `json:"question"`
}

// HTTPStatusError captures non-2xx responses from the assistant service.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("assistant: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client talks to the remote assistant service.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	tokens      TokenSource
	threadsPath string
	messagePath string
	authScheme  AuthScheme
	logger      *slog.Logger
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithThreadsPath overrides the thread endpoint, e.g. "/assistant/threads".
func WithThreadsPath(p string) Option {
	return func(c *Client) {
		if p = strings.TrimSpace(p); p != "" {
			c.threadsPath = p
		}
	}
}

// WithMessagePath overrides the send endpoint, e.g. "/assistant/chat".
func WithMessagePath(p string) Option {
	return func(c *Client) {
		if p = strings.TrimSpace(p); p != "" {
			c.messagePath = p
		}
	}
}

func WithAuthScheme(scheme AuthScheme) Option {
	return func(c *Client) {
		c.authScheme = scheme
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a Client. The base URL must be set through WithBaseURL.
func NewClient(tokens TokenSource, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("assistant: token source must not be nil")
	}
	c := &Client{
		tokens:      tokens,
		threadsPath: defaultThreadsPath,
		messagePath: defaultMessagePath,
		authScheme:  AuthBearer,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.baseURL == "" {
		return nil, errors.New("assistant: base URL must not be empty")
	}
	if _, err := url.Parse(c.baseURL); err != nil {
		return nil, fmt.Errorf("assistant: parse base URL: %w", err)
	}
	switch c.authScheme {
	case AuthBearer, AuthAPIKey:
	default:
		return nil, fmt.Errorf("assistant: unsupported auth scheme %q", c.authScheme)
	}
	if c.httpClient == nil {
		c.httpClient = NewHTTPClient(0, c.logger)
	}
	return c, nil
}

// CreateThread asks the service for a new thread.
func (c *Client) CreateThread(ctx context.Context, title, description string) (domain.ThreadDescriptor, error) {
	body, err := json.Marshal(createThreadRequest{Title: title, Description: description})
	if err != nil {
		return domain.ThreadDescriptor{}, domain.NewError(domain.ErrorThreadCreation, "marshal_request", err)
	}

	raw, err := c.do(ctx, http.MethodPost, c.threadsPath, body)
	if err != nil {
		return domain.ThreadDescriptor{}, domain.NewError(domain.ErrorThreadCreation, failureReason(err), err)
	}

	var payload threadResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.ThreadDescriptor{}, domain.NewError(domain.ErrorThreadCreation, "malformed_response", fmt.Errorf("assistant: decode thread: %w", err))
	}
	thread := domain.ThreadDescriptor{ID: payload.ID, CreatedAt: payload.CreatedAt, Metadata: payload.Metadata}
	if thread.ID == "" && payload.Data != nil {
		thread = domain.ThreadDescriptor{ID: payload.Data.ID, CreatedAt: payload.Data.CreatedAt, Metadata: payload.Data.Metadata}
	}
	if thread.ID == "" {
		return domain.ThreadDescriptor{}, domain.NewError(domain.ErrorThreadCreation, "missing_thread_id", nil)
	}
	return thread, nil
}

// SendMessage posts a user message to a thread and returns the raw response
// body. Decoding is left to the caller.
func (c *Client) SendMessage(ctx context.Context, threadID, text string) ([]byte, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, domain.NewError(domain.ErrorMessageSend, "missing_thread_id", nil)
	}
	body, err := json.Marshal(sendMessageRequest{ThreadID: threadID, Question: text})
	if err != nil {
		return nil, domain.NewError(domain.ErrorMessageSend, "marshal_request", err)
	}

	raw, err := c.do(ctx, http.MethodPost, c.messagePath, body)
	if err != nil {
		return nil, domain.NewError(domain.ErrorMessageSend, failureReason(err), err)
	}
	return raw, nil
}

// ListThreads returns the threads known to the service for the current user.
func (c *Client) ListThreads(ctx context.Context) ([]domain.ThreadSummary, error) {
	raw, err := c.do(ctx, http.MethodGet, c.threadsPath, nil)
	if err != nil {
		return nil, domain.NewError(domain.ErrorRemoteFetch, failureReason(err), err)
	}

	var threads []domain.ThreadSummary
	if err := decodeList(raw, &threads); err != nil {
		return nil, domain.NewError(domain.ErrorRemoteFetch, "malformed_response", fmt.Errorf("assistant: decode threads: %w", err))
	}
	return threads, nil
}

// ListMessages returns the raw message records of a thread, oldest first.
func (c *Client) ListMessages(ctx context.Context, threadID string) ([]json.RawMessage, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, domain.NewError(domain.ErrorRemoteFetch, "missing_thread_id", nil)
	}
	raw, err := c.do(ctx, http.MethodGet, strings.TrimRight(c.threadsPath, "/")+"/"+url.PathEscape(threadID)+"/messages", nil)
	if err != nil {
		return nil, domain.NewError(domain.ErrorRemoteFetch, failureReason(err), err)
	}

	var records []json.RawMessage
	if err := decodeList(raw, &records); err != nil {
		return nil, domain.NewError(domain.ErrorRemoteFetch, "malformed_response", fmt.Errorf("assistant: decode messages: %w", err))
	}
	return records, nil
}

// decodeList accepts either a bare JSON array or one wrapped in {"data": [...]}.
func decodeList(raw []byte, out any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return err
		}
		if len(envelope.Data) == 0 {
			return errors.New("missing data field")
		}
		trimmed = envelope.Data
	}
	return json.Unmarshal(trimmed, out)
}

func (c *Client) endpoint(p string) string {
	base := strings.TrimRight(c.baseURL, "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return base + p
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("assistant: resolve token: %w", err)
	}

	endpoint := c.endpoint(path)
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("assistant: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req, token)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBytes))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        endpoint,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if len(buf) > maxBodyBytes {
		return nil, fmt.Errorf("%w: more than %d bytes from %s", errBodyTooLarge, maxBodyBytes, endpoint)
	}
	return buf, nil
}

// authorize attaches the credential. An empty token sends the request
// unauthenticated and lets the service decide.
func (c *Client) authorize(req *http.Request, token string) {
	if token == "" {
		return
	}
	switch c.authScheme {
	case AuthAPIKey:
		req.Header.Set("x-api-key", token)
	default:
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func failureReason(err error) string {
	if errors.Is(err, errBodyTooLarge) {
		return "body_too_large"
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode == http.StatusTooManyRequests {
			return "rate_limited"
		}
		return "unexpected_status"
	}
	return "transport_error"
}
