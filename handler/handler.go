package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"chat-client/internal/credentials"
	"chat-client/internal/domain"
	"chat-client/internal/session"
)

const (
	correlationHeader = "X-Correlation-Id"

	codeNotFound         = "NOT_FOUND"
	codeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	codeUnauthenticated  = "UNAUTHENTICATED"
	codeInternal         = "INTERNAL_ERROR"
)

// SessionAPI is the part of *session.Session the routes drive.
type SessionAPI interface {
	ListConversations(ctx context.Context) ([]domain.Conversation, error)
	Current() *domain.Conversation
	SetCurrent(ctx context.Context, id string)
	CreateConversation(ctx context.Context, title string) domain.Conversation
	SendMessage(ctx context.Context, text string) (session.SendResult, error)
	Rename(ctx context.Context, id, title string)
	Delete(ctx context.Context, id string)
	Hydrate(ctx context.Context, id string) (domain.Conversation, error)
}

// IdentityFunc resolves the user behind the current credential.
type IdentityFunc func(ctx context.Context) (credentials.User, error)

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type Handler struct {
	session  SessionAPI
	identity IdentityFunc
	logger   *slog.Logger
}

type Option func(*Handler)

func WithIdentity(fn IdentityFunc) Option {
	return func(h *Handler) {
		h.identity = fn
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

type createRequest struct {
	Title string `json:"title"`
}

type selectRequest struct {
	ID string `json:"id"`
}

type renameRequest struct {
	Title string `json:"title"`
}

type sendRequest struct {
	Text string `json:"text"`
}

type sendResponse struct {
	Status      session.SendStatus `json:"status"`
	UserMessage *domain.Message    `json:"userMessage,omitempty"`
	Reply       *domain.Message    `json:"reply,omitempty"`
}

type listResponse struct {
	Conversations []domain.Conversation `json:"conversations"`
}

type errorResponse struct {
	Error       string          `json:"error"`
	Reason      string          `json:"reason,omitempty"`
	UserMessage *domain.Message `json:"userMessage,omitempty"`
}

func NewHandler(s SessionAPI, opts ...Option) (*Handler, error) {
	if s == nil {
		return nil, errors.New("handler: session must not be nil")
	}
	h := &Handler{session: s, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle routes an API Gateway proxy event onto the session.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := h.logger.With("correlationId", correlationID)

	status, body := h.route(ctx, logger, req)
	logger.Info("request handled", "method", req.HTTPMethod, "path", req.Path, "status", status)

	resp := events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
	}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			logger.Error("failed to encode response", "err", err)
			resp.StatusCode = http.StatusInternalServerError
			raw = []byte(`{"error":"` + codeInternal + `"}`)
		}
		resp.Body = string(raw)
	}
	return resp, nil
}

func (h *Handler) route(ctx context.Context, logger *slog.Logger, req events.APIGatewayProxyRequest) (int, any) {
	segments := strings.Split(strings.Trim(req.Path, "/"), "/")
	method := req.HTTPMethod

	switch {
	case len(segments) == 1 && segments[0] == "conversations":
		switch method {
		case http.MethodGet:
			return h.list(ctx, logger)
		case http.MethodPost:
			var in createRequest
			if err := decodeBody(req.Body, &in, true); err != nil {
				return invalid(err)
			}
			return http.StatusCreated, h.session.CreateConversation(ctx, in.Title)
		}
	case len(segments) == 2 && segments[0] == "conversations" && segments[1] == "current":
		switch method {
		case http.MethodGet:
			return current(h.session.Current())
		case http.MethodPut:
			var in selectRequest
			if err := decodeBody(req.Body, &in, false); err != nil {
				return invalid(err)
			}
			h.session.SetCurrent(ctx, in.ID)
			return current(h.session.Current())
		}
	case len(segments) == 2 && segments[0] == "conversations":
		id := segments[1]
		switch method {
		case http.MethodPatch:
			var in renameRequest
			if err := decodeBody(req.Body, &in, false); err != nil {
				return invalid(err)
			}
			if strings.TrimSpace(in.Title) == "" {
				return invalid(errors.New("title is required"))
			}
			h.session.Rename(ctx, id, in.Title)
			return http.StatusNoContent, nil
		case http.MethodDelete:
			h.session.Delete(ctx, id)
			return http.StatusNoContent, nil
		}
	case len(segments) == 3 && segments[0] == "conversations" && segments[2] == "hydrate":
		if method == http.MethodPost {
			conv, err := h.session.Hydrate(ctx, segments[1])
			if err != nil {
				return failure(logger, err, nil)
			}
			return http.StatusOK, conv
		}
	case len(segments) == 1 && segments[0] == "messages":
		if method == http.MethodPost {
			return h.send(ctx, logger, req.Body)
		}
	case len(segments) == 1 && segments[0] == "me":
		if method == http.MethodGet {
			return h.me(ctx, logger)
		}
	default:
		return http.StatusNotFound, errorResponse{Error: codeNotFound}
	}
	return http.StatusMethodNotAllowed, errorResponse{Error: codeMethodNotAllowed}
}

func (h *Handler) list(ctx context.Context, logger *slog.Logger) (int, any) {
	convs, err := h.session.ListConversations(ctx)
	if err != nil {
		return failure(logger, err, nil)
	}
	return http.StatusOK, listResponse{Conversations: convs}
}

func (h *Handler) send(ctx context.Context, logger *slog.Logger, body string) (int, any) {
	var in sendRequest
	if err := decodeBody(body, &in, false); err != nil {
		return invalid(err)
	}
	res, err := h.session.SendMessage(ctx, in.Text)
	if err != nil {
		return failure(logger, err, res.User)
	}
	return http.StatusOK, sendResponse{Status: res.Status, UserMessage: res.User, Reply: res.Reply}
}

func (h *Handler) me(ctx context.Context, logger *slog.Logger) (int, any) {
	if h.identity == nil {
		return http.StatusNotFound, errorResponse{Error: codeNotFound}
	}
	user, err := h.identity(ctx)
	if err != nil {
		logger.Warn("identity lookup failed", "err", err)
		reason := "invalid_token"
		if errors.Is(err, credentials.ErrNoCredential) {
			reason = "no_token"
		}
		return http.StatusUnauthorized, errorResponse{Error: codeUnauthenticated, Reason: reason}
	}
	return http.StatusOK, user
}

func current(conv *domain.Conversation) (int, any) {
	if conv == nil {
		return http.StatusNotFound, errorResponse{Error: string(domain.ErrorConversationNotFound), Reason: "no_current_conversation"}
	}
	return http.StatusOK, conv
}

func invalid(err error) (int, any) {
	return http.StatusBadRequest, errorResponse{Error: string(domain.ErrorInvalidInput), Reason: err.Error()}
}

// failure maps a session error to a status and body. user is the committed
// user message of a partial send, if any.
func failure(logger *slog.Logger, err error, user *domain.Message) (int, any) {
	var coded *domain.Error
	if !errors.As(err, &coded) {
		logger.Error("unexpected error", "err", err)
		return http.StatusInternalServerError, errorResponse{Error: codeInternal}
	}
	logger.Warn("request failed", "code", coded.Code, "reason", coded.Reason, "err", err)

	body := errorResponse{Error: string(coded.Code), Reason: coded.Reason, UserMessage: user}
	switch coded.Code {
	case domain.ErrorInvalidInput:
		return http.StatusBadRequest, body
	case domain.ErrorThreadCreation, domain.ErrorMessageSend, domain.ErrorRemoteFetch:
		if status, ok := upstreamStatusCode(err); ok && status == http.StatusTooManyRequests {
			return http.StatusTooManyRequests, body
		}
		return http.StatusBadGateway, body
	case domain.ErrorConversationNotFound:
		if coded.Reason == "unknown_conversation" {
			return http.StatusNotFound, body
		}
		return http.StatusInternalServerError, body
	default:
		return http.StatusInternalServerError, body
	}
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

// decodeBody unmarshals a JSON request body. An empty body is accepted only
// when allowEmpty is set.
func decodeBody(body string, out any, allowEmpty bool) error {
	if strings.TrimSpace(body) == "" {
		if allowEmpty {
			return nil
		}
		return errors.New("request body is required")
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return errors.New("malformed JSON body")
	}
	return nil
}

func headerValue(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
