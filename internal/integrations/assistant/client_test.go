package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-client/internal/domain"
)

// fakeTokens hands out a sequence of tokens, one per call.
type fakeTokens struct {
	tokens []string
	err    error
	calls  int
}

func (f *fakeTokens) Token(_ context.Context) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if len(f.tokens) == 0 {
		return "", nil
	}
	idx := f.calls - 1
	if idx >= len(f.tokens) {
		idx = len(f.tokens) - 1
	}
	return f.tokens[idx], nil
}

type capturedRequest struct {
	method string
	path   string
	header http.Header
	body   []byte
}

type recorder struct {
	mu   sync.Mutex
	reqs []capturedRequest
}

func (r *recorder) all() []capturedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]capturedRequest(nil), r.reqs...)
}

// newTestServer replies with status/body and records the requests it saw.
func newTestServer(t *testing.T, status int, body string) (*httptest.Server, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.reqs = append(rec.reqs, capturedRequest{method: r.Method, path: r.URL.Path, header: r.Header.Clone(), body: buf})
		rec.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func newTestClient(t *testing.T, srv *httptest.Server, tokens TokenSource, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithBaseURL(srv.URL),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
	}, opts...)
	c, err := NewClient(tokens, opts...)
	require.NoError(t, err)
	return c
}

func requireCode(t *testing.T, err error, code domain.ErrorCode, reason string) {
	t.Helper()
	require.Error(t, err)
	var chatErr *domain.Error
	require.True(t, errors.As(err, &chatErr), "expected *domain.Error, got %T", err)
	require.Equal(t, code, chatErr.Code)
	if reason != "" {
		require.Equal(t, reason, chatErr.Reason)
	}
}

// ---------------------------------------------------------------------------
// NewClient
// ---------------------------------------------------------------------------

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil, WithBaseURL("http://localhost"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "nil")

	_, err = NewClient(&fakeTokens{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "base URL")

	_, err = NewClient(&fakeTokens{}, WithBaseURL("http://localhost"), WithAuthScheme("basic"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "auth scheme")
}

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient(&fakeTokens{}, WithBaseURL(" http://localhost:8080/ "))
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8080/", c.baseURL)
	require.Equal(t, "/threads", c.threadsPath)
	require.Equal(t, "/question", c.messagePath)
	require.Equal(t, AuthBearer, c.authScheme)
	require.NotNil(t, c.httpClient)
	require.Equal(t, "http://localhost:8080/threads", c.endpoint(c.threadsPath))
}

// ---------------------------------------------------------------------------
// CreateThread
// ---------------------------------------------------------------------------

func TestCreateThread_HappyPath(t *testing.T) {
	srv, seen := newTestServer(t, http.StatusOK, `{"id":"thread_abc","createdAt":"2024-05-01T10:00:00Z","metadata":{"k":"v"}}`)
	c := newTestClient(t, srv, &fakeTokens{tokens: []string{"tok-1"}})

	thread, err := c.CreateThread(context.Background(), "Hola", "mundo")
	require.NoError(t, err)
	require.Equal(t, "thread_abc", thread.ID)
	require.Equal(t, "v", thread.Metadata["k"])

	require.Len(t, seen.all(), 1)
	got := seen.all()[0]
	require.Equal(t, http.MethodPost, got.method)
	require.Equal(t, "/threads", got.path)
	require.Equal(t, "Bearer tok-1", got.header.Get("Authorization"))
	require.Equal(t, "application/json", got.header.Get("Content-Type"))
	require.JSONEq(t, `{"title":"Hola","description":"mundo"}`, string(got.body))
}

func TestCreateThread_NestedDataEnvelope(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusCreated, `{"data":{"id":"srv-42"}}`)
	c := newTestClient(t, srv, &fakeTokens{})

	thread, err := c.CreateThread(context.Background(), "t", "")
	require.NoError(t, err)
	require.Equal(t, "srv-42", thread.ID)
}

func TestCreateThread_Failures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		reason string
	}{
		{name: "missing id", status: http.StatusOK, body: `{"createdAt":"x"}`, reason: "missing_thread_id"},
		{name: "malformed body", status: http.StatusOK, body: `not-json`, reason: "malformed_response"},
		{name: "server error", status: http.StatusInternalServerError, body: `{"error":"boom"}`, reason: "unexpected_status"},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{}`, reason: "unexpected_status"},
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{}`, reason: "rate_limited"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newTestServer(t, tc.status, tc.body)
			c := newTestClient(t, srv, &fakeTokens{tokens: []string{"tok"}})

			_, err := c.CreateThread(context.Background(), "t", "d")
			requireCode(t, err, domain.ErrorThreadCreation, tc.reason)
		})
	}
}

func TestCreateThread_StatusErrorIsInspectable(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusBadGateway, `upstream down`)
	c := newTestClient(t, srv, &fakeTokens{})

	_, err := c.CreateThread(context.Background(), "t", "d")
	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusBadGateway, statusErr.HTTPStatusCode())
	require.Equal(t, "upstream down", statusErr.Body)
	require.Contains(t, err.Error(), "502")
}

// ---------------------------------------------------------------------------
// SendMessage
// ---------------------------------------------------------------------------

func TestSendMessage_ReturnsRawBody(t *testing.T) {
	raw := "1:{\"threadId\":\"t1\"}\n0:\"Hola\"\n"
	srv, seen := newTestServer(t, http.StatusOK, raw)
	c := newTestClient(t, srv, &fakeTokens{tokens: []string{"tok"}})

	body, err := c.SendMessage(context.Background(), "t1", "¿Qué tal?")
	require.NoError(t, err)
	require.Equal(t, raw, string(body))

	got := seen.all()[0]
	require.Equal(t, "/question", got.path)
	require.JSONEq(t, `{"threadId":"t1","question":"¿Qué tal?"}`, string(got.body))
}

func TestSendMessage_CustomPathsAndAPIKey(t *testing.T) {
	srv, seen := newTestServer(t, http.StatusOK, `{"message":"ok"}`)
	c := newTestClient(t, srv, &fakeTokens{tokens: []string{"key-1"}},
		WithMessagePath("/assistant/chat"),
		WithAuthScheme(AuthAPIKey),
	)

	_, err := c.SendMessage(context.Background(), "t1", "hi")
	require.NoError(t, err)

	got := seen.all()[0]
	require.Equal(t, "/assistant/chat", got.path)
	require.Equal(t, "key-1", got.header.Get("x-api-key"))
	require.Empty(t, got.header.Get("Authorization"))
}

func TestSendMessage_Failures(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusInternalServerError, `{"error":"internal"}`)
	c := newTestClient(t, srv, &fakeTokens{})
	_, err := c.SendMessage(context.Background(), "t1", "hi")
	requireCode(t, err, domain.ErrorMessageSend, "unexpected_status")
	require.Contains(t, err.Error(), "500")

	_, err = c.SendMessage(context.Background(), " ", "hi")
	requireCode(t, err, domain.ErrorMessageSend, "missing_thread_id")
}

func TestSendMessage_OversizedBodyIsRejected(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusOK, "0:\""+strings.Repeat("a", maxBodyBytes)+"\"")
	c := newTestClient(t, srv, &fakeTokens{})

	raw, err := c.SendMessage(context.Background(), "t1", "hi")
	requireCode(t, err, domain.ErrorMessageSend, "body_too_large")
	require.Nil(t, raw)
}

func TestSendMessage_BodyAtLimitIsAccepted(t *testing.T) {
	body := strings.Repeat("a", maxBodyBytes)
	srv, _ := newTestServer(t, http.StatusOK, body)
	c := newTestClient(t, srv, &fakeTokens{})

	raw, err := c.SendMessage(context.Background(), "t1", "hi")
	require.NoError(t, err)
	require.Len(t, raw, maxBodyBytes)
}

func TestSendMessage_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, &fakeTokens{})
	c.httpClient = &http.Client{Timeout: 50 * time.Millisecond}
	_, err := c.SendMessage(context.Background(), "t1", "hi")
	requireCode(t, err, domain.ErrorMessageSend, "transport_error")
}

func TestSendMessage_NetworkError(t *testing.T) {
	c, err := NewClient(&fakeTokens{}, WithBaseURL("http://127.0.0.1:1"), WithHTTPClient(&http.Client{Timeout: 100 * time.Millisecond}))
	require.NoError(t, err)

	_, err = c.SendMessage(context.Background(), "t1", "hi")
	requireCode(t, err, domain.ErrorMessageSend, "transport_error")
}

// ---------------------------------------------------------------------------
// Authorization
// ---------------------------------------------------------------------------

func TestToken_ResolvedOnEveryCall(t *testing.T) {
	srv, seen := newTestServer(t, http.StatusOK, `{"message":"ok"}`)
	tokens := &fakeTokens{tokens: []string{"old-token", "refreshed-token"}}
	c := newTestClient(t, srv, tokens)

	_, err := c.SendMessage(context.Background(), "t1", "one")
	require.NoError(t, err)
	_, err = c.SendMessage(context.Background(), "t1", "two")
	require.NoError(t, err)

	require.Equal(t, 2, tokens.calls)
	require.Equal(t, "Bearer old-token", seen.all()[0].header.Get("Authorization"))
	require.Equal(t, "Bearer refreshed-token", seen.all()[1].header.Get("Authorization"))
}

func TestToken_EmptyTokenSendsNoHeader(t *testing.T) {
	srv, seen := newTestServer(t, http.StatusOK, `{"message":"ok"}`)
	c := newTestClient(t, srv, &fakeTokens{})

	_, err := c.SendMessage(context.Background(), "t1", "hi")
	require.NoError(t, err)
	require.Empty(t, seen.all()[0].header.Get("Authorization"))
}

func TestToken_SourceErrorFailsCall(t *testing.T) {
	srv, seen := newTestServer(t, http.StatusOK, `{"id":"t"}`)
	c := newTestClient(t, srv, &fakeTokens{err: errors.New("ssm unavailable")})

	_, err := c.CreateThread(context.Background(), "t", "d")
	requireCode(t, err, domain.ErrorThreadCreation, "transport_error")
	require.Contains(t, err.Error(), "ssm unavailable")
	require.Empty(t, seen.all())
}

// ---------------------------------------------------------------------------
// ListThreads / ListMessages
// ---------------------------------------------------------------------------

func TestListThreads_HappyPath(t *testing.T) {
	srv, seen := newTestServer(t, http.StatusOK, `[
		{"threadId":"t1","title":"Primera","createdAt":"2024-05-01T10:00:00Z","updatedAt":"2024-05-02T10:00:00Z"},
		{"threadId":"t2","title":"Segunda","createdAt":"2024-05-03T10:00:00Z","updatedAt":"2024-05-03T11:00:00Z"}
	]`)
	c := newTestClient(t, srv, &fakeTokens{tokens: []string{"tok"}})

	threads, err := c.ListThreads(context.Background())
	require.NoError(t, err)
	require.Len(t, threads, 2)
	require.Equal(t, "t1", threads[0].ThreadID)
	require.Equal(t, "Primera", threads[0].Title)
	require.Equal(t, time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC), threads[0].UpdatedAt.UTC())

	got := seen.all()[0]
	require.Equal(t, http.MethodGet, got.method)
	require.Equal(t, "/threads", got.path)
	require.Equal(t, "Bearer tok", got.header.Get("Authorization"))
}

func TestListThreads_DataEnvelope(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusOK, `{"data":[{"threadId":"t1","title":"x"}]}`)
	c := newTestClient(t, srv, &fakeTokens{})

	threads, err := c.ListThreads(context.Background())
	require.NoError(t, err)
	require.Len(t, threads, 1)
}

func TestListThreads_Failures(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusForbidden, `{}`)
	c := newTestClient(t, srv, &fakeTokens{})
	_, err := c.ListThreads(context.Background())
	requireCode(t, err, domain.ErrorRemoteFetch, "unexpected_status")

	srv, _ = newTestServer(t, http.StatusOK, `{"threads":[]}`)
	c = newTestClient(t, srv, &fakeTokens{})
	_, err = c.ListThreads(context.Background())
	requireCode(t, err, domain.ErrorRemoteFetch, "malformed_response")
}

func TestListMessages_HappyPath(t *testing.T) {
	srv, seen := newTestServer(t, http.StatusOK, `[{"id":"m1","role":"user","content":[]},{"id":"m2","role":"assistant","content":[]}]`)
	c := newTestClient(t, srv, &fakeTokens{}, WithThreadsPath("/assistant/threads"))

	records, err := c.ListMessages(context.Background(), "thread 1")
	require.NoError(t, err)
	require.Len(t, records, 2)

	var first struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(records[0], &first))
	require.Equal(t, "m1", first.ID)
	require.Equal(t, "/assistant/threads/thread 1/messages", seen.all()[0].path)
}

func TestListMessages_Failures(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusNotFound, `{}`)
	c := newTestClient(t, srv, &fakeTokens{})

	_, err := c.ListMessages(context.Background(), "t1")
	requireCode(t, err, domain.ErrorRemoteFetch, "unexpected_status")

	_, err = c.ListMessages(context.Background(), "")
	requireCode(t, err, domain.ErrorRemoteFetch, "missing_thread_id")
}
