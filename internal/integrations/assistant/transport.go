package assistant

import (
	"log/slog"
	"net/http"
	"time"
)

const defaultTimeout = 30 * time.Second

// loggingRoundTripper logs every outbound call to the assistant service.
type loggingRoundTripper struct {
	inner  http.RoundTripper
	logger *slog.Logger
}

func (l *loggingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := l.inner.RoundTrip(req)
	duration := time.Since(start)
	if err != nil {
		l.logger.Error("assistant request failed",
			"method", req.Method,
			"url", req.URL.String(),
			"duration", duration.String(),
			"err", err,
		)
		return nil, err
	}
	l.logger.Debug("assistant request completed",
		"method", req.Method,
		"url", req.URL.String(),
		"status", resp.StatusCode,
		"duration", duration.String(),
	)
	return resp, nil
}

// NewHTTPClient builds the HTTP client used for the assistant service. A zero
// timeout falls back to 30s; the timeout is the only way to bound a send.
func NewHTTPClient(timeout time.Duration, logger *slog.Logger) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: &loggingRoundTripper{inner: http.DefaultTransport, logger: logger},
	}
}
