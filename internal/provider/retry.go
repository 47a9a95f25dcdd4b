package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	ollama "github.com/ollama/ollama/api"
	"github.com/sashabaranov/go-openai"
	"google.golang.org/api/googleapi"

	"mcpchat/internal/domain"
)

const maxRetries = 3

// backoffUnit scales the delay between attempts; tests shrink it.
var backoffUnit = time.Second

// withRetry runs call with exponential backoff and jitter while it fails
// with a transient error (network failure, 5xx, 429).
func withRetry[T any](ctx context.Context, logger *slog.Logger, backend string, call func() (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			base := time.Duration(attempt*attempt) * backoffUnit
			jitter := time.Duration(rand.Int64N(int64(base/2 + 1)))
			backoff := base + jitter
			logger.Warn("retrying model request", "backend", backend, "attempt", attempt+1, "backoff", backoff, "err", lastErr)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
		}

		out, err := call()
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		lastErr = err
		if !transient(err) {
			break
		}
	}
	return zero, fmt.Errorf("%w: %s: %w", domain.ErrModelUnavailable, backend, lastErr)
}

// transient reports whether err is worth retrying.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if code, ok := statusCode(err); ok {
		return code >= 500 || code == http.StatusTooManyRequests
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// statusCode digs the HTTP status out of the SDK error types in use.
func statusCode(err error) (int, bool) {
	var (
		oaiAPI  *openai.APIError
		oaiReq  *openai.RequestError
		claude  *anthropic.Error
		google  *googleapi.Error
		ollamaS ollama.StatusError
	)
	switch {
	case errors.As(err, &oaiAPI):
		return oaiAPI.HTTPStatusCode, true
	case errors.As(err, &oaiReq):
		return oaiReq.HTTPStatusCode, true
	case errors.As(err, &claude):
		return claude.StatusCode, true
	case errors.As(err, &google):
		return google.Code, true
	case errors.As(err, &ollamaS):
		return ollamaS.StatusCode, true
	}
	return 0, false
}
