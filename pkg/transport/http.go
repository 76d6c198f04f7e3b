package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/colloquy/pkg/conversation"
	"github.com/go-go-golems/colloquy/pkg/wire"
)

const DefaultHTTPTimeout = 30 * time.Second

// HTTPChannel is the request/response fallback: POST {base}/messages.
type HTTPChannel struct {
	baseURL        string
	client         *http.Client
	attemptTimeout time.Duration
	maxRetries     int
	retryDelay     time.Duration
}

var _ Channel = (*HTTPChannel)(nil)

type HTTPOption func(*HTTPChannel)

func WithHTTPClient(client *http.Client) HTTPOption {
	return func(h *HTTPChannel) {
		h.client = client
	}
}

func WithAttemptTimeout(d time.Duration) HTTPOption {
	return func(h *HTTPChannel) {
		h.attemptTimeout = d
	}
}

func WithRetryDelay(d time.Duration) HTTPOption {
	return func(h *HTTPChannel) {
		h.retryDelay = d
	}
}

func NewHTTPChannel(baseURL string, options ...HTTPOption) *HTTPChannel {
	ret := &HTTPChannel{
		baseURL:        strings.TrimRight(baseURL, "/"),
		client:         http.DefaultClient,
		attemptTimeout: DefaultHTTPTimeout,
		maxRetries:     1,
		retryDelay:     500 * time.Millisecond,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (h *HTTPChannel) Send(ctx context.Context, req *Request) (*conversation.Message, error) {
	body, err := json.Marshal(&wire.PostMessageRequest{
		Content:        req.Content,
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		RequestID:      req.RequestID,
		ModelID:        req.ModelID,
		History:        nonNilHistory(req.History),
		Attachment:     req.Attachment,
	})
	if err != nil {
		return nil, conversation.NewTransportError(err)
	}

	var lastErr error
	for attempt := 0; attempt <= h.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, conversation.NewTransportError(ctx.Err())
			case <-time.After(h.retryDelay):
			}
		}

		msg, err := h.attempt(ctx, body)
		if err == nil {
			return msg, nil
		}
		lastErr = err
		if ctx.Err() != nil || !isRetryable(err) {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Str("request_id", req.RequestID).Msg("fallback request failed, retrying")
	}
	if ctx.Err() != nil {
		return nil, conversation.NewTransportError(ctx.Err())
	}
	return nil, conversation.NewTransportError(lastErr)
}

// statusError is a non-2xx response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

func (h *HTTPChannel) attempt(ctx context.Context, body []byte) (*conversation.Message, error) {
	actx, cancel := context.WithTimeout(ctx, h.attemptTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(actx, http.MethodPost, h.baseURL+wire.MessagesPath, bytes.NewReader(body))
	if err != nil {
		return nil, &ApplicationError{Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "post message")
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, &statusError{code: resp.StatusCode, body: errorText(b)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ApplicationError{StatusCode: resp.StatusCode, Message: errorText(b)}
	}

	var out wire.PostMessageResponse
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, &ApplicationError{StatusCode: resp.StatusCode, Message: "malformed response: " + err.Error()}
	}
	if out.AIMessage == nil {
		return nil, &ApplicationError{StatusCode: resp.StatusCode, Message: "response has no aiMessage"}
	}
	return out.AIMessage, nil
}

// isRetryable reports transient failures: network errors, 5xx and 429.
func isRetryable(err error) bool {
	var appErr *ApplicationError
	if errors.As(err, &appErr) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

func errorText(b []byte) string {
	var er wire.ErrorResponse
	if err := json.Unmarshal(b, &er); err == nil && er.Error != "" {
		return er.Error
	}
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
