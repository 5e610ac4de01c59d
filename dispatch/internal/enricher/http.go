package enricher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/telhawk-systems/relay/common/models"
)

const maxResponseBytes = 1 << 20

// HTTPEnricher posts the payload as JSON to an external transform endpoint
// and expects a JSON object back.
type HTTPEnricher struct {
	url        string
	httpClient *http.Client
}

// NewHTTP creates an enricher for url. The per-call deadline comes from the
// caller's context; timeout is a safety net.
func NewHTTP(url string, timeout time.Duration) *HTTPEnricher {
	return &HTTPEnricher{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (e *HTTPEnricher) Transform(ctx context.Context, payload models.Payload) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, Errorf(KindInvalidInput, "encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, Errorf(KindUnknown, "build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindUpstreamUnavailable, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, &Error{Kind: KindUpstreamUnavailable, Err: fmt.Errorf("read response: %w", err)}
	}
	if len(data) > maxResponseBytes {
		return nil, Errorf(KindUnknown, "response larger than %d bytes", maxResponseBytes)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Kind: kindForStatus(resp.StatusCode), Err: fmt.Errorf("enricher returned status %d: %s", resp.StatusCode, snippet(data))}
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return nil, Errorf(KindUnknown, "enricher returned a non-object body")
	}
	return json.RawMessage(data), nil
}

func kindForStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity, code == http.StatusRequestEntityTooLarge:
		return KindInvalidInput
	case code >= 500, code == http.StatusRequestTimeout:
		return KindUpstreamUnavailable
	default:
		return KindUnknown
	}
}

func snippet(b []byte) string {
	const max = 256
	b = bytes.TrimSpace(b)
	if len(b) > max {
		b = b[:max]
	}
	return string(bytes.ToValidUTF8(b, nil))
}

// IsTimeout reports whether err came from a deadline rather than a response.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
