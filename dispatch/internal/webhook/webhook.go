// Package webhook delivers enriched messages to the downstream consumer.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// MaxBodyBytes caps how much of a downstream response is read.
	MaxBodyBytes = 64 << 10

	HeaderSignature = "X-Signature-256"
	HeaderMessageID = "X-Relay-Message-ID"
)

// Response is what the downstream answered. A non-2xx answer is a Response,
// not an error; errors are reserved for transport failures.
type Response struct {
	StatusCode int
	Body       []byte
}

// OK reports a 2xx status.
func (r Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Forwarder sends one payload downstream.
type Forwarder interface {
	Send(ctx context.Context, payload json.RawMessage) (Response, error)
}

// Client posts payloads to a fixed webhook URL.
type Client struct {
	url        string
	signingKey string
	httpClient *http.Client
}

type Option func(*Client)

// WithSigningKey signs every body with HMAC-SHA256 in the X-Signature-256
// header.
func WithSigningKey(key string) Option {
	return func(c *Client) { c.signingKey = key }
}

func New(url string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type messageIDKey struct{}

// WithMessageID attaches the record id sent in the X-Relay-Message-ID header.
func WithMessageID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, messageIDKey{}, id)
}

func (c *Client) Send(ctx context.Context, payload json.RawMessage) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if id, ok := ctx.Value(messageIDKey{}).(int64); ok {
		req.Header.Set(HeaderMessageID, fmt.Sprint(id))
	}
	if c.signingKey != "" {
		req.Header.Set(HeaderSignature, Sign(payload, c.signingKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	if err != nil {
		return Response{StatusCode: resp.StatusCode}, fmt.Errorf("read response: %w", err)
	}
	return Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// Sign returns the sha256=<hex> HMAC of body.
func Sign(body []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
