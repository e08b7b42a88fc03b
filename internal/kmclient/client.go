// Package kmclient is the REST client for the key management API. It maps
// HTTP failures onto the shared error taxonomy so callers can distinguish a
// consumed key from an unreachable service.
package kmclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/qutemail/qkms/pkg/errors"
	"github.com/qutemail/qkms/pkg/logger"
)

// DefaultTimeout bounds every request to the remote service.
const DefaultTimeout = 10 * time.Second

// Key is the client-side view of a served key with decoded material.
type Key struct {
	KeyID     string
	Requester string
	Recipient string
	SizeBits  int
	Algorithm string
	Material  []byte
	State     string
	ExpiresAt time.Time
}

// Client talks to the key management REST API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  logger.Logger
}

// Option configures the Client.
type Option func(*Client)

// WithTimeout overrides the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithHTTPClient swaps the underlying HTTP client. Used by tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a Client for the service at baseURL.
func NewClient(baseURL string, log logger.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
		logger:  log.WithFields(logger.Fields{"component": "km_client"}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type wireKey struct {
	KeyID     string `json:"key_id"`
	Requester string `json:"requester"`
	Recipient string `json:"recipient"`
	SizeBits  int    `json:"size_bits"`
	Algorithm string `json:"algorithm"`
	Material  string `json:"material"`
	State     string `json:"state"`
	ExpiresAt string `json:"expires_at"`
}

func (w *wireKey) decode() (*Key, error) {
	material, err := base64.StdEncoding.DecodeString(w.Material)
	if err != nil {
		return nil, errors.ErrInternal("invalid key material encoding in response").WithCause(err)
	}
	expiresAt, err := time.Parse(time.RFC3339, w.ExpiresAt)
	if err != nil {
		return nil, errors.ErrInternal("invalid expiry timestamp in response").WithCause(err)
	}
	return &Key{
		KeyID:     w.KeyID,
		Requester: w.Requester,
		Recipient: w.Recipient,
		SizeBits:  w.SizeBits,
		Algorithm: w.Algorithm,
		Material:  material,
		State:     w.State,
		ExpiresAt: expiresAt,
	}, nil
}

// RequestKeys asks the service for count keys of sizeBits between requester
// and recipient.
func (c *Client) RequestKeys(ctx context.Context, requester, recipient string, sizeBits, count int) ([]*Key, error) {
	body := map[string]interface{}{
		"requester": requester,
		"recipient": recipient,
		"size_bits": sizeBits,
		"count":     count,
	}

	var resp struct {
		Keys []*wireKey `json:"keys"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/keys/request", body, &resp); err != nil {
		return nil, err
	}

	keys := make([]*Key, 0, len(resp.Keys))
	for _, w := range resp.Keys {
		k, err := w.decode()
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// GetKey fetches key material for an authorized caller.
func (c *Client) GetKey(ctx context.Context, caller, keyID string) (*Key, error) {
	path := fmt.Sprintf("/api/v1/keys/%s?caller=%s", url.PathEscape(keyID), url.QueryEscape(caller))

	var resp struct {
		Key *wireKey `json:"key"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Key == nil {
		return nil, errors.ErrInternal("response has no key")
	}
	return resp.Key.decode()
}

// ConsumeKey retires a key on the remote service.
func (c *Client) ConsumeKey(ctx context.Context, caller, keyID string) error {
	body := map[string]interface{}{"caller": caller, "key_id": keyID}
	return c.do(ctx, http.MethodPost, "/api/v1/keys/consume", body, nil)
}

// Health checks the remote service liveness.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health/live", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.ErrInternal("failed to encode request").WithCause(err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.ErrInternal("failed to build request").WithCause(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.ErrServiceUnavailable("key management service unreachable").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.mapError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.ErrInternal("failed to decode response").WithCause(err)
		}
	}
	return nil
}

// mapError converts an error response into the shared taxonomy, preferring
// the machine-readable code over the HTTP status.
func (c *Client) mapError(resp *http.Response) error {
	var envelope errors.ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	_ = json.Unmarshal(raw, &envelope)

	msg := envelope.Error
	if msg == "" {
		msg = fmt.Sprintf("remote service returned status %d", resp.StatusCode)
	}

	switch errors.Code(envelope.Code) {
	case errors.CodeValidation:
		return errors.ErrValidation(msg)
	case errors.CodeAuthenticationFailed:
		return errors.ErrAuthenticationFailed(msg)
	case errors.CodeUnauthorized:
		return errors.ErrUnauthorized(msg)
	case errors.CodeNotFound:
		return errors.ErrNotFound(msg)
	case errors.CodeExpired:
		return errors.New(errors.CodeExpired, resp.StatusCode, msg)
	case errors.CodeConsumed:
		return errors.New(errors.CodeConsumed, resp.StatusCode, msg)
	case errors.CodeKeyAgreement:
		return errors.ErrKeyAgreement(msg)
	}

	switch resp.StatusCode {
	case http.StatusBadRequest:
		return errors.ErrValidation(msg)
	case http.StatusUnauthorized:
		return errors.ErrAuthenticationFailed(msg)
	case http.StatusForbidden:
		return errors.ErrUnauthorized(msg)
	case http.StatusNotFound:
		return errors.ErrNotFound(msg)
	case http.StatusGone:
		return errors.New(errors.CodeExpired, resp.StatusCode, msg)
	case http.StatusServiceUnavailable:
		return errors.ErrServiceUnavailable(msg)
	default:
		return errors.ErrInternal(msg)
	}
}
