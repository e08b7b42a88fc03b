package kmclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"

	"github.com/qutemail/qkms/pkg/errors"
)

// EnsureKeypair asks the service to create (or confirm) a post-quantum
// identity for principal and returns its public key.
func (c *Client) EnsureKeypair(ctx context.Context, principal string) ([]byte, error) {
	body := map[string]interface{}{"principal": principal}
	var resp struct {
		PublicKey string `json:"public_key"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/pqc/keypair", body, &resp); err != nil {
		return nil, err
	}
	return decodeB64(resp.PublicKey, "public_key")
}

// PublicKey fetches a principal's packed ML-KEM public key.
func (c *Client) PublicKey(ctx context.Context, principal string) ([]byte, error) {
	path := fmt.Sprintf("/api/v1/pqc/public-key/%s", url.PathEscape(principal))
	var resp struct {
		PublicKey string `json:"public_key"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return decodeB64(resp.PublicKey, "public_key")
}

// PrivateKey fetches the caller's own packed ML-KEM private key. The service
// only serves private keys to their owner, so the caller identity is the
// principal itself.
func (c *Client) PrivateKey(ctx context.Context, principal string) ([]byte, error) {
	path := fmt.Sprintf("/api/v1/pqc/private-key/%s?caller=%s",
		url.PathEscape(principal), url.QueryEscape(principal))
	var resp struct {
		PrivateKey string `json:"private_key"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return decodeB64(resp.PrivateKey, "private_key")
}

func decodeB64(s, field string) ([]byte, error) {
	if s == "" {
		return nil, errors.ErrInternal("response has no " + field)
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.ErrInternal("invalid " + field + " encoding in response").WithCause(err)
	}
	return raw, nil
}
