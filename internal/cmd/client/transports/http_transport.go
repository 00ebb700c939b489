package transports

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/cockroachdb/errors"
)

// HTTPTransport implements AdminTransport against the admin HTTP server.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport constructs a transport rooted at baseURL
// (e.g. http://127.0.0.1:7071).
func NewHTTPTransport(baseURL string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{baseURL: baseURL, client: client}
}

type windowBody struct {
	Identity    string `json:"identity"`
	BaseSeconds uint32 `json:"base_seconds"`
	Window      uint32 `json:"window"`
}

// Purge posts to /v1/purge.
func (t *HTTPTransport) Purge(ctx context.Context, req WindowRequest) (string, error) {
	return t.post(ctx, "/v1/purge", windowBody(req))
}

// Reset posts to /v1/reset.
func (t *HTTPTransport) Reset(ctx context.Context, identity string) (string, error) {
	return t.post(ctx, "/v1/reset", windowBody{Identity: identity})
}

func (t *HTTPTransport) post(ctx context.Context, path string, body windowBody) (string, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var out struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrapf(err, "%s: decode response", resp.Status)
	}
	if resp.StatusCode >= 300 {
		msg := out.Message
		if msg == "" {
			msg = out.Error
		}
		return out.Message, errors.Newf("%s: %s", resp.Status, msg)
	}
	return out.Message, nil
}

// Stats fetches /v1/stats, optionally narrowed to one identity, and
// returns the raw JSON document.
func (t *HTTPTransport) Stats(ctx context.Context, identity string) ([]byte, error) {
	u := t.baseURL + "/v1/stats"
	if identity != "" {
		u += "?identity=" + url.QueryEscape(identity)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("%s: %s", resp.Status, bytes.TrimSpace(b))
	}
	return b, nil
}
