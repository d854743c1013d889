package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/capitalize-ai/agentsync/internal/model"
	"github.com/capitalize-ai/agentsync/internal/wire"
)

// TokenSource returns the token to send with a request.
type TokenSource func() string

// HTTPCheckpoints reads and advances checkpoints through the REST API.
type HTTPCheckpoints struct {
	BaseURL string
	Client  *http.Client
	Token   TokenSource
}

// NewHTTPCheckpoints creates a checkpoint store backed by the API at baseURL.
func NewHTTPCheckpoints(baseURL string, token TokenSource) *HTTPCheckpoints {
	return &HTTPCheckpoints{
		BaseURL: httpBase(baseURL),
		Client:  &http.Client{Timeout: 10 * time.Second},
		Token:   token,
	}
}

func (h *HTTPCheckpoints) url(clientID, streamID string) string {
	return h.BaseURL + "/api/v1/checkpoints/" + url.PathEscape(clientID) + "/" + url.PathEscape(streamID)
}

// Read implements CheckpointStore.
func (h *HTTPCheckpoints) Read(ctx context.Context, clientID, streamID string) (model.Checkpoint, error) {
	var cp model.Checkpoint
	err := doJSON(ctx, h.Client, http.MethodGet, h.url(clientID, streamID), h.token(), nil, &cp)
	return cp, err
}

// Advance implements CheckpointStore. A 409 answer is ErrRegression.
func (h *HTTPCheckpoints) Advance(ctx context.Context, clientID, streamID string, seq, durableOffset int64) error {
	body := model.AdvanceCheckpointRequest{Seq: seq, DurableOffset: durableOffset}
	return doJSON(ctx, h.Client, http.MethodPut, h.url(clientID, streamID), h.token(), body, nil)
}

func (h *HTTPCheckpoints) token() string {
	if h.Token == nil {
		return ""
	}
	return h.Token()
}

// HTTPTokenMinter refreshes tokens through /api/v1/auth/refresh.
type HTTPTokenMinter struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPTokenMinter creates a minter for the API at baseURL.
func NewHTTPTokenMinter(baseURL string) *HTTPTokenMinter {
	return &HTTPTokenMinter{BaseURL: httpBase(baseURL), Client: &http.Client{Timeout: 10 * time.Second}}
}

// Mint implements TokenMinter.
func (m *HTTPTokenMinter) Mint(ctx context.Context, current string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := doJSON(ctx, m.Client, http.MethodPost, m.BaseURL+"/api/v1/auth/refresh", current, nil, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", fmt.Errorf("refresh response carried no token")
	}
	return resp.Token, nil
}

// StatusError is a non-2xx API answer.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api returned %d: %s", e.StatusCode, e.Body)
}

func doJSON(ctx context.Context, client *http.Client, method, u, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return &DisconnectError{Reason: wire.ReasonNetwork, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		switch resp.StatusCode {
		case http.StatusConflict:
			return fmt.Errorf("%w: %v", ErrRegression, statusErr)
		case http.StatusUnauthorized:
			return &DisconnectError{Reason: wire.ReasonUnauthorized, Err: statusErr}
		case http.StatusForbidden:
			return &DisconnectError{Reason: wire.ReasonForbidden, Err: statusErr}
		}
		return statusErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func httpBase(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "ws://"):
		baseURL = "http://" + strings.TrimPrefix(baseURL, "ws://")
	case strings.HasPrefix(baseURL, "wss://"):
		baseURL = "https://" + strings.TrimPrefix(baseURL, "wss://")
	}
	return strings.TrimRight(baseURL, "/")
}
