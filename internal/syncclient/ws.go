package syncclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/capitalize-ai/agentsync/internal/wire"
)

// WSTransport connects to the server's websocket sync endpoint.
type WSTransport struct {
	// BaseURL is the server root, e.g. ws://localhost:8080.
	BaseURL string
	Dialer  *websocket.Dialer
}

// NewWSTransport creates a websocket transport. http and https base URLs are
// rewritten to ws and wss.
func NewWSTransport(baseURL string) *WSTransport {
	switch {
	case strings.HasPrefix(baseURL, "http://"):
		baseURL = "ws://" + strings.TrimPrefix(baseURL, "http://")
	case strings.HasPrefix(baseURL, "https://"):
		baseURL = "wss://" + strings.TrimPrefix(baseURL, "https://")
	}
	return &WSTransport{BaseURL: strings.TrimRight(baseURL, "/"), Dialer: websocket.DefaultDialer}
}

// Connect implements Transport. Handshake rejections map 401 to unauthorized
// and 403 to forbidden; every other failure is a network disconnect.
func (t *WSTransport) Connect(ctx context.Context, streamID string, afterSeq int64, token string) (Session, error) {
	u := t.BaseURL + "/api/v1/streams/" + url.PathEscape(streamID) + "/sync?after_seq=" + strconv.FormatInt(afterSeq, 10)
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := t.Dialer.DialContext(ctx, u, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		reason := wire.ReasonNetwork
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				reason = wire.ReasonUnauthorized
			case http.StatusForbidden:
				reason = wire.ReasonForbidden
			}
		}
		return nil, &DisconnectError{Reason: reason, Err: err}
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	return &wsSession{conn: conn, stop: stop}, nil
}

type wsSession struct {
	conn *websocket.Conn
	stop func() bool
}

// Next reads one frame. A close without a preceding control frame is a
// network disconnect.
func (s *wsSession) Next(ctx context.Context) (wire.Frame, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return wire.Frame{}, ctx.Err()
		}
		return wire.Frame{}, &DisconnectError{Reason: wire.ReasonNetwork, Err: err}
	}
	f, err := wire.Decode(data)
	if err != nil {
		return wire.Frame{}, &DisconnectError{Reason: wire.ReasonUnknown, Err: fmt.Errorf("decode frame: %w", err)}
	}
	return f, nil
}

func (s *wsSession) Close() error {
	s.stop()
	return s.conn.Close()
}
