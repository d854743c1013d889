package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/agentsync/internal/auth"
	"github.com/capitalize-ai/agentsync/internal/store"
	"github.com/capitalize-ai/agentsync/internal/wire"
)

func dialSync(t *testing.T, srv *httptest.Server, streamID, afterSeq, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/streams/" + streamID + "/sync?after_seq=" + afterSeq
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wire.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := wire.Decode(data)
	require.NoError(t, err)
	return f
}

func appendEvents(t *testing.T, st *store.Store, scope, streamID string, keys ...string) {
	t.Helper()
	for _, key := range keys {
		_, err := st.Append(context.Background(), store.AppendRequest{
			StreamID:       streamID,
			IdempotencyKey: key,
			Payload:        []byte(`{"key":"` + key + `"}`),
			OwnerScope:     scope,
		})
		require.NoError(t, err)
	}
}

func TestSync_ReplaysThenStreamsLive(t *testing.T) {
	api := newTestAPI(t, SyncOptions{PollInterval: 10 * time.Millisecond, HeartbeatInterval: time.Hour})
	srv := httptest.NewServer(api.handler)
	defer srv.Close()

	appendEvents(t, api.store, "tenant-a", "s1", "k1", "k2", "k3")
	conn := dialSync(t, srv, "s1", "1", api.token(t, "tenant-a"))

	for _, want := range []int64{2, 3} {
		f := readFrame(t, conn)
		require.Equal(t, wire.FrameEvent, f.Type)
		assert.Equal(t, want, f.Event.Seq)
	}

	appendEvents(t, api.store, "tenant-a", "s1", "k4")
	f := readFrame(t, conn)
	require.Equal(t, wire.FrameEvent, f.Type)
	assert.Equal(t, int64(4), f.Event.Seq)
	assert.Equal(t, "k4", f.Event.IdempotencyKey)
}

func TestSync_StaleCursor(t *testing.T) {
	api := newTestAPI(t, SyncOptions{})
	srv := httptest.NewServer(api.handler)
	defer srv.Close()

	appendEvents(t, api.store, "tenant-a", "s1", "k1")
	conn := dialSync(t, srv, "s1", "5", api.token(t, "tenant-a"))

	f := readFrame(t, conn)
	require.Equal(t, wire.FrameControl, f.Type)
	assert.Equal(t, wire.ReasonStaleCursor, f.Control.Reason)
}

func TestSync_Forbidden(t *testing.T) {
	api := newTestAPI(t, SyncOptions{})
	srv := httptest.NewServer(api.handler)
	defer srv.Close()

	appendEvents(t, api.store, "tenant-a", "s1", "k1")
	conn := dialSync(t, srv, "s1", "0", api.token(t, "tenant-b"))

	f := readFrame(t, conn)
	require.Equal(t, wire.FrameControl, f.Type)
	assert.Equal(t, wire.ReasonForbidden, f.Control.Reason)
}

func TestSync_TokenRefreshDue(t *testing.T) {
	api := newTestAPI(t, SyncOptions{PollInterval: 10 * time.Millisecond, RefreshLead: time.Minute})
	srv := httptest.NewServer(api.handler)
	defer srv.Close()

	shortLived := auth.NewIssuer("test-secret", 30*time.Second)
	tok, _, err := shortLived.Issue("user-1", "tenant-a", nil)
	require.NoError(t, err)

	conn := dialSync(t, srv, "s1", "0", tok)
	f := readFrame(t, conn)
	require.Equal(t, wire.FrameControl, f.Type)
	assert.Equal(t, wire.ReasonTokenRefreshDue, f.Control.Reason)
}

func TestSync_ShutdownSendsStreamClosed(t *testing.T) {
	api := newTestAPI(t, SyncOptions{PollInterval: 10 * time.Millisecond})
	srv := httptest.NewServer(api.handler)
	defer srv.Close()

	appendEvents(t, api.store, "tenant-a", "s1", "k1")
	conn := dialSync(t, srv, "s1", "0", api.token(t, "tenant-a"))
	require.Equal(t, wire.FrameEvent, readFrame(t, conn).Type)

	api.sync.Shutdown()
	api.sync.Shutdown()

	f := readFrame(t, conn)
	require.Equal(t, wire.FrameControl, f.Type)
	assert.Equal(t, wire.ReasonStreamClosed, f.Control.Reason)
}

func TestSync_Heartbeat(t *testing.T) {
	api := newTestAPI(t, SyncOptions{PollInterval: time.Hour, HeartbeatInterval: 20 * time.Millisecond})
	srv := httptest.NewServer(api.handler)
	defer srv.Close()

	appendEvents(t, api.store, "tenant-a", "s1", "k1", "k2")
	conn := dialSync(t, srv, "s1", "2", api.token(t, "tenant-a"))

	f := readFrame(t, conn)
	require.Equal(t, wire.FrameHeartbeat, f.Type)
	assert.Equal(t, int64(2), f.Heartbeat.HeadSeq)
}
