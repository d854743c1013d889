package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/agentsync/internal/config"
	"github.com/capitalize-ai/agentsync/internal/model"
	"github.com/capitalize-ai/agentsync/internal/parity"
	"github.com/capitalize-ai/agentsync/internal/wire"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "syncctl", cmd.Use)

	for _, name := range []string{"parity", "tail"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func manifest(heads string) string {
	return "components:\n  - name: stream-heads\n    type: stream-heads\n    data: '" + heads + "'\n"
}

func TestParity_ExitCodes(t *testing.T) {
	dir := t.TempDir()
	legacy := writeFile(t, dir, "legacy.yaml", manifest(`{"generated_at":"a","streams":[{"stream_id":"s1","head_seq":3}]}`))
	same := writeFile(t, dir, "same.yaml", manifest(`{"generated_at":"b","streams":[{"stream_id":"s1","head_seq":3}]}`))
	drift := writeFile(t, dir, "drift.yaml", manifest(`{"generated_at":"b","streams":[{"stream_id":"s1","head_seq":4}]}`))
	reportPath := filepath.Join(dir, "out", "report.json")

	t.Run("allow", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		code := Execute(context.Background(), []string{"parity", "--legacy", legacy, "--candidate", same, "--report", reportPath}, &stdout, &stderr)
		assert.Equal(t, ExitSuccess, code, stderr.String())
		assert.Contains(t, stdout.String(), "decision=allow")

		data, err := os.ReadFile(reportPath)
		require.NoError(t, err)
		var report parity.Report
		require.NoError(t, json.Unmarshal(data, &report))
		assert.Equal(t, parity.ReportSchema, report.Schema)
		assert.Equal(t, parity.NormalizationVersion, report.NormalizationVersion)
		assert.Equal(t, parity.DecisionAllow, report.Decision)
	})

	t.Run("block on critical", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		code := Execute(context.Background(), []string{"parity", "--legacy", legacy, "--candidate", drift}, &stdout, &stderr)
		assert.Equal(t, ExitBlocked, code)

		var report parity.Report
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
		assert.Equal(t, parity.DecisionBlock, report.Decision)
		assert.Equal(t, 1, report.Totals.Critical)
	})

	t.Run("critical tolerated without block flag", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		code := Execute(context.Background(), []string{"parity", "--legacy", legacy, "--candidate", drift, "--block-on-critical=false"}, &stdout, &stderr)
		assert.Equal(t, ExitSuccess, code, stderr.String())
	})

	t.Run("warning threshold from policy", func(t *testing.T) {
		policy := writeFile(t, dir, "policy.yaml", "block_on_critical: true\nmax_warning_count: 0\ndefaults:\n  default: warning\n")
		var stdout, stderr bytes.Buffer
		code := Execute(context.Background(), []string{"parity", "--legacy", legacy, "--candidate", drift, "--policy", policy}, &stdout, &stderr)
		assert.Equal(t, ExitBlocked, code)

		code = Execute(context.Background(), []string{"parity", "--legacy", legacy, "--candidate", drift, "--policy", policy, "--max-warnings", "1"}, &stdout, &stderr)
		assert.Equal(t, ExitSuccess, code, stderr.String())
	})

	t.Run("missing manifest is an error", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		code := Execute(context.Background(), []string{"parity", "--legacy", filepath.Join(dir, "nope.yaml"), "--candidate", same}, &stdout, &stderr)
		assert.Equal(t, ExitError, code)
		assert.Contains(t, stderr.String(), "legacy manifest")
	})

	t.Run("missing flag is an error", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		code := Execute(context.Background(), []string{"parity", "--legacy", legacy}, &stdout, &stderr)
		assert.Equal(t, ExitError, code)
	})
}

// syncBuffer is a bytes.Buffer safe for one writer and one reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestTail_PrintsEventsAndCheckpoints(t *testing.T) {
	var (
		mu       sync.Mutex
		advanced []int64
	)
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/checkpoints/c1/s1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			var req model.AdvanceCheckpointRequest
			json.NewDecoder(r.Body).Decode(&req)
			mu.Lock()
			advanced = append(advanced, req.Seq)
			mu.Unlock()
		}
		json.NewEncoder(w).Encode(model.Checkpoint{ClientID: "c1", StreamID: "s1"})
	})
	mux.HandleFunc("/api/v1/streams/s1/sync", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		data, _ := wire.Encode(wire.EventFrame(model.Event{StreamID: "s1", Seq: 1, IdempotencyKey: "k1", Payload: []byte(`{"text":"hi"}`)}))
		conn.WriteMessage(websocket.TextMessage, data)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stdout := &syncBuffer{}
	var stderr bytes.Buffer
	done := make(chan int, 1)
	go func() {
		done <- Execute(ctx, []string{"tail", "--server", srv.URL, "--stream", "s1", "--client", "c1", "--token", "tok", "--log-level", "error"}, stdout, &stderr)
	}()

	require.Eventually(t, func() bool { return strings.Contains(stdout.String(), `"seq":1`) }, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, stdout.String(), `"payload":{"text":"hi"}`)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(advanced) == 1 && advanced[0] == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case code := <-done:
		assert.Equal(t, ExitSuccess, code)
	case <-time.After(5 * time.Second):
		t.Fatal("tail did not stop")
	}
}

func TestTailSyncConfig(t *testing.T) {
	file := config.SyncConfig{
		BackoffInitial:    time.Second,
		BackoffMax:        time.Minute,
		TokenRefreshDelay: 100 * time.Millisecond,
		DegradedAfter:     7,
	}

	t.Run("config file values apply when flags are unset", func(t *testing.T) {
		opts := &TailOptions{}
		cmd := newTailCommand(&RootOptions{}, opts)
		require.NoError(t, cmd.ParseFlags([]string{"--stream", "s1", "--client", "c1"}))
		got := tailSyncConfig(cmd.Flags(), opts, file)
		assert.Equal(t, "s1", got.StreamID)
		assert.Equal(t, "c1", got.ClientID)
		assert.Equal(t, time.Second, got.BackoffInitial)
		assert.Equal(t, time.Minute, got.BackoffMax)
		assert.Equal(t, 100*time.Millisecond, got.TokenRefreshDelay)
		assert.Equal(t, 7, got.DegradedAfter)
	})

	t.Run("flags override the config file", func(t *testing.T) {
		opts := &TailOptions{}
		cmd := newTailCommand(&RootOptions{}, opts)
		require.NoError(t, cmd.ParseFlags([]string{"--stream", "s1", "--client", "c1", "--backoff-max", "5s", "--degraded-after", "2"}))
		got := tailSyncConfig(cmd.Flags(), opts, file)
		assert.Equal(t, time.Second, got.BackoffInitial)
		assert.Equal(t, 5*time.Second, got.BackoffMax)
		assert.Equal(t, 2, got.DegradedAfter)
	})
}

func TestTail_RequiresToken(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), []string{"tail", "--stream", "s1", "--client", "c1"}, &stdout, &stderr)
	assert.Equal(t, ExitError, code)
}
