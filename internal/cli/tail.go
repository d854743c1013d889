package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/capitalize-ai/agentsync/internal/config"
	"github.com/capitalize-ai/agentsync/internal/model"
	"github.com/capitalize-ai/agentsync/internal/syncclient"
)

// TailOptions holds flags for the tail command.
type TailOptions struct {
	Server      string
	Stream      string
	Client      string
	Credentials string
	Token       string
	Config      string

	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	TokenRefreshDelay time.Duration
	DegradedAfter     int
}

// NewTailCommand creates the tail command.
func NewTailCommand(rootOpts *RootOptions) *cobra.Command {
	return newTailCommand(rootOpts, &TailOptions{})
}

func newTailCommand(rootOpts *RootOptions, opts *TailOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow a stream and print its events as JSON lines",
		Long: `Run the client sync lifecycle against a server, printing every applied
event as one JSON line. Progress is checkpointed under --client, so a
restarted tail resumes where it stopped. Interrupt to stop.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(cmd, rootOpts, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Server, "server", "ws://localhost:8080", "server base URL")
	cmd.Flags().StringVar(&opts.Stream, "stream", "", "stream id")
	cmd.Flags().StringVar(&opts.Client, "client", "", "client id used for checkpoints")
	cmd.Flags().StringVar(&opts.Credentials, "credentials", "", "credentials file holding the bearer token")
	cmd.Flags().StringVar(&opts.Token, "token", "", "bearer token (overrides --credentials for the first connect)")
	cmd.Flags().StringVar(&opts.Config, "config", os.Getenv("AGENTSYNC_CONFIG"), "config file whose sync section sets reconnect timing")
	cmd.Flags().DurationVar(&opts.BackoffInitial, "backoff-initial", 500*time.Millisecond, "first reconnect delay after a failure")
	cmd.Flags().DurationVar(&opts.BackoffMax, "backoff-max", 30*time.Second, "reconnect delay ceiling")
	cmd.Flags().DurationVar(&opts.TokenRefreshDelay, "token-refresh-delay", 50*time.Millisecond, "reconnect delay after token_refresh_due")
	cmd.Flags().IntVar(&opts.DegradedAfter, "degraded-after", 5, "consecutive failures before the client reports degraded")
	_ = cmd.MarkFlagRequired("stream")
	_ = cmd.MarkFlagRequired("client")

	return cmd
}

func runTail(cmd *cobra.Command, rootOpts *RootOptions, opts *TailOptions) error {
	if opts.Token == "" && opts.Credentials == "" {
		return NewExitError(ExitError, "one of --token or --credentials is required")
	}
	log, err := newLogger(cmd, rootOpts)
	if err != nil {
		return WrapExitError(ExitError, "failed to create logger", err)
	}
	defer log.Sync()

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitError, "failed to load config", err)
	}
	syncCfg := tailSyncConfig(cmd.Flags(), opts, cfg.Sync)

	var (
		client *syncclient.Client
		creds  syncclient.Credentials
		minter syncclient.TokenMinter = syncclient.NewHTTPTokenMinter(opts.Server)
	)
	if opts.Credentials != "" {
		file := syncclient.FileCredentials{Path: opts.Credentials}
		creds = file
		minter = syncclient.SavingMinter{Minter: minter, Store: file}
	}
	checkpoints := syncclient.NewHTTPCheckpoints(opts.Server, func() string { return client.Token() })

	out := &eventPrinter{w: cmd.OutOrStdout()}
	client = syncclient.New(syncCfg, syncclient.NewWSTransport(opts.Server), checkpoints, minter, creds, out.print, log)
	if opts.Token != "" {
		client.SetToken(opts.Token)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := client.Run(ctx); err != nil {
		return WrapExitError(ExitError, "sync failed", err)
	}
	log.Info("tail stopped", zap.Stringer("status", client.Status()))
	return nil
}

// tailSyncConfig takes reconnect timing from the config file's sync section;
// flags that were set on the command line win.
func tailSyncConfig(flags *pflag.FlagSet, opts *TailOptions, file config.SyncConfig) syncclient.Config {
	cfg := syncclient.Config{
		ClientID:          opts.Client,
		StreamID:          opts.Stream,
		BackoffInitial:    file.BackoffInitial,
		BackoffMax:        file.BackoffMax,
		TokenRefreshDelay: file.TokenRefreshDelay,
		DegradedAfter:     file.DegradedAfter,
	}
	if flags.Changed("backoff-initial") {
		cfg.BackoffInitial = opts.BackoffInitial
	}
	if flags.Changed("backoff-max") {
		cfg.BackoffMax = opts.BackoffMax
	}
	if flags.Changed("token-refresh-delay") {
		cfg.TokenRefreshDelay = opts.TokenRefreshDelay
	}
	if flags.Changed("degraded-after") {
		cfg.DegradedAfter = opts.DegradedAfter
	}
	return cfg
}

// tailLine is one printed event. JSON payloads are embedded as is.
type tailLine struct {
	StreamID       string          `json:"stream_id"`
	Seq            int64           `json:"seq"`
	IdempotencyKey string          `json:"idempotency_key"`
	CommittedAt    time.Time       `json:"committed_at"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	PayloadBytes   []byte          `json:"payload_bytes,omitempty"`
}

// eventPrinter writes events as JSON lines.
type eventPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *eventPrinter) print(_ context.Context, evt model.Event) error {
	line := tailLine{StreamID: evt.StreamID, Seq: evt.Seq, IdempotencyKey: evt.IdempotencyKey, CommittedAt: evt.CommittedAt}
	if json.Valid(evt.Payload) {
		line.Payload = evt.Payload
	} else {
		line.PayloadBytes = evt.Payload
	}
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("marshal event %d: %w", evt.Seq, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = p.w.Write(append(data, '\n'))
	return err
}
