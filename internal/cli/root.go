package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/lofi/internal/chat"
	"github.com/roach88/lofi/internal/client"
	"github.com/roach88/lofi/internal/config"
	"github.com/roach88/lofi/internal/transport"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	// Config is a YAML settings file. The flags below override it.
	Config   string
	Backend  string
	DB       string
	URL      string
	ClientID string
	Schema   string

	// FlushTimeout bounds how long one-shot commands wait for the outbox
	// to drain before exiting. Unsent records stay queued.
	FlushTimeout time.Duration

	// Dialer replaces the websocket dialer built from the sync URL (for
	// testing).
	Dialer transport.Dialer

	// offline disables sync regardless of settings.
	offline bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the lofi CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "lofi",
		Short: "lofi - local-first chat",
		Long: `A local-first chat client and sync authority.

Writes land in a local store first and show up in live queries at once;
a background sync loop delivers them to the authority and merges
everyone else's changes back in.`,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	f := cmd.PersistentFlags()
	f.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	f.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	f.StringVarP(&opts.Config, "config", "c", "", "YAML settings file")
	f.StringVar(&opts.Backend, "backend", "", "storage backend (memory|sqlite|bolt)")
	f.StringVar(&opts.DB, "db", "", "path to the local database")
	f.StringVar(&opts.URL, "url", "", "authority websocket URL; empty works offline")
	f.StringVar(&opts.ClientID, "client-id", "", "client id (default: generated once and stored)")
	f.StringVar(&opts.Schema, "schema", "", "CUE schema file (default: built-in chat schema)")
	f.DurationVar(&opts.FlushTimeout, "flush-timeout", 5*time.Second, "how long to wait for queued writes to reach the authority")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewChatCommand(opts))
	cmd.AddCommand(NewOutboxCommand(opts))
	cmd.AddCommand(NewSchemaCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// settings loads the config file, or the defaults, and applies flag
// overrides.
func (o *RootOptions) settings() (config.Config, error) {
	cfg := config.Default()
	if o.Config != "" {
		loaded, err := config.Load(o.Config)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if o.Backend != "" {
		cfg.Storage.Backend = o.Backend
	}
	if o.DB != "" {
		cfg.Storage.Path = o.DB
	}
	if o.URL != "" {
		cfg.Sync.URL = o.URL
	}
	if o.ClientID != "" {
		cfg.Sync.ClientID = o.ClientID
	}
	if o.Schema != "" {
		cfg.Schema.Path = o.Schema
	}
	if o.offline {
		cfg.Sync.URL = ""
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// logger writes text logs to w at level, or Debug with --verbose.
func (o *RootOptions) logger(w io.Writer, level slog.Level) *slog.Logger {
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

// openClient opens and starts a client from settings. The built-in chat
// schema applies unless a schema file is configured.
func (o *RootOptions) openClient(ctx context.Context, cmd *cobra.Command) (*client.Client, error) {
	cfg, err := o.settings()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid settings", err)
	}
	sch, err := chat.Schema()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load chat schema", err)
	}
	logger := o.logger(cmd.ErrOrStderr(), slog.LevelWarn)
	opts := []client.Option{client.WithSchema(sch), client.WithLogger(logger)}
	if o.Dialer != nil && !o.offline {
		opts = append(opts, client.WithDialer(o.Dialer))
	}

	c, err := client.Open(ctx, cfg, opts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open client", err)
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close(ctx)
		return nil, WrapExitError(ExitCommandError, "failed to start sync", err)
	}
	return c, nil
}

// closeClient waits for queued writes to reach the authority, up to the
// flush timeout, then closes c.
func (o *RootOptions) closeClient(ctx context.Context, cmd *cobra.Command, c *client.Client) {
	if c.Syncing() && o.FlushTimeout > 0 {
		if pending := waitDrained(ctx, c, o.FlushTimeout); pending > 0 {
			o.logger(cmd.ErrOrStderr(), slog.LevelWarn).Warn("writes still queued, they will be sent on the next run", "pending", pending)
		}
	}
	_ = c.Close(context.WithoutCancel(ctx))
}

// waitDrained polls until the outbox is empty or timeout passes and
// returns the number of records left.
func waitDrained(ctx context.Context, c *client.Client, timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	pending := -1
	for {
		if st, err := c.Status(context.WithoutCancel(ctx)); err == nil {
			pending = st.Pending
		}
		if pending == 0 {
			return 0
		}
		select {
		case <-ctx.Done():
			return max(pending, 0)
		case <-ticker.C:
		}
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// signalContext is cancelled on SIGINT or SIGTERM, or when parent is.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
