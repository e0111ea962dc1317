package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/lofi/internal/authority"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr    string
	Journal string

	// OnListen, when set, receives the bound address (for testing with
	// port 0).
	OnListen func(net.Addr)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync authority",
		Long: `Run the reference sync authority over websocket.

Clients connect to ws://<addr>/v1/sync. Entities are kept in memory, or
in a SQLite journal with --journal so they survive restarts. A small
REST view is served under /v1/entities.

Example:
  lofi serve --addr localhost:8080
  lofi serve --addr :8080 --journal ./authority.db --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default from config, localhost:8080)")
	cmd.Flags().StringVar(&opts.Journal, "journal", "", "SQLite journal for authority state (default: in memory)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.settings()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid settings", err)
	}
	addr := cfg.Server.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}
	journalPath := cfg.Server.Journal
	if opts.Journal != "" {
		journalPath = opts.Journal
	}

	logger := opts.logger(cmd.ErrOrStderr(), slog.LevelInfo)

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	serverOpts := []authority.Option{authority.WithLogger(logger)}
	if journalPath != "" {
		logger.Info("opening journal", "path", journalPath)
		journal, err := authority.OpenSQLite(journalPath)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open journal", err)
		}
		defer func() {
			if closeErr := journal.Close(); closeErr != nil {
				logger.Error("error closing journal", "error", closeErr)
			}
		}()
		serverOpts = append(serverOpts, authority.WithJournal(journal))
	}

	server, err := authority.New(ctx, serverOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start authority", err)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	if opts.OnListen != nil {
		opts.OnListen(ln.Addr())
	}

	httpServer := &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errs := make(chan error, 1)
	go func() {
		errs <- httpServer.Serve(ln)
	}()

	logger.Info("authority started", "addr", ln.Addr().String(), "version", server.Version())
	fmt.Fprintf(cmd.OutOrStdout(), "Authority listening on %s (sync endpoint ws://%s/v1/sync)\n", ln.Addr(), ln.Addr())
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	select {
	case err := <-errs:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "server error", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}

	logger.Info("authority stopped", "version", server.Version())
	return nil
}
