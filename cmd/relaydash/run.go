package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaydash/internal/archive"
	"github.com/agentworkforce/relaydash/internal/config"
	"github.com/agentworkforce/relaydash/internal/httpapi"
	"github.com/agentworkforce/relaydash/internal/livesync"
	"github.com/agentworkforce/relaydash/internal/prefs"
)

const shutdownTimeout = 5 * time.Second

type runOptions struct {
	addr       string
	socketURL  string
	restURL    string
	archiveDSN string
	noWatch    bool
}

func newRunCmd(load configLoader) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine and the consumer API",
		Long:  "Resolves the orchestrator session, backfills state, keeps it live over the socket (or polling), and serves it on the consumer API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			applyRunFlags(cmd, cfg, opts)
			return runDashboard(cmd, cfg)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "consumer API listen address")
	cmd.Flags().StringVar(&opts.socketURL, "socket-url", "", "orchestrator WebSocket URL")
	cmd.Flags().StringVar(&opts.restURL, "rest-url", "", "orchestrator REST base URL")
	cmd.Flags().StringVar(&opts.archiveDSN, "archive", "", "event archive DSN (memory://, file://, sqlite://, postgres://)")
	cmd.Flags().BoolVar(&opts.noWatch, "no-watch", false, "do not watch the preferences file for external edits")
	return cmd
}

// applyRunFlags lets explicitly set flags win over file and environment.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config, opts runOptions) {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Server.Addr = opts.addr
	}
	if flags.Changed("socket-url") {
		cfg.Socket.URL = opts.socketURL
	}
	if flags.Changed("rest-url") {
		cfg.Rest.BaseURL = opts.restURL
	}
	if flags.Changed("archive") {
		cfg.Archive.DSN = opts.archiveDSN
	}
	if opts.noWatch {
		watch := false
		cfg.Preferences.Watch = &watch
	}
}

func runDashboard(cmd *cobra.Command, cfg *config.Config) error {
	logger := log.New(cmd.ErrOrStderr(), "", log.LstdFlags)
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	preferences, err := prefs.Open(cfg.Preferences.Path, logger)
	if err != nil {
		return fmt.Errorf("open preferences: %w", err)
	}

	client := livesync.NewHTTPClient(cfg.Rest.BaseURL, cfg.Rest.Token, &http.Client{Timeout: cfg.Rest.RequestTimeout.Std()})
	engine, err := livesync.New(cfg.LiveSync(), livesync.Options{
		Logger:      logger,
		Client:      client,
		Preferences: preferences,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	stopArchive, err := startArchive(cfg, engine, logger)
	if err != nil {
		return err
	}
	defer stopArchive()

	if cfg.Preferences.WatchEnabled() {
		go func() {
			if err := preferences.Watch(ctx); err != nil {
				logger.Printf("prefs: watch %s stopped: %v", preferences.Path(), err)
			}
		}()
	}

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer engine.Disconnect()

	api := httpapi.NewServerWithConfig(engine, preferences, httpapi.ServerConfig{
		JWTSecret:       cfg.Server.JWTSecret,
		Session:         cfg.Server.Session,
		RateLimitMax:    cfg.Server.RateLimitMax,
		RateLimitWindow: cfg.Server.RateLimitWindow.Std(),
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		RequestTimeout:  cfg.Rest.RequestTimeout.Std(),
		StreamBuffer:    cfg.Server.StreamBuffer,
		Logger:          logger,
	})
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("relaydash listening on %s (session %s)", cfg.Server.Addr, engine.Session().OrchestratorID)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Printf("relaydash: shutting down")
	case <-engine.Done():
		logger.Printf("relaydash: engine stopped")
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("consumer api: %w", err)
		}
	}

	api.CloseStreams()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("relaydash: api shutdown: %v", err)
	}
	api.Wait()
	return runErr
}

// startArchive wires the optional event archive to the engine store. The
// returned func drains the recorder and closes the archive.
func startArchive(cfg *config.Config, engine *livesync.Engine, logger *log.Logger) (func(), error) {
	sink, err := archive.Open(cfg.Archive.DSN)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if sink == nil {
		return func() {}, nil
	}
	recorder, err := archive.NewRecorder(sink, archive.RecorderOptions{
		QueueSize: cfg.Archive.QueueSize,
		Logger:    logger,
	})
	if err != nil {
		_ = sink.Close()
		return nil, err
	}
	detach := recorder.Attach(engine.Store())
	recCtx, cancel := context.WithCancel(context.Background())
	go recorder.Run(recCtx)
	logger.Printf("archive: recording events to %s", redactDSN(cfg.Archive.DSN))
	return func() {
		detach()
		cancel()
		<-recorder.Done()
		if dropped := recorder.Dropped(); dropped > 0 {
			logger.Printf("archive: %d events dropped while the recorder was behind", dropped)
		}
		if err := sink.Close(); err != nil {
			logger.Printf("archive: close: %v", err)
		}
	}, nil
}

// redactDSN masks the password of a URL-style DSN for logging.
func redactDSN(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "<unparseable dsn>"
	}
	return parsed.Redacted()
}
