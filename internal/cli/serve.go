package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"cachedb/internal/cache"
	"cachedb/internal/config"
	"cachedb/internal/cron"
	"cachedb/internal/gateway"
	"cachedb/internal/host"
	"cachedb/internal/storage"
	"cachedb/internal/transport"
	"cachedb/internal/watcher"
	"cachedb/pkg/logger"
)

// PurgeJob is the scheduler job that drops expired cache entries.
const PurgeJob = "cache-purge"

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the shared cache host",
		Long: `Run the shared cache host.

Tabs connect to ws://<listen>:<port>/ws. The host keeps one connection to
the backend, logs in with the configured token (or the one persisted by
the last login) and serves every tab from one cache.`,
		Example: `  # Start with the default configuration
  cachedb-host serve

  # Listen on another port
  cachedb-host serve --port 18800`,
		RunE: runServe,
	}

	cmd.Flags().IntP("port", "p", 0, "port to listen on (overrides config)")
	cmd.Flags().String("listen", "", "address to bind to (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cliCtx := GetCLIContext(cmd)
	if cliCtx == nil {
		return fmt.Errorf("CLI context not initialized")
	}

	cfg := cliCtx.Config
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Host.Port = port
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Host.Listen = listen
	}

	app, err := newApp(cfg, cliCtx.StoragePath, *cliCtx.Logger)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Host.Listen, strconv.Itoa(cfg.Host.Port)))
	if err != nil {
		app.stop(context.Background())
		return fmt.Errorf("listen: %w", err)
	}
	if err := app.start(ln); err != nil {
		app.stop(context.Background())
		return err
	}

	if cliCtx.ConfigPath != "" {
		w, err := config.Watch(cliCtx.ConfigPath, func(c *config.Config) {
			level := c.Log.Level
			if cliCtx.Verbose {
				level = "debug"
			}
			logger.SetLevel(level)
			app.log.Info().Str("level", level).Msg("Config reloaded")
		})
		if err != nil {
			app.log.Warn().Err(err).Msg("Config hot reload disabled")
		} else {
			defer w.Stop()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		app.log.Info().Msg("Shutting down")
	case err := <-app.serveErr:
		if err != nil {
			app.log.Error().Err(err).Msg("Gateway server error")
			app.stop(context.Background())
			return err
		}
	}

	app.stop(context.Background())
	app.log.Info().Msg("Stopped")
	return nil
}

// app is one running host process.
type app struct {
	cfg       *config.Config
	db        *storage.DB
	client    *transport.Client
	watcher   *watcher.Watcher
	cache     *cache.Cache
	scheduler *cron.Scheduler
	host      *host.Host
	server    *gateway.Server
	log       zerolog.Logger
	serveErr  chan error
}

func newApp(cfg *config.Config, storagePath string, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, serveErr: make(chan error, 1)}

	if cfg.Cache.Persist {
		db, err := storage.Open(storagePath)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.db = db
	}

	a.client = transport.NewClient(transport.Config{
		URL: cfg.Backend.URL(),
		Reconnect: &transport.ReconnectPolicy{
			InitialDelay: cfg.Transport.InitialDelay,
			Multiplier:   cfg.Transport.Multiplier,
			MaxDelay:     cfg.Transport.MaxDelay,
			DecayAfter:   cfg.Transport.DecayAfter,
		},
	})
	a.watcher = watcher.New(a.client,
		watcher.WithBudget(cfg.Watcher.Budget),
		watcher.WithResponseTimeout(cfg.Watcher.ResponseTimeout),
	)
	a.cache = cache.New(a.client, a.watcher, a.db, cache.Config{
		RequestTimeout: cfg.Cache.RequestTimeout,
		TTL:            cfg.Cache.TTL,
	})

	a.scheduler = cron.NewScheduler()
	a.host = host.New(a.cache, host.Options{
		HeartbeatInterval: cfg.Host.HeartbeatInterval,
		Scheduler:         a.scheduler,
	})
	a.server = gateway.NewServer(
		net.JoinHostPort(cfg.Host.Listen, strconv.Itoa(cfg.Host.Port)),
		Version, a.host, a.client,
	)
	return a, nil
}

// start begins serving on ln and logs in to the backend in the background.
func (a *app) start(ln net.Listener) error {
	if err := a.host.Start(); err != nil {
		return fmt.Errorf("start host: %w", err)
	}
	if err := a.scheduler.Add(PurgeJob, "@every 10m", a.cache.Purge); err != nil {
		return err
	}
	if err := a.scheduler.Start(); err != nil {
		return err
	}

	go func() { a.serveErr <- a.server.Serve(ln) }()

	go func() {
		if a.cfg.Backend.Token != "" {
			a.client.Login(a.cfg.Backend.Token)
			return
		}
		if !a.cache.Restore() {
			a.log.Info().Msg("No backend token, waiting for a tab to log in")
		}
	}()

	a.log.Info().
		Str("addr", ln.Addr().String()).
		Str("backend", a.cfg.Backend.URL()).
		Msg("Host started")
	return nil
}

// stop tears down in reverse order: no new tabs, no more jobs, then the
// backend connection and the store.
func (a *app) stop(ctx context.Context) {
	if err := a.server.Shutdown(ctx); err != nil {
		a.log.Warn().Err(err).Msg("Gateway shutdown")
	}
	a.host.Stop()
	<-a.scheduler.Stop().Done()
	a.watcher.Close()
	a.client.Close()
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn().Err(err).Msg("Close storage")
		}
	}
}
