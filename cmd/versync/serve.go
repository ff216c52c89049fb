package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/airheartdev/versync"
	"github.com/airheartdev/versync/internal/config"
	"github.com/airheartdev/versync/memory"
	"github.com/airheartdev/versync/sqlstore"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/r3labs/sse/v2"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	pokeStream    = "changes"
	purgeInterval = time.Hour
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
	Driver string
	DBPath string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Long: `Run the HTTP sync server.

Endpoints:
  POST /versync/push       apply versioned writes
  POST /versync/pull       read the change log after a cursor
  POST /versync/batch      run queries and writes
  GET  /versync/subscribe  tail the change log (server-sent events)
  GET  /versync/ws         tail the change log (WebSocket)
  GET  /events             change pokes (server-sent events)

Examples:
  versync serve
  versync serve --store sqlite --db ./versync.db
  versync serve --config ./versync.yaml`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&opts.Driver, "store", "", "store driver: memory or sqlite (overrides config)")
	cmd.Flags().StringVar(&opts.DBPath, "db", "", "SQLite database path (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	v, err := config.New(opts.ConfigFile)
	if err != nil {
		return err
	}
	if err := v.BindPFlag("listen", cmd.Flags().Lookup("listen")); err != nil {
		return err
	}
	if err := v.BindPFlag("store.driver", cmd.Flags().Lookup("store")); err != nil {
		return err
	}
	if err := v.BindPFlag("store.path", cmd.Flags().Lookup("db")); err != nil {
		return err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	logger, logCloser := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	events := sse.New()
	events.AutoReplay = false
	events.CreateStream(pokeStream)

	engineOpts := []versync.Option{
		versync.WithLogger(logger),
		versync.WithIdempotencyTTL(cfg.Idempotency.TTL),
		versync.WithWriteConcurrency(cfg.Writes.Concurrency),
		versync.WithLooseUpsertAttempts(cfg.Writes.LooseUpsertAttempts),
		versync.WithPageLimits(cfg.Pagination.DefaultLimit, cfg.Pagination.MaxLimit),
		versync.WithSubscribeTiming(subscribeTiming(cfg.Subscribe)),
		versync.WithPublisher(poke(events)),
	}
	if cfg.Feed.Enabled {
		if feed, ok := store.(versync.Feed); ok {
			engineOpts = append(engineOpts, versync.WithFeed(feed))
		}
	}
	engine := versync.New(store, engineOpts...)

	if opts.ConfigFile != "" {
		config.Watch(v, func(sc config.SubscribeConfig) {
			engine.SetSubscribeTiming(subscribeTiming(sc))
			logger.Printf("subscribe timing reloaded: heartbeat=%s maxHold=%s retry=%s", sc.Heartbeat, sc.MaxHold, sc.Retry)
		})
	}

	// Requests inherit ctx so open subscriptions end on shutdown.
	srv := &http.Server{
		Addr:        cfg.Listen,
		Handler:     newRouter(engine, events, logger),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("Listening on http://%s (store=%s feed=%t)", cfg.Listen, cfg.Store.Driver, engine.FeedEnabled())
		serveErr <- srv.ListenAndServe()
	}()

	var errs error
	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errs = multierror.Append(errs, err)
		}
	case <-ctx.Done():
		logger.Printf("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		events.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("shutdown: %w", err))
		}
	}

	if err := closeStore(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := logCloser.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("close log: %w", err))
	}
	return errs
}

// newRouter mounts the sync endpoints and the poke stream.
func newRouter(engine *versync.Engine, events *sse.Server, logger *log.Logger) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: logger, NoColor: true}))
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowOriginFunc:  func(r *http.Request, origin string) bool { return true },
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID", versync.RequestIDHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))

	router.Get("/events", func(w http.ResponseWriter, r *http.Request) {
		events.ServeHTTP(w, r)
	})

	router.Post(versync.DefaultPushEndpoint, engine.HandlePush())
	router.Post(versync.DefaultPullEndpoint, engine.HandlePull())
	router.Post(versync.DefaultBatchEndpoint, engine.HandleBatch())
	router.Get(versync.DefaultSubscribeEndpoint, engine.HandleSubscribe())
	router.Get(versync.DefaultSubscribeWSEndpoint, engine.HandleSubscribeWS())

	return router
}

// poke publishes every committed change on the poke stream so browser
// clients know to pull.
func poke(events *sse.Server) func(versync.Change) {
	return func(c versync.Change) {
		data, err := json.Marshal(c)
		if err != nil {
			return
		}
		events.Publish(pokeStream, &sse.Event{
			Event: []byte("change"),
			Data:  data,
		})
	}
}

func subscribeTiming(sc config.SubscribeConfig) versync.SubscribeTiming {
	return versync.SubscribeTiming{
		Heartbeat: sc.Heartbeat,
		MaxHold:   sc.MaxHold,
		Retry:     sc.Retry,
	}
}

// newLogger writes to stderr and, when a log file is configured, to a
// rotating file.
func newLogger(lc config.LogConfig) (*log.Logger, io.Closer) {
	if lc.File == "" {
		return log.New(os.Stderr, "[versync] ", log.LstdFlags), io.NopCloser(nil)
	}
	rotating := &lumberjack.Logger{
		Filename:   lc.File,
		MaxSize:    lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
		MaxAge:     lc.MaxAgeDays,
		Compress:   true,
	}
	return log.New(io.MultiWriter(os.Stderr, rotating), "[versync] ", log.LstdFlags), rotating
}

// openStore returns the configured store and its closer. The SQLite store
// also gets a background purge of expired idempotency records.
func openStore(ctx context.Context, cfg *config.Config, logger *log.Logger) (versync.Store, func() error, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		st, err := sqlstore.Open(cfg.Store.Path, sqlstore.WithPollInterval(cfg.Subscribe.PollInterval))
		if err != nil {
			return nil, nil, err
		}
		go purgeLoop(ctx, st, logger)
		return st, st.Close, nil
	default:
		st := memory.New()
		return st, st.Close, nil
	}
}

func purgeLoop(ctx context.Context, st *sqlstore.Store, logger *log.Logger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.PurgeExpired(ctx)
			if err != nil {
				logger.Printf("purge idempotency: %v", err)
				continue
			}
			if n > 0 {
				logger.Printf("purged %d expired idempotency records", n)
			}
		}
	}
}
