package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ytrelay/yt-relay/server/config"
	"github.com/ytrelay/yt-relay/server/internal/events"
	"github.com/ytrelay/yt-relay/server/internal/kv"
	"github.com/ytrelay/yt-relay/server/internal/process"
	"github.com/ytrelay/yt-relay/server/internal/queue"
	"github.com/ytrelay/yt-relay/server/logging"
	"github.com/ytrelay/yt-relay/server/rest"
	"github.com/ytrelay/yt-relay/server/status"
	"golang.org/x/sync/errgroup"
)

type RunConfig struct {
	Config  *config.Config
	Version string
}

type serverConfig struct {
	conf       config.Config
	version    string
	mdb        *kv.Store
	hub        *events.Hub
	limiter    *queue.Limiter
	supervisor *process.Supervisor
}

func Run(ctx context.Context, rc *RunConfig) error {
	conf := *rc.Config

	logger, closer, err := logging.New(conf.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()

	slog.SetDefault(logger)

	bus := EventBus.New()

	mdb := kv.NewStore()
	if err := mdb.EventListener(bus); err != nil {
		return err
	}

	hub := events.NewHub()
	if err := hub.Attach(bus); err != nil {
		return err
	}

	limiter, err := queue.NewLimiter(conf.Server.QueueSize, conf.Server.AdmissionTimeout)
	if err != nil {
		return err
	}

	scfg := serverConfig{
		conf:       conf,
		version:    rc.Version,
		mdb:        mdb,
		hub:        hub,
		limiter:    limiter,
		supervisor: process.New(process.WithBus(bus)),
	}

	srv := newServer(scfg)

	var (
		network = "tcp"
		address = fmt.Sprintf("%s:%d", conf.Server.Host, conf.Server.Port)
	)

	// support unix sockets
	if strings.HasPrefix(conf.Server.Host, "/") {
		network = "unix"
		address = conf.Server.Host
	}

	listener, err := net.Listen(network, address)
	if err != nil {
		slog.Error("failed to listen", slog.String("err", err.Error()))
		return err
	}

	slog.Info("yt-relay started",
		slog.String("address", address),
		slog.Int("queue_size", conf.Server.QueueSize),
		slog.String("downloader", conf.Paths.DownloaderPath),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("http server stopped", slog.String("err", err.Error()))
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return gracefulShutdown(srv, &scfg)
	})

	return g.Wait()
}

func newServer(c serverConfig) *http.Server {
	r := chi.NewRouter()

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodOptions,
		},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
	})

	r.Use(corsMiddleware.Handler)
	r.Use(middleware.RequestID)
	r.Use(logging.RequestLogger)
	r.Use(middleware.Recoverer)

	// REST API handlers
	r.Route("/api", rest.ApplyRouter(&rest.ContainerArgs{
		Config:     c.conf,
		Supervisor: c.supervisor,
		Limiter:    c.limiter,
		Hub:        c.hub,
		Version:    c.version,
	}))

	// Status
	r.Route("/status", status.ApplyRouter(c.mdb, c.limiter))

	if fp := c.conf.Frontend.Path; fp != "" {
		r.Mount("/", http.FileServer(http.FS(os.DirFS(fp))))
	}

	return &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func gracefulShutdown(srv *http.Server, cfg *serverConfig) error {
	slog.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.conf.Server.ShutdownTimeout)
	defer cancel()

	err := srv.Shutdown(ctx)
	if err == nil {
		return nil
	}

	// downloads still streaming past the deadline
	slog.Warn("forcing shutdown",
		slog.Int("running", len(cfg.mdb.Keys())),
		slog.String("err", err.Error()),
	)
	cfg.mdb.KillAll()

	if errors.Is(err, context.DeadlineExceeded) {
		return srv.Close()
	}
	return err
}
