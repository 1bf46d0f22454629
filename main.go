package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/pliu/adyx/internal/admission"
	"github.com/pliu/adyx/internal/auth"
	"github.com/pliu/adyx/internal/config"
	"github.com/pliu/adyx/internal/handlers"
	"github.com/pliu/adyx/internal/metrics"
	"github.com/pliu/adyx/internal/middleware"
	"github.com/pliu/adyx/internal/rooms"
	"github.com/pliu/adyx/internal/store"
	"github.com/pliu/adyx/internal/store/sqlstore"
	"github.com/pliu/adyx/internal/ws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("relay stopped", zap.Error(err))
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = level
	return zcfg.Build()
}

func run(cfg *config.Config, log *zap.Logger) error {
	signer, err := newSigner(cfg.TicketKey, log)
	if err != nil {
		return err
	}

	var lockouts store.LockoutStore
	if cfg.LockoutDB.Driver != "" {
		s, err := sqlstore.New(cfg.LockoutDB.Driver, cfg.LockoutDB.DSN)
		if err != nil {
			return fmt.Errorf("open lockout store: %w", err)
		}
		defer s.Close()
		lockouts = s
		log.Info("lockouts persisted", zap.String("driver", cfg.LockoutDB.Driver))
	}

	m := metrics.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := m.Register(reg); err != nil {
		return err
	}

	registry := rooms.NewRegistry(cfg.Rooms(), log.Named("rooms"))
	guard := admission.NewGuard(cfg.Admission(), signer, lockouts, log.Named("admission"))
	relay := ws.NewRelay(cfg.Relay(), registry, guard, signer, m, log.Named("relay"))

	roomHandler := &handlers.RoomHandler{
		Registry:  registry,
		Guard:     guard,
		Tickets:   signer,
		TicketTTL: cfg.TicketTTL,
		Metrics:   m,
		Log:       log.Named("api"),
	}
	healthHandler := &handlers.HealthHandler{Registry: registry}

	r := mux.NewRouter()
	r.Use(middleware.Logging(log.Named("http")))
	r.Use(middleware.SourceAddress(cfg.TrustProxy))

	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.NoStore)
	api.HandleFunc("/rooms", roomHandler.CreateRoom).Methods(http.MethodPost)
	api.HandleFunc("/rooms/join", roomHandler.JoinRoom).Methods(http.MethodPost)

	r.HandleFunc("/ws", relay.ServeWs)
	r.HandleFunc("/health", healthHandler.Health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler(reg)).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		relay.Run(ctx)
	}()
	go guard.Run(ctx, time.Hour)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting relay", zap.String("addr", cfg.Addr))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	// Rooms close first so hijacked sockets, which Shutdown does not track,
	// receive a proper close frame.
	<-relayDone
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newSigner(key string, log *zap.Logger) (*auth.Signer, error) {
	if key == "" {
		log.Info("no ticket_key configured, using an ephemeral key")
		return auth.NewRandomSigner()
	}
	return auth.NewSigner([]byte(key))
}
