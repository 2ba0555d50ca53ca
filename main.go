package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	zero "github.com/rs/zerolog/log"
	"github.com/sidereusnuntius/agora/internal/actors"
	"github.com/sidereusnuntius/agora/internal/blocklist"
	"github.com/sidereusnuntius/agora/internal/client"
	"github.com/sidereusnuntius/agora/internal/config"
	dbimpl "github.com/sidereusnuntius/agora/internal/db/impl"
	"github.com/sidereusnuntius/agora/internal/delivery"
	"github.com/sidereusnuntius/agora/internal/gateway"
	"github.com/sidereusnuntius/agora/internal/inbox"
	"github.com/sidereusnuntius/agora/internal/initialization"
	"github.com/sidereusnuntius/agora/internal/keys"
	"github.com/sidereusnuntius/agora/internal/signature"
	"github.com/sidereusnuntius/agora/internal/vault"
	"github.com/sidereusnuntius/agora/internal/web"
	"github.com/sidereusnuntius/agora/internal/wellknown"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	zero.Logger = zero.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.ReadConfig()
	if err != nil {
		zero.Fatal().Err(err).Msg("failed to read configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := initialization.OpenDB(cfg.DbUrl)
	if err != nil {
		zero.Fatal().Err(err).Msg("failed to open database")
	}
	zero.Info().Msg("database connection established")

	if err = initialization.SetupDB(d, cfg.MigrationsFolder, cfg.DbUrl); err != nil {
		zero.Fatal().Err(err).Msg("migrations failed")
	}

	dd := dbimpl.New(d)

	v, err := vault.New(cfg.RootSecret, vault.ContextFederation)
	if err != nil {
		zero.Fatal().Err(err).Msg("failed to initialize key vault")
	}
	ks := keys.New(dd, v, cfg.RsaKeySize)

	siteActor, err := initialization.EnsureInstance(ctx, dd, ks, &cfg)
	if err != nil {
		zero.Fatal().Err(err).Msg("failed to set up site actor")
	}

	siteKey, err := ks.PrivateKey(ctx, &siteActor)
	if err != nil {
		zero.Fatal().Err(err).Msg("failed to load site actor key")
	}

	httpClient, err := client.New(&cfg, siteKey, siteActor.KeyID())
	if err != nil {
		zero.Fatal().Err(err).Msg("failed to build federation client")
	}

	blocks := blocklist.New(dd)
	if err = blocks.Refresh(ctx); err != nil {
		zero.Fatal().Err(err).Msg("failed to load domain blocklist")
	}

	actorCache := actors.New(dd, httpClient, blocks, &cfg)
	verifier := signature.New(actorCache, blocks, &cfg)

	queue := delivery.NewQueue(dd, blocks, &cfg)
	worker := delivery.NewWorker(dd, httpClient, ks, blocks, &cfg)
	// The worker gets its own context so that shutdown drains in-flight
	// deliveries instead of cancelling them; Stop is what terminates it.
	worker.Start(context.Background())

	tasks, err := initialization.InitQueue(&cfg)
	if err != nil {
		zero.Fatal().Err(err).Msg("unable to set up the task queue database")
	}

	gw := gateway.New(ctx, dd, queue, actorCache, blocks, tasks, &cfg)
	processor := inbox.New(dd, gw, &cfg)

	handler := web.New(&cfg, dd, verifier, processor, queue, blocks, ks)
	router := chi.NewRouter()
	handler.Mount(router)
	wellknown.Mount(dd, &cfg, router)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	go func() {
		zero.Info().Uint16("port", cfg.Port).Msg("started server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zero.Fatal().Err(err).Msg("server stopped")
		}
	}()

	<-ctx.Done()
	zero.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zero.Error().Err(err).Msg("server shutdown failed")
	}

	// In-flight deliveries finish before the process exits.
	worker.Stop()
}
