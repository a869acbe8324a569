// Package main is the webgrove API server: the REST surface, the workflow
// engine and the deployment sweep in one process.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/webgrove/api/internal/activities"
	"github.com/webgrove/api/internal/api"
	"github.com/webgrove/api/internal/circuitbreaker"
	"github.com/webgrove/api/internal/config"
	"github.com/webgrove/api/internal/content"
	"github.com/webgrove/api/internal/database"
	"github.com/webgrove/api/internal/deploy"
	"github.com/webgrove/api/internal/flowengine"
	"github.com/webgrove/api/internal/generation"
	"github.com/webgrove/api/internal/handlers"
	"github.com/webgrove/api/internal/ledger"
	"github.com/webgrove/api/internal/middleware"
	"github.com/webgrove/api/internal/notify"
	"github.com/webgrove/api/internal/provider"
	"github.com/webgrove/api/internal/repo"
	"github.com/webgrove/api/internal/workflows"
)

func main() {
	cfg := config.Get()
	setupLogging(cfg.LogLevel)
	log.Info().Str("version", cfg.Version).Msg("Starting webgrove API")

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("Open database failed")
	}
	defer database.Close(db)

	if err := database.InitSchema(db); err != nil {
		log.Fatal().Err(err).Msg("Init schema failed")
	}
	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("Migrations failed")
	}

	// Repositories and ledger
	clusters := repo.NewClusters(db)
	sites := repo.NewSites(db)
	servers := repo.NewServers(db)
	pages := repo.NewPages(db)
	requestKeys := repo.NewRequestKeys(db)
	ledgerSvc := ledger.NewService(db)

	// Outbound clients, each behind its own breaker
	providerBreaker := circuitbreaker.New("provider-manager", circuitbreaker.Config{})
	contentBreaker := circuitbreaker.New("content-service", circuitbreaker.Config{})
	contentClient := content.NewClient(cfg.ContentServiceURL, cfg.ContentServiceTimeout, contentBreaker)

	scripts := provider.NewScriptRunner(provider.ScriptRunnerConfig{
		User:            cfg.SSHUser,
		ConnectTimeout:  cfg.SSHConnectTimeout,
		SetupScriptPath: cfg.SetupScriptPath,
		RemoteDir:       cfg.UploadRemoteDir,
	})
	providers := provider.NewRegistry()
	mustRegisterProvider(providers, provider.NewHetzner(cfg.ProviderManagerURL, cfg.ProviderManagerTimeout, providerBreaker, scripts))
	mustRegisterProvider(providers, provider.NewScaleway(cfg.ProviderManagerURL, cfg.ProviderManagerTimeout, providerBreaker, scripts))

	// Notifications: structured log plus the in-process hub
	hub := notify.NewHub()
	notifier := notify.Multi{notify.NewLogSink(), hub}

	// Workflow engine
	store := flowengine.NewWorkflowStore(db)
	registry := flowengine.NewActivityRegistry()
	engine := flowengine.NewWorkflowEngine(store, registry, flowengine.DefaultEngineConfig())

	// Domain services
	generationSvc := generation.NewService(generation.Deps{
		Clusters:    clusters,
		Sites:       sites,
		Pages:       pages,
		Ledger:      ledgerSvc,
		Content:     contentClient,
		RequestKeys: requestKeys,
		Engine:      engine,
		Notifier:    notifier,
	}, cfg.PricePerPage, cfg.RequestKeyTTL)

	deployer := deploy.NewDeployer(deploy.Deps{
		Sites:     sites,
		Servers:   servers,
		Providers: providers,
		Content:   contentClient,
		Engine:    engine,
		Notifier:  notifier,
	}, "hetzner")

	activities.RegisterGeneration(registry, generationSvc)
	activities.RegisterDeployment(registry, deployer)

	for _, def := range workflows.All() {
		if err := engine.RegisterWorkflow(def); err != nil {
			log.Fatal().Err(err).Str("type", def.Type()).Msg("Register workflow failed")
		}
	}
	engine.OnCompletion(generation.WorkflowClusterGeneration, generationSvc.FinalizeClusterRun)
	engine.OnCompletion(generation.WorkflowClusterRefresh, generationSvc.FinalizeClusterRun)
	engine.OnCompletion(generation.WorkflowExtraPage, generationSvc.FinalizeExtraPageRun)
	engine.OnCompletion(deploy.WorkflowSiteDeployment, deployer.Finalize)
	engine.OnCompletion(deploy.WorkflowSiteRedeployment, deployer.Finalize)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Start workflow engine failed")
	}
	defer engine.Stop()

	if cfg.SweepEnabled {
		sweeper := deploy.NewSweeper(sites, deployer, cfg.SweepInterval)
		go sweeper.Run(ctx)
	}

	// HTTP surface
	h := handlers.New(clusters, sites, pages, ledgerSvc, generationSvc, deployer)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	api.RegisterHealthRoutes(r, cfg, db, engine)
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.JWTAuth(cfg))
			h.Routes(r)
		})
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr()).Msg("API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}

func mustRegisterProvider(registry *provider.Registry, gw provider.Gateway) {
	if err := registry.Register(gw); err != nil {
		log.Fatal().Err(err).Str("provider", gw.Name()).Msg("Register provider failed")
	}
}
