package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/varianteffect/mavedb-worker/internal/app"
	"github.com/varianteffect/mavedb-worker/internal/clients/clingen"
	"github.com/varianteffect/mavedb-worker/internal/clients/clinvar"
	"github.com/varianteffect/mavedb-worker/internal/clients/gnomad"
	"github.com/varianteffect/mavedb-worker/internal/clients/uniprot"
	"github.com/varianteffect/mavedb-worker/internal/clients/vrs"
	"github.com/varianteffect/mavedb-worker/internal/data/db"
	"github.com/varianteffect/mavedb-worker/internal/jobs/pipeline/createvariants"
	"github.com/varianteffect/mavedb-worker/internal/jobs/pipeline/linkclingen"
	"github.com/varianteffect/mavedb-worker/internal/jobs/pipeline/linkgnomad"
	"github.com/varianteffect/mavedb-worker/internal/jobs/pipeline/mapvariants"
	"github.com/varianteffect/mavedb-worker/internal/jobs/pipeline/polluniprot"
	"github.com/varianteffect/mavedb-worker/internal/jobs/pipeline/refreshclinvar"
	"github.com/varianteffect/mavedb-worker/internal/jobs/pipeline/submitcar"
	"github.com/varianteffect/mavedb-worker/internal/jobs/pipeline/submitldh"
	"github.com/varianteffect/mavedb-worker/internal/jobs/pipeline/submituniprot"
	"github.com/varianteffect/mavedb-worker/internal/jobs/runtime"
	"github.com/varianteffect/mavedb-worker/internal/jobs/worker"
	"github.com/varianteffect/mavedb-worker/internal/pkg/executor"
	"github.com/varianteffect/mavedb-worker/internal/platform/gcs"
	"github.com/varianteffect/mavedb-worker/internal/platform/logger"
	"github.com/varianteffect/mavedb-worker/internal/queue"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Config
	log.Info("Loading worker configuration...")
	cfg, err := app.Load()
	if err != nil {
		log.Fatal("Config load failed", "error", err)
	}

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("Postgres init failed", "error", err)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Fatal("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Redis queue
	gateway, err := queue.NewRedisGatewayFromEnv(log)
	if err != nil {
		log.Fatal("Redis init failed", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Object storage
	storage, err := gcs.New(ctx, log)
	if err != nil {
		log.Warn("Could not init storage service, score set file jobs will fail", "error", err)
	} else {
		defer storage.Close()
	}

	// External clients
	log.Info("Setting up external clients...")
	vrsClient, err := vrs.NewFromEnv(log)
	if err != nil {
		log.Fatal("Could not init VRS mapping client", "error", err)
	}
	var carClient clingen.CARClient
	var ldhClient clingen.LDHClient
	if cfg.ClinGenSubmissionEnabled {
		if carClient, err = clingen.NewCARFromEnv(log); err != nil {
			log.Fatal("Could not init CAR client", "error", err)
		}
		if ldhClient, err = clingen.NewLDHFromEnv(log); err != nil {
			log.Fatal("Could not init LDH client", "error", err)
		}
	} else {
		log.Info("ClinGen submission disabled, CAR/LDH clients not configured")
	}
	gnomadClient, err := gnomad.NewFromEnv(log)
	if err != nil {
		log.Fatal("Could not init gnomAD client", "error", err)
	}
	uniprotClient, err := uniprot.NewFromEnv(log)
	if err != nil {
		log.Fatal("Could not init UniProt client", "error", err)
	}
	clinvarClient, err := clinvar.NewFromEnv(log)
	if err != nil {
		log.Fatal("Could not init ClinVar client", "error", err)
	}

	// Shared job environment
	wc := &runtime.Context{
		DB:    thePG,
		Queue: gateway,
		Repos: runtime.NewRepos(thePG, log),
		Clients: runtime.Clients{
			VRS:     vrsClient,
			CAR:     carClient,
			LDH:     ldhClient,
			GnomAD:  gnomadClient,
			UniProt: uniprotClient,
			ClinVar: clinvarClient,
			Storage: storage,
		},
		Executor: executor.NewPool(cfg.WorkerConcurrency),
		Config:   cfg,
		Log:      log,
	}

	// Job functions
	registry := runtime.NewRegistry()
	for name, fn := range map[string]runtime.JobFunc{
		createvariants.Name: createvariants.Run,
		mapvariants.Name:    mapvariants.Run,
		submitcar.Name:      submitcar.Run,
		submitldh.Name:      submitldh.Run,
		linkclingen.Name:    linkclingen.Run,
		linkgnomad.Name:     linkgnomad.Run,
		submituniprot.Name:  submituniprot.Run,
		polluniprot.Name:    polluniprot.Run,
		refreshclinvar.Name: refreshclinvar.Run,
	} {
		if err := registry.Register(name, fn); err != nil {
			log.Fatal("Job registration failed", "job_function", name, "error", err)
		}
	}

	w, err := worker.New(wc, registry)
	if err != nil {
		log.Fatal("Worker init failed", "error", err)
	}
	log.Info("Worker starting",
		"job_functions", registry.Names(),
		"concurrency", cfg.WorkerConcurrency,
		"poll_interval", cfg.PollInterval.String(),
	)
	if err := w.Run(ctx); err != nil {
		log.Error("Worker stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("Worker stopped cleanly")
}
