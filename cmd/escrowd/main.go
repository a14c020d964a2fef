package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"escrowcore/internal/api"
	"escrowcore/internal/attest"
	"escrowcore/internal/config"
	"escrowcore/internal/contracts/escrow"
	"escrowcore/internal/contracts/milestone"
	"escrowcore/internal/contracts/registry"
	"escrowcore/internal/host"
	"escrowcore/internal/models"
	"escrowcore/internal/orchestrator"
	"escrowcore/internal/retry"
	"escrowcore/internal/store"
	"escrowcore/internal/token"

	"github.com/joho/godotenv"
)

func main() {
	fmt.Println("🌟 Starting escrow contract core...")

	// 1. Load configuration
	_ = godotenv.Load()
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}

	// 2. Configure logger
	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Configuration loaded",
		"network", cfg.NetworkPassphrase,
		"log_level", cfg.LogLevel,
	)

	// 3. Initialize the storage backend
	ctx := context.Background()
	var backend host.Backend
	var pinger api.Pinger
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("❌ Failed to connect to database: %v", err)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("❌ Failed to run migrations: %v", err)
		}
		backend = pg
		pinger = pg
		slog.Info("Database connected successfully")
	} else {
		backend = store.NewMemory()
		slog.Warn("No DATABASE_URL set, contract state is in-memory only")
	}

	// 4. Wire collaborators and contract instances
	scheme := attest.NewScheme(cfg.NetworkPassphrase)
	assetLedger := token.NewMemory()

	reg := registry.New(backend)
	esc := escrow.New(backend, assetLedger, scheme, cfg.EscrowAddress)
	ms := milestone.New(backend, scheme)

	projectCount, err := reg.GetProjectCount(ctx)
	if err != nil {
		log.Fatalf("❌ Failed to read project registry: %v", err)
	}
	slog.Info("Project registry loaded", "projects", projectCount)

	// 5. One-time contract configuration; tolerated on restart
	bootCall := host.Call{Timestamp: time.Now().UTC()}
	if err := esc.Initialize(ctx, bootCall, cfg.TokenContract, cfg.AttestationPublicKey); err != nil {
		if !errors.Is(err, host.ErrAlreadyInitialized) {
			log.Fatalf("❌ Failed to initialize funding escrow: %v", err)
		}
		slog.Debug("Funding escrow already initialized")
	}
	if cfg.AdminAddress != "" {
		if err := ms.Initialize(ctx, bootCall, cfg.AdminAddress, cfg.AttestationPublicKey); err != nil {
			if !errors.Is(err, host.ErrAlreadyInitialized) {
				log.Fatalf("❌ Failed to initialize milestone manager: %v", err)
			}
			slog.Debug("Milestone manager already initialized")
		}
	}

	// 6. Release orchestrator, only when the signer seed is configured.
	// Reconciles configured projects on a fixed interval so a saga that
	// stopped between its two steps surfaces as unsettled stroops.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.AttestationSignerSeed != "" {
		strategy := retry.NewStrategy(retry.LoadConfig())
		client := orchestrator.NewContractClient(esc, ms, scheme, cfg.AttestationSignerSeed, strategy)
		slog.Info("Release orchestrator enabled",
			"strategy", strategy.Name(),
			"reconcile_projects", len(cfg.ReconcileProjects),
		)

		if len(cfg.ReconcileProjects) > 0 {
			go reconcileLoop(runCtx, client, cfg.ReconcileProjects, cfg.ReconcileInterval)
		}
	} else {
		slog.Info("No attestation signer seed configured, running read-only")
	}

	// 7. Ops listener: health and Prometheus metrics
	srv := api.NewServer(cfg.MetricsPort, pinger)
	if err := srv.Start(); err != nil {
		log.Fatalf("❌ Failed to start ops server: %v", err)
	}

	// 8. Wait for interrupt
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Warn("Interrupt received, shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error shutting down ops server", "error", err)
	}

	slog.Info("Escrow contract core stopped")
}

// reconcileLoop periodically cross-checks milestone approval state
// against escrow fund movement for the configured projects.
func reconcileLoop(ctx context.Context, client *orchestrator.ContractClient, projects []string, interval time.Duration) {
	ids := make([]models.ID, 0, len(projects))
	for _, raw := range projects {
		id, err := models.IDFromString(raw)
		if err != nil {
			slog.Error("Skipping invalid project ID in RECONCILE_PROJECTS", "project_id", raw, "error", err)
			continue
		}
		ids = append(ids, id)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range ids {
				report, err := client.Reconcile(ctx, id)
				if err != nil {
					slog.Error("Reconciliation failed", "project_id", id.String(), "error", err)
					continue
				}
				slog.Debug("Reconciliation pass complete",
					"project_id", id.String(),
					"available", report.Available,
					"unsettled_stroops", report.UnsettledStroops,
					"pending_payout_stroops", report.PendingPayoutStroops,
				)
			}
		}
	}
}
