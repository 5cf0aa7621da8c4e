// Command coordinatord runs the Votara Coordinator: the Chain Tail, the
// nightly reconciliation export, and the HTTP API, all sharing one database
// connection and one Chain Gateway. Grounded on oracle-attesterd's Main()
// wiring and shutdown sequencing.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"votara/observability/logging"
	telemetry "votara/observability/otel"
	"votara/services/coordinator/auth"
	"votara/services/coordinator/chain"
	"votara/services/coordinator/config"
	"votara/services/coordinator/identity"
	"votara/services/coordinator/metrics"
	"votara/services/coordinator/models"
	"votara/services/coordinator/recon"
	"votara/services/coordinator/server"
	"votara/services/coordinator/store"
	"votara/services/coordinator/tail"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("coordinatord: %v", err)
	}
}

func run() error {
	env := strings.TrimSpace(os.Getenv("VOTARA_ENV"))

	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup("coordinatord", env, cfg.LogFile)

	insecure := cfg.OTELInsecure
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "coordinatord",
		Environment: env,
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    insecure,
		Headers:     cfg.OTELHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	dataStore := store.New(db)

	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	gateway, err := chain.Dial(dialCtx, cfg.RPCURL, cfg.VotingContractAddress, cfg.MembershipContractAddress, cfg.SigningKey)
	cancel()
	if err != nil {
		return fmt.Errorf("dial chain: %w", err)
	}
	defer gateway.Close()

	projector := identity.NewProjector(identity.Keccak256Hasher{})
	nonceIssuer := auth.NewNonceIssuer(cfg.ServerKey)
	tokenIssuer := auth.NewTokenIssuer(cfg.ServerKey, cfg.TokenTTL)
	exporter := &recon.Exporter{Store: dataStore}

	coordinatorMetrics := metrics.New(prometheus.DefaultRegisterer)

	holderID := uuid.NewString()
	chainTail := &tail.Tail{
		Chain:         gateway,
		Store:         dataStore,
		PollInterval:  cfg.PollInterval,
		MaxWindow:     cfg.MaxWindow,
		Confirmations: cfg.Confirmations,
		HolderID:      holderID,
		Logger:        logger,
		OnEventsApplied: func(n int) {
			coordinatorMetrics.EventsApplied.Add(float64(n))
		},
	}
	chainTail.OnState = func(st tail.State) {
		coordinatorMetrics.ObserveState(
			[]string{string(tail.StateIdle), string(tail.StateFetching), string(tail.StateApplying), string(tail.StateAdvance), string(tail.StateBackoff)},
			string(st),
		)
		if st == tail.StateBackoff {
			coordinatorMetrics.TailBackoffs.Inc()
		}
	}

	recScheduler := &recon.Scheduler{
		Exporter:  exporter,
		OutputDir: cfg.ReconOutputDir,
		Window:    cfg.ReconWindow,
		RunHour:   cfg.ReconRunHour,
		RunMinute: cfg.ReconRunMinute,
		Logger:    logger,
	}

	srv := server.New(server.Config{
		Store:       dataStore,
		Chain:       gateway,
		Projector:   projector,
		NonceIssuer: nonceIssuer,
		Tokens:      tokenIssuer,
		Exporter:    exporter,
		Metrics:     coordinatorMetrics,
		CORSOrigin:  cfg.CORSOrigin,
		HealthCheck: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	})

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go chainTail.Run(stopCtx)
	go recScheduler.Start(stopCtx)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      otelhttp.NewHandler(srv.Handler(), "votara-coordinator"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("coordinatord listening",
			"addr", cfg.ListenAddr,
			"chain", cfg.Chain,
			logging.MaskField("signingKey", cfg.SigningKey),
			logging.MaskField("serverKey", cfg.ServerKey),
		)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
