package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/bastion/pkg/abac"
	"github.com/cuemby/bastion/pkg/audit"
	"github.com/cuemby/bastion/pkg/ca"
	"github.com/cuemby/bastion/pkg/certs"
	"github.com/cuemby/bastion/pkg/config"
	"github.com/cuemby/bastion/pkg/crypto"
	"github.com/cuemby/bastion/pkg/log"
	"github.com/cuemby/bastion/pkg/metrics"
	"github.com/cuemby/bastion/pkg/mtls"
	"github.com/cuemby/bastion/pkg/orchestrator"
	"github.com/cuemby/bastion/pkg/rbac"
	"github.com/cuemby/bastion/pkg/storage"
	"github.com/cuemby/bastion/pkg/threat"
	"github.com/cuemby/bastion/pkg/types"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the security enforcement engine",
	Long: `Start the enforcement pipeline in front of an HTTPS listener.

Role and policy sources are hot-reloaded on change; certificate rotation
and threat analysis run as background tasks.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runServe(configPath)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to engine configuration file")
}

func runServe(configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("serve")

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	passphrase := cfg.Pipeline.SealPassphrase
	if passphrase == "" {
		passphrase = os.Getenv("BASTION_SEAL_PASSPHRASE")
	}
	if passphrase == "" {
		return fmt.Errorf("seal passphrase not configured")
	}
	sealer, err := crypto.NewSealerFromPassphrase(passphrase)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Certificate authority: embedded, wrapped with retries and a breaker
	embedded := ca.NewEmbeddedCA(store, sealer)
	if err := embedded.LoadFromStore(); err != nil {
		logger.Info().Msg("no stored CA found, initializing a new one")
		if err := embedded.Initialize(); err != nil {
			return err
		}
		if err := embedded.SaveToStore(); err != nil {
			return err
		}
	}
	caClient := ca.NewRetryClient(embedded, ca.RetryConfig{
		MaxAttempts: cfg.Certs.CARetryMaxAttempts,
		BaseDelay:   config.Duration(cfg.Certs.CARetryBaseDelay, 500*time.Millisecond),
	})

	broker := audit.NewBroker(cfg.Threat.QueueSize)
	broker.Start()
	defer broker.Stop()

	certStore := certs.NewStore(store, sealer)
	manager, err := certs.NewManager(ctx, certStore, caClient, broker, certs.Config{
		RotationThreshold: time.Duration(cfg.Certs.RotationThresholdDays) * 24 * time.Hour,
		CheckInterval:     config.Duration(cfg.Certs.CheckInterval, time.Hour),
		Validity:          time.Duration(cfg.Certs.ValidityDays) * 24 * time.Hour,
	})
	if err != nil {
		return err
	}

	certID := cfg.MTLS.CertID
	if _, err := manager.Load(certID); err != nil {
		logger.Info().Str("cert_id", certID).Msg("provisioning server certificate")
		if err := manager.Provision(ctx, certID, ca.Request{Subject: certID}); err != nil {
			return err
		}
	}
	go manager.Start(ctx)

	guard := mtls.NewGuard(manager, mtls.Config{
		Mandatory:         cfg.MTLS.Mandatory,
		AllowedIdentities: cfg.MTLS.AllowedIdentities,
	})

	// Authorization layers
	roleAuthority := rbac.NewAuthority()
	policyAuthority := abac.NewAuthority(abac.Config{Strict: cfg.ABAC.Strict})

	reloader := config.NewReloader(cfg.RBAC.RolesFile, cfg.ABAC.PoliciesFile, roleAuthority, policyAuthority, broker)
	if err := reloader.LoadAll(); err != nil {
		return fmt.Errorf("failed to load authorization sources: %w", err)
	}
	go func() {
		if err := reloader.Watch(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("source watcher stopped")
		}
	}()

	// Threat analysis, fed from the event broker
	analyzer := threat.NewAnalyzer(threat.Config{
		QueueSize:           cfg.Threat.QueueSize,
		BruteForceThreshold: cfg.Threat.BruteForceThreshold,
		BruteForceWindow:    config.Duration(cfg.Threat.BruteForceWindow, time.Minute),
		MaxTravelSpeedKMH:   cfg.Threat.MaxTravelSpeedKMH,
		DecayHalfLife:       config.Duration(cfg.Threat.DecayHalfLife, 5*time.Minute),
		SuspiciousScore:     cfg.Threat.SuspiciousScore,
		ConfirmedScore:      cfg.Threat.ConfirmedScore,
		Cooldown:            config.Duration(cfg.Threat.Cooldown, 5*time.Minute),
		AssessmentTTL:       config.Duration(cfg.Threat.AssessmentTTL, 15*time.Minute),
	}, broker, store)
	go analyzer.Start(ctx)
	go func() {
		sub := broker.Subscribe()
		defer broker.Unsubscribe(sub)
		for event := range sub {
			analyzer.Submit(event)
		}
	}()

	// Audit trail
	sinks := []audit.Sink{audit.NewLogSink(log.WithComponent("audit"))}
	if cfg.Pipeline.AuditLogFile != "" {
		fileSink, err := audit.NewFileSink(cfg.Pipeline.AuditLogFile)
		if err != nil {
			return err
		}
		sinks = append(sinks, fileSink)
	}
	recorder := audit.NewRecorder(store, sinks...)
	defer recorder.Close()
	go recorder.Run(broker.Subscribe())

	engine := orchestrator.New(guard, roleAuthority, policyAuthority, analyzer, broker, orchestrator.Config{
		StageTimeout:  config.Duration(cfg.Pipeline.StageTimeout, 100*time.Millisecond),
		ThrottleRate:  rate.Limit(cfg.Pipeline.ThrottleRate),
		ThrottleBurst: cfg.Pipeline.ThrottleBurst,
	})

	// Metrics endpoint
	go func() {
		logger.Info().Str("addr", cfg.Pipeline.MetricsAddr).Msg("metrics listening")
		if err := http.ListenAndServe(cfg.Pipeline.MetricsAddr, metrics.Handler()); err != nil {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	// Protected listener: peer identity from mTLS doubles as the subject
	auth := orchestrator.AuthenticatorFunc(func(r *http.Request) (string, []string, map[string]types.AttrValue, error) {
		if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
			subject := r.TLS.PeerCertificates[0].Subject.CommonName
			return subject, roleAuthority.RolesOf(subject), nil, nil
		}
		return "", nil, nil, fmt.Errorf("no verified peer identity")
	})
	handler := engine.Middleware(auth, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}))

	tlsConfig, err := guard.BuildServerConfig(certID)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:      cfg.Pipeline.ListenAddr,
		Handler:   handler,
		TLSConfig: tlsConfig,
	}

	go func() {
		logger.Info().Str("addr", cfg.Pipeline.ListenAddr).Msg("enforcement listener up")
		if err := server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("listener stopped")
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}
