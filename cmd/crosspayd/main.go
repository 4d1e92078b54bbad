// Command crosspayd runs the settlement daemon: the facilitator
// verify/settle API and the multi-source send orchestrator.
//
// Configuration comes from a YAML file (see -config) plus environment
// variables for key material:
//
//	FACILITATOR_KEY  hex private key submitting pulls and destination mints
//	WALLET_KEYS      comma-separated hex private keys of managed wallets
//	WALLET_SECRET    unlock secret shared by the managed wallets
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/becomeliminal/crosspay"
	"github.com/becomeliminal/crosspay/cctp"
	"github.com/becomeliminal/crosspay/evm"
	"github.com/becomeliminal/crosspay/server"
)

type fileConfig struct {
	Listen string          `yaml:"listen"`
	Engine crosspay.Config `yaml:"engine"`
}

func main() {
	configPath := flag.String("config", "crosspay.yaml", "path to the YAML configuration file")
	listen := flag.String("listen", "", "listen address (overrides the config file)")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(*configPath, *listen, logger); err != nil {
		logger.Fatal("daemon exited", zap.Error(err))
	}
}

func run(configPath, listenFlag string, logger *zap.Logger) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if listenFlag != "" {
		cfg.Listen = listenFlag
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}

	facilitatorKey := os.Getenv("FACILITATOR_KEY")
	if facilitatorKey == "" {
		return fmt.Errorf("FACILITATOR_KEY is required")
	}
	facilitator, err := evm.CredentialFromHex(facilitatorKey)
	if err != nil {
		return fmt.Errorf("loading facilitator key: %w", err)
	}

	keyring := evm.NewKeyring()
	secret := os.Getenv("WALLET_SECRET")
	for _, hexKey := range splitNonEmpty(os.Getenv("WALLET_KEYS")) {
		wallet, err := keyring.AddHex(hexKey, secret)
		if err != nil {
			return fmt.Errorf("loading wallet key: %w", err)
		}
		logger.Info("managed wallet loaded", zap.String("wallet", wallet))
	}

	chains := evm.NewClient(&cfg.Engine, logger)
	defer chains.Close()

	attestations := cctp.NewClient(cfg.Engine.AttestationURL, logger)
	verifier := evm.NewVerifier(&cfg.Engine, chains, logger)
	settler := evm.NewSettler(&cfg.Engine, chains, attestations, facilitator, logger)
	balances := evm.NewBalanceReader(&cfg.Engine, chains, logger)
	orch := crosspay.NewOrchestrator(&cfg.Engine, balances, keyring, settler, logger)

	srv := server.New(&cfg.Engine, verifier, settler, orch, keyring.Wallets(), logger)
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Listen), zap.Strings("chains", cfg.Engine.Supported()))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func loadConfig(path string) (*fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Engine.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	return &cfg, nil
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
