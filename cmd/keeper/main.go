package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/folajindayo/epochpay/internal/aggregate"
	"github.com/folajindayo/epochpay/internal/api"
	"github.com/folajindayo/epochpay/internal/chain"
	"github.com/folajindayo/epochpay/internal/claims"
	"github.com/folajindayo/epochpay/internal/config"
	"github.com/folajindayo/epochpay/internal/db"
	"github.com/folajindayo/epochpay/internal/epoch"
	"github.com/folajindayo/epochpay/internal/keeper"
	"github.com/folajindayo/epochpay/internal/ledger/evm"
	"github.com/folajindayo/epochpay/internal/storage"
	"github.com/folajindayo/epochpay/internal/storage/postgres"
)

func main() {
	root := &cobra.Command{
		Use:          "keeper",
		Short:        "Epoch settlement keeper",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the keeper loop and claim API",
		RunE:  runKeeper,
	}

	runCmd.Flags().String("rpc", "", "settlement chain RPC URL")
	runCmd.Flags().String("contract", "", "settlement contract address")
	runCmd.Flags().String("private-key", "", "keeper signing key hex (prefer EPOCHPAY_PRIVATE_KEY)")
	runCmd.Flags().String("pg-dsn", "", "Postgres DSN, empty means in-memory storage")
	runCmd.Flags().Duration("epoch-length", time.Hour, "settlement epoch length")
	runCmd.Flags().Uint32("fee-bps", 200, "protocol fee in basis points")
	runCmd.Flags().Duration("keeper-interval", time.Minute, "time between keeper ticks")
	runCmd.Flags().Int("max-parallel", 4, "campaigns finalized concurrently")
	runCmd.Flags().Duration("ledger-timeout", 90*time.Second, "per-submission ledger timeout")
	runCmd.Flags().Duration("confirm-timeout", 2*time.Minute, "transaction confirmation timeout")
	runCmd.Flags().Int("max-retries", 3, "maximum ledger read retry attempts")
	runCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	runCmd.Flags().String("listen", ":8080", "claim API listen address")
	runCmd.Flags().Bool("migrate", true, "apply database migrations on start")
	runCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(runCmd)

	finalizeCmd := &cobra.Command{
		Use:   "finalize",
		Short: "Finalize one campaign epoch by hand",
		RunE:  runFinalize,
	}

	finalizeCmd.Flags().Uint64("campaign", 0, "campaign id")
	finalizeCmd.Flags().Uint64("epoch", 0, "epoch number")
	finalizeCmd.Flags().String("rpc", "", "settlement chain RPC URL")
	finalizeCmd.Flags().String("contract", "", "settlement contract address")
	finalizeCmd.Flags().String("private-key", "", "keeper signing key hex (prefer EPOCHPAY_PRIVATE_KEY)")
	finalizeCmd.Flags().String("pg-dsn", "", "Postgres DSN")
	finalizeCmd.Flags().Duration("epoch-length", time.Hour, "settlement epoch length")
	finalizeCmd.Flags().Uint32("fee-bps", 200, "protocol fee in basis points")
	finalizeCmd.Flags().Duration("ledger-timeout", 90*time.Second, "per-submission ledger timeout")
	finalizeCmd.Flags().Duration("confirm-timeout", 2*time.Minute, "transaction confirmation timeout")
	finalizeCmd.Flags().Int("max-retries", 3, "maximum ledger read retry attempts")
	finalizeCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	finalizeCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(finalizeCmd)

	payoutsCmd := &cobra.Command{
		Use:   "payouts",
		Short: "Export an epoch's payout leaves and proofs as JSON",
		RunE:  runPayouts,
	}

	payoutsCmd.Flags().Uint64("campaign", 0, "campaign id")
	payoutsCmd.Flags().Uint64("epoch", 0, "epoch number")
	payoutsCmd.Flags().String("at", "", "timestamp inside the epoch (unix seconds or RFC3339), alternative to --epoch")
	payoutsCmd.Flags().String("pg-dsn", "", "Postgres DSN")
	payoutsCmd.Flags().Duration("epoch-length", time.Hour, "settlement epoch length")
	payoutsCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(payoutsCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runKeeper(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return fmt.Errorf("contract address %q is not a hex address", cfg.ContractAddress)
	}
	if cfg.PrivateKey == "" {
		return fmt.Errorf("private key is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	chainID, err := chainClient.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("read chain id: %w", err)
	}
	latest, err := chainClient.LatestBlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("read latest block: %w", err)
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	settlement, err := evm.NewSettlement(evm.Config{
		ContractAddress: common.HexToAddress(cfg.ContractAddress),
		PrivateKey:      cfg.PrivateKey,
		ConfirmTimeout:  cfg.ConfirmTimeout,
		MaxRetries:      cfg.MaxRetries,
		RetryBackoff:    cfg.RetryBackoff,
	}, chainClient, logger)
	if err != nil {
		return fmt.Errorf("init settlement: %w", err)
	}

	clock := clockwork.NewRealClock()
	aggregator := aggregate.NewAggregator(aggregate.Config{FeeBps: cfg.FeeBps}, logger)
	finalizer := epoch.NewFinalizer(epoch.Config{
		EpochLength:   cfg.EpochLength,
		LedgerTimeout: cfg.LedgerTimeout,
	}, store, settlement, aggregator, clock, logger)
	verifier := claims.NewVerifier(claims.Config{
		LedgerTimeout: cfg.LedgerTimeout,
		BulkParallel:  cfg.MaxParallel,
	}, store, settlement, logger)
	keep := keeper.NewKeeper(keeper.Config{
		Interval:    cfg.KeeperInterval,
		MaxParallel: cfg.MaxParallel,
	}, store, finalizer, clock, logger)
	server := api.NewServer(api.Config{ListenAddr: cfg.ListenAddr}, store, verifier, finalizer, logger)

	logger.Info("keeper start",
		zap.String("rpc", cfg.RPCURL),
		zap.String("chain_id", chainID.String()),
		zap.Uint64("latest_block", latest),
		zap.String("contract", cfg.ContractAddress),
		zap.String("sender", settlement.Sender().Hex()),
		zap.String("pg_dsn", redactDSN(cfg.PGDSN)),
		zap.Duration("epoch_length", cfg.EpochLength),
		zap.Uint32("fee_bps", cfg.FeeBps),
		zap.Duration("keeper_interval", cfg.KeeperInterval),
		zap.String("listen", cfg.ListenAddr),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return keep.Run(ctx) })
	g.Go(func() error { return server.Run(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("keeper stopped")
	return nil
}

// openStore picks Postgres when a DSN is configured and falls back to the
// in-memory store otherwise. Memory mode loses all state on exit.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (storage.Store, func(), error) {
	if cfg.PGDSN == "" {
		logger.Warn("no pg dsn configured, using in-memory storage")
		return storage.NewMemory(), func() {}, nil
	}

	if cfg.MigrateOnStart {
		if err := db.Migrate(cfg.PGDSN); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}

	store, err := postgres.NewStore(ctx, cfg.PGDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	return store, store.Close, nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

func redactDSN(dsn string) string {
	if dsn == "" {
		return dsn
	}
	return "***"
}
