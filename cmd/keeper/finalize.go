package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/folajindayo/epochpay/internal/aggregate"
	"github.com/folajindayo/epochpay/internal/chain"
	"github.com/folajindayo/epochpay/internal/config"
	"github.com/folajindayo/epochpay/internal/epoch"
	"github.com/folajindayo/epochpay/internal/ledger/evm"
	"github.com/folajindayo/epochpay/internal/storage/postgres"
)

func runFinalize(cmd *cobra.Command, _ []string) error {
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

	campaignID, _ := cmd.Flags().GetUint64("campaign")
	number, _ := cmd.Flags().GetUint64("epoch")
	if campaignID == 0 {
		return fmt.Errorf("campaign id is required")
	}
	if number == 0 {
		return fmt.Errorf("epoch number is required")
	}

	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return fmt.Errorf("contract address %q is not a hex address", cfg.ContractAddress)
	}
	if cfg.PrivateKey == "" {
		return fmt.Errorf("private key is required")
	}
	if cfg.PGDSN == "" {
		return fmt.Errorf("pg dsn is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	store, err := postgres.NewStore(ctx, cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer store.Close()

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

	aggregator := aggregate.NewAggregator(aggregate.Config{FeeBps: cfg.FeeBps}, logger)
	finalizer := epoch.NewFinalizer(epoch.Config{
		EpochLength:   cfg.EpochLength,
		LedgerTimeout: cfg.LedgerTimeout,
	}, store, settlement, aggregator, clockwork.NewRealClock(), logger)

	result, err := finalizer.Finalize(ctx, campaignID, number)
	if err != nil {
		return err
	}

	switch result.Status {
	case epoch.StatusFinalized, epoch.StatusAlreadyFinalized:
		logger.Info("epoch finalized",
			zap.Uint64("campaign", campaignID),
			zap.Uint64("epoch", number),
			zap.String("status", string(result.Status)),
			zap.String("root", result.Epoch.Root.Hex()),
			zap.String("payout", result.Epoch.Payout.String()),
			zap.Uint32("leaves", result.Epoch.LeafCount),
			zap.String("tx_ref", result.Epoch.TxRef),
		)
	case epoch.StatusSkipped:
		logger.Info("epoch skipped",
			zap.Uint64("campaign", campaignID),
			zap.Uint64("epoch", number),
			zap.String("reason", result.Reason),
		)
	case epoch.StatusRejected:
		return fmt.Errorf("epoch rejected: %s", result.Reason)
	}
	return nil
}
