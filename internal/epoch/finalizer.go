package epoch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/folajindayo/epochpay/internal/aggregate"
	"github.com/folajindayo/epochpay/internal/ledger"
	"github.com/folajindayo/epochpay/internal/merkle"
	"github.com/folajindayo/epochpay/internal/metrics"
	"github.com/folajindayo/epochpay/internal/model"
	"github.com/folajindayo/epochpay/internal/storage"
)

// ErrRootMismatch means the ledger already holds a root for the epoch that
// differs from the one rebuilt from receipts. Settled history can no longer
// be reproduced, so nothing is written and the error must surface loudly.
var ErrRootMismatch = errors.New("ledger root differs from rebuilt root")

// ErrEpochOpen means the epoch window has not ended yet.
var ErrEpochOpen = errors.New("epoch is still open")

// Status describes how a finalization attempt ended.
type Status string

const (
	StatusFinalized        Status = "finalized"
	StatusSkipped          Status = "skipped"
	StatusAlreadyFinalized Status = "already_finalized"
	StatusRejected         Status = "rejected"
)

// Result reports one finalization attempt. Transient failures are returned
// as errors instead and leave the epoch claimable by a later retry.
type Result struct {
	Status Status
	Epoch  model.Epoch
	Reason string
}

// Store is the slice of persistence the finalizer needs.
type Store interface {
	GetCampaign(ctx context.Context, id uint64) (model.Campaign, error)
	GetEpoch(ctx context.Context, campaignID, number uint64) (model.Epoch, error)
	UnprocessedReceipts(ctx context.Context, campaignID uint64, until time.Time) ([]model.Receipt, error)
	FinalizeEpoch(ctx context.Context, epoch model.Epoch, leaves []model.PayoutLeaf, receiptIDs []uuid.UUID) error
}

// Config controls finalization behavior.
type Config struct {
	EpochLength   time.Duration
	LedgerTimeout time.Duration
}

// Finalizer turns one campaign epoch's receipts into a committed payout
// tree: aggregate, build the root, submit to the ledger, then persist epoch,
// leaves, allocation, and processed marks in one storage transaction.
type Finalizer struct {
	cfg        Config
	store      Store
	settlement ledger.Settlement
	aggregator *aggregate.Aggregator
	clock      clockwork.Clock
	logger     *zap.Logger
	locks      *keyedMutex
}

func NewFinalizer(cfg Config, store Store, settlement ledger.Settlement, aggregator *aggregate.Aggregator, clock clockwork.Clock, logger *zap.Logger) *Finalizer {
	if cfg.EpochLength <= 0 {
		cfg.EpochLength = time.Hour
	}
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = 90 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Finalizer{
		cfg:        cfg,
		store:      store,
		settlement: settlement,
		aggregator: aggregator,
		clock:      clock,
		logger:     logger,
		locks:      newKeyedMutex(),
	}
}

// EpochLength returns the configured epoch duration.
func (f *Finalizer) EpochLength() time.Duration {
	return f.cfg.EpochLength
}

// Finalize settles one epoch for one campaign. It is idempotent: an epoch
// already settled locally or on the ledger comes back as
// StatusAlreadyFinalized, provided the recorded root matches the rebuilt
// one. A mismatch returns ErrRootMismatch and writes nothing.
func (f *Finalizer) Finalize(ctx context.Context, campaignID, number uint64) (Result, error) {
	unlock := f.locks.lock(campaignID, number)
	defer unlock()

	label := metrics.CampaignLabel(campaignID)

	_, windowEnd := model.EpochWindow(number, f.cfg.EpochLength)
	if f.clock.Now().Before(windowEnd) {
		return Result{}, fmt.Errorf("epoch %d of campaign %d runs until %s: %w", number, campaignID, windowEnd.Format(time.RFC3339), ErrEpochOpen)
	}

	if existing, err := f.store.GetEpoch(ctx, campaignID, number); err == nil {
		return Result{Status: StatusAlreadyFinalized, Epoch: existing}, nil
	} else if !errors.Is(err, storage.ErrEpochNotFound) {
		return Result{}, fmt.Errorf("load epoch: %w", err)
	}

	campaign, err := f.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return Result{}, fmt.Errorf("load campaign: %w", err)
	}
	if !campaign.Active {
		return Result{}, fmt.Errorf("campaign %d is not active", campaignID)
	}

	receipts, err := f.store.UnprocessedReceipts(ctx, campaignID, windowEnd)
	if err != nil {
		return Result{}, fmt.Errorf("fetch receipts: %w", err)
	}
	if len(receipts) == 0 {
		f.logger.Debug("no receipts for epoch", zap.Uint64("campaign_id", campaignID), zap.Uint64("epoch", number))
		metrics.EpochsSkipped.WithLabelValues(label).Inc()
		return Result{Status: StatusSkipped}, nil
	}

	earnings, err := f.aggregator.Aggregate(campaignID, number, receipts)
	if err != nil {
		return Result{}, fmt.Errorf("aggregate receipts: %w", err)
	}
	if sum := new(big.Int).Add(earnings.Net, earnings.Fee); sum.Cmp(earnings.Gross) != 0 {
		metrics.EpochFailures.WithLabelValues(label, "integrity").Inc()
		return Result{}, fmt.Errorf("epoch %d of campaign %d: net %s plus fee %s is not gross %s",
			number, campaignID, earnings.Net, earnings.Fee, earnings.Gross)
	}
	if len(earnings.Leaves) == 0 {
		// Every line floored to zero. The receipts stay queued and merge
		// into a later epoch where the accumulated gross nets out.
		f.logger.Warn("epoch nets to zero, deferring receipts",
			zap.Uint64("campaign_id", campaignID),
			zap.Uint64("epoch", number),
			zap.Int("receipts", len(receipts)),
			zap.String("gross", earnings.Gross.String()),
		)
		metrics.EpochsSkipped.WithLabelValues(label).Inc()
		return Result{Status: StatusSkipped}, nil
	}

	leafHashes := make([]common.Hash, 0, len(earnings.Leaves))
	for _, leaf := range earnings.Leaves {
		hash, err := merkle.LeafHash(leaf.Index, leaf.Payee, leaf.Amount)
		if err != nil {
			return Result{}, fmt.Errorf("hash leaf %d: %w", leaf.Index, err)
		}
		leafHashes = append(leafHashes, hash)
	}
	tree, err := merkle.Build(leafHashes)
	if err != nil {
		return Result{}, fmt.Errorf("build tree: %w", err)
	}
	root := tree.Root()

	if campaign.Remaining().Cmp(earnings.Net) < 0 {
		reason := fmt.Sprintf("payout %s exceeds remaining escrow %s", earnings.Net, campaign.Remaining())
		f.logger.Error("epoch rejected",
			zap.Uint64("campaign_id", campaignID),
			zap.Uint64("epoch", number),
			zap.String("reason", reason),
		)
		metrics.EpochFailures.WithLabelValues(label, "over_budget").Inc()
		return Result{Status: StatusRejected, Reason: reason}, nil
	}

	ledgerCtx, cancel := context.WithTimeout(ctx, f.cfg.LedgerTimeout)
	defer cancel()
	submitted, err := f.settlement.FinalizeEpoch(ledgerCtx, campaignID, number, root, earnings.Net)
	if err != nil {
		metrics.EpochFailures.WithLabelValues(label, "transient").Inc()
		return Result{}, fmt.Errorf("submit epoch %d: %w", number, err)
	}

	switch submitted.Status {
	case ledger.FinalizeAccepted:
	case ledger.FinalizeAlreadyFinalized:
		if submitted.ExistingRoot != root {
			metrics.EpochFailures.WithLabelValues(label, "integrity").Inc()
			return Result{}, fmt.Errorf("epoch %d of campaign %d: ledger holds %s, rebuilt %s: %w",
				number, campaignID, submitted.ExistingRoot, root, ErrRootMismatch)
		}
		f.logger.Warn("ledger already finalized epoch, recovering local record",
			zap.Uint64("campaign_id", campaignID),
			zap.Uint64("epoch", number),
			zap.String("root", root.Hex()),
		)
	case ledger.FinalizeRejected:
		f.logger.Error("ledger rejected epoch",
			zap.Uint64("campaign_id", campaignID),
			zap.Uint64("epoch", number),
			zap.String("reason", submitted.Reason),
		)
		metrics.EpochFailures.WithLabelValues(label, "rejected").Inc()
		return Result{Status: StatusRejected, Reason: submitted.Reason}, nil
	default:
		return Result{}, fmt.Errorf("unexpected finalize status %q", submitted.Status)
	}

	ep := model.Epoch{
		CampaignID:  campaignID,
		Number:      number,
		Root:        root,
		Payout:      earnings.Net,
		Fee:         earnings.Fee,
		LeafCount:   uint32(len(earnings.Leaves)),
		TxRef:       submitted.TxRef,
		Finalized:   true,
		FinalizedAt: f.clock.Now().UTC(),
	}
	if err := f.store.FinalizeEpoch(ctx, ep, earnings.Leaves, earnings.ReceiptIDs); err != nil {
		if errors.Is(err, storage.ErrEpochExists) {
			existing, getErr := f.store.GetEpoch(ctx, campaignID, number)
			if getErr != nil {
				return Result{}, fmt.Errorf("epoch raced and reload failed: %w", getErr)
			}
			if existing.Root != root {
				metrics.EpochFailures.WithLabelValues(label, "integrity").Inc()
				return Result{}, fmt.Errorf("epoch %d of campaign %d: stored %s, rebuilt %s: %w",
					number, campaignID, existing.Root, root, ErrRootMismatch)
			}
			return Result{Status: StatusAlreadyFinalized, Epoch: existing}, nil
		}
		// The ledger accepted the root but the local write failed. The next
		// attempt recovers through the already-finalized path above.
		metrics.EpochFailures.WithLabelValues(label, "persist").Inc()
		return Result{}, fmt.Errorf("persist epoch %d after ledger accept: %w", number, err)
	}

	f.logger.Info("epoch finalized",
		zap.Uint64("campaign_id", campaignID),
		zap.Uint64("epoch", number),
		zap.String("root", root.Hex()),
		zap.String("gross", earnings.Gross.String()),
		zap.String("payout", earnings.Net.String()),
		zap.String("fee", earnings.Fee.String()),
		zap.Uint32("leaves", ep.LeafCount),
		zap.Int("receipts", len(earnings.ReceiptIDs)),
		zap.String("tx", submitted.TxRef),
	)
	metrics.EpochsFinalized.WithLabelValues(label).Inc()
	metrics.LastFinalizedEpoch.WithLabelValues(label).Set(float64(number))
	metrics.EpochPayoutWei.WithLabelValues(label).Add(metrics.WeiValue(earnings.Net))

	return Result{Status: StatusFinalized, Epoch: ep}, nil
}
