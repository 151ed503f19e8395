package claims

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/folajindayo/epochpay/internal/ledger"
	"github.com/folajindayo/epochpay/internal/merkle"
	"github.com/folajindayo/epochpay/internal/metrics"
	"github.com/folajindayo/epochpay/internal/model"
	"github.com/folajindayo/epochpay/internal/storage"
)

var (
	ErrEpochNotFound  = errors.New("epoch not found")
	ErrInvalidProof   = errors.New("invalid claim proof")
	ErrLedgerRejected = errors.New("ledger rejected claim")
)

// Status labels a settled claim outcome.
type Status string

const (
	StatusPaid           Status = "paid"
	StatusAlreadyClaimed Status = "already_claimed"
	StatusEpochNotFound  Status = "epoch_not_found"
	StatusInvalidProof   Status = "invalid_proof"
	StatusRejected       Status = "rejected"
	StatusFailed         Status = "failed"
)

// Outcome reports a claim that reached a benign end state.
type Outcome struct {
	Status Status
	TxRef  string
}

// BulkItem is the per-request outcome of a bulk claim. Failed items carry
// the error text; the rest of the batch settles regardless.
type BulkItem struct {
	Index  int    `json:"index"`
	Status Status `json:"status"`
	TxRef  string `json:"tx_ref,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Store is the slice of persistence the verifier needs.
type Store interface {
	GetEpoch(ctx context.Context, campaignID, number uint64) (model.Epoch, error)
	GetLeaf(ctx context.Context, campaignID, number uint64, index uint32) (model.PayoutLeaf, error)
	ClaimLeaf(ctx context.Context, campaignID, number uint64, index uint32) error
	RecordClaimTx(ctx context.Context, campaignID, number uint64, index uint32, txRef string) error
	ReleaseLeaf(ctx context.Context, campaignID, number uint64, index uint32) error
}

// Config controls claim verification behavior.
type Config struct {
	LedgerTimeout time.Duration
	BulkParallel  int
}

// Verifier checks claims against committed epochs and forwards valid ones
// to the settlement ledger. The claimed flag is taken before submission and
// released on failure, so a leaf is forwarded at most once at a time.
type Verifier struct {
	cfg        Config
	store      Store
	settlement ledger.Settlement
	logger     *zap.Logger
}

func NewVerifier(cfg Config, store Store, settlement ledger.Settlement, logger *zap.Logger) *Verifier {
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = 90 * time.Second
	}
	if cfg.BulkParallel <= 0 {
		cfg.BulkParallel = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{
		cfg:        cfg,
		store:      store,
		settlement: settlement,
		logger:     logger,
	}
}

// Claim verifies and settles one payout claim. Benign repeats come back as
// StatusAlreadyClaimed. Validation failures return ErrEpochNotFound or
// ErrInvalidProof before anything is spent on the ledger; a definite ledger
// refusal returns ErrLedgerRejected. Any other error is transient and the
// claim can be retried.
func (v *Verifier) Claim(ctx context.Context, req model.ClaimRequest) (Outcome, error) {
	epoch, err := v.store.GetEpoch(ctx, req.CampaignID, req.Epoch)
	if err != nil {
		if errors.Is(err, storage.ErrEpochNotFound) {
			metrics.ClaimsProcessed.WithLabelValues(string(StatusEpochNotFound)).Inc()
			return Outcome{}, ErrEpochNotFound
		}
		return Outcome{}, fmt.Errorf("load epoch: %w", err)
	}

	if req.Index >= epoch.LeafCount {
		metrics.ClaimsProcessed.WithLabelValues(string(StatusInvalidProof)).Inc()
		return Outcome{}, ErrInvalidProof
	}
	leafHash, err := merkle.LeafHash(req.Index, req.Payee, req.Amount)
	if err != nil {
		metrics.ClaimsProcessed.WithLabelValues(string(StatusInvalidProof)).Inc()
		return Outcome{}, ErrInvalidProof
	}
	if !merkle.Verify(epoch.Root, leafHash, req.Proof) {
		metrics.ClaimsProcessed.WithLabelValues(string(StatusInvalidProof)).Inc()
		return Outcome{}, ErrInvalidProof
	}

	if err := v.store.ClaimLeaf(ctx, req.CampaignID, req.Epoch, req.Index); err != nil {
		switch {
		case errors.Is(err, storage.ErrLeafClaimed):
			txRef := ""
			if leaf, leafErr := v.store.GetLeaf(ctx, req.CampaignID, req.Epoch, req.Index); leafErr == nil {
				txRef = leaf.ClaimTxRef
			}
			metrics.ClaimsProcessed.WithLabelValues(string(StatusAlreadyClaimed)).Inc()
			return Outcome{Status: StatusAlreadyClaimed, TxRef: txRef}, nil
		case errors.Is(err, storage.ErrLeafNotFound):
			// The proof verified against the stored root, so the leaf row
			// should exist. Local state is inconsistent; do not guess.
			return Outcome{}, fmt.Errorf("leaf %d of campaign %d epoch %d verified but not stored: %w",
				req.Index, req.CampaignID, req.Epoch, err)
		default:
			return Outcome{}, fmt.Errorf("mark leaf claimed: %w", err)
		}
	}

	ledgerCtx, cancel := context.WithTimeout(ctx, v.cfg.LedgerTimeout)
	defer cancel()
	submitted, err := v.settlement.Claim(ledgerCtx, req)
	if err != nil {
		v.release(ctx, req)
		metrics.ClaimsProcessed.WithLabelValues(string(StatusFailed)).Inc()
		return Outcome{}, fmt.Errorf("submit claim: %w", err)
	}

	switch submitted.Status {
	case ledger.ClaimAccepted:
		if err := v.store.RecordClaimTx(ctx, req.CampaignID, req.Epoch, req.Index, submitted.TxRef); err != nil {
			v.logger.Warn("claim paid but tx ref not recorded",
				zap.Uint64("campaign_id", req.CampaignID),
				zap.Uint64("epoch", req.Epoch),
				zap.Uint32("leaf_index", req.Index),
				zap.String("tx", submitted.TxRef),
				zap.Error(err),
			)
		}
		v.logger.Info("claim paid",
			zap.Uint64("campaign_id", req.CampaignID),
			zap.Uint64("epoch", req.Epoch),
			zap.Uint32("leaf_index", req.Index),
			zap.String("payee", req.Payee.Hex()),
			zap.String("amount", req.Amount.String()),
			zap.String("tx", submitted.TxRef),
		)
		metrics.ClaimsProcessed.WithLabelValues(string(StatusPaid)).Inc()
		return Outcome{Status: StatusPaid, TxRef: submitted.TxRef}, nil

	case ledger.ClaimAlreadyClaimed:
		// The ledger settled this leaf before we did, likely through a
		// direct contract call. Keep the local flag set.
		v.logger.Warn("ledger had already settled leaf",
			zap.Uint64("campaign_id", req.CampaignID),
			zap.Uint64("epoch", req.Epoch),
			zap.Uint32("leaf_index", req.Index),
		)
		metrics.ClaimsProcessed.WithLabelValues(string(StatusAlreadyClaimed)).Inc()
		return Outcome{Status: StatusAlreadyClaimed, TxRef: submitted.TxRef}, nil

	case ledger.ClaimRejected:
		v.release(ctx, req)
		v.logger.Error("ledger rejected claim",
			zap.Uint64("campaign_id", req.CampaignID),
			zap.Uint64("epoch", req.Epoch),
			zap.Uint32("leaf_index", req.Index),
			zap.String("reason", submitted.Reason),
		)
		metrics.ClaimsProcessed.WithLabelValues(string(StatusRejected)).Inc()
		return Outcome{}, fmt.Errorf("%s: %w", submitted.Reason, ErrLedgerRejected)

	default:
		v.release(ctx, req)
		return Outcome{}, fmt.Errorf("unexpected claim status %q", submitted.Status)
	}
}

// BulkClaim settles each claim independently with bounded parallelism.
// One bad entry never blocks the rest of the batch.
func (v *Verifier) BulkClaim(ctx context.Context, reqs []model.ClaimRequest) []BulkItem {
	items := make([]BulkItem, len(reqs))

	var g errgroup.Group
	g.SetLimit(v.cfg.BulkParallel)
	for i := range reqs {
		i := i
		req := reqs[i]
		g.Go(func() error {
			outcome, err := v.Claim(ctx, req)
			items[i] = bulkItem(i, outcome, err)
			return nil
		})
	}
	g.Wait()

	return items
}

func (v *Verifier) release(ctx context.Context, req model.ClaimRequest) {
	// The submission context may already be dead; the rollback must not be.
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := v.store.ReleaseLeaf(releaseCtx, req.CampaignID, req.Epoch, req.Index); err != nil {
		v.logger.Error("release claimed leaf failed, manual reset needed",
			zap.Uint64("campaign_id", req.CampaignID),
			zap.Uint64("epoch", req.Epoch),
			zap.Uint32("leaf_index", req.Index),
			zap.Error(err),
		)
	}
}

func bulkItem(index int, outcome Outcome, err error) BulkItem {
	if err == nil {
		return BulkItem{Index: index, Status: outcome.Status, TxRef: outcome.TxRef}
	}

	item := BulkItem{Index: index, Error: err.Error()}
	switch {
	case errors.Is(err, ErrEpochNotFound):
		item.Status = StatusEpochNotFound
	case errors.Is(err, ErrInvalidProof):
		item.Status = StatusInvalidProof
	case errors.Is(err, ErrLedgerRejected):
		item.Status = StatusRejected
	default:
		item.Status = StatusFailed
	}
	return item
}
