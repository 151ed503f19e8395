package aggregate

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/folajindayo/epochpay/internal/model"
)

// Config controls aggregation behavior.
type Config struct {
	FeeBps uint32
}

// Earnings is the settlement input computed for one campaign epoch: the
// ordered payout leaves, the totals, and the receipts that were consumed.
// The totals satisfy Gross = Net + Fee exactly.
type Earnings struct {
	Leaves     []model.PayoutLeaf
	Gross      *big.Int
	Fee        *big.Int
	Net        *big.Int
	ReceiptIDs []uuid.UUID
}

// Aggregator groups receipts by payee and produces the payout set for an
// epoch.
type Aggregator struct {
	cfg    Config
	logger *zap.Logger
}

func NewAggregator(cfg Config, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{cfg: cfg, logger: logger}
}

// Aggregate folds the receipts of one epoch into payout leaves. Leaves are
// ordered by payee address bytes and indexed in that order, so the same
// receipt set always yields the same tree. Payees whose net amount floors
// to zero get no leaf; their receipts still count as consumed.
func (a *Aggregator) Aggregate(campaignID, epochNumber uint64, receipts []model.Receipt) (Earnings, error) {
	if a.cfg.FeeBps > bpsDivisor {
		return Earnings{}, fmt.Errorf("fee bps %d exceeds %d", a.cfg.FeeBps, bpsDivisor)
	}

	accumulators := make(map[common.Address]*Accumulator)
	receiptIDs := make([]uuid.UUID, 0, len(receipts))
	for _, receipt := range receipts {
		if receipt.CampaignID != campaignID {
			return Earnings{}, fmt.Errorf("receipt %s belongs to campaign %d, not %d", receipt.ID, receipt.CampaignID, campaignID)
		}
		if receipt.UnitPrice != nil && receipt.UnitPrice.Sign() < 0 {
			return Earnings{}, fmt.Errorf("receipt %s has negative unit price", receipt.ID)
		}

		acc := accumulators[receipt.Payee]
		if acc == nil {
			acc = NewAccumulator(receipt.Payee)
			accumulators[receipt.Payee] = acc
		}
		acc.AddReceipt(receipt)
		receiptIDs = append(receiptIDs, receipt.ID)
	}

	lines := make([]*Accumulator, 0, len(accumulators))
	for _, acc := range accumulators {
		lines = append(lines, acc)
	}
	sort.Slice(lines, func(i, j int) bool {
		return bytes.Compare(lines[i].Payee[:], lines[j].Payee[:]) < 0
	})

	earnings := Earnings{
		Leaves:     make([]model.PayoutLeaf, 0, len(lines)),
		Gross:      new(big.Int),
		Fee:        new(big.Int),
		Net:        new(big.Int),
		ReceiptIDs: receiptIDs,
	}

	for _, line := range lines {
		earnings.Gross.Add(earnings.Gross, line.Gross)
		net, fee := feeSplit(line.Gross, a.cfg.FeeBps)
		earnings.Fee.Add(earnings.Fee, fee)
		if net.Sign() == 0 {
			continue
		}
		earnings.Net.Add(earnings.Net, net)
		earnings.Leaves = append(earnings.Leaves, model.PayoutLeaf{
			CampaignID: campaignID,
			Epoch:      epochNumber,
			Index:      uint32(len(earnings.Leaves)),
			Payee:      line.Payee,
			Amount:     net,
		})
	}

	a.logger.Debug("aggregate epoch",
		zap.Uint64("campaign_id", campaignID),
		zap.Uint64("epoch", epochNumber),
		zap.Int("receipts", len(receipts)),
		zap.Int("payees", len(lines)),
		zap.String("gross", earnings.Gross.String()),
		zap.String("fee", earnings.Fee.String()),
	)

	return earnings, nil
}
