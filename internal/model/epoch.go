package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Epoch is a settled payout window for one campaign. Rows are written once,
// after the settlement ledger accepted the root, and never updated.
type Epoch struct {
	CampaignID  uint64
	Number      uint64
	Root        common.Hash
	Payout      *big.Int
	Fee         *big.Int
	LeafCount   uint32
	TxRef       string
	Finalized   bool
	FinalizedAt time.Time
}

// EpochAt returns the epoch number containing ts for the given epoch length.
func EpochAt(ts time.Time, length time.Duration) uint64 {
	secs := uint64(length / time.Second)
	return uint64(ts.Unix()) / secs
}

// EpochWindow returns the [start, end) bounds of an epoch number.
func EpochWindow(number uint64, length time.Duration) (time.Time, time.Time) {
	secs := int64(length / time.Second)
	start := time.Unix(int64(number)*secs, 0).UTC()
	return start, start.Add(length)
}
