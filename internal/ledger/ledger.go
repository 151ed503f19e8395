package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/folajindayo/epochpay/internal/model"
)

// FinalizeStatus tags a definite ledger outcome for an epoch submission.
type FinalizeStatus string

const (
	FinalizeAccepted         FinalizeStatus = "accepted"
	FinalizeAlreadyFinalized FinalizeStatus = "already_finalized"
	FinalizeRejected         FinalizeStatus = "rejected"
)

// FinalizeResult reports how the ledger answered a finalizeEpoch submission.
// Transport failures are returned as errors instead, so callers retry
// without interpreting Status.
type FinalizeResult struct {
	Status FinalizeStatus
	TxRef  string

	// ExistingRoot holds the root already committed on the ledger when
	// Status is FinalizeAlreadyFinalized.
	ExistingRoot common.Hash

	// Reason explains a FinalizeRejected status.
	Reason string
}

// ClaimStatus tags a definite ledger outcome for a claim submission.
type ClaimStatus string

const (
	ClaimAccepted       ClaimStatus = "accepted"
	ClaimAlreadyClaimed ClaimStatus = "already_claimed"
	ClaimRejected       ClaimStatus = "rejected"
)

// ClaimResult reports how the ledger answered a claim submission.
type ClaimResult struct {
	Status ClaimStatus
	TxRef  string
	Reason string
}

// Settlement is the external settlement contract the engine submits roots
// and claims to. Implementations must be safe for concurrent use.
type Settlement interface {
	FinalizeEpoch(ctx context.Context, campaignID, epoch uint64, root common.Hash, amount *big.Int) (FinalizeResult, error)
	Claim(ctx context.Context, claim model.ClaimRequest) (ClaimResult, error)
}
