package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PayoutLeaf is one payee entry in an epoch's committed payout set.
// Index is the leaf's position in the tree and part of its hash preimage.
type PayoutLeaf struct {
	CampaignID uint64
	Epoch      uint64
	Index      uint32
	Payee      common.Address
	Amount     *big.Int
	Claimed    bool
	ClaimTxRef string
}
