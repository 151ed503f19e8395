package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ClaimRequest carries a payee's attempt to redeem one payout leaf.
// Amount and Proof must match the committed leaf exactly.
type ClaimRequest struct {
	CampaignID uint64
	Epoch      uint64
	Index      uint32
	Payee      common.Address
	Amount     *big.Int
	Proof      []common.Hash
}
