package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Receipt kinds recorded by the serving layer.
const (
	ReceiptKindImpression = "impression"
	ReceiptKindClick      = "click"
)

// Receipt is one recorded unit of delivery awaiting settlement.
type Receipt struct {
	ID         uuid.UUID      `json:"id"`
	CampaignID uint64         `json:"campaign_id"`
	Payee      common.Address `json:"payee"`
	Kind       string         `json:"kind"`
	Quantity   uint64         `json:"quantity"`
	UnitPrice  *big.Int       `json:"unit_price"`
	Timestamp  time.Time      `json:"timestamp"`
	Processed  bool           `json:"processed"`
}

// Value returns quantity times unit price in base units.
func (r Receipt) Value() *big.Int {
	price := r.UnitPrice
	if price == nil {
		price = new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(r.Quantity), price)
}
