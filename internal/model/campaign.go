package model

import (
	"math/big"
	"time"
)

// Campaign represents an escrow-funded campaign whose payees settle per epoch.
type Campaign struct {
	ID        uint64
	Name      string
	Funded    *big.Int
	Allocated *big.Int
	Active    bool
	CreatedAt time.Time
}

// Remaining returns the escrow still available for future epochs.
func (c Campaign) Remaining() *big.Int {
	funded := c.Funded
	if funded == nil {
		funded = new(big.Int)
	}
	allocated := c.Allocated
	if allocated == nil {
		allocated = new(big.Int)
	}
	return new(big.Int).Sub(funded, allocated)
}
