package aggregate

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/folajindayo/epochpay/internal/model"
)

// Accumulator folds receipts for one payee into a gross earnings line.
type Accumulator struct {
	Payee    common.Address
	Gross    *big.Int
	Receipts int
}

func NewAccumulator(payee common.Address) *Accumulator {
	return &Accumulator{
		Payee: payee,
		Gross: new(big.Int),
	}
}

// AddReceipt adds the receipt's value to the payee's gross line.
func (a *Accumulator) AddReceipt(receipt model.Receipt) {
	a.Gross.Add(a.Gross, receipt.Value())
	a.Receipts++
}
