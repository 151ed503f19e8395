package aggregate

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/folajindayo/epochpay/internal/model"
)

func makeReceipt(campaignID uint64, payee common.Address, quantity uint64, unitPrice int64) model.Receipt {
	return model.Receipt{
		ID:         uuid.New(),
		CampaignID: campaignID,
		Payee:      payee,
		Kind:       model.ReceiptKindImpression,
		Quantity:   quantity,
		UnitPrice:  big.NewInt(unitPrice),
		Timestamp:  time.Unix(1_700_000_000, 0).UTC(),
	}
}

func TestFeeSplit(t *testing.T) {
	cases := []struct {
		gross   int64
		feeBps  uint32
		wantNet int64
		wantFee int64
	}{
		{gross: 1000, feeBps: 200, wantNet: 980, wantFee: 20},
		{gross: 999, feeBps: 200, wantNet: 979, wantFee: 20},
		{gross: 1, feeBps: 9999, wantNet: 0, wantFee: 1},
		{gross: 0, feeBps: 200, wantNet: 0, wantFee: 0},
		{gross: 12345, feeBps: 0, wantNet: 12345, wantFee: 0},
		{gross: 777, feeBps: 10000, wantNet: 0, wantFee: 777},
	}

	for _, tc := range cases {
		net, fee := feeSplit(big.NewInt(tc.gross), tc.feeBps)
		if net.Int64() != tc.wantNet || fee.Int64() != tc.wantFee {
			t.Fatalf("feeSplit(%d, %d) = (%s, %s), want (%d, %d)", tc.gross, tc.feeBps, net, fee, tc.wantNet, tc.wantFee)
		}
		sum := new(big.Int).Add(net, fee)
		if sum.Int64() != tc.gross {
			t.Fatalf("feeSplit(%d, %d) net+fee = %s", tc.gross, tc.feeBps, sum)
		}
	}
}

func TestAggregateGroupsByPayeeAndSorts(t *testing.T) {
	payeeA := common.HexToAddress("0x0a00000000000000000000000000000000000001")
	payeeB := common.HexToAddress("0x0b00000000000000000000000000000000000001")
	payeeC := common.HexToAddress("0x0c00000000000000000000000000000000000001")

	receipts := []model.Receipt{
		makeReceipt(1, payeeC, 10, 100), // 1000
		makeReceipt(1, payeeA, 3, 50),   // 150
		makeReceipt(1, payeeB, 1, 500),  // 500
		makeReceipt(1, payeeA, 7, 50),   // 350, payee A total 500
	}

	agg := NewAggregator(Config{FeeBps: 0}, nil)
	earnings, err := agg.Aggregate(1, 99, receipts)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	if len(earnings.Leaves) != 3 {
		t.Fatalf("got %d leaves, want 3", len(earnings.Leaves))
	}
	wantOrder := []common.Address{payeeA, payeeB, payeeC}
	wantAmounts := []int64{500, 500, 1000}
	for i, leaf := range earnings.Leaves {
		if leaf.Payee != wantOrder[i] {
			t.Fatalf("leaf %d payee %s, want %s", i, leaf.Payee, wantOrder[i])
		}
		if leaf.Amount.Int64() != wantAmounts[i] {
			t.Fatalf("leaf %d amount %s, want %d", i, leaf.Amount, wantAmounts[i])
		}
		if leaf.Index != uint32(i) {
			t.Fatalf("leaf %d carries index %d", i, leaf.Index)
		}
		if leaf.CampaignID != 1 || leaf.Epoch != 99 {
			t.Fatalf("leaf %d keyed to campaign %d epoch %d", i, leaf.CampaignID, leaf.Epoch)
		}
	}

	if earnings.Gross.Int64() != 2000 {
		t.Fatalf("gross %s, want 2000", earnings.Gross)
	}
	if len(earnings.ReceiptIDs) != 4 {
		t.Fatalf("consumed %d receipts, want 4", len(earnings.ReceiptIDs))
	}
}

func TestAggregateFeeTotalsAreExact(t *testing.T) {
	payees := []common.Address{
		common.HexToAddress("0x1000000000000000000000000000000000000001"),
		common.HexToAddress("0x2000000000000000000000000000000000000002"),
		common.HexToAddress("0x3000000000000000000000000000000000000003"),
	}
	receipts := []model.Receipt{
		makeReceipt(5, payees[0], 13, 7),  // 91
		makeReceipt(5, payees[1], 999, 3), // 2997
		makeReceipt(5, payees[2], 1, 1),   // 1
		makeReceipt(5, payees[0], 2, 11),  // 22, payee0 total 113
	}

	agg := NewAggregator(Config{FeeBps: 200}, nil)
	earnings, err := agg.Aggregate(5, 12, receipts)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	sum := new(big.Int).Add(earnings.Net, earnings.Fee)
	if sum.Cmp(earnings.Gross) != 0 {
		t.Fatalf("net %s + fee %s != gross %s", earnings.Net, earnings.Fee, earnings.Gross)
	}

	leafSum := new(big.Int)
	for _, leaf := range earnings.Leaves {
		leafSum.Add(leafSum, leaf.Amount)
	}
	if leafSum.Cmp(earnings.Net) != 0 {
		t.Fatalf("leaf sum %s != net %s", leafSum, earnings.Net)
	}

	// 113 -> 110, 2997 -> 2937, 1 -> 0 (dropped, fully platform cut).
	if earnings.Gross.Int64() != 3111 {
		t.Fatalf("gross %s, want 3111", earnings.Gross)
	}
	if earnings.Net.Int64() != 3047 {
		t.Fatalf("net %s, want 3047", earnings.Net)
	}
	if earnings.Fee.Int64() != 64 {
		t.Fatalf("fee %s, want 64", earnings.Fee)
	}
	if len(earnings.Leaves) != 2 {
		t.Fatalf("got %d leaves, want 2", len(earnings.Leaves))
	}
}

func TestAggregateDropsZeroValuePayees(t *testing.T) {
	payee := common.HexToAddress("0x4000000000000000000000000000000000000004")
	zeroQty := makeReceipt(2, payee, 0, 100)

	agg := NewAggregator(Config{FeeBps: 200}, nil)
	earnings, err := agg.Aggregate(2, 3, []model.Receipt{zeroQty})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	if len(earnings.Leaves) != 0 {
		t.Fatalf("zero-value payee produced %d leaves", len(earnings.Leaves))
	}
	if len(earnings.ReceiptIDs) != 1 {
		t.Fatalf("zero-value receipt not consumed")
	}
	if earnings.Gross.Sign() != 0 || earnings.Net.Sign() != 0 || earnings.Fee.Sign() != 0 {
		t.Fatalf("zero-value receipt produced totals %s/%s/%s", earnings.Gross, earnings.Net, earnings.Fee)
	}
}

func TestAggregateIsDeterministicAcrossInputOrder(t *testing.T) {
	payees := []common.Address{
		common.HexToAddress("0x9000000000000000000000000000000000000009"),
		common.HexToAddress("0x8000000000000000000000000000000000000008"),
		common.HexToAddress("0x7000000000000000000000000000000000000007"),
	}
	receipts := []model.Receipt{
		makeReceipt(1, payees[0], 4, 25),
		makeReceipt(1, payees[1], 9, 11),
		makeReceipt(1, payees[2], 2, 40),
	}
	reversed := []model.Receipt{receipts[2], receipts[1], receipts[0]}

	agg := NewAggregator(Config{FeeBps: 200}, nil)
	first, err := agg.Aggregate(1, 8, receipts)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	second, err := agg.Aggregate(1, 8, reversed)
	if err != nil {
		t.Fatalf("aggregate reversed: %v", err)
	}

	if len(first.Leaves) != len(second.Leaves) {
		t.Fatalf("leaf counts differ: %d vs %d", len(first.Leaves), len(second.Leaves))
	}
	for i := range first.Leaves {
		if first.Leaves[i].Payee != second.Leaves[i].Payee {
			t.Fatalf("leaf %d payee differs across input order", i)
		}
		if first.Leaves[i].Amount.Cmp(second.Leaves[i].Amount) != 0 {
			t.Fatalf("leaf %d amount differs across input order", i)
		}
	}
}

func TestAggregateRejectsBadInput(t *testing.T) {
	payee := common.HexToAddress("0x5000000000000000000000000000000000000005")

	agg := NewAggregator(Config{FeeBps: 200}, nil)
	if _, err := agg.Aggregate(1, 0, []model.Receipt{makeReceipt(2, payee, 1, 1)}); err == nil {
		t.Fatalf("foreign campaign receipt accepted")
	}

	bad := makeReceipt(1, payee, 1, 1)
	bad.UnitPrice = big.NewInt(-5)
	if _, err := agg.Aggregate(1, 0, []model.Receipt{bad}); err == nil {
		t.Fatalf("negative unit price accepted")
	}

	overFee := NewAggregator(Config{FeeBps: 10_001}, nil)
	if _, err := overFee.Aggregate(1, 0, nil); err == nil {
		t.Fatalf("fee above divisor accepted")
	}
}
