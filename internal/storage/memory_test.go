package storage

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/folajindayo/epochpay/internal/model"
)

func seedCampaign(t *testing.T, store *Memory, funded int64) model.Campaign {
	t.Helper()
	campaign := model.Campaign{
		Name:      "test campaign",
		Funded:    big.NewInt(funded),
		Allocated: big.NewInt(0),
		Active:    true,
		CreatedAt: time.Unix(1_700_000_000, 0).UTC(),
	}
	id, err := store.CreateCampaign(context.Background(), campaign)
	require.NoError(t, err)
	campaign.ID = id
	return campaign
}

func TestMemoryCampaignLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	campaign := seedCampaign(t, store, 1_000_000)

	got, err := store.GetCampaign(ctx, campaign.ID)
	require.NoError(t, err)
	require.Equal(t, campaign.Name, got.Name)
	require.Zero(t, got.Allocated.Sign())

	// Mutating the returned copy must not leak into the store.
	got.Funded.SetInt64(1)
	again, err := store.GetCampaign(ctx, campaign.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1_000_000), again.Funded.Int64())

	_, err = store.GetCampaign(ctx, 999)
	require.ErrorIs(t, err, ErrCampaignNotFound)

	active, err := store.ListActiveCampaigns(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	inactive := model.Campaign{Name: "paused", Funded: big.NewInt(1), Active: false}
	_, err = store.CreateCampaign(ctx, inactive)
	require.NoError(t, err)

	active, err = store.ListActiveCampaigns(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestMemoryUnprocessedReceiptsWindow(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	campaign := seedCampaign(t, store, 1_000_000)

	until := time.Unix(1_700_003_600, 0).UTC()
	payee := common.HexToAddress("0x1111111111111111111111111111111111111111")

	inside := model.Receipt{
		ID: uuid.New(), CampaignID: campaign.ID, Payee: payee,
		Kind: model.ReceiptKindImpression, Quantity: 10, UnitPrice: big.NewInt(5),
		Timestamp: until.Add(-time.Minute),
	}
	atBound := model.Receipt{
		ID: uuid.New(), CampaignID: campaign.ID, Payee: payee,
		Kind: model.ReceiptKindImpression, Quantity: 10, UnitPrice: big.NewInt(5),
		Timestamp: until,
	}
	done := model.Receipt{
		ID: uuid.New(), CampaignID: campaign.ID, Payee: payee,
		Kind: model.ReceiptKindClick, Quantity: 1, UnitPrice: big.NewInt(90),
		Timestamp: until.Add(-2 * time.Minute), Processed: true,
	}
	require.NoError(t, store.AddReceipts(ctx, []model.Receipt{inside, atBound, done}))

	got, err := store.UnprocessedReceipts(ctx, campaign.ID, until)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, inside.ID, got[0].ID)

	orphan := model.Receipt{ID: uuid.New(), CampaignID: 999, Payee: payee, Quantity: 1, UnitPrice: big.NewInt(1), Timestamp: until}
	require.ErrorIs(t, store.AddReceipts(ctx, []model.Receipt{orphan}), ErrCampaignNotFound)
}

func TestMemoryFinalizeEpochIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	campaign := seedCampaign(t, store, 1000)

	payee := common.HexToAddress("0x2222222222222222222222222222222222222222")
	receipt := model.Receipt{
		ID: uuid.New(), CampaignID: campaign.ID, Payee: payee,
		Kind: model.ReceiptKindImpression, Quantity: 5, UnitPrice: big.NewInt(100),
		Timestamp: time.Unix(1_700_000_100, 0).UTC(),
	}
	require.NoError(t, store.AddReceipts(ctx, []model.Receipt{receipt}))

	epoch := model.Epoch{
		CampaignID: campaign.ID, Number: 42, Root: common.HexToHash("0xabcd"),
		Payout: big.NewInt(490), Fee: big.NewInt(10), LeafCount: 1,
		TxRef: "0xtx1", Finalized: true, FinalizedAt: time.Unix(1_700_003_600, 0).UTC(),
	}
	leaf := model.PayoutLeaf{CampaignID: campaign.ID, Epoch: 42, Index: 0, Payee: payee, Amount: big.NewInt(490)}

	require.NoError(t, store.FinalizeEpoch(ctx, epoch, []model.PayoutLeaf{leaf}, []uuid.UUID{receipt.ID}))

	got, err := store.GetEpoch(ctx, campaign.ID, 42)
	require.NoError(t, err)
	require.Equal(t, epoch.Root, got.Root)

	updated, err := store.GetCampaign(ctx, campaign.ID)
	require.NoError(t, err)
	require.Equal(t, int64(490), updated.Allocated.Int64())

	pending, err := store.UnprocessedReceipts(ctx, campaign.ID, time.Unix(1_800_000_000, 0))
	require.NoError(t, err)
	require.Empty(t, pending)

	last, ok, err := store.LastFinalizedEpoch(ctx, campaign.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(42), last)

	// Same epoch again must not double-allocate.
	require.ErrorIs(t, store.FinalizeEpoch(ctx, epoch, []model.PayoutLeaf{leaf}, nil), ErrEpochExists)

	// An epoch that overruns the escrow leaves no trace.
	over := model.Epoch{CampaignID: campaign.ID, Number: 43, Payout: big.NewInt(600), Fee: big.NewInt(0)}
	require.ErrorIs(t, store.FinalizeEpoch(ctx, over, nil, nil), ErrBudgetExceeded)
	_, err = store.GetEpoch(ctx, campaign.ID, 43)
	require.ErrorIs(t, err, ErrEpochNotFound)
	unchanged, err := store.GetCampaign(ctx, campaign.ID)
	require.NoError(t, err)
	require.Equal(t, int64(490), unchanged.Allocated.Int64())
}

func TestMemoryClaimLeafWinsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	campaign := seedCampaign(t, store, 1000)

	payee := common.HexToAddress("0x3333333333333333333333333333333333333333")
	epoch := model.Epoch{CampaignID: campaign.ID, Number: 7, Payout: big.NewInt(100), Fee: big.NewInt(0), LeafCount: 1}
	leaf := model.PayoutLeaf{CampaignID: campaign.ID, Epoch: 7, Index: 0, Payee: payee, Amount: big.NewInt(100)}
	require.NoError(t, store.FinalizeEpoch(ctx, epoch, []model.PayoutLeaf{leaf}, nil))

	const claimers = 16
	var wg sync.WaitGroup
	errs := make([]error, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			errs[slot] = store.ClaimLeaf(ctx, campaign.ID, 7, 0)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			require.ErrorIs(t, err, ErrLeafClaimed)
		}
	}
	require.Equal(t, 1, winners)

	got, err := store.GetLeaf(ctx, campaign.ID, 7, 0)
	require.NoError(t, err)
	require.True(t, got.Claimed)
}

func TestMemoryReleaseLeafReopensClaim(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	campaign := seedCampaign(t, store, 1000)

	payee := common.HexToAddress("0x4444444444444444444444444444444444444444")
	epoch := model.Epoch{CampaignID: campaign.ID, Number: 9, Payout: big.NewInt(50), Fee: big.NewInt(0), LeafCount: 1}
	leaf := model.PayoutLeaf{CampaignID: campaign.ID, Epoch: 9, Index: 0, Payee: payee, Amount: big.NewInt(50)}
	require.NoError(t, store.FinalizeEpoch(ctx, epoch, []model.PayoutLeaf{leaf}, nil))

	require.NoError(t, store.ClaimLeaf(ctx, campaign.ID, 9, 0))
	require.NoError(t, store.RecordClaimTx(ctx, campaign.ID, 9, 0, "0xdeadbeef"))

	got, err := store.GetLeaf(ctx, campaign.ID, 9, 0)
	require.NoError(t, err)
	require.Equal(t, "0xdeadbeef", got.ClaimTxRef)

	require.NoError(t, store.ReleaseLeaf(ctx, campaign.ID, 9, 0))
	got, err = store.GetLeaf(ctx, campaign.ID, 9, 0)
	require.NoError(t, err)
	require.False(t, got.Claimed)
	require.Empty(t, got.ClaimTxRef)

	require.NoError(t, store.ClaimLeaf(ctx, campaign.ID, 9, 0))

	require.ErrorIs(t, store.ClaimLeaf(ctx, campaign.ID, 9, 1), ErrLeafNotFound)
	require.ErrorIs(t, store.ReleaseLeaf(ctx, campaign.ID, 9, 1), ErrLeafNotFound)
}
