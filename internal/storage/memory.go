package storage

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/folajindayo/epochpay/internal/model"
)

type epochKey struct {
	campaign uint64
	number   uint64
}

type leafKey struct {
	campaign uint64
	number   uint64
	index    uint32
}

// Memory is an in-process Store. All methods take one lock, so the
// finalize and claim transitions are atomic the same way the Postgres
// implementation makes them.
type Memory struct {
	mu sync.Mutex

	nextCampaignID uint64
	campaigns      map[uint64]model.Campaign
	receipts       map[uuid.UUID]model.Receipt
	epochs         map[epochKey]model.Epoch
	leaves         map[leafKey]model.PayoutLeaf
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		nextCampaignID: 1,
		campaigns:      make(map[uint64]model.Campaign),
		receipts:       make(map[uuid.UUID]model.Receipt),
		epochs:         make(map[epochKey]model.Epoch),
		leaves:         make(map[leafKey]model.PayoutLeaf),
	}
}

func (m *Memory) CreateCampaign(_ context.Context, campaign model.Campaign) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if campaign.ID == 0 {
		campaign.ID = m.nextCampaignID
	}
	if campaign.ID >= m.nextCampaignID {
		m.nextCampaignID = campaign.ID + 1
	}
	if campaign.CreatedAt.IsZero() {
		campaign.CreatedAt = time.Now().UTC()
	}

	m.campaigns[campaign.ID] = copyCampaign(campaign)
	return campaign.ID, nil
}

func (m *Memory) GetCampaign(_ context.Context, id uint64) (model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	campaign, ok := m.campaigns[id]
	if !ok {
		return model.Campaign{}, ErrCampaignNotFound
	}
	return copyCampaign(campaign), nil
}

func (m *Memory) ListActiveCampaigns(_ context.Context) ([]model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Campaign, 0, len(m.campaigns))
	for _, campaign := range m.campaigns {
		if campaign.Active {
			out = append(out, copyCampaign(campaign))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) AddReceipts(_ context.Context, receipts []model.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, receipt := range receipts {
		if _, ok := m.campaigns[receipt.CampaignID]; !ok {
			return ErrCampaignNotFound
		}
	}
	for _, receipt := range receipts {
		m.receipts[receipt.ID] = copyReceipt(receipt)
	}
	return nil
}

func (m *Memory) UnprocessedReceipts(_ context.Context, campaignID uint64, until time.Time) ([]model.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Receipt, 0)
	for _, receipt := range m.receipts {
		if receipt.CampaignID != campaignID || receipt.Processed {
			continue
		}
		if !receipt.Timestamp.Before(until) {
			continue
		}
		out = append(out, copyReceipt(receipt))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (m *Memory) GetEpoch(_ context.Context, campaignID, number uint64) (model.Epoch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	epoch, ok := m.epochs[epochKey{campaign: campaignID, number: number}]
	if !ok {
		return model.Epoch{}, ErrEpochNotFound
	}
	return copyEpoch(epoch), nil
}

func (m *Memory) LastFinalizedEpoch(_ context.Context, campaignID uint64) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var last uint64
	found := false
	for key := range m.epochs {
		if key.campaign != campaignID {
			continue
		}
		if !found || key.number > last {
			last = key.number
			found = true
		}
	}
	return last, found, nil
}

func (m *Memory) FinalizeEpoch(_ context.Context, epoch model.Epoch, leaves []model.PayoutLeaf, receiptIDs []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	campaign, ok := m.campaigns[epoch.CampaignID]
	if !ok {
		return ErrCampaignNotFound
	}

	key := epochKey{campaign: epoch.CampaignID, number: epoch.Number}
	if _, ok := m.epochs[key]; ok {
		return ErrEpochExists
	}

	payout := epoch.Payout
	if payout == nil {
		payout = new(big.Int)
	}
	allocated := new(big.Int).Add(nilSafe(campaign.Allocated), payout)
	if allocated.Cmp(nilSafe(campaign.Funded)) > 0 {
		return ErrBudgetExceeded
	}

	m.epochs[key] = copyEpoch(epoch)
	for _, leaf := range leaves {
		m.leaves[leafKey{campaign: leaf.CampaignID, number: leaf.Epoch, index: leaf.Index}] = copyLeaf(leaf)
	}
	for _, id := range receiptIDs {
		if receipt, ok := m.receipts[id]; ok {
			receipt.Processed = true
			m.receipts[id] = receipt
		}
	}
	campaign.Allocated = allocated
	m.campaigns[epoch.CampaignID] = campaign

	return nil
}

func (m *Memory) ListLeaves(_ context.Context, campaignID, number uint64) ([]model.PayoutLeaf, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.PayoutLeaf, 0)
	for key, leaf := range m.leaves {
		if key.campaign == campaignID && key.number == number {
			out = append(out, copyLeaf(leaf))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (m *Memory) GetLeaf(_ context.Context, campaignID, number uint64, index uint32) (model.PayoutLeaf, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	leaf, ok := m.leaves[leafKey{campaign: campaignID, number: number, index: index}]
	if !ok {
		return model.PayoutLeaf{}, ErrLeafNotFound
	}
	return copyLeaf(leaf), nil
}

func (m *Memory) ClaimLeaf(_ context.Context, campaignID, number uint64, index uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := leafKey{campaign: campaignID, number: number, index: index}
	leaf, ok := m.leaves[key]
	if !ok {
		return ErrLeafNotFound
	}
	if leaf.Claimed {
		return ErrLeafClaimed
	}
	leaf.Claimed = true
	m.leaves[key] = leaf
	return nil
}

func (m *Memory) RecordClaimTx(_ context.Context, campaignID, number uint64, index uint32, txRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := leafKey{campaign: campaignID, number: number, index: index}
	leaf, ok := m.leaves[key]
	if !ok {
		return ErrLeafNotFound
	}
	leaf.ClaimTxRef = txRef
	m.leaves[key] = leaf
	return nil
}

func (m *Memory) ReleaseLeaf(_ context.Context, campaignID, number uint64, index uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := leafKey{campaign: campaignID, number: number, index: index}
	leaf, ok := m.leaves[key]
	if !ok {
		return ErrLeafNotFound
	}
	leaf.Claimed = false
	leaf.ClaimTxRef = ""
	m.leaves[key] = leaf
	return nil
}

func nilSafe(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func copyCampaign(c model.Campaign) model.Campaign {
	c.Funded = copyBig(c.Funded)
	c.Allocated = copyBig(c.Allocated)
	return c
}

func copyReceipt(r model.Receipt) model.Receipt {
	r.UnitPrice = copyBig(r.UnitPrice)
	return r
}

func copyEpoch(e model.Epoch) model.Epoch {
	e.Payout = copyBig(e.Payout)
	e.Fee = copyBig(e.Fee)
	return e
}

func copyLeaf(l model.PayoutLeaf) model.PayoutLeaf {
	l.Amount = copyBig(l.Amount)
	return l
}
