package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/folajindayo/epochpay/internal/model"
)

var (
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrEpochNotFound    = errors.New("epoch not found")
	ErrLeafNotFound     = errors.New("payout leaf not found")
	ErrEpochExists      = errors.New("epoch already recorded")
	ErrBudgetExceeded   = errors.New("campaign escrow exceeded")
	ErrLeafClaimed      = errors.New("payout leaf already claimed")
)

// Store persists campaigns, delivery receipts, and settled epochs.
type Store interface {
	CreateCampaign(ctx context.Context, campaign model.Campaign) (uint64, error)
	GetCampaign(ctx context.Context, id uint64) (model.Campaign, error)
	ListActiveCampaigns(ctx context.Context) ([]model.Campaign, error)

	AddReceipts(ctx context.Context, receipts []model.Receipt) error

	// UnprocessedReceipts returns unsettled receipts with a timestamp
	// strictly before until. Receipts at or past until stay queued for a
	// later epoch.
	UnprocessedReceipts(ctx context.Context, campaignID uint64, until time.Time) ([]model.Receipt, error)

	GetEpoch(ctx context.Context, campaignID, number uint64) (model.Epoch, error)
	LastFinalizedEpoch(ctx context.Context, campaignID uint64) (uint64, bool, error)

	// FinalizeEpoch records a settled epoch in one atomic step: the epoch
	// row, its leaves, the campaign allocation bump, and the processed
	// mark on the consumed receipts all land together or not at all.
	// Returns ErrEpochExists if the epoch was already recorded and
	// ErrBudgetExceeded if the payout would push the campaign past its
	// funding.
	FinalizeEpoch(ctx context.Context, epoch model.Epoch, leaves []model.PayoutLeaf, receiptIDs []uuid.UUID) error

	ListLeaves(ctx context.Context, campaignID, number uint64) ([]model.PayoutLeaf, error)
	GetLeaf(ctx context.Context, campaignID, number uint64, index uint32) (model.PayoutLeaf, error)

	// ClaimLeaf flips the leaf's claimed flag from false to true. Exactly
	// one caller wins; the rest get ErrLeafClaimed.
	ClaimLeaf(ctx context.Context, campaignID, number uint64, index uint32) error

	// RecordClaimTx attaches the settlement transaction reference to a
	// claimed leaf.
	RecordClaimTx(ctx context.Context, campaignID, number uint64, index uint32, txRef string) error

	// ReleaseLeaf reverts a claimed leaf to unclaimed after the ledger
	// submission failed.
	ReleaseLeaf(ctx context.Context, campaignID, number uint64, index uint32) error
}
