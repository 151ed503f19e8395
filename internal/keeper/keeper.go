// Package keeper drives epoch finalization on a schedule. Each tick it walks
// every active campaign and finalizes the epochs that have closed since the
// campaign's last finalized epoch, in order, one campaign independent of the
// next.
package keeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/folajindayo/epochpay/internal/epoch"
	"github.com/folajindayo/epochpay/internal/metrics"
	"github.com/folajindayo/epochpay/internal/model"
)

// Store is the subset of storage the keeper schedules from.
type Store interface {
	ListActiveCampaigns(ctx context.Context) ([]model.Campaign, error)
	LastFinalizedEpoch(ctx context.Context, campaignID uint64) (uint64, bool, error)
}

// Finalizer settles one closed epoch for one campaign.
type Finalizer interface {
	EpochLength() time.Duration
	Finalize(ctx context.Context, campaignID, number uint64) (epoch.Result, error)
}

// Config holds runtime settings for the keeper loop.
type Config struct {
	Interval    time.Duration
	MaxParallel int
}

// Keeper periodically finalizes closed epochs for all active campaigns.
type Keeper struct {
	cfg       Config
	store     Store
	finalizer Finalizer
	clock     clockwork.Clock
	logger    *zap.Logger

	tickMu sync.Mutex

	// cursors remembers, per campaign, the last epoch already examined so
	// quiet campaigns are not rescanned on every tick. Entries vanish on
	// restart; rescanning skipped epochs is idempotent.
	cursorMu sync.Mutex
	cursors  map[uint64]uint64
}

// NewKeeper builds a Keeper with its dependencies.
func NewKeeper(cfg Config, store Store, finalizer Finalizer, clock clockwork.Clock, logger *zap.Logger) *Keeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Keeper{
		cfg:       cfg,
		store:     store,
		finalizer: finalizer,
		clock:     clock,
		logger:    logger,
		cursors:   make(map[uint64]uint64),
	}
}

// Run ticks until the context is cancelled. Tick failures are logged and the
// loop keeps going; only cancellation stops it.
func (k *Keeper) Run(ctx context.Context) error {
	if k.store == nil {
		return fmt.Errorf("store is nil")
	}
	if k.finalizer == nil {
		return fmt.Errorf("finalizer is nil")
	}

	k.logger.Info("keeper started",
		zap.Duration("interval", k.cfg.Interval),
		zap.Duration("epoch_length", k.finalizer.EpochLength()),
		zap.Int("max_parallel", k.cfg.MaxParallel))

	if err := k.RunOnce(ctx); err != nil {
		k.logger.Error("keeper tick failed", zap.Error(err))
	}

	ticker := k.clock.NewTicker(k.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			k.logger.Info("keeper stopped")
			return ctx.Err()
		case <-ticker.Chan():
			if err := k.RunOnce(ctx); err != nil {
				k.logger.Error("keeper tick failed", zap.Error(err))
			}
		}
	}
}

// RunOnce performs a single tick: list active campaigns and catch each one up
// to the last closed epoch. Campaigns are processed concurrently, failures in
// one never stall another.
func (k *Keeper) RunOnce(ctx context.Context) error {
	k.tickMu.Lock()
	defer k.tickMu.Unlock()

	metrics.KeeperTicks.Inc()
	started := k.clock.Now()
	defer func() {
		metrics.KeeperTickSeconds.Observe(k.clock.Since(started).Seconds())
	}()

	campaigns, err := k.store.ListActiveCampaigns(ctx)
	if err != nil {
		return fmt.Errorf("list active campaigns: %w", err)
	}

	current := model.EpochAt(k.clock.Now(), k.finalizer.EpochLength())
	if current == 0 {
		return nil
	}

	var group errgroup.Group
	group.SetLimit(k.cfg.MaxParallel)
	for _, campaign := range campaigns {
		campaign := campaign
		group.Go(func() error {
			k.catchUp(ctx, campaign, current)
			return nil
		})
	}
	return group.Wait()
}

// catchUp finalizes every closed epoch the campaign still owes, stopping at
// the first failure so order is preserved. It never propagates errors; a
// broken campaign is retried on the next tick.
func (k *Keeper) catchUp(ctx context.Context, campaign model.Campaign, current uint64) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.Inc()
			k.logger.Error("campaign catch-up panicked",
				zap.Uint64("campaign", campaign.ID),
				zap.Any("panic", r))
		}
	}()

	from, err := k.startEpoch(ctx, campaign)
	if err != nil {
		k.logger.Warn("resolve start epoch failed",
			zap.Uint64("campaign", campaign.ID),
			zap.Error(err))
		return
	}

	for number := from; number < current; number++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := k.finalizer.Finalize(ctx, campaign.ID, number)
		if err != nil {
			k.logger.Warn("finalize failed, campaign catch-up aborted",
				zap.Uint64("campaign", campaign.ID),
				zap.Uint64("epoch", number),
				zap.Error(err))
			return
		}

		switch res.Status {
		case epoch.StatusRejected:
			// The epoch stays pending until the campaign is topped up;
			// later epochs would only aggregate the same receipts again.
			k.logger.Warn("epoch rejected, campaign catch-up paused",
				zap.Uint64("campaign", campaign.ID),
				zap.Uint64("epoch", number),
				zap.String("reason", res.Reason))
			return
		case epoch.StatusSkipped:
			k.logger.Debug("epoch skipped",
				zap.Uint64("campaign", campaign.ID),
				zap.Uint64("epoch", number),
				zap.String("reason", res.Reason))
		case epoch.StatusAlreadyFinalized:
			k.logger.Debug("epoch already finalized",
				zap.Uint64("campaign", campaign.ID),
				zap.Uint64("epoch", number))
		}

		k.advanceCursor(campaign.ID, number)
	}
}

// startEpoch picks where catch-up resumes: past everything finalized in
// storage, past everything this process already examined, and never before
// the campaign existed.
func (k *Keeper) startEpoch(ctx context.Context, campaign model.Campaign) (uint64, error) {
	from := model.EpochAt(campaign.CreatedAt, k.finalizer.EpochLength())

	last, ok, err := k.store.LastFinalizedEpoch(ctx, campaign.ID)
	if err != nil {
		return 0, fmt.Errorf("last finalized epoch: %w", err)
	}
	if ok && last+1 > from {
		from = last + 1
	}

	k.cursorMu.Lock()
	cursor, seen := k.cursors[campaign.ID]
	k.cursorMu.Unlock()
	if seen && cursor+1 > from {
		from = cursor + 1
	}
	return from, nil
}

func (k *Keeper) advanceCursor(campaignID, number uint64) {
	k.cursorMu.Lock()
	if cur, ok := k.cursors[campaignID]; !ok || number > cur {
		k.cursors[campaignID] = number
	}
	k.cursorMu.Unlock()
}
