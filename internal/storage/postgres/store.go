package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/folajindayo/epochpay/internal/model"
	"github.com/folajindayo/epochpay/internal/storage"
)

// Store provides Postgres persistence for settlement state.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the underlying connection pool for migrations and health checks.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) CreateCampaign(ctx context.Context, campaign model.Campaign) (uint64, error) {
	createdAt := campaign.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var id int64
	row := s.pool.QueryRow(ctx, `
		INSERT INTO campaigns (name, funded, allocated, active, created_at, updated_at)
		VALUES ($1, $2::numeric, $3::numeric, $4, $5, now())
		RETURNING id
	`,
		campaign.Name,
		bigString(campaign.Funded),
		bigString(campaign.Allocated),
		campaign.Active,
		createdAt,
	)
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("insert campaign: %w", err)
	}
	return uint64(id), nil
}

func (s *Store) GetCampaign(ctx context.Context, id uint64) (model.Campaign, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, funded::text, allocated::text, active, created_at
		FROM campaigns WHERE id = $1
	`, int64(id))

	campaign, err := scanCampaign(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Campaign{}, storage.ErrCampaignNotFound
		}
		return model.Campaign{}, err
	}
	return campaign, nil
}

func (s *Store) ListActiveCampaigns(ctx context.Context) ([]model.Campaign, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, funded::text, allocated::text, active, created_at
		FROM campaigns WHERE active ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := make([]model.Campaign, 0)
	for rows.Next() {
		campaign, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, campaign)
	}
	return campaigns, rows.Err()
}

// AddReceipts inserts delivery receipts. Re-sent receipt IDs are ignored, so
// the serving layer can repost a batch after a partial failure.
func (s *Store) AddReceipts(ctx context.Context, receipts []model.Receipt) error {
	if len(receipts) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, receipt := range receipts {
		batch.Queue(`
			INSERT INTO receipts (id, campaign_id, payee, kind, quantity, unit_price, ts, processed, created_at)
			VALUES ($1::uuid, $2, $3, $4, $5, $6::numeric, $7, $8, now())
			ON CONFLICT (id) DO NOTHING
		`,
			receipt.ID.String(),
			int64(receipt.CampaignID),
			receipt.Payee.Hex(),
			receipt.Kind,
			int64(receipt.Quantity),
			bigString(receipt.UnitPrice),
			receipt.Timestamp,
			receipt.Processed,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range receipts {
		if _, err := br.Exec(); err != nil {
			if isPgCode(err, "23503") {
				return storage.ErrCampaignNotFound
			}
			return err
		}
	}
	return nil
}

func (s *Store) UnprocessedReceipts(ctx context.Context, campaignID uint64, until time.Time) ([]model.Receipt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, campaign_id, payee, kind, quantity, unit_price::text, ts, processed
		FROM receipts
		WHERE campaign_id = $1 AND NOT processed AND ts < $2
		ORDER BY ts, id
	`, int64(campaignID), until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	receipts := make([]model.Receipt, 0)
	for rows.Next() {
		var (
			idStr     string
			campaign  int64
			payee     string
			kind      string
			quantity  int64
			priceStr  string
			ts        time.Time
			processed bool
		)
		if err := rows.Scan(&idStr, &campaign, &payee, &kind, &quantity, &priceStr, &ts, &processed); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("parse receipt id: %w", err)
		}
		price, err := parseBig(priceStr)
		if err != nil {
			return nil, fmt.Errorf("receipt %s unit price: %w", idStr, err)
		}
		receipts = append(receipts, model.Receipt{
			ID:         id,
			CampaignID: uint64(campaign),
			Payee:      common.HexToAddress(payee),
			Kind:       kind,
			Quantity:   uint64(quantity),
			UnitPrice:  price,
			Timestamp:  ts.UTC(),
			Processed:  processed,
		})
	}
	return receipts, rows.Err()
}

func (s *Store) GetEpoch(ctx context.Context, campaignID, number uint64) (model.Epoch, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT root, payout::text, fee::text, leaf_count, tx_ref, finalized, finalized_at
		FROM epochs WHERE campaign_id = $1 AND epoch = $2
	`, int64(campaignID), int64(number))

	var (
		root        string
		payoutStr   string
		feeStr      string
		leafCount   int32
		txRef       string
		finalized   bool
		finalizedAt time.Time
	)
	if err := row.Scan(&root, &payoutStr, &feeStr, &leafCount, &txRef, &finalized, &finalizedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Epoch{}, storage.ErrEpochNotFound
		}
		return model.Epoch{}, err
	}

	payout, err := parseBig(payoutStr)
	if err != nil {
		return model.Epoch{}, fmt.Errorf("epoch payout: %w", err)
	}
	fee, err := parseBig(feeStr)
	if err != nil {
		return model.Epoch{}, fmt.Errorf("epoch fee: %w", err)
	}

	return model.Epoch{
		CampaignID:  campaignID,
		Number:      number,
		Root:        common.HexToHash(root),
		Payout:      payout,
		Fee:         fee,
		LeafCount:   uint32(leafCount),
		TxRef:       txRef,
		Finalized:   finalized,
		FinalizedAt: finalizedAt.UTC(),
	}, nil
}

func (s *Store) LastFinalizedEpoch(ctx context.Context, campaignID uint64) (uint64, bool, error) {
	var number int64
	row := s.pool.QueryRow(ctx, `
		SELECT epoch FROM epochs WHERE campaign_id = $1 ORDER BY epoch DESC LIMIT 1
	`, int64(campaignID))
	if err := row.Scan(&number); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return uint64(number), true, nil
}

// FinalizeEpoch writes the epoch, its leaves, the allocation bump, and the
// processed marks in one transaction. The campaign row lock serializes
// concurrent finalizations of the same campaign.
func (s *Store) FinalizeEpoch(ctx context.Context, epoch model.Epoch, leaves []model.PayoutLeaf, receiptIDs []uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var fundedStr, allocatedStr string
	row := tx.QueryRow(ctx, `SELECT funded::text, allocated::text FROM campaigns WHERE id = $1 FOR UPDATE`, int64(epoch.CampaignID))
	if err := row.Scan(&fundedStr, &allocatedStr); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.ErrCampaignNotFound
		}
		return err
	}
	funded, err := parseBig(fundedStr)
	if err != nil {
		return fmt.Errorf("campaign funded: %w", err)
	}
	allocated, err := parseBig(allocatedStr)
	if err != nil {
		return fmt.Errorf("campaign allocated: %w", err)
	}

	payout := epoch.Payout
	if payout == nil {
		payout = new(big.Int)
	}
	allocated = allocated.Add(allocated, payout)
	if allocated.Cmp(funded) > 0 {
		return storage.ErrBudgetExceeded
	}

	var exists bool
	row = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM epochs WHERE campaign_id = $1 AND epoch = $2)`, int64(epoch.CampaignID), int64(epoch.Number))
	if err := row.Scan(&exists); err != nil {
		return err
	}
	if exists {
		return storage.ErrEpochExists
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO epochs (campaign_id, epoch, root, payout, fee, leaf_count, tx_ref, finalized, finalized_at, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8, $9, now())
	`,
		int64(epoch.CampaignID),
		int64(epoch.Number),
		epoch.Root.Hex(),
		bigString(epoch.Payout),
		bigString(epoch.Fee),
		int32(epoch.LeafCount),
		epoch.TxRef,
		epoch.Finalized,
		epoch.FinalizedAt,
	); err != nil {
		if isPgCode(err, "23505") {
			return storage.ErrEpochExists
		}
		return fmt.Errorf("insert epoch: %w", err)
	}

	if len(leaves) > 0 {
		batch := &pgx.Batch{}
		for _, leaf := range leaves {
			batch.Queue(`
				INSERT INTO payout_leaves (campaign_id, epoch, leaf_index, payee, amount, claimed, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5::numeric, false, now(), now())
			`,
				int64(leaf.CampaignID),
				int64(leaf.Epoch),
				int32(leaf.Index),
				leaf.Payee.Hex(),
				bigString(leaf.Amount),
			)
		}
		br := tx.SendBatch(ctx, batch)
		for range leaves {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("insert leaf: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return err
		}
	}

	if len(receiptIDs) > 0 {
		ids := make([]string, 0, len(receiptIDs))
		for _, id := range receiptIDs {
			ids = append(ids, id.String())
		}
		if _, err := tx.Exec(ctx, `UPDATE receipts SET processed = true WHERE id = ANY($1::uuid[])`, ids); err != nil {
			return fmt.Errorf("mark receipts: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE campaigns SET allocated = $2::numeric, updated_at = now() WHERE id = $1`,
		int64(epoch.CampaignID), allocated.String()); err != nil {
		if isPgCode(err, "23514") {
			return storage.ErrBudgetExceeded
		}
		return fmt.Errorf("update allocation: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *Store) ListLeaves(ctx context.Context, campaignID, number uint64) ([]model.PayoutLeaf, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT leaf_index, payee, amount::text, claimed, COALESCE(claim_tx_ref, '')
		FROM payout_leaves
		WHERE campaign_id = $1 AND epoch = $2
		ORDER BY leaf_index
	`, int64(campaignID), int64(number))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	leaves := make([]model.PayoutLeaf, 0)
	for rows.Next() {
		leaf, err := scanLeaf(rows, campaignID, number)
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, leaf)
	}
	return leaves, rows.Err()
}

func (s *Store) GetLeaf(ctx context.Context, campaignID, number uint64, index uint32) (model.PayoutLeaf, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT leaf_index, payee, amount::text, claimed, COALESCE(claim_tx_ref, '')
		FROM payout_leaves
		WHERE campaign_id = $1 AND epoch = $2 AND leaf_index = $3
	`, int64(campaignID), int64(number), int32(index))

	leaf, err := scanLeaf(row, campaignID, number)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PayoutLeaf{}, storage.ErrLeafNotFound
		}
		return model.PayoutLeaf{}, err
	}
	return leaf, nil
}

func (s *Store) ClaimLeaf(ctx context.Context, campaignID, number uint64, index uint32) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payout_leaves SET claimed = true, updated_at = now()
		WHERE campaign_id = $1 AND epoch = $2 AND leaf_index = $3 AND NOT claimed
	`, int64(campaignID), int64(number), int32(index))
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var claimed bool
	row := s.pool.QueryRow(ctx, `
		SELECT claimed FROM payout_leaves WHERE campaign_id = $1 AND epoch = $2 AND leaf_index = $3
	`, int64(campaignID), int64(number), int32(index))
	if err := row.Scan(&claimed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.ErrLeafNotFound
		}
		return err
	}
	return storage.ErrLeafClaimed
}

func (s *Store) RecordClaimTx(ctx context.Context, campaignID, number uint64, index uint32, txRef string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payout_leaves SET claim_tx_ref = $4, updated_at = now()
		WHERE campaign_id = $1 AND epoch = $2 AND leaf_index = $3
	`, int64(campaignID), int64(number), int32(index), txRef)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrLeafNotFound
	}
	return nil
}

func (s *Store) ReleaseLeaf(ctx context.Context, campaignID, number uint64, index uint32) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payout_leaves SET claimed = false, claim_tx_ref = NULL, updated_at = now()
		WHERE campaign_id = $1 AND epoch = $2 AND leaf_index = $3
	`, int64(campaignID), int64(number), int32(index))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrLeafNotFound
	}
	return nil
}

func scanCampaign(row pgx.Row) (model.Campaign, error) {
	var (
		id           int64
		name         string
		fundedStr    string
		allocatedStr string
		active       bool
		createdAt    time.Time
	)
	if err := row.Scan(&id, &name, &fundedStr, &allocatedStr, &active, &createdAt); err != nil {
		return model.Campaign{}, err
	}
	funded, err := parseBig(fundedStr)
	if err != nil {
		return model.Campaign{}, fmt.Errorf("campaign funded: %w", err)
	}
	allocated, err := parseBig(allocatedStr)
	if err != nil {
		return model.Campaign{}, fmt.Errorf("campaign allocated: %w", err)
	}
	return model.Campaign{
		ID:        uint64(id),
		Name:      name,
		Funded:    funded,
		Allocated: allocated,
		Active:    active,
		CreatedAt: createdAt.UTC(),
	}, nil
}

func scanLeaf(row pgx.Row, campaignID, number uint64) (model.PayoutLeaf, error) {
	var (
		index     int32
		payee     string
		amountStr string
		claimed   bool
		txRef     string
	)
	if err := row.Scan(&index, &payee, &amountStr, &claimed, &txRef); err != nil {
		return model.PayoutLeaf{}, err
	}
	amount, err := parseBig(amountStr)
	if err != nil {
		return model.PayoutLeaf{}, fmt.Errorf("leaf amount: %w", err)
	}
	return model.PayoutLeaf{
		CampaignID: campaignID,
		Epoch:      number,
		Index:      uint32(index),
		Payee:      common.HexToAddress(payee),
		Amount:     amount,
		Claimed:    claimed,
		ClaimTxRef: txRef,
	}, nil
}

func parseBig(value string) (*big.Int, error) {
	out, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("parse numeric %q", value)
	}
	return out, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
