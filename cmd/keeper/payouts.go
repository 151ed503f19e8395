package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/folajindayo/epochpay/internal/config"
	"github.com/folajindayo/epochpay/internal/merkle"
	"github.com/folajindayo/epochpay/internal/model"
	"github.com/folajindayo/epochpay/internal/storage/postgres"
)

type payoutExport struct {
	CampaignID  uint64            `json:"campaign_id"`
	Epoch       uint64            `json:"epoch"`
	Root        string            `json:"root"`
	Payout      string            `json:"payout"`
	Fee         string            `json:"fee"`
	LeafCount   uint32            `json:"leaf_count"`
	TxRef       string            `json:"tx_ref"`
	FinalizedAt time.Time         `json:"finalized_at"`
	Leaves      []payoutLeafEntry `json:"leaves"`
}

type payoutLeafEntry struct {
	Index      uint32   `json:"index"`
	Payee      string   `json:"payee"`
	Amount     string   `json:"amount"`
	Claimed    bool     `json:"claimed"`
	ClaimTxRef string   `json:"claim_tx_ref,omitempty"`
	Proof      []string `json:"proof"`
}

func runPayouts(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	campaignID, _ := cmd.Flags().GetUint64("campaign")
	if campaignID == 0 {
		return fmt.Errorf("campaign id is required")
	}
	number, _ := cmd.Flags().GetUint64("epoch")
	if at, _ := cmd.Flags().GetString("at"); at != "" {
		ts, err := config.ParseTime(at)
		if err != nil {
			return fmt.Errorf("parse --at: %w", err)
		}
		number = model.EpochAt(ts, cfg.EpochLength)
	}
	if number == 0 {
		return fmt.Errorf("either --epoch or --at is required")
	}

	if cfg.PGDSN == "" {
		return fmt.Errorf("pg dsn is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := postgres.NewStore(ctx, cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer store.Close()

	ep, err := store.GetEpoch(ctx, campaignID, number)
	if err != nil {
		return fmt.Errorf("load epoch %d of campaign %d: %w", number, campaignID, err)
	}
	leaves, err := store.ListLeaves(ctx, campaignID, number)
	if err != nil {
		return fmt.Errorf("load leaves: %w", err)
	}

	out := payoutExport{
		CampaignID:  campaignID,
		Epoch:       number,
		Root:        ep.Root.Hex(),
		Payout:      ep.Payout.String(),
		Fee:         ep.Fee.String(),
		LeafCount:   ep.LeafCount,
		TxRef:       ep.TxRef,
		FinalizedAt: ep.FinalizedAt,
		Leaves:      make([]payoutLeafEntry, 0, len(leaves)),
	}

	if len(leaves) > 0 {
		hashes := make([]common.Hash, 0, len(leaves))
		for _, leaf := range leaves {
			hash, err := merkle.LeafHash(leaf.Index, leaf.Payee, leaf.Amount)
			if err != nil {
				return fmt.Errorf("hash leaf %d: %w", leaf.Index, err)
			}
			hashes = append(hashes, hash)
		}
		tree, err := merkle.Build(hashes)
		if err != nil {
			return fmt.Errorf("rebuild payout tree: %w", err)
		}
		if tree.Root() != ep.Root {
			return fmt.Errorf("stored leaves rebuild to root %s, epoch committed %s", tree.Root().Hex(), ep.Root.Hex())
		}

		for i, leaf := range leaves {
			proof, err := tree.Proof(i)
			if err != nil {
				return fmt.Errorf("prove leaf %d: %w", leaf.Index, err)
			}
			proofHex := make([]string, 0, len(proof))
			for _, node := range proof {
				proofHex = append(proofHex, node.Hex())
			}
			out.Leaves = append(out.Leaves, payoutLeafEntry{
				Index:      leaf.Index,
				Payee:      leaf.Payee.Hex(),
				Amount:     leaf.Amount.String(),
				Claimed:    leaf.Claimed,
				ClaimTxRef: leaf.ClaimTxRef,
				Proof:      proofHex,
			})
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
