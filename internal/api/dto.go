package api

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"github.com/folajindayo/epochpay/internal/model"
)

type errorResponse struct {
	Error string `json:"error"`
}

type claimRequest struct {
	CampaignID uint64   `json:"campaign_id"`
	Epoch      uint64   `json:"epoch"`
	Index      uint32   `json:"index"`
	Payee      string   `json:"payee"`
	Amount     string   `json:"amount"`
	Proof      []string `json:"proof"`
}

func (c claimRequest) toModel() (model.ClaimRequest, error) {
	payee, err := parseAddress(c.Payee)
	if err != nil {
		return model.ClaimRequest{}, fmt.Errorf("payee: %w", err)
	}
	amount, err := parseAmount(c.Amount)
	if err != nil {
		return model.ClaimRequest{}, fmt.Errorf("amount: %w", err)
	}
	proof := make([]common.Hash, len(c.Proof))
	for i, node := range c.Proof {
		hash, err := parseHash(node)
		if err != nil {
			return model.ClaimRequest{}, fmt.Errorf("proof[%d]: %w", i, err)
		}
		proof[i] = hash
	}
	return model.ClaimRequest{
		CampaignID: c.CampaignID,
		Epoch:      c.Epoch,
		Index:      c.Index,
		Payee:      payee,
		Amount:     amount,
		Proof:      proof,
	}, nil
}

type claimResponse struct {
	Status string `json:"status"`
	TxRef  string `json:"tx_ref,omitempty"`
}

type bulkClaimRequest struct {
	Claims []claimRequest `json:"claims"`
}

type createCampaignRequest struct {
	Name   string `json:"name"`
	Funded string `json:"funded"`
	Active bool   `json:"active"`
}

type campaignResponse struct {
	ID                 uint64    `json:"id"`
	Name               string    `json:"name"`
	Funded             string    `json:"funded"`
	Allocated          string    `json:"allocated"`
	Remaining          string    `json:"remaining"`
	Active             bool      `json:"active"`
	CreatedAt          time.Time `json:"created_at"`
	LastFinalizedEpoch *uint64   `json:"last_finalized_epoch,omitempty"`
}

func toCampaignResponse(c model.Campaign, lastEpoch uint64, hasEpoch bool) campaignResponse {
	resp := campaignResponse{
		ID:        c.ID,
		Name:      c.Name,
		Funded:    amountString(c.Funded),
		Allocated: amountString(c.Allocated),
		Remaining: c.Remaining().String(),
		Active:    c.Active,
		CreatedAt: c.CreatedAt,
	}
	if hasEpoch {
		resp.LastFinalizedEpoch = &lastEpoch
	}
	return resp
}

type receiptInput struct {
	ID        string    `json:"id,omitempty"`
	Payee     string    `json:"payee"`
	Kind      string    `json:"kind"`
	Quantity  uint64    `json:"quantity"`
	UnitPrice string    `json:"unit_price"`
	Timestamp time.Time `json:"timestamp"`
}

func (r receiptInput) toModel(campaignID uint64) (model.Receipt, error) {
	id := uuid.New()
	if r.ID != "" {
		parsed, err := uuid.Parse(r.ID)
		if err != nil {
			return model.Receipt{}, fmt.Errorf("id: %w", err)
		}
		id = parsed
	}
	payee, err := parseAddress(r.Payee)
	if err != nil {
		return model.Receipt{}, fmt.Errorf("payee: %w", err)
	}
	if r.Kind != model.ReceiptKindImpression && r.Kind != model.ReceiptKindClick {
		return model.Receipt{}, fmt.Errorf("kind %q is not recognized", r.Kind)
	}
	if r.Quantity == 0 {
		return model.Receipt{}, fmt.Errorf("quantity must be greater than zero")
	}
	unitPrice, err := parseAmount(r.UnitPrice)
	if err != nil {
		return model.Receipt{}, fmt.Errorf("unit_price: %w", err)
	}
	if r.Timestamp.IsZero() {
		return model.Receipt{}, fmt.Errorf("timestamp is required")
	}
	return model.Receipt{
		ID:         id,
		CampaignID: campaignID,
		Payee:      payee,
		Kind:       r.Kind,
		Quantity:   r.Quantity,
		UnitPrice:  unitPrice,
		Timestamp:  r.Timestamp.UTC(),
	}, nil
}

type addReceiptsRequest struct {
	Receipts []receiptInput `json:"receipts"`
}

type addReceiptsResponse struct {
	Accepted int `json:"accepted"`
}

type payoutLeaf struct {
	Index      uint32   `json:"index"`
	Payee      string   `json:"payee"`
	Amount     string   `json:"amount"`
	Claimed    bool     `json:"claimed"`
	ClaimTxRef string   `json:"claim_tx_ref,omitempty"`
	Proof      []string `json:"proof"`
}

type payoutsResponse struct {
	CampaignID uint64       `json:"campaign_id"`
	Epoch      uint64       `json:"epoch"`
	Root       string       `json:"root"`
	Payout     string       `json:"payout"`
	Fee        string       `json:"fee"`
	TxRef      string       `json:"tx_ref"`
	Leaves     []payoutLeaf `json:"leaves"`
}

type finalizeResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	Root   string `json:"root,omitempty"`
	Payout string `json:"payout,omitempty"`
	TxRef  string `json:"tx_ref,omitempty"`
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%q is not a hex address", s)
	}
	return common.HexToAddress(s), nil
}

func parseHash(s string) (common.Hash, error) {
	raw, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, err
	}
	if len(raw) != common.HashLength {
		return common.Hash{}, fmt.Errorf("hash must be %d bytes, got %d", common.HashLength, len(raw))
	}
	return common.BytesToHash(raw), nil
}

func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("amount is required")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%q is not a base-10 integer", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return v, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
