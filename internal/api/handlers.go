package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/folajindayo/epochpay/internal/claims"
	"github.com/folajindayo/epochpay/internal/epoch"
	"github.com/folajindayo/epochpay/internal/merkle"
	"github.com/folajindayo/epochpay/internal/model"
	"github.com/folajindayo/epochpay/internal/storage"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	claim, err := req.toModel()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	outcome, err := s.verifier.Claim(r.Context(), claim)
	if err != nil {
		s.writeClaimFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claimResponse{Status: string(outcome.Status), TxRef: outcome.TxRef})
}

func (s *Server) handleBulkClaim(w http.ResponseWriter, r *http.Request) {
	var req bulkClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if len(req.Claims) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("at least one claim is required"))
		return
	}
	if len(req.Claims) > s.cfg.MaxBulkClaims {
		writeError(w, http.StatusBadRequest, fmt.Errorf("at most %d claims per request", s.cfg.MaxBulkClaims))
		return
	}

	reqs := make([]model.ClaimRequest, len(req.Claims))
	for i, c := range req.Claims {
		claim, err := c.toModel()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("claims[%d]: %w", i, err))
			return
		}
		reqs[i] = claim
	}

	items := s.verifier.BulkClaim(r.Context(), reqs)
	writeJSON(w, http.StatusOK, struct {
		Items []claims.BulkItem `json:"items"`
	}{Items: items})
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID, err := uintParam(r, "campaignID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	campaign, err := s.store.GetCampaign(r.Context(), campaignID)
	if errors.Is(err, storage.ErrCampaignNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeStorageFailure(w, r, err)
		return
	}

	last, ok, err := s.store.LastFinalizedEpoch(r.Context(), campaignID)
	if err != nil {
		s.writeStorageFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCampaignResponse(campaign, last, ok))
}

func (s *Server) handlePayouts(w http.ResponseWriter, r *http.Request) {
	campaignID, err := uintParam(r, "campaignID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	number, err := uintParam(r, "epoch")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ep, err := s.store.GetEpoch(r.Context(), campaignID, number)
	if errors.Is(err, storage.ErrEpochNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeStorageFailure(w, r, err)
		return
	}

	leaves, err := s.store.ListLeaves(r.Context(), campaignID, number)
	if err != nil {
		s.writeStorageFailure(w, r, err)
		return
	}

	resp := payoutsResponse{
		CampaignID: campaignID,
		Epoch:      number,
		Root:       ep.Root.Hex(),
		Payout:     amountString(ep.Payout),
		Fee:        amountString(ep.Fee),
		TxRef:      ep.TxRef,
		Leaves:     make([]payoutLeaf, 0, len(leaves)),
	}
	if len(leaves) == 0 {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	hashes := make([]common.Hash, len(leaves))
	for i, leaf := range leaves {
		hash, err := merkle.LeafHash(leaf.Index, leaf.Payee, leaf.Amount)
		if err != nil {
			s.logger.Error("stored leaf does not hash",
				zap.Uint64("campaign", campaignID),
				zap.Uint64("epoch", number),
				zap.Uint32("leaf_index", leaf.Index),
				zap.Error(err))
			writeError(w, http.StatusInternalServerError, fmt.Errorf("stored payout set is corrupt"))
			return
		}
		hashes[i] = hash
	}
	tree, err := merkle.Build(hashes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("rebuild payout tree: %w", err))
		return
	}
	if tree.Root() != ep.Root {
		s.logger.Error("stored leaves do not match committed root",
			zap.Uint64("campaign", campaignID),
			zap.Uint64("epoch", number),
			zap.String("stored_root", ep.Root.Hex()),
			zap.String("rebuilt_root", tree.Root().Hex()))
		writeError(w, http.StatusInternalServerError, fmt.Errorf("stored payout set does not match the committed root"))
		return
	}

	for i, leaf := range leaves {
		proof, err := tree.Proof(i)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("build proof: %w", err))
			return
		}
		nodes := make([]string, len(proof))
		for j, node := range proof {
			nodes[j] = node.Hex()
		}
		resp.Leaves = append(resp.Leaves, payoutLeaf{
			Index:      leaf.Index,
			Payee:      leaf.Payee.Hex(),
			Amount:     amountString(leaf.Amount),
			Claimed:    leaf.Claimed,
			ClaimTxRef: leaf.ClaimTxRef,
			Proof:      nodes,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("name is required"))
		return
	}
	funded, err := parseAmount(req.Funded)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("funded: %w", err))
		return
	}

	id, err := s.store.CreateCampaign(r.Context(), model.Campaign{
		Name:      req.Name,
		Funded:    funded,
		Allocated: big.NewInt(0),
		Active:    req.Active,
	})
	if err != nil {
		s.writeStorageFailure(w, r, err)
		return
	}

	campaign, err := s.store.GetCampaign(r.Context(), id)
	if err != nil {
		s.writeStorageFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCampaignResponse(campaign, 0, false))
}

func (s *Server) handleAddReceipts(w http.ResponseWriter, r *http.Request) {
	campaignID, err := uintParam(r, "campaignID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var req addReceiptsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if len(req.Receipts) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("at least one receipt is required"))
		return
	}

	receipts := make([]model.Receipt, len(req.Receipts))
	for i, in := range req.Receipts {
		receipt, err := in.toModel(campaignID)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("receipts[%d]: %w", i, err))
			return
		}
		receipts[i] = receipt
	}

	if err := s.store.AddReceipts(r.Context(), receipts); err != nil {
		if errors.Is(err, storage.ErrCampaignNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeStorageFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, addReceiptsResponse{Accepted: len(receipts)})
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	campaignID, err := uintParam(r, "campaignID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	number, err := uintParam(r, "epoch")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.finalizer.Finalize(r.Context(), campaignID, number)
	switch {
	case errors.Is(err, storage.ErrCampaignNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, epoch.ErrEpochOpen):
		writeError(w, http.StatusConflict, err)
		return
	case errors.Is(err, epoch.ErrRootMismatch):
		writeError(w, http.StatusInternalServerError, err)
		return
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	resp := finalizeResponse{Status: string(res.Status), Reason: res.Reason}
	status := http.StatusOK
	switch res.Status {
	case epoch.StatusFinalized, epoch.StatusAlreadyFinalized:
		resp.Root = res.Epoch.Root.Hex()
		resp.Payout = amountString(res.Epoch.Payout)
		resp.TxRef = res.Epoch.TxRef
	case epoch.StatusRejected:
		status = http.StatusConflict
	}
	writeJSON(w, status, resp)
}

func (s *Server) writeClaimFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, claims.ErrEpochNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, claims.ErrInvalidProof):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, claims.ErrLedgerRejected):
		writeError(w, http.StatusBadGateway, err)
	default:
		writeError(w, http.StatusServiceUnavailable, err)
	}
}

func (s *Server) writeStorageFailure(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("storage failure",
		zap.String("path", r.URL.Path),
		zap.Error(err))
	writeError(w, http.StatusInternalServerError, err)
}

func uintParam(r *http.Request, name string) (uint64, error) {
	raw := chi.URLParam(r, name)
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s %q is not a number", name, raw)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
