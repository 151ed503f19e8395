// Package evm settles epochs and claims against the on-chain settlement
// contract. Deterministic refusals are read out of revert data before any
// transaction is sent; only passing calls spend gas.
package evm

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/folajindayo/epochpay/internal/chain"
	"github.com/folajindayo/epochpay/internal/ledger"
	"github.com/folajindayo/epochpay/internal/model"
)

const (
	revertAlreadyFinalized   = "AlreadyFinalized"
	revertAlreadyClaimed     = "AlreadyClaimed"
	revertInvalidProof       = "InvalidProof"
	revertInsufficientEscrow = "InsufficientEscrow"
)

// Config holds settings for the settlement contract client.
type Config struct {
	ContractAddress common.Address
	PrivateKey      string
	PollInterval    time.Duration
	ConfirmTimeout  time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
}

// Settlement submits finalizations and claims to the settlement contract.
type Settlement struct {
	cfg    Config
	client *chain.Client
	logger *zap.Logger
	abi    abi.ABI
	key    *ecdsa.PrivateKey
	sender common.Address

	// sendMu keeps one transaction in flight per sender key so pending
	// nonces never collide.
	sendMu sync.Mutex
}

// NewSettlement builds a settlement client from a hex-encoded private key.
func NewSettlement(cfg Config, client *chain.Client, logger *zap.Logger) (*Settlement, error) {
	if client == nil {
		return nil, fmt.Errorf("chain client is nil")
	}
	if cfg.ContractAddress == (common.Address{}) {
		return nil, fmt.Errorf("contract address is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	key, err := crypto.HexToECDSA(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	parsed, err := SettlementABI()
	if err != nil {
		return nil, fmt.Errorf("parse settlement abi: %w", err)
	}

	return &Settlement{
		cfg:    cfg,
		client: client,
		logger: logger,
		abi:    parsed,
		key:    key,
		sender: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Sender returns the address transactions are signed with.
func (s *Settlement) Sender() common.Address {
	return s.sender
}

// FinalizeEpoch commits (root, amount) for one campaign epoch. A contract that
// already holds a root for the epoch reports it back through ExistingRoot
// instead of an error.
func (s *Settlement) FinalizeEpoch(ctx context.Context, campaignID, epoch uint64, root common.Hash, amount *big.Int) (ledger.FinalizeResult, error) {
	if amount == nil {
		return ledger.FinalizeResult{}, fmt.Errorf("amount is required")
	}

	data, err := s.abi.Pack("finalizeEpoch", campaignID, epoch, root, amount)
	if err != nil {
		return ledger.FinalizeResult{}, fmt.Errorf("pack finalizeEpoch: %w", err)
	}

	txHash, revert, err := s.submit(ctx, data)
	if err != nil {
		return ledger.FinalizeResult{}, err
	}

	switch revert {
	case "":
		return ledger.FinalizeResult{Status: ledger.FinalizeAccepted, TxRef: txHash.Hex()}, nil
	case revertAlreadyFinalized:
		existing, err := s.EpochRoot(ctx, campaignID, epoch)
		if err != nil {
			return ledger.FinalizeResult{}, fmt.Errorf("read existing root: %w", err)
		}
		return ledger.FinalizeResult{Status: ledger.FinalizeAlreadyFinalized, ExistingRoot: existing}, nil
	default:
		return ledger.FinalizeResult{Status: ledger.FinalizeRejected, Reason: revert}, nil
	}
}

// Claim redeems one payout leaf on the contract.
func (s *Settlement) Claim(ctx context.Context, req model.ClaimRequest) (ledger.ClaimResult, error) {
	if req.Amount == nil {
		return ledger.ClaimResult{}, fmt.Errorf("amount is required")
	}

	proof := make([][32]byte, len(req.Proof))
	for i, node := range req.Proof {
		proof[i] = node
	}

	data, err := s.abi.Pack("claim",
		req.CampaignID,
		req.Epoch,
		new(big.Int).SetUint64(uint64(req.Index)),
		req.Payee,
		req.Amount,
		proof)
	if err != nil {
		return ledger.ClaimResult{}, fmt.Errorf("pack claim: %w", err)
	}

	txHash, revert, err := s.submit(ctx, data)
	if err != nil {
		return ledger.ClaimResult{}, err
	}

	switch revert {
	case "":
		return ledger.ClaimResult{Status: ledger.ClaimAccepted, TxRef: txHash.Hex()}, nil
	case revertAlreadyClaimed:
		return ledger.ClaimResult{Status: ledger.ClaimAlreadyClaimed}, nil
	default:
		return ledger.ClaimResult{Status: ledger.ClaimRejected, Reason: revert}, nil
	}
}

// EpochRoot reads the committed root for a campaign epoch, zero if none.
func (s *Settlement) EpochRoot(ctx context.Context, campaignID, epoch uint64) (common.Hash, error) {
	data, err := s.abi.Pack("epochRoot", campaignID, epoch)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack epochRoot: %w", err)
	}

	msg := ethereum.CallMsg{From: s.sender, To: &s.cfg.ContractAddress, Data: data}
	var root common.Hash
	err = withRetry(ctx, s.cfg.MaxRetries, s.cfg.RetryBackoff, func(ctx context.Context) error {
		ret, err := s.client.Backend().CallContract(ctx, msg, nil)
		if err != nil {
			s.logger.Warn("epochRoot call failed", zap.Error(err))
			return err
		}
		vals, err := s.abi.Unpack("epochRoot", ret)
		if err != nil {
			return fmt.Errorf("unpack epochRoot: %w", err)
		}
		raw, ok := vals[0].([32]byte)
		if !ok {
			return fmt.Errorf("unexpected epochRoot return type %T", vals[0])
		}
		root = common.Hash(raw)
		return nil
	})
	return root, err
}

// submit estimates the call, then signs and sends it, then waits for the
// receipt. A deterministic revert comes back as a non-empty revert name with
// a nil error; everything else that fails is a transport error.
func (s *Settlement) submit(ctx context.Context, data []byte) (common.Hash, string, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	backend := s.client.Backend()
	msg := ethereum.CallMsg{From: s.sender, To: &s.cfg.ContractAddress, Data: data}

	gas, err := backend.EstimateGas(ctx, msg)
	if err != nil {
		if reason, ok := s.revertReason(err); ok {
			return common.Hash{}, reason, nil
		}
		return common.Hash{}, "", fmt.Errorf("estimate gas: %w", err)
	}

	chainID, err := s.client.ChainID(ctx)
	if err != nil {
		return common.Hash{}, "", fmt.Errorf("chain id: %w", err)
	}
	nonce, err := backend.PendingNonceAt(ctx, s.sender)
	if err != nil {
		return common.Hash{}, "", fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, "", fmt.Errorf("suggest gas tip: %w", err)
	}
	head, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, "", fmt.Errorf("latest header: %w", err)
	}
	if head.BaseFee == nil {
		return common.Hash{}, "", fmt.Errorf("chain does not report a base fee")
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	signed, err := types.SignNewTx(s.key, types.LatestSignerForChainID(chainID), &types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas + gas/5,
		To:        &s.cfg.ContractAddress,
		Data:      data,
	})
	if err != nil {
		return common.Hash{}, "", fmt.Errorf("sign transaction: %w", err)
	}

	if err := backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, "", fmt.Errorf("send transaction: %w", err)
	}

	receipt, err := s.waitReceipt(ctx, signed.Hash())
	if err != nil {
		return common.Hash{}, "", fmt.Errorf("transaction %s not confirmed: %w", signed.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		// The estimate passed but the state moved under us. The caller's
		// next attempt re-estimates and reads the precise refusal.
		return signed.Hash(), "execution reverted", nil
	}

	s.logger.Info("transaction confirmed",
		zap.String("tx", signed.Hash().Hex()),
		zap.Uint64("block", receipt.BlockNumber.Uint64()),
		zap.Uint64("gas_used", receipt.GasUsed))
	return signed.Hash(), "", nil
}

func (s *Settlement) waitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
	defer cancel()

	for {
		receipt, err := s.client.Backend().TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			s.logger.Warn("receipt fetch failed", zap.String("tx", txHash.Hex()), zap.Error(err))
		}

		timer := time.NewTimer(s.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// revertReason digs revert data out of an RPC error. Custom errors map to
// their names, string reverts to their message. The second return is false
// when the error carries no revert data at all, meaning transport trouble
// rather than a contract refusal.
func (s *Settlement) revertReason(err error) (string, bool) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return "", false
	}
	hexData, ok := dataErr.ErrorData().(string)
	if !ok {
		return "", false
	}

	data := common.FromHex(hexData)
	if len(data) == 0 {
		return "execution reverted", true
	}
	if len(data) >= 4 {
		for name, custom := range s.abi.Errors {
			if bytes.Equal(data[:4], custom.ID[:4]) {
				return name, true
			}
		}
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason, true
	}
	return "execution reverted", true
}
