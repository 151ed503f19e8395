package evm

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const settlementABIJSON = `[
  {
    "inputs": [
      {"internalType": "uint64", "name": "campaignId", "type": "uint64"},
      {"internalType": "uint64", "name": "epoch", "type": "uint64"},
      {"internalType": "bytes32", "name": "root", "type": "bytes32"},
      {"internalType": "uint256", "name": "amount", "type": "uint256"}
    ],
    "name": "finalizeEpoch",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "uint64", "name": "campaignId", "type": "uint64"},
      {"internalType": "uint64", "name": "epoch", "type": "uint64"},
      {"internalType": "uint256", "name": "index", "type": "uint256"},
      {"internalType": "address", "name": "payee", "type": "address"},
      {"internalType": "uint256", "name": "amount", "type": "uint256"},
      {"internalType": "bytes32[]", "name": "proof", "type": "bytes32[]"}
    ],
    "name": "claim",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "uint64", "name": "campaignId", "type": "uint64"},
      {"internalType": "uint64", "name": "epoch", "type": "uint64"}
    ],
    "name": "epochRoot",
    "outputs": [{"internalType": "bytes32", "name": "", "type": "bytes32"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "uint64", "name": "campaignId", "type": "uint64"},
      {"internalType": "uint64", "name": "epoch", "type": "uint64"},
      {"internalType": "uint256", "name": "index", "type": "uint256"}
    ],
    "name": "isClaimed",
    "outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "uint64", "name": "campaignId", "type": "uint64"},
      {"indexed": true, "internalType": "uint64", "name": "epoch", "type": "uint64"},
      {"indexed": false, "internalType": "bytes32", "name": "root", "type": "bytes32"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"}
    ],
    "name": "EpochFinalized",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "uint64", "name": "campaignId", "type": "uint64"},
      {"indexed": true, "internalType": "uint64", "name": "epoch", "type": "uint64"},
      {"indexed": false, "internalType": "uint256", "name": "index", "type": "uint256"},
      {"indexed": true, "internalType": "address", "name": "payee", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"}
    ],
    "name": "PayoutClaimed",
    "type": "event"
  },
  {"inputs": [], "name": "AlreadyFinalized", "type": "error"},
  {"inputs": [], "name": "AlreadyClaimed", "type": "error"},
  {"inputs": [], "name": "InvalidProof", "type": "error"},
  {"inputs": [], "name": "InsufficientEscrow", "type": "error"}
]`

var (
	settlementABI     abi.ABI
	settlementABIOnce sync.Once
	settlementABIErr  error
)

// SettlementABI returns the parsed settlement contract ABI.
func SettlementABI() (abi.ABI, error) {
	settlementABIOnce.Do(func() {
		settlementABI, settlementABIErr = abi.JSON(strings.NewReader(settlementABIJSON))
	})
	return settlementABI, settlementABIErr
}
