// Package chain is the Chain Gateway (C2): a thin, read-mostly wrapper
// around ethclient for the two Votara contracts. It mirrors
// oracle-attesterd's evm_confirm.go for log/confirmation handling and
// swap-gateway's voucher.go for the single signing key's nonce-managed
// transaction submission.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"votara/services/coordinator/apperr"
)

// Event signatures emitted by the Voting and Membership contracts, bit-exact
// with spec.md §6 (topic0 is the Keccak256 of the canonical type list, never
// the indexed keyword or parameter names).
var (
	sigPollCreated   = crypto.Keccak256Hash([]byte("PollCreated(bytes32,address)"))
	sigPollActivated = crypto.Keccak256Hash([]byte("PollActivated(bytes32,uint256)"))
	sigVoteCast      = crypto.Keccak256Hash([]byte("VoteCast(bytes32,uint8,uint256)"))
	sigGroupCreated  = crypto.Keccak256Hash([]byte("GroupCreated(uint256)"))
)

const (
	// EventPollCreated names the PollCreated topic for Tail dispatch.
	EventPollCreated = "PollCreated"
	// EventPollActivated names the PollActivated topic for Tail dispatch.
	EventPollActivated = "PollActivated"
	// EventVoteCast names the VoteCast topic for Tail dispatch.
	EventVoteCast = "VoteCast"
)

// Event is one decoded log from either contract, normalized into a single
// struct carrying the fields the Tail's merge-sort and handlers need.
type Event struct {
	Name        string
	BlockNumber uint64
	LogIndex    uint
	TxHash      string
	PollID      string
	Creator     string
	GroupID     string
	OptionIndex uint8
	Nullifier   string
}

// Gateway wraps an ethclient.Client plus the two contract addresses and the
// Coordinator's single signing key for group-management transactions.
type Gateway struct {
	client            *ethclient.Client
	votingAddress     common.Address
	membershipAddress common.Address
	signer            *signer

	nonceMu sync.Mutex
}

// Dial connects to rpcURL and prepares the signing key for transaction
// submission, grounded on swap-gateway's client construction.
func Dial(ctx context.Context, rpcURL, votingAddress, membershipAddress, signingKeyHex string) (*Gateway, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, apperr.Chainf(err, "dial rpc endpoint")
	}
	s, err := newSigner(signingKeyHex)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load signing key", err)
	}
	return &Gateway{
		client:            client,
		votingAddress:     common.HexToAddress(votingAddress),
		membershipAddress: common.HexToAddress(membershipAddress),
		signer:            s,
	}, nil
}

// Close releases the underlying RPC connection.
func (g *Gateway) Close() { g.client.Close() }

// LatestBlock returns the chain head height.
func (g *Gateway) LatestBlock(ctx context.Context) (uint64, error) {
	n, err := g.client.BlockNumber(ctx)
	if err != nil {
		return 0, apperr.Chainf(err, "fetch latest block")
	}
	return n, nil
}

// FetchLogs pulls every PollCreated, PollActivated, and VoteCast log in
// [fromBlock, toBlock] from both contracts and decodes them, grounded on
// evm_confirm.go's FilterLogs + manual ABI decode pattern. Callers are
// responsible for merge-sorting the result by (BlockNumber, LogIndex); this
// method makes no ordering guarantee across the two contracts.
func (g *Gateway) FetchLogs(ctx context.Context, fromBlock, toBlock uint64) ([]Event, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{g.votingAddress, g.membershipAddress},
		Topics:    [][]common.Hash{{sigPollCreated, sigPollActivated, sigVoteCast}},
	}
	logs, err := g.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, apperr.Chainf(err, "filter logs blocks %d-%d", fromBlock, toBlock)
	}

	events := make([]Event, 0, len(logs))
	for _, lg := range logs {
		evt, err := decodeLog(lg)
		if err != nil {
			return nil, apperr.Chainf(err, "decode log at block %d index %d", lg.BlockNumber, lg.Index)
		}
		if evt != nil {
			events = append(events, *evt)
		}
	}
	return events, nil
}

func decodeLog(lg types.Log) (*Event, error) {
	if len(lg.Topics) == 0 {
		return nil, nil
	}
	base := Event{
		BlockNumber: lg.BlockNumber,
		LogIndex:    lg.Index,
		TxHash:      lg.TxHash.Hex(),
	}
	switch lg.Topics[0] {
	case sigPollCreated:
		// Both pollId and creator are indexed (§6), so neither appears in Data.
		if len(lg.Topics) < 3 {
			return nil, fmt.Errorf("malformed PollCreated log")
		}
		base.Name = EventPollCreated
		base.PollID = lg.Topics[1].Hex()
		base.Creator = common.BytesToAddress(lg.Topics[2].Bytes()).Hex()
		return &base, nil
	case sigPollActivated:
		if len(lg.Topics) < 2 || len(lg.Data) < 32 {
			return nil, fmt.Errorf("malformed PollActivated log")
		}
		base.Name = EventPollActivated
		base.PollID = lg.Topics[1].Hex()
		base.GroupID = new(big.Int).SetBytes(lg.Data[0:32]).String()
		return &base, nil
	case sigVoteCast:
		if len(lg.Topics) < 2 || len(lg.Data) < 64 {
			return nil, fmt.Errorf("malformed VoteCast log")
		}
		base.Name = EventVoteCast
		base.PollID = lg.Topics[1].Hex()
		base.OptionIndex = uint8(new(big.Int).SetBytes(lg.Data[0:32]).Uint64())
		base.Nullifier = new(big.Int).SetBytes(lg.Data[32:64]).String()
		return &base, nil
	default:
		return nil, nil
	}
}

// PollExistsOnChain reads the voting contract's poll registry directly,
// used by the server to reconcile API state against chain truth on demand.
func (g *Gateway) PollExistsOnChain(ctx context.Context, pollID [32]byte) (bool, error) {
	data, err := pollExistsCalldata(pollID)
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "encode pollExists call", err)
	}
	result, err := g.client.CallContract(ctx, ethereum.CallMsg{To: &g.votingAddress, Data: data}, nil)
	if err != nil {
		return false, translateRevert(err)
	}
	if len(result) < 32 {
		return false, apperr.Chainf(fmt.Errorf("short return data"), "decode pollExists result")
	}
	return result[31] == 1, nil
}

// GroupID reads the membership group bound to a poll directly off the
// Voting contract, used by the server to reconcile API state against chain
// truth without waiting for the Tail (§6).
func (g *Gateway) GroupID(ctx context.Context, pollID [32]byte) (*big.Int, error) {
	data, err := groupIDCalldata(pollID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "encode groupId call", err)
	}
	result, err := g.client.CallContract(ctx, ethereum.CallMsg{To: &g.votingAddress, Data: data}, nil)
	if err != nil {
		return nil, translateRevert(err)
	}
	if len(result) < 32 {
		return nil, apperr.Chainf(fmt.Errorf("short return data"), "decode groupId result")
	}
	return new(big.Int).SetBytes(result[:32]), nil
}

// MerkleTreeRoot reads the current Merkle root of a membership group from
// the registry contract (§6: getMerkleTreeRoot).
func (g *Gateway) MerkleTreeRoot(ctx context.Context, groupID *big.Int) (*big.Int, error) {
	return g.callMerkle(ctx, merkleRootCalldata, groupID)
}

// MerkleTreeDepth reads the current depth of a membership group's tree
// (§6: getMerkleTreeDepth).
func (g *Gateway) MerkleTreeDepth(ctx context.Context, groupID *big.Int) (*big.Int, error) {
	return g.callMerkle(ctx, merkleDepthCalldata, groupID)
}

// MerkleTreeSize reads the current leaf count of a membership group's tree
// (§6: getMerkleTreeSize).
func (g *Gateway) MerkleTreeSize(ctx context.Context, groupID *big.Int) (*big.Int, error) {
	return g.callMerkle(ctx, merkleSizeCalldata, groupID)
}

func (g *Gateway) callMerkle(ctx context.Context, encode func(*big.Int) ([]byte, error), groupID *big.Int) (*big.Int, error) {
	data, err := encode(groupID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "encode membership registry call", err)
	}
	result, err := g.client.CallContract(ctx, ethereum.CallMsg{To: &g.membershipAddress, Data: data}, nil)
	if err != nil {
		return nil, translateRevert(err)
	}
	if len(result) < 32 {
		return nil, apperr.Chainf(fmt.Errorf("short return data"), "decode membership registry result")
	}
	return new(big.Int).SetBytes(result[:32]), nil
}

// CreateGroup submits the membership contract's group-creation transaction
// and blocks until it is mined, returning the assigned group id. Neither
// createGroup() nor createGroup(uint256) (§6) takes a pollId; the
// Coordinator associates the returned groupId with a poll off-chain via
// SetRoster, and later, on-chain, when the creator calls activatePoll.
func (g *Gateway) CreateGroup(ctx context.Context) (string, string, error) {
	data := createGroupCalldata()
	receipt, txHash, err := g.sendAndWait(ctx, g.membershipAddress, data)
	if err != nil {
		return "", "", err
	}
	groupID, err := extractGroupID(receipt)
	if err != nil {
		return "", "", apperr.Wrap(apperr.Internal, "extract group id", err)
	}
	return groupID, txHash, nil
}

// AddMembers appends the given field-element commitments to an existing
// membership group and blocks until mined.
func (g *Gateway) AddMembers(ctx context.Context, groupID *big.Int, members [][32]byte) (string, error) {
	data, err := addMembersCalldata(groupID, members)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "encode addMembers call", err)
	}
	_, txHash, err := g.sendAndWait(ctx, g.membershipAddress, data)
	return txHash, err
}

// sendAndWait signs and submits a transaction from the Coordinator's single
// operator key, serialized by nonceMu, and blocks for its receipt. Grounded
// on voucher.go's sign-then-submit sequencing.
func (g *Gateway) sendAndWait(ctx context.Context, to common.Address, data []byte) (*types.Receipt, string, error) {
	g.nonceMu.Lock()
	defer g.nonceMu.Unlock()

	nonce, err := g.client.PendingNonceAt(ctx, g.signer.address)
	if err != nil {
		return nil, "", apperr.Chainf(err, "fetch nonce")
	}
	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, "", apperr.Chainf(err, "suggest gas price")
	}
	chainID, err := g.client.NetworkID(ctx)
	if err != nil {
		return nil, "", apperr.Chainf(err, "fetch chain id")
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      500_000,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := g.signer.sign(tx, chainID)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.Internal, "sign transaction", err)
	}
	if err := g.client.SendTransaction(ctx, signed); err != nil {
		return nil, "", translateRevert(err)
	}

	receipt, err := bind.WaitMined(ctx, g.client, signed)
	if err != nil {
		return nil, "", apperr.Chainf(err, "await transaction receipt")
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, "", apperr.Chainf(fmt.Errorf("reverted"), "transaction reverted")
	}
	return receipt, signed.Hash().Hex(), nil
}

func extractGroupID(receipt *types.Receipt) (string, error) {
	for _, lg := range receipt.Logs {
		if len(lg.Topics) > 1 && lg.Topics[0] == sigGroupCreated {
			return new(big.Int).SetBytes(lg.Topics[1].Bytes()).String(), nil
		}
	}
	return "", fmt.Errorf("no GroupCreated log in receipt")
}

// Results reads the voting contract's per-option tally for a poll, used as
// a cross-check against the Metadata Store's own aggregation (§8).
func (g *Gateway) Results(ctx context.Context, pollID [32]byte, optionCount int) ([]uint64, error) {
	counts := make([]uint64, optionCount)
	for i := 0; i < optionCount; i++ {
		data, err := voteCountCalldata(pollID, uint8(i))
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "encode voteCount call", err)
		}
		result, err := g.client.CallContract(ctx, ethereum.CallMsg{To: &g.votingAddress, Data: data}, nil)
		if err != nil {
			return nil, translateRevert(err)
		}
		if len(result) < 32 {
			return nil, apperr.Chainf(fmt.Errorf("short return data"), "decode voteCount result")
		}
		counts[i] = new(big.Int).SetBytes(result).Uint64()
	}
	return counts, nil
}

// translateRevert unwraps a go-ethereum JSON-RPC error into a ChainError,
// preserving any decoded revert reason the node returned.
func translateRevert(err error) error {
	msg := err.Error()
	if idx := strings.Index(msg, "execution reverted"); idx >= 0 {
		return apperr.Chainf(err, "contract call reverted: %s", msg[idx:])
	}
	return apperr.Chainf(err, "rpc call failed")
}
