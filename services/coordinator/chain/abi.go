package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// Calldata is encoded by hand with go-ethereum's abi.Arguments rather than
// from a generated binding: the Coordinator talks to exactly two contracts
// with a handful of methods, the same scale evm_confirm.go hand-decodes at.
var (
	bytes32Type, _ = abi.NewType("bytes32", "", nil)
	uint8Type, _   = abi.NewType("uint8", "", nil)
	uint256Type, _ = abi.NewType("uint256", "", nil)
	bytes32ArrType, _ = abi.NewType("bytes32[]", "", nil)
)

func methodSelector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

func pollExistsCalldata(pollID [32]byte) ([]byte, error) {
	args := abi.Arguments{{Type: bytes32Type}}
	packed, err := args.Pack(pollID)
	if err != nil {
		return nil, err
	}
	return append(methodSelector("pollExists(bytes32)"), packed...), nil
}

func voteCountCalldata(pollID [32]byte, optionIndex uint8) ([]byte, error) {
	args := abi.Arguments{{Type: bytes32Type}, {Type: uint8Type}}
	packed, err := args.Pack(pollID, optionIndex)
	if err != nil {
		return nil, err
	}
	return append(methodSelector("voteCount(bytes32,uint8)"), packed...), nil
}

// createGroupCalldata calls the Membership Registry's no-argument
// createGroup() (§6); it never takes a pollId — the Coordinator's
// groupId<->pollId association happens off-chain via SetRoster.
func createGroupCalldata() []byte {
	return methodSelector("createGroup()")
}

func addMembersCalldata(groupID *big.Int, members [][32]byte) ([]byte, error) {
	args := abi.Arguments{{Type: uint256Type}, {Type: bytes32ArrType}}
	packed, err := args.Pack(groupID, members)
	if err != nil {
		return nil, err
	}
	return append(methodSelector("addMembers(uint256,bytes32[])"), packed...), nil
}

func groupIDCalldata(pollID [32]byte) ([]byte, error) {
	args := abi.Arguments{{Type: bytes32Type}}
	packed, err := args.Pack(pollID)
	if err != nil {
		return nil, err
	}
	return append(methodSelector("groupId(bytes32)"), packed...), nil
}

func merkleRootCalldata(groupID *big.Int) ([]byte, error) {
	args := abi.Arguments{{Type: uint256Type}}
	packed, err := args.Pack(groupID)
	if err != nil {
		return nil, err
	}
	return append(methodSelector("getMerkleTreeRoot(uint256)"), packed...), nil
}

func merkleDepthCalldata(groupID *big.Int) ([]byte, error) {
	args := abi.Arguments{{Type: uint256Type}}
	packed, err := args.Pack(groupID)
	if err != nil {
		return nil, err
	}
	return append(methodSelector("getMerkleTreeDepth(uint256)"), packed...), nil
}

func merkleSizeCalldata(groupID *big.Int) ([]byte, error) {
	args := abi.Arguments{{Type: uint256Type}}
	packed, err := args.Pack(groupID)
	if err != nil {
		return nil, err
	}
	return append(methodSelector("getMerkleTreeSize(uint256)"), packed...), nil
}
