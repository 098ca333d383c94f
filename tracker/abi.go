package tracker

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// entryPointABI covers the parts of the v0.6 EntryPoint the tracker reads.
const entryPointABI = `[
	{
		"type": "function",
		"name": "handleOps",
		"stateMutability": "nonpayable",
		"inputs": [
			{
				"name": "ops",
				"type": "tuple[]",
				"internalType": "struct UserOperation[]",
				"components": [
					{"name": "sender", "type": "address"},
					{"name": "nonce", "type": "uint256"},
					{"name": "initCode", "type": "bytes"},
					{"name": "callData", "type": "bytes"},
					{"name": "callGasLimit", "type": "uint256"},
					{"name": "verificationGasLimit", "type": "uint256"},
					{"name": "preVerificationGas", "type": "uint256"},
					{"name": "maxFeePerGas", "type": "uint256"},
					{"name": "maxPriorityFeePerGas", "type": "uint256"},
					{"name": "paymasterAndData", "type": "bytes"},
					{"name": "signature", "type": "bytes"}
				]
			},
			{"name": "beneficiary", "type": "address"}
		],
		"outputs": []
	},
	{
		"type": "event",
		"name": "UserOperationEvent",
		"anonymous": false,
		"inputs": [
			{"name": "userOpHash", "type": "bytes32", "indexed": true},
			{"name": "sender", "type": "address", "indexed": true},
			{"name": "paymaster", "type": "address", "indexed": true},
			{"name": "nonce", "type": "uint256", "indexed": false},
			{"name": "success", "type": "bool", "indexed": false},
			{"name": "actualGasCost", "type": "uint256", "indexed": false},
			{"name": "actualGasUsed", "type": "uint256", "indexed": false}
		]
	}
]`

const (
	methodHandleOps         = "handleOps"
	eventUserOperationEvent = "UserOperationEvent"
)

// UserOperation is one entry of a handleOps bundle.
type UserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

// UserOperationEvent is an executed user operation as logged by the EntryPoint.
type UserOperationEvent struct {
	UserOpHash    common.Hash
	Sender        common.Address
	Paymaster     common.Address
	Nonce         *big.Int
	Success       bool
	ActualGasCost *big.Int
	ActualGasUsed *big.Int

	TxHash      common.Hash
	BlockNumber uint64
}

// userOperationEventData holds the non-indexed event fields.
type userOperationEventData struct {
	Nonce         *big.Int
	Success       bool
	ActualGasCost *big.Int
	ActualGasUsed *big.Int
}
