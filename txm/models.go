package txm

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type TxStatus string

const (
	StatusPending TxStatus = "PENDING"
	StatusSuccess TxStatus = "SUCCESS"
	StatusFailed  TxStatus = "FAILED"
	StatusDropped TxStatus = "DROPPED"
)

func (s TxStatus) String() string {
	return string(s)
}

// A DROPPED attempt may still be the one that gets mined, so it can resolve to a terminal status.
var statusTransitions = map[TxStatus][]TxStatus{
	StatusPending: {StatusSuccess, StatusFailed, StatusDropped},
	StatusDropped: {StatusSuccess, StatusFailed, StatusPending},
}

func (s TxStatus) CanTransitionTo(t TxStatus) bool {
	allowedTransitions, exists := statusTransitions[s]
	if !exists {
		return false
	}

	for _, allowed := range allowedTransitions {
		if t == allowed {
			return true
		}
	}

	return false
}

func (s TxStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

func ParseTxStatus(s string) (TxStatus, error) {
	switch TxStatus(s) {
	case StatusPending, StatusSuccess, StatusFailed, StatusDropped:
		return TxStatus(s), nil
	}
	return "", fmt.Errorf("unknown transaction status: %q", s)
}

// TxRecord is one submission attempt of a transaction. Resubmissions of the same transactionId
// form a chain through PreviousTransactionHash.
type TxRecord struct {
	TransactionID           string
	ChainID                 uint64
	RelayerManagerName      string
	RelayerAddress          common.Address
	To                      common.Address
	Value                   *big.Int
	Data                    []byte
	GasLimit                uint64
	Nonce                   uint64
	RawTransaction          []byte
	TransactionHash         common.Hash
	PreviousTransactionHash *common.Hash
	Status                  TxStatus
	Resubmitted             bool
	RetryCount              int

	// Either GasPrice (legacy) or GasFeeCap/GasTipCap (dynamic) is set.
	GasPrice  *big.Int
	GasFeeCap *big.Int
	GasTipCap *big.Int

	GasUsed                 uint64
	EffectiveGasPrice       *big.Int
	BlockNumber             uint64
	BlockHash               *common.Hash
	Receipt                 json.RawMessage
	FrontRunTransactionHash *common.Hash

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r *TxRecord) Fee() Fee {
	if r.GasPrice != nil {
		return Fee{GasPrice: r.GasPrice}
	}
	return Fee{GasFeeCap: r.GasFeeCap, GasTipCap: r.GasTipCap}
}

func (r *TxRecord) Request() TxRequest {
	return TxRequest{
		TransactionID:      r.TransactionID,
		RelayerManagerName: r.RelayerManagerName,
		To:                 r.To,
		Value:              r.Value,
		Data:               r.Data,
		GasLimit:           r.GasLimit,
	}
}

func (r *TxRecord) clone() *TxRecord {
	c := *r
	c.Data = append([]byte(nil), r.Data...)
	c.RawTransaction = append([]byte(nil), r.RawTransaction...)
	c.Receipt = append(json.RawMessage(nil), r.Receipt...)
	return &c
}

// TxPatch holds the fields an update may change. Nil fields are left untouched.
type TxPatch struct {
	Status                  *TxStatus
	GasUsed                 *uint64
	EffectiveGasPrice       *big.Int
	BlockNumber             *uint64
	BlockHash               *common.Hash
	Receipt                 json.RawMessage
	FrontRunTransactionHash *common.Hash
}

// Apply patches r in place. A status change must be an allowed transition.
func (p TxPatch) Apply(r *TxRecord) error {
	if p.Status != nil && *p.Status != r.Status && !r.Status.CanTransitionTo(*p.Status) {
		return fmt.Errorf("%w: %s -> %s (tx: %s)", ErrInvalidTransition, r.Status, *p.Status, r.TransactionHash)
	}
	p.apply(r)
	r.UpdatedAt = time.Now()
	return nil
}

func (p TxPatch) apply(r *TxRecord) {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.GasUsed != nil {
		r.GasUsed = *p.GasUsed
	}
	if p.EffectiveGasPrice != nil {
		r.EffectiveGasPrice = p.EffectiveGasPrice
	}
	if p.BlockNumber != nil {
		r.BlockNumber = *p.BlockNumber
	}
	if p.BlockHash != nil {
		r.BlockHash = p.BlockHash
	}
	if p.Receipt != nil {
		r.Receipt = p.Receipt
	}
	if p.FrontRunTransactionHash != nil {
		r.FrontRunTransactionHash = p.FrontRunTransactionHash
	}
}

func statusPatch(status TxStatus) TxPatch {
	return TxPatch{Status: &status}
}

// receiptPatch records the outcome carried by a receipt. A nil receipt only sets the status.
func receiptPatch(status TxStatus, receipt *types.Receipt) (TxPatch, error) {
	patch := statusPatch(status)
	if receipt == nil {
		return patch, nil
	}
	raw, err := json.Marshal(receipt)
	if err != nil {
		return patch, fmt.Errorf("failed to encode receipt: %w", err)
	}
	patch.Receipt = raw
	patch.GasUsed = &receipt.GasUsed
	patch.EffectiveGasPrice = receipt.EffectiveGasPrice
	if receipt.BlockNumber != nil {
		n := receipt.BlockNumber.Uint64()
		patch.BlockNumber = &n
	}
	if receipt.BlockHash != (common.Hash{}) {
		h := receipt.BlockHash
		patch.BlockHash = &h
	}
	return patch, nil
}

func newRecord(chainID uint64, h *Handle) (*TxRecord, error) {
	raw, err := h.Tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}
	now := time.Now()
	return &TxRecord{
		TransactionID:      h.Request.TransactionID,
		ChainID:            chainID,
		RelayerManagerName: h.Request.RelayerManagerName,
		RelayerAddress:     h.From,
		To:                 h.Request.To,
		Value:              h.Tx.Value(),
		Data:               h.Tx.Data(),
		GasLimit:           h.Tx.Gas(),
		Nonce:              h.Tx.Nonce(),
		RawTransaction:     raw,
		TransactionHash:    h.Tx.Hash(),
		Status:             StatusPending,
		GasPrice:           h.Fee.GasPrice,
		GasFeeCap:          h.Fee.GasFeeCap,
		GasTipCap:          h.Fee.GasTipCap,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}
