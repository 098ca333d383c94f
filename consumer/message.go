package consumer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	bundler "github.com/DERACHAIN/bundler"
)

// Quantity is a JSON number or a decimal or 0x-prefixed hex string.
type Quantity struct {
	*big.Int
}

func (q *Quantity) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		q.Int = nil
		return nil
	}
	s := string(b)
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	}
	v, err := bundler.ParseQuantity(s)
	if err != nil {
		return err
	}
	q.Int = v
	return nil
}

// Message is a relay request as published on a transaction queue.
type Message struct {
	Type          string   `json:"type"`
	To            string   `json:"to"`
	Data          string   `json:"data"`
	GasLimit      Quantity `json:"gasLimit"`
	Value         Quantity `json:"value"`
	ChainID       Quantity `json:"chainId"`
	TransactionID string   `json:"transactionId"`
}

// Request is a decoded and validated Message.
type Request struct {
	Type          string
	TransactionID string
	ChainID       *big.Int
	To            common.Address
	Data          []byte
	GasLimit      uint64
	Value         *big.Int
}

// Decode parses and validates a queue payload. Every failure wraps bundler.ErrNoMessage.
func Decode(body []byte) (*Request, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty payload", bundler.ErrNoMessage)
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", bundler.ErrNoMessage, err)
	}
	if msg.TransactionID == "" {
		return nil, fmt.Errorf("%w: missing transactionId", bundler.ErrNoMessage)
	}
	if !common.IsHexAddress(msg.To) {
		return nil, fmt.Errorf("%w: invalid to address %q (transactionId %s)", bundler.ErrNoMessage, msg.To, msg.TransactionID)
	}
	if msg.ChainID.Int == nil {
		return nil, fmt.Errorf("%w: missing chainId (transactionId %s)", bundler.ErrNoMessage, msg.TransactionID)
	}

	req := &Request{
		Type:          strings.ToUpper(msg.Type),
		TransactionID: msg.TransactionID,
		ChainID:       msg.ChainID.Int,
		To:            common.HexToAddress(msg.To),
		Value:         new(big.Int),
	}
	if msg.Data != "" && msg.Data != "0x" {
		data, err := hexutil.Decode(msg.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid data (transactionId %s): %w", bundler.ErrNoMessage, msg.TransactionID, err)
		}
		req.Data = data
	}
	if msg.GasLimit.Int != nil {
		if !msg.GasLimit.IsUint64() {
			return nil, fmt.Errorf("%w: gasLimit out of range (transactionId %s)", bundler.ErrNoMessage, msg.TransactionID)
		}
		req.GasLimit = msg.GasLimit.Uint64()
	}
	if msg.Value.Int != nil {
		req.Value = msg.Value.Int
	}
	return req, nil
}
