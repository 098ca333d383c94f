// Package tracker follows the ERC-4337 user operations inside relayed EntryPoint bundles.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/smartcontractkit/chainlink-common/pkg/logger"

	"github.com/DERACHAIN/bundler/txm"
)

var errNotHandleOps = errors.New("not a handleOps call")

// LogReader is the part of the chain client the tracker needs.
type LogReader interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

var _ txm.OperationTracker = (*EntryPointTracker)(nil)

// EntryPointTracker resolves reverted bundles that lost their user operations to another bundler,
// and records the outcome of every user operation in a mined bundle.
type EntryPointTracker struct {
	lggr      logger.SugaredLogger
	chainID   *big.Int
	client    LogReader
	address   common.Address
	scanDepth uint64

	abi     abi.ABI
	eventID common.Hash
}

func NewEntryPointTracker(lggr logger.Logger, chainID *big.Int, client LogReader, entryPoint common.Address, scanDepth uint64) (*EntryPointTracker, error) {
	parsed, err := abi.JSON(strings.NewReader(entryPointABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse EntryPoint ABI: %w", err)
	}
	if scanDepth == 0 {
		scanDepth = txm.DEFAULT_FRONT_RUN_SCAN_DEPTH
	}
	return &EntryPointTracker{
		lggr:      logger.Sugared(logger.With(logger.Named(lggr, "EntryPointTracker"), "entryPoint", entryPoint.Hex())),
		chainID:   chainID,
		client:    client,
		address:   entryPoint,
		scanDepth: scanDepth,
		abi:       parsed,
		eventID:   parsed.Events[eventUserOperationEvent].ID,
	}, nil
}

// DecodeHandleOps returns the user operations of handleOps calldata.
func (t *EntryPointTracker) DecodeHandleOps(data []byte) ([]UserOperation, error) {
	if len(data) < 4 {
		return nil, errNotHandleOps
	}
	method, err := t.abi.MethodById(data[:4])
	if err != nil || method.Name != methodHandleOps {
		return nil, errNotHandleOps
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("failed to unpack handleOps: %w", err)
	}
	ops := *abi.ConvertType(args[0], new([]UserOperation)).(*[]UserOperation)
	return ops, nil
}

// ParseUserOperationEvent decodes an EntryPoint log. ok is false for other logs.
func (t *EntryPointTracker) ParseUserOperationEvent(l types.Log) (ev *UserOperationEvent, ok bool, err error) {
	if l.Address != t.address || len(l.Topics) != 4 || l.Topics[0] != t.eventID {
		return nil, false, nil
	}
	var data userOperationEventData
	if err := t.abi.UnpackIntoInterface(&data, eventUserOperationEvent, l.Data); err != nil {
		return nil, false, fmt.Errorf("failed to unpack %s in %s: %w", eventUserOperationEvent, l.TxHash, err)
	}
	return &UserOperationEvent{
		UserOpHash:    l.Topics[1],
		Sender:        common.BytesToAddress(l.Topics[2].Bytes()),
		Paymaster:     common.BytesToAddress(l.Topics[3].Bytes()),
		Nonce:         data.Nonce,
		Success:       data.Success,
		ActualGasCost: data.ActualGasCost,
		ActualGasUsed: data.ActualGasUsed,
		TxHash:        l.TxHash,
		BlockNumber:   l.BlockNumber,
	}, true, nil
}

// CompetingTransaction looks for another transaction that executed one of the user operations of
// rec's bundle within the scan depth before rec's block.
func (t *EntryPointTracker) CompetingTransaction(ctx context.Context, rec *txm.TxRecord, receipt *types.Receipt) (common.Hash, bool, error) {
	if rec.To != t.address {
		return common.Hash{}, false, nil
	}
	ops, err := t.DecodeHandleOps(rec.Data)
	if errors.Is(err, errNotHandleOps) {
		return common.Hash{}, false, nil
	} else if err != nil {
		return common.Hash{}, false, err
	}
	if len(ops) == 0 {
		return common.Hash{}, false, nil
	}

	senders := make([]common.Hash, 0, len(ops))
	for _, op := range ops {
		senders = append(senders, common.BytesToHash(op.Sender.Bytes()))
	}
	q := ethereum.FilterQuery{
		Addresses: []common.Address{t.address},
		Topics:    [][]common.Hash{{t.eventID}, nil, senders},
	}
	if receipt != nil && receipt.BlockNumber != nil {
		to := receipt.BlockNumber.Uint64()
		from := uint64(0)
		if to > t.scanDepth {
			from = to - t.scanDepth
		}
		q.FromBlock = new(big.Int).SetUint64(from)
		q.ToBlock = new(big.Int).SetUint64(to)
	}

	logs, err := t.client.FilterLogs(ctx, q)
	if err != nil {
		return common.Hash{}, false, fmt.Errorf("failed to filter %s logs: %w", eventUserOperationEvent, err)
	}
	for _, l := range logs {
		if l.TxHash == rec.TransactionHash {
			continue
		}
		ev, ok, err := t.ParseUserOperationEvent(l)
		if err != nil {
			t.lggr.Warnw("skipping undecodable log", "txHash", l.TxHash, "error", err)
			continue
		}
		if !ok {
			continue
		}
		for _, op := range ops {
			if op.Sender == ev.Sender && op.Nonce.Cmp(ev.Nonce) == 0 {
				t.lggr.Infow("user operation executed by another transaction", "transactionId", rec.TransactionID,
					"sender", ev.Sender, "nonce", ev.Nonce, "userOpHash", ev.UserOpHash, "competingTxHash", ev.TxHash)
				return ev.TxHash, true, nil
			}
		}
	}
	return common.Hash{}, false, nil
}

// OnMined counts the user operations a mined bundle executed.
func (t *EntryPointTracker) OnMined(ctx context.Context, rec *txm.TxRecord, receipt *types.Receipt) error {
	if rec.To != t.address || receipt == nil {
		return nil
	}
	var errs error
	var executed, failed int
	for _, l := range receipt.Logs {
		if l == nil {
			continue
		}
		ev, ok, err := t.ParseUserOperationEvent(*l)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if !ok {
			continue
		}
		executed++
		if !ev.Success {
			failed++
		}
		t.count(ev.Success)
		t.lggr.Debugw("user operation executed", "transactionId", rec.TransactionID, "userOpHash", ev.UserOpHash,
			"sender", ev.Sender, "nonce", ev.Nonce, "success", ev.Success, "actualGasCost", ev.ActualGasCost)
	}
	t.lggr.Infow("bundle mined", "transactionId", rec.TransactionID, "txHash", receipt.TxHash, "userOperations", executed, "failed", failed)
	return errs
}
