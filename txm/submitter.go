package txm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/smartcontractkit/chainlink-common/pkg/logger"

	bundler "github.com/DERACHAIN/bundler"
	"github.com/DERACHAIN/bundler/sdk"
)

const (
	MAX_BROADCAST_RETRY_DURATION = 30 * time.Second
	BROADCAST_DELAY_DURATION     = 2 * time.Second
)

// Account is a sending account whose key is held elsewhere.
type Account interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// TxRequest describes the call to relay. The sender is supplied separately.
type TxRequest struct {
	TransactionID      string
	RelayerManagerName string
	To                 common.Address
	Value              *big.Int
	Data               []byte
	// GasLimit is estimated when zero.
	GasLimit uint64
	// Fee overrides the oracle recommendation when set.
	Fee *Fee
}

// Handle is a signed transaction ready to broadcast.
type Handle struct {
	Request TxRequest
	From    common.Address
	Fee     Fee
	Tx      *types.Transaction
}

func (h *Handle) Hash() common.Hash {
	return h.Tx.Hash()
}

func (h *Handle) Nonce() uint64 {
	return h.Tx.Nonce()
}

// Recorder persists a signed transaction before it is broadcast.
type Recorder interface {
	Track(ctx context.Context, h *Handle) error
}

type SubmitterConfig struct {
	MaxGasPrice            *big.Int
	BroadcastRetryDuration time.Duration
	BroadcastRetryDelay    time.Duration
}

// Submitter assigns nonces, prices, signs and sends transactions.
type Submitter struct {
	lggr      logger.Logger
	chainID   *big.Int
	client    sdk.Client
	sequencer *Sequencer
	oracle    GasOracle
	recorder  Recorder
	cfg       SubmitterConfig
}

func NewSubmitter(lggr logger.Logger, chainID *big.Int, client sdk.Client, sequencer *Sequencer, oracle GasOracle, recorder Recorder, cfg SubmitterConfig) *Submitter {
	if cfg.BroadcastRetryDuration == 0 {
		cfg.BroadcastRetryDuration = MAX_BROADCAST_RETRY_DURATION
	}
	if cfg.BroadcastRetryDelay == 0 {
		cfg.BroadcastRetryDelay = BROADCAST_DELAY_DURATION
	}
	return &Submitter{
		lggr:      logger.Named(lggr, "Submitter"),
		chainID:   chainID,
		client:    client,
		sequencer: sequencer,
		oracle:    oracle,
		recorder:  recorder,
		cfg:       cfg,
	}
}

// Submit relays req from account. The PENDING record is written before the broadcast; if the
// broadcast fails the handle is still returned together with a *bundler.SubmissionError and the
// record is left for the resubmitter.
func (s *Submitter) Submit(ctx context.Context, req TxRequest, account Account) (*Handle, error) {
	nonce, err := s.sequencer.Assign(ctx, account.Address())
	if err != nil {
		return nil, err
	}
	return s.SubmitAt(ctx, req, account, nonce)
}

// SubmitAt is Submit for a nonce the caller already took from the Sequencer.
func (s *Submitter) SubmitAt(ctx context.Context, req TxRequest, account Account, nonce uint64) (*Handle, error) {
	from := account.Address()
	h, err := s.prepare(ctx, req, account, nonce)
	if err != nil {
		s.sequencer.Reset(from)
		return nil, err
	}

	if err := s.recorder.Track(ctx, h); err != nil {
		s.sequencer.Reset(from)
		return nil, fmt.Errorf("failed to record transaction %s: %w", h.Hash(), err)
	}

	if err := s.Broadcast(ctx, h); err != nil {
		return h, err
	}
	return h, nil
}

// Prepare builds and signs a transaction at a given nonce without sending it.
func (s *Submitter) Prepare(ctx context.Context, req TxRequest, account Account, nonce uint64) (*Handle, error) {
	return s.prepare(ctx, req, account, nonce)
}

func (s *Submitter) prepare(ctx context.Context, req TxRequest, account Account, nonce uint64) (*Handle, error) {
	from := account.Address()
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	var fee Fee
	if req.Fee != nil {
		fee = *req.Fee
	} else {
		recommended, err := s.oracle.Fee(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get fee: %w", err)
		}
		fee = recommended
	}
	fee = CapFee(fee, s.cfg.MaxGasPrice)
	if err := fee.Validate(); err != nil {
		return nil, err
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		to := req.To
		estimated, err := s.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: req.Data})
		if err != nil {
			return nil, fmt.Errorf("failed to estimate gas: %w", err)
		}
		gasLimit = estimated
	}

	to := req.To
	var unsigned *types.Transaction
	if fee.IsDynamic() {
		unsigned = types.NewTx(&types.DynamicFeeTx{
			ChainID:   s.chainID,
			Nonce:     nonce,
			GasTipCap: fee.GasTipCap,
			GasFeeCap: fee.GasFeeCap,
			Gas:       gasLimit,
			To:        &to,
			Value:     value,
			Data:      req.Data,
		})
	} else {
		unsigned = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: fee.GasPrice,
			Gas:      gasLimit,
			To:       &to,
			Value:    value,
			Data:     req.Data,
		})
	}

	signed, err := account.SignTx(ctx, unsigned, s.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	s.lggr.Debugw("prepared transaction", "transactionId", req.TransactionID, "from", from, "nonce", nonce, "fee", fee, "gasLimit", gasLimit, "txHash", signed.Hash())
	return &Handle{Request: req, From: from, Fee: fee, Tx: signed}, nil
}

// Broadcast sends a signed transaction, retrying transient failures for a bounded time.
func (s *Submitter) Broadcast(ctx context.Context, h *Handle) error {
	err := s.broadcastTx(ctx, h.Tx)
	if err != nil {
		s.lggr.Errorw("transaction failed to broadcast", "transactionId", h.Request.TransactionID, "txHash", h.Hash(), "nonce", h.Nonce(), "error", err)
		return &bundler.SubmissionError{TransactionHash: h.Hash(), Nonce: h.Nonce(), Err: err}
	}
	s.lggr.Infow("transaction broadcasted", "transactionId", h.Request.TransactionID, "txHash", h.Hash(), "from", h.From, "nonce", h.Nonce(), "fee", h.Fee)
	return nil
}

func (s *Submitter) broadcastTx(ctx context.Context, tx *types.Transaction) error {
	var err error
	startTime := time.Now()
	attempt := 1
	for {
		err = s.client.SendTransaction(ctx, tx)
		if err == nil || !isRetryableBroadcastError(err) || time.Since(startTime) >= s.cfg.BroadcastRetryDuration {
			return err
		}
		s.lggr.Debugw("retry broadcast after delay", "txHash", tx.Hash(), "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(s.cfg.BroadcastRetryDelay):
		}
		attempt++
	}
}

func isRetryableBroadcastError(err error) bool {
	return sdk.IsTransient(err) && !sdk.IsNonceTooLow(err) && !sdk.IsReplacementUnderpriced(err) && !sdk.IsInsufficientFunds(err)
}
