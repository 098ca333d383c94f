package sdk

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
)

var _ Client = &EthClient{}

// Node is a single RPC endpoint.
type Node struct {
	Name    string
	Backend Backend
	limiter *rate.Limiter
}

// NewNode wraps a backend with a request rate limit. A non-positive rps disables limiting.
func NewNode(name string, backend Backend, rps float64, burst int) *Node {
	n := &Node{Name: name, Backend: backend}
	if rps > 0 {
		if burst < 1 {
			burst = 1
		}
		n.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return n
}

func (n *Node) wait(ctx context.Context) error {
	if n.limiter == nil {
		return nil
	}
	return n.limiter.Wait(ctx)
}

// DialNode connects to an HTTP or websocket JSON-RPC endpoint.
func DialNode(ctx context.Context, name string, u *url.URL, timeout time.Duration, rps float64, burst int) (*Node, error) {
	var opts []rpc.ClientOption
	if u.Scheme == "http" || u.Scheme == "https" {
		opts = append(opts, rpc.WithHTTPClient(CreateHttpClientWithTimeout(timeout)))
	}
	rpcClient, err := rpc.DialOptions(ctx, u.String(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial node %s: %w", name, err)
	}
	return NewNode(name, ethclient.NewClient(rpcClient), rps, burst), nil
}

// EthClient fans reads out over its nodes in order, falling through to the next node on
// transport errors. The first node is the primary.
type EthClient struct {
	lggr              logger.Logger
	nodes             []*Node
	receiptPollPeriod time.Duration
}

func NewEthClient(lggr logger.Logger, receiptPollPeriod time.Duration, nodes ...*Node) (*EthClient, error) {
	if len(nodes) == 0 {
		return nil, errors.New("no nodes available")
	}
	if receiptPollPeriod <= 0 {
		receiptPollPeriod = time.Second
	}
	return &EthClient{
		lggr:              logger.Named(lggr, "EthClient"),
		nodes:             nodes,
		receiptPollPeriod: receiptPollPeriod,
	}, nil
}

func (c *EthClient) Close() {
	for _, n := range c.nodes {
		n.Backend.Close()
	}
}

// do runs fn against each node until one returns a result that is not a transport failure.
func do[T any](ctx context.Context, c *EthClient, method string, fn func(b Backend) (T, error)) (T, error) {
	var (
		res T
		err error
	)
	for _, n := range c.nodes {
		if err = n.wait(ctx); err != nil {
			return res, err
		}
		res, err = fn(n.Backend)
		if err == nil || !isTransportError(err) {
			return res, err
		}
		c.lggr.Warnw("RPC call failed, trying next node", "method", method, "node", n.Name, "err", err)
	}
	return res, fmt.Errorf("%s failed on all nodes: %w", method, err)
}

func (c *EthClient) ChainID(ctx context.Context) (*big.Int, error) {
	return do(ctx, c, "ChainID", func(b Backend) (*big.Int, error) { return b.ChainID(ctx) })
}

func (c *EthClient) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	return do(ctx, c, "BalanceAt", func(b Backend) (*big.Int, error) { return b.BalanceAt(ctx, account, nil) })
}

func (c *EthClient) NonceAt(ctx context.Context, account common.Address, pending bool) (uint64, error) {
	return do(ctx, c, "NonceAt", func(b Backend) (uint64, error) {
		if pending {
			return b.PendingNonceAt(ctx, account)
		}
		return b.NonceAt(ctx, account, nil)
	})
}

// SendTransaction broadcasts to the first node that accepts the transaction. A node that already
// knows the transaction counts as accepted.
func (c *EthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	_, err := do(ctx, c, "SendTransaction", func(b Backend) (struct{}, error) {
		err := b.SendTransaction(ctx, tx)
		if IsAlreadyKnown(err) {
			c.lggr.Debugw("transaction already known to node", "txHash", tx.Hash())
			return struct{}{}, nil
		}
		return struct{}{}, err
	})
	return err
}

func (c *EthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return do(ctx, c, "TransactionReceipt", func(b Backend) (*types.Receipt, error) { return b.TransactionReceipt(ctx, txHash) })
}

func (c *EthClient) WaitForTransaction(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.receiptPollPeriod)
	defer ticker.Stop()
	for {
		receipt, err := c.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !IsNotFound(err) {
			c.lggr.Debugw("receipt lookup failed", "txHash", txHash, "err", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *EthClient) BlockNumber(ctx context.Context) (uint64, error) {
	return do(ctx, c, "BlockNumber", func(b Backend) (uint64, error) { return b.BlockNumber(ctx) })
}

func (c *EthClient) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	return do(ctx, c, "BlockByNumber", func(b Backend) (*types.Block, error) { return b.BlockByNumber(ctx, number) })
}

func (c *EthClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return do(ctx, c, "HeaderByNumber", func(b Backend) (*types.Header, error) { return b.HeaderByNumber(ctx, number) })
}

func (c *EthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return do(ctx, c, "SuggestGasPrice", func(b Backend) (*big.Int, error) { return b.SuggestGasPrice(ctx) })
}

func (c *EthClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return do(ctx, c, "SuggestGasTipCap", func(b Backend) (*big.Int, error) { return b.SuggestGasTipCap(ctx) })
}

func (c *EthClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return do(ctx, c, "EstimateGas", func(b Backend) (uint64, error) { return b.EstimateGas(ctx, msg) })
}

func (c *EthClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return do(ctx, c, "FilterLogs", func(b Backend) ([]types.Log, error) { return b.FilterLogs(ctx, q) })
}
