package testutils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/DERACHAIN/bundler/sdk"
)

var _ sdk.Client = &SimulatedChain{}

// SimulatedChain is an in-memory sdk.Client. Transactions wait in a mempool until Mine is called,
// or are mined on arrival when AutoMine is set. Nonce and replacement rules follow geth closely
// enough for the relayer's error handling to be exercised.
type SimulatedChain struct {
	lock sync.Mutex

	chainID  *big.Int
	signer   types.Signer
	baseFee  *big.Int
	gasPrice *big.Int
	tipCap   *big.Int

	balances    map[common.Address]*big.Int
	nonces      map[common.Address]uint64
	mempool     map[common.Address]map[uint64]*types.Transaction
	receipts    map[common.Hash]*types.Receipt
	blocks      []*types.Block
	reverts     map[common.Hash]bool
	logs        map[common.Hash][]*types.Log
	balanceErrs map[common.Address]error
	sent        []*types.Transaction
	autoMine    bool
	sendErr     func(tx *types.Transaction) error
}

func NewSimulatedChain(chainID int64) *SimulatedChain {
	c := &SimulatedChain{
		chainID:     big.NewInt(chainID),
		signer:      types.LatestSignerForChainID(big.NewInt(chainID)),
		gasPrice:    big.NewInt(1_000_000_000),
		tipCap:      big.NewInt(1_000_000_000),
		balances:    map[common.Address]*big.Int{},
		nonces:      map[common.Address]uint64{},
		mempool:     map[common.Address]map[uint64]*types.Transaction{},
		receipts:    map[common.Hash]*types.Receipt{},
		reverts:     map[common.Hash]bool{},
		logs:        map[common.Hash][]*types.Log{},
		balanceErrs: map[common.Address]error{},
	}
	c.blocks = append(c.blocks, types.NewBlockWithHeader(c.header(0, common.Hash{})))
	return c
}

func (c *SimulatedChain) header(number uint64, parent common.Hash) *types.Header {
	var baseFee *big.Int
	if c.baseFee != nil {
		baseFee = new(big.Int).Set(c.baseFee)
	}
	return &types.Header{
		ParentHash: parent,
		Number:     new(big.Int).SetUint64(number),
		GasLimit:   30_000_000,
		Time:       uint64(time.Now().Unix()),
		BaseFee:    baseFee,
	}
}

// SetBaseFee turns the chain into an EIP-1559 chain. Nil makes it a legacy chain again.
func (c *SimulatedChain) SetBaseFee(baseFee *big.Int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.baseFee = baseFee
}

func (c *SimulatedChain) SetGasPrice(price *big.Int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.gasPrice = price
}

func (c *SimulatedChain) SetAutoMine(on bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.autoMine = on
}

// SetSendError makes SendTransaction fail whenever fn returns an error.
func (c *SimulatedChain) SetSendError(fn func(tx *types.Transaction) error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.sendErr = fn
}

// FailBalance makes balance reads of addr fail with err. A nil err clears it.
func (c *SimulatedChain) FailBalance(addr common.Address, err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err == nil {
		delete(c.balanceErrs, addr)
		return
	}
	c.balanceErrs[addr] = err
}

func (c *SimulatedChain) Fund(addr common.Address, wei *big.Int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.balances[addr] = new(big.Int).Add(c.balanceLocked(addr), wei)
}

// Revert makes the transaction with hash fail when it is mined.
func (c *SimulatedChain) Revert(hash common.Hash) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.reverts[hash] = true
}

// Sent returns every transaction accepted into the mempool, in arrival order.
// EmitLogs attaches logs to the receipt of hash once it is mined. Block and transaction fields
// are filled in at that point.
func (c *SimulatedChain) EmitLogs(hash common.Hash, logs ...types.Log) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for i := range logs {
		l := logs[i]
		c.logs[hash] = append(c.logs[hash], &l)
	}
}

func (c *SimulatedChain) Sent() []*types.Transaction {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]*types.Transaction(nil), c.sent...)
}

func (c *SimulatedChain) MempoolSize() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	n := 0
	for _, txs := range c.mempool {
		n += len(txs)
	}
	return n
}

// Inject puts tx into the mempool, replacing whatever the sender had at that nonce.
func (c *SimulatedChain) Inject(tx *types.Transaction) error {
	from, err := types.Sender(c.signer, tx)
	if err != nil {
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	c.poolLocked(from)[tx.Nonce()] = tx
	return nil
}

func (c *SimulatedChain) balanceLocked(addr common.Address) *big.Int {
	if b, ok := c.balances[addr]; ok {
		return b
	}
	return new(big.Int)
}

func (c *SimulatedChain) poolLocked(from common.Address) map[uint64]*types.Transaction {
	pool, ok := c.mempool[from]
	if !ok {
		pool = map[uint64]*types.Transaction{}
		c.mempool[from] = pool
	}
	return pool
}

// Mine includes every executable mempool transaction in a new block.
func (c *SimulatedChain) Mine() *types.Block {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.mineLocked()
}

func (c *SimulatedChain) mineLocked() *types.Block {
	parent := c.blocks[len(c.blocks)-1]
	header := c.header(uint64(len(c.blocks)), parent.Hash())

	senders := make([]common.Address, 0, len(c.mempool))
	for from := range c.mempool {
		senders = append(senders, from)
	}
	sort.Slice(senders, func(i, j int) bool {
		return bytes.Compare(senders[i][:], senders[j][:]) < 0
	})

	var txs []*types.Transaction
	for _, from := range senders {
		pool := c.mempool[from]
		for {
			tx, ok := pool[c.nonces[from]]
			if !ok {
				break
			}
			delete(pool, tx.Nonce())
			c.nonces[from]++
			txs = append(txs, tx)
		}
		for nonce := range pool {
			if nonce < c.nonces[from] {
				delete(pool, nonce)
			}
		}
	}

	block := types.NewBlockWithHeader(header).WithBody(types.Body{Transactions: txs})
	var cumulative uint64
	for i, tx := range txs {
		from, _ := types.Sender(c.signer, tx)
		price := c.effectivePrice(tx, header.BaseFee)
		gasUsed := tx.Gas()
		cumulative += gasUsed

		status := types.ReceiptStatusSuccessful
		if c.reverts[tx.Hash()] {
			status = types.ReceiptStatusFailed
		}
		cost := new(big.Int).Mul(price, new(big.Int).SetUint64(gasUsed))
		if status == types.ReceiptStatusSuccessful {
			cost.Add(cost, tx.Value())
			if to := tx.To(); to != nil {
				c.balances[*to] = new(big.Int).Add(c.balanceLocked(*to), tx.Value())
			}
		}
		c.balances[from] = new(big.Int).Sub(c.balanceLocked(from), cost)

		logs := c.logs[tx.Hash()]
		for _, l := range logs {
			l.TxHash = tx.Hash()
			l.TxIndex = uint(i)
			l.BlockHash = block.Hash()
			l.BlockNumber = header.Number.Uint64()
		}
		c.receipts[tx.Hash()] = &types.Receipt{
			Logs:              logs,
			Type:              tx.Type(),
			Status:            status,
			CumulativeGasUsed: cumulative,
			TxHash:            tx.Hash(),
			GasUsed:           gasUsed,
			EffectiveGasPrice: price,
			BlockHash:         block.Hash(),
			BlockNumber:       new(big.Int).Set(header.Number),
			TransactionIndex:  uint(i),
		}
	}
	c.blocks = append(c.blocks, block)
	return block
}

func (c *SimulatedChain) effectivePrice(tx *types.Transaction, baseFee *big.Int) *big.Int {
	if tx.Type() == types.LegacyTxType || baseFee == nil {
		return tx.GasPrice()
	}
	price := new(big.Int).Add(baseFee, tx.GasTipCap())
	if price.Cmp(tx.GasFeeCap()) > 0 {
		return tx.GasFeeCap()
	}
	return price
}

func (c *SimulatedChain) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.chainID), nil
}

func (c *SimulatedChain) BalanceAt(_ context.Context, account common.Address) (*big.Int, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.balanceErrs[account]; err != nil {
		return nil, err
	}
	return new(big.Int).Set(c.balanceLocked(account)), nil
}

func (c *SimulatedChain) NonceAt(_ context.Context, account common.Address, pending bool) (uint64, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	n := c.nonces[account]
	if !pending {
		return n, nil
	}
	pool := c.mempool[account]
	for {
		if _, ok := pool[n]; !ok {
			return n, nil
		}
		n++
	}
}

func (c *SimulatedChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.sendErr != nil {
		if err := c.sendErr(tx); err != nil {
			return err
		}
	}
	from, err := types.Sender(c.signer, tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if tx.Nonce() < c.nonces[from] {
		return errors.New("nonce too low")
	}
	pool := c.poolLocked(from)
	if existing, ok := pool[tx.Nonce()]; ok {
		if existing.Hash() == tx.Hash() {
			return errors.New("already known")
		}
		if !bumped(tx.GasFeeCap(), existing.GasFeeCap()) || !bumped(tx.GasTipCap(), existing.GasTipCap()) {
			return errors.New("replacement transaction underpriced")
		}
	}
	if c.balanceLocked(from).Cmp(tx.Cost()) < 0 {
		return errors.New("insufficient funds for gas * price + value")
	}
	pool[tx.Nonce()] = tx
	c.sent = append(c.sent, tx)
	if c.autoMine {
		c.mineLocked()
	}
	return nil
}

// bumped applies the 10% replacement rule of geth's tx pool.
func bumped(next, prev *big.Int) bool {
	threshold := new(big.Int).Mul(prev, big.NewInt(110))
	threshold.Quo(threshold, big.NewInt(100))
	return next.Cmp(threshold) >= 0
}

func (c *SimulatedChain) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	r, ok := c.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (c *SimulatedChain) WaitForTransaction(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if r, err := c.TransactionReceipt(ctx, txHash); err == nil {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *SimulatedChain) BlockNumber(context.Context) (uint64, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return uint64(len(c.blocks) - 1), nil
}

func (c *SimulatedChain) BlockByNumber(_ context.Context, number *big.Int) (*types.Block, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if number == nil {
		return c.blocks[len(c.blocks)-1], nil
	}
	if !number.IsUint64() || number.Uint64() >= uint64(len(c.blocks)) {
		return nil, ethereum.NotFound
	}
	return c.blocks[number.Uint64()], nil
}

func (c *SimulatedChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	block, err := c.BlockByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	head := block.Header()
	if number == nil {
		c.lock.Lock()
		if c.baseFee != nil {
			head.BaseFee = new(big.Int).Set(c.baseFee)
		} else {
			head.BaseFee = nil
		}
		c.lock.Unlock()
	}
	return head, nil
}

func (c *SimulatedChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return new(big.Int).Set(c.gasPrice), nil
}

func (c *SimulatedChain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return new(big.Int).Set(c.tipCap), nil
}

func (c *SimulatedChain) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 21000 + 16*uint64(len(msg.Data)), nil
}

func (c *SimulatedChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	from, to := uint64(0), uint64(len(c.blocks)-1)
	if q.FromBlock != nil {
		from = q.FromBlock.Uint64()
	}
	if q.ToBlock != nil && q.ToBlock.Uint64() < to {
		to = q.ToBlock.Uint64()
	}
	var out []types.Log
	for n := from; n <= to && n < uint64(len(c.blocks)); n++ {
		for _, tx := range c.blocks[n].Transactions() {
			r, ok := c.receipts[tx.Hash()]
			if !ok {
				continue
			}
			for _, l := range r.Logs {
				if matchLog(l, q) {
					out = append(out, *l)
				}
			}
		}
	}
	return out, nil
}

func matchLog(l *types.Log, q ethereum.FilterQuery) bool {
	if len(q.Addresses) > 0 {
		found := false
		for _, a := range q.Addresses {
			if a == l.Address {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(q.Topics) > len(l.Topics) {
		return false
	}
	for i, alternatives := range q.Topics {
		if len(alternatives) == 0 {
			continue
		}
		found := false
		for _, t := range alternatives {
			if t == l.Topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
