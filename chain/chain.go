// Package chain bundles everything the relayer runs for one EVM chain.
package chain

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net/url"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pelletier/go-toml/v2"

	"github.com/smartcontractkit/chainlink-common/pkg/chains"
	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/services"
	"github.com/smartcontractkit/chainlink-common/pkg/types"

	"github.com/DERACHAIN/bundler/config"
	"github.com/DERACHAIN/bundler/consumer"
	"github.com/DERACHAIN/bundler/keystore"
	"github.com/DERACHAIN/bundler/lock"
	"github.com/DERACHAIN/bundler/monitor"
	"github.com/DERACHAIN/bundler/notify"
	"github.com/DERACHAIN/bundler/queue"
	"github.com/DERACHAIN/bundler/relayerpool"
	"github.com/DERACHAIN/bundler/sdk"
	"github.com/DERACHAIN/bundler/tracker"
	"github.com/DERACHAIN/bundler/txm"
)

// Secrets supplies the keys of each relayer manager.
type Secrets interface {
	RelayerSeed(manager string) ([]byte, error)
	OwnerKey(manager string) (*ecdsa.PrivateKey, error)
}

// Opts are the dependencies shared between chains.
type Opts struct {
	// Client is dialed from the node configs when nil.
	Client   sdk.Client
	Store    txm.TxStore
	Locker   lock.Locker
	NewQueue func(name string) queue.Queue
	Secrets  Secrets
}

type Chain struct {
	services.StateMachine

	id   *big.Int
	cfg  *config.TOMLConfig
	lggr logger.SugaredLogger

	client      sdk.Client
	closeClient func()
	ks          *keystore.Keystore
	txm         *txm.Txm
	events      *notify.QueueSink
	managers    []*relayerpool.Manager
	owners      map[common.Address]*keystore.Account
	consumers   []*consumer.Consumer
	balances    services.Service
	reconciler  *monitor.ReconcileScheduler
}

var (
	_ services.Service  = &Chain{}
	_ txm.AccountSource = &Chain{}
)

// New builds every component of cfg's chain. Nothing runs until Start.
func New(ctx context.Context, lggr logger.Logger, cfg *config.TOMLConfig, opts Opts) (*Chain, error) {
	id := cfg.ChainIDInt()
	lggr = logger.Named(logger.With(lggr, "chainID", id.String()), "EVM."+id.String())
	c := &Chain{
		id:     id,
		cfg:    cfg,
		lggr:   logger.Sugared(logger.Named(lggr, "Chain")),
		client: opts.Client,
		ks:     keystore.New(),
		owners: map[common.Address]*keystore.Account{},
	}
	if c.client == nil {
		client, err := dial(ctx, lggr, cfg)
		if err != nil {
			return nil, err
		}
		c.client, c.closeClient = client, client.Close
	}

	eventQueue := opts.NewQueue(queue.EventQueueName(id.Uint64()))
	c.events = notify.NewQueueSink(lggr, eventQueue, cfg.EventBufferSize())
	sink := notify.NewMultiSink(notify.NewLogSink(lggr), c.events)

	txCfg := cfg.TxmConfig()
	if entryPoint, ok := cfg.EntryPoint(); ok {
		tr, err := tracker.NewEntryPointTracker(lggr, id, c.client, entryPoint, txCfg.FrontRunScanDepth)
		if err != nil {
			return nil, err
		}
		txCfg.Tracker = tr
	}
	c.txm = txm.New(lggr, id, c.client, opts.Store, sink, c, txCfg)

	var seeds [][]byte
	for _, m := range cfg.Managers {
		name := *m.Name
		seed, err := opts.Secrets.RelayerSeed(name)
		if err != nil {
			return nil, err
		}
		for _, s := range seeds {
			if bytes.Equal(s, seed) {
				return nil, fmt.Errorf("manager %s shares its relayer seed with another manager", name)
			}
		}
		seeds = append(seeds, seed)
		deriver, err := keystore.NewHDDeriver(seed, *cfg.NodePathIndex)
		if err != nil {
			return nil, fmt.Errorf("manager %s: %w", name, err)
		}
		ownerKey, err := opts.Secrets.OwnerKey(name)
		if err != nil {
			return nil, err
		}
		owner, err := c.ks.Account(c.ks.Add(ownerKey))
		if err != nil {
			return nil, err
		}
		c.owners[owner.Address()] = owner

		pool := relayerpool.NewManager(lggr, id, m.RelayerPoolConfig(), c.client, deriver, c.ks, c.txm.Sequencer, c.txm, opts.Store, opts.Locker, owner)
		c.txm.Listener.RegisterReleaser(name, pool)
		c.txm.Resubmitter.RegisterNonceGuard(owner.Address(), pool)
		c.managers = append(c.managers, pool)

		for _, category := range m.Categories {
			q := opts.NewQueue(queue.TransactionQueueName(id.Uint64(), category))
			c.consumers = append(c.consumers, consumer.New(lggr, id, m.ConsumerConfig(category), q, pool, c.txm, opts.Store, sink))
		}
	}

	c.balances = monitor.NewBalanceMonitor(id.String(), cfg, lggr, c.ks, func() (monitor.BalanceClient, error) {
		return c.client, nil
	})
	targets := make([]monitor.Reconciler, len(c.managers))
	for i, m := range c.managers {
		targets[i] = m
	}
	reconciler, err := monitor.NewReconcileScheduler(lggr, cfg.ReconcileSchedule(), targets...)
	if err != nil {
		return nil, err
	}
	c.reconciler = reconciler
	return c, nil
}

func dial(ctx context.Context, lggr logger.Logger, cfg *config.TOMLConfig) (*sdk.EthClient, error) {
	var nodes []*sdk.Node
	for _, n := range cfg.ListNodes() {
		node, err := sdk.DialNode(ctx, *n.Name, (*url.URL)(n.URL), cfg.RPCTimeout(), *cfg.RPCRateLimit, int(*cfg.RPCBurst))
		if err != nil {
			for _, dialed := range nodes {
				dialed.Backend.Close()
			}
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return sdk.NewEthClient(lggr, cfg.ReceiptPollPeriod(), nodes...)
}

// Service interface
func (c *Chain) Name() string {
	return c.lggr.Name()
}

func (c *Chain) Start(ctx context.Context) error {
	return c.StartOnce("Chain", func() error {
		remote, err := c.client.ChainID(ctx)
		if err != nil {
			return fmt.Errorf("failed to read chain ID: %w", err)
		}
		if remote.Cmp(c.id) != 0 {
			return fmt.Errorf("nodes serve chain %s, configured chain is %s", remote, c.id)
		}
		c.lggr.Debug("Starting")
		var ms services.MultiStart
		if err := ms.Start(ctx, c.events, c.txm); err != nil {
			return err
		}
		for _, m := range c.managers {
			if err := ms.Start(ctx, m); err != nil {
				return err
			}
		}
		for _, cs := range c.consumers {
			if err := ms.Start(ctx, cs); err != nil {
				return err
			}
		}
		return ms.Start(ctx, c.balances, c.reconciler)
	})
}

func (c *Chain) Close() error {
	return c.StopOnce("Chain", func() error {
		c.lggr.Debug("Stopping")
		err := services.CloseAll(c.services(true)...)
		if c.closeClient != nil {
			c.closeClient()
		}
		return err
	})
}

// services lists the components in start order, or in close order when reverse is set.
func (c *Chain) services(reverse bool) []services.Service {
	ss := []services.Service{c.events, c.txm}
	for _, m := range c.managers {
		ss = append(ss, m)
	}
	for _, cs := range c.consumers {
		ss = append(ss, cs)
	}
	ss = append(ss, c.balances, c.reconciler)
	if reverse {
		for i, j := 0, len(ss)-1; i < j; i, j = i+1, j-1 {
			ss[i], ss[j] = ss[j], ss[i]
		}
	}
	return ss
}

func (c *Chain) Ready() error {
	err := c.StateMachine.Ready()
	for _, s := range c.services(false) {
		err = errors.Join(err, s.Ready())
	}
	return err
}

func (c *Chain) HealthReport() map[string]error {
	report := map[string]error{c.Name(): c.Healthy()}
	for _, s := range c.services(false) {
		services.CopyHealth(report, s.HealthReport())
	}
	return report
}

// Account implements txm.AccountSource. Funding transactions carry no manager name and are
// signed by an owner.
func (c *Chain) Account(managerName string, addr common.Address) (txm.Account, error) {
	if managerName == "" {
		if owner, ok := c.owners[addr]; ok {
			return owner, nil
		}
		return nil, fmt.Errorf("%s is not an owner account on chain %s", addr, c.id)
	}
	m, err := c.Manager(managerName)
	if err != nil {
		return nil, err
	}
	return m.Account(addr)
}

func (c *Chain) ID() *big.Int {
	return new(big.Int).Set(c.id)
}

func (c *Chain) Config() *config.TOMLConfig {
	return c.cfg
}

func (c *Chain) Client() sdk.Client {
	return c.client
}

func (c *Chain) Txm() *txm.Txm {
	return c.txm
}

func (c *Chain) Managers() []*relayerpool.Manager {
	return c.managers
}

func (c *Chain) Manager(name string) (*relayerpool.Manager, error) {
	for _, m := range c.managers {
		if m.Config().Name == name {
			return m, nil
		}
	}
	return nil, fmt.Errorf("unknown relayer manager %q on chain %s", name, c.id)
}

// ManagerStatus summarizes one relayer pool.
type ManagerStatus struct {
	Name      string   `json:"name"`
	Available int      `json:"available"`
	Leased    int      `json:"leased"`
	Relayers  []string `json:"relayers"`
}

type Status struct {
	types.ChainStatus
	Managers []ManagerStatus `json:"managers"`
}

func (c *Chain) GetChainStatus(ctx context.Context) (Status, error) {
	toml, err := c.cfg.TOMLString()
	if err != nil {
		return Status{}, err
	}
	s := Status{ChainStatus: types.ChainStatus{
		ID:      c.id.String(),
		Enabled: c.cfg.IsEnabled(),
		Config:  toml,
	}}
	for _, m := range c.managers {
		var relayers []string
		for _, a := range m.Addresses() {
			relayers = append(relayers, a.Hex())
		}
		s.Managers = append(s.Managers, ManagerStatus{
			Name:      m.Config().Name,
			Available: m.AvailableCount(),
			Leased:    m.LeasedCount(),
			Relayers:  relayers,
		})
	}
	return s, nil
}

func (c *Chain) ListNodeStatuses(ctx context.Context, pageSize int32, pageToken string) (stats []types.NodeStatus, nextPageToken string, total int, err error) {
	return chains.ListNodeStatuses(int(pageSize), pageToken, c.listNodeStatuses)
}

func (c *Chain) listNodeStatuses(start, end int) ([]types.NodeStatus, int, error) {
	stats := make([]types.NodeStatus, 0)
	total := len(c.cfg.Nodes)
	if start >= total {
		return stats, total, chains.ErrOutOfRange
	}
	if end > total {
		end = total
	}
	for _, node := range c.cfg.Nodes[start:end] {
		stat, err := nodeStatus(node, c.id.String())
		if err != nil {
			return stats, total, err
		}
		stats = append(stats, stat)
	}
	return stats, total, nil
}

func nodeStatus(n *config.NodeConfig, id string) (types.NodeStatus, error) {
	var s types.NodeStatus
	s.ChainID = id
	s.Name = *n.Name
	b, err := toml.Marshal(n)
	if err != nil {
		return types.NodeStatus{}, err
	}
	s.Config = string(b)
	return s, nil
}
