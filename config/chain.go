package config

import (
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pelletier/go-toml/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/exp/slices"

	"github.com/smartcontractkit/chainlink-common/pkg/config"

	bundler "github.com/DERACHAIN/bundler"
	"github.com/DERACHAIN/bundler/monitor"
	"github.com/DERACHAIN/bundler/relayerpool"
	"github.com/DERACHAIN/bundler/txm"
)

// Chain defaults. Unset fields of every chain take these values.
var defaultChainConfig = chainConfigSet{
	// poll period for balance monitoring
	BalancePollPeriod: time.Minute,
	// polling period for receipts of pending transactions
	ReceiptPollPeriod:  time.Second,
	MaxWaitWindow:      txm.DEFAULT_MAX_WAIT_WINDOW,
	FrontRunScanDepth:  txm.DEFAULT_FRONT_RUN_SCAN_DEPTH,
	ResubmitPollPeriod: txm.DEFAULT_RESUBMIT_POLL_PERIOD,
	PendingThreshold:   txm.DEFAULT_PENDING_THRESHOLD,
	FeeBumpPercent:     txm.DEFAULT_FEE_BUMP_PERCENT,
	MaxGasPriceGwei:    decimal.NewFromInt(500),
	MaxResubmissions:   txm.DEFAULT_MAX_RESUBMISSIONS,
	ResubmitBatchSize:  txm.DEFAULT_RESUBMIT_BATCH_SIZE,
	GasPricePollPeriod: 15 * time.Second,

	BroadcastRetryDuration: txm.MAX_BROADCAST_RETRY_DURATION,
	BroadcastRetryDelay:    txm.BROADCAST_DELAY_DURATION,

	ReconcileSchedule: monitor.DEFAULT_RECONCILE_SCHEDULE,
	EventBufferSize:   1024,
	RPCTimeout:        30 * time.Second,
	RPCBurst:          1,
}

type chainConfigSet struct {
	BalancePollPeriod      time.Duration
	ReceiptPollPeriod      time.Duration
	MaxWaitWindow          time.Duration
	FrontRunScanDepth      uint64
	ResubmitPollPeriod     time.Duration
	PendingThreshold       time.Duration
	FeeBumpPercent         uint64
	MaxGasPriceGwei        decimal.Decimal
	MaxResubmissions       int64
	ResubmitBatchSize      int64
	GasPricePollPeriod     time.Duration
	BroadcastRetryDuration time.Duration
	BroadcastRetryDelay    time.Duration
	ReconcileSchedule      string
	EventBufferSize        int64
	RPCTimeout             time.Duration
	RPCRateLimit           float64
	RPCBurst               int64
}

type ChainConfig struct {
	EIP1559                *bool
	NodePathIndex          *uint32
	BalancePollPeriod      *config.Duration
	ReceiptPollPeriod      *config.Duration
	MaxWaitWindow          *config.Duration
	FrontRunScanDepth      *uint64
	ResubmitPollPeriod     *config.Duration
	PendingThreshold       *config.Duration
	FeeBumpPercent         *uint64
	MaxGasPriceGwei        *decimal.Decimal
	MaxResubmissions       *int64
	ResubmitBatchSize      *int64
	GasPricePollPeriod     *config.Duration
	BroadcastRetryDuration *config.Duration
	BroadcastRetryDelay    *config.Duration
	ReconcileSchedule      *string
	EventBufferSize        *int64
	RPCTimeout             *config.Duration
	RPCRateLimit           *float64
	RPCBurst               *int64
}

func ptr[T any](v T) *T { return &v }

func (c *ChainConfig) SetDefaults() {
	d := defaultChainConfig
	if c.NodePathIndex == nil {
		c.NodePathIndex = ptr[uint32](0)
	}
	if c.BalancePollPeriod == nil {
		c.BalancePollPeriod = config.MustNewDuration(d.BalancePollPeriod)
	}
	if c.ReceiptPollPeriod == nil {
		c.ReceiptPollPeriod = config.MustNewDuration(d.ReceiptPollPeriod)
	}
	if c.MaxWaitWindow == nil {
		c.MaxWaitWindow = config.MustNewDuration(d.MaxWaitWindow)
	}
	if c.FrontRunScanDepth == nil {
		c.FrontRunScanDepth = ptr(d.FrontRunScanDepth)
	}
	if c.ResubmitPollPeriod == nil {
		c.ResubmitPollPeriod = config.MustNewDuration(d.ResubmitPollPeriod)
	}
	if c.PendingThreshold == nil {
		c.PendingThreshold = config.MustNewDuration(d.PendingThreshold)
	}
	if c.FeeBumpPercent == nil {
		c.FeeBumpPercent = ptr(d.FeeBumpPercent)
	}
	if c.MaxGasPriceGwei == nil {
		c.MaxGasPriceGwei = ptr(d.MaxGasPriceGwei)
	}
	if c.MaxResubmissions == nil {
		c.MaxResubmissions = ptr(d.MaxResubmissions)
	}
	if c.ResubmitBatchSize == nil {
		c.ResubmitBatchSize = ptr(d.ResubmitBatchSize)
	}
	if c.GasPricePollPeriod == nil {
		c.GasPricePollPeriod = config.MustNewDuration(d.GasPricePollPeriod)
	}
	if c.BroadcastRetryDuration == nil {
		c.BroadcastRetryDuration = config.MustNewDuration(d.BroadcastRetryDuration)
	}
	if c.BroadcastRetryDelay == nil {
		c.BroadcastRetryDelay = config.MustNewDuration(d.BroadcastRetryDelay)
	}
	if c.ReconcileSchedule == nil {
		c.ReconcileSchedule = ptr(d.ReconcileSchedule)
	}
	if c.EventBufferSize == nil {
		c.EventBufferSize = ptr(d.EventBufferSize)
	}
	if c.RPCTimeout == nil {
		c.RPCTimeout = config.MustNewDuration(d.RPCTimeout)
	}
	if c.RPCRateLimit == nil {
		c.RPCRateLimit = ptr(d.RPCRateLimit)
	}
	if c.RPCBurst == nil {
		c.RPCBurst = ptr(d.RPCBurst)
	}
}

func setFromChain(c, f *ChainConfig) {
	if f.EIP1559 != nil {
		c.EIP1559 = f.EIP1559
	}
	if f.NodePathIndex != nil {
		c.NodePathIndex = f.NodePathIndex
	}
	if f.BalancePollPeriod != nil {
		c.BalancePollPeriod = f.BalancePollPeriod
	}
	if f.ReceiptPollPeriod != nil {
		c.ReceiptPollPeriod = f.ReceiptPollPeriod
	}
	if f.MaxWaitWindow != nil {
		c.MaxWaitWindow = f.MaxWaitWindow
	}
	if f.FrontRunScanDepth != nil {
		c.FrontRunScanDepth = f.FrontRunScanDepth
	}
	if f.ResubmitPollPeriod != nil {
		c.ResubmitPollPeriod = f.ResubmitPollPeriod
	}
	if f.PendingThreshold != nil {
		c.PendingThreshold = f.PendingThreshold
	}
	if f.FeeBumpPercent != nil {
		c.FeeBumpPercent = f.FeeBumpPercent
	}
	if f.MaxGasPriceGwei != nil {
		c.MaxGasPriceGwei = f.MaxGasPriceGwei
	}
	if f.MaxResubmissions != nil {
		c.MaxResubmissions = f.MaxResubmissions
	}
	if f.ResubmitBatchSize != nil {
		c.ResubmitBatchSize = f.ResubmitBatchSize
	}
	if f.GasPricePollPeriod != nil {
		c.GasPricePollPeriod = f.GasPricePollPeriod
	}
	if f.BroadcastRetryDuration != nil {
		c.BroadcastRetryDuration = f.BroadcastRetryDuration
	}
	if f.BroadcastRetryDelay != nil {
		c.BroadcastRetryDelay = f.BroadcastRetryDelay
	}
	if f.ReconcileSchedule != nil {
		c.ReconcileSchedule = f.ReconcileSchedule
	}
	if f.EventBufferSize != nil {
		c.EventBufferSize = f.EventBufferSize
	}
	if f.RPCTimeout != nil {
		c.RPCTimeout = f.RPCTimeout
	}
	if f.RPCRateLimit != nil {
		c.RPCRateLimit = f.RPCRateLimit
	}
	if f.RPCBurst != nil {
		c.RPCBurst = f.RPCBurst
	}
}

type NodeConfig struct {
	Name *string
	URL  *config.URL
}

func (n *NodeConfig) ValidateConfig() (err error) {
	if n.Name == nil {
		err = errors.Join(err, config.ErrMissing{Name: "Name", Msg: "required for all nodes"})
	} else if *n.Name == "" {
		err = errors.Join(err, config.ErrEmpty{Name: "Name", Msg: "required for all nodes"})
	}
	if n.URL == nil {
		err = errors.Join(err, config.ErrMissing{Name: "URL", Msg: "required for all nodes"})
	} else {
		switch (*url.URL)(n.URL).Scheme {
		case "http", "https", "ws", "wss":
		default:
			err = errors.Join(err, config.ErrInvalid{Name: "URL", Value: (*url.URL)(n.URL).String(), Msg: "must be http(s) or ws(s)"})
		}
	}
	return
}

type NodeConfigs []*NodeConfig

func (ns *NodeConfigs) SetFrom(fs *NodeConfigs) {
	for _, f := range *fs {
		if f.Name == nil {
			*ns = append(*ns, f)
		} else if i := slices.IndexFunc(*ns, func(n *NodeConfig) bool {
			return n.Name != nil && *n.Name == *f.Name
		}); i == -1 {
			*ns = append(*ns, f)
		} else {
			setFromNode((*ns)[i], f)
		}
	}
}

// SelectRandom picks a node for one-off reads.
func (ns NodeConfigs) SelectRandom() (*NodeConfig, error) {
	if len(ns) == 0 {
		return nil, errors.New("no nodes available")
	}
	return ns[rand.Intn(len(ns))], nil
}

func setFromNode(n, f *NodeConfig) {
	if f.Name != nil {
		n.Name = f.Name
	}
	if f.URL != nil {
		n.URL = f.URL
	}
}

type TOMLConfigs []*TOMLConfig

func (cs TOMLConfigs) ValidateConfig() error {
	return cs.validateKeys()
}

func (cs TOMLConfigs) validateKeys() error {
	var err error
	// Unique chain IDs
	chainIDs := config.UniqueStrings{}
	for i, c := range cs {
		if chainIDs.IsDupe(c.ChainID) {
			err = errors.Join(err, config.NewErrDuplicate(fmt.Sprintf("%d.ChainID", i), *c.ChainID))
		}
	}

	// Unique node names
	names := config.UniqueStrings{}
	for i, c := range cs {
		for j, n := range c.Nodes {
			if names.IsDupe(n.Name) {
				err = errors.Join(err, config.NewErrDuplicate(fmt.Sprintf("%d.Nodes.%d.Name", i, j), *n.Name))
			}
		}
	}

	// Unique URLs
	urls := config.UniqueStrings{}
	for i, c := range cs {
		for j, n := range c.Nodes {
			u := (*url.URL)(n.URL)
			if urls.IsDupeFmt(u) {
				err = errors.Join(err, config.NewErrDuplicate(fmt.Sprintf("%d.Nodes.%d.URL", i, j), u.String()))
			}
		}
	}
	return err
}

func (cs *TOMLConfigs) SetFrom(fs *TOMLConfigs) error {
	if err1 := fs.validateKeys(); err1 != nil {
		return err1
	}
	for _, f := range *fs {
		if f.ChainID == nil {
			*cs = append(*cs, f)
		} else if i := slices.IndexFunc(*cs, func(c *TOMLConfig) bool {
			return c.ChainID != nil && *c.ChainID == *f.ChainID
		}); i == -1 {
			*cs = append(*cs, f)
		} else {
			(*cs)[i].SetFrom(f)
		}
	}
	return nil
}

// TOMLConfig is the configuration of one chain.
type TOMLConfig struct {
	ChainID *string
	// Do not access directly, use [IsEnabled]
	Enabled *bool
	// EntryPointAddress enables user operation tracking of bundles sent to this ERC-4337 EntryPoint.
	EntryPointAddress *string
	ChainConfig
	Nodes    NodeConfigs
	Managers ManagerConfigs
}

var _ monitor.Config = (*TOMLConfig)(nil)

func (c *TOMLConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func (c *TOMLConfig) SetFrom(f *TOMLConfig) {
	if f.ChainID != nil {
		c.ChainID = f.ChainID
	}
	if f.Enabled != nil {
		c.Enabled = f.Enabled
	}
	if f.EntryPointAddress != nil {
		c.EntryPointAddress = f.EntryPointAddress
	}
	setFromChain(&c.ChainConfig, &f.ChainConfig)
	c.Nodes.SetFrom(&f.Nodes)
	c.Managers.SetFrom(&f.Managers)
}

func (c *TOMLConfig) ValidateConfig() error {
	var err error
	if c.ChainID == nil {
		err = errors.Join(err, config.ErrMissing{Name: "ChainID", Msg: "required for all chains"})
	} else if *c.ChainID == "" {
		err = errors.Join(err, config.ErrEmpty{Name: "ChainID", Msg: "required for all chains"})
	} else if _, perr := bundler.ParseChainID(*c.ChainID); perr != nil {
		err = errors.Join(err, config.ErrInvalid{Name: "ChainID", Value: *c.ChainID, Msg: perr.Error()})
	}

	if c.EntryPointAddress != nil && !common.IsHexAddress(*c.EntryPointAddress) {
		err = errors.Join(err, config.ErrInvalid{Name: "EntryPointAddress", Value: *c.EntryPointAddress, Msg: "must be a hex address"})
	}

	if len(c.Nodes) == 0 {
		err = errors.Join(err, config.ErrMissing{Name: "Nodes", Msg: "must have at least one node"})
	} else {
		for _, node := range c.Nodes {
			err = errors.Join(err, node.ValidateConfig())
		}
	}

	if len(c.Managers) == 0 {
		err = errors.Join(err, config.ErrMissing{Name: "Managers", Msg: "must have at least one relayer manager"})
	} else {
		err = errors.Join(err, c.Managers.ValidateConfig())
		err = errors.Join(err, c.validateLockTTL())
	}

	if c.FeeBumpPercent != nil && *c.FeeBumpPercent == 0 {
		err = errors.Join(err, config.ErrInvalid{Name: "FeeBumpPercent", Value: 0, Msg: "must be positive"})
	}
	if c.MaxGasPriceGwei != nil && !c.MaxGasPriceGwei.IsPositive() {
		err = errors.Join(err, config.ErrInvalid{Name: "MaxGasPriceGwei", Value: c.MaxGasPriceGwei.String(), Msg: "must be positive"})
	}
	return err
}

// validateLockTTL checks that the funding lock outlives a funding transaction's broadcast retries.
func (c *TOMLConfig) validateLockTTL() (err error) {
	broadcast := txm.MAX_BROADCAST_RETRY_DURATION
	if c.BroadcastRetryDuration != nil {
		broadcast = c.BroadcastRetryDuration.Duration()
	}
	minTTL := broadcast + relayerpool.LOCK_TTL_MARGIN
	for i, m := range c.Managers {
		ttl := relayerpool.DEFAULT_LOCK_TTL
		if m.LockTTL != nil {
			ttl = m.LockTTL.Duration()
		}
		if ttl < minTTL {
			err = errors.Join(err, config.ErrInvalid{Name: fmt.Sprintf("Managers.%d.LockTTL", i), Value: ttl.String(),
				Msg: fmt.Sprintf("must be at least BroadcastRetryDuration plus %s (%s)", relayerpool.LOCK_TTL_MARGIN, minTTL)})
		}
	}
	return
}

func (c *TOMLConfig) TOMLString() (string, error) {
	b, err := toml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (c *TOMLConfig) SetDefaults() {
	c.ChainConfig.SetDefaults()
	for _, m := range c.Managers {
		m.SetDefaults()
	}
}

// ChainIDInt parses ChainID. It must have been validated.
func (c *TOMLConfig) ChainIDInt() *big.Int {
	id, err := bundler.ParseChainID(*c.ChainID)
	if err != nil {
		panic(err)
	}
	return id
}

func (c *TOMLConfig) BalancePollPeriod() time.Duration {
	return c.ChainConfig.BalancePollPeriod.Duration()
}

func (c *TOMLConfig) ReceiptPollPeriod() time.Duration {
	return c.ChainConfig.ReceiptPollPeriod.Duration()
}

func (c *TOMLConfig) ReconcileSchedule() string {
	return *c.ChainConfig.ReconcileSchedule
}

func (c *TOMLConfig) EventBufferSize() int {
	return int(*c.ChainConfig.EventBufferSize)
}

func (c *TOMLConfig) RPCTimeout() time.Duration {
	return c.ChainConfig.RPCTimeout.Duration()
}

func (c *TOMLConfig) ListNodes() NodeConfigs {
	return c.Nodes
}

// MaxGasPrice is MaxGasPriceGwei in wei.
func (c *TOMLConfig) MaxGasPrice() *big.Int {
	return c.MaxGasPriceGwei.Shift(9).BigInt()
}

// EntryPoint returns the configured ERC-4337 EntryPoint, if any.
func (c *TOMLConfig) EntryPoint() (common.Address, bool) {
	if c.EntryPointAddress == nil || *c.EntryPointAddress == "" {
		return common.Address{}, false
	}
	return common.HexToAddress(*c.EntryPointAddress), true
}

// TxmConfig is the transaction manager configuration of this chain.
func (c *TOMLConfig) TxmConfig() txm.Config {
	return txm.Config{
		MaxWaitWindow:          c.MaxWaitWindow.Duration(),
		FrontRunScanDepth:      *c.FrontRunScanDepth,
		ResubmitPollPeriod:     c.ResubmitPollPeriod.Duration(),
		PendingThreshold:       c.PendingThreshold.Duration(),
		FeeBumpPercent:         *c.FeeBumpPercent,
		MaxGasPrice:            c.MaxGasPrice(),
		MaxResubmissions:       int(*c.MaxResubmissions),
		ResubmitBatchSize:      int(*c.ResubmitBatchSize),
		GasPricePollPeriod:     c.GasPricePollPeriod.Duration(),
		EIP1559:                c.EIP1559,
		BroadcastRetryDuration: c.BroadcastRetryDuration.Duration(),
		BroadcastRetryDelay:    c.BroadcastRetryDelay.Duration(),
	}
}

func NewDefault() *TOMLConfig {
	cfg := &TOMLConfig{}
	cfg.SetDefaults()
	return cfg
}
