package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/exp/slices"

	"github.com/smartcontractkit/chainlink-common/pkg/config"

	bundler "github.com/DERACHAIN/bundler"
	"github.com/DERACHAIN/bundler/consumer"
	"github.com/DERACHAIN/bundler/relayerpool"
	"github.com/DERACHAIN/bundler/txm"
)

var (
	// Categories are the transaction types a manager may serve.
	Categories = []string{"SCW", "AA", "CROSS_CHAIN"}

	defaultManagerConfig = ManagerConfig{
		Categories:                       []string{"SCW"},
		MinRelayerCount:                  ptr[int64](5),
		MaxRelayerCount:                  ptr[int64](15),
		InactiveRelayerCountThreshold:    ptr[int64](3),
		PendingTransactionCountThreshold: ptr[int64](15),
		NewRelayerInstanceCount:          ptr[int64](2),
		FundingRelayerAmount:             ptr(decimal.RequireFromString("0.1")),
		FundingBalanceThreshold:          ptr(decimal.RequireFromString("0.05")),
		FundingGasLimit:                  ptr(txm.TRANSFER_GAS_LIMIT),
		LockTTL:                          config.MustNewDuration(relayerpool.DEFAULT_LOCK_TTL),
		LeaseTimeout:                     config.MustNewDuration(relayerpool.DEFAULT_LEASE_TIMEOUT),
		Workers:                          ptr[int64](consumer.DEFAULT_WORKERS),
		ReceiveTimeout:                   config.MustNewDuration(consumer.DEFAULT_RECEIVE_TIMEOUT),
		AckOnReceive:                     ptr(false),
	}
)

// ManagerConfig configures one relayer pool and the category queues it serves.
type ManagerConfig struct {
	Name                             *string
	Categories                       []string
	MinRelayerCount                  *int64
	MaxRelayerCount                  *int64
	InactiveRelayerCountThreshold    *int64
	PendingTransactionCountThreshold *int64
	NewRelayerInstanceCount          *int64
	FundingRelayerAmount             *decimal.Decimal
	FundingBalanceThreshold          *decimal.Decimal
	FundingGasLimit                  *uint64
	LockTTL                          *config.Duration
	LeaseTimeout                     *config.Duration
	Workers                          *int64
	ReceiveTimeout                   *config.Duration
	AckOnReceive                     *bool
}

func (m *ManagerConfig) SetDefaults() {
	d := defaultManagerConfig
	if m.Categories == nil {
		m.Categories = slices.Clone(d.Categories)
	}
	for i, c := range m.Categories {
		m.Categories[i] = strings.ToUpper(c)
	}
	if m.MinRelayerCount == nil {
		m.MinRelayerCount = d.MinRelayerCount
	}
	if m.MaxRelayerCount == nil {
		m.MaxRelayerCount = d.MaxRelayerCount
	}
	if m.InactiveRelayerCountThreshold == nil {
		m.InactiveRelayerCountThreshold = d.InactiveRelayerCountThreshold
	}
	if m.PendingTransactionCountThreshold == nil {
		m.PendingTransactionCountThreshold = d.PendingTransactionCountThreshold
	}
	if m.NewRelayerInstanceCount == nil {
		m.NewRelayerInstanceCount = d.NewRelayerInstanceCount
	}
	if m.FundingRelayerAmount == nil {
		m.FundingRelayerAmount = d.FundingRelayerAmount
	}
	if m.FundingBalanceThreshold == nil {
		m.FundingBalanceThreshold = d.FundingBalanceThreshold
	}
	if m.FundingGasLimit == nil {
		m.FundingGasLimit = d.FundingGasLimit
	}
	if m.LockTTL == nil {
		m.LockTTL = d.LockTTL
	}
	if m.LeaseTimeout == nil {
		m.LeaseTimeout = d.LeaseTimeout
	}
	if m.Workers == nil {
		m.Workers = d.Workers
	}
	if m.ReceiveTimeout == nil {
		m.ReceiveTimeout = d.ReceiveTimeout
	}
	if m.AckOnReceive == nil {
		m.AckOnReceive = d.AckOnReceive
	}
}

func setFromManager(m, f *ManagerConfig) {
	if f.Name != nil {
		m.Name = f.Name
	}
	if f.Categories != nil {
		m.Categories = f.Categories
	}
	if f.MinRelayerCount != nil {
		m.MinRelayerCount = f.MinRelayerCount
	}
	if f.MaxRelayerCount != nil {
		m.MaxRelayerCount = f.MaxRelayerCount
	}
	if f.InactiveRelayerCountThreshold != nil {
		m.InactiveRelayerCountThreshold = f.InactiveRelayerCountThreshold
	}
	if f.PendingTransactionCountThreshold != nil {
		m.PendingTransactionCountThreshold = f.PendingTransactionCountThreshold
	}
	if f.NewRelayerInstanceCount != nil {
		m.NewRelayerInstanceCount = f.NewRelayerInstanceCount
	}
	if f.FundingRelayerAmount != nil {
		m.FundingRelayerAmount = f.FundingRelayerAmount
	}
	if f.FundingBalanceThreshold != nil {
		m.FundingBalanceThreshold = f.FundingBalanceThreshold
	}
	if f.FundingGasLimit != nil {
		m.FundingGasLimit = f.FundingGasLimit
	}
	if f.LockTTL != nil {
		m.LockTTL = f.LockTTL
	}
	if f.LeaseTimeout != nil {
		m.LeaseTimeout = f.LeaseTimeout
	}
	if f.Workers != nil {
		m.Workers = f.Workers
	}
	if f.ReceiveTimeout != nil {
		m.ReceiveTimeout = f.ReceiveTimeout
	}
	if f.AckOnReceive != nil {
		m.AckOnReceive = f.AckOnReceive
	}
}

func (m *ManagerConfig) ValidateConfig() (err error) {
	if m.Name == nil {
		err = errors.Join(err, config.ErrMissing{Name: "Name", Msg: "required for all managers"})
	} else if *m.Name == "" {
		err = errors.Join(err, config.ErrEmpty{Name: "Name", Msg: "required for all managers"})
	}
	if len(m.Categories) == 0 {
		err = errors.Join(err, config.ErrEmpty{Name: "Categories", Msg: "must serve at least one category"})
	}
	for _, c := range m.Categories {
		if !slices.Contains(Categories, strings.ToUpper(c)) {
			err = errors.Join(err, config.ErrInvalid{Name: "Categories", Value: c, Msg: fmt.Sprintf("must be one of %s", strings.Join(Categories, ", "))})
		}
	}
	if m.MinRelayerCount != nil && *m.MinRelayerCount < 1 {
		err = errors.Join(err, config.ErrInvalid{Name: "MinRelayerCount", Value: *m.MinRelayerCount, Msg: "must be at least 1"})
	}
	if m.MinRelayerCount != nil && m.MaxRelayerCount != nil && *m.MaxRelayerCount < *m.MinRelayerCount {
		err = errors.Join(err, config.ErrInvalid{Name: "MaxRelayerCount", Value: *m.MaxRelayerCount, Msg: "must not be below MinRelayerCount"})
	}
	if m.NewRelayerInstanceCount != nil && *m.NewRelayerInstanceCount < 1 {
		err = errors.Join(err, config.ErrInvalid{Name: "NewRelayerInstanceCount", Value: *m.NewRelayerInstanceCount, Msg: "must be at least 1"})
	}
	if m.FundingRelayerAmount != nil && m.FundingRelayerAmount.IsNegative() {
		err = errors.Join(err, config.ErrInvalid{Name: "FundingRelayerAmount", Value: m.FundingRelayerAmount.String(), Msg: "must not be negative"})
	}
	if m.FundingBalanceThreshold != nil && m.FundingBalanceThreshold.IsNegative() {
		err = errors.Join(err, config.ErrInvalid{Name: "FundingBalanceThreshold", Value: m.FundingBalanceThreshold.String(), Msg: "must not be negative"})
	}
	return
}

// RelayerPoolConfig is the pool configuration of this manager.
func (m *ManagerConfig) RelayerPoolConfig() relayerpool.Config {
	return relayerpool.Config{
		Name:                             *m.Name,
		MinRelayerCount:                  int(*m.MinRelayerCount),
		MaxRelayerCount:                  int(*m.MaxRelayerCount),
		InactiveRelayerCountThreshold:    int(*m.InactiveRelayerCountThreshold),
		PendingTransactionCountThreshold: int(*m.PendingTransactionCountThreshold),
		NewRelayerInstanceCount:          int(*m.NewRelayerInstanceCount),
		FundingRelayerAmount:             bundler.EtherToWei(*m.FundingRelayerAmount),
		FundingBalanceThreshold:          bundler.EtherToWei(*m.FundingBalanceThreshold),
		FundingGasLimit:                  *m.FundingGasLimit,
		LockTTL:                          m.LockTTL.Duration(),
		LeaseTimeout:                     m.LeaseTimeout.Duration(),
	}
}

// ConsumerConfig is the queue consumer configuration of one of this manager's categories.
func (m *ManagerConfig) ConsumerConfig(category string) consumer.Config {
	return consumer.Config{
		Category:       category,
		ManagerName:    *m.Name,
		Workers:        int(*m.Workers),
		ReceiveTimeout: m.ReceiveTimeout.Duration(),
		AckOnReceive:   *m.AckOnReceive,
	}
}

type ManagerConfigs []*ManagerConfig

func (ms *ManagerConfigs) SetFrom(fs *ManagerConfigs) {
	for _, f := range *fs {
		if f.Name == nil {
			*ms = append(*ms, f)
		} else if i := slices.IndexFunc(*ms, func(m *ManagerConfig) bool {
			return m.Name != nil && *m.Name == *f.Name
		}); i == -1 {
			*ms = append(*ms, f)
		} else {
			setFromManager((*ms)[i], f)
		}
	}
}

// ValidateConfig checks every manager and that a category is served by one manager only.
func (ms ManagerConfigs) ValidateConfig() (err error) {
	names := config.UniqueStrings{}
	categories := map[string]string{}
	for i, m := range ms {
		if merr := m.ValidateConfig(); merr != nil {
			err = errors.Join(err, fmt.Errorf("Managers.%d: %w", i, merr))
		}
		if names.IsDupe(m.Name) {
			err = errors.Join(err, config.NewErrDuplicate(fmt.Sprintf("Managers.%d.Name", i), *m.Name))
		}
		for _, c := range m.Categories {
			c = strings.ToUpper(c)
			if other, ok := categories[c]; ok && m.Name != nil {
				err = errors.Join(err, config.ErrInvalid{Name: fmt.Sprintf("Managers.%d.Categories", i), Value: c, Msg: fmt.Sprintf("already served by %s", other)})
				continue
			}
			if m.Name != nil {
				categories[c] = *m.Name
			}
		}
	}
	return
}

// ManagerFor returns the manager serving category.
func (c *TOMLConfig) ManagerFor(category string) (*ManagerConfig, bool) {
	category = strings.ToUpper(category)
	for _, m := range c.Managers {
		if slices.Contains(m.Categories, category) {
			return m, true
		}
	}
	return nil, false
}
