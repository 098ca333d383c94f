package txm

import (
	"math/big"
	"time"
)

// Config gathers the per-chain settings of the transaction manager. Zero values take the defaults
// of the component they belong to.
type Config struct {
	MaxWaitWindow      time.Duration
	FrontRunScanDepth  uint64
	ResubmitPollPeriod time.Duration
	PendingThreshold   time.Duration
	FeeBumpPercent     uint64
	MaxGasPrice        *big.Int
	MaxResubmissions   int
	ResubmitBatchSize  int
	GasPricePollPeriod time.Duration
	EIP1559            *bool

	BroadcastRetryDuration time.Duration
	BroadcastRetryDelay    time.Duration

	Tracker OperationTracker
}

func (c Config) listener() ListenerConfig {
	return ListenerConfig{
		MaxWaitWindow:     c.MaxWaitWindow,
		FrontRunScanDepth: c.FrontRunScanDepth,
		Tracker:           c.Tracker,
	}
}

func (c Config) resubmitter() ResubmitterConfig {
	return ResubmitterConfig{
		PollPeriod:       c.ResubmitPollPeriod,
		PendingThreshold: c.PendingThreshold,
		FeeBumpPercent:   c.FeeBumpPercent,
		MaxGasPrice:      c.MaxGasPrice,
		MaxResubmissions: c.MaxResubmissions,
		BatchSize:        c.ResubmitBatchSize,
	}
}

func (c Config) gasOracle() GasOracleConfig {
	return GasOracleConfig{
		PollPeriod:  c.GasPricePollPeriod,
		EIP1559:     c.EIP1559,
		MaxGasPrice: c.MaxGasPrice,
	}
}

func (c Config) submitter() SubmitterConfig {
	return SubmitterConfig{
		MaxGasPrice:            c.MaxGasPrice,
		BroadcastRetryDuration: c.BroadcastRetryDuration,
		BroadcastRetryDelay:    c.BroadcastRetryDelay,
	}
}
