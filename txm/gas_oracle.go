package txm

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/services"
	"github.com/smartcontractkit/chainlink-common/pkg/timeutil"
	"golang.org/x/sync/singleflight"
)

// FeeReader is the part of the chain client used to price transactions.
type FeeReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
}

// GasOracle recommends fees for new transactions and replacements.
type GasOracle interface {
	services.Service
	Fee(ctx context.Context) (Fee, error)
}

type GasOracleConfig struct {
	PollPeriod time.Duration
	// EIP1559 forces the fee type. When nil, dynamic fees are used if the latest header has a base fee.
	EIP1559     *bool
	MaxGasPrice *big.Int
}

var _ GasOracle = &cachedGasOracle{}

// cachedGasOracle keeps the last recommendation and refreshes it on a ticker. Callers arriving
// before the first refresh share a single network read.
type cachedGasOracle struct {
	services.StateMachine
	lggr   logger.Logger
	client FeeReader
	cfg    GasOracleConfig

	chStop services.StopChan
	done   sync.WaitGroup
	group  singleflight.Group

	lock sync.RWMutex
	fee  *Fee
}

func NewGasOracle(lggr logger.Logger, client FeeReader, cfg GasOracleConfig) *cachedGasOracle {
	if cfg.PollPeriod == 0 {
		cfg.PollPeriod = 15 * time.Second
	}
	return &cachedGasOracle{
		lggr:   logger.Named(lggr, "GasOracle"),
		client: client,
		cfg:    cfg,
		chStop: make(services.StopChan),
	}
}

func (o *cachedGasOracle) Name() string {
	return o.lggr.Name()
}

func (o *cachedGasOracle) Start(ctx context.Context) error {
	return o.StartOnce("GasOracle", func() error {
		o.done.Add(1)
		go o.refreshLoop(services.NewTicker(o.cfg.PollPeriod))
		return nil
	})
}

func (o *cachedGasOracle) Close() error {
	return o.StopOnce("GasOracle", func() error {
		close(o.chStop)
		o.done.Wait()
		return nil
	})
}

func (o *cachedGasOracle) HealthReport() map[string]error {
	return map[string]error{o.Name(): o.Healthy()}
}

// Fee returns the cached recommendation, fetching one if none is cached yet.
func (o *cachedGasOracle) Fee(ctx context.Context) (Fee, error) {
	o.lock.RLock()
	cached := o.fee
	o.lock.RUnlock()
	if cached != nil {
		return *cached, nil
	}

	v, err, _ := o.group.Do("fee", func() (any, error) {
		return o.refresh(ctx)
	})
	if err != nil {
		return Fee{}, err
	}
	return v.(Fee), nil
}

func (o *cachedGasOracle) refresh(ctx context.Context) (Fee, error) {
	fee, err := o.fetch(ctx)
	if err != nil {
		return Fee{}, err
	}
	fee = CapFee(fee, o.cfg.MaxGasPrice)
	o.lock.Lock()
	o.fee = &fee
	o.lock.Unlock()
	return fee, nil
}

func (o *cachedGasOracle) fetch(ctx context.Context) (Fee, error) {
	dynamic := o.cfg.EIP1559 != nil && *o.cfg.EIP1559
	var baseFee *big.Int
	if o.cfg.EIP1559 == nil || dynamic {
		head, err := o.client.HeaderByNumber(ctx, nil)
		if err != nil {
			return Fee{}, fmt.Errorf("failed to get latest header: %w", err)
		}
		baseFee = head.BaseFee
		if o.cfg.EIP1559 == nil {
			dynamic = baseFee != nil
		} else if baseFee == nil {
			return Fee{}, fmt.Errorf("dynamic fees enabled but latest header has no base fee")
		}
	}

	if !dynamic {
		price, err := o.client.SuggestGasPrice(ctx)
		if err != nil {
			return Fee{}, fmt.Errorf("failed to get gas price: %w", err)
		}
		return Fee{GasPrice: price}, nil
	}

	tip, err := o.client.SuggestGasTipCap(ctx)
	if err != nil {
		return Fee{}, fmt.Errorf("failed to get gas tip cap: %w", err)
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)
	return Fee{GasFeeCap: feeCap, GasTipCap: tip}, nil
}

func (o *cachedGasOracle) refreshLoop(ticker *timeutil.Ticker) {
	defer o.done.Done()
	defer ticker.Stop()

	ctx, cancel := o.chStop.NewCtx()
	defer cancel()

	for {
		select {
		case <-ticker.C:
			fee, err := o.refresh(ctx)
			if err != nil {
				o.lggr.Errorw("failed to refresh gas price", "error", err)
				continue
			}
			o.lggr.Debugw("gas price refreshed", "fee", fee)
		case <-ctx.Done():
			return
		}
	}
}
