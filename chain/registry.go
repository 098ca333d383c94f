package chain

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/services"
	"golang.org/x/exp/maps"
)

// Registry owns the chains of the process. It is built once at startup.
type Registry struct {
	services.StateMachine
	lggr   logger.Logger
	chains map[string]*Chain
}

var _ services.Service = &Registry{}

func NewRegistry(lggr logger.Logger, chains ...*Chain) (*Registry, error) {
	r := &Registry{
		lggr:   logger.Named(lggr, "Registry"),
		chains: map[string]*Chain{},
	}
	for _, c := range chains {
		id := c.ID().String()
		if _, ok := r.chains[id]; ok {
			return nil, fmt.Errorf("duplicate chain %s", id)
		}
		r.chains[id] = c
	}
	return r, nil
}

func (r *Registry) Name() string {
	return r.lggr.Name()
}

func (r *Registry) Start(ctx context.Context) error {
	return r.StartOnce("Registry", func() error {
		var ms services.MultiStart
		for _, c := range r.List() {
			if err := ms.Start(ctx, c); err != nil {
				return fmt.Errorf("failed to start chain %s: %w", c.ID(), err)
			}
		}
		return nil
	})
}

func (r *Registry) Close() error {
	return r.StopOnce("Registry", func() error {
		var ss []services.Service
		for _, c := range r.List() {
			ss = append(ss, c)
		}
		return services.CloseAll(ss...)
	})
}

func (r *Registry) Ready() error {
	err := r.StateMachine.Ready()
	for _, c := range r.chains {
		err = errors.Join(err, c.Ready())
	}
	return err
}

func (r *Registry) HealthReport() map[string]error {
	report := map[string]error{r.Name(): r.Healthy()}
	for _, c := range r.chains {
		services.CopyHealth(report, c.HealthReport())
	}
	return report
}

// Get returns the chain with decimal ID id.
func (r *Registry) Get(id string) (*Chain, error) {
	c, ok := r.chains[id]
	if !ok {
		return nil, fmt.Errorf("chain %s is not configured", id)
	}
	return c, nil
}

// List returns the chains ordered by ID.
func (r *Registry) List() []*Chain {
	ids := maps.Keys(r.chains)
	sort.Slice(ids, func(i, j int) bool {
		return r.chains[ids[i]].id.Cmp(r.chains[ids[j]].id) < 0
	})
	out := make([]*Chain, len(ids))
	for i, id := range ids {
		out[i] = r.chains[id]
	}
	return out
}
