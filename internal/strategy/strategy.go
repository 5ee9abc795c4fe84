// Package strategy provides the pluggable strategy surface consumed by the
// simulation engines. Engines treat a Strategy as a black box: the only
// requirement is clean re-instantiation through a Factory, which is what
// keeps isolated runs free of shared state.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/atlas-desktop/backtest-lab/internal/rng"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"go.uber.org/zap"
)

// Action is the candidate action a strategy proposes for a bar.
type Action string

const (
	ActionHold  Action = "hold"
	ActionEnter Action = "enter"
	ActionExit  Action = "exit"
)

// Signal is a strategy's proposal for the current bar. Engines may still
// reject it (risk limits, no capital); the strategy never mutates state
// outside itself.
type Signal struct {
	Action Action
	Side   types.PositionSide
	Reason string
}

// Hold is the no-op signal.
var Hold = Signal{Action: ActionHold}

// Strategy is the black-box evaluator. OnBar must be strictly
// backward-looking: the decision for a bar may use that bar and anything
// before it, never anything after.
type Strategy interface {
	Name() string
	SetParams(params map[string]float64) error
	OnBar(bar *types.OHLCV) Signal
	Reset()
}

// Seedable is implemented by strategies that consume randomness. The engine
// injects a deterministic source before the run starts; strategies must not
// reach for any other entropy.
type Seedable interface {
	Seed(src *rng.Source)
}

// Factory builds a fresh strategy instance with no shared state.
type Factory func() Strategy

// Registry manages available strategy factories.
type Registry struct {
	mu        sync.RWMutex
	logger    *zap.Logger
	factories map[string]Factory
}

// NewRegistry creates a registry with the built-in strategies registered.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		logger:    logger,
		factories: make(map[string]Factory),
	}

	r.Register("sma_cross", func() Strategy { return NewSMACross() })
	r.Register("rsi_reversion", func() Strategy { return NewRSIReversion() })

	return r
}

// Register registers a strategy factory.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create builds a fresh instance of the named strategy.
func (r *Registry) Create(name string) (Strategy, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("strategy %q is not registered", name)
	}
	return factory(), nil
}

// List returns registered strategy names in stable order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
