package risk

import (
	"fmt"
	"sync"

	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"
)

// PriceSource provides underlying prices, 18-decimal, in a common quote unit.
// A missing or zero price is reported as ErrPriceUnavailable.
type PriceSource interface {
	UnderlyingPrice(asset protocol.Asset) (fpmath.Fixed, error)
}

// StaticOracle is an in-memory price table fed by the price subscriber or by
// genesis.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[protocol.Asset]fpmath.Fixed
}

func NewStaticOracle() *StaticOracle {
	return &StaticOracle{
		prices: make(map[protocol.Asset]fpmath.Fixed),
	}
}

// SetPrice stores the price of an underlying asset. A zero price removes it.
func (o *StaticOracle) SetPrice(asset protocol.Asset, price fpmath.Fixed) error {
	if err := protocol.RequireUnderlying(asset); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if price.IsZero() {
		delete(o.prices, asset)
		return nil
	}
	o.prices[asset] = price
	return nil
}

func (o *StaticOracle) UnderlyingPrice(asset protocol.Asset) (fpmath.Fixed, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	price, ok := o.prices[asset]
	if !ok {
		return fpmath.Zero, fmt.Errorf("%w: %s", protocol.ErrPriceUnavailable, asset)
	}
	return price, nil
}

// Prices returns a copy of every known price.
func (o *StaticOracle) Prices() map[protocol.Asset]fpmath.Fixed {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[protocol.Asset]fpmath.Fixed, len(o.prices))
	for k, v := range o.prices {
		out[k] = v
	}
	return out
}
