package balancer

import (
	"fmt"
	"maps"
	"sync"

	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"
	"LendLedger/internal/risk"
)

// SwapResult is what a settled swap moved.
type SwapResult struct {
	From      protocol.Asset `json:"from"`
	To        protocol.Asset `json:"to"`
	AmountIn  fpmath.Fixed   `json:"amount_in"`
	AmountOut fpmath.Fixed   `json:"amount_out"`
}

// Dex is the external exchange the liquidation pools trade against. A swap
// either settles in full or fails and leaves the exchange untouched.
type Dex interface {
	// SwapExactInput sells exactly amountIn of from and fails with
	// ErrSlippageExceeded when fewer than minOut of to would come back.
	SwapExactInput(from, to protocol.Asset, amountIn, minOut fpmath.Fixed) (SwapResult, error)
	// SwapExactOutput buys exactly amountOut of to and fails with
	// ErrSlippageExceeded when it would cost more than maxIn of from.
	SwapExactOutput(from, to protocol.Asset, amountOut, maxIn fpmath.Fixed) (SwapResult, error)
}

// MemoryDex is an in-memory exchange quoting at oracle prices against finite
// reserves. It backs local runs and tests.
type MemoryDex struct {
	mu       sync.Mutex
	prices   risk.PriceSource
	reserves map[protocol.Asset]fpmath.Fixed
}

func NewMemoryDex(prices risk.PriceSource) *MemoryDex {
	return &MemoryDex{
		prices:   prices,
		reserves: make(map[protocol.Asset]fpmath.Fixed),
	}
}

// Fund sets the exchange's reserve of asset.
func (d *MemoryDex) Fund(asset protocol.Asset, amount fpmath.Fixed) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reserves[asset] = amount
}

func (d *MemoryDex) Reserve(asset protocol.Asset) fpmath.Fixed {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reserves[asset]
}

// Reserves copies every reserve for snapshots.
func (d *MemoryDex) Reserves() map[protocol.Asset]fpmath.Fixed {
	d.mu.Lock()
	defer d.mu.Unlock()
	return maps.Clone(d.reserves)
}

// quote converts amount of from into to at oracle prices.
func (d *MemoryDex) quote(from, to protocol.Asset, amount fpmath.Fixed, mode fpmath.RoundingMode) (fpmath.Fixed, error) {
	fromPrice, err := d.prices.UnderlyingPrice(from)
	if err != nil {
		return fpmath.Zero, err
	}
	toPrice, err := d.prices.UnderlyingPrice(to)
	if err != nil {
		return fpmath.Zero, err
	}
	out, err := fpmath.MulDiv(amount, fromPrice, toPrice, mode)
	if err != nil {
		return fpmath.Zero, fmt.Errorf("%w: quote %s/%s: %w", protocol.ErrArithmetic, from, to, err)
	}
	return out, nil
}

func (d *MemoryDex) SwapExactInput(from, to protocol.Asset, amountIn, minOut fpmath.Fixed) (SwapResult, error) {
	if from == to {
		return SwapResult{}, fmt.Errorf("%w: swap %s to itself", protocol.ErrNotValidParameter, from)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	out, err := d.quote(from, to, amountIn, fpmath.RoundDown)
	if err != nil {
		return SwapResult{}, err
	}
	if out.Gt(d.reserves[to]) {
		return SwapResult{}, fmt.Errorf("%w: %s out, exchange holds %s %s",
			protocol.ErrInsufficientDexBalance, out, d.reserves[to], to)
	}
	if out.Lt(minOut) {
		return SwapResult{}, fmt.Errorf("%w: %s %s out, minimum %s", protocol.ErrSlippageExceeded, out, to, minOut)
	}
	in, err := d.reserves[from].Add(amountIn)
	if err != nil {
		return SwapResult{}, fmt.Errorf("%w: %s reserve: %w", protocol.ErrArithmetic, from, err)
	}
	d.reserves[from] = in
	d.reserves[to] = d.reserves[to].SaturatingSub(out)
	return SwapResult{From: from, To: to, AmountIn: amountIn, AmountOut: out}, nil
}

func (d *MemoryDex) SwapExactOutput(from, to protocol.Asset, amountOut, maxIn fpmath.Fixed) (SwapResult, error) {
	if from == to {
		return SwapResult{}, fmt.Errorf("%w: swap %s to itself", protocol.ErrNotValidParameter, from)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if amountOut.Gt(d.reserves[to]) {
		return SwapResult{}, fmt.Errorf("%w: %s out, exchange holds %s %s",
			protocol.ErrInsufficientDexBalance, amountOut, d.reserves[to], to)
	}
	cost, err := d.quote(to, from, amountOut, fpmath.RoundUp)
	if err != nil {
		return SwapResult{}, err
	}
	if cost.Gt(maxIn) {
		return SwapResult{}, fmt.Errorf("%w: costs %s %s, maximum %s", protocol.ErrSlippageExceeded, cost, from, maxIn)
	}
	in, err := d.reserves[from].Add(cost)
	if err != nil {
		return SwapResult{}, fmt.Errorf("%w: %s reserve: %w", protocol.ErrArithmetic, from, err)
	}
	d.reserves[from] = in
	d.reserves[to] = d.reserves[to].SaturatingSub(amountOut)
	return SwapResult{From: from, To: to, AmountIn: cost, AmountOut: amountOut}, nil
}
