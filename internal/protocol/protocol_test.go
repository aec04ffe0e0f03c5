package protocol_test

import (
	"errors"
	"fmt"
	"testing"

	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"

	"github.com/google/uuid"
)

func TestAsset_WrappedRoundTrip(t *testing.T) {
	for _, a := range protocol.UnderlyingAssets() {
		w, ok := a.Wrapped()
		if !ok {
			t.Fatalf("%s should have a wrapped asset", a)
		}
		back, ok := w.Underlying()
		if !ok || back != a {
			t.Errorf("underlying of %s = %s, want %s", w, back, a)
		}
	}
}

func TestAsset_Parse(t *testing.T) {
	a, err := protocol.ParseAsset("mdot")
	if err != nil || a != protocol.MDOT {
		t.Fatalf("ParseAsset(mdot) = %v, %v", a, err)
	}
	if _, err := protocol.ParseAsset("DOGE"); err == nil {
		t.Error("DOGE should not parse")
	}
}

func TestRequireUnderlying(t *testing.T) {
	if err := protocol.RequireUnderlying(protocol.DOT); err != nil {
		t.Errorf("DOT: %v", err)
	}
	for _, a := range []protocol.Asset{protocol.MDOT, protocol.MNT, protocol.AssetNone} {
		if err := protocol.RequireUnderlying(a); !errors.Is(err, protocol.ErrNotValidUnderlyingAssetID) {
			t.Errorf("%s: got %v, want NotValidUnderlyingAssetId", a, err)
		}
	}
}

func TestOrigin_Predicates(t *testing.T) {
	user := uuid.New()

	if err := protocol.RequireAdmin(protocol.Signed(user)); !errors.Is(err, protocol.ErrRequireAdmin) {
		t.Errorf("signed origin passed admin check: %v", err)
	}
	if err := protocol.RequireAdmin(protocol.Admin(user)); err != nil {
		t.Errorf("admin origin rejected: %v", err)
	}
	if err := protocol.RequireAdmin(protocol.Root()); err != nil {
		t.Errorf("root origin rejected: %v", err)
	}
	if _, err := protocol.RequireSigned(protocol.Root()); !errors.Is(err, protocol.ErrBadOrigin) {
		t.Errorf("root origin has no caller account: %v", err)
	}
	if err := protocol.RequireRoot(protocol.Admin(user)); !errors.Is(err, protocol.ErrRequireRoot) {
		t.Errorf("admin origin passed root check: %v", err)
	}
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("borrow DOT: %w", protocol.ErrInsufficientCollateral)
	if k := protocol.KindOf(wrapped); k != protocol.KindSolvency {
		t.Errorf("got %s, want SolvencyError", k)
	}
	if k := protocol.KindOf(fmt.Errorf("accrue: %w", fpmath.ErrOverflow)); k != protocol.KindArithmetic {
		t.Errorf("got %s, want ArithmeticError", k)
	}
	if c := protocol.CodeOf(fmt.Errorf("x: %w", protocol.ErrSlippageExceeded)); c != "SlippageExceeded" {
		t.Errorf("got code %s", c)
	}
}
