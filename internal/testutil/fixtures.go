package testutil

import (
	"testing"

	"LendLedger/internal/command"
	"LendLedger/internal/core"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"

	"github.com/google/uuid"
)

// FlatGenesis keeps only assets from the default genesis, priced at 1 and
// with 500,000 of each on the in-memory exchange.
func FlatGenesis(assets ...protocol.Asset) core.Genesis {
	g := core.DefaultGenesis()
	keep := g.Assets[:0]
	for _, a := range g.Assets {
		for _, want := range assets {
			if a.Asset == want {
				a.Price = fpmath.MustParse("1")
				a.DexReserve = fpmath.MustParse("500000")
				keep = append(keep, a)
			}
		}
	}
	g.Assets = keep
	return g
}

// NewCore builds a core with buffered output channels and no database tier.
func NewCore(t *testing.T, genesis core.Genesis) (*core.DeterministicCore, chan core.CoreOutput) {
	t.Helper()
	persistCh := make(chan core.CoreOutput, 1024)
	c, err := core.NewDeterministicCore(genesis, persistCh, nil, nil, nil)
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	return c, persistCh
}

// Envelope wraps cmd with a fresh operation id.
func Envelope(origin protocol.Origin, cmd command.Command) command.Envelope {
	return command.Envelope{OperationID: uuid.New(), Origin: origin, Command: cmd}
}

// MustSubmit submits cmd and fails the test on error.
func MustSubmit(t *testing.T, c *core.DeterministicCore, origin protocol.Origin, cmd command.Command) *core.Result {
	t.Helper()
	res, err := c.Submit(Envelope(origin, cmd))
	if err != nil {
		t.Fatalf("submit %s: %v", cmd.CommandType(), err)
	}
	return res
}
