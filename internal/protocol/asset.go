package protocol

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
)

// Asset is the numeric identifier of a currency known to the protocol.
// Lower identifiers sort first wherever a deterministic order is needed.
type Asset uint16

const AssetNone Asset = 0

// Underlying assets accepted by lending pools.
const (
	DOT  Asset = 1
	ETH  Asset = 2
	KSM  Asset = 3
	BTC  Asset = 4
	USDT Asset = 5
)

// Wrapped share assets. Each mirrors one underlying (id + wrappedOffset).
const (
	MDOT  Asset = 101
	METH  Asset = 102
	MKSM  Asset = 103
	MBTC  Asset = 104
	MUSDT Asset = 105
)

// MNT is the reward token emitted by the distributor.
const MNT Asset = 200

const wrappedOffset = 100

var (
	assetToName = map[Asset]string{
		DOT: "DOT", ETH: "ETH", KSM: "KSM", BTC: "BTC", USDT: "USDT",
		MDOT: "MDOT", METH: "METH", MKSM: "MKSM", MBTC: "MBTC", MUSDT: "MUSDT",
		MNT: "MNT",
	}
	nameToAsset = func() map[string]Asset {
		m := make(map[string]Asset, len(assetToName))
		for id, name := range assetToName {
			m[name] = id
		}
		return m
	}()
)

// ParseAsset resolves a case-insensitive asset name.
func ParseAsset(name string) (Asset, error) {
	a, ok := nameToAsset[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return AssetNone, fmt.Errorf("unknown asset %q", name)
	}
	return a, nil
}

func (a Asset) String() string {
	if name, ok := assetToName[a]; ok {
		return name
	}
	return fmt.Sprintf("asset(%d)", uint16(a))
}

// IsUnderlying reports whether a can back a lending pool.
func (a Asset) IsUnderlying() bool {
	return a >= DOT && a <= USDT
}

// IsWrapped reports whether a is a share asset.
func (a Asset) IsWrapped() bool {
	return a >= MDOT && a <= MUSDT
}

// Wrapped returns the share asset of an underlying.
func (a Asset) Wrapped() (Asset, bool) {
	if !a.IsUnderlying() {
		return AssetNone, false
	}
	return a + wrappedOffset, true
}

// Underlying returns the underlying of a share asset.
func (a Asset) Underlying() (Asset, bool) {
	if !a.IsWrapped() {
		return AssetNone, false
	}
	return a - wrappedOffset, true
}

// MarshalText and UnmarshalText let assets appear by name in JSON and TOML.
// AssetNone is the empty string.
func (a Asset) MarshalText() ([]byte, error) {
	if a == AssetNone {
		return []byte{}, nil
	}
	return []byte(a.String()), nil
}

func (a *Asset) UnmarshalText(text []byte) error {
	if len(bytes.TrimSpace(text)) == 0 {
		*a = AssetNone
		return nil
	}
	parsed, err := ParseAsset(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// UnderlyingAssets lists every underlying asset in id order.
func UnderlyingAssets() []Asset {
	return []Asset{DOT, ETH, KSM, BTC, USDT}
}

// SortAssets orders assets by id, in place.
func SortAssets(assets []Asset) {
	sort.Slice(assets, func(i, j int) bool { return assets[i] < assets[j] })
}

// RequireUnderlying fails with NotValidUnderlyingAssetId for anything that
// cannot back a pool.
func RequireUnderlying(a Asset) error {
	if !a.IsUnderlying() {
		return fmt.Errorf("%w: %s", ErrNotValidUnderlyingAssetID, a)
	}
	return nil
}
