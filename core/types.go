package core

// types.go – centralised struct and identifier definitions referenced across
// the package. This file declares data only (no behaviour beyond small
// constructors, parsers, JSON codecs and String()/Equal()/Topic() helpers)
// so the rest of the package can
// reference these types freely without cyclic-import concerns — the whole
// module lives in a single `core` package, following the teacher's layout.

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

//---------------------------------------------------------------------
// Opaque 128-bit identifiers
//---------------------------------------------------------------------

// OrderId uniquely identifies an Order.
type OrderId uuid.UUID

// TradeId uniquely identifies a Trade.
type TradeId uuid.UUID

// PeerId uniquely identifies a network peer; it is derived from the hash of
// an Ed25519 public key at the p2p layer but is treated as an opaque string
// everywhere above that layer.
type PeerId string

// PredicateId uniquely identifies a stored Predicate tree.
type PredicateId uuid.UUID

func NewOrderId() OrderId         { return OrderId(uuid.New()) }
func NewTradeId() TradeId         { return TradeId(uuid.New()) }
func NewPredicateId() PredicateId { return PredicateId(uuid.New()) }

func (id OrderId) String() string     { return uuid.UUID(id).String() }
func (id TradeId) String() string     { return uuid.UUID(id).String() }
func (id PredicateId) String() string { return uuid.UUID(id).String() }
func (id PeerId) String() string      { return string(id) }

func ParseOrderId(s string) (OrderId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return OrderId{}, fmt.Errorf("parse order id: %w", err)
	}
	return OrderId(u), nil
}

func ParseTradeId(s string) (TradeId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return TradeId{}, fmt.Errorf("parse trade id: %w", err)
	}
	return TradeId(u), nil
}

func (id OrderId) MarshalJSON() ([]byte, error)  { return json.Marshal(id.String()) }
func (id TradeId) MarshalJSON() ([]byte, error)  { return json.Marshal(id.String()) }
func (id *OrderId) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseOrderId(s)
	if err != nil {
		return err
	}
	*id = v
	return nil
}
func (id *TradeId) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseTradeId(s)
	if err != nil {
		return err
	}
	*id = v
	return nil
}

//---------------------------------------------------------------------
// Asset — a tagged variant: BTC, Rune(id), Alkane(id)
//---------------------------------------------------------------------

type AssetKind uint8

const (
	AssetBTC AssetKind = iota
	AssetRune
	AssetAlkane
)

func (k AssetKind) String() string {
	switch k {
	case AssetBTC:
		return "BTC"
	case AssetRune:
		return "RUNE"
	case AssetAlkane:
		return "ALKANE"
	default:
		return "UNKNOWN"
	}
}

// Asset identifies what is being traded. RuneID is only meaningful when Kind
// == AssetRune; AlkaneID is only meaningful when Kind == AssetAlkane.
type Asset struct {
	Kind     AssetKind `json:"kind"`
	RuneID   RuneID    `json:"rune_id,omitempty"`
	AlkaneID string    `json:"alkane_id,omitempty"`
}

// RuneID is the upstream Ord rune identifier: block height and tx index,
// written as `block:tx` and held here as a (uint64, uint32) pair compared
// field by field.
type RuneID struct {
	Block uint64 `json:"block"`
	Tx    uint32 `json:"tx"`
}

func (r RuneID) String() string { return fmt.Sprintf("%d:%d", r.Block, r.Tx) }

func BTC() Asset                    { return Asset{Kind: AssetBTC} }
func Rune(id RuneID) Asset          { return Asset{Kind: AssetRune, RuneID: id} }
func Alkane(id string) Asset        { return Asset{Kind: AssetAlkane, AlkaneID: id} }
func (a Asset) Equal(b Asset) bool  { return a == b }
func (a Asset) String() string {
	switch a.Kind {
	case AssetBTC:
		return "BTC"
	case AssetRune:
		return "RUNE:" + a.RuneID.String()
	case AssetAlkane:
		return "ALKANE:" + a.AlkaneID
	default:
		return "UNKNOWN"
	}
}

// Pair orders two assets as (base, quote); equality of two pairs requires
// both legs to match in order — (BTC,RUNE:1) is a different pair from
// (RUNE:1,BTC).
type Pair struct {
	Base  Asset `json:"base"`
	Quote Asset `json:"quote"`
}

func (p Pair) String() string { return p.Base.String() + "/" + p.Quote.String() }

// Topic returns the gossipsub topic name for this pair, per §4.6:
// "orders/<base>/<quote>".
func (p Pair) Topic() string {
	return fmt.Sprintf("orders/%s/%s", p.Base.String(), p.Quote.String())
}

//---------------------------------------------------------------------
// Side
//---------------------------------------------------------------------

type Side uint8

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideBuy {
		return "buy"
	}
	return "sell"
}

//---------------------------------------------------------------------
// Decimal helpers
//---------------------------------------------------------------------

// D is a small alias to shorten signatures across the package.
type D = decimal.Decimal

func DFromInt(i int64) D       { return decimal.NewFromInt(i) }
func DZero() D                 { return decimal.Zero }
func DPositive(d D) bool       { return d.Sign() > 0 }
