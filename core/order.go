package core

// order.go – the Order data type, its canonical serialization for signing,
// and signature verification. Verification lives here so every insertion
// path in orderbook.go (local post, gossip receipt, cancel) calls the same
// function — see DESIGN.md Open Question #3.

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

type OrderStatus uint8

const (
	OrderOpen OrderStatus = iota
	OrderPartiallyFilled
	OrderFilled
	OrderCancelled
	OrderExpired
)

func (s OrderStatus) String() string {
	switch s {
	case OrderOpen:
		return "open"
	case OrderPartiallyFilled:
		return "partially_filled"
	case OrderFilled:
		return "filled"
	case OrderCancelled:
		return "cancelled"
	case OrderExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Order is a maker's signed intent to trade Amount of Base for Quote at
// Price (quote per base unit).
type Order struct {
	ID        OrderId     `json:"id"`
	MakerPeer PeerId      `json:"maker_peer"`
	Base      Asset       `json:"base"`
	Quote     Asset       `json:"quote"`
	Side      Side        `json:"side"`
	Amount    D           `json:"amount"`
	Price     D           `json:"price"`
	Timestamp uint64      `json:"timestamp"`
	Expiry    *uint64     `json:"expiry,omitempty"`
	Status    OrderStatus `json:"status"`
	Signature []byte      `json:"signature"`

	// MakerPubKey is trust-on-first-use peer metadata carried alongside the
	// signed order so a receiver that has never seen MakerPeer before can
	// still verify it and learn the key (orderbook.go AddOrder); it is not
	// part of the signed payload itself.
	MakerPubKey []byte `json:"maker_pubkey,omitempty"`

	// Remaining tracks the unfilled amount for partial-fill bookkeeping; it
	// is not part of the signed payload (signatures cover only the maker's
	// original intent) and defaults to Amount when zero-valued on insert.
	Remaining D `json:"remaining"`
}

// ClockSkew bounds how far in the future an order timestamp may claim to be,
// per §3's "timestamp ≤ now + clock_skew" invariant.
const ClockSkew = 2 * time.Minute

// CanonicalBytes returns the deterministic byte encoding of the order that
// is signed by the maker and verified by every receiver. Signature and
// Remaining are excluded — they are not part of the signed intent.
func (o *Order) CanonicalBytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(o.ID.String())
	buf.WriteString(string(o.MakerPeer))
	buf.WriteString(o.Base.String())
	buf.WriteString(o.Quote.String())
	buf.WriteByte(byte(o.Side))
	buf.WriteString(o.Amount.String())
	buf.WriteString(o.Price.String())

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], o.Timestamp)
	buf.Write(tsBuf[:])

	if o.Expiry != nil {
		buf.WriteByte(1)
		var expBuf [8]byte
		binary.BigEndian.PutUint64(expBuf[:], *o.Expiry)
		buf.Write(expBuf[:])
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// Validate checks the static invariants of §3 that do not require a public
// key (amount/price positivity, timestamp/expiry bounds). Signature
// verification is separate (VerifySignature) because it requires the
// maker's public key, supplied by the peer registry.
func (o *Order) Validate(now time.Time) error {
	if !DPositive(o.Amount) {
		return fmt.Errorf("%w: amount must be > 0", ErrInvalidOrder)
	}
	if !DPositive(o.Price) {
		return fmt.Errorf("%w: price must be > 0", ErrInvalidOrder)
	}
	maxTs := uint64(now.Add(ClockSkew).Unix())
	if o.Timestamp > maxTs {
		return fmt.Errorf("%w: timestamp %d exceeds clock skew bound %d", ErrInvalidOrder, o.Timestamp, maxTs)
	}
	if o.Expiry != nil && *o.Expiry <= o.Timestamp {
		return fmt.Errorf("%w: expiry must be after timestamp", ErrInvalidOrder)
	}
	return nil
}

// VerifySignature checks o.Signature against makerPubKey over
// CanonicalBytes(). Every insertion path must call this — see
// DESIGN.md Open Question #3.
func (o *Order) VerifySignature(makerPubKey ed25519.PublicKey) error {
	if len(o.Signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: bad signature length", ErrBadSignature)
	}
	if !ed25519.Verify(makerPubKey, o.CanonicalBytes(), o.Signature) {
		return ErrBadSignature
	}
	return nil
}

// Sign populates o.Signature using the maker's private key. Used by the
// maker when constructing a new order; never called by a receiver.
func (o *Order) Sign(priv ed25519.PrivateKey) {
	o.Signature = ed25519.Sign(priv, o.CanonicalBytes())
}

// IsExpired reports whether the order's expiry (if any) has elapsed as of now.
func (o *Order) IsExpired(now time.Time) bool {
	return o.Expiry != nil && *o.Expiry <= uint64(now.Unix())
}

func (o *Order) Pair() Pair { return Pair{Base: o.Base, Quote: o.Quote} }

// Clone returns a deep-enough copy for safe concurrent hand-off (Signature
// is a slice and is copied; Expiry pointer is copied to a fresh int).
func (o *Order) Clone() *Order {
	cp := *o
	if o.Expiry != nil {
		e := *o.Expiry
		cp.Expiry = &e
	}
	cp.Signature = append([]byte(nil), o.Signature...)
	cp.MakerPubKey = append([]byte(nil), o.MakerPubKey...)
	return &cp
}

// OrderCancel is the signed message a maker gossips to cancel a resting
// order, per §4.4 "cancel_order".
type OrderCancel struct {
	OrderID   OrderId `json:"order_id"`
	MakerPeer PeerId  `json:"maker_peer"`
	Timestamp uint64  `json:"timestamp"`
	Signature []byte  `json:"signature"`
}

func (c *OrderCancel) CanonicalBytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(c.OrderID.String())
	buf.WriteString(string(c.MakerPeer))
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], c.Timestamp)
	buf.Write(tsBuf[:])
	return buf.Bytes()
}

func (c *OrderCancel) Sign(priv ed25519.PrivateKey) {
	c.Signature = ed25519.Sign(priv, c.CanonicalBytes())
}

func (c *OrderCancel) VerifySignature(makerPubKey ed25519.PublicKey) error {
	if len(c.Signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: bad signature length", ErrBadSignature)
	}
	if !ed25519.Verify(makerPubKey, c.CanonicalBytes(), c.Signature) {
		return ErrBadSignature
	}
	return nil
}

// EncodeOrder / DecodeOrder give the §8 round-trip property a concrete
// canonical wire form (JSON — gossip payloads are small and JSON keeps the
// trade stream's length-prefixed binary frames reserved for PSBT bytes).
func EncodeOrder(o *Order) ([]byte, error) { return json.Marshal(o) }

func DecodeOrder(b []byte) (*Order, error) {
	var o Order
	if err := json.Unmarshal(b, &o); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	return &o, nil
}
