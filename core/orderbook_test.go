package core

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type testKeyResolver struct {
	keys map[PeerId]ed25519.PublicKey
}

func newTestKeyResolver() *testKeyResolver {
	return &testKeyResolver{keys: make(map[PeerId]ed25519.PublicKey)}
}

func (r *testKeyResolver) PublicKeyOf(p PeerId) (ed25519.PublicKey, bool) {
	k, ok := r.keys[p]
	return k, ok
}

type testGossipPublisher struct {
	published []struct {
		topic string
		data  []byte
	}
}

func (g *testGossipPublisher) Publish(topic string, data []byte) error {
	g.published = append(g.published, struct {
		topic string
		data  []byte
	}{topic, data})
	return nil
}

// makeSignedOrder builds and signs an order for peer, generating a fresh
// keypair and registering it with keys.
func makeSignedOrder(t *testing.T, keys *testKeyResolver, peer PeerId, side Side, price, amount float64, ts uint64) *Order {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keys.keys[peer] = pub
	o := &Order{
		ID:        NewOrderId(),
		MakerPeer: peer,
		Base:      BTC(),
		Quote:     Alkane("rune-x"),
		Side:      side,
		Amount:    decimal.NewFromFloat(amount),
		Price:     decimal.NewFromFloat(price),
		Timestamp: ts,
	}
	o.Sign(priv)
	return o
}

func TestOrderbookAddOrderRejectsUnknownSigner(t *testing.T) {
	keys := newTestKeyResolver()
	ob := NewOrderbook(keys, nil, PeerId("self"), nil)
	o := &Order{
		ID:        NewOrderId(),
		MakerPeer: PeerId("ghost"),
		Base:      BTC(),
		Quote:     Alkane("rune-x"),
		Side:      SideBuy,
		Amount:    decimal.NewFromInt(1),
		Price:     decimal.NewFromInt(10),
		Timestamp: uint64(time.Now().Unix()),
	}
	if err := ob.AddOrder(o, time.Now(), false); err == nil {
		t.Fatalf("expected error for unknown maker peer")
	}
}

func TestOrderbookAddOrderRejectsDuplicateAndBadSignature(t *testing.T) {
	keys := newTestKeyResolver()
	ob := NewOrderbook(keys, nil, PeerId("self"), nil)
	now := time.Now()
	o := makeSignedOrder(t, keys, PeerId("maker-1"), SideBuy, 10, 1, uint64(now.Unix()))

	if err := ob.AddOrder(o, now, false); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := ob.AddOrder(o, now, false); err != ErrDuplicateOrder {
		t.Fatalf("expected ErrDuplicateOrder, got %v", err)
	}

	tampered := o.Clone()
	tampered.ID = NewOrderId()
	tampered.Amount = decimal.NewFromInt(999)
	if err := ob.AddOrder(tampered, now, false); err == nil {
		t.Fatalf("expected bad-signature rejection for tampered order")
	}
}

func TestOrderbookAddOrderGossipsWhenRequested(t *testing.T) {
	keys := newTestKeyResolver()
	gossip := &testGossipPublisher{}
	ob := NewOrderbook(keys, gossip, PeerId("self"), nil)
	now := time.Now()
	o := makeSignedOrder(t, keys, PeerId("maker-1"), SideBuy, 10, 1, uint64(now.Unix()))

	if err := ob.AddOrder(o, now, true); err != nil {
		t.Fatalf("add order: %v", err)
	}
	if len(gossip.published) != 1 {
		t.Fatalf("expected 1 gossip publish, got %d", len(gossip.published))
	}
	if gossip.published[0].topic != o.Pair().Topic() {
		t.Fatalf("unexpected topic: %s", gossip.published[0].topic)
	}
}

func TestOrderbookPriceTimePriorityMatch(t *testing.T) {
	keys := newTestKeyResolver()
	ob := NewOrderbook(keys, nil, PeerId("self"), nil)
	now := time.Now()
	ts := uint64(now.Unix())

	// Two asks at the same price; the earlier timestamp should fill first.
	ask1 := makeSignedOrder(t, keys, PeerId("maker-1"), SideSell, 10, 1, ts-10)
	ask2 := makeSignedOrder(t, keys, PeerId("maker-2"), SideSell, 10, 1, ts-5)
	cheaperAsk := makeSignedOrder(t, keys, PeerId("maker-3"), SideSell, 9, 1, ts)

	for _, o := range []*Order{ask1, ask2, cheaperAsk} {
		if err := ob.AddOrder(o, now, false); err != nil {
			t.Fatalf("add ask: %v", err)
		}
	}

	taker := &Order{
		ID:        NewOrderId(),
		MakerPeer: PeerId("taker"),
		Base:      BTC(),
		Quote:     Alkane("rune-x"),
		Side:      SideBuy,
		Amount:    decimal.NewFromInt(1),
		Price:     decimal.NewFromInt(10),
		Timestamp: ts,
	}
	fills, err := ob.Match(taker, now)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(fills) != 1 {
		t.Fatalf("expected exactly 1 fill, got %d", len(fills))
	}
	if fills[0].MakerOrderID != cheaperAsk.ID {
		t.Fatalf("expected best price (cheapest ask) to fill first, got %v", fills[0].MakerOrderID)
	}
}

func TestOrderbookMatchPartialFillLeavesResidual(t *testing.T) {
	keys := newTestKeyResolver()
	ob := NewOrderbook(keys, nil, PeerId("self"), nil)
	now := time.Now()
	ts := uint64(now.Unix())

	ask := makeSignedOrder(t, keys, PeerId("maker-1"), SideSell, 10, 1, ts)
	if err := ob.AddOrder(ask, now, false); err != nil {
		t.Fatalf("add ask: %v", err)
	}

	taker := &Order{
		ID:        NewOrderId(),
		MakerPeer: PeerId("taker"),
		Base:      BTC(),
		Quote:     Alkane("rune-x"),
		Side:      SideBuy,
		Amount:    decimal.NewFromFloat(2.5),
		Price:     decimal.NewFromInt(10),
		Timestamp: ts,
	}
	fills, err := ob.Match(taker, now)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(fills) != 1 || !fills[0].Amount.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected a single 1-unit fill exhausting the ask, got %+v", fills)
	}

	orders := ob.GetOrders(taker.Pair())
	found := false
	for _, o := range orders {
		if o.MakerPeer == PeerId("taker") && o.Remaining.Equal(decimal.NewFromFloat(1.5)) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a resting residual order with remaining=1.5, got %+v", orders)
	}
}

func TestOrderbookCancelOrderRequiresMatchingSigner(t *testing.T) {
	keys := newTestKeyResolver()
	ob := NewOrderbook(keys, nil, PeerId("self"), nil)
	now := time.Now()
	o := makeSignedOrder(t, keys, PeerId("maker-1"), SideBuy, 10, 1, uint64(now.Unix()))
	if err := ob.AddOrder(o, now, false); err != nil {
		t.Fatalf("add order: %v", err)
	}

	_, otherPriv, _ := ed25519.GenerateKey(nil)
	cancel := &OrderCancel{OrderID: o.ID, MakerPeer: PeerId("maker-1"), Timestamp: uint64(now.Unix())}
	cancel.Sign(otherPriv)
	if err := ob.CancelOrder(o.Pair(), cancel); err == nil {
		t.Fatalf("expected cancel signed by the wrong key to be rejected")
	}

	// The order must still be resting, since the bad cancel didn't remove it.
	if _, ok := ob.OrderByID(o.ID); !ok {
		t.Fatalf("expected order to remain after rejected cancel")
	}
}

func TestOrderbookCancelOrderRemovesResting(t *testing.T) {
	keys := newTestKeyResolver()
	pub, priv, _ := ed25519.GenerateKey(nil)
	keys.keys[PeerId("maker-1")] = pub
	ob := NewOrderbook(keys, nil, PeerId("self"), nil)
	now := time.Now()

	o := &Order{
		ID:        NewOrderId(),
		MakerPeer: PeerId("maker-1"),
		Base:      BTC(),
		Quote:     Alkane("rune-x"),
		Side:      SideBuy,
		Amount:    decimal.NewFromInt(1),
		Price:     decimal.NewFromInt(10),
		Timestamp: uint64(now.Unix()),
	}
	o.Sign(priv)
	if err := ob.AddOrder(o, now, false); err != nil {
		t.Fatalf("add order: %v", err)
	}

	cancel := &OrderCancel{OrderID: o.ID, MakerPeer: PeerId("maker-1"), Timestamp: uint64(now.Unix())}
	cancel.Sign(priv)
	if err := ob.CancelOrder(o.Pair(), cancel); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, ok := ob.OrderByID(o.ID); ok {
		t.Fatalf("expected order removed after cancel")
	}
}

func TestOrderbookCleanupExpiredEmitsEvents(t *testing.T) {
	keys := newTestKeyResolver()
	ob := NewOrderbook(keys, nil, PeerId("self"), nil)
	now := time.Now()
	ts := uint64(now.Unix())
	exp := ts + 1

	o := makeSignedOrder(t, keys, PeerId("maker-1"), SideBuy, 10, 1, ts)
	o.Expiry = &exp
	if err := ob.AddOrder(o, now, false); err != nil {
		t.Fatalf("add order: %v", err)
	}

	ob.CleanupExpired(now.Add(10 * time.Second))
	if _, ok := ob.OrderByID(o.ID); ok {
		t.Fatalf("expected expired order to be removed")
	}

	select {
	case ev := <-ob.Events():
		if ev.Kind != EvOrderCreated {
			t.Fatalf("expected first event to be creation, got %v", ev.Kind)
		}
	default:
		t.Fatalf("expected a creation event queued")
	}
	select {
	case ev := <-ob.Events():
		if ev.Kind != EvOrderExpired {
			t.Fatalf("expected an expiry event, got %v", ev.Kind)
		}
	default:
		t.Fatalf("expected an expiry event queued")
	}
}
