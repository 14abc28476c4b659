package core

// orderbook.go – per-pair limit order book with price-time priority,
// partial fills, expiry and gossip-driven insertion (§4.4).
//
// The two sides of a book are container/heap priority queues, the same
// pattern the teacher's amm.go used for its Dijkstra router's open set
// (a `pq` type implementing heap.Interface) — here repurposed from
// "cheapest route first" to "best price, then earliest timestamp, first".
//
// The book is peer-local: two peers may observe matches in a different
// order, by design (§4.4 "Ordering semantics").

import (
	"container/heap"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

//---------------------------------------------------------------------
// Priority queue over resting orders
//---------------------------------------------------------------------

// bookSide is a min-heap of *Order ordered by (price, timestamp) with the
// comparison direction controlled by ascending: asks sort ascending price
// (cheapest first), bids sort descending price (highest bid first) — the
// same heap.Interface implementation serves both by flipping `less`.
type bookSide struct {
	orders    []*Order
	ascending bool // true for asks, false for bids
}

func (s *bookSide) Len() int { return len(s.orders) }

func (s *bookSide) Less(i, j int) bool {
	a, b := s.orders[i], s.orders[j]
	if !a.Price.Equal(b.Price) {
		if s.ascending {
			return a.Price.LessThan(b.Price)
		}
		return a.Price.GreaterThan(b.Price)
	}
	return a.Timestamp < b.Timestamp
}

func (s *bookSide) Swap(i, j int) { s.orders[i], s.orders[j] = s.orders[j], s.orders[i] }

func (s *bookSide) Push(x interface{}) { s.orders = append(s.orders, x.(*Order)) }

func (s *bookSide) Pop() interface{} {
	old := s.orders
	n := len(old)
	item := old[n-1]
	s.orders = old[:n-1]
	return item
}

// peek returns the best order without removing it, or nil if empty.
func (s *bookSide) peek() *Order {
	if len(s.orders) == 0 {
		return nil
	}
	return s.orders[0]
}

// findByID returns a resting order without removing it, or nil if absent.
func (s *bookSide) findByID(id OrderId) *Order {
	for _, o := range s.orders {
		if o.ID == id {
			return o
		}
	}
	return nil
}

// removeByID pops a specific order out of the heap (cancellation), rebuilding
// the heap invariant afterward. O(n) — acceptable at per-pair scale.
func (s *bookSide) removeByID(id OrderId) *Order {
	for i, o := range s.orders {
		if o.ID == id {
			heap.Remove(s, i)
			return o
		}
	}
	return nil
}

//---------------------------------------------------------------------
// PairBook — both sides of one trading pair
//---------------------------------------------------------------------

type PairBook struct {
	pair Pair
	bids *bookSide // descending price
	asks *bookSide // ascending price
}

func newPairBook(p Pair) *PairBook {
	b := &PairBook{
		pair: p,
		bids: &bookSide{ascending: false},
		asks: &bookSide{ascending: true},
	}
	heap.Init(b.bids)
	heap.Init(b.asks)
	return b
}

func (b *PairBook) sideFor(side Side) *bookSide {
	if side == SideBuy {
		return b.bids
	}
	return b.asks
}

func (b *PairBook) oppositeSideFor(side Side) *bookSide {
	if side == SideBuy {
		return b.asks
	}
	return b.bids
}

//---------------------------------------------------------------------
// Events
//---------------------------------------------------------------------

type OrderEventKind uint8

const (
	EvOrderCreated OrderEventKind = iota
	EvOrderCancelled
	EvOrderExpired
	EvOrderMatched
)

type OrderEvent struct {
	Kind    OrderEventKind
	Order   *Order
	TradeID TradeId // set for EvOrderMatched
}

//---------------------------------------------------------------------
// Match result
//---------------------------------------------------------------------

// Fill is one matched counter-order against the incoming (aggressor) order.
type Fill struct {
	MakerOrderID OrderId
	MakerPeer    PeerId
	Amount       D
	Price        D
}

// PubKeyResolver looks up a peer's Ed25519 public key, used to verify order
// and cancel signatures. The orchestrator wires this to the peer registry
// maintained by the p2p layer.
type PubKeyResolver interface {
	PublicKeyOf(p PeerId) (ed25519.PublicKey, bool)
}

// PeerKeyRecorder is an optional capability of a PubKeyResolver: if present,
// AddOrder uses it to learn a new peer's key on trust-on-first-use (an order
// whose MakerPubKey verifies against its own signature) so later orders and
// cancels from the same peer resolve normally. *Node implements this.
type PeerKeyRecorder interface {
	RecordPeerKey(p PeerId, pub ed25519.PublicKey)
}

// GossipPublisher publishes a signed order/cancel payload onto the pair's
// gossip topic. The orchestrator wires this to Node.Publish.
type GossipPublisher interface {
	Publish(topic string, data []byte) error
}

// Orderbook owns every trading pair's book. Writers serialize via mu;
// read-only queries (GetBestBidAsk, GetOrders, OrderByID) take the read lock
// and proceed concurrently with other readers. Match mutates the book and
// takes the exclusive lock like any other writer.
type Orderbook struct {
	mu      sync.RWMutex
	books   map[Pair]*PairBook
	seen    map[OrderId]struct{} // dedupe across pairs
	keys    PubKeyResolver
	gossip  GossipPublisher
	events  chan OrderEvent
	logger  *log.Logger
	localID PeerId
}

func NewOrderbook(keys PubKeyResolver, gossip GossipPublisher, localID PeerId, logger *log.Logger) *Orderbook {
	if logger == nil {
		logger = log.New()
	}
	return &Orderbook{
		books:   make(map[Pair]*PairBook),
		seen:    make(map[OrderId]struct{}),
		keys:    keys,
		gossip:  gossip,
		events:  make(chan OrderEvent, 256),
		logger:  logger,
		localID: localID,
	}
}

// Events exposes the orderbook's event stream for the orchestrator's bus.
func (ob *Orderbook) Events() <-chan OrderEvent { return ob.events }

func (ob *Orderbook) emit(ev OrderEvent) {
	select {
	case ob.events <- ev:
	default:
		ob.logger.Warnf("orderbook: event channel full, dropping %v", ev.Kind)
	}
}

func (ob *Orderbook) bookFor(p Pair) *PairBook {
	b, ok := ob.books[p]
	if !ok {
		b = newPairBook(p)
		ob.books[p] = b
	}
	return b
}

// AddOrder verifies signature and bounds, rejects duplicates, inserts, emits
// OrderCreated, and gossips the order to its pair topic. This is the
// insertion path used for local and gossiped orders — see DESIGN.md Open
// Question #3. Match also rests an aggressor's residual on the book; that
// residual is not signature-checked.
func (ob *Orderbook) AddOrder(o *Order, now time.Time, gossipOut bool) error {
	if err := o.Validate(now); err != nil {
		return err
	}
	pub, known := ob.keys.PublicKeyOf(o.MakerPeer)
	if !known {
		// Trust-on-first-use: accept a key bundled on the order itself, the
		// way a freshly-gossiped order from a not-yet-seen peer arrives.
		if len(o.MakerPubKey) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: unknown maker peer %s", ErrBadSignature, o.MakerPeer)
		}
		pub = ed25519.PublicKey(o.MakerPubKey)
	}
	if err := o.VerifySignature(pub); err != nil {
		return err
	}
	if !known {
		if recorder, ok := ob.keys.(PeerKeyRecorder); ok {
			recorder.RecordPeerKey(o.MakerPeer, pub)
		}
	}

	ob.mu.Lock()
	if _, dup := ob.seen[o.ID]; dup {
		ob.mu.Unlock()
		return ErrDuplicateOrder
	}
	stored := o.Clone()
	if stored.Remaining.IsZero() {
		stored.Remaining = stored.Amount
	}
	stored.Status = OrderOpen
	ob.seen[o.ID] = struct{}{}
	book := ob.bookFor(stored.Pair())
	heap.Push(book.sideFor(stored.Side), stored)
	ob.mu.Unlock()

	ob.emit(OrderEvent{Kind: EvOrderCreated, Order: stored})

	if gossipOut && ob.gossip != nil {
		data, err := EncodeOrder(stored)
		if err != nil {
			return fmt.Errorf("encode order for gossip: %w", err)
		}
		if err := ob.gossip.Publish(stored.Pair().Topic(), data); err != nil {
			ob.logger.Warnf("orderbook: gossip publish failed: %v", err)
		}
	}
	return nil
}

// CancelOrder cancels an order whose cancel message is validly signed by the
// order's maker (§4.4). Locally-owned orders go through the same check; there
// is no unsigned cancel path for them.
func (ob *Orderbook) CancelOrder(pair Pair, c *OrderCancel) error {
	pub, ok := ob.keys.PublicKeyOf(c.MakerPeer)
	if !ok {
		return fmt.Errorf("%w: unknown maker peer %s", ErrBadSignature, c.MakerPeer)
	}
	if err := c.VerifySignature(pub); err != nil {
		return err
	}

	ob.mu.Lock()
	book, ok := ob.books[pair]
	if !ok {
		ob.mu.Unlock()
		return ErrOrderNotFound
	}
	o := book.bids.findByID(c.OrderID)
	if o == nil {
		o = book.asks.findByID(c.OrderID)
	}
	if o == nil {
		ob.mu.Unlock()
		return ErrOrderNotFound
	}
	if o.MakerPeer != c.MakerPeer {
		ob.mu.Unlock()
		return fmt.Errorf("%w: cancel signer does not match order maker", ErrBadSignature)
	}
	if removed := book.bids.removeByID(c.OrderID); removed == nil {
		book.asks.removeByID(c.OrderID)
	}
	ob.mu.Unlock()
	o.Status = OrderCancelled
	ob.emit(OrderEvent{Kind: EvOrderCancelled, Order: o})

	if ob.gossip != nil {
		if data, err := json.Marshal(c); err == nil {
			if err := ob.gossip.Publish(pair.Topic(), data); err != nil {
				ob.logger.Warnf("orderbook: gossip cancel publish failed: %v", err)
			}
		}
	}
	return nil
}

// Match pairs an incoming (aggressor) order against the opposite book
// following price-time priority, accumulating fills until incoming.Remaining
// is exhausted or the opposite side is empty. A residual is left resting on
// the aggressor's own side as an Open order (partial fill, §4.4/§8 scenario
// 2). Matching is peer-local and does not itself move funds — C5 binds a
// specific maker order id to a trade once the taker commits.
func (ob *Orderbook) Match(incoming *Order, now time.Time) ([]Fill, error) {
	if err := incoming.Validate(now); err != nil {
		return nil, err
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	book := ob.bookFor(incoming.Pair())
	opposite := book.oppositeSideFor(incoming.Side)

	var fills []Fill
	remaining := incoming.Amount

	for remaining.Sign() > 0 {
		best := opposite.peek()
		if best == nil {
			break
		}
		if best.IsExpired(now) {
			heap.Pop(opposite)
			best.Status = OrderExpired
			ob.emit(OrderEvent{Kind: EvOrderExpired, Order: best})
			continue
		}
		if incoming.Side == SideBuy && best.Price.GreaterThan(incoming.Price) {
			break
		}
		if incoming.Side == SideSell && best.Price.LessThan(incoming.Price) {
			break
		}

		matchAmt := remaining
		if best.Remaining.LessThan(matchAmt) {
			matchAmt = best.Remaining
		}

		fills = append(fills, Fill{
			MakerOrderID: best.ID,
			MakerPeer:    best.MakerPeer,
			Amount:       matchAmt,
			Price:        best.Price,
		})

		best.Remaining = best.Remaining.Sub(matchAmt)
		remaining = remaining.Sub(matchAmt)

		if best.Remaining.Sign() == 0 {
			heap.Pop(opposite)
			best.Status = OrderFilled
		} else {
			best.Status = OrderPartiallyFilled
		}
	}

	if remaining.Sign() > 0 && remaining.LessThan(incoming.Amount) {
		residual := incoming.Clone()
		residual.Remaining = remaining
		residual.Status = OrderOpen
		ob.seen[residual.ID] = struct{}{}
		heap.Push(book.sideFor(incoming.Side), residual)
	}

	return fills, nil
}

// GetBestBidAsk returns the heads of the two sides for a pair.
func (ob *Orderbook) GetBestBidAsk(pair Pair) (bid *D, ask *D) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	book, ok := ob.books[pair]
	if !ok {
		return nil, nil
	}
	if b := book.bids.peek(); b != nil {
		p := b.Price
		bid = &p
	}
	if a := book.asks.peek(); a != nil {
		p := a.Price
		ask = &p
	}
	return bid, ask
}

// GetOrders returns a snapshot of every resting order for a pair.
func (ob *Orderbook) GetOrders(pair Pair) []*Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	book, ok := ob.books[pair]
	if !ok {
		return nil
	}
	out := make([]*Order, 0, len(book.bids.orders)+len(book.asks.orders))
	for _, o := range book.bids.orders {
		out = append(out, o.Clone())
	}
	for _, o := range book.asks.orders {
		out = append(out, o.Clone())
	}
	return out
}

// CleanupExpired scans both sides of every pair once, drops expired
// entries, and emits OrderExpired for each.
func (ob *Orderbook) CleanupExpired(now time.Time) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	for _, book := range ob.books {
		for _, side := range []*bookSide{book.bids, book.asks} {
			kept := side.orders[:0]
			for _, o := range side.orders {
				if o.IsExpired(now) {
					o.Status = OrderExpired
					ob.emit(OrderEvent{Kind: EvOrderExpired, Order: o})
					continue
				}
				kept = append(kept, o)
			}
			side.orders = kept
			heap.Init(side)
		}
	}
}

// OrderByID looks up a resting order across all pairs (used by the trade
// engine to bind a taker's offer to a specific maker order).
func (ob *Orderbook) OrderByID(id OrderId) (*Order, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	for _, book := range ob.books {
		for _, o := range book.bids.orders {
			if o.ID == id {
				return o.Clone(), true
			}
		}
		for _, o := range book.asks.orders {
			if o.ID == id {
				return o.Clone(), true
			}
		}
	}
	return nil, false
}

// ReduceRemaining is called by the trade engine once a trade against a
// maker order reaches Broadcast, shrinking (or closing) the resting order
// without going through Match again (the match already happened when the
// taker's offer was accepted).
func (ob *Orderbook) ReduceRemaining(id OrderId, amount D) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	for _, book := range ob.books {
		for _, side := range []*bookSide{book.bids, book.asks} {
			for i, o := range side.orders {
				if o.ID != id {
					continue
				}
				if amount.GreaterThan(o.Remaining) {
					return ErrInsufficientAmount
				}
				o.Remaining = o.Remaining.Sub(amount)
				if o.Remaining.Sign() == 0 {
					o.Status = OrderFilled
					heap.Remove(side, i)
				} else {
					o.Status = OrderPartiallyFilled
				}
				return nil
			}
		}
	}
	return ErrOrderNotFound
}
