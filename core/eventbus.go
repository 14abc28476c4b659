package core

// eventbus.go – the orchestrator's typed event bus (C8), grounded on the
// teacher's package-level SetBroadcaster/Broadcast hook in network.go: same
// "one hook, many callers" shape, generalized from a single broadcast
// function into a per-subscriber fan-out so the CLI, a future UI, and
// logging can each subscribe independently without stepping on each other.

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// EventKind tags every event the bus carries.
type EventKind uint8

const (
	EvtOrderCreated EventKind = iota
	EvtOrderCancelled
	EvtOrderExpired
	EvtOrderMatched
	EvtTradeStarted
	EvtTradeStateChanged
	EvtTradeBroadcast
	EvtTradeCompleted
	EvtTradeFailed
	EvtPeerConnected
	EvtPeerDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EvtOrderCreated:
		return "OrderCreated"
	case EvtOrderCancelled:
		return "OrderCancelled"
	case EvtOrderExpired:
		return "OrderExpired"
	case EvtOrderMatched:
		return "OrderMatched"
	case EvtTradeStarted:
		return "TradeStarted"
	case EvtTradeStateChanged:
		return "TradeStateChanged"
	case EvtTradeBroadcast:
		return "TradeBroadcast"
	case EvtTradeCompleted:
		return "TradeCompleted"
	case EvtTradeFailed:
		return "TradeFailed"
	case EvtPeerConnected:
		return "PeerConnected"
	case EvtPeerDisconnected:
		return "PeerDisconnected"
	default:
		return "Unknown"
	}
}

// Event is the single envelope type carried on every subscriber channel.
// Only the fields relevant to Kind are populated.
type Event struct {
	Kind      EventKind
	At        time.Time
	Order     *Order
	TradeID   TradeId
	OrderID   OrderId
	State     TradeState
	Txid      string
	Reason    string
	Peer      PeerId
	trade     *Trade
}

// Trade returns the trade snapshot attached to a TradeStarted event, if any.
func (e Event) Trade() *Trade { return e.trade }

const defaultSubscriberBuffer = 128

// EventBus fans out Events to independent subscribers. Each subscriber gets
// its own buffered channel; a slow subscriber has its oldest buffered event
// dropped rather than blocking the publisher (§4.8: publishing must never
// stall the trade engine or the gossip reader).
type EventBus struct {
	mu          sync.Mutex
	subs        map[int]chan Event
	nextID      int
	bufSize     int
	logger      *log.Logger
}

func NewEventBus(logger *log.Logger) *EventBus {
	if logger == nil {
		logger = log.New()
	}
	return &EventBus{
		subs:    make(map[int]chan Event),
		bufSize: defaultSubscriberBuffer,
		logger:  logger,
	}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.bufSize)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish fans ev out to every subscriber. Never blocks: a full subscriber
// channel has its oldest event dropped to make room, with a logged warning.
func (b *EventBus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
			b.logger.WithFields(log.Fields{"subscriber": id, "kind": ev.Kind.String()}).
				Warn("eventbus: subscriber slow, dropped oldest buffered event")
		}
	}
}

// PumpOrderEvents drains an Orderbook's event channel onto the bus until the
// channel closes or stop fires. Run as its own goroutine by the
// orchestrator; this is the boundary where OrderEvent becomes Event.
func (b *EventBus) PumpOrderEvents(events <-chan OrderEvent, stop <-chan struct{}) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.Publish(orderEventToEvent(ev))
		case <-stop:
			return
		}
	}
}

func orderEventToEvent(ev OrderEvent) Event {
	out := Event{Order: ev.Order}
	switch ev.Kind {
	case EvOrderCreated:
		out.Kind = EvtOrderCreated
	case EvOrderCancelled:
		out.Kind = EvtOrderCancelled
	case EvOrderExpired:
		out.Kind = EvtOrderExpired
	case EvOrderMatched:
		out.Kind = EvtOrderMatched
		out.TradeID = ev.TradeID
	}
	if ev.Order != nil {
		out.OrderID = ev.Order.ID
	}
	return out
}

//---------------------------------------------------------------------
// TradeEventSink implementation
//---------------------------------------------------------------------

var _ TradeEventSink = (*EventBus)(nil)

func (b *EventBus) TradeStarted(t *Trade) {
	snap := t.snapshot()
	b.Publish(Event{Kind: EvtTradeStarted, TradeID: snap.ID, OrderID: snap.OrderID, State: snap.State, trade: &snap})
}

func (b *EventBus) TradeStateChanged(id TradeId, state TradeState) {
	b.Publish(Event{Kind: EvtTradeStateChanged, TradeID: id, State: state})
}

func (b *EventBus) TradeBroadcast(id TradeId, txid string) {
	b.Publish(Event{Kind: EvtTradeBroadcast, TradeID: id, Txid: txid})
}

func (b *EventBus) TradeCompleted(id TradeId) {
	b.Publish(Event{Kind: EvtTradeCompleted, TradeID: id})
}

func (b *EventBus) TradeFailed(id TradeId, reason string) {
	b.Publish(Event{Kind: EvtTradeFailed, TradeID: id, Reason: reason})
}

func (b *EventBus) OrderMatched(orderID OrderId, tradeID TradeId) {
	b.Publish(Event{Kind: EvtOrderMatched, OrderID: orderID, TradeID: tradeID})
}

// PeerConnected and PeerDisconnected are called by the orchestrator from
// libp2p connection-notification callbacks it registers on the node's host
// (network.NotifyBundle), so core/p2p.go itself never depends on the event
// bus and no C6->C8 import cycle arises.
func (b *EventBus) PeerConnected(p PeerId) {
	b.Publish(Event{Kind: EvtPeerConnected, Peer: p})
}

func (b *EventBus) PeerDisconnected(p PeerId) {
	b.Publish(Event{Kind: EvtPeerDisconnected, Peer: p})
}
