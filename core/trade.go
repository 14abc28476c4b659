package core

// trade.go – the PSBT exchange state machine (C5), the hardest subsystem:
// two peers co-sign a single Bitcoin transaction under adversarial
// conditions (drops, stale orders, mismatched PSBTs) without trusting one
// another beyond what the PSBT itself proves.
//
// Each trade is pinned to a single owning task by construction: every
// mutating method takes the engine's lock only long enough to find the
// trade, then operates on that *Trade alone — mirroring the teacher's
// per-entity mutex style (escrow.go, access_control.go) rather than a
// global critical section.

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
)

type TradeState uint8

const (
	StateCreated TradeState = iota
	StateOfferSent
	StateAccepted
	StateRejected
	StateMakerSigned
	StateTakerSigned
	StateBroadcast
	StateCompleted
	StateCancelled
	StateFailed
)

func (s TradeState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOfferSent:
		return "offer_sent"
	case StateAccepted:
		return "accepted"
	case StateRejected:
		return "rejected"
	case StateMakerSigned:
		return "maker_signed"
	case StateTakerSigned:
		return "taker_signed"
	case StateBroadcast:
		return "broadcast"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s TradeState) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed, StateRejected:
		return true
	default:
		return false
	}
}

// Failure reason codes, stable and machine-readable per §7.
const (
	ReasonTimeout           = "Timeout"
	ReasonPredicateRejected = "PredicateRejected"
	ReasonPeerUnreachable   = "PeerUnreachable"
	ReasonInsufficientFunds = "InsufficientFunds"
	ReasonSigningFailed     = "SigningFailed"
	ReasonBroadcastRejected = "BroadcastRejected"
	ReasonPSBTMismatch      = "PSBTMismatch"
	ReasonCancelled         = "Cancelled"
)

// Per-state deadlines (§4.5).
const (
	OfferTimeout         = 30 * time.Second
	PSBTExchangeTimeout  = 120 * time.Second
	ConfirmationTimeout  = 24 * time.Hour
)

// ConfirmationsRequired returns the confirmation count a Broadcast trade
// must reach before Completed, per network (§4.5: "default 1 on regtest, 3
// on testnet, 6 on mainnet").
func ConfirmationsRequired(network string) uint8 {
	switch network {
	case "mainnet":
		return 6
	case "testnet", "signet":
		return 3
	default: // regtest
		return 1
	}
}

// Trade is the per-pair execution record for one PSBT exchange.
type Trade struct {
	mu sync.Mutex

	ID        TradeId
	OrderID   OrderId
	MakerPeer PeerId
	TakerPeer PeerId
	TakerAddr string
	Base      Asset
	Quote     Asset
	Amount    D
	Price     D
	State     TradeState
	CreatedAt time.Time
	ExpiresAt time.Time

	MakerPsbt *psbt.Packet
	TakerPsbt *psbt.Packet
	Txid      string

	PredicateID *PredicateId

	// LocalIsMaker is true when this node owns MakerPeer's identity — it
	// decides which half of the protocol this process drives.
	LocalIsMaker bool

	FailReason      string
	deadline        time.Time
	makerPsbtHash   [32]byte
	reservedInputs  []wire.OutPoint
}

func (t *Trade) snapshot() Trade {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t
}

//---------------------------------------------------------------------
// Collaborator interfaces — transport, predicate resolution, event sink,
// confirmation watching. Concrete implementations live in p2p.go (Node),
// predicate.go (PredicateRegistry), eventbus.go (EventBus) and an external
// node client respectively.
//---------------------------------------------------------------------

// TradeOfferMsg is the first message of the protocol, sent T -> M.
type TradeOfferMsg struct {
	TradeID     TradeId      `json:"trade_id"`
	OrderID     OrderId      `json:"order_id"`
	Amount      D            `json:"amount"`
	Price       D            `json:"price"`
	TakerPeer   PeerId       `json:"taker_peer"`
	TakerAddr   string       `json:"taker_addr"`
	PredicateID *PredicateId `json:"predicate_id,omitempty"`
}

// TradeTransport sends the request/response protocol messages of §4.5 over
// the `/darkswap/trade/1.0.0` stream (C6).
type TradeTransport interface {
	SendOffer(ctx context.Context, to PeerId, msg TradeOfferMsg) error
	SendAccept(ctx context.Context, to PeerId, tradeID TradeId) error
	SendReject(ctx context.Context, to PeerId, tradeID TradeId, reason string) error
	SendMakerPsbt(ctx context.Context, to PeerId, tradeID TradeId, raw []byte) error
	SendTakerPsbt(ctx context.Context, to PeerId, tradeID TradeId, raw []byte) error
	SendFinalize(ctx context.Context, to PeerId, tradeID TradeId, txid string) error
	SendCancel(ctx context.Context, to PeerId, tradeID TradeId) error
}

// PredicateResolver looks up a previously-announced predicate tree by id.
type PredicateResolver interface {
	ResolvePredicate(id PredicateId) (*Predicate, bool)
}

// TradeEventSink is the subset of the orchestrator's event bus the trade
// engine publishes to (§4.8).
type TradeEventSink interface {
	TradeStarted(t *Trade)
	TradeStateChanged(id TradeId, state TradeState)
	TradeBroadcast(id TradeId, txid string)
	TradeCompleted(id TradeId)
	TradeFailed(id TradeId, reason string)
	OrderMatched(orderID OrderId, tradeID TradeId)
}

// ConfirmationChecker reports how many confirmations a broadcast txid has
// accrued; the chain client itself is an external collaborator (§1).
type ConfirmationChecker interface {
	Confirmations(txid string) (int, error)
}

//---------------------------------------------------------------------
// TradeEngine
//---------------------------------------------------------------------

// TradeEngine holds the {trade_id -> Trade} registry and drives every
// transition of §4.5.
type TradeEngine struct {
	mu     sync.RWMutex
	trades map[TradeId]*Trade
	byKey  map[string]TradeId // "orderID|takerPeer" -> tradeID, dedupe per §4.5

	wallet     Wallet
	orderbook  *Orderbook
	transport  TradeTransport
	predicates PredicateResolver
	events     TradeEventSink
	logger     *log.Logger
	network    string
	net        *chaincfg.Params
	reserves   *UTXOReserveLedger
}

// SetReserveLedger attaches a durable UTXO reservation ledger so that
// reservations survive a restart. Optional; nil disables persistence and
// leaves reservation bookkeeping to the wallet's in-memory set only.
func (e *TradeEngine) SetReserveLedger(l *UTXOReserveLedger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reserves = l
}

func NewTradeEngine(wallet Wallet, orderbook *Orderbook, transport TradeTransport, predicates PredicateResolver, events TradeEventSink, network string, net *chaincfg.Params, logger *log.Logger) *TradeEngine {
	if logger == nil {
		logger = log.New()
	}
	return &TradeEngine{
		trades:     make(map[TradeId]*Trade),
		byKey:      make(map[string]TradeId),
		wallet:     wallet,
		orderbook:  orderbook,
		transport:  transport,
		predicates: predicates,
		events:     events,
		logger:     logger,
		network:    network,
		net:        net,
	}
}

// RestoreReservations replays the persisted reservation ledger into the
// wallet's in-memory reserved set. Call once at startup, before the trade
// engine begins accepting offers, so outpoints locked by a trade that was
// in flight when the node last stopped cannot be double-spent into a new
// one.
func (e *TradeEngine) RestoreReservations() error {
	if e.reserves == nil {
		return nil
	}
	all, err := e.reserves.All()
	if err != nil {
		return fmt.Errorf("trade: restore reservations: %w", err)
	}
	sw, ok := e.wallet.(*SimpleWallet)
	if !ok {
		return nil
	}
	for _, outpoints := range all {
		sw.Reserve(outpoints)
	}
	return nil
}

func dedupeKey(orderID OrderId, taker PeerId) string {
	return orderID.String() + "|" + taker.String()
}

// Trade returns a copy of the registry entry for id, or (nil, false).
func (e *TradeEngine) Trade(id TradeId) (Trade, bool) {
	e.mu.RLock()
	t, ok := e.trades[id]
	e.mu.RUnlock()
	if !ok {
		return Trade{}, false
	}
	return t.snapshot(), true
}

// OpenTrade is called on the taker side: it validates the target order,
// registers a new Trade, and sends the opening offer to the maker.
func (e *TradeEngine) OpenTrade(ctx context.Context, orderID OrderId, localPeer PeerId, amount D, predicateID *PredicateId, now time.Time) (*Trade, error) {
	order, ok := e.orderbook.OrderByID(orderID)
	if !ok {
		return nil, ErrOrderNotFound
	}
	if order.Status != OrderOpen && order.Status != OrderPartiallyFilled {
		return nil, ErrOrderClosed
	}
	if amount.GreaterThan(order.Remaining) {
		return nil, ErrInsufficientAmount
	}
	takerAddr, err := e.wallet.Address()
	if err != nil {
		return nil, fmt.Errorf("trade: taker address: %w", err)
	}

	key := dedupeKey(orderID, localPeer)
	e.mu.Lock()
	if _, exists := e.byKey[key]; exists {
		e.mu.Unlock()
		return nil, ErrDuplicateTrade
	}
	t := &Trade{
		ID:           NewTradeId(),
		OrderID:      orderID,
		MakerPeer:    order.MakerPeer,
		TakerPeer:    localPeer,
		TakerAddr:    takerAddr,
		Base:         order.Base,
		Quote:        order.Quote,
		Amount:       amount,
		Price:        order.Price,
		State:        StateCreated,
		CreatedAt:    now,
		PredicateID:  predicateID,
		LocalIsMaker: false,
	}
	e.trades[t.ID] = t
	e.byKey[key] = t.ID
	e.mu.Unlock()

	e.events.TradeStarted(t)

	t.mu.Lock()
	t.State = StateOfferSent
	t.deadline = now.Add(OfferTimeout)
	t.mu.Unlock()
	e.events.TradeStateChanged(t.ID, StateOfferSent)

	msg := TradeOfferMsg{TradeID: t.ID, OrderID: orderID, Amount: amount, Price: order.Price, TakerPeer: localPeer, TakerAddr: takerAddr, PredicateID: predicateID}
	if err := e.transport.SendOffer(ctx, order.MakerPeer, msg); err != nil {
		e.fail(t, ReasonPeerUnreachable)
		return t, fmt.Errorf("trade: send offer: %w", err)
	}
	return t, nil
}

// HandleOffer runs on the maker side on receipt of a TradeOfferMsg: it
// validates the order and taker, then either accepts (and begins building
// the maker PSBT) or rejects.
func (e *TradeEngine) HandleOffer(ctx context.Context, from PeerId, msg TradeOfferMsg, now time.Time) error {
	order, ok := e.orderbook.OrderByID(msg.OrderID)
	if !ok {
		return e.transport.SendReject(ctx, from, msg.TradeID, "order not found")
	}
	if (order.Status != OrderOpen && order.Status != OrderPartiallyFilled) || msg.Amount.GreaterThan(order.Remaining) {
		return e.transport.SendReject(ctx, from, msg.TradeID, "order not available for requested amount")
	}
	if msg.PredicateID != nil {
		if _, ok := e.predicates.ResolvePredicate(*msg.PredicateID); !ok {
			return e.transport.SendReject(ctx, from, msg.TradeID, "unknown predicate")
		}
	}

	key := dedupeKey(msg.OrderID, from)
	e.mu.Lock()
	if _, exists := e.byKey[key]; exists {
		e.mu.Unlock()
		return e.transport.SendReject(ctx, from, msg.TradeID, "duplicate trade")
	}
	t := &Trade{
		ID:           msg.TradeID,
		OrderID:      msg.OrderID,
		MakerPeer:    order.MakerPeer,
		TakerPeer:    from,
		TakerAddr:    msg.TakerAddr,
		Base:         order.Base,
		Quote:        order.Quote,
		Amount:       msg.Amount,
		Price:        order.Price,
		State:        StateAccepted,
		CreatedAt:    now,
		deadline:     now.Add(PSBTExchangeTimeout),
		PredicateID:  msg.PredicateID,
		LocalIsMaker: true,
	}
	e.trades[t.ID] = t
	e.byKey[key] = t.ID
	e.mu.Unlock()

	e.events.TradeStarted(t)
	e.events.TradeStateChanged(t.ID, StateAccepted)
	if err := e.transport.SendAccept(ctx, from, t.ID); err != nil {
		e.fail(t, ReasonPeerUnreachable)
		return err
	}
	return e.buildAndSendMakerPSBT(ctx, t, now)
}

// HandleAccept runs on the taker side: the maker accepted the offer.
func (e *TradeEngine) HandleAccept(tradeID TradeId, now time.Time) error {
	t, ok := e.lookup(tradeID)
	if !ok {
		return ErrTradeNotFound
	}
	t.mu.Lock()
	if t.State != StateOfferSent {
		t.mu.Unlock()
		return ErrBadTransition
	}
	t.State = StateAccepted
	t.deadline = now.Add(PSBTExchangeTimeout)
	t.mu.Unlock()
	e.events.TradeStateChanged(tradeID, StateAccepted)
	return nil
}

// HandleReject runs on the taker side: the maker rejected the offer.
func (e *TradeEngine) HandleReject(tradeID TradeId, reason string) error {
	t, ok := e.lookup(tradeID)
	if !ok {
		return ErrTradeNotFound
	}
	t.mu.Lock()
	if t.State.Terminal() {
		t.mu.Unlock()
		return nil
	}
	t.State = StateRejected
	t.FailReason = reason
	t.mu.Unlock()
	e.events.TradeStateChanged(tradeID, StateRejected)
	e.events.TradeFailed(tradeID, reason)
	return nil
}

// buildAndSendMakerPSBT is the Accepted -> MakerSigned transition (maker
// side): build inputs/outputs for the maker leg, sign, record the PSBT
// hash, and send it to the taker.
func (e *TradeEngine) buildAndSendMakerPSBT(ctx context.Context, t *Trade, now time.Time) error {
	snap := t.snapshot()

	utxos, err := e.wallet.UTXOs()
	if err != nil {
		e.fail(t, ReasonInsufficientFunds)
		return err
	}
	makerAddr, err := e.wallet.Address()
	if err != nil {
		e.fail(t, ReasonInsufficientFunds)
		return err
	}
	plan, reserved, err := planMakerLeg(snap, utxos, makerAddr, snap.TakerAddr, e.net)
	if err != nil {
		e.fail(t, ReasonInsufficientFunds)
		return err
	}

	pkt, err := e.wallet.BuildTradePSBT(plan)
	if err != nil {
		e.fail(t, ReasonInsufficientFunds)
		return fmt.Errorf("trade: build maker psbt: %w", err)
	}
	pkt, err = e.wallet.SignPSBT(pkt)
	if err != nil {
		e.fail(t, ReasonSigningFailed)
		return fmt.Errorf("trade: sign maker psbt: %w", err)
	}

	if sw, ok := e.wallet.(*SimpleWallet); ok {
		sw.Reserve(reserved)
	}
	if e.reserves != nil {
		if err := e.reserves.Reserve(t.ID, reserved); err != nil {
			e.logger.WithError(err).Warn("trade: persist maker reservation failed")
		}
	}

	t.mu.Lock()
	t.MakerPsbt = pkt
	t.makerPsbtHash = PSBTHash(pkt)
	t.reservedInputs = reserved
	t.State = StateMakerSigned
	t.deadline = now.Add(PSBTExchangeTimeout)
	t.mu.Unlock()
	e.events.TradeStateChanged(t.ID, StateMakerSigned)

	raw, err := serializePSBT(pkt)
	if err != nil {
		e.fail(t, ReasonPSBTMismatch)
		return err
	}
	return e.transport.SendMakerPsbt(ctx, t.TakerPeer, t.ID, raw)
}

// HandleMakerPsbt runs on the taker side: verify the maker's contribution,
// add the taker leg, sign, and (per convention) finalize and broadcast.
func (e *TradeEngine) HandleMakerPsbt(ctx context.Context, tradeID TradeId, raw []byte, now time.Time) error {
	t, ok := e.lookup(tradeID)
	if !ok {
		return ErrTradeNotFound
	}
	makerPkt, err := deserializePSBT(raw)
	if err != nil {
		e.fail(t, ReasonPSBTMismatch)
		return err
	}

	snap := t.snapshot()
	addr, err := e.wallet.Address()
	if err != nil {
		e.fail(t, ReasonInsufficientFunds)
		return err
	}
	expected, err := expectedTakerConstraints(snap, addr)
	if err != nil {
		e.fail(t, ReasonPSBTMismatch)
		return err
	}
	ok2, err := e.wallet.VerifyPSBT(makerPkt, expected)
	if err != nil || !ok2 {
		e.fail(t, ReasonPSBTMismatch)
		return fmt.Errorf("trade: %w", ErrPSBTMismatch)
	}

	if snap.PredicateID != nil {
		if pass, err := e.validatePredicate(*snap.PredicateID, makerPkt.UnsignedTx, now); err != nil || !pass {
			e.fail(t, ReasonPredicateRejected)
			return ErrPredicateReject
		}
	}

	utxos, err := e.wallet.UTXOs()
	if err != nil {
		e.fail(t, ReasonInsufficientFunds)
		return err
	}
	makerAddr, err := addressFromWitnessUTXO(makerPkt, e.net)
	if err != nil {
		e.fail(t, ReasonPSBTMismatch)
		return err
	}
	priorOutputs := len(makerPkt.UnsignedTx.TxOut)
	takerIns, takerOuts, reserved, err := planTakerLeg(snap, utxos, makerAddr, addr, priorOutputs, e.net)
	if err != nil {
		e.fail(t, ReasonInsufficientFunds)
		return err
	}

	merged, err := mergePSBTWithTakerInputs(makerPkt, takerIns, takerOuts, utxos)
	if err != nil {
		e.fail(t, ReasonPSBTMismatch)
		return err
	}
	merged, err = e.wallet.SignPSBT(merged)
	if err != nil {
		e.fail(t, ReasonSigningFailed)
		return fmt.Errorf("trade: sign taker psbt: %w", err)
	}
	if !ExtendsSignedPrefix(makerPkt, merged) {
		e.fail(t, ReasonPSBTMismatch)
		return ErrPSBTMismatch
	}

	if sw, ok := e.wallet.(*SimpleWallet); ok {
		sw.Reserve(reserved)
	}

	t.mu.Lock()
	t.MakerPsbt = makerPkt
	t.TakerPsbt = merged
	t.reservedInputs = append(t.reservedInputs, reserved...)
	allReserved := append([]wire.OutPoint(nil), t.reservedInputs...)
	t.State = StateTakerSigned
	t.mu.Unlock()

	if e.reserves != nil {
		if err := e.reserves.Reserve(t.ID, allReserved); err != nil {
			e.logger.WithError(err).Warn("trade: persist taker reservation failed")
		}
	}
	e.events.TradeStateChanged(tradeID, StateTakerSigned)

	rawOut, err := serializePSBT(merged)
	if err == nil {
		_ = e.transport.SendTakerPsbt(ctx, t.MakerPeer, tradeID, rawOut)
	}

	return e.finalizeAndBroadcast(ctx, t, now)
}

// HandleTakerPsbt runs on the maker side: records the taker's completed
// PSBT for local bookkeeping. Per convention the taker finalizes and
// broadcasts; the maker learns the txid from a subsequent Finalize message.
func (e *TradeEngine) HandleTakerPsbt(tradeID TradeId, raw []byte) error {
	t, ok := e.lookup(tradeID)
	if !ok {
		return ErrTradeNotFound
	}
	pkt, err := deserializePSBT(raw)
	if err != nil {
		e.fail(t, ReasonPSBTMismatch)
		return err
	}
	snap := t.snapshot()
	if snap.MakerPsbt != nil && !ExtendsSignedPrefix(snap.MakerPsbt, pkt) {
		e.fail(t, ReasonPSBTMismatch)
		return ErrPSBTMismatch
	}
	t.mu.Lock()
	t.TakerPsbt = pkt
	t.State = StateTakerSigned
	t.mu.Unlock()
	e.events.TradeStateChanged(tradeID, StateTakerSigned)
	return nil
}

// finalizeAndBroadcast runs on whichever side drives broadcast (by
// convention, the taker): re-validate the predicate one last time against
// the final unsigned transaction, finalize, and broadcast.
func (e *TradeEngine) finalizeAndBroadcast(ctx context.Context, t *Trade, now time.Time) error {
	snap := t.snapshot()
	if snap.TakerPsbt == nil {
		return fmt.Errorf("trade: finalize called with no taker psbt")
	}
	if snap.PredicateID != nil {
		if pass, err := e.validatePredicate(*snap.PredicateID, snap.TakerPsbt.UnsignedTx, now); err != nil || !pass {
			e.fail(t, ReasonPredicateRejected)
			return ErrPredicateReject
		}
	}
	txid, err := e.wallet.FinalizeAndBroadcast(snap.TakerPsbt)
	if err != nil {
		e.fail(t, ReasonBroadcastRejected)
		return err
	}

	t.mu.Lock()
	t.Txid = txid.String()
	t.State = StateBroadcast
	t.deadline = now.Add(ConfirmationTimeout)
	t.mu.Unlock()
	e.events.TradeStateChanged(t.ID, StateBroadcast)
	e.events.TradeBroadcast(t.ID, txid.String())
	e.events.OrderMatched(snap.OrderID, snap.ID)

	counterparty := snap.MakerPeer
	if snap.LocalIsMaker {
		counterparty = snap.TakerPeer
	}
	_ = e.transport.SendFinalize(ctx, counterparty, t.ID, txid.String())
	return nil
}

// HandleFinalize runs on the non-broadcasting side: records the txid
// reported by the peer that actually broadcast.
func (e *TradeEngine) HandleFinalize(tradeID TradeId, txid string, now time.Time) error {
	t, ok := e.lookup(tradeID)
	if !ok {
		return ErrTradeNotFound
	}
	t.mu.Lock()
	t.Txid = txid
	t.State = StateBroadcast
	t.deadline = now.Add(ConfirmationTimeout)
	t.mu.Unlock()
	e.events.TradeStateChanged(tradeID, StateBroadcast)
	e.events.TradeBroadcast(tradeID, txid)
	return nil
}

// HandleCancel cancels tradeID from any non-terminal state. It takes only
// the trade id: no signature is verified and the sender is not compared
// with the trade's maker or taker.
func (e *TradeEngine) HandleCancel(tradeID TradeId) error {
	t, ok := e.lookup(tradeID)
	if !ok {
		return ErrTradeNotFound
	}
	t.mu.Lock()
	if t.State.Terminal() {
		t.mu.Unlock()
		return nil
	}
	t.State = StateCancelled
	t.FailReason = ReasonCancelled
	reserved := t.reservedInputs
	t.mu.Unlock()
	e.releaseReserved(tradeID, reserved)
	e.events.TradeStateChanged(tradeID, StateCancelled)
	e.events.TradeFailed(tradeID, ReasonCancelled)
	return nil
}

// Cancel is the local-initiator path: request cancellation of our own
// trade and notify the counterparty.
func (e *TradeEngine) Cancel(ctx context.Context, tradeID TradeId) error {
	t, ok := e.lookup(tradeID)
	if !ok {
		return ErrTradeNotFound
	}
	snap := t.snapshot()
	if err := e.HandleCancel(tradeID); err != nil {
		return err
	}
	counterparty := snap.TakerPeer
	if !snap.LocalIsMaker {
		counterparty = snap.MakerPeer
	}
	return e.transport.SendCancel(ctx, counterparty, tradeID)
}

// CheckTimeouts scans all trades and fails any whose state deadline has
// elapsed, releasing reserved UTXOs — the §8 scenario-6 one-second release
// bound is satisfied by callers invoking this on a short ticker (e.g. 1s).
func (e *TradeEngine) CheckTimeouts(now time.Time) {
	e.mu.RLock()
	trades := make([]*Trade, 0, len(e.trades))
	for _, t := range e.trades {
		trades = append(trades, t)
	}
	e.mu.RUnlock()

	for _, t := range trades {
		t.mu.Lock()
		expired := !t.State.Terminal() && !t.deadline.IsZero() && now.After(t.deadline)
		t.mu.Unlock()
		if expired {
			e.fail(t, ReasonTimeout)
		}
	}
}

// CheckConfirmations advances Broadcast trades to Completed once they reach
// the required confirmation count.
func (e *TradeEngine) CheckConfirmations(checker ConfirmationChecker) {
	if checker == nil {
		return
	}
	e.mu.RLock()
	trades := make([]*Trade, 0, len(e.trades))
	for _, t := range e.trades {
		trades = append(trades, t)
	}
	e.mu.RUnlock()

	required := ConfirmationsRequired(e.network)
	for _, t := range trades {
		snap := t.snapshot()
		if snap.State != StateBroadcast || snap.Txid == "" {
			continue
		}
		confs, err := checker.Confirmations(snap.Txid)
		if err != nil {
			continue
		}
		if confs >= int(required) {
			t.mu.Lock()
			t.State = StateCompleted
			reserved := t.reservedInputs
			t.mu.Unlock()
			e.releaseReserved(t.ID, reserved)
			e.events.TradeStateChanged(t.ID, StateCompleted)
			e.events.TradeCompleted(t.ID)
		}
	}
}

func (e *TradeEngine) lookup(id TradeId) (*Trade, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.trades[id]
	return t, ok
}

func (e *TradeEngine) fail(t *Trade, reason string) {
	t.mu.Lock()
	if t.State.Terminal() {
		t.mu.Unlock()
		return
	}
	t.State = StateFailed
	t.FailReason = reason
	reserved := t.reservedInputs
	t.mu.Unlock()
	e.releaseReserved(t.ID, reserved)
	e.events.TradeStateChanged(t.ID, StateFailed)
	e.events.TradeFailed(t.ID, reason)
}

func (e *TradeEngine) releaseReserved(tradeID TradeId, outpoints []wire.OutPoint) {
	if len(outpoints) == 0 {
		return
	}
	if sw, ok := e.wallet.(*SimpleWallet); ok {
		sw.Release(outpoints)
	}
	if e.reserves != nil {
		if err := e.reserves.Release(tradeID); err != nil {
			e.logger.WithError(err).Warn("trade: release persisted reservation failed")
		}
	}
}

func (e *TradeEngine) validatePredicate(id PredicateId, tx *wire.MsgTx, now time.Time) (bool, error) {
	pred, ok := e.predicates.ResolvePredicate(id)
	if !ok {
		return false, fmt.Errorf("trade: %w: unknown predicate %s", ErrPredicateReject, id.String())
	}
	transfers, err := ExtractAlkaneTransfers(tx)
	if err != nil {
		return false, err
	}
	insp := &TxInspector{Transfers: transfers, Tx: tx}
	return pred.Validate(insp, now)
}

//---------------------------------------------------------------------
// PSBT plumbing helpers
//---------------------------------------------------------------------

func serializePSBT(pkt *psbt.Packet) ([]byte, error) {
	var buf bytes.Buffer
	if err := pkt.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("trade: serialize psbt: %w", err)
	}
	return buf.Bytes(), nil
}

func deserializePSBT(raw []byte) (*psbt.Packet, error) {
	pkt, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	if err != nil {
		return nil, fmt.Errorf("trade: decode psbt: %w", err)
	}
	return pkt, nil
}

// runeAlkaneDustSats is the output value carried by a rune/alkane leg's
// payment output: the transfer itself is declared by the OP_RETURN marker
// riding on the transaction, not by the sat value of the payment output, so
// the output only needs to clear the standard dust threshold.
const runeAlkaneDustSats = btcutil.Amount(546)

// legSats converts a trade leg's asset-denominated quantity into the sat
// value its payment output must carry. BTC legs move real value; rune and
// alkane legs move dust, since this wallet tracks BTC UTXOs only and the
// actual transfer is recorded by the C3 marker output (§4.3).
func legSats(asset Asset, qty D) btcutil.Amount {
	if asset.Kind == AssetBTC {
		return btcutil.Amount(qty.Mul(decimal.NewFromInt(1e8)).IntPart())
	}
	return runeAlkaneDustSats
}

// attachLegMarker appends the C3 runestone/alkane marker transferring qty
// units of asset to the leg's outputs, when asset isn't BTC. payIndex is the
// absolute index, in the final broadcast transaction, of the payment output
// the marker's transfer corresponds to.
func attachLegMarker(outputs []*wire.TxOut, asset Asset, qty D, payIndex int) ([]*wire.TxOut, error) {
	switch asset.Kind {
	case AssetRune:
		marker, err := BuildRunestoneOutput(&Runestone{Edicts: []Edict{{
			RuneID: asset.RuneID,
			Amount: uint64(qty.IntPart()),
			Output: uint32(payIndex),
		}}})
		if err != nil {
			return nil, fmt.Errorf("trade: build runestone marker: %w", err)
		}
		return append(outputs, marker), nil
	case AssetAlkane:
		marker, err := BuildAlkaneMarkerOutput(asset.AlkaneID, uint64(qty.IntPart()))
		if err != nil {
			return nil, fmt.Errorf("trade: build alkane marker: %w", err)
		}
		return append(outputs, marker), nil
	default:
		return outputs, nil
	}
}

// addressScript resolves a Bitcoin address to its scriptPubKey under net.
func addressScript(addr string, net *chaincfg.Params) ([]byte, error) {
	a, err := btcutil.DecodeAddress(addr, net)
	if err != nil {
		return nil, fmt.Errorf("trade: decode address %q: %w", addr, err)
	}
	return txscript.PayToAddrScript(a)
}

// addressFromWitnessUTXO recovers the maker's payout address from its own
// signed PSBT: SimpleWallet derives exactly one receive address (§ wallet.go
// Address), so any input's witness-utxo scriptPubKey reveals it without an
// extra protocol round-trip.
func addressFromWitnessUTXO(pkt *psbt.Packet, net *chaincfg.Params) (string, error) {
	for _, in := range pkt.Inputs {
		if in.WitnessUtxo == nil {
			continue
		}
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(in.WitnessUtxo.PkScript, net)
		if err != nil || len(addrs) == 0 {
			continue
		}
		return addrs[0].EncodeAddress(), nil
	}
	return "", fmt.Errorf("trade: %w: maker psbt carries no witness-utxo input", ErrPSBTMismatch)
}

// planMakerLeg builds the maker's half of the trade transaction: per §8, the
// maker always delivers Amount units of Base to the taker (plus change back
// to itself, plus a rune/alkane marker when Base isn't BTC), regardless of
// which side of the order book the maker rests on.
func planMakerLeg(t Trade, utxos []UTXO, makerAddr, takerAddr string, net *chaincfg.Params) (TradePlan, []wire.OutPoint, error) {
	pay := legSats(t.Base, t.Amount)
	selected, total, err := selectUTXOs(utxos, DFromInt(int64(pay)))
	if err != nil {
		return TradePlan{}, nil, err
	}

	takerScript, err := addressScript(takerAddr, net)
	if err != nil {
		return TradePlan{}, nil, err
	}
	outputs := []*wire.TxOut{wire.NewTxOut(int64(pay), takerScript)}

	if change := total.Sub(DFromInt(int64(pay))); change.Sign() > 0 {
		makerScript, err := addressScript(makerAddr, net)
		if err != nil {
			return TradePlan{}, nil, err
		}
		outputs = append(outputs, wire.NewTxOut(change.IntPart(), makerScript))
	}

	outputs, err = attachLegMarker(outputs, t.Base, t.Amount, 0)
	if err != nil {
		return TradePlan{}, nil, err
	}

	return TradePlan{InputOutpoints: selected, Outputs: outputs}, selected, nil
}

// planTakerLeg builds the taker's half: per §8, the taker always delivers
// Amount*Price units of Quote to the maker (plus change back to itself, plus
// a rune/alkane marker when Quote isn't BTC). priorOutputCount is the number
// of outputs already present in the maker's PSBT, so the marker's Output
// index refers to this leg's payment output in the final merged transaction.
func planTakerLeg(t Trade, utxos []UTXO, makerAddr, takerAddr string, priorOutputCount int, net *chaincfg.Params) ([]wire.OutPoint, []*wire.TxOut, []wire.OutPoint, error) {
	pay := legSats(t.Quote, t.Amount.Mul(t.Price))
	selected, total, err := selectUTXOs(utxos, DFromInt(int64(pay)))
	if err != nil {
		return nil, nil, nil, err
	}

	makerScript, err := addressScript(makerAddr, net)
	if err != nil {
		return nil, nil, nil, err
	}
	outputs := []*wire.TxOut{wire.NewTxOut(int64(pay), makerScript)}

	if change := total.Sub(DFromInt(int64(pay))); change.Sign() > 0 {
		takerScript, err := addressScript(takerAddr, net)
		if err != nil {
			return nil, nil, nil, err
		}
		outputs = append(outputs, wire.NewTxOut(change.IntPart(), takerScript))
	}

	outputs, err = attachLegMarker(outputs, t.Quote, t.Amount.Mul(t.Price), priorOutputCount)
	if err != nil {
		return nil, nil, nil, err
	}

	return selected, outputs, selected, nil
}

// selectUTXOs is a simple largest-first coin selection sufficient to cover
// needed (expressed in sats); real fee estimation is an external-collaborator
// concern (§1 Non-goals: node/Electrum client).
func selectUTXOs(utxos []UTXO, needed D) ([]wire.OutPoint, D, error) {
	total := DZero()
	var selected []wire.OutPoint
	sorted := append([]UTXO(nil), utxos...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Amount > sorted[j].Amount })
	for _, u := range sorted {
		if total.GreaterThanOrEqual(needed) {
			break
		}
		total = total.Add(DFromInt(int64(u.Amount)))
		selected = append(selected, u.Outpoint)
	}
	if total.LessThan(needed) {
		return nil, total, ErrInsufficientFunds
	}
	return selected, total, nil
}

func expectedTakerConstraints(t Trade, takerAddr string) (TradeConstraints, error) {
	return TradeConstraints{
		ExpectedOutputs: map[string]btcutil.Amount{takerAddr: legSats(t.Base, t.Amount)},
	}, nil
}

// mergePSBTWithTakerInputs extends prior's unsigned transaction with the
// taker's inputs (and, if any, outputs), preserving prior's inputs/outputs
// as an unchanged prefix so ExtendsSignedPrefix holds by construction.
func mergePSBTWithTakerInputs(prior *psbt.Packet, takerIns []wire.OutPoint, takerOuts []*wire.TxOut, knownUTXOs []UTXO) (*psbt.Packet, error) {
	byOutpoint := make(map[wire.OutPoint]UTXO, len(knownUTXOs))
	for _, u := range knownUTXOs {
		byOutpoint[u.Outpoint] = u
	}

	tx := wire.NewMsgTx(prior.UnsignedTx.Version)
	tx.LockTime = prior.UnsignedTx.LockTime
	tx.TxIn = append(tx.TxIn, prior.UnsignedTx.TxIn...)
	tx.TxOut = append(tx.TxOut, prior.UnsignedTx.TxOut...)
	for _, op := range takerIns {
		opCopy := op
		tx.TxIn = append(tx.TxIn, wire.NewTxIn(&opCopy, nil, nil))
	}
	tx.TxOut = append(tx.TxOut, takerOuts...)

	merged, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, fmt.Errorf("trade: merge psbt: %w", err)
	}
	for i := range prior.Inputs {
		merged.Inputs[i] = prior.Inputs[i]
	}
	for i, op := range takerIns {
		idx := len(prior.Inputs) + i
		if u, ok := byOutpoint[op]; ok {
			merged.Inputs[idx].WitnessUtxo = wire.NewTxOut(int64(u.Amount), u.PkScript)
		}
	}
	return merged, nil
}
