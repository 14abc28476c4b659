package core

// orchestrator.go – the mediator (C8) that owns every other component and
// routes events between them, per §4.8 and the REDESIGN FLAGS note on
// breaking cyclic references: the transport never holds the orderbook, and
// the orderbook reaches the transport only through the narrow
// PubKeyResolver/GossipPublisher interfaces injected at construction.
//
// This is also the thin business-logic layer behind darkswapd's CLI: every
// `wallet`, `network` and `system` verb maps to exactly one exported method
// here, so cmd/darkswapd/main.go stays a dumb argument parser.

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	log "github.com/sirupsen/logrus"
	bip39 "github.com/tyler-smith/go-bip39"
)

// NetworkParams maps the bitcoin.network configuration string to the
// matching btcsuite chain params (§6).
func NetworkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet", "":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("orchestrator: unknown network %q", network)
	}
}

// OrchestratorConfig is the subset of pkg/config.Config the orchestrator
// needs, translated into primitive/core types by the caller (cmd/darkswapd)
// so this package never imports pkg/config.
type OrchestratorConfig struct {
	Network string

	DataDir       string
	EncryptAtRest bool
	StoreKey      []byte // derived encryption key, nil disables EncryptAtRest regardless of the flag

	P2P NodeConfig

	RequireRelayAuth  bool
	RelayAuthMinLevel AuthLevel
	RelayPreSharedKey []byte
	RelayBootstrap    []string
	MinRelays         int
	MaxRelays         int

	DefaultExpirySeconds uint64
	MaxOrdersPerPeer     uint32

	GossipRatePerSec float64
	GossipRateBurst  int
}

func (c OrchestratorConfig) normalized() OrchestratorConfig {
	if c.GossipRatePerSec <= 0 {
		c.GossipRatePerSec = DefaultGossipRate
	}
	if c.GossipRateBurst <= 0 {
		c.GossipRateBurst = DefaultGossipBurst
	}
	if c.MaxOrdersPerPeer == 0 {
		c.MaxOrdersPerPeer = 256
	}
	return c
}

// Orchestrator wires C1 (wallet), C2 (predicates), C3 (runes/alkanes, used
// indirectly through the predicate inspector), C4 (orderbook), C5 (trade
// engine), C6 (p2p transport) and the relay pool together and owns the
// event bus (§4.8's mediator role).
type Orchestrator struct {
	mu     sync.Mutex
	cfg    OrchestratorConfig
	net    *chaincfg.Params
	logger *log.Logger

	store      Store
	reserves   *UTXOReserveLedger
	predicates *PredicateRegistry
	auth       *PeerAuthRegistry
	events     *EventBus
	limiter    PeerRateLimiter

	wallet       *SimpleWallet
	identityPub  ed25519.PublicKey
	identityPriv ed25519.PrivateKey

	node      *Node
	kad       *KademliaTable
	relayPool *RelayPool
	orderbook *Orderbook
	trades    *TradeEngine

	subscribed map[Pair]struct{}

	stop    chan struct{}
	running bool
}

// NewOrchestrator builds every component that does not require a running
// wallet or network node yet — those are brought up by WalletCreate/Open
// and Start respectively, mirroring the CLI's own lifecycle (`wallet
// create` before `network connect`).
func NewOrchestrator(cfg OrchestratorConfig, logger *log.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = log.New()
	}
	cfg = cfg.normalized()

	net, err := NetworkParams(cfg.Network)
	if err != nil {
		return nil, err
	}

	store, err := newConfiguredStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: store: %w", err)
	}

	return &Orchestrator{
		cfg:        cfg,
		net:        net,
		logger:     logger,
		store:      store,
		reserves:   NewUTXOReserveLedger(store),
		predicates: NewPredicateRegistry(),
		auth:       NewPeerAuthRegistry(),
		events:     NewEventBus(logger),
		limiter:    NewSlidingWindowLimiter(cfg.GossipRatePerSec, cfg.GossipRateBurst),
		subscribed: make(map[Pair]struct{}),
	}, nil
}

func newConfiguredStore(cfg OrchestratorConfig) (Store, error) {
	if cfg.DataDir == "" {
		return NewMemStore(), nil
	}
	base, err := NewFileStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if !cfg.EncryptAtRest || len(cfg.StoreKey) == 0 {
		return base, nil
	}
	return NewEncryptedStore(base, cfg.StoreKey)
}

// Events exposes the event bus read side for a CLI or RPC layer to
// subscribe to (§4.8's event list).
func (o *Orchestrator) Events() (<-chan Event, func()) { return o.events.Subscribe() }

// Predicates exposes the predicate registry so a caller can announce a
// predicate tree before referencing it from an alkane order.
func (o *Orchestrator) Predicates() *PredicateRegistry { return o.predicates }

//---------------------------------------------------------------------
// wallet {create|open|close|balance|address|send}
//---------------------------------------------------------------------

const walletSeedKey = "wallet/seed"

// WalletCreate generates a fresh BIP-39 mnemonic, derives a wallet from it,
// persists the seed to the configured store, and returns the receive
// address plus the mnemonic the caller must display exactly once.
func (o *Orchestrator) WalletCreate(entropyBits int) (address, mnemonic string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if entropyBits != 128 && entropyBits != 256 {
		return "", "", fmt.Errorf("orchestrator: unsupported entropy size %d", entropyBits)
	}
	entropy, err := bip39.NewEntropy(entropyBits)
	if err != nil {
		return "", "", fmt.Errorf("orchestrator: entropy: %w", err)
	}
	mnemonic, err = bip39.NewMnemonic(entropy)
	if err != nil {
		return "", "", fmt.Errorf("orchestrator: mnemonic: %w", err)
	}
	seed := bip39.NewSeed(mnemonic, "")

	w, err := NewWalletFromSeed(o.net, nil, seed)
	if err != nil {
		return "", "", err
	}
	if err := o.store.Set([]byte(walletSeedKey), seed); err != nil {
		return "", "", fmt.Errorf("orchestrator: persist wallet seed: %w", err)
	}
	if err := o.adoptWallet(w); err != nil {
		return "", "", err
	}
	address, err = w.Address()
	if err != nil {
		return "", mnemonic, err
	}
	return address, mnemonic, nil
}

// WalletImport derives and opens a wallet from a caller-supplied BIP-39
// mnemonic, persisting its seed the same way WalletCreate does.
func (o *Orchestrator) WalletImport(mnemonic, passphrase string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	w, err := WalletFromMnemonic(o.net, nil, mnemonic, passphrase)
	if err != nil {
		return "", err
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	if err := o.store.Set([]byte(walletSeedKey), seed); err != nil {
		return "", fmt.Errorf("orchestrator: persist wallet seed: %w", err)
	}
	if err := o.adoptWallet(w); err != nil {
		return "", err
	}
	return w.Address()
}

// WalletOpen re-derives the wallet from the previously-persisted seed.
func (o *Orchestrator) WalletOpen() (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	seed, err := o.store.Get([]byte(walletSeedKey))
	if err != nil {
		return "", fmt.Errorf("orchestrator: no wallet to open: %w", err)
	}
	w, err := NewWalletFromSeed(o.net, nil, seed)
	if err != nil {
		return "", err
	}
	if err := o.adoptWallet(w); err != nil {
		return "", err
	}
	return w.Address()
}

// WalletClose drops the in-memory wallet handle; the persisted seed is
// untouched and a later WalletOpen recovers it.
func (o *Orchestrator) WalletClose() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.wallet = nil
	o.identityPub = nil
	o.identityPriv = nil
	return nil
}

// adoptWallet installs w as the active wallet and derives its companion
// Ed25519 identity key, used to sign orders (§4.2) and to announce this
// peer's public key to the network.
func (o *Orchestrator) adoptWallet(w *SimpleWallet) error {
	pub, priv, err := w.IdentityKeyPair()
	if err != nil {
		return fmt.Errorf("orchestrator: derive identity key: %w", err)
	}
	o.wallet = w
	o.identityPub = pub
	o.identityPriv = priv
	return nil
}

func (o *Orchestrator) requireWallet() (*SimpleWallet, error) {
	o.mu.Lock()
	w := o.wallet
	o.mu.Unlock()
	if w == nil {
		return nil, fmt.Errorf("orchestrator: no wallet open")
	}
	return w, nil
}

// WalletBalance sums unreserved UTXOs.
func (o *Orchestrator) WalletBalance() (btcutil.Amount, error) {
	w, err := o.requireWallet()
	if err != nil {
		return 0, err
	}
	return w.Balance()
}

// WalletAddress returns the wallet's receive address.
func (o *Orchestrator) WalletAddress() (string, error) {
	w, err := o.requireWallet()
	if err != nil {
		return "", err
	}
	return w.Address()
}

// WalletSend builds, signs and broadcasts a plain payment to toAddress,
// outside of the trade-PSBT protocol — the CLI's `wallet send`. Coin
// selection and change handling reuse the trade engine's largest-first
// selectUTXOs, since a plain send is a trade plan with one counterparty
// leg and no predicate.
func (o *Orchestrator) WalletSend(toAddress string, amount btcutil.Amount) (string, error) {
	w, err := o.requireWallet()
	if err != nil {
		return "", err
	}

	addr, err := btcutil.DecodeAddress(toAddress, o.net)
	if err != nil {
		return "", fmt.Errorf("orchestrator: decode address: %w", err)
	}
	destScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return "", fmt.Errorf("orchestrator: pay-to-addr script: %w", err)
	}

	utxos, err := w.UTXOs()
	if err != nil {
		return "", err
	}
	needed := DFromInt(int64(amount))
	selected, total, err := selectUTXOs(utxos, needed)
	if err != nil {
		return "", err
	}

	outputs := []*wire.TxOut{wire.NewTxOut(int64(amount), destScript)}
	if change := total.Sub(needed); change.Sign() > 0 {
		changeAddr, err := w.Address()
		if err != nil {
			return "", err
		}
		changeDest, err := btcutil.DecodeAddress(changeAddr, o.net)
		if err != nil {
			return "", err
		}
		changeScript, err := txscript.PayToAddrScript(changeDest)
		if err != nil {
			return "", err
		}
		outputs = append(outputs, wire.NewTxOut(change.IntPart(), changeScript))
	}

	pkt, err := w.BuildTradePSBT(TradePlan{InputOutpoints: selected, Outputs: outputs})
	if err != nil {
		return "", err
	}
	pkt, err = w.SignPSBT(pkt)
	if err != nil {
		return "", err
	}
	txid, err := w.FinalizeAndBroadcast(pkt)
	if err != nil {
		return "", err
	}
	return txid.String(), nil
}

//---------------------------------------------------------------------
// network {connect|disconnect|send|broadcast|peers}
//---------------------------------------------------------------------

// Start brings up the p2p node, the orderbook, the trade engine and the
// relay pool, and begins the background maintenance loop (timeouts,
// expiry cleanup, relay pruning). WalletCreate/WalletOpen must be called
// first — the trade engine is built against a concrete wallet.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return fmt.Errorf("orchestrator: already running")
	}
	if o.wallet == nil {
		return fmt.Errorf("orchestrator: no wallet open")
	}

	node, err := NewNode(ctx, o.cfg.P2P)
	if err != nil {
		return fmt.Errorf("orchestrator: start node: %w", err)
	}

	kad := NewKademliaTable(node.LocalPeerID())
	orderbook := NewOrderbook(node, node, node.LocalPeerID(), o.logger)
	trades := NewTradeEngine(o.wallet, orderbook, node, o.predicates, o.events, o.cfg.Network, o.net, o.logger)
	trades.SetReserveLedger(o.reserves)
	if err := trades.RestoreReservations(); err != nil {
		o.logger.WithError(err).Warn("orchestrator: restore reservations failed")
	}

	relayPool := NewRelayPool(RelayPoolConfig{
		Bootstrap:        o.cfg.RelayBootstrap,
		MinRelays:        o.cfg.MinRelays,
		MaxRelays:        o.cfg.MaxRelays,
		RequireRelayAuth: o.cfg.RequireRelayAuth,
		MinAuthLevel:     o.cfg.RelayAuthMinLevel,
		PreSharedKey:     o.cfg.RelayPreSharedKey,
	}, node, o.auth, kad)

	node.SetTradeMessageHandler(o.makeTradeHandler(trades))
	node.Host().Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			o.events.PeerConnected(PeerId(c.RemotePeer().String()))
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			o.events.PeerDisconnected(PeerId(c.RemotePeer().String()))
		},
	})

	o.node = node
	o.kad = kad
	o.orderbook = orderbook
	o.trades = trades
	o.relayPool = relayPool
	o.stop = make(chan struct{})
	o.running = true

	go o.events.PumpOrderEvents(orderbook.Events(), o.stop)
	go o.maintenanceLoop(ctx)

	if err := relayPool.Discover(ctx, node.Peers()); err != nil {
		o.logger.WithError(err).Warn("orchestrator: initial relay discovery failed")
	}
	return nil
}

// Stop tears down the network node; the wallet and persisted state are
// untouched so a later Start resumes cleanly.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return nil
	}
	close(o.stop)
	o.running = false
	if o.node != nil {
		return o.node.Close()
	}
	return nil
}

func (o *Orchestrator) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case now := <-ticker.C:
			o.mu.Lock()
			trades, orderbook, relayPool, kad := o.trades, o.orderbook, o.relayPool, o.kad
			o.mu.Unlock()
			if trades != nil {
				trades.CheckTimeouts(now)
			}
			if orderbook != nil {
				orderbook.CleanupExpired(now)
			}
			if kad != nil {
				kad.CleanupExpired(now)
			}
			if relayPool != nil {
				relayPool.Prune()
				if relayPool.NeedsMore() {
					_ = relayPool.Discover(ctx, nil)
				}
			}
		}
	}
}

func (o *Orchestrator) requireNode() (*Node, error) {
	o.mu.Lock()
	n := o.node
	o.mu.Unlock()
	if n == nil {
		return nil, fmt.Errorf("orchestrator: network not started")
	}
	return n, nil
}

// NetworkConnect dials a peer at a known multiaddr, e.g. for bootstrapping
// against a relay or a friend's directly-reachable address.
func (o *Orchestrator) NetworkConnect(ctx context.Context, addr string) error {
	n, err := o.requireNode()
	if err != nil {
		return err
	}
	return n.DialRelay(ctx, "", []string{addr})
}

// NetworkDisconnect closes the swarm connection to peer, if any.
func (o *Orchestrator) NetworkDisconnect(p PeerId) error {
	n, err := o.requireNode()
	if err != nil {
		return err
	}
	pid, err := peer.Decode(p.String())
	if err != nil {
		return fmt.Errorf("orchestrator: decode peer id: %w", err)
	}
	return n.host.Network().ClosePeer(pid)
}

// NetworkSend delivers an application-level payload directly to one peer
// over the trade protocol stream, outside the gossip mesh.
func (o *Orchestrator) NetworkSend(ctx context.Context, to PeerId, data []byte) error {
	n, err := o.requireNode()
	if err != nil {
		return err
	}
	return n.sendEnvelope(ctx, to, TradeEnvelope{Type: envRawMessage, Payload: marshalPayload(data)})
}

// NetworkBroadcast gossips data to every peer subscribed to pair's topic,
// subscribing this node to that topic first if it has not seen it yet.
func (o *Orchestrator) NetworkBroadcast(ctx context.Context, pair Pair, data []byte) error {
	n, err := o.requireNode()
	if err != nil {
		return err
	}
	if err := o.ensureSubscribed(ctx, pair); err != nil {
		return err
	}
	return n.Publish(pair.Topic(), data)
}

// NetworkPeers lists every peer this node currently tracks.
func (o *Orchestrator) NetworkPeers() ([]PeerRecord, error) {
	n, err := o.requireNode()
	if err != nil {
		return nil, err
	}
	return n.Peers(), nil
}

//---------------------------------------------------------------------
// system ping
//---------------------------------------------------------------------

// SystemPing reports whether the wallet is open and the node is running —
// the liveness check behind `system ping`.
func (o *Orchestrator) SystemPing() (walletOpen, networkRunning bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.wallet != nil, o.running
}

//---------------------------------------------------------------------
// Orderbook/trade outer API — not exposed on the CLI directly (§6 lists
// only wallet/network/system), but the business-logic entry points a
// richer client (RPC, GUI) drives.
//---------------------------------------------------------------------

// PlaceOrder signs o with the wallet's identity key if unsigned, validates
// and inserts it, and gossips it to its pair's topic.
func (o *Orchestrator) PlaceOrder(order *Order, now time.Time) error {
	o.mu.Lock()
	orderbook := o.orderbook
	priv := o.identityPriv
	pub := o.identityPub
	o.mu.Unlock()
	if orderbook == nil {
		return fmt.Errorf("orchestrator: network not started")
	}
	if len(order.Signature) == 0 {
		if priv == nil {
			return fmt.Errorf("orchestrator: no wallet open, cannot sign order")
		}
		order.MakerPubKey = append([]byte(nil), pub...)
		order.Sign(priv)
	}
	if err := o.ensureSubscribed(context.Background(), order.Pair()); err != nil {
		return err
	}
	return orderbook.AddOrder(order, now, true)
}

// CancelOrder cancels a resting order and gossips the cancellation.
func (o *Orchestrator) CancelOrder(pair Pair, c *OrderCancel) error {
	o.mu.Lock()
	orderbook := o.orderbook
	o.mu.Unlock()
	if orderbook == nil {
		return fmt.Errorf("orchestrator: network not started")
	}
	return orderbook.CancelOrder(pair, c)
}

// TakeOrder opens a trade against orderID as the local taker.
func (o *Orchestrator) TakeOrder(ctx context.Context, orderID OrderId, amount D, predicateID *PredicateId, now time.Time) (*Trade, error) {
	o.mu.Lock()
	trades, node := o.trades, o.node
	o.mu.Unlock()
	if trades == nil || node == nil {
		return nil, fmt.Errorf("orchestrator: network not started")
	}
	return trades.OpenTrade(ctx, orderID, node.LocalPeerID(), amount, predicateID, now)
}

// CancelTrade requests cancellation of a local trade.
func (o *Orchestrator) CancelTrade(ctx context.Context, tradeID TradeId) error {
	o.mu.Lock()
	trades := o.trades
	o.mu.Unlock()
	if trades == nil {
		return fmt.Errorf("orchestrator: network not started")
	}
	return trades.Cancel(ctx, tradeID)
}

// CheckConfirmations drives the Broadcast -> Completed transition for every
// in-flight trade against an external chain client; the client itself is an
// external-collaborator concern left to the caller (§1 Non-goals).
func (o *Orchestrator) CheckConfirmations(checker ConfirmationChecker) {
	o.mu.Lock()
	trades := o.trades
	o.mu.Unlock()
	if trades == nil {
		return
	}
	trades.CheckConfirmations(checker)
}

// ensureSubscribed joins pair's gossip topic exactly once, wiring inbound
// messages into the orderbook via the rate limiter and signature
// verification path (AddOrder itself verifies; this only decodes and
// gates on a per-sender rate limit).
func (o *Orchestrator) ensureSubscribed(ctx context.Context, pair Pair) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.subscribed[pair]; ok {
		return nil
	}
	if o.node == nil {
		return fmt.Errorf("orchestrator: network not started")
	}
	orderbook := o.orderbook
	limiter := o.limiter
	logger := o.logger
	err := o.node.SubscribePair(ctx, pair, func(from PeerId, data []byte) {
		if !limiter.Allow(from, time.Now()) {
			logger.Warnf("orchestrator: gossip rate limit exceeded for %s", from)
			return
		}
		// Orders and cancels share a topic with no wire discriminator; an
		// Order JSON object carries "id", a cancel carries "order_id" —
		// probe for the field that's unique to each before decoding.
		var probe struct {
			ID      *OrderId `json:"id"`
			OrderID *OrderId `json:"order_id"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			logger.Debugf("orchestrator: undecodable gossip message from %s: %v", from, err)
			return
		}
		switch {
		case probe.OrderID != nil:
			var cancel OrderCancel
			if err := json.Unmarshal(data, &cancel); err != nil {
				logger.Debugf("orchestrator: decode gossip cancel from %s: %v", from, err)
				return
			}
			if err := orderbook.CancelOrder(pair, &cancel); err != nil {
				logger.Debugf("orchestrator: gossip cancel rejected: %v", err)
			}
		case probe.ID != nil:
			order, err := DecodeOrder(data)
			if err != nil {
				logger.Debugf("orchestrator: decode gossip order from %s: %v", from, err)
				return
			}
			if err := orderbook.AddOrder(order, time.Now(), false); err != nil {
				logger.Debugf("orchestrator: gossip order rejected from %s: %v", from, err)
			}
		default:
			logger.Debugf("orchestrator: unrecognized gossip message shape from %s", from)
		}
	})
	if err != nil {
		return err
	}
	o.subscribed[pair] = struct{}{}
	return nil
}

//---------------------------------------------------------------------
// Trade envelope dispatch — wires inbound TradeProtocolID streams (C6)
// into the trade engine's Handle* transitions (C5), the seam called out
// in §4.8 ("the orchestrator subscribes the transport... and asks C5 to
// drive the state machine").
//---------------------------------------------------------------------

const envRawMessage = "raw"

func (o *Orchestrator) makeTradeHandler(trades *TradeEngine) TradeMessageHandler {
	return func(ctx context.Context, from PeerId, env TradeEnvelope) {
		now := time.Now()
		var err error
		switch env.Type {
		case envOffer:
			var msg TradeOfferMsg
			if uerr := unmarshalPayload(env.Payload, &msg); uerr != nil {
				o.logger.Warnf("orchestrator: decode offer from %s: %v", from, uerr)
				return
			}
			err = trades.HandleOffer(ctx, from, msg, now)
		case envAccept:
			var body struct {
				TradeID TradeId `json:"trade_id"`
			}
			if uerr := unmarshalPayload(env.Payload, &body); uerr != nil {
				return
			}
			err = trades.HandleAccept(body.TradeID, now)
		case envReject:
			var body struct {
				TradeID TradeId `json:"trade_id"`
				Reason  string  `json:"reason"`
			}
			if uerr := unmarshalPayload(env.Payload, &body); uerr != nil {
				return
			}
			err = trades.HandleReject(body.TradeID, body.Reason)
		case envMakerPsbt:
			var body struct {
				TradeID TradeId `json:"trade_id"`
				Psbt    []byte  `json:"psbt"`
			}
			if uerr := unmarshalPayload(env.Payload, &body); uerr != nil {
				return
			}
			err = trades.HandleMakerPsbt(ctx, body.TradeID, body.Psbt, now)
		case envTakerPsbt:
			var body struct {
				TradeID TradeId `json:"trade_id"`
				Psbt    []byte  `json:"psbt"`
			}
			if uerr := unmarshalPayload(env.Payload, &body); uerr != nil {
				return
			}
			err = trades.HandleTakerPsbt(body.TradeID, body.Psbt)
		case envFinalize:
			var body struct {
				TradeID TradeId `json:"trade_id"`
				Txid    string  `json:"txid"`
			}
			if uerr := unmarshalPayload(env.Payload, &body); uerr != nil {
				return
			}
			err = trades.HandleFinalize(body.TradeID, body.Txid, now)
		case envCancel:
			var body struct {
				TradeID TradeId `json:"trade_id"`
			}
			if uerr := unmarshalPayload(env.Payload, &body); uerr != nil {
				return
			}
			err = trades.HandleCancel(body.TradeID)
		case envRawMessage:
			o.events.PeerConnected(from) // surfaces arrival of an out-of-band message as activity; no dedicated event kind
			return
		default:
			o.logger.Warnf("orchestrator: unknown envelope type %q from %s", env.Type, from)
			return
		}
		if err != nil {
			o.logger.WithError(err).Debugf("orchestrator: handling %s from %s", env.Type, from)
		}
	}
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	return json.Unmarshal(raw, v)
}
