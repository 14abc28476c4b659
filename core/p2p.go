package core

// p2p.go – the multi-transport P2P node (C6), adapted from the teacher's
// network.go: same libp2p host/gossipsub/mDNS shape, generalized from a
// single best-effort broadcast topic to per-pair gossip topics, a
// length-prefixed request/response trade protocol, DHT-assisted relay
// discovery, and WebRTC/circuit-relay reachability for NAT'd peers.
//
// Scheduling model: the libp2p swarm and pubsub router each run their own
// goroutines; per-stream request/response handling is one goroutine per
// inbound stream, capped per peer by a semaphore (§4.6's concurrency cap of
// 100). Every suspending call here takes a context.Context and returns
// promptly on cancellation.

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	webrtc "github.com/libp2p/go-libp2p/p2p/transport/webrtc"
	ma "github.com/multiformats/go-multiaddr"
	log "github.com/sirupsen/logrus"
)

// TradeProtocolID is the request/response protocol id of §4.5/§6.
const TradeProtocolID = protocol.ID("/darkswap/trade/1.0.0")

// DiscoveryTag namespaces this module's mDNS service from unrelated
// libp2p applications sharing the same LAN.
const DiscoveryTag = "darkswap-mdns"

// GossipMeshParams are the D/Dlo/Dhi mesh degree targets of §4.6.
const (
	GossipMeshD    = 6
	GossipMeshDlo  = 4
	GossipMeshDhi  = 12
	DHTBucketSize  = 20
	MaxOpenPeers   = 64
	MaxStreamsPerPeer = 100
)

func SetP2PLogger(l *log.Logger) { p2pLogger = l }

var p2pLogger = log.New()

// NodeConfig is the subset of pkg/config.Config the transport needs.
type NodeConfig struct {
	ListenAddresses    []string
	BootstrapPeers     []string
	RelayServers       []string
	EnableWebRTC       bool
	EnableCircuitRelay bool
	EnableDHT          bool
	EnableGossipSub    bool
}

// PeerRecord is the C6 peer record of §3.
type PeerRecord struct {
	PeerID    PeerId
	Addrs     []string
	LastSeen  time.Time
	Score     float64
	AuthLevel AuthLevel
	Connected bool
	PubKey    ed25519.PublicKey
}

// Node is the multi-transport libp2p host: TCP+noise+yamux by default,
// WebRTC and circuit-relay-v2 reachability layered on when enabled.
type Node struct {
	host   host.Host
	ps     *pubsub.PubSub
	kad    *dht.IpfsDHT
	ctx    context.Context
	cancel context.CancelFunc
	cfg    NodeConfig

	topicsMu sync.Mutex
	topics   map[string]*pubsub.Topic
	subs     map[string]*pubsub.Subscription

	peersMu sync.RWMutex
	peers   map[PeerId]*PeerRecord

	streamCapsMu sync.Mutex
	streamCaps   map[peer.ID]chan struct{}

	handlerMu sync.RWMutex
	handler   TradeMessageHandler

	logger *log.Logger
}

// TradeEnvelope is the wire shape of every message on TradeProtocolID — a
// discriminated union tagged by Type, length-prefixed on the stream.
type TradeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

const (
	envOffer     = "offer"
	envAccept    = "accept"
	envReject    = "reject"
	envMakerPsbt = "maker_psbt"
	envTakerPsbt = "taker_psbt"
	envFinalize  = "finalize"
	envCancel    = "cancel"
)

// TradeMessageHandler is the callback invoked for each inbound trade
// envelope; the orchestrator wires this to *TradeEngine's Handle* methods.
type TradeMessageHandler func(ctx context.Context, from PeerId, env TradeEnvelope)

// NewNode brings up the libp2p host with the transports/services cfg
// requests, following the teacher's explicit-construction shape (host,
// then pubsub, then discovery) rather than a monolithic constructor.
func NewNode(ctx context.Context, cfg NodeConfig) (*Node, error) {
	nctx, cancel := context.WithCancel(ctx)

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(cfg.ListenAddresses...),
		libp2p.DefaultSecurity, // noise
		libp2p.DefaultMuxers,   // yamux
	}
	if cfg.EnableCircuitRelay {
		opts = append(opts, libp2p.EnableRelay(), libp2p.EnableAutoRelayWithStaticRelays(parseRelayAddrInfos(cfg.RelayServers)))
	}
	if cfg.EnableWebRTC {
		opts = append(opts, libp2p.Transport(webrtc.New))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("p2p: create host: %w", err)
	}

	n := &Node{
		host:       h,
		ctx:        nctx,
		cancel:     cancel,
		cfg:        cfg,
		topics:     make(map[string]*pubsub.Topic),
		subs:       make(map[string]*pubsub.Subscription),
		peers:      make(map[PeerId]*PeerRecord),
		streamCaps: make(map[peer.ID]chan struct{}),
		logger:     p2pLogger,
	}

	if cfg.EnableGossipSub {
		ps, err := pubsub.NewGossipSub(nctx, h,
			pubsub.WithPeerExchange(true),
			pubsub.WithGossipSubParams(meshGossipParams()))
		if err != nil {
			h.Close()
			cancel()
			return nil, fmt.Errorf("p2p: create pubsub: %w", err)
		}
		n.ps = ps
	}

	if cfg.EnableDHT {
		kad, err := dht.New(nctx, h, dht.Mode(dht.ModeServer), dht.BucketSize(DHTBucketSize))
		if err != nil {
			n.logger.Warnf("p2p: dht init failed: %v", err)
		} else {
			n.kad = kad
		}
	}

	h.SetStreamHandler(TradeProtocolID, n.handleStream)

	if err := n.dialBootstrap(cfg.BootstrapPeers); err != nil {
		n.logger.Warnf("p2p: bootstrap dial warnings: %v", err)
	}

	if svc, err := mdns.NewMdnsService(h, DiscoveryTag, n); err != nil {
		n.logger.Warnf("p2p: mdns init failed: %v", err)
	} else {
		_ = svc
	}

	return n, nil
}

func meshGossipParams() pubsub.GossipSubParams {
	params := pubsub.DefaultGossipSubParams()
	params.D = GossipMeshD
	params.Dlo = GossipMeshDlo
	params.Dhi = GossipMeshDhi
	return params
}

func parseRelayAddrInfos(addrs []string) []peer.AddrInfo {
	out := make([]peer.AddrInfo, 0, len(addrs))
	for _, a := range addrs {
		m, err := ma.NewMultiaddr(a)
		if err != nil {
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(m)
		if err != nil {
			continue
		}
		out = append(out, *info)
	}
	return out
}

func (n *Node) dialBootstrap(addrs []string) error {
	var lastErr error
	for _, info := range parseRelayAddrInfos(addrs) {
		if err := n.host.Connect(n.ctx, info); err != nil {
			lastErr = err
			n.logger.Warnf("p2p: bootstrap connect %s failed: %v", info.ID, err)
			continue
		}
		n.touchPeer(PeerId(info.ID.String()), addrsToStrings(info.Addrs))
	}
	return lastErr
}

// DialRelay implements RelayDialer for the relay pool: it resolves peer/addrs
// into an AddrInfo and connects, registering the peer on success.
func (n *Node) DialRelay(ctx context.Context, p PeerId, addrs []string) error {
	infos := parseRelayAddrInfos(addrs)
	if len(infos) == 0 {
		return fmt.Errorf("p2p: no dialable address for relay %s", p)
	}
	info := infos[0]
	if err := n.host.Connect(ctx, info); err != nil {
		return err
	}
	n.touchPeer(PeerId(info.ID.String()), addrsToStrings(info.Addrs))
	return nil
}

func addrsToStrings(addrs []ma.Multiaddr) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

//---------------------------------------------------------------------
// mdns.Notifee
//---------------------------------------------------------------------

var _ mdns.Notifee = (*Node)(nil)

// HandlePeerFound implements mdns.Notifee: connect to a LAN-discovered peer.
func (n *Node) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	n.peersMu.RLock()
	_, known := n.peers[PeerId(info.ID.String())]
	n.peersMu.RUnlock()
	if known {
		return
	}
	if err := n.host.Connect(n.ctx, info); err != nil {
		n.logger.Warnf("p2p: mdns connect to %s failed: %v", info.ID, err)
		return
	}
	n.touchPeer(PeerId(info.ID.String()), addrsToStrings(info.Addrs))
	n.logger.Infof("p2p: connected to %s via mdns", info.ID)
}

func (n *Node) touchPeer(id PeerId, addrs []string) {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()
	rec, ok := n.peers[id]
	if !ok {
		rec = &PeerRecord{PeerID: id, AuthLevel: AuthNone}
		n.peers[id] = rec
	}
	rec.Addrs = addrs
	rec.LastSeen = time.Now()
	rec.Connected = true
}

// Peers returns a snapshot of the known peer table.
func (n *Node) Peers() []PeerRecord {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	out := make([]PeerRecord, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, *p)
	}
	return out
}

// PublicKeyOf implements PubKeyResolver for the orderbook by looking up a
// previously-recorded peer's advertised Ed25519 public key.
func (n *Node) PublicKeyOf(p PeerId) (ed25519.PublicKey, bool) {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	rec, ok := n.peers[p]
	if !ok || rec.PubKey == nil {
		return nil, false
	}
	return rec.PubKey, true
}

// RecordPeerKey associates a peer id with its announced public key, learned
// out-of-band (e.g. the first signed order seen from that peer).
func (n *Node) RecordPeerKey(p PeerId, pub ed25519.PublicKey) {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()
	rec, ok := n.peers[p]
	if !ok {
		rec = &PeerRecord{PeerID: p, AuthLevel: AuthNone}
		n.peers[p] = rec
	}
	rec.PubKey = pub
}

//---------------------------------------------------------------------
// Pub/sub — per-pair order gossip, §4.4/§4.6
//---------------------------------------------------------------------

// Publish implements GossipPublisher for the orderbook.
func (n *Node) Publish(topic string, data []byte) error {
	if n.ps == nil {
		return fmt.Errorf("p2p: gossipsub disabled")
	}
	t, err := n.joinTopic(topic)
	if err != nil {
		return err
	}
	return t.Publish(n.ctx, data)
}

func (n *Node) joinTopic(topic string) (*pubsub.Topic, error) {
	n.topicsMu.Lock()
	defer n.topicsMu.Unlock()
	if t, ok := n.topics[topic]; ok {
		return t, nil
	}
	t, err := n.ps.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("p2p: join topic %s: %w", topic, err)
	}
	n.topics[topic] = t
	return t, nil
}

// SubscribePair joins the gossip topic for pair and relays every message's
// raw bytes to onMessage until the context is cancelled. Signature
// verification and insertion into the orderbook happen in the caller
// (orchestrator), keeping p2p.go free of order-semantics knowledge.
func (n *Node) SubscribePair(ctx context.Context, pair Pair, onMessage func(from PeerId, data []byte)) error {
	if n.ps == nil {
		return fmt.Errorf("p2p: gossipsub disabled")
	}
	topic := pair.Topic()
	t, err := n.joinTopic(topic)
	if err != nil {
		return err
	}
	n.topicsMu.Lock()
	sub, ok := n.subs[topic]
	n.topicsMu.Unlock()
	if !ok {
		sub, err = t.Subscribe()
		if err != nil {
			return fmt.Errorf("p2p: subscribe %s: %w", topic, err)
		}
		n.topicsMu.Lock()
		n.subs[topic] = sub
		n.topicsMu.Unlock()
	}

	go func() {
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				n.logger.Debugf("p2p: subscription %s ended: %v", topic, err)
				return
			}
			onMessage(PeerId(msg.GetFrom().String()), msg.Data)
		}
	}()
	return nil
}

//---------------------------------------------------------------------
// Request/response trade protocol, §4.5/§4.6/§6
//---------------------------------------------------------------------

// SetTradeMessageHandler registers the callback invoked for every inbound
// trade envelope. Only one handler is supported at a time (set by the
// orchestrator at wiring time).
func (n *Node) SetTradeMessageHandler(h TradeMessageHandler) {
	n.handlerMu.Lock()
	n.handler = h
	n.handlerMu.Unlock()
}

func (n *Node) streamSemaphore(p peer.ID) chan struct{} {
	n.streamCapsMu.Lock()
	defer n.streamCapsMu.Unlock()
	sem, ok := n.streamCaps[p]
	if !ok {
		sem = make(chan struct{}, MaxStreamsPerPeer)
		n.streamCaps[p] = sem
	}
	return sem
}

func (n *Node) handleStream(s network.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer()
	sem := n.streamSemaphore(remote)
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	default:
		n.logger.Warnf("p2p: per-peer stream cap exceeded for %s", remote)
		return
	}

	env, err := readEnvelope(s)
	if err != nil {
		n.logger.Warnf("p2p: read envelope from %s: %v", remote, err)
		return
	}
	n.handlerMu.RLock()
	h := n.handler
	n.handlerMu.RUnlock()
	if h == nil {
		return
	}
	h(n.ctx, PeerId(remote.String()), env)
}

// length-prefixed framing: 4-byte big-endian length, then JSON body —
// mirrors the teacher's plain request/response framing shape, generalized
// from a single message type to the tagged TradeEnvelope union.
func writeEnvelope(w *bufio.Writer, env TradeEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return w.Flush()
}

const maxFrameSize = 100 * 1024 // §5 resource cap: maximum PSBT size 100 KB

func readEnvelope(r network.Stream) (TradeEnvelope, error) {
	br := bufio.NewReader(r)
	var lenBuf [4]byte
	if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
		return TradeEnvelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return TradeEnvelope{}, fmt.Errorf("p2p: frame of %d bytes exceeds cap", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(br, body); err != nil {
		return TradeEnvelope{}, err
	}
	var env TradeEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return TradeEnvelope{}, fmt.Errorf("p2p: decode envelope: %w", err)
	}
	return env, nil
}

func (n *Node) sendEnvelope(ctx context.Context, to PeerId, env TradeEnvelope) error {
	pid, err := peer.Decode(to.String())
	if err != nil {
		return fmt.Errorf("p2p: decode peer id %s: %w", to, err)
	}
	s, err := n.host.NewStream(ctx, pid, TradeProtocolID)
	if err != nil {
		return fmt.Errorf("p2p: open stream to %s: %w", to, err)
	}
	defer s.Close()
	w := bufio.NewWriter(s)
	return writeEnvelope(w, env)
}

func marshalPayload(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

//---------------------------------------------------------------------
// TradeTransport implementation
//---------------------------------------------------------------------

var _ TradeTransport = (*Node)(nil)

func (n *Node) SendOffer(ctx context.Context, to PeerId, msg TradeOfferMsg) error {
	return n.sendEnvelope(ctx, to, TradeEnvelope{Type: envOffer, Payload: marshalPayload(msg)})
}

func (n *Node) SendAccept(ctx context.Context, to PeerId, tradeID TradeId) error {
	return n.sendEnvelope(ctx, to, TradeEnvelope{Type: envAccept, Payload: marshalPayload(struct {
		TradeID TradeId `json:"trade_id"`
	}{tradeID})})
}

func (n *Node) SendReject(ctx context.Context, to PeerId, tradeID TradeId, reason string) error {
	return n.sendEnvelope(ctx, to, TradeEnvelope{Type: envReject, Payload: marshalPayload(struct {
		TradeID TradeId `json:"trade_id"`
		Reason  string  `json:"reason"`
	}{tradeID, reason})})
}

func (n *Node) SendMakerPsbt(ctx context.Context, to PeerId, tradeID TradeId, raw []byte) error {
	return n.sendEnvelope(ctx, to, TradeEnvelope{Type: envMakerPsbt, Payload: marshalPayload(struct {
		TradeID TradeId `json:"trade_id"`
		Psbt    []byte  `json:"psbt"`
	}{tradeID, raw})})
}

func (n *Node) SendTakerPsbt(ctx context.Context, to PeerId, tradeID TradeId, raw []byte) error {
	return n.sendEnvelope(ctx, to, TradeEnvelope{Type: envTakerPsbt, Payload: marshalPayload(struct {
		TradeID TradeId `json:"trade_id"`
		Psbt    []byte  `json:"psbt"`
	}{tradeID, raw})})
}

func (n *Node) SendFinalize(ctx context.Context, to PeerId, tradeID TradeId, txid string) error {
	return n.sendEnvelope(ctx, to, TradeEnvelope{Type: envFinalize, Payload: marshalPayload(struct {
		TradeID TradeId `json:"trade_id"`
		Txid    string  `json:"txid"`
	}{tradeID, txid})})
}

func (n *Node) SendCancel(ctx context.Context, to PeerId, tradeID TradeId) error {
	return n.sendEnvelope(ctx, to, TradeEnvelope{Type: envCancel, Payload: marshalPayload(struct {
		TradeID TradeId `json:"trade_id"`
	}{tradeID})})
}

//---------------------------------------------------------------------
// DHT relay-announcement records, §4.6 "darkswap/relays"
//---------------------------------------------------------------------

const relayAnnounceKey = "/darkswap/relays"

// AnnounceRelay publishes this node's address as a relay under the
// well-known DHT key so clients can find relays without preconfiguration.
// Falls back to the in-memory Kademlia table (kademlia.go) when the real
// DHT is not wired.
func (n *Node) AnnounceRelay(ctx context.Context, fallback *KademliaTable) error {
	addrs := addrsToStrings(n.host.Addrs())
	payload, _ := json.Marshal(addrs)
	if n.kad != nil {
		return n.kad.PutValue(ctx, relayAnnounceKey+"/"+n.host.ID().String(), payload)
	}
	if fallback != nil {
		fallback.Store(relayAnnounceKey+"/"+n.host.ID().String(), payload)
	}
	return nil
}

// Close shuts the node down: cancels its context, closes the host, and lets
// pubsub/DHT goroutines observe context cancellation and exit.
func (n *Node) Close() error {
	n.cancel()
	if n.kad != nil {
		_ = n.kad.Close()
	}
	return n.host.Close()
}

// LocalPeerID returns this node's own identity.
func (n *Node) LocalPeerID() PeerId { return PeerId(n.host.ID().String()) }

// Host exposes the underlying libp2p host for callers (e.g. the relay pool)
// that need direct connect/disconnect access.
func (n *Node) Host() host.Host { return n.host }
