package core

// relayserver.go – the standalone relay server (C7), an external
// collaborator the client's relay pool (relay_pool.go) and WebRTC transport
// (p2p.go) talk to over the wire. Grounded on tos-network-gtos's
// golang-jwt/jwt/v4 usage (HS256, RegisteredClaims) for auth, and on
// original_source/darkswap-relay/metrics.rs's Prometheus counter set for the
// in-process byte/circuit instruments.

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

var (
	ErrUnknownSignalTarget = errors.New("relayserver: unknown signaling target")
	ErrTokenRevoked        = errors.New("relayserver: token revoked")
	ErrReservationCapped   = errors.New("relayserver: max_reservations exceeded")
	ErrCircuitCapped       = errors.New("relayserver: max_circuits_per_peer exceeded")
)

//---------------------------------------------------------------------
// Signaling wire messages
//---------------------------------------------------------------------

const (
	SignalRegister     = "Register"
	SignalOffer        = "Offer"
	SignalAnswer       = "Answer"
	SignalIceCandidate = "IceCandidate"
	SignalError        = "Error"
)

// SignalMessage is the single JSON envelope every /ws message uses,
// tagged by Type per §4.7.
type SignalMessage struct {
	Type            string `json:"type"`
	PeerID          string `json:"peer_id,omitempty"`
	From            string `json:"from,omitempty"`
	To              string `json:"to,omitempty"`
	SDP             string `json:"sdp,omitempty"`
	Candidate       string `json:"candidate,omitempty"`
	SDPMid          string `json:"sdp_mid,omitempty"`
	SDPMLineIndex   int    `json:"sdp_mline_index,omitempty"`
	Message         string `json:"message,omitempty"`

	// Token carries the bearer token on the first message of a connection
	// that presented none of the pre-upgrade sources (§4.7's fourth option).
	Token string `json:"token,omitempty"`
}

//---------------------------------------------------------------------
// JWT auth
//---------------------------------------------------------------------

// RelayClaims is the token payload §4.7 names: {sub,iat,exp,iss,roles}.
type RelayClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// JWTVerifier validates relay auth tokens and tracks revocations.
type JWTVerifier struct {
	mu          sync.Mutex
	secret      []byte
	revoked     map[string]time.Time
	maxRevoked  int
}

func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret, revoked: make(map[string]time.Time), maxRevoked: 1000}
}

// Verify parses and validates a token, rejecting revoked or expired ones.
func (v *JWTVerifier) Verify(tokenString string) (*RelayClaims, error) {
	v.mu.Lock()
	_, revoked := v.revoked[tokenString]
	v.mu.Unlock()
	if revoked {
		return nil, ErrTokenRevoked
	}

	claims := &RelayClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("relayserver: unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("relayserver: invalid token: %w", err)
	}
	return claims, nil
}

// Issue mints a token for subject with the given roles and lifetime.
func (v *JWTVerifier) Issue(subject string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := RelayClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "darkswap-relay",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Revoke blacklists a token string; the cache is purged of its oldest entry
// once it reaches maxRevoked to bound memory.
func (v *JWTVerifier) Revoke(tokenString string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.revoked) >= v.maxRevoked {
		var oldestTok string
		var oldestAt time.Time
		for tok, at := range v.revoked {
			if oldestTok == "" || at.Before(oldestAt) {
				oldestTok, oldestAt = tok, at
			}
		}
		delete(v.revoked, oldestTok)
	}
	v.revoked[tokenString] = time.Now()
}

//---------------------------------------------------------------------
// Circuit relay v2 bookkeeping
//---------------------------------------------------------------------

// CircuitReservation mirrors §3's peer record: a relay peer issuing at most
// N active reservations and M concurrent circuits per peer.
type CircuitReservation struct {
	RelayPeer     PeerId
	ReservationID string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// CircuitCaps bounds reservation and circuit activity per §4.7/§5.
type CircuitCaps struct {
	MaxReservations     int
	MaxCircuitsPerPeer  int
	MaxCircuitDuration  time.Duration
	MaxCircuitBytes     int64
}

// withDefaults fills any zero-valued field with the §4.7/§5 default,
// letting callers override just the caps they care about.
func (c CircuitCaps) withDefaults() CircuitCaps {
	if c.MaxReservations <= 0 {
		c.MaxReservations = 100
	}
	if c.MaxCircuitsPerPeer <= 0 {
		c.MaxCircuitsPerPeer = 8
	}
	if c.MaxCircuitDuration <= 0 {
		c.MaxCircuitDuration = 2 * time.Minute
	}
	if c.MaxCircuitBytes <= 0 {
		c.MaxCircuitBytes = 16 * 1024 * 1024
	}
	return c
}

type circuitBook struct {
	mu            sync.Mutex
	reservations  map[string]CircuitReservation
	circuitsByPeer map[PeerId]int
}

func newCircuitBook() *circuitBook {
	return &circuitBook{
		reservations:   make(map[string]CircuitReservation),
		circuitsByPeer: make(map[PeerId]int),
	}
}

func (b *circuitBook) reserve(caps CircuitCaps, relay PeerId) (CircuitReservation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.reservations) >= caps.MaxReservations {
		return CircuitReservation{}, ErrReservationCapped
	}
	raw := make([]byte, 16)
	_, _ = rand.Read(raw)
	id := hex.EncodeToString(raw)
	now := time.Now()
	res := CircuitReservation{RelayPeer: relay, ReservationID: id, CreatedAt: now, ExpiresAt: now.Add(caps.MaxCircuitDuration)}
	b.reservations[id] = res
	return res, nil
}

func (b *circuitBook) openCircuit(caps CircuitCaps, peer PeerId) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.circuitsByPeer[peer] >= caps.MaxCircuitsPerPeer {
		return ErrCircuitCapped
	}
	b.circuitsByPeer[peer]++
	return nil
}

func (b *circuitBook) closeCircuit(peer PeerId) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := b.circuitsByPeer[peer]; n > 0 {
		b.circuitsByPeer[peer] = n - 1
	}
}

func (b *circuitBook) counts() (reservations, peers int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.reservations), len(b.circuitsByPeer)
}

//---------------------------------------------------------------------
// Metrics
//---------------------------------------------------------------------

type relayMetrics struct {
	bytesIn          prometheus.Counter
	bytesOut         prometheus.Counter
	activeCircuits   prometheus.Gauge
	signalingErrors  prometheus.Counter
}

func newRelayMetrics() *relayMetrics {
	return &relayMetrics{
		bytesIn:         prometheus.NewCounter(prometheus.CounterOpts{Name: "darkswap_relay_bytes_in_total"}),
		bytesOut:        prometheus.NewCounter(prometheus.CounterOpts{Name: "darkswap_relay_bytes_out_total"}),
		activeCircuits:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "darkswap_relay_active_circuits"}),
		signalingErrors: prometheus.NewCounter(prometheus.CounterOpts{Name: "darkswap_relay_signaling_errors_total"}),
	}
}

//---------------------------------------------------------------------
// RelayServer
//---------------------------------------------------------------------

// RelayServer is the WebSocket signaling server of §4.7. It is wired up by
// cmd/relayserver, not by the orchestrator. Its circuit side is in-process
// bookkeeping only: Reserve, OpenCircuit and CloseCircuit count reservations
// and per-peer circuits against MaxReservations and MaxCircuitsPerPeer, but
// the server runs no libp2p host and does not speak the circuit relay v2
// protocol. Reservations are never expired or removed (ExpiresAt is only
// recorded), and MaxCircuitBytes is not enforced.
type RelayServer struct {
	router   chi.Router
	upgrader websocket.Upgrader
	jwt      *JWTVerifier
	auth     *PeerAuthRegistry
	caps     CircuitCaps
	circuits *circuitBook
	metrics  *relayMetrics
	logger   *log.Logger

	mu    sync.Mutex
	sinks map[PeerId]*websocket.Conn
}

// NewRelayServer builds a server. jwtSecret may be nil to disable auth
// entirely (relay.auth.require = false).
func NewRelayServer(jwtSecret []byte, auth *PeerAuthRegistry, caps CircuitCaps, logger *log.Logger) *RelayServer {
	if logger == nil {
		logger = log.New()
	}
	var verifier *JWTVerifier
	if len(jwtSecret) > 0 {
		verifier = NewJWTVerifier(jwtSecret)
	}
	caps = caps.withDefaults()
	s := &RelayServer{
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		jwt:      verifier,
		auth:     auth,
		caps:     caps,
		circuits: newCircuitBook(),
		metrics:  newRelayMetrics(),
		logger:   logger,
		sinks:    make(map[PeerId]*websocket.Conn),
	}
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Get("/ws", s.handleWS)
	s.router = r
	return s
}

func (s *RelayServer) Router() http.Handler { return s.router }

func (s *RelayServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	reservations, peers := s.circuits.counts()
	fmt.Fprintf(w, `{"reservations":%d,"peers":%d}`, reservations, peers)
}

// tokenFromRequest extracts a bearer token from the three pre-upgrade
// sources §4.7 allows: the Authorization header, the ?token= query
// parameter, and a "token" cookie, checked in that order. The fourth source
// (the first websocket message) isn't available until after the upgrade —
// see handleWS.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if c, err := r.Cookie("token"); err == nil && c.Value != "" {
		return c.Value
	}
	return ""
}

// authorizeToken verifies tokenString and checks the resulting peer against
// relay.auth.min_level via PeerAuthRegistry.
func (s *RelayServer) authorizeToken(tokenString string, minLevel AuthLevel) (PeerId, error) {
	claims, err := s.jwt.Verify(tokenString)
	if err != nil {
		return "", err
	}
	peer := PeerId(claims.Subject)
	if err := s.auth.Authorize(peer, minLevel); err != nil {
		return "", err
	}
	return peer, nil
}

// requireAuth enforces relay.auth.require / relay.auth.min_level using
// whichever of the header/query/cookie token sources the request carries.
// foundToken is false only when auth is required but no pre-upgrade source
// supplied a token, telling handleWS to fall back to the first websocket
// message (§4.7's fourth source).
func (s *RelayServer) requireAuth(r *http.Request, minLevel AuthLevel) (peer PeerId, foundToken bool, err error) {
	if s.jwt == nil {
		return "", true, nil
	}
	tokenString := tokenFromRequest(r)
	if tokenString == "" {
		return "", false, nil
	}
	peer, err = s.authorizeToken(tokenString, minLevel)
	return peer, true, err
}

func (s *RelayServer) handleWS(w http.ResponseWriter, r *http.Request) {
	peer, foundToken, err := s.requireAuth(r, AuthRelay)
	if foundToken && err != nil {
		s.metrics.signalingErrors.Inc()
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.signalingErrors.Inc()
		return
	}
	defer conn.Close()

	if !foundToken {
		var msg SignalMessage
		if err := conn.ReadJSON(&msg); err != nil || msg.Token == "" {
			s.metrics.signalingErrors.Inc()
			return
		}
		peer, err = s.authorizeToken(msg.Token, AuthRelay)
		if err != nil {
			s.metrics.signalingErrors.Inc()
			return
		}
		s.metrics.bytesIn.Add(float64(len(msg.SDP) + len(msg.Candidate)))
		s.dispatch(peer, conn, msg)
	}

	for {
		var msg SignalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		s.metrics.bytesIn.Add(float64(len(msg.SDP) + len(msg.Candidate)))
		s.dispatch(peer, conn, msg)
	}

	s.mu.Lock()
	delete(s.sinks, peer)
	s.mu.Unlock()
}

func (s *RelayServer) dispatch(from PeerId, conn *websocket.Conn, msg SignalMessage) {
	switch msg.Type {
	case SignalRegister:
		s.mu.Lock()
		s.sinks[PeerId(msg.PeerID)] = conn
		s.mu.Unlock()
	case SignalOffer, SignalAnswer, SignalIceCandidate:
		msg.From = string(from)
		if err := s.forward(PeerId(msg.To), msg); err != nil {
			s.metrics.signalingErrors.Inc()
			_ = conn.WriteJSON(SignalMessage{Type: SignalError, Message: err.Error()})
		}
	default:
		s.metrics.signalingErrors.Inc()
		_ = conn.WriteJSON(SignalMessage{Type: SignalError, Message: "unknown message type"})
	}
}

func (s *RelayServer) forward(to PeerId, msg SignalMessage) error {
	s.mu.Lock()
	sink, ok := s.sinks[to]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownSignalTarget
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.metrics.bytesOut.Add(float64(len(data)))
	return sink.WriteJSON(msg)
}

// Reserve grants a circuit relay v2 reservation to relay, enforcing
// MaxReservations.
func (s *RelayServer) Reserve(relay PeerId) (CircuitReservation, error) {
	return s.circuits.reserve(s.caps, relay)
}

// OpenCircuit admits a new relayed circuit for peer, enforcing
// MaxCircuitsPerPeer; the caller closes it via CloseCircuit when the
// circuit tears down.
func (s *RelayServer) OpenCircuit(peer PeerId) error {
	if err := s.circuits.openCircuit(s.caps, peer); err != nil {
		return err
	}
	s.metrics.activeCircuits.Inc()
	return nil
}

func (s *RelayServer) CloseCircuit(peer PeerId) {
	s.circuits.closeCircuit(peer)
	s.metrics.activeCircuits.Dec()
}

// RecordCircuitBytes updates the in-process byte counters for a relayed
// circuit. The counters are not exposed over HTTP, and the reservation and
// circuit bookkeeping does not read them.
func (s *RelayServer) RecordCircuitBytes(in, out int64) {
	s.metrics.bytesIn.Add(float64(in))
	s.metrics.bytesOut.Add(float64(out))
}
