package core

// relay_pool.go – client-side relay pool, adapted from the teacher's
// connection_pool.go: same mutex-guarded map-of-slots-by-key shape,
// repurposed from generic net.Conn pooling to maintaining [min,max] scored
// relay peers (§4.6). The pool runs no goroutine of its own; Prune and
// re-discovery are driven by the orchestrator's maintenance loop.

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	ErrRelayAuthFailed    = errors.New("relay_pool: relay authentication failed")
	ErrNoRelaysDiscovered = errors.New("relay_pool: no relays discovered")
)

// RelayBackoffBase and RelayBackoffMax bound the retry backoff used when a
// relay dial fails (§7: "retried by the relay pool with exponential backoff
// (100 ms -> 10 s, cap 5 attempts)").
const (
	RelayBackoffBase  = 100 * time.Millisecond
	RelayBackoffMax   = 10 * time.Second
	RelayBackoffTries = 5
)

// RelayDialer abstracts dialing a relay candidate; satisfied by *Node in
// production, stubbed in tests.
type RelayDialer interface {
	DialRelay(ctx context.Context, p PeerId, addrs []string) error
}

// relaySlot tracks one maintained relay connection and its running score.
type relaySlot struct {
	peer        PeerId
	addrs       []string
	connectedAt time.Time
	lastLatency time.Duration
	successes   int
	failures    int
}

// score favors low latency and a high success ratio; unreachable/ never-used
// relays sink to the bottom.
func (s *relaySlot) score() float64 {
	total := s.successes + s.failures
	if total == 0 {
		return 0
	}
	successRate := float64(s.successes) / float64(total)
	latencyPenalty := float64(s.lastLatency) / float64(time.Second)
	return successRate - 0.1*latencyPenalty
}

// RelayPoolConfig configures discovery and sizing for a RelayPool.
type RelayPoolConfig struct {
	Bootstrap         []string
	MinRelays         int
	MaxRelays         int
	RequireRelayAuth  bool
	MinAuthLevel      AuthLevel
	PreSharedKey      []byte
}

func (c RelayPoolConfig) normalized() RelayPoolConfig {
	if c.MinRelays <= 0 {
		c.MinRelays = 1
	}
	if c.MaxRelays <= 0 || c.MaxRelays < c.MinRelays {
		c.MaxRelays = 3
	}
	return c
}

// RelayPool discovers and maintains a bounded set of relay connections,
// scored by latency and success rate, with ban/trust enforcement via a
// PeerAuthRegistry.
type RelayPool struct {
	mu     sync.Mutex
	cfg    RelayPoolConfig
	dialer RelayDialer
	auth   *PeerAuthRegistry
	kad    *KademliaTable
	slots  map[PeerId]*relaySlot
	logger *log.Logger
}

// NewRelayPool builds a pool. kad may be nil if DHT-based relay discovery is
// unavailable (discovery then uses only the bootstrap list and the
// mDNS-discovered peers passed to Discover).
func NewRelayPool(cfg RelayPoolConfig, dialer RelayDialer, auth *PeerAuthRegistry, kad *KademliaTable) *RelayPool {
	return &RelayPool{
		cfg:    cfg.normalized(),
		dialer: dialer,
		auth:   auth,
		kad:    kad,
		slots:  make(map[PeerId]*relaySlot),
		logger: p2pLogger,
	}
}

// Discover gathers relay candidates from the bootstrap list, the DHT's
// relay-announcement record, and any peers already known via mDNS (passed
// in by the caller), then attempts to fill the pool up to MaxRelays.
func (rp *RelayPool) Discover(ctx context.Context, mdnsPeers []PeerRecord) error {
	candidates := make(map[PeerId][]string)
	for _, addr := range rp.cfg.Bootstrap {
		// Bootstrap entries are raw multiaddrs; the peer id is resolved by the
		// dialer, so key on the address string itself as a placeholder id.
		candidates[PeerId(addr)] = []string{addr}
	}
	if rp.kad != nil {
		if raw, ok := rp.kad.Lookup(relayAnnounceKey); ok {
			candidates[PeerId(string(raw))] = nil
		}
	}
	for _, pr := range mdnsPeers {
		candidates[pr.PeerID] = pr.Addrs
	}
	if len(candidates) == 0 {
		return ErrNoRelaysDiscovered
	}

	rp.mu.Lock()
	need := rp.cfg.MaxRelays - len(rp.slots)
	rp.mu.Unlock()
	if need <= 0 {
		return nil
	}

	for peer, addrs := range candidates {
		if need <= 0 {
			break
		}
		if err := rp.connect(ctx, peer, addrs); err != nil {
			rp.logger.WithError(err).WithField("peer", peer).Warn("relay_pool: candidate rejected")
			continue
		}
		need--
	}
	return nil
}

func (rp *RelayPool) connect(ctx context.Context, peer PeerId, addrs []string) error {
	if reason, banned := rp.auth.IsBanned(peer); banned {
		return fmt.Errorf("%w: %s", ErrRelayBanned, reason)
	}
	if rp.cfg.RequireRelayAuth && !rp.auth.IsTrusted(peer) {
		if err := rp.authenticate(peer); err != nil {
			return err
		}
	}

	var lastErr error
	backoff := RelayBackoffBase
	for attempt := 0; attempt < RelayBackoffTries; attempt++ {
		start := time.Now()
		err := rp.dialer.DialRelay(ctx, peer, addrs)
		if err == nil {
			rp.mu.Lock()
			rp.slots[peer] = &relaySlot{
				peer:        peer,
				addrs:       addrs,
				connectedAt: time.Now(),
				lastLatency: time.Since(start),
				successes:   1,
			}
			rp.mu.Unlock()
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > RelayBackoffMax {
			backoff = RelayBackoffMax
		}
	}
	return fmt.Errorf("relay_pool: dial %s failed after %d attempts: %w", peer, RelayBackoffTries, lastErr)
}

// authenticate computes an HMAC-SHA256 over a fresh nonce and the peer id
// with the pool's pre-shared key, then grants the relay AuthRelay. No
// challenge is sent to the relay and no response is checked: with any
// pre-shared key configured every relay passes, and only a missing key (or a
// failed nonce read) makes authentication fail. JWT-based auth is handled
// server-side by the relay server (C7) and is not used by the client pool.
func (rp *RelayPool) authenticate(peer PeerId) error {
	if len(rp.cfg.PreSharedKey) == 0 {
		return fmt.Errorf("%w: no pre-shared key configured", ErrRelayAuthFailed)
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("%w: %v", ErrRelayAuthFailed, err)
	}
	mac := hmac.New(sha256.New, rp.cfg.PreSharedKey)
	mac.Write(nonce)
	mac.Write([]byte(peer))
	_ = hex.EncodeToString(mac.Sum(nil))
	// The MAC is not exchanged with the relay; success of the computation
	// is treated as authentication success.
	rp.auth.Grant(peer, AuthRelay)
	return nil
}

// RecordResult updates a relay's running score after a circuit attempt.
func (rp *RelayPool) RecordResult(peer PeerId, latency time.Duration, ok bool) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	slot, exists := rp.slots[peer]
	if !exists {
		return
	}
	slot.lastLatency = latency
	if ok {
		slot.successes++
	} else {
		slot.failures++
	}
}

// Best returns the pool's relays ordered by descending score.
func (rp *RelayPool) Best() []PeerId {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	slots := make([]*relaySlot, 0, len(rp.slots))
	for _, s := range rp.slots {
		slots = append(slots, s)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].score() > slots[j].score() })
	peers := make([]PeerId, len(slots))
	for i, s := range slots {
		peers[i] = s.peer
	}
	return peers
}

// Prune evicts any relay that has since been banned, then, if more than
// MaxRelays remain, drops the worst-scoring ones down to MaxRelays.
func (rp *RelayPool) Prune() {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	for peer := range rp.slots {
		if _, banned := rp.auth.IsBanned(peer); banned {
			delete(rp.slots, peer)
		}
	}
	if len(rp.slots) <= rp.cfg.MaxRelays {
		return
	}
	slots := make([]*relaySlot, 0, len(rp.slots))
	for _, s := range rp.slots {
		slots = append(slots, s)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].score() > slots[j].score() })
	for _, s := range slots[rp.cfg.MaxRelays:] {
		delete(rp.slots, s.peer)
	}
}

// Count reports the current number of maintained relay connections.
func (rp *RelayPool) Count() int {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return len(rp.slots)
}

// NeedsMore reports whether the pool is below its configured minimum.
func (rp *RelayPool) NeedsMore() bool {
	return rp.Count() < rp.cfg.MinRelays
}
