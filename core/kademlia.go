package core

// kademlia.go – in-memory Kademlia-shaped fallback used when the real
// go-libp2p-kad-dht is not wired (unit tests, or p2p.enable_dht=false),
// adapted near-verbatim from the teacher's Kademlia: same 160-bucket XOR
// distance structure, generalized from NodeID to PeerId and with record TTL
// added (§4.6: "record TTL of 10 hours").

import (
	"crypto/sha256"
	"math/big"
	"sort"
	"sync"
	"time"
)

// RelayRecordTTL is the default DHT record lifetime for relay-announcement
// records (§4.6).
const RelayRecordTTL = 10 * time.Hour

type kademliaEntry struct {
	value     []byte
	expiresAt time.Time
}

// KademliaTable is a minimal in-memory Kademlia DHT: XOR-distance buckets
// for peer routing plus a local key/value store with TTL expiry, standing
// in for the real DHT's lookup/store interface.
type KademliaTable struct {
	id      PeerId
	buckets [160][]PeerId
	store   map[[20]byte]kademliaEntry
	mu      sync.RWMutex
}

func hash160(data []byte) [20]byte {
	sum := sha256.Sum256(data)
	var h [20]byte
	copy(h[:], sum[:20])
	return h
}

// NewKademliaTable creates a new table bound to the given local peer id.
func NewKademliaTable(id PeerId) *KademliaTable {
	return &KademliaTable{
		id:    id,
		store: make(map[[20]byte]kademliaEntry),
	}
}

// AddPeer inserts a peer into the appropriate distance bucket.
func (k *KademliaTable) AddPeer(id PeerId) {
	if id == k.id {
		return
	}
	idx := k.bucketIndex(id)
	k.mu.Lock()
	defer k.mu.Unlock()
	list := k.buckets[idx]
	for _, p := range list {
		if p == id {
			return
		}
	}
	k.buckets[idx] = append(list, id)
}

// Store saves a value under key with the default relay-record TTL.
func (k *KademliaTable) Store(key string, value []byte) {
	k.StoreWithTTL(key, value, RelayRecordTTL)
}

// StoreWithTTL saves a value under key, expiring after ttl.
func (k *KademliaTable) StoreWithTTL(key string, value []byte, ttl time.Duration) {
	hash := hash160([]byte(key))
	k.mu.Lock()
	k.store[hash] = kademliaEntry{value: append([]byte(nil), value...), expiresAt: time.Now().Add(ttl)}
	k.mu.Unlock()
}

// Lookup retrieves a value by key, returning (nil, false) if absent or
// expired.
func (k *KademliaTable) Lookup(key string) ([]byte, bool) {
	hash := hash160([]byte(key))
	k.mu.RLock()
	entry, ok := k.store[hash]
	k.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return append([]byte(nil), entry.value...), true
}

// CleanupExpired drops every record past its TTL; callers run this on a
// periodic ticker.
func (k *KademliaTable) CleanupExpired(now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, entry := range k.store {
		if now.After(entry.expiresAt) {
			delete(k.store, key)
		}
	}
}

// Nearest returns up to count peer IDs sorted by XOR distance to target. It
// gathers whole buckets starting at target's bucket and moving to higher
// indexes until count peers are collected; buckets below target's bucket are
// not consulted, so the result is not an exhaustive nearest-peer search.
func (k *KademliaTable) Nearest(target PeerId, count int) []PeerId {
	idx := k.bucketIndex(target)
	k.mu.RLock()
	defer k.mu.RUnlock()
	peers := make([]PeerId, 0, count)
	for i := idx; i < len(k.buckets) && len(peers) < count; i++ {
		peers = append(peers, k.buckets[i]...)
	}
	sort.Slice(peers, func(i, j int) bool {
		di := k.distance(peers[i], target)
		dj := k.distance(peers[j], target)
		return di.Cmp(dj) < 0
	})
	if len(peers) > count {
		peers = peers[:count]
	}
	return peers
}

func (k *KademliaTable) bucketIndex(id PeerId) int {
	a := hash160([]byte(k.id))
	b := hash160([]byte(id))
	var diff [20]byte
	for i := 0; i < len(diff); i++ {
		diff[i] = a[i] ^ b[i]
	}
	bn := new(big.Int).SetBytes(diff[:])
	if bn.Sign() == 0 {
		return 159
	}
	return 159 - bn.BitLen() + 1
}

func (k *KademliaTable) distance(a, b PeerId) *big.Int {
	aa := hash160([]byte(a))
	bb := hash160([]byte(b))
	var diff [20]byte
	for i := 0; i < len(diff); i++ {
		diff[i] = aa[i] ^ bb[i]
	}
	return new(big.Int).SetBytes(diff[:])
}
