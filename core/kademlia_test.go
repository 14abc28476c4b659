package core

import (
	"testing"
	"time"
)

func TestKademliaTableStoreLookup(t *testing.T) {
	k := NewKademliaTable(PeerId("self"))
	k.Store("relay/addr", []byte("1.2.3.4:4001"))

	got, ok := k.Lookup("relay/addr")
	if !ok {
		t.Fatalf("expected lookup to find stored value")
	}
	if string(got) != "1.2.3.4:4001" {
		t.Fatalf("unexpected value: %q", got)
	}

	if _, ok := k.Lookup("missing"); ok {
		t.Fatalf("expected lookup of missing key to fail")
	}
}

func TestKademliaTableStoreWithTTLExpires(t *testing.T) {
	k := NewKademliaTable(PeerId("self"))
	k.StoreWithTTL("short", []byte("v"), time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	if _, ok := k.Lookup("short"); ok {
		t.Fatalf("expected expired entry to be gone")
	}
}

func TestKademliaTableCleanupExpired(t *testing.T) {
	k := NewKademliaTable(PeerId("self"))
	k.StoreWithTTL("a", []byte("1"), time.Millisecond)
	k.StoreWithTTL("b", []byte("2"), time.Hour)

	k.CleanupExpired(time.Now().Add(time.Second))

	if _, ok := k.Lookup("a"); ok {
		t.Fatalf("expected expired entry 'a' to be cleaned up")
	}
	if _, ok := k.Lookup("b"); !ok {
		t.Fatalf("expected live entry 'b' to survive cleanup")
	}
}

func TestKademliaTableAddPeerExcludesSelfAndDuplicates(t *testing.T) {
	k := NewKademliaTable(PeerId("self"))
	k.AddPeer(PeerId("self"))
	k.AddPeer(PeerId("peer-1"))
	k.AddPeer(PeerId("peer-1"))

	nearest := k.Nearest(PeerId("peer-1"), 10)
	count := 0
	for _, p := range nearest {
		if p == PeerId("peer-1") {
			count++
		}
		if p == PeerId("self") {
			t.Fatalf("self should never be added to the routing table")
		}
	}
	if count != 1 {
		t.Fatalf("expected peer-1 to appear exactly once, got %d", count)
	}
}

func TestKademliaTableNearestOrdersByDistanceAndCaps(t *testing.T) {
	k := NewKademliaTable(PeerId("self"))
	for _, p := range []PeerId{"peer-1", "peer-2", "peer-3", "peer-4"} {
		k.AddPeer(p)
	}
	nearest := k.Nearest(PeerId("peer-2"), 2)
	if len(nearest) > 2 {
		t.Fatalf("expected at most 2 peers, got %d", len(nearest))
	}
	for i := 1; i < len(nearest); i++ {
		if k.distance(nearest[i-1], PeerId("peer-2")).Cmp(k.distance(nearest[i], PeerId("peer-2"))) > 0 {
			t.Fatalf("expected peers ordered by XOR distance to peer-2, got %v", nearest)
		}
	}
}
