package core

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

func outpoint(index uint32) wire.OutPoint {
	var h chainhash.Hash
	h[0] = byte(index)
	return wire.OutPoint{Hash: h, Index: index}
}

func TestUTXOReserveLedgerReserveGetRelease(t *testing.T) {
	l := NewUTXOReserveLedger(NewMemStore())
	tradeID := NewTradeId()
	ops := []wire.OutPoint{outpoint(0), outpoint(1)}

	if err := l.Reserve(tradeID, ops); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	got, ok := l.Get(tradeID)
	if !ok || len(got) != 2 {
		t.Fatalf("expected 2 reserved outpoints, got %v ok=%v", got, ok)
	}

	if err := l.Release(tradeID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok := l.Get(tradeID); ok {
		t.Fatalf("expected no reservation after release")
	}
}

func TestUTXOReserveLedgerReserveEmptyIsNoop(t *testing.T) {
	l := NewUTXOReserveLedger(NewMemStore())
	tradeID := NewTradeId()
	if err := l.Reserve(tradeID, nil); err != nil {
		t.Fatalf("reserve nil: %v", err)
	}
	if _, ok := l.Get(tradeID); ok {
		t.Fatalf("expected empty reservation to persist nothing")
	}
}

func TestUTXOReserveLedgerAllAndIsReserved(t *testing.T) {
	l := NewUTXOReserveLedger(NewMemStore())
	op1, op2 := outpoint(0), outpoint(1)
	trade1, trade2 := NewTradeId(), NewTradeId()

	if err := l.Reserve(trade1, []wire.OutPoint{op1}); err != nil {
		t.Fatalf("reserve trade1: %v", err)
	}
	if err := l.Reserve(trade2, []wire.OutPoint{op2}); err != nil {
		t.Fatalf("reserve trade2: %v", err)
	}

	all, err := l.All()
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 trades reserved, got %d", len(all))
	}

	if !l.IsReserved(op1, trade2) {
		t.Fatalf("expected op1 reserved by trade1, excluding trade2")
	}
	if l.IsReserved(op1, trade1) {
		t.Fatalf("expected op1 not reserved when excluding its own owner")
	}
}

func TestUTXOReserveLedgerSurvivesRestart(t *testing.T) {
	store := NewMemStore()
	l1 := NewUTXOReserveLedger(store)
	tradeID := NewTradeId()
	op := outpoint(5)
	if err := l1.Reserve(tradeID, []wire.OutPoint{op}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	l2 := NewUTXOReserveLedger(store)
	all, err := l2.All()
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	ops, ok := all[tradeID]
	if !ok || len(ops) != 1 || ops[0] != op {
		t.Fatalf("expected reservation to survive across ledger instances, got %v", all)
	}
}
