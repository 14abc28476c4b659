package core

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

func opReturnTxOut(t *testing.T, marker string) *wire.TxOut {
	t.Helper()
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_RETURN)
	builder.AddData([]byte(marker))
	script, err := builder.Script()
	if err != nil {
		t.Fatalf("build script: %v", err)
	}
	return wire.NewTxOut(0, script)
}

func TestExtractAlkaneTransfersSumsDuplicates(t *testing.T) {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(opReturnTxOut(t, "ALKANE:foo:10"))
	tx.AddTxOut(opReturnTxOut(t, "ALKANE:foo:5"))
	tx.AddTxOut(opReturnTxOut(t, "ALKANE:bar:1"))

	transfers, err := ExtractAlkaneTransfers(tx)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if transfers["foo"] != 15 {
		t.Fatalf("expected foo=15, got %d", transfers["foo"])
	}
	if transfers["bar"] != 1 {
		t.Fatalf("expected bar=1, got %d", transfers["bar"])
	}
}

func TestExtractAlkaneTransfersRejectsMalformedMarker(t *testing.T) {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(opReturnTxOut(t, "ALKANE:foo:not-a-number"))
	if _, err := ExtractAlkaneTransfers(tx); err != ErrPredicateMalformed {
		t.Fatalf("expected ErrPredicateMalformed, got %v", err)
	}
}

func TestExtractAlkaneTransfersIgnoresUnrelatedOpReturn(t *testing.T) {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(opReturnTxOut(t, "hello world"))
	transfers, err := ExtractAlkaneTransfers(tx)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(transfers) != 0 {
		t.Fatalf("expected no transfers, got %v", transfers)
	}
}

func TestPredicateEqualityValidate(t *testing.T) {
	p := &Predicate{
		Kind:  PredicateEquality,
		Left:  AlkaneAmount{AlkaneID: "a", Amount: 10},
		Right: AlkaneAmount{AlkaneID: "b", Amount: 20},
	}
	ok, err := p.Validate(&TxInspector{Transfers: map[string]uint64{"a": 10, "b": 20}}, time.Now())
	if err != nil || !ok {
		t.Fatalf("expected valid equality, got ok=%v err=%v", ok, err)
	}

	ok, err = p.Validate(&TxInspector{Transfers: map[string]uint64{"a": 10, "b": 20, "c": 1}}, time.Now())
	if err != nil || ok {
		t.Fatalf("expected equality to fail with an extra transfer, got ok=%v err=%v", ok, err)
	}

	ok, err = p.Validate(&TxInspector{Transfers: map[string]uint64{"a": 10, "b": 21}}, time.Now())
	if err != nil || ok {
		t.Fatalf("expected equality to fail on wrong amount, got ok=%v err=%v", ok, err)
	}
}

func TestPredicateTimeLockedValidate(t *testing.T) {
	p := &Predicate{
		Kind:         PredicateTimeLocked,
		TLAlkane:     "a",
		TLAmount:     10,
		TLConstraint: TimeConstraint{Kind: TimeAfter, T1: 1000},
	}
	insp := &TxInspector{Transfers: map[string]uint64{"a": 10}}

	ok, err := p.Validate(insp, time.Unix(999, 0))
	if err != nil || ok {
		t.Fatalf("expected time-locked predicate to fail before T1, got ok=%v err=%v", ok, err)
	}
	ok, err = p.Validate(insp, time.Unix(1000, 0))
	if err != nil || !ok {
		t.Fatalf("expected time-locked predicate to pass at T1, got ok=%v err=%v", ok, err)
	}
}

func TestPredicateCompositeAndOr(t *testing.T) {
	leaf1 := &Predicate{Kind: PredicateTimeLocked, TLAlkane: "a", TLAmount: 1, TLConstraint: TimeConstraint{Kind: TimeAfter, T1: 0}}
	leaf2 := &Predicate{Kind: PredicateTimeLocked, TLAlkane: "b", TLAmount: 1, TLConstraint: TimeConstraint{Kind: TimeBefore, T1: 0}}
	insp := &TxInspector{Transfers: map[string]uint64{"a": 1, "b": 1}}

	and := &Predicate{Kind: PredicateComposite, Op: CompositeAnd, Children: []*Predicate{leaf1, leaf2}}
	ok, err := and.Validate(insp, time.Unix(100, 0))
	if err != nil || ok {
		t.Fatalf("expected AND to fail since leaf2 fails, got ok=%v err=%v", ok, err)
	}

	or := &Predicate{Kind: PredicateComposite, Op: CompositeOr, Children: []*Predicate{leaf1, leaf2}}
	ok, err = or.Validate(insp, time.Unix(100, 0))
	if err != nil || !ok {
		t.Fatalf("expected OR to pass since leaf1 passes, got ok=%v err=%v", ok, err)
	}

	emptyOr := &Predicate{Kind: PredicateComposite, Op: CompositeOr}
	ok, err = emptyOr.Validate(insp, time.Now())
	if err != nil || ok {
		t.Fatalf("expected empty OR to fail closed, got ok=%v err=%v", ok, err)
	}
}

func TestPredicateDepthExceeded(t *testing.T) {
	leaf := &Predicate{Kind: PredicateComposite, Op: CompositeAnd}
	p := leaf
	for i := 0; i <= MaxPredicateDepth+1; i++ {
		p = &Predicate{Kind: PredicateComposite, Op: CompositeAnd, Children: []*Predicate{p}}
	}
	_, err := p.Validate(&TxInspector{Transfers: map[string]uint64{}}, time.Now())
	if err != ErrPredicateDepthExceeded {
		t.Fatalf("expected ErrPredicateDepthExceeded, got %v", err)
	}
}

func TestPredicateRegistryRegisterAndResolve(t *testing.T) {
	r := NewPredicateRegistry()
	pred := &Predicate{Kind: PredicateEquality}
	id := NewPredicateId()

	if _, ok := r.ResolvePredicate(id); ok {
		t.Fatalf("expected unregistered id to miss")
	}
	r.Register(id, pred)
	got, ok := r.ResolvePredicate(id)
	if !ok || got != pred {
		t.Fatalf("expected registered predicate to resolve, got %v ok=%v", got, ok)
	}

	replacement := &Predicate{Kind: PredicateComposite}
	r.Register(id, replacement)
	got, ok = r.ResolvePredicate(id)
	if !ok || got != replacement {
		t.Fatalf("expected re-register to replace entry, got %v", got)
	}
}
