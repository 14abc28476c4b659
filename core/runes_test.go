package core

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/wire"
)

func TestRunestoneEncodeDecodeRoundTrip(t *testing.T) {
	r := &Runestone{
		Edicts: []Edict{
			{RuneID: RuneID{Block: 840000, Tx: 3}, Amount: 100, Output: 1},
			{RuneID: RuneID{Block: 840000, Tx: 1}, Amount: 50, Output: 0},
			{RuneID: RuneID{Block: 840001, Tx: 0}, Amount: 25, Output: 2},
		},
	}
	payload, err := EncodeRunestone(r)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := decodeRunestonePayload(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Edicts) != 3 {
		t.Fatalf("expected 3 edicts, got %d", len(decoded.Edicts))
	}

	want := map[RuneID]Edict{}
	for _, e := range r.Edicts {
		want[e.RuneID] = e
	}
	for _, got := range decoded.Edicts {
		w, ok := want[got.RuneID]
		if !ok {
			t.Fatalf("unexpected rune id in decoded edicts: %+v", got.RuneID)
		}
		if got.Amount != w.Amount || got.Output != w.Output {
			t.Fatalf("edict mismatch for %+v: got %+v want %+v", got.RuneID, got, w)
		}
	}
}

func TestRunestoneFlagsRoundTrip(t *testing.T) {
	r := &Runestone{
		Etching: &Etching{Symbol: "X", Supply: 1000},
		Burn:    true,
	}
	payload, err := EncodeRunestone(r)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := decodeRunestonePayload(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Etching == nil {
		t.Fatalf("expected etching flag to round-trip")
	}
	if !decoded.Burn {
		t.Fatalf("expected burn flag to round-trip")
	}
}

func TestRunestoneDefaultOutputRoundTrip(t *testing.T) {
	out := uint32(4)
	r := &Runestone{DefaultOutput: &out}
	payload, err := EncodeRunestone(r)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := decodeRunestonePayload(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.DefaultOutput == nil || *decoded.DefaultOutput != out {
		t.Fatalf("expected default output %d, got %v", out, decoded.DefaultOutput)
	}
}

func TestBuildAndParseRunestoneOutput(t *testing.T) {
	r := &Runestone{Edicts: []Edict{{RuneID: RuneID{Block: 1, Tx: 0}, Amount: 10, Output: 0}}}
	txOut, err := BuildRunestoneOutput(r)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(txOut)

	parsed, err := ParseRunestone(tx)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed == nil || len(parsed.Edicts) != 1 {
		t.Fatalf("expected 1 parsed edict, got %+v", parsed)
	}
	if parsed.Edicts[0].Amount != 10 {
		t.Fatalf("unexpected amount: %d", parsed.Edicts[0].Amount)
	}
}

func TestParseRunestoneReturnsNilWhenAbsent(t *testing.T) {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x76, 0xa9}))

	parsed, err := ParseRunestone(tx)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != nil {
		t.Fatalf("expected nil runestone for a non-runestone output, got %+v", parsed)
	}
}

func TestRunestoneEncodeRejectsOversizePayload(t *testing.T) {
	var edicts []Edict
	for i := 0; i < 50; i++ {
		edicts = append(edicts, Edict{RuneID: RuneID{Block: uint64(840000 + i), Tx: uint32(i)}, Amount: uint64(i) * 1000, Output: uint32(i)})
	}
	r := &Runestone{Edicts: edicts}
	if _, err := EncodeRunestone(r); err == nil {
		t.Fatalf("expected oversize payload to be rejected")
	}
}

func TestBuildAlkaneMarkerOutputAndExtract(t *testing.T) {
	txOut, err := BuildAlkaneMarkerOutput("foo", 42)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(txOut)

	transfers, err := ExtractAlkaneTransfers(tx)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if transfers["foo"] != 42 {
		t.Fatalf("expected foo=42, got %d", transfers["foo"])
	}
}

func TestBuildAlkaneMarkerOutputRejectsOversizeID(t *testing.T) {
	longID := make([]byte, maxOpReturnSize)
	for i := range longID {
		longID[i] = 'a'
	}
	if _, err := BuildAlkaneMarkerOutput(string(longID), 1); err == nil {
		t.Fatalf("expected oversize alkane id to be rejected")
	}
}

func TestParseAlkaneMarker(t *testing.T) {
	id, amt, ok := parseAlkaneMarker([]byte("ALKANE:foo:10"))
	if !ok || id != "foo" || amt != 10 {
		t.Fatalf("expected (foo, 10, true), got (%q, %d, %v)", id, amt, ok)
	}

	if _, _, ok := parseAlkaneMarker([]byte("not-a-marker")); ok {
		t.Fatalf("expected non-marker data to report ok=false")
	}

	if _, _, ok := parseAlkaneMarker([]byte("ALKANE:foo:notanumber")); ok {
		t.Fatalf("expected malformed amount to report ok=false")
	}
}

func TestTakeUvarintRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 300, 1 << 40} {
		var buf bytes.Buffer
		putUvarint(&buf, v)
		got, rest, err := takeUvarint(buf.Bytes())
		if err != nil {
			t.Fatalf("takeUvarint(%d): %v", v, err)
		}
		if got != v {
			t.Fatalf("expected %d, got %d", v, got)
		}
		if len(rest) != 0 {
			t.Fatalf("expected no trailing bytes, got %d", len(rest))
		}
	}
}
