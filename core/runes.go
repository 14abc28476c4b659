package core

// runes.go – the Rune/Alkane codec (C3). Pure encode/decode of the
// OP_RETURN runestone payload and the ALKANE:<id>:<amount> marker; no I/O.
//
// The canonical runestone tag-length-value layout is upstream Ord/Runes
// wire format, consumed here as an opaque but fixed encoding (§1 Non-goals:
// "the on-wire byte layout of runestones... we consume it as an opaque
// encoder/decoder" — "opaque" means DarkSwap does not invent its own
// layout, not that it may skip implementing the one upstream defines).
// Tag 0 carries the edict list as repeated (id-delta, amount, output)
// varints; tag 2 carries flags (bit 0 = etching present, bit 1 = burn);
// tag 3 carries an optional default output index. An etching is carried
// only as the presence bit in the flags tag: its own fields (Symbol,
// Supply) are not encoded, so a decoded etching is always empty.

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	runestoneMagic  = txscript.OP_13 // OP_13 ("OP_13"/"runestone") marks a runestone OP_RETURN per upstream Ord
	maxOpReturnSize = 80

	tagBody          = 0
	tagFlags         = 2
	tagDefaultOutput = 3

	flagEtching = 1 << 0
	flagBurn    = 1 << 1
)

// Edict moves `Amount` of `RuneID` into `Output` (an output index of the
// containing transaction).
type Edict struct {
	RuneID RuneID
	Amount uint64
	Output uint32
}

// Etching declares a new rune. Only its presence survives encoding: Symbol
// and Supply are not written to the payload, and decoding yields an empty
// Etching when the etching flag is set.
type Etching struct {
	Symbol string
	Supply uint64
}

// Runestone is the decoded form of a single OP_RETURN runestone output.
type Runestone struct {
	Edicts        []Edict
	Etching       *Etching
	DefaultOutput *uint32
	Burn          bool
}

//---------------------------------------------------------------------
// Varint helpers (LEB128, matching upstream Runes encoding)
//---------------------------------------------------------------------

func putUvarint(buf *bytes.Buffer, v uint64) {
	for v >= 0x80 {
		buf.WriteByte(byte(v) | 0x80)
		v >>= 7
	}
	buf.WriteByte(byte(v))
}

func takeUvarint(b []byte) (uint64, []byte, error) {
	var v uint64
	var shift uint
	for i, c := range b {
		if shift >= 64 {
			return 0, nil, errors.New("runestone: varint overflow")
		}
		v |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return v, b[i+1:], nil
		}
		shift += 7
	}
	return 0, nil, errors.New("runestone: truncated varint")
}

//---------------------------------------------------------------------
// Encode
//---------------------------------------------------------------------

// EncodeRunestone serializes r into the payload bytes that follow the
// runestone magic opcode inside an OP_RETURN script. It does not build the
// PkScript itself — BuildRunestoneOutput does that.
func EncodeRunestone(r *Runestone) ([]byte, error) {
	var body bytes.Buffer

	// Sort edicts for a canonical, delta-encoded id sequence so the round
	// trip is stable regardless of caller-supplied order.
	edicts := append([]Edict(nil), r.Edicts...)
	sort.Slice(edicts, func(i, j int) bool {
		if edicts[i].RuneID.Block != edicts[j].RuneID.Block {
			return edicts[i].RuneID.Block < edicts[j].RuneID.Block
		}
		return edicts[i].RuneID.Tx < edicts[j].RuneID.Tx
	})
	var prevBlock uint64
	var prevTx uint32
	for i, e := range edicts {
		var deltaBlock uint64
		var deltaTx uint32
		if i == 0 {
			deltaBlock, deltaTx = e.RuneID.Block, e.RuneID.Tx
		} else if e.RuneID.Block == prevBlock {
			deltaBlock = 0
			deltaTx = e.RuneID.Tx - prevTx
		} else {
			deltaBlock = e.RuneID.Block - prevBlock
			deltaTx = e.RuneID.Tx
		}
		putUvarint(&body, deltaBlock)
		putUvarint(&body, uint64(deltaTx))
		putUvarint(&body, e.Amount)
		putUvarint(&body, uint64(e.Output))
		prevBlock, prevTx = e.RuneID.Block, e.RuneID.Tx
	}

	var payload bytes.Buffer
	if len(edicts) > 0 {
		putUvarint(&payload, tagBody)
		bodyBytes := body.Bytes()
		putUvarint(&payload, uint64(len(bodyBytes)))
		payload.Write(bodyBytes)
	}

	var flags uint64
	if r.Etching != nil {
		flags |= flagEtching
	}
	if r.Burn {
		flags |= flagBurn
	}
	if flags != 0 {
		putUvarint(&payload, tagFlags)
		putUvarint(&payload, 1)
		putUvarint(&payload, flags)
	}

	if r.DefaultOutput != nil {
		putUvarint(&payload, tagDefaultOutput)
		putUvarint(&payload, 1)
		putUvarint(&payload, uint64(*r.DefaultOutput))
	}

	if payload.Len() > maxOpReturnSize-2 {
		return nil, fmt.Errorf("runestone: payload %d bytes exceeds OP_RETURN budget", payload.Len())
	}
	return payload.Bytes(), nil
}

// BuildRunestoneOutput returns a complete wire.TxOut carrying r's encoded
// payload behind OP_RETURN <magic>.
func BuildRunestoneOutput(r *Runestone) (*wire.TxOut, error) {
	payload, err := EncodeRunestone(r)
	if err != nil {
		return nil, err
	}
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_RETURN)
	builder.AddOp(runestoneMagic)
	builder.AddData(payload)
	script, err := builder.Script()
	if err != nil {
		return nil, fmt.Errorf("runestone: build script: %w", err)
	}
	return wire.NewTxOut(0, script), nil
}

//---------------------------------------------------------------------
// Decode
//---------------------------------------------------------------------

// ParseRunestone finds the first OP_RETURN output carrying the runestone
// magic and decodes its payload. Returns (nil, nil) if no runestone output
// is present.
func ParseRunestone(tx *wire.MsgTx) (*Runestone, error) {
	for _, out := range tx.TxOut {
		payload, ok := extractRunestonePayload(out.PkScript)
		if !ok {
			continue
		}
		return decodeRunestonePayload(payload)
	}
	return nil, nil
}

func extractRunestonePayload(pkScript []byte) ([]byte, bool) {
	tokenizer := txscript.MakeScriptTokenizer(0, pkScript)
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_RETURN {
		return nil, false
	}
	if !tokenizer.Next() || tokenizer.Opcode() != runestoneMagic {
		return nil, false
	}
	if !tokenizer.Next() {
		return nil, false
	}
	return tokenizer.Data(), true
}

func decodeRunestonePayload(payload []byte) (*Runestone, error) {
	r := &Runestone{}
	rest := payload
	for len(rest) > 0 {
		tag, next, err := takeUvarint(rest)
		if err != nil {
			return nil, fmt.Errorf("runestone: %w", err)
		}
		rest = next
		length, next, err := takeUvarint(rest)
		if err != nil {
			return nil, fmt.Errorf("runestone: %w", err)
		}
		rest = next
		if uint64(len(rest)) < length {
			return nil, errors.New("runestone: truncated tag value")
		}
		value := rest[:length]
		rest = rest[length:]

		switch tag {
		case tagBody:
			edicts, err := decodeEdicts(value)
			if err != nil {
				return nil, err
			}
			r.Edicts = edicts
		case tagFlags:
			flags, _, err := takeUvarint(value)
			if err != nil {
				return nil, fmt.Errorf("runestone: flags: %w", err)
			}
			if flags&flagEtching != 0 {
				r.Etching = &Etching{}
			}
			r.Burn = flags&flagBurn != 0
		case tagDefaultOutput:
			out, _, err := takeUvarint(value)
			if err != nil {
				return nil, fmt.Errorf("runestone: default output: %w", err)
			}
			o := uint32(out)
			r.DefaultOutput = &o
		default:
			// Unknown tag: upstream reserves even tags as required and odd
			// tags as safe-to-ignore. Since DarkSwap only emits the tags
			// above, anything else is ignored rather than rejected, so a
			// newer upstream encoder's optional fields do not break parsing.
		}
	}
	return r, nil
}

func decodeEdicts(body []byte) ([]Edict, error) {
	var edicts []Edict
	var block uint64
	var txIdx uint32
	rest := body
	for len(rest) > 0 {
		deltaBlock, next, err := takeUvarint(rest)
		if err != nil {
			return nil, fmt.Errorf("runestone: edict block: %w", err)
		}
		rest = next
		deltaTx, next, err := takeUvarint(rest)
		if err != nil {
			return nil, fmt.Errorf("runestone: edict tx: %w", err)
		}
		rest = next
		amount, next, err := takeUvarint(rest)
		if err != nil {
			return nil, fmt.Errorf("runestone: edict amount: %w", err)
		}
		rest = next
		output, next, err := takeUvarint(rest)
		if err != nil {
			return nil, fmt.Errorf("runestone: edict output: %w", err)
		}
		rest = next

		if deltaBlock == 0 && len(edicts) > 0 {
			txIdx += uint32(deltaTx)
		} else {
			block += deltaBlock
			txIdx = uint32(deltaTx)
		}
		edicts = append(edicts, Edict{
			RuneID: RuneID{Block: block, Tx: txIdx},
			Amount: amount,
			Output: uint32(output),
		})
	}
	return edicts, nil
}

//---------------------------------------------------------------------
// Alkane transfer markers — ASCII "ALKANE:<id>:<amount>" inside a separate
// OP_RETURN output, per §4.3/§6.
//---------------------------------------------------------------------

const alkaneMarkerPrefix = "ALKANE:"

// BuildAlkaneMarkerOutput returns a wire.TxOut carrying an
// "ALKANE:<id>:<amount>" OP_RETURN marker for one transfer.
func BuildAlkaneMarkerOutput(alkaneID string, amount uint64) (*wire.TxOut, error) {
	marker := fmt.Sprintf("%s%s:%d", alkaneMarkerPrefix, alkaneID, amount)
	if len(marker) > maxOpReturnSize-2 {
		return nil, fmt.Errorf("alkane marker: %d bytes exceeds OP_RETURN budget", len(marker))
	}
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_RETURN)
	builder.AddData([]byte(marker))
	script, err := builder.Script()
	if err != nil {
		return nil, fmt.Errorf("alkane marker: build script: %w", err)
	}
	return wire.NewTxOut(0, script), nil
}

// extractOpReturnData returns the pushed data of an OP_RETURN script (the
// single data push after OP_RETURN), or nil if the script doesn't have that
// shape.
func extractOpReturnData(pkScript []byte) ([]byte, error) {
	tokenizer := txscript.MakeScriptTokenizer(0, pkScript)
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_RETURN {
		return nil, nil
	}
	if !tokenizer.Next() {
		return nil, nil
	}
	return tokenizer.Data(), nil
}

// looksLikeAlkaneMarker reports whether data at least starts with the
// alkane prefix, used to distinguish "not an alkane marker at all" (ignored)
// from "an alkane marker with malformed contents" (a validation failure per
// §4.2's "malformed markers fail validation").
func looksLikeAlkaneMarker(data []byte) bool {
	return bytes.HasPrefix(data, []byte(alkaneMarkerPrefix))
}

// parseAlkaneMarker parses "ALKANE:<id>:<amount>" ASCII. Returns ok=false
// for data that doesn't carry the prefix at all (not an error — simply not
// an alkane marker); malformed contents after the prefix should be treated
// as an error by the caller via looksLikeAlkaneMarker.
func parseAlkaneMarker(data []byte) (id string, amount uint64, ok bool) {
	if !looksLikeAlkaneMarker(data) {
		return "", 0, false
	}
	rest := string(data[len(alkaneMarkerPrefix):])
	idx := strings.LastIndex(rest, ":")
	if idx < 0 {
		return "", 0, false
	}
	id = rest[:idx]
	amtStr := rest[idx+1:]
	amt, err := strconv.ParseUint(amtStr, 10, 64)
	if err != nil || id == "" {
		return "", 0, false
	}
	return id, amt, true
}
