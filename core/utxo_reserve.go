package core

// utxo_reserve.go – persisted UTXO reservation ledger, adapted from the
// teacher's escrow.go: same uuid-keyed, JSON-marshaled, Store-backed record
// shape and mutex-guarded Create/Get/List/Release lifecycle, repurposed from
// holding coin balances in an escrow account to recording which outpoints a
// trade has locked so a crashed-and-restarted node does not double-spend
// them into a second trade.

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
)

const reserveKeyPrefix = "reserve:"

func reserveKey(tradeID TradeId) []byte {
	return []byte(fmt.Sprintf("%s%s", reserveKeyPrefix, tradeID))
}

// utxoReservation is the persisted record of one trade's locked outpoints.
type utxoReservation struct {
	TradeID   TradeId          `json:"trade_id"`
	Outpoints []wire.OutPoint  `json:"outpoints"`
	CreatedAt time.Time        `json:"created_at"`
}

// UTXOReserveLedger tracks, across restarts, which outpoints are locked by
// which in-flight trade. SimpleWallet's own in-memory reserved set (see
// wallet.go) is the fast path consulted on every coin-selection; this ledger
// is the durable record a node replays at startup to rebuild that set.
type UTXOReserveLedger struct {
	mu    sync.Mutex
	store Store
}

func NewUTXOReserveLedger(store Store) *UTXOReserveLedger {
	return &UTXOReserveLedger{store: store}
}

// Reserve records that tradeID has locked outpoints, persisting the record.
func (l *UTXOReserveLedger) Reserve(tradeID TradeId, outpoints []wire.OutPoint) error {
	if len(outpoints) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := utxoReservation{
		TradeID:   tradeID,
		Outpoints: append([]wire.OutPoint(nil), outpoints...),
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("utxo_reserve: marshal: %w", err)
	}
	return l.store.Set(reserveKey(tradeID), data)
}

// Release drops the reservation record for tradeID, freeing its outpoints
// for reuse by future coin selection.
func (l *UTXOReserveLedger) Release(tradeID TradeId) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Delete(reserveKey(tradeID))
}

// Get returns the outpoints currently reserved for tradeID.
func (l *UTXOReserveLedger) Get(tradeID TradeId) ([]wire.OutPoint, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	raw, err := l.store.Get(reserveKey(tradeID))
	if err != nil {
		return nil, false
	}
	var rec utxoReservation
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false
	}
	return rec.Outpoints, true
}

// All returns every currently reserved outpoint across all trades, keyed by
// the trade that reserved it. Used at startup to rebuild the wallet's
// in-memory reserved set before the trade engine resumes.
func (l *UTXOReserveLedger) All() (map[TradeId][]wire.OutPoint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	it := l.store.Iterator([]byte(reserveKeyPrefix), nil)
	defer it.Close()

	out := make(map[TradeId][]wire.OutPoint)
	for it.Next() {
		var rec utxoReservation
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			continue
		}
		out[rec.TradeID] = rec.Outpoints
	}
	return out, it.Error()
}

// IsReserved reports whether any trade other than excluding currently holds
// a reservation on outpoint.
func (l *UTXOReserveLedger) IsReserved(outpoint wire.OutPoint, excluding TradeId) bool {
	all, err := l.All()
	if err != nil {
		return false
	}
	for tradeID, outpoints := range all {
		if tradeID == excluding {
			continue
		}
		for _, op := range outpoints {
			if op == outpoint {
				return true
			}
		}
	}
	return false
}
