package core

// wallet.go – the Wallet interface (C1) and its concrete SimpleWallet
// implementation: a BIP-32/BIP-39 HD wallet over secp256k1. Derivation
// follows the teacher's Ed25519 wallet shape (HMAC-SHA512 master key,
// hardened child derivation) adapted to the curve Bitcoin actually uses;
// PSBT construction/signing/finalization/verification are the real
// upstream btcsuite/btcd/btcutil/psbt implementation, not a reimplementation.
//
// Import hygiene: wallet depends only on crypto, bip39 and the psbt/txscript
// packages — it never imports the p2p or trade layers.

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	bip39 "github.com/tyler-smith/go-bip39"
)

func SetWalletLogger(l *log.Logger) { walletLogger = l }

var walletLogger = log.New()

// UTXO is an unspent output this wallet controls.
type UTXO struct {
	Outpoint wire.OutPoint
	Amount   btcutil.Amount
	PkScript []byte
	Address  string
}

// TradeConstraints is what verify_psbt checks an incoming PSBT against: the
// amounts and destinations the trade plan promised.
type TradeConstraints struct {
	ExpectedOutputs map[string]btcutil.Amount // address -> minimum amount
	MinFee          btcutil.Amount
	MaxFee          btcutil.Amount
}

// TradePlan is the maker/taker's intent for build_trade_psbt: which of this
// wallet's UTXOs to spend and which outputs to contribute.
type TradePlan struct {
	InputOutpoints []wire.OutPoint
	Outputs        []*wire.TxOut
	LockTime       uint32
}

// Wallet is the polymorphic contract of §4.1, implemented by SimpleWallet
// and (stubbed) BdkWallet.
type Wallet interface {
	Address() (string, error)
	UTXOs() ([]UTXO, error)
	Balance() (btcutil.Amount, error)
	BuildTradePSBT(plan TradePlan) (*psbt.Packet, error)
	SignPSBT(pkt *psbt.Packet) (*psbt.Packet, error)
	FinalizeAndBroadcast(pkt *psbt.Packet) (*chainhash.Hash, error)
	VerifyPSBT(pkt *psbt.Packet, constraints TradeConstraints) (bool, error)
}

// Broadcaster abstracts the node/Electrum connection used to relay a
// finalized transaction; concrete transport is an external-collaborator
// concern (§1 Non-goals).
type Broadcaster interface {
	Broadcast(tx *wire.MsgTx) (*chainhash.Hash, error)
}

const hardenedOffset uint32 = 0x80000000

//---------------------------------------------------------------------
// SimpleWallet
//---------------------------------------------------------------------

// SimpleWallet is an HD wallet over secp256k1, deriving addresses and
// signing keys via hardened BIP-32 children of a BIP-39 seed.
type SimpleWallet struct {
	mu sync.RWMutex

	net        *chaincfg.Params
	master     *hdkeychain.ExtendedKey
	broadcast  Broadcaster
	utxos      map[wire.OutPoint]UTXO
	reserved   map[wire.OutPoint]struct{} // inputs tied up in a not-yet-terminal trade
	nextIndex  uint32
	account    uint32
	cachedAddr string
	logger     *log.Logger
}

// NewRandomWallet generates entropyBits (128/256) of entropy and returns a
// fresh wallet plus its mnemonic. The caller must persist or display the
// mnemonic and then discard it; SimpleWallet never stores it.
func NewRandomWallet(net *chaincfg.Params, broadcast Broadcaster, entropyBits int) (*SimpleWallet, string, error) {
	if entropyBits != 128 && entropyBits != 256 {
		return nil, "", fmt.Errorf("unsupported entropy size %d", entropyBits)
	}
	entropy, err := bip39.NewEntropy(entropyBits)
	if err != nil {
		return nil, "", fmt.Errorf("entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, "", fmt.Errorf("mnemonic: %w", err)
	}
	seed := bip39.NewSeed(mnemonic, "")
	w, err := NewWalletFromSeed(net, broadcast, seed)
	if err != nil {
		return nil, "", err
	}
	return w, mnemonic, nil
}

// WalletFromMnemonic imports an existing BIP-39 phrase.
func WalletFromMnemonic(net *chaincfg.Params, broadcast Broadcaster, mnemonic, passphrase string) (*SimpleWallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("wallet: invalid mnemonic checksum")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	return NewWalletFromSeed(net, broadcast, seed)
}

// NewWalletFromSeed builds the BIP-32 master key from raw seed bytes.
func NewWalletFromSeed(net *chaincfg.Params, broadcast Broadcaster, seed []byte) (*SimpleWallet, error) {
	master, err := hdkeychain.NewMaster(seed, net)
	if err != nil {
		return nil, fmt.Errorf("wallet: derive master key: %w", err)
	}
	w := &SimpleWallet{
		net:       net,
		master:    master,
		broadcast: broadcast,
		utxos:     make(map[wire.OutPoint]UTXO),
		reserved:  make(map[wire.OutPoint]struct{}),
		logger:    walletLogger,
	}
	w.logger.Infof("wallet: master key initialised (%d byte seed)", len(seed))
	return w, nil
}

// deriveChild walks m / account' / index' — mirroring the teacher's two-level
// hardened path, generalized to BIP-32 extended keys instead of a raw HMAC.
func (w *SimpleWallet) deriveChild(account, index uint32) (*hdkeychain.ExtendedKey, error) {
	accountKey, err := w.master.Derive(hardenedOffset + account)
	if err != nil {
		return nil, fmt.Errorf("wallet: derive account %d: %w", account, err)
	}
	childKey, err := accountKey.Derive(hardenedOffset + index)
	if err != nil {
		return nil, fmt.Errorf("wallet: derive index %d: %w", index, err)
	}
	return childKey, nil
}

// privKeyFor returns the secp256k1 private key at (account, index).
func (w *SimpleWallet) privKeyFor(account, index uint32) (*btcec.PrivateKey, error) {
	child, err := w.deriveChild(account, index)
	if err != nil {
		return nil, err
	}
	return child.ECPrivKey()
}

func (w *SimpleWallet) addressFor(account, index uint32) (*btcutil.AddressWitnessPubKeyHash, error) {
	child, err := w.deriveChild(account, index)
	if err != nil {
		return nil, err
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("wallet: derive pubkey: %w", err)
	}
	pkHash := btcutil.Hash160(pub.SerializeCompressed())
	return btcutil.NewAddressWitnessPubKeyHash(pkHash, w.net)
}

// Address returns this wallet's current (account 0) receive address,
// deriving index 0 the first time it is requested and caching it
// thereafter — a single stable receive address per §4.1's "deterministic
// receive address".
func (w *SimpleWallet) Address() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cachedAddr != "" {
		return w.cachedAddr, nil
	}
	addr, err := w.addressFor(w.account, 0)
	if err != nil {
		return "", fmt.Errorf("wallet: address: %w", err)
	}
	w.cachedAddr = addr.EncodeAddress()
	return w.cachedAddr, nil
}

// identityAccount is the hardened BIP-32 account index reserved for this
// wallet's Ed25519 order-signing identity, kept distinct from account 0
// (used for Bitcoin receive addresses) so one mnemonic backs both.
const identityAccount = 1

// IdentityKeyPair derives this wallet's stable Ed25519 keypair: the identity
// an order is signed with (§4.2) and a peer announces to the network. It
// comes from the same BIP-39 seed as the Bitcoin keys, on a separate
// hardened account.
func (w *SimpleWallet) IdentityKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	child, err := w.deriveChild(identityAccount, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("wallet: derive identity key: %w", err)
	}
	priv, err := child.ECPrivKey()
	if err != nil {
		return nil, nil, fmt.Errorf("wallet: identity privkey: %w", err)
	}
	seed := sha256.Sum256(priv.Serialize())
	edPriv := ed25519.NewKeyFromSeed(seed[:])
	return edPriv.Public().(ed25519.PublicKey), edPriv, nil
}

// UTXOs returns the current unspent outputs known to this wallet, excluding
// any reserved by an in-flight trade.
func (w *SimpleWallet) UTXOs() ([]UTXO, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]UTXO, 0, len(w.utxos))
	for op, u := range w.utxos {
		if _, held := w.reserved[op]; held {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

// Balance sums all unreserved UTXOs.
func (w *SimpleWallet) Balance() (btcutil.Amount, error) {
	utxos, err := w.UTXOs()
	if err != nil {
		return 0, err
	}
	var total btcutil.Amount
	for _, u := range utxos {
		total += u.Amount
	}
	return total, nil
}

// IngestUTXO registers a UTXO this wallet controls. The node/indexer feed
// that discovers chain state is an external-collaborator concern (§1
// Non-goals); this is the seam that feed would call.
func (w *SimpleWallet) IngestUTXO(u UTXO) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.utxos[u.Outpoint] = u
}

// Reserve marks UTXOs as held by an in-flight trade so BuildTradePSBT and
// UTXOs will not offer them again until Release is called — the "exclusive
// access during PSBT construction" invariant of §4's resource model.
func (w *SimpleWallet) Reserve(outpoints []wire.OutPoint) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, op := range outpoints {
		w.reserved[op] = struct{}{}
	}
}

// Release frees previously reserved UTXOs, called when a trade terminates
// (completed, rejected, cancelled or failed).
func (w *SimpleWallet) Release(outpoints []wire.OutPoint) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, op := range outpoints {
		delete(w.reserved, op)
	}
}

// BuildTradePSBT assembles an unfinalized PSBT from plan, attaching the
// witness-utxo field for each input this wallet owns so a counterparty can
// validate amounts without a full node.
func (w *SimpleWallet) BuildTradePSBT(plan TradePlan) (*psbt.Packet, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if len(plan.InputOutpoints) == 0 && len(plan.Outputs) == 0 {
		return nil, fmt.Errorf("wallet: %w: empty trade plan", ErrInvalidOrder)
	}

	txIns := make([]*wire.TxIn, 0, len(plan.InputOutpoints))
	for _, op := range plan.InputOutpoints {
		if _, ok := w.utxos[op]; !ok {
			return nil, fmt.Errorf("wallet: %w: unknown input %s", ErrInsufficientFunds, op.String())
		}
		if _, held := w.reserved[op]; held {
			return nil, fmt.Errorf("wallet: input %s already reserved by another trade", op.String())
		}
		opCopy := op
		txIns = append(txIns, wire.NewTxIn(&opCopy, nil, nil))
	}

	tx := wire.NewMsgTx(2)
	tx.LockTime = plan.LockTime
	tx.TxIn = txIns
	tx.TxOut = plan.Outputs

	pkt, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, fmt.Errorf("wallet: new psbt: %w", err)
	}
	for i, op := range plan.InputOutpoints {
		u := w.utxos[op]
		pkt.Inputs[i].WitnessUtxo = wire.NewTxOut(int64(u.Amount), u.PkScript)
	}
	return pkt, nil
}

// SignPSBT signs every input this wallet's keys control, leaving the PSBT
// unfinalized — the counterparty (or this wallet in a later call) may still
// need to add its own signatures.
func (w *SimpleWallet) SignPSBT(pkt *psbt.Packet) (*psbt.Packet, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	for i, in := range pkt.Inputs {
		if in.WitnessUtxo == nil {
			continue // not this wallet's input to sign
		}
		u, ok := w.findUTXOByScript(in.WitnessUtxo.PkScript)
		if !ok {
			continue
		}
		priv, err := w.privKeyFor(w.account, u.index)
		if err != nil {
			return nil, fmt.Errorf("wallet: derive signing key: %w", err)
		}
		sigHashes := txscript.NewTxSigHashes(pkt.UnsignedTx, txscript.NewCannedPrevOutputFetcher(
			in.WitnessUtxo.PkScript, in.WitnessUtxo.Value))
		sig, err := txscript.RawTxInWitnessSignature(
			pkt.UnsignedTx, sigHashes, i, in.WitnessUtxo.Value,
			in.WitnessUtxo.PkScript, txscript.SigHashAll, priv.ToECDSA())
		if err != nil {
			return nil, fmt.Errorf("wallet: sign input %d: %w", i, err)
		}
		pub := priv.PubKey().SerializeCompressed()
		pkt.Inputs[i].PartialSigs = append(pkt.Inputs[i].PartialSigs, &psbt.PartialSig{
			PubKey:    pub,
			Signature: sig,
		})
	}
	return pkt, nil
}

// utxoWithIndex pairs a UTXO with the HD index that owns it; findUTXOByScript
// matches this wallet's known addresses against a witness script so SignPSBT
// can recover the derivation index without a separate script->index index.
type utxoWithIndex struct {
	UTXO
	index uint32
}

func (w *SimpleWallet) findUTXOByScript(pkScript []byte) (utxoWithIndex, bool) {
	for op, u := range w.utxos {
		if string(u.PkScript) != string(pkScript) {
			continue
		}
		_ = op
		// account 0, index 0 is the only address this simplified wallet
		// derives for receiving; a production wallet would track a
		// script->index map populated at IngestUTXO time.
		return utxoWithIndex{UTXO: u, index: 0}, true
	}
	return utxoWithIndex{}, false
}

// FinalizeAndBroadcast finalizes every input of pkt and broadcasts the
// resulting transaction. Fails with ErrFinalizationFailed if any input
// cannot be finalized, or ErrBroadcastRejected if the node rejects the
// transaction.
func (w *SimpleWallet) FinalizeAndBroadcast(pkt *psbt.Packet) (*chainhash.Hash, error) {
	for i := range pkt.Inputs {
		if ok, err := psbt.MaybeFinalize(pkt, i); err != nil || !ok {
			return nil, fmt.Errorf("wallet: input %d: %w: %v", i, ErrFinalizationFailed, err)
		}
	}
	tx, err := psbt.Extract(pkt)
	if err != nil {
		return nil, fmt.Errorf("wallet: extract final tx: %w: %v", ErrFinalizationFailed, err)
	}
	if w.broadcast == nil {
		txid := tx.TxHash()
		return &txid, nil
	}
	txid, err := w.broadcast.Broadcast(tx)
	if err != nil {
		return nil, fmt.Errorf("wallet: %w: %v", ErrBroadcastRejected, err)
	}
	return txid, nil
}

// VerifyPSBT checks that pkt's outputs satisfy constraints: every expected
// destination is present with at least the minimum amount, and the implied
// fee (sum(inputs) - sum(outputs)) falls within [MinFee, MaxFee]; a zero
// MaxFee sets no upper bound.
func (w *SimpleWallet) VerifyPSBT(pkt *psbt.Packet, constraints TradeConstraints) (bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var totalIn, totalOut btcutil.Amount
	for _, in := range pkt.Inputs {
		if in.WitnessUtxo == nil {
			return false, fmt.Errorf("wallet: %w: input missing witness utxo", ErrPSBTMismatch)
		}
		totalIn += btcutil.Amount(in.WitnessUtxo.Value)
	}

	seen := make(map[string]btcutil.Amount)
	for _, out := range pkt.UnsignedTx.TxOut {
		totalOut += btcutil.Amount(out.Value)
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, w.net)
		if err != nil || len(addrs) == 0 {
			continue
		}
		seen[addrs[0].EncodeAddress()] += btcutil.Amount(out.Value)
	}

	for addr, minAmt := range constraints.ExpectedOutputs {
		if seen[addr] < minAmt {
			return false, nil
		}
	}

	fee := totalIn - totalOut
	if fee < constraints.MinFee || (constraints.MaxFee > 0 && fee > constraints.MaxFee) {
		return false, nil
	}
	return true, nil
}

// ExtendsSignedPrefix reports whether candidate is a superset extension of
// prior — every input and output of prior appears unchanged in candidate,
// at the same index, per the PSBT-prefix-extension invariant checked before
// a trade advances from MakerSigned to TakerSigned (§4.5/§8).
func ExtendsSignedPrefix(prior, candidate *psbt.Packet) bool {
	if len(candidate.UnsignedTx.TxIn) < len(prior.UnsignedTx.TxIn) {
		return false
	}
	if len(candidate.UnsignedTx.TxOut) < len(prior.UnsignedTx.TxOut) {
		return false
	}
	for i, in := range prior.UnsignedTx.TxIn {
		if in.PreviousOutPoint != candidate.UnsignedTx.TxIn[i].PreviousOutPoint {
			return false
		}
	}
	for i, out := range prior.UnsignedTx.TxOut {
		co := candidate.UnsignedTx.TxOut[i]
		if out.Value != co.Value || string(out.PkScript) != string(co.PkScript) {
			return false
		}
	}
	return true
}

// PSBTHash returns a stable identity hash for a PSBT's unsigned transaction,
// used to compare "same underlying trade" across message round-trips without
// re-serializing the whole packet.
func PSBTHash(pkt *psbt.Packet) [32]byte {
	return sha256.Sum256([]byte(pkt.UnsignedTx.TxHash().String()))
}

//---------------------------------------------------------------------
// BdkWallet — stubbed second implementation of the Wallet interface
//---------------------------------------------------------------------

// BdkWallet is a placeholder second Wallet implementation intended to wrap
// a future bdk-go binding. It demonstrates that Wallet is polymorphic, not a
// single concrete struct; none of its methods are implemented yet.
type BdkWallet struct{}

var errBdkNotImplemented = errors.New("wallet: BdkWallet is not implemented")

func (BdkWallet) Address() (string, error) { return "", errBdkNotImplemented }
func (BdkWallet) UTXOs() ([]UTXO, error)    { return nil, errBdkNotImplemented }
func (BdkWallet) Balance() (btcutil.Amount, error) {
	return 0, errBdkNotImplemented
}
func (BdkWallet) BuildTradePSBT(TradePlan) (*psbt.Packet, error) {
	return nil, errBdkNotImplemented
}
func (BdkWallet) SignPSBT(*psbt.Packet) (*psbt.Packet, error) {
	return nil, errBdkNotImplemented
}
func (BdkWallet) FinalizeAndBroadcast(*psbt.Packet) (*chainhash.Hash, error) {
	return nil, errBdkNotImplemented
}
func (BdkWallet) VerifyPSBT(*psbt.Packet, TradeConstraints) (bool, error) {
	return false, errBdkNotImplemented
}

var _ Wallet = (*SimpleWallet)(nil)
var _ Wallet = BdkWallet{}
