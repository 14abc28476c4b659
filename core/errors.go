package core

import "errors"

// Sentinel errors surfaced to callers per §7's validation/wallet/predicate
// taxonomy. Transport errors are not sentinels — the relay pool wraps those
// with context via fmt.Errorf and %w as they propagate.
var (
	ErrInvalidOrder       = errors.New("order: invalid")
	ErrBadSignature       = errors.New("order: signature verification failed")
	ErrOrderNotFound      = errors.New("order: not found")
	ErrDuplicateOrder     = errors.New("order: duplicate")
	ErrOrderClosed        = errors.New("order: not open")
	ErrInsufficientAmount = errors.New("order: amount exceeds remaining")

	ErrDuplicateTrade  = errors.New("trade: duplicate trade for order/taker")
	ErrTradeNotFound   = errors.New("trade: not found")
	ErrBadTransition   = errors.New("trade: invalid state transition")
	ErrPSBTMismatch    = errors.New("trade: returned psbt does not extend signed prefix")
	ErrPredicateReject = errors.New("trade: predicate rejected transaction")
	ErrTimeout         = errors.New("trade: deadline exceeded")

	ErrInsufficientFunds  = errors.New("wallet: insufficient funds")
	ErrFinalizationFailed = errors.New("wallet: psbt finalization failed")
	ErrBroadcastRejected  = errors.New("wallet: broadcast rejected by node")

	ErrPredicateDepthExceeded = errors.New("predicate: composition depth exceeds limit")
	ErrPredicateMalformed     = errors.New("predicate: malformed alkane marker")

	ErrRelayReservationRefused = errors.New("relay: reservation refused")
	ErrRelayCircuitCapExceeded = errors.New("relay: circuit cap exceeded")
	ErrRelayBanned             = errors.New("relay: peer is banned")
	ErrRelayUnknownTarget      = errors.New("relay: unknown signaling target")

	ErrRateLimited = errors.New("gossip: rate limit exceeded")
)
