package txn

import "errors"

var (
	// ErrUnknownTransaction is returned for an operation on a TxId with no record.
	ErrUnknownTransaction = errors.New("no record for transaction")

	// ErrNotPrepared names the protocol violation of an operation that
	// expects a PREPARED transaction and finds another state. No coordinator
	// or participant code path returns it.
	ErrNotPrepared = errors.New("transaction not in PREPARED state")

	// ErrAlreadyDecided is returned when a coordinator operation is attempted
	// on a transaction that already reached a terminal state inconsistent
	// with the request: Abort after COMMITTED, or Commit after ABORTED.
	ErrAlreadyDecided = errors.New("transaction already reached a terminal state")

	// ErrVoteNo is a sentinel used internally to distinguish an explicit NO
	// vote from a transport failure when the caller needs to log the reason.
	ErrVoteNo = errors.New("participant voted NO")
)
