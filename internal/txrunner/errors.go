package txrunner

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Kind classifies why an attempt failed.
type Kind int

const (
	KindNone Kind = iota
	InvalidArgument
	SigningFailed
	NetworkFailure
	ExecutionReverted
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid_argument"
	case SigningFailed:
		return "signing_failed"
	case NetworkFailure:
		return "network_failure"
	case ExecutionReverted:
		return "execution_reverted"
	default:
		return "none"
	}
}

var (
	ErrInFlight       = errors.New("transaction already in flight")
	ErrConsumed       = errors.New("transaction attempt already finished")
	ErrNotPopulated   = errors.New("arguments not populated")
	ErrMissingAmount  = errors.New("amount is required")
	ErrZeroAmount     = errors.New("amount must be greater than zero")
	ErrNoTransaction  = errors.New("signer returned no transaction")
	ErrNoReceipt      = errors.New("confirmation returned no receipt")
	ErrReverted       = errors.New("execution reverted")
	ErrConfirmTimeout = errors.New("confirmation wait timed out")
)

// Error is the classified failure of one attempt.
type Error struct {
	Kind      Kind
	Operation string
	TxHash    common.Hash
	Err       error
}

func (e *Error) Error() string {
	if e.TxHash != (common.Hash{}) {
		return fmt.Sprintf("%s %s (tx %s): %v", e.Operation, e.Kind, e.TxHash.Hex(), e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Operation, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the failure kind from err, or KindNone.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}
