// Package call binds a contract operation to its address, ABI fragment set and
// argument builder without executing anything.
package call

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"vaultops/internal/amount"
)

var (
	ErrUnknownOperation = errors.New("operation not in abi")
	ErrNoBuilder        = errors.New("args builder is required")
	ErrAlreadyClaimed   = errors.New("call already consumed by a runner")
)

// ArgsBuilder turns the amount current at execution time into the ordered
// call arguments.
type ArgsBuilder func(amt amount.Amount) ([]any, error)

// Request is everything a signer needs to construct the transaction.
type Request struct {
	Contract  common.Address
	ABI       abi.ABI
	Operation string
	Args      []any
}

// Call is an immutable, invokable descriptor. A Call is consumed by exactly
// one transaction attempt.
type Call struct {
	operation      string
	contract       common.Address
	fragments      abi.ABI
	build          ArgsBuilder
	static         []any
	amountRequired bool
	claimed        atomic.Bool
}

// Bind returns a Call whose arguments are built from an amount at execution time.
func Bind(operation string, contract common.Address, fragments abi.ABI, build ArgsBuilder) (*Call, error) {
	if build == nil {
		return nil, ErrNoBuilder
	}
	if err := checkOperation(operation, fragments); err != nil {
		return nil, err
	}
	return &Call{
		operation:      operation,
		contract:       contract,
		fragments:      fragments,
		build:          build,
		amountRequired: true,
	}, nil
}

// BindStatic returns a Call with fixed arguments that takes no amount, such as claim().
func BindStatic(operation string, contract common.Address, fragments abi.ABI, args ...any) (*Call, error) {
	if err := checkOperation(operation, fragments); err != nil {
		return nil, err
	}
	return &Call{
		operation: operation,
		contract:  contract,
		fragments: fragments,
		static:    append([]any(nil), args...),
	}, nil
}

// AmountArg is the common builder for single uint256 amount operations.
func AmountArg(amt amount.Amount) ([]any, error) {
	return []any{amt.Big()}, nil
}

func checkOperation(operation string, fragments abi.ABI) error {
	if _, ok := fragments.Methods[operation]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOperation, operation)
	}
	return nil
}

func (c *Call) Operation() string        { return c.operation }
func (c *Call) Contract() common.Address { return c.contract }
func (c *Call) AmountRequired() bool     { return c.amountRequired }

// Args evaluates the builder against amt. Static calls ignore amt.
func (c *Call) Args(amt amount.Amount) ([]any, error) {
	if !c.amountRequired {
		return append([]any(nil), c.static...), nil
	}
	return c.build(amt)
}

// Pack ABI-encodes the calldata offline, which validates argument shape.
func (c *Call) Pack(args []any) ([]byte, error) {
	return c.fragments.Pack(c.operation, args...)
}

// Request assembles the signer request for args.
func (c *Call) Request(args []any) Request {
	return Request{
		Contract:  c.contract,
		ABI:       c.fragments,
		Operation: c.operation,
		Args:      args,
	}
}

// Claim marks the call as owned by a runner. It fails if already claimed.
func (c *Call) Claim() error {
	if !c.claimed.CompareAndSwap(false, true) {
		return ErrAlreadyClaimed
	}
	return nil
}
