// Package txrunner drives one user-initiated contract call through signing,
// broadcast, confirmation and outcome classification.
package txrunner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"vaultops/internal/amount"
	"vaultops/internal/call"
	"vaultops/internal/txstatus"
)

// State is the lifecycle position of a Runner.
type State int

const (
	Idle State = iota
	Populating
	AwaitingSignature
	Submitted
	Confirming
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Populating:
		return "populating"
	case AwaitingSignature:
		return "awaiting_signature"
	case Submitted:
		return "submitted"
	case Confirming:
		return "confirming"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Provider is the only network-facing capability the runner needs.
type Provider interface {
	// Sign builds and signs the call without broadcasting it. Wallet
	// rejection and gas estimation failures surface here.
	Sign(ctx context.Context, req call.Request) (*types.Transaction, error)
	Broadcast(ctx context.Context, tx *types.Transaction) error
	AwaitConfirmation(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// Observer is notified when attempts start and finish. outcome is "success"
// or the failure Kind.
type Observer interface {
	Started(operation string)
	Finished(operation, outcome string, elapsed time.Duration)
}

type Options struct {
	// Validate runs before the signer is asked for anything. A non-nil
	// error fails the attempt as InvalidArgument unless it is an *Error
	// carrying its own Kind.
	Validate func(ctx context.Context, req call.Request) error
	// OnSuccess is awaited before Perform returns.
	OnSuccess func(ctx context.Context, receipt *types.Receipt) error
	OnError   func(err *Error)
	// ConfirmTimeout bounds the wait for inclusion. Zero waits until the
	// provider resolves.
	ConfirmTimeout time.Duration
	Logger         logrus.FieldLogger
	Observer       Observer
}

// Result is the terminal outcome of Perform.
type Result struct {
	State   State
	TxHash  common.Hash
	Receipt *types.Receipt
	Err     error
}

func (r Result) OK() bool {
	return r.Err == nil && r.State == Succeeded
}

func (r Result) Kind() Kind {
	return KindOf(r.Err)
}

// Runner owns the lifecycle of a single transaction attempt.
type Runner struct {
	provider Provider
	call     *call.Call
	opts     Options
	log      logrus.FieldLogger

	mu        sync.Mutex
	state     State
	args      []any
	failure   *Error
	attempted bool
	done      bool
}

// New claims c for a single attempt through provider.
func New(provider Provider, c *call.Call, opts Options) (*Runner, error) {
	if provider == nil {
		return nil, errors.New("provider is required")
	}
	if c == nil {
		return nil, errors.New("call is required")
	}
	if err := c.Claim(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Runner{
		provider: provider,
		call:     c,
		opts:     opts,
		log: logger.WithFields(logrus.Fields{
			"operation": c.Operation(),
			"contract":  c.Contract().Hex(),
		}),
	}, nil
}

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Populate validates and stores the call arguments. Invalid input moves the
// runner straight to Failed and marks tracker as error unless another
// attempt holds it; no network call is made either way.
func (r *Runner) Populate(tracker *txstatus.Tracker, amt *amount.Amount) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.attempted && !r.done:
		return ErrInFlight
	case r.attempted || r.state == Failed:
		return ErrConsumed
	}

	args, err := r.buildArgs(amt)
	if err != nil {
		r.failure = &Error{Kind: InvalidArgument, Operation: r.call.Operation(), Err: err}
		r.state = Failed
		r.log.WithError(err).Warn("rejected call arguments")
		if tracker != nil {
			if err := tracker.Fail(); err != nil {
				r.log.WithError(err).Debug("status left to the attempt holding it")
			}
		}
		return r.failure
	}

	r.args = args
	r.state = Populating
	return nil
}

func (r *Runner) buildArgs(amt *amount.Amount) ([]any, error) {
	var current amount.Amount
	if r.call.AmountRequired() {
		if amt == nil {
			return nil, ErrMissingAmount
		}
		if amt.IsZero() {
			return nil, ErrZeroAmount
		}
		current = *amt
	}

	args, err := r.call.Args(current)
	if err != nil {
		return nil, fmt.Errorf("build args: %w", err)
	}
	if _, err := r.call.Pack(args); err != nil {
		return nil, fmt.Errorf("pack args: %w", err)
	}
	return args, nil
}

// Execute populates with amt and performs in one step.
func (r *Runner) Execute(ctx context.Context, tracker *txstatus.Tracker, amt *amount.Amount) Result {
	_ = r.Populate(tracker, amt)
	return r.Perform(ctx, tracker)
}

// Perform runs the attempt to completion and always returns a Result; it
// never panics out and never leaves tracker leased. Re-entrant calls are
// ignored with a warning and leave the status untouched.
func (r *Runner) Perform(ctx context.Context, tracker *txstatus.Tracker) Result {
	if tracker == nil {
		tracker = txstatus.NewTracker()
	}

	r.mu.Lock()
	if r.attempted {
		state, done := r.state, r.done
		r.mu.Unlock()
		if !done {
			r.log.WithField("state", state).Warn("ignoring re-entrant perform")
			return Result{State: state, Err: ErrInFlight}
		}
		r.log.WithField("state", state).Warn("ignoring perform on finished attempt")
		return Result{State: state, Err: ErrConsumed}
	}
	lease, err := tracker.Acquire()
	if err != nil {
		state := r.state
		r.mu.Unlock()
		r.log.Warn("status is held by another attempt")
		return Result{State: state, Err: ErrInFlight}
	}
	r.attempted = true
	if r.state == Idle {
		r.failure = &Error{Kind: InvalidArgument, Operation: r.call.Operation(), Err: ErrNotPopulated}
		r.state = Failed
	}
	failure := r.failure
	args := r.args
	r.mu.Unlock()

	defer lease.Release()

	a := &attempt{
		Runner:  r,
		lease:   lease,
		started: time.Now(),
	}
	if r.opts.Observer != nil {
		r.opts.Observer.Started(r.call.Operation())
	}

	if failure != nil {
		return a.fail(failure)
	}
	return a.run(ctx, r.call.Request(args))
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// attempt carries the per-Perform write handle so nothing outlives the call.
type attempt struct {
	*Runner
	lease   *txstatus.Lease
	started time.Time
}

func (a *attempt) run(ctx context.Context, req call.Request) Result {
	op := req.Operation

	if a.opts.Validate != nil {
		if err := guard(func() error { return a.opts.Validate(ctx, req) }); err != nil {
			var classified *Error
			if errors.As(err, &classified) && classified.Kind != KindNone {
				return a.fail(&Error{Kind: classified.Kind, Operation: op, Err: classified.Err})
			}
			return a.fail(&Error{Kind: InvalidArgument, Operation: op, Err: err})
		}
	}

	a.setState(AwaitingSignature)
	a.lease.Set(txstatus.Pending)

	var tx *types.Transaction
	err := guard(func() error {
		var signErr error
		tx, signErr = a.provider.Sign(ctx, req)
		return signErr
	})
	if err == nil && tx == nil {
		err = ErrNoTransaction
	}
	if err != nil {
		return a.fail(&Error{Kind: SigningFailed, Operation: op, Err: err})
	}

	hash := tx.Hash()
	if err := guard(func() error { return a.provider.Broadcast(ctx, tx) }); err != nil {
		return a.fail(&Error{Kind: NetworkFailure, Operation: op, TxHash: hash, Err: err})
	}
	a.setState(Submitted)
	a.log.WithField("tx", hash.Hex()).Info("transaction submitted")

	// A broadcast call cannot be recalled, so the wait ignores caller cancellation.
	// The success continuation gets the same detached context without the
	// confirmation deadline.
	detached := context.WithoutCancel(ctx)
	waitCtx := detached
	if a.opts.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(waitCtx, a.opts.ConfirmTimeout)
		defer cancel()
	}

	a.setState(Confirming)
	var receipt *types.Receipt
	err = guard(func() error {
		var waitErr error
		receipt, waitErr = a.provider.AwaitConfirmation(waitCtx, tx)
		return waitErr
	})
	if err == nil && receipt == nil {
		err = ErrNoReceipt
	}
	if err != nil {
		if a.opts.ConfirmTimeout > 0 && errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %w", ErrConfirmTimeout, a.opts.ConfirmTimeout, err)
		}
		return a.fail(&Error{Kind: NetworkFailure, Operation: op, TxHash: hash, Err: err})
	}

	if receipt.Status == types.ReceiptStatusFailed {
		a.log.WithFields(logrus.Fields{
			"tx":       hash.Hex(),
			"gas_used": receipt.GasUsed,
			"block":    blockNumber(receipt),
		}).Error("transaction mined but reverted")
		return a.fail(&Error{Kind: ExecutionReverted, Operation: op, TxHash: hash, Err: ErrReverted})
	}

	return a.succeed(detached, hash, receipt)
}

func (a *attempt) succeed(ctx context.Context, hash common.Hash, receipt *types.Receipt) Result {
	a.setState(Succeeded)
	a.lease.Set(txstatus.Success)
	a.log.WithFields(logrus.Fields{
		"tx":       hash.Hex(),
		"gas_used": receipt.GasUsed,
		"block":    blockNumber(receipt),
	}).Info("transaction confirmed")

	if a.opts.OnSuccess != nil {
		if err := guard(func() error { return a.opts.OnSuccess(ctx, receipt) }); err != nil {
			a.log.WithError(err).WithField("tx", hash.Hex()).Warn("success continuation failed")
		}
	}

	a.finish("success")
	return Result{State: Succeeded, TxHash: hash, Receipt: receipt}
}

func (a *attempt) fail(e *Error) Result {
	a.setState(Failed)
	a.lease.Set(txstatus.Error)

	entry := a.log.WithError(e.Err).WithField("kind", e.Kind.String())
	if e.TxHash != (common.Hash{}) {
		entry = entry.WithField("tx", e.TxHash.Hex())
	}
	switch e.Kind {
	case ExecutionReverted:
		entry.Error("transaction failed on-chain")
	case InvalidArgument:
		entry.Warn("transaction not attempted")
	default:
		entry.Error("transaction failed")
	}

	if a.opts.OnError != nil {
		if err := guard(func() error { a.opts.OnError(e); return nil }); err != nil {
			a.log.WithError(err).Warn("error continuation failed")
		}
	}

	a.finish(e.Kind.String())
	return Result{State: Failed, TxHash: e.TxHash, Err: e}
}

func (a *attempt) finish(outcome string) {
	a.mu.Lock()
	a.done = true
	a.mu.Unlock()
	if a.opts.Observer != nil {
		a.opts.Observer.Finished(a.call.Operation(), outcome, time.Since(a.started))
	}
}

func guard(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}

func blockNumber(receipt *types.Receipt) uint64 {
	if receipt.BlockNumber == nil {
		return 0
	}
	return receipt.BlockNumber.Uint64()
}
