// Package actions maps a registered vault and an operation name to the bound
// contract call, the amount precision and the balances it affects.
package actions

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"

	"vaultops/internal/balance"
	"vaultops/internal/call"
	"vaultops/internal/config"
	"vaultops/internal/contracts"
	"vaultops/internal/txrunner"
)

var (
	ErrUnknownVault     = errors.New("unknown vault")
	ErrUnknownOperation = errors.New("operation not supported by vault")
	ErrMaxUnsupported   = errors.New("operation has no balance to take a maximum from")
	ErrNothingLocked    = errors.New("nothing locked to withdraw")
	ErrStillLocked      = errors.New("position is still locked")
)

// LockReader reads when a locked position can be withdrawn.
type LockReader interface {
	UnlockTime(ctx context.Context, locker, owner common.Address) (time.Time, error)
}

const (
	OpDeposit  = "deposit"
	OpWithdraw = "withdraw"
	OpLock     = "lock"
	OpClaim    = "claim"
)

// Action is one resolved (vault, operation) pair. It is a value; Bind
// produces a fresh call for every attempt.
type Action struct {
	Vault     config.Vault
	Operation string
	// Decimals is the precision user amounts are entered in.
	Decimals uint8
	// MaxSource is the token whose balance a "max" request spends. Zero when
	// the operation has no such balance.
	MaxSource common.Address
	// Refresh lists the balances that change once the call is mined.
	Refresh []common.Address

	static bool
	abi    abi.ABI
}

func (a Action) NeedsAmount() bool {
	return !a.static
}

func (a Action) SupportsMax() bool {
	return !a.static && a.MaxSource != (common.Address{})
}

// Bind creates a new call for this action. Calls are single-use.
func (a Action) Bind() (*call.Call, error) {
	if a.static {
		return call.BindStatic(a.Operation, a.Vault.Address, a.abi)
	}
	return call.Bind(a.Operation, a.Vault.Address, a.abi, call.AmountArg)
}

// RefreshAfter returns a success continuation that re-reads the affected
// balances.
func (a Action) RefreshAfter(cache *balance.Cache) func(context.Context, *types.Receipt) error {
	tokens := append([]common.Address(nil), a.Refresh...)
	return func(ctx context.Context, _ *types.Receipt) error {
		return cache.Refresh(ctx, tokens...)
	}
}

// Preflight returns the check to run before anything is signed, or nil when
// the action has none. Only locker withdrawals are gated: they are refused
// while owner has nothing locked or the lock has not expired. A failed read
// is reported as a network failure.
func (a Action) Preflight(reader LockReader, owner common.Address, now func() time.Time) func(context.Context, call.Request) error {
	if reader == nil || a.Vault.Kind != config.KindLocker || a.Operation != OpWithdraw {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	locker := a.Vault.Address
	return func(ctx context.Context, _ call.Request) error {
		opens, err := reader.UnlockTime(ctx, locker, owner)
		if err != nil {
			return &txrunner.Error{Kind: txrunner.NetworkFailure, Err: errors.Wrap(err, "read unlock time")}
		}
		if opens.IsZero() {
			return ErrNothingLocked
		}
		if now().Before(opens) {
			return errors.Wrapf(ErrStillLocked, "until %s", opens.UTC().Format(time.RFC3339))
		}
		return nil
	}
}

// Catalog resolves actions against the registry.
type Catalog struct {
	registry *config.Registry
}

func NewCatalog(registry *config.Registry) *Catalog {
	return &Catalog{registry: registry}
}

// Operations lists what a vault kind supports.
func Operations(kind config.VaultKind) []string {
	switch kind {
	case config.KindVault:
		return []string{OpDeposit, OpWithdraw}
	case config.KindLocker:
		return []string{OpClaim, OpLock, OpWithdraw}
	default:
		return nil
	}
}

func (c *Catalog) Resolve(vaultName, operation string) (Action, error) {
	v, ok := c.registry.Vault(vaultName)
	if !ok {
		return Action{}, errors.Wrap(ErrUnknownVault, vaultName)
	}
	op := strings.ToLower(strings.TrimSpace(operation))
	both := []common.Address{v.Token.Address, v.Share.Address}

	switch v.Kind {
	case config.KindVault:
		switch op {
		case OpDeposit:
			return Action{Vault: v, Operation: op, Decimals: v.Token.Decimals, MaxSource: v.Token.Address, Refresh: both, abi: contracts.Vault()}, nil
		case OpWithdraw:
			return Action{Vault: v, Operation: op, Decimals: v.Share.Decimals, MaxSource: v.Share.Address, Refresh: both, abi: contracts.Vault()}, nil
		}
	case config.KindLocker:
		token := []common.Address{v.Token.Address}
		switch op {
		case OpLock:
			return Action{Vault: v, Operation: op, Decimals: v.Token.Decimals, MaxSource: v.Token.Address, Refresh: token, abi: contracts.Locker()}, nil
		case OpWithdraw:
			// The locked position is not an ERC-20 balance, so there is no max.
			return Action{Vault: v, Operation: op, Decimals: v.Token.Decimals, Refresh: token, abi: contracts.Locker()}, nil
		case OpClaim:
			return Action{Vault: v, Operation: op, Decimals: v.Token.Decimals, Refresh: token, static: true, abi: contracts.Locker()}, nil
		}
	}
	return Action{}, errors.Wrapf(ErrUnknownOperation, "%s on %s", operation, v.Name)
}

// All resolves every supported action, ordered by vault then operation.
func (c *Catalog) All() []Action {
	var out []Action
	for _, v := range c.registry.Vaults() {
		ops := Operations(v.Kind)
		sort.Strings(ops)
		for _, op := range ops {
			if a, err := c.Resolve(v.Name, op); err == nil {
				out = append(out, a)
			}
		}
	}
	return out
}
