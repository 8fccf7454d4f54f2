package chain

import (
	"context"
	"crypto/sha256"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"vaultops/internal/call"
)

// FakeProvider emulates a chain in memory so the service runs without a
// node or key. Every transaction is mined immediately.
type FakeProvider struct {
	mu       sync.Mutex
	from     common.Address
	nonce    uint64
	sent     map[common.Hash]bool
	ops      map[common.Hash]string
	reverts  map[string]bool
	balances map[common.Address]map[common.Address]*uint256.Int
	unlocks  map[common.Address]map[common.Address]time.Time
	decimals map[common.Address]uint8
}

func NewFakeProvider(from common.Address) *FakeProvider {
	return &FakeProvider{
		from:     from,
		sent:     make(map[common.Hash]bool),
		ops:      make(map[common.Hash]string),
		reverts:  make(map[string]bool),
		balances: make(map[common.Address]map[common.Address]*uint256.Int),
		unlocks:  make(map[common.Address]map[common.Address]time.Time),
		decimals: make(map[common.Address]uint8),
	}
}

func (f *FakeProvider) Address() common.Address {
	return f.from
}

// RevertOn makes every future call to operation mine with a failed status.
func (f *FakeProvider) RevertOn(operation string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reverts[operation] = true
}

func (f *FakeProvider) SetBalance(token, owner common.Address, bal *uint256.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balances[token] == nil {
		f.balances[token] = make(map[common.Address]*uint256.Int)
	}
	f.balances[token][owner] = bal.Clone()
}

func (f *FakeProvider) BalanceOf(_ context.Context, token, owner common.Address) (*uint256.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if bal, ok := f.balances[token][owner]; ok {
		return bal.Clone(), nil
	}
	return new(uint256.Int), nil
}

// SetUnlockTime records when owner's locked position in locker opens.
func (f *FakeProvider) SetUnlockTime(locker, owner common.Address, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unlocks[locker] == nil {
		f.unlocks[locker] = make(map[common.Address]time.Time)
	}
	f.unlocks[locker][owner] = at
}

func (f *FakeProvider) UnlockTime(_ context.Context, locker, owner common.Address) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unlocks[locker][owner], nil
}

func (f *FakeProvider) SetDecimals(token common.Address, decimals uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decimals[token] = decimals
}

func (f *FakeProvider) Decimals(_ context.Context, token common.Address) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.decimals[token]
	if !ok {
		return 0, errors.Errorf("decimals %s: no contract code", token.Hex())
	}
	return d, nil
}

func (f *FakeProvider) Sign(_ context.Context, req call.Request) (*types.Transaction, error) {
	data, err := req.ABI.Pack(req.Operation, req.Args...)
	if err != nil {
		return nil, errors.Wrapf(err, "sign %s", req.Operation)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonce++

	to := req.Contract
	seed := sha256.Sum256(append(f.from.Bytes(), data...))
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    f.nonce,
		To:       &to,
		Gas:      21_000 + uint64(len(data))*16,
		GasPrice: new(big.Int).SetBytes(seed[:4]),
		Data:     data,
	})
	f.ops[tx.Hash()] = req.Operation
	return tx, nil
}

func (f *FakeProvider) Broadcast(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent[tx.Hash()] {
		return errors.Errorf("already known: %s", tx.Hash().Hex())
	}
	f.sent[tx.Hash()] = true
	return nil
}

func (f *FakeProvider) AwaitConfirmation(_ context.Context, tx *types.Transaction) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sent[tx.Hash()] {
		return nil, errors.Errorf("unknown transaction %s", tx.Hash().Hex())
	}

	status := types.ReceiptStatusSuccessful
	if f.reverts[f.ops[tx.Hash()]] {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(tx.Nonce()),
		GasUsed:     tx.Gas(),
	}, nil
}

func (f *FakeProvider) Ping(context.Context) error {
	return nil
}
