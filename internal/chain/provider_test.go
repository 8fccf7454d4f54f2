package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"vaultops/internal/call"
	"vaultops/internal/contracts"
)

var (
	signer   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	vault    = common.HexToAddress("0x27B5739e22ad9033bcBf192059122d163b60349D")
	stableTk = common.HexToAddress("0xFCc5c47bE19d06BF83eB04298b026F81069ff65b")
)

func withdrawRequest(amount int64) call.Request {
	return call.Request{
		Contract:  vault,
		ABI:       contracts.Vault(),
		Operation: "withdraw",
		Args:      []any{big.NewInt(amount)},
	}
}

func TestFakeProviderLifecycle(t *testing.T) {
	ctx := context.Background()
	p := NewFakeProvider(signer)

	tx, err := p.Sign(ctx, withdrawRequest(10))
	require.NoError(t, err)
	require.Equal(t, uint64(1), tx.Nonce())
	require.Equal(t, vault, *tx.To())

	_, err = p.AwaitConfirmation(ctx, tx)
	require.Error(t, err, "unsent transactions are unknown")

	require.NoError(t, p.Broadcast(ctx, tx))
	require.Error(t, p.Broadcast(ctx, tx), "duplicate broadcast")

	receipt, err := p.AwaitConfirmation(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
	require.Equal(t, tx.Hash(), receipt.TxHash)
}

func TestFakeProviderRevert(t *testing.T) {
	ctx := context.Background()
	p := NewFakeProvider(signer)
	p.RevertOn("withdraw")

	tx, err := p.Sign(ctx, withdrawRequest(10))
	require.NoError(t, err)
	require.NoError(t, p.Broadcast(ctx, tx))

	receipt, err := p.AwaitConfirmation(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, types.ReceiptStatusFailed, receipt.Status)
}

func TestFakeProviderRejectsBadArgs(t *testing.T) {
	req := withdrawRequest(1)
	req.Args = []any{"one"}
	_, err := NewFakeProvider(signer).Sign(context.Background(), req)
	require.Error(t, err)
}

func TestFakeProviderBalances(t *testing.T) {
	ctx := context.Background()
	p := NewFakeProvider(signer)

	bal, err := p.BalanceOf(ctx, stableTk, signer)
	require.NoError(t, err)
	require.True(t, bal.IsZero())

	p.SetBalance(stableTk, signer, uint256.NewInt(5000))
	bal, err = p.BalanceOf(ctx, stableTk, signer)
	require.NoError(t, err)
	require.Equal(t, uint64(5000), bal.Uint64())

	bal.SetUint64(1)
	again, _ := p.BalanceOf(ctx, stableTk, signer)
	require.Equal(t, uint64(5000), again.Uint64())
}

type stubReceipts struct {
	mu      sync.Mutex
	misses  int
	err     error
	calls   int
	receipt *types.Receipt
}

func (s *stubReceipts) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if s.calls <= s.misses {
		return nil, ethereum.NotFound
	}
	return s.receipt, nil
}

func TestWaitForReceiptPollsUntilMined(t *testing.T) {
	want := &types.Receipt{Status: types.ReceiptStatusSuccessful}
	reader := &stubReceipts{misses: 2, receipt: want}

	got, err := WaitForReceipt(context.Background(), reader, common.Hash{1}, time.Millisecond)
	require.NoError(t, err)
	require.Same(t, want, got)
	require.Equal(t, 3, reader.calls)
}

func TestWaitForReceiptTransportError(t *testing.T) {
	boom := errors.New("connection refused")
	reader := &stubReceipts{err: boom}

	_, err := WaitForReceipt(context.Background(), reader, common.Hash{1}, time.Millisecond)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, reader.calls)
}

func TestWaitForReceiptHonoursContext(t *testing.T) {
	reader := &stubReceipts{misses: 1 << 30}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Millisecond)
	defer cancel()

	_, err := WaitForReceipt(ctx, reader, common.Hash{1}, time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParsePrivateKey(t *testing.T) {
	_, err := parsePrivateKey("0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)

	_, err = parsePrivateKey("not-a-key")
	require.Error(t, err)
}

func TestNewEthProviderValidatesConfig(t *testing.T) {
	_, err := NewEthProvider(context.Background(), EthProviderConfig{PrivateKeyHex: "00"})
	require.Error(t, err)

	_, err = NewEthProvider(context.Background(), EthProviderConfig{RPCURL: "http://127.0.0.1:8545"})
	require.Error(t, err)
}

func TestNonceTrackerHandsOutConsecutiveNonces(t *testing.T) {
	var n nonceTracker
	fetches := 0
	fetch := func(context.Context) (uint64, error) {
		fetches++
		return 7, nil
	}

	var (
		mu   sync.Mutex
		seen = map[uint64]bool{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, n.sign(context.Background(), fetch, func(nonce uint64) error {
				mu.Lock()
				defer mu.Unlock()
				require.False(t, seen[nonce], "nonce %d reused", nonce)
				seen[nonce] = true
				return nil
			}))
		}()
	}
	wg.Wait()

	require.Len(t, seen, 16)
	for i := uint64(7); i < 23; i++ {
		require.True(t, seen[i])
	}
	require.Equal(t, 1, fetches)
}

func TestNonceTrackerFailuresAndResync(t *testing.T) {
	var n nonceTracker
	pending := uint64(3)
	fetch := func(context.Context) (uint64, error) { return pending, nil }

	var got []uint64
	record := func(nonce uint64) error {
		got = append(got, nonce)
		return nil
	}

	require.NoError(t, n.sign(context.Background(), fetch, record))
	require.Error(t, n.sign(context.Background(), fetch, func(uint64) error {
		return errors.New("gas estimation failed")
	}))
	require.NoError(t, n.sign(context.Background(), fetch, record))
	require.Equal(t, []uint64{3, 4}, got, "a failed signature does not burn a nonce")

	pending = 4
	n.reset()
	require.NoError(t, n.sign(context.Background(), fetch, record))
	require.Equal(t, []uint64{3, 4, 4}, got)

	n.reset()
	err := n.sign(context.Background(), func(context.Context) (uint64, error) {
		return 0, errors.New("node down")
	}, record)
	require.ErrorContains(t, err, "pending nonce")
}

func TestFakeProviderUnlockTimeAndDecimals(t *testing.T) {
	ctx := context.Background()
	p := NewFakeProvider(signer)

	at, err := p.UnlockTime(ctx, vault, signer)
	require.NoError(t, err)
	require.True(t, at.IsZero())

	opens := time.Unix(1_700_000_000, 0)
	p.SetUnlockTime(vault, signer, opens)
	at, err = p.UnlockTime(ctx, vault, signer)
	require.NoError(t, err)
	require.True(t, at.Equal(opens))

	_, err = p.Decimals(ctx, stableTk)
	require.Error(t, err)
	p.SetDecimals(stableTk, 6)
	d, err := p.Decimals(ctx, stableTk)
	require.NoError(t, err)
	require.Equal(t, uint8(6), d)
}
