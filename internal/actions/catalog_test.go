package actions

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"vaultops/internal/amount"
	"vaultops/internal/balance"
	"vaultops/internal/call"
	"vaultops/internal/chain"
	"vaultops/internal/config"
	"vaultops/internal/txrunner"
)

var (
	crv     = common.HexToAddress("0xD533a949740bb3306d119CC777fa900bA034cd52")
	usdc    = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	yvUSDC  = common.HexToAddress("0x5f18C75AbDAe578b483E5F43f12a39cF75b973a9")
	veCRV   = common.HexToAddress("0x5f3b5DfEb7B28CDbD7FAba78963EE202a494e2A2")
	account = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	reg, err := config.NewRegistry(config.RegistryConfig{
		Tokens: map[string]config.TokenConfig{
			"crv":  {Address: crv.Hex(), Decimals: 18},
			"usdc": {Address: usdc.Hex(), Decimals: 6},
		},
		Vaults: map[string]config.VaultConfig{
			"yvusdc": {Address: yvUSDC.Hex(), Token: "usdc"},
			"vecrv":  {Address: veCRV.Hex(), Token: "crv", Kind: config.KindLocker},
		},
	})
	require.NoError(t, err)
	return NewCatalog(reg)
}

func TestResolveVaultOperations(t *testing.T) {
	c := testCatalog(t)

	dep, err := c.Resolve("yvUSDC", "Deposit")
	require.NoError(t, err)
	require.Equal(t, OpDeposit, dep.Operation)
	require.Equal(t, uint8(6), dep.Decimals)
	require.Equal(t, usdc, dep.MaxSource)
	require.True(t, dep.NeedsAmount())
	require.True(t, dep.SupportsMax())
	require.ElementsMatch(t, []common.Address{usdc, yvUSDC}, dep.Refresh)

	wd, err := c.Resolve("yvusdc", OpWithdraw)
	require.NoError(t, err)
	require.Equal(t, yvUSDC, wd.MaxSource, "withdrawals spend shares")

	_, err = c.Resolve("yvusdc", OpClaim)
	require.ErrorIs(t, err, ErrUnknownOperation)

	_, err = c.Resolve("nope", OpDeposit)
	require.ErrorIs(t, err, ErrUnknownVault)
}

func TestResolveLockerOperations(t *testing.T) {
	c := testCatalog(t)

	claim, err := c.Resolve("vecrv", OpClaim)
	require.NoError(t, err)
	require.False(t, claim.NeedsAmount())
	require.False(t, claim.SupportsMax())

	cl, err := claim.Bind()
	require.NoError(t, err)
	require.False(t, cl.AmountRequired())

	wd, err := c.Resolve("vecrv", OpWithdraw)
	require.NoError(t, err)
	require.True(t, wd.NeedsAmount())
	require.False(t, wd.SupportsMax())

	_, err = c.Resolve("vecrv", OpDeposit)
	require.ErrorIs(t, err, ErrUnknownOperation)
}

func TestBindIsFreshPerAttempt(t *testing.T) {
	c := testCatalog(t)
	dep, err := c.Resolve("yvusdc", OpDeposit)
	require.NoError(t, err)

	first, err := dep.Bind()
	require.NoError(t, err)
	require.NoError(t, first.Claim())

	second, err := dep.Bind()
	require.NoError(t, err)
	require.NoError(t, second.Claim(), "a new call is not consumed")
	require.Equal(t, yvUSDC, second.Contract())

	amt, ok := amount.FromInput("1.5", dep.Decimals)
	require.True(t, ok)
	args, err := second.Args(amt)
	require.NoError(t, err)
	data, err := second.Pack(args)
	require.NoError(t, err)
	require.Len(t, data, 36)
}

func TestAll(t *testing.T) {
	all := testCatalog(t).All()
	var names []string
	for _, a := range all {
		names = append(names, a.Vault.Name+"/"+a.Operation)
	}
	require.Equal(t, []string{"vecrv/claim", "vecrv/lock", "vecrv/withdraw", "yvusdc/deposit", "yvusdc/withdraw"}, names)
}

func TestRefreshAfter(t *testing.T) {
	fake := chain.NewFakeProvider(account)
	fake.SetBalance(usdc, account, uint256.NewInt(42))
	logger, _ := logtest.NewNullLogger()
	cache := balance.NewCache(fake, account, logger)

	dep, err := testCatalog(t).Resolve("yvusdc", OpDeposit)
	require.NoError(t, err)

	require.NoError(t, dep.RefreshAfter(cache)(context.Background(), nil))

	got, ok := cache.Get(usdc)
	require.True(t, ok)
	require.Equal(t, uint64(42), got.Raw.Uint64())
	_, ok = cache.Get(yvUSDC)
	require.True(t, ok)
}

type brokenLocks struct{}

func (brokenLocks) UnlockTime(context.Context, common.Address, common.Address) (time.Time, error) {
	return time.Time{}, errors.New("execution reverted")
}

func TestPreflightGatesLockerWithdraw(t *testing.T) {
	c := testCatalog(t)
	fake := chain.NewFakeProvider(account)
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	for _, pair := range [][2]string{{"yvusdc", OpDeposit}, {"yvusdc", OpWithdraw}, {"vecrv", OpLock}, {"vecrv", OpClaim}} {
		a, err := c.Resolve(pair[0], pair[1])
		require.NoError(t, err)
		require.Nil(t, a.Preflight(fake, account, clock), "%s/%s has no pre-flight check", pair[0], pair[1])
	}

	wd, err := c.Resolve("vecrv", OpWithdraw)
	require.NoError(t, err)
	require.Nil(t, wd.Preflight(nil, account, clock))
	check := wd.Preflight(fake, account, clock)
	require.NotNil(t, check)
	ctx := context.Background()

	require.ErrorIs(t, check(ctx, call.Request{}), ErrNothingLocked)

	fake.SetUnlockTime(veCRV, account, now.Add(time.Hour))
	err = check(ctx, call.Request{})
	require.ErrorIs(t, err, ErrStillLocked)
	require.Equal(t, txrunner.KindNone, txrunner.KindOf(err))

	fake.SetUnlockTime(veCRV, account, now)
	require.NoError(t, check(ctx, call.Request{}))

	err = wd.Preflight(brokenLocks{}, account, clock)(ctx, call.Request{})
	require.Equal(t, txrunner.NetworkFailure, txrunner.KindOf(err))
}
