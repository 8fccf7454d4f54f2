package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"vaultops/internal/chain"
	"vaultops/internal/config"
	"vaultops/internal/hmacauth"
	"vaultops/internal/idempotency"
)

var (
	account = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	usdc    = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	yvUSDC  = common.HexToAddress("0x5f18C75AbDAe578b483E5F43f12a39cF75b973a9")
	crv     = common.HexToAddress("0xD533a949740bb3306d119CC777fa900bA034cd52")
	veCRV   = common.HexToAddress("0x5f3b5DfEb7B28CDbD7FAba78963EE202a494e2A2")
)

func testConfig(t *testing.T, secret string) *config.AppConfig {
	t.Helper()
	cfg := &config.AppConfig{
		Service: config.ServiceConfig{
			HTTPPort:          3000,
			HMACSecret:        secret,
			HMACClockSkew:     time.Minute,
			IdempotencyWindow: time.Minute,
		},
		Chain: config.ChainConfig{PollInterval: time.Millisecond},
		Store: config.StoreConfig{Driver: config.StoreMemory},
		Registry: config.RegistryConfig{
			Tokens: map[string]config.TokenConfig{
				"usdc": {Address: usdc.Hex(), Decimals: 6},
				"crv":  {Address: crv.Hex(), Decimals: 18},
			},
			Vaults: map[string]config.VaultConfig{
				"yvusdc": {Address: yvUSDC.Hex(), Token: "usdc"},
				"vecrv":  {Address: veCRV.Hex(), Token: "crv", Kind: config.KindLocker},
			},
		},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestServer(t *testing.T, secret string, c Chain) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger, _ := logtest.NewNullLogger()
	srv, err := NewServer(testConfig(t, secret), c, idempotency.NewMemoryStore(), logger)
	require.NoError(t, err)
	return srv
}

type apiResult struct {
	Code    int
	Header  http.Header
	Body    []byte
	Payload map[string]any
}

func do(t *testing.T, srv *Server, method, path, body string, headers map[string]string) apiResult {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	res := apiResult{Code: rec.Code, Header: rec.Header(), Body: rec.Body.Bytes()}
	_ = json.Unmarshal(rec.Body.Bytes(), &res.Payload)
	return res
}

func status(t *testing.T, payload map[string]any) map[string]any {
	t.Helper()
	s, ok := payload["status"].(map[string]any)
	require.True(t, ok, "status missing in %v", payload)
	return s
}

func TestDepositSucceedsAndRefreshesBalances(t *testing.T) {
	fake := chain.NewFakeProvider(account)
	fake.SetBalance(usdc, account, uint256.NewInt(5_000_000))
	srv := newTestServer(t, "", fake)

	res := do(t, srv, http.MethodPost, "/api/v1/vaults/yvusdc/deposit", `{"amount":"1.5"}`, nil)
	require.Equal(t, http.StatusOK, res.Code, string(res.Body))
	require.Equal(t, "1.5", res.Payload["amount"])
	require.Equal(t, "succeeded", res.Payload["state"])
	require.NotEmpty(t, res.Payload["txHash"])
	require.Equal(t, true, status(t, res.Payload)["success"])
	require.NotEmpty(t, res.Header.Get(headerRequestID))

	cached, ok := srv.Balances().Get(usdc)
	require.True(t, ok, "success continuation refreshed the balance")
	require.Equal(t, uint64(5_000_000), cached.Raw.Uint64())

	st := do(t, srv, http.MethodGet, "/api/v1/vaults/yvusdc/deposit/status", "", nil)
	require.Equal(t, http.StatusOK, st.Code)
	require.Equal(t, true, status(t, st.Payload)["success"])
	require.Equal(t, false, st.Payload["inFlight"])
}

func TestLockerWithdrawWaitsForUnlock(t *testing.T) {
	fake := chain.NewFakeProvider(account)
	srv := newTestServer(t, "", fake)
	path := "/api/v1/vaults/vecrv/withdraw"

	res := do(t, srv, http.MethodPost, path, `{"amount":"1"}`, nil)
	require.Equal(t, http.StatusBadRequest, res.Code, string(res.Body))
	require.Equal(t, "invalid_argument", res.Payload["kind"])
	require.Contains(t, res.Payload["error"], "nothing locked")

	fake.SetUnlockTime(veCRV, account, time.Now().Add(time.Hour))
	res = do(t, srv, http.MethodPost, path, `{"amount":"1"}`, nil)
	require.Equal(t, http.StatusBadRequest, res.Code)
	require.Contains(t, res.Payload["error"], "still locked")
	require.Equal(t, true, status(t, res.Payload)["error"])
	require.Empty(t, res.Payload["txHash"], "nothing is signed before unlock")

	fake.SetUnlockTime(veCRV, account, time.Now().Add(-time.Minute))
	res = do(t, srv, http.MethodPost, path, `{"amount":"1"}`, nil)
	require.Equal(t, http.StatusOK, res.Code, string(res.Body))
	require.Equal(t, "succeeded", res.Payload["state"])
}

func TestRevertedWithdrawAndReset(t *testing.T) {
	fake := chain.NewFakeProvider(account)
	fake.RevertOn("withdraw")
	srv := newTestServer(t, "", fake)

	res := do(t, srv, http.MethodPost, "/api/v1/vaults/yvusdc/withdraw", `{"amount":"2"}`, nil)
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)
	require.Equal(t, "execution_reverted", res.Payload["kind"])
	require.Equal(t, true, status(t, res.Payload)["error"])
	require.NotEmpty(t, res.Payload["txHash"], "reverted calls were mined")

	reset := do(t, srv, http.MethodDelete, "/api/v1/vaults/yvusdc/withdraw/status", "", nil)
	require.Equal(t, http.StatusOK, reset.Code)
	require.Equal(t, true, status(t, reset.Payload)["none"])
}

func TestAmountValidation(t *testing.T) {
	fake := chain.NewFakeProvider(account)
	srv := newTestServer(t, "", fake)

	tests := []struct {
		name string
		path string
		body string
		code int
	}{
		{"zero amount", "/api/v1/vaults/yvusdc/deposit", `{"amount":"0"}`, http.StatusBadRequest},
		{"negative", "/api/v1/vaults/yvusdc/deposit", `{"amount":"-1"}`, http.StatusBadRequest},
		{"exponent", "/api/v1/vaults/yvusdc/deposit", `{"amount":"1e6"}`, http.StatusBadRequest},
		{"missing", "/api/v1/vaults/yvusdc/deposit", `{}`, http.StatusBadRequest},
		{"both", "/api/v1/vaults/yvusdc/deposit", `{"amount":"1","max":true}`, http.StatusBadRequest},
		{"not json", "/api/v1/vaults/yvusdc/deposit", `amount=1`, http.StatusBadRequest},
		{"claim with amount", "/api/v1/vaults/vecrv/claim", `{"amount":"1"}`, http.StatusBadRequest},
		{"locker withdraw max", "/api/v1/vaults/vecrv/withdraw", `{"max":true}`, http.StatusBadRequest},
		{"unknown vault", "/api/v1/vaults/nope/deposit", `{"amount":"1"}`, http.StatusNotFound},
		{"unknown operation", "/api/v1/vaults/yvusdc/claim", `{}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := do(t, srv, http.MethodPost, tt.path, tt.body, nil)
			require.Equal(t, tt.code, res.Code, string(res.Body))
			require.NotEmpty(t, stringOr(res.Payload["message"])+stringOr(res.Payload["error"]))
		})
	}
}

func stringOr(v any) string {
	s, _ := v.(string)
	return s
}

func TestZeroAmountMarksStatusError(t *testing.T) {
	srv := newTestServer(t, "", chain.NewFakeProvider(account))

	res := do(t, srv, http.MethodPost, "/api/v1/vaults/yvusdc/deposit", `{"amount":"0.0000001"}`, nil)
	require.Equal(t, http.StatusBadRequest, res.Code)
	require.Equal(t, "invalid_argument", res.Payload["kind"])
	require.Equal(t, true, status(t, res.Payload)["error"])
	require.Empty(t, res.Payload["txHash"])
}

func TestMaxUsesCurrentBalance(t *testing.T) {
	fake := chain.NewFakeProvider(account)
	fake.SetBalance(usdc, account, uint256.NewInt(1_234_567))
	srv := newTestServer(t, "", fake)

	res := do(t, srv, http.MethodPost, "/api/v1/vaults/yvusdc/deposit", `{"max":true}`, nil)
	require.Equal(t, http.StatusOK, res.Code, string(res.Body))
	require.Equal(t, "1.234567", res.Payload["amount"])
}

func TestClaimTakesNoAmount(t *testing.T) {
	srv := newTestServer(t, "", chain.NewFakeProvider(account))

	res := do(t, srv, http.MethodPost, "/api/v1/vaults/vecrv/claim", "", nil)
	require.Equal(t, http.StatusOK, res.Code, string(res.Body))
	require.Nil(t, res.Payload["amount"])
}

func TestIdempotentReplay(t *testing.T) {
	fake := chain.NewFakeProvider(account)
	srv := newTestServer(t, "", fake)
	headers := map[string]string{headerIdempotency: "key-1"}

	first := do(t, srv, http.MethodPost, "/api/v1/vaults/yvusdc/deposit", `{"amount":"1"}`, headers)
	require.Equal(t, http.StatusOK, first.Code)

	second := do(t, srv, http.MethodPost, "/api/v1/vaults/yvusdc/deposit", `{"amount":"1"}`, headers)
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, "true", second.Header.Get("X-Idempotent-Replay"))
	require.True(t, bytes.Equal(first.Body, second.Body))

	reused := do(t, srv, http.MethodPost, "/api/v1/vaults/yvusdc/deposit", `{"amount":"2"}`, headers)
	require.Equal(t, http.StatusUnprocessableEntity, reused.Code)

	metrics := do(t, srv, http.MethodGet, "/api/v1/metrics", "", nil)
	require.Contains(t, string(metrics.Body), `vaultops_requests_total{status="replayed"} 1`)
	require.Contains(t, string(metrics.Body), `vaultops_actions_total{operation="deposit",outcome="success"} 1`)
}

func TestHMACRequiredForActions(t *testing.T) {
	srv := newTestServer(t, "secret", chain.NewFakeProvider(account))
	path := "/api/v1/vaults/yvusdc/deposit"
	body := `{"amount":"1"}`

	res := do(t, srv, http.MethodPost, path, body, nil)
	require.Equal(t, http.StatusUnauthorized, res.Code)

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	res = do(t, srv, http.MethodPost, path, body, map[string]string{
		hmacauth.HeaderTimestamp: ts,
		hmacauth.HeaderSignature: hmacauth.Sign("secret", http.MethodPost, path, ts, []byte(body)),
	})
	require.Equal(t, http.StatusOK, res.Code, string(res.Body))

	st := do(t, srv, http.MethodGet, path+"/status", "", nil)
	require.Equal(t, http.StatusOK, st.Code, "status reads are unsigned")
}

// gatedChain holds the first confirmation until released.
type gatedChain struct {
	*chain.FakeProvider
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedChain) AwaitConfirmation(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	first := false
	g.once.Do(func() {
		first = true
		close(g.entered)
	})
	if first {
		<-g.release
	}
	return g.FakeProvider.AwaitConfirmation(ctx, tx)
}

func TestSecondSubmissionWhileInFlight(t *testing.T) {
	gc := &gatedChain{
		FakeProvider: chain.NewFakeProvider(account),
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	srv := newTestServer(t, "", gc)
	path := "/api/v1/vaults/yvusdc/deposit"

	done := make(chan apiResult, 1)
	go func() {
		done <- do(t, srv, http.MethodPost, path, `{"amount":"1"}`, nil)
	}()
	<-gc.entered

	st := do(t, srv, http.MethodGet, path+"/status", "", nil)
	require.Equal(t, true, status(t, st.Payload)["pending"])
	require.Equal(t, true, st.Payload["inFlight"])

	busy := do(t, srv, http.MethodPost, path, `{"amount":"1"}`, nil)
	require.Equal(t, http.StatusConflict, busy.Code)

	reset := do(t, srv, http.MethodDelete, path+"/status", "", nil)
	require.Equal(t, http.StatusConflict, reset.Code)

	health := do(t, srv, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, []any{"yvusdc/deposit"}, health.Payload["in_flight"])

	other := do(t, srv, http.MethodPost, "/api/v1/vaults/vecrv/claim", "", nil)
	require.Equal(t, http.StatusOK, other.Code, "other actions are independent")

	close(gc.release)
	first := <-done
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, true, status(t, first.Payload)["success"])
}

func TestBalanceEndpoint(t *testing.T) {
	fake := chain.NewFakeProvider(account)
	fake.SetBalance(usdc, account, uint256.NewInt(2_500_000))
	srv := newTestServer(t, "", fake)

	res := do(t, srv, http.MethodGet, "/api/v1/balances/USDC", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "2500000", res.Payload["raw"])
	require.Equal(t, "2.5", res.Payload["amount"])
	require.Equal(t, 2.5, res.Payload["normalized"])

	fake.SetBalance(usdc, account, uint256.NewInt(1))
	cached := do(t, srv, http.MethodGet, "/api/v1/balances/usdc", "", nil)
	require.Equal(t, "2500000", cached.Payload["raw"], "served from cache")

	fresh := do(t, srv, http.MethodGet, "/api/v1/balances/usdc?refresh=true", "", nil)
	require.Equal(t, "1", fresh.Payload["raw"])

	share := do(t, srv, http.MethodGet, "/api/v1/balances/yvusdc", "", nil)
	require.Equal(t, http.StatusOK, share.Code)
	require.Equal(t, yvUSDC.Hex(), share.Payload["address"])

	missing := do(t, srv, http.MethodGet, "/api/v1/balances/dai", "", nil)
	require.Equal(t, http.StatusNotFound, missing.Code)
}

func TestHealthAndListing(t *testing.T) {
	srv := newTestServer(t, "", chain.NewFakeProvider(account))

	health := do(t, srv, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusOK, health.Code)
	require.Equal(t, "healthy", health.Payload["status"])

	list := do(t, srv, http.MethodGet, "/api/v1/vaults", "", nil)
	require.Equal(t, http.StatusOK, list.Code)
	require.Len(t, list.Payload["actions"], 5)
}

func TestNewServerRequiresValidatedConfig(t *testing.T) {
	_, err := NewServer(&config.AppConfig{}, chain.NewFakeProvider(account), nil, nil)
	require.Error(t, err)
}
