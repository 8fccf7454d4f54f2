package server

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"vaultops/internal/actions"
	"vaultops/internal/amount"
	"vaultops/internal/idempotency"
	"vaultops/internal/txrunner"
	"vaultops/internal/txstatus"
)

type actionResponse struct {
	RequestID   string          `json:"requestId"`
	Vault       string          `json:"vault"`
	Operation   string          `json:"operation"`
	Amount      string          `json:"amount,omitempty"`
	Status      txstatus.Status `json:"status"`
	State       string          `json:"state"`
	TxHash      string          `json:"txHash,omitempty"`
	BlockNumber uint64          `json:"blockNumber,omitempty"`
	GasUsed     uint64          `json:"gasUsed,omitempty"`
	Kind        string          `json:"kind,omitempty"`
	Error       string          `json:"error,omitempty"`
}

type statusResponse struct {
	Vault     string          `json:"vault"`
	Operation string          `json:"operation"`
	Status    txstatus.Status `json:"status"`
	Pending   bool            `json:"inFlight"`
}

type balanceResponse struct {
	Token      string    `json:"token"`
	Address    string    `json:"address"`
	Owner      string    `json:"owner"`
	Raw        string    `json:"raw"`
	Amount     string    `json:"amount"`
	Normalized float64   `json:"normalized"`
	Decimals   uint8     `json:"decimals"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type actionSummary struct {
	Vault       string `json:"vault"`
	Kind        string `json:"kind"`
	Operation   string `json:"operation"`
	Contract    string `json:"contract"`
	Token       string `json:"token"`
	Decimals    uint8  `json:"decimals"`
	NeedsAmount bool   `json:"needsAmount"`
	SupportsMax bool   `json:"supportsMax"`
}

func (s *Server) resolve(c *gin.Context) (actions.Action, bool) {
	action, err := s.catalog.Resolve(c.Param("vault"), c.Param("operation"))
	if err != nil {
		newErrorResponse(c, http.StatusNotFound, err.Error())
		return actions.Action{}, false
	}
	return action, true
}

func (s *Server) handleAction(c *gin.Context) {
	action, ok := s.resolve(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	requestID := c.GetString(requestIDKey)

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		newErrorResponse(c, http.StatusBadRequest, "unreadable request body")
		return
	}

	var payload actionRequest
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			newErrorResponse(c, http.StatusBadRequest, "invalid json payload")
			return
		}
	}
	if err := binding.Validator.ValidateStruct(&payload); err != nil {
		newErrorResponse(c, http.StatusBadRequest, "amount must be a plain decimal number")
		return
	}

	key := strings.TrimSpace(c.GetHeader(headerIdempotency))
	fingerprint := idempotency.Fingerprint(action.Vault.Name, action.Operation, body)
	if key != "" && s.store != nil {
		existing, err := s.store.Get(ctx, key)
		if err != nil {
			s.log.WithError(err).Warn("idempotency lookup failed")
		}
		if existing != nil {
			if err := existing.Matches(fingerprint); err != nil {
				s.metrics.incRequest("conflict")
				newErrorResponse(c, http.StatusUnprocessableEntity, err.Error())
				return
			}
			s.metrics.incRequest("replayed")
			c.Header("X-Idempotent-Replay", "true")
			c.Data(existing.StatusCode, "application/json", existing.Response)
			return
		}
	}

	tracker := s.trackers.get(action.Vault.Name, action.Operation)
	if tracker.Leased() {
		s.metrics.incRequest("busy")
		newErrorResponse(c, http.StatusConflict, txrunner.ErrInFlight.Error())
		return
	}

	amt, status, msg := s.amountFor(c, action, payload)
	if status != 0 {
		s.metrics.incRequest("rejected")
		newErrorResponse(c, status, msg)
		return
	}

	bound, err := action.Bind()
	if err != nil {
		newErrorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	runner, err := txrunner.New(s.chain, bound, txrunner.Options{
		Validate:       action.Preflight(s.chain, s.chain.Address(), nil),
		OnSuccess:      action.RefreshAfter(s.balances),
		ConfirmTimeout: s.cfg.Chain.ConfirmTimeout,
		Observer:       s.metrics,
		Logger: s.log.WithFields(logrus.Fields{
			"vault":      action.Vault.Name,
			"request_id": requestID,
		}),
	})
	if err != nil {
		newErrorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	result := runner.Execute(ctx, tracker, amt)
	if errors.Is(result.Err, txrunner.ErrInFlight) || errors.Is(result.Err, txrunner.ErrConsumed) {
		s.metrics.incRequest("busy")
		newErrorResponse(c, http.StatusConflict, result.Err.Error())
		return
	}

	resp := actionResponse{
		RequestID: requestID,
		Vault:     action.Vault.Name,
		Operation: action.Operation,
		Status:    tracker.Get(),
		State:     result.State.String(),
	}
	if amt != nil {
		resp.Amount = amt.String()
	}
	if result.TxHash != (common.Hash{}) {
		resp.TxHash = result.TxHash.Hex()
	}
	if result.Receipt != nil {
		resp.GasUsed = result.Receipt.GasUsed
		if result.Receipt.BlockNumber != nil {
			resp.BlockNumber = result.Receipt.BlockNumber.Uint64()
		}
	}
	code := http.StatusOK
	if !result.OK() {
		resp.Kind = result.Kind().String()
		resp.Error = result.Err.Error()
		code = statusForKind(result.Kind())
	}

	encoded, err := json.Marshal(resp)
	if err != nil {
		newErrorResponse(c, http.StatusInternalServerError, "encode response")
		return
	}

	if key != "" && s.store != nil {
		now := time.Now()
		rec := idempotency.Record{
			Vault:       action.Vault.Name,
			Operation:   action.Operation,
			Fingerprint: fingerprint,
			TxHash:      resp.TxHash,
			StatusCode:  code,
			Response:    encoded,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow),
		}
		if err := s.store.Save(ctx, key, rec); err != nil {
			s.log.WithError(err).WithField("key", key).Error("failed to store idempotency record")
		}
	}

	s.metrics.incRequest("executed")
	c.Data(code, "application/json", encoded)
}

// amountFor resolves the amount for action. A non-zero status means the
// request is rejected with msg.
func (s *Server) amountFor(c *gin.Context, action actions.Action, payload actionRequest) (*amount.Amount, int, string) {
	if !action.NeedsAmount() {
		if payload.Amount != "" || payload.Max {
			return nil, http.StatusBadRequest, action.Operation + " takes no amount"
		}
		return nil, 0, ""
	}

	switch {
	case payload.Max && payload.Amount != "":
		return nil, http.StatusBadRequest, "amount and max are mutually exclusive"
	case payload.Max:
		if !action.SupportsMax() {
			return nil, http.StatusBadRequest, actions.ErrMaxUnsupported.Error()
		}
		if err := s.balances.Refresh(c.Request.Context(), action.MaxSource); err != nil {
			return nil, http.StatusBadGateway, "balance unavailable: " + err.Error()
		}
		entry, _ := s.balances.Get(action.MaxSource)
		amt := amount.FromBalance(entry.Raw, action.Decimals)
		return &amt, 0, ""
	case payload.Amount == "":
		return nil, http.StatusBadRequest, txrunner.ErrMissingAmount.Error()
	default:
		amt, ok := amount.FromInput(payload.Amount, action.Decimals)
		if !ok {
			return nil, http.StatusBadRequest, "amount must be a plain decimal number"
		}
		return &amt, 0, ""
	}
}

func statusForKind(kind txrunner.Kind) int {
	switch kind {
	case txrunner.InvalidArgument:
		return http.StatusBadRequest
	case txrunner.SigningFailed, txrunner.ExecutionReverted:
		return http.StatusUnprocessableEntity
	case txrunner.NetworkFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	action, ok := s.resolve(c)
	if !ok {
		return
	}
	tracker := s.trackers.get(action.Vault.Name, action.Operation)
	c.JSON(http.StatusOK, statusResponse{
		Vault:     action.Vault.Name,
		Operation: action.Operation,
		Status:    tracker.Get(),
		Pending:   tracker.Leased(),
	})
}

func (s *Server) handleResetStatus(c *gin.Context) {
	action, ok := s.resolve(c)
	if !ok {
		return
	}
	tracker := s.trackers.get(action.Vault.Name, action.Operation)
	if err := tracker.Reset(); err != nil {
		newErrorResponse(c, http.StatusConflict, err.Error())
		return
	}
	c.JSON(http.StatusOK, statusResponse{
		Vault:     action.Vault.Name,
		Operation: action.Operation,
		Status:    tracker.Get(),
	})
}

func (s *Server) handleBalance(c *gin.Context) {
	token, ok := s.registry.Asset(c.Param("token"))
	if !ok {
		newErrorResponse(c, http.StatusNotFound, "unknown token "+c.Param("token"))
		return
	}
	ctx := c.Request.Context()

	if c.Query("refresh") == "true" {
		if err := s.balances.Refresh(ctx, token.Address); err != nil {
			newErrorResponse(c, http.StatusBadGateway, err.Error())
			return
		}
	}
	entry, err := s.balances.Load(ctx, token.Address)
	if err != nil {
		newErrorResponse(c, http.StatusBadGateway, err.Error())
		return
	}

	amt := amount.FromBalance(entry.Raw, token.Decimals)
	c.JSON(http.StatusOK, balanceResponse{
		Token:      token.Symbol,
		Address:    token.Address.Hex(),
		Owner:      s.balances.Owner().Hex(),
		Raw:        entry.Raw.Dec(),
		Amount:     amt.String(),
		Normalized: amt.Normalized,
		Decimals:   token.Decimals,
		UpdatedAt:  entry.UpdatedAt,
	})
}

func (s *Server) handleListActions(c *gin.Context) {
	all := s.catalog.All()
	out := make([]actionSummary, 0, len(all))
	for _, a := range all {
		out = append(out, actionSummary{
			Vault:       a.Vault.Name,
			Kind:        string(a.Vault.Kind),
			Operation:   a.Operation,
			Contract:    a.Vault.Address.Hex(),
			Token:       a.Vault.Token.Symbol,
			Decimals:    a.Decimals,
			NeedsAmount: a.NeedsAmount(),
			SupportsMax: a.SupportsMax(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"actions": out})
}
