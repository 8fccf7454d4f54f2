package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type rpcHealth struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms"`
	Account   string  `json:"account"`
	Error     string  `json:"error,omitempty"`
}

type storeHealth struct {
	Connected bool   `json:"connected"`
	Driver    string `json:"driver"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status   string      `json:"status"`
	RPC      rpcHealth   `json:"rpc"`
	Database storeHealth `json:"database"`
	InFlight []string    `json:"in_flight"`
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	healthy := true

	rpc := rpcHealth{Connected: true, Account: s.chain.Address().Hex()}
	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := s.rpcHealthFn(rpcCtx)
		cancel()
		if err != nil {
			rpc.Connected = false
			rpc.Error = err.Error()
			healthy = false
		} else {
			rpc.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	db := storeHealth{Connected: true, Driver: string(s.cfg.Store.Driver)}
	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := s.dbHealthFn(dbCtx)
		cancel()
		if err != nil {
			db.Connected = false
			db.Error = err.Error()
			healthy = false
		}
	}

	resp := healthResponse{
		Status:   "healthy",
		RPC:      rpc,
		Database: db,
		InFlight: s.trackers.leased(),
	}
	code := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}
