// Package server exposes vault actions, their status and the cached balances
// over HTTP.
package server

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"vaultops/internal/actions"
	"vaultops/internal/balance"
	"vaultops/internal/config"
	"vaultops/internal/hmacauth"
	"vaultops/internal/idempotency"
	"vaultops/internal/txrunner"
	"vaultops/internal/txstatus"
)

// Chain is what the server needs from the network: a transaction provider,
// balance reads and the sending account.
type Chain interface {
	txrunner.Provider
	balance.Source
	actions.LockReader
	Address() common.Address
}

// HealthChecker is implemented by chains and stores that can be probed.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Server struct {
	cfg        *config.AppConfig
	registry   *config.Registry
	catalog    *actions.Catalog
	chain      Chain
	balances   *balance.Cache
	store      idempotency.Store
	hmac       *hmacauth.Verifier
	metrics    *metricsRegistry
	trackers   *trackerSet
	log        logrus.FieldLogger
	engine     *gin.Engine
	httpServer *http.Server

	rpcHealthFn func(context.Context) error
	dbHealthFn  func(context.Context) error
}

// NewServer wires the API. cfg must have been validated.
func NewServer(cfg *config.AppConfig, chain Chain, store idempotency.Store, logger logrus.FieldLogger) (*Server, error) {
	if cfg.Resolved() == nil {
		return nil, errors.New("config has not been validated")
	}
	if err := registerValidators(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &Server{
		cfg:      cfg,
		registry: cfg.Resolved(),
		catalog:  actions.NewCatalog(cfg.Resolved()),
		chain:    chain,
		balances: balance.NewCache(chain, chain.Address(), logger),
		store:    store,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
			Logger:  logger,
		},
		metrics:  newMetricsRegistry(),
		trackers: newTrackerSet(),
		log:      logger.WithField("component", "server"),
	}

	if checker, ok := chain.(HealthChecker); ok {
		s.rpcHealthFn = checker.Ping
	}
	if store != nil {
		s.dbHealthFn = store.Ping
	}

	s.engine = s.routes()
	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.engine,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestIDMiddleware(), accessLogMiddleware(s.log))

	router.Use(cors.New(corsConfig(s.cfg.Service.CORSOrigins)))

	api := router.Group("/api/v1")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/metrics", gin.WrapH(s.metrics.handler()))
		api.GET("/balances/:token", s.handleBalance)
		api.GET("/vaults", s.handleListActions)

		vaults := api.Group("/vaults/:vault/:operation")
		{
			vaults.POST("", s.hmac.Gin(), s.handleAction)
			vaults.GET("/status", s.handleStatus)
			vaults.DELETE("/status", s.hmac.Gin(), s.handleResetStatus)
		}
	}
	return router
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Length", "Content-Type",
			hmacauth.HeaderSignature, hmacauth.HeaderTimestamp, headerIdempotency, headerRequestID},
		ExposeHeaders: []string{"Content-Length", headerRequestID},
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	return cfg
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Balances is the cache refreshed after confirmed actions.
func (s *Server) Balances() *balance.Cache {
	return s.balances
}

func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// trackerSet holds one status tracker per (vault, operation); it lives as
// long as the server.
type trackerSet struct {
	mu       sync.Mutex
	trackers map[string]*txstatus.Tracker
}

func newTrackerSet() *trackerSet {
	return &trackerSet{trackers: make(map[string]*txstatus.Tracker)}
}

func (t *trackerSet) get(vault, operation string) *txstatus.Tracker {
	key := vault + "/" + operation
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.trackers[key]
	if !ok {
		tr = txstatus.NewTracker()
		t.trackers[key] = tr
	}
	return tr
}

// leased lists the trackers with an attempt in flight, sorted.
func (t *trackerSet) leased() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := []string{}
	for key, tr := range t.trackers {
		if tr.Leased() {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}
