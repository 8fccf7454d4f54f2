// Package balance keeps the last known token balances of the signing account
// and refreshes them after confirmed transactions.
package balance

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Source reads an on-chain token balance.
type Source interface {
	BalanceOf(ctx context.Context, token, owner common.Address) (*uint256.Int, error)
}

// Entry is a cached balance.
type Entry struct {
	Raw       *uint256.Int
	UpdatedAt time.Time
}

// Cache holds balances for one owner.
type Cache struct {
	source Source
	owner  common.Address
	log    logrus.FieldLogger

	mu      sync.RWMutex
	entries map[common.Address]Entry
}

func NewCache(source Source, owner common.Address, logger logrus.FieldLogger) *Cache {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Cache{
		source:  source,
		owner:   owner,
		log:     logger.WithField("owner", owner.Hex()),
		entries: make(map[common.Address]Entry),
	}
}

func (c *Cache) Owner() common.Address {
	return c.owner
}

// Get returns the cached balance of token, if any.
func (c *Cache) Get(token common.Address) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[token]
	if !ok {
		return Entry{}, false
	}
	return Entry{Raw: e.Raw.Clone(), UpdatedAt: e.UpdatedAt}, true
}

// Load returns the cached balance, reading it from the source on a miss.
func (c *Cache) Load(ctx context.Context, token common.Address) (Entry, error) {
	if e, ok := c.Get(token); ok {
		return e, nil
	}
	if err := c.Refresh(ctx, token); err != nil {
		return Entry{}, err
	}
	e, _ := c.Get(token)
	return e, nil
}

// Refresh re-reads every token from the source. Tokens that fail keep their
// previous value; the first error is returned.
func (c *Cache) Refresh(ctx context.Context, tokens ...common.Address) error {
	var firstErr error
	for _, token := range tokens {
		bal, err := c.source.BalanceOf(ctx, token, c.owner)
		if err != nil {
			c.log.WithError(err).WithField("token", token.Hex()).Warn("balance refresh failed")
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "refresh %s", token.Hex())
			}
			continue
		}

		c.mu.Lock()
		c.entries[token] = Entry{Raw: bal.Clone(), UpdatedAt: time.Now()}
		c.mu.Unlock()

		c.log.WithFields(logrus.Fields{
			"token":   token.Hex(),
			"balance": bal.Dec(),
		}).Debug("balance refreshed")
	}
	return firstErr
}
