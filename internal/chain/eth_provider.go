// Package chain provides the signer, broadcaster and receipt waiter the
// transaction runner drives.
package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"vaultops/internal/call"
	"vaultops/internal/contracts"
	"vaultops/internal/txrunner"
)

const defaultPollInterval = 2 * time.Second

// EthProvider signs with a local key and talks to a JSON-RPC node.
type EthProvider struct {
	client       *ethclient.Client
	transacts    *bind.TransactOpts
	chainID      *big.Int
	pollInterval time.Duration
	nonces       nonceTracker
	log          logrus.FieldLogger
}

type EthProviderConfig struct {
	RPCURL        string
	PrivateKeyHex string
	PollInterval  time.Duration
	Logger        logrus.FieldLogger
}

func NewEthProvider(ctx context.Context, cfg EthProviderConfig) (*EthProvider, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("rpc url is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, errors.New("private key is required for signing")
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, errors.Wrap(err, "dial rpc")
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, errors.Wrap(err, "fetch chain id")
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		cli.Close()
		return nil, errors.Wrap(err, "transactor")
	}
	txOpts.GasLimit = 0 // let node estimate
	txOpts.GasPrice = nil
	txOpts.Nonce = nil

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &EthProvider{
		client:       cli,
		transacts:    txOpts,
		chainID:      chainID,
		pollInterval: interval,
		log:          logger.WithField("signer", txOpts.From.Hex()),
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, errors.Wrap(err, "parse private key")
	}
	return key, nil
}

// Address is the account transactions are sent from.
func (p *EthProvider) Address() common.Address {
	return p.transacts.From
}

func (p *EthProvider) ChainID() *big.Int {
	return new(big.Int).Set(p.chainID)
}

// Sign builds and signs the call without sending it. Gas estimation runs
// here, so calls that would revert fail before anything is broadcast.
// Nonces are handed out locally so concurrent signatures never share one.
func (p *EthProvider) Sign(ctx context.Context, req call.Request) (*types.Transaction, error) {
	bound := bind.NewBoundContract(req.Contract, req.ABI, p.client, p.client, p.client)

	var tx *types.Transaction
	err := p.nonces.sign(ctx, p.pendingNonce, func(nonce uint64) error {
		opts := *p.transacts
		opts.Context = ctx
		opts.NoSend = true
		opts.Nonce = new(big.Int).SetUint64(nonce)

		var err error
		tx, err = bound.Transact(&opts, req.Operation, req.Args...)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "sign %s", req.Operation)
	}
	p.log.WithFields(logrus.Fields{
		"operation": req.Operation,
		"tx":        tx.Hash().Hex(),
		"nonce":     tx.Nonce(),
		"gas":       tx.Gas(),
	}).Debug("signed call")
	return tx, nil
}

func (p *EthProvider) Broadcast(ctx context.Context, tx *types.Transaction) error {
	if err := p.client.SendTransaction(ctx, tx); err != nil {
		// The node never saw this nonce; the next signature resyncs.
		p.nonces.reset()
		return errors.Wrapf(err, "send %s", tx.Hash().Hex())
	}
	return nil
}

func (p *EthProvider) pendingNonce(ctx context.Context) (uint64, error) {
	return p.client.PendingNonceAt(ctx, p.transacts.From)
}

func (p *EthProvider) AwaitConfirmation(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	return WaitForReceipt(ctx, p.client, tx.Hash(), p.pollInterval)
}

// BalanceOf reads an ERC-20 balance.
func (p *EthProvider) BalanceOf(ctx context.Context, token, owner common.Address) (*uint256.Int, error) {
	bound := bind.NewBoundContract(token, contracts.ERC20(), p.client, nil, nil)

	var out []interface{}
	if err := bound.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", owner); err != nil {
		return nil, errors.Wrapf(err, "balanceOf %s", token.Hex())
	}
	if len(out) == 0 {
		return nil, errors.Errorf("balanceOf %s: empty result", token.Hex())
	}
	raw := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	bal, overflow := uint256.FromBig(raw)
	if overflow {
		return nil, errors.Errorf("balanceOf %s: value exceeds 256 bits", token.Hex())
	}
	return bal, nil
}

// UnlockTime reads when owner's position in a locker can be withdrawn. A
// zero time means nothing is locked.
func (p *EthProvider) UnlockTime(ctx context.Context, locker, owner common.Address) (time.Time, error) {
	bound := bind.NewBoundContract(locker, contracts.Locker(), p.client, nil, nil)

	var out []interface{}
	if err := bound.Call(&bind.CallOpts{Context: ctx}, &out, "unlockTime", owner); err != nil {
		return time.Time{}, errors.Wrapf(err, "unlockTime %s", locker.Hex())
	}
	if len(out) == 0 {
		return time.Time{}, errors.Errorf("unlockTime %s: empty result", locker.Hex())
	}
	secs := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	if secs.Sign() == 0 {
		return time.Time{}, nil
	}
	if !secs.IsInt64() {
		return time.Time{}, errors.Errorf("unlockTime %s: out of range", locker.Hex())
	}
	return time.Unix(secs.Int64(), 0), nil
}

// Decimals reads a token's ERC-20 precision.
func (p *EthProvider) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	bound := bind.NewBoundContract(token, contracts.ERC20(), p.client, nil, nil)

	var out []interface{}
	if err := bound.Call(&bind.CallOpts{Context: ctx}, &out, "decimals"); err != nil {
		return 0, errors.Wrapf(err, "decimals %s", token.Hex())
	}
	if len(out) == 0 {
		return 0, errors.Errorf("decimals %s: empty result", token.Hex())
	}
	return *abi.ConvertType(out[0], new(uint8)).(*uint8), nil
}

func (p *EthProvider) Ping(ctx context.Context) error {
	if p.client == nil {
		return errors.New("rpc client not configured")
	}
	_, err := p.client.BlockNumber(ctx)
	return err
}

func (p *EthProvider) Close() {
	if p.client != nil {
		p.client.Close()
	}
}

// nonceTracker serializes signing and hands out consecutive nonces. The
// first signature, and the first one after a failed broadcast, reads the
// pending nonce from the node.
type nonceTracker struct {
	mu    sync.Mutex
	next  uint64
	known bool
}

func (n *nonceTracker) sign(ctx context.Context, fetch func(context.Context) (uint64, error), fn func(nonce uint64) error) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.known {
		nonce, err := fetch(ctx)
		if err != nil {
			return errors.Wrap(err, "pending nonce")
		}
		n.next, n.known = nonce, true
	}
	if err := fn(n.next); err != nil {
		return err
	}
	n.next++
	return nil
}

func (n *nonceTracker) reset() {
	n.mu.Lock()
	n.known = false
	n.mu.Unlock()
}

// ReceiptReader is the part of an RPC client needed to poll for inclusion.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// WaitForReceipt polls until the transaction is mined or ctx ends.
func WaitForReceipt(ctx context.Context, client ReceiptReader, hash common.Hash, interval time.Duration) (*types.Receipt, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, errors.Wrapf(err, "receipt %s", hash.Hex())
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

var (
	_ txrunner.Provider = (*EthProvider)(nil)
	_ txrunner.Provider = (*FakeProvider)(nil)
)
