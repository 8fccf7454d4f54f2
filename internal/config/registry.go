package config

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// VaultKind selects the contract interface a registered vault speaks.
type VaultKind string

const (
	KindVault  VaultKind = "vault"
	KindLocker VaultKind = "locker"
)

// MaxDecimals is the largest precision whose unit 10^d fits in 256 bits.
const MaxDecimals = 77

// RegistryConfig is the raw registry section as decoded from the config file.
type RegistryConfig struct {
	Tokens map[string]TokenConfig `mapstructure:"tokens"`
	Vaults map[string]VaultConfig `mapstructure:"vaults"`
}

type TokenConfig struct {
	Address  string `mapstructure:"address"`
	Decimals int    `mapstructure:"decimals"`
}

type VaultConfig struct {
	Address string    `mapstructure:"address"`
	Kind    VaultKind `mapstructure:"kind"`
	// Token is the symbol of the underlying token deposited or locked.
	Token string `mapstructure:"token"`
	// Share is the symbol of the share token withdrawals are denominated in.
	// Defaults to the vault contract itself with the underlying's decimals.
	Share string `mapstructure:"share"`
}

type Token struct {
	Symbol   string
	Address  common.Address
	Decimals uint8
}

type Vault struct {
	Name    string
	Address common.Address
	Kind    VaultKind
	Token   Token
	Share   Token
}

// Registry is the validated, read-only token and vault directory. Lookups
// return copies; nothing mutates it after NewRegistry.
type Registry struct {
	tokens map[string]Token
	vaults map[string]Vault
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func parseAddress(field, raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, errors.Errorf("%s: malformed address %q", field, raw)
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		return common.Address{}, errors.Errorf("%s: zero address", field)
	}
	return addr, nil
}

// NewRegistry validates raw and resolves every symbol reference.
func NewRegistry(raw RegistryConfig) (*Registry, error) {
	reg := &Registry{
		tokens: make(map[string]Token, len(raw.Tokens)),
		vaults: make(map[string]Vault, len(raw.Vaults)),
	}

	for symbol, tc := range raw.Tokens {
		key := normalizeName(symbol)
		if key == "" {
			return nil, errors.New("token with empty symbol")
		}
		if _, dup := reg.tokens[key]; dup {
			return nil, errors.Errorf("token %s declared twice", key)
		}
		addr, err := parseAddress("token "+key, tc.Address)
		if err != nil {
			return nil, err
		}
		if tc.Decimals < 0 || tc.Decimals > MaxDecimals {
			return nil, errors.Errorf("token %s: decimals %d out of range", key, tc.Decimals)
		}
		reg.tokens[key] = Token{Symbol: key, Address: addr, Decimals: uint8(tc.Decimals)}
	}

	for name, vc := range raw.Vaults {
		key := normalizeName(name)
		if key == "" {
			return nil, errors.New("vault with empty name")
		}
		if _, dup := reg.vaults[key]; dup {
			return nil, errors.Errorf("vault %s declared twice", key)
		}
		addr, err := parseAddress("vault "+key, vc.Address)
		if err != nil {
			return nil, err
		}

		kind := vc.Kind
		if kind == "" {
			kind = KindVault
		}
		if kind != KindVault && kind != KindLocker {
			return nil, errors.Errorf("vault %s: unknown kind %q", key, vc.Kind)
		}

		underlying, ok := reg.tokens[normalizeName(vc.Token)]
		if !ok {
			return nil, errors.Errorf("vault %s: unknown token %q", key, vc.Token)
		}

		share := Token{Symbol: key, Address: addr, Decimals: underlying.Decimals}
		if vc.Share != "" {
			share, ok = reg.tokens[normalizeName(vc.Share)]
			if !ok {
				return nil, errors.Errorf("vault %s: unknown share token %q", key, vc.Share)
			}
		}
		if kind == KindLocker {
			share = underlying
		}

		reg.vaults[key] = Vault{
			Name:    key,
			Address: addr,
			Kind:    kind,
			Token:   underlying,
			Share:   share,
		}
	}
	return reg, nil
}

func (r *Registry) Token(symbol string) (Token, bool) {
	t, ok := r.tokens[normalizeName(symbol)]
	return t, ok
}

func (r *Registry) Vault(name string) (Vault, bool) {
	v, ok := r.vaults[normalizeName(name)]
	return v, ok
}

// Vaults lists registered vaults sorted by name.
func (r *Registry) Vaults() []Vault {
	out := make([]Vault, 0, len(r.vaults))
	for _, v := range r.vaults {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// TokenAddresses lists every token address, including vault shares that are
// not declared as tokens.
func (r *Registry) TokenAddresses() []common.Address {
	seen := make(map[common.Address]bool)
	var out []common.Address
	add := func(a common.Address) {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for _, t := range r.tokens {
		add(t.Address)
	}
	for _, v := range r.Vaults() {
		add(v.Share.Address)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}

// Asset resolves a token symbol or, failing that, a vault name to the token
// whose balance it denotes (the vault's share token).
func (r *Registry) Asset(name string) (Token, bool) {
	if t, ok := r.Token(name); ok {
		return t, true
	}
	if v, ok := r.Vault(name); ok {
		return v.Share, true
	}
	return Token{}, false
}

// DecimalsReader reads a token's on-chain precision.
type DecimalsReader interface {
	Decimals(ctx context.Context, token common.Address) (uint8, error)
}

// VerifyDecimals checks every configured token and vault share against the
// precision its contract reports. Mismatches are collected into one error.
func (r *Registry) VerifyDecimals(ctx context.Context, reader DecimalsReader) error {
	expected := make(map[common.Address]Token)
	for _, t := range r.tokens {
		expected[t.Address] = t
	}
	for _, v := range r.Vaults() {
		if _, ok := expected[v.Share.Address]; !ok {
			expected[v.Share.Address] = Token{Symbol: v.Name, Address: v.Share.Address, Decimals: v.Share.Decimals}
		}
	}

	var problems []string
	for _, addr := range r.TokenAddresses() {
		t := expected[addr]
		got, err := reader.Decimals(ctx, addr)
		if err != nil {
			return errors.Wrapf(err, "token %s", t.Symbol)
		}
		if got != t.Decimals {
			problems = append(problems, fmt.Sprintf("%s (%s) configured with %d decimals, contract reports %d", t.Symbol, addr.Hex(), t.Decimals, got))
		}
	}
	if len(problems) > 0 {
		return errors.Errorf("registry decimals mismatch: %s", strings.Join(problems, "; "))
	}
	return nil
}
