// Package contracts holds the ABI fragment sets for the contracts vaultops
// calls. Only the methods the actions need are declared.
package contracts

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// VaultABI covers share vaults: deposit underlying, withdraw shares.
const VaultABI = `[
  {"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"maxShares","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// LockerABI covers vote-locking contracts.
const LockerABI = `[
  {"type":"function","name":"lock","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"unlockTime","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// ERC20ABI is the read-only subset used for balances and registry checks.
const ERC20ABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

var (
	vault  = mustParse(VaultABI)
	locker = mustParse(LockerABI)
	erc20  = mustParse(ERC20ABI)
)

// Vault returns the parsed vault fragment set.
func Vault() abi.ABI { return vault }

// Locker returns the parsed locker fragment set.
func Locker() abi.ABI { return locker }

// ERC20 returns the parsed token fragment set.
func ERC20() abi.ABI { return erc20 }

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("contracts: invalid abi: " + err.Error())
	}
	return parsed
}
