// Package amount converts between user-entered token amounts and the raw
// smallest-denomination integers used as contract call arguments.
package amount

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
)

// Amount pairs the authoritative raw integer with a lossy display value.
// Normalized is for rendering only; calls are always built from Raw.
type Amount struct {
	Raw        *uint256.Int
	Normalized float64
	Decimals   uint8
}

// FromInput parses a decimal string typed by a user. Fractional digits past
// decimals are dropped. The boolean is false for empty, signed, or
// non-numeric input, which callers must treat as "no amount entered".
func FromInput(text string, decimals uint8) (Amount, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Amount{}, false
	}

	whole, frac, _ := strings.Cut(text, ".")
	if whole == "" && frac == "" {
		return Amount{}, false
	}
	if !isDigits(whole) || !isDigits(frac) {
		return Amount{}, false
	}
	if len(frac) > int(decimals) {
		frac = frac[:decimals]
	}

	digits := whole + frac + strings.Repeat("0", int(decimals)-len(frac))
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		digits = "0"
	}

	raw, err := uint256.FromDecimal(digits)
	if err != nil {
		return Amount{}, false
	}
	return newAmount(raw, decimals), true
}

// FromBalance returns the largest spendable amount for a known balance.
func FromBalance(raw *uint256.Int, decimals uint8) Amount {
	if raw == nil {
		return newAmount(new(uint256.Int), decimals)
	}
	return newAmount(raw.Clone(), decimals)
}

// IsZero reports whether no value would be moved by this amount.
func (a Amount) IsZero() bool {
	return a.Raw == nil || a.Raw.IsZero()
}

// Big returns a fresh copy of Raw suitable for ABI packing.
func (a Amount) Big() *big.Int {
	if a.Raw == nil {
		return new(big.Int)
	}
	return a.Raw.ToBig()
}

// String renders the exact decimal form without trailing zeros.
func (a Amount) String() string {
	if a.Raw == nil {
		return "0"
	}
	return format(a.Raw, a.Decimals)
}

func newAmount(raw *uint256.Int, decimals uint8) Amount {
	normalized, _ := strconv.ParseFloat(format(raw, decimals), 64)
	return Amount{
		Raw:        raw,
		Normalized: normalized,
		Decimals:   decimals,
	}
}

func format(raw *uint256.Int, decimals uint8) string {
	digits := raw.Dec()
	if decimals == 0 {
		return digits
	}
	if pad := int(decimals) + 1 - len(digits); pad > 0 {
		digits = strings.Repeat("0", pad) + digits
	}
	cut := len(digits) - int(decimals)
	whole, frac := digits[:cut], strings.TrimRight(digits[cut:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
