// Package token converts between token base units and display units and caches
// ERC-20 metadata.
package token

import (
	"fmt"
	"math/big"
	"strings"
)

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

func parseBase(s string) *big.Int {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return new(big.Int)
	}
	return n
}

// FormatUnits renders base units as a display-unit float.
func FormatUnits(base *big.Int, decimals uint8) float64 {
	if base == nil {
		return 0
	}
	f, _ := new(big.Rat).SetFrac(base, pow10(decimals)).Float64()
	return f
}

// ParseUnits converts a decimal display amount into base units. Amounts with more
// fractional digits than the token supports are rejected.
func ParseUnits(display string, decimals uint8) (*big.Int, error) {
	display = strings.TrimSpace(display)
	if display == "" {
		return nil, fmt.Errorf("empty amount")
	}
	r, ok := new(big.Rat).SetString(display)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", display)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", display)
	}
	r.Mul(r, new(big.Rat).SetInt(pow10(decimals)))
	if !r.IsInt() {
		return nil, fmt.Errorf("amount %q has more than %d decimals", display, decimals)
	}
	return new(big.Int).Set(r.Num()), nil
}
