package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// LamportsPerSOL is the fixed conversion between display and settlement units.
const LamportsPerSOL = 1_000_000_000

var lamportsPerSOL = decimal.NewFromInt(LamportsPerSOL)

// SOLToLamports converts a SOL amount, rounding to the nearest lamport.
func SOLToLamports(sol decimal.Decimal) (int64, error) {
	if sol.IsNegative() {
		return 0, fmt.Errorf("negative amount %s", sol)
	}
	lamports := sol.Shift(9).Round(0)
	if !lamports.IsInteger() || lamports.GreaterThan(decimal.NewFromInt(1<<62)) {
		return 0, fmt.Errorf("amount %s out of range", sol)
	}
	return lamports.IntPart(), nil
}

// ParseSOL parses a decimal SOL string such as "0.25".
func ParseSOL(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse sol %q: %w", s, err)
	}
	return SOLToLamports(d)
}

// LamportsToSOL converts lamports to an exact SOL decimal.
func LamportsToSOL(lamports int64) decimal.Decimal {
	return decimal.NewFromInt(lamports).Div(lamportsPerSOL)
}

// FormatSOL renders lamports as SOL without trailing zeros.
func FormatSOL(lamports int64) string {
	return LamportsToSOL(lamports).String()
}
