package round

import (
	"fmt"
	"math/big"
)

// BpsDenominator is the basis-point scale (100% = 10000 bps).
const BpsDenominator = 10_000

// Split is the per-deposit fee breakdown of a round.
type Split struct {
	BetLamports    int64 `json:"betLamports"`
	FeeLamports    int64 `json:"feeLamports"`
	PotLamports    int64 `json:"potLamports"`
	PayoutLamports int64 `json:"payoutLamports"`
}

// ComputeSplit applies the fee schedule to one deposit:
//
//	fee    = max(1, floor(bet * feeBps / 10000))
//	pot    = bet - fee
//	payout = pot * 2
//
// The fee is charged once per deposit, so a round collects it twice.
func ComputeSplit(betLamports int64, feeBps int64) (Split, error) {
	if betLamports <= 1 {
		return Split{}, fmt.Errorf("bet must exceed the minimum fee: %d", betLamports)
	}
	if feeBps < 0 || feeBps >= BpsDenominator {
		return Split{}, fmt.Errorf("fee bps out of range: %d", feeBps)
	}

	// bet * bps can exceed int64 for large bets; use big.Int for the product.
	product := new(big.Int).Mul(big.NewInt(betLamports), big.NewInt(feeBps))
	fee := product.Quo(product, big.NewInt(BpsDenominator)).Int64()
	if fee < 1 {
		fee = 1
	}

	pot := betLamports - fee
	if pot > (1<<63-1)/2 {
		return Split{}, fmt.Errorf("payout overflows: pot=%d", pot)
	}

	return Split{
		BetLamports:    betLamports,
		FeeLamports:    fee,
		PotLamports:    pot,
		PayoutLamports: pot * 2,
	}, nil
}
