package round

import (
	"crypto/sha256"
	"encoding/hex"
)

// Side names which party a winner hash selected.
type Side string

const (
	SideCreator Side = "CREATOR"
	SideJoiner  Side = "JOINER"
)

// Proof lets any party recompute the outcome from the two deposit refs.
type Proof struct {
	Winner            string `json:"winner"`
	WinnerSide        Side   `json:"winnerSide"`
	RandomnessHashHex string `json:"randomnessHashHex"`
}

// OutcomeHash computes SHA-256(createRef || ":" || joinRef).
func OutcomeHash(createRef, joinRef string) [32]byte {
	hasher := sha256.New()
	hasher.Write([]byte(createRef))
	hasher.Write([]byte{':'})
	hasher.Write([]byte(joinRef))

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// PickWinner selects the creator when the last byte of the outcome hash is
// even, the joiner otherwise. Pure: same inputs always give the same winner.
func PickWinner(createRef, joinRef, creator, joiner string) Proof {
	hash := OutcomeHash(createRef, joinRef)
	side := SideJoiner
	winner := joiner
	if hash[len(hash)-1]%2 == 0 {
		side = SideCreator
		winner = creator
	}
	return Proof{
		Winner:            winner,
		WinnerSide:        side,
		RandomnessHashHex: hex.EncodeToString(hash[:]),
	}
}

// Proof returns the outcome proof for a round that has both deposits.
func (r *Round) Proof() (Proof, bool) {
	if r.DepositRef == "" || r.JoinDepositRef == "" || r.Joiner == "" {
		return Proof{}, false
	}
	return PickWinner(r.DepositRef, r.JoinDepositRef, r.Creator, r.Joiner), true
}
