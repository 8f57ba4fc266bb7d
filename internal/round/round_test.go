package round_test

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"FlipSettle/internal/round"
)

// ============================================================================
// Test: Split
// ============================================================================

func TestComputeSplit_OneSolAt300Bps(t *testing.T) {
	s, err := round.ComputeSplit(1_000_000_000, 300)
	if err != nil {
		t.Fatalf("ComputeSplit: %v", err)
	}
	if s.FeeLamports != 30_000_000 {
		t.Errorf("fee: got %d, want 30_000_000", s.FeeLamports)
	}
	if s.PotLamports != 970_000_000 {
		t.Errorf("pot: got %d, want 970_000_000", s.PotLamports)
	}
	if s.PayoutLamports != 1_940_000_000 {
		t.Errorf("payout: got %d, want 1_940_000_000", s.PayoutLamports)
	}
}

func TestComputeSplit_FeeFloorIsOne(t *testing.T) {
	s, err := round.ComputeSplit(10, 300)
	if err != nil {
		t.Fatalf("ComputeSplit: %v", err)
	}
	if s.FeeLamports != 1 {
		t.Errorf("fee: got %d, want 1", s.FeeLamports)
	}
	if s.PotLamports != 9 {
		t.Errorf("pot: got %d, want 9", s.PotLamports)
	}
}

func TestComputeSplit_ConservesBet(t *testing.T) {
	bets := []int64{2, 3, 99, 333, 10_000, 123_456_789, 1_000_000_000, 4_000_000_000_000_000}
	bpsValues := []int64{0, 1, 50, 300, 999, 5000, 9999}

	for _, bet := range bets {
		for _, bps := range bpsValues {
			s, err := round.ComputeSplit(bet, bps)
			if err != nil {
				t.Fatalf("ComputeSplit(%d, %d): %v", bet, bps, err)
			}
			if s.FeeLamports+s.PotLamports != bet {
				t.Errorf("bet=%d bps=%d: fee+pot=%d", bet, bps, s.FeeLamports+s.PotLamports)
			}
			if s.FeeLamports < 1 {
				t.Errorf("bet=%d bps=%d: fee %d < 1", bet, bps, s.FeeLamports)
			}
			if s.PayoutLamports != 2*s.PotLamports {
				t.Errorf("bet=%d bps=%d: payout %d != 2*pot", bet, bps, s.PayoutLamports)
			}
		}
	}
}

func TestComputeSplit_RejectsBadInput(t *testing.T) {
	if _, err := round.ComputeSplit(0, 300); err == nil {
		t.Error("expected error for zero bet")
	}
	if _, err := round.ComputeSplit(-5, 300); err == nil {
		t.Error("expected error for negative bet")
	}
	if _, err := round.ComputeSplit(1000, 10_000); err == nil {
		t.Error("expected error for 100% fee")
	}
}

// ============================================================================
// Test: Winner selection
// ============================================================================

func TestPickWinner_MatchesHashParity(t *testing.T) {
	sum := sha256.Sum256([]byte("A:B"))
	want := "joiner"
	if sum[31]%2 == 0 {
		want = "creator"
	}

	p := round.PickWinner("A", "B", "creator", "joiner")
	if p.Winner != want {
		t.Errorf("winner: got %s, want %s", p.Winner, want)
	}
	if p.RandomnessHashHex != hex.EncodeToString(sum[:]) {
		t.Errorf("hash: got %s", p.RandomnessHashHex)
	}
}

func TestPickWinner_Deterministic(t *testing.T) {
	first := round.PickWinner("sigA", "sigB", "alice", "bob")
	for i := 0; i < 10; i++ {
		again := round.PickWinner("sigA", "sigB", "alice", "bob")
		if again != first {
			t.Fatalf("iteration %d: got %+v, want %+v", i, again, first)
		}
	}
}

func TestPickWinner_BothSidesReachable(t *testing.T) {
	seen := map[round.Side]bool{}
	for i := 0; i < 64 && len(seen) < 2; i++ {
		p := round.PickWinner("create", string(rune('a'+i%26))+string(rune('0'+i/26)), "c", "j")
		seen[p.WinnerSide] = true
	}
	if len(seen) != 2 {
		t.Errorf("expected both sides to win for some input, got %v", seen)
	}
}

// ============================================================================
// Test: Invariants
// ============================================================================

func validRound() *round.Round {
	return &round.Round{
		ID:          "flip-1",
		CreatedAt:   time.Unix(1_700_000_000, 0),
		BetLamports: 100_000_000,
		Creator:     "creator",
		DepositRef:  "dep-1",
		Status:      round.StatusCreated,
	}
}

func TestValidate_CreatedRound(t *testing.T) {
	if err := validRound().Validate(); err != nil {
		t.Fatalf("valid round rejected: %v", err)
	}
}

func TestValidate_JoinedWithoutJoiner(t *testing.T) {
	r := validRound()
	r.Status = round.StatusJoined
	if err := r.Validate(); err == nil {
		t.Fatal("joined round without joiner should be rejected")
	}
}

func TestValidate_WinnerBeforeResolve(t *testing.T) {
	r := validRound()
	r.Status = round.StatusJoined
	r.Joiner = "joiner"
	r.JoinDepositRef = "dep-2"
	r.Winner = "joiner"
	if err := r.Validate(); err == nil {
		t.Fatal("winner on joined round should be rejected")
	}
}

func TestValidate_PendingPayoutNeedsRef(t *testing.T) {
	r := validRound()
	r.Status = round.StatusJoined
	r.Joiner = "joiner"
	r.JoinDepositRef = "dep-2"
	r.PendingPayout = &round.PendingTransfer{To: "joiner", Amount: 1, SubmittedAt: r.CreatedAt}
	if err := r.Validate(); err == nil {
		t.Fatal("pending payout without a reference should be rejected")
	}

	r.PendingPayout.Ref = "sig-1"
	if err := r.Validate(); err != nil {
		t.Fatalf("recorded payout rejected: %v", err)
	}
}

func TestCheckTransition_NoRegression(t *testing.T) {
	prev := validRound()
	prev.Status = round.StatusJoined
	prev.Joiner = "joiner"
	prev.JoinDepositRef = "dep-2"

	next := validRound()
	if err := round.CheckTransition(prev, next); err == nil {
		t.Fatal("joined -> created must be rejected")
	}
}

func TestSweepReservation(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	r := validRound()
	r.Reservation = &round.Reservation{Token: "t", Joiner: "j", ExpiresAt: now.Add(time.Second)}

	if r.SweepReservation(now) {
		t.Fatal("live reservation must not be swept")
	}
	if !r.SweepReservation(now.Add(2 * time.Second)) {
		t.Fatal("expired reservation should be swept")
	}
	if r.Reservation != nil {
		t.Fatal("reservation should be cleared")
	}
}

func TestValidAddress(t *testing.T) {
	if !round.ValidAddress("11111111111111111111111111111111") {
		t.Error("system program id should be a valid address")
	}
	if round.ValidAddress("not-base58-0OIl") {
		t.Error("invalid base58 accepted")
	}
	if round.ValidAddress("abc") {
		t.Error("short address accepted")
	}
}
