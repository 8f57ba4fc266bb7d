package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FlipSettle/internal/ledger"
)

// ============================================================================
// Units
// ============================================================================

func TestParseSOL(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1", 1_000_000_000},
		{"0.25", 250_000_000},
		{"0.000000001", 1},
		{"0.0000000004", 0},
		{"0.0000000005", 1},
		{"12.3456789", 12_345_678_900},
	}
	for _, tt := range tests {
		got, err := ledger.ParseSOL(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ledger.ParseSOL("-1")
	assert.Error(t, err)
	_, err = ledger.ParseSOL("lots")
	assert.Error(t, err)
}

func TestFormatSOL(t *testing.T) {
	assert.Equal(t, "1.94", ledger.FormatSOL(1_940_000_000))
	assert.Equal(t, "0.000000001", ledger.FormatSOL(1))
	assert.True(t, ledger.LamportsToSOL(970_000_000).Equal(decimal.RequireFromString("0.97")))
}

// ============================================================================
// Memory ledger
// ============================================================================

func TestMemory_DepositIsConfirmedAndCredited(t *testing.T) {
	ctx := context.Background()
	m := ledger.NewMemory()

	ref := m.Deposit("alice", "pot", 100)

	tr, err := m.LookupTransfer(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, ledger.Transfer{Ref: ref, From: "alice", To: "pot", Amount: 100, Confirmed: true}, tr)

	bal, err := m.Balance(ctx, "pot")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)
}

func TestMemory_SendRequiresFunds(t *testing.T) {
	ctx := context.Background()
	m := ledger.NewMemory()
	m.Fund("pot", 50)

	tooMuch, err := m.PrepareTransfer(ctx, "pot", "bob", 51)
	require.NoError(t, err, "funds are checked at send time")
	assert.ErrorIs(t, m.SendTransfer(ctx, tooMuch), ledger.ErrRejected)

	p, err := m.PrepareTransfer(ctx, "pot", "bob", 50)
	require.NoError(t, err)

	out, err := m.Confirm(ctx, p.Ref)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeNotFound, out, "nothing moves before send")

	require.NoError(t, m.SendTransfer(ctx, p))
	out, err = m.Confirm(ctx, p.Ref)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeConfirmed, out)

	bal, _ := m.Balance(ctx, "bob")
	assert.Equal(t, int64(50), bal)
	assert.Len(t, m.Submissions(), 1)
}

func TestMemory_ResendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := ledger.NewMemory()
	m.Fund("pot", 100)

	p, err := m.PrepareTransfer(ctx, "pot", "bob", 40)
	require.NoError(t, err)
	for range 3 {
		require.NoError(t, m.SendTransfer(ctx, p))
	}

	bal, _ := m.Balance(ctx, "bob")
	assert.Equal(t, int64(40), bal)
	assert.Len(t, m.Submissions(), 1)
	assert.Equal(t, 3, m.Broadcasts())

	err = m.SendTransfer(ctx, ledger.Prepared{Ref: "never-prepared", Payload: []byte("never-prepared")})
	assert.ErrorIs(t, err, ledger.ErrRejected)
}

func TestMemory_HeldSubmissionThenFailure(t *testing.T) {
	ctx := context.Background()
	m := ledger.NewMemory()
	m.Fund("pot", 100)
	m.HoldSubmissions(true)

	p, err := m.PrepareTransfer(ctx, "pot", "bob", 80)
	require.NoError(t, err)
	require.NoError(t, m.SendTransfer(ctx, p))

	out, _ := m.Confirm(ctx, p.Ref)
	assert.Equal(t, ledger.OutcomePending, out)

	m.FailTransfer(p.Ref)
	out, _ = m.Confirm(ctx, p.Ref)
	assert.Equal(t, ledger.OutcomeFailed, out)

	bal, _ := m.Balance(ctx, "pot")
	assert.Equal(t, int64(100), bal, "failed transfer returns the debit")
}

func TestMemory_UnknownRef(t *testing.T) {
	ctx := context.Background()
	m := ledger.NewMemory()

	_, err := m.LookupTransfer(ctx, "nope")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	out, err := m.Confirm(ctx, "nope")
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeNotFound, out)
}

func TestMemory_FaultInjection(t *testing.T) {
	ctx := context.Background()
	m := ledger.NewMemory()
	m.Fund("pot", 100)

	m.SetUnavailable(true)
	_, err := m.Balance(ctx, "pot")
	assert.ErrorIs(t, err, ledger.ErrUnavailable)
	m.SetUnavailable(false)

	boom := errors.New("blockhash expired")
	m.RejectNextSend(boom)
	p, err := m.PrepareTransfer(ctx, "pot", "bob", 10)
	require.NoError(t, err)
	assert.ErrorIs(t, m.SendTransfer(ctx, p), boom)
	assert.Empty(t, m.Submissions(), "rejected send moves nothing")

	assert.NoError(t, m.SendTransfer(ctx, p), "rejection applies to one send only")

	m.DropNextAck()
	lost, err := m.PrepareTransfer(ctx, "pot", "bob", 10)
	require.NoError(t, err)
	assert.ErrorIs(t, m.SendTransfer(ctx, lost), ledger.ErrUnavailable)
	out, err := m.Confirm(ctx, lost.Ref)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeConfirmed, out, "a lost ack still lands the transfer")
}
