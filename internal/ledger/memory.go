package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process ledger for dev mode and tests. It tracks balances
// per account and lets callers inject the failure modes a real chain shows:
// unavailability, rejected submissions, and confirmations that never land.
type Memory struct {
	mu        sync.Mutex
	balances  map[string]int64
	transfers map[string]*Transfer
	debited   map[string]bool // submitted transfers whose sender we debited
	prepared  map[string]Transfer

	unavailable     bool
	rejectNext      error
	dropNextAck     bool
	holdSubmissions bool
	submissions     []Transfer
	broadcasts      int
}

func NewMemory() *Memory {
	return &Memory{
		balances:  make(map[string]int64),
		transfers: make(map[string]*Transfer),
		debited:   make(map[string]bool),
		prepared:  make(map[string]Transfer),
	}
}

// Fund credits account out of thin air.
func (m *Memory) Fund(account string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account] += amount
}

// Deposit records a confirmed external transfer from a player wallet and
// returns its reference, as if the player had signed it in their wallet.
func (m *Memory) Deposit(from, to string, amount int64) string {
	return m.record(from, to, amount, true)
}

// DepositPending records an external transfer that is not yet confirmed.
func (m *Memory) DepositPending(from, to string, amount int64) string {
	return m.record(from, to, amount, false)
}

func (m *Memory) record(from, to string, amount int64, confirmed bool) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref := newRef()
	m.transfers[ref] = &Transfer{Ref: ref, From: from, To: to, Amount: amount, Confirmed: confirmed}
	if confirmed {
		m.balances[to] += amount
	}
	return ref
}

// FailTransfer marks ref as failed on chain, returning any debited funds.
func (m *Memory) FailTransfer(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tr, ok := m.transfers[ref]
	if !ok || tr.Failed {
		return
	}
	if tr.Confirmed {
		m.balances[tr.To] -= tr.Amount
	}
	if m.debited[ref] {
		m.balances[tr.From] += tr.Amount
		delete(m.debited, ref)
	}
	tr.Confirmed = false
	tr.Failed = true
}

// ConfirmTransfer lands a pending transfer.
func (m *Memory) ConfirmTransfer(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tr, ok := m.transfers[ref]
	if !ok || tr.Confirmed || tr.Failed {
		return
	}
	tr.Confirmed = true
	m.balances[tr.To] += tr.Amount
}

// SetUnavailable makes every call fail with ErrUnavailable.
func (m *Memory) SetUnavailable(down bool) {
	m.mu.Lock()
	m.unavailable = down
	m.mu.Unlock()
}

// RejectNextSend makes the next SendTransfer fail with err without
// applying the transfer.
func (m *Memory) RejectNextSend(err error) {
	m.mu.Lock()
	m.rejectNext = err
	m.mu.Unlock()
}

// DropNextAck applies the next SendTransfer but reports ErrUnavailable, as
// when a node accepts a transaction and the response is lost.
func (m *Memory) DropNextAck() {
	m.mu.Lock()
	m.dropNextAck = true
	m.mu.Unlock()
}

// HoldSubmissions leaves new submissions pending until ConfirmTransfer.
func (m *Memory) HoldSubmissions(hold bool) {
	m.mu.Lock()
	m.holdSubmissions = hold
	m.mu.Unlock()
}

// Submissions returns every distinct transfer that reached the ledger.
func (m *Memory) Submissions() []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Transfer, len(m.submissions))
	copy(out, m.submissions)
	return out
}

// Broadcasts counts SendTransfer calls that reached the ledger, resends of
// an already applied transfer included.
func (m *Memory) Broadcasts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.broadcasts
}

func (m *Memory) PrepareTransfer(ctx context.Context, from, to string, amount int64) (Prepared, error) {
	if err := ctx.Err(); err != nil {
		return Prepared{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unavailable {
		return Prepared{}, fmt.Errorf("prepare transfer: %w", ErrUnavailable)
	}
	if amount <= 0 {
		return Prepared{}, fmt.Errorf("prepare transfer: amount %d: %w", amount, ErrRejected)
	}
	ref := newRef()
	m.prepared[ref] = Transfer{Ref: ref, From: from, To: to, Amount: amount}
	return Prepared{Ref: ref, Payload: []byte(ref)}, nil
}

func (m *Memory) SendTransfer(ctx context.Context, p Prepared) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unavailable {
		return fmt.Errorf("send %s: %w", p.Ref, ErrUnavailable)
	}
	if err := m.rejectNext; err != nil {
		m.rejectNext = nil
		return fmt.Errorf("send %s: %w", p.Ref, err)
	}
	pt, ok := m.prepared[p.Ref]
	if !ok || string(p.Payload) != p.Ref {
		return fmt.Errorf("send %s: unknown transfer: %w", p.Ref, ErrRejected)
	}
	m.broadcasts++
	if _, seen := m.transfers[p.Ref]; seen {
		return m.ack()
	}
	if m.balances[pt.From] < pt.Amount {
		return fmt.Errorf("send %s: insufficient funds in %s (%d < %d): %w",
			p.Ref, pt.From, m.balances[pt.From], pt.Amount, ErrRejected)
	}

	tr := pt
	m.balances[tr.From] -= tr.Amount
	m.debited[tr.Ref] = true
	if !m.holdSubmissions {
		tr.Confirmed = true
		m.balances[tr.To] += tr.Amount
	}
	m.transfers[tr.Ref] = &tr
	m.submissions = append(m.submissions, tr)
	return m.ack()
}

func (m *Memory) ack() error {
	if m.dropNextAck {
		m.dropNextAck = false
		return fmt.Errorf("send: response lost: %w", ErrUnavailable)
	}
	return nil
}

func (m *Memory) Confirm(ctx context.Context, ref string) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return OutcomePending, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unavailable {
		return OutcomePending, fmt.Errorf("confirm %s: %w", ref, ErrUnavailable)
	}
	tr, ok := m.transfers[ref]
	switch {
	case !ok:
		return OutcomeNotFound, nil
	case tr.Failed:
		return OutcomeFailed, nil
	case tr.Confirmed:
		return OutcomeConfirmed, nil
	default:
		return OutcomePending, nil
	}
}

func (m *Memory) LookupTransfer(ctx context.Context, ref string) (Transfer, error) {
	if err := ctx.Err(); err != nil {
		return Transfer{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unavailable {
		return Transfer{}, fmt.Errorf("lookup %s: %w", ref, ErrUnavailable)
	}
	tr, ok := m.transfers[ref]
	if !ok {
		return Transfer{}, ErrNotFound
	}
	return *tr, nil
}

func (m *Memory) Balance(ctx context.Context, account string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unavailable {
		return 0, fmt.Errorf("balance %s: %w", account, ErrUnavailable)
	}
	return m.balances[account], nil
}

func newRef() string {
	return "sim-" + uuid.NewString()
}
