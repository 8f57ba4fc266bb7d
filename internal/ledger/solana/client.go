// Package solana implements ledger.Client over the Solana JSON-RPC API.
// Only system-program transfers are supported: deposits are looked up by
// signature and payouts are signed locally with the pot key.
package solana

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	bin "github.com/gagliardetto/binary"
	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"FlipSettle/internal/ledger"
)

// Client talks to one RPC endpoint and signs with one key.
type Client struct {
	rpc        *rpc.Client
	signer     sol.PrivateKey
	address    sol.PublicKey
	commitment rpc.CommitmentType
}

type options struct {
	http       *http.Client
	commitment rpc.CommitmentType
}

// Option customizes a Client.
type Option func(*options)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.http = hc }
}

// WithCommitment sets the commitment level used for reads and preflight.
func WithCommitment(level string) Option {
	return func(o *options) { o.commitment = rpc.CommitmentType(level) }
}

// New creates a client. signer may be nil for a read-only client that can
// verify deposits but not pay out.
func New(rpcURL string, signer ed25519.PrivateKey, opts ...Option) (*Client, error) {
	if strings.TrimSpace(rpcURL) == "" {
		return nil, fmt.Errorf("solana rpc url is required")
	}
	o := options{
		http:       &http.Client{Timeout: 15 * time.Second},
		commitment: rpc.CommitmentConfirmed,
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		rpc:        rpc.NewWithCustomRPCClient(jsonrpc.NewClientWithOpts(rpcURL, &jsonrpc.RPCClientOpts{HTTPClient: o.http})),
		commitment: o.commitment,
	}
	if signer != nil {
		if len(signer) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("signer key must be %d bytes, got %d", ed25519.PrivateKeySize, len(signer))
		}
		c.signer = sol.PrivateKey(signer)
		c.address = c.signer.PublicKey()
	}
	return c, nil
}

// ParseSecretKey decodes a keypair stored as a JSON byte array
// ("[12,34,...]", 64 entries), the format produced by solana-keygen.
func ParseSecretKey(raw string) (ed25519.PrivateKey, error) {
	var ints []int
	if err := json.Unmarshal([]byte(raw), &ints); err != nil {
		return nil, fmt.Errorf("secret key is not a JSON byte array: %w", err)
	}
	if len(ints) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("secret key must have %d bytes, got %d", ed25519.PrivateKeySize, len(ints))
	}
	b := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("secret key byte %d out of range: %d", i, v)
		}
		b[i] = byte(v)
	}
	return ed25519.PrivateKey(b), nil
}

// Address returns the base58 public key of the signer, or "".
func (c *Client) Address() string {
	if c.signer == nil {
		return ""
	}
	return c.address.String()
}

// ============================================================================
// ledger.Client
// ============================================================================

func (c *Client) Balance(ctx context.Context, account string) (int64, error) {
	pub, err := sol.PublicKeyFromBase58(account)
	if err != nil {
		return 0, fmt.Errorf("get balance %s: %v: %w", account, err, ledger.ErrRejected)
	}
	out, err := c.rpc.GetBalance(ctx, pub, c.commitment)
	if err != nil {
		return 0, fmt.Errorf("get balance %s: %w", account, classify(err))
	}
	return int64(out.Value), nil
}

func (c *Client) Confirm(ctx context.Context, ref string) (ledger.Outcome, error) {
	sig, err := sol.SignatureFromBase58(ref)
	if err != nil {
		// Not a signature, so nothing on chain can ever carry it.
		return ledger.OutcomeNotFound, nil
	}
	out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return ledger.OutcomePending, fmt.Errorf("signature status %s: %w", ref, classify(err))
	}
	if len(out.Value) == 0 || out.Value[0] == nil {
		return ledger.OutcomeNotFound, nil
	}

	status := out.Value[0]
	if status.Err != nil {
		return ledger.OutcomeFailed, nil
	}
	switch status.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return ledger.OutcomeConfirmed, nil
	default:
		return ledger.OutcomePending, nil
	}
}

func (c *Client) LookupTransfer(ctx context.Context, ref string) (ledger.Transfer, error) {
	sig, err := sol.SignatureFromBase58(ref)
	if err != nil {
		return ledger.Transfer{}, fmt.Errorf("lookup %q: %w", ref, ledger.ErrNotFound)
	}

	maxVersion := uint64(0)
	out, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       sol.EncodingBase64,
		Commitment:                     c.commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if errors.Is(err, rpc.ErrNotFound) || (err == nil && (out == nil || out.Transaction == nil)) {
		return ledger.Transfer{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Transfer{}, fmt.Errorf("get transaction %s: %w", ref, classify(err))
	}

	tx, err := sol.TransactionFromDecoder(bin.NewBinDecoder(out.Transaction.GetBinary()))
	if err != nil {
		return ledger.Transfer{}, fmt.Errorf("decode transaction %s: %v: %w", ref, err, ledger.ErrUnavailable)
	}

	tr := ledger.Transfer{Ref: ref, Confirmed: true}
	if out.Meta != nil && out.Meta.Err != nil {
		tr.Confirmed = false
		tr.Failed = true
	}
	for _, ix := range tx.Message.Instructions {
		from, to, lamports, ok := systemTransfer(&tx.Message, ix)
		if !ok {
			continue
		}
		tr.From = from.String()
		tr.To = to.String()
		tr.Amount = int64(lamports)
		return tr, nil
	}

	// A transaction without a system transfer cannot be a deposit. Reporting
	// it with zero amount lets the caller reject it as a mismatch.
	return tr, nil
}

// PrepareTransfer signs a system transfer against a fresh blockhash. The
// returned ref is the transaction signature; the payload stays valid until
// the blockhash expires (about 150 slots).
func (c *Client) PrepareTransfer(ctx context.Context, from, to string, amount int64) (ledger.Prepared, error) {
	if c.signer == nil {
		return ledger.Prepared{}, fmt.Errorf("prepare transfer: client has no signer: %w", ledger.ErrRejected)
	}
	if from != c.address.String() {
		return ledger.Prepared{}, fmt.Errorf("prepare transfer: can only sign for %s, not %s: %w", c.address, from, ledger.ErrRejected)
	}
	if amount <= 0 {
		return ledger.Prepared{}, fmt.Errorf("prepare transfer: amount %d: %w", amount, ledger.ErrRejected)
	}
	recipient, err := sol.PublicKeyFromBase58(to)
	if err != nil {
		return ledger.Prepared{}, fmt.Errorf("prepare transfer: recipient %q: %v: %w", to, err, ledger.ErrRejected)
	}
	if recipient.Equals(c.address) {
		return ledger.Prepared{}, fmt.Errorf("prepare transfer: recipient equals sender: %w", ledger.ErrRejected)
	}

	latest, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return ledger.Prepared{}, fmt.Errorf("latest blockhash: %w", classify(err))
	}

	tx, err := sol.NewTransaction(
		[]sol.Instruction{system.NewTransferInstruction(uint64(amount), c.address, recipient).Build()},
		latest.Value.Blockhash,
		sol.TransactionPayer(c.address),
	)
	if err != nil {
		return ledger.Prepared{}, fmt.Errorf("build transfer: %w", err)
	}
	if _, err := tx.Sign(func(key sol.PublicKey) *sol.PrivateKey {
		if key.Equals(c.address) {
			return &c.signer
		}
		return nil
	}); err != nil {
		return ledger.Prepared{}, fmt.Errorf("sign transfer: %w", err)
	}

	payload, err := tx.MarshalBinary()
	if err != nil {
		return ledger.Prepared{}, fmt.Errorf("encode transfer: %w", err)
	}
	return ledger.Prepared{Ref: tx.Signatures[0].String(), Payload: payload}, nil
}

// SendTransfer broadcasts a prepared transaction with preflight enabled.
// Resending a transaction the cluster already processed fails preflight,
// which surfaces as ErrRejected.
func (c *Client) SendTransfer(ctx context.Context, p ledger.Prepared) error {
	tx, err := sol.TransactionFromDecoder(bin.NewBinDecoder(p.Payload))
	if err != nil {
		return fmt.Errorf("send %s: decode payload: %v: %w", p.Ref, err, ledger.ErrRejected)
	}
	if len(tx.Signatures) == 0 || tx.Signatures[0].String() != p.Ref {
		return fmt.Errorf("send %s: payload carries a different signature: %w", p.Ref, ledger.ErrRejected)
	}
	if _, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: c.commitment,
	}); err != nil {
		return fmt.Errorf("send %s: %w", p.Ref, classify(err))
	}
	return nil
}

// systemTransfer decodes ix as a system-program transfer.
func systemTransfer(msg *sol.Message, ix sol.CompiledInstruction) (from, to sol.PublicKey, lamports uint64, ok bool) {
	if int(ix.ProgramIDIndex) >= len(msg.AccountKeys) || !msg.AccountKeys[ix.ProgramIDIndex].Equals(sol.SystemProgramID) {
		return from, to, 0, false
	}
	metas := make([]*sol.AccountMeta, 0, len(ix.Accounts))
	for _, i := range ix.Accounts {
		if int(i) >= len(msg.AccountKeys) {
			return from, to, 0, false
		}
		metas = append(metas, sol.Meta(msg.AccountKeys[i]))
	}

	decoded, err := system.DecodeInstruction(metas, ix.Data)
	if err != nil {
		return from, to, 0, false
	}
	transfer, isTransfer := decoded.Impl.(*system.Transfer)
	if !isTransfer || transfer.Lamports == nil || len(metas) < 2 {
		return from, to, 0, false
	}
	return metas[0].PublicKey, metas[1].PublicKey, *transfer.Lamports, true
}

// classify maps RPC failures onto the ledger sentinels. Structured errors
// from the node (preflight failures included) are rejections; everything
// else is an outage.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("rpc error %d: %s: %w", rpcErr.Code, rpcErr.Message, ledger.ErrRejected)
	}
	return fmt.Errorf("%v: %w", err, ledger.ErrUnavailable)
}

var _ ledger.Client = (*Client)(nil)
