package ton

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blackmirrow/market/internal/models"
)

// Transfer is an outbound payment in nano-TON.
type Transfer struct {
	To      string
	Amount  int64
	Comment string
}

// Prepared is a signed external message ready to be sent.
type Prepared struct {
	Seqno uint32
	Hash  string
	Raw   any
}

// Signed describes a transfer that was signed and handed to broadcast.
type Signed struct {
	Wallet  string `json:"wallet"`
	Version string `json:"version"`
	Seqno   uint32 `json:"seqno"`
	Hash    string `json:"txHash"`
}

// Wallet is one wallet contract version derived from the service key.
type Wallet interface {
	Address() string
	Version() string
	Seqno(ctx context.Context) (uint32, error)
	Sign(ctx context.Context, seqno uint32, t Transfer) (*Prepared, error)
	Send(ctx context.Context, p *Prepared) error
}

// WalletFactory builds the wallet contract of the named version.
type WalletFactory func(version string) (Wallet, error)

// ResolveWallet tries versions in order and falls back when construction
// fails. With expected set, only a wallet deriving exactly that address is
// accepted and no match at all is models.ErrWalletAddressMismatch.
func ResolveWallet(versions []string, build WalletFactory, expected string, logger *slog.Logger) (Wallet, error) {
	if expected != "" {
		if _, err := ParseAddress(expected); err != nil {
			return nil, fmt.Errorf("expected wallet address %q: %w", expected, err)
		}
	}
	var errs []error
	var derived []string
	for _, v := range versions {
		w, err := build(v)
		if err != nil {
			logger.Warn("wallet version unavailable, falling back", "version", v, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", v, err))
			continue
		}
		if expected == "" || SameAddress(w.Address(), expected) {
			logger.Info("wallet resolved", "version", v, "address", w.Address())
			return w, nil
		}
		derived = append(derived, v+"="+w.Address())
	}
	if len(derived) > 0 {
		return nil, fmt.Errorf("%w: expected %s, key derives %v", models.ErrWalletAddressMismatch, expected, derived)
	}
	return nil, fmt.Errorf("no wallet version could be constructed: %w", errors.Join(errs...))
}

// BroadcastError wraps a failure that happened after the message was handed
// to the network. The transfer may still land.
type BroadcastError struct{ Err error }

func (e *BroadcastError) Error() string { return "broadcast: " + e.Err.Error() }
func (e *BroadcastError) Unwrap() error { return e.Err }

// Broadcasted reports whether err came from the send step, after which the
// outcome is uncertain.
func Broadcasted(err error) bool {
	var be *BroadcastError
	return errors.As(err, &be)
}

// messageLifetime is how long a signed external message stays valid; the
// wallet library stamps messages with a three minute expiry.
const messageLifetime = 3 * time.Minute

type walletLock struct {
	mu     sync.Mutex
	last   uint32
	lastAt time.Time
	used   bool
}

// observe records a seqno signed elsewhere if it is newer than ours.
func (l *walletLock) observe(last uint32, at time.Time) {
	if !l.used || last > l.last || (last == l.last && at.After(l.lastAt)) {
		l.last, l.lastAt, l.used = last, at, true
	}
}

// WalletLease is held while one transfer is signed and sent. When Used is
// set, Last is the highest seqno any holder recorded for the wallet and
// LastAt when it was recorded.
type WalletLease struct {
	Last    uint32
	LastAt  time.Time
	Used    bool
	Release func()
}

// WalletLocker serialises signing for a wallet across processes.
type WalletLocker interface {
	LockWallet(ctx context.Context, wallet string) (*WalletLease, error)
}

var walletLocks sync.Map

func lockFor(addr string) *walletLock {
	v, _ := walletLocks.LoadOrStore(addr, &walletLock{})
	return v.(*walletLock)
}

// Signer sends transfers from one wallet. Seqno fetch, signing and broadcast
// happen under a lock shared by every Signer of the same address and, with a
// WalletLocker, under a lease shared by every process. Without a locker the
// process must be the wallet's only sender.
type Signer struct {
	wallet Wallet
	rpc    *RPC
	lock   *walletLock
	locker WalletLocker
	logger *slog.Logger

	seqnoWait    time.Duration
	pollInterval time.Duration
	messageTTL   time.Duration
	now          func() time.Time
}

func NewSigner(w Wallet, rpc *RPC, logger *slog.Logger) *Signer {
	return &Signer{
		wallet:       w,
		rpc:          rpc,
		lock:         lockFor(w.Address()),
		logger:       logger,
		seqnoWait:    30 * time.Second,
		pollInterval: time.Second,
		messageTTL:   messageLifetime,
		now:          time.Now,
	}
}

// WithLocker makes every transfer take a cross-process lease on the wallet.
func (s *Signer) WithLocker(l WalletLocker) *Signer {
	s.locker = l
	return s
}

func (s *Signer) Address() string { return s.wallet.Address() }
func (s *Signer) Version() string { return s.wallet.Version() }

// Transfer validates, picks a fresh seqno, signs and broadcasts. persist runs
// after signing and before the send; if it fails nothing is sent. Errors
// from the send itself are wrapped in BroadcastError.
func (s *Signer) Transfer(ctx context.Context, t Transfer, persist func(context.Context, *Signed) error) (*Signed, error) {
	if _, err := ParseAddress(t.To); err != nil {
		return nil, err
	}
	if t.Amount <= 0 {
		return nil, models.ErrInvalidAmount
	}

	s.lock.mu.Lock()
	defer s.lock.mu.Unlock()

	if s.locker != nil {
		lease, err := s.locker.LockWallet(ctx, s.wallet.Address())
		if err != nil {
			return nil, fmt.Errorf("lock wallet: %w", err)
		}
		defer lease.Release()
		if lease.Used {
			s.lock.observe(lease.Last, lease.LastAt)
		}
	}

	seqno, err := s.nextSeqno(ctx)
	if err != nil {
		return nil, err
	}
	prepared, err := s.wallet.Sign(ctx, seqno, t)
	if err != nil {
		return nil, fmt.Errorf("sign transfer: %w", err)
	}
	signed := &Signed{
		Wallet:  s.wallet.Address(),
		Version: s.wallet.Version(),
		Seqno:   seqno,
		Hash:    prepared.Hash,
	}
	if persist != nil {
		if err := persist(ctx, signed); err != nil {
			return nil, fmt.Errorf("record transfer before broadcast: %w", err)
		}
	}

	s.lock.last, s.lock.lastAt, s.lock.used = seqno, s.now(), true
	err = s.rpc.Do(ctx, "send_external", func(ctx context.Context) error {
		return s.wallet.Send(ctx, prepared)
	})
	if err != nil {
		return signed, &BroadcastError{Err: err}
	}
	s.logger.Info("transfer broadcast", "wallet", signed.Wallet, "seqno", seqno, "hash", signed.Hash, "amount", t.Amount)
	return signed, nil
}

// nextSeqno returns a seqno this wallet has not signed with yet. After a
// broadcast the chain may still report the old value; it is polled until it
// advances, the previous message expires, or seqnoWait runs out.
func (s *Signer) nextSeqno(ctx context.Context) (uint32, error) {
	deadline := s.now().Add(s.seqnoWait)
	for {
		var seqno uint32
		err := s.rpc.Do(ctx, "seqno", func(ctx context.Context) error {
			var err error
			seqno, err = s.wallet.Seqno(ctx)
			return err
		})
		if err != nil {
			return 0, fmt.Errorf("fetch seqno: %w", err)
		}
		if !s.lock.used || seqno > s.lock.last || s.now().Sub(s.lock.lastAt) > s.messageTTL {
			return seqno, nil
		}
		if !s.now().Before(deadline) {
			return 0, fmt.Errorf("%w: wallet seqno still %d after signing %d", models.ErrSequenceConflict, seqno, s.lock.last)
		}
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("%w: %v", models.ErrNetworkTimeout, ctx.Err())
		case <-time.After(s.pollInterval):
		}
	}
}
