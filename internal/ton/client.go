package ton

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/liteclient"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/ton"
	"github.com/xssnick/tonutils-go/ton/wallet"
)

// Supported wallet contract versions.
const (
	VersionV5R1 = "v5r1"
	VersionV4R2 = "v4r2"
	VersionV3R2 = "v3r2"
)

const (
	txPageSize  = 50
	lookupDepth = 1000
)

// chain is the part of the liteserver API the client reads and sends through.
type chain interface {
	CurrentMasterchainInfo(ctx context.Context) (*ton.BlockIDExt, error)
	LookupBlock(ctx context.Context, workchain int32, shard int64, seqno uint32) (*ton.BlockIDExt, error)
	GetAccount(ctx context.Context, block *ton.BlockIDExt, addr *address.Address) (*tlb.Account, error)
	RunGetMethod(ctx context.Context, block *ton.BlockIDExt, addr *address.Address, method string, params ...any) (*ton.ExecutionResult, error)
	ListTransactions(ctx context.Context, addr *address.Address, num uint32, lt uint64, txHash []byte) ([]*tlb.Transaction, error)
	SendExternalMessage(ctx context.Context, msg *tlb.ExternalMessage) error
}

// Client talks to liteservers through tonutils-go.
type Client struct {
	api     chain
	wallets wallet.TonAPI
	rpc     *RPC
	testnet bool
}

// Dial connects to the liteservers listed in the global config at configURL.
func Dial(ctx context.Context, configURL string, testnet bool, rpc *RPC) (*Client, error) {
	pool := liteclient.NewConnectionPool()
	err := rpc.Do(ctx, "connect", func(ctx context.Context) error {
		return pool.AddConnectionsFromConfigUrl(ctx, configURL)
	})
	if err != nil {
		return nil, fmt.Errorf("connect liteservers: %w", err)
	}
	api := ton.NewAPIClient(pool).WithRetry()
	return &Client{api: api, wallets: api, rpc: rpc, testnet: testnet}, nil
}

// WalletFactory derives wallets of any supported version from a 24-word seed.
func (c *Client) WalletFactory(seed []string) WalletFactory {
	return func(version string) (Wallet, error) {
		var cfg wallet.VersionConfig
		switch strings.ToLower(version) {
		case VersionV5R1:
			var id int32 = wallet.MainnetGlobalID
			if c.testnet {
				id = wallet.TestnetGlobalID
			}
			cfg = wallet.ConfigV5R1Final{NetworkGlobalID: id}
		case VersionV4R2:
			cfg = wallet.V4R2
		case VersionV3R2:
			cfg = wallet.V3R2
		default:
			return nil, fmt.Errorf("unsupported wallet version %q", version)
		}
		w, err := wallet.FromSeed(c.wallets, seed, cfg)
		if err != nil {
			return nil, err
		}
		addr := w.WalletAddress()
		if c.testnet {
			addr = addr.Testnet(true)
		}
		return &liteWallet{client: c, w: w, version: strings.ToLower(version), addr: addr}, nil
	}
}

func (c *Client) seqno(ctx context.Context, addr *address.Address) (uint32, error) {
	block, err := c.api.CurrentMasterchainInfo(ctx)
	if err != nil {
		return 0, err
	}
	res, err := c.api.RunGetMethod(ctx, block, addr, "seqno")
	if err != nil {
		var cErr ton.ContractExecError
		if errors.As(err, &cErr) && cErr.Code == ton.ErrCodeContractNotInitialized {
			return 0, nil
		}
		return 0, err
	}
	n, err := res.Int(0)
	if err != nil {
		return 0, Permanent(fmt.Errorf("decode seqno: %w", err))
	}
	return uint32(n.Uint64()), nil
}

// Seqno returns the wallet's current seqno, zero for an undeployed wallet.
func (c *Client) Seqno(ctx context.Context, wallet string) (uint32, error) {
	addr, err := ParseAddress(wallet)
	if err != nil {
		return 0, Permanent(err)
	}
	var seqno uint32
	err = c.rpc.Do(ctx, "seqno", func(ctx context.Context) error {
		var err error
		seqno, err = c.seqno(ctx, addr)
		return err
	})
	return seqno, err
}

type liteWallet struct {
	client  *Client
	w       *wallet.Wallet
	version string
	addr    *address.Address
}

func (l *liteWallet) Address() string { return l.addr.String() }
func (l *liteWallet) Version() string { return l.version }

func (l *liteWallet) Seqno(ctx context.Context) (uint32, error) {
	return l.client.seqno(ctx, l.addr)
}

type seqnoPinner interface {
	SetSeqnoFetcher(func(ctx context.Context, subWallet uint32) (uint32, error))
}

// Sign builds the transfer with the given seqno instead of letting the
// library fetch its own.
func (l *liteWallet) Sign(ctx context.Context, seqno uint32, t Transfer) (*Prepared, error) {
	to, err := ParseAddress(t.To)
	if err != nil {
		return nil, err
	}
	spec, ok := l.w.GetSpec().(seqnoPinner)
	if !ok {
		return nil, fmt.Errorf("wallet %s does not use seqno", l.version)
	}
	spec.SetSeqnoFetcher(func(context.Context, uint32) (uint32, error) { return seqno, nil })

	msg, err := l.w.BuildTransfer(to, tlb.FromNanoTONU(uint64(t.Amount)), to.IsBounceable(), t.Comment)
	if err != nil {
		return nil, fmt.Errorf("build transfer: %w", err)
	}
	ext, err := l.w.PrepareExternalMessageForMany(ctx, seqno == 0, []*wallet.Message{msg})
	if err != nil {
		return nil, fmt.Errorf("prepare external message: %w", err)
	}
	return &Prepared{Seqno: seqno, Hash: hex.EncodeToString(ext.Body.Hash()), Raw: ext}, nil
}

func (l *liteWallet) Send(ctx context.Context, p *Prepared) error {
	ext, ok := p.Raw.(*tlb.ExternalMessage)
	if !ok {
		return Permanent(errors.New("prepared message is not an external message"))
	}
	return l.client.api.SendExternalMessage(ctx, ext)
}

// Incoming is an inbound transfer to the deposit wallet.
type Incoming struct {
	TxHash        string
	LT            uint64
	From          string
	Amount        int64
	Memo          string
	Confirmations int
}

// Feed lists inbound transfers of one wallet.
type Feed struct {
	client        *Client
	addr          *address.Address
	confirmations int
}

// DepositFeed watches addr. Transfers already visible minConfirmations
// masterchain blocks ago are reported with that many confirmations, newer ones with zero.
func (c *Client) DepositFeed(addr string, minConfirmations int) (*Feed, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	return &Feed{client: c, addr: a, confirmations: minConfirmations}, nil
}

func (f *Feed) Address() string { return f.addr.String() }

// Incoming returns transfers with LT greater than afterLT, oldest first.
func (f *Feed) Incoming(ctx context.Context, afterLT uint64) ([]Incoming, error) {
	api := f.client.api
	var out []Incoming
	err := f.client.rpc.Do(ctx, "list_transactions", func(ctx context.Context) error {
		out = out[:0]
		head, err := api.CurrentMasterchainInfo(ctx)
		if err != nil {
			return err
		}
		acc, err := api.GetAccount(ctx, head, f.addr)
		if err != nil {
			return err
		}
		if !acc.IsActive || acc.LastTxLT == 0 || acc.LastTxLT <= afterLT {
			return nil
		}

		var confirmedLT uint64
		if head.SeqNo > uint32(f.confirmations) {
			lagged, err := api.LookupBlock(ctx, head.Workchain, head.Shard, head.SeqNo-uint32(f.confirmations))
			if err != nil {
				return err
			}
			if old, err := api.GetAccount(ctx, lagged, f.addr); err == nil && old.IsActive {
				confirmedLT = old.LastTxLT
			}
		}

		// Paging stops only at the cursor or the start of history, so no
		// transfer after afterLT is skipped however far back it is.
		lt, hash := acc.LastTxLT, acc.LastTxHash
		for {
			list, err := api.ListTransactions(ctx, f.addr, txPageSize, lt, hash)
			if errors.Is(err, ton.ErrNoTransactionsWereFound) {
				break
			}
			if err != nil {
				return err
			}
			done := false
			for i := len(list) - 1; i >= 0; i-- {
				tx := list[i]
				if tx.LT <= afterLT {
					done = true
					break
				}
				in, ok := incoming(tx)
				if !ok {
					continue
				}
				if tx.LT <= confirmedLT {
					in.Confirmations = f.confirmations
				}
				out = append(out, in)
			}
			if done || len(list) == 0 || list[0].PrevTxLT == 0 {
				break
			}
			lt, hash = list[0].PrevTxLT, list[0].PrevTxHash
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LT < out[j].LT })
	return out, nil
}

func incoming(tx *tlb.Transaction) (Incoming, bool) {
	if tx.IO.In == nil || tx.IO.In.MsgType != tlb.MsgTypeInternal {
		return Incoming{}, false
	}
	msg := tx.IO.In.AsInternal()
	if msg.Bounced {
		return Incoming{}, false
	}
	// Zero-value messages carry no funds to credit.
	amount := msg.Amount.Nano()
	if amount.Sign() <= 0 || !amount.IsInt64() {
		return Incoming{}, false
	}
	var from string
	if msg.SrcAddr != nil {
		from = msg.SrcAddr.String()
	}
	return Incoming{
		TxHash: hex.EncodeToString(tx.Hash),
		LT:     tx.LT,
		From:   from,
		Amount: amount.Int64(),
		Memo:   msg.Comment(),
	}, true
}

// Inclusion is what the chain says about a broadcast transfer.
type Inclusion int

const (
	InclusionPending Inclusion = iota
	InclusionFound
	InclusionConflict
)

// Lookup is the result of searching the wallet history for a transfer.
type Lookup struct {
	State  Inclusion
	TxHash string
}

// FindTransfer looks for the signed message in the sending wallet's history.
// While the wallet seqno has not moved past ours the transfer is pending. Once
// it has, the history is searched back to since minus the message lifetime,
// the earliest our message could have executed. Conflict is reported only
// when that whole window was scanned without a match; a search cut short by
// lookupDepth or pruned history stays pending.
func (c *Client) FindTransfer(ctx context.Context, s *Signed, since time.Time) (Lookup, error) {
	addr, err := ParseAddress(s.Wallet)
	if err != nil {
		return Lookup{}, err
	}
	current, err := c.Seqno(ctx, s.Wallet)
	if err != nil {
		return Lookup{}, err
	}
	if current <= s.Seqno {
		return Lookup{State: InclusionPending}, nil
	}

	var floor uint32
	if !since.IsZero() {
		floor = uint32(since.Add(-messageLifetime).Unix())
	}

	var result Lookup
	err = c.rpc.Do(ctx, "list_transactions", func(ctx context.Context) error {
		result = Lookup{State: InclusionPending}
		head, err := c.api.CurrentMasterchainInfo(ctx)
		if err != nil {
			return err
		}
		acc, err := c.api.GetAccount(ctx, head, addr)
		if err != nil {
			return err
		}
		lt, hash := acc.LastTxLT, acc.LastTxHash
		for seen := 0; seen < lookupDepth && lt != 0; {
			list, err := c.api.ListTransactions(ctx, addr, txPageSize, lt, hash)
			if errors.Is(err, ton.ErrNoTransactionsWereFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if len(list) == 0 {
				return nil
			}
			for i := len(list) - 1; i >= 0; i-- {
				tx := list[i]
				if floor != 0 && tx.Now < floor {
					result = Lookup{State: InclusionConflict}
					return nil
				}
				if tx.IO.In == nil || tx.IO.In.MsgType != tlb.MsgTypeExternalIn {
					continue
				}
				body := tx.IO.In.AsExternalIn().Body
				if body != nil && hex.EncodeToString(body.Hash()) == s.Hash {
					result = Lookup{State: InclusionFound, TxHash: hex.EncodeToString(tx.Hash)}
					return nil
				}
			}
			if list[0].PrevTxLT == 0 {
				result = Lookup{State: InclusionConflict}
				return nil
			}
			seen += len(list)
			lt, hash = list[0].PrevTxLT, list[0].PrevTxHash
		}
		return nil
	})
	if err != nil {
		return Lookup{}, err
	}
	return result, nil
}
