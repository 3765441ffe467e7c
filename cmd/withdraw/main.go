// Command withdraw sends one transfer from the service wallet.
//
//	withdraw --to <address> --amount <nano-TON> [--comment <text>]
//
// On success it prints {"ok":true,"txHash":"...","seqno":N} to stdout. On
// failure it prints {"ok":false,"error":"..."} to stderr and exits 1.
//
// The command takes no database lease on the wallet, so it must not run while
// an API server is sending withdrawals from the same wallet.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/blackmirrow/market/internal/config"
	"github.com/blackmirrow/market/internal/models"
	"github.com/blackmirrow/market/internal/ton"
)

const commandTimeout = 2 * time.Minute

type success struct {
	OK     bool   `json:"ok"`
	TxHash string `json:"txHash"`
	Seqno  uint32 `json:"seqno"`
}

type failure struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel()}))
	slog.SetDefault(logger)

	transfer, err := parseArgs(os.Args[1:])
	if err != nil {
		fail(os.Stderr, err)
	}
	signed, err := run(transfer, logger)
	if err != nil {
		fail(os.Stderr, err)
	}
	_ = json.NewEncoder(os.Stdout).Encode(success{OK: true, TxHash: signed.Hash, Seqno: signed.Seqno})
}

// logLevel keeps stderr quiet unless LOG_LEVEL=debug.
func logLevel() slog.Level {
	if strings.EqualFold(os.Getenv("LOG_LEVEL"), "debug") {
		return slog.LevelDebug
	}
	return slog.LevelError + 4
}

func fail(w io.Writer, err error) {
	_ = json.NewEncoder(w).Encode(failure{Error: err.Error()})
	os.Exit(1)
}

func parseArgs(args []string) (ton.Transfer, error) {
	fs := flag.NewFlagSet("withdraw", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	to := fs.String("to", "", "destination address")
	amount := fs.String("amount", "", "amount in nano-TON")
	comment := fs.String("comment", "", "optional text comment")
	if err := fs.Parse(args); err != nil {
		return ton.Transfer{}, err
	}
	if fs.NArg() > 0 {
		return ton.Transfer{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if *to == "" {
		return ton.Transfer{}, errors.New("--to is required")
	}
	if _, err := ton.ParseAddress(*to); err != nil {
		return ton.Transfer{}, err
	}
	nano, err := strconv.ParseInt(*amount, 10, 64)
	if err != nil || nano <= 0 {
		return ton.Transfer{}, fmt.Errorf("--amount %q: %w", *amount, models.ErrInvalidAmount)
	}
	return ton.Transfer{To: *to, Amount: nano, Comment: *comment}, nil
}

func run(t ton.Transfer, logger *slog.Logger) (*ton.Signed, error) {
	cfg, err := config.LoadTON()
	if err != nil {
		return nil, err
	}
	seed := cfg.SeedWords()
	if len(seed) == 0 {
		return nil, errors.New("TON_WALLET_SEED is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	rpc := ton.NewRPC(cfg.RPCRate, cfg.RPCRetries, cfg.RPCTimeout)
	client, err := ton.Dial(ctx, cfg.ConfigURL, cfg.Testnet, rpc)
	if err != nil {
		return nil, err
	}
	wallet, err := ton.ResolveWallet(cfg.WalletVersions, client.WalletFactory(seed), cfg.WalletAddress, logger)
	if err != nil {
		return nil, err
	}
	signer := ton.NewSigner(wallet, rpc, logger)
	logger.Debug("sending", "from", signer.Address(), "version", signer.Version(), "to", t.To, "amount", t.Amount)
	return signer.Transfer(ctx, t, nil)
}
