// Command rpsd runs the match gateway daemon and a set of one-shot match
// operations for scripting. The daemon exposes the client facade over HTTP;
// the one-shot commands talk to a CometBFT-hosted ledger directly.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cometbft/cometbft/abci/server"
	"github.com/samber/do/v2"
	"github.com/urfave/cli/v3"

	"github.com/Simlowker/RPC-game-sub000/internal/client"
	"github.com/Simlowker/RPC-game-sub000/internal/config"
	"github.com/Simlowker/RPC-game-sub000/internal/gateway"
	"github.com/Simlowker/RPC-game-sub000/internal/ledger"
	"github.com/Simlowker/RPC-game-sub000/internal/ledger/cometledger"
	"github.com/Simlowker/RPC-game-sub000/internal/ledger/memledger"
	"github.com/Simlowker/RPC-game-sub000/internal/match"
	"github.com/Simlowker/RPC-game-sub000/internal/node"
	"github.com/Simlowker/RPC-game-sub000/internal/secret"
)

func loadConfig(cmd *cli.Command) (config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return config.Config{}, err
	}
	if v := cmd.String("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v := cmd.String("listen"); v != "" {
		cfg.Listen = v
	}
	if v := cmd.String("ledger-mode"); v != "" {
		cfg.Ledger.Mode = v
	}
	if v := cmd.String("rpc-addr"); v != "" {
		cfg.Ledger.RPCAddr = v
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newBackend(cfg config.Config, identity string) (ledger.Backend, error) {
	switch cfg.Ledger.Mode {
	case config.ModeMock:
		l := memledger.New()
		if cfg.Ledger.FaucetAmount > 0 {
			l.Faucet(identity, cfg.Ledger.FaucetAmount)
		}
		return l, nil
	case config.ModeRPC:
		return cometledger.New(cfg.Ledger.RPCAddr, "rpsd")
	}
	return nil, fmt.Errorf("unknown ledger mode %q", cfg.Ledger.Mode)
}

// buildClient constructs the full stack for one-shot commands.
func buildClient(cmd *cli.Command) (*client.Client, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	key, err := client.LoadOrCreateKeypair(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	secrets, err := secret.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	backend, err := newBackend(cfg, key.Address)
	if err != nil {
		_ = secrets.Close()
		return nil, nil, err
	}
	c := client.New(key, backend, secrets,
		client.WithPollInterval(time.Duration(cfg.PollIntervalSecs)*time.Second),
	)
	cleanup := func() {
		c.Close()
		_ = secrets.Close()
	}
	return c, cleanup, nil
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	i := do.New()
	do.ProvideNamedValue(i, "listen", cfg.Listen)
	do.ProvideValue(i, cfg)

	do.Provide(i, func(i do.Injector) (*client.Client, error) {
		cfg := do.MustInvoke[config.Config](i)
		key, err := client.LoadOrCreateKeypair(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		secrets, err := secret.Open(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		backend, err := newBackend(cfg, key.Address)
		if err != nil {
			return nil, err
		}
		return client.New(key, backend, secrets,
			client.WithLogger(slog.Default()),
			client.WithPollInterval(time.Duration(cfg.PollIntervalSecs)*time.Second),
			client.WithAutoSettle(cfg.AutoSettle),
		), nil
	})
	do.Provide(i, gateway.NewService)

	gw, err := do.Invoke[*gateway.Service](i)
	if err != nil {
		return fmt.Errorf("wire gateway: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- gw.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return gw.Shutdown(shutdownCtx)
}

// runNode serves the ledger application to a CometBFT node over the ABCI
// socket. The consensus engine runs as a separate process and connects here.
func runNode(ctx context.Context, cmd *cli.Command) error {
	app, err := node.New(cmd.String("home"))
	if err != nil {
		return err
	}

	srv, err := server.NewServer(cmd.String("abci-addr"), cmd.String("transport"), app)
	if err != nil {
		return fmt.Errorf("create abci server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start abci server: %w", err)
	}
	slog.Info("abci server listening", "addr", cmd.String("abci-addr"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}
	return srv.Stop()
}

func runCreate(ctx context.Context, cmd *cli.Command) error {
	c, cleanup, err := buildClient(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	choice, err := match.ChoiceFromName(cmd.String("choice"))
	if err != nil {
		return err
	}
	var tokenMint *string
	if v := cmd.String("token-mint"); v != "" {
		tokenMint = &v
	}
	matchID, err := c.CreateMatch(ctx, client.CreateMatchParams{
		BetAmount:    uint64(cmd.Int("bet")),
		Choice:       choice,
		TokenMint:    tokenMint,
		JoinWindow:   time.Duration(cmd.Int("join-window-secs")) * time.Second,
		RevealWindow: time.Duration(cmd.Int("reveal-window-secs")) * time.Second,
		FeeBps:       uint32(cmd.Int("fee-bps")),
	})
	if err != nil {
		return err
	}
	fmt.Println(matchID)
	return nil
}

// matchAction lifts a client method expression into a CLI action.
func matchAction(run func(c *client.Client, ctx context.Context, matchID string) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		c, cleanup, err := buildClient(cmd)
		if err != nil {
			return err
		}
		defer cleanup()
		return run(c, ctx, cmd.String("match"))
	}
}

func runList(ctx context.Context, cmd *cli.Command) error {
	c, cleanup, err := buildClient(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	matches, err := c.DisplayableMatches(ctx)
	if err != nil {
		return err
	}
	for _, m := range matches {
		flags := ""
		if m.CanJoin {
			flags += " joinable"
		}
		if m.CanReveal {
			flags += " revealable"
		}
		if m.CanSettle {
			flags += " settleable"
		}
		if m.CanClaimTimeout {
			flags += " timeout-claimable"
		}
		fmt.Printf("%s  %-20s bet=%d timeLeft=%s%s\n", m.ID, m.Status, m.BetAmount, m.TimeLeft, flags)
	}
	return nil
}

func runBalance(ctx context.Context, cmd *cli.Command) error {
	c, cleanup, err := buildClient(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	bal, err := c.Balance(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s %d\n", c.Address(), bal)
	return nil
}

func main() {
	commonFlags := []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Sources: cli.EnvVars("RPS_CONFIG"),
		},
		&cli.StringFlag{
			Name:    "data-dir",
			Sources: cli.EnvVars("RPS_DATA_DIR"),
		},
		&cli.StringFlag{
			Name:    "ledger-mode",
			Sources: cli.EnvVars("RPS_LEDGER_MODE"),
		},
		&cli.StringFlag{
			Name:    "rpc-addr",
			Sources: cli.EnvVars("RPS_RPC_ADDR"),
		},
	}
	matchFlag := &cli.StringFlag{
		Name:     "match",
		Required: true,
	}

	cmd := &cli.Command{
		Name: "rpsd",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP gateway daemon",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:    "listen",
						Sources: cli.EnvVars("RPS_LISTEN"),
					},
				}, commonFlags...),
				Action: runServe,
			},
			{
				Name:  "node",
				Usage: "run the ledger application for a CometBFT node",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "home",
						Value:   ".rps",
						Sources: cli.EnvVars("RPS_HOME"),
					},
					&cli.StringFlag{
						Name:  "abci-addr",
						Value: "tcp://127.0.0.1:26658",
					},
					&cli.StringFlag{
						Name:  "transport",
						Value: "socket",
					},
				},
				Action: runNode,
			},
			{
				Name:  "create",
				Usage: "create a match with a committed choice",
				Flags: append([]cli.Flag{
					&cli.IntFlag{Name: "bet", Required: true},
					&cli.StringFlag{Name: "choice", Required: true},
					&cli.IntFlag{Name: "join-window-secs", Value: 3600},
					&cli.IntFlag{Name: "reveal-window-secs", Value: 7200},
					&cli.IntFlag{Name: "fee-bps", Value: 100},
					&cli.StringFlag{Name: "token-mint"},
				}, commonFlags...),
				Action: runCreate,
			},
			{
				Name:  "join",
				Usage: "join an open match with a committed choice",
				Flags: append([]cli.Flag{
					matchFlag,
					&cli.StringFlag{Name: "choice", Required: true},
				}, commonFlags...),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					c, cleanup, err := buildClient(cmd)
					if err != nil {
						return err
					}
					defer cleanup()
					choice, err := match.ChoiceFromName(cmd.String("choice"))
					if err != nil {
						return err
					}
					return c.JoinMatch(ctx, cmd.String("match"), choice)
				},
			},
			{
				Name:   "reveal",
				Usage:  "reveal the committed choice",
				Flags:  append([]cli.Flag{matchFlag}, commonFlags...),
				Action: matchAction((*client.Client).RevealChoice),
			},
			{
				Name:   "settle",
				Usage:  "settle a match with both reveals present",
				Flags:  append([]cli.Flag{matchFlag}, commonFlags...),
				Action: matchAction((*client.Client).SettleMatch),
			},
			{
				Name:   "cancel",
				Usage:  "cancel an unjoined match",
				Flags:  append([]cli.Flag{matchFlag}, commonFlags...),
				Action: matchAction((*client.Client).CancelMatch),
			},
			{
				Name:   "claim",
				Usage:  "claim a timeout after a missed deadline",
				Flags:  append([]cli.Flag{matchFlag}, commonFlags...),
				Action: matchAction((*client.Client).ClaimTimeout),
			},
			{
				Name:   "list",
				Usage:  "list this identity's matches and open matches",
				Flags:  commonFlags,
				Action: runList,
			},
			{
				Name:   "balance",
				Usage:  "show this identity's ledger balance",
				Flags:  commonFlags,
				Action: runBalance,
			},
		},
		DefaultCommand: "serve",
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
