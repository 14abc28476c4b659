// Command darkswapd is the DarkSwap node: it loads configuration, builds the
// orchestrator, and serves an interactive command line (§6's "CLI
// orchestrator entry points"). The wallet is opened by the `wallet` commands
// and the P2P node is started on first use of a `network` command. Every
// verb is a thin call into
// core.Orchestrator — this file holds no business logic of its own.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/spf13/cobra"

	config "darkswap/pkg/config"

	log "github.com/sirupsen/logrus"

	core "darkswap/core"
)

// Exit codes per §6: 0 success, 1 user error, 2 network error, 3 wallet
// error.
const (
	exitSuccess    = 0
	exitUserError  = 1
	exitNetworkErr = 2
	exitWalletErr  = 3
)

func main() {
	logger := log.New()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.WithError(err).Fatal("darkswapd: load config")
	}

	orch, err := core.NewOrchestrator(orchestratorConfigFrom(cfg), logger)
	if err != nil {
		logger.WithError(err).Fatal("darkswapd: init orchestrator")
	}

	os.Exit(runShell(orch, logger))
}

// orchestratorConfigFrom translates the viper-backed pkg/config.Config into
// core.OrchestratorConfig, the seam that keeps core/ free of a pkg/config
// import (cmd is the only layer allowed to depend on both).
func orchestratorConfigFrom(cfg *config.Config) core.OrchestratorConfig {
	minLevel, err := core.ParseAuthLevel(cfg.Relay.Auth.MinLevel)
	if err != nil {
		minLevel = core.AuthNone
	}
	return core.OrchestratorConfig{
		Network:       cfg.Bitcoin.Network,
		DataDir:       cfg.Storage.DataDir,
		EncryptAtRest: cfg.Storage.EncryptAtRest,
		P2P: core.NodeConfig{
			ListenAddresses:    cfg.P2P.ListenAddresses,
			BootstrapPeers:     cfg.P2P.BootstrapPeers,
			RelayServers:       cfg.P2P.RelayServers,
			EnableWebRTC:       cfg.P2P.EnableWebRTC,
			EnableCircuitRelay: cfg.P2P.EnableCircuitRelay,
			EnableDHT:          cfg.P2P.EnableDHT,
			EnableGossipSub:    cfg.P2P.EnableGossipSub,
		},
		RequireRelayAuth:     cfg.Relay.Auth.Require,
		RelayAuthMinLevel:    minLevel,
		RelayBootstrap:       cfg.P2P.RelayServers,
		DefaultExpirySeconds: cfg.Trade.DefaultExpirySeconds,
		MaxOrdersPerPeer:     cfg.Orderbook.MaxOrdersPerPeer,
	}
}

// runShell reads commands from stdin until `exit` or EOF, dispatching each
// line to the matching cobra command tree. It returns the process exit
// code for the last command executed (0 on a clean `exit`/EOF).
func runShell(orch *core.Orchestrator, logger *log.Logger) int {
	root := buildRootCmd(orch)
	scanner := bufio.NewScanner(os.Stdin)
	lastCode := exitSuccess

	for {
		fmt.Fprint(os.Stdout, "darkswap> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" {
			break
		}
		args := strings.Fields(line)
		root.SetArgs(args)
		if err := root.Execute(); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			lastCode = codeForError(err)
			continue
		}
		lastCode = exitSuccess
	}
	return lastCode
}

// codeForError maps an orchestrator error to one of §6's three non-zero
// exit codes by sniffing the sentinel prefix the orchestrator methods use
// ("orchestrator: no wallet" / "wallet:" -> wallet error, "p2p:"/"relay:"/
// "orchestrator: network" -> network error, everything else -> user error).
func codeForError(err error) int {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "wallet"):
		return exitWalletErr
	case strings.Contains(msg, "network"), strings.Contains(msg, "p2p:"), strings.Contains(msg, "relay"):
		return exitNetworkErr
	default:
		return exitUserError
	}
}

func buildRootCmd(orch *core.Orchestrator) *cobra.Command {
	root := &cobra.Command{Use: "darkswap", SilenceUsage: true, SilenceErrors: true}
	root.AddCommand(helpCmd(root))
	root.AddCommand(walletCmd(orch))
	root.AddCommand(networkCmd(orch))
	root.AddCommand(systemCmd(orch))
	return root
}

func helpCmd(root *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:   "help",
		Short: "show available commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.Usage()
		},
	}
}

//---------------------------------------------------------------------
// wallet {create|open|close|balance|address|send}
//---------------------------------------------------------------------

func walletCmd(orch *core.Orchestrator) *cobra.Command {
	cmd := &cobra.Command{Use: "wallet", Short: "wallet lifecycle and payments"}

	var entropyBits int
	create := &cobra.Command{
		Use:   "create",
		Short: "generate a new wallet and print its mnemonic",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, mnemonic, err := orch.WalletCreate(entropyBits)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "address:", addr)
			fmt.Fprintln(cmd.OutOrStdout(), "mnemonic:", mnemonic)
			return nil
		},
	}
	create.Flags().IntVar(&entropyBits, "entropy", 256, "BIP-39 entropy bits (128 or 256)")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "open",
		Short: "open the previously-created wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := orch.WalletOpen()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "address:", addr)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "close",
		Short: "close the open wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return orch.WalletClose()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "balance",
		Short: "show the wallet's spendable balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			bal, err := orch.WalletBalance()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), bal)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "address",
		Short: "show the wallet's receive address",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := orch.WalletAddress()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), addr)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "send <address> <amount-sats>",
		Short: "send a plain payment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sats, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid amount: %w", err)
			}
			txid, err := orch.WalletSend(args[0], btcutil.Amount(sats))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "txid:", txid)
			return nil
		},
	})

	return cmd
}

//---------------------------------------------------------------------
// network {connect|disconnect|send|broadcast|peers}
//---------------------------------------------------------------------

func networkCmd(orch *core.Orchestrator) *cobra.Command {
	cmd := &cobra.Command{Use: "network", Short: "P2P connectivity"}

	cmd.AddCommand(&cobra.Command{
		Use:   "connect <multiaddr>",
		Short: "dial a peer at a known address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureStarted(orch, cmd); err != nil {
				return err
			}
			return orch.NetworkConnect(context.Background(), args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "disconnect <peer-id>",
		Short: "close the connection to a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureStarted(orch, cmd); err != nil {
				return err
			}
			return orch.NetworkDisconnect(core.PeerId(args[0]))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "send <peer-id> <message>",
		Short: "send a raw message directly to one peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureStarted(orch, cmd); err != nil {
				return err
			}
			return orch.NetworkSend(context.Background(), core.PeerId(args[0]), []byte(args[1]))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "broadcast <base> <quote> <message>",
		Short: "gossip a raw message to a trading pair's topic",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureStarted(orch, cmd); err != nil {
				return err
			}
			base, err := parseAsset(args[0])
			if err != nil {
				return err
			}
			quote, err := parseAsset(args[1])
			if err != nil {
				return err
			}
			pair := core.Pair{Base: base, Quote: quote}
			return orch.NetworkBroadcast(context.Background(), pair, []byte(args[2]))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "peers",
		Short: "list known peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureStarted(orch, cmd); err != nil {
				return err
			}
			peers, err := orch.NetworkPeers()
			if err != nil {
				return err
			}
			for _, p := range peers {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%v\t%s\n", p.PeerID, p.Connected, p.AuthLevel)
			}
			return nil
		},
	})

	return cmd
}

// parseAsset parses the CLI's asset shorthand: "BTC", "RUNE:<block>:<tx>", or
// "ALKANE:<id>", matching Asset.String()'s own rendering.
func parseAsset(s string) (core.Asset, error) {
	parts := strings.SplitN(s, ":", 3)
	switch parts[0] {
	case "BTC":
		return core.BTC(), nil
	case "RUNE":
		if len(parts) != 3 {
			return core.Asset{}, fmt.Errorf("invalid rune asset %q, want RUNE:<block>:<tx>", s)
		}
		block, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return core.Asset{}, fmt.Errorf("invalid rune block in %q: %w", s, err)
		}
		tx, err := strconv.ParseUint(parts[2], 10, 32)
		if err != nil {
			return core.Asset{}, fmt.Errorf("invalid rune tx index in %q: %w", s, err)
		}
		return core.Rune(core.RuneID{Block: block, Tx: uint32(tx)}), nil
	case "ALKANE":
		if len(parts) < 2 || parts[1] == "" {
			return core.Asset{}, fmt.Errorf("invalid alkane asset %q, want ALKANE:<id>", s)
		}
		return core.Alkane(strings.Join(parts[1:], ":")), nil
	default:
		return core.Asset{}, fmt.Errorf("unrecognized asset %q", s)
	}
}

// ensureStarted brings the network up on first use of a network subcommand;
// §6 does not define a separate `network start` verb.
func ensureStarted(orch *core.Orchestrator, cmd *cobra.Command) error {
	_, running := orch.SystemPing()
	if running {
		return nil
	}
	return orch.Start(context.Background())
}

//---------------------------------------------------------------------
// system ping
//---------------------------------------------------------------------

func systemCmd(orch *core.Orchestrator) *cobra.Command {
	cmd := &cobra.Command{Use: "system", Short: "node liveness"}
	cmd.AddCommand(&cobra.Command{
		Use:   "ping",
		Short: "report wallet and network liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			walletOpen, running := orch.SystemPing()
			fmt.Fprintf(cmd.OutOrStdout(), "wallet_open=%v network_running=%v\n", walletOpen, running)
			return nil
		},
	})
	return cmd
}
