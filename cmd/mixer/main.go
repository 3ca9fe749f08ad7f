package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/yourorg/mixerzk/internal/config"
	"github.com/yourorg/mixerzk/pkg/anonset"
	"github.com/yourorg/mixerzk/pkg/chain"
	"github.com/yourorg/mixerzk/pkg/mixerr"
)

// app holds the persistent flags and the lazily dialed chain client.
type app struct {
	envFile   string
	rpcURL    string
	contract  string
	sender    string
	keyDir    string
	snapshot  string
	verbosity int

	cfg   *config.Config
	chain *chain.Client
	store *anonset.LevelStore
}

func main() {
	a := &app{}
	root := newRootCmd(a)
	err := root.ExecuteContext(context.Background())
	a.close()
	if err != nil {
		log.Error("Command failed", "stage", mixerr.StageOf(err), "retryable", mixerr.Retryable(err), "err", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "mixer",
		Short:         "Client for a CosmWasm shielded-pool mixer",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			useColor := isatty.IsTerminal(os.Stderr.Fd())
			log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.FromLegacyLevel(a.verbosity), useColor)))

			var files []string
			if a.envFile != "" {
				files = append(files, a.envFile)
			}
			cfg, err := config.Load(files...)
			if err != nil {
				return err
			}
			if a.rpcURL != "" {
				cfg.RPCURL = a.rpcURL
			}
			if a.contract != "" {
				cfg.Contract = a.contract
			}
			a.cfg = cfg
			log.Debug("Loaded configuration", "config", cfg.String())
			return nil
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&a.envFile, "env", "", "dotenv file (default .env)")
	f.StringVar(&a.rpcURL, "rpc", "", "CometBFT RPC URL (overrides RPC_URL)")
	f.StringVar(&a.contract, "contract", "", "mixer contract address (overrides CONTRACT)")
	f.StringVar(&a.sender, "sender", "", "account that signs execute messages")
	f.StringVar(&a.keyDir, "keys", "./keys", "directory holding the proving and verifying keys")
	f.StringVar(&a.snapshot, "snapshot", "", "leveldb directory for anonymity set snapshots (empty keeps them in memory)")
	f.IntVar(&a.verbosity, "verbosity", 3, "log level (0=crit, 1=error, 2=warn, 3=info, 4=debug, 5=trace)")

	root.AddCommand(
		newNoteCmd(),
		newSyncCmd(a),
		newResolveCmd(a),
		newDepositCmd(a),
		newWithdrawCmd(a),
		newVerifyCmd(a),
	)
	return root
}

// client dials the configured RPC endpoint once per invocation.
func (a *app) client(ctx context.Context) (*chain.Client, error) {
	if a.chain != nil {
		return a.chain, nil
	}
	if err := a.cfg.Require(config.EnvRPCURL, config.EnvContract); err != nil {
		return nil, err
	}
	c, err := chain.Dial(ctx, a.cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", a.cfg.RPCURL, err)
	}
	a.chain = c
	return c, nil
}

func (a *app) synchronizer(ctx context.Context) (*anonset.Synchronizer, error) {
	c, err := a.client(ctx)
	if err != nil {
		return nil, err
	}
	if a.snapshot == "" {
		return anonset.NewSynchronizer(c), nil
	}
	st, err := anonset.OpenLevelStore(a.snapshot)
	if err != nil {
		return nil, err
	}
	a.store = st
	return anonset.NewSynchronizer(c, anonset.WithStore(st), anonset.WithIncremental()), nil
}

func (a *app) close() {
	if a.chain != nil {
		a.chain.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn("Closing snapshot store failed", "err", err)
		}
	}
}
