// Command bftnode is the process entrypoint wiring a mempool engine and a
// consensus engine together. The transport layer (spec §1, out of scope)
// has no concrete implementation beyond the in-memory Hub in
// internal/network, which that package's own doc comment describes as
// usable for "single-process multi-validator simulations" — run loads one
// or more validator keys and drives exactly that: every validator named on
// the command line runs its full mempool+consensus pair in this process,
// wired to its peers over two in-memory hubs, the way cmd/rechain in the
// teacher boots every subsystem of a single node in one process.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rechain/bftcore/internal/bftcrypto"
	"github.com/rechain/bftcore/internal/consensus"
	"github.com/rechain/bftcore/internal/lanestore"
	"github.com/rechain/bftcore/internal/mempool"
	"github.com/rechain/bftcore/internal/metrics"
	"github.com/rechain/bftcore/internal/model"
	"github.com/rechain/bftcore/internal/network"
	"github.com/rechain/bftcore/internal/staking"
	"github.com/rechain/bftcore/pkg/config"
	"github.com/rechain/bftcore/pkg/logging"
)

func main() {
	root := &cobra.Command{
		Use:   "bftnode",
		Short: "BFT consensus core + mempool lane engine node",
	}

	root.AddCommand(keygenCmd(), genesisCmd(), runCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func keygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a validator signing key and print its public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := crypto.GenerateKey()
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			if dir := filepath.Dir(out); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create key directory: %w", err)
				}
			}
			if err := crypto.SaveECDSA(out, priv); err != nil {
				return fmt.Errorf("save key: %w", err)
			}
			signer := bftcrypto.NewECDSASigner(priv)
			fmt.Println(signer.PublicKey().String())
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "validator.key", "path to write the generated private key")
	cmd.MarkFlagRequired("out")
	return cmd
}

func genesisCmd() *cobra.Command {
	var keyPaths []string
	var stake uint64
	var minStake uint64
	var out string
	cmd := &cobra.Command{
		Use:   "genesis",
		Short: "Build a genesis file bonding a set of validator keys with equal stake",
		RunE: func(cmd *cobra.Command, args []string) error {
			g := &config.Genesis{MinStake: minStake}
			for _, path := range keyPaths {
				priv, err := crypto.LoadECDSA(path)
				if err != nil {
					return fmt.Errorf("load key %s: %w", path, err)
				}
				pub := bftcrypto.NewECDSASigner(priv).PublicKey()
				g.Validators = append(g.Validators, config.GenesisValidator{PublicKey: pub.String(), Stake: stake})
			}
			return g.Save(out)
		},
	}
	cmd.Flags().StringSliceVar(&keyPaths, "key", nil, "validator key file (repeatable)")
	cmd.Flags().Uint64Var(&stake, "stake", 100, "stake assigned to every listed validator")
	cmd.Flags().Uint64Var(&minStake, "min-stake", 100, "minimum stake required to bond")
	cmd.Flags().StringVar(&out, "out", "genesis.json", "path to write the genesis file")
	cmd.MarkFlagRequired("key")
	return cmd
}

func runCmd() *cobra.Command {
	var configPath string
	var genesisPath string
	var keyPaths []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one or more validators' mempool and consensus engines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, genesisPath, keyPaths)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&genesisPath, "genesis", "genesis.json", "path to the genesis file")
	cmd.Flags().StringSliceVar(&keyPaths, "key", nil, "validator key file to run in this process (repeatable)")
	cmd.MarkFlagRequired("key")
	return cmd
}

func run(configPath, genesisPath string, keyPaths []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	genesis, err := config.LoadGenesis(genesisPath)
	if err != nil {
		return fmt.Errorf("load genesis: %w", err)
	}
	view, err := buildStakingView(genesis)
	if err != nil {
		return fmt.Errorf("build staking view: %w", err)
	}

	signers := make([]bftcrypto.Signer, 0, len(keyPaths))
	for _, path := range keyPaths {
		priv, err := crypto.LoadECDSA(path)
		if err != nil {
			return fmt.Errorf("load key %s: %w", path, err)
		}
		signers = append(signers, bftcrypto.NewECDSASigner(priv))
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	poolHub := network.NewHub(256)
	consHub := network.NewHub(256)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stores []*lanestore.LaneStore
	genesisHash := model.ConsensusProposalHash{}

	for _, signer := range signers {
		pub := signer.PublicKey()
		short := pub.String()[:8]
		nodeView := view.Clone()

		dbPath := filepath.Join(cfg.Storage.Path, short)
		db, err := lanestore.NewBadgerStore(dbPath, cfg.Storage.CacheSize, cfg.Storage.Sync)
		if err != nil {
			return fmt.Errorf("open lane store for %s: %w", short, err)
		}
		lanes := lanestore.NewLaneStore(db)
		stores = append(stores, lanes)

		validatorLog := logger.With(zap.String("validator", short))
		pool := mempool.New(signer, lanes, poolHub.Join(pub), nodeView, cfg.Mempool, validatorLog.Named("mempool"), m)
		engine := consensus.New(signer, consHub.Join(pub), pool, pool, pool, nodeView, cfg.Consensus, validatorLog.Named("consensus"), m)

		go pool.Run(ctx)
		go engine.Run(ctx)
		engine.Bootstrap(ctx, genesisHash, nil)

		logger.Info("validator started", zap.String("validator", short))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown error", zap.Error(err))
		}
	}

	for _, lanes := range stores {
		if err := lanes.Close(); err != nil {
			logger.Warn("error closing lane store", zap.Error(err))
		}
	}

	return nil
}

// buildStakingView bonds every genesis validator in order, matching the
// teacher's single-pass initialization style rather than a two-phase
// stake-then-bond loop.
func buildStakingView(g *config.Genesis) (*staking.View, error) {
	view := staking.NewView(g.MinStake)
	for _, v := range g.Validators {
		raw, err := hex.DecodeString(v.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("decode public key %q: %w", v.PublicKey, err)
		}
		if len(raw) != len(model.ValidatorPublicKey{}) {
			return nil, fmt.Errorf("public key %q: expected %d bytes, got %d", v.PublicKey, len(model.ValidatorPublicKey{}), len(raw))
		}
		var pub model.ValidatorPublicKey
		copy(pub[:], raw)
		view.SetStake(pub, v.Stake)
		if !view.Bond(pub) {
			return nil, fmt.Errorf("validator %q stake %d is below min_stake %d", v.PublicKey, v.Stake, g.MinStake)
		}
	}
	return view, nil
}
