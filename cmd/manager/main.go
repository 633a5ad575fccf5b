package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/plfanzen/backend/pkg/api"
	"github.com/plfanzen/backend/pkg/challenges"
	"github.com/plfanzen/backend/pkg/client"
	"github.com/plfanzen/backend/pkg/cluster"
	"github.com/plfanzen/backend/pkg/config"
	"github.com/plfanzen/backend/pkg/ledger"
	"github.com/plfanzen/backend/pkg/log"
	"github.com/plfanzen/backend/pkg/reconciler"
	"github.com/plfanzen/backend/pkg/repo"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "manager",
	Short: "CTF challenge instance manager",
	Long: `The manager turns challenge definitions from a git repository into
live, isolated, per-team instances on a Kubernetes cluster, and exposes
the control API the platform backend uses to start, stop and inspect
them.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"manager version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the instance manager",
	Long: `Start the manager: sync the challenge repository, rebuild the
instance ledger from its persisted snapshot, and serve the control API
while the reconciler converges cluster state in the background.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.FromEnv()
		if err != nil {
			return err
		}
		applyFlags(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		logger := log.WithComponent("main")

		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		// Fatal at startup: without the persisted ledger we would
		// forget every running instance.
		boltStore, err := ledger.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open ledger store: %w", err)
		}
		defer boltStore.Close()

		ldg, err := ledger.NewLedger(boltStore)
		if err != nil {
			return err
		}

		store := challenges.NewStore()
		syncer := repo.NewSyncer(cfg.GitURL, cfg.GitBranch, cfg.RepoDir, store)

		driver, err := cluster.NewKubernetesDriver(cfg.Kubeconfig, cfg.NamespacePrefix, cfg.NodeAddress)
		if err != nil {
			return err
		}

		rec := reconciler.NewReconciler(ldg, driver, store, reconciler.Config{
			TickInterval:     cfg.TickInterval,
			TickTimeout:      cfg.TickTimeout,
			FailureThreshold: cfg.FailureThreshold,
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go syncer.Run(ctx, cfg.SyncInterval)
		rec.Start()
		logger.Info().Msg("Reconciler started")

		server := api.NewServer(store, ldg, rec, syncer, cfg)
		errCh := make(chan error, 1)
		go func() {
			if err := server.Start(cfg.ListenAddr); err != nil {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		case err := <-errCh:
			return fmt.Errorf("control API failed: %w", err)
		}

		cancel()
		rec.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	},
}

// applyFlags lets explicit flags override environment configuration
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	get := func(name string) string {
		v, _ := cmd.Flags().GetString(name)
		return v
	}
	if cmd.Flags().Changed("git-url") {
		cfg.GitURL = get("git-url")
	}
	if cmd.Flags().Changed("git-branch") {
		cfg.GitBranch = get("git-branch")
	}
	if cmd.Flags().Changed("repo-dir") {
		cfg.RepoDir = get("repo-dir")
	}
	if cmd.Flags().Changed("listen-addr") {
		cfg.ListenAddr = get("listen-addr")
	}
	if cmd.Flags().Changed("kubeconfig") {
		cfg.Kubeconfig = get("kubeconfig")
	}
	if cmd.Flags().Changed("node-address") {
		cfg.NodeAddress = get("node-address")
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = get("data-dir")
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = get("log-level")
	}
}

func init() {
	serveCmd.Flags().String("git-url", "", "Challenge repository URL")
	serveCmd.Flags().String("git-branch", "main", "Challenge repository branch")
	serveCmd.Flags().String("repo-dir", "", "Local working copy directory")
	serveCmd.Flags().String("listen-addr", ":7070", "Control API listen address")
	serveCmd.Flags().String("kubeconfig", "", "Kubeconfig path (empty for in-cluster)")
	serveCmd.Flags().String("node-address", "", "Externally reachable node address for instance endpoints")
	serveCmd.Flags().String("data-dir", "", "Ledger persistence directory")
	serveCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Trigger an immediate challenge repository sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("manager-addr")
		changed, err := client.NewClient(addr).Sync(cmd.Context())
		if err != nil {
			return err
		}
		if changed {
			fmt.Println("Definitions updated")
		} else {
			fmt.Println("Already up to date")
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [team-id]",
	Short: "Show challenges, or a team's instances",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("manager-addr")
		c := client.NewClient(addr)

		if len(args) == 0 {
			challengeList, err := c.ListChallenges(cmd.Context())
			if err != nil {
				return err
			}
			for _, ch := range challengeList {
				fmt.Printf("%-24s %-32s %s\n", ch.ID, ch.Name, ch.Difficulty)
			}
			return nil
		}

		instances, err := c.ListInstances(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, inst := range instances {
			fmt.Printf("%-24s %-12s %-24s expires %s\n", inst.ChallengeID, inst.Phase, inst.Endpoint, inst.ExpiresAt)
		}
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{syncCmd, statusCmd} {
		cmd.Flags().String("manager-addr", "http://127.0.0.1:7070", "Manager control API address")
	}
}
