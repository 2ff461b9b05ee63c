package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/relay/pkg/bus"
	"github.com/cuemby/relay/pkg/config"
	"github.com/cuemby/relay/pkg/connect"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/ratecounter"
	"github.com/cuemby/relay/pkg/registry"
	"github.com/cuemby/relay/pkg/storage"
	"github.com/cuemby/relay/pkg/tenants"
	"github.com/spf13/cobra"
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
	Use:   "relay",
	Short: "Relay - Multi-tenant realtime message fan-out",
	Long: `Relay ingests committed inserts from tenant databases over
logical replication and fans them out to channel subscribers, with
per-session authorization evaluated against the tenant's own
row level security policies.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Relay version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(tenantCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run a relay node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		logger := log.WithNodeID(cfg.NodeID)

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open tenant store: %w", err)
		}
		defer func() { _ = store.Close() }()

		broker := bus.NewBroker()

		var cluster *bus.Cluster
		if cfg.NATSURL != "" {
			cluster, err = bus.NewCluster(bus.ClusterConfig{
				URL:    cfg.NATSURL,
				NodeID: cfg.NodeID,
			}, broker)
			if err != nil {
				return err
			}
			if err := cluster.Start(); err != nil {
				return err
			}
			defer cluster.Close()
		}
		b := bus.New(broker, cluster)

		reg := registry.New(registry.Config{
			NodeID:    cfg.NodeID,
			Region:    cfg.Region,
			BindAddr:  cfg.RaftBindAddr,
			DataDir:   cfg.DataDir,
			Bootstrap: cfg.RaftBootstrap,
			JoinAddr:  cfg.RaftJoinAddr,
		}, broker, cluster)

		counters := ratecounter.New(ratecounter.DefaultWindow)
		cache := tenants.NewCache(store, tenants.DefaultTTL)

		mgr := connect.NewManager(connect.Config{
			NodeID:              cfg.NodeID,
			Region:              cfg.Region,
			RPCTimeout:          cfg.RPCTimeout,
			CheckUserInterval:   cfg.CheckConnectedUserInterval,
			RegionCheckInterval: cfg.RebalanceCheckInterval,
			SlotSuffix:          cfg.SlotNameSuffix,
		}, reg, cache, b, counters)

		if err := mgr.Start(); err != nil {
			return err
		}
		if err := reg.Start(); err != nil {
			return err
		}
		// Registration needs a raft leader; give the election a moment
		go func() {
			for attempt := 0; attempt < 20; attempt++ {
				if err := reg.RegisterNode(); err == nil {
					return
				}
				time.Sleep(500 * time.Millisecond)
			}
			logger.Error().Msg("Failed to register node region")
		}()

		collector := metrics.NewCollector(counters)
		collector.Start()
		defer collector.Stop()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/metrics/compressed", func(w http.ResponseWriter, r *http.Request) {
			payload, err := metrics.ExportCompressed(cfg.NodeID, cfg.Region)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Encoding", "gzip")
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write(payload)
		})
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("Metrics server stopped")
			}
		}()

		logger.Info().Str("region", cfg.Region).Msg("Relay node started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info().Msg("Shutting down")
		mgr.StopAll()
		if err := reg.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("Failed to shut registry down")
		}
		return nil
	},
}
