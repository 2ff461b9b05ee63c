package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the node configuration, loaded from environment variables
// with the RELAY_ prefix
type Config struct {
	NodeID   string
	Region   string
	DataDir  string
	LogLevel string
	LogJSON  bool

	// Cluster
	NATSURL       string
	RaftBindAddr  string
	RaftBootstrap bool
	RaftJoinAddr  string

	// Tenant lifecycle
	SlotNameSuffix             string
	JWTClaimValidators         map[string]string
	RebalanceCheckInterval     time.Duration
	CheckConnectedUserInterval time.Duration
	RPCTimeout                 time.Duration

	// Metrics
	MetricsAddr string
}

// Load reads the configuration from the environment
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("relay")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("node_id", "")
	v.SetDefault("region", "")
	v.SetDefault("data_dir", "/var/lib/relay")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", true)
	v.SetDefault("nats_url", "")
	v.SetDefault("raft_bind_addr", "127.0.0.1:7000")
	v.SetDefault("raft_bootstrap", false)
	v.SetDefault("raft_join_addr", "")
	v.SetDefault("slot_name_suffix", "")
	v.SetDefault("jwt_claim_validators", "")
	v.SetDefault("rebalance_check_interval_in_ms", 60_000)
	v.SetDefault("check_connected_user_interval", 50_000)
	v.SetDefault("erpc_timeout", 30_000)
	v.SetDefault("metrics_addr", ":9090")

	cfg := &Config{
		NodeID:                     v.GetString("node_id"),
		Region:                     v.GetString("region"),
		DataDir:                    v.GetString("data_dir"),
		LogLevel:                   v.GetString("log_level"),
		LogJSON:                    v.GetBool("log_json"),
		NATSURL:                    v.GetString("nats_url"),
		RaftBindAddr:               v.GetString("raft_bind_addr"),
		RaftBootstrap:              v.GetBool("raft_bootstrap"),
		RaftJoinAddr:               v.GetString("raft_join_addr"),
		SlotNameSuffix:             v.GetString("slot_name_suffix"),
		RebalanceCheckInterval:     time.Duration(v.GetInt("rebalance_check_interval_in_ms")) * time.Millisecond,
		CheckConnectedUserInterval: time.Duration(v.GetInt("check_connected_user_interval")) * time.Millisecond,
		RPCTimeout:                 time.Duration(v.GetInt("erpc_timeout")) * time.Millisecond,
		MetricsAddr:                v.GetString("metrics_addr"),
	}

	if validators := v.GetString("jwt_claim_validators"); validators != "" {
		parsed := map[string]string{}
		if err := json.Unmarshal([]byte(validators), &parsed); err != nil {
			return nil, fmt.Errorf("failed to parse jwt_claim_validators: %w", err)
		}
		cfg.JWTClaimValidators = parsed
	}

	if cfg.NodeID == "" {
		return nil, fmt.Errorf("node_id is required")
	}
	return cfg, nil
}
