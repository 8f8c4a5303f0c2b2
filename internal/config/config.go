// Package config loads runtime configuration from the environment,
// following the getEnv/getEnvInt convention used across this codebase,
// extended with the helpers the consensus core's configuration surface
// needs (durations, ratios, address lists).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every enumerated configuration option from the Runtime API.
type Config struct {
	Node      NodeConfig
	Consensus ConsensusConfig
	Network   NetworkConfig
	State     StateConfig
	Logging   LoggingConfig
}

// NodeConfig identifies this process within the cluster.
type NodeConfig struct {
	ID string
}

// ConsensusConfig selects and tunes the consensus engine.
type ConsensusConfig struct {
	Algorithm        string // "raft" | "pbft" | "tendermint"
	TimeoutMS        int    // election/round timeout, positive
	MaxFaulty        int    // f, BFT variants only
	MaxLogEntries    int
	SnapshotInterval int
	BatchSize        int
}

// DiscoveryMethod enumerates peer discovery strategies.
type DiscoveryMethod string

const (
	DiscoveryLocalBeacon DiscoveryMethod = "local-beacon"
	DiscoveryStatic      DiscoveryMethod = "static"
)

// NetworkConfig configures the transport layer.
type NetworkConfig struct {
	Port      int
	Discovery DiscoveryMethod
	Peers     []string // static discovery: "nodeID=host:port" entries
	GossipKey string   // shared MAC key for the wire envelope codec
}

// ConsistencyMode enumerates the state manager's four write modes.
type ConsistencyMode string

const (
	ConsistencyStrong   ConsistencyMode = "strong"
	ConsistencyEventual ConsistencyMode = "eventual"
	ConsistencyCausal   ConsistencyMode = "causal"
	ConsistencyQuorum   ConsistencyMode = "quorum"
)

// StateConfig configures the replicated state store.
type StateConfig struct {
	ReplicationFactor int
	Consistency       ConsistencyMode
	QuorumThreshold   float64 // 0 < threshold <= 1, meaningful only when Consistency == quorum
	QuorumTimeout     time.Duration
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level string
}

// Load reads configuration from the environment, falling back to the
// defaults used by the three-node local test topology.
func Load() *Config {
	return &Config{
		Node: NodeConfig{
			ID: getEnv("NODE_ID", "node-1"),
		},
		Consensus: ConsensusConfig{
			Algorithm:        getEnv("CONSENSUS_ALGORITHM", "raft"),
			TimeoutMS:        getEnvInt("CONSENSUS_TIMEOUT_MS", 150),
			MaxFaulty:        getEnvInt("CONSENSUS_MAX_FAULTY", 1),
			MaxLogEntries:    getEnvInt("CONSENSUS_MAX_LOG_ENTRIES", 10000),
			SnapshotInterval: getEnvInt("CONSENSUS_SNAPSHOT_INTERVAL", 1000),
			BatchSize:        getEnvInt("CONSENSUS_BATCH_SIZE", 64),
		},
		Network: NetworkConfig{
			Port:      getEnvInt("NETWORK_PORT", 7946),
			Discovery: DiscoveryMethod(getEnv("NETWORK_DISCOVERY", string(DiscoveryStatic))),
			Peers:     getEnvStringSlice("NETWORK_PEERS", nil),
			GossipKey: getEnv("NETWORK_GOSSIP_KEY", "dev-only-insecure-key"),
		},
		State: StateConfig{
			ReplicationFactor: getEnvInt("STATE_REPLICATION_FACTOR", 3),
			Consistency:       ConsistencyMode(getEnv("STATE_CONSISTENCY", string(ConsistencyStrong))),
			QuorumThreshold:   getEnvFloat("STATE_QUORUM_THRESHOLD", 0.5),
			QuorumTimeout:     getEnvDuration("STATE_QUORUM_TIMEOUT", 2*time.Second),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
