// Package config loads replica and client configuration from a YAML file,
// HIE_-prefixed environment variables and command-line flags.
package config

import (
	"crypto/ed25519"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/crypto"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/network"
)

// EnvPrefix prefixes every environment variable, e.g. HIE_NODE_ID.
const EnvPrefix = "HIE"

// ErrInvalidConfig is returned for configurations that fail validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Peer is one cluster member.
type Peer struct {
	ID         int    `mapstructure:"id"`
	Address    string `mapstructure:"address"`
	APIAddress string `mapstructure:"api_address"`
	PublicKey  string `mapstructure:"public_key"`
}

// NodeConfig identifies the local replica.
type NodeConfig struct {
	ID         int    `mapstructure:"id"`
	PrivateKey string `mapstructure:"private_key"`
}

// ClusterConfig describes the replica set.
type ClusterConfig struct {
	F     int    `mapstructure:"f"`
	Peers []Peer `mapstructure:"peers"`
}

// ConsensusConfig holds protocol timing and window parameters.
type ConsensusConfig struct {
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
	ViewChangeTimeout    time.Duration `mapstructure:"view_change_timeout"`
	MaxViewChangeTimeout time.Duration `mapstructure:"max_view_change_timeout"`
	WatermarkWindow      uint64        `mapstructure:"watermark_window"`
	CheckpointInterval   uint64        `mapstructure:"checkpoint_interval"`
	MaxPending           int           `mapstructure:"max_pending"`
}

// APIConfig holds the client-facing endpoints.
type APIConfig struct {
	GRPCAddress   string        `mapstructure:"grpc_address"`
	ExportAddress string        `mapstructure:"export_address"`
	AuthToken     string        `mapstructure:"auth_token"`
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
}

// MetricsConfig holds the Prometheus endpoint.
type MetricsConfig struct {
	Address  string        `mapstructure:"address"`
	Interval time.Duration `mapstructure:"interval"`
}

// StorageConfig holds the decision dump location. An empty DumpDir
// disables the dump.
type StorageConfig struct {
	DumpDir string `mapstructure:"dump_dir"`
}

// NetworkConfig holds transport tuning.
type NetworkConfig struct {
	LossRate      float64       `mapstructure:"loss_rate"`
	VerifyWorkers int           `mapstructure:"verify_workers"`
	StaleTimeout  time.Duration `mapstructure:"stale_timeout"`
}

// LogConfig selects log level and format ("json" or "console").
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the full configuration of a replica or client.
type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Cluster   ClusterConfig   `mapstructure:"cluster"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
	API       APIConfig       `mapstructure:"api"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Network   NetworkConfig   `mapstructure:"network"`
	Log       LogConfig       `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	def := consensus.DefaultConfig(0)

	v.SetDefault("node.id", 0)
	v.SetDefault("node.private_key", "")
	v.SetDefault("cluster.f", def.F)
	v.SetDefault("consensus.request_timeout", def.RequestTimeout)
	v.SetDefault("consensus.view_change_timeout", def.ViewChangeTimeout)
	v.SetDefault("consensus.max_view_change_timeout", time.Duration(0))
	v.SetDefault("consensus.watermark_window", uint64(def.WatermarkWindow))
	v.SetDefault("consensus.checkpoint_interval", uint64(def.CheckpointInterval))
	v.SetDefault("consensus.max_pending", def.MaxPending)
	v.SetDefault("api.grpc_address", "127.0.0.1:50051")
	v.SetDefault("api.export_address", "")
	v.SetDefault("api.auth_token", "")
	v.SetDefault("api.submit_timeout", 10*time.Second)
	v.SetDefault("metrics.address", "")
	v.SetDefault("metrics.interval", 2*time.Second)
	v.SetDefault("storage.dump_dir", "")
	v.SetDefault("network.loss_rate", 0.0)
	v.SetDefault("network.verify_workers", 4)
	v.SetDefault("network.stale_timeout", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// RegisterFlags adds the command-line overrides shared by the binaries.
// Flag names equal configuration keys so they bind directly.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "path to the YAML configuration file")
	fs.Int("node.id", 0, "replica id")
	fs.String("log.level", "info", "log level (debug, info, warn, error)")
	fs.String("api.grpc_address", "", "gRPC listen address")
	fs.String("api.auth_token", "", "client authentication token")
	fs.String("metrics.address", "", "metrics listen address")
	fs.String("storage.dump_dir", "", "decision dump directory")
}

// Load reads path (may be empty), the environment and fs (may be nil).
// Flags win over the environment, which wins over the file.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config %s", path)
		}
	}

	if fs != nil {
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" || !f.Changed {
				return
			}
			if err := v.BindPFlag(f.Name, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, errors.Wrap(bindErr, "failed to bind flags")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// N returns the cluster size.
func (c *Config) N() int {
	return len(c.Cluster.Peers)
}

// Validate checks the cluster layout and parameter ranges.
func (c *Config) Validate() error {
	n := len(c.Cluster.Peers)
	if c.Cluster.F < 1 {
		return errors.Wrapf(ErrInvalidConfig, "cluster.f must be at least 1, got %d", c.Cluster.F)
	}
	if n != 3*c.Cluster.F+1 {
		return errors.Wrapf(ErrInvalidConfig, "cluster needs 3f+1=%d peers, got %d", 3*c.Cluster.F+1, n)
	}

	seen := make(map[int]bool, n)
	for _, p := range c.Cluster.Peers {
		if p.ID < 0 || p.ID >= n {
			return errors.Wrapf(ErrInvalidConfig, "peer id %d outside [0, %d)", p.ID, n)
		}
		if seen[p.ID] {
			return errors.Wrapf(ErrInvalidConfig, "duplicate peer id %d", p.ID)
		}
		seen[p.ID] = true
		if p.Address == "" {
			return errors.Wrapf(ErrInvalidConfig, "peer %d has no address", p.ID)
		}
	}
	if c.Node.ID < 0 || c.Node.ID >= n {
		return errors.Wrapf(ErrInvalidConfig, "node.id %d outside [0, %d)", c.Node.ID, n)
	}
	if c.Network.LossRate < 0 || c.Network.LossRate >= 1 {
		return errors.Wrapf(ErrInvalidConfig, "network.loss_rate %v outside [0, 1)", c.Network.LossRate)
	}
	return c.ConsensusConfig().Validate()
}

// ConsensusConfig returns the protocol configuration of the local replica.
func (c *Config) ConsensusConfig() consensus.Config {
	cfg := consensus.DefaultConfig(consensus.NodeID(c.Node.ID))
	cfg.N = len(c.Cluster.Peers)
	cfg.F = c.Cluster.F
	cfg.RequestTimeout = c.Consensus.RequestTimeout
	cfg.ViewChangeTimeout = c.Consensus.ViewChangeTimeout
	cfg.MaxViewChangeTimeout = c.Consensus.MaxViewChangeTimeout
	cfg.WatermarkWindow = consensus.Seq(c.Consensus.WatermarkWindow)
	cfg.CheckpointInterval = consensus.Seq(c.Consensus.CheckpointInterval)
	if c.Consensus.MaxPending > 0 {
		cfg.MaxPending = c.Consensus.MaxPending
	}
	return cfg
}

// Self returns the local replica's peer entry.
func (c *Config) Self() (Peer, error) {
	for _, p := range c.Cluster.Peers {
		if p.ID == c.Node.ID {
			return p, nil
		}
	}
	return Peer{}, errors.Wrapf(ErrInvalidConfig, "node %d is not a cluster peer", c.Node.ID)
}

// Signer decodes node.private_key.
func (c *Config) Signer() (*crypto.Signer, error) {
	if c.Node.PrivateKey == "" {
		return nil, errors.Wrap(ErrInvalidConfig, "node.private_key is required")
	}
	key, err := crypto.DecodePrivateKey(c.Node.PrivateKey)
	if err != nil {
		return nil, errors.Wrap(err, "node.private_key")
	}
	return crypto.NewSigner(consensus.NodeID(c.Node.ID), key)
}

// NetworkConfig returns the transport configuration with decoded peer keys.
func (c *Config) NetworkConfig() (network.NetworkConfig, error) {
	self, err := c.Self()
	if err != nil {
		return network.NetworkConfig{}, err
	}

	cfg := network.DefaultNetworkConfig(consensus.NodeID(c.Node.ID))
	cfg.Address = self.Address
	if c.Network.VerifyWorkers > 0 {
		cfg.VerifyWorkers = c.Network.VerifyWorkers
	}
	if c.Network.StaleTimeout > 0 {
		cfg.StaleTimeout = c.Network.StaleTimeout
	}

	for _, p := range c.Cluster.Peers {
		var pub ed25519.PublicKey
		if p.ID != c.Node.ID {
			if p.PublicKey == "" {
				return network.NetworkConfig{}, errors.Wrapf(ErrInvalidConfig, "peer %d has no public key", p.ID)
			}
			if pub, err = crypto.DecodePublicKey(p.PublicKey); err != nil {
				return network.NetworkConfig{}, errors.Wrapf(err, "peer %d public key", p.ID)
			}
		}
		cfg.Peers = append(cfg.Peers, network.PeerConfig{
			ID:        consensus.NodeID(p.ID),
			Address:   p.Address,
			PublicKey: pub,
		})
	}
	return cfg, nil
}

// APIAddresses maps each replica to its gRPC address. Peers without an
// api_address are left out.
func (c *Config) APIAddresses() map[consensus.NodeID]string {
	out := make(map[consensus.NodeID]string, len(c.Cluster.Peers))
	for _, p := range c.Cluster.Peers {
		if p.APIAddress != "" {
			out[consensus.NodeID(p.ID)] = p.APIAddress
		}
	}
	return out
}

// PeerIDs returns the replica ids in ascending order.
func (c *Config) PeerIDs() []consensus.NodeID {
	ids := make([]consensus.NodeID, 0, len(c.Cluster.Peers))
	for _, p := range c.Cluster.Peers {
		ids = append(ids, consensus.NodeID(p.ID))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg LogConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return zerolog.Nop(), errors.Wrapf(err, "invalid log.level %q", cfg.Level)
	}

	var logger zerolog.Logger
	switch cfg.Format {
	case "", "console":
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	case "json":
		logger = zerolog.New(os.Stderr)
	default:
		return zerolog.Nop(), errors.Wrapf(ErrInvalidConfig, "unknown log.format %q", cfg.Format)
	}
	return logger.Level(level).With().Timestamp().Logger(), nil
}
