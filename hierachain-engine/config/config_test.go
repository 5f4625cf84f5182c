package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/crypto"
)

type testKeys struct {
	public  []string
	private []string
}

func generateKeys(t *testing.T, n int) testKeys {
	t.Helper()
	var k testKeys
	for i := 0; i < n; i++ {
		pub, priv, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("GenerateKey failed: %v", err)
		}
		k.public = append(k.public, crypto.EncodeKey(pub))
		k.private = append(k.private, crypto.EncodeKey(priv))
	}
	return k
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func clusterYAML(keys testKeys, self, peers int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "node:\n  id: %d\n  private_key: \"%s\"\n", self, keys.private[self])
	b.WriteString("cluster:\n  f: 1\n  peers:\n")
	for i := 0; i < peers; i++ {
		fmt.Fprintf(&b, "    - id: %d\n      address: tcp://127.0.0.1:%d\n      api_address: 127.0.0.1:%d\n      public_key: \"%s\"\n",
			i, 7000+i, 50051+i, keys.public[i])
	}
	b.WriteString(`consensus:
  request_timeout: 500ms
  view_change_timeout: 1s
  watermark_window: 40
  checkpoint_interval: 10
api:
  grpc_address: 127.0.0.1:50051
  auth_token: secret
storage:
  dump_dir: /tmp/dump
network:
  loss_rate: 0.1
log:
  level: debug
`)
	return b.String()
}

func TestLoadFile(t *testing.T) {
	keys := generateKeys(t, 4)
	cfg, err := Load(writeConfig(t, clusterYAML(keys, 1, 4)), nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Node.ID != 1 || cfg.Cluster.F != 1 || cfg.N() != 4 {
		t.Errorf("Unexpected cluster: id=%d f=%d n=%d", cfg.Node.ID, cfg.Cluster.F, cfg.N())
	}
	if cfg.Consensus.RequestTimeout != 500*time.Millisecond {
		t.Errorf("Expected request timeout 500ms, got %v", cfg.Consensus.RequestTimeout)
	}
	if cfg.API.AuthToken != "secret" || cfg.Storage.DumpDir != "/tmp/dump" {
		t.Errorf("Unexpected api/storage: %+v %+v", cfg.API, cfg.Storage)
	}
	if cfg.Network.LossRate != 0.1 || cfg.Log.Level != "debug" {
		t.Errorf("Unexpected network/log: %+v %+v", cfg.Network, cfg.Log)
	}
	if cfg.Metrics.Interval != 2*time.Second {
		t.Errorf("Expected default metrics interval, got %v", cfg.Metrics.Interval)
	}

	cc := cfg.ConsensusConfig()
	if cc.ID != 1 || cc.N != 4 || cc.WatermarkWindow != 40 || cc.CheckpointInterval != 10 {
		t.Errorf("Unexpected consensus config %+v", cc)
	}
	if cc.ViewChangeTimeout != time.Second {
		t.Errorf("Expected view change timeout 1s, got %v", cc.ViewChangeTimeout)
	}
}

func TestEnvAndFlagOverrides(t *testing.T) {
	keys := generateKeys(t, 4)
	path := writeConfig(t, clusterYAML(keys, 1, 4))

	t.Setenv("HIE_NODE_ID", "2")
	t.Setenv("HIE_LOG_LEVEL", "warn")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Node.ID != 2 || cfg.Log.Level != "warn" {
		t.Errorf("Environment not applied: id=%d level=%s", cfg.Node.ID, cfg.Log.Level)
	}

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse([]string{"--node.id=3", "--metrics.address=:9100"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	cfg, err = Load(path, fs)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Node.ID != 3 {
		t.Errorf("Flag should win over environment, got id %d", cfg.Node.ID)
	}
	if cfg.Metrics.Address != ":9100" {
		t.Errorf("Expected metrics address :9100, got %q", cfg.Metrics.Address)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Unset flag must not override environment, got %q", cfg.Log.Level)
	}
}

func TestValidateRejects(t *testing.T) {
	keys := generateKeys(t, 5)

	cases := map[string]string{
		"wrong size":   clusterYAML(keys, 0, 3),
		"too many":     clusterYAML(keys, 0, 5),
		"node outside": strings.Replace(clusterYAML(keys, 0, 4), "id: 0\n  private_key", "id: 7\n  private_key", 1),
		"loss rate":    strings.Replace(clusterYAML(keys, 0, 4), "loss_rate: 0.1", "loss_rate: 1.5", 1),
		"checkpoint":   strings.Replace(clusterYAML(keys, 0, 4), "checkpoint_interval: 10", "checkpoint_interval: 80", 1),
		"duplicate":    strings.Replace(clusterYAML(keys, 0, 4), "- id: 3", "- id: 2", 1),
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body), nil); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}

	cfg := &Config{Cluster: ClusterConfig{F: 0}}
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for f=0, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestKeysAndNetwork(t *testing.T) {
	keys := generateKeys(t, 4)
	cfg, err := Load(writeConfig(t, clusterYAML(keys, 2, 4)), nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	signer, err := cfg.Signer()
	if err != nil {
		t.Fatalf("Signer failed: %v", err)
	}
	if signer.ID() != 2 || crypto.EncodeKey(signer.PublicKey()) != keys.public[2] {
		t.Error("Signer does not match node 2")
	}

	nc, err := cfg.NetworkConfig()
	if err != nil {
		t.Fatalf("NetworkConfig failed: %v", err)
	}
	if nc.NodeID != 2 || nc.Address != "tcp://127.0.0.1:7002" {
		t.Errorf("Unexpected network identity %d %s", nc.NodeID, nc.Address)
	}
	if len(nc.Peers) != 4 {
		t.Fatalf("Expected 4 peers, got %d", len(nc.Peers))
	}
	if crypto.EncodeKey(nc.Peers[0].PublicKey) != keys.public[0] {
		t.Error("Peer 0 key not decoded")
	}

	addrs := cfg.APIAddresses()
	if len(addrs) != 4 || addrs[3] != "127.0.0.1:50054" {
		t.Errorf("Unexpected api addresses %v", addrs)
	}
	ids := cfg.PeerIDs()
	if len(ids) != 4 || ids[0] != 0 || ids[3] != consensus.NodeID(3) {
		t.Errorf("Unexpected peer ids %v", ids)
	}

	cfg.Node.PrivateKey = ""
	if _, err := cfg.Signer(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig without a key, got %v", err)
	}
	cfg.Cluster.Peers[0].PublicKey = "zz"
	if _, err := cfg.NetworkConfig(); err == nil {
		t.Error("Expected error for undecodable public key")
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := NewLogger(LogConfig{Level: "debug", Format: "json"}); err != nil {
		t.Errorf("NewLogger failed: %v", err)
	}
	if _, err := NewLogger(LogConfig{Level: "loud"}); err == nil {
		t.Error("Expected error for unknown level")
	}
	if _, err := NewLogger(LogConfig{Level: "info", Format: "xml"}); err == nil {
		t.Error("Expected error for unknown format")
	}
}
