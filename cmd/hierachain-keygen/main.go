package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/api"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/crypto"
)

// keygen writes one YAML configuration per replica of a fresh 3f+1 cluster.
func main() {
	flags := pflag.NewFlagSet("hierachain-keygen", pflag.ExitOnError)
	f := flags.IntP("faults", "f", 1, "number of tolerated faults")
	out := flags.StringP("out", "o", ".", "output directory")
	host := flags.String("host", "127.0.0.1", "host used in peer addresses")
	p2pPort := flags.Int("p2p-port", 7000, "first replica-to-replica port")
	apiPort := flags.Int("api-port", 50051, "first gRPC port")
	exportPort := flags.Int("export-port", 7100, "first export port")
	metricsPort := flags.Int("metrics-port", 9100, "first metrics port")
	auth := flags.Bool("auth", true, "generate a client auth token")
	_ = flags.Parse(os.Args[1:])

	if err := generate(*f, *out, *host, *p2pPort, *apiPort, *exportPort, *metricsPort, *auth); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func generate(f int, out, host string, p2pPort, apiPort, exportPort, metricsPort int, auth bool) error {
	if f < 1 {
		return errors.Errorf("f must be at least 1, got %d", f)
	}
	n := 3*f + 1

	if err := os.MkdirAll(out, 0o700); err != nil {
		return errors.Wrap(err, "failed to create output directory")
	}

	var token string
	if auth {
		var err error
		if token, err = api.GenerateToken(); err != nil {
			return err
		}
	}

	privates := make([]string, n)
	peers := make([]map[string]any, n)
	for i := 0; i < n; i++ {
		pub, priv, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		privates[i] = crypto.EncodeKey(priv)
		peers[i] = map[string]any{
			"id":          i,
			"address":     fmt.Sprintf("tcp://%s:%d", host, p2pPort+i),
			"api_address": fmt.Sprintf("%s:%d", host, apiPort+i),
			"public_key":  crypto.EncodeKey(pub),
		}
	}

	for i := 0; i < n; i++ {
		v := viper.New()
		v.Set("node.id", i)
		v.Set("node.private_key", privates[i])
		v.Set("cluster.f", f)
		v.Set("cluster.peers", peers)
		v.Set("api.grpc_address", fmt.Sprintf("%s:%d", host, apiPort+i))
		v.Set("api.export_address", fmt.Sprintf("%s:%d", host, exportPort+i))
		v.Set("api.auth_token", token)
		v.Set("metrics.address", fmt.Sprintf("%s:%d", host, metricsPort+i))
		v.Set("storage.dump_dir", filepath.Join("data", fmt.Sprintf("node-%d", i)))
		v.Set("log.level", "info")

		path := filepath.Join(out, fmt.Sprintf("node-%d.yaml", i))
		if err := v.WriteConfigAs(path); err != nil {
			return errors.Wrapf(err, "failed to write %s", path)
		}
		if err := os.Chmod(path, 0o600); err != nil {
			return errors.Wrapf(err, "failed to protect %s", path)
		}
		fmt.Printf("wrote %s\n", path)
	}
	return nil
}
