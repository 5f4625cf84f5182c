package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/api"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/client"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/config"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/crypto"
)

const usage = `Usage: hierachain-client [flags] <command>

Commands:
  submit <operation...>   order one operation and print the accepted result
  status                  print the status of every replica
  export                  download the executed log of one replica

Flags:
`

func main() {
	flags := pflag.NewFlagSet("hierachain-client", pflag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	config.RegisterFlags(flags)
	clientID := flags.String("id", "", "client id (default: hostname-pid)")
	timeout := flags.Duration("timeout", 30*time.Second, "overall request timeout")
	exportAddr := flags.String("export", "127.0.0.1:7100", "export server address for the export command")
	from := flags.Uint64("from", 0, "export executions above this sequence number")
	_ = flags.Parse(os.Args[1:])

	args := flags.Args()
	if len(args) == 0 {
		flags.Usage()
		os.Exit(2)
	}

	if err := run(flags, args, *clientID, *timeout, *exportAddr, consensus.Seq(*from)); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(flags *pflag.FlagSet, args []string, clientID string, timeout time.Duration, exportAddr string, from consensus.Seq) error {
	path, _ := flags.GetString("config")
	cfg, err := config.Load(path, flags)
	if err != nil {
		return err
	}

	if args[0] == "export" {
		execs, err := api.FetchExecutions(exportAddr, cfg.API.AuthToken, from, timeout)
		if err != nil {
			return err
		}
		return printJSON(execs)
	}

	addrs := cfg.APIAddresses()
	if len(addrs) == 0 {
		return errors.New("no replica has an api_address")
	}
	replicas, closeAll, err := client.Dial(addrs, cfg.API.AuthToken)
	if err != nil {
		return err
	}
	defer closeAll()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	switch args[0] {
	case "submit":
		if len(args) < 2 {
			return errors.New("submit needs an operation")
		}
		logger, err := config.NewLogger(cfg.Log)
		if err != nil {
			return err
		}
		if clientID == "" {
			host, _ := os.Hostname()
			clientID = fmt.Sprintf("%s-%d", host, os.Getpid())
		}
		c, err := client.New(client.DefaultConfig(clientID, cfg.Cluster.F), replicas, crypto.SHA3{}, logger)
		if err != nil {
			return err
		}
		reply, err := c.Submit(ctx, []byte(strings.Join(args[1:], " ")))
		if err != nil {
			return err
		}
		fmt.Printf("seq=%d nonce=%d result=%s\n", reply.Seq, reply.Nonce, reply.Result)
		return nil

	case "status":
		out := make(map[consensus.NodeID]any, len(replicas))
		for _, r := range replicas {
			st, err := r.(*api.ReplicaClient).Status(ctx)
			if err != nil {
				out[r.ID()] = map[string]string{"error": err.Error()}
				continue
			}
			out[r.ID()] = st
		}
		return printJSON(out)

	default:
		return errors.Errorf("unknown command %q", args[0])
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
