package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/api"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/config"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/core"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/crypto"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/data"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/monitoring"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/network"
)

// Version information
const (
	Version = "0.2.0"
	Name    = "HieraChain-BFT"
)

func main() {
	flags := pflag.NewFlagSet("hierachain", pflag.ExitOnError)
	config.RegisterFlags(flags)
	simulate := flags.Bool("simulate", false, "run a whole cluster in this process instead of one replica")
	simF := flags.Int("sim.f", 1, "fault tolerance of the simulated cluster")
	simOps := flags.Int("sim.ops", 100, "operations submitted to the simulated cluster")
	simLoss := flags.Float64("sim.loss", 0, "message loss rate of the simulated cluster")
	version := flags.BoolP("version", "v", false, "print version and exit")
	_ = flags.Parse(os.Args[1:])

	if *version {
		fmt.Printf("%s v%s\n", Name, Version)
		return
	}

	var err error
	if *simulate {
		err = runSimulation(simulationConfig{F: *simF, Ops: *simOps, LossRate: *simLoss})
	} else {
		path, _ := flags.GetString("config")
		err = runReplica(path, flags)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", Name, err)
		os.Exit(1)
	}
}

// replica holds the running components of one replica process.
type replica struct {
	logger   zerolog.Logger
	node     *core.Node
	network  *network.Service
	grpc     *api.Server
	export   *api.ExportServer
	metrics  *monitoring.MetricsServer
	recorder *data.Recorder
	cancel   context.CancelFunc
}

func runReplica(path string, flags *pflag.FlagSet) error {
	cfg, err := config.Load(path, flags)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	r, err := startReplica(cfg, logger)
	if err != nil {
		return err
	}
	logger = r.logger
	logger.Info().Str("version", Version).Int("n", cfg.N()).Int("f", cfg.Cluster.F).Msg("Replica started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down replica")
	r.stop()
	logger.Info().Msg("Replica stopped")
	return nil
}

// startReplica wires and starts every component. base is handed to the node
// and network, which tag their own logs with the replica id.
func startReplica(cfg *config.Config, base zerolog.Logger) (*replica, error) {
	logger := base.With().Int("node", cfg.Node.ID).Logger()

	signer, err := cfg.Signer()
	if err != nil {
		return nil, err
	}
	netCfg, err := cfg.NetworkConfig()
	if err != nil {
		return nil, err
	}
	svc, err := network.NewService(netCfg, signer, base)
	if err != nil {
		return nil, err
	}

	metrics := monitoring.NewMetrics("hierachain")
	observers := consensus.Observers{monitoring.NewObserver(metrics)}

	r := &replica{logger: logger, network: svc}
	if cfg.Storage.DumpDir != "" {
		r.recorder, err = data.NewRecorder(cfg.Storage.DumpDir, consensus.NodeID(cfg.Node.ID), logger)
		if err != nil {
			return nil, err
		}
		observers = append(observers, r.recorder)
	}

	nodeCfg := core.DefaultNodeConfig(consensus.NodeID(cfg.Node.ID))
	nodeCfg.Consensus = cfg.ConsensusConfig()
	r.node, err = core.NewNode(nodeCfg, core.Dependencies{
		App:      NewKVStore(),
		Network:  svc,
		Digester: crypto.SHA3{},
		Observer: observers,
		Logger:   &base,
	})
	if err != nil {
		return nil, err
	}
	svc.Attach(r.node)

	if err := r.node.Start(); err != nil {
		return nil, err
	}
	if err := svc.Start(); err != nil {
		r.node.Stop()
		return nil, errors.Wrap(err, "failed to start network")
	}

	apiCfg := api.DefaultServerConfig()
	apiCfg.AuthToken = cfg.API.AuthToken
	apiCfg.SubmitTimeout = cfg.API.SubmitTimeout
	r.grpc = api.NewServer(r.node, apiCfg, metrics, logger)
	if err := r.grpc.StartAsync(cfg.API.GRPCAddress); err != nil {
		r.stop()
		return nil, err
	}

	if cfg.API.ExportAddress != "" && r.recorder != nil {
		r.export = api.NewExportServer(r.recorder, cfg.API.AuthToken, logger)
		if err := r.export.StartAsync(cfg.API.ExportAddress); err != nil {
			r.stop()
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	interval := cfg.Metrics.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	go metrics.Watch(ctx, r.node, interval)

	if cfg.Metrics.Address != "" {
		r.metrics = monitoring.NewMetricsServer(cfg.Metrics.Address, metrics.Registry, r.health)
		if err := r.metrics.StartAsync(); err != nil {
			r.stop()
			return nil, err
		}
	}

	svc.OnPeerChange(func(id consensus.NodeID, healthy bool) {
		logger.Info().Int("peer", int(id)).Bool("healthy", healthy).Msg("Peer health changed")
	})
	return r, nil
}

func (r *replica) health() error {
	if !r.node.IsRunning() {
		return core.ErrNotRunning
	}
	if !r.network.IsRunning() {
		return errors.New("network not running")
	}
	return nil
}

// stop shuts components down in reverse start order. The recorder closes
// last so it sees every execution.
func (r *replica) stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.metrics.Stop(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
		cancel()
	}
	if r.export != nil {
		r.export.Stop()
	}
	if r.grpc != nil {
		r.grpc.Stop()
	}
	r.network.Stop()
	r.node.Stop()
	if r.recorder != nil {
		r.recorder.Close()
	}
}
