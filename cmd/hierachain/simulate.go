package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/client"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/config"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/core"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/crypto"
)

type simulationConfig struct {
	F        int
	Ops      int
	LossRate float64
}

// runSimulation starts 3f+1 replicas on an in-process network, drives
// them with one client and checks that every replica reached the same
// state.
func runSimulation(sc simulationConfig) error {
	logger, err := config.NewLogger(config.LogConfig{Level: "info"})
	if err != nil {
		return err
	}

	cluster, err := core.NewLocalCluster(sc.F, sc.LossRate, crypto.SHA3{},
		func(consensus.NodeID) consensus.Application { return NewKVStore() },
		func(cfg *core.NodeConfig) {
			cfg.Consensus.RequestTimeout = 500 * time.Millisecond
			cfg.Consensus.ViewChangeTimeout = time.Second
			cfg.Consensus.CheckpointInterval = 10
			cfg.Consensus.WatermarkWindow = 40
		}, &logger)
	if err != nil {
		return err
	}
	if err := cluster.Start(); err != nil {
		return err
	}
	defer cluster.Stop()

	replicas := make([]client.Replica, len(cluster.Nodes))
	for i, n := range cluster.Nodes {
		replicas[i] = n
	}
	ccfg := client.DefaultConfig("simulator", sc.F)
	ccfg.AttemptTimeout = 3 * time.Second
	ccfg.MaxAttempts = 10
	c, err := client.New(ccfg, replicas, crypto.SHA3{}, logger)
	if err != nil {
		return err
	}

	start := time.Now()
	for i := 0; i < sc.Ops; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		op := fmt.Sprintf("set key-%d %d", i%50, i)
		_, err := c.Submit(ctx, []byte(op))
		cancel()
		if err != nil {
			return errors.Wrapf(err, "operation %d", i)
		}
	}
	elapsed := time.Since(start)

	// Backups may still be executing the tail the client already accepted.
	deadline := time.Now().Add(10 * time.Second)
	var statuses []consensus.Status
	for {
		statuses = statuses[:0]
		for _, n := range cluster.Nodes {
			st, err := n.Status(context.Background())
			if err != nil {
				return err
			}
			statuses = append(statuses, st)
		}
		if converged(statuses) || time.Now().After(deadline) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	delivered, dropped := cluster.Network.Stats()
	fmt.Printf("Simulated %d replicas (f=%d), %d operations in %v (%.1f ops/sec)\n",
		len(cluster.Nodes), sc.F, sc.Ops, elapsed.Round(time.Millisecond), float64(sc.Ops)/elapsed.Seconds())
	fmt.Printf("Messages delivered: %d, dropped: %d, client retries: %d\n",
		delivered, dropped, c.GetStats().Retries)
	for _, st := range statuses {
		fmt.Printf("  replica %d: view=%d executed=%d stable=%d state=%s\n",
			st.ID, st.View, st.LastExecuted, st.LowWatermark, st.StateDigest.String()[:16])
	}

	if !converged(statuses) {
		return errors.New("replicas did not converge to the same state")
	}
	return nil
}

func converged(statuses []consensus.Status) bool {
	for _, st := range statuses[1:] {
		if st.LastExecuted != statuses[0].LastExecuted || st.StateDigest != statuses[0].StateDigest {
			return false
		}
	}
	return true
}
