package api

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
)

// ReplicaClient talks to one replica's gRPC service.
type ReplicaClient struct {
	id      consensus.NodeID
	address string
	conn    *grpc.ClientConn
}

// NewReplicaClient creates a client for replica id at address. The
// connection is established lazily on the first call.
func NewReplicaClient(id consensus.NodeID, address, token string) (*ReplicaClient, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
	if token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(tokenCredentials{token: token}))
	}

	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create client for replica %d", id)
	}
	return &ReplicaClient{id: id, address: address, conn: conn}, nil
}

// ID returns the replica this client talks to.
func (c *ReplicaClient) ID() consensus.NodeID {
	return c.id
}

// Address returns the replica's gRPC address.
func (c *ReplicaClient) Address() string {
	return c.address
}

// Submit sends req and waits for the replica's reply.
func (c *ReplicaClient) Submit(ctx context.Context, req consensus.Request) (consensus.Reply, error) {
	out := new(SubmitResponse)
	if err := c.conn.Invoke(ctx, submitMethod, &SubmitRequest{Request: req}, out); err != nil {
		return consensus.Reply{}, err
	}
	return out.Reply, nil
}

// Status fetches the replica status.
func (c *ReplicaClient) Status(ctx context.Context) (*StatusResponse, error) {
	out := new(StatusResponse)
	if err := c.conn.Invoke(ctx, statusMethod, &StatusRequest{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the connection.
func (c *ReplicaClient) Close() error {
	return c.conn.Close()
}
