package api

import (
	"context"

	"google.golang.org/grpc"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "hierachain.bft.Replica"

	submitMethod = "/" + ServiceName + "/Submit"
	statusMethod = "/" + ServiceName + "/Status"
)

// SubmitRequest asks a replica to order and execute one client request.
type SubmitRequest struct {
	Request consensus.Request `json:"request"`
}

// SubmitResponse carries the replica's reply for the request.
type SubmitResponse struct {
	Reply consensus.Reply `json:"reply"`
}

// StatusRequest asks for a replica status snapshot.
type StatusRequest struct{}

// StatusResponse carries the replica status.
type StatusResponse struct {
	Status  consensus.Status `json:"status"`
	Version string           `json:"version"`
}

// ReplicaServer is the server API of the replica service.
type ReplicaServer interface {
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
}

// RegisterReplicaServer registers srv on s.
func RegisterReplicaServer(s grpc.ServiceRegistrar, srv ReplicaServer) {
	s.RegisterService(&replicaServiceDesc, srv)
}

func submitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SubmitRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicaServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: submitMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReplicaServer).Submit(ctx, req.(*SubmitRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicaServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: statusMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReplicaServer).Status(ctx, req.(*StatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var replicaServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReplicaServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
		{MethodName: "Status", Handler: statusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hierachain/bft/replica.json",
}
