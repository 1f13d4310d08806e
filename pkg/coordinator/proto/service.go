package proto

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// jsonCodec marshals gRPC messages as JSON rather than wire-format
// protobuf. Registered under the name "proto" (grpc-go's default
// content-subtype) so CoordinatorClient/CoordinatorServer work over an
// ordinary grpc.Dial/grpc.NewServer without a protoc-generated codec
// for these hand-written message structs.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string { return "proto" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// ServiceName is the gRPC service name clients dial against.
const ServiceName = "coordinator.Coordinator"

// RegisterCoordinatorServer attaches srv's RPC methods to g, the way a
// protoc-generated RegisterXServer call would.
func RegisterCoordinatorServer(g *grpc.Server, srv CoordinatorServer) {
	g.RegisterService(&serviceDesc, srv)
}

// CoordinatorClient is the client-side counterpart to CoordinatorServer,
// dialed by scanner nodes and cmd/scanenginectl's node subcommands.
type CoordinatorClient interface {
	RegisterNode(ctx context.Context, in *RegisterNodeRequest) (*RegisterNodeResponse, error)
	Heartbeat(ctx context.Context, in *HeartbeatRequest) (*HeartbeatResponse, error)
	AssignScan(ctx context.Context, in *AssignScanRequest) (*AssignScanResponse, error)
	ReassignScan(ctx context.Context, in *ReassignScanRequest) (*ReassignScanResponse, error)
}

type coordinatorClient struct {
	cc grpc.ClientConnInterface
}

// NewCoordinatorClient wraps cc for calls against ServiceName.
func NewCoordinatorClient(cc grpc.ClientConnInterface) CoordinatorClient {
	return &coordinatorClient{cc: cc}
}

func (c *coordinatorClient) RegisterNode(ctx context.Context, in *RegisterNodeRequest) (*RegisterNodeResponse, error) {
	out := new(RegisterNodeResponse)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/RegisterNode", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorClient) Heartbeat(ctx context.Context, in *HeartbeatRequest) (*HeartbeatResponse, error) {
	out := new(HeartbeatResponse)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/Heartbeat", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorClient) AssignScan(ctx context.Context, in *AssignScanRequest) (*AssignScanResponse, error) {
	out := new(AssignScanResponse)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/AssignScan", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorClient) ReassignScan(ctx context.Context, in *ReassignScanRequest) (*ReassignScanResponse, error) {
	out := new(ReassignScanResponse)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/ReassignScan", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegisterNode", Handler: registerNodeHandler},
		{MethodName: "Heartbeat", Handler: heartbeatHandler},
		{MethodName: "AssignScan", Handler: assignScanHandler},
		{MethodName: "ReassignScan", Handler: reassignScanHandler},
	},
}

func registerNodeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RegisterNodeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServer).RegisterNode(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/RegisterNode"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoordinatorServer).RegisterNode(ctx, req.(*RegisterNodeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func heartbeatHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(HeartbeatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServer).Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Heartbeat"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoordinatorServer).Heartbeat(ctx, req.(*HeartbeatRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func assignScanHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(AssignScanRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServer).AssignScan(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/AssignScan"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoordinatorServer).AssignScan(ctx, req.(*AssignScanRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func reassignScanHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ReassignScanRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServer).ReassignScan(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/ReassignScan"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoordinatorServer).ReassignScan(ctx, req.(*ReassignScanRequest))
	}
	return interceptor(ctx, in, info, handler)
}
