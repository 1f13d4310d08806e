package coordinator

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/scanforge/engine/pkg/coordinator/proto"
	"github.com/scanforge/engine/pkg/log"
	"google.golang.org/grpc"
)

// DefaultJoinTokenTTL bounds how long a generated join token remains
// valid for a scanner node to present during registration.
const DefaultJoinTokenTTL = 10 * time.Minute

// IssueJoinToken mints a token a scanner node must present to
// RegisterNode, per spec.md §4.10's cluster-join flow.
func (c *Coordinator) IssueJoinToken() (string, error) {
	jt, err := c.tokens.Generate(DefaultJoinTokenTTL)
	if err != nil {
		return "", err
	}
	return jt.Token, nil
}

// GRPCServer adapts a Coordinator to proto.CoordinatorServer, a thin
// RPC-facing wrapper translating typed request/response structs into
// Coordinator method calls.
type GRPCServer struct {
	c *Coordinator
}

// NewGRPCServer wraps c for RPC service registration.
func NewGRPCServer(c *Coordinator) *GRPCServer {
	return &GRPCServer{c: c}
}

func (s *GRPCServer) RegisterNode(ctx context.Context, req *proto.RegisterNodeRequest) (*proto.RegisterNodeResponse, error) {
	if err := s.c.tokens.Validate(req.Token); err != nil {
		return nil, fmt.Errorf("coordinator: join rejected: %w", err)
	}
	if err := s.c.RegisterNode(req.NodeId, req.Endpoint, int(req.Capacity), req.Tags); err != nil {
		return nil, err
	}
	return &proto.RegisterNodeResponse{Accepted: true}, nil
}

func (s *GRPCServer) Heartbeat(ctx context.Context, req *proto.HeartbeatRequest) (*proto.HeartbeatResponse, error) {
	if err := s.c.Heartbeat(req.NodeId, int(req.CurrentLoad), Health(req.Health)); err != nil {
		return nil, err
	}
	return &proto.HeartbeatResponse{Acknowledged: true}, nil
}

func (s *GRPCServer) AssignScan(ctx context.Context, req *proto.AssignScanRequest) (*proto.AssignScanResponse, error) {
	node, err := s.c.AssignScan(req.ScanId, req.RequiredTags, req.Deadline)
	if err != nil {
		return nil, err
	}
	return &proto.AssignScanResponse{NodeId: node.NodeID, Endpoint: node.Endpoint}, nil
}

func (s *GRPCServer) ReassignScan(ctx context.Context, req *proto.ReassignScanRequest) (*proto.ReassignScanResponse, error) {
	node, err := s.c.Reassign(req.ScanId, req.RequiredTags, req.Deadline)
	if err != nil {
		return nil, err
	}
	return &proto.ReassignScanResponse{NodeId: node.NodeID, Endpoint: node.Endpoint}, nil
}

// Serve blocks, accepting coordinator RPCs on lis until it closes or
// ctx is canceled.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	g := grpc.NewServer()
	proto.RegisterCoordinatorServer(g, s)

	go func() {
		<-ctx.Done()
		g.GracefulStop()
	}()

	log.WithNodeID(s.c.cfg.NodeID).Info().Str("addr", lis.Addr().String()).Msg("coordinator RPC server listening")
	return g.Serve(lis)
}
