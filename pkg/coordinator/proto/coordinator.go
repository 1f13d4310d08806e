// Package proto holds the coordinator's gRPC message and service
// definitions. protoc is not available in this build environment, so
// the message shapes and service descriptor below are hand-written
// directly against the same wire contract a generated file would
// produce, checked in next to the service they serve.
package proto

import (
	"context"
	"time"
)

// RegisterNodeRequest registers a scanner node with the coordinator.
type RegisterNodeRequest struct {
	NodeId   string   `protobuf:"bytes,1,opt,name=node_id,json=nodeId,proto3" json:"node_id"`
	Endpoint string   `protobuf:"bytes,2,opt,name=endpoint,proto3" json:"endpoint"`
	Capacity int32    `protobuf:"varint,3,opt,name=capacity,proto3" json:"capacity"`
	Tags     []string `protobuf:"bytes,4,rep,name=tags,proto3" json:"tags"`
	Token    string   `protobuf:"bytes,5,opt,name=token,proto3" json:"token"`
}

type RegisterNodeResponse struct {
	Accepted bool `protobuf:"varint,1,opt,name=accepted,proto3" json:"accepted"`
}

// HeartbeatRequest carries one node's periodic liveness report.
type HeartbeatRequest struct {
	NodeId      string `protobuf:"bytes,1,opt,name=node_id,json=nodeId,proto3" json:"node_id"`
	CurrentLoad int32  `protobuf:"varint,2,opt,name=current_load,json=currentLoad,proto3" json:"current_load"`
	Health      string `protobuf:"bytes,3,opt,name=health,proto3" json:"health"`
}

type HeartbeatResponse struct {
	Acknowledged bool `protobuf:"varint,1,opt,name=acknowledged,proto3" json:"acknowledged"`
}

// AssignScanRequest asks the coordinator to place a scan on an
// eligible node.
type AssignScanRequest struct {
	ScanId       string        `protobuf:"bytes,1,opt,name=scan_id,json=scanId,proto3" json:"scan_id"`
	RequiredTags []string      `protobuf:"bytes,2,rep,name=required_tags,json=requiredTags,proto3" json:"required_tags"`
	Deadline     time.Duration `protobuf:"varint,3,opt,name=deadline,proto3" json:"deadline"`
}

type AssignScanResponse struct {
	NodeId   string `protobuf:"bytes,1,opt,name=node_id,json=nodeId,proto3" json:"node_id"`
	Endpoint string `protobuf:"bytes,2,opt,name=endpoint,proto3" json:"endpoint"`
}

// ReassignScanRequest asks the coordinator to fail a scan over to a
// new node after its current one became unreachable or missed its
// assignment deadline.
type ReassignScanRequest struct {
	ScanId       string        `protobuf:"bytes,1,opt,name=scan_id,json=scanId,proto3" json:"scan_id"`
	RequiredTags []string      `protobuf:"bytes,2,rep,name=required_tags,json=requiredTags,proto3" json:"required_tags"`
	Deadline     time.Duration `protobuf:"varint,3,opt,name=deadline,proto3" json:"deadline"`
}

type ReassignScanResponse struct {
	NodeId   string `protobuf:"bytes,1,opt,name=node_id,json=nodeId,proto3" json:"node_id"`
	Endpoint string `protobuf:"bytes,2,opt,name=endpoint,proto3" json:"endpoint"`
}

// CoordinatorServer is the service interface implemented by
// coordinator.GRPCServer and invoked by the generated-style
// ServiceDesc in service.go.
type CoordinatorServer interface {
	RegisterNode(context.Context, *RegisterNodeRequest) (*RegisterNodeResponse, error)
	Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error)
	AssignScan(context.Context, *AssignScanRequest) (*AssignScanResponse, error)
	ReassignScan(context.Context, *ReassignScanRequest) (*ReassignScanResponse, error)
}
