package coordinator

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/scanforge/engine/pkg/engineerrors"
	"github.com/scanforge/engine/pkg/log"
	"github.com/scanforge/engine/pkg/metrics"
)

// Config configures a Coordinator node.
type Config struct {
	NodeID          string
	BindAddr        string
	DataDir         string
	HeartbeatWindow time.Duration // H: expected interval between heartbeats
	MissedLimit     int           // K: consecutive missed heartbeats before UNREACHABLE
	Strategy        Strategy
}

// Coordinator is one member of the Raft-replicated coordinator
// cluster: Bootstrap/Join/AddVoter/RemoveServer over a raft-boltdb
// log/stable store, tuned for sub-10s failover.
type Coordinator struct {
	cfg    Config
	raft   *raft.Raft
	fsm    *CoordinatorFSM
	tokens *TokenManager
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.HeartbeatWindow <= 0 {
		cfg.HeartbeatWindow = 5 * time.Second
	}
	if cfg.MissedLimit <= 0 {
		cfg.MissedLimit = 3
	}
	if cfg.Strategy == nil {
		cfg.Strategy = LeastLoaded{}
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("coordinator: create data dir: %w", err)
	}
	metrics.RegisterComponent("raft", false, "not started")
	return &Coordinator{
		cfg:    cfg,
		fsm:    NewCoordinatorFSM(),
		tokens: NewTokenManager(),
	}, nil
}

func (c *Coordinator) raftConfig() *raft.Config {
	rc := raft.DefaultConfig()
	rc.LocalID = raft.ServerID(c.cfg.NodeID)
	// Optimized for LAN deployment rather than hashicorp/raft's
	// WAN-safe defaults.
	rc.HeartbeatTimeout = 500 * time.Millisecond
	rc.ElectionTimeout = 500 * time.Millisecond
	rc.CommitTimeout = 50 * time.Millisecond
	rc.LeaderLeaseTimeout = 250 * time.Millisecond
	return rc
}

func (c *Coordinator) newRaft() (*raft.Raft, raft.ServerAddress, error) {
	addr, err := net.ResolveTCPAddr("tcp", c.cfg.BindAddr)
	if err != nil {
		return nil, "", fmt.Errorf("coordinator: resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(c.cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, "", fmt.Errorf("coordinator: create transport: %w", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(c.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, "", fmt.Errorf("coordinator: create snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(c.cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, "", fmt.Errorf("coordinator: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(c.cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, "", fmt.Errorf("coordinator: create stable store: %w", err)
	}
	r, err := raft.NewRaft(c.raftConfig(), c.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, "", fmt.Errorf("coordinator: create raft: %w", err)
	}
	return r, transport.LocalAddr(), nil
}

// Bootstrap initializes a new single-node coordinator cluster.
func (c *Coordinator) Bootstrap() error {
	r, localAddr, err := c.newRaft()
	if err != nil {
		metrics.UpdateComponent("raft", false, err.Error())
		return err
	}
	c.raft = r

	cfg := raft.Configuration{
		Servers: []raft.Server{{ID: raft.ServerID(c.cfg.NodeID), Address: localAddr}},
	}
	if err := c.raft.BootstrapCluster(cfg).Error(); err != nil {
		metrics.UpdateComponent("raft", false, err.Error())
		return fmt.Errorf("coordinator: bootstrap cluster: %w", err)
	}
	metrics.UpdateComponent("raft", true, "")
	return nil
}

// Join starts Raft on this node without bootstrapping; the node is
// expected to be added as a voter by the current leader via AddVoter.
func (c *Coordinator) Join() error {
	r, _, err := c.newRaft()
	if err != nil {
		metrics.UpdateComponent("raft", false, err.Error())
		return err
	}
	c.raft = r
	metrics.UpdateComponent("raft", true, "")
	return nil
}

// AddVoter adds a new coordinator node to the Raft cluster. Only the leader may call this.
func (c *Coordinator) AddVoter(nodeID, address string) error {
	if c.raft == nil {
		return fmt.Errorf("coordinator: raft not initialized")
	}
	if !c.IsLeader() {
		return fmt.Errorf("coordinator: %w, current leader: %s", engineerrors.ErrNotLeader, c.LeaderAddr())
	}
	if err := c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second).Error(); err != nil {
		return fmt.Errorf("coordinator: add voter: %w", err)
	}
	return nil
}

// RemoveServer removes a coordinator node from the Raft cluster.
func (c *Coordinator) RemoveServer(nodeID string) error {
	if c.raft == nil {
		return fmt.Errorf("coordinator: raft not initialized")
	}
	if !c.IsLeader() {
		return fmt.Errorf("coordinator: %w", engineerrors.ErrNotLeader)
	}
	if err := c.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second).Error(); err != nil {
		return fmt.Errorf("coordinator: remove server: %w", err)
	}
	return nil
}

func (c *Coordinator) IsLeader() bool {
	return c.raft != nil && c.raft.State() == raft.Leader
}

func (c *Coordinator) LeaderAddr() string {
	if c.raft == nil {
		return ""
	}
	return string(c.raft.Leader())
}

// apply submits cmd to the Raft log and waits for it to commit.
func (c *Coordinator) apply(op string, payload any) (any, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	if c.raft == nil {
		return nil, fmt.Errorf("coordinator: raft not initialized")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("coordinator: marshal payload: %w", err)
	}
	cmd := Command{Op: op, Data: data}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("coordinator: marshal command: %w", err)
	}
	future := c.raft.Apply(raw, 5*time.Second)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("coordinator: apply %s: %w", op, err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return nil, err
		}
		return resp, nil
	}
	return nil, nil
}

// RegisterNode adds a scanner node to the replicated registry.
func (c *Coordinator) RegisterNode(nodeID, endpoint string, capacity int, tags []string) error {
	_, err := c.apply(OpRegisterNode, registerNodePayload{NodeID: nodeID, Endpoint: endpoint, Capacity: capacity, Tags: tags})
	if err == nil {
		metrics.NodesTotal.WithLabelValues(string(HealthHealthy)).Inc()
	}
	return err
}

// Heartbeat records nodeID's current load and health.
func (c *Coordinator) Heartbeat(nodeID string, currentLoad int, health Health) error {
	_, err := c.apply(OpHeartbeat, heartbeatPayload{NodeID: nodeID, CurrentLoad: currentLoad, Health: health})
	return err
}

// AssignScan selects an eligible node for scanID via the configured
// Strategy, restricted to nodes whose tags are a superset of
// requiredTags, and replicates the placement.
func (c *Coordinator) AssignScan(scanID string, requiredTags []string, deadline time.Duration) (*ScannerNode, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PlacementDuration)

	nodes := c.fsm.Nodes()
	var pool []*ScannerNode
	for _, n := range nodes {
		if n.HasTags(requiredTags) {
			pool = append(pool, n)
		}
	}
	node, err := c.cfg.Strategy.Select(pool, scanID)
	if err != nil {
		return nil, err
	}
	_, err = c.apply(OpAssignScan, assignScanPayload{ScanID: scanID, NodeID: node.NodeID, Deadline: time.Now().Add(deadline)})
	return node, err
}

// ErrTooManyReassignments is returned when a scan has already failed
// over twice and spec.md marks it ERROR-FAILED rather than trying a
// third placement.
var ErrTooManyReassignments = fmt.Errorf("coordinator: scan exceeded reassignment limit")

// Reassign moves scanID off its current (unreachable/timed-out) node
// onto a new eligible one. Returns ErrTooManyReassignments once the
// scan has already been reassigned twice, per spec.md's failover rule.
func (c *Coordinator) Reassign(scanID string, requiredTags []string, deadline time.Duration) (*ScannerNode, error) {
	prev, ok := c.fsm.Assignment(scanID)
	if ok && prev.Reassignments >= 2 {
		return nil, ErrTooManyReassignments
	}

	nodes := c.fsm.Nodes()
	var pool []*ScannerNode
	for _, n := range nodes {
		if n.HasTags(requiredTags) && (!ok || n.NodeID != prev.NodeID) {
			pool = append(pool, n)
		}
	}
	node, err := c.cfg.Strategy.Select(pool, scanID)
	if err != nil {
		return nil, err
	}
	resp, err := c.apply(OpReassignScan, assignScanPayload{ScanID: scanID, NodeID: node.NodeID, Deadline: time.Now().Add(deadline)})
	if err != nil {
		return nil, err
	}
	metrics.ReassignmentsTotal.WithLabelValues("unreachable").Inc()
	if n, _ := resp.(int); n >= 2 {
		log.WithNodeID(c.cfg.NodeID).Warn().Str("scan_id", scanID).Msg("scan exceeded reassignment limit after this reassignment")
	}
	return node, nil
}

// CompleteScan releases scanID's assignment and frees its node's load.
func (c *Coordinator) CompleteScan(scanID string) error {
	_, err := c.apply(OpCompleteScan, scanID)
	return err
}

// MarkUnreachable flags nodeID UNREACHABLE. The coordinator's Watcher
// (failover.go) calls it for a node whose heartbeats have lapsed.
func (c *Coordinator) MarkUnreachable(nodeID string) error {
	_, err := c.apply(OpMarkUnreachable, nodeID)
	return err
}

// Nodes returns a snapshot of the current registry.
func (c *Coordinator) Nodes() []*ScannerNode { return c.fsm.Nodes() }

// AssignmentsOnNode returns scan IDs currently placed on nodeID.
func (c *Coordinator) AssignmentsOnNode(nodeID string) []string { return c.fsm.AssignmentsOnNode(nodeID) }
