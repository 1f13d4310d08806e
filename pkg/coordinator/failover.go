package coordinator

import (
	"context"
	"time"

	"github.com/scanforge/engine/pkg/log"
)

// Watcher runs the heartbeat-timeout detection loop: any node whose
// last heartbeat is older than HeartbeatWindow*MissedLimit is marked
// UNREACHABLE and its in-flight scans are handed to onReassign.
type Watcher struct {
	c         *Coordinator
	onReassign func(scanID string)
}

func NewWatcher(c *Coordinator, onReassign func(scanID string)) *Watcher {
	return &Watcher{c: c, onReassign: onReassign}
}

// Run blocks until ctx is canceled, ticking every HeartbeatWindow.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.c.cfg.HeartbeatWindow)
	defer ticker.Stop()

	limit := time.Duration(w.c.cfg.MissedLimit) * w.c.cfg.HeartbeatWindow
	logger := log.WithNodeID(w.c.cfg.NodeID)

	for {
		select {
		case <-ticker.C:
			if !w.c.IsLeader() {
				continue
			}
			for _, n := range w.c.Nodes() {
				if n.Health == HealthUnreachable {
					continue
				}
				if time.Since(n.LastHeartbeat) <= limit {
					continue
				}
				logger.Warn().Str("node_id", n.NodeID).Msg("node missed heartbeat limit, marking unreachable")
				if err := w.c.MarkUnreachable(n.NodeID); err != nil {
					logger.Error().Err(err).Str("node_id", n.NodeID).Msg("failed to mark node unreachable")
					continue
				}
				for _, scanID := range w.c.AssignmentsOnNode(n.NodeID) {
					w.onReassign(scanID)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
