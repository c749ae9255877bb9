package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/ramstream/internal/replication"
)

// Replicator is the part of replication.Manager the coordinator drives.
type Replicator interface {
	List() []replication.VMReplicationState
	HandleUnplannedFailover(ctx context.Context, vmID, failedNode string) (string, error)
}

// FailoverHost fails over every VM that is replicating from a failed primary
// host. VMs fail over concurrently; the result maps each VM to the node that
// now runs it, and the error aggregates the VMs that could not fail over.
func FailoverHost(ctx context.Context, r Replicator, hostID string) (map[string]string, error) {
	var (
		mu       sync.Mutex
		promoted = make(map[string]string)
		errs     *multierror.Error
		g        errgroup.Group
	)

	for _, st := range r.List() {
		if st.Phase != replication.PhaseReplicating {
			continue
		}
		vmID := st.VMID
		g.Go(func() error {
			node, err := r.HandleUnplannedFailover(ctx, vmID, hostID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("vm %s: %w", vmID, err))
				return nil
			}
			promoted[vmID] = node
			return nil
		})
	}
	_ = g.Wait()

	log.WithFields(logrus.Fields{"host": hostID, "promoted": len(promoted)}).Warn("primary host failover finished")
	return promoted, errs.ErrorOrNil()
}

// WatchHosts wires a health monitor to the replication manager: a failed
// primary host triggers FailoverHost, and backup nodes that fail health
// checks stop receiving new replicas until they recover.
func WatchHosts(ctx context.Context, monitor *HealthMonitor, r Replicator, registry *PlacementRegistry, hosts map[string]bool) {
	monitor.SetOnUnhealthy(func(id string) {
		if hosts[id] {
			if _, err := FailoverHost(ctx, r, id); err != nil {
				log.WithField("host", id).WithError(err).Error("failover incomplete")
			}
			return
		}
		registry.SetHealthy(id, false)
	})
	monitor.SetOnHealthy(func(id string) {
		if !hosts[id] {
			registry.SetHealthy(id, true)
		}
	})
}
