package metrics

import (
	"context"
	"time"

	"github.com/cuemby/sokovan/pkg/domain"
	"github.com/cuemby/sokovan/pkg/storage"
)

// Collector periodically polls the cluster manager and store for gauge
// metrics that aren't naturally updated on the request/tick path
// (agent counts, pending queue depth, Raft leadership), the same
// ticker-driven shape as Warren's Collector.
type Collector struct {
	cluster LeaderChecker
	store   storage.Store
	groups  []domain.ScalingGroupName
	stopCh  chan struct{}
}

// LeaderChecker is the part of the cluster manager the collector reads.
type LeaderChecker interface {
	IsLeader() bool
}

// NewCollector creates a collector that polls groups on each 15s
// collection pass; pass nil groups to resolve the scaling group list
// from the store on each pass instead of a fixed set.
func NewCollector(clusterMgr LeaderChecker, store storage.Store, groups []domain.ScalingGroupName) *Collector {
	return &Collector{
		cluster: clusterMgr,
		store:   store,
		groups:  groups,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15s ticker.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx := context.Background()
	c.collectRaftMetrics()
	for _, sg := range c.scalingGroups(ctx) {
		c.collectAgentMetrics(ctx, sg)
		c.collectPendingMetrics(ctx, sg)
	}
}

func (c *Collector) scalingGroups(ctx context.Context) []domain.ScalingGroupName {
	if c.groups != nil {
		return c.groups
	}
	infos, err := c.store.ListScalingGroups(ctx)
	if err != nil {
		return nil
	}
	names := make([]domain.ScalingGroupName, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	return names
}

func (c *Collector) collectAgentMetrics(ctx context.Context, sg domain.ScalingGroupName) {
	agents, err := c.store.ListAgents(ctx, sg)
	if err != nil {
		return
	}
	counts := make(map[domain.AgentStatus]int)
	for _, a := range agents {
		counts[a.Status]++
	}
	for status, count := range counts {
		AgentsTotal.WithLabelValues(string(sg), string(status)).Set(float64(count))
	}
}

func (c *Collector) collectPendingMetrics(ctx context.Context, sg domain.ScalingGroupName) {
	pending, err := c.store.ListPendingSessions(ctx, sg)
	if err != nil {
		return
	}
	PendingSessionsTotal.WithLabelValues(string(sg)).Set(float64(len(pending)))
}

func (c *Collector) collectRaftMetrics() {
	if c.cluster.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}
}
