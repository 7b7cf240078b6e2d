package metrics

import (
	"context"
	"time"

	"github.com/cloudforge/anvil/pkg/queue"
	"github.com/cloudforge/anvil/pkg/statemachine"
	"github.com/cloudforge/anvil/pkg/store"
	"github.com/cloudforge/anvil/pkg/types"
)

// Collector periodically scans the store and queues to publish fleet-level
// gauges. SLA verdicts are computed here, at read time, from the state
// entry timestamp; nothing in the write path tracks SLA status.
type Collector struct {
	store       store.Store
	queue       queue.Queue
	definitions map[types.Kind]*statemachine.Definition
	interval    time.Duration
	stopCh      chan struct{}
}

// NewCollector creates a metrics collector over the given backends.
func NewCollector(s store.Store, q queue.Queue, defs map[types.Kind]*statemachine.Definition, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		store:       s,
		queue:       q,
		definitions: defs,
		interval:    interval,
		stopCh:      make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
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

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now().UTC()
	for kind, def := range c.definitions {
		c.collectKind(ctx, kind, def, now)
	}
}

func (c *Collector) collectKind(ctx context.Context, kind types.Kind, def *statemachine.Definition, now time.Time) {
	if depth, err := c.queue.Depth(ctx, kind); err == nil {
		QueueDepth.WithLabelValues(string(kind)).Set(float64(depth))
	}

	ids, err := c.store.List(ctx, kind)
	if err != nil {
		return
	}

	stateCounts := make(map[string]int)
	aboveSLA := make(map[string]int)
	for _, id := range ids {
		res, err := c.store.Load(ctx, kind, id)
		if err != nil {
			continue
		}
		stateCounts[res.State.Name]++
		verdict := def.EvaluateSLA(res.State.Name, now.Sub(res.StateEnteredAt))
		if verdict.AboveSLA {
			aboveSLA[res.State.Name]++
		}
	}

	// Publish a value for every declared state so stale series drop to
	// zero instead of freezing at their last reading.
	for _, state := range def.StateNames() {
		ResourcesTotal.WithLabelValues(string(kind), state).Set(float64(stateCounts[state]))
		ResourcesAboveSLA.WithLabelValues(string(kind), state).Set(float64(aboveSLA[state]))
	}
}
