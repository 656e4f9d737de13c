package metrics

import (
	"time"

	"github.com/burrow-sandbox/burrow/pkg/machine"
	"github.com/burrow-sandbox/burrow/pkg/types"
)

// Collector samples the machine pool into the pool gauges
type Collector struct {
	pool   *machine.Pool
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(pool *machine.Pool) *Collector {
	return &Collector{
		pool:   pool,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
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
	machines := c.pool.List()

	byState := map[types.MachineState]int{
		types.MachineStatePoweroff:  0,
		types.MachineStateRunning:   0,
		types.MachineStatePaused:    0,
		types.MachineStateSuspended: 0,
		types.MachineStateError:     0,
	}
	disabled := 0
	locked := 0
	for _, m := range machines {
		byState[m.State]++
		if m.Disabled {
			disabled++
		}
		if m.LockedBy != "" {
			locked++
		}
	}

	for state, count := range byState {
		MachinesTotal.WithLabelValues(string(state)).Set(float64(count))
	}
	MachinesDisabled.Set(float64(disabled))
	MachinesLocked.Set(float64(locked))
}
