// Package dispatcher turns OPC UA change-notifications into typed work
// items routed to the three collection workflows, enforcing per-node
// single-flight so a trigger bouncing during write-back never spawns
// overlapping runs.
package dispatcher

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"okuma-bridge/internal/opcuaclient"
)

// ControlPlane is the narrow surface the dispatcher needs for discovery
// and subscription management.
type ControlPlane interface {
	Browse(ctx context.Context, nodeID string) ([]string, error)
	Subscribe(ctx context.Context, nodeID string) error
}

// GeneralCollector runs the General Collector workflow for a trigger node.
type GeneralCollector interface {
	Collect(ctx context.Context, nodeID string)
}

// MacManCollector runs the MacMan Collector workflow for a trigger node.
type MacManCollector interface {
	Collect(ctx context.Context, nodeID string)
}

// ProgramManagement runs the Program-Management Executor workflow.
type ProgramManagement interface {
	Start(ctx context.Context, nodeID string)
	FallingEdge(ctx context.Context, nodeID string)
}

const rootNode = "ns=2;s=Okuma.Machines"

type kind int

const (
	kindUnknown kind = iota
	kindProgramManagement
	kindMacMan
	kindGeneral
)

func classify(nodeID string) kind {
	switch {
	case strings.HasSuffix(nodeID, ".ProgramManagement.Ctrl"):
		return kindProgramManagement
	case strings.Contains(nodeID, "Data.MacManData") && strings.HasSuffix(nodeID, ".extract"):
		return kindMacMan
	case strings.Contains(nodeID, ".Data.") && strings.HasSuffix(nodeID, ".extract"):
		return kindGeneral
	default:
		return kindUnknown
	}
}

type workItem struct {
	nodeID string
	kind   kind
}

// nodeState implements the per-node single-flight coalescing: at most one
// workflow runs per node; a rising edge that arrives while one is running
// is coalesced into exactly one additional run.
type nodeState struct {
	mu      sync.Mutex
	running bool
	pending bool
}

// Dispatcher fans OPC UA notifications out to collectors through a bounded
// worker pool.
type Dispatcher struct {
	logger  *zap.Logger
	control ControlPlane

	general GeneralCollector
	macman  MacManCollector
	progmgt ProgramManagement

	workers int
	workCh  chan workItem

	statesMu sync.Mutex
	states   map[string]*nodeState

	edgesMu sync.Mutex
	edges   map[string]bool // last observed boolean value, for edge detection
}

// New constructs a Dispatcher with a bounded worker pool of size workers
// draining the internal work channel.
func New(control ControlPlane, general GeneralCollector, macman MacManCollector, progmgt ProgramManagement, workers int, logger *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 8
	}
	return &Dispatcher{
		logger:  logger,
		control: control,
		general: general,
		macman:  macman,
		progmgt: progmgt,
		workers: workers,
		workCh:  make(chan workItem, 4096),
		states:  make(map[string]*nodeState),
		edges:   make(map[string]bool),
	}
}

// Run starts the worker pool and the notification consumer loop. It blocks
// until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, notifications <-chan opcuaclient.Notification) {
	var wg sync.WaitGroup
	wg.Add(d.workers)
	for i := 0; i < d.workers; i++ {
		go func() {
			defer wg.Done()
			d.worker(ctx)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			close(d.workCh)
			wg.Wait()
			return
		case n, ok := <-notifications:
			if !ok {
				close(d.workCh)
				wg.Wait()
				return
			}
			d.onNotification(ctx, n)
		}
	}
}

func (d *Dispatcher) onNotification(_ context.Context, n opcuaclient.Notification) {
	k := classify(n.NodeID)
	if k == kindUnknown {
		d.logger.Debug("dispatcher: dropping unrecognized node", zap.String("node", n.NodeID))
		return
	}

	current := n.Value.Bool
	d.edgesMu.Lock()
	previous, seen := d.edges[n.NodeID]
	d.edges[n.NodeID] = current
	d.edgesMu.Unlock()

	rising := current && (!seen || !previous)
	falling := seen && previous && !current

	switch {
	case k == kindProgramManagement && falling:
		d.enqueue(n.NodeID, k)
	case rising:
		d.enqueue(n.NodeID, k)
	}
}

// enqueue applies the single-flight admission rule: if no workflow is
// running for nodeID, send it straight to the channel; if one is running,
// mark it pending so exactly one more run happens once the current one
// finishes.
func (d *Dispatcher) enqueue(nodeID string, k kind) {
	st := d.stateFor(nodeID)
	st.mu.Lock()
	if st.running {
		st.pending = true
		st.mu.Unlock()
		return
	}
	st.running = true
	st.mu.Unlock()

	select {
	case d.workCh <- workItem{nodeID: nodeID, kind: k}:
	default:
		d.logger.Warn("dispatcher: work channel full, dropping", zap.String("node", nodeID))
		st.mu.Lock()
		st.running = false
		st.mu.Unlock()
	}
}

func (d *Dispatcher) stateFor(nodeID string) *nodeState {
	d.statesMu.Lock()
	defer d.statesMu.Unlock()
	st, ok := d.states[nodeID]
	if !ok {
		st = &nodeState{}
		d.states[nodeID] = st
	}
	return st
}

func (d *Dispatcher) worker(ctx context.Context) {
	for item := range d.workCh {
		d.run(ctx, item)

		st := d.stateFor(item.nodeID)
		st.mu.Lock()
		if st.pending {
			st.pending = false
			st.mu.Unlock()
			select {
			case d.workCh <- item:
			default:
				d.logger.Warn("dispatcher: work channel full re-enqueueing coalesced run", zap.String("node", item.nodeID))
				st.mu.Lock()
				st.running = false
				st.mu.Unlock()
			}
			continue
		}
		st.running = false
		st.mu.Unlock()
	}
}

func (d *Dispatcher) run(ctx context.Context, item workItem) {
	switch item.kind {
	case kindProgramManagement:
		d.edgesMu.Lock()
		rising := d.edges[item.nodeID]
		d.edgesMu.Unlock()
		if rising {
			d.progmgt.Start(ctx, item.nodeID)
		} else {
			d.progmgt.FallingEdge(ctx, item.nodeID)
		}
	case kindMacMan:
		d.macman.Collect(ctx, item.nodeID)
	case kindGeneral:
		d.general.Collect(ctx, item.nodeID)
	}
}
