package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"okuma-bridge/internal/opcuaclient"
)

type fakeControlPlane struct {
	mu         sync.Mutex
	children   map[string][]string
	subscribed []string
}

func newFakeControlPlane() *fakeControlPlane {
	return &fakeControlPlane{children: map[string][]string{}}
}

func (f *fakeControlPlane) Browse(_ context.Context, nodeID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.children[nodeID], nil
}

func (f *fakeControlPlane) Subscribe(_ context.Context, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, nodeID)
	return nil
}

func (f *fakeControlPlane) subs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.subscribed))
	copy(out, f.subscribed)
	return out
}

// recorder counts workflow invocations per node, optionally holding each
// one open until released.
type recorder struct {
	mu      sync.Mutex
	calls   map[string]int
	falling map[string]int
	block   chan struct{} // nil: return immediately
}

func newRecorder() *recorder {
	return &recorder{calls: map[string]int{}, falling: map[string]int{}}
}

func (r *recorder) Collect(_ context.Context, nodeID string) {
	r.mu.Lock()
	r.calls[nodeID]++
	block := r.block
	r.mu.Unlock()
	if block != nil {
		<-block
	}
}

func (r *recorder) Start(ctx context.Context, nodeID string) { r.Collect(ctx, nodeID) }

func (r *recorder) FallingEdge(_ context.Context, nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.falling[nodeID]++
}

func (r *recorder) count(nodeID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[nodeID]
}

func (r *recorder) fallingCount(nodeID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.falling[nodeID]
}

func TestClassify(t *testing.T) {
	assert.Equal(t, kindProgramManagement, classify("ns=2;s=Okuma.Machines.M1.ProgramManagement.Ctrl"))
	assert.Equal(t, kindMacMan, classify("ns=2;s=Okuma.Machines.M1.Data.MacManData.extract"))
	assert.Equal(t, kindGeneral, classify("ns=2;s=Okuma.Machines.M1.Data.WorkCounterA_Counted.extract"))
	assert.Equal(t, kindUnknown, classify("ns=2;s=Okuma.Machines.M1.Data.WorkCounterA_Counted.value"))
	assert.Equal(t, kindUnknown, classify("ns=2;s=Okuma.Machines.M1.Connected"))
}

func notify(nodeID string, v bool) opcuaclient.Notification {
	return opcuaclient.Notification{
		NodeID:          nodeID,
		Value:           opcuaclient.BoolValue(v),
		SourceTimestamp: time.Now(),
	}
}

func runDispatcher(t *testing.T, d *Dispatcher) (chan<- opcuaclient.Notification, func()) {
	t.Helper()
	ch := make(chan opcuaclient.Notification, 64)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx, ch)
		close(done)
	}()
	return ch, func() {
		cancel()
		<-done
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition never met")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRisingEdgeRoutesToCollectors(t *testing.T) {
	general, macman, progmgt := newRecorder(), newRecorder(), newRecorder()
	d := New(newFakeControlPlane(), general, macman, progmgt, 4, zap.NewNop())
	ch, stop := runDispatcher(t, d)
	defer stop()

	generalNode := "ns=2;s=Okuma.Machines.M1.Data.WorkCounterA_Counted.extract"
	macmanNode := "ns=2;s=Okuma.Machines.M1.Data.MacManData.extract"
	ctrlNode := "ns=2;s=Okuma.Machines.M1.ProgramManagement.Ctrl"

	ch <- notify(generalNode, true)
	ch <- notify(macmanNode, true)
	ch <- notify(ctrlNode, true)

	waitFor(t, func() bool {
		return general.count(generalNode) == 1 && macman.count(macmanNode) == 1 && progmgt.count(ctrlNode) == 1
	})
}

func TestFallingEdgeOnlyForProgramManagement(t *testing.T) {
	general, macman, progmgt := newRecorder(), newRecorder(), newRecorder()
	d := New(newFakeControlPlane(), general, macman, progmgt, 4, zap.NewNop())
	ch, stop := runDispatcher(t, d)
	defer stop()

	generalNode := "ns=2;s=Okuma.Machines.M1.Data.WorkCounterA_Counted.extract"
	ctrlNode := "ns=2;s=Okuma.Machines.M1.ProgramManagement.Ctrl"

	ch <- notify(ctrlNode, true)
	waitFor(t, func() bool { return progmgt.count(ctrlNode) == 1 })

	ch <- notify(ctrlNode, false)
	waitFor(t, func() bool { return progmgt.fallingCount(ctrlNode) == 1 })

	// A general trigger's falling edge (the write-back reset) is silent.
	ch <- notify(generalNode, true)
	waitFor(t, func() bool { return general.count(generalNode) == 1 })
	ch <- notify(generalNode, false)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, general.count(generalNode))
}

func TestSingleFlightCoalescing(t *testing.T) {
	general, macman, progmgt := newRecorder(), newRecorder(), newRecorder()
	release := make(chan struct{})
	general.block = release

	d := New(newFakeControlPlane(), general, macman, progmgt, 4, zap.NewNop())
	ch, stop := runDispatcher(t, d)
	defer stop()

	node := "ns=2;s=Okuma.Machines.M1.Data.WorkCounterA_Counted.extract"

	ch <- notify(node, true)
	waitFor(t, func() bool { return general.count(node) == 1 })

	// Three more bounces while the workflow holds: they coalesce into
	// exactly one additional run.
	for i := 0; i < 3; i++ {
		ch <- notify(node, false)
		ch <- notify(node, true)
	}
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, general.count(node), "only one workflow runs at a time")

	general.mu.Lock()
	general.block = nil
	general.mu.Unlock()
	close(release)

	waitFor(t, func() bool { return general.count(node) == 2 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, general.count(node), "bounces coalesce to a single additional run")
}

func TestDiscoverSubscribesTriggerNodes(t *testing.T) {
	cp := newFakeControlPlane()
	cp.children["ns=2;s=Okuma.Machines"] = []string{
		"ns=2;s=Okuma.Machines.M1 - Cell 4",
		"ns=2;s=Okuma.Machines.SystemConfig",
	}
	cp.children["ns=2;s=Okuma.Machines.M1 - Cell 4.Data"] = []string{
		"ns=2;s=Okuma.Machines.M1 - Cell 4.Data.WorkCounterA_Counted",
		"ns=2;s=Okuma.Machines.M1 - Cell 4.Data.MacManData",
	}

	d := New(cp, newRecorder(), newRecorder(), newRecorder(), 4, zap.NewNop())
	require.NoError(t, d.Discover(context.Background()))

	subs := cp.subs()
	assert.Contains(t, subs, "ns=2;s=Okuma.Machines.M1 - Cell 4.Data.WorkCounterA_Counted.extract")
	assert.Contains(t, subs, "ns=2;s=Okuma.Machines.M1 - Cell 4.Data.MacManData.extract")
	assert.Contains(t, subs, "ns=2;s=Okuma.Machines.M1 - Cell 4.ProgramManagement.Ctrl")

	for _, s := range subs {
		assert.NotContains(t, s, "SystemConfig", "system-like machine nodes are skipped")
	}
}
