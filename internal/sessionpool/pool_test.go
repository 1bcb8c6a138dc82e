package sessionpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"okuma-bridge/internal/opcuaclient"
	"okuma-bridge/internal/ospapi"
)

type fakeControlPlane struct {
	mu     sync.Mutex
	writes map[string]opcuaclient.Value
}

func newFakeControlPlane() *fakeControlPlane {
	return &fakeControlPlane{writes: map[string]opcuaclient.Value{}}
}

func (f *fakeControlPlane) Read(context.Context, string) (*opcuaclient.Value, error) {
	return nil, nil
}

func (f *fakeControlPlane) Write(_ context.Context, nodeID string, value opcuaclient.Value) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes[nodeID] = value
	return true, nil
}

func (f *fakeControlPlane) get(nodeID string) (opcuaclient.Value, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.writes[nodeID]
	return v, ok
}

func testMachine() Machine {
	return Machine{Name: "M1 - Cell 4", IP: "192.168.1.10", Kind: ospapi.KindMachiningCenter}
}

func TestAcquire_OpensOnceAndReuses(t *testing.T) {
	cp := newFakeControlPlane()
	dialer := &ospapi.SimulatorDialer{}
	p := New(dialer, cp, zap.NewNop(), time.Second)

	h1, err := p.Acquire(context.Background(), testMachine())
	require.NoError(t, err)
	h2, err := p.Acquire(context.Background(), testMachine())
	require.NoError(t, err)

	assert.Same(t, h1.Session, h2.Session, "at most one open session per machine")
	assert.Len(t, dialer.Made(), 1)
}

func TestAcquire_ConcurrentCallsCollapse(t *testing.T) {
	cp := newFakeControlPlane()
	dialer := &ospapi.SimulatorDialer{}
	p := New(dialer, cp, zap.NewNop(), time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Acquire(context.Background(), testMachine())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, dialer.Made(), 1, "concurrent acquisitions collapse to a single open attempt")
}

func TestAcquire_ConnectionStatusMirror(t *testing.T) {
	cp := newFakeControlPlane()
	p := New(&ospapi.SimulatorDialer{}, cp, zap.NewNop(), time.Second)

	_, err := p.Acquire(context.Background(), testMachine())
	require.NoError(t, err)

	connected, ok := cp.get("ns=2;s=Okuma.Machines.M1 - Cell 4.Connected")
	require.True(t, ok)
	assert.NotZero(t, connected.Int32)

	disconnected, ok := cp.get("ns=2;s=Okuma.Machines.M1 - Cell 4.DisConnected")
	require.True(t, ok)
	assert.Zero(t, disconnected.Int32, "exactly one of Connected/DisConnected is non-zero")
}

func TestAcquire_EmptyIPFails(t *testing.T) {
	cp := newFakeControlPlane()
	dialer := &ospapi.SimulatorDialer{}
	p := New(dialer, cp, zap.NewNop(), time.Second)

	_, err := p.Acquire(context.Background(), Machine{Name: "M1 - Cell 4"})
	require.Error(t, err)
	assert.Empty(t, dialer.Made(), "no dial without an IP")

	disconnected, ok := cp.get("ns=2;s=Okuma.Machines.M1 - Cell 4.DisConnected")
	require.True(t, ok)
	assert.NotZero(t, disconnected.Int32)

	connected, ok := cp.get("ns=2;s=Okuma.Machines.M1 - Cell 4.Connected")
	require.True(t, ok)
	assert.Zero(t, connected.Int32)
}

func TestAcquire_DialFailureLeavesPoolRetryable(t *testing.T) {
	cp := newFakeControlPlane()
	dialer := &ospapi.SimulatorDialer{Err: assert.AnError}
	p := New(dialer, cp, zap.NewNop(), time.Second)

	_, err := p.Acquire(context.Background(), testMachine())
	require.Error(t, err)

	_, ok := p.Get("M1 - Cell 4")
	assert.False(t, ok, "a failed open leaves no session behind")

	// The next dispatch retries: clear the fault and acquire again.
	dialer.Err = nil
	_, err = p.Acquire(context.Background(), testMachine())
	require.NoError(t, err)
}

func TestGet_NeverOpens(t *testing.T) {
	dialer := &ospapi.SimulatorDialer{}
	p := New(dialer, newFakeControlPlane(), zap.NewNop(), time.Second)

	_, ok := p.Get("M1 - Cell 4")
	assert.False(t, ok)
	assert.Empty(t, dialer.Made())
}

func TestDisconnect_TearsDown(t *testing.T) {
	cp := newFakeControlPlane()
	dialer := &ospapi.SimulatorDialer{}
	p := New(dialer, cp, zap.NewNop(), time.Second)

	_, err := p.Acquire(context.Background(), testMachine())
	require.NoError(t, err)

	require.NoError(t, p.Disconnect(context.Background(), "M1 - Cell 4"))

	_, ok := p.Get("M1 - Cell 4")
	assert.False(t, ok)

	disconnected, _ := cp.get("ns=2;s=Okuma.Machines.M1 - Cell 4.DisConnected")
	assert.NotZero(t, disconnected.Int32)
}

func TestShutdown_ClosesEverySession(t *testing.T) {
	cp := newFakeControlPlane()
	dialer := &ospapi.SimulatorDialer{}
	p := New(dialer, cp, zap.NewNop(), time.Second)

	for _, name := range []string{"M1 - Cell 4", "M2 - Cell 5"} {
		_, err := p.Acquire(context.Background(), Machine{Name: name, IP: "10.0.0.1", Kind: ospapi.KindLathe})
		require.NoError(t, err)
	}

	p.Shutdown(context.Background())

	for _, name := range []string{"M1 - Cell 4", "M2 - Cell 5"} {
		_, ok := p.Get(name)
		assert.False(t, ok)
	}
}
