package programmgmt

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"okuma-bridge/internal/machine"
	"okuma-bridge/internal/opcuaclient"
	"okuma-bridge/internal/ospapi"
	"okuma-bridge/internal/sessionpool"
)

type fakeControlPlane struct {
	mu     sync.Mutex
	reads  map[string]opcuaclient.Value
	writes map[string]opcuaclient.Value
}

func newFakeControlPlane() *fakeControlPlane {
	return &fakeControlPlane{reads: map[string]opcuaclient.Value{}, writes: map[string]opcuaclient.Value{}}
}

func (f *fakeControlPlane) Read(_ context.Context, nodeID string) (*opcuaclient.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.reads[nodeID]
	if !ok {
		return nil, nil
	}
	return &v, nil
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

type fakePool struct {
	handle *sessionpool.Handle
	err    error
}

func (p *fakePool) Acquire(context.Context, sessionpool.Machine) (*sessionpool.Handle, error) {
	return p.handle, p.err
}

const pmPrefix = "ns=2;s=Okuma.Machines.M1 - Cell 4.ProgramManagement"

func setupParams(cp *fakeControlPlane, filePath, mainFile string) {
	cp.reads["ns=2;s=Okuma.Machines.M1 - Cell 4.MachineConfig.IPAddress"] = opcuaclient.StringValue("192.168.1.10")
	cp.reads[pmPrefix+".Filepath"] = opcuaclient.StringValue(filePath)
	cp.reads[pmPrefix+".Id"] = opcuaclient.StringValue("JOB-7")
	cp.reads[pmPrefix+".MainFile"] = opcuaclient.StringValue(mainFile)
}

func TestStart_HappyPath(t *testing.T) {
	staging := t.TempDir()
	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "P001.MIN")
	require.NoError(t, os.WriteFile(srcPath, []byte("G00 X0 Y0\n"), 0o644))

	cp := newFakeControlPlane()
	setupParams(cp, srcPath, "P001.MIN")

	sim := ospapi.NewSimulator()
	pool := &fakePool{handle: sessionpool.NewTestHandle(sim, &sync.Mutex{})}

	e := New(cp, pool, machine.NewDirectory(cp, nil), staging, t.TempDir(), zap.NewNop())
	e.Start(context.Background(), pmPrefix+".Ctrl")

	// The file landed in <staging>/<ip>/ with its original name.
	staged := filepath.Join(staging, "192.168.1.10", "P001.MIN")
	data, err := os.ReadFile(staged)
	require.NoError(t, err)
	assert.Equal(t, "G00 X0 Y0\n", string(data))

	assert.Contains(t, sim.Calls(), "SelectMainProgram(P001.MIN,,,0)")

	stat, ok := cp.get(pmPrefix + ".Stat")
	require.True(t, ok)
	assert.True(t, stat.Bool)

	exception, ok := cp.get(pmPrefix + ".Exception")
	require.True(t, ok)
	assert.Empty(t, exception.String)
}

func TestStart_MissingSourceFile(t *testing.T) {
	staging := t.TempDir()
	missing := filepath.Join(t.TempDir(), "absent.MIN")

	cp := newFakeControlPlane()
	setupParams(cp, missing, "absent.MIN")

	sim := ospapi.NewSimulator()
	pool := &fakePool{handle: sessionpool.NewTestHandle(sim, &sync.Mutex{})}

	e := New(cp, pool, machine.NewDirectory(cp, nil), staging, t.TempDir(), zap.NewNop())
	e.Start(context.Background(), pmPrefix+".Ctrl")

	stat, ok := cp.get(pmPrefix + ".Stat")
	require.True(t, ok)
	assert.True(t, stat.Bool, "Stat reports terminal completion regardless of outcome")

	exception, ok := cp.get(pmPrefix + ".Exception")
	require.True(t, ok)
	assert.Equal(t, "File copy failed: Source file does not exist - "+missing, exception.String)

	assert.NotContains(t, sim.Calls(), "SelectMainProgram(absent.MIN,,,0)")
}

func TestStart_EmptyFilepathSkipsCopy(t *testing.T) {
	cp := newFakeControlPlane()
	setupParams(cp, "", "P001.MIN")

	sim := ospapi.NewSimulator()
	pool := &fakePool{handle: sessionpool.NewTestHandle(sim, &sync.Mutex{})}

	e := New(cp, pool, machine.NewDirectory(cp, nil), t.TempDir(), t.TempDir(), zap.NewNop())
	e.Start(context.Background(), pmPrefix+".Ctrl")

	// The copy is skipped but the command still runs.
	assert.Contains(t, sim.Calls(), "SelectMainProgram(P001.MIN,,,0)")

	exception, ok := cp.get(pmPrefix + ".Exception")
	require.True(t, ok)
	assert.Empty(t, exception.String)
}

func TestStart_NonZeroResultBecomesException(t *testing.T) {
	cp := newFakeControlPlane()
	setupParams(cp, "", "P001.MIN")

	sim := ospapi.NewSimulator()
	sim.SelectMainProgramResult = 3
	sim.SelectMainProgramErrMsg = "program not found on controller"
	pool := &fakePool{handle: sessionpool.NewTestHandle(sim, &sync.Mutex{})}

	e := New(cp, pool, machine.NewDirectory(cp, nil), t.TempDir(), t.TempDir(), zap.NewNop())
	e.Start(context.Background(), pmPrefix+".Ctrl")

	stat, ok := cp.get(pmPrefix + ".Stat")
	require.True(t, ok)
	assert.True(t, stat.Bool)

	exception, ok := cp.get(pmPrefix + ".Exception")
	require.True(t, ok)
	assert.Equal(t, "program not found on controller", exception.String)
}

func TestStart_EmptyMainFileFails(t *testing.T) {
	cp := newFakeControlPlane()
	setupParams(cp, "", "")

	sim := ospapi.NewSimulator()
	pool := &fakePool{handle: sessionpool.NewTestHandle(sim, &sync.Mutex{})}

	e := New(cp, pool, machine.NewDirectory(cp, nil), t.TempDir(), t.TempDir(), zap.NewNop())
	e.Start(context.Background(), pmPrefix+".Ctrl")

	stat, ok := cp.get(pmPrefix + ".Stat")
	require.True(t, ok)
	assert.True(t, stat.Bool)

	exception, ok := cp.get(pmPrefix + ".Exception")
	require.True(t, ok)
	assert.NotEmpty(t, exception.String)
	assert.Empty(t, sim.Calls(), "no native command without a MainFile")
}

func TestFallingEdge_ResetsStat(t *testing.T) {
	cp := newFakeControlPlane()
	e := New(cp, &fakePool{}, machine.NewDirectory(cp, nil), t.TempDir(), t.TempDir(), zap.NewNop())
	e.FallingEdge(context.Background(), pmPrefix+".Ctrl")

	stat, ok := cp.get(pmPrefix + ".Stat")
	require.True(t, ok)
	assert.False(t, stat.Bool)
}
