package macman

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"okuma-bridge/internal/eventstream"
	"okuma-bridge/internal/machine"
	"okuma-bridge/internal/opcuaclient"
	"okuma-bridge/internal/ospapi"
	"okuma-bridge/internal/sessionpool"
)

type fakeControlPlane struct {
	mu     sync.Mutex
	reads  map[string]opcuaclient.Value
	writes []write
	// reject maps a value kind to "refuse writes of this kind", for
	// exercising the typed-fallback cascade.
	reject map[opcuaclient.Kind]bool
}

type write struct {
	nodeID string
	value  opcuaclient.Value
}

func newFakeControlPlane() *fakeControlPlane {
	return &fakeControlPlane{reads: map[string]opcuaclient.Value{}, reject: map[opcuaclient.Kind]bool{}}
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
	if f.reject[value.Kind] {
		return false, nil
	}
	f.writes = append(f.writes, write{nodeID: nodeID, value: value})
	return true, nil
}

func (f *fakeControlPlane) lastWrite(nodeID string) (opcuaclient.Value, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.writes) - 1; i >= 0; i-- {
		if f.writes[i].nodeID == nodeID {
			return f.writes[i].value, true
		}
	}
	return opcuaclient.Value{}, false
}

type fakeSink struct {
	mu      sync.Mutex
	batches map[string][]eventstream.Envelope
}

func newFakeSink() *fakeSink {
	return &fakeSink{batches: map[string][]eventstream.Envelope{}}
}

func (s *fakeSink) Publish(_ context.Context, batch []eventstream.Envelope, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	screen := metadata["measurement_type"]
	s.batches[screen] = append(s.batches[screen], batch...)
	return nil
}

func (s *fakeSink) Close() {}

type fakePool struct {
	handle *sessionpool.Handle
	err    error
}

func (p *fakePool) Acquire(context.Context, sessionpool.Machine) (*sessionpool.Handle, error) {
	return p.handle, p.err
}

const m1Prefix = "ns=2;s=Okuma.Machines.M1 - Cell 4"

func newCollector(cp *fakeControlPlane, sim *ospapi.Simulator, sink eventstream.Sink) *Collector {
	dir := machine.NewDirectory(cp, nil)
	pool := &fakePool{handle: sessionpool.NewTestHandle(sim, &sync.Mutex{})}
	c := New(cp, pool, dir, sink, zap.NewNop())
	c.now = func() time.Time { return time.Date(2025, 9, 2, 12, 0, 0, 0, time.UTC) }
	return c
}

func TestCollect_FirstRunAlarmHistory(t *testing.T) {
	cp := newFakeControlPlane()
	cp.reads[m1Prefix+".MachineConfig.IPAddress"] = opcuaclient.StringValue("192.168.1.10")
	cp.reads[m1Prefix+".MachineConfig.MachineId"] = opcuaclient.StringValue("12")
	// LastProcessed.ALARM_HISTORY_DISPLAY is absent: watermark = epoch.

	sim := ospapi.NewSimulator()
	sim.SetResponse(1, 2094, 0, 0, 9, "3")
	dates := []string{"20250901", "20250830", "20250829"}
	for i, d := range dates {
		sim.SetResponse(1, 5063, i, 0, 9, d)
		sim.SetResponse(1, 5064, i, 0, 9, "083000")
		sim.SetResponse(1, 5080, i, 0, 9, "2202")
	}

	sink := newFakeSink()
	c := newCollector(cp, sim, sink)
	c.Collect(context.Background(), m1Prefix+".Data.MacManData.extract")

	batch := sink.batches[ScreenAlarmHistory]
	require.Len(t, batch, 3)
	assert.Equal(t, 12, batch[0].MachineID)
	assert.Equal(t, "192.168.1.10", batch[0].MachineIP)
	assert.Equal(t, "2202", batch[0].Fields["AlarmNumber"])
	assert.NotContains(t, batch[0].Fields, "Date")
	assert.NotContains(t, batch[0].Fields, "Time")

	// Envelope timestamps are the records' own times rendered in UTC.
	want0, ok := parseRecordTime("20250901", "083000")
	require.True(t, ok)
	assert.Equal(t, want0.UTC().Format("2006-01-02T15:04:05.000Z"), batch[0].Timestamp)

	// Watermark advanced to the newest record's time, as the formatted
	// local string (first cascade branch accepted).
	wm, ok := cp.lastWrite(m1Prefix + ".Data.MacManData.LastProcessed." + ScreenAlarmHistory)
	require.True(t, ok)
	assert.Equal(t, opcuaclient.KindString, wm.Kind)
	assert.Equal(t, want0.Format("2006-01-02T15:04:05.000"), wm.String)

	// The trigger is reset once all screens finished.
	extract, ok := cp.lastWrite(m1Prefix + ".Data.MacManData.extract")
	require.True(t, ok)
	assert.False(t, extract.Bool)

	// The controller-wide update cycle ran exactly once.
	calls := sim.Calls()
	starts := 0
	for _, call := range calls {
		if call == "StartUpdate(0,0)" {
			starts++
		}
	}
	assert.Equal(t, 1, starts)
}

func TestCollect_MachiningReportBoundaryReEmit(t *testing.T) {
	cp := newFakeControlPlane()
	cp.reads[m1Prefix+".MachineConfig.IPAddress"] = opcuaclient.StringValue("192.168.1.10")
	boundary := time.Date(2025, 9, 2, 14, 25, 49, 0, time.Local)
	cp.reads[m1Prefix+".Data.MacManData.LastProcessed."+ScreenMachiningReport] =
		opcuaclient.StringValue(boundary.Format("2006-01-02T15:04:05.000"))

	sim := ospapi.NewSimulator()
	sim.SetResponse(1, 2094, 0, 0, 9, "2")
	// Record 0 sits exactly on the watermark; record 1 is older.
	sim.SetResponse(1, 5061, 0, 0, 9, "20250902")
	sim.SetResponse(1, 5062, 0, 0, 9, "142549")
	sim.SetResponse(1, 5061, 1, 0, 9, "20250901")
	sim.SetResponse(1, 5062, 1, 0, 9, "080000")
	sim.SetResponse(1, 5057, 0, 0, 9, "P001.MIN")
	sim.SetResponse(1, 5005, 0, 0, 9, "42")

	sink := newFakeSink()
	c := newCollector(cp, sim, sink)
	c.Collect(context.Background(), m1Prefix+".Data.MacManData.extract")

	// The >= comparator re-emits the boundary record, then stops before
	// the older one.
	batch := sink.batches[ScreenMachiningReport]
	require.Len(t, batch, 1)
	assert.Equal(t, "P001.MIN", batch[0].Tags["MainProgramName"])
	assert.Equal(t, "42", batch[0].Fields["WorkCount"])
}

func TestCollect_AlarmHistoryExcludesBoundary(t *testing.T) {
	cp := newFakeControlPlane()
	cp.reads[m1Prefix+".MachineConfig.IPAddress"] = opcuaclient.StringValue("192.168.1.10")
	boundary := time.Date(2025, 9, 2, 14, 25, 49, 0, time.Local)
	cp.reads[m1Prefix+".Data.MacManData.LastProcessed."+ScreenAlarmHistory] =
		opcuaclient.StringValue(boundary.Format("2006-01-02T15:04:05.000"))

	sim := ospapi.NewSimulator()
	sim.SetResponse(1, 2094, 0, 0, 9, "1")
	sim.SetResponse(1, 5063, 0, 0, 9, "20250902")
	sim.SetResponse(1, 5064, 0, 0, 9, "142549")

	sink := newFakeSink()
	c := newCollector(cp, sim, sink)
	c.Collect(context.Background(), m1Prefix+".Data.MacManData.extract")

	assert.Empty(t, sink.batches[ScreenAlarmHistory], "strict > must not re-emit the boundary record")
}

func TestCollect_OperatingReportForceCollects(t *testing.T) {
	cp := newFakeControlPlane()
	cp.reads[m1Prefix+".MachineConfig.IPAddress"] = opcuaclient.StringValue("192.168.1.10")
	// A watermark far in the future would exclude everything elsewhere.
	cp.reads[m1Prefix+".Data.MacManData.LastProcessed."+ScreenOperatingReport] =
		opcuaclient.StringValue("2030-01-01T00:00:00.000")

	sim := ospapi.NewSimulator()
	sim.SetResponse(1, 5056, 0, 0, 9, "20250902")
	sim.SetResponse(1, 5050, 0, 0, 9, "1234")

	sink := newFakeSink()
	c := newCollector(cp, sim, sink)
	c.Collect(context.Background(), m1Prefix+".Data.MacManData.extract")

	batch := sink.batches[ScreenOperatingReport]
	require.Len(t, batch, 1)
	assert.Equal(t, "1234", batch[0].Fields["PowerOnTime"])
	// Operating report envelopes always carry the send time.
	assert.Equal(t, "2025-09-02T12:00:00.000Z", batch[0].Timestamp)
}

func TestWriteWatermark_TypedFallbackCascade(t *testing.T) {
	cp := newFakeControlPlane()
	cp.reject[opcuaclient.KindString] = true
	cp.reject[opcuaclient.KindDateTime] = true

	c := New(cp, &fakePool{}, machine.NewDirectory(cp, nil), eventstream.NopSink{}, zap.NewNop())
	ts := time.Date(2025, 9, 1, 8, 30, 0, 0, time.Local)
	c.writeWatermark(context.Background(), "node", ts)

	got, ok := cp.lastWrite("node")
	require.True(t, ok)
	assert.Equal(t, opcuaclient.KindInt64, got.Kind)
	assert.Equal(t, ts.Unix(), got.Int64)
}

func TestReadWatermark_Representations(t *testing.T) {
	cp := newFakeControlPlane()
	c := New(cp, &fakePool{}, machine.NewDirectory(cp, nil), eventstream.NopSink{}, zap.NewNop())
	ctx := context.Background()

	assert.Equal(t, epoch, c.readWatermark(ctx, "absent"))

	ts := time.Date(2025, 9, 1, 8, 30, 0, 0, time.Local)
	cp.reads["str"] = opcuaclient.StringValue("2025-09-01T08:30:00.000")
	assert.Equal(t, ts, c.readWatermark(ctx, "str"))

	cp.reads["unix"] = opcuaclient.Int64Value(ts.Unix())
	assert.True(t, c.readWatermark(ctx, "unix").Equal(ts))

	cp.reads["native"] = opcuaclient.DateTimeValue(ts)
	assert.True(t, c.readWatermark(ctx, "native").Equal(ts))

	cp.reads["garbage"] = opcuaclient.StringValue("not a time")
	assert.Equal(t, epoch, c.readWatermark(ctx, "garbage"))
}

func TestParseRecordTime(t *testing.T) {
	want := time.Date(2025, 9, 1, 8, 30, 0, 0, time.Local)

	got, ok := parseRecordTime("20250901", "083000")
	require.True(t, ok)
	assert.Equal(t, want, got)

	got, ok = parseRecordTime("2025/09/01", "08:30:00")
	require.True(t, ok)
	assert.Equal(t, want, got)

	got, ok = parseRecordTime("2025-09-01 08:30:00", "")
	require.True(t, ok)
	assert.Equal(t, want, got)

	_, ok = parseRecordTime("yesterday", "morning")
	assert.False(t, ok)
}

func TestParseTrigger(t *testing.T) {
	name, err := parseTrigger("ns=2;s=Okuma.Machines.M1 - Cell 4.Data.MacManData.extract")
	require.NoError(t, err)
	assert.Equal(t, "M1 - Cell 4", name)

	_, err = parseTrigger("ns=2;s=Something.Else")
	assert.Error(t, err)
}

func TestMachineIDNumber(t *testing.T) {
	assert.Equal(t, 12, machineIDNumber("12"))
	assert.Equal(t, 12, machineIDNumber("12-MB4000"))
	assert.Equal(t, 0, machineIDNumber("MB4000"))
	assert.Equal(t, 0, machineIDNumber(""))
}
