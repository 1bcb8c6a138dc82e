// Package macman implements the incremental historical collection across
// the controller's five MacMan screen types, with watermark read/advance
// and event-stream publish.
package macman

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"okuma-bridge/internal/eventstream"
	"okuma-bridge/internal/machine"
	"okuma-bridge/internal/opcuaclient"
	"okuma-bridge/internal/ospapi"
	"okuma-bridge/internal/sessionpool"
)

// ControlPlane is the narrow surface this collector needs: watermark
// reads/writes and the trigger reset.
type ControlPlane interface {
	Read(ctx context.Context, nodeID string) (*opcuaclient.Value, error)
	Write(ctx context.Context, nodeID string, value opcuaclient.Value) (bool, error)
}

// SessionPool is the narrow surface this collector needs from the Machine
// Session Pool.
type SessionPool interface {
	Acquire(ctx context.Context, m sessionpool.Machine) (*sessionpool.Handle, error)
}

// batchSize caps how many records one screen collection walks.
const batchSize = 1000

// Collector runs the MacMan collection workflow for one trigger at a time
// per machine (the dispatcher's single-flight plus the session mutex make
// that so).
type Collector struct {
	logger    *zap.Logger
	control   ControlPlane
	pool      SessionPool
	directory *machine.Directory
	sink      eventstream.Sink

	// now is swapped out by tests.
	now func() time.Time
}

// New constructs a Collector.
func New(control ControlPlane, pool SessionPool, directory *machine.Directory, sink eventstream.Sink, logger *zap.Logger) *Collector {
	return &Collector{
		logger:    logger,
		control:   control,
		pool:      pool,
		directory: directory,
		sink:      sink,
		now:       time.Now,
	}
}

// Collect runs the workflow for a `…<Machine>.Data.MacManData.extract`
// trigger node.
func (c *Collector) Collect(ctx context.Context, nodeID string) {
	machineName, err := parseTrigger(nodeID)
	if err != nil {
		c.logger.Warn("macman: cannot parse trigger node", zap.String("node", nodeID), zap.Error(err))
		return
	}

	prefix := "ns=2;s=Okuma.Machines." + machineName
	extractNode := prefix + ".Data.MacManData.extract"
	defer c.resetTrigger(ctx, extractNode)

	m := c.resolveMachine(ctx, machineName)

	handle, err := c.pool.Acquire(ctx, sessionpool.Machine{Name: m.Name, IP: m.IPAddress, Kind: m.Kind})
	if err != nil {
		c.logger.Warn("macman: acquire session failed", zap.String("machine", machineName), zap.Error(err))
		return
	}

	// Read all five watermarks before touching the controller.
	watermarks := make(map[string]time.Time, len(screens))
	for _, s := range screens {
		watermarks[s.name] = c.readWatermark(ctx, prefix+".Data.MacManData.LastProcessed."+s.name)
	}

	source := eventstream.Machine{ID: machineIDNumber(m.MachineId), IP: m.IPAddress, Name: m.Name}

	handle.Lock()
	defer handle.Unlock()

	// One controller-wide update cycle for the whole collection; warnings
	// do not abort.
	if warning, err := handle.Session.StartUpdate(ctx, 0, 0); err != nil {
		c.logger.Warn("macman: StartUpdate failed", zap.String("machine", machineName), zap.Error(err))
	} else if warning != "" {
		c.logger.Warn("macman: StartUpdate warning", zap.String("machine", machineName), zap.String("warning", warning))
	}
	if warning, err := handle.Session.WaitUpdateEnd(ctx); err != nil {
		c.logger.Warn("macman: WaitUpdateEnd failed", zap.String("machine", machineName), zap.Error(err))
	} else if warning != "" {
		c.logger.Warn("macman: WaitUpdateEnd warning", zap.String("machine", machineName), zap.String("warning", warning))
	}

	for _, s := range screens {
		records := c.collectScreen(ctx, handle.Session, s, watermarks[s.name])
		if len(records) == 0 {
			continue
		}

		// Publish first, then advance the watermark; publishes are
		// best-effort and never block the advance.
		c.publish(ctx, source, s.name, records)

		// Records walk newest-first, so the first one carries the newest
		// timestamp.
		c.writeWatermark(ctx, prefix+".Data.MacManData.LastProcessed."+s.name, records[0].Timestamp)

		c.logger.Info("macman: screen collected",
			zap.String("machine", machineName),
			zap.String("screen", s.name),
			zap.Int("records", len(records)))
	}
}

// resolveMachine reads MachineConfig, falling back to 127.0.0.1 when the IP
// is unreadable.
func (c *Collector) resolveMachine(ctx context.Context, machineName string) machine.Machine {
	m, err := c.directory.Resolve(ctx, machineName)
	if err != nil {
		c.logger.Warn("macman: resolve machine failed, using loopback", zap.String("machine", machineName), zap.Error(err))
		return machine.Machine{
			Name:      machineName,
			IPAddress: "127.0.0.1",
			MachineId: machine.DeriveMachineId(machineName),
			Kind:      machine.KindFromHint(machineName),
		}
	}
	if m.IPAddress == "" {
		m.IPAddress = "127.0.0.1"
	}
	return m
}

// collectScreen walks one screen's records newest-first, stopping at the
// first record the watermark comparator excludes or at the first
// unparseable date.
func (c *Collector) collectScreen(ctx context.Context, session ospapi.Session, s screen, watermark time.Time) []eventstream.Record {
	count := 1
	if s.countMajor != 0 {
		raw, errMsg, err := session.GetByString(ctx, macmanSubsystem, s.countMajor, 0, macmanMinor, macmanStyle)
		if err != nil || errMsg != "" {
			c.logger.Warn("macman: count probe failed", zap.String("screen", s.name), zap.String("native_error", errMsg), zap.Error(err))
			return nil
		}
		count, err = strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || count <= 0 {
			return nil
		}
		if count > batchSize {
			count = batchSize
		}
	}

	var records []eventstream.Record
	for i := 0; i < count; i++ {
		dateRaw, errMsg, err := session.GetByString(ctx, macmanSubsystem, s.dateMajor, i, macmanMinor, macmanStyle)
		if err != nil || errMsg != "" {
			c.logger.Warn("macman: date read failed", zap.String("screen", s.name), zap.Int("index", i), zap.String("native_error", errMsg), zap.Error(err))
			break
		}
		timeRaw := ""
		if s.timeMajor != 0 {
			timeRaw, errMsg, err = session.GetByString(ctx, macmanSubsystem, s.timeMajor, i, macmanMinor, macmanStyle)
			if err != nil || errMsg != "" {
				c.logger.Warn("macman: time read failed", zap.String("screen", s.name), zap.Int("index", i), zap.String("native_error", errMsg), zap.Error(err))
				break
			}
		}

		ts, ok := parseRecordTime(dateRaw, timeRaw)
		if !ok {
			c.logger.Warn("macman: unparseable record date, stopping screen",
				zap.String("screen", s.name), zap.Int("index", i), zap.String("date", dateRaw), zap.String("time", timeRaw))
			break
		}

		if !s.force && !includeRecord(s, ts, watermark) {
			break
		}

		fields := make(map[string]string, len(s.fields)+2)
		fields[s.dateFieldName] = strings.TrimSpace(dateRaw)
		if s.timeFieldName != "" {
			fields[s.timeFieldName] = strings.TrimSpace(timeRaw)
		}
		for _, f := range s.fields {
			v, errMsg, err := session.GetByString(ctx, macmanSubsystem, f.major, i, macmanMinor, macmanStyle)
			if err != nil || errMsg != "" {
				c.logger.Warn("macman: field read failed", zap.String("screen", s.name), zap.String("field", f.name), zap.Int("index", i), zap.String("native_error", errMsg), zap.Error(err))
				continue
			}
			fields[f.name] = strings.TrimSpace(v)
		}

		records = append(records, eventstream.Record{Screen: s.name, Timestamp: ts, Fields: fields})
	}
	return records
}

// includeRecord applies the per-screen watermark comparator: the machining
// report includes a record dated exactly at the watermark, the others only
// records strictly newer.
func includeRecord(s screen, ts, watermark time.Time) bool {
	if s.inclusive {
		return !ts.Before(watermark)
	}
	return ts.After(watermark)
}

func (c *Collector) publish(ctx context.Context, source eventstream.Machine, screenName string, records []eventstream.Record) {
	now := c.now()
	batch := make([]eventstream.Envelope, len(records))
	for i, rec := range records {
		batch[i] = eventstream.Frame(source, rec, now)
	}
	if err := c.sink.Publish(ctx, batch, eventstream.Metadata(source, screenName)); err != nil {
		c.logger.Warn("macman: publish failed, watermark still advances",
			zap.String("machine", source.Name), zap.String("screen", screenName), zap.Error(err))
	}
}

func (c *Collector) resetTrigger(ctx context.Context, nodeID string) {
	if _, err := c.control.Write(ctx, nodeID, opcuaclient.BoolValue(false)); err != nil {
		c.logger.Warn("macman: reset trigger failed", zap.String("node", nodeID), zap.Error(err))
	}
}

// parseTrigger extracts the machine name from
// "ns=2;s=Okuma.Machines.<Machine>.Data.MacManData.extract".
func parseTrigger(nodeID string) (string, error) {
	const rootPrefix = "Okuma.Machines."
	const suffix = ".Data.MacManData.extract"
	idx := strings.Index(nodeID, rootPrefix)
	if idx < 0 {
		return "", fmt.Errorf("missing %q prefix", rootPrefix)
	}
	rest := nodeID[idx+len(rootPrefix):]
	if !strings.HasSuffix(rest, suffix) {
		return "", fmt.Errorf("missing %q suffix", suffix)
	}
	name := strings.TrimSuffix(rest, suffix)
	if name == "" {
		return "", fmt.Errorf("empty machine name")
	}
	return name, nil
}

// machineIDNumber extracts the numeric machine id the envelopes carry. Ids
// like "12" parse directly; ids with a numeric prefix ("12-MB4000") use the
// prefix; anything else is 0.
func machineIDNumber(id string) int {
	id = strings.TrimSpace(id)
	if n, err := strconv.Atoi(id); err == nil {
		return n
	}
	digits := id
	for i, r := range id {
		if r < '0' || r > '9' {
			digits = id[:i]
			break
		}
	}
	if n, err := strconv.Atoi(digits); err == nil {
		return n
	}
	return 0
}
