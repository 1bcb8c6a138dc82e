// Package general implements single-value collection: resolve a
// rising-edge Data.<Field>.extract trigger to a descriptor, read one value
// through the machine session, and write value/lastupdated/extract back.
package general

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"okuma-bridge/internal/machine"
	"okuma-bridge/internal/opcuaclient"
	"okuma-bridge/internal/registry"
	"okuma-bridge/internal/sessionpool"
)

// ControlPlane is the narrow surface this collector needs for writes.
type ControlPlane interface {
	Write(ctx context.Context, nodeID string, value opcuaclient.Value) (bool, error)
}

// SessionPool is the narrow surface this collector needs from the Machine
// Session Pool.
type SessionPool interface {
	Acquire(ctx context.Context, m sessionpool.Machine) (*sessionpool.Handle, error)
}

// Collector runs the General Collector workflow.
type Collector struct {
	logger    *zap.Logger
	control   ControlPlane
	pool      SessionPool
	registry  *registry.Registry
	directory *machine.Directory
}

// New constructs a Collector.
func New(control ControlPlane, pool SessionPool, reg *registry.Registry, directory *machine.Directory, logger *zap.Logger) *Collector {
	return &Collector{logger: logger, control: control, pool: pool, registry: reg, directory: directory}
}

// Collect runs the workflow for a single `…<Machine>.Data.<Field>.extract`
// trigger node.
func (c *Collector) Collect(ctx context.Context, nodeID string) {
	machineName, field, err := parseTrigger(nodeID)
	if err != nil {
		c.logger.Warn("general: cannot parse trigger node", zap.String("node", nodeID), zap.Error(err))
		return
	}

	prefix := fmt.Sprintf("ns=2;s=Okuma.Machines.%s.Data.%s", machineName, field)
	extractNode := prefix + ".extract"

	desc, ok := c.registry.Lookup(field)
	if !ok || !desc.Enabled {
		c.logger.Warn("general: descriptor absent or disabled", zap.String("field", field), zap.String("machine", machineName))
		c.writeBool(ctx, extractNode, false)
		return
	}

	m, err := c.directory.Resolve(ctx, machineName)
	if err != nil {
		c.logger.Warn("general: resolve machine failed", zap.String("machine", machineName), zap.Error(err))
		return
	}

	handle, err := c.pool.Acquire(ctx, sessionpool.Machine{Name: m.Name, IP: m.IPAddress, Kind: m.Kind})
	if err != nil {
		c.logger.Warn("general: acquire session failed", zap.String("machine", machineName), zap.Error(err))
		return
	}

	handle.Lock()
	raw, errMsg, callErr := handle.Session.GetByString(ctx, desc.SubsystemIndex, desc.MajorIndex, desc.Subscript, desc.MinorIndex, desc.Style())
	handle.Unlock()

	var value opcuaclient.Value
	if callErr != nil || errMsg != "" {
		c.logger.Warn("general: GetByString failed", zap.String("machine", machineName), zap.String("field", field), zap.String("native_error", errMsg), zap.Error(callErr))
		value = zeroValue(desc.DataType)
	} else {
		value = convert(strings.TrimSpace(raw), desc.DataType)
	}

	// Write order: extract-reset first, then timestamp, then value. Any
	// individual write failure is logged and does not abort the others.
	c.writeBool(ctx, extractNode, false)
	c.writeInt32(ctx, prefix+".lastupdated", int32(time.Now().Unix()))
	if _, err := c.control.Write(ctx, prefix+".value", value); err != nil {
		c.logger.Warn("general: write value failed", zap.String("node", prefix+".value"), zap.Error(err))
	}
}

func (c *Collector) writeBool(ctx context.Context, nodeID string, v bool) {
	if _, err := c.control.Write(ctx, nodeID, opcuaclient.BoolValue(v)); err != nil {
		c.logger.Warn("general: write failed", zap.String("node", nodeID), zap.Error(err))
	}
}

func (c *Collector) writeInt32(ctx context.Context, nodeID string, v int32) {
	if _, err := c.control.Write(ctx, nodeID, opcuaclient.Int32Value(v)); err != nil {
		c.logger.Warn("general: write failed", zap.String("node", nodeID), zap.Error(err))
	}
}

// parseTrigger splits "ns=2;s=Okuma.Machines.<Machine>.Data.<Field>.extract"
// into its machine name and field segments.
func parseTrigger(nodeID string) (machineName, field string, err error) {
	const rootPrefix = "Okuma.Machines."
	idx := strings.Index(nodeID, rootPrefix)
	if idx < 0 {
		return "", "", fmt.Errorf("missing %q prefix", rootPrefix)
	}
	rest := nodeID[idx+len(rootPrefix):]

	dataIdx := strings.Index(rest, ".Data.")
	if dataIdx < 0 {
		return "", "", fmt.Errorf("missing .Data. segment")
	}
	machineName = rest[:dataIdx]

	fieldPart := rest[dataIdx+len(".Data."):]
	fieldPart = strings.TrimSuffix(fieldPart, ".extract")
	if fieldPart == "" {
		return "", "", fmt.Errorf("missing field segment")
	}
	return machineName, fieldPart, nil
}

// convert applies the declared-type conversion rules to a trimmed native
// string.
func convert(raw string, dt registry.DataType) opcuaclient.Value {
	switch dt {
	case registry.TypeFloat, registry.TypeDouble, registry.TypeDecimal:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			f = 0.0
		}
		return opcuaclient.DoubleValue(f)
	case registry.TypeInt, registry.TypeInteger, registry.TypeLong:
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			i = 0
		}
		return opcuaclient.Int64Value(i)
	case registry.TypeBool, registry.TypeBoolean:
		return opcuaclient.BoolValue(parseBool(raw))
	default:
		return opcuaclient.StringValue(raw)
	}
}

func zeroValue(dt registry.DataType) opcuaclient.Value {
	switch dt {
	case registry.TypeFloat, registry.TypeDouble, registry.TypeDecimal:
		return opcuaclient.DoubleValue(0)
	case registry.TypeInt, registry.TypeInteger, registry.TypeLong:
		return opcuaclient.Int64Value(0)
	case registry.TypeBool, registry.TypeBoolean:
		return opcuaclient.BoolValue(false)
	default:
		return opcuaclient.StringValue("")
	}
}

// parseBool implements "literal parse; if that fails, numeric parse where 0
// is false and non-zero is true; on failure, false".
func parseBool(raw string) bool {
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n != 0
	}
	return false
}
