package machine

import (
	"context"
	"fmt"

	"okuma-bridge/internal/opcuaclient"
	"okuma-bridge/internal/ospapi"
)

// ControlPlane is the narrow surface Directory needs from the control-plane
// client.
type ControlPlane interface {
	Read(ctx context.Context, nodeID string) (*opcuaclient.Value, error)
}

// KindLookup maps a machine name or MachineId to a native ProgID kind; it is
// backed by machine_kinds.yaml (internal/config).
type KindLookup func(machineName, machineId string) ospapi.MachineKind

// Directory re-reads MachineConfig for a machine on demand; the control
// plane is the only source of truth for machine attributes.
type Directory struct {
	control ControlPlane
	kindOf  KindLookup
}

// NewDirectory constructs a Directory. kindOf may be nil, in which case
// KindFromHint(name) is used.
func NewDirectory(control ControlPlane, kindOf KindLookup) *Directory {
	if kindOf == nil {
		kindOf = func(name, _ string) ospapi.MachineKind { return KindFromHint(name) }
	}
	return &Directory{control: control, kindOf: kindOf}
}

// Resolve reads MachineConfig.{IPAddress,Enabled,MachineId} for name and
// returns the resulting Machine.
func (d *Directory) Resolve(ctx context.Context, name string) (Machine, error) {
	prefix := "ns=2;s=Okuma.Machines." + name + ".MachineConfig"

	ip := ""
	if v, err := d.control.Read(ctx, prefix+".IPAddress"); err != nil {
		return Machine{}, fmt.Errorf("machine: read IPAddress: %w", err)
	} else if v != nil {
		ip = v.AsString()
	}

	enabled := true
	if v, err := d.control.Read(ctx, prefix+".Enabled"); err != nil {
		return Machine{}, fmt.Errorf("machine: read Enabled: %w", err)
	} else if v != nil {
		enabled = v.Bool
	}

	machineId := DeriveMachineId(name)
	if v, err := d.control.Read(ctx, prefix+".MachineId"); err != nil {
		return Machine{}, fmt.Errorf("machine: read MachineId: %w", err)
	} else if v != nil && v.AsString() != "" {
		machineId = v.AsString()
	}

	return Machine{
		Name:      name,
		IPAddress: ip,
		MachineId: machineId,
		Enabled:   enabled,
		Kind:      d.kindOf(name, machineId),
	}, nil
}
