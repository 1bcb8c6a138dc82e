// Package machine models a discovered Okuma machine.
package machine

import (
	"strings"

	"okuma-bridge/internal/ospapi"
)

// Machine is identified by its free-form name, the second segment after
// "Okuma.Machines." in the OPC UA address space.
type Machine struct {
	Name      string
	IPAddress string
	MachineId string
	Enabled   bool
	Kind      ospapi.MachineKind
}

// NodePrefix is the OPC UA node-ID prefix for this machine's subtree.
func (m Machine) NodePrefix() string {
	return "ns=2;s=Okuma.Machines." + m.Name
}

// DeriveMachineId returns the conventional MachineId: the prefix of the
// name before " - ", or the whole name if there is no such separator.
func DeriveMachineId(name string) string {
	if idx := strings.Index(name, " - "); idx >= 0 {
		return name[:idx]
	}
	return name
}

// KindFromHint maps a free-form hint (read from configuration, or derived
// from the machine name) to a MachineKind, defaulting to machining-center.
func KindFromHint(hint string) ospapi.MachineKind {
	lower := strings.ToLower(hint)
	switch {
	case strings.Contains(lower, "lathe"):
		return ospapi.KindLathe
	case strings.Contains(lower, "grind"):
		return ospapi.KindGrinder
	default:
		return ospapi.KindMachiningCenter
	}
}

// IsSystemName reports whether a discovered node name under Okuma.Machines
// is an infrastructure placeholder rather than a physical machine: it
// contains "system", "config", "global", or "server" anywhere,
// case-insensitive.
func IsSystemName(name string) bool {
	lower := strings.ToLower(name)
	for _, token := range []string{"system", "config", "global", "server"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}
