package dispatcher

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"okuma-bridge/internal/machine"
)

// Discover browses the control plane for every machine under
// ns=2;s=Okuma.Machines, then each machine's Data/<Field>/extract,
// Data/MacManData/extract, and ProgramManagement/Ctrl nodes, subscribing to
// each. It is invoked at startup and after any full reconnect.
func (d *Dispatcher) Discover(ctx context.Context) error {
	machineNodes, err := d.control.Browse(ctx, rootNode)
	if err != nil {
		return err
	}

	for _, machineNode := range machineNodes {
		name := lastSegment(machineNode)
		if machine.IsSystemName(name) {
			d.logger.Debug("dispatcher: skipping system-like machine node", zap.String("node", machineNode))
			continue
		}
		if err := d.discoverMachine(ctx, machineNode); err != nil {
			d.logger.Warn("dispatcher: discovery failed for machine", zap.String("node", machineNode), zap.Error(err))
		}
	}
	return nil
}

func (d *Dispatcher) discoverMachine(ctx context.Context, machineNode string) error {
	dataNode := machineNode + ".Data"
	fields, err := d.control.Browse(ctx, dataNode)
	if err != nil {
		return err
	}
	for _, field := range fields {
		if lastSegment(field) == "MacManData" {
			extractNode := field + ".extract"
			if err := d.control.Subscribe(ctx, extractNode); err != nil {
				d.logger.Warn("dispatcher: subscribe failed", zap.String("node", extractNode), zap.Error(err))
			}
			continue
		}
		extractNode := field + ".extract"
		if err := d.control.Subscribe(ctx, extractNode); err != nil {
			d.logger.Warn("dispatcher: subscribe failed", zap.String("node", extractNode), zap.Error(err))
		}
	}

	ctrlNode := machineNode + ".ProgramManagement.Ctrl"
	if err := d.control.Subscribe(ctx, ctrlNode); err != nil {
		d.logger.Warn("dispatcher: subscribe failed", zap.String("node", ctrlNode), zap.Error(err))
	}
	return nil
}

func lastSegment(nodeID string) string {
	idx := strings.LastIndex(nodeID, ".")
	if idx < 0 {
		return nodeID
	}
	return nodeID[idx+1:]
}
