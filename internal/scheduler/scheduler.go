// Package scheduler periodically fires every machine's MacManData.extract
// trigger, driving the incremental collection pipeline.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"okuma-bridge/internal/machine"
	"okuma-bridge/internal/opcuaclient"
)

// ControlPlane is the narrow surface the scheduler needs.
type ControlPlane interface {
	Browse(ctx context.Context, nodeID string) ([]string, error)
	Read(ctx context.Context, nodeID string) (*opcuaclient.Value, error)
	Write(ctx context.Context, nodeID string, value opcuaclient.Value) (bool, error)
}

const rootNode = "ns=2;s=Okuma.Machines"

// Scheduler writes true to every discovered MacManData.extract node on a
// fixed interval.
type Scheduler struct {
	logger   *zap.Logger
	control  ControlPlane
	interval time.Duration
}

// New constructs a Scheduler. A zero interval disables it: Run returns
// immediately.
func New(control ControlPlane, interval time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{logger: logger, control: control, interval: interval}
}

// Run ticks until ctx is cancelled. Ticks are fire-and-forget: each runs in
// its own goroutine so a long tick never delays the next.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("scheduler: disabled (zero interval)")
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler: started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			go s.Tick(ctx)
		}
	}
}

// Tick fires one scheduling round: browse the machines, skip system-like
// names, and set every readable boolean MacManData.extract node to true.
func (s *Scheduler) Tick(ctx context.Context) {
	machineNodes, err := s.control.Browse(ctx, rootNode)
	if err != nil {
		s.logger.Warn("scheduler: browse failed", zap.Error(err))
		return
	}

	for _, machineNode := range machineNodes {
		name := lastSegment(machineNode)
		if machine.IsSystemName(name) {
			continue
		}
		extractNode := machineNode + ".Data.MacManData.extract"

		// Only fire triggers that exist and are boolean-like; anything
		// else is a machine without a MacMan surface.
		v, err := s.control.Read(ctx, extractNode)
		if err != nil || v == nil || v.Kind != opcuaclient.KindBool {
			s.logger.Debug("scheduler: skipping machine without boolean extract node", zap.String("node", extractNode))
			continue
		}

		if _, err := s.control.Write(ctx, extractNode, opcuaclient.BoolValue(true)); err != nil {
			s.logger.Warn("scheduler: trigger write failed", zap.String("node", extractNode), zap.Error(err))
		}
	}
}

func lastSegment(nodeID string) string {
	for i := len(nodeID) - 1; i >= 0; i-- {
		if nodeID[i] == '.' {
			return nodeID[i+1:]
		}
	}
	return nodeID
}
