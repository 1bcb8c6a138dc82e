// Package programmgmt implements the program-management command workflow:
// stage a program file into the machine's local staging directory, issue
// SelectMainProgram, and report Stat/Exception back to the control plane.
package programmgmt

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"okuma-bridge/internal/machine"
	"okuma-bridge/internal/opcuaclient"
	"okuma-bridge/internal/sessionpool"
)

// ControlPlane is the narrow surface the executor needs.
type ControlPlane interface {
	Read(ctx context.Context, nodeID string) (*opcuaclient.Value, error)
	Write(ctx context.Context, nodeID string, value opcuaclient.Value) (bool, error)
}

// SessionPool is the narrow surface the executor needs from the Machine
// Session Pool.
type SessionPool interface {
	Acquire(ctx context.Context, m sessionpool.Machine) (*sessionpool.Handle, error)
}

// Executor runs the program-management workflow.
type Executor struct {
	logger    *zap.Logger
	control   ControlPlane
	pool      SessionPool
	directory *machine.Directory

	// stagingRoot is where per-machine staging directories live
	// (conventionally C:\temp; overridden in tests).
	stagingRoot string
	// dumpDir is where crash-dump files are written (the executable's
	// directory by default).
	dumpDir string

	now func() time.Time
}

// New constructs an Executor. stagingRoot and dumpDir may be empty, in
// which case the conventional defaults apply.
func New(control ControlPlane, pool SessionPool, directory *machine.Directory, stagingRoot, dumpDir string, logger *zap.Logger) *Executor {
	if stagingRoot == "" {
		stagingRoot = `C:\temp`
	}
	if dumpDir == "" {
		dumpDir = "."
	}
	return &Executor{
		logger:      logger,
		control:     control,
		pool:        pool,
		directory:   directory,
		stagingRoot: stagingRoot,
		dumpDir:     dumpDir,
		now:         time.Now,
	}
}

// Start runs the workflow for a rising edge on
// "…<Machine>.ProgramManagement.Ctrl". It always writes Stat := true on
// terminal completion, success or not.
func (e *Executor) Start(ctx context.Context, nodeID string) {
	machineName, err := parseCtrl(nodeID)
	if err != nil {
		e.logger.Warn("programmgmt: cannot parse Ctrl node", zap.String("node", nodeID), zap.Error(err))
		return
	}
	prefix := "ns=2;s=Okuma.Machines." + machineName + ".ProgramManagement"

	m, resolveErr := e.directory.Resolve(ctx, machineName)

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("%v", r)
			e.writeCrashDump(m.MachineId, msg)
			e.writeResult(ctx, prefix, "Unexpected error in ProgramManagement: "+msg)
		}
	}()

	if resolveErr != nil {
		e.writeResult(ctx, prefix, fmt.Sprintf("Machine resolve failed: %v", resolveErr))
		return
	}

	params := e.readParams(ctx, prefix)
	e.logger.Info("programmgmt: workflow started",
		zap.String("machine", machineName),
		zap.String("filepath", params.Filepath),
		zap.String("id", params.Id),
		zap.String("mainfile", params.MainFile))

	if err := e.stage(params.Filepath, m.IPAddress); err != nil {
		e.writeResult(ctx, prefix, err.Error())
		return
	}

	if params.MainFile == "" {
		e.writeResult(ctx, prefix, "MainFile is empty")
		return
	}

	handle, err := e.pool.Acquire(ctx, sessionpool.Machine{Name: m.Name, IP: m.IPAddress, Kind: m.Kind})
	if err != nil {
		e.writeResult(ctx, prefix, fmt.Sprintf("Session open failed: %v", err))
		return
	}

	handle.Lock()
	result, errMsg, callErr := handle.Session.SelectMainProgram(ctx, params.MainFile, "", "", 0)
	handle.Unlock()

	switch {
	case callErr != nil:
		e.writeResult(ctx, prefix, fmt.Sprintf("SelectMainProgram failed: %v", callErr))
	case result != 0:
		e.writeResult(ctx, prefix, errMsg)
	default:
		e.writeResult(ctx, prefix, "")
	}
}

// FallingEdge acknowledges a Ctrl falling edge: Stat := false, nothing
// else.
func (e *Executor) FallingEdge(ctx context.Context, nodeID string) {
	machineName, err := parseCtrl(nodeID)
	if err != nil {
		return
	}
	statNode := "ns=2;s=Okuma.Machines." + machineName + ".ProgramManagement.Stat"
	if _, err := e.control.Write(ctx, statNode, opcuaclient.BoolValue(false)); err != nil {
		e.logger.Warn("programmgmt: write Stat=false failed", zap.String("node", statNode), zap.Error(err))
	}
}

type params struct {
	Filepath string
	Id       string
	MainFile string
}

func (e *Executor) readParams(ctx context.Context, prefix string) params {
	read := func(leaf string) string {
		v, err := e.control.Read(ctx, prefix+"."+leaf)
		if err != nil || v == nil {
			return ""
		}
		return strings.TrimSpace(v.AsString())
	}
	return params{
		Filepath: read("Filepath"),
		Id:       read("Id"),
		MainFile: read("MainFile"),
	}
}

// stage copies the source program file into <stagingRoot>/<ip>/ with its
// original file name. An empty Filepath skips the copy with a warning; a
// missing source file fails the workflow.
func (e *Executor) stage(sourcePath, ip string) error {
	dir := filepath.Join(e.stagingRoot, ip)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("File copy failed: cannot create staging directory - %v", err)
	}

	if sourcePath == "" {
		e.logger.Warn("programmgmt: empty Filepath, skipping copy")
		return nil
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("File copy failed: Source file does not exist - %s", sourcePath)
		}
		return fmt.Errorf("File copy failed: %v", err)
	}
	defer src.Close()

	destPath := filepath.Join(dir, filepath.Base(sourcePath))
	dest, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("File copy failed: %v", err)
	}
	defer dest.Close()

	if _, err := io.Copy(dest, src); err != nil {
		return fmt.Errorf("File copy failed: %v", err)
	}

	e.logger.Info("programmgmt: staged program file", zap.String("source", sourcePath), zap.String("dest", destPath))
	return nil
}

// writeResult writes the terminal outcome: Stat := true always, Exception
// only carries a message on failure.
func (e *Executor) writeResult(ctx context.Context, prefix, exception string) {
	if _, err := e.control.Write(ctx, prefix+".Stat", opcuaclient.BoolValue(true)); err != nil {
		e.logger.Warn("programmgmt: write Stat=true failed", zap.Error(err))
	}
	if _, err := e.control.Write(ctx, prefix+".Exception", opcuaclient.StringValue(exception)); err != nil {
		e.logger.Warn("programmgmt: write Exception failed", zap.Error(err))
	}
	if exception != "" {
		e.logger.Warn("programmgmt: workflow failed", zap.String("exception", exception))
	}
}

// writeCrashDump serializes an unexpected panic into
// Exception_<yyyy-MM-dd_HH-mm-ss>_<machineId>.txt.
func (e *Executor) writeCrashDump(machineId, msg string) {
	name := fmt.Sprintf("Exception_%s_%s.txt", e.now().Format("2006-01-02_15-04-05"), machineId)
	path := filepath.Join(e.dumpDir, name)
	if err := os.WriteFile(path, []byte(msg+"\n"), 0o644); err != nil {
		e.logger.Error("programmgmt: crash dump write failed", zap.String("path", path), zap.Error(err))
		return
	}
	e.logger.Error("programmgmt: unexpected error, crash dump written", zap.String("path", path), zap.String("error", msg))
}

// parseCtrl extracts the machine name from
// "ns=2;s=Okuma.Machines.<Machine>.ProgramManagement.Ctrl".
func parseCtrl(nodeID string) (string, error) {
	const rootPrefix = "Okuma.Machines."
	const suffix = ".ProgramManagement.Ctrl"
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
