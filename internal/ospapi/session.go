// Package ospapi defines the narrow native-binding seam the core consumes.
//
// The real OSPAPI binding is a Windows COM automation surface exposed by
// the Okuma controller vendor SDK and lives outside this repository. This
// package only declares the interface shape the rest of the core programs
// against, plus an in-memory Simulator used by tests.
package ospapi

import "context"

// MachineKind selects the native ProgID used to open a Session.
type MachineKind string

const (
	KindMachiningCenter MachineKind = "machining-center"
	KindLathe           MachineKind = "lathe"
	KindGrinder         MachineKind = "grinder"
)

// ProgID returns the native automation ProgID associated with a kind. The
// identifiers are fixed here; machine_kinds.yaml only selects the kind.
func (k MachineKind) ProgID() string {
	switch k {
	case KindLathe:
		return "OSP.Lathe.Session"
	case KindGrinder:
		return "OSP.Grinder.Session"
	default:
		return "OSP.MachiningCenter.Session"
	}
}

// Session is an opaque handle to a native connection for one machine. The
// session pool (internal/sessionpool) is the only caller that opens and
// closes one; every other component reaches the controller exclusively
// through the methods below, always under the pool entry's mutex.
type Session interface {
	// Connect opens the native connection to ip. result is the native
	// call's own result code, rendered as a string ("0" conventionally
	// means success); the caller treats success as
	// (err == nil && errMsg == "" && (result == "" || result == "0")).
	Connect(ctx context.Context, ip string) (result string, errMsg string, err error)

	// Disconnect tears the native connection down. It is idempotent.
	Disconnect(ctx context.Context) error

	// GetByString is the five-argument native read primitive. A non-empty
	// errMsg indicates the call reached the controller but was refused;
	// err indicates the binding itself failed (e.g. the session is dead).
	GetByString(ctx context.Context, subsystem, major, subscript, minor, style int) (value string, errMsg string, err error)

	// StartUpdate begins a controller-wide MacMan update cycle.
	StartUpdate(ctx context.Context, a, b int) (warning string, err error)

	// WaitUpdateEnd blocks until the update cycle StartUpdate began has
	// completed.
	WaitUpdateEnd(ctx context.Context) (warning string, err error)

	// SelectMainProgram issues a program-selection command. A non-zero
	// result is a failure; errMsg carries the controller's explanation.
	SelectMainProgram(ctx context.Context, mainFile, subFile, programName string, mode int) (result int, errMsg string, err error)
}

// Dialer opens a Session for a given machine kind; the IP address is passed
// later to Session.Connect. Production
// wiring resolves this to the vendor COM automation client; tests use
// NewSimulator.
type Dialer interface {
	Dial(kind MachineKind) (Session, error)
}
