package ospapi

import (
	"context"
	"fmt"
	"sync"
)

// Simulator is an in-memory Session used by tests. Responses for
// GetByString are keyed by the (subsystem, major, subscript, minor, style)
// tuple; callers register canned values before exercising the collectors.
type Simulator struct {
	mu sync.Mutex

	connected bool
	connectIP string

	responses map[callKey]response
	// SelectMainProgramResult/ErrMsg let a test script a program-selection
	// outcome; zero value means "succeed".
	SelectMainProgramResult int
	SelectMainProgramErrMsg string

	updateWarning string
	calls         []string
}

type callKey struct {
	subsystem, major, subscript, minor, style int
}

type response struct {
	value  string
	errMsg string
	err    error
}

// NewSimulator returns a Simulator with no canned responses.
func NewSimulator() *Simulator {
	return &Simulator{responses: make(map[callKey]response)}
}

// SetResponse registers the value GetByString returns for a given tuple.
func (s *Simulator) SetResponse(subsystem, major, subscript, minor, style int, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[callKey{subsystem, major, subscript, minor, style}] = response{value: value}
}

// SetErrorResponse registers an error message GetByString returns for a
// given tuple (simulates a transient native failure).
func (s *Simulator) SetErrorResponse(subsystem, major, subscript, minor, style int, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[callKey{subsystem, major, subscript, minor, style}] = response{errMsg: errMsg}
}

func (s *Simulator) Connect(_ context.Context, ip string) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	s.connectIP = ip
	s.calls = append(s.calls, fmt.Sprintf("Connect(%s)", ip))
	return "0", "", nil
}

func (s *Simulator) Disconnect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.calls = append(s.calls, "Disconnect")
	return nil
}

func (s *Simulator) GetByString(_ context.Context, subsystem, major, subscript, minor, style int) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := callKey{subsystem, major, subscript, minor, style}
	s.calls = append(s.calls, fmt.Sprintf("GetByString(%d,%d,%d,%d,%d)", subsystem, major, subscript, minor, style))
	resp, ok := s.responses[key]
	if !ok {
		return "", "", nil
	}
	return resp.value, resp.errMsg, resp.err
}

func (s *Simulator) StartUpdate(_ context.Context, a, b int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, fmt.Sprintf("StartUpdate(%d,%d)", a, b))
	return s.updateWarning, nil
}

func (s *Simulator) WaitUpdateEnd(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "WaitUpdateEnd")
	return "", nil
}

func (s *Simulator) SelectMainProgram(_ context.Context, mainFile, subFile, programName string, mode int) (int, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, fmt.Sprintf("SelectMainProgram(%s,%s,%s,%d)", mainFile, subFile, programName, mode))
	return s.SelectMainProgramResult, s.SelectMainProgramErrMsg, nil
}

// Calls returns the ordered list of method invocations observed so far, for
// assertions in tests.
func (s *Simulator) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

// SimulatorDialer hands out a fresh Simulator on every Dial call, whatever
// the machine kind, for use as a Dialer in tests and in cmd/bridge.
type SimulatorDialer struct {
	mu   sync.Mutex
	made []*Simulator
	// Err, if set, is returned by every Dial call instead of a Simulator.
	Err error
}

func (d *SimulatorDialer) Dial(MachineKind) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	sim := NewSimulator()
	d.made = append(d.made, sim)
	return sim, nil
}

// Made returns every Simulator this dialer has produced, in Dial order.
func (d *SimulatorDialer) Made() []*Simulator {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Simulator, len(d.made))
	copy(out, d.made)
	return out
}
