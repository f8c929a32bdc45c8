package debug

import (
	"fmt"
	"log/slog"

	"github.com/Manu343726/garrapata/pkg/dbg"
	"github.com/Manu343726/garrapata/pkg/dbg/runtime"
	"github.com/Manu343726/garrapata/pkg/dbg/symbols"
)

// RuntimeHost is the managed runtime integration: it launches or attaches
// the debuggee through the runtime's debugging API and exposes the managed
// symbol reader and expression evaluator. The shim build registers an
// implementation at init time; the engine itself never constructs one.
type RuntimeHost interface {
	// Launch starts the debuggee under the managed debugger and returns
	// its process handle and OS pid.
	Launch(args []string) (runtime.Process, int, error)
	// Attach connects to a running debuggee by pid.
	Attach(pid int) (runtime.Process, int, error)
	// SymbolReader returns the managed symbol reader surface.
	SymbolReader() symbols.Reader
	// Evaluator returns the expression evaluator for breakpoint
	// conditions.
	Evaluator() runtime.Evaluator
	// Bind points the runtime's callback delivery at the engine.
	Bind(debugger *dbg.Debugger)
}

var registeredHost RuntimeHost

// RegisterHost installs the runtime shim integration.
func RegisterHost(host RuntimeHost) {
	registeredHost = host
}

// session owns one debug run.
type session struct {
	debugger *dbg.Debugger
}

// newSession builds the engine and connects it to the debuggee.
func newSession(options dbg.Options, sink dbg.ProtocolSink, logger *slog.Logger, args []string) (*session, error) {
	if registeredHost == nil {
		return nil, fmt.Errorf("no managed runtime host is linked into this build")
	}

	debugger, err := dbg.NewDebugger(registeredHost.SymbolReader(), registeredHost.Evaluator(), sink, options, logger)
	if err != nil {
		return nil, err
	}
	registeredHost.Bind(debugger)

	var process runtime.Process
	var pid int
	if options.Attach {
		process, pid, err = registeredHost.Attach(options.PID)
	} else {
		process, pid, err = registeredHost.Launch(args)
	}
	if err != nil {
		return nil, err
	}

	if err := debugger.Init(process, pid, nil); err != nil {
		process.Terminate()
		return nil, err
	}
	return &session{debugger: debugger}, nil
}

func (s *session) close() {
	s.debugger.Shutdown()
}
