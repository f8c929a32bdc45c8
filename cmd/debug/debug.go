// Package debug implements the `garrapata debug` command: it wires the
// engine to a debuggee and renders its event stream to the terminal. The
// MI and DAP protocol adapters reuse the same engine through their own
// sinks.
package debug

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Manu343726/garrapata/pkg/dbg"
	"github.com/Manu343726/garrapata/pkg/dbg/model"
)

// Color definitions for event output
var (
	colorAddr       = color.New(color.FgCyan)
	colorReason     = color.New(color.FgYellow, color.Bold)
	colorSourceFile = color.New(color.FgHiBlue)
	colorSourceLine = color.New(color.FgHiCyan)
	colorSource     = color.New(color.FgHiWhite)
	colorError      = color.New(color.FgRed, color.Bold)
	colorSuccess    = color.New(color.FgGreen)
	colorWarning    = color.New(color.FgYellow)
	colorThread     = color.New(color.FgMagenta)
)

var (
	attachPID     int
	interopMode   bool
	stopAtEntry   bool
	justMyCode    bool
	sourceMapFile string
	logFile       string
)

// DebugCmd is the `debug` subcommand.
var DebugCmd = &cobra.Command{
	Use:   "debug [program [args...]]",
	Short: "Debug a managed program, optionally with native interop debugging",
	RunE: func(cmd *cobra.Command, args []string) error {
		if attachPID == 0 && len(args) == 0 {
			return fmt.Errorf("either --attach <pid> or a program to launch is required")
		}
		return runDebug(args)
	},
}

func init() {
	DebugCmd.Flags().IntVar(&attachPID, "attach", 0, "attach to a running process by pid")
	DebugCmd.Flags().BoolVar(&interopMode, "interop", false, "enable native (ptrace) debugging beside the managed debugger")
	DebugCmd.Flags().BoolVar(&stopAtEntry, "stop-at-entry", false, "stop at the managed entry point")
	DebugCmd.Flags().BoolVar(&justMyCode, "just-my-code", true, "suppress compiler-hidden methods")
	DebugCmd.Flags().StringVar(&sourceMapFile, "source-map", "", "YAML source path map file")
	DebugCmd.Flags().StringVar(&logFile, "log-file", "", "append engine log to this file")

	viper.SetDefault("log_level", "info")
}

// eventPrinter renders engine events to the terminal.
type eventPrinter struct {
	debugger *dbg.Debugger
	done     chan int
}

func (p *eventPrinter) EmitStopEvent(event model.StopEvent) {
	colorReason.Printf("stopped")
	fmt.Printf(", reason: %s", event.Reason)
	colorThread.Printf(" [thread %d]", event.ThreadID)

	if event.Reason == model.StopBreakpoint {
		source := event.Breakpoint.Source.Path
		line := event.Breakpoint.Line
		fmt.Printf(" at %s:%s",
			colorSourceFile.Sprint(source),
			colorSourceLine.Sprint(line))
		if text, found := p.debugger.SourceLine(source, line); found {
			fmt.Printf("\n    %s", colorSource.Sprint(text))
		}
	}
	if event.Signal != "" {
		colorWarning.Printf(" signal %s", event.Signal)
	}
	if event.Addr != 0 {
		fmt.Printf(" addr %s", colorAddr.Sprintf("%#x", event.Addr))
	}
	if event.Text != "" {
		fmt.Printf(" %s", event.Text)
	}
	fmt.Println()
}

func (p *eventPrinter) EmitBreakpointEvent(event model.BreakpointEvent) {
	state := "unverified"
	if event.Breakpoint.Verified {
		state = "verified"
	}
	fmt.Printf("breakpoint %d %s %s:%d\n", event.Breakpoint.ID, state,
		event.Breakpoint.Source.Path, event.Breakpoint.Line)
}

func (p *eventPrinter) EmitModuleEvent(event model.ModuleEvent) {
	verb := "loaded"
	if event.Kind == model.ModuleRemoved {
		verb = "unloaded"
	}
	fmt.Printf("library %s: %s (symbols: %s)\n", verb, event.Module.Path, event.Module.SymbolStatus)
}

func (p *eventPrinter) EmitThreadEvent(event model.ThreadEvent) {
	// thread churn is log noise at the CLI surface; protocols consume it
}

func (p *eventPrinter) EmitProcessExited(exitCode int) {
	if exitCode == 0 {
		colorSuccess.Printf("process exited with code %d\n", exitCode)
	} else {
		colorError.Printf("process exited with code %d\n", exitCode)
	}
	select {
	case p.done <- exitCode:
	default:
	}
}

// runDebug builds the engine and blocks until the debuggee exits. The
// managed runtime shim and the symbol reader assembly are discovered by
// the host integration; this command only wires them.
func runDebug(args []string) error {
	level := slog.LevelInfo
	if viper.GetString("log_level") == "debug" {
		level = slog.LevelDebug
	}
	logger := dbg.NewLogger(level, logFile)

	options := dbg.Options{
		Attach:        attachPID != 0,
		PID:           attachPID,
		Interop:       interopMode,
		StopAtEntry:   stopAtEntry,
		JustMyCode:    justMyCode,
		SourceMapFile: sourceMapFile,
		LogFile:       logFile,
	}

	printer := &eventPrinter{done: make(chan int, 1)}
	session, err := newSession(options, printer, logger, args)
	if err != nil {
		colorError.Fprintf(os.Stderr, "cannot start debug session: %v\n", err)
		return err
	}
	printer.debugger = session.debugger
	defer session.close()

	exitCode := <-printer.done
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}
