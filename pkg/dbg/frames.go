package dbg

import (
	"github.com/Manu343726/garrapata/pkg/dbg/interop"
	"github.com/Manu343726/garrapata/pkg/dbg/model"
	"github.com/Manu343726/garrapata/pkg/dbg/runtime"
	"github.com/Manu343726/garrapata/pkg/dbg/symbols"
	"github.com/Manu343726/garrapata/pkg/utils"
)

// WalkFramesCallback receives each frame of a mixed backtrace in order.
type WalkFramesCallback func(frame model.Frame) error

// walkFrames interleaves managed and native frames of one thread: the
// runtime's stack walker yields the managed view, native chains between
// managed frames unwind through the interop debugger with the captured
// register contexts as cursors.
func (d *Debugger) walkFrames(thread runtime.Thread, cb WalkFramesCallback) error {
	walk, err := thread.NewStackWalk()
	if err != nil {
		return err
	}

	tid := thread.ID()
	var ctxUnmanagedChain runtime.Context
	ctxUnmanagedChainValid := false
	level := -1

	for {
		kind, err := walk.Next()
		if err != nil {
			return err
		}
		if kind == runtime.WalkEnd {
			break
		}
		level++

		if kind == runtime.WalkNativeChain {
			// remember the context; the chain unwinds when the next
			// managed frame bounds it
			context, err := walk.Context()
			if err != nil {
				return err
			}
			ctxUnmanagedChain = context
			ctxUnmanagedChainValid = true
			continue
		}
		if kind == runtime.WalkRuntimeUnwindable {
			continue
		}

		frame, err := walk.Frame()
		if err != nil {
			return err
		}
		if frame == nil {
			// a no-frame transition the runtime reports with no frame
			continue
		}

		currentCtx, err := walk.Context()
		if err != nil {
			return err
		}

		if frame.IsIL() {
			// The runtime may report SP without FP for the top frame
			// when the real top is native (optimized managed code with
			// inlined pinvoke or a runtime native frame).
			if level == 0 && currentCtx.SP != 0 && currentCtx.FP == 0 {
				currentCtx.FP = currentCtx.SP
			}

			if ctxUnmanagedChainValid {
				if err := d.unwindNativeChain(tid, level == 1, &ctxUnmanagedChain, &currentCtx, cb); err != nil {
					return err
				}
				level++
				ctxUnmanagedChainValid = false
			} else if level == 0 && d.isOptimizedTopFrame(thread, frame) {
				if err := d.unwindInlinedTopNativeFrames(tid, currentCtx, cb); err != nil {
					return err
				}
			}

			if err := cb(d.managedFrame(frame, currentCtx)); err != nil {
				return err
			}
			continue
		}

		if frame.IsNative() && level == 0 {
			if err := d.unwindNativeChain(tid, true, nil, &currentCtx, cb); err != nil {
				return err
			}
			if err := cb(model.Frame{Kind: model.FrameCLRNative, Addr: currentCtx.IP}); err != nil {
				return err
			}
		}
	}

	if ctxUnmanagedChainValid {
		if level == 0 {
			// first and last: the whole stack is the native chain
			return d.unwindNativeChain(tid, true, nil, nil, cb)
		}
		if ctxUnmanagedChain.IP == 0 {
			return nil
		}
		return d.unwindNativeChain(tid, false, &ctxUnmanagedChain, nil, cb)
	}
	return nil
}

// unwindNativeChain unwinds one native run bounded by managed frames. The
// end context's IP is the stop address when present.
func (d *Debugger) unwindNativeChain(tid int, firstFrame bool, start *runtime.Context, end *runtime.Context, cb WalkFramesCallback) error {
	if d.interop == nil {
		return nil
	}

	var startContext *interop.UnwindContext
	if start != nil {
		if start.IP == 0 {
			return nil
		}
		startContext = &interop.UnwindContext{IP: start.IP, SP: start.SP, FP: start.FP}
	}
	endAddr := uint64(0)
	if end != nil {
		endAddr = end.IP
	}

	return d.interop.UnwindNativeFrames(tid, firstFrame, endAddr, startContext, func(frame interop.NativeFrame) error {
		return cb(model.Frame{
			Kind:       model.FrameNative,
			Addr:       frame.Addr,
			ModuleName: frame.LibName,
			MethodName: frame.ProcName,
			Source:     model.MakeSource(frame.FullSourcePath),
			Line:       frame.LineNum,
			Unknown:    frame.UnknownFrameAddr,
		})
	})
}

// unwindInlinedTopNativeFrames walks the native frames an optimized top
// managed method may hide (inlined pinvoke): unwind from the live thread
// registers down to the managed frame's own address.
func (d *Debugger) unwindInlinedTopNativeFrames(tid int, currentCtx runtime.Context, cb WalkFramesCallback) error {
	if d.interop == nil || currentCtx.IP == 0 {
		return nil
	}
	return d.interop.UnwindNativeFrames(tid, true, currentCtx.IP, nil, func(frame interop.NativeFrame) error {
		return cb(model.Frame{
			Kind:       model.FrameNative,
			Addr:       frame.Addr,
			ModuleName: frame.LibName,
			MethodName: frame.ProcName,
			Source:     model.MakeSource(frame.FullSourcePath),
			Line:       frame.LineNum,
			Unknown:    frame.UnknownFrameAddr,
		})
	})
}

// isOptimizedTopFrame probes the runtime for the method's JMC status: a
// method whose JMC flag cannot be set to true is optimized code. A thread
// stopped by a managed exception never unwinds past its top managed frame:
// the runtime's context may be inconsistent.
func (d *Debugger) isOptimizedTopFrame(thread runtime.Thread, frame runtime.Frame) bool {
	if thread.CurrentException() != nil {
		return false
	}
	function, err := frame.Function()
	if err != nil {
		return false
	}
	wasJMC, err := function.JMCStatus()
	if err != nil {
		return false
	}
	if err := function.SetJMCStatus(true); err != nil {
		return true // optimized: JMC cannot be enabled
	}
	if !wasJMC {
		function.SetJMCStatus(wasJMC)
	}
	return false
}

// managedFrame renders a managed frame with its source location.
func (d *Debugger) managedFrame(frame runtime.Frame, ctx runtime.Context) model.Frame {
	result := model.Frame{Kind: model.FrameManaged, Addr: ctx.IP}

	if token, err := frame.FunctionToken(); err == nil {
		mod := frame.Module()
		result.ModuleName = utils.Basename(mod.Path())
		if name, err := mod.Metadata().FullMethodName(token); err == nil {
			result.MethodName = symbols.RenderTypeName(name, nil)
		}
	}
	if _, sp, found := d.modules.FrameILAndSequencePoint(frame); found {
		result.Source = model.MakeSource(sp.Document)
		result.Line = sp.StartLine
	}
	return result
}
