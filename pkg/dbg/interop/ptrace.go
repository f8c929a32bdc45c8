package interop

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/Manu343726/garrapata/pkg/dbg/model"
	"github.com/Manu343726/garrapata/pkg/utils"
)

// Siginfo is the subset of siginfo_t the engine inspects.
type Siginfo struct {
	Signo int32
	Code  int32
	PID   int32 // sender pid for SI_USER / SI_TKILL signals
}

// si_code values the signal dispatch table distinguishes (see siginfo.h).
const (
	siUser    = 0
	siKernel  = 0x80
	siTkill   = -6
	trapBrkpt = 1
	trapTrace = 2
)

// WaitStatus wraps the raw wait4 status word.
type WaitStatus = unix.WaitStatus

// Tracer is the debuggee access layer: ptrace requests, waitpid and bulk
// memory reads. Methods are called from the waitpid worker and from
// protocol request goroutines; the real implementation funnels requests
// onto one locked OS thread because
// the kernel requires ptrace calls to come from the tracing thread.
type Tracer interface {
	Seize(tid int, options uintptr) error
	Interrupt(tid int) error
	Cont(tid int, signal int) error
	SingleStep(tid int) error
	Detach(tid int, signal int) error
	PeekWord(tid int, addr uint64) (uint64, error)
	PokeWord(tid int, addr uint64, word uint64) error
	GetRegs(tid int) (*Registers, error)
	SetRegs(tid int, regs *Registers) error
	GetSiginfo(tid int) (Siginfo, error)
	Wait(pid int, options int) (int, WaitStatus, error)
	// ReadMemory bulk-reads debuggee memory (process_vm_readv).
	ReadMemory(pid int, addr uint64, buf []byte) error
	// Shutdown releases the ptrace thread.
	Shutdown()
}

// ptraceOptions are set at seize time on every thread.
const ptraceOptions = unix.PTRACE_O_TRACEEXEC | unix.PTRACE_O_TRACEEXIT |
	unix.PTRACE_O_TRACECLONE | unix.PTRACE_O_TRACEVFORK | unix.PTRACE_O_TRACEFORK

// linuxTracer is the real ptrace implementation. A dedicated goroutine
// locked to its OS thread serves every request, since a tracee only
// accepts ptrace requests from the thread that seized it.
type linuxTracer struct {
	arch Arch
	ops  chan func()
	done chan struct{}
}

// NewTracer starts the ptrace op thread for the host architecture.
func NewTracer() Tracer {
	t := &linuxTracer{
		arch: HostArch(),
		ops:  make(chan func()),
		done: make(chan struct{}),
	}
	go t.loop()
	return t
}

func (t *linuxTracer) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for {
		select {
		case op := <-t.ops:
			op()
		case <-t.done:
			return
		}
	}
}

// call runs fn on the ptrace thread and waits for completion.
func (t *linuxTracer) call(fn func()) {
	doneCh := make(chan struct{})
	select {
	case t.ops <- func() { fn(); close(doneCh) }:
		<-doneCh
	case <-t.done:
	}
}

func (t *linuxTracer) Shutdown() {
	close(t.done)
}

func (t *linuxTracer) ptrace(request int, tid int, addr uintptr, data uintptr) error {
	var err error
	t.call(func() {
		_, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(request), uintptr(tid), addr, data, 0, 0)
		if errno != 0 {
			err = errno
		}
	})
	return err
}

func (t *linuxTracer) Seize(tid int, options uintptr) error {
	if err := t.ptrace(unix.PTRACE_SEIZE, tid, 0, options); err != nil {
		return utils.WrapSyscall(model.ErrUnreadableDebuggee, "ptrace seize", err)
	}
	return nil
}

func (t *linuxTracer) Interrupt(tid int) error {
	if err := t.ptrace(unix.PTRACE_INTERRUPT, tid, 0, 0); err != nil {
		return utils.WrapSyscall(model.ErrUnreadableDebuggee, "ptrace interrupt", err)
	}
	return nil
}

func (t *linuxTracer) Cont(tid int, signal int) error {
	if err := t.ptrace(unix.PTRACE_CONT, tid, 0, uintptr(signal)); err != nil {
		return utils.WrapSyscall(model.ErrUnreadableDebuggee, "ptrace cont", err)
	}
	return nil
}

func (t *linuxTracer) SingleStep(tid int) error {
	if err := t.ptrace(unix.PTRACE_SINGLESTEP, tid, 0, 0); err != nil {
		if errors.Is(err, unix.EIO) {
			return unix.EIO // caller switches to software stepping
		}
		return utils.WrapSyscall(model.ErrUnreadableDebuggee, "ptrace singlestep", err)
	}
	return nil
}

func (t *linuxTracer) Detach(tid int, signal int) error {
	if err := t.ptrace(unix.PTRACE_DETACH, tid, 0, uintptr(signal)); err != nil {
		return utils.WrapSyscall(model.ErrUnreadableDebuggee, "ptrace detach", err)
	}
	return nil
}

func (t *linuxTracer) PeekWord(tid int, addr uint64) (uint64, error) {
	buf := make([]byte, t.arch.WordSize())
	var peekErr error
	t.call(func() {
		_, err := unix.PtracePeekData(tid, uintptr(addr), buf)
		peekErr = err
	})
	if peekErr != nil {
		return 0, utils.WrapSyscall(model.ErrUnreadableDebuggee, "ptrace peekdata", peekErr)
	}
	if t.arch.WordSize() == 4 {
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func (t *linuxTracer) PokeWord(tid int, addr uint64, word uint64) error {
	buf := make([]byte, t.arch.WordSize())
	if t.arch.WordSize() == 4 {
		binary.LittleEndian.PutUint32(buf, uint32(word))
	} else {
		binary.LittleEndian.PutUint64(buf, word)
	}
	var pokeErr error
	t.call(func() {
		_, err := unix.PtracePokeData(tid, uintptr(addr), buf)
		pokeErr = err
	})
	if pokeErr != nil {
		return utils.WrapSyscall(model.ErrUnreadableDebuggee, "ptrace pokedata", pokeErr)
	}
	return nil
}

func (t *linuxTracer) GetRegs(tid int) (*Registers, error) {
	regs := NewRegisters(t.arch)
	iov := unix.Iovec{Base: &regs.Data[0]}
	iov.SetLen(len(regs.Data))
	if err := t.ptrace(unix.PTRACE_GETREGSET, tid,
		uintptr(elf.NT_PRSTATUS), uintptr(unsafe.Pointer(&iov))); err != nil {
		return nil, utils.WrapSyscall(model.ErrUnreadableDebuggee, "ptrace getregset", err)
	}
	return regs, nil
}

func (t *linuxTracer) SetRegs(tid int, regs *Registers) error {
	iov := unix.Iovec{Base: &regs.Data[0]}
	iov.SetLen(len(regs.Data))
	if err := t.ptrace(unix.PTRACE_SETREGSET, tid,
		uintptr(elf.NT_PRSTATUS), uintptr(unsafe.Pointer(&iov))); err != nil {
		return utils.WrapSyscall(model.ErrUnreadableDebuggee, "ptrace setregset", err)
	}
	return nil
}

func (t *linuxTracer) GetSiginfo(tid int) (Siginfo, error) {
	// siginfo_t: si_signo, si_errno, si_code int32 each, then the union;
	// si_pid is the first union field for user signals.
	var raw [128]byte
	if err := t.ptrace(unix.PTRACE_GETSIGINFO, tid, 0, uintptr(unsafe.Pointer(&raw[0]))); err != nil {
		return Siginfo{}, utils.WrapSyscall(model.ErrUnreadableDebuggee, "ptrace getsiginfo", err)
	}
	info := Siginfo{
		Signo: int32(binary.LittleEndian.Uint32(raw[0:])),
		Code:  int32(binary.LittleEndian.Uint32(raw[8:])),
	}
	if t.arch.WordSize() == 4 {
		info.PID = int32(binary.LittleEndian.Uint32(raw[12:]))
	} else {
		info.PID = int32(binary.LittleEndian.Uint32(raw[16:]))
	}
	return info, nil
}

func (t *linuxTracer) Wait(pid int, options int) (int, WaitStatus, error) {
	var status WaitStatus
	var wpid int
	var waitErr error
	t.call(func() {
		wpid, waitErr = unix.Wait4(pid, &status, options|unix.WALL, nil)
	})
	if waitErr != nil {
		return -1, status, waitErr
	}
	return wpid, status, nil
}

func (t *linuxTracer) ReadMemory(pid int, addr uint64, buf []byte) error {
	local := []unix.Iovec{{Base: &buf[0]}}
	local[0].SetLen(len(buf))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(buf)}}
	n, err := unix.ProcessVMReadv(pid, local, remote, 0)
	if err != nil {
		return utils.WrapSyscall(model.ErrUnreadableDebuggee, "process_vm_readv", err)
	}
	if n != len(buf) {
		return utils.MakeError(model.ErrUnreadableDebuggee, "short read at %#x: %d of %d bytes", addr, n, len(buf))
	}
	return nil
}
