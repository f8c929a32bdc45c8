package interop

import (
	"encoding/binary"
	"errors"
	"sync"

	"golang.org/x/sys/unix"
)

// fakeTracer is an in-memory debuggee for state machine tests: flat memory,
// per-thread register frames and a scripted wait queue.
type fakeTracer struct {
	mu   sync.Mutex
	arch Arch
	mem  map[uint64]byte
	regs map[int]*Registers
	info map[int]Siginfo
	// infoQueue entries are popped before the info fallback, letting one
	// test script successive siginfo reads.
	infoQueue map[int][]Siginfo

	waits []fakeWait

	seized       []int
	interrupted  []int
	continued    map[int][]int // tid -> signals passed to PTRACE_CONT
	singleSteps  []int
	detached     map[int]int
	stepFailsEIO bool
}

type fakeWait struct {
	tid    int
	status WaitStatus
	err    error
}

func newFakeTracer(arch Arch) *fakeTracer {
	return &fakeTracer{
		arch:      arch,
		mem:       make(map[uint64]byte),
		regs:      make(map[int]*Registers),
		info:      make(map[int]Siginfo),
		infoQueue: make(map[int][]Siginfo),
		continued: make(map[int][]int),
		detached:  make(map[int]int),
	}
}

func (t *fakeTracer) setMem(addr uint64, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, b := range data {
		t.mem[addr+uint64(i)] = b
	}
}

func (t *fakeTracer) setWord32(addr uint64, value uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	t.setMem(addr, buf[:])
}

func (t *fakeTracer) setWord64(addr uint64, value uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	t.setMem(addr, buf[:])
}

func (t *fakeTracer) word(addr uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var value uint64
	for i := 0; i < t.arch.WordSize(); i++ {
		value |= uint64(t.mem[addr+uint64(i)]) << (8 * i)
	}
	return value
}

func (t *fakeTracer) setRegs(tid int, regs *Registers) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.regs[tid] = regs
}

func (t *fakeTracer) pushWait(tid int, status WaitStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waits = append(t.waits, fakeWait{tid: tid, status: status})
}

func (t *fakeTracer) Seize(tid int, options uintptr) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seized = append(t.seized, tid)
	return nil
}

func (t *fakeTracer) Interrupt(tid int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interrupted = append(t.interrupted, tid)
	return nil
}

func (t *fakeTracer) Cont(tid int, signal int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.continued[tid] = append(t.continued[tid], signal)
	return nil
}

func (t *fakeTracer) SingleStep(tid int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stepFailsEIO {
		return unix.EIO
	}
	t.singleSteps = append(t.singleSteps, tid)
	return nil
}

func (t *fakeTracer) Detach(tid int, signal int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.detached[tid] = signal
	return nil
}

func (t *fakeTracer) PeekWord(tid int, addr uint64) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, found := t.mem[addr]; !found {
		return 0, errors.New("peek outside mapped memory")
	}
	var value uint64
	for i := 0; i < t.arch.WordSize(); i++ {
		value |= uint64(t.mem[addr+uint64(i)]) << (8 * i)
	}
	return value, nil
}

func (t *fakeTracer) PokeWord(tid int, addr uint64, word uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < t.arch.WordSize(); i++ {
		t.mem[addr+uint64(i)] = byte(word >> (8 * i))
	}
	return nil
}

func (t *fakeTracer) GetRegs(tid int) (*Registers, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	regs, found := t.regs[tid]
	if !found {
		return nil, errors.New("no registers for tid")
	}
	return regs.Clone(), nil
}

func (t *fakeTracer) SetRegs(tid int, regs *Registers) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.regs[tid] = regs.Clone()
	return nil
}

func (t *fakeTracer) pushInfo(tid int, info Siginfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.infoQueue[tid] = append(t.infoQueue[tid], info)
}

func (t *fakeTracer) GetSiginfo(tid int) (Siginfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if queue := t.infoQueue[tid]; len(queue) > 0 {
		next := queue[0]
		t.infoQueue[tid] = queue[1:]
		return next, nil
	}
	return t.info[tid], nil
}

func (t *fakeTracer) Wait(pid int, options int) (int, WaitStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.waits) == 0 {
		return 0, 0, nil
	}
	next := t.waits[0]
	t.waits = t.waits[1:]
	return next.tid, next.status, next.err
}

func (t *fakeTracer) ReadMemory(pid int, addr uint64, buf []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range buf {
		b, found := t.mem[addr+uint64(i)]
		if !found {
			return errors.New("read outside mapped memory")
		}
		buf[i] = b
	}
	return nil
}

func (t *fakeTracer) Shutdown() {}

// stoppedStatus builds a wait status for a signal stop.
func stoppedStatus(signal unix.Signal) WaitStatus {
	return WaitStatus(uint32(signal)<<8 | 0x7f)
}

// ptraceEventStatus builds a wait status for a ptrace event stop.
func ptraceEventStatus(event uint32) WaitStatus {
	return WaitStatus(uint32(unix.SIGTRAP)<<8 | 0x7f | event<<16)
}

// exitedStatus builds a wait status for normal thread exit.
func exitedStatus(code int) WaitStatus {
	return WaitStatus(uint32(code) << 8)
}
